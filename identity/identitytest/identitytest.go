// Package identitytest provides identity providers for tests.
package identitytest

import (
	"context"
	"net/http"

	"github.com/ggoodman/rpc-server-go/identity"
)

// Static identifies every request as the same identity.
type Static struct {
	Identity identity.Identity
}

// NewStatic returns a provider reporting userID with role. An empty userID
// defaults to "test-user".
func NewStatic(userID string, role identity.Role) *Static {
	if userID == "" {
		userID = "test-user"
	}
	if role == "" {
		role = identity.RoleStandard
	}
	return &Static{Identity: identity.Identity{UserID: userID, Role: role}}
}

func (s *Static) Identify(context.Context, *http.Request) (identity.Identity, error) {
	return s.Identity, nil
}

// Header identifies requests by the X-Test-User and X-Test-Role headers. A
// request without X-Test-User has no identity.
type Header struct{}

func (Header) Identify(_ context.Context, r *http.Request) (identity.Identity, error) {
	uid := r.Header.Get("X-Test-User")
	if uid == "" {
		return identity.Identity{}, identity.ErrNoIdentity
	}
	role := identity.Role(r.Header.Get("X-Test-Role"))
	if role == "" {
		role = identity.RoleStandard
	}
	return identity.Identity{UserID: uid, Role: role}, nil
}
