// Package identity resolves the caller of an inbound request.
//
// A Provider inspects the raw request (cookies, Authorization header) and
// returns the caller's Identity. Providers are consulted on every request;
// nothing here caches a resolution across requests.
package identity

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// Role tags what an identity may do.
type Role string

const (
	RoleStandard      Role = "standard"
	RoleAdministrator Role = "administrator"
)

// Identity is a resolved caller.
type Identity struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
}

// IsAdministrator reports whether the identity carries the administrator role.
func (i Identity) IsAdministrator() bool { return i.Role == RoleAdministrator }

var (
	// ErrNoIdentity is returned when the request carries no credentials a
	// provider recognises. It is the only error that lets a Chain fall through
	// to the next provider.
	ErrNoIdentity = errors.New("identity: no credentials")

	// ErrInvalidCredentials is returned when credentials were presented but
	// could not be resolved (unknown, expired or badly signed).
	ErrInvalidCredentials = errors.New("identity: invalid credentials")
)

// Provider resolves the caller of r.
type Provider interface {
	Identify(ctx context.Context, r *http.Request) (Identity, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, r *http.Request) (Identity, error)

func (f ProviderFunc) Identify(ctx context.Context, r *http.Request) (Identity, error) {
	return f(ctx, r)
}

// Chain consults providers in order. The first provider that returns
// anything other than ErrNoIdentity decides the outcome.
func Chain(providers ...Provider) Provider {
	return ProviderFunc(func(ctx context.Context, r *http.Request) (Identity, error) {
		for _, p := range providers {
			id, err := p.Identify(ctx, r)
			if errors.Is(err, ErrNoIdentity) {
				continue
			}
			return id, err
		}
		return Identity{}, ErrNoIdentity
	})
}

// Anonymous is a Provider that never identifies anyone.
var Anonymous Provider = ProviderFunc(func(context.Context, *http.Request) (Identity, error) {
	return Identity{}, ErrNoIdentity
})

const bearerPrefix = "Bearer "

// BearerToken extracts the token of an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if len(h) <= len(bearerPrefix) || !strings.EqualFold(h[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}
	tok := strings.TrimSpace(h[len(bearerPrefix):])
	return tok, tok != ""
}

// looksLikeJWT reports whether tok has the three dot-separated segments of a
// compact JWS.
func looksLikeJWT(tok string) bool {
	return strings.Count(tok, ".") == 2
}
