package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"

	"github.com/ggoodman/rpc-server-go/internal/jwtauth"
)

// JWTConfig configures bearer JWT verification.
type JWTConfig struct {
	Issuer    string
	Audiences []string
	// JWKSURL skips OIDC discovery when set.
	JWKSURL string
	// RoleClaim names a string claim holding the role. Default "role".
	RoleClaim string
	// RolesClaim names an array claim; containing "administrator" grants the
	// administrator role. Default "roles".
	RolesClaim string
}

// JWTProvider identifies callers presenting a signed JWT bearer token.
type JWTProvider struct {
	v          *jwtauth.Verifier
	roleClaim  string
	rolesClaim string
}

var _ Provider = (*JWTProvider)(nil)

// NewJWTProvider builds a provider, performing OIDC discovery unless
// cfg.JWKSURL is set. ctx bounds the background JWKS refresh.
func NewJWTProvider(ctx context.Context, cfg JWTConfig) (*JWTProvider, error) {
	vc := jwtauth.DefaultConfig()
	vc.Issuer = cfg.Issuer
	vc.Audiences = slices.Clone(cfg.Audiences)

	var (
		v   *jwtauth.Verifier
		err error
	)
	if cfg.JWKSURL != "" {
		v, err = jwtauth.NewStatic(ctx, vc, cfg.JWKSURL)
	} else {
		v, err = jwtauth.NewFromDiscovery(ctx, vc)
	}
	if err != nil {
		return nil, fmt.Errorf("identity: jwt provider: %w", err)
	}

	p := &JWTProvider{v: v, roleClaim: cfg.RoleClaim, rolesClaim: cfg.RolesClaim}
	if p.roleClaim == "" {
		p.roleClaim = "role"
	}
	if p.rolesClaim == "" {
		p.rolesClaim = "roles"
	}
	return p, nil
}

// Identify implements Provider. Only bearer tokens shaped like a JWT are
// considered; anything else is left to other providers.
func (p *JWTProvider) Identify(ctx context.Context, r *http.Request) (Identity, error) {
	tok, ok := BearerToken(r)
	if !ok || !looksLikeJWT(tok) {
		return Identity{}, ErrNoIdentity
	}

	claims, err := p.v.Verify(ctx, tok)
	if err != nil {
		if errors.Is(err, jwtauth.ErrUnauthorized) {
			return Identity{}, errors.Join(ErrInvalidCredentials, err)
		}
		return Identity{}, err
	}

	return Identity{UserID: claims.Subject(), Role: p.role(claims)}, nil
}

func (p *JWTProvider) role(c jwtauth.Claims) Role {
	if r := c.String(p.roleClaim); r != "" {
		return Role(r)
	}
	if slices.Contains(c.Strings(p.rolesClaim), string(RoleAdministrator)) {
		return RoleAdministrator
	}
	return RoleStandard
}
