package rpc

import (
	"slices"

	"github.com/ggoodman/rpc-server-go/identity"
)

// Check is an authorization step. Checks are pure functions of the Context
// and must be safe to run more than once.
type Check func(*Context) error

// RequireIdentity rejects calls without a resolved identity.
func RequireIdentity(c *Context) error {
	if _, ok := c.Identity(); !ok {
		return ErrUnauthenticated
	}
	return nil
}

// RequireRole rejects calls whose identity does not carry role.
func RequireRole(role identity.Role) Check {
	return func(c *Context) error {
		id, ok := c.Identity()
		if !ok {
			return ErrUnauthenticated
		}
		if id.Role != role {
			return ErrForbidden
		}
		return nil
	}
}

// Access is the authorization tier of a procedure.
type Access int

const (
	AccessPublic Access = iota
	AccessAuthenticated
	AccessAdministrator
)

func (a Access) String() string {
	switch a {
	case AccessPublic:
		return "public"
	case AccessAuthenticated:
		return "authenticated"
	case AccessAdministrator:
		return "administrator"
	default:
		return "unknown"
	}
}

// Checks returns the ordered checks the tier implies.
func (a Access) Checks() []Check {
	switch a {
	case AccessAuthenticated:
		return []Check{RequireIdentity}
	case AccessAdministrator:
		return []Check{RequireIdentity, RequireRole(identity.RoleAdministrator)}
	default:
		return nil
	}
}

// Template is the starting point for declaring procedures of one tier.
type Template struct {
	access Access
	checks []Check
}

var (
	PublicProcedure    = NewTemplate(AccessPublic)
	ProtectedProcedure = NewTemplate(AccessAuthenticated)
	AdminProcedure     = NewTemplate(AccessAdministrator)
)

// NewTemplate returns the template for a tier.
func NewTemplate(a Access) Template {
	return Template{access: a, checks: a.Checks()}
}

// Use returns a template that runs checks after the existing ones. The
// receiver is not modified.
func (t Template) Use(checks ...Check) Template {
	next := make([]Check, 0, len(t.checks)+len(checks))
	next = append(next, t.checks...)
	next = append(next, checks...)
	return Template{access: t.access, checks: next}
}

// Access returns the template's tier.
func (t Template) Access() Access { return t.access }

// Checks returns a copy of the template's ordered checks.
func (t Template) Checks() []Check { return slices.Clone(t.checks) }
