package api

import (
	"context"
	"fmt"

	"github.com/ggoodman/rpc-server-go/identity"
	"github.com/ggoodman/rpc-server-go/rpc"
)

type CheckResult struct {
	Message string `json:"message"`
	UserID  string `json:"userId"`
}

type WhoAmI struct {
	UserID        string        `json:"userId"`
	Role          identity.Role `json:"role"`
	Administrator bool          `json:"administrator"`
	RequestID     string        `json:"requestId"`
}

type SignOutResult struct {
	Revoked bool `json:"revoked"`
}

func authNamespace(sessions *identity.Sessions) rpc.Namespace {
	ns := rpc.Namespace{
		"checkUser": rpc.Query(rpc.ProtectedProcedure,
			func(_ context.Context, c *rpc.Context, _ rpc.Void) (CheckResult, error) {
				id, _ := c.Identity()
				return CheckResult{Message: "You are signed in.", UserID: id.UserID}, nil
			},
			rpc.WithDescription("Succeeds for any signed-in caller."),
		),
		"checkAdmin": rpc.Query(rpc.AdminProcedure,
			func(_ context.Context, c *rpc.Context, _ rpc.Void) (CheckResult, error) {
				id, _ := c.Identity()
				return CheckResult{Message: "You are an administrator.", UserID: id.UserID}, nil
			},
			rpc.WithDescription("Succeeds for administrators only."),
		),
		"whoami": rpc.Query(rpc.ProtectedProcedure,
			func(_ context.Context, c *rpc.Context, _ rpc.Void) (WhoAmI, error) {
				id, _ := c.Identity()
				return WhoAmI{
					UserID:        id.UserID,
					Role:          id.Role,
					Administrator: id.IsAdministrator(),
					RequestID:     c.RequestID(),
				}, nil
			},
			rpc.WithDescription("Describe the calling identity."),
		),
	}

	if sessions != nil {
		ns["signOut"] = rpc.Mutation(rpc.ProtectedProcedure,
			func(ctx context.Context, c *rpc.Context, _ rpc.Void) (SignOutResult, error) {
				tok, ok := sessions.Token(c.Request())
				if !ok {
					// Authenticated by something other than a session, e.g. a JWT.
					return SignOutResult{}, nil
				}
				if err := sessions.Revoke(ctx, tok); err != nil {
					return SignOutResult{}, fmt.Errorf("revoke session: %w", err)
				}
				return SignOutResult{Revoked: true}, nil
			},
			rpc.WithDescription("Revoke the session used for this call."),
		)
	}
	return ns
}
