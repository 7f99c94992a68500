package api

import (
	"context"

	"github.com/ggoodman/rpc-server-go/rpc"
)

type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

var demoUsers = []User{
	{ID: "1", Name: "Ada Lovelace", Email: "ada@example.com"},
	{ID: "2", Name: "Grace Hopper", Email: "grace@example.com"},
	{ID: "3", Name: "Alan Turing", Email: "alan@example.com"},
}

func usersNamespace() rpc.Namespace {
	return rpc.Namespace{
		"getUsers": rpc.Query(rpc.PublicProcedure,
			func(context.Context, *rpc.Context, rpc.Void) ([]User, error) {
				out := make([]User, len(demoUsers))
				copy(out, demoUsers)
				return out, nil
			},
			rpc.WithDescription("List the demo users."),
		),
	}
}
