package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ggoodman/rpc-server-go/rpc"
	"github.com/ggoodman/rpc-server-go/store"
)

const preferencesKey = "preferences"

type Preferences struct {
	Theme    string `json:"theme,omitempty" validate:"omitempty,oneof=light dark system"`
	Language string `json:"language,omitempty" validate:"omitempty,max=35"`
	PageSize int    `json:"pageSize,omitempty" validate:"omitempty,min=1,max=100"`
}

var errNoStore = errors.New("no store configured")

func preferencesNamespace() rpc.Namespace {
	return rpc.Namespace{
		"get": rpc.Query(rpc.ProtectedProcedure, getPreferences,
			rpc.WithDescription("Read the caller's preferences."),
		),
		"set": rpc.Mutation(rpc.ProtectedProcedure, setPreferences,
			rpc.WithDescription("Replace the caller's preferences."),
		),
	}
}

func getPreferences(ctx context.Context, c *rpc.Context, _ rpc.Void) (Preferences, error) {
	st := c.Store()
	if st == nil {
		return Preferences{}, errNoStore
	}
	id, _ := c.Identity()

	item, err := st.Get(ctx, preferencesKey, store.WithUser(id.UserID))
	if err != nil {
		return Preferences{}, fmt.Errorf("load preferences: %w", err)
	}
	var p Preferences
	if item == nil {
		return p, nil
	}
	if err := json.Unmarshal(item.Data, &p); err != nil {
		return Preferences{}, fmt.Errorf("decode preferences: %w", err)
	}
	return p, nil
}

func setPreferences(ctx context.Context, c *rpc.Context, in Preferences) (Preferences, error) {
	st := c.Store()
	if st == nil {
		return Preferences{}, errNoStore
	}
	id, _ := c.Identity()

	data, err := json.Marshal(in)
	if err != nil {
		return Preferences{}, err
	}
	if err := st.Set(ctx, preferencesKey, data, store.WithUser(id.UserID)); err != nil {
		return Preferences{}, fmt.Errorf("save preferences: %w", err)
	}
	return in, nil
}
