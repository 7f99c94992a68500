package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ggoodman/rpc-server-go/identity"
	"github.com/ggoodman/rpc-server-go/internal/logctx"
	"github.com/ggoodman/rpc-server-go/store"
	"github.com/google/uuid"
)

// Context is the per-call view handed to checks and handlers. It is
// immutable once built and is never shared between calls.
type Context struct {
	id        identity.Identity
	hasID     bool
	store     store.Store
	request   *http.Request
	requestID string
}

// Identity returns the caller's identity, if one was resolved.
func (c *Context) Identity() (identity.Identity, bool) {
	return c.id, c.hasID
}

// Store returns the persistent store handle. It may be nil when the factory
// was built without a store.
func (c *Context) Store() store.Store { return c.store }

// Request returns the inbound HTTP request the call arrived on.
func (c *Context) Request() *http.Request { return c.request }

// RequestID returns the correlation id of the inbound request.
func (c *Context) RequestID() string { return c.requestID }

// ContextFactory builds a fresh Context for every call.
type ContextFactory struct {
	provider identity.Provider
	store    *store.Shared
	log      *slog.Logger
}

// FactoryOption configures a ContextFactory.
type FactoryOption func(*ContextFactory)

// WithLogger sets the logger used for identity resolution diagnostics.
func WithLogger(l *slog.Logger) FactoryOption {
	return func(f *ContextFactory) {
		if l != nil {
			f.log = l
		}
	}
}

// NewContextFactory returns a factory. A nil provider identifies nobody; a
// nil store yields contexts without a store.
func NewContextFactory(p identity.Provider, st *store.Shared, opts ...FactoryOption) *ContextFactory {
	if p == nil {
		p = identity.Anonymous
	}
	f := &ContextFactory{provider: p, store: st, log: slog.Default()}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// NewContext resolves the caller of r and acquires the store handle.
// Identity failures never fail the call; they leave the identity absent so
// that access checks decide. Only a store failure is returned.
func (f *ContextFactory) NewContext(ctx context.Context, r *http.Request) (*Context, error) {
	c := &Context{request: r}

	if rd, ok := logctx.RequestDataFrom(ctx); ok && rd.RequestID != "" {
		c.requestID = rd.RequestID
	} else {
		c.requestID = uuid.NewString()
	}

	id, err := f.provider.Identify(ctx, r)
	switch {
	case err == nil && id.UserID != "":
		c.id, c.hasID = id, true
	case err == nil, errors.Is(err, identity.ErrNoIdentity):
		f.log.DebugContext(ctx, "rpc.identity.none")
	default:
		f.log.WarnContext(ctx, "rpc.identity.err", slog.String("err", err.Error()))
	}

	if f.store != nil {
		st, err := f.store.Get(ctx)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		c.store = st
	}

	return c, nil
}
