// Package api is the demo application served by cmd/server. It exercises
// every procedure tier: public queries, identity-gated and administrator
// procedures, a progressive stream and store-backed per-user data.
package api

import (
	"time"

	"github.com/ggoodman/rpc-server-go/identity"
	"github.com/ggoodman/rpc-server-go/rpc"
)

// DefaultStepDelay paces tasks.streamingTask.
const DefaultStepDelay = time.Second

type config struct {
	sessions  *identity.Sessions
	stepDelay time.Duration
}

// Option configures the demo router.
type Option func(*config)

// WithSessions enables auth.signOut against s.
func WithSessions(s *identity.Sessions) Option {
	return func(c *config) { c.sessions = s }
}

// WithStepDelay sets the pause between streamed task steps. Zero disables it.
func WithStepDelay(d time.Duration) Option {
	return func(c *config) {
		if d >= 0 {
			c.stepDelay = d
		}
	}
}

// NewRouter composes the demo namespaces.
func NewRouter(opts ...Option) (*rpc.Router, error) {
	cfg := config{stepDelay: DefaultStepDelay}
	for _, opt := range opts {
		opt(&cfg)
	}

	return rpc.NewRouter(rpc.Namespace{
		"users":       usersNamespace(),
		"auth":        authNamespace(cfg.sessions),
		"tasks":       tasksNamespace(cfg.stepDelay),
		"preferences": preferencesNamespace(),
	})
}
