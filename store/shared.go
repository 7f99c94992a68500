package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultOpenTimeout bounds a single attempt to open the backing Store.
const DefaultOpenTimeout = 10 * time.Second

// Opener constructs the backing Store on first use.
type Opener func(ctx context.Context) (Store, error)

// Shared is a lazily-initialized handle to a single Store that is injected
// into every request context. The backend is opened on the first Get; a
// failed open is not cached, so the next Get retries.
//
// Concurrent Gets share one open attempt. The attempt runs detached from any
// caller, bounded by the open timeout, and each caller waits for it only as
// long as its own context allows.
type Shared struct {
	open        Opener
	openTimeout time.Duration
	group       singleflight.Group

	mu     sync.Mutex
	st     Store
	closed bool
}

// SharedOption configures a Shared handle.
type SharedOption func(*Shared)

// WithOpenTimeout bounds each open attempt.
func WithOpenTimeout(d time.Duration) SharedOption {
	return func(s *Shared) {
		if d > 0 {
			s.openTimeout = d
		}
	}
}

// NewShared returns a handle that opens its Store with open on demand.
func NewShared(open Opener, opts ...SharedOption) *Shared {
	s := &Shared{open: open, openTimeout: DefaultOpenTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SharedOf wraps an already-open Store.
func SharedOf(st Store) *Shared {
	return &Shared{st: st, openTimeout: DefaultOpenTimeout}
}

// Get returns the shared Store, opening it if needed.
func (s *Shared) Get(ctx context.Context) (Store, error) {
	if st, ok, err := s.current(); ok || err != nil {
		return st, err
	}

	ch := s.group.DoChan("open", func() (any, error) {
		return s.openDetached(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Store), nil
	}
}

func (s *Shared) current() (Store, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	if s.st != nil {
		return s.st, true, nil
	}
	if s.open == nil {
		return nil, false, fmt.Errorf("store: no opener configured")
	}
	return nil, false, nil
}

func (s *Shared) openDetached(ctx context.Context) (Store, error) {
	if st, ok, err := s.current(); ok || err != nil {
		return st, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.openTimeout)
	defer cancel()
	st, err := s.open(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = st.Close()
		return nil, ErrClosed
	}
	s.st = st
	return st, nil
}

// Close closes the Store if it was opened. Subsequent Get calls fail.
func (s *Shared) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.st == nil {
		return nil
	}
	return s.st.Close()
}
