// Package store defines the persistent key/value handle that procedures reach
// through their request context.
//
// The RPC layer never interprets stored values; it only hands the handle to
// procedure handlers. Implementations must be safe for concurrent use because
// a single handle is shared by every in-flight request.
package store

import (
	"context"
	"errors"
	"time"
)

// Store is a namespaced key/value store with optional expiry.
type Store interface {
	// Get retrieves the item stored under key. It returns a nil Item when the
	// key does not exist or has expired; an error is returned only for
	// failures of the backing system.
	Get(ctx context.Context, key string, opts ...Option) (*Item, error)

	// Set stores data under key, replacing any previous value.
	Set(ctx context.Context, key string, data []byte, opts ...Option) error

	// Delete removes a single key when WithKey is supplied, otherwise every
	// key in the selected namespace.
	Delete(ctx context.Context, opts ...Option) error

	// Close releases resources held by the backend.
	Close() error
}

// Item is a stored value with its metadata.
type Item struct {
	Data      []byte
	CreatedAt time.Time
	ExpiresAt *time.Time // nil = no expiration
}

// IsExpired reports whether the item has passed its expiry.
func (i *Item) IsExpired() bool {
	return i.ExpiresAt != nil && time.Now().After(*i.ExpiresAt)
}

// Option configures a store operation.
type Option func(*Options)

// Options is the resolved set of Option values. Backends call Resolve.
type Options struct {
	Namespace Namespace      // nil = global
	Key       *string        // Delete only
	TTL       *time.Duration // Set only
}

// Resolve applies opts in order.
func Resolve(opts ...Option) *Options {
	o := &Options{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Namespace scopes keys. A nil Namespace is the global namespace.
type Namespace interface {
	namespace()
}

// UserNamespace scopes keys to a single user.
type UserNamespace struct {
	UserID string
}

func (UserNamespace) namespace() {}

// WithUser selects the namespace owned by userID.
func WithUser(userID string) Option {
	return func(o *Options) {
		o.Namespace = UserNamespace{UserID: userID}
	}
}

// WithKey names the key a Delete removes.
func WithKey(key string) Option {
	return func(o *Options) {
		o.Key = &key
	}
}

// WithTTL sets a time-to-live on Set.
func WithTTL(ttl time.Duration) Option {
	return func(o *Options) {
		o.TTL = &ttl
	}
}

var (
	// ErrInvalidOptions is returned when incompatible options are provided.
	ErrInvalidOptions = errors.New("store: invalid option combination")
	// ErrClosed is returned by a Shared handle after Close.
	ErrClosed = errors.New("store: closed")
)
