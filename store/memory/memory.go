// Package memory provides an in-process store.Store backed by
// github.com/hashicorp/golang-lru/v2 with TTL support.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/rpc-server-go/store"
	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultSweepInterval = 5 * time.Minute

// Store implements store.Store in memory. When the cache is full the least
// recently used entry is evicted.
type Store struct {
	mu    sync.RWMutex
	cache *lru.Cache[string, *store.Item]

	stop     chan struct{}
	stopOnce sync.Once
}

var _ store.Store = (*Store)(nil)

// New creates a store holding at most maxItems entries.
func New(maxItems int) (*Store, error) {
	cache, err := lru.New[string, *store.Item](maxItems)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}

	s := &Store{
		cache: cache,
		stop:  make(chan struct{}),
	}
	go s.sweep(defaultSweepInterval)

	return s, nil
}

// Get retrieves data for key within the selected namespace.
func (s *Store) Get(ctx context.Context, key string, opts ...store.Option) (*store.Item, error) {
	options := store.Resolve(opts...)
	k := buildKey(options.Namespace, key)

	s.mu.RLock()
	item, ok := s.cache.Get(k)
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	if item.IsExpired() {
		s.mu.Lock()
		s.cache.Remove(k)
		s.mu.Unlock()
		return nil, nil
	}

	return item, nil
}

// Set stores a copy of data under key.
func (s *Store) Set(ctx context.Context, key string, data []byte, opts ...store.Option) error {
	options := store.Resolve(opts...)
	k := buildKey(options.Namespace, key)

	now := time.Now()
	item := &store.Item{
		Data:      append([]byte(nil), data...),
		CreatedAt: now,
	}
	if options.TTL != nil {
		expiresAt := now.Add(*options.TTL)
		item.ExpiresAt = &expiresAt
	}

	s.mu.Lock()
	s.cache.Add(k, item)
	s.mu.Unlock()

	return nil
}

// Delete removes one key (WithKey) or the whole namespace.
func (s *Store) Delete(ctx context.Context, opts ...store.Option) error {
	options := store.Resolve(opts...)

	s.mu.Lock()
	defer s.mu.Unlock()

	if options.Key != nil {
		s.cache.Remove(buildKey(options.Namespace, *options.Key))
		return nil
	}

	prefix := namespacePrefix(options.Namespace)
	// LRU offers no prefix iteration.
	for _, k := range s.cache.Keys() {
		if strings.HasPrefix(k, prefix) {
			s.cache.Remove(k)
		}
	}
	return nil
}

// Close stops the expiry sweeper and drops all entries.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.mu.Lock()
	s.cache.Purge()
	s.mu.Unlock()
	return nil
}

func buildKey(ns store.Namespace, key string) string {
	return namespacePrefix(ns) + "key:" + key
}

func namespacePrefix(ns store.Namespace) string {
	switch ns := ns.(type) {
	case store.UserNamespace:
		return "user:" + ns.UserID + ":"
	case nil:
		return "global:"
	default:
		return "unknown:"
	}
}

func (s *Store) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		for _, k := range s.cache.Keys() {
			if item, ok := s.cache.Peek(k); ok && item.IsExpired() {
				s.cache.Remove(k)
			}
		}
		s.mu.Unlock()
	}
}
