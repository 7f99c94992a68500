package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ggoodman/rpc-server-go/store"
	"github.com/google/uuid"
)

// SessionCookieName is the cookie that carries an opaque session token.
const SessionCookieName = "session_token"

const sessionKeyPrefix = "session:"

// Sessions resolves opaque session tokens against records held in the shared
// store. Tokens arrive either in the session cookie or as a non-JWT bearer
// token.
type Sessions struct {
	st  *store.Shared
	ttl time.Duration
}

// SessionOption configures Sessions.
type SessionOption func(*Sessions)

// WithSessionTTL sets the lifetime of sessions created by Create.
func WithSessionTTL(ttl time.Duration) SessionOption {
	return func(s *Sessions) { s.ttl = ttl }
}

// NewSessions returns a store-backed session provider.
func NewSessions(st *store.Shared, opts ...SessionOption) *Sessions {
	s := &Sessions{st: st, ttl: 30 * 24 * time.Hour}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ Provider = (*Sessions)(nil)

type sessionRecord struct {
	UserID    string    `json:"user_id"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// Create persists a new session for id and returns its token.
func (s *Sessions) Create(ctx context.Context, id Identity) (string, error) {
	if id.UserID == "" {
		return "", errors.New("identity: user id is required")
	}
	if id.Role == "" {
		id.Role = RoleStandard
	}
	st, err := s.st.Get(ctx)
	if err != nil {
		return "", err
	}

	tok := uuid.NewString()
	b, err := json.Marshal(sessionRecord{UserID: id.UserID, Role: id.Role, CreatedAt: time.Now().UTC()})
	if err != nil {
		return "", fmt.Errorf("marshal session: %w", err)
	}
	if err := st.Set(ctx, sessionKeyPrefix+tok, b, store.WithTTL(s.ttl)); err != nil {
		return "", fmt.Errorf("store session: %w", err)
	}
	return tok, nil
}

// Revoke deletes the session named by tok. Revoking an unknown token is not
// an error.
func (s *Sessions) Revoke(ctx context.Context, tok string) error {
	st, err := s.st.Get(ctx)
	if err != nil {
		return err
	}
	return st.Delete(ctx, store.WithKey(sessionKeyPrefix+tok))
}

// Token returns the session token carried by r, if any.
func (s *Sessions) Token(r *http.Request) (string, bool) {
	if c, err := r.Cookie(SessionCookieName); err == nil && c.Value != "" {
		return c.Value, true
	}
	if tok, ok := BearerToken(r); ok && !looksLikeJWT(tok) {
		return tok, true
	}
	return "", false
}

// Identify implements Provider.
func (s *Sessions) Identify(ctx context.Context, r *http.Request) (Identity, error) {
	tok, ok := s.Token(r)
	if !ok {
		return Identity{}, ErrNoIdentity
	}

	st, err := s.st.Get(ctx)
	if err != nil {
		return Identity{}, err
	}
	item, err := st.Get(ctx, sessionKeyPrefix+tok)
	if err != nil {
		return Identity{}, fmt.Errorf("load session: %w", err)
	}
	if item == nil {
		return Identity{}, fmt.Errorf("%w: unknown or expired session", ErrInvalidCredentials)
	}

	var rec sessionRecord
	if err := json.Unmarshal(item.Data, &rec); err != nil {
		return Identity{}, fmt.Errorf("decode session: %w", err)
	}
	if rec.UserID == "" {
		return Identity{}, fmt.Errorf("%w: session has no user", ErrInvalidCredentials)
	}
	if rec.Role == "" {
		rec.Role = RoleStandard
	}
	return Identity{UserID: rec.UserID, Role: rec.Role}, nil
}
