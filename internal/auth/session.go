// Package auth provides local accounts and per-browser session state for
// federated login.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Session errors.
var (
	// ErrInvalidSession indicates the session handle is unusable.
	ErrInvalidSession = errors.New("invalid session")
)

// DefaultSessionDuration is the default idle lifetime of session attributes.
const DefaultSessionDuration = 24 * time.Hour

// SessionIDLength is the number of random bytes used for session IDs.
const SessionIDLength = 32

// Attribute keys owned by the federation flow.
const (
	keyPendingIssuer = "fedauth.pending_issuer"
	keyStagedSubject = "fedauth.staged_subject"
	keyStagedIssuer  = "fedauth.staged_issuer"
	keyAccessToken   = "fedauth.access_token"
	keyUserID        = "fedauth.user_id"
)

// AttributeStore is a key-value store scoped to a browser session.
type AttributeStore interface {
	// Get returns the value and whether it was present.
	Get(ctx context.Context, sid, key string) ([]byte, bool, error)
	// Set stores a value and refreshes the session's expiry.
	Set(ctx context.Context, sid, key string, value []byte) error
	// Remove deletes keys; missing keys are ignored.
	Remove(ctx context.Context, sid string, keys ...string) error
	// Clear deletes every attribute of the session.
	Clear(ctx context.Context, sid string) error
	// Exists reports whether the session holds any live attributes.
	Exists(ctx context.Context, sid string) (bool, error)
	// Rename moves every attribute from one session id to another. Renaming
	// a session that does not exist is a no-op.
	Rename(ctx context.Context, from, to string) error
}

// MemoryAttributeStore is an in-memory implementation of AttributeStore.
// It is thread-safe and suitable for development and single-instance deployments.
type MemoryAttributeStore struct {
	mu       sync.RWMutex
	ttl      time.Duration
	sessions map[string]*memorySession
	now      func() time.Time
}

type memorySession struct {
	values    map[string][]byte
	expiresAt time.Time
}

// NewMemoryAttributeStore creates an in-memory store. A non-positive ttl
// means DefaultSessionDuration.
func NewMemoryAttributeStore(ttl time.Duration) *MemoryAttributeStore {
	if ttl <= 0 {
		ttl = DefaultSessionDuration
	}
	return &MemoryAttributeStore{
		ttl:      ttl,
		sessions: make(map[string]*memorySession),
		now:      time.Now,
	}
}

func (s *MemoryAttributeStore) Get(_ context.Context, sid, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sid]
	if !ok || s.now().After(sess.expiresAt) {
		return nil, false, nil
	}
	v, ok := sess.values[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (s *MemoryAttributeStore) Set(_ context.Context, sid, key string, value []byte) error {
	if sid == "" {
		return ErrInvalidSession
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sid]
	if !ok || s.now().After(sess.expiresAt) {
		sess = &memorySession{values: make(map[string][]byte)}
		s.sessions[sid] = sess
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	sess.values[key] = stored
	sess.expiresAt = s.now().Add(s.ttl)
	return nil
}

func (s *MemoryAttributeStore) Remove(_ context.Context, sid string, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sid]
	if !ok {
		return nil
	}
	for _, k := range keys {
		delete(sess.values, k)
	}
	return nil
}

func (s *MemoryAttributeStore) Clear(_ context.Context, sid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sid)
	return nil
}

func (s *MemoryAttributeStore) Exists(_ context.Context, sid string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sid]
	return ok && !s.now().After(sess.expiresAt), nil
}

func (s *MemoryAttributeStore) Rename(_ context.Context, from, to string) error {
	if to == "" {
		return ErrInvalidSession
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[from]
	if !ok {
		return nil
	}
	delete(s.sessions, from)
	s.sessions[to] = sess
	return nil
}

// Cleanup removes all expired sessions.
// Returns the number of sessions removed.
func (s *MemoryAttributeStore) Cleanup(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	now := s.now()
	for id, sess := range s.sessions {
		if now.After(sess.expiresAt) {
			delete(s.sessions, id)
			count++
		}
	}
	return count, nil
}

// Keys returns the attribute keys currently held for a session.
// This is primarily for testing.
func (s *MemoryAttributeStore) Keys(sid string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sid]
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(sess.values))
	for k := range sess.values {
		keys = append(keys, k)
	}
	return keys
}

// Session is a handle on one browser session's attributes.
type Session struct {
	id    string
	store AttributeStore
}

// NewSession binds a session ID to an attribute store.
func NewSession(id string, store AttributeStore) *Session {
	return &Session{id: id, store: store}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Rotate moves the session's attributes to a freshly generated id and
// returns it. The previous id no longer resolves to any state.
func (s *Session) Rotate(ctx context.Context) (string, error) {
	id, err := GenerateSessionID()
	if err != nil {
		return "", err
	}
	if err := s.store.Rename(ctx, s.id, id); err != nil {
		return "", fmt.Errorf("rotate session: %w", err)
	}
	s.id = id
	return id, nil
}

// Get returns a string attribute, or "" if absent.
func (s *Session) Get(ctx context.Context, key string) (string, error) {
	v, ok, err := s.store.Get(ctx, s.id, key)
	if err != nil || !ok {
		return "", err
	}
	return string(v), nil
}

// Set stores a string attribute.
func (s *Session) Set(ctx context.Context, key, value string) error {
	return s.store.Set(ctx, s.id, key, []byte(value))
}

// Remove deletes attributes.
func (s *Session) Remove(ctx context.Context, keys ...string) error {
	return s.store.Remove(ctx, s.id, keys...)
}

// Clear deletes every attribute of the session.
func (s *Session) Clear(ctx context.Context) error {
	return s.store.Clear(ctx, s.id)
}

// PendingIssuer returns the issuer a login is in progress for, or "".
func (s *Session) PendingIssuer(ctx context.Context) (string, error) {
	return s.Get(ctx, keyPendingIssuer)
}

// SetPendingIssuer records the issuer selected for the current login.
func (s *Session) SetPendingIssuer(ctx context.Context, issuer string) error {
	return s.Set(ctx, keyPendingIssuer, issuer)
}

// ClearPendingIssuer ends the in-progress login marker.
func (s *Session) ClearPendingIssuer(ctx context.Context) error {
	return s.Remove(ctx, keyPendingIssuer)
}

// StageIdentity keeps a remote identity until the account it belongs to is
// created.
func (s *Session) StageIdentity(ctx context.Context, subject, issuer string) error {
	if err := s.Set(ctx, keyStagedSubject, subject); err != nil {
		return err
	}
	return s.Set(ctx, keyStagedIssuer, issuer)
}

// TakeStagedIdentity returns and removes the staged identity. ok is false if
// nothing complete was staged.
func (s *Session) TakeStagedIdentity(ctx context.Context) (subject, issuer string, ok bool, err error) {
	if subject, err = s.Get(ctx, keyStagedSubject); err != nil {
		return "", "", false, err
	}
	if issuer, err = s.Get(ctx, keyStagedIssuer); err != nil {
		return "", "", false, err
	}
	if err = s.Remove(ctx, keyStagedSubject, keyStagedIssuer); err != nil {
		return "", "", false, err
	}
	return subject, issuer, subject != "" && issuer != "", nil
}

// SetAccessToken replaces the stored access-token claims.
func (s *Session) SetAccessToken(ctx context.Context, claims map[string]any) error {
	data, err := json.Marshal(claims)
	if err != nil {
		return fmt.Errorf("encode access token: %w", err)
	}
	return s.store.Set(ctx, s.id, keyAccessToken, data)
}

// AccessToken returns the stored access-token claims, or nil if none.
func (s *Session) AccessToken(ctx context.Context) (map[string]any, error) {
	data, ok, err := s.store.Get(ctx, s.id, keyAccessToken)
	if err != nil || !ok {
		return nil, err
	}
	var claims map[string]any
	if err := json.Unmarshal(data, &claims); err != nil {
		return nil, fmt.Errorf("decode access token: %w", err)
	}
	return claims, nil
}

// UserID returns the authenticated account ID, or "".
func (s *Session) UserID(ctx context.Context) (string, error) {
	return s.Get(ctx, keyUserID)
}

// SetUserID marks the session as authenticated for an account.
func (s *Session) SetUserID(ctx context.Context, id string) error {
	return s.Set(ctx, keyUserID, id)
}

// GenerateSessionID generates a cryptographically secure session ID.
func GenerateSessionID() (string, error) {
	bytes := make([]byte, SessionIDLength)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

type sessionContextKey struct{}

// ContextWithSession attaches sess to ctx. A nil sess leaves ctx unchanged.
func ContextWithSession(ctx context.Context, sess *Session) context.Context {
	if sess == nil {
		return ctx
	}
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// SessionFromContext returns the session bound by SessionMiddleware, or nil.
func SessionFromContext(ctx context.Context) *Session {
	if ctx == nil {
		return nil
	}
	sess, _ := ctx.Value(sessionContextKey{}).(*Session)
	return sess
}
