package auth

import (
	"context"
	"sort"
	"sync"
	"time"
)

// UserStore defines the interface for account persistence.
//
// Lookups return nil, nil if nothing matches.
type UserStore interface {
	// Create stores a new user.
	Create(ctx context.Context, user *User) error

	// GetByID retrieves a user by ID.
	GetByID(ctx context.Context, id string) (*User, error)

	// GetByUsername retrieves a user by username (case-sensitive).
	GetByUsername(ctx context.Context, username string) (*User, error)

	// List returns all users, newest registration first.
	List(ctx context.Context) ([]*User, error)

	// FindBySubjectIssuer matches both federation fields exactly.
	FindBySubjectIssuer(ctx context.Context, subject, issuer string) (*User, error)

	// FindUnmigratedByUsername matches a legacy account by exact username.
	FindUnmigratedByUsername(ctx context.Context, username string) (*User, error)

	// FindUnmigratedByEmail matches legacy accounts by email and returns the
	// one registered first.
	FindUnmigratedByEmail(ctx context.Context, email string) (*User, error)

	// SetFederatedIdentity overwrites the subject and issuer of an account.
	SetFederatedIdentity(ctx context.Context, id, subject, issuer string) error

	// UpdateLastLogin sets the last_login_at timestamp for a user.
	UpdateLastLogin(ctx context.Context, id string, t time.Time) error
}

// GroupStore persists per-account group memberships.
type GroupStore interface {
	// ListGroups returns the account's groups in sorted order.
	ListGroups(ctx context.Context, userID string) ([]string, error)
	// AddGroup is a no-op if the membership already exists.
	AddGroup(ctx context.Context, userID, group string) error
	// RemoveGroup is a no-op if the membership does not exist.
	RemoveGroup(ctx context.Context, userID, group string) error
}

// MemoryUserStore is an in-memory implementation of UserStore and GroupStore.
// Thread-safe; suitable for development and single-instance deployments.
type MemoryUserStore struct {
	mu            sync.RWMutex
	users         map[string]*User              // keyed by ID
	usernameIndex map[string]string             // username -> ID
	identityIndex map[identityKey]string        // (subject, issuer) -> ID
	groups        map[string]map[string]struct{} // user ID -> groups
}

type identityKey struct{ subject, issuer string }

// NewMemoryUserStore creates a new in-memory user store.
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{
		users:         make(map[string]*User),
		usernameIndex: make(map[string]string),
		identityIndex: make(map[identityKey]string),
		groups:        make(map[string]map[string]struct{}),
	}
}

func (s *MemoryUserStore) Create(_ context.Context, user *User) error {
	if user == nil || user.ID == "" || user.Username == "" {
		return ErrInvalidUser
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[user.ID]; exists {
		return ErrUserExists
	}
	if _, exists := s.usernameIndex[user.Username]; exists {
		return ErrUserExists
	}
	key := identityKey{user.Subject, user.Issuer}
	if user.Federated() {
		if _, taken := s.identityIndex[key]; taken {
			return ErrIdentityTaken
		}
		s.identityIndex[key] = user.ID
	}

	s.users[user.ID] = copyUser(user)
	s.usernameIndex[user.Username] = user.ID
	return nil
}

func (s *MemoryUserStore) GetByID(_ context.Context, id string) (*User, error) {
	if id == "" {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyUser(s.users[id]), nil
}

func (s *MemoryUserStore) GetByUsername(_ context.Context, username string) (*User, error) {
	if username == "" {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	id, exists := s.usernameIndex[username]
	if !exists {
		return nil, nil
	}
	return copyUser(s.users[id]), nil
}

func (s *MemoryUserStore) List(_ context.Context) ([]*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*User, 0, len(s.users))
	for _, u := range s.users {
		result = append(result, copyUser(u))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].RegisteredAt.After(result[j].RegisteredAt)
	})
	return result, nil
}

func (s *MemoryUserStore) FindBySubjectIssuer(_ context.Context, subject, issuer string) (*User, error) {
	if subject == "" || issuer == "" {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.identityIndex[identityKey{subject, issuer}]
	if !ok {
		return nil, nil
	}
	return copyUser(s.users[id]), nil
}

func (s *MemoryUserStore) FindUnmigratedByUsername(_ context.Context, username string) (*User, error) {
	if username == "" {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.usernameIndex[username]
	if !ok || !s.users[id].Legacy() {
		return nil, nil
	}
	return copyUser(s.users[id]), nil
}

func (s *MemoryUserStore) FindUnmigratedByEmail(_ context.Context, email string) (*User, error) {
	if email == "" {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var oldest *User
	for _, u := range s.users {
		if u.Email != email || !u.Legacy() {
			continue
		}
		if oldest == nil || registeredBefore(u, oldest) {
			oldest = u
		}
	}
	return copyUser(oldest), nil
}

// registeredBefore orders by registration time, then ID, so equal timestamps
// still pick the same account every time.
func registeredBefore(a, b *User) bool {
	if !a.RegisteredAt.Equal(b.RegisteredAt) {
		return a.RegisteredAt.Before(b.RegisteredAt)
	}
	return a.ID < b.ID
}

func (s *MemoryUserStore) SetFederatedIdentity(_ context.Context, id, subject, issuer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.users[id]
	if !exists {
		return ErrUserNotFound
	}
	key := identityKey{subject, issuer}
	if owner, taken := s.identityIndex[key]; taken && owner != id {
		return ErrIdentityTaken
	}
	if user.Federated() {
		delete(s.identityIndex, identityKey{user.Subject, user.Issuer})
	}
	user.Subject = subject
	user.Issuer = issuer
	user.UpdatedAt = time.Now().UTC()
	if user.Federated() {
		s.identityIndex[key] = id
	}
	return nil
}

func (s *MemoryUserStore) UpdateLastLogin(_ context.Context, id string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.users[id]
	if !exists {
		return ErrUserNotFound
	}
	user.LastLoginAt = &t
	return nil
}

func (s *MemoryUserStore) ListGroups(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.groups[userID]))
	for g := range s.groups[userID] {
		out = append(out, g)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryUserStore) AddGroup(_ context.Context, userID, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[userID]; !exists {
		return ErrUserNotFound
	}
	if s.groups[userID] == nil {
		s.groups[userID] = make(map[string]struct{})
	}
	s.groups[userID][group] = struct{}{}
	return nil
}

func (s *MemoryUserStore) RemoveGroup(_ context.Context, userID, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.groups[userID], group)
	if len(s.groups[userID]) == 0 {
		delete(s.groups, userID)
	}
	return nil
}
