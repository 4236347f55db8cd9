package auth

import (
	"errors"
	"time"
)

// User errors.
var (
	ErrUserNotFound  = errors.New("user not found")
	ErrUserExists    = errors.New("user already exists")
	ErrIdentityTaken = errors.New("federated identity already bound to another user")
	ErrInvalidUser   = errors.New("invalid user")
)

// User is a local account. Subject and Issuer are both empty for accounts
// that predate federation.
type User struct {
	ID           string     `json:"id"`
	Username     string     `json:"username"`
	Email        string     `json:"email,omitempty"`
	DisplayName  string     `json:"display_name,omitempty"`
	Subject      string     `json:"subject,omitempty"`
	Issuer       string     `json:"issuer,omitempty"`
	IsActive     bool       `json:"is_active"`
	RegisteredAt time.Time  `json:"registered_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
}

// Federated reports whether the account carries a remote identity.
func (u *User) Federated() bool {
	return u != nil && u.Subject != "" && u.Issuer != ""
}

// Legacy reports whether the account has neither subject nor issuer and can
// therefore be migrated.
func (u *User) Legacy() bool {
	return u != nil && u.Subject == "" && u.Issuer == ""
}

func copyUser(u *User) *User {
	if u == nil {
		return nil
	}
	cpy := *u
	if u.LastLoginAt != nil {
		t := *u.LastLoginAt
		cpy.LastLoginAt = &t
	}
	return &cpy
}
