package federation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"fedauth/internal/auth"
	"fedauth/internal/domain"
)

// FallbackUsername is the base used when the chosen candidate is not a valid
// account name. It always receives a numeric suffix.
const FallbackUsername = "User"

// ErrNoUsernameCandidate is returned when no username candidate is available
// under the configured fallbacks.
var ErrNoUsernameCandidate = errors.New("no username candidate available")

// Candidate holds the identity fields a username can be derived from.
type Candidate struct {
	Preferred string
	RealName  string
	Email     string
	Subject   string
}

// Allocator picks a free account name for a new federated user.
type Allocator struct {
	users    auth.UserStore
	settings domain.FederationSettings
}

// NewAllocator creates an Allocator.
func NewAllocator(users auth.UserStore, settings domain.FederationSettings) *Allocator {
	return &Allocator{users: users, settings: settings}
}

// CandidateName applies the fallback chain: the preferred name, then the real
// name if enabled, then the email local part if enabled.
func (a *Allocator) CandidateName(c Candidate) (string, error) {
	if c.Preferred != "" {
		return c.Preferred, nil
	}
	if a.settings.UseRealNameAsUserName && c.RealName != "" {
		return c.RealName, nil
	}
	if a.settings.UseEmailNameAsUserName {
		if at := strings.IndexByte(c.Email, '@'); at > 0 {
			return c.Email[:at], nil
		}
	}
	return "", ErrNoUsernameCandidate
}

// Allocate returns the normalized candidate if it is free, otherwise the
// first free name formed by appending 1, 2, 3, ... to it.
func (a *Allocator) Allocate(ctx context.Context, c Candidate) (string, error) {
	name, err := a.CandidateName(c)
	if err != nil {
		return "", err
	}

	base, ok := auth.NormalizeUsername(name)
	if ok {
		taken, err := a.taken(ctx, base)
		if err != nil {
			return "", err
		}
		if !taken {
			return base, nil
		}
	} else {
		base = FallbackUsername
	}

	for n := 1; ; n++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		next := base + strconv.Itoa(n)
		taken, err := a.taken(ctx, next)
		if err != nil {
			return "", err
		}
		if !taken {
			return next, nil
		}
	}
}

func (a *Allocator) taken(ctx context.Context, name string) (bool, error) {
	u, err := a.users.GetByUsername(ctx, name)
	if err != nil {
		return false, fmt.Errorf("check username %q: %w", name, err)
	}
	return u != nil, nil
}
