//go:build postgres

package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUserColumns = `id, username, email, display_name, subject, issuer, is_active, registered_at, updated_at, last_login_at`

// PostgresUserStore is a PostgreSQL-backed implementation of UserStore and GroupStore.
type PostgresUserStore struct {
	pool    *pgxpool.Pool
	ownPool bool
}

// NewPostgresUserStore creates a new PostgreSQL-backed user store with its own connection pool.
func NewPostgresUserStore(connStr string) (*PostgresUserStore, error) {
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, err
	}
	return &PostgresUserStore{pool: pool, ownPool: true}, nil
}

// NewPostgresUserStoreFromPool creates a user store using an existing pool.
func NewPostgresUserStoreFromPool(pool *pgxpool.Pool) *PostgresUserStore {
	return &PostgresUserStore{pool: pool}
}

func (s *PostgresUserStore) Close() error {
	if s.ownPool {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresUserStore) Create(ctx context.Context, user *User) error {
	if user == nil || user.ID == "" || user.Username == "" {
		return ErrInvalidUser
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (`+pgUserColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		user.ID, user.Username, user.Email, user.DisplayName,
		nullString(user.Subject), nullString(user.Issuer), user.IsActive,
		user.RegisteredAt, user.UpdatedAt, user.LastLoginAt,
	)
	if err != nil {
		if isIdentityViolation(err) {
			return ErrIdentityTaken
		}
		if isUniqueViolation(err) {
			return ErrUserExists
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresUserStore) GetByID(ctx context.Context, id string) (*User, error) {
	return s.scanUser(s.pool.QueryRow(ctx, `SELECT `+pgUserColumns+` FROM users WHERE id = $1`, id))
}

func (s *PostgresUserStore) GetByUsername(ctx context.Context, username string) (*User, error) {
	return s.scanUser(s.pool.QueryRow(ctx, `SELECT `+pgUserColumns+` FROM users WHERE username = $1`, username))
}

func (s *PostgresUserStore) List(ctx context.Context) ([]*User, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgUserColumns+` FROM users ORDER BY registered_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := s.scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *PostgresUserStore) FindBySubjectIssuer(ctx context.Context, subject, issuer string) (*User, error) {
	if subject == "" || issuer == "" {
		return nil, nil
	}
	return s.scanUser(s.pool.QueryRow(ctx,
		`SELECT `+pgUserColumns+` FROM users WHERE subject = $1 AND issuer = $2`, subject, issuer))
}

func (s *PostgresUserStore) FindUnmigratedByUsername(ctx context.Context, username string) (*User, error) {
	if username == "" {
		return nil, nil
	}
	return s.scanUser(s.pool.QueryRow(ctx, `
		SELECT `+pgUserColumns+` FROM users
		WHERE username = $1 AND subject IS NULL AND issuer IS NULL`, username))
}

func (s *PostgresUserStore) FindUnmigratedByEmail(ctx context.Context, email string) (*User, error) {
	if email == "" {
		return nil, nil
	}
	return s.scanUser(s.pool.QueryRow(ctx, `
		SELECT `+pgUserColumns+` FROM users
		WHERE email = $1 AND subject IS NULL AND issuer IS NULL
		ORDER BY registered_at ASC, id ASC
		LIMIT 1`, email))
}

func (s *PostgresUserStore) SetFederatedIdentity(ctx context.Context, id, subject, issuer string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET subject = $2, issuer = $3, updated_at = now() WHERE id = $1`,
		id, nullString(subject), nullString(issuer))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrIdentityTaken
		}
		return fmt.Errorf("set federated identity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *PostgresUserStore) UpdateLastLogin(ctx context.Context, id string, t time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE users SET last_login_at = $2 WHERE id = $1`, id, t)
	if err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *PostgresUserStore) ListGroups(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT group_name FROM user_groups WHERE user_id = $1 ORDER BY group_name`, userID)
	if err != nil {
		return nil, fmt.Errorf("query groups: %w", err)
	}
	groups, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan groups: %w", err)
	}
	if groups == nil {
		groups = []string{}
	}
	return groups, nil
}

func (s *PostgresUserStore) AddGroup(ctx context.Context, userID, group string) error {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO user_groups (user_id, group_name) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		userID, group); err != nil {
		return fmt.Errorf("add group: %w", err)
	}
	return nil
}

func (s *PostgresUserStore) RemoveGroup(ctx context.Context, userID, group string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM user_groups WHERE user_id = $1 AND group_name = $2`, userID, group); err != nil {
		return fmt.Errorf("remove group: %w", err)
	}
	return nil
}

func (s *PostgresUserStore) scanUser(row rowScanner) (*User, error) {
	var u User
	var subject, issuer *string
	var lastLoginAt *time.Time

	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.DisplayName, &subject, &issuer,
		&u.IsActive, &u.RegisteredAt, &u.UpdatedAt, &lastLoginAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	if subject != nil {
		u.Subject = *subject
	}
	if issuer != nil {
		u.Issuer = *issuer
	}
	u.LastLoginAt = lastLoginAt
	return &u, nil
}
