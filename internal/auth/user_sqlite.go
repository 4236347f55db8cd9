//go:build sqlite

package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteUserColumns = `id, username, email, display_name, subject, issuer, is_active, registered_at, updated_at, last_login_at`

// SQLiteUserStore is a SQLite-backed implementation of UserStore and GroupStore.
type SQLiteUserStore struct {
	db *sql.DB
}

// NewSQLiteUserStore creates a new SQLite-backed user store.
func NewSQLiteUserStore(dsn string) (*SQLiteUserStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}
	return &SQLiteUserStore{db: db}, nil
}

// NewSQLiteUserStoreFromDB creates a store using an existing DB connection.
func NewSQLiteUserStoreFromDB(db *sql.DB) *SQLiteUserStore {
	return &SQLiteUserStore{db: db}
}

func (s *SQLiteUserStore) Close() error { return s.db.Close() }

func (s *SQLiteUserStore) Create(ctx context.Context, user *User) error {
	if user == nil || user.ID == "" || user.Username == "" {
		return ErrInvalidUser
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (`+sqliteUserColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		user.ID, user.Username, user.Email, user.DisplayName,
		nullString(user.Subject), nullString(user.Issuer), boolToInt(user.IsActive),
		user.RegisteredAt.UTC().Format(sqliteTimeLayout), user.UpdatedAt.UTC().Format(sqliteTimeLayout),
		nullTime(user.LastLoginAt),
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

func (s *SQLiteUserStore) GetByID(ctx context.Context, id string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteUserColumns+` FROM users WHERE id = ?`, id))
}

func (s *SQLiteUserStore) GetByUsername(ctx context.Context, username string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteUserColumns+` FROM users WHERE username = ?`, username))
}

func (s *SQLiteUserStore) List(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteUserColumns+` FROM users ORDER BY registered_at DESC`)
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

func (s *SQLiteUserStore) FindBySubjectIssuer(ctx context.Context, subject, issuer string) (*User, error) {
	if subject == "" || issuer == "" {
		return nil, nil
	}
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteUserColumns+` FROM users WHERE subject = ? AND issuer = ?`, subject, issuer))
}

func (s *SQLiteUserStore) FindUnmigratedByUsername(ctx context.Context, username string) (*User, error) {
	if username == "" {
		return nil, nil
	}
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT `+sqliteUserColumns+` FROM users
		WHERE username = ? AND subject IS NULL AND issuer IS NULL
	`, username))
}

func (s *SQLiteUserStore) FindUnmigratedByEmail(ctx context.Context, email string) (*User, error) {
	if email == "" {
		return nil, nil
	}
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT `+sqliteUserColumns+` FROM users
		WHERE email = ? AND subject IS NULL AND issuer IS NULL
		ORDER BY registered_at ASC, id ASC
		LIMIT 1
	`, email))
}

func (s *SQLiteUserStore) SetFederatedIdentity(ctx context.Context, id, subject, issuer string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET subject = ?, issuer = ?, updated_at = ? WHERE id = ?`,
		nullString(subject), nullString(issuer), time.Now().UTC().Format(sqliteTimeLayout), id)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrIdentityTaken
		}
		return fmt.Errorf("set federated identity: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *SQLiteUserStore) UpdateLastLogin(ctx context.Context, id string, t time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET last_login_at = ? WHERE id = ?`,
		t.UTC().Format(sqliteTimeLayout), id)
	if err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *SQLiteUserStore) ListGroups(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT group_name FROM user_groups WHERE user_id = ? ORDER BY group_name`, userID)
	if err != nil {
		return nil, fmt.Errorf("query groups: %w", err)
	}
	defer rows.Close()

	groups := []string{}
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (s *SQLiteUserStore) AddGroup(ctx context.Context, userID, group string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_groups (user_id, group_name) VALUES (?, ?) ON CONFLICT DO NOTHING`, userID, group)
	if err != nil {
		return fmt.Errorf("add group: %w", err)
	}
	return nil
}

func (s *SQLiteUserStore) RemoveGroup(ctx context.Context, userID, group string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM user_groups WHERE user_id = ? AND group_name = ?`, userID, group); err != nil {
		return fmt.Errorf("remove group: %w", err)
	}
	return nil
}

func (s *SQLiteUserStore) scanUser(row rowScanner) (*User, error) {
	var (
		u                       User
		isActive                int
		registeredAt, updatedAt string
		subject, issuer         sql.NullString
		lastLoginAt             sql.NullString
	)

	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.DisplayName, &subject, &issuer,
		&isActive, &registeredAt, &updatedAt, &lastLoginAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}

	u.Subject = subject.String
	u.Issuer = issuer.String
	u.IsActive = isActive != 0
	u.RegisteredAt, _ = time.Parse(time.RFC3339Nano, registeredAt)
	u.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if lastLoginAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, lastLoginAt.String)
		u.LastLoginAt = &t
	}
	return &u, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(sqliteTimeLayout), Valid: true}
}
