package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	_ "modernc.org/sqlite"
)

// Store keeps bcrypt credentials in a SQLite database. Only credentials
// live here; identities, channels and presence stay in memory.
type Store struct {
	conn *sql.DB
}

// User is a row of the credential store. The hash never leaves the package.
type User struct {
	Username  string
	CreatedAt time.Time
}

// OpenStore opens (creating if needed) the credential database at path.
func OpenStore(path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Credential lookups are rare and short; one connection avoids SQLITE_BUSY
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			return nil, multierr.Append(fmt.Errorf("failed to apply %q: %w", pragma, err), conn.Close())
		}
	}

	s := &Store{conn: conn}
	if err := s.initSchema(); err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to initialize schema: %w", err), conn.Close())
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.conn.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			username    TEXT PRIMARY KEY,
			secret_hash TEXT NOT NULL,
			created_at  INTEGER NOT NULL
		)
	`)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.conn.Close()
}

// AddUser stores a new user with a bcrypt hash of secret.
func (s *Store) AddUser(ctx context.Context, username, secret string) error {
	if err := ValidateCredentials(username, secret); err != nil {
		return err
	}
	hash, err := HashSecret(secret)
	if err != nil {
		return err
	}

	res, err := s.conn.ExecContext(ctx,
		`INSERT INTO users (username, secret_hash, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(username) DO NOTHING`,
		username, hash, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrUserExists, username)
	}
	return nil
}

// SetSecret replaces an existing user's secret.
func (s *Store) SetSecret(ctx context.Context, username, secret string) error {
	if err := ValidateCredentials(username, secret); err != nil {
		return err
	}
	hash, err := HashSecret(secret)
	if err != nil {
		return err
	}

	res, err := s.conn.ExecContext(ctx, `UPDATE users SET secret_hash = ? WHERE username = ?`, hash, username)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	return requireRow(res, username)
}

// RemoveUser deletes a user.
func (s *Store) RemoveUser(ctx context.Context, username string) error {
	res, err := s.conn.ExecContext(ctx, `DELETE FROM users WHERE username = ?`, username)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return requireRow(res, username)
}

func requireRow(res sql.Result, username string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownUser, username)
	}
	return nil
}

// ListUsers returns every user ordered by name.
func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT username, created_at FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var (
			u         User
			createdAt int64
		)
		if err := rows.Scan(&u.Username, &createdAt); err != nil {
			return nil, err
		}
		u.CreatedAt = time.UnixMilli(createdAt)
		users = append(users, u)
	}
	return users, rows.Err()
}

// Verify implements Authenticator.
func (s *Store) Verify(ctx context.Context, username, secret string) error {
	if err := ValidateCredentials(username, secret); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}

	var hash string
	err := s.conn.QueryRowContext(ctx, `SELECT secret_hash FROM users WHERE username = ?`, username).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrInvalidCredentials
	}
	if err != nil {
		return fmt.Errorf("failed to look up user: %w", err)
	}
	return compareSecret(hash, secret)
}

var _ Authenticator = (*Store)(nil)
