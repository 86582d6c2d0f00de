// Package store persists application users and their Twitter OAuth tokens in
// sqlite.
//
// Invariants:
// - At most one active token per user; refreshing replaces it in place.
// - A failed refresh deactivates the token instead of deleting it, so the
//   user can be told to re-authorize.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when no matching row exists
var ErrNotFound = errors.New("store: not found")

// User is an application user linked to a Twitter account
type User struct {
	ID            int64     `json:"id"`
	TwitterUserID string    `json:"twitter_user_id"`
	Username      string    `json:"username"`
	Name          string    `json:"name"`
	CreatedAt     time.Time `json:"created_at"`
}

// Token is an OAuth 2.0 user token
type Token struct {
	ID            int64     `json:"id"`
	UserID        int64     `json:"user_id"`
	TwitterUserID string    `json:"twitter_user_id"`
	AccessToken   string    `json:"access_token"`
	RefreshToken  string    `json:"refresh_token"`
	ExpiresAt     time.Time `json:"expires_at"`
	IsActive      bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Store wraps the sqlite database
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	twitter_user_id TEXT NOT NULL UNIQUE,
	username TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS tokens (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL REFERENCES users(id),
	twitter_user_id TEXT NOT NULL,
	access_token TEXT NOT NULL,
	refresh_token TEXT NOT NULL DEFAULT '',
	expires_at TIMESTAMP NOT NULL,
	is_active INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_tokens_user ON tokens(user_id, is_active);
CREATE INDEX IF NOT EXISTS idx_tokens_twitter_user ON tokens(twitter_user_id, is_active);
`

// Open opens (and migrates) the store at the given path
func Open(path string, logger zerolog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	logger.Info().Str("path", path).Msg("Store opened")

	return &Store{db: db, logger: logger}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertUser creates or updates the user row for a Twitter account and
// returns it.
func (s *Store) UpsertUser(ctx context.Context, twitterUserID, username, name string) (*User, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (twitter_user_id, username, name)
		VALUES (?, ?, ?)
		ON CONFLICT(twitter_user_id) DO UPDATE SET username = excluded.username, name = excluded.name`,
		twitterUserID, username, name,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}

	return s.UserByTwitterID(ctx, twitterUserID)
}

// UserByID fetches a user by internal ID
func (s *Store) UserByID(ctx context.Context, id int64) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, twitter_user_id, username, name, created_at FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// UserByTwitterID fetches a user by Twitter user ID
func (s *Store) UserByTwitterID(ctx context.Context, twitterUserID string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, twitter_user_id, username, name, created_at FROM users WHERE twitter_user_id = ?`, twitterUserID)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.TwitterUserID, &u.Username, &u.Name, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	return &u, nil
}

// SaveToken stores a fresh token for the user, deactivating any previous one
func (s *Store) SaveToken(ctx context.Context, t Token) (*Token, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE tokens SET is_active = 0, updated_at = CURRENT_TIMESTAMP WHERE user_id = ? AND is_active = 1`,
		t.UserID,
	); err != nil {
		return nil, fmt.Errorf("failed to deactivate previous tokens: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO tokens (user_id, twitter_user_id, access_token, refresh_token, expires_at, is_active)
		VALUES (?, ?, ?, ?, ?, 1)`,
		t.UserID, t.TwitterUserID, t.AccessToken, t.RefreshToken, t.ExpiresAt.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert token: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read token id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit token: %w", err)
	}

	s.logger.Debug().Int64("user_id", t.UserID).Msg("Token saved")

	t.ID = id
	t.IsActive = true
	return &t, nil
}

// TokenByUserID returns the active token for an internal user ID
func (s *Store) TokenByUserID(ctx context.Context, userID int64) (*Token, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, twitter_user_id, access_token, refresh_token, expires_at, is_active, created_at, updated_at
		FROM tokens WHERE user_id = ? AND is_active = 1
		ORDER BY updated_at DESC LIMIT 1`, userID)
	return scanToken(row)
}

// TokenByTwitterUserID returns the active token for a Twitter user ID
func (s *Store) TokenByTwitterUserID(ctx context.Context, twitterUserID string) (*Token, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, twitter_user_id, access_token, refresh_token, expires_at, is_active, created_at, updated_at
		FROM tokens WHERE twitter_user_id = ? AND is_active = 1
		ORDER BY updated_at DESC LIMIT 1`, twitterUserID)
	return scanToken(row)
}

func scanToken(row *sql.Row) (*Token, error) {
	var t Token
	err := row.Scan(&t.ID, &t.UserID, &t.TwitterUserID, &t.AccessToken, &t.RefreshToken,
		&t.ExpiresAt, &t.IsActive, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan token: %w", err)
	}
	return &t, nil
}

// UpdateToken replaces the credential fields of an existing token, used after
// a successful refresh.
func (s *Store) UpdateToken(ctx context.Context, id int64, accessToken, refreshToken string, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tokens
		SET access_token = ?, refresh_token = ?, expires_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		accessToken, refreshToken, expiresAt.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update token: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	return nil
}

// DeactivateToken marks a token inactive, typically after a failed refresh
func (s *Store) DeactivateToken(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tokens SET is_active = 0, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate token: %w", err)
	}

	s.logger.Warn().Int64("token_id", id).Msg("Token deactivated")

	return nil
}
