// ABOUTME: SQLite implementation of the CredentialStore interface using modernc.org/sqlite
// ABOUTME: Provides credential persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the CredentialStore interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Credentials are secrets: keep the directory private
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Debug("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS credentials (
			profile       TEXT PRIMARY KEY,
			access_token  TEXT NOT NULL,
			refresh_token TEXT NOT NULL DEFAULT '',
			user_id       TEXT NOT NULL DEFAULT '',
			updated_at    TEXT NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveCredentials inserts or replaces the credentials of a profile.
func (s *SQLiteStore) SaveCredentials(ctx context.Context, creds *Credentials) error {
	if creds.Profile == "" {
		creds.Profile = DefaultProfile
	}
	if creds.UpdatedAt.IsZero() {
		creds.UpdatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO credentials (profile, access_token, refresh_token, user_id, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(profile) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			user_id = excluded.user_id,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		creds.Profile,
		creds.AccessToken,
		creds.RefreshToken,
		creds.UserID,
		creds.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("saving credentials: %w", err)
	}

	return nil
}

// GetCredentials retrieves the credentials of a profile.
// Returns ErrNotFound if the profile has never logged in.
func (s *SQLiteStore) GetCredentials(ctx context.Context, profile string) (*Credentials, error) {
	query := `
		SELECT profile, access_token, refresh_token, user_id, updated_at
		FROM credentials
		WHERE profile = ?
	`

	var creds Credentials
	var updatedAt string
	err := s.db.QueryRowContext(ctx, query, profile).Scan(
		&creds.Profile,
		&creds.AccessToken,
		&creds.RefreshToken,
		&creds.UserID,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying credentials: %w", err)
	}

	creds.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &creds, nil
}

// DeleteCredentials removes the credentials of a profile. Deleting an unknown
// profile is not an error.
func (s *SQLiteStore) DeleteCredentials(ctx context.Context, profile string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM credentials WHERE profile = ?", profile); err != nil {
		return fmt.Errorf("deleting credentials: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
