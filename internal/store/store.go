package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("conversation not found")

// Store persists conversation metadata. The external session id is
// round-tripped as an opaque string, never interpreted.
type Store struct {
	db *sql.DB
}

// NewStore creates a conversation store with SQLite backend
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "drover.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		owner_key TEXT PRIMARY KEY,
		session_id TEXT NOT NULL DEFAULT '',
		mode TEXT NOT NULL DEFAULT '',
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Latest returns the most recent external session id and mode for an
// owner key. Returns ErrNotFound for an unknown owner.
func (s *Store) Latest(ownerKey string) (sessionID, mode string, err error) {
	row := s.db.QueryRow(
		`SELECT session_id, mode FROM conversations WHERE owner_key = ?`,
		ownerKey,
	)
	if err := row.Scan(&sessionID, &mode); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", "", ErrNotFound
		}
		return "", "", fmt.Errorf("failed to query conversation: %w", err)
	}
	return sessionID, mode, nil
}

// SetSessionID records the external session id for an owner key.
func (s *Store) SetSessionID(ownerKey, sessionID string) error {
	_, err := s.db.Exec(
		`INSERT INTO conversations (owner_key, session_id, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(owner_key) DO UPDATE SET session_id = excluded.session_id, updated_at = excluded.updated_at`,
		ownerKey, sessionID, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to store session id: %w", err)
	}
	return nil
}

// SetMode records the mode string for an owner key.
func (s *Store) SetMode(ownerKey, mode string) error {
	_, err := s.db.Exec(
		`INSERT INTO conversations (owner_key, mode, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(owner_key) DO UPDATE SET mode = excluded.mode, updated_at = excluded.updated_at`,
		ownerKey, mode, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to store mode: %w", err)
	}
	return nil
}

// Delete removes a conversation record. Unknown owners are a no-op.
func (s *Store) Delete(ownerKey string) error {
	_, err := s.db.Exec(`DELETE FROM conversations WHERE owner_key = ?`, ownerKey)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return nil
}
