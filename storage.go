package main

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store persists the handful of dialer values that must survive a restart.
// Currently that is only the last successfully dialed number.
type Store struct {
	db *sql.DB
}

const keyLastDialed = "last_dialed"

// OpenStore creates or opens the SQLite store under dataDir.
func OpenStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "swdialer.db")
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging store: %w", err)
	}

	// SQLite performs best with a single writer connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS dialer_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating dialer_state table: %w", err)
	}

	coreLog.Infof("store opened at %s", dbPath)
	return &Store{db: db}, nil
}

// LastDialed returns the persisted last dialed number, or empty if none.
func (s *Store) LastDialed() (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM dialer_state WHERE key = ?`, keyLastDialed).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading last dialed: %w", err)
	}
	return value, nil
}

// SetLastDialed writes the last dialed number. An empty number clears it.
func (s *Store) SetLastDialed(number string) error {
	if number == "" {
		if _, err := s.db.Exec(`DELETE FROM dialer_state WHERE key = ?`, keyLastDialed); err != nil {
			return fmt.Errorf("clearing last dialed: %w", err)
		}
		return nil
	}
	_, err := s.db.Exec(`INSERT INTO dialer_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, keyLastDialed, number)
	if err != nil {
		return fmt.Errorf("writing last dialed: %w", err)
	}
	return nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
