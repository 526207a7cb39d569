// Package store persists local device state: account identity, the
// long-term private key, and the rotating refresh token.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database holding device-local state. The access
// token is deliberately absent: it lives only in memory.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS account (
	key TEXT PRIMARY KEY,
	value BLOB
);
`

const (
	accountKey      = "account"
	refreshTokenKey = "refresh_token"
)

// Account holds the registered identity and the long-term private key.
type Account struct {
	UserID     int64  `json:"userId"`
	Username   string `json:"username"`
	PrivateKey []byte `json:"privateKey"` // raw P-256 scalar
	PublicKey  []byte `json:"publicKey"`  // uncompressed X9.63
}

// DefaultDataDir returns the default data directory for cipherlink
// databases. Uses $XDG_DATA_HOME/cipherlink, falling back to
// ~/.local/share/cipherlink.
func DefaultDataDir() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "."
		}
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "cipherlink")
}

// Open opens (creating if needed) the store at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("store: create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveAccount persists the account identity and key material.
func (s *Store) SaveAccount(acct *Account) error {
	data, err := json.Marshal(acct)
	if err != nil {
		return fmt.Errorf("store: marshal account: %w", err)
	}
	return s.put(accountKey, data)
}

// LoadAccount loads the account. Returns nil, nil if the device has never
// registered.
func (s *Store) LoadAccount() (*Account, error) {
	data, err := s.get(accountKey)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}

	var acct Account
	if err := json.Unmarshal(data, &acct); err != nil {
		return nil, fmt.Errorf("store: unmarshal account: %w", err)
	}
	return &acct, nil
}

// SaveRefreshToken persists the current refresh token, replacing the
// previous one. An empty token clears it (logout).
func (s *Store) SaveRefreshToken(token string) error {
	return s.put(refreshTokenKey, []byte(token))
}

// LoadRefreshToken returns the persisted refresh token, or "" if none.
func (s *Store) LoadRefreshToken() (string, error) {
	data, err := s.get(refreshTokenKey)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *Store) put(key string, value []byte) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO account (key, value) VALUES (?, ?)",
		key, value,
	)
	if err != nil {
		return fmt.Errorf("store: save %s: %w", key, err)
	}
	return nil
}

func (s *Store) get(key string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow(
		"SELECT value FROM account WHERE key = ?", key,
	).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: load %s: %w", key, err)
	}
	return data, nil
}
