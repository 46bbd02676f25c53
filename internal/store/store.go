// Copyright 2026 The modelmux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package store persists the small amount of state that survives restarts:
// the custom backend records and the cached quota remaining figure. It is a
// plain key-value table in an embedded SQLite database; no guarantees
// beyond last-write-wins.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	log "github.com/sirupsen/logrus"

	"github.com/modelmux/modelmux/internal/backend"
)

const (
	// KeyCustomBackends holds the JSON list of custom backend records.
	KeyCustomBackends = "custom_backends"
	// KeyQuotaRemaining holds the single cached remaining integer.
	KeyQuotaRemaining = "quota_remaining"
)

const schema = `CREATE TABLE IF NOT EXISTS kv (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
)`

// ErrNotFound is returned when a key has never been written.
var ErrNotFound = errors.New("store: key not found")

// Store is a SQLite-backed key-value store.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path, creating parent directories
// as needed, and ensures the schema exists.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("store: failed to create directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}
	s := &Store{db: db}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: failed to ensure schema: %w", err)
	}
	return s, nil
}

// NewWithDB wraps an existing database handle. The caller is responsible
// for the schema; used by tests with a mock connection.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get reads the raw value for a key.
func (s *Store) Get(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: read %s: %w", key, err)
	}
	return value, nil
}

// Set writes the raw value for a key, replacing any previous value.
func (s *Store) Set(key, value string) error {
	_, err := s.db.Exec("INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value", key, value)
	if err != nil {
		return fmt.Errorf("store: write %s: %w", key, err)
	}
	return nil
}

// SaveCustomBackends persists the custom backend records under the
// well-known key. The registry guarantees at most one record per address.
func (s *Store) SaveCustomBackends(records []backend.Record) error {
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("store: marshal custom backends: %w", err)
	}
	return s.Set(KeyCustomBackends, string(data))
}

// LoadCustomBackends restores the persisted custom backend records.
// A missing key yields an empty list.
func (s *Store) LoadCustomBackends() ([]backend.Record, error) {
	raw, err := s.Get(KeyCustomBackends)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var records []backend.Record
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		// A corrupt blob is not worth failing startup over.
		log.Warnf("store: discarding corrupt custom backend records: %v", err)
		return nil, nil
	}
	return records, nil
}

// SaveQuotaRemaining persists the cached remaining figure.
func (s *Store) SaveQuotaRemaining(remaining int) error {
	return s.Set(KeyQuotaRemaining, strconv.Itoa(remaining))
}

// LoadQuotaRemaining reads the cached remaining figure. ok is false when
// no figure has ever been cached or the stored value is unreadable.
func (s *Store) LoadQuotaRemaining() (remaining int, ok bool) {
	raw, err := s.Get(KeyQuotaRemaining)
	if err != nil {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		log.Warnf("store: discarding corrupt quota cache %q", raw)
		return 0, false
	}
	return n, true
}
