package cache

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// schema is applied on every open; IF NOT EXISTS makes that idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS renders (
    key        TEXT PRIMARY KEY,
    sha256     TEXT NOT NULL,
    data       BLOB NOT NULL,
    created_at INTEGER NOT NULL
);
`

// Store persists rendered images in a local SQLite database. Entries that
// fail their checksum on read are deleted and reported as misses, never as
// errors; the pipeline just recomputes them.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the cache database in WAL mode. SQLite only
// supports a single writer, so the pool is limited to one connection to
// avoid SQLITE_BUSY between pooled connections.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create cache schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Get returns the stored bytes for key, or ok=false on miss or corruption.
func (s *Store) Get(key string) (data []byte, ok bool) {
	var sum string
	err := s.db.QueryRow("SELECT sha256, data FROM renders WHERE key = ?", key).Scan(&sum, &data)
	if err == sql.ErrNoRows {
		return nil, false
	}
	if err != nil {
		slog.Warn("cache read failed, treating as miss", slog.String("key", key), slog.Any("error", err))
		return nil, false
	}
	if checksum(data) != sum {
		slog.Warn("corrupt cache entry dropped", slog.String("key", key))
		s.Delete(key)
		return nil, false
	}
	return data, true
}

func (s *Store) Put(key string, data []byte) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO renders (key, sha256, data, created_at) VALUES (?, ?, ?, ?)",
		key, checksum(data), data, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("store cache entry: %w", err)
	}
	return nil
}

func (s *Store) Delete(key string) {
	if _, err := s.db.Exec("DELETE FROM renders WHERE key = ?", key); err != nil {
		slog.Warn("cache delete failed", slog.String("key", key), slog.Any("error", err))
	}
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
