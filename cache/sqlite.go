package cache

import (
	"context"
	"database/sql"
	"sync"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteCache stores envelopes in a SQLite database. It is durable across
// process restarts and fine for single-host deployments.
type SQLiteCache struct {
	db         *sql.DB
	writeMutex sync.Mutex
}

// NewSQLiteCache creates a new cache with the given filename as the db.
// If the file name is empty, a shared in-memory db is opened.
func NewSQLiteCache(filename string) (*SQLiteCache, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("CREATE TABLE IF NOT EXISTS cache (key TEXT PRIMARY KEY, bytes BLOB)"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteCache{db: db}, nil
}

func (s *SQLiteCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, "SELECT bytes FROM cache WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *SQLiteCache) Put(ctx context.Context, key string, value []byte) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx, "INSERT OR REPLACE INTO cache (key, bytes) VALUES (?, ?)", key, value)
	return err
}

func (s *SQLiteCache) Delete(ctx context.Context, key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM cache WHERE key = ?", key)
	return err
}

func (s *SQLiteCache) Close() error {
	return s.db.Close()
}
