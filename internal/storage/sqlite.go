package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/sdko-org/wms-filters/internal/cacheproxy"
)

// SQLiteStore keeps cache entries in a local SQLite database.
type SQLiteStore struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteStore opens (and if needed creates) the database in filename.
// An empty filename opens a shared in-memory database.
func NewSQLiteStore(filename string) (*SQLiteStore, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite cache: %w", err)
	}

	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS cache_entries (
			resource TEXT NOT NULL,
			kind INTEGER NOT NULL,
			sub_key TEXT NOT NULL,
			stored_at INTEGER NOT NULL,
			bytes BLOB,
			PRIMARY KEY (resource, kind, sub_key)
		)`,
		"CREATE INDEX IF NOT EXISTS stored_at_idx ON cache_entries (stored_at)",
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to prepare sqlite cache: %w", err)
		}
	}

	return &SQLiteStore{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key cacheproxy.Key) ([]byte, bool, error) {
	var bytes []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT bytes FROM cache_entries WHERE resource = ? AND kind = ? AND sub_key = ?",
		key.Resource, int(key.Kind), key.SubKey,
	).Scan(&bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlite get %s: %w", key, err)
	}
	return bytes, true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key cacheproxy.Key, value []byte) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO cache_entries (resource, kind, sub_key, stored_at, bytes) VALUES (?, ?, ?, ?, ?)",
		key.Resource, int(key.Kind), key.SubKey, time.Now().UnixNano(), value,
	)
	if err != nil {
		return fmt.Errorf("sqlite set %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key cacheproxy.Key) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM cache_entries WHERE resource = ? AND kind = ? AND sub_key = ?",
		key.Resource, int(key.Kind), key.SubKey,
	)
	if err != nil {
		return fmt.Errorf("sqlite delete %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteAll(ctx context.Context, resource string, kind cacheproxy.Kind) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM cache_entries WHERE resource = ? AND kind = ?",
		resource, int(kind),
	)
	if err != nil {
		return fmt.Errorf("sqlite delete all %s of %s: %w", kind, resource, err)
	}
	return nil
}

func (s *SQLiteStore) PurgeExpired(ctx context.Context, before time.Time) (int, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	result, err := s.db.ExecContext(ctx, "DELETE FROM cache_entries WHERE stored_at < ?", before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sqlite purge: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
