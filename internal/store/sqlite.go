package store

import (
	"context"
	"database/sql"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/objectfs/tiercache/pkg/digest"
	"github.com/objectfs/tiercache/pkg/retry"
	"github.com/objectfs/tiercache/pkg/types"
)

var sqlitePragmas = []string{
	"PRAGMA synchronous = normal",
	"PRAGMA temp_store = memory",
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 5000",
}

const sqliteSchema = `
create table if not exists entries
(
    id   blob    not null
        constraint entries_pk
            primary key,
    data blob    not null,
    size integer not null
);
`

// SQLiteStore keeps entries as rows of a single SQLite table.
type SQLiteStore struct {
	db      *sql.DB
	maxSize int64
	retryer *retry.Retryer
	logger  *slog.Logger

	mu   sync.Mutex
	used int64
}

// NewSQLiteStore opens the database at path; an empty path keeps it in memory.
func NewSQLiteStore(path string, maxSize int64, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return nil, storeError(err, "Open", "failed to create store directory")
		}
		dsn = path
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, storeError(err, "Open", "failed to open sqlite store").WithContext("path", path)
	}
	// one connection keeps an in-memory database shared and serializes writers
	db.SetMaxOpenConns(1)

	for _, pragma := range sqlitePragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, storeError(err, "Open", "exec pragma failed").WithContext("pragma", pragma)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, storeError(err, "Open", "exec schema failed")
	}

	s := &SQLiteStore{
		db:      db,
		maxSize: maxSize,
		retryer: retry.New(retry.Fixed(5, 50*time.Millisecond)),
		logger:  logger,
	}

	var used sql.NullInt64
	if err := db.QueryRow("select sum(size) from entries").Scan(&used); err != nil {
		_ = db.Close()
		return nil, storeError(err, "Open", "failed to size sqlite store")
	}
	s.used = used.Int64
	return s, nil
}

// Get reads an entry
func (s *SQLiteStore) Get(ctx context.Context, id digest.ID) ([]byte, bool, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, "select data from entries where id = ?", id[:]).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storeError(err, "Get", "sqlite read failed")
	}
	return data, true, nil
}

// Put writes an entry, failing with STORE_FULL past the size limit
func (s *SQLiteStore) Put(ctx context.Context, id digest.ID, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, err := s.sizeOf(ctx, id)
	if err != nil {
		return err
	}
	size := int64(len(data))
	if s.maxSize > 0 && s.used-old+size > s.maxSize {
		return storeFull("Put", size, s.maxSize-s.used+old)
	}

	err = s.exec(ctx, "Put", "insert or replace into entries (id, data, size) values (?, ?, ?)", id[:], data, size)
	if err != nil {
		return err
	}
	s.used += size - old
	return nil
}

// Remove deletes an entry
func (s *SQLiteStore) Remove(ctx context.Context, id digest.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, err := s.sizeOf(ctx, id)
	if err != nil {
		return err
	}
	if err := s.exec(ctx, "Remove", "delete from entries where id = ?", id[:]); err != nil {
		return err
	}
	s.used -= old
	return nil
}

// List enumerates the stored entries
func (s *SQLiteStore) List(ctx context.Context) ([]types.StoredEntry, error) {
	rows, err := s.db.QueryContext(ctx, "select id, size from entries")
	if err != nil {
		return nil, storeError(err, "List", "sqlite query failed")
	}
	defer func() { _ = rows.Close() }()

	var entries []types.StoredEntry
	for rows.Next() {
		var raw []byte
		var entry types.StoredEntry
		if err := rows.Scan(&raw, &entry.Size); err != nil {
			return nil, storeError(err, "List", "sqlite scan failed")
		}
		if len(raw) != len(entry.ID) {
			continue
		}
		copy(entry.ID[:], raw)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(err, "List", "sqlite scan failed")
	}
	return entries, nil
}

// Clear deletes every row
func (s *SQLiteStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.exec(ctx, "Clear", "delete from entries"); err != nil {
		return err
	}
	s.used = 0
	return nil
}

// FreeSpace returns the bytes left before STORE_FULL
func (s *SQLiteStore) FreeSpace() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxSize <= 0 {
		return math.MaxInt64
	}
	return s.maxSize - s.used
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Helper methods

func (s *SQLiteStore) sizeOf(ctx context.Context, id digest.ID) (int64, error) {
	var size int64
	err := s.db.QueryRowContext(ctx, "select size from entries where id = ?", id[:]).Scan(&size)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, storeError(err, "Put", "sqlite read failed")
	}
	return size, nil
}

// exec retries statements that hit a locked database.
func (s *SQLiteStore) exec(ctx context.Context, operation, query string, args ...interface{}) error {
	return s.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query, args...)
		if err == nil {
			return nil
		}
		wrapped := storeError(err, operation, "sqlite statement failed")
		if isLocked(err) {
			s.logger.Warn("database is locked, retrying", "operation", operation)
			return wrapped.WithRetryable(true)
		}
		return wrapped
	})
}

func isLocked(err error) bool {
	return strings.Contains(err.Error(), "database is locked")
}
