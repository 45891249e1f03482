// Package store implements meridian's ordered key-value substrate over a
// single embedded SQLite database: point operations, atomic batches, ordered
// prefix scans and point-in-time read snapshots.
//
// The base store has a single-writer discipline: at most one mutating batch
// is in flight at any moment; readers are unbounded and observe either the
// pre-batch or post-batch state.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/semaphore"

	"meridian/internal/logging"
)

// Options tunes a store instance.
type Options struct {
	// CacheSize is the page-cache target in bytes.
	CacheSize int64

	// AppendHeavy tunes the instance for write-optimised, append-heavy
	// workloads (metrics store).
	AppendHeavy bool
}

// Store is an ordered byte-key/byte-value map with atomic batches.
type Store struct {
	db     *sql.DB
	path   string
	lock   *fileLock
	writer *semaphore.Weighted
	closed bool
}

// Open opens (or creates) a store rooted at dir. A stale write lock left by a
// crashed process is detected by PID liveness and cleared before a second
// open attempt.
func Open(dir string, opts Options) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	if dir == "" {
		return nil, fmt.Errorf("open: empty store path")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, mapSQLErr("open", err)
	}

	lock, err := acquireLock(dir)
	if err != nil {
		return nil, err
	}

	dbPath := filepath.Join(dir, "meridian.db")
	db, err := sql.Open(driverName, dbPath)
	if err != nil {
		lock.release()
		return nil, mapSQLErr("open", err)
	}

	// A small pool serves concurrent reads; writes are serialised by the
	// writer semaphore, since SQLite has a single writer anyway.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)

	s := &Store{
		db:     db,
		path:   dir,
		lock:   lock,
		writer: semaphore.NewWeighted(1),
	}
	if err := s.configure(opts); err != nil {
		db.Close()
		lock.release()
		return nil, err
	}
	if err := s.initialize(); err != nil {
		db.Close()
		lock.release()
		return nil, err
	}

	logging.Store("Store opened at %s (append_heavy=%v)", dir, opts.AppendHeavy)
	return s, nil
}

// configure applies the platform-safe pragma set. Memory-mapped I/O is
// disabled unconditionally: the default mmap path deadlocks on macOS APFS.
func (s *Store) configure(opts Options) error {
	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA mmap_size = 0",
	}
	if opts.CacheSize > 0 {
		// Negative cache_size is KiB in SQLite.
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA cache_size = -%d", opts.CacheSize/1024))
	}
	if opts.AppendHeavy {
		pragmas = append(pragmas,
			"PRAGMA journal_size_limit = 67108864",
			"PRAGMA wal_autocheckpoint = 10000",
		)
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			logging.StoreDebug("pragma failed (%s): %v", p, err)
		}
	}
	return nil
}

func (s *Store) initialize() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS kv (
		key   BLOB PRIMARY KEY,
		value BLOB NOT NULL
	) WITHOUT ROWID`)
	if err != nil {
		return mapSQLErr("initialize", err)
	}
	return nil
}

// Path returns the store's root directory.
func (s *Store) Path() string { return s.path }

// Get returns the value for key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, key []byte) ([]byte, error) {
	if s.closed {
		return nil, ErrClosed
	}
	var value []byte
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err != nil {
		return nil, mapSQLErr("get", err)
	}
	return value, nil
}

// Has reports whether key is present.
func (s *Store) Has(ctx context.Context, key []byte) (bool, error) {
	_, err := s.Get(ctx, key)
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, err
}

// Put stores value under key, flushed durably before returning.
func (s *Store) Put(ctx context.Context, key, value []byte) error {
	b := NewBatch()
	b.Put(key, value)
	return s.Apply(ctx, b)
}

// Delete removes key. Deleting an absent key is a no-op.
func (s *Store) Delete(ctx context.Context, key []byte) error {
	b := NewBatch()
	b.Delete(key)
	return s.Apply(ctx, b)
}

// Apply executes a batch atomically: either every operation applies or none.
func (s *Store) Apply(ctx context.Context, b *Batch) error {
	if s.closed {
		return ErrClosed
	}
	if len(b.ops) == 0 {
		return nil
	}

	if err := s.writer.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("apply: %w", context.Cause(ctx))
	}
	defer s.writer.Release(1)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapSQLErr("apply", err)
	}
	for _, op := range b.ops {
		if op.delete {
			_, err = tx.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", op.key)
		} else {
			_, err = tx.ExecContext(ctx, "INSERT OR REPLACE INTO kv (key, value) VALUES (?, ?)", op.key, op.value)
		}
		if err != nil {
			tx.Rollback()
			return mapSQLErr("apply", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return mapSQLErr("apply", err)
	}
	return nil
}

// Scan iterates keys with the given prefix in lexicographic order, invoking
// fn for each pair. Returning false from fn stops the scan early.
func (s *Store) Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) bool) error {
	if s.closed {
		return ErrClosed
	}
	rows, err := s.scanRows(ctx, s.db, prefix)
	if err != nil {
		return err
	}
	defer rows.Close()
	return iterate(rows, fn)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func (s *Store) scanRows(ctx context.Context, q querier, prefix []byte) (*sql.Rows, error) {
	var rows *sql.Rows
	var err error
	if len(prefix) == 0 {
		rows, err = q.QueryContext(ctx, "SELECT key, value FROM kv ORDER BY key")
	} else if upper := prefixSuccessor(prefix); upper == nil {
		rows, err = q.QueryContext(ctx, "SELECT key, value FROM kv WHERE key >= ? ORDER BY key", prefix)
	} else {
		rows, err = q.QueryContext(ctx, "SELECT key, value FROM kv WHERE key >= ? AND key < ? ORDER BY key", prefix, upper)
	}
	if err != nil {
		return nil, mapSQLErr("scan", err)
	}
	return rows, nil
}

func iterate(rows *sql.Rows, fn func(key, value []byte) bool) error {
	for rows.Next() {
		var key, value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return mapSQLErr("scan", err)
		}
		if !fn(key, value) {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return mapSQLErr("scan", err)
	}
	return nil
}

// prefixSuccessor returns the smallest key greater than every key with the
// given prefix, or nil if no such key exists (all-0xff prefix).
func prefixSuccessor(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}

// Close releases the database handle and the write lock.
func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.db.Close()
	s.lock.release()
	logging.Store("Store closed: %s", s.path)
	if err != nil {
		return mapSQLErr("close", err)
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
