package store

import (
	"context"
	"database/sql"
)

// Snapshot is a consistent point-in-time read view of the store. It pins a
// read transaction on a dedicated connection; concurrent batches do not
// affect what the snapshot observes.
type Snapshot struct {
	store *Store
	conn  *sql.Conn
	tx    *sql.Tx
}

// Snapshot opens a read snapshot. Callers must Release it.
func (s *Store) Snapshot(ctx context.Context) (*Snapshot, error) {
	if s.closed {
		return nil, ErrClosed
	}
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, mapSQLErr("snapshot", err)
	}
	tx, err := conn.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		conn.Close()
		return nil, mapSQLErr("snapshot", err)
	}
	// Materialise the read view now; under WAL the first read pins the
	// transaction's end mark.
	var n int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM kv WHERE key = x'00'").Scan(&n); err != nil {
		tx.Rollback()
		conn.Close()
		return nil, mapSQLErr("snapshot", err)
	}
	return &Snapshot{store: s, conn: conn, tx: tx}, nil
}

// Get returns the value for key as of the snapshot, or ErrNotFound.
func (sn *Snapshot) Get(ctx context.Context, key []byte) ([]byte, error) {
	var value []byte
	err := sn.tx.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err != nil {
		return nil, mapSQLErr("snapshot get", err)
	}
	return value, nil
}

// Scan iterates the snapshot's view of a prefix in key order.
func (sn *Snapshot) Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) bool) error {
	rows, err := sn.store.scanRows(ctx, sn.tx, prefix)
	if err != nil {
		return err
	}
	defer rows.Close()
	return iterate(rows, fn)
}

// Release ends the snapshot and returns its connection to the pool.
func (sn *Snapshot) Release() {
	sn.tx.Rollback()
	sn.conn.Close()
}
