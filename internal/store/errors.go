package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Error kinds surfaced by the store. Callers dispatch with errors.Is.
var (
	// ErrNotFound reports an absent key.
	ErrNotFound = errors.New("store: key not found")

	// ErrIo reports a transient storage failure; safe to retry with backoff.
	ErrIo = errors.New("store: io error")

	// ErrCorrupt reports a checksum or version mismatch. Fatal: never
	// auto-repaired except by migration rollback.
	ErrCorrupt = errors.New("store: corrupt")

	// ErrClosed reports use after Close.
	ErrClosed = errors.New("store: closed")
)

// mapSQLErr classifies a driver error into a store error kind.
func mapSQLErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "malformed") || strings.Contains(msg, "not a database") || strings.Contains(msg, "corrupt") {
		return fmt.Errorf("%s: %w: %v", op, ErrCorrupt, err)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrIo, err)
}
