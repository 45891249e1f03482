//go:build !cgo

package store

import (
	_ "modernc.org/sqlite"
)

// driverName falls back to the pure-Go SQLite driver for cgo-less builds.
const driverName = "sqlite"
