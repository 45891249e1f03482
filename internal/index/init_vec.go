//go:build sqlite_vec && cgo

package index

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

func init() {
	// Register the sqlite-vec extension with the sqlite3 driver so vec0
	// virtual tables are available for ANN search.
	vec.Auto()
}
