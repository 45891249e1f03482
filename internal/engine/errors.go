package engine

import "errors"

// ErrInvalidInput reports malformed engine-level arguments. Component
// error kinds (store.ErrIo, store.ErrCorrupt, session.ConflictError,
// progress.ErrConflict, links.ErrConflict, context.ErrBudgetExceeded,
// global.ErrUnavailable) pass through untranslated so callers dispatch
// with errors.Is/errors.As.
var ErrInvalidInput = errors.New("engine: invalid input")
