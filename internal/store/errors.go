package store

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. Callers should test with errors.Is.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a concurrent writer won a race for the same
	// sentence. The operation is retryable after re-fetching current state.
	ErrConflict = errors.New("mapping conflict: concurrent write, retry after re-fetching")

	// ErrValidation indicates the request was rejected before any write.
	ErrValidation = errors.New("validation failed")
)

// validationError wraps ErrValidation with a field-level message.
func validationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// isConflictErr reports whether a database error should surface as
// ErrConflict. SQLITE_BUSY means another immediate transaction held the
// write lock past the busy timeout; a unique-index violation on
// idx_mappings_one_active means a concurrent writer activated a mapping
// between our read and our insert.
func isConflictErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}
