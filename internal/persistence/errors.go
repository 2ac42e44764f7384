package persistence

import (
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// ErrShutdown is returned by blocking calls whose result can no longer
// arrive because the coordinator shut down first.
var ErrShutdown = errors.New("database coordinator is shut down")

// DuplicatePathError reports an insert that violated the unique file_path
// constraint. It is an expected, recoverable condition: the caller already
// has a recording for this source file.
type DuplicatePathError struct {
	Path string
}

func (e *DuplicatePathError) Error() string {
	return fmt.Sprintf("recording with path %q already exists", e.Path)
}

// InvalidOperationError reports an envelope that could not be dispatched:
// missing kind, unknown kind, or malformed arguments.
type InvalidOperationError struct {
	Kind   string
	Reason string
}

func (e *InvalidOperationError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("invalid operation: %s", e.Reason)
	}
	return fmt.Sprintf("invalid %s operation: %s", e.Kind, e.Reason)
}

// OperationError wraps any other database failure, keyed by operation kind.
type OperationError struct {
	Kind string
	Err  error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// isUniqueConstraint reports whether err is a SQLite UNIQUE constraint
// violation, so insert failures on file_path can be surfaced as a
// DuplicatePathError instead of a generic SQL error.
func isUniqueConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
