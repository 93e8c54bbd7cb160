package coordinator

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/Rikxed/sqlite-mcp/lease"
)

// ErrPoolExhausted is returned by Pool.Acquire when no connection becomes
// available within the pool's wait bound. Callers may retry after backoff.
var ErrPoolExhausted = errors.New("connection pool exhausted")

// VersionConflictError is returned by a version-checked update whose
// expected version no longer matches the stored one. The caller must
// re-read and retry; the conflict is never retried internally.
type VersionConflictError struct {
	Table    string
	Column   string
	RowID    interface{}
	Expected int64
	Actual   int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s.%s of row %v: expected %d, found %d",
		e.Table, e.Column, e.RowID, e.Expected, e.Actual)
}

// IsPoolExhausted returns whether err indicates pool exhaustion.
func IsPoolExhausted(err error) bool {
	return errors.Cause(err) == ErrPoolExhausted
}

// IsLockTimeout returns whether err indicates a cross-process lock timeout.
func IsLockTimeout(err error) bool {
	return errors.Cause(err) == lease.ErrTimeout
}

// IsVersionConflict returns whether err indicates a stale optimistic write.
func IsVersionConflict(err error) bool {
	var _, ok = errors.Cause(err).(*VersionConflictError)
	return ok
}

// ErrorKind maps err onto the coordinator error taxonomy, allowing callers
// to branch on kind rather than on message contents. Statement failures are
// surfaced verbatim and classified as "statement_error".
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsPoolExhausted(err):
		return "pool_exhausted"
	case IsLockTimeout(err):
		return "lock_timeout"
	case IsVersionConflict(err):
		return "version_conflict"
	default:
		return "statement_error"
	}
}
