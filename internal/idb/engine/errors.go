package engine

import "fmt"

// Error is a named engine failure. The Name classifies the failure the same
// way for every operation, so callers match on it with errors.Is:
//
//	if errors.Is(err, engine.ErrConstraint) {
//	    // duplicate key
//	}
type Error struct {
	Name    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Name
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same Name.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Name == e.Name
}

// Sentinel errors for errors.Is comparisons.
var (
	// ErrAbort is reported by requests that were pending when their
	// transaction aborted, and by the transaction after Abort().
	ErrAbort = &Error{Name: "AbortError"}

	// ErrConstraint is reported when a write violates a key or unique index.
	ErrConstraint = &Error{Name: "ConstraintError"}

	// ErrData is reported when a value or key cannot be used (missing
	// in-line key, invalid JSON, unsupported key type).
	ErrData = &Error{Name: "DataError"}

	// ErrInvalidState is reported when an operation is called at the wrong
	// point of an object's lifecycle.
	ErrInvalidState = &Error{Name: "InvalidStateError"}

	// ErrInvalidAccess is reported for cursor operations the cursor's
	// source or direction does not support.
	ErrInvalidAccess = &Error{Name: "InvalidAccessError"}

	// ErrNotFound is reported for unknown object stores or indexes.
	ErrNotFound = &Error{Name: "NotFoundError"}

	// ErrTransactionInactive is reported for requests issued against a
	// transaction that has finished, aborted or been asked to commit.
	ErrTransactionInactive = &Error{Name: "TransactionInactiveError"}

	// ErrReadOnly is reported for writes inside a read-only transaction.
	ErrReadOnly = &Error{Name: "ReadOnlyError"}

	// ErrVersion is reported when opening with a version lower than the
	// stored one.
	ErrVersion = &Error{Name: "VersionError"}

	// ErrUnknown wraps failures of the SQLite layer itself.
	ErrUnknown = &Error{Name: "UnknownError"}
)

func newError(kind *Error, format string, args ...any) *Error {
	return &Error{Name: kind.Name, Message: fmt.Sprintf(format, args...)}
}

func wrapError(kind *Error, err error, format string, args ...any) *Error {
	return &Error{Name: kind.Name, Message: fmt.Sprintf(format, args...) + ": " + err.Error(), Err: err}
}
