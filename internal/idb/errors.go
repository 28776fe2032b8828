package idb

import (
	"errors"
	"fmt"
	"strings"

	"github.com/steveyegge/restaurant-reviews/internal/idb/engine"
)

// ErrCursorExhausted ends a cursor scan. Cursor steps reject with it once
// the engine reports no further records.
var ErrCursorExhausted = errors.New("cursor exhausted")

// Engine failure kinds, re-exported for errors.Is checks.
var (
	ErrAbort               = engine.ErrAbort
	ErrConstraint          = engine.ErrConstraint
	ErrData                = engine.ErrData
	ErrInvalidState        = engine.ErrInvalidState
	ErrNotFound            = engine.ErrNotFound
	ErrTransactionInactive = engine.ErrTransactionInactive
	ErrReadOnly            = engine.ErrReadOnly
	ErrVersion             = engine.ErrVersion
)

// RequestError is a single operation failure reported by the engine.
type RequestError struct {
	Op  string
	Err error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// TransactionError reports a transaction that aborted or failed to commit.
type TransactionError struct {
	Mode  engine.Mode
	Scope []string
	Err   error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("%s transaction on [%s] failed: %v", e.Mode, strings.Join(e.Scope, ", "), e.Err)
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}
