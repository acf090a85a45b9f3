package settings

import (
	"errors"
	"fmt"

	"prefdb/internal/store"
)

var (
	ErrPermissionDenied = errors.New("settings: permission denied")
	ErrLockClosed       = errors.New("settings: lock closed")
	ErrNoPermissions    = errors.New("settings: context has neither read nor write permission")
	ErrUnknownLock      = errors.New("settings: unknown lock")
	ErrInvalidName      = errors.New("settings: invalid setting name")
	ErrAlreadyBound     = errors.New("settings: manager already bound to a context")
	ErrNotBound         = errors.New("settings: manager not initialized")
	ErrPending          = errors.New("settings: result pending")
)

// Codes reported by BackingStoreError.
const (
	CodeReadOnly          = "ReadOnlyError"
	CodeTransactionClosed = "TransactionInactiveError"
	CodeInvalidState      = "InvalidStateError"
	CodeDataError         = "DataError"
	CodeUnknown           = "UnknownError"
)

// BackingStoreError is a failure reported by the backend while executing
// one operation. It is delivered only through that operation's handle.
type BackingStoreError struct {
	Op   string // begin, get, put, clear, commit, encode, decode
	Key  string // empty for store-wide operations
	Code string
	Err  error
}

func backingStoreError(op, key string, err error) *BackingStoreError {
	return &BackingStoreError{Op: op, Key: key, Code: codeFor(err), Err: err}
}

func codeFor(err error) string {
	switch {
	case errors.Is(err, store.ErrReadOnly):
		return CodeReadOnly
	case errors.Is(err, store.ErrTxClosed):
		return CodeTransactionClosed
	case errors.Is(err, store.ErrClosed):
		return CodeInvalidState
	case errors.Is(err, errCorruptRecord):
		return CodeDataError
	default:
		return CodeUnknown
	}
}

func (e *BackingStoreError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("settings: %s %q: %s: %v", e.Op, e.Key, e.Code, e.Err)
	}
	return fmt.Sprintf("settings: %s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *BackingStoreError) Unwrap() error {
	return e.Err
}
