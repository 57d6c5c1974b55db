package tx

import (
	"errors"
	"fmt"
)

// Error codes. Configuration and usage errors are never retried;
// coordination failures come from the adapter.
const (
	// Configuration errors
	CodeInvalidDefinition             = "INVALID_DEFINITION"
	CodeInvalidTimeout                = "INVALID_TIMEOUT"
	CodeIllegalState                  = "ILLEGAL_TRANSACTION_STATE"
	CodeNestedTransactionNotSupported = "NESTED_TRANSACTION_NOT_SUPPORTED"
	CodeSuspensionNotSupported        = "TRANSACTION_SUSPENSION_NOT_SUPPORTED"

	// Usage errors
	CodeUsage = "TRANSACTION_USAGE"

	// Coordination failures
	CodeCannotCreateTransaction = "CANNOT_CREATE_TRANSACTION"
	CodeSystem                  = "TRANSACTION_SYSTEM_ERROR"

	// The coordinator rolled back what the caller asked to commit
	CodeUnexpectedRollback = "UNEXPECTED_ROLLBACK"
)

// Error is the error type for every transaction-layer failure.
type Error struct {
	// Code is a machine-readable error identifier
	Code string

	// Message is a human-readable description
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error carrying the same code, so the sentinels below work
// with errors.Is regardless of message or cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// WithCause sets the underlying error
func (e *Error) WithCause(err error) *Error {
	e.Err = err
	return e
}

// Sentinels for errors.Is.
var (
	ErrInvalidDefinition             = &Error{Code: CodeInvalidDefinition}
	ErrInvalidTimeout                = &Error{Code: CodeInvalidTimeout}
	ErrIllegalState                  = &Error{Code: CodeIllegalState}
	ErrNestedTransactionNotSupported = &Error{Code: CodeNestedTransactionNotSupported}
	ErrSuspensionNotSupported        = &Error{Code: CodeSuspensionNotSupported}
	ErrUsage                         = &Error{Code: CodeUsage}
	ErrCannotCreateTransaction       = &Error{Code: CodeCannotCreateTransaction}
	ErrSystem                        = &Error{Code: CodeSystem}
	ErrUnexpectedRollback            = &Error{Code: CodeUnexpectedRollback}
)

// --- Factory functions ---

// NewInvalidDefinition reports an unknown propagation/isolation value or a malformed definition.
func NewInvalidDefinition(message string) *Error {
	return &Error{Code: CodeInvalidDefinition, Message: message}
}

// NewInvalidTimeout reports a timeout below TimeoutDefault.
func NewInvalidTimeout(timeout int) *Error {
	return &Error{
		Code:    CodeInvalidTimeout,
		Message: fmt.Sprintf("invalid transaction timeout %d", timeout),
	}
}

// NewIllegalState reports a call that is not allowed in the current transaction state.
func NewIllegalState(message string) *Error {
	return &Error{Code: CodeIllegalState, Message: message}
}

// NewNestedTransactionNotSupported reports a NESTED request the manager or adapter cannot serve.
func NewNestedTransactionNotSupported(message string) *Error {
	return &Error{Code: CodeNestedTransactionNotSupported, Message: message}
}

// NewSuspensionNotSupported is returned by adapters that cannot suspend.
func NewSuspensionNotSupported(message string) *Error {
	return &Error{Code: CodeSuspensionNotSupported, Message: message}
}

// NewUsage reports API misuse such as releasing a savepoint that is not held.
func NewUsage(message string) *Error {
	return &Error{Code: CodeUsage, Message: message}
}

// NewCannotCreateTransaction wraps a failure to begin a transaction.
func NewCannotCreateTransaction(message string, err error) *Error {
	return &Error{Code: CodeCannotCreateTransaction, Message: message, Err: err}
}

// NewSystem wraps a commit/rollback/suspend/resume failure reported by the resource.
func NewSystem(message string, err error) *Error {
	return &Error{Code: CodeSystem, Message: message, Err: err}
}

// NewUnexpectedRollback reports that a commit request ended in a rollback.
func NewUnexpectedRollback(message string) *Error {
	return &Error{Code: CodeUnexpectedRollback, Message: message}
}

// --- Helper functions ---

// IsTransactionError checks if err carries an *Error anywhere in its chain.
func IsTransactionError(err error) bool {
	var txErr *Error
	return errors.As(err, &txErr)
}

// CodeOf returns the code of the first *Error in the chain, or "".
func CodeOf(err error) string {
	var txErr *Error
	if errors.As(err, &txErr) {
		return txErr.Code
	}
	return ""
}

// IsUnexpectedRollback reports whether a commit ended in a rollback the caller did not ask for.
func IsUnexpectedRollback(err error) bool {
	return errors.Is(err, ErrUnexpectedRollback)
}
