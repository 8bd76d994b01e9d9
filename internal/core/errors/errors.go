package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedOperation is matched by every UnsupportedOperationError.
	ErrUnsupportedOperation = errors.New("unsupported aggregation operation")

	// ErrUnsafeIdentifier is returned before query construction when a user-controlled
	// identifier (billable metric code, property key) cannot be bound safely.
	ErrUnsafeIdentifier = errors.New("unsafe identifier in aggregation query")

	// ErrTransient is matched by every TransientError.
	ErrTransient = errors.New("transient storage failure")
)

// UnsupportedOperationError reports that an engine does not implement an operation.
// Callers branch on it with errors.Is(err, ErrUnsupportedOperation) and fall back to
// another engine; it must never be turned into a zero usage value.
type UnsupportedOperationError struct {
	Engine    string
	Operation string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("%s: %q is not supported by the %s engine", ErrUnsupportedOperation, e.Operation, e.Engine)
}

func (e *UnsupportedOperationError) Is(target error) bool {
	return target == ErrUnsupportedOperation
}

// Unsupported builds an UnsupportedOperationError.
func Unsupported(engine, operation string) error {
	return &UnsupportedOperationError{Engine: engine, Operation: operation}
}

// TransientError wraps the last infrastructure failure seen after retries were exhausted.
type TransientError struct {
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s after %d attempt(s): %v", ErrTransient, e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func (e *TransientError) Is(target error) bool {
	return target == ErrTransient
}

// IsTransient reports whether err is retriable by the caller.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// UnsafeIdentifier wraps ErrUnsafeIdentifier with the offending kind and value.
func UnsafeIdentifier(kind, value string) error {
	return fmt.Errorf("%w: %s %q", ErrUnsafeIdentifier, kind, value)
}
