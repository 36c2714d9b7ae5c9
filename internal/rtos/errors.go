package rtos

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy is returned when the target is not halted. Retry on a later stop.
	ErrBusy = errors.New("target is not halted")

	// ErrStale is returned when a reply arrived after the target resumed.
	ErrStale = fmt.Errorf("%w: reply belongs to an earlier stop", ErrBusy)

	// ErrNotFound is returned when a halted evaluation produced no usable
	// value or reference.
	ErrNotFound = errors.New("expression not resolvable")

	// ErrNoChildren is returned when enumerating a reference yields an
	// empty or missing list. A composite with zero children is reported
	// the same way.
	ErrNoChildren = errors.New("no children")

	// ErrDetectionFailed marks a variant whose kernel was not found.
	ErrDetectionFailed = errors.New("rtos detection failed")

	// ErrNotInitialized is returned by refresh on a variant that has not
	// detected its kernel.
	ErrNotInitialized = errors.New("rtos variant not initialized")
)

// ResolveError reports an expression or reference that could not be
// resolved while the target was halted.
type ResolveError struct {
	// Expr is the expression, when the failure came from an evaluation.
	Expr string
	// Label names the lookup for diagnostics, such as a field path.
	Label string
	// Err is ErrNotFound or ErrNoChildren, possibly wrapping a protocol error.
	Err error
}

// Error implements the error interface.
func (e *ResolveError) Error() string {
	what := e.Expr
	if what == "" {
		what = e.Label
	} else if e.Label != "" {
		what = e.Label + " (" + e.Expr + ")"
	}
	return fmt.Sprintf("resolve %s: %v", what, e.Err)
}

// Unwrap returns the underlying error.
func (e *ResolveError) Unwrap() error {
	return e.Err
}

// ProtocolError wraps a failure of the debug session itself.
type ProtocolError struct {
	Command string
	Err     error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s request: %v", e.Command, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsBusy reports whether err means "try again on a later stop".
func IsBusy(err error) bool {
	return errors.Is(err, ErrBusy)
}
