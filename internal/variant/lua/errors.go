package lua

import "errors"

var (
	// ErrStateClosed is returned when operating on a closed state.
	ErrStateClosed = errors.New("lua state is closed")

	// ErrInvalidManifest wraps manifest validation failures.
	ErrInvalidManifest = errors.New("invalid variant manifest")

	// ErrMissingFunction is returned when a script lacks detect or refresh.
	ErrMissingFunction = errors.New("script function not defined")

	// ErrBadRow is returned when refresh yields a malformed row.
	ErrBadRow = errors.New("malformed row")
)
