package app

import "errors"

// Application errors.
var (
	// ErrQuit signals that the user asked to exit.
	ErrQuit = errors.New("quit requested")

	// ErrAlreadyRunning indicates Run was called twice.
	ErrAlreadyRunning = errors.New("application already running")

	// ErrSessionEnded indicates the connection to the debug adapter was
	// lost before the program exited.
	ErrSessionEnded = errors.New("debug session ended")

	// ErrNoVariants indicates no variant could be loaded.
	ErrNoVariants = errors.New("no rtos variants loaded")
)

// InitError represents an initialization error.
type InitError struct {
	Component string
	Err       error
}

func (e *InitError) Error() string {
	return "init " + e.Component + ": " + e.Err.Error()
}

func (e *InitError) Unwrap() error {
	return e.Err
}
