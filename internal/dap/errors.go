package dap

import (
	"errors"
	"fmt"
)

var (
	// ErrClientClosed is returned for requests issued after Close.
	ErrClientClosed = errors.New("dap client closed")

	// ErrMissingContentLength is returned when a frame has no Content-Length header.
	ErrMissingContentLength = errors.New("missing Content-Length header")
)

// ResponseError is returned when the adapter answers a request with
// success=false.
type ResponseError struct {
	Command string
	Message string
}

// Error implements the error interface.
func (e *ResponseError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s failed", e.Command)
	}
	return fmt.Sprintf("%s failed: %s", e.Command, e.Message)
}
