package fiscal

import "fmt"

// Error is a structured failure reported by a fiscal device: a non-zero
// result code plus the human-readable message the device sent along with it.
// Anything else (malformed payloads, transport trouble) travels as a plain
// wrapped error.
type Error struct {
	Code    int    `json:"errorCode"`
	Message string `json:"statusMessage"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("fiscal error %d: %s", e.Code, e.Message)
}

// NewError builds a fiscal device error.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// UnsupportedError marks an operation a device cannot perform. It must never
// be confused with a successful no-op, so it gets its own type.
type UnsupportedError struct {
	Op string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("operation %q is not supported by this device", e.Op)
}
