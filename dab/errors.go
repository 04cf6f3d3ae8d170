package dab

import "fmt"

// Error is a protocol error. Dispatch converts it into a reply of the form
// {"status":<code>,"error":"<message>"}; it never escapes a dispatch call.
type Error struct {
	Code    int64
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d %s", e.Code, e.Message)
}

// Errorf creates a protocol error with a formatted message.
func Errorf(code int64, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrNotImplemented is the reply of every operation stub a device did not
// override.
var ErrNotImplemented = &Error{Code: 501, Message: "unsupported"}
