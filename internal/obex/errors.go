package obex

import (
	"errors"
	"fmt"
)

// Error carries the response code a failed request is answered with.
type Error struct {
	Code byte
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("obex 0x%02X: %s", e.Code, e.Msg)
}

func statusError(code byte, format string, args ...any) error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func BadRequest(format string, args ...any) error {
	return statusError(StatusBadRequest, format, args...)
}

func NotFound(format string, args ...any) error {
	return statusError(StatusNotFound, format, args...)
}

func NotAcceptable(format string, args ...any) error {
	return statusError(StatusNotAcceptable, format, args...)
}

func NotImplemented(format string, args ...any) error {
	return statusError(StatusNotImplemented, format, args...)
}

func PreconditionFailed(format string, args ...any) error {
	return statusError(StatusPreconditionFailed, format, args...)
}

func Forbidden(format string, args ...any) error {
	return statusError(StatusForbidden, format, args...)
}

func Unavailable(format string, args ...any) error {
	return statusError(StatusUnavailable, format, args...)
}

// StatusOf maps err to a response code. Errors without a code are internal
// errors.
func StatusOf(err error) byte {
	if err == nil {
		return StatusSuccess
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return StatusInternalError
}
