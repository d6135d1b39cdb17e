package domain

import (
	"errors"
	"fmt"
)

// Code is a stable numeric error code returned to callers. The values are
// an external contract shared with transport bindings and must not change.
type Code uint32

// Generic band.
const (
	CodePermissionDenied     Code = 201
	CodeSystemAPIDenied      Code = 202
	CodeParamError           Code = 401
	CodeInterfaceUnsupported Code = 801
)

// Engine band.
const (
	CodeAdminInactive         Code = 9200001
	CodeAdminPermissionDenied Code = 9200002
	CodeComponentInvalid      Code = 9200003
	CodeEnableAdminFailed     Code = 9200004
	CodeDisableAdminFailed    Code = 9200005
	CodeUIDInvalid            Code = 9200006
	CodeSystemAbnormal        Code = 9200007
	CodeManagedEventsInvalid  Code = 9200008
)

func (c Code) String() string {
	switch c {
	case CodePermissionDenied:
		return "permission denied"
	case CodeSystemAPIDenied:
		return "system api denied"
	case CodeParamError:
		return "parameter error"
	case CodeInterfaceUnsupported:
		return "interface unsupported"
	case CodeAdminInactive:
		return "administrator inactive"
	case CodeAdminPermissionDenied:
		return "administrator permission denied"
	case CodeComponentInvalid:
		return "component invalid"
	case CodeEnableAdminFailed:
		return "enable admin failed"
	case CodeDisableAdminFailed:
		return "disable admin failed"
	case CodeUIDInvalid:
		return "uid invalid"
	case CodeSystemAbnormal:
		return "system abnormal"
	case CodeManagedEventsInvalid:
		return "managed events invalid"
	default:
		return fmt.Sprintf("code %d", uint32(c))
	}
}

// Error wraps a stable code with optional context. It is the only error
// type the engine returns to callers.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches two engine errors by code so callers can compare against
// NewError(code) sentinels with errors.Is.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

// NewError returns an *Error for code.
func NewError(code Code) *Error {
	return &Error{Code: code}
}

// Errorf returns an *Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches code to an underlying cause.
func WrapError(code Code, err error) *Error {
	return &Error{Code: code, Err: err}
}

// CodeOf extracts the stable code from err, or CodeSystemAbnormal when err
// carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeSystemAbnormal
}
