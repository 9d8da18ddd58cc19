// Package errs provides the coded error taxonomy shared by the session,
// synchronization and transport layers.
package errs

import "fmt"

// Code is a machine-readable error code.
type Code string

const (
	CodeUnknown      Code = "UNKNOWN"
	CodeConnection   Code = "CONNECTION"
	CodeRoomFull     Code = "ROOM_FULL"
	CodePermission   Code = "PERMISSION"
	CodeValidation   Code = "VALIDATION"
	CodeConflict     Code = "CONFLICT"
	CodeInvalidPhase Code = "INVALID_PHASE"
	CodeNotConnected Code = "NOT_CONNECTED"
)

// Sentinels for errors.Is checks. Matching is by code only.
var (
	ErrConnection   = New(CodeConnection, "connection failed")
	ErrRoomFull     = New(CodeRoomFull, "room is full")
	ErrPermission   = New(CodePermission, "permission denied")
	ErrValidation   = New(CodeValidation, "validation failed")
	ErrConflict     = New(CodeConflict, "state conflict")
	ErrInvalidPhase = New(CodeInvalidPhase, "invalid phase")
	ErrNotConnected = New(CodeNotConnected, "not connected to a session")
)

// Error is the domain error type.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target carries the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates a domain error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf is New with formatting.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a domain error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func ConnectionError(message string, cause error) *Error {
	return Wrap(CodeConnection, message, cause)
}

func RoomFullError(roomCode string) *Error {
	return Newf(CodeRoomFull, "room %s is full", roomCode)
}

func PermissionError(operation string) *Error {
	return Newf(CodePermission, "only the host can %s", operation)
}

func ValidationError(message string, cause error) *Error {
	return Wrap(CodeValidation, message, cause)
}

func ConflictError(message string) *Error {
	return New(CodeConflict, message)
}

func InvalidPhaseError(operation, phase string) *Error {
	return Newf(CodeInvalidPhase, "cannot %s during phase %s", operation, phase)
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) Code {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return CodeUnknown
}
