package device

import (
	"errors"
	"fmt"
)

// Status codes carried by device errors. The values follow the OpenCL
// convention so driver codes and software codes read the same in logs.
const (
	StatusDeviceNotFound      = -1
	StatusDeviceNotAvailable  = -2
	StatusMemAllocFailure     = -4
	StatusOutOfResources      = -5
	StatusBuildProgramFailure = -11
	StatusInvalidValue        = -30
	StatusInvalidQueue        = -36
	StatusInvalidMemObject    = -38
	StatusInvalidProgram      = -44
	StatusInvalidKernelName   = -46
	StatusInvalidKernelArgs   = -52
	StatusInvalidWorkGroup    = -54
	StatusInvalidGlobalSize   = -63
	StatusExecutionFailure    = -9999
)

// ErrDevice matches every environment or driver failure via errors.Is.
var ErrDevice = errors.New("device failure")

// Usage errors. These indicate a caller bug, not a transient condition.
var (
	ErrNotInitialized = errors.New("not initialized")
	ErrAccessDenied   = errors.New("access denied")
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrNotWaited      = errors.New("promise read before wait")
	ErrReleased       = errors.New("resource already released")
	ErrDebugDisabled  = errors.New("debug output not compiled in")
	ErrShape          = errors.New("shape mismatch")
)

// Error is an environment/driver failure. It is fatal to the filter instance
// that observed it and is never retried.
type Error struct {
	Op     string // Operation that failed, e.g. "allocate" or "build".
	Status int    // Numeric status code.
	Log    string // Build log, when Op is a program build.
	Err    error  // Underlying cause, may be nil.
}

// NewError returns a device error for op with status and an optional cause.
func NewError(op string, status int, err error) *Error {
	return &Error{Op: op, Status: status, Err: err}
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("device: %s failed with status %d", e.Op, e.Status)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Log != "" {
		msg += "\n" + e.Log
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is makes every *Error match ErrDevice.
func (e *Error) Is(target error) bool { return target == ErrDevice }

// UsageError reports an API misuse.
type UsageError struct {
	Op  string
	Err error
}

// Usage returns a usage error for op wrapping err. Extra context may be
// appended with format and args.
func Usage(op string, err error, format string, args ...any) *UsageError {
	if format != "" {
		err = fmt.Errorf("%w: %s", err, fmt.Sprintf(format, args...))
	}
	return &UsageError{Op: op, Err: err}
}

func (e *UsageError) Error() string { return e.Op + ": " + e.Err.Error() }

// Unwrap returns the wrapped sentinel.
func (e *UsageError) Unwrap() error { return e.Err }

// IsFatal reports whether err is an environment/driver failure.
func IsFatal(err error) bool { return errors.Is(err, ErrDevice) }

// IsUsage reports whether err is an API misuse.
func IsUsage(err error) bool {
	var ue *UsageError
	return errors.As(err, &ue)
}
