// Package status defines the engine-wide error taxonomy used by every
// component in place of ad-hoc error strings. A Status carries a Code
// from a fixed set (mirroring the kinds storage engines of this shape
// tend to converge on) plus a message and an optional wrapped cause.
package status

import (
	"errors"
	"fmt"
)

// Code identifies the kind of failure independent of the component that
// raised it.
type Code int

const (
	OK Code = iota
	NotFound
	AlreadyPresent
	InvalidArgument
	Corruption
	IOError
	IllegalState
	ServiceUnavailable
	Aborted
	TimedOut
	EndOfFile
	Uninitialized
	NotSupported
	RuntimeError
	ConfigurationError
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case NotFound:
		return "NotFound"
	case AlreadyPresent:
		return "AlreadyPresent"
	case InvalidArgument:
		return "InvalidArgument"
	case Corruption:
		return "Corruption"
	case IOError:
		return "IOError"
	case IllegalState:
		return "IllegalState"
	case ServiceUnavailable:
		return "ServiceUnavailable"
	case Aborted:
		return "Aborted"
	case TimedOut:
		return "TimedOut"
	case EndOfFile:
		return "EndOfFile"
	case Uninitialized:
		return "Uninitialized"
	case NotSupported:
		return "NotSupported"
	case RuntimeError:
		return "RuntimeError"
	case ConfigurationError:
		return "ConfigurationError"
	default:
		return "Unknown"
	}
}

// Status is the error type threaded through the engine's public APIs.
type Status struct {
	code    Code
	msg     string
	wrapped error
}

func (s *Status) Error() string {
	if s.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", s.code, s.msg, s.wrapped)
	}
	return fmt.Sprintf("%s: %s", s.code, s.msg)
}

// Unwrap lets errors.Is/errors.As see through to the wrapped cause.
func (s *Status) Unwrap() error { return s.wrapped }

// Code returns the status's error kind.
func (s *Status) Code() Code { return s.code }

// New constructs a Status with the given code and formatted message.
func New(code Code, format string, args ...interface{}) *Status {
	return &Status{code: code, msg: fmt.Sprintf(format, args...)}
}

// Wrap constructs a Status that also carries an underlying cause.
func Wrap(code Code, cause error, format string, args ...interface{}) *Status {
	return &Status{code: code, msg: fmt.Sprintf(format, args...), wrapped: cause}
}

func NotFoundf(format string, args ...interface{}) *Status {
	return New(NotFound, format, args...)
}

func AlreadyPresentf(format string, args ...interface{}) *Status {
	return New(AlreadyPresent, format, args...)
}

func InvalidArgumentf(format string, args ...interface{}) *Status {
	return New(InvalidArgument, format, args...)
}

func Corruptionf(format string, args ...interface{}) *Status {
	return New(Corruption, format, args...)
}

func IOErrorf(format string, args ...interface{}) *Status {
	return New(IOError, format, args...)
}

func IllegalStatef(format string, args ...interface{}) *Status {
	return New(IllegalState, format, args...)
}

func Abortedf(format string, args ...interface{}) *Status {
	return New(Aborted, format, args...)
}

func TimedOutf(format string, args ...interface{}) *Status {
	return New(TimedOut, format, args...)
}

// Is reports whether err is a *Status with the given code.
func Is(err error, code Code) bool {
	var s *Status
	if errors.As(err, &s) {
		return s.code == code
	}
	return false
}

// CodeOf returns the Code of err if it is (or wraps) a *Status, else OK
// is returned only when err is nil; a non-Status error returns RuntimeError.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var s *Status
	if errors.As(err, &s) {
		return s.code
	}
	return RuntimeError
}

// Invariant panics with a Status attached when a programmer-contract
// violation is detected (e.g. MVCC double-commit). These are only meant
// to be recovered at the top of a goroutine's run loop and converted
// into a FAILED replica transition; they must never be silently ignored.
func Invariant(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(New(RuntimeError, format, args...))
	}
}
