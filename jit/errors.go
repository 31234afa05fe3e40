package jit

import (
	"errors"
	"fmt"
)

// ErrZeroDivision is returned by the executor for integer division or
// modulo by zero.
var ErrZeroDivision = errors.New("jit: integer division by zero")

// ErrInvalidVirtualRef is returned when a virtual reference is forced
// after the frame that created it has gone away.
var ErrInvalidVirtualRef = errors.New("jit: virtual reference is no longer valid")

// TraceError reports malformed jitcode or a fault while executing an
// operation.
type TraceError struct {
	Msg string
	Err error
}

func (e *TraceError) Error() string {
	if e.Err != nil {
		return "jit: " + e.Msg + ": " + e.Err.Error()
	}
	return "jit: " + e.Msg
}

func (e *TraceError) Unwrap() error { return e.Err }

func traceErrorf(format string, args ...any) *TraceError {
	return &TraceError{Msg: fmt.Sprintf(format, args...)}
}

// AbortReason says why a tracing attempt was abandoned.
type AbortReason int

const (
	AbortTooLong AbortReason = iota + 1
	AbortBridge
	AbortEscape
	AbortBadLoop
	AbortError
)

var abortNames = map[AbortReason]string{
	AbortTooLong: "too long",
	AbortBridge:  "bridge",
	AbortEscape:  "escape",
	AbortBadLoop: "bad loop",
	AbortError:   "error",
}

func (r AbortReason) String() string {
	if s, ok := abortNames[r]; ok {
		return s
	}
	return fmt.Sprintf("abort(%d)", int(r))
}

// ExceptionError is returned by Driver.Run when the portal exits with an
// exception.
type ExceptionError struct {
	Class int64
	Value Value
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("jit: portal raised exception of class %d (%s)", e.Class, e.Value.R)
}
