package gc

import (
	"errors"
	"fmt"
)

// ErrOutOfMemory is returned when an allocation would take the heap past
// its configured maximum. The heap limit is temporarily raised so the
// program can react; a second consecutive failure is fatal.
var ErrOutOfMemory = errors.New("gc: out of memory")

// ErrArenaExhausted is returned when no further arena may be carved.
var ErrArenaExhausted = errors.New("gc: arena collection exhausted")

// FatalError reports an unrecoverable collector state.
type FatalError struct {
	Msg string
}

func (e *FatalError) Error() string { return "gc: fatal: " + e.Msg }

// InvariantError reports a broken heap invariant. It is raised as a panic
// since it always indicates a bug in the mutator or the collector.
type InvariantError struct {
	Addr Addr
	Msg  string
}

func (e *InvariantError) Error() string {
	if e.Addr == Null {
		return "gc: invariant violated: " + e.Msg
	}
	return fmt.Sprintf("gc: invariant violated at %s: %s", e.Addr, e.Msg)
}

func paramError(msg string) error {
	return fmt.Errorf("gc: invalid params: %s", msg)
}

func invariant(addr Addr, format string, args ...any) {
	panic(&InvariantError{Addr: addr, Msg: fmt.Sprintf(format, args...)})
}
