package jit

import (
	"fmt"

	"github.com/google/uuid"
)

// Descr is auxiliary layout or target information attached to an operation.
type Descr interface {
	String() string
}

// FieldDescr names one word of an object's fixed part.
type FieldDescr struct {
	Name  string
	Index int
	Kind  Kind
}

func (d *FieldDescr) String() string { return "<FieldDescr " + d.Name + ">" }

// ArrayDescr describes a GC array type and the kind of its items.
type ArrayDescr struct {
	Name     string
	TypeID   uint16
	ItemKind Kind
}

func (d *ArrayDescr) String() string { return "<ArrayDescr " + d.Name + ">" }

// SizeDescr describes a fixed-size GC type. A non-zero Vtable is the class
// id stored in word 0 by new_with_vtable.
type SizeDescr struct {
	Name   string
	TypeID uint16
	Vtable int64
}

func (d *SizeDescr) String() string { return "<SizeDescr " + d.Name + ">" }

// Effect classifies what a residual call may do.
type Effect int

const (
	EffectCanRaise Effect = iota
	EffectCannotRaise
	EffectPure
	EffectLoopInvariant
	EffectForcesVirtualOrVirtualizable
)

var effectNames = [...]string{"can_raise", "cannot_raise", "pure", "loopinvariant", "forces"}

func (e Effect) String() string {
	if int(e) < len(effectNames) {
		return effectNames[e]
	}
	return fmt.Sprintf("effect%d", int(e))
}

// EffectInfo is the call analysis result attached to a CallDescr.
type EffectInfo struct {
	Extra Effect
}

// CallDescr describes a call site: its result kind and effects. A nil
// Effect is treated as "may force".
type CallDescr struct {
	Name       string
	ResultKind Kind
	Effect     *EffectInfo
}

func (d *CallDescr) String() string { return "<CallDescr " + d.Name + ">" }

func (d *CallDescr) forces() bool {
	return d.Effect == nil || d.Effect.Extra == EffectForcesVirtualOrVirtualizable
}

// SwitchDescr maps switch values to absolute jitcode positions.
type SwitchDescr struct {
	Targets map[int64]int
}

func (d *SwitchDescr) String() string { return fmt.Sprintf("<SwitchDescr %d cases>", len(d.Targets)) }

// LocationDescr carries the source location of a debug_merge_point.
type LocationDescr struct {
	Location string
}

func (d *LocationDescr) String() string { return d.Location }

// LoopToken is the handle of a compiled loop or entry bridge.
type LoopToken struct {
	ID        uuid.UUID
	Number    int
	Greenkey  []*Const
	InputArgs []*Box
	// Operations is the trace as handed to the backend.
	Operations []*Operation
	// Entry tokens are attached from the interpreter but cannot be
	// jumped to by other traces.
	Entry bool
}

func (t *LoopToken) String() string { return fmt.Sprintf("<Loop%d>", t.Number) }

// FailDescr is attached to every operation that can leave compiled code.
type FailDescr interface {
	Descr
	isFailDescr()
}

type doneKind int

const (
	doneWithThisFrame doneKind = iota
	exitFrameWithException
)

// DoneDescr marks a FINISH that leaves the portal, with a value or with
// an exception.
type DoneDescr struct {
	kind       doneKind
	ResultKind Kind
}

func (d *DoneDescr) String() string {
	if d.kind == exitFrameWithException {
		return "<ExitFrameWithException>"
	}
	return "<DoneWithThisFrame" + kindName(d.ResultKind) + ">"
}

func (d *DoneDescr) isFailDescr() {}

// IsException reports whether the FINISH carries an exception.
func (d *DoneDescr) IsException() bool { return d.kind == exitFrameWithException }

var (
	doneWithThisFrameVoid  = &DoneDescr{kind: doneWithThisFrame, ResultKind: KindVoid}
	doneWithThisFrameInt   = &DoneDescr{kind: doneWithThisFrame, ResultKind: KindInt}
	doneWithThisFrameRef   = &DoneDescr{kind: doneWithThisFrame, ResultKind: KindRef}
	doneWithThisFrameFloat = &DoneDescr{kind: doneWithThisFrame, ResultKind: KindFloat}
	exitFrameWithExc       = &DoneDescr{kind: exitFrameWithException, ResultKind: KindRef}
)

func doneDescrFor(k Kind) *DoneDescr {
	switch k {
	case KindInt:
		return doneWithThisFrameInt
	case KindRef:
		return doneWithThisFrameRef
	case KindFloat:
		return doneWithThisFrameFloat
	}
	return doneWithThisFrameVoid
}

// DeadFrame is what compiled code leaves behind when it exits.
type DeadFrame struct {
	Descr  FailDescr
	Values []Value
	// Exc is the exception pending when the frame died, or null.
	Exc Value
}
