package jit

import (
	"fmt"
	"math"

	"github.com/chazu/metatrace/gc"
)

// Kind is the static type of a register, operand or result.
type Kind byte

const (
	KindVoid Kind = iota
	KindInt
	KindRef
	KindFloat
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "i"
	case KindRef:
		return "r"
	case KindFloat:
		return "f"
	}
	return "v"
}

// kindOfCode maps an argcode letter to a kind.
func kindOfCode(c byte) Kind {
	switch c {
	case 'i', 'I', 'c':
		return KindInt
	case 'r', 'R':
		return KindRef
	case 'f', 'F':
		return KindFloat
	}
	return KindVoid
}

// Value is a concrete runtime value of one of the three kinds.
type Value struct {
	kind Kind
	I    int64
	F    float64
	R    gc.Addr
}

func IntValue(v int64) Value     { return Value{kind: KindInt, I: v} }
func RefValue(v gc.Addr) Value   { return Value{kind: KindRef, R: v} }
func FloatValue(v float64) Value { return Value{kind: KindFloat, F: v} }

func (v Value) Kind() Kind     { return v.kind }
func (v Value) Int() int64     { return v.I }
func (v Value) Float() float64 { return v.F }
func (v Value) Ref() gc.Addr   { return v.R }
func (v Value) Val() Value     { return v }

// Nonnull reports whether the value is not zero/null.
func (v Value) Nonnull() bool {
	switch v.kind {
	case KindInt:
		return v.I != 0
	case KindRef:
		return v.R != gc.Null
	case KindFloat:
		return v.F != 0
	}
	return false
}

// same compares two values bitwise, so NaN constants are equal to
// themselves and 0.0 differs from -0.0.
func (v Value) same(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindInt:
		return v.I == o.I
	case KindRef:
		return v.R == o.R
	case KindFloat:
		return math.Float64bits(v.F) == math.Float64bits(o.F)
	}
	return true
}

func (v Value) repr() string {
	switch v.kind {
	case KindInt:
		return fmt.Sprintf("%d", v.I)
	case KindRef:
		return v.R.String()
	case KindFloat:
		return fmt.Sprintf("%g", v.F)
	}
	return "void"
}

// Operand is either a compile-time constant or a trace value (box).
type Operand interface {
	Kind() Kind
	Int() int64
	Float() float64
	Ref() gc.Addr
	Nonnull() bool
	Val() Value
	IsConst() bool
	// Const returns a constant with the operand's current value.
	Const() *Const
	String() string
	slot() *Value
}

// Const is a compile-time constant operand.
type Const struct {
	Value
}

func ConstInt(v int64) *Const     { return &Const{IntValue(v)} }
func ConstRef(v gc.Addr) *Const   { return &Const{RefValue(v)} }
func ConstFloat(v float64) *Const { return &Const{FloatValue(v)} }

// ConstOf wraps a value as a constant.
func ConstOf(v Value) *Const { return &Const{v} }

var (
	ConstFalse = ConstInt(0)
	ConstTrue  = ConstInt(1)
	ConstNull  = ConstRef(gc.Null)
)

func (c *Const) IsConst() bool  { return true }
func (c *Const) Const() *Const  { return c }
func (c *Const) slot() *Value   { return &c.Value }
func (c *Const) String() string { return "Const" + kindName(c.kind) + "(" + c.repr() + ")" }

// SameConstant reports whether o is a constant with the same value.
func (c *Const) SameConstant(o Operand) bool {
	oc, ok := o.(*Const)
	return ok && c.same(oc.Value)
}

// Box is a trace value. Two boxes are the same operand only if they are
// the same pointer.
type Box struct {
	Value
}

func NewBoxInt(v int64) *Box     { return &Box{IntValue(v)} }
func NewBoxRef(v gc.Addr) *Box   { return &Box{RefValue(v)} }
func NewBoxFloat(v float64) *Box { return &Box{FloatValue(v)} }

// NewBox boxes a value.
func NewBox(v Value) *Box { return &Box{v} }

func (b *Box) IsConst() bool  { return false }
func (b *Box) Const() *Const  { return &Const{b.Value} }
func (b *Box) slot() *Value   { return &b.Value }
func (b *Box) String() string { return "Box" + kindName(b.kind) + "(" + b.repr() + ")" }

// Clone returns a fresh box holding the same value.
func (b *Box) Clone() *Box { return &Box{b.Value} }

func kindName(k Kind) string {
	switch k {
	case KindInt:
		return "Int"
	case KindRef:
		return "Ptr"
	case KindFloat:
		return "Float"
	}
	return "Void"
}

// valuesOf extracts the current values of a list of operands.
func valuesOf(ops []Operand) []Value {
	vals := make([]Value, len(ops))
	for i, op := range ops {
		vals[i] = op.Val()
	}
	return vals
}

// boxesFrom boxes each value, keeping the first n as constants.
func boxesFrom(vals []Value, nconst int) []Operand {
	ops := make([]Operand, len(vals))
	for i, v := range vals {
		if i < nconst {
			ops[i] = ConstOf(v)
		} else {
			ops[i] = NewBox(v)
		}
	}
	return ops
}
