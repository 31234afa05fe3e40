package jit

import (
	"errors"
	"math"
	"strings"
	"testing"
)

func TestExecuteArithmetic(t *testing.T) {
	cpu := newTestCPU(t)
	tests := []struct {
		op   Opnum
		a, b int64
		want int64
	}{
		{OpIntAdd, 2, 3, 5},
		{OpIntSub, 2, 3, -1},
		{OpIntMul, -4, 3, -12},
		{OpIntFloordiv, 7, 2, 3},
		{OpIntMod, 7, 2, 1},
		{OpIntLshift, 1, 10, 1024},
		{OpIntLt, 1, 2, 1},
		{OpIntGe, 1, 2, 0},
	}
	for _, tt := range tests {
		v, err := Execute(cpu, tt.op, nil, []Value{IntValue(tt.a), IntValue(tt.b)})
		if err != nil {
			t.Errorf("%s(%d, %d): %v", tt.op, tt.a, tt.b, err)
			continue
		}
		if v.Int() != tt.want {
			t.Errorf("%s(%d, %d) = %d, want %d", tt.op, tt.a, tt.b, v.Int(), tt.want)
		}
	}
}

func TestExecuteErrors(t *testing.T) {
	cpu := newTestCPU(t)
	if _, err := Execute(cpu, OpIntMod, nil, []Value{IntValue(1), IntValue(0)}); !errors.Is(err, ErrZeroDivision) {
		t.Errorf("mod by zero: %v", err)
	}
	_, err := Execute(cpu, OpIntAdd, nil, []Value{IntValue(1)})
	var te *TraceError
	if !errors.As(err, &te) || !strings.Contains(err.Error(), "want 2") {
		t.Errorf("wrong arity: %v", err)
	}
	if _, err := Execute(cpu, OpIntLshift, nil, []Value{IntValue(1), IntValue(64)}); err == nil {
		t.Error("shift by 64 succeeded")
	}
}

func TestOverflowGuards(t *testing.T) {
	cpu := newTestCPU(t)
	if _, err := Execute(cpu, OpIntAddOvf, nil, []Value{IntValue(math.MaxInt64), IntValue(1)}); err != nil {
		t.Fatal(err)
	}
	ok, _, err := CheckGuard(cpu, OpGuardNoOverflow, nil)
	if err != nil || ok {
		t.Errorf("guard_no_overflow after an overflow = %v, %v", ok, err)
	}
	// the flag is consumed by the guard
	if ok, _, _ := CheckGuard(cpu, OpGuardNoOverflow, nil); !ok {
		t.Error("overflow flag survived its guard")
	}

	if _, err := Execute(cpu, OpIntMulOvf, nil, []Value{IntValue(3), IntValue(4)}); err != nil {
		t.Fatal(err)
	}
	if ok, _, _ := CheckGuard(cpu, OpGuardOverflow, nil); ok {
		t.Error("guard_overflow passed without an overflow")
	}
}

func TestCheckGuard(t *testing.T) {
	cpu := newTestCPU(t)
	tests := []struct {
		op   Opnum
		args []Value
		want bool
	}{
		{OpGuardTrue, []Value{IntValue(1)}, true},
		{OpGuardTrue, []Value{IntValue(0)}, false},
		{OpGuardFalse, []Value{IntValue(0)}, true},
		{OpGuardValue, []Value{IntValue(5), IntValue(5)}, true},
		{OpGuardValue, []Value{IntValue(5), IntValue(6)}, false},
		{OpGuardIsnull, []Value{RefValue(0)}, true},
		{OpGuardNonnull, []Value{RefValue(0)}, false},
		{OpGuardNoException, nil, true},
	}
	for _, tt := range tests {
		ok, _, err := CheckGuard(cpu, tt.op, tt.args)
		if err != nil {
			t.Errorf("%s%v: %v", tt.op, tt.args, err)
			continue
		}
		if ok != tt.want {
			t.Errorf("%s%v = %v, want %v", tt.op, tt.args, ok, tt.want)
		}
	}
	if _, _, err := CheckGuard(cpu, OpGuardNotForced, nil); err == nil {
		t.Error("guard_not_forced checked without an activation")
	}
}

func TestLoggerFormatsOps(t *testing.T) {
	l := NewLogger()
	x, y := NewBoxInt(1), NewBoxInt(2)
	add := &Operation{Opnum: OpIntAdd, Args: []Operand{x, ConstInt(3)}, Result: y}
	if got, want := l.FormatOp(add), "i0 = int_add(i1, 3)"; got != want {
		t.Errorf("FormatOp = %q, want %q", got, want)
	}
	g := &ResumeGuardDescr{Number: 4, FailArgs: []*Box{y, x}}
	guard := &Operation{Opnum: OpGuardTrue, Args: []Operand{y}, Descr: g}
	if got, want := l.FormatOp(guard), "guard_true(i0, descr=<Guard4>) [i0, i1]"; got != want {
		t.Errorf("FormatOp = %q, want %q", got, want)
	}
	p := NewBoxRef(0)
	if got := l.Name(p); got != "p2" {
		t.Errorf("ref box name = %q, want p2", got)
	}
	trace := l.FormatTrace([]*Box{x}, []*Operation{add, guard})
	if !strings.HasPrefix(trace, "[i1]\ni0 = int_add") {
		t.Errorf("FormatTrace = %q", trace)
	}
}
