package jit

import (
	"testing"
)

func TestConstantOperandsFold(t *testing.T) {
	m := tracingMetaInterp(t)
	x := ConstInt(5)
	y, err := m.ExecuteAndRecord(OpIntAdd, nil, x, ConstInt(3))
	if err != nil {
		t.Fatalf("ExecuteAndRecord: %v", err)
	}
	if !y.IsConst() || y.Int() != 8 {
		t.Fatalf("x+3 = %v, want ConstInt(8)", y)
	}
	if n := m.History().Len(); n != 0 {
		t.Errorf("recorded %d operations, want 0", n)
	}
}

func TestBoxOperandsRecord(t *testing.T) {
	m := tracingMetaInterp(t)
	x := NewBoxInt(5)
	y, err := m.ExecuteAndRecord(OpIntAdd, nil, x, ConstInt(3))
	if err != nil {
		t.Fatalf("ExecuteAndRecord: %v", err)
	}
	if y.IsConst() || y.Int() != 8 {
		t.Fatalf("x+3 = %v, want a box holding 8", y)
	}
	ops := m.History().Operations
	if len(ops) != 1 || ops[0].Opnum != OpIntAdd || ops[0].Result != y {
		t.Fatalf("history = %v", ops)
	}

	again, err := m.ExecuteAndRecord(OpIntAdd, nil, x, ConstInt(3))
	if err != nil {
		t.Fatalf("ExecuteAndRecord: %v", err)
	}
	if again != y {
		t.Errorf("repeated pure operation returned %v, want the earlier %v", again, y)
	}
	if n := m.History().Len(); n != 1 {
		t.Errorf("recorded %d operations, want 1", n)
	}
}

func TestExecuteAndRecordError(t *testing.T) {
	m := tracingMetaInterp(t)
	if _, err := m.ExecuteAndRecord(OpIntFloordiv, nil, NewBoxInt(1), ConstInt(0)); err != ErrZeroDivision {
		t.Fatalf("error = %v, want ErrZeroDivision", err)
	}
	if n := m.History().Len(); n != 0 {
		t.Errorf("recorded %d operations, want 0", n)
	}
}

func TestGuardOnConstantIsSkipped(t *testing.T) {
	m := tracingMetaInterp(t)
	if op := m.GenerateGuard(OpGuardTrue, ConstInt(1), nil, -1); op != nil {
		t.Fatalf("guard on a constant recorded %v", op)
	}
	if n := m.History().Len(); n != 0 {
		t.Errorf("recorded %d operations, want 0", n)
	}
}

func TestGenerateGuardCapturesFrame(t *testing.T) {
	m := tracingMetaInterp(t)
	cond := NewBoxInt(1)
	live := NewBoxInt(42)
	m.top().SetRegister(KindInt, 0, live)
	op := m.GenerateGuard(OpGuardTrue, cond, nil, -1)
	if op == nil {
		t.Fatal("no guard recorded")
	}
	d, ok := op.Descr.(*ResumeGuardDescr)
	if !ok {
		t.Fatalf("guard descr = %T", op.Descr)
	}
	if d.GuardOpnum != OpGuardTrue || d.Snapshot == nil {
		t.Errorf("descr = %+v", d)
	}
	found := false
	for _, b := range op.FailArgs {
		if b == live {
			found = true
		}
	}
	if !found {
		t.Errorf("fail args %v do not include the live register", op.FailArgs)
	}
	if st := m.sd.Profiler.Stats(); st.Guards != 1 {
		t.Errorf("profiler guards = %d, want 1", st.Guards)
	}
}

func TestImplementGuardValue(t *testing.T) {
	m := tracingMetaInterp(t)
	box := NewBoxInt(7)
	m.top().SetRegister(KindInt, 0, box)

	c := m.ImplementGuardValue(box, 0)
	if !c.IsConst() || c.Int() != 7 {
		t.Fatalf("promoted = %v, want ConstInt(7)", c)
	}
	if got := m.top().Register(KindInt, 0); got != c {
		t.Errorf("register holds %v after promotion, want %v", got, c)
	}
	last := m.History().Last()
	if last == nil || last.Opnum != OpGuardValue || last.Args[0] != Operand(box) {
		t.Errorf("last op = %v, want guard_value on the box", last)
	}
	if again := m.ImplementGuardValue(c, 0); again != c || m.History().Len() != 1 {
		t.Error("promoting a constant recorded a second guard")
	}
}

func TestNotTracingRecordsNothing(t *testing.T) {
	sd, _ := newTestStaticData(t, DefaultOptions())
	m := NewMetaInterp(sd)
	m.begin(modeBlackhole)
	defer m.end()
	m.resumeKey = &ResumeFromInterp{}
	m.inRecursion = -1
	m.newframe(sd.Portal, nil)

	if op := m.GenerateGuard(OpGuardTrue, NewBoxInt(1), nil, -1); op != nil {
		t.Errorf("blackhole recorded guard %v", op)
	}
	v, err := m.ExecuteAndRecord(OpIntMul, nil, NewBoxInt(6), NewBoxInt(7))
	if err != nil || v.Int() != 42 {
		t.Fatalf("6*7 = %v, %v", v, err)
	}
	if st := sd.Profiler.Stats(); st.BlackholedOps != 1 || st.RecordedOps != 0 {
		t.Errorf("profiler = %+v", st)
	}
}

func TestCompileAndRunOnceClosesLoop(t *testing.T) {
	sd, be := newTestStaticData(t, DefaultOptions())
	r := NewMetaInterp(sd).CompileAndRunOnce([]Value{IntValue(10)})
	if r.Kind != StepLoopCompiled {
		t.Fatalf("step = %s (%v), want loop compiled", r.Kind, r.Err)
	}
	if len(be.loops) != 1 || be.loops[0] != r.Token {
		t.Fatalf("backend got %v, want %v", be.loops, r.Token)
	}
	if len(r.Args) != 1 || r.Args[0].Int() != 9 {
		t.Errorf("loop args = %v, want [9]", r.Args)
	}

	token := r.Token
	if len(token.InputArgs) != 1 {
		t.Fatalf("input args = %v", token.InputArgs)
	}
	ops := token.Operations
	last := ops[len(ops)-1]
	if last.Opnum != OpJump || last.Descr != token {
		t.Errorf("trace ends with %v, want a jump to itself", last)
	}
	seen := map[Opnum]bool{}
	for _, op := range ops {
		seen[op.Opnum] = true
		if op.Opnum.IsGuard() && len(op.FailArgs) == 0 {
			t.Errorf("%v has no fail args", op)
		}
	}
	for _, want := range []Opnum{OpIntGt, OpGuardTrue, OpIntSub} {
		if !seen[want] {
			t.Errorf("trace has no %s:\n%s", want, NewLogger().FormatTrace(token.InputArgs, ops))
		}
	}
	if tok := sd.State.EntryToken(nil); tok != token {
		t.Errorf("entry token = %v, want %v", tok, token)
	}
	if st := sd.State.Stats(); st.Loops != 1 {
		t.Errorf("warm state = %+v", st)
	}
}

func TestTraceTooLongAborts(t *testing.T) {
	opts := DefaultOptions()
	opts.TraceLimit = 1
	sd, be := newTestStaticData(t, opts)
	r := NewMetaInterp(sd).CompileAndRunOnce([]Value{IntValue(10)})
	if r.Kind != StepContinueRunningNormally {
		t.Fatalf("step = %s (%v), want continue running normally", r.Kind, r.Err)
	}
	if len(be.loops) != 0 {
		t.Errorf("compiled %d loops after an abort", len(be.loops))
	}
	if n := sd.Profiler.Stats().Aborts[AbortTooLong]; n != 1 {
		t.Errorf("too-long aborts = %d, want 1", n)
	}
	if st := sd.State.Stats(); st.Aborts != 1 {
		t.Errorf("warm state = %+v", st)
	}
}

func TestRunInterpreterStopsWhenHot(t *testing.T) {
	opts := DefaultOptions()
	opts.Threshold = 3
	sd, _ := newTestStaticData(t, opts)
	r := NewMetaInterp(sd).RunInterpreter([]Value{IntValue(100)})
	if r.Kind != StepContinueRunningNormally {
		t.Fatalf("step = %s, want continue running normally", r.Kind)
	}
	if len(r.Args) != 1 || r.Args[0].Int() != 97 {
		t.Errorf("args = %v, want [97]", r.Args)
	}
	if !sd.State.IsHot(nil) {
		t.Error("greenkey not hot")
	}

	r = NewMetaInterp(sd).RunInterpreter([]Value{IntValue(0)})
	if r.Kind != StepFinished || r.Value.Int() != 0 {
		t.Errorf("step = %s %v, want finished 0", r.Kind, r.Value)
	}
}
