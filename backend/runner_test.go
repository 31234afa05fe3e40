package backend

import (
	"strings"
	"testing"

	"github.com/chazu/metatrace/gc"
	"github.com/chazu/metatrace/jit"
)

func newTestRunner(t *testing.T) (*jit.CPU, *Runner) {
	t.Helper()
	heap, err := gc.New(gc.DefaultParams())
	if err != nil {
		t.Fatalf("gc.New: %v", err)
	}
	cpu, err := jit.NewCPU(heap)
	if err != nil {
		t.Fatalf("NewCPU: %v", err)
	}
	return cpu, New(cpu)
}

func op(opnum jit.Opnum, result *jit.Box, args ...jit.Operand) *jit.Operation {
	return &jit.Operation{Opnum: opnum, Args: args, Result: result}
}

func guard(opnum jit.Opnum, number int, cond jit.Operand, failArgs ...*jit.Box) *jit.Operation {
	d := &jit.ResumeGuardDescr{Number: number, GuardOpnum: opnum, FailArgs: failArgs}
	return &jit.Operation{Opnum: opnum, Args: []jit.Operand{cond}, Descr: d, FailArgs: failArgs}
}

// countdown compiles: i1 = i0 - 1; guard_true(i1 > 0) [i1]; jump(i1)
func countdown(t *testing.T, r *Runner) (*jit.LoopToken, *jit.ResumeGuardDescr) {
	t.Helper()
	i0, i1, i2 := jit.NewBoxInt(0), jit.NewBoxInt(0), jit.NewBoxInt(0)
	token := &jit.LoopToken{Number: 1, InputArgs: []*jit.Box{i0}}
	g := guard(jit.OpGuardTrue, 1, i2, i1)
	jump := op(jit.OpJump, nil, i1)
	jump.Descr = token
	ops := []*jit.Operation{
		op(jit.OpIntSub, i1, i0, jit.ConstInt(1)),
		op(jit.OpIntGt, i2, i1, jit.ConstInt(0)),
		g,
		jump,
	}
	token.Operations = ops
	if err := r.CompileLoop(token, token.InputArgs, ops); err != nil {
		t.Fatalf("CompileLoop: %v", err)
	}
	return token, g.Descr.(*jit.ResumeGuardDescr)
}

func TestExecuteRunsUntilGuardFails(t *testing.T) {
	_, r := newTestRunner(t)
	token, g := countdown(t, r)

	df, err := r.Execute(token, []jit.Value{jit.IntValue(10)})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if df.Descr != g {
		t.Fatalf("left through %v, want %v", df.Descr, g)
	}
	if len(df.Values) != 1 || df.Values[0].Int() != 0 {
		t.Errorf("fail values = %v, want [0]", df.Values)
	}
	st := r.Stats()
	if st.Loops != 1 || st.Executions != 1 || st.GuardFailures != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestGuardFailureContinuesIntoBridge(t *testing.T) {
	_, r := newTestRunner(t)
	token, g := countdown(t, r)

	b0, b1 := jit.NewBoxInt(0), jit.NewBoxInt(0)
	exit := guard(jit.OpGuardFalse, 2, b1, b1)
	bridge := []*jit.Operation{
		op(jit.OpIntAdd, b1, b0, jit.ConstInt(100)),
		exit,
		op(jit.OpJump, nil, b1),
	}
	bridge[2].Descr = token
	if err := r.CompileBridge(g, []*jit.Box{b0}, bridge); err != nil {
		t.Fatalf("CompileBridge: %v", err)
	}

	df, err := r.Execute(token, []jit.Value{jit.IntValue(3)})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if df.Descr != exit.Descr {
		t.Fatalf("left through %v, want the bridge guard", df.Descr)
	}
	if df.Values[0].Int() != 100 {
		t.Errorf("bridge value = %d, want 100", df.Values[0].Int())
	}
	if st := r.Stats(); st.Bridges != 1 || st.GuardFailures != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestCompileBridgeArity(t *testing.T) {
	_, r := newTestRunner(t)
	token, g := countdown(t, r)
	jump := op(jit.OpJump, nil, jit.ConstInt(5))
	jump.Descr = token
	err := r.CompileBridge(g, []*jit.Box{jit.NewBoxInt(0), jit.NewBoxInt(0)}, []*jit.Operation{jump})
	if err == nil {
		t.Fatal("expected an error for a bridge with the wrong number of inputs")
	}
}

func TestCompileRejectsBadTraces(t *testing.T) {
	_, r := newTestRunner(t)
	i0, i1 := jit.NewBoxInt(0), jit.NewBoxInt(0)
	tests := []struct {
		name string
		ops  []*jit.Operation
		want string
	}{
		{"empty", nil, "does not end"},
		{"no final", []*jit.Operation{op(jit.OpIntAdd, i1, i0, i0)}, "does not end"},
		{"undefined box", []*jit.Operation{
			op(jit.OpIntAdd, i1, i0, jit.NewBoxInt(7)),
			op(jit.OpJump, nil, i1),
		}, "undefined box"},
		{"guard without resume data", []*jit.Operation{
			{Opnum: jit.OpGuardTrue, Args: []jit.Operand{i0}},
			op(jit.OpJump, nil, i0),
		}, "without resume data"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := &jit.LoopToken{Number: 9}
			err := r.CompileLoop(token, []*jit.Box{i0}, tt.ops)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("CompileLoop error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestExecuteUnknownToken(t *testing.T) {
	_, r := newTestRunner(t)
	if _, err := r.Execute(&jit.LoopToken{Number: 42}, nil); err == nil {
		t.Fatal("expected an error for a token that was never compiled")
	}
}

func TestForceWithoutActivation(t *testing.T) {
	_, r := newTestRunner(t)
	if _, _, err := r.Force(1); err == nil {
		t.Fatal("expected an error forcing an unknown token")
	}
}

// portal builds:
//
//	top:  jit_merge_point(reds: i0)
//	      if not i0 > 0: goto exit
//	      i0 = i0 - 1
//	      can_enter_jit
//	      goto top
//	exit: int_return i0
func portal(asm *jit.Assembler) *jit.JitCode {
	b := jit.NewBuilder(asm, "countdown")
	top, exit := b.NewLabel(), b.NewLabel()
	zero := b.ConstInt(0)
	b.Mark(top)
	b.Emit("jit_merge_point/IRFIRF", []int{}, []int{}, []int{}, []int{0}, []int{}, []int{})
	b.Emit("goto_if_not_int_gt/iiL", 0, zero, exit)
	b.Emit("int_sub/ic>i", 0, 1, 0)
	b.Emit("can_enter_jit/")
	b.Emit("goto/L", top)
	b.Mark(exit)
	b.Emit("int_return/i", 0)
	return b.Finish()
}

func newDriver(t *testing.T, opts jit.Options) (*jit.Driver, *Runner) {
	t.Helper()
	cpu, r := newTestRunner(t)
	asm := jit.NewAssembler()
	sd, err := jit.NewStaticData(cpu, asm, portal(asm), 0, jit.KindInt, opts)
	if err != nil {
		t.Fatalf("NewStaticData: %v", err)
	}
	return jit.NewDriver(sd), r
}

func TestDriverCompilesHotLoop(t *testing.T) {
	opts := jit.DefaultOptions()
	opts.Threshold = 3
	d, r := newDriver(t, opts)

	v, err := d.Run([]jit.Value{jit.IntValue(100)})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if v.Int() != 0 {
		t.Errorf("result = %d, want 0", v.Int())
	}
	st := r.Stats()
	if st.Loops != 1 {
		t.Errorf("compiled %d loops, want 1", st.Loops)
	}
	if st.Executions == 0 || st.GuardFailures != 1 {
		t.Errorf("stats = %+v", st)
	}
	if ws := d.StaticData().State.Stats(); ws.Loops != 1 {
		t.Errorf("warm state stats = %+v", ws)
	}
}

func TestDriverTracesBridgeAfterEagerness(t *testing.T) {
	opts := jit.DefaultOptions()
	opts.Threshold = 3
	opts.TraceEagerness = 1
	d, r := newDriver(t, opts)

	for _, n := range []int64{100, 50} {
		v, err := d.Run([]jit.Value{jit.IntValue(n)})
		if err != nil {
			t.Fatalf("Run(%d): %v", n, err)
		}
		if v.Int() != 0 {
			t.Errorf("Run(%d) = %d, want 0", n, v.Int())
		}
	}
	st := r.Stats()
	if st.Bridges != 1 {
		t.Errorf("compiled %d bridges, want 1", st.Bridges)
	}
	// the second run leaves through the bridge's FINISH
	if st.GuardFailures != 1 {
		t.Errorf("guard failures = %d, want 1", st.GuardFailures)
	}
}
