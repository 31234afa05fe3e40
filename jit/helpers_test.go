package jit

import (
	"errors"
	"testing"

	"github.com/chazu/metatrace/gc"
)

// recordingBackend accepts every trace and runs none of them.
type recordingBackend struct {
	loops   []*LoopToken
	bridges []*ResumeGuardDescr
}

func (b *recordingBackend) CompileLoop(token *LoopToken, _ []*Box, _ []*Operation) error {
	b.loops = append(b.loops, token)
	return nil
}

func (b *recordingBackend) CompileBridge(guard *ResumeGuardDescr, _ []*Box, _ []*Operation) error {
	b.bridges = append(b.bridges, guard)
	return nil
}

func (b *recordingBackend) Execute(*LoopToken, []Value) (*DeadFrame, error) {
	return nil, errors.New("recording backend cannot execute")
}

func (b *recordingBackend) Force(int64) (*ResumeGuardDescr, []Value, error) {
	return nil, nil, errors.New("recording backend has no activations")
}

func newTestCPU(t *testing.T) *CPU {
	t.Helper()
	heap, err := gc.New(gc.DefaultParams())
	if err != nil {
		t.Fatalf("gc.New: %v", err)
	}
	cpu, err := NewCPU(heap)
	if err != nil {
		t.Fatalf("NewCPU: %v", err)
	}
	return cpu
}

// countdownPortal builds:
//
//	top:  jit_merge_point(reds: i0)
//	      if not i0 > 0: goto exit
//	      i0 = i0 - 1
//	      can_enter_jit
//	      goto top
//	exit: int_return i0
func countdownPortal(asm *Assembler) *JitCode {
	b := NewBuilder(asm, "countdown")
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

func newTestStaticData(t *testing.T, opts Options) (*StaticData, *recordingBackend) {
	t.Helper()
	cpu := newTestCPU(t)
	be := &recordingBackend{}
	cpu.Backend = be
	asm := NewAssembler()
	sd, err := NewStaticData(cpu, asm, countdownPortal(asm), 0, KindInt, opts)
	if err != nil {
		t.Fatalf("NewStaticData: %v", err)
	}
	return sd, be
}

// tracingMetaInterp returns a MetaInterp recording into a fresh history
// with the portal frame pushed.
func tracingMetaInterp(t *testing.T) *MetaInterp {
	t.Helper()
	sd, _ := newTestStaticData(t, DefaultOptions())
	m := NewMetaInterp(sd)
	m.begin(modeTracing)
	t.Cleanup(m.end)
	m.resumeKey = &ResumeFromInterp{}
	m.inRecursion = -1
	m.newframe(sd.Portal, nil)
	return m
}
