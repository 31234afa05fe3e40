package jit

import (
	"errors"

	"github.com/chazu/metatrace/gc"
	"github.com/google/uuid"
)

// StaticData is the state shared by every MetaInterp of one program:
// the portal, the descriptor table, the warm state and the helpers for
// virtualizables and virtual references.
type StaticData struct {
	CPU     *CPU
	Options Options

	// Portal is the jitcode holding the jit_merge_point. Its first
	// NumGreens arguments are the greens.
	Portal     *JitCode
	NumGreens  int
	ResultKind Kind
	// PortalRunner is the function address residual portal calls go to.
	PortalRunner int64

	State    *WarmState
	Profiler *Profiler
	Logger   *Logger

	VableInfo *VirtualizableInfo
	VRefInfo  *VirtualRefInfo

	asm    *Assembler
	active []*MetaInterp

	loopNumber  int
	guardNumber int

	// runPortal runs the portal from a residual call; set by the Driver.
	runPortal func(args []Value) (Value, error)
}

// NewStaticData prepares the JIT for portal. It registers the portal
// runner function and the JIT_VIRTUAL_REF class, and makes the CPU run
// jitcode-only functions through a MetaInterp.
func NewStaticData(cpu *CPU, asm *Assembler, portal *JitCode, numGreens int, resultKind Kind, opts Options) (*StaticData, error) {
	if portal == nil {
		return nil, errors.New("jit: no portal jitcode")
	}
	if numGreens < 0 {
		return nil, traceErrorf("negative number of greens %d", numGreens)
	}
	sd := &StaticData{
		CPU:        cpu,
		Options:    opts,
		Portal:     portal,
		NumGreens:  numGreens,
		ResultKind: resultKind,
		State:      NewWarmState(opts),
		Profiler:   NewProfiler(),
		Logger:     NewLogger(),
		asm:        asm,
	}
	vrefinfo, err := NewVirtualRefInfo(cpu)
	if err != nil {
		return nil, err
	}
	sd.VRefInfo = vrefinfo
	cpu.vrefinfo = vrefinfo

	sd.PortalRunner = cpu.RegisterFunction(&Function{
		Name: "portal_runner",
		Impl: func(ctx *CallContext, args []Value) (Value, error) {
			if sd.runPortal == nil {
				return Value{}, errors.New("no driver for the portal")
			}
			v, err := sd.runPortal(args)
			var exc *ExceptionError
			if errors.As(err, &exc) {
				ctx.Raise(exc.Value.R)
				return zeroValue(resultKind), nil
			}
			return v, err
		},
	})
	cpu.runJitCode = func(fn *Function, args []Value) (Value, error) {
		return NewMetaInterp(sd).RunFunction(fn.JitCode, args)
	}
	cpu.Heap.AddRootWalker(sd)
	cpu.Heap.AddRootWalker(cpu)
	return sd, nil
}

// SetVirtualizable declares the portal's virtualizable argument.
func (sd *StaticData) SetVirtualizable(vinfo *VirtualizableInfo) {
	sd.VableInfo = vinfo
	sd.CPU.vinfo = vinfo
}

// Descrs returns the descriptor table of the program's jitcodes.
func (sd *StaticData) Descrs() []Descr { return sd.asm.Descrs() }

// WalkRoots visits the references held by every running MetaInterp.
func (sd *StaticData) WalkRoots(fn func(*gc.Addr)) {
	visit := refVisitor(fn)
	for _, m := range sd.active {
		m.walkRoots(visit)
	}
}

func (sd *StaticData) enter(m *MetaInterp) { sd.active = append(sd.active, m) }

func (sd *StaticData) leave(m *MetaInterp) {
	for i := len(sd.active) - 1; i >= 0; i-- {
		if sd.active[i] == m {
			sd.active = append(sd.active[:i], sd.active[i+1:]...)
			return
		}
	}
}

// tracing reports whether some MetaInterp is recording a trace.
func (sd *StaticData) tracing() bool {
	for _, m := range sd.active {
		if m.tracing() {
			return true
		}
	}
	return false
}

func (sd *StaticData) nextGuardNumber() int {
	sd.guardNumber++
	return sd.guardNumber
}

func (sd *StaticData) newLoopToken(greenkey []*Const, inputargs []*Box, ops []*Operation) *LoopToken {
	sd.loopNumber++
	return &LoopToken{
		ID:         uuid.New(),
		Number:     sd.loopNumber,
		Greenkey:   greenkey,
		InputArgs:  inputargs,
		Operations: ops,
	}
}

func (sd *StaticData) backend() (Backend, error) {
	if sd.CPU.Backend == nil {
		return nil, errors.New("jit: no backend")
	}
	return sd.CPU.Backend, nil
}

func (sd *StaticData) sendLoopToBackend(token *LoopToken, kind string) error {
	be, err := sd.backend()
	if err != nil {
		return err
	}
	if err := be.CompileLoop(token, token.InputArgs, token.Operations); err != nil {
		return err
	}
	sd.Profiler.countLoop()
	if sd.Options.DebugLevel >= DebugDetailed {
		log.Debugf("compiled %s %s for %s:\n%s", kind, token, greenkeyString(token.Greenkey),
			sd.Logger.FormatTrace(token.InputArgs, token.Operations))
	} else if sd.Options.DebugLevel >= DebugSteps {
		log.Debugf("compiled %s %s for %s", kind, token, greenkeyString(token.Greenkey))
	}
	sd.State.notifyLoop(&CompiledTrace{
		ID:         token.ID,
		Kind:       kind,
		Greenkey:   greenkeyString(token.Greenkey),
		Token:      token,
		InputArgs:  token.InputArgs,
		Operations: token.Operations,
	})
	return nil
}

func (sd *StaticData) sendBridgeToBackend(guard *ResumeGuardDescr, inputargs []*Box, ops []*Operation) error {
	be, err := sd.backend()
	if err != nil {
		return err
	}
	if err := be.CompileBridge(guard, inputargs, ops); err != nil {
		return err
	}
	sd.Profiler.countBridge()
	if sd.Options.DebugLevel >= DebugDetailed {
		log.Debugf("compiled bridge from %s:\n%s", guard, sd.Logger.FormatTrace(inputargs, ops))
	} else if sd.Options.DebugLevel >= DebugSteps {
		log.Debugf("compiled bridge from %s", guard)
	}
	sd.State.notifyBridge(&CompiledTrace{
		ID:         uuid.New(),
		Kind:       "bridge",
		Greenkey:   greenkeyString(guard.OriginalGreenkey),
		Guard:      guard.Number,
		InputArgs:  inputargs,
		Operations: ops,
	})
	return nil
}
