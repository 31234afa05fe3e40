package jit

import (
	"fmt"

	"github.com/chazu/metatrace/gc"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("metatrace.jit")

type interpMode int

const (
	// modeInterp runs the portal without recording, counting merge points.
	modeInterp interpMode = iota
	// modeTracing records every operation into the history.
	modeTracing
	// modeBlackhole executes without recording after an abort or a guard
	// failure, until the next merge point.
	modeBlackhole
)

// StepKind says what a step of the meta-interpreter ended with.
type StepKind int

const (
	StepContinue StepKind = iota
	StepFrameChanged
	StepLoopCompiled
	StepGiveUp
	StepFinished
	StepExitWithException
	StepContinueRunningNormally
	StepError
)

var stepKindNames = [...]string{
	"continue", "frame changed", "loop compiled", "give up", "finished",
	"exit with exception", "continue running normally", "error",
}

func (k StepKind) String() string {
	if int(k) < len(stepKindNames) {
		return stepKindNames[k]
	}
	return fmt.Sprintf("step(%d)", int(k))
}

// StepResult is the outcome of one instruction. Token and Args are set
// for StepLoopCompiled, Args alone for StepContinueRunningNormally,
// Value for StepFinished and StepExitWithException, Reason for
// StepGiveUp and Err for StepError.
type StepResult struct {
	Kind   StepKind
	Token  *LoopToken
	Args   []Operand
	Value  Value
	Reason AbortReason
	Err    error
}

var stepContinue = StepResult{Kind: StepContinue}

func stepFrameChanged() StepResult { return StepResult{Kind: StepFrameChanged} }

func stepError(err error) StepResult { return StepResult{Kind: StepError, Err: err} }

// terminal reports whether the step ends the current run.
func (r StepResult) terminal() bool {
	return r.Kind != StepContinue && r.Kind != StepFrameChanged && r.Kind != StepGiveUp
}

type mergePoint struct {
	boxes []Operand
	// start is the history position of the merge point, or -1 for the
	// greenkey a bridge started from.
	start int
}

type tracePosition struct {
	greenkey []*Const
	pos      int
}

type pureKey struct {
	op      Opnum
	descr   Descr
	a, b, c any
}

// MetaInterp interprets jitcode while recording a trace. One MetaInterp
// runs one attempt: a trace from the interpreter, a bridge from a failed
// guard, or a blackhole resumption.
type MetaInterp struct {
	sd  *StaticData
	cpu *CPU

	mode    interpMode
	history *History

	framestack  []*MIFrame
	free        []*MIFrame
	inRecursion int

	portalTracePositions   []tracePosition
	greenkeyOfHugeFunction []*Const

	currentMergePoints []mergePoint
	resumeKey          resumeKey
	seenCanEnterJit    bool

	virtualizableBoxes []Operand
	virtualrefBoxes    []Operand

	lastExcBox            Operand
	classOfLastExcIsConst bool
	knownClassBoxes       map[*Box]bool

	pureMemo map[pureKey]Operand
	// scratch holds the results of the current step so that they stay
	// GC roots when nothing else refers to them yet.
	scratch []Operand

	pendingGiveUp AbortReason

	curPC int
}

// NewMetaInterp creates an idle meta-interpreter.
func NewMetaInterp(sd *StaticData) *MetaInterp {
	return &MetaInterp{sd: sd, cpu: sd.CPU}
}

func (m *MetaInterp) tracing() bool { return m.mode == modeTracing }

// IsTracing reports whether operations are being recorded.
func (m *MetaInterp) IsTracing() bool { return m.tracing() }

// History returns the trace being recorded, or nil.
func (m *MetaInterp) History() *History { return m.history }

// Frames returns the frame stack, bottom first.
func (m *MetaInterp) Frames() []*MIFrame { return m.framestack }

func (m *MetaInterp) top() *MIFrame {
	if len(m.framestack) == 0 {
		return nil
	}
	return m.framestack[len(m.framestack)-1]
}

func (m *MetaInterp) resetTraceState() {
	m.knownClassBoxes = make(map[*Box]bool)
	m.pureMemo = make(map[pureKey]Operand)
	m.portalTracePositions = nil
	m.greenkeyOfHugeFunction = nil
	m.lastExcBox = nil
	m.classOfLastExcIsConst = false
	m.pendingGiveUp = 0
	m.seenCanEnterJit = false
}

// ---------------------------------------------------------------------------
// Stepping
// ---------------------------------------------------------------------------

// RunOneStep decodes and executes the instruction at the top frame's pc.
func (m *MetaInterp) RunOneStep() StepResult {
	f := m.top()
	if f == nil {
		return stepError(traceErrorf("no frame to run"))
	}
	pc := f.pc
	if pc >= len(f.jitcode.Code) {
		return stepError(decodeError(f.jitcode, pc, "ran off the end of the code"))
	}
	info := Opcode(f.jitcode.Code[pc]).Info()
	if info.handler == hNone && info.Name != "nop" {
		return stepError(decodeError(f.jitcode, pc, "unknown opcode %d", f.jitcode.Code[pc]))
	}
	args, next, err := f.decode(info, pc)
	if err != nil {
		return m.stepFailed(err)
	}
	f.pc = next
	f.resultArgcode = info.resultKind()
	m.curPC = pc
	m.scratch = m.scratch[:0]

	res, r := m.dispatch(f, info, args, pc)
	if r.Kind == StepError {
		return m.stepFailed(r.Err)
	}
	if r.Kind == StepContinue && args.resultReg >= 0 && res != nil {
		if res.Kind() != args.result {
			return m.stepFailed(decodeError(f.jitcode, pc, "%s produced %s, want %s", info.Key(), res.Kind(), args.result))
		}
		f.bank(args.result)[args.resultReg] = res
	}
	if r.terminal() {
		return r
	}
	if m.tracing() {
		m.SwitchToBlackholeIfTraceTooLong()
	}
	if m.pendingGiveUp != 0 {
		reason := m.pendingGiveUp
		m.pendingGiveUp = 0
		return StepResult{Kind: StepGiveUp, Reason: reason}
	}
	return r
}

// stepFailed aborts a tracing attempt before returning the error.
func (m *MetaInterp) stepFailed(err error) StepResult {
	if m.tracing() {
		m.abortTracing(AbortError)
	}
	return stepError(err)
}

// interpret runs steps until one of them ends the run.
func (m *MetaInterp) interpret() StepResult {
	for {
		r := m.RunOneStep()
		if r.Kind == StepGiveUp {
			log.Debugf("gave up tracing (%s), continuing in blackhole", r.Reason)
			continue
		}
		if r.terminal() {
			return r
		}
	}
}

// ---------------------------------------------------------------------------
// Executing and recording
// ---------------------------------------------------------------------------

func allConst(args []Operand) bool {
	for _, a := range args {
		if !a.IsConst() {
			return false
		}
	}
	return true
}

func memoArg(args []Operand, i int) any {
	if i >= len(args) {
		return nil
	}
	if c, ok := args[i].(*Const); ok {
		return c.Value
	}
	return args[i]
}

// ExecuteAndRecord executes an operation on the current values of args
// and records it while tracing. Pure operations on constants fold to a
// constant and are not recorded. Within one trace, a pure operation on
// the same operands returns the earlier result.
func (m *MetaInterp) ExecuteAndRecord(opnum Opnum, descr Descr, args ...Operand) (Operand, error) {
	m.sd.Profiler.countOp(m.mode)
	pure := opnum.IsAlwaysPure() && opnum != OpSameAs
	folded := pure && allConst(args)
	var key pureKey
	memo := pure && !folded && m.tracing() && len(args) <= 3
	if memo {
		key = pureKey{op: opnum, descr: descr, a: memoArg(args, 0), b: memoArg(args, 1), c: memoArg(args, 2)}
		if res, ok := m.pureMemo[key]; ok {
			return res, nil
		}
	}
	val, err := m.cpu.execute(opnum, descr, valuesOf(args))
	if err != nil {
		return nil, err
	}
	if folded {
		return ConstOf(val), nil
	}
	res := m.recordResult(opnum, descr, args, val)
	if memo && res != nil {
		m.pureMemo[key] = res
	}
	return res, nil
}

// ExecuteAndRecordVarargs executes a call. The exception it raised, if
// any, becomes the pending exception box.
func (m *MetaInterp) ExecuteAndRecordVarargs(opnum Opnum, descr Descr, args []Operand) (Operand, error) {
	m.sd.Profiler.countOp(m.mode)
	val, err := m.cpu.execute(opnum, descr, valuesOf(args))
	if err != nil {
		return nil, err
	}
	if exc := m.cpu.GrabExcValue(); exc != gc.Null {
		m.executeRaised(NewBoxRef(exc), false)
	} else {
		m.executeDidNotRaise()
	}
	return m.recordResult(opnum, descr, args, val), nil
}

func (m *MetaInterp) recordResult(opnum Opnum, descr Descr, args []Operand, val Value) Operand {
	var box *Box
	if val.kind != KindVoid {
		box = NewBox(val)
		m.scratch = append(m.scratch, box)
	}
	if m.tracing() {
		m.record(opnum, append([]Operand(nil), args...), box, descr)
	}
	if box == nil {
		return nil
	}
	return box
}

// record appends to the history with the current provenance.
func (m *MetaInterp) record(opnum Opnum, args []Operand, result *Box, descr Descr) *Operation {
	op := m.history.Record(opnum, args, result, descr)
	op.PC = m.curPC
	if f := m.top(); f != nil {
		op.FrameName = f.jitcode.Name
	}
	m.sd.Profiler.countRecorded()
	return op
}

func (m *MetaInterp) executeRaised(exc Operand, constant bool) {
	if constant {
		exc = exc.Const()
	}
	m.lastExcBox = exc
	m.classOfLastExcIsConst = constant
}

func (m *MetaInterp) executeDidNotRaise() {
	m.lastExcBox = nil
}

// ---------------------------------------------------------------------------
// Guards
// ---------------------------------------------------------------------------

// GenerateGuard records a guard on box with resume data for the current
// frame stack. Nothing is recorded when box is a constant or when not
// tracing. The top frame resumes at resumepc, or at its current pc when
// resumepc is negative.
func (m *MetaInterp) GenerateGuard(opnum Opnum, box Operand, extra []Operand, resumepc int) *Operation {
	if box != nil && box.IsConst() {
		return nil
	}
	if !m.tracing() {
		return nil
	}
	var args []Operand
	if box != nil {
		args = append(args, box)
	}
	args = append(args, extra...)
	d := &ResumeGuardDescr{
		Number:           m.sd.nextGuardNumber(),
		GuardOpnum:       opnum,
		OriginalGreenkey: m.resumeKey.originalGreenkey(),
		Forced:           opnum == OpGuardNotForced,
	}
	op := m.record(opnum, args, nil, d)
	m.captureResumeData(d, resumepc)
	op.FailArgs = d.FailArgs
	m.sd.Profiler.countGuard()
	return op
}

// ImplementGuardValue promotes box to a constant, guarding on its
// current value, and replaces it everywhere with that constant.
func (m *MetaInterp) ImplementGuardValue(box Operand, orgpc int) Operand {
	if box.IsConst() {
		return box
	}
	promoted := box.Const()
	m.GenerateGuard(OpGuardValue, box, []Operand{promoted}, orgpc)
	m.ReplaceBox(box.(*Box), promoted)
	return promoted
}

// ReplaceBox substitutes newbox for oldbox in every frame and in the
// virtualizable and virtual reference boxes.
func (m *MetaInterp) ReplaceBox(oldbox *Box, newbox Operand) {
	for _, f := range m.framestack {
		f.ReplaceActiveBox(oldbox, newbox)
	}
	for i, b := range m.virtualrefBoxes {
		if b == Operand(oldbox) {
			m.virtualrefBoxes[i] = newbox
		}
	}
	for i, b := range m.virtualizableBoxes {
		if b == Operand(oldbox) {
			m.virtualizableBoxes[i] = newbox
		}
	}
}

// establishNullity guards on box being null or not and returns which.
func (m *MetaInterp) establishNullity(box Operand, orgpc int) bool {
	if box.Nonnull() {
		if b, ok := box.(*Box); !ok || !m.knownClassBoxes[b] {
			m.GenerateGuard(OpGuardNonnull, box, nil, orgpc)
		}
		return true
	}
	if b, ok := box.(*Box); ok {
		m.GenerateGuard(OpGuardIsnull, box, nil, orgpc)
		m.ReplaceBox(b, box.Const())
	}
	return false
}

// ---------------------------------------------------------------------------
// Exceptions
// ---------------------------------------------------------------------------

// HandlePossibleException guards on the exception state after a call.
// With an exception pending it unwinds to the nearest handler.
func (m *MetaInterp) HandlePossibleException() StepResult {
	if m.lastExcBox != nil {
		cls := ConstInt(m.cpu.ClassOf(m.lastExcBox.Ref()))
		if op := m.GenerateGuard(OpGuardException, nil, []Operand{cls}, -1); op != nil {
			if b, ok := m.lastExcBox.(*Box); ok {
				op.Result = b
			}
		}
		m.classOfLastExcIsConst = true
		return m.FinishFrameException()
	}
	m.GenerateGuard(OpGuardNoException, nil, nil, -1)
	return stepContinue
}

// HandlePossibleOverflowError guards on the overflow flag after an
// overflow-checked operation.
func (m *MetaInterp) HandlePossibleOverflowError() StepResult {
	if m.lastExcBox != nil {
		m.GenerateGuard(OpGuardOverflow, nil, nil, -1)
		return m.FinishFrameException()
	}
	m.GenerateGuard(OpGuardNoOverflow, nil, nil, -1)
	return stepContinue
}

func (m *MetaInterp) assertNoException() StepResult {
	if m.lastExcBox != nil {
		return stepError(traceErrorf("call declared as not raising raised an exception"))
	}
	return stepContinue
}

// FinishFrameException unwinds frames until one sits on a
// catch_exception. When none does, the portal exits with the exception.
func (m *MetaInterp) FinishFrameException() StepResult {
	exc := m.lastExcBox
	for len(m.framestack) > 0 {
		f := m.top()
		code := f.jitcode.Code
		if f.pc+2 < len(code) && Opcode(code[f.pc]) == opCatchException {
			f.pc = f.readUint16(f.pc + 1)
			return stepFrameChanged()
		}
		m.popframe()
	}
	if m.tracing() {
		if err := m.CompileExitFrameWithException(exc); err != nil {
			log.Warningf("compiling exit with exception: %s", err)
			m.SwitchToBlackhole(AbortBridge)
		}
	}
	return StepResult{Kind: StepExitWithException, Value: RefValue(exc.Ref())}
}

// ---------------------------------------------------------------------------
// Frames
// ---------------------------------------------------------------------------

func (m *MetaInterp) newframe(jitcode *JitCode, greenkey []*Const) *MIFrame {
	if jitcode == m.sd.Portal {
		m.inRecursion++
	}
	if greenkey != nil && m.tracing() {
		m.portalTracePositions = append(m.portalTracePositions, tracePosition{greenkey, m.history.Len()})
	}
	var f *MIFrame
	if n := len(m.free); n > 0 {
		f = m.free[n-1]
		m.free = m.free[:n-1]
	} else {
		f = &MIFrame{m: m}
	}
	f.Setup(jitcode, greenkey)
	m.framestack = append(m.framestack, f)
	return f
}

func (m *MetaInterp) popframe() {
	n := len(m.framestack)
	f := m.framestack[n-1]
	m.framestack[n-1] = nil
	m.framestack = m.framestack[:n-1]
	if f.jitcode == m.sd.Portal {
		m.inRecursion--
	}
	if f.greenkey != nil && m.tracing() {
		m.portalTracePositions = append(m.portalTracePositions, tracePosition{nil, m.history.Len()})
	}
	f.CleanupRegisters()
	m.free = append(m.free, f)
	if top := m.top(); top != nil {
		top.snapshot = nil
	}
}

// PerformCall pushes a frame for jitcode with args in its registers.
func (m *MetaInterp) PerformCall(jitcode *JitCode, args []Operand, greenkey []*Const) StepResult {
	f := m.newframe(jitcode, greenkey)
	f.SetupCall(args)
	return stepFrameChanged()
}

// FinishFrame returns result from the top frame. Returning from the
// bottom frame finishes the run, compiling the trace when tracing.
func (m *MetaInterp) FinishFrame(result Operand) StepResult {
	m.popframe()
	if top := m.top(); top != nil {
		top.MakeResultOfLastOp(result)
		return stepFrameChanged()
	}
	if m.tracing() {
		if err := m.CompileDoneWithThisFrame(result); err != nil {
			log.Warningf("compiling done with this frame: %s", err)
			m.SwitchToBlackhole(AbortBridge)
		}
	}
	var v Value
	if result != nil {
		v = result.Val()
	}
	return StepResult{Kind: StepFinished, Value: v}
}

// FindBiggestFunction returns the greenkey of the inlined portal call
// that recorded the most operations, or nil.
func (m *MetaInterp) FindBiggestFunction() []*Const {
	var stack []tracePosition
	maxSize := 0
	var maxKey []*Const
	for _, p := range m.portalTracePositions {
		if p.greenkey != nil {
			stack = append(stack, p)
			continue
		}
		if len(stack) == 0 {
			continue
		}
		start := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if size := p.pos - start.pos; size > maxSize {
			maxSize = size
			maxKey = start.greenkey
		}
	}
	if len(stack) > 0 && m.history != nil {
		if size := m.history.Len() - stack[0].pos; size > maxSize {
			maxKey = stack[0].greenkey
		}
	}
	return maxKey
}

// ---------------------------------------------------------------------------
// Aborting
// ---------------------------------------------------------------------------

// SwitchToBlackhole stops recording. The current step reports
// StepGiveUp and execution continues without a history.
func (m *MetaInterp) SwitchToBlackhole(reason AbortReason) {
	if !m.tracing() {
		return
	}
	m.abortTracing(reason)
	m.pendingGiveUp = reason
}

func (m *MetaInterp) abortTracing(reason AbortReason) {
	log.Debug("~~~ ABORTING TRACING")
	length := m.history.Len()
	m.history = nil
	m.mode = modeBlackhole
	m.sd.Profiler.endTracing()
	m.sd.Profiler.startBlackhole()
	m.sd.Profiler.countAbort(reason)
	var greenkey []*Const
	if m.resumeKey != nil {
		greenkey = m.resumeKey.originalGreenkey()
	}
	log.Warningf("trace for %s aborted after %d operations: %s", greenkeyString(greenkey), length, reason)
	m.sd.State.traceAborted(greenkey, reason, length)
	if reason == AbortTooLong && m.greenkeyOfHugeFunction != nil {
		m.sd.State.DisableInlining(m.greenkeyOfHugeFunction)
	}
}

// SwitchToBlackholeIfTraceTooLong aborts a trace longer than the limit.
func (m *MetaInterp) SwitchToBlackholeIfTraceTooLong() {
	if !m.tracing() || m.history.Len() <= m.sd.Options.TraceLimit {
		return
	}
	m.greenkeyOfHugeFunction = m.FindBiggestFunction()
	m.portalTracePositions = nil
	m.SwitchToBlackhole(AbortTooLong)
}

// ---------------------------------------------------------------------------
// Entry points
// ---------------------------------------------------------------------------

func (m *MetaInterp) begin(mode interpMode) {
	m.mode = mode
	m.history = nil
	if mode == modeTracing {
		m.history = NewHistory()
		m.sd.Profiler.startTracing()
	} else if mode == modeBlackhole {
		m.sd.Profiler.startBlackhole()
	}
	m.resetTraceState()
	m.framestack = m.framestack[:0]
	m.virtualizableBoxes = nil
	m.virtualrefBoxes = nil
	m.sd.enter(m)
}

func (m *MetaInterp) end() {
	switch m.mode {
	case modeTracing:
		m.sd.Profiler.endTracing()
	case modeBlackhole:
		m.sd.Profiler.endBlackhole()
	}
	m.sd.leave(m)
	for len(m.framestack) > 0 {
		m.popframe()
	}
	m.history = nil
	m.scratch = m.scratch[:0]
	m.lastExcBox = nil
}

// initializeStateFromStart builds the portal frame for args, greens
// first. The virtualizable's fields are appended to the returned boxes.
func (m *MetaInterp) initializeStateFromStart(args []Value) ([]Operand, error) {
	if len(args) < m.sd.NumGreens {
		return nil, traceErrorf("portal needs %d green arguments, got %d", m.sd.NumGreens, len(args))
	}
	m.inRecursion = -1
	original := boxesFrom(args, m.sd.NumGreens)
	f := m.newframe(m.sd.Portal, nil)
	f.SetupCall(original)
	if vinfo := m.sd.VableInfo; vinfo != nil {
		if vinfo.Index >= len(original) {
			return nil, traceErrorf("virtualizable argument %d out of range", vinfo.Index)
		}
		vbox := original[vinfo.Index]
		if err := vinfo.ClearVableToken(m.cpu, vbox.Ref()); err != nil {
			return nil, err
		}
		m.virtualizableBoxes = vinfo.ReadBoxes(m.cpu, vbox.Ref())
		original = append(original, m.virtualizableBoxes...)
		m.virtualizableBoxes = append(m.virtualizableBoxes, vbox)
	}
	return original, nil
}

// CompileAndRunOnce traces the portal from args. It returns
// StepLoopCompiled when a loop closed, or the outcome of running to the
// end.
func (m *MetaInterp) CompileAndRunOnce(args []Value) StepResult {
	m.begin(modeTracing)
	defer m.end()
	original, err := m.initializeStateFromStart(args)
	if err != nil {
		return m.stepFailed(err)
	}
	ng := m.sd.NumGreens
	m.currentMergePoints = []mergePoint{{boxes: original, start: 0}}
	redkey := make([]*Box, 0, len(original)-ng)
	for _, op := range original[ng:] {
		redkey = append(redkey, op.(*Box))
	}
	m.resumeKey = &ResumeFromInterp{Greenkey: constsOf(original[:ng]), Redkey: redkey}
	log.Debugf("tracing from %s", greenkeyString(constsOf(original[:ng])))
	return m.interpret()
}

// RunInterpreter runs the portal on args without recording. It stops
// at a merge point whose greenkey is hot or already compiled, with
// StepContinueRunningNormally.
func (m *MetaInterp) RunInterpreter(args []Value) StepResult {
	m.begin(modeInterp)
	defer m.end()
	if _, err := m.initializeStateFromStart(args); err != nil {
		return stepError(err)
	}
	m.resumeKey = &ResumeFromInterp{Greenkey: constsOf(boxesFrom(args[:m.sd.NumGreens], m.sd.NumGreens))}
	return m.interpret()
}

// RunFunction interprets a non-portal jitcode to completion.
func (m *MetaInterp) RunFunction(jitcode *JitCode, args []Value) (Value, error) {
	m.begin(modeInterp)
	defer m.end()
	m.inRecursion = 0
	f := m.newframe(jitcode, nil)
	f.SetupCall(boxesFrom(args, 0))
	m.resumeKey = &ResumeFromInterp{}
	r := m.interpret()
	switch r.Kind {
	case StepFinished:
		return r.Value, nil
	case StepExitWithException:
		m.cpu.SetPendingException(r.Value.R)
		return Value{}, nil
	case StepError:
		return Value{}, r.Err
	}
	return Value{}, traceErrorf("%s stopped with %s", jitcode.Name, r.Kind)
}

// HandleGuardFailure traces a bridge from a failed guard.
func (m *MetaInterp) HandleGuardFailure(d *ResumeGuardDescr, df *DeadFrame) StepResult {
	m.begin(modeTracing)
	defer m.end()
	log.Debugf("tracing bridge from %s", d)
	return m.resumeFromFailure(d, df)
}

// ResumeInBlackhole continues the interpreter from a failed guard
// without recording.
func (m *MetaInterp) ResumeInBlackhole(d *ResumeGuardDescr, df *DeadFrame) StepResult {
	m.begin(modeBlackhole)
	defer m.end()
	return m.resumeFromFailure(d, df)
}

func (m *MetaInterp) resumeFromFailure(d *ResumeGuardDescr, df *DeadFrame) StepResult {
	m.cpu.SetPendingException(df.Exc.R)
	m.resumeKey = d
	if err := m.RebuildStateAfterFailure(d, df.Values); err != nil {
		return m.stepFailed(err)
	}
	m.currentMergePoints = []mergePoint{{boxes: constsAsOperands(d.OriginalGreenkey), start: -1}}
	if r := m.prepareResumeFromFailure(d.GuardOpnum); r.terminal() {
		return r
	}
	return m.interpret()
}

// RebuildStateAfterFailure recreates the frame stack of a failed guard
// and brings the virtualizable and virtual references up to date.
func (m *MetaInterp) RebuildStateAfterFailure(d *ResumeGuardDescr, values []Value) error {
	m.inRecursion = -1
	newboxes, err := m.rebuildFromResumeData(d, values)
	if err != nil {
		return err
	}
	if m.tracing() {
		m.history.InputArgs = newboxes
	}
	vrefinfo := m.sd.VRefInfo
	for i := 0; i+1 < len(m.virtualrefBoxes); i += 2 {
		obj, vref := m.virtualrefBoxes[i], m.virtualrefBoxes[i+1]
		if vrefinfo.IsVirtualRef(m.cpu, vref.Ref()) {
			vrefinfo.ContinueTracing(m.cpu, vref.Ref(), obj.Ref())
		}
	}
	vinfo := m.sd.VableInfo
	if vinfo == nil || len(m.virtualizableBoxes) == 0 {
		return nil
	}
	vable := m.virtualizableBoxes[len(m.virtualizableBoxes)-1].Ref()
	if d.Forced {
		// A forced activation already wrote its fields back; the
		// residual call may have changed them since.
		m.loadFieldsFromVirtualizable()
		return nil
	}
	if tok := vinfo.token(m.cpu, vable); tok != 0 {
		return traceErrorf("virtualizable token is %d after leaving compiled code", tok)
	}
	m.synchronizeVirtualizable()
	return nil
}

func (m *MetaInterp) prepareResumeFromFailure(opnum Opnum) StepResult {
	f := m.top()
	switch opnum {
	case OpGuardTrue:
		// a goto_if_not that jumps only now
		f.pc = f.readUint16(f.pc - 2)
	case OpGuardNoException, OpGuardException, OpGuardNotForced:
		if exc := m.cpu.GrabExcValue(); exc != gc.Null {
			m.executeRaised(NewBoxRef(exc), false)
		} else {
			m.executeDidNotRaise()
		}
		if r := m.HandlePossibleException(); r.terminal() {
			return r
		}
	case OpGuardNoOverflow:
		m.executeRaised(ConstRef(m.cpu.overflowInstance), true)
		if r := m.FinishFrameException(); r.terminal() {
			return r
		}
	case OpGuardOverflow:
		m.executeDidNotRaise()
	}
	return stepContinue
}

// ---------------------------------------------------------------------------
// Virtualizable and virtual references
// ---------------------------------------------------------------------------

func (m *MetaInterp) synchronizeVirtualizable() {
	vinfo := m.sd.VableInfo
	vbox := m.virtualizableBoxes[len(m.virtualizableBoxes)-1]
	vinfo.WriteBoxes(m.cpu, vbox.Ref(), m.virtualizableBoxes)
}

func (m *MetaInterp) loadFieldsFromVirtualizable() {
	vinfo := m.sd.VableInfo
	if vinfo == nil || len(m.virtualizableBoxes) == 0 {
		return
	}
	vbox := m.virtualizableBoxes[len(m.virtualizableBoxes)-1]
	m.virtualizableBoxes = append(vinfo.ReadBoxes(m.cpu, vbox.Ref()), vbox)
}

func (m *MetaInterp) vableAndVrefsBeforeResidualCall() {
	if !m.tracing() {
		return
	}
	vrefinfo := m.sd.VRefInfo
	for i := 1; i < len(m.virtualrefBoxes); i += 2 {
		vrefinfo.TracingBeforeResidualCall(m.cpu, m.virtualrefBoxes[i].Ref())
	}
	vinfo := m.sd.VableInfo
	if vinfo == nil || len(m.virtualizableBoxes) == 0 {
		return
	}
	vbox := m.virtualizableBoxes[len(m.virtualizableBoxes)-1]
	vinfo.TracingBeforeResidualCall(m.cpu, vbox.Ref())
	token := NewBoxInt(0)
	m.record(OpForceToken, nil, token, nil)
	m.record(OpSetfieldGC, []Operand{vbox, token}, nil, vinfo.TokenField)
}

func (m *MetaInterp) vableAndVrefsAfterResidualCall() {
	escapes := !m.tracing()
	if m.tracing() {
		vrefinfo := m.sd.VRefInfo
		for i := 0; i+1 < len(m.virtualrefBoxes); i += 2 {
			if vrefinfo.TracingAfterResidualCall(m.cpu, m.virtualrefBoxes[i+1].Ref()) {
				m.stopTrackingVirtualref(i)
			}
		}
		if vinfo := m.sd.VableInfo; vinfo != nil && len(m.virtualizableBoxes) > 0 {
			vbox := m.virtualizableBoxes[len(m.virtualizableBoxes)-1]
			if vinfo.TracingAfterResidualCall(m.cpu, vbox.Ref()) {
				escapes = true
			} else {
				m.record(OpSetfieldGC, []Operand{vbox, ConstInt(vableTokenNone)}, nil, vinfo.TokenField)
			}
		}
		if escapes {
			m.SwitchToBlackhole(AbortEscape)
		}
	}
	if escapes {
		m.loadFieldsFromVirtualizable()
	}
}

// stopTrackingVirtualref records a VIRTUAL_REF_FINISH before the
// CALL_MAY_FORCE that let the vref escape.
func (m *MetaInterp) stopTrackingVirtualref(i int) {
	obj, vref := m.virtualrefBoxes[i], m.virtualrefBoxes[i+1]
	call := m.history.Last()
	m.history.Truncate(m.history.Len() - 1)
	m.record(OpVirtualRefFinish, []Operand{vref, obj}, nil, nil)
	m.history.Operations = append(m.history.Operations, call)
	m.virtualrefBoxes[i+1] = ConstNull
}

// genStoreBackInVirtualizable writes the virtualizable boxes back to
// the heap object before the trace leaves.
func (m *MetaInterp) genStoreBackInVirtualizable() error {
	vinfo := m.sd.VableInfo
	if vinfo == nil || len(m.virtualizableBoxes) == 0 {
		return nil
	}
	vbox := m.virtualizableBoxes[len(m.virtualizableBoxes)-1]
	i := 0
	for _, fd := range vinfo.StaticFields {
		if _, err := m.ExecuteAndRecord(OpSetfieldGC, fd, vbox, m.virtualizableBoxes[i]); err != nil {
			return err
		}
		i++
	}
	for k, fd := range vinfo.ArrayFields {
		abox, err := m.ExecuteAndRecord(OpGetfieldGC, fd, vbox)
		if err != nil {
			return err
		}
		for j := 0; j < vinfo.ArrayLength(m.cpu, vbox.Ref(), k); j++ {
			if _, err := m.ExecuteAndRecord(OpSetarrayitemGC, vinfo.ArrayDescrs[k], abox, ConstInt(int64(j)), m.virtualizableBoxes[i]); err != nil {
				return err
			}
			i++
		}
	}
	if i+1 != len(m.virtualizableBoxes) {
		return traceErrorf("virtualizable has %d boxes, stored %d", len(m.virtualizableBoxes)-1, i)
	}
	return nil
}

// genLoadFromOtherVirtualizable reads every field of a virtualizable
// passed to a CALL_ASSEMBLER.
func (m *MetaInterp) genLoadFromOtherVirtualizable(vbox Operand) ([]Operand, error) {
	vinfo := m.sd.VableInfo
	var boxes []Operand
	for _, fd := range vinfo.StaticFields {
		b, err := m.ExecuteAndRecord(OpGetfieldGC, fd, vbox)
		if err != nil {
			return nil, err
		}
		boxes = append(boxes, b)
	}
	for k, fd := range vinfo.ArrayFields {
		abox, err := m.ExecuteAndRecord(OpGetfieldGC, fd, vbox)
		if err != nil {
			return nil, err
		}
		for j := 0; j < vinfo.ArrayLength(m.cpu, vbox.Ref(), k); j++ {
			b, err := m.ExecuteAndRecord(OpGetarrayitemGC, vinfo.ArrayDescrs[k], abox, ConstInt(int64(j)))
			if err != nil {
				return nil, err
			}
			boxes = append(boxes, b)
		}
	}
	return boxes, nil
}

// ---------------------------------------------------------------------------
// GC roots
// ---------------------------------------------------------------------------

func (m *MetaInterp) walkRoots(fn func(*Value)) {
	for _, f := range m.framestack {
		f.walkRoots(fn)
	}
	if m.history != nil {
		m.history.walkRoots(fn)
	}
	for _, list := range [][]Operand{m.virtualizableBoxes, m.virtualrefBoxes, m.scratch} {
		for _, op := range list {
			fn(op.slot())
		}
	}
	if m.lastExcBox != nil {
		fn(m.lastExcBox.slot())
	}
	for _, mp := range m.currentMergePoints {
		for _, op := range mp.boxes {
			fn(op.slot())
		}
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func constsOf(ops []Operand) []*Const {
	out := make([]*Const, len(ops))
	for i, op := range ops {
		out[i] = op.Const()
	}
	return out
}

func constsAsOperands(cs []*Const) []Operand {
	out := make([]Operand, len(cs))
	for i, c := range cs {
		out[i] = c
	}
	return out
}
