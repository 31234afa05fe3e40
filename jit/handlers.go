package jit

import (
	"github.com/chazu/metatrace/gc"
)

// dispatch runs one decoded instruction. The returned operand, if any,
// is stored in the instruction's result register by the caller.
func (m *MetaInterp) dispatch(f *MIFrame, info InsnInfo, a *insnArgs, orgpc int) (Operand, StepResult) {
	b := a.boxes
	var (
		res Operand
		err error
	)
	switch info.handler {
	case hNone:

	case hBinary, hConstBinary:
		res, err = m.ExecuteAndRecord(info.opnum, nil, b[0], b[1])
	case hUnary:
		res, err = m.ExecuteAndRecord(info.opnum, nil, b[0])
	case hPtrNonzero:
		res, err = m.ExecuteAndRecord(info.opnum, nil, b[0], ConstNull)
	case hOvf:
		return nil, m.opOvf(f, info.opnum, b[0], b[1])

	case hCopy:
		res = b[0]
	case hPush:
		f.pushed = b[0]
	case hPop:
		if f.pushed == nil {
			return nil, stepError(decodeError(f.jitcode, orgpc, "pop without push"))
		}
		res, f.pushed = f.pushed, nil
	case hReturn:
		return nil, m.FinishFrame(b[0])
	case hVoidReturn:
		return nil, m.FinishFrame(nil)

	case hGoto:
		f.pc = a.labels[0]
	case hCatchException:
		// only reached by falling through; handlers are entered by
		// FinishFrameException
	case hGotoIfNot:
		m.gotoIfNot(f, b[0], a.labels[0])
	case hGotoIfNotUnary:
		if res, err = m.ExecuteAndRecord(info.opnum, nil, b[0]); err == nil {
			m.gotoIfNot(f, res, a.labels[0])
		}
		res = nil
	case hGotoIfNotCompare:
		if res, err = m.ExecuteAndRecord(info.opnum, nil, b[0], b[1]); err == nil {
			m.gotoIfNot(f, res, a.labels[0])
		}
		res = nil
	case hGotoIfNotPtr:
		nonnull := m.establishNullity(b[0], orgpc)
		if nonnull != (info.opnum == OpGuardNonnull) {
			f.pc = a.labels[0]
		}
	case hSwitch:
		v := m.ImplementGuardValue(b[0], orgpc)
		sd, ok := a.descrs[0].(*SwitchDescr)
		if !ok {
			return nil, stepError(decodeError(f.jitcode, orgpc, "switch needs a SwitchDescr, got %v", a.descrs[0]))
		}
		if target, ok := sd.Targets[v.Int()]; ok {
			f.pc = target
		}
	case hGuardValue:
		m.ImplementGuardValue(b[0], orgpc)
	case hGuardClass:
		if b[0].Ref() == gc.Null {
			return nil, stepError(decodeError(f.jitcode, orgpc, "guard_class on null"))
		}
		cls := ConstInt(m.cpu.ClassOf(b[0].Ref()))
		if box, ok := b[0].(*Box); ok && !m.knownClassBoxes[box] {
			m.GenerateGuard(OpGuardClass, box, []Operand{cls}, orgpc)
			m.knownClassBoxes[box] = true
		}
		res = cls

	case hNew:
		res, err = m.ExecuteAndRecord(OpNew, a.descrs[0])
	case hNewWithVtable:
		sd, ok := a.descrs[0].(*SizeDescr)
		if !ok || sd.Vtable == 0 {
			return nil, stepError(decodeError(f.jitcode, orgpc, "new_with_vtable needs a SizeDescr with a vtable"))
		}
		if res, err = m.ExecuteAndRecord(OpNewWithVtable, sd, ConstInt(sd.Vtable)); err == nil {
			if box, ok := res.(*Box); ok {
				m.knownClassBoxes[box] = true
			}
		}
	case hNewArray:
		res, err = m.ExecuteAndRecord(OpNewArray, a.descrs[0], b[0])
	case hArraylen:
		res, err = m.ExecuteAndRecord(OpArraylenGC, a.descrs[0], b[0])
	case hGetArrayItem:
		res, err = m.ExecuteAndRecord(info.opnum, a.descrs[0], b[0], b[1])
	case hSetArrayItem:
		_, err = m.ExecuteAndRecord(OpSetarrayitemGC, a.descrs[0], b[0], b[1], b[2])
	case hArraycopy:
		_, err = m.ExecuteAndRecord(OpArraycopy, a.descrs[0], b[0], b[1], b[2], b[3], b[4])
	case hCheckNegIndex:
		res, err = m.checkNegIndex(orgpc, b[1], func() (Operand, error) {
			return m.ExecuteAndRecord(OpArraylenGC, a.descrs[0], b[0])
		})
	case hCheckResizableNegIndex:
		res, err = m.checkNegIndex(orgpc, b[1], func() (Operand, error) {
			return m.ExecuteAndRecord(OpGetfieldGC, a.descrs[0], b[0])
		})
	case hNewList:
		res, err = m.newList(a.descrs, b[0])
	case hGetListItem:
		var items Operand
		if items, err = m.ExecuteAndRecord(OpGetfieldGC, a.descrs[0], b[0]); err == nil {
			res, err = m.ExecuteAndRecord(OpGetarrayitemGC, a.descrs[1], items, b[1])
		}
	case hSetListItem:
		var items Operand
		if items, err = m.ExecuteAndRecord(OpGetfieldGC, a.descrs[0], b[0]); err == nil {
			_, err = m.ExecuteAndRecord(OpSetarrayitemGC, a.descrs[1], items, b[1], b[2])
		}
	case hGetField:
		res, err = m.ExecuteAndRecord(info.opnum, a.descrs[0], b[0])
	case hSetField:
		_, err = m.ExecuteAndRecord(OpSetfieldGC, a.descrs[0], b[0], b[1])

	case hGetFieldVable:
		res, err = m.getfieldVable(orgpc, b[0], a.descrs[0])
	case hSetFieldVable:
		err = m.setfieldVable(orgpc, b[0], b[1], a.descrs[0])
	case hGetArrayItemVable:
		res, err = m.getarrayitemVable(orgpc, b[0], a.descrs[0], a.descrs[1], b[1])
	case hSetArrayItemVable:
		err = m.setarrayitemVable(orgpc, b[0], a.descrs[0], a.descrs[1], b[1], b[2])
	case hArraylenVable:
		res, err = m.arraylenVable(orgpc, b[0], a.descrs[0], a.descrs[1])

	case hInlineCall:
		jitcode, ok := a.descrs[0].(*JitCode)
		if !ok {
			return nil, stepError(decodeError(f.jitcode, orgpc, "inline_call needs a JitCode, got %v", a.descrs[0]))
		}
		return nil, m.PerformCall(jitcode, concatLists(a.lists...), nil)
	case hResidualCall:
		cd, ok := a.descrs[0].(*CallDescr)
		if !ok {
			return nil, stepError(decodeError(f.jitcode, orgpc, "residual_call needs a CallDescr, got %v", a.descrs[0]))
		}
		return nil, m.residualOrIndirectCall(orgpc, b[0], cd, concatLists(a.lists...))
	case hRecursiveCall:
		cd, ok := a.descrs[0].(*CallDescr)
		if !ok {
			return nil, stepError(decodeError(f.jitcode, orgpc, "recursive_call needs a CallDescr, got %v", a.descrs[0]))
		}
		greens := concatLists(a.lists[0], a.lists[1], a.lists[2])
		reds := concatLists(a.lists[3], a.lists[4], a.lists[5])
		return nil, m.recursiveCall(orgpc, cd, greens, reds)

	case hStrOp:
		res, err = m.ExecuteAndRecord(info.opnum, nil, b...)

	case hCanEnterJit:
		if m.inRecursion == 0 {
			m.seenCanEnterJit = true
		}
	case hJitMergePoint:
		return nil, m.jitMergePoint(f, a)

	case hGotoIfExceptionMismatch:
		if m.lastExcBox == nil {
			return nil, stepError(decodeError(f.jitcode, orgpc, "goto_if_exception_mismatch without an exception"))
		}
		if !m.cpu.IsSubclass(m.cpu.ClassOf(m.lastExcBox.Ref()), b[0].Int()) {
			f.pc = a.labels[0]
		}
	case hRaise:
		return nil, m.opRaise(b[0], orgpc)
	case hReraise:
		if m.lastExcBox == nil {
			return nil, stepError(decodeError(f.jitcode, orgpc, "reraise without an exception"))
		}
		m.popframe()
		return nil, m.FinishFrameException()
	case hLastException:
		if m.lastExcBox == nil {
			return nil, stepError(decodeError(f.jitcode, orgpc, "last_exception without an exception"))
		}
		res = ConstInt(m.cpu.ClassOf(m.lastExcBox.Ref()))
	case hLastExcValue:
		if m.lastExcBox == nil {
			return nil, stepError(decodeError(f.jitcode, orgpc, "last_exc_value without an exception"))
		}
		res = m.lastExcBox

	case hVirtualRef:
		res, err = m.opVirtualRef(b[0])
	case hVirtualRefFinish:
		err = m.opVirtualRefFinish(b[0])

	default:
		return nil, stepError(decodeError(f.jitcode, orgpc, "no handler for %s", info.Key()))
	}
	if err != nil {
		return nil, stepError(err)
	}
	return res, stepContinue
}

// gotoIfNot guards on the branch taken. The guard resumes after the
// instruction; a failing GUARD_TRUE then follows the jump.
func (m *MetaInterp) gotoIfNot(f *MIFrame, box Operand, target int) {
	if box.Int() != 0 {
		m.GenerateGuard(OpGuardTrue, box, nil, -1)
		return
	}
	m.GenerateGuard(OpGuardFalse, box, nil, -1)
	f.pc = target
}

func (m *MetaInterp) opOvf(f *MIFrame, opnum Opnum, x, y Operand) StepResult {
	m.sd.Profiler.countOp(m.mode)
	val, err := m.cpu.execute(opnum, nil, []Value{x.Val(), y.Val()})
	if err != nil {
		return stepError(err)
	}
	res := m.recordResult(opnum, nil, []Operand{x, y}, val)
	if m.cpu.takeOverflow() {
		m.executeRaised(ConstRef(m.cpu.overflowInstance), true)
	} else {
		m.executeDidNotRaise()
	}
	f.MakeResultOfLastOp(res)
	return m.HandlePossibleOverflowError()
}

// checkNegIndex adds the length to a negative index. The sign of the
// index is promoted.
func (m *MetaInterp) checkNegIndex(orgpc int, index Operand, length func() (Operand, error)) (Operand, error) {
	neg, err := m.ExecuteAndRecord(OpIntLt, nil, index, ConstInt(0))
	if err != nil {
		return nil, err
	}
	if m.ImplementGuardValue(neg, orgpc).Int() == 0 {
		return index, nil
	}
	n, err := length()
	if err != nil {
		return nil, err
	}
	return m.ExecuteAndRecord(OpIntAdd, nil, index, n)
}

// newList allocates a list object and its items array. descrs are the
// list's size, length field, items field and items array.
func (m *MetaInterp) newList(descrs []Descr, size Operand) (Operand, error) {
	list, err := m.ExecuteAndRecord(OpNew, descrs[0])
	if err != nil {
		return nil, err
	}
	if _, err := m.ExecuteAndRecord(OpSetfieldGC, descrs[1], list, size); err != nil {
		return nil, err
	}
	items, err := m.ExecuteAndRecord(OpNewArray, descrs[3], size)
	if err != nil {
		return nil, err
	}
	if _, err := m.ExecuteAndRecord(OpSetfieldGC, descrs[2], list, items); err != nil {
		return nil, err
	}
	return list, nil
}

func (m *MetaInterp) opRaise(exc Operand, orgpc int) StepResult {
	if exc.Ref() == gc.Null {
		return stepError(traceErrorf("raise of null"))
	}
	cls := ConstInt(m.cpu.ClassOf(exc.Ref()))
	m.GenerateGuard(OpGuardClass, exc, []Operand{cls}, orgpc)
	m.classOfLastExcIsConst = true
	m.lastExcBox = exc
	m.popframe()
	return m.FinishFrameException()
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

func (m *MetaInterp) residualOrIndirectCall(orgpc int, funcbox Operand, cd *CallDescr, args []Operand) StepResult {
	funcbox = m.ImplementGuardValue(funcbox, orgpc)
	if fn := m.cpu.Function(funcbox.Int()); fn != nil && fn.JitCode != nil {
		return m.PerformCall(fn.JitCode, args, nil)
	}
	return m.doResidualCall(funcbox, cd, args)
}

// doResidualCall records a call the trace does not follow. The opnum
// and the exception check depend on the call's effects.
func (m *MetaInterp) doResidualCall(funcbox Operand, cd *CallDescr, args []Operand) StepResult {
	all := make([]Operand, 0, len(args)+1)
	all = append(all, funcbox)
	all = append(all, args...)
	if cd.forces() {
		m.vableAndVrefsBeforeResidualCall()
		res, err := m.ExecuteAndRecordVarargs(OpCallMayForce, cd, all)
		if err != nil {
			return stepError(err)
		}
		m.vableAndVrefsAfterResidualCall()
		m.top().MakeResultOfLastOp(res)
		m.GenerateGuard(OpGuardNotForced, nil, nil, -1)
		return m.HandlePossibleException()
	}
	opnum, exc := OpCall, true
	switch cd.Effect.Extra {
	case EffectCannotRaise:
		exc = false
	case EffectPure:
		opnum, exc = OpCallPure, false
	case EffectLoopInvariant:
		opnum = OpCallLoopinvariant
	}
	res, err := m.ExecuteAndRecordVarargs(opnum, cd, all)
	if err != nil {
		return stepError(err)
	}
	m.top().MakeResultOfLastOp(res)
	if exc {
		return m.HandlePossibleException()
	}
	return m.assertNoException()
}

// recursiveCall calls the portal again. With inlining on, the callee is
// traced through unless its greenkey was blacklisted; otherwise the call
// is residual and becomes a CALL_ASSEMBLER when the callee has compiled
// code.
func (m *MetaInterp) recursiveCall(orgpc int, cd *CallDescr, greens, reds []Operand) StepResult {
	var token *LoopToken
	if m.tracing() {
		for i, g := range greens {
			greens[i] = m.ImplementGuardValue(g, orgpc)
		}
		greenkey := constsOf(greens)
		ws := m.sd.State
		if ws.CanInlineCallable(greenkey) {
			return m.PerformCall(m.sd.Portal, concatLists(greens, reds), greenkey)
		}
		token = ws.AssemblerToken(greenkey)
	}
	callPosition := 0
	if m.tracing() {
		callPosition = m.history.Len()
	}
	r := m.doResidualCall(ConstInt(m.sd.PortalRunner), cd, concatLists(greens, reds))
	if token != nil && m.tracing() {
		if err := m.directAssemblerCall(reds, token, callPosition); err != nil {
			return stepError(err)
		}
	}
	return r
}

// directAssemblerCall replaces the residual portal call recorded at or
// after position with a CALL_ASSEMBLER to token.
func (m *MetaInterp) directAssemblerCall(reds []Operand, token *LoopToken, position int) error {
	h := m.history
	for position < h.Len() && h.Operations[position].Opnum != OpCall && h.Operations[position].Opnum != OpCallMayForce {
		position++
	}
	if position == h.Len() {
		return traceErrorf("residual portal call not found in the history")
	}
	call := h.Operations[position]
	rest := append([]*Operation(nil), h.Operations[position+1:]...)
	h.Truncate(position)
	args := append([]Operand(nil), reds...)
	if vinfo := m.sd.VableInfo; vinfo != nil {
		vbox := reds[vinfo.Index-m.sd.NumGreens]
		extra, err := m.genLoadFromOtherVirtualizable(vbox)
		if err != nil {
			return err
		}
		args = append(args, extra...)
	}
	op := m.record(OpCallAssembler, args, call.Result, token)
	op.PC, op.FrameName = call.PC, call.FrameName
	h.Operations = append(h.Operations, rest...)
	return nil
}

// ---------------------------------------------------------------------------
// Merge points
// ---------------------------------------------------------------------------

func (m *MetaInterp) jitMergePoint(f *MIFrame, a *insnArgs) StepResult {
	greens := concatLists(a.lists[0], a.lists[1], a.lists[2])
	reds := concatLists(a.lists[3], a.lists[4], a.lists[5])
	if len(greens) != m.sd.NumGreens {
		return stepError(traceErrorf("jit_merge_point has %d greens, the portal declares %d", len(greens), m.sd.NumGreens))
	}
	for i, g := range greens {
		if !g.IsConst() {
			return stepError(traceErrorf("green argument %d is not a constant: %s", i, g))
		}
	}
	greenkey := constsOf(greens)

	switch m.mode {
	case modeInterp:
		if m.inRecursion == 0 && m.seenCanEnterJit {
			m.seenCanEnterJit = false
			ws := m.sd.State
			if ws.countMergePoint(greenkey) && (ws.EntryToken(greenkey) != nil || !m.sd.tracing()) {
				return StepResult{Kind: StepContinueRunningNormally, Args: concatLists(greens, reds)}
			}
		}
		return stepContinue
	case modeBlackhole:
		if m.inRecursion == 0 {
			return StepResult{Kind: StepContinueRunningNormally, Args: concatLists(greens, reds)}
		}
		return stepContinue
	}

	m.record(OpDebugMergePoint, nil, nil, &LocationDescr{Location: m.sd.State.locationString(greenkey)})
	if m.inRecursion != 0 {
		return stepContinue
	}
	m.clearDeadRegisters(f, greens, reds)
	if !m.seenCanEnterJit {
		return stepContinue
	}
	m.seenCanEnterJit = false
	r := m.ReachedCanEnterJit(greens, reds)
	if r.Kind == StepContinue && m.tracing() {
		// duplicated or constant reds were replaced by fresh boxes; the
		// frame must read the loop header's boxes from now on
		m.storeReds(f, a, reds)
	}
	if r.Kind == StepContinue && m.pendingGiveUp != 0 && m.mode == modeBlackhole {
		return StepResult{Kind: StepContinueRunningNormally, Args: concatLists(greens, reds)}
	}
	return r
}

// clearDeadRegisters empties the portal frame's registers that are not
// greens or reds, which are the only live values at a merge point.
func (m *MetaInterp) clearDeadRegisters(f *MIFrame, greens, reds []Operand) {
	keep := make(map[Operand]bool, len(greens)+len(reds))
	for _, op := range greens {
		keep[op] = true
	}
	for _, op := range reds {
		keep[op] = true
	}
	for _, k := range []Kind{KindInt, KindRef, KindFloat} {
		regs := f.bank(k)
		for r := 0; r < f.jitcode.numRegs(k); r++ {
			if regs[r] != nil && !keep[regs[r]] {
				regs[r] = nil
			}
		}
	}
	f.pushed = nil
	f.snapshot = nil
}

func (m *MetaInterp) storeReds(f *MIFrame, a *insnArgs, reds []Operand) {
	i := 0
	for l := 3; l < 6; l++ {
		bank := f.bank(KindInt + Kind(l-3))
		for _, reg := range a.listRegs[l] {
			bank[reg] = reds[i]
			i++
		}
	}
}

// ---------------------------------------------------------------------------
// Virtualizables
// ---------------------------------------------------------------------------

// nonstandardVirtualizable reports whether box is some other object than
// the virtualizable whose fields live in boxes. Comparing to the standard
// one records a guard.
func (m *MetaInterp) nonstandardVirtualizable(orgpc int, box Operand) (bool, error) {
	if m.sd.VableInfo == nil || !m.tracing() || len(m.virtualizableBoxes) == 0 {
		return true, nil
	}
	standard := m.virtualizableBoxes[len(m.virtualizableBoxes)-1]
	if box == standard {
		return false, nil
	}
	eq, err := m.ExecuteAndRecord(OpPtrEq, nil, box, standard)
	if err != nil {
		return true, err
	}
	isStandard := m.ImplementGuardValue(eq, orgpc).Int() != 0
	if isStandard {
		if b, ok := box.(*Box); ok {
			m.ReplaceBox(b, standard)
		}
	}
	return !isStandard, nil
}

func (m *MetaInterp) getfieldVable(orgpc int, box Operand, d Descr) (Operand, error) {
	nonstd, err := m.nonstandardVirtualizable(orgpc, box)
	if err != nil {
		return nil, err
	}
	if nonstd {
		return m.ExecuteAndRecord(OpGetfieldGC, d, box)
	}
	i, err := m.sd.VableInfo.staticFieldIndex(d)
	if err != nil {
		return nil, err
	}
	return m.virtualizableBoxes[i], nil
}

func (m *MetaInterp) setfieldVable(orgpc int, box, value Operand, d Descr) error {
	nonstd, err := m.nonstandardVirtualizable(orgpc, box)
	if err != nil {
		return err
	}
	if nonstd {
		_, err := m.ExecuteAndRecord(OpSetfieldGC, d, box, value)
		return err
	}
	i, err := m.sd.VableInfo.staticFieldIndex(d)
	if err != nil {
		return err
	}
	m.virtualizableBoxes[i] = value
	m.synchronizeVirtualizable()
	return nil
}

func (m *MetaInterp) arrayitemVableIndex(orgpc int, fd Descr, index Operand) (int, error) {
	vinfo := m.sd.VableInfo
	k, err := vinfo.arrayFieldIndex(fd)
	if err != nil {
		return 0, err
	}
	vable := m.virtualizableBoxes[len(m.virtualizableBoxes)-1].Ref()
	n := vinfo.ArrayLength(m.cpu, vable, k)
	i := int(m.ImplementGuardValue(index, orgpc).Int())
	if i < 0 {
		i += n
	}
	if i < 0 || i >= n {
		return 0, traceErrorf("virtualizable array index %d out of range [0, %d)", i, n)
	}
	return vinfo.indexInArray(m.cpu, vable, k, i), nil
}

func (m *MetaInterp) getarrayitemVable(orgpc int, box Operand, fd, ad Descr, index Operand) (Operand, error) {
	nonstd, err := m.nonstandardVirtualizable(orgpc, box)
	if err != nil {
		return nil, err
	}
	if nonstd {
		arr, err := m.ExecuteAndRecord(OpGetfieldGC, fd, box)
		if err != nil {
			return nil, err
		}
		return m.ExecuteAndRecord(OpGetarrayitemGC, ad, arr, index)
	}
	i, err := m.arrayitemVableIndex(orgpc, fd, index)
	if err != nil {
		return nil, err
	}
	return m.virtualizableBoxes[i], nil
}

func (m *MetaInterp) setarrayitemVable(orgpc int, box Operand, fd, ad Descr, index, value Operand) error {
	nonstd, err := m.nonstandardVirtualizable(orgpc, box)
	if err != nil {
		return err
	}
	if nonstd {
		arr, err := m.ExecuteAndRecord(OpGetfieldGC, fd, box)
		if err != nil {
			return err
		}
		_, err = m.ExecuteAndRecord(OpSetarrayitemGC, ad, arr, index, value)
		return err
	}
	i, err := m.arrayitemVableIndex(orgpc, fd, index)
	if err != nil {
		return err
	}
	m.virtualizableBoxes[i] = value
	m.synchronizeVirtualizable()
	return nil
}

func (m *MetaInterp) arraylenVable(orgpc int, box Operand, fd, ad Descr) (Operand, error) {
	nonstd, err := m.nonstandardVirtualizable(orgpc, box)
	if err != nil {
		return nil, err
	}
	if nonstd {
		arr, err := m.ExecuteAndRecord(OpGetfieldGC, fd, box)
		if err != nil {
			return nil, err
		}
		return m.ExecuteAndRecord(OpArraylenGC, ad, arr)
	}
	vinfo := m.sd.VableInfo
	k, err := vinfo.arrayFieldIndex(fd)
	if err != nil {
		return nil, err
	}
	vable := m.virtualizableBoxes[len(m.virtualizableBoxes)-1].Ref()
	return ConstInt(int64(vinfo.ArrayLength(m.cpu, vable, k))), nil
}

// ---------------------------------------------------------------------------
// Virtual references
// ---------------------------------------------------------------------------

func (m *MetaInterp) opVirtualRef(box Operand) (Operand, error) {
	res := box
	if m.tracing() {
		vref, err := m.sd.VRefInfo.VirtualRefDuringTracing(m.cpu, box.Ref())
		if err != nil {
			return nil, err
		}
		vbox := NewBoxRef(vref)
		index := ConstInt(int64(len(m.virtualrefBoxes) / 2))
		m.record(OpVirtualRef, []Operand{box, index}, vbox, nil)
		res = vbox
	}
	m.virtualrefBoxes = append(m.virtualrefBoxes, box, res)
	return res, nil
}

func (m *MetaInterp) opVirtualRefFinish(box Operand) error {
	n := len(m.virtualrefBoxes)
	if n < 2 {
		return traceErrorf("virtual_ref_finish without a virtual_ref")
	}
	last, vref := m.virtualrefBoxes[n-2], m.virtualrefBoxes[n-1]
	m.virtualrefBoxes = m.virtualrefBoxes[:n-2]
	if last.Ref() != box.Ref() {
		return traceErrorf("virtual_ref_finish on %s, innermost virtual_ref is %s", box, last)
	}
	if m.tracing() && m.sd.VRefInfo.IsVirtualRef(m.cpu, vref.Ref()) {
		m.record(OpVirtualRefFinish, []Operand{vref, last}, nil, nil)
	}
	return nil
}
