package jit

// ReachedCanEnterJit is called at a jit_merge_point that follows a
// can_enter_jit. It closes a loop when the greens match an earlier merge
// point of this trace, or ends a bridge in an existing loop. Otherwise it
// remembers the merge point and tracing goes on.
func (m *MetaInterp) ReachedCanEnterJit(greens, reds []Operand) StepResult {
	ng := len(greens)
	dups := make(map[*Box]bool)
	m.removeConstsAndDuplicates(reds, len(reds), dups)
	live := make([]Operand, 0, len(greens)+len(reds)+len(m.virtualizableBoxes))
	live = append(live, greens...)
	live = append(live, reds...)
	if m.sd.VableInfo != nil && len(m.virtualizableBoxes) > 0 {
		m.removeConstsAndDuplicates(m.virtualizableBoxes, len(m.virtualizableBoxes)-1, dups)
		live = append(live, m.virtualizableBoxes[:len(m.virtualizableBoxes)-1]...)
	}
	if len(m.virtualrefBoxes) != 0 {
		return stepError(traceErrorf("virtual references still open at a merge point"))
	}

	if token := m.compileBridgeAtMergePoint(live); token != nil {
		return StepResult{Kind: StepLoopCompiled, Token: token, Args: live[ng:]}
	}

	for j := len(m.currentMergePoints) - 1; j >= 0; j-- {
		mp := m.currentMergePoints[j]
		if !sameGreens(mp.boxes[:ng], greens) {
			continue
		}
		if mp.start < 0 {
			// the loop header is before the guard this bridge
			// started from
			m.SwitchToBlackhole(AbortBridge)
			return stepContinue
		}
		if token := m.compileLoop(mp.boxes, live, mp.start); token != nil {
			return StepResult{Kind: StepLoopCompiled, Token: token, Args: live[ng:]}
		}
		log.Debugf("cancelled loop at %s, going on", greenkeyString(constsOf(greens)))
	}

	m.currentMergePoints = append(m.currentMergePoints, mergePoint{boxes: live, start: m.history.Len()})
	// Results before the merge point are not visible in the loop body.
	m.pureMemo = make(map[pureKey]Operand)
	m.knownClassBoxes = make(map[*Box]bool)
	return stepContinue
}

// removeConstsAndDuplicates replaces constants and repeated boxes among
// boxes[:end] with fresh SAME_AS copies, so that a loop header is a list
// of distinct boxes.
func (m *MetaInterp) removeConstsAndDuplicates(boxes []Operand, end int, dups map[*Box]bool) {
	for i := 0; i < end; i++ {
		b, isBox := boxes[i].(*Box)
		if isBox && !dups[b] {
			dups[b] = true
			continue
		}
		clone := NewBox(boxes[i].Val())
		m.record(OpSameAs, []Operand{boxes[i]}, clone, nil)
		boxes[i] = clone
		dups[clone] = true
	}
}

func sameGreens(a, b []Operand) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		c, ok := a[i].(*Const)
		if !ok || !c.SameConstant(b[i]) {
			return false
		}
	}
	return true
}

// compileLoop closes a loop from the merge point at start to the
// current position. On failure the history is left as it was.
func (m *MetaInterp) compileLoop(original, live []Operand, start int) *LoopToken {
	ng := m.sd.NumGreens
	saved := m.history.InputArgs
	inputargs := make([]*Box, 0, len(original)-ng)
	for _, op := range original[ng:] {
		b, ok := op.(*Box)
		if !ok {
			return nil
		}
		inputargs = append(inputargs, b)
	}
	greenkey := constsOf(original[:ng])
	m.history.InputArgs = inputargs
	m.record(OpJump, append([]Operand(nil), live[ng:]...), nil, nil)
	ops := append([]*Operation(nil), m.history.Operations[start:]...)
	token := m.sd.newLoopToken(greenkey, inputargs, ops)
	ops[len(ops)-1].Descr = token
	if err := m.sd.sendLoopToBackend(token, "loop"); err != nil {
		log.Warningf("compiling loop: %s", err)
		m.history.Truncate(m.history.Len() - 1)
		m.history.InputArgs = saved
		return nil
	}
	m.sd.State.attachLoop(greenkey, token)
	return token
}

// compileBridgeAtMergePoint ends the trace with a JUMP to a loop already
// compiled for the greens of live.
func (m *MetaInterp) compileBridgeAtMergePoint(live []Operand) *LoopToken {
	ng := m.sd.NumGreens
	old := m.sd.State.Tokens(constsOf(live[:ng]))
	if len(old) == 0 || old[0].Entry {
		return nil
	}
	target := old[0]
	if len(target.InputArgs) != len(live)-ng {
		return nil
	}
	jump := m.record(OpJump, append([]Operand(nil), live[ng:]...), nil, target)
	ops := append([]*Operation(nil), m.history.Operations...)
	if err := m.resumeKey.compileAndAttach(m, m.history.InputArgs, ops); err != nil {
		log.Warningf("compiling bridge into %s: %s", target, err)
		if m.history.Last() == jump {
			m.history.Truncate(m.history.Len() - 1)
		}
		return nil
	}
	return target
}

// CompileDoneWithThisFrame ends the trace with a FINISH returning
// exitbox from the portal.
func (m *MetaInterp) CompileDoneWithThisFrame(exitbox Operand) error {
	if err := m.genStoreBackInVirtualizable(); err != nil {
		return err
	}
	var args []Operand
	if m.sd.ResultKind != KindVoid {
		if exitbox == nil {
			return traceErrorf("portal returned no %s result", m.sd.ResultKind)
		}
		args = []Operand{exitbox}
	}
	m.record(OpFinish, args, nil, doneDescrFor(m.sd.ResultKind))
	return m.compileFinished()
}

// CompileExitFrameWithException ends the trace with a FINISH that
// leaves the portal raising valuebox.
func (m *MetaInterp) CompileExitFrameWithException(valuebox Operand) error {
	if err := m.genStoreBackInVirtualizable(); err != nil {
		return err
	}
	m.record(OpFinish, []Operand{valuebox}, nil, exitFrameWithExc)
	return m.compileFinished()
}

func (m *MetaInterp) compileFinished() error {
	ops := append([]*Operation(nil), m.history.Operations...)
	return m.resumeKey.compileAndAttach(m, m.history.InputArgs, ops)
}
