package jit

import (
	"fmt"

	"github.com/chazu/metatrace/gc"
)

// LiveBox is one live register of a frame snapshot.
type LiveBox struct {
	Kind Kind
	Reg  uint8
	Op   Operand
}

// FrameSnapshot records enough of an MIFrame to rebuild it: the code, the
// position to resume at and the live registers.
type FrameSnapshot struct {
	JitCode  *JitCode
	PC       int
	Greenkey []*Const
	// Result is the kind the frame expects back from its pending call.
	Result Kind
	Boxes  []LiveBox
}

// Snapshot is the resume data of a guard: the frame stack, bottom first,
// plus the virtualizable and virtual reference boxes.
type Snapshot struct {
	Frames     []*FrameSnapshot
	VableBoxes []Operand
	VRefBoxes  []Operand
}

// ResumeGuardDescr is the descr of every guard recorded by the
// meta-interpreter. Its FailArgs are the boxes the backend must save when
// the guard fails, in DeadFrame.Values order.
type ResumeGuardDescr struct {
	Number           int
	GuardOpnum       Opnum
	OriginalGreenkey []*Const
	Snapshot         *Snapshot
	FailArgs         []*Box

	// Forced marks the GUARD_NOT_FORCED after a CALL_MAY_FORCE.
	Forced bool

	failures int
}

func (d *ResumeGuardDescr) String() string { return fmt.Sprintf("<Guard%d>", d.Number) }

func (d *ResumeGuardDescr) isFailDescr() {}

// Failures returns how many times the guard has failed.
func (d *ResumeGuardDescr) Failures() int { return d.failures }

func (d *ResumeGuardDescr) originalGreenkey() []*Const { return d.OriginalGreenkey }

func (d *ResumeGuardDescr) compileAndAttach(m *MetaInterp, inputargs []*Box, ops []*Operation) error {
	return m.sd.sendBridgeToBackend(d, inputargs, ops)
}

// WalkRoots visits the reference constants captured in the guard's
// resume data. Boxes are refilled from the dead frame on failure and are
// not visited.
func (d *ResumeGuardDescr) WalkRoots(fn func(*gc.Addr)) {
	if d.Snapshot == nil {
		return
	}
	visit := refVisitor(fn)
	for _, fs := range d.Snapshot.Frames {
		for _, lb := range fs.Boxes {
			if c, ok := lb.Op.(*Const); ok {
				visit(&c.Value)
			}
		}
	}
	for _, ops := range [][]Operand{d.Snapshot.VableBoxes, d.Snapshot.VRefBoxes} {
		for _, op := range ops {
			if c, ok := op.(*Const); ok {
				visit(&c.Value)
			}
		}
	}
}

// ResumeFromInterp is the resume key of a trace started by the
// interpreter: it has no guard to attach to, so the trace becomes an
// entry bridge for its greenkey.
type ResumeFromInterp struct {
	Greenkey []*Const
	Redkey   []*Box
}

func (r *ResumeFromInterp) originalGreenkey() []*Const { return r.Greenkey }

func (r *ResumeFromInterp) compileAndAttach(m *MetaInterp, _ []*Box, ops []*Operation) error {
	m.history.InputArgs = r.Redkey
	token := m.sd.newLoopToken(r.Greenkey, r.Redkey, ops)
	token.Entry = true
	if err := m.sd.sendLoopToBackend(token, "entry bridge"); err != nil {
		return err
	}
	m.sd.State.attachEntryBridge(r.Greenkey, token)
	return nil
}

// resumeKey is what a finished trace gets attached to.
type resumeKey interface {
	originalGreenkey() []*Const
	compileAndAttach(m *MetaInterp, inputargs []*Box, ops []*Operation) error
}

// captureResumeData snapshots the frame stack for a guard. Frames below
// the top are waiting on a call and are cached until they change. The
// top frame resumes at resumepc when it is not negative.
func (m *MetaInterp) captureResumeData(d *ResumeGuardDescr, resumepc int) {
	n := len(m.framestack)
	s := &Snapshot{Frames: make([]*FrameSnapshot, n)}
	for i, f := range m.framestack {
		top := i == n-1
		if !top && f.snapshot != nil {
			s.Frames[i] = f.snapshot
			continue
		}
		pc := f.pc
		if top && resumepc >= 0 {
			pc = resumepc
		}
		fs := &FrameSnapshot{
			JitCode:  f.jitcode,
			PC:       pc,
			Greenkey: f.greenkey,
			Result:   f.resultArgcode,
			Boxes:    f.liveBoxes(!top),
		}
		if !top {
			f.snapshot = fs
		}
		s.Frames[i] = fs
	}
	s.VableBoxes = append([]Operand(nil), m.virtualizableBoxes...)
	s.VRefBoxes = append([]Operand(nil), m.virtualrefBoxes...)
	d.Snapshot = s
	d.FailArgs = s.failArgs()
}

// failArgs lists every distinct box of the snapshot in a stable order.
func (s *Snapshot) failArgs() []*Box {
	seen := make(map[*Box]bool)
	var out []*Box
	add := func(op Operand) {
		if b, ok := op.(*Box); ok && !seen[b] {
			seen[b] = true
			out = append(out, b)
		}
	}
	for _, fs := range s.Frames {
		for _, lb := range fs.Boxes {
			add(lb.Op)
		}
	}
	for _, op := range s.VableBoxes {
		add(op)
	}
	for _, op := range s.VRefBoxes {
		add(op)
	}
	return out
}

// rebuildFromResumeData recreates the frame stack of a failed guard with
// fresh boxes holding values. It returns the new boxes in FailArgs order.
func (m *MetaInterp) rebuildFromResumeData(d *ResumeGuardDescr, values []Value) ([]*Box, error) {
	if len(values) != len(d.FailArgs) {
		return nil, traceErrorf("%s: got %d fail values, want %d", d, len(values), len(d.FailArgs))
	}
	newboxes := make([]*Box, len(values))
	mapping := make(map[*Box]*Box, len(values))
	for i, old := range d.FailArgs {
		v := values[i]
		if v.kind != old.kind {
			return nil, traceErrorf("%s: fail value %d is %s, want %s", d, i, v.kind, old.kind)
		}
		newboxes[i] = NewBox(v)
		mapping[old] = newboxes[i]
	}
	conv := func(op Operand) Operand {
		if b, ok := op.(*Box); ok {
			return mapping[b]
		}
		return op
	}
	m.framestack = m.framestack[:0]
	for _, fs := range d.Snapshot.Frames {
		f := m.newframe(fs.JitCode, fs.Greenkey)
		f.pc = fs.PC
		f.resultArgcode = fs.Result
		for _, lb := range fs.Boxes {
			f.bank(lb.Kind)[lb.Reg] = conv(lb.Op)
		}
	}
	m.virtualizableBoxes = m.virtualizableBoxes[:0]
	for _, op := range d.Snapshot.VableBoxes {
		m.virtualizableBoxes = append(m.virtualizableBoxes, conv(op))
	}
	m.virtualrefBoxes = m.virtualrefBoxes[:0]
	for _, op := range d.Snapshot.VRefBoxes {
		m.virtualrefBoxes = append(m.virtualrefBoxes, conv(op))
	}
	return newboxes, nil
}

// refVisitor adapts a GC root callback to operand values.
func refVisitor(fn func(*gc.Addr)) func(*Value) {
	return func(v *Value) {
		if v.kind == KindRef {
			fn(&v.R)
		}
	}
}

// vableValues maps the guard's virtualizable boxes to their values in a
// set of fail values.
func (d *ResumeGuardDescr) vableValues(values []Value) ([]Value, error) {
	if d.Snapshot == nil {
		return nil, nil
	}
	if len(values) != len(d.FailArgs) {
		return nil, traceErrorf("%s: got %d fail values, want %d", d, len(values), len(d.FailArgs))
	}
	pos := make(map[*Box]int, len(d.FailArgs))
	for i, b := range d.FailArgs {
		pos[b] = i
	}
	out := make([]Value, len(d.Snapshot.VableBoxes))
	for i, op := range d.Snapshot.VableBoxes {
		if b, ok := op.(*Box); ok {
			out[i] = values[pos[b]]
		} else {
			out[i] = op.Val()
		}
	}
	return out, nil
}
