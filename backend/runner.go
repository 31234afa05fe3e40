package backend

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/chazu/metatrace/gc"
	"github.com/chazu/metatrace/jit"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("metatrace.backend")

// ---------------------------------------------------------------------------
// Compiled code
// ---------------------------------------------------------------------------

// operand is an argument of a compiled operation: a slot of the
// activation, or a constant when slot is negative.
type operand struct {
	slot  int
	konst *jit.Const
}

// compiledOp is an operation whose boxes are resolved to slots.
type compiledOp struct {
	op       *jit.Operation
	args     []operand
	result   int // -1 when the operation has no result
	failArgs []int
}

// compiledTrace is a loop, an entry bridge or a bridge.
type compiledTrace struct {
	name      string
	numSlots  int
	inputargs []int
	ops       []compiledOp
}

// compile numbers the boxes of a trace. Every box must be an input
// argument or the result of an earlier operation.
func compile(name string, inputargs []*jit.Box, ops []*jit.Operation) (*compiledTrace, error) {
	if len(ops) == 0 || !ops[len(ops)-1].Opnum.IsFinal() {
		return nil, fmt.Errorf("backend: %s does not end with jump or finish", name)
	}
	slots := make(map[*jit.Box]int)
	define := func(b *jit.Box) int {
		if s, ok := slots[b]; ok {
			return s
		}
		s := len(slots)
		slots[b] = s
		return s
	}
	ct := &compiledTrace{name: name, inputargs: make([]int, len(inputargs))}
	for i, b := range inputargs {
		if _, dup := slots[b]; dup {
			return nil, fmt.Errorf("backend: %s: input argument %d repeated", name, i)
		}
		ct.inputargs[i] = define(b)
	}
	use := func(op jit.Operand, i int, what string) (operand, error) {
		if c, ok := op.(*jit.Const); ok {
			return operand{slot: -1, konst: c}, nil
		}
		b := op.(*jit.Box)
		s, ok := slots[b]
		if !ok {
			return operand{}, fmt.Errorf("backend: %s: operation %d uses undefined box %s", name, i, what)
		}
		return operand{slot: s}, nil
	}
	ct.ops = make([]compiledOp, len(ops))
	for i, op := range ops {
		cop := compiledOp{op: op, result: -1}
		for _, a := range op.Args {
			o, err := use(a, i, a.String())
			if err != nil {
				return nil, err
			}
			cop.args = append(cop.args, o)
		}
		if op.Opnum.IsGuard() {
			if _, ok := op.Descr.(*jit.ResumeGuardDescr); !ok {
				return nil, fmt.Errorf("backend: %s: guard %d without resume data", name, i)
			}
			for _, b := range op.FailArgs {
				o, err := use(b, i, b.String())
				if err != nil {
					return nil, err
				}
				cop.failArgs = append(cop.failArgs, o.slot)
			}
		}
		if op.Result != nil {
			cop.result = define(op.Result)
		}
		ct.ops[i] = cop
	}
	ct.numSlots = len(slots)
	return ct, nil
}

// walkRoots visits the reference constants of the trace.
func (ct *compiledTrace) walkRoots(fn func(*gc.Addr)) {
	for i := range ct.ops {
		cop := &ct.ops[i]
		for _, a := range cop.args {
			if a.konst != nil && a.konst.Kind() == jit.KindRef {
				fn(&a.konst.R)
			}
		}
		if d, ok := cop.op.Descr.(*jit.ResumeGuardDescr); ok {
			d.WalkRoots(fn)
		}
	}
}

// ---------------------------------------------------------------------------
// Runner
// ---------------------------------------------------------------------------

// activation is one running Execute.
type activation struct {
	token  int64
	regs   []jit.Value
	forced bool
	// pending is the GUARD_NOT_FORCED after the call being executed.
	pending *compiledOp
}

// Stats holds runner statistics.
type Stats struct {
	Loops         uint64
	Bridges       uint64
	Executions    uint64
	GuardFailures uint64
	Forced        uint64
}

// Runner is a jit.Backend that executes traces by interpreting them.
type Runner struct {
	cpu *jit.CPU

	mu      sync.RWMutex
	loops   map[*jit.LoopToken]*compiledTrace
	bridges map[*jit.ResumeGuardDescr]*compiledTrace
	active  []*activation

	nextToken int64

	loopCount     uint64
	bridgeCount   uint64
	executions    uint64
	guardFailures uint64
	forced        uint64
}

// New creates a Runner for cpu, installs it as the CPU's backend and
// registers it as a GC root walker.
func New(cpu *jit.CPU) *Runner {
	r := &Runner{
		cpu:     cpu,
		loops:   make(map[*jit.LoopToken]*compiledTrace),
		bridges: make(map[*jit.ResumeGuardDescr]*compiledTrace),
	}
	cpu.Backend = r
	cpu.Heap.AddRootWalker(r)
	return r
}

// CompileLoop implements jit.Backend.
func (r *Runner) CompileLoop(token *jit.LoopToken, inputargs []*jit.Box, ops []*jit.Operation) error {
	ct, err := compile(token.String(), inputargs, ops)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.loops[token] = ct
	r.mu.Unlock()
	atomic.AddUint64(&r.loopCount, 1)
	log.Debugf("compiled %s: %d operations, %d slots", token, len(ops), ct.numSlots)
	return nil
}

// CompileBridge implements jit.Backend. The bridge's input arguments
// receive the guard's fail arguments in order.
func (r *Runner) CompileBridge(guard *jit.ResumeGuardDescr, inputargs []*jit.Box, ops []*jit.Operation) error {
	if len(inputargs) != len(guard.FailArgs) {
		return fmt.Errorf("backend: bridge from %s takes %d arguments, the guard saves %d", guard, len(inputargs), len(guard.FailArgs))
	}
	ct, err := compile("bridge from "+guard.String(), inputargs, ops)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.bridges[guard] = ct
	r.mu.Unlock()
	atomic.AddUint64(&r.bridgeCount, 1)
	log.Debugf("compiled bridge from %s: %d operations", guard, len(ops))
	return nil
}

func (r *Runner) loop(token *jit.LoopToken) (*compiledTrace, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ct := r.loops[token]
	if ct == nil {
		return nil, fmt.Errorf("backend: %s was never compiled", token)
	}
	return ct, nil
}

func (r *Runner) bridge(guard *jit.ResumeGuardDescr) *compiledTrace {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bridges[guard]
}

func (r *Runner) push() *activation {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextToken++
	a := &activation{token: r.nextToken}
	r.active = append(r.active, a)
	return a
}

func (r *Runner) pop(a *activation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.active) - 1; i >= 0; i-- {
		if r.active[i] == a {
			r.active = append(r.active[:i], r.active[i+1:]...)
			return
		}
	}
}

// enter loads values into the input slots of ct.
func (a *activation) enter(ct *compiledTrace, values []jit.Value) error {
	if len(values) != len(ct.inputargs) {
		return fmt.Errorf("backend: %s takes %d arguments, got %d", ct.name, len(ct.inputargs), len(values))
	}
	a.regs = make([]jit.Value, ct.numSlots)
	for i, s := range ct.inputargs {
		a.regs[s] = values[i]
	}
	return nil
}

func (a *activation) value(o operand) jit.Value {
	if o.konst != nil {
		return o.konst.Val()
	}
	return a.regs[o.slot]
}

func (a *activation) values(os []operand) []jit.Value {
	vals := make([]jit.Value, len(os))
	for i, o := range os {
		vals[i] = a.value(o)
	}
	return vals
}

func (a *activation) failValues(cop *compiledOp) []jit.Value {
	vals := make([]jit.Value, len(cop.failArgs))
	for i, s := range cop.failArgs {
		vals[i] = a.regs[s]
	}
	return vals
}

// Execute implements jit.Backend. It runs token until a FINISH or a
// guard without a bridge.
func (r *Runner) Execute(token *jit.LoopToken, args []jit.Value) (*jit.DeadFrame, error) {
	ct, err := r.loop(token)
	if err != nil {
		return nil, err
	}
	atomic.AddUint64(&r.executions, 1)
	a := r.push()
	defer r.pop(a)
	if err := a.enter(ct, args); err != nil {
		return nil, err
	}
	for {
		next, values, df, err := r.run(a, ct)
		if err != nil || df != nil {
			return df, err
		}
		if err := a.enter(next, values); err != nil {
			return nil, err
		}
		ct = next
	}
}

// run executes ct once. It returns the trace to continue in with its
// input values, or the dead frame that leaves compiled code.
func (r *Runner) run(a *activation, ct *compiledTrace) (*compiledTrace, []jit.Value, *jit.DeadFrame, error) {
	for i := range ct.ops {
		cop := &ct.ops[i]
		op := cop.op
		switch {
		case op.Opnum == jit.OpJump:
			target, ok := op.Descr.(*jit.LoopToken)
			if !ok {
				return nil, nil, nil, fmt.Errorf("backend: %s: jump without a target", ct.name)
			}
			next, err := r.loop(target)
			if err != nil {
				return nil, nil, nil, err
			}
			return next, a.values(cop.args), nil, nil

		case op.Opnum == jit.OpFinish:
			d, ok := op.Descr.(jit.FailDescr)
			if !ok {
				return nil, nil, nil, fmt.Errorf("backend: %s: finish without a descr", ct.name)
			}
			return nil, nil, &jit.DeadFrame{Descr: d, Values: a.values(cop.args)}, nil

		case op.Opnum.IsGuard():
			ok, res, err := r.checkGuard(a, cop)
			if err != nil {
				return nil, nil, nil, err
			}
			if ok {
				if cop.result >= 0 {
					a.regs[cop.result] = res
				}
				continue
			}
			return r.guardFailed(a, cop)

		case op.Opnum == jit.OpForceToken:
			a.regs[cop.result] = jit.IntValue(a.token)

		default:
			if op.Opnum == jit.OpCallMayForce {
				a.pending = r.notForcedAfter(ct, i)
			}
			res, err := jit.Execute(r.cpu, op.Opnum, op.Descr, a.values(cop.args))
			a.pending = nil
			if err != nil {
				return nil, nil, nil, err
			}
			if cop.result >= 0 {
				a.regs[cop.result] = res
			}
		}
	}
	return nil, nil, nil, fmt.Errorf("backend: %s ran off its end", ct.name)
}

func (r *Runner) checkGuard(a *activation, cop *compiledOp) (bool, jit.Value, error) {
	if cop.op.Opnum == jit.OpGuardNotForced {
		ok := !a.forced
		a.forced = false
		return ok, jit.Value{}, nil
	}
	return jit.CheckGuard(r.cpu, cop.op.Opnum, a.values(cop.args))
}

// guardFailed continues into the guard's bridge, or leaves compiled
// code with the guard's fail values and the pending exception.
func (r *Runner) guardFailed(a *activation, cop *compiledOp) (*compiledTrace, []jit.Value, *jit.DeadFrame, error) {
	d := cop.op.Descr.(*jit.ResumeGuardDescr)
	values := a.failValues(cop)
	if br := r.bridge(d); br != nil {
		return br, values, nil, nil
	}
	atomic.AddUint64(&r.guardFailures, 1)
	return nil, nil, &jit.DeadFrame{
		Descr:  d,
		Values: values,
		Exc:    jit.RefValue(r.cpu.GrabExcValue()),
	}, nil
}

// notForcedAfter finds the GUARD_NOT_FORCED that follows the call at i.
func (r *Runner) notForcedAfter(ct *compiledTrace, i int) *compiledOp {
	for j := i + 1; j < len(ct.ops); j++ {
		switch ct.ops[j].op.Opnum {
		case jit.OpGuardNotForced:
			return &ct.ops[j]
		case jit.OpCall, jit.OpCallMayForce, jit.OpCallAssembler, jit.OpJump, jit.OpFinish:
			return nil
		}
	}
	return nil
}

// Force implements jit.Backend.
func (r *Runner) Force(token int64) (*jit.ResumeGuardDescr, []jit.Value, error) {
	r.mu.RLock()
	var a *activation
	for _, act := range r.active {
		if act.token == token {
			a = act
			break
		}
	}
	r.mu.RUnlock()
	if a == nil {
		return nil, nil, fmt.Errorf("backend: no running activation with force token %d", token)
	}
	if a.pending == nil {
		return nil, nil, fmt.Errorf("backend: activation %d is not in a call that may force", token)
	}
	a.forced = true
	atomic.AddUint64(&r.forced, 1)
	log.Debugf("forced activation %d", token)
	return a.pending.op.Descr.(*jit.ResumeGuardDescr), a.failValues(a.pending), nil
}

// WalkRoots visits the references of running activations and the
// constants of compiled traces.
func (r *Runner) WalkRoots(fn func(*gc.Addr)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.active {
		for i := range a.regs {
			if a.regs[i].Kind() == jit.KindRef {
				fn(&a.regs[i].R)
			}
		}
	}
	for token, ct := range r.loops {
		for _, c := range token.Greenkey {
			if c.Kind() == jit.KindRef {
				fn(&c.R)
			}
		}
		ct.walkRoots(fn)
	}
	for _, ct := range r.bridges {
		ct.walkRoots(fn)
	}
}

// Stats returns runner statistics.
func (r *Runner) Stats() Stats {
	return Stats{
		Loops:         atomic.LoadUint64(&r.loopCount),
		Bridges:       atomic.LoadUint64(&r.bridgeCount),
		Executions:    atomic.LoadUint64(&r.executions),
		GuardFailures: atomic.LoadUint64(&r.guardFailures),
		Forced:        atomic.LoadUint64(&r.forced),
	}
}
