package jit

import (
	"errors"
)

// Driver runs the portal, switching between plain interpretation,
// tracing and compiled code.
type Driver struct {
	sd *StaticData
}

// NewDriver creates the driver of sd. It also serves residual portal
// calls and CALL_ASSEMBLERs that leave compiled code through a guard.
func NewDriver(sd *StaticData) *Driver {
	d := &Driver{sd: sd}
	sd.runPortal = d.Run
	sd.CPU.assemblerHelper = d.assemblerHelper
	return d
}

// StaticData returns the JIT state the driver runs on.
func (d *Driver) StaticData() *StaticData { return d.sd }

// Run executes the portal on args, greens first, and returns its
// result. An exception leaving the portal is returned as an
// *ExceptionError. Reference results are not GC roots once returned.
func (d *Driver) Run(args []Value) (Value, error) {
	if len(args) < d.sd.NumGreens {
		return Value{}, traceErrorf("portal needs %d green arguments, got %d", d.sd.NumGreens, len(args))
	}
	for {
		r := d.step(args)
		switch r.Kind {
		case StepContinueRunningNormally:
			args = valuesOf(r.Args)
		case StepFinished:
			return r.Value, nil
		case StepExitWithException:
			return Value{}, &ExceptionError{Class: d.sd.CPU.ClassOf(r.Value.R), Value: r.Value}
		case StepError:
			return Value{}, r.Err
		default:
			return Value{}, traceErrorf("portal stopped with %s", r.Kind)
		}
	}
}

func (d *Driver) step(args []Value) StepResult {
	sd := d.sd
	greenkey := constsOf(boxesFrom(args[:sd.NumGreens], sd.NumGreens))
	if token := sd.State.EntryToken(greenkey); token != nil {
		inputs, err := d.enterArgs(args)
		if err != nil {
			return stepError(err)
		}
		return d.execute(token, inputs)
	}
	if sd.State.IsHot(greenkey) && !sd.tracing() {
		sd.State.startTracing(greenkey)
		r := NewMetaInterp(sd).CompileAndRunOnce(args)
		if r.Kind == StepLoopCompiled {
			return d.execute(r.Token, valuesOf(r.Args))
		}
		return r
	}
	return NewMetaInterp(sd).RunInterpreter(args)
}

// enterArgs turns portal arguments into the input arguments of an
// entry token: the reds followed by the virtualizable's fields.
func (d *Driver) enterArgs(args []Value) ([]Value, error) {
	sd := d.sd
	inputs := append([]Value(nil), args[sd.NumGreens:]...)
	if vinfo := sd.VableInfo; vinfo != nil {
		if vinfo.Index >= len(args) {
			return nil, traceErrorf("virtualizable argument %d out of range", vinfo.Index)
		}
		vable := args[vinfo.Index].R
		if err := vinfo.ClearVableToken(sd.CPU, vable); err != nil {
			return nil, err
		}
		inputs = append(inputs, vinfo.readValues(sd.CPU, vable)...)
	}
	return inputs, nil
}

// execute runs token until compiled code is left for good: through a
// FINISH, or through a guard whose resumption reached the interpreter.
func (d *Driver) execute(token *LoopToken, inputs []Value) StepResult {
	be, err := d.sd.backend()
	if err != nil {
		return stepError(err)
	}
	if d.sd.Options.DebugLevel >= DebugSteps {
		log.Debugf("entering %s", token)
	}
	df, err := be.Execute(token, inputs)
	if err != nil {
		return stepError(err)
	}
	for {
		r := d.handleDeadFrame(df)
		if r.Kind != StepLoopCompiled {
			return r
		}
		if df, err = be.Execute(r.Token, valuesOf(r.Args)); err != nil {
			return stepError(err)
		}
	}
}

func (d *Driver) handleDeadFrame(df *DeadFrame) StepResult {
	switch descr := df.Descr.(type) {
	case *DoneDescr:
		if descr.IsException() {
			return StepResult{Kind: StepExitWithException, Value: df.Values[0]}
		}
		var v Value
		if len(df.Values) > 0 {
			v = df.Values[0]
		}
		return StepResult{Kind: StepFinished, Value: v}
	case *ResumeGuardDescr:
		sd := d.sd
		m := NewMetaInterp(sd)
		if descr.Forced || sd.tracing() || !sd.State.MustCompileFromFailure(descr) {
			return m.ResumeInBlackhole(descr, df)
		}
		return m.HandleGuardFailure(descr, df)
	}
	return stepError(traceErrorf("compiled code left through %v", df.Descr))
}

// assemblerHelper finishes a CALL_ASSEMBLER whose callee failed a guard.
func (d *Driver) assemblerHelper(df *DeadFrame) (Value, error) {
	cpu := d.sd.CPU
	r := d.handleDeadFrame(df)
	if r.Kind == StepLoopCompiled {
		r = d.execute(r.Token, valuesOf(r.Args))
	}
	switch r.Kind {
	case StepContinueRunningNormally:
		v, err := d.Run(valuesOf(r.Args))
		var exc *ExceptionError
		if errors.As(err, &exc) {
			cpu.SetPendingException(exc.Value.R)
			return zeroValue(d.sd.ResultKind), nil
		}
		return v, err
	case StepFinished:
		return r.Value, nil
	case StepExitWithException:
		cpu.SetPendingException(r.Value.R)
		return zeroValue(d.sd.ResultKind), nil
	case StepError:
		return Value{}, r.Err
	}
	return Value{}, traceErrorf("call_assembler stopped with %s", r.Kind)
}
