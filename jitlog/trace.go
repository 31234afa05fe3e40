// Package jitlog records what the JIT compiled: traces serialized to
// CBOR and a persistent SQLite log of loops, bridges and aborts.
package jitlog

import (
	"fmt"

	"github.com/chazu/metatrace/jit"
	"github.com/fxamacker/cbor/v2"
)

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("jitlog: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// OpRecord is one operation of a serialized trace. Operands are rendered
// with the names of a jit.Logger.
type OpRecord struct {
	Opnum    string   `cbor:"1,keyasint"`
	Result   string   `cbor:"2,keyasint,omitempty"`
	Args     []string `cbor:"3,keyasint,omitempty"`
	Descr    string   `cbor:"4,keyasint,omitempty"`
	Guard    int      `cbor:"5,keyasint,omitempty"`
	FailArgs []string `cbor:"6,keyasint,omitempty"`
}

// TraceRecord is a compiled loop or bridge in a form that outlives the
// process that recorded it.
type TraceRecord struct {
	ID        string     `cbor:"1,keyasint"`
	Kind      string     `cbor:"2,keyasint"`
	Greenkey  string     `cbor:"3,keyasint"`
	Token     int        `cbor:"4,keyasint,omitempty"`
	Guard     int        `cbor:"5,keyasint,omitempty"`
	InputArgs []string   `cbor:"6,keyasint"`
	Ops       []OpRecord `cbor:"7,keyasint"`
}

// NewTraceRecord converts a compiled trace. Box names are assigned in
// order of appearance, starting at i0/p0/f0 for every record.
func NewTraceRecord(t *jit.CompiledTrace) *TraceRecord {
	names := jit.NewLogger()
	rec := &TraceRecord{
		ID:       t.ID.String(),
		Kind:     t.Kind,
		Greenkey: t.Greenkey,
		Guard:    t.Guard,
	}
	if t.Token != nil {
		rec.Token = t.Token.Number
	}
	for _, b := range t.InputArgs {
		rec.InputArgs = append(rec.InputArgs, names.Name(b))
	}
	for _, op := range t.Operations {
		or := OpRecord{Opnum: op.Opnum.String()}
		if op.Result != nil {
			or.Result = names.Name(op.Result)
		}
		for _, a := range op.Args {
			or.Args = append(or.Args, names.Name(a))
		}
		if op.Descr != nil {
			or.Descr = op.Descr.String()
		}
		if d, ok := op.Descr.(*jit.ResumeGuardDescr); ok {
			or.Guard = d.Number
		}
		for _, b := range op.FailArgs {
			or.FailArgs = append(or.FailArgs, names.Name(b))
		}
		rec.Ops = append(rec.Ops, or)
	}
	return rec
}

// Guards returns the guard numbers of the trace, in order.
func (r *TraceRecord) Guards() []int {
	var out []int
	for _, op := range r.Ops {
		if op.Guard != 0 {
			out = append(out, op.Guard)
		}
	}
	return out
}

// MarshalTrace serializes a TraceRecord to canonical CBOR bytes.
func MarshalTrace(r *TraceRecord) ([]byte, error) {
	return cborEncMode.Marshal(r)
}

// UnmarshalTrace deserializes a TraceRecord from CBOR bytes.
func UnmarshalTrace(data []byte) (*TraceRecord, error) {
	var r TraceRecord
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("jitlog: unmarshal trace: %w", err)
	}
	return &r, nil
}
