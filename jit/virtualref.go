package jit

import (
	"github.com/chazu/metatrace/gc"
)

// Words of a JIT_VIRTUAL_REF object after the class word.
const (
	vrefTokenWord  = 1
	vrefForcedWord = 2
)

// VirtualRefInfo manages the JIT_VIRTUAL_REF objects created while
// tracing a virtual_ref. Compiled code passes the referenced object
// itself; a vref object only exists for the tracer, which must learn
// when a residual call forces it.
type VirtualRefInfo struct {
	Class *Class
}

// NewVirtualRefInfo registers the JIT_VIRTUAL_REF class.
func NewVirtualRefInfo(cpu *CPU) (*VirtualRefInfo, error) {
	cls, err := cpu.DefineClass("JIT_VIRTUAL_REF", nil, 2, []int{vrefForcedWord})
	if err != nil {
		return nil, err
	}
	return &VirtualRefInfo{Class: cls}, nil
}

// VirtualRefDuringTracing allocates a vref to obj.
func (vr *VirtualRefInfo) VirtualRefDuringTracing(cpu *CPU, obj gc.Addr) (gc.Addr, error) {
	h := cpu.Heap
	h.AddRoot(&obj)
	vref, err := h.MallocFixed(vr.Class.Size.TypeID)
	h.RemoveRoot(&obj)
	if err != nil {
		return gc.Null, err
	}
	h.WriteWord(vref, 0, uint64(vr.Class.ID))
	h.WriteWord(vref, vrefTokenWord, uint64(vableTokenNone))
	h.WriteRef(vref, vrefForcedWord, obj)
	return vref, nil
}

// IsVirtualRef reports whether ref is a JIT_VIRTUAL_REF.
func (vr *VirtualRefInfo) IsVirtualRef(cpu *CPU, ref gc.Addr) bool {
	return ref != gc.Null && cpu.Heap.TypeID(ref) == vr.Class.Size.TypeID
}

func (vr *VirtualRefInfo) token(cpu *CPU, vref gc.Addr) int64 {
	return int64(cpu.Heap.ReadWord(vref, vrefTokenWord))
}

func (vr *VirtualRefInfo) setToken(cpu *CPU, vref gc.Addr, tok int64) {
	cpu.Heap.WriteWord(vref, vrefTokenWord, uint64(tok))
}

// TracingBeforeResidualCall marks vref as watched during a residual call.
func (vr *VirtualRefInfo) TracingBeforeResidualCall(cpu *CPU, vref gc.Addr) {
	if !vr.IsVirtualRef(cpu, vref) {
		return
	}
	vr.setToken(cpu, vref, vableTokenTracingRescall)
}

// TracingAfterResidualCall reports whether the residual call forced
// vref; otherwise it clears the mark.
func (vr *VirtualRefInfo) TracingAfterResidualCall(cpu *CPU, vref gc.Addr) bool {
	if !vr.IsVirtualRef(cpu, vref) {
		return false
	}
	if vr.token(cpu, vref) != vableTokenNone {
		vr.setToken(cpu, vref, vableTokenNone)
		return false
	}
	return true
}

// ContinueTracing points vref at obj again when tracing resumes from a
// guard.
func (vr *VirtualRefInfo) ContinueTracing(cpu *CPU, vref, obj gc.Addr) {
	if !vr.IsVirtualRef(cpu, vref) {
		return
	}
	vr.setToken(cpu, vref, vableTokenNone)
	cpu.Heap.WriteRef(vref, vrefForcedWord, obj)
}

// ForceVirtual returns the object behind ref. A reference that is not a
// vref is the object itself.
func (vr *VirtualRefInfo) ForceVirtual(cpu *CPU, ref gc.Addr) (gc.Addr, error) {
	if !vr.IsVirtualRef(cpu, ref) {
		return ref, nil
	}
	switch tok := vr.token(cpu, ref); tok {
	case vableTokenNone:
	case vableTokenTracingRescall:
		// The tracer learns the vref escaped from the cleared token.
		vr.setToken(cpu, ref, vableTokenNone)
	default:
		return gc.Null, traceErrorf("virtual reference held by compiled activation %d", tok)
	}
	obj := cpu.Heap.ReadRef(ref, vrefForcedWord)
	if obj == gc.Null {
		return gc.Null, ErrInvalidVirtualRef
	}
	return obj, nil
}
