package gc

import "fmt"

// TypeInfo describes the layout of one object type.
type TypeInfo struct {
	Name string

	// FixedSize is the size of the fixed part in bytes, header excluded.
	FixedSize int

	// PtrOffsets are the word indexes of GC pointers in the fixed part.
	PtrOffsets []int

	// VarSize types have a variable part of Length items.
	VarSize   bool
	ItemSize  int
	ItemIsPtr bool

	// Weakref types hold one weak pointer at word WeakPtrOffset of the
	// fixed part. The weak pointer must not be listed in PtrOffsets.
	Weakref       bool
	WeakPtrOffset int

	// Finalizer runs once the object became unreachable.
	Finalizer func(g *GC, obj Addr)
}

func (t *TypeInfo) fixedWords() int { return t.FixedSize / WordSize }

func (t *TypeInfo) hasGCPtrsInVarsize() bool { return t.VarSize && t.ItemIsPtr }

func (t *TypeInfo) isWeakref() bool { return t.Weakref }

// nonvarsize is the allocation size without items: header, fixed part and
// the length word of varsize objects.
func (t *TypeInfo) nonvarsize() int {
	n := WordSize + t.FixedSize
	if t.VarSize {
		n += WordSize
	}
	return n
}

// shadowTypeID is the invalid type of a reserved but unused shadow.
const shadowTypeID = 0

// RegisterType adds a type and returns its id. Type ids start at 1.
func (g *GC) RegisterType(info TypeInfo) (uint16, error) {
	if info.FixedSize < 0 || info.FixedSize%WordSize != 0 {
		return 0, fmt.Errorf("gc: type %s: fixed size %d is not word aligned", info.Name, info.FixedSize)
	}
	for _, off := range info.PtrOffsets {
		if off < 0 || off >= info.fixedWords() {
			return 0, fmt.Errorf("gc: type %s: pointer offset %d out of range", info.Name, off)
		}
	}
	if info.VarSize && (info.ItemSize <= 0 || info.ItemSize > WordSize) {
		return 0, fmt.Errorf("gc: type %s: item size %d unsupported", info.Name, info.ItemSize)
	}
	if info.Weakref && (info.WeakPtrOffset < 0 || info.WeakPtrOffset >= info.fixedWords()) {
		return 0, fmt.Errorf("gc: type %s: weak pointer offset out of range", info.Name)
	}
	// Weakrefs always start young.
	if info.Weakref && (info.VarSize || info.Finalizer != nil || info.nonvarsize() > g.nonlargeMax) {
		return 0, fmt.Errorf("gc: type %s: weakref types must be small fixed-size objects without finalizer", info.Name)
	}
	if len(g.types) >= 1<<16 {
		return 0, fmt.Errorf("gc: too many types")
	}
	ti := info
	g.types = append(g.types, &ti)
	return uint16(len(g.types) - 1), nil
}

// TypeInfo returns the layout registered under tid.
func (g *GC) TypeInfo(tid uint16) *TypeInfo {
	if int(tid) >= len(g.types) || g.types[tid] == nil {
		return nil
	}
	return g.types[tid]
}

func (g *GC) typeOf(o *Object) *TypeInfo {
	t := g.TypeInfo(o.TypeID)
	if t == nil {
		invariant(Null, "unknown type id %d", o.TypeID)
	}
	return t
}

// totalSize is the allocation size of an object of the given type and
// length, header included.
func (g *GC) totalSize(t *TypeInfo, length int) int {
	n := roundUp(t.nonvarsize() + t.ItemSize*length)
	if n < MinimalNurserySize {
		n = MinimalNurserySize
	}
	return n
}

// trace calls fn on every non-null GC pointer of o.
func (g *GC) trace(o *Object, fn func(*Addr)) {
	t := g.typeOf(o)
	for _, off := range t.PtrOffsets {
		if p := o.ref(off); *p != Null {
			fn(p)
		}
	}
	if t.hasGCPtrsInVarsize() {
		g.tracePartial(o, 0, o.Length, fn)
	}
}

func (g *GC) tracePartial(o *Object, start, stop int, fn func(*Addr)) {
	if stop > o.Length {
		stop = o.Length
	}
	for i := start; i < stop; i++ {
		if p := o.itemRef(i); *p != Null {
			fn(p)
		}
	}
}
