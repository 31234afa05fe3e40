package gc

import (
	"fmt"
	"strings"
)

// Addr is the address of a heap object. Objects live in a simulated
// address space split into disjoint ranges, one per allocation source.
type Addr uint64

// Null is the null reference.
const Null Addr = 0

const (
	nurseryBase  Addr = 0x0000_0100_0000_0000
	arenaBase    Addr = 0x0000_0200_0000_0000
	rawBase      Addr = 0x0000_0300_0000_0000
	prebuiltBase Addr = 0x0000_0400_0000_0000
	rangeSize    Addr = 0x0000_0100_0000_0000
)

func (a Addr) String() string {
	if a == Null {
		return "NULL"
	}
	return fmt.Sprintf("0x%x", uint64(a))
}

func (a Addr) isPrebuilt() bool {
	return a >= prebuiltBase && a < prebuiltBase+rangeSize
}

// Flags are the per-object GC bits stored in the header.
type Flags uint16

const (
	// NoYoungPtrs is set on old objects known not to point into the
	// nursery. The write barrier triggers while it is set.
	NoYoungPtrs Flags = 1 << iota

	// NoHeapPtrs marks a prebuilt object that does not point to any
	// collectable object. Such objects are skipped by marking.
	NoHeapPtrs

	// Visited is the mark bit of a major collection.
	Visited

	// HasShadow is set on a nursery object whose address escaped through
	// id() and that already has a reserved place outside the nursery.
	HasShadow

	// FinalizationOrdering is used while ordering finalizers.
	FinalizationOrdering

	// HasCards is set on large arrays carrying card marks.
	HasCards

	// CardsSet is set when at least one card bit is set.
	CardsSet
)

var flagNames = []string{
	"NO_YOUNG_PTRS", "NO_HEAP_PTRS", "VISITED", "HAS_SHADOW",
	"FINALIZATION_ORDERING", "HAS_CARDS", "CARDS_SET",
}

func (f Flags) String() string {
	if f == 0 {
		return "0"
	}
	var parts []string
	for i, name := range flagNames {
		if f&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, "|")
}

// Header is the GC header of every object.
type Header struct {
	TypeID uint16
	Flags  Flags
}

func (h Header) has(f Flags) bool { return h.Flags&f != 0 }
func (h *Header) set(f Flags)     { h.Flags |= f }
func (h *Header) clear(f Flags)   { h.Flags &^= f }

// Object is the payload of an allocation. Fixed holds the fixed-size part
// word by word and Items the variable part, one word per item.
type Object struct {
	Header
	Length int
	Fixed  []uint64
	Items  []uint64
	cards  []byte
}

func (o *Object) ref(i int) *Addr {
	return (*Addr)(&o.Fixed[i])
}

func (o *Object) itemRef(i int) *Addr {
	return (*Addr)(&o.Items[i])
}

// heapSlot is what a nursery address holds: either a live object or, once
// the object was evacuated, the address it was moved to.
type heapSlot struct {
	obj     *Object
	forward Addr
}

func (s *heapSlot) live() (*Object, bool) {
	return s.obj, s.obj != nil
}

func (s *heapSlot) forwarded() (Addr, bool) {
	return s.forward, s.obj == nil
}

func (s *heapSlot) setForward(to Addr) {
	if s.obj == nil {
		invariant(to, "object forwarded twice")
	}
	s.obj = nil
	s.forward = to
}
