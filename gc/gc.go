// Package gc implements a generational, moving garbage collector over a
// simulated address space. Young objects are bump-allocated in a nursery
// and copied out by minor collections; old objects live in an arena
// collection or in raw allocations and are reclaimed by a non-moving
// mark-and-sweep major collection.
//
// The collector assumes a single mutator thread.
package gc

import (
	"fmt"
	"math"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("metatrace.gc")

// RootWalker enumerates root slots. The callback may update a slot in
// place when the object it points to moves.
type RootWalker interface {
	WalkRoots(func(*Addr))
}

// GC is a MiniMark-style generational collector.
type GC struct {
	params Params
	types  []*TypeInfo

	nursery     Addr
	nurseryFree Addr
	nurseryTop  Addr
	nurserySize int
	young       map[Addr]*heapSlot

	// old holds every object outside the nursery, prebuilt ones included.
	old map[Addr]*Object

	ac                   *ArenaCollection
	rawNext              Addr
	rawSizes             map[Addr]int
	rawmallocedObjects   []Addr
	rawmallocedTotalSize int
	prebuiltNext         Addr

	nonlargeMax       int
	nonlargeGCPtrsMax int
	cardPageShift     uint
	minHeapSize       float64
	maxHeapSize       float64

	nextMajorCollectionThreshold float64
	maxHeapSizeAlreadyRaised     bool

	oldObjectsPointingToYoung []Addr
	oldObjectsWithCardsSet    []Addr
	prebuiltRootObjects       []Addr
	youngObjectsShadows       map[Addr]Addr
	youngObjectsWithWeakrefs  []Addr
	oldObjectsWithWeakrefs    []Addr
	objectsWithFinalizers     []Addr
	runFinalizers             []Addr
	objectsToTrace            []Addr
	finalizerLock             int

	roots   []*Addr
	walkers []RootWalker

	stats Stats
}

// New builds a collector with an empty heap.
func New(params Params) (*GC, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	if params.OnFatal == nil {
		params.OnFatal = func(err error) {
			log.Critical(err.Error())
			panic(err)
		}
	}
	g := &GC{
		params:              params,
		types:               []*TypeInfo{{Name: "shadow"}},
		old:                 make(map[Addr]*Object),
		rawNext:             rawBase,
		rawSizes:            make(map[Addr]int),
		prebuiltNext:        prebuiltBase,
		youngObjectsShadows: make(map[Addr]Addr),
		ac: NewArenaCollection(params.ArenaSize, params.PageSize,
			params.SmallRequestThreshold, params.MaxArenas),
	}

	// Objects larger than these limits are allocated outside the nursery.
	g.nonlargeMax = params.LargeObject - 1
	g.nonlargeGCPtrsMax = params.LargeObjectGCPtrs - 1
	if params.CardPageIndices > 0 {
		for 1<<g.cardPageShift < params.CardPageIndices {
			g.cardPageShift++
		}
	}

	size := params.NurserySize
	if size <= WordSize {
		size = 0
		g.params.DebugAlwaysMinorCollect = true
	}
	if minsize := 2 * (g.nonlargeGCPtrsMax + 1); size < minsize {
		size = minsize
	}
	g.allocateNursery(size)

	if params.MaxHeapSize > 0 {
		g.SetMaxHeapSize(params.MaxHeapSize)
	}
	return g, nil
}

func (g *GC) allocateNursery(size int) {
	g.nurserySize = size
	g.nursery = nurseryBase
	g.nurseryFree = g.nursery
	g.nurseryTop = g.nursery + Addr(size)
	g.young = make(map[Addr]*heapSlot)

	g.minHeapSize = math.Max(g.params.MinHeapSize, float64(size)*g.params.MajorCollectionThreshold)
	g.nextMajorCollectionThreshold = g.minHeapSize
	g.setMajorThresholdFrom(0, 0)
	if g.params.DebugAlwaysMinorCollect {
		g.nurseryFree = g.nurseryTop
	}
}

// Params returns the parameters the collector runs with.
func (g *GC) Params() Params { return g.params }

// NurserySize is the effective size of the nursery.
func (g *GC) NurserySize() int { return g.nurserySize }

// IsInNursery reports whether addr points into the young generation.
func (g *GC) IsInNursery(addr Addr) bool {
	return addr >= g.nursery && addr < g.nurseryTop
}

// CanMove reports whether the object at addr may still be moved.
func (g *GC) CanMove(addr Addr) bool { return g.IsInNursery(addr) }

// TotalMemoryUsed is the number of bytes held outside the nursery.
func (g *GC) TotalMemoryUsed() int {
	return g.ac.TotalMemoryUsed() + g.rawmallocedTotalSize
}

// AddRoot registers a single root slot.
func (g *GC) AddRoot(slot *Addr) { g.roots = append(g.roots, slot) }

// RemoveRoot unregisters a root slot added with AddRoot.
func (g *GC) RemoveRoot(slot *Addr) {
	for i, r := range g.roots {
		if r == slot {
			g.roots = append(g.roots[:i], g.roots[i+1:]...)
			return
		}
	}
}

// AddRootWalker registers a source of roots walked by every collection.
func (g *GC) AddRootWalker(w RootWalker) { g.walkers = append(g.walkers, w) }

// RemoveRootWalker unregisters w.
func (g *GC) RemoveRootWalker(w RootWalker) {
	for i, r := range g.walkers {
		if r == w {
			g.walkers = append(g.walkers[:i], g.walkers[i+1:]...)
			return
		}
	}
}

func (g *GC) walkRoots(fn func(*Addr)) {
	for _, r := range g.roots {
		if *r != Null {
			fn(r)
		}
	}
	for _, w := range g.walkers {
		w.WalkRoots(func(slot *Addr) {
			if *slot != Null {
				fn(slot)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Allocation
// ---------------------------------------------------------------------------

// MallocFixed allocates a zeroed fixed-size object of type tid.
func (g *GC) MallocFixed(tid uint16) (Addr, error) {
	t := g.TypeInfo(tid)
	if t == nil || t.VarSize {
		return Null, fmt.Errorf("gc: malloc_fixedsize: bad type id %d", tid)
	}
	totalsize := t.nonvarsize()
	if t.Finalizer != nil {
		obj, err := g.externalMalloc(tid, 0, 0)
		if err != nil {
			return Null, err
		}
		g.objectsWithFinalizers = append(g.objectsWithFinalizers, obj)
		return obj, nil
	}
	if totalsize > g.nonlargeMax {
		return g.externalMalloc(tid, 0, 0)
	}
	result, err := g.reserveInNursery(g.totalSize(t, 0))
	if err != nil {
		return Null, err
	}
	g.young[result] = &heapSlot{obj: newObject(tid, t, 0)}
	if t.isWeakref() {
		g.youngObjectsWithWeakrefs = append(g.youngObjectsWithWeakrefs, result)
	}
	g.stats.NurseryAllocations++
	return result, nil
}

// MallocVar allocates a zeroed object of type tid with length items.
func (g *GC) MallocVar(tid uint16, length int) (Addr, error) {
	t := g.TypeInfo(tid)
	if t == nil || !t.VarSize {
		return Null, fmt.Errorf("gc: malloc_varsize: bad type id %d", tid)
	}
	if length < 0 {
		return Null, fmt.Errorf("gc: malloc_varsize: negative length %d", length)
	}
	maxsize := g.nonlargeMax
	if t.hasGCPtrsInVarsize() {
		maxsize = g.nonlargeGCPtrsMax
	}
	nonvarsize := t.nonvarsize()
	if nonvarsize > maxsize || length > (maxsize-nonvarsize)/t.ItemSize {
		return g.externalMalloc(tid, length, 0)
	}
	result, err := g.reserveInNursery(g.totalSize(t, length))
	if err != nil {
		return Null, err
	}
	g.young[result] = &heapSlot{obj: newObject(tid, t, length)}
	g.stats.NurseryAllocations++
	return result, nil
}

// MallocNonmovable allocates an object directly outside the nursery.
func (g *GC) MallocNonmovable(tid uint16, length int) (Addr, error) {
	t := g.TypeInfo(tid)
	if t == nil {
		return Null, fmt.Errorf("gc: malloc_nonmovable: bad type id %d", tid)
	}
	if t.isWeakref() {
		return Null, fmt.Errorf("gc: malloc_nonmovable: weakref type %d must be allocated young", tid)
	}
	if !t.VarSize {
		length = 0
	}
	return g.externalMalloc(tid, length, 0)
}

// NewPrebuilt allocates an object that is never freed. It starts out with
// NoHeapPtrs set, so it is ignored by collections until a pointer into the
// heap is written into it.
func (g *GC) NewPrebuilt(tid uint16, length int) (Addr, error) {
	t := g.TypeInfo(tid)
	if t == nil {
		return Null, fmt.Errorf("gc: prebuilt: bad type id %d", tid)
	}
	if t.isWeakref() {
		return Null, fmt.Errorf("gc: prebuilt: weakref type %d must be allocated young", tid)
	}
	if !t.VarSize {
		length = 0
	}
	addr := g.prebuiltNext
	g.prebuiltNext += Addr(g.totalSize(t, length))
	o := newObject(tid, t, length)
	o.set(NoYoungPtrs | NoHeapPtrs)
	g.old[addr] = o
	return addr, nil
}

// NewWeakref allocates a weak reference of type tid pointing to target.
func (g *GC) NewWeakref(tid uint16, target Addr) (Addr, error) {
	t := g.TypeInfo(tid)
	if t == nil || !t.isWeakref() {
		return Null, fmt.Errorf("gc: weakref: type %d is not a weakref type", tid)
	}
	// The allocation may collect; the target slot is updated if it moves.
	g.AddRoot(&target)
	ref, err := g.MallocFixed(tid)
	g.RemoveRoot(&target)
	if err != nil {
		return Null, err
	}
	g.object(ref).Fixed[t.WeakPtrOffset] = uint64(target)
	return ref, nil
}

func newObject(tid uint16, t *TypeInfo, length int) *Object {
	o := &Object{
		Header: Header{TypeID: tid},
		Length: length,
		Fixed:  make([]uint64, t.fixedWords()),
	}
	if t.VarSize {
		o.Items = make([]uint64, length)
	}
	return o
}

func (g *GC) reserveInNursery(totalsize int) (Addr, error) {
	result := g.nurseryFree
	if result+Addr(totalsize) > g.nurseryTop {
		return g.collectAndReserve(totalsize)
	}
	g.nurseryFree = result + Addr(totalsize)
	return result, nil
}

// collectAndReserve is called when the nursery is full. It runs a minor
// collection, a major one when the old generation grew past its threshold,
// and returns room for totalsize bytes.
func (g *GC) collectAndReserve(totalsize int) (Addr, error) {
	g.MinorCollection()

	if float64(g.TotalMemoryUsed()) > g.nextMajorCollectionThreshold {
		if err := g.majorCollection(0); err != nil {
			return Null, err
		}
		// Finalizers may have allocated in the nursery.
		if g.nurseryFree+Addr(totalsize) > g.nurseryTop {
			g.MinorCollection()
		}
	}

	result := g.nurseryFree
	g.nurseryFree = result + Addr(totalsize)
	if g.nurseryFree > g.nurseryTop {
		invariant(result, "nursery overflow: %d bytes requested", totalsize)
	}
	if g.params.DebugAlwaysMinorCollect {
		g.nurseryFree = g.nurseryTop
	}
	return result, nil
}

// externalMalloc allocates outside the nursery, in the arena collection
// for small sizes and as a raw block otherwise.
func (g *GC) externalMalloc(tid uint16, length int, extraFlags Flags) (Addr, error) {
	t := g.TypeInfo(tid)
	nonvarsize := t.nonvarsize()
	if length > (math.MaxInt32-nonvarsize)/max(t.ItemSize, 1) {
		return Null, ErrOutOfMemory
	}
	totalsize := g.totalSize(t, length)

	if float64(g.TotalMemoryUsed()+totalsize) > g.nextMajorCollectionThreshold {
		g.MinorCollection()
		if err := g.majorCollection(totalsize); err != nil {
			return Null, err
		}
	}

	var addr Addr
	var cardBytes int
	if totalsize <= g.params.SmallRequestThreshold {
		var err error
		if addr, err = g.ac.Malloc(totalsize); err != nil {
			return Null, fmt.Errorf("gc: external malloc: %w", err)
		}
	} else {
		if g.params.CardPageIndices > 0 && t.hasGCPtrsInVarsize() && totalsize > g.nonlargeGCPtrsMax {
			cardBytes = g.cardMarkingBytesForLength(length)
			extraFlags |= HasCards
		}
		allocsize := roundUp(cardBytes) + totalsize
		addr = g.rawMalloc(allocsize)
	}

	o := newObject(tid, t, length)
	o.set(NoYoungPtrs | extraFlags)
	if cardBytes > 0 {
		o.cards = make([]byte, cardBytes)
	}
	g.old[addr] = o
	g.stats.ExternalAllocations++
	return addr, nil
}

func (g *GC) rawMalloc(allocsize int) Addr {
	addr := g.rawNext
	g.rawNext += Addr(allocsize)
	g.rawSizes[addr] = allocsize
	g.rawmallocedTotalSize += allocsize
	g.rawmallocedObjects = append(g.rawmallocedObjects, addr)
	return addr
}

// mallocOutOfNursery reserves room for an object evacuated by a minor
// collection.
func (g *GC) mallocOutOfNursery(totalsize int) Addr {
	if totalsize <= g.params.SmallRequestThreshold {
		addr, err := g.ac.Malloc(totalsize)
		if err != nil {
			g.fatal(fmt.Sprintf("cannot evacuate nursery object: %v", err))
		}
		return addr
	}
	return g.rawMalloc(totalsize)
}

func (g *GC) cardMarkingBytesForLength(length int) int {
	// One bit per card, rounded up to whole bytes.
	cards := (length + (1 << g.cardPageShift) - 1) >> g.cardPageShift
	return (cards + 7) >> 3
}

func (g *GC) fatal(msg string) {
	g.params.OnFatal(&FatalError{Msg: msg})
}

// ---------------------------------------------------------------------------
// Access
// ---------------------------------------------------------------------------

// object resolves addr to its payload. Access through a forwarded nursery
// address or an address that does not start an object is a bug.
func (g *GC) object(addr Addr) *Object {
	if g.IsInNursery(addr) {
		slot := g.young[addr]
		if slot == nil {
			invariant(addr, "no object at nursery address")
		}
		o, ok := slot.live()
		if !ok {
			invariant(addr, "access through stale nursery address")
		}
		return o
	}
	o := g.old[addr]
	if o == nil {
		invariant(addr, "no object at address")
	}
	return o
}

// Contains reports whether addr is the address of a live object.
func (g *GC) Contains(addr Addr) bool {
	if g.IsInNursery(addr) {
		slot := g.young[addr]
		return slot != nil && slot.obj != nil
	}
	_, ok := g.old[addr]
	return ok
}

// Header returns the header of the object at addr.
func (g *GC) Header(addr Addr) Header { return g.object(addr).Header }

// TypeID returns the type of the object at addr.
func (g *GC) TypeID(addr Addr) uint16 { return g.object(addr).TypeID }

// Length returns the number of items of a varsize object.
func (g *GC) Length(addr Addr) int { return g.object(addr).Length }

// ReadWord reads word i of the fixed part.
func (g *GC) ReadWord(addr Addr, i int) uint64 {
	return g.object(addr).Fixed[i]
}

// WriteWord writes a non-pointer word of the fixed part.
func (g *GC) WriteWord(addr Addr, i int, v uint64) {
	g.object(addr).Fixed[i] = v
}

// ReadRef reads the GC pointer at word i of the fixed part.
func (g *GC) ReadRef(addr Addr, i int) Addr {
	return Addr(g.object(addr).Fixed[i])
}

// WriteRef stores a GC pointer into the fixed part, running the write
// barrier first.
func (g *GC) WriteRef(addr Addr, i int, v Addr) {
	o := g.object(addr)
	g.writeBarrier(v, addr, o)
	o.Fixed[i] = uint64(v)
}

// ReadItem reads item i of the variable part.
func (g *GC) ReadItem(addr Addr, i int) uint64 {
	o := g.object(addr)
	if i < 0 || i >= o.Length {
		invariant(addr, "item index %d out of range [0, %d)", i, o.Length)
	}
	return o.Items[i]
}

// WriteItem writes a non-pointer item.
func (g *GC) WriteItem(addr Addr, i int, v uint64) {
	o := g.object(addr)
	if i < 0 || i >= o.Length {
		invariant(addr, "item index %d out of range [0, %d)", i, o.Length)
	}
	o.Items[i] = v
}

// WriteItemRef stores a GC pointer into the variable part, running the
// array write barrier first.
func (g *GC) WriteItemRef(addr Addr, i int, v Addr) {
	o := g.object(addr)
	if i < 0 || i >= o.Length {
		invariant(addr, "item index %d out of range [0, %d)", i, o.Length)
	}
	g.writeBarrierFromArray(v, addr, o, i)
	o.Items[i] = uint64(v)
}

// CopyArrayItems copies n items from src to dst, both arrays of the same
// type.
func (g *GC) CopyArrayItems(src, dst Addr, srcStart, dstStart, n int) error {
	so, do := g.object(src), g.object(dst)
	if so.TypeID != do.TypeID {
		return fmt.Errorf("gc: copy between arrays of different types")
	}
	if n < 0 || srcStart < 0 || dstStart < 0 || srcStart+n > so.Length || dstStart+n > do.Length {
		return fmt.Errorf("gc: copy of %d items out of range", n)
	}
	if !g.WritebarrierBeforeCopy(src, dst) {
		if src == dst && srcStart < dstStart {
			for i := n - 1; i >= 0; i-- {
				g.WriteItemRef(dst, dstStart+i, Addr(so.Items[srcStart+i]))
			}
			return nil
		}
		for i := 0; i < n; i++ {
			g.WriteItemRef(dst, dstStart+i, Addr(so.Items[srcStart+i]))
		}
		return nil
	}
	copy(do.Items[dstStart:dstStart+n], so.Items[srcStart:srcStart+n])
	return nil
}

// ShrinkArray reduces the length of a young varsize object in place. It
// returns false when the object is no longer in the nursery.
func (g *GC) ShrinkArray(addr Addr, smallerLength int) bool {
	if !g.IsInNursery(addr) {
		return false
	}
	o := g.object(addr)
	if smallerLength < 0 || smallerLength > o.Length {
		invariant(addr, "shrink to %d items from %d", smallerLength, o.Length)
	}
	o.Length = smallerLength
	o.Items = o.Items[:smallerLength]
	return true
}
