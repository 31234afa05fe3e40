package gc

import (
	"errors"
	"testing"
)

type testHeap struct {
	*GC
	node  uint16
	array uint16
	bytes uint16
}

// node: word 0 is a pointer, word 1 an integer.
func newTestHeap(t *testing.T, params Params) *testHeap {
	t.Helper()
	g, err := New(params)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h := &testHeap{GC: g}
	if h.node, err = g.RegisterType(TypeInfo{Name: "node", FixedSize: 2 * WordSize, PtrOffsets: []int{0}}); err != nil {
		t.Fatalf("RegisterType(node): %v", err)
	}
	if h.array, err = g.RegisterType(TypeInfo{Name: "array", VarSize: true, ItemSize: WordSize, ItemIsPtr: true}); err != nil {
		t.Fatalf("RegisterType(array): %v", err)
	}
	if h.bytes, err = g.RegisterType(TypeInfo{Name: "bytes", VarSize: true, ItemSize: WordSize}); err != nil {
		t.Fatalf("RegisterType(bytes): %v", err)
	}
	return h
}

func (h *testHeap) newNode(t *testing.T, value uint64) Addr {
	t.Helper()
	a, err := h.MallocFixed(h.node)
	if err != nil {
		t.Fatalf("MallocFixed: %v", err)
	}
	h.WriteWord(a, 1, value)
	return a
}

type sliceRoots []Addr

func (s *sliceRoots) WalkRoots(fn func(*Addr)) {
	for i := range *s {
		fn(&(*s)[i])
	}
}

func TestMinorCollectionKeepsCrossReferences(t *testing.T) {
	h := newTestHeap(t, TestParams())
	a := h.newNode(t, 1)
	h.AddRoot(&a)
	b := h.newNode(t, 42)
	h.WriteRef(a, 0, b)

	h.MinorCollection()

	if h.IsInNursery(a) {
		t.Fatalf("root %s still in the nursery", a)
	}
	b2 := h.ReadRef(a, 0)
	if h.IsInNursery(b2) || b2 == Null {
		t.Fatalf("referent not evacuated: %s", b2)
	}
	if got := h.ReadWord(b2, 1); got != 42 {
		t.Errorf("referent word = %d, want 42", got)
	}
	if got := h.ReadWord(a, 1); got != 1 {
		t.Errorf("root word = %d, want 1", got)
	}
}

func TestForwardingSharedByTwoRoots(t *testing.T) {
	h := newTestHeap(t, TestParams())
	a := h.newNode(t, 7)
	b := a
	h.AddRoot(&a)
	h.AddRoot(&b)

	h.MinorCollection()

	if a != b {
		t.Fatalf("roots diverged: %s != %s", a, b)
	}
	if h.Stats().BytesEvacuated != 3*WordSize {
		t.Errorf("evacuated %d bytes, want one copy of %d", h.Stats().BytesEvacuated, 3*WordSize)
	}
}

func TestNurseryIsEmptyAfterMinorCollection(t *testing.T) {
	h := newTestHeap(t, TestParams())
	roots := make(sliceRoots, 0, 64)
	h.AddRootWalker(&roots)
	for i := 0; i < 64; i++ {
		roots = append(roots, h.newNode(t, uint64(i)))
	}
	if h.Stats().MinorCollections == 0 {
		t.Fatalf("filling the nursery did not collect")
	}
	h.MinorCollection()
	for i, r := range roots {
		if h.IsInNursery(r) {
			t.Fatalf("root %d still in the nursery", i)
		}
		if got := h.ReadWord(r, 1); got != uint64(i) {
			t.Errorf("root %d word = %d", i, got)
		}
	}
	a := h.newNode(t, 0)
	if a != h.nursery {
		t.Errorf("first allocation after collection at %s, want nursery start %s", a, h.nursery)
	}
}

func TestWriteBarrierRemembersOldObject(t *testing.T) {
	h := newTestHeap(t, TestParams())
	old, err := h.MallocNonmovable(h.node, 0)
	if err != nil {
		t.Fatalf("MallocNonmovable: %v", err)
	}
	h.AddRoot(&old)
	if !h.Header(old).has(NoYoungPtrs) {
		t.Fatalf("old object without NO_YOUNG_PTRS")
	}
	young := h.newNode(t, 99)
	h.WriteRef(old, 0, young)
	if h.Header(old).has(NoYoungPtrs) {
		t.Fatalf("barrier did not clear NO_YOUNG_PTRS")
	}

	h.MinorCollection()

	moved := h.ReadRef(old, 0)
	if h.IsInNursery(moved) {
		t.Fatalf("young referent of an old object left in the nursery")
	}
	if got := h.ReadWord(moved, 1); got != 99 {
		t.Errorf("word = %d, want 99", got)
	}
}

func TestPrebuiltObjectBecomesRoot(t *testing.T) {
	h := newTestHeap(t, TestParams())
	p, err := h.NewPrebuilt(h.node, 0)
	if err != nil {
		t.Fatalf("NewPrebuilt: %v", err)
	}
	h.WriteRef(p, 0, h.newNode(t, 5))
	if h.Header(p).has(NoHeapPtrs) {
		t.Fatalf("NO_HEAP_PTRS still set after storing a heap pointer")
	}
	if err := h.MajorCollection(); err != nil {
		t.Fatalf("MajorCollection: %v", err)
	}
	if err := h.MajorCollection(); err != nil {
		t.Fatalf("MajorCollection: %v", err)
	}
	if got := h.ReadWord(h.ReadRef(p, 0), 1); got != 5 {
		t.Errorf("word = %d, want 5", got)
	}
}

func TestCardMarking(t *testing.T) {
	params := TestParams()
	params.CardPageIndices = 4
	h := newTestHeap(t, params)
	arr, err := h.MallocVar(h.array, 100)
	if err != nil {
		t.Fatalf("MallocVar: %v", err)
	}
	h.AddRoot(&arr)
	if h.IsInNursery(arr) || !h.Header(arr).has(HasCards) {
		t.Fatalf("large array: flags %s, want an old object with cards", h.Header(arr).Flags)
	}

	h.WriteItemRef(arr, 57, h.newNode(t, 12))
	hdr := h.Header(arr)
	if !hdr.has(CardsSet) || !hdr.has(NoYoungPtrs) {
		t.Fatalf("flags after card write = %s", hdr.Flags)
	}
	if got := h.object(arr).cards[1]; got != 1<<6 {
		t.Errorf("card byte = %08b, want bit 6", got)
	}

	h.MinorCollection()

	item := Addr(h.ReadItem(arr, 57))
	if h.IsInNursery(item) {
		t.Fatalf("item reachable through a card left in the nursery")
	}
	if got := h.ReadWord(item, 1); got != 12 {
		t.Errorf("word = %d, want 12", got)
	}
	if h.Header(arr).has(CardsSet) {
		t.Errorf("CARDS_SET survived the collection")
	}
}

func TestMajorCollectionFreesUnreachable(t *testing.T) {
	h := newTestHeap(t, TestParams())
	keep, err := h.MallocNonmovable(h.node, 0)
	if err != nil {
		t.Fatalf("MallocNonmovable: %v", err)
	}
	h.AddRoot(&keep)
	for i := 0; i < 10; i++ {
		if _, err := h.MallocNonmovable(h.node, 0); err != nil {
			t.Fatalf("MallocNonmovable: %v", err)
		}
	}
	big, err := h.MallocNonmovable(h.bytes, 20)
	if err != nil {
		t.Fatalf("MallocNonmovable: %v", err)
	}
	if h.TotalMemoryUsed() <= 11*3*WordSize {
		t.Fatalf("TotalMemoryUsed = %d before collection", h.TotalMemoryUsed())
	}

	if err := h.MajorCollection(); err != nil {
		t.Fatalf("MajorCollection: %v", err)
	}
	if got := h.TotalMemoryUsed(); got != 3*WordSize {
		t.Errorf("TotalMemoryUsed = %d, want %d", got, 3*WordSize)
	}
	if h.Contains(big) {
		t.Errorf("unreachable raw object survived")
	}
	if !h.Contains(keep) {
		t.Errorf("rooted object freed")
	}
}

func TestFinalizersRunReferrersFirst(t *testing.T) {
	h := newTestHeap(t, TestParams())
	var order []Addr
	fin, err := h.RegisterType(TypeInfo{
		Name:       "finalizable",
		FixedSize:  WordSize,
		PtrOffsets: []int{0},
		Finalizer:  func(g *GC, obj Addr) { order = append(order, obj) },
	})
	if err != nil {
		t.Fatalf("RegisterType: %v", err)
	}
	alloc := func() Addr {
		a, err := h.MallocFixed(fin)
		if err != nil {
			t.Fatalf("MallocFixed: %v", err)
		}
		return a
	}
	a, b, c := alloc(), alloc(), alloc()
	h.WriteRef(c, 0, b)
	h.WriteRef(b, 0, a)

	for i := 0; i < 5 && len(order) < 3; i++ {
		if err := h.MajorCollection(); err != nil {
			t.Fatalf("MajorCollection: %v", err)
		}
	}
	want := []Addr{c, b, a}
	if len(order) != len(want) {
		t.Fatalf("finalized %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("finalized %v, want %v", order, want)
		}
	}
}

func TestFinalizerKeepsReferentsAlive(t *testing.T) {
	h := newTestHeap(t, TestParams())
	var seen uint64
	fin, err := h.RegisterType(TypeInfo{
		Name:       "finalizable",
		FixedSize:  WordSize,
		PtrOffsets: []int{0},
		Finalizer: func(g *GC, obj Addr) {
			seen = g.ReadWord(g.ReadRef(obj, 0), 1)
		},
	})
	if err != nil {
		t.Fatalf("RegisterType: %v", err)
	}
	f, err := h.MallocFixed(fin)
	if err != nil {
		t.Fatalf("MallocFixed: %v", err)
	}
	h.AddRoot(&f)
	h.WriteRef(f, 0, h.newNode(t, 77))
	h.RemoveRoot(&f)

	if err := h.MajorCollection(); err != nil {
		t.Fatalf("MajorCollection: %v", err)
	}
	if seen != 77 {
		t.Errorf("finalizer saw %d, want 77", seen)
	}
}

func TestYoungWeakrefs(t *testing.T) {
	h := newTestHeap(t, TestParams())
	weak, err := h.RegisterType(TypeInfo{Name: "weakref", FixedSize: WordSize, Weakref: true})
	if err != nil {
		t.Fatalf("RegisterType: %v", err)
	}
	live := h.newNode(t, 1)
	h.AddRoot(&live)
	wLive, err := h.NewWeakref(weak, live)
	if err != nil {
		t.Fatalf("NewWeakref: %v", err)
	}
	h.AddRoot(&wLive)
	wDead, err := h.NewWeakref(weak, h.newNode(t, 2))
	if err != nil {
		t.Fatalf("NewWeakref: %v", err)
	}
	h.AddRoot(&wDead)

	h.MinorCollection()

	if got := h.ReadRef(wLive, 0); got != live {
		t.Errorf("live weakref = %s, want %s", got, live)
	}
	if got := h.ReadRef(wDead, 0); got != Null {
		t.Errorf("dead weakref = %s, want NULL", got)
	}

	h.RemoveRoot(&live)
	if err := h.MajorCollection(); err != nil {
		t.Fatalf("MajorCollection: %v", err)
	}
	if got := h.ReadRef(wLive, 0); got != Null {
		t.Errorf("weakref to collected old object = %s, want NULL", got)
	}
}

func TestIDIsStableAcrossMoves(t *testing.T) {
	h := newTestHeap(t, TestParams())
	a := h.newNode(t, 3)
	h.AddRoot(&a)
	id := h.ID(a)
	if again := h.ID(a); again != id {
		t.Fatalf("ID changed between calls: %d, %d", id, again)
	}
	if !h.Header(a).has(HasShadow) {
		t.Fatalf("HAS_SHADOW not set")
	}
	h.MinorCollection()
	if uint64(a) != id {
		t.Errorf("object moved to %s, ID was 0x%x", a, id)
	}
	if h.ID(a) != id {
		t.Errorf("ID after move = 0x%x, want 0x%x", h.ID(a), id)
	}
}

func TestUnusedShadowIsFreed(t *testing.T) {
	h := newTestHeap(t, TestParams())
	h.ID(h.newNode(t, 0))
	h.MinorCollection()
	if h.TotalMemoryUsed() == 0 {
		t.Fatalf("shadow not reserved")
	}
	if err := h.MajorCollection(); err != nil {
		t.Fatalf("MajorCollection: %v", err)
	}
	if got := h.TotalMemoryUsed(); got != 0 {
		t.Errorf("TotalMemoryUsed = %d after freeing the shadow", got)
	}
}

func TestMaxHeapSize(t *testing.T) {
	params := TestParams()
	var fatal error
	params.OnFatal = func(err error) { fatal = err }
	h := newTestHeap(t, params)
	h.SetMaxHeapSize(512)

	roots := make(sliceRoots, 0, 64)
	h.AddRootWalker(&roots)
	var err error
	for i := 0; i < 64; i++ {
		var a Addr
		if a, err = h.MallocNonmovable(h.node, 0); err != nil {
			break
		}
		roots = append(roots, a)
	}
	if !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("err = %v, want ErrOutOfMemory", err)
	}
	if fatal != nil {
		t.Fatalf("first overflow was fatal: %v", fatal)
	}

	_, err = h.MallocNonmovable(h.node, 0)
	var fe *FatalError
	if !errors.As(err, &fe) {
		t.Fatalf("second overflow err = %v, want *FatalError", err)
	}
	if fatal == nil {
		t.Errorf("OnFatal not called")
	}
}

func TestDebugAlwaysMinorCollect(t *testing.T) {
	params := TestParams()
	params.NurserySize = 1
	h := newTestHeap(t, params)
	a := h.newNode(t, 1)
	h.AddRoot(&a)
	b := h.newNode(t, 2)
	h.AddRoot(&b)
	h.newNode(t, 3)
	if got := h.Stats().MinorCollections; got < 3 {
		t.Errorf("MinorCollections = %d, want one per allocation", got)
	}
	if h.IsInNursery(a) || h.ReadWord(a, 1) != 1 {
		t.Errorf("first object not evacuated intact")
	}
}

func TestCopyArrayItemsIntoOldArray(t *testing.T) {
	h := newTestHeap(t, TestParams())
	dst, err := h.MallocNonmovable(h.array, 2)
	if err != nil {
		t.Fatalf("MallocNonmovable: %v", err)
	}
	h.AddRoot(&dst)
	src, err := h.MallocVar(h.array, 2)
	if err != nil {
		t.Fatalf("MallocVar: %v", err)
	}
	h.WriteItemRef(src, 1, h.newNode(t, 8))

	if err := h.CopyArrayItems(src, dst, 1, 0, 1); err != nil {
		t.Fatalf("CopyArrayItems: %v", err)
	}
	h.MinorCollection()

	item := Addr(h.ReadItem(dst, 0))
	if h.IsInNursery(item) || h.ReadWord(item, 1) != 8 {
		t.Errorf("copied item not evacuated intact")
	}
}

func TestShrinkArray(t *testing.T) {
	h := newTestHeap(t, TestParams())
	a, err := h.MallocVar(h.bytes, 4)
	if err != nil {
		t.Fatalf("MallocVar: %v", err)
	}
	h.AddRoot(&a)
	if !h.ShrinkArray(a, 2) {
		t.Fatalf("ShrinkArray of a young array failed")
	}
	if h.Length(a) != 2 {
		t.Errorf("Length = %d, want 2", h.Length(a))
	}
	h.MinorCollection()
	if h.ShrinkArray(a, 1) {
		t.Errorf("ShrinkArray of an old array succeeded")
	}
}

func TestInvalidParams(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Params)
	}{
		{"threshold", func(p *Params) { p.MajorCollectionThreshold = 1 }},
		{"page", func(p *Params) { p.PageSize = 12 }},
		{"large", func(p *Params) { p.LargeObject = p.LargeObjectGCPtrs + WordSize }},
		{"small request", func(p *Params) { p.SmallRequestThreshold = p.PageSize * 2 }},
	}
	for _, tt := range tests {
		p := TestParams()
		tt.mutate(&p)
		if _, err := New(p); err == nil {
			t.Errorf("%s: New accepted invalid params", tt.name)
		}
	}
}

func TestStaleNurseryAddressPanics(t *testing.T) {
	h := newTestHeap(t, TestParams())
	a := h.newNode(t, 0)
	stale := a
	h.AddRoot(&a)
	h.MinorCollection()
	defer func() {
		var ie *InvariantError
		if err, ok := recover().(error); !ok || !errors.As(err, &ie) {
			t.Errorf("recover() = %v, want *InvariantError", err)
		}
	}()
	h.ReadWord(stale, 1)
}

func TestWeakrefToTargetMovedByItsOwnAllocation(t *testing.T) {
	h := newTestHeap(t, TestParams())
	weak, err := h.RegisterType(TypeInfo{Name: "weakref", FixedSize: WordSize, Weakref: true})
	if err != nil {
		t.Fatalf("RegisterType: %v", err)
	}
	filler, err := h.RegisterType(TypeInfo{Name: "filler", FixedSize: WordSize})
	if err != nil {
		t.Fatalf("RegisterType: %v", err)
	}
	target := h.newNode(t, 31)
	h.AddRoot(&target)
	for h.nurseryTop-h.nurseryFree >= 2*WordSize {
		if _, err := h.MallocFixed(filler); err != nil {
			t.Fatalf("MallocFixed: %v", err)
		}
	}
	before := h.Stats().MinorCollections

	w, err := h.NewWeakref(weak, target)
	if err != nil {
		t.Fatalf("NewWeakref: %v", err)
	}
	h.AddRoot(&w)
	if h.Stats().MinorCollections == before {
		t.Fatalf("allocating the weakref did not collect")
	}
	if h.IsInNursery(target) {
		t.Fatalf("target %s still in the nursery", target)
	}
	if got := h.ReadRef(w, 0); got != target {
		t.Fatalf("weakref = %s, want the moved target %s", got, target)
	}

	h.MinorCollection()
	if got := h.ReadRef(w, 0); got != target {
		t.Errorf("weakref after collection = %s, want %s", got, target)
	}
	if got := h.ReadWord(target, 1); got != 31 {
		t.Errorf("target word = %d, want 31", got)
	}
}

func TestWeakrefsMustStartYoung(t *testing.T) {
	h := newTestHeap(t, TestParams())
	weak, err := h.RegisterType(TypeInfo{Name: "weakref", FixedSize: WordSize, Weakref: true})
	if err != nil {
		t.Fatalf("RegisterType: %v", err)
	}
	if _, err := h.MallocNonmovable(weak, 0); err == nil {
		t.Error("MallocNonmovable allocated a weakref outside the nursery")
	}
	if _, err := h.NewPrebuilt(weak, 0); err == nil {
		t.Error("NewPrebuilt allocated a prebuilt weakref")
	}
	if _, err := h.RegisterType(TypeInfo{
		Name:      "finalized weakref",
		FixedSize: WordSize,
		Weakref:   true,
		Finalizer: func(*GC, Addr) {},
	}); err == nil {
		t.Error("RegisterType accepted a weakref type with a finalizer")
	}
}

func TestDebugAlwaysMinorCollectKeepsAllocating(t *testing.T) {
	params := TestParams()
	params.DebugAlwaysMinorCollect = true
	h := newTestHeap(t, params)
	roots := make(sliceRoots, 0, 8)
	h.AddRootWalker(&roots)
	for i := 0; i < 8; i++ {
		roots = append(roots, h.newNode(t, uint64(i)))
	}
	if got := h.Stats().MinorCollections; got != 8 {
		t.Errorf("MinorCollections = %d, want 8", got)
	}
	h.MinorCollection()
	if a := h.newNode(t, 0); a != h.nursery {
		t.Errorf("allocation after an explicit collection at %s, want %s", a, h.nursery)
	}
	for i, r := range roots {
		if h.ReadWord(r, 1) != uint64(i) {
			t.Errorf("root %d word = %d", i, h.ReadWord(r, 1))
		}
	}
}

func TestCopyArrayItemsOverlapping(t *testing.T) {
	h := newTestHeap(t, TestParams())
	arr, err := h.MallocVar(h.bytes, 5)
	if err != nil {
		t.Fatalf("MallocVar: %v", err)
	}
	for i := 0; i < 5; i++ {
		h.WriteItem(arr, i, uint64(i+1))
	}
	if err := h.CopyArrayItems(arr, arr, 0, 1, 4); err != nil {
		t.Fatalf("CopyArrayItems: %v", err)
	}
	for i, want := range []uint64{1, 1, 2, 3, 4} {
		if got := h.ReadItem(arr, i); got != want {
			t.Errorf("item %d = %d, want %d", i, got, want)
		}
	}
}
