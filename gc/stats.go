package gc

// Stats is a snapshot of the collector's counters.
type Stats struct {
	MinorCollections    uint64
	MajorCollections    uint64
	NurseryAllocations  uint64
	ExternalAllocations uint64
	BytesEvacuated      uint64
	FinalizersRun       uint64
	WeakrefsCleared     uint64

	ArenaMemoryUsed    int
	RawMallocedSize    int
	NumArenas          int
	NextMajorThreshold float64
}

// Stats returns the current counters.
func (g *GC) Stats() Stats {
	s := g.stats
	s.ArenaMemoryUsed = g.ac.TotalMemoryUsed()
	s.RawMallocedSize = g.rawmallocedTotalSize
	s.NumArenas = g.ac.NumArenas()
	s.NextMajorThreshold = g.nextMajorCollectionThreshold
	return s
}

// DebugCheckConsistency verifies the between-collections invariants on
// every object and panics with an *InvariantError on the first failure.
func (g *GC) DebugCheckConsistency() {
	if len(g.young) != 0 {
		invariant(Null, "object in nursery after collection")
	}
	if len(g.oldObjectsPointingToYoung) != 0 || len(g.oldObjectsWithCardsSet) != 0 {
		invariant(Null, "remembered sets not empty after collection")
	}
	for addr, o := range g.old {
		g.debugCheckObject(addr, o)
	}
}

func (g *GC) debugCheckObject(addr Addr, o *Object) {
	if !o.has(NoYoungPtrs) {
		invariant(addr, "missing NO_YOUNG_PTRS")
	}
	if o.has(Visited) {
		invariant(addr, "unexpected VISITED")
	}
	if o.has(FinalizationOrdering) {
		invariant(addr, "unexpected FINALIZATION_ORDERING")
	}
	if o.has(CardsSet) {
		invariant(addr, "unexpected CARDS_SET")
	}
	if o.has(HasShadow) {
		invariant(addr, "unexpected HAS_SHADOW outside the nursery")
	}
	if o.has(HasCards) {
		if g.params.CardPageIndices <= 0 {
			invariant(addr, "HAS_CARDS but not using card marking")
		}
		if !g.typeOf(o).hasGCPtrsInVarsize() {
			invariant(addr, "HAS_CARDS but no GC pointers in the variable part")
		}
		if o.has(NoHeapPtrs) {
			invariant(addr, "HAS_CARDS && NO_HEAP_PTRS")
		}
		for _, b := range o.cards {
			if b != 0 {
				invariant(addr, "the card marker bits are not cleared")
			}
		}
	}
}
