package gc

// MajorCollection runs a minor collection followed by a full mark and
// sweep of the old generation.
func (g *GC) MajorCollection() error {
	g.MinorCollection()
	return g.majorCollection(0)
}

// Collect runs a minor collection for gen 0 and a full collection for any
// higher generation.
func (g *GC) Collect(gen int) error {
	if gen <= 0 {
		g.MinorCollection()
		return nil
	}
	return g.MajorCollection()
}

// majorCollection marks everything reachable and frees the rest. It must
// run with an empty nursery. reservingSize is the size of a pending
// external allocation, counted against the heap limit.
func (g *GC) majorCollection(reservingSize int) error {
	if g.nurseryFree != g.nursery && !g.params.DebugAlwaysMinorCollect {
		invariant(g.nurseryFree, "nursery not empty in major collection")
	}
	if len(g.young) != 0 {
		invariant(Null, "nursery not empty in major collection")
	}
	log.Debugf("major collect: used before: arena %d bytes, raw %d bytes",
		g.ac.TotalMemoryUsed(), g.rawmallocedTotalSize)
	if g.params.DebugChecks {
		g.DebugCheckConsistency()
	}

	g.objectsToTrace = g.objectsToTrace[:0]
	g.collectRoots()
	g.visitAllObjects()

	if len(g.oldObjectsWithWeakrefs) > 0 {
		g.invalidateOldWeakrefs()
	}
	if len(g.objectsWithFinalizers) > 0 {
		g.dealWithObjectsWithFinalizers()
	}

	g.freeUnvisitedRawmallocObjects()
	g.ac.MassFree(g.freeIfUnvisited)
	for _, addr := range g.prebuiltRootObjects {
		g.old[addr].clear(Visited)
	}

	if g.params.DebugChecks {
		g.DebugCheckConsistency()
	}
	g.stats.MajorCollections++
	log.Debugf("major collect: used after: arena %d bytes, raw %d bytes, %d major collections",
		g.ac.TotalMemoryUsed(), g.rawmallocedTotalSize, g.stats.MajorCollections)

	// The next major collection runs once the heap grew by the threshold
	// factor, within the growth and max heap limits.
	used := float64(g.TotalMemoryUsed())
	bounded := g.setMajorThresholdFrom(used*g.params.MajorCollectionThreshold, reservingSize)
	if bounded && used+float64(reservingSize) >= g.nextMajorCollectionThreshold {
		// The first time, give the program a chance to react. It may go
		// on allocating and come back here, which is then fatal.
		if g.maxHeapSizeAlreadyRaised {
			g.fatal("using too much memory, aborting")
			return &FatalError{Msg: "using too much memory, aborting"}
		}
		g.maxHeapSizeAlreadyRaised = true
		log.Warningf("heap limit of %.0f bytes reached", g.maxHeapSize)
		return ErrOutOfMemory
	}
	g.maxHeapSizeAlreadyRaised = false

	g.executeFinalizers()
	return nil
}

func (g *GC) setMajorThresholdFrom(threshold float64, reservingSize int) bool {
	if g.params.GrowthRateMax > 1 {
		if limit := g.nextMajorCollectionThreshold * g.params.GrowthRateMax; threshold > limit {
			threshold = limit
		}
	}
	threshold += float64(reservingSize)
	if threshold < g.minHeapSize {
		threshold = g.minHeapSize
	}
	bounded := false
	if g.maxHeapSize > 0 && threshold > g.maxHeapSize {
		threshold = g.maxHeapSize
		bounded = true
	}
	g.nextMajorCollectionThreshold = threshold
	return bounded
}

// SetMaxHeapSize bounds the heap. Zero removes the bound.
func (g *GC) SetMaxHeapSize(size float64) {
	g.maxHeapSize = size
	if size > 0 && size < g.nextMajorCollectionThreshold {
		g.nextMajorCollectionThreshold = size
	}
}

func (g *GC) collectRoots() {
	// Prebuilt objects that were written to are roots. The others only
	// point to prebuilt objects and need no marking.
	for _, addr := range g.prebuiltRootObjects {
		g.visit(addr)
	}
	g.walkRoots(func(slot *Addr) {
		g.objectsToTrace = append(g.objectsToTrace, *slot)
	})
	// Objects whose finalizer is pending must survive until it ran.
	g.objectsToTrace = append(g.objectsToTrace, g.runFinalizers...)
}

func (g *GC) visitAllObjects() {
	for n := len(g.objectsToTrace); n > 0; n = len(g.objectsToTrace) {
		addr := g.objectsToTrace[n-1]
		g.objectsToTrace = g.objectsToTrace[:n-1]
		g.visit(addr)
	}
}

func (g *GC) visit(addr Addr) {
	o := g.object(addr)
	if o.has(Visited | NoHeapPtrs) {
		return
	}
	o.set(Visited)
	g.trace(o, func(slot *Addr) {
		g.objectsToTrace = append(g.objectsToTrace, *slot)
	})
}

func (g *GC) freeUnvisitedRawmallocObjects() {
	list := g.rawmallocedObjects
	g.rawmallocedObjects = nil
	for _, addr := range list {
		o := g.old[addr]
		if o.has(Visited) {
			o.clear(Visited)
			g.rawmallocedObjects = append(g.rawmallocedObjects, addr)
			continue
		}
		g.rawmallocedTotalSize -= g.rawSizes[addr]
		delete(g.rawSizes, addr)
		delete(g.old, addr)
	}
}

func (g *GC) freeIfUnvisited(addr Addr) bool {
	o := g.old[addr]
	if o.has(Visited) {
		o.clear(Visited)
		return false
	}
	delete(g.old, addr)
	return true
}

func (g *GC) invalidateOldWeakrefs() {
	kept := g.oldObjectsWithWeakrefs[:0]
	for _, ref := range g.oldObjectsWithWeakrefs {
		o := g.old[ref]
		if !o.has(Visited) {
			// The weakref itself dies.
			continue
		}
		t := g.typeOf(o)
		target := Addr(o.Fixed[t.WeakPtrOffset])
		switch {
		case target == Null:
			continue
		case target.isPrebuilt() || g.old[target].has(Visited):
			kept = append(kept, ref)
		default:
			o.Fixed[t.WeakPtrOffset] = uint64(Null)
			g.stats.WeakrefsCleared++
		}
	}
	g.oldObjectsWithWeakrefs = kept
}

// ---------------------------------------------------------------------------
// Identity
// ---------------------------------------------------------------------------

// ID returns an integer identifying the object for its whole lifetime. A
// young object gets its future address reserved, so the answer does not
// change when it is evacuated.
func (g *GC) ID(addr Addr) uint64 {
	if addr == Null {
		return 0
	}
	if !g.IsInNursery(addr) {
		return uint64(addr)
	}
	o := g.object(addr)
	if o.has(HasShadow) {
		shadow, ok := g.youngObjectsShadows[addr]
		if !ok {
			invariant(addr, "HAS_SHADOW but no shadow found")
		}
		return uint64(shadow)
	}
	// The shadow keeps the invalid type id until the object moves in. If
	// the object dies first, the next major collection frees it.
	shadow := g.mallocOutOfNursery(g.totalSize(g.typeOf(o), o.Length))
	g.old[shadow] = &Object{Header: Header{TypeID: shadowTypeID, Flags: NoYoungPtrs}}
	o.set(HasShadow)
	g.youngObjectsShadows[addr] = shadow
	return uint64(shadow)
}

// IdentityHash returns a hash that is stable across moves.
func (g *GC) IdentityHash(addr Addr) uint64 {
	return g.ID(addr)
}
