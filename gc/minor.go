package gc

// MinorCollection moves every surviving nursery object out of the
// nursery and empties it.
func (g *GC) MinorCollection() {
	log.Debugf("minor collect: nursery %d/%d bytes", g.nurseryFree-g.nursery, g.nurserySize)

	// Objects referenced from roots are copied out first. The copies are
	// queued in oldObjectsPointingToYoung, so their own references get
	// processed below.
	g.collectRootsInNursery()

	if g.params.CardPageIndices > 0 {
		g.collectCardrefsToNursery()
	}

	// Follow old objects that gained pointers to young ones, including
	// the objects just copied. This drains the whole young graph.
	g.collectOldrefsToNursery()

	if len(g.youngObjectsWithWeakrefs) > 0 {
		g.invalidateYoungWeakrefs()
	}

	// Unused shadows stay allocated with the invalid type id and are
	// freed by the next major collection.
	clear(g.youngObjectsShadows)

	clear(g.young)
	g.nurseryFree = g.nursery
	g.stats.MinorCollections++

	if g.params.DebugChecks {
		g.DebugCheckConsistency()
	}
}

func (g *GC) collectRootsInNursery() {
	g.walkRoots(g.traceDragOut)
}

func (g *GC) collectCardrefsToNursery() {
	interval := 1 << g.cardPageShift
	for n := len(g.oldObjectsWithCardsSet); n > 0; n = len(g.oldObjectsWithCardsSet) {
		addr := g.oldObjectsWithCardsSet[n-1]
		g.oldObjectsWithCardsSet = g.oldObjectsWithCardsSet[:n-1]
		o := g.object(addr)
		if !o.has(CardsSet) {
			invariant(addr, "!CARDS_SET but object in old_objects_with_cards_set")
		}
		o.clear(CardsSet)

		// Without NoYoungPtrs the object is queued for a full trace by
		// collectOldrefsToNursery, so only the bits need resetting.
		if !o.has(NoYoungPtrs) {
			clear(o.cards)
			continue
		}
		for byteIdx, cardbyte := range o.cards {
			o.cards[byteIdx] = 0
			start := byteIdx * 8 * interval
			for ; cardbyte != 0; cardbyte >>= 1 {
				if cardbyte&1 != 0 && start < o.Length {
					g.tracePartial(o, start, start+interval, g.traceDragOut)
				}
				start += interval
			}
		}
	}
}

func (g *GC) collectOldrefsToNursery() {
	for n := len(g.oldObjectsPointingToYoung); n > 0; n = len(g.oldObjectsPointingToYoung) {
		addr := g.oldObjectsPointingToYoung[n-1]
		g.oldObjectsPointingToYoung = g.oldObjectsPointingToYoung[:n-1]
		o := g.object(addr)
		if g.params.DebugChecks && o.has(NoYoungPtrs) {
			invariant(addr, "flag NO_YOUNG_PTRS already set on object in old_objects_pointing_to_young")
		}
		o.set(NoYoungPtrs)
		g.trace(o, g.traceDragOut)
	}
}

// traceDragOut evacuates the nursery object *root points to, if any, and
// updates *root to the new address.
func (g *GC) traceDragOut(root *Addr) {
	obj := *root
	if !g.IsInNursery(obj) {
		return
	}
	slot := g.young[obj]
	if slot == nil {
		invariant(obj, "pointer into the nursery does not start an object")
	}
	if fwd, ok := slot.forwarded(); ok {
		*root = fwd
		return
	}
	o, _ := slot.live()
	totalsize := g.totalSize(g.typeOf(o), o.Length)

	var newaddr Addr
	if !o.has(HasShadow) {
		newaddr = g.mallocOutOfNursery(totalsize)
	} else {
		var ok bool
		if newaddr, ok = g.youngObjectsShadows[obj]; !ok {
			invariant(obj, "HAS_SHADOW set but no shadow recorded")
		}
		o.clear(HasShadow)
	}

	// The payload moves as a whole and the nursery slot now only holds
	// the forwarding address.
	g.old[newaddr] = o
	slot.setForward(newaddr)
	*root = newaddr
	g.oldObjectsPointingToYoung = append(g.oldObjectsPointingToYoung, newaddr)
	g.stats.BytesEvacuated += uint64(totalsize)
}

func (g *GC) invalidateYoungWeakrefs() {
	for _, ref := range g.youngObjectsWithWeakrefs {
		slot := g.young[ref]
		fwd, ok := slot.forwarded()
		if !ok {
			// The weakref itself died.
			continue
		}
		o := g.old[fwd]
		t := g.typeOf(o)
		target := Addr(o.Fixed[t.WeakPtrOffset])
		if g.IsInNursery(target) {
			tslot := g.young[target]
			if tslot == nil {
				invariant(target, "weakref %s points into the nursery but not at an object", fwd)
			}
			if tfwd, ok := tslot.forwarded(); ok {
				o.Fixed[t.WeakPtrOffset] = uint64(tfwd)
			} else {
				o.Fixed[t.WeakPtrOffset] = uint64(Null)
				g.stats.WeakrefsCleared++
				continue
			}
		}
		g.oldObjectsWithWeakrefs = append(g.oldObjectsWithWeakrefs, fwd)
	}
	g.youngObjectsWithWeakrefs = g.youngObjectsWithWeakrefs[:0]
}
