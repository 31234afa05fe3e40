package gc

// WriteBarrier must run before newvalue is stored into the object at
// addrStruct. It records old objects that gain a pointer into the nursery
// and prebuilt objects that gain a pointer into the heap.
func (g *GC) WriteBarrier(newvalue, addrStruct Addr) {
	g.writeBarrier(newvalue, addrStruct, g.object(addrStruct))
}

// WriteBarrierFromArray is the array flavour of WriteBarrier. Large
// arrays with cards only mark the card covering index.
func (g *GC) WriteBarrierFromArray(newvalue, addrArray Addr, index int) {
	g.writeBarrierFromArray(newvalue, addrArray, g.object(addrArray), index)
}

func (g *GC) writeBarrier(newvalue, addrStruct Addr, o *Object) {
	if o.has(NoYoungPtrs) {
		g.rememberYoungPointer(addrStruct, o, newvalue)
	}
}

func (g *GC) writeBarrierFromArray(newvalue, addrArray Addr, o *Object, index int) {
	if !o.has(NoYoungPtrs) {
		return
	}
	if g.params.CardPageIndices > 0 {
		g.rememberYoungPointerFromArray(addrArray, o, index)
	} else {
		g.rememberYoungPointer(addrArray, o, newvalue)
	}
}

func (g *GC) rememberYoungPointer(addrStruct Addr, o *Object, newvalue Addr) {
	if g.params.DebugChecks && g.IsInNursery(addrStruct) {
		invariant(addrStruct, "young object with NO_YOUNG_PTRS")
	}
	if g.IsInNursery(newvalue) {
		g.oldObjectsPointingToYoung = append(g.oldObjectsPointingToYoung, addrStruct)
		o.clear(NoYoungPtrs)
	}
	// A prebuilt object that now points into the heap must be traced by
	// every major collection from now on.
	if o.has(NoHeapPtrs) {
		o.clear(NoHeapPtrs)
		g.prebuiltRootObjects = append(g.prebuiltRootObjects, addrStruct)
	}
}

func (g *GC) rememberYoungPointerFromArray(addrArray Addr, o *Object, index int) {
	if !o.has(HasCards) {
		// Small array: remember the whole object unconditionally.
		g.oldObjectsPointingToYoung = append(g.oldObjectsPointingToYoung, addrArray)
		o.clear(NoYoungPtrs)
		if o.has(NoHeapPtrs) {
			o.clear(NoHeapPtrs)
			g.prebuiltRootObjects = append(g.prebuiltRootObjects, addrArray)
		}
		return
	}
	bitindex := index >> g.cardPageShift
	byteindex := bitindex >> 3
	bitmask := byte(1) << (bitindex & 7)
	if o.cards[byteindex]&bitmask != 0 {
		return
	}
	o.cards[byteindex] |= bitmask
	if !o.has(CardsSet) {
		g.oldObjectsWithCardsSet = append(g.oldObjectsWithCardsSet, addrArray)
		o.set(CardsSet)
	}
}

// AssumeYoungPointers tells the collector that the object at addr may now
// point to young objects without the barrier having run.
func (g *GC) AssumeYoungPointers(addr Addr) {
	o := g.object(addr)
	if !o.has(NoYoungPtrs) {
		return
	}
	if o.has(HasCards) {
		for i := range o.cards {
			o.cards[i] = 0xff
		}
		if !o.has(CardsSet) {
			g.oldObjectsWithCardsSet = append(g.oldObjectsWithCardsSet, addr)
			o.set(CardsSet)
		}
		return
	}
	g.oldObjectsPointingToYoung = append(g.oldObjectsPointingToYoung, addr)
	o.clear(NoYoungPtrs)
}

// WritebarrierBeforeCopy runs before a bulk copy from source to dest and
// has the effect of the write barrier over every copied item, possibly
// remembering dest a little too eagerly.
func (g *GC) WritebarrierBeforeCopy(source, dest Addr) bool {
	so, do := g.object(source), g.object(dest)
	if !do.has(NoYoungPtrs) {
		return true
	}
	if !so.has(NoYoungPtrs) || so.has(CardsSet) {
		// source may hold nursery pointers.
		g.oldObjectsPointingToYoung = append(g.oldObjectsPointingToYoung, dest)
		do.clear(NoYoungPtrs)
	}
	if do.has(NoHeapPtrs) && !so.has(NoHeapPtrs) {
		do.clear(NoHeapPtrs)
		g.prebuiltRootObjects = append(g.prebuiltRootObjects, dest)
	}
	return true
}
