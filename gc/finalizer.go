package gc

// Finalization states of an object, from its Visited and
// FinalizationOrdering bits:
//
//	0: neither        not reached yet
//	1: ordering       being marked from a finalizable object
//	2: both           reachable from a finalizable object
//	3: visited        reachable, ordering done
func (g *GC) finalizationState(o *Object) int {
	switch {
	case o.has(Visited) && o.has(FinalizationOrdering):
		return 2
	case o.has(Visited):
		return 3
	case o.has(FinalizationOrdering):
		return 1
	}
	return 0
}

// dealWithObjectsWithFinalizers moves unreachable finalizable objects to
// runFinalizers and keeps everything they reference alive. An object is
// only queued if no other unreachable finalizable object references it,
// so the finalizers of referrers run before those of their referents.
func (g *GC) dealWithObjectsWithFinalizers() {
	var newWithFinalizer, marked, pending []Addr
	for _, x := range g.objectsWithFinalizers {
		xo := g.old[x]
		if g.finalizationState(xo) == 1 {
			invariant(x, "bad finalization state 1")
		}
		if xo.has(Visited) {
			newWithFinalizer = append(newWithFinalizer, x)
			continue
		}
		marked = append(marked, x)
		pending = append(pending[:0], x)
		for n := len(pending); n > 0; n = len(pending) {
			y := pending[n-1]
			pending = pending[:n-1]
			yo := g.object(y)
			if yo.has(NoHeapPtrs) {
				continue
			}
			switch g.finalizationState(yo) {
			case 0:
				yo.set(FinalizationOrdering)
				g.trace(yo, func(slot *Addr) { pending = append(pending, *slot) })
			case 2:
				g.bumpFinalizationState2To3(y)
			}
		}
		// Mark x and everything below it as reachable (state 1 -> 2).
		g.objectsToTrace = append(g.objectsToTrace, x)
		g.visitAllObjects()
	}

	for _, x := range marked {
		xo := g.old[x]
		state := g.finalizationState(xo)
		if state < 2 {
			invariant(x, "unexpected finalization state %d", state)
		}
		if state == 2 {
			g.runFinalizers = append(g.runFinalizers, x)
			// Leave no ordering bit behind for the next collection.
			g.bumpFinalizationState2To3(x)
		} else {
			newWithFinalizer = append(newWithFinalizer, x)
		}
	}
	g.objectsWithFinalizers = newWithFinalizer
}

func (g *GC) bumpFinalizationState2To3(addr Addr) {
	if st := g.finalizationState(g.object(addr)); st != 2 {
		invariant(addr, "unexpected finalization state %d != 2", st)
	}
	stack := []Addr{addr}
	for n := len(stack); n > 0; n = len(stack) {
		y := stack[n-1]
		stack = stack[:n-1]
		o := g.object(y)
		if o.has(FinalizationOrdering) {
			o.clear(FinalizationOrdering)
			g.trace(o, func(slot *Addr) { stack = append(stack, *slot) })
		}
	}
}

// executeFinalizers runs the queued finalizers. Finalizers may allocate
// and trigger collections; nested calls return immediately.
func (g *GC) executeFinalizers() {
	g.finalizerLock++
	defer func() { g.finalizerLock-- }()
	for len(g.runFinalizers) > 0 {
		if g.finalizerLock > 1 {
			break
		}
		obj := g.runFinalizers[0]
		g.runFinalizers = g.runFinalizers[1:]
		fin := g.typeOf(g.object(obj)).Finalizer
		g.stats.FinalizersRun++
		fin(g, obj)
	}
}

// PendingFinalizers is the number of finalizers queued but not yet run.
func (g *GC) PendingFinalizers() int { return len(g.runFinalizers) }
