package gc

import "fmt"

// ArenaCollection allocates small objects out of pages carved from larger
// arenas. Every page serves a single size class. Objects never move.
type ArenaCollection struct {
	arenaSize             int
	pageSize              int
	smallRequestThreshold int
	maxArenas             int

	next   Addr
	arenas []*arena

	// Pages with at least one free slot, and completely used pages, per
	// size class (size / WordSize).
	partial [][]*page
	full    [][]*page

	totalMemoryUsed int
}

type arena struct {
	base       Addr
	totalPages int
	freePages  []Addr
	freshPages int // pages not handed out yet, counted from the start
	usedPages  int
}

type page struct {
	arena    *arena
	base     Addr
	size     int
	nslots   int
	freshIdx int
	free     []Addr
	used     map[Addr]struct{}
}

// NewArenaCollection builds an empty collection.
func NewArenaCollection(arenaSize, pageSize, smallRequestThreshold, maxArenas int) *ArenaCollection {
	nclasses := smallRequestThreshold/WordSize + 1
	return &ArenaCollection{
		arenaSize:             arenaSize,
		pageSize:              pageSize,
		smallRequestThreshold: smallRequestThreshold,
		maxArenas:             maxArenas,
		next:                  arenaBase,
		partial:               make([][]*page, nclasses),
		full:                  make([][]*page, nclasses),
	}
}

// Malloc returns the address of a fresh slot of exactly size bytes.
func (ac *ArenaCollection) Malloc(size int) (Addr, error) {
	if size <= 0 || size%WordSize != 0 || size > ac.smallRequestThreshold {
		return Null, fmt.Errorf("gc: arena request of %d bytes out of range", size)
	}
	class := size / WordSize
	pages := ac.partial[class]
	var p *page
	if n := len(pages); n > 0 {
		p = pages[n-1]
	} else {
		var err error
		if p, err = ac.allocatePage(size); err != nil {
			return Null, err
		}
		ac.partial[class] = append(ac.partial[class], p)
	}

	var addr Addr
	if n := len(p.free); n > 0 {
		addr = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		addr = p.base + Addr(p.freshIdx*size)
		p.freshIdx++
	}
	p.used[addr] = struct{}{}
	if len(p.used) == p.nslots {
		ac.partial[class] = ac.partial[class][:len(ac.partial[class])-1]
		ac.full[class] = append(ac.full[class], p)
	}
	ac.totalMemoryUsed += size
	return addr, nil
}

func (ac *ArenaCollection) allocatePage(size int) (*page, error) {
	var a *arena
	for _, cand := range ac.arenas {
		if len(cand.freePages) > 0 || cand.freshPages < cand.totalPages {
			a = cand
			break
		}
	}
	if a == nil {
		if ac.maxArenas > 0 && len(ac.arenas) >= ac.maxArenas {
			return nil, ErrArenaExhausted
		}
		a = &arena{base: ac.next, totalPages: ac.arenaSize / ac.pageSize}
		ac.next += Addr(ac.arenaSize)
		ac.arenas = append(ac.arenas, a)
	}
	var base Addr
	if n := len(a.freePages); n > 0 {
		base = a.freePages[n-1]
		a.freePages = a.freePages[:n-1]
	} else {
		base = a.base + Addr(a.freshPages*ac.pageSize)
		a.freshPages++
	}
	a.usedPages++
	return &page{
		arena:  a,
		base:   base,
		size:   size,
		nslots: ac.pageSize / size,
		used:   make(map[Addr]struct{}),
	}, nil
}

// MassFree calls okToFree on every allocated slot and releases the slots
// for which it returns true. Emptied pages go back to their arena and
// emptied arenas are dropped.
func (ac *ArenaCollection) MassFree(okToFree func(Addr) bool) {
	for class := range ac.partial {
		pages := append(ac.partial[class], ac.full[class]...)
		ac.partial[class] = nil
		ac.full[class] = nil
		for _, p := range pages {
			for addr := range p.used {
				if okToFree(addr) {
					delete(p.used, addr)
					p.free = append(p.free, addr)
					ac.totalMemoryUsed -= p.size
				}
			}
			switch {
			case len(p.used) == 0:
				p.arena.freePages = append(p.arena.freePages, p.base)
				p.arena.usedPages--
			case len(p.used) == p.nslots:
				ac.full[class] = append(ac.full[class], p)
			default:
				ac.partial[class] = append(ac.partial[class], p)
			}
		}
	}
	kept := ac.arenas[:0]
	for _, a := range ac.arenas {
		if a.usedPages > 0 {
			kept = append(kept, a)
		}
	}
	ac.arenas = kept
}

// TotalMemoryUsed is the number of bytes in allocated slots.
func (ac *ArenaCollection) TotalMemoryUsed() int { return ac.totalMemoryUsed }

// NumArenas is the number of arenas currently held.
func (ac *ArenaCollection) NumArenas() int { return len(ac.arenas) }

// NumPages is the number of pages currently serving a size class.
func (ac *ArenaCollection) NumPages() int {
	n := 0
	for _, a := range ac.arenas {
		n += a.usedPages
	}
	return n
}

func (ac *ArenaCollection) contains(addr Addr) bool {
	return addr >= arenaBase && addr < ac.next
}
