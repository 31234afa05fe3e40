package gc

import (
	"errors"
	"testing"
)

func TestArenaMallocAndMassFree(t *testing.T) {
	ac := NewArenaCollection(64*WordSize, 16*WordSize, 5*WordSize, 0)
	var addrs []Addr
	seen := map[Addr]bool{}
	// 8 slots per page and 4 pages per arena: 40 slots need 2 arenas.
	for i := 0; i < 40; i++ {
		a, err := ac.Malloc(2 * WordSize)
		if err != nil {
			t.Fatalf("Malloc: %v", err)
		}
		if seen[a] {
			t.Fatalf("slot %s handed out twice", a)
		}
		seen[a] = true
		addrs = append(addrs, a)
	}
	if got := ac.TotalMemoryUsed(); got != 40*2*WordSize {
		t.Fatalf("TotalMemoryUsed = %d", got)
	}
	if ac.NumArenas() != 2 {
		t.Errorf("NumArenas = %d, want 2", ac.NumArenas())
	}

	keep := map[Addr]bool{addrs[0]: true, addrs[39]: true}
	ac.MassFree(func(a Addr) bool { return !keep[a] })
	if got := ac.TotalMemoryUsed(); got != 2*2*WordSize {
		t.Errorf("TotalMemoryUsed after free = %d", got)
	}
	if ac.NumPages() != 2 || ac.NumArenas() != 2 {
		t.Errorf("pages = %d, arenas = %d, want 2 and 2", ac.NumPages(), ac.NumArenas())
	}

	ac.MassFree(func(Addr) bool { return true })
	if ac.NumArenas() != 0 || ac.TotalMemoryUsed() != 0 {
		t.Errorf("arenas = %d, used = %d after freeing everything", ac.NumArenas(), ac.TotalMemoryUsed())
	}
}

func TestArenaLimit(t *testing.T) {
	ac := NewArenaCollection(16*WordSize, 16*WordSize, 5*WordSize, 1)
	for i := 0; i < 4; i++ {
		if _, err := ac.Malloc(4 * WordSize); err != nil {
			t.Fatalf("Malloc %d: %v", i, err)
		}
	}
	if _, err := ac.Malloc(4 * WordSize); !errors.Is(err, ErrArenaExhausted) {
		t.Errorf("err = %v, want ErrArenaExhausted", err)
	}
}

func TestArenaRejectsBadSizes(t *testing.T) {
	ac := NewArenaCollection(64*WordSize, 16*WordSize, 5*WordSize, 0)
	for _, size := range []int{0, 3, 6 * WordSize} {
		if _, err := ac.Malloc(size); err == nil {
			t.Errorf("Malloc(%d) succeeded", size)
		}
	}
}
