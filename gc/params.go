package gc

// WordSize is the size in bytes of one heap word.
const WordSize = 8

// MinimalNurserySize is the smallest allocation made in the nursery. An
// evacuated object must be large enough to hold a forwarding address.
const MinimalNurserySize = 2 * WordSize

// Params are the collector's tuning knobs. All sizes are in bytes.
type Params struct {
	// NurserySize is the size of the young generation. A value of
	// WordSize or less selects debug mode, where every allocation
	// is preceded by a minor collection.
	NurserySize int

	// PageSize and ArenaSize control how the arena collection carves
	// memory for small old objects.
	PageSize  int
	ArenaSize int

	// SmallRequestThreshold is the largest request served by the
	// arena collection.
	SmallRequestThreshold int

	// MaxArenas bounds the number of arenas. Zero means unbounded.
	MaxArenas int

	// MajorCollectionThreshold is the factor applied to the surviving
	// heap to compute when the next major collection runs.
	MajorCollectionThreshold float64

	// GrowthRateMax caps how fast the threshold may grow between two
	// major collections. Values <= 1 disable the cap.
	GrowthRateMax float64

	// CardPageIndices is the number of array items covered by one card.
	// Zero disables card marking.
	CardPageIndices int

	// LargeObject and LargeObjectGCPtrs are the largest sizes allocated
	// in the nursery, for objects without and with GC pointers in their
	// variable part respectively.
	LargeObject       int
	LargeObjectGCPtrs int

	// MinHeapSize is the lower bound of the major collection threshold.
	// Zero means NurserySize * MajorCollectionThreshold.
	MinHeapSize float64

	// MaxHeapSize bounds the heap. Zero means unbounded.
	MaxHeapSize float64

	// DebugAlwaysMinorCollect forces a minor collection before every
	// nursery allocation.
	DebugAlwaysMinorCollect bool

	// DebugChecks enables the consistency checks run around collections.
	DebugChecks bool

	// OnFatal receives the fatal error raised when the heap limit is
	// exceeded twice in a row. The default logs and panics.
	OnFatal func(error)
}

// DefaultParams returns the production tuning.
func DefaultParams() Params {
	return Params{
		NurserySize:              896 * 1024,
		PageSize:                 1024 * WordSize,
		ArenaSize:                65536 * WordSize,
		SmallRequestThreshold:    35 * WordSize,
		MajorCollectionThreshold: 1.82,
		GrowthRateMax:            1.3,
		CardPageIndices:          128,
		LargeObject:              1600 * WordSize,
		LargeObjectGCPtrs:        8250 * WordSize,
	}
}

// TestParams returns a tiny heap that collects often.
func TestParams() Params {
	return Params{
		NurserySize:              32 * WordSize,
		PageSize:                 16 * WordSize,
		ArenaSize:                64 * WordSize,
		SmallRequestThreshold:    5 * WordSize,
		MajorCollectionThreshold: 2.5,
		GrowthRateMax:            2.5,
		LargeObject:              8 * WordSize,
		LargeObjectGCPtrs:        10 * WordSize,
		DebugChecks:              true,
	}
}

func (p Params) validate() error {
	switch {
	case p.NurserySize < 0:
		return paramError("nursery size must not be negative")
	case p.PageSize <= 0 || p.PageSize%WordSize != 0:
		return paramError("page size must be a positive multiple of the word size")
	case p.ArenaSize < p.PageSize:
		return paramError("arena must hold at least one page")
	case p.SmallRequestThreshold%WordSize != 0 || p.SmallRequestThreshold > p.PageSize:
		return paramError("small request threshold must be word aligned and fit in a page")
	case p.MajorCollectionThreshold <= 1:
		return paramError("major collection threshold must be > 1")
	case p.CardPageIndices < 0:
		return paramError("card page indices must not be negative")
	case p.LargeObject > p.LargeObjectGCPtrs:
		return paramError("large_object must not exceed large_object_gcptrs")
	}
	return nil
}

func roundUp(n int) int {
	return (n + WordSize - 1) &^ (WordSize - 1)
}
