package jit

import (
	"sync"
	"sync/atomic"
	"time"
)

// Profiler counts what the meta-interpreter does and how long it spends
// tracing and blackholing.
type Profiler struct {
	ops         uint64 // Operations executed while tracing or interpreting
	recorded    uint64 // Operations recorded into a history
	guards      uint64 // Guards recorded
	blackholed  uint64 // Operations executed in blackhole mode
	loops       uint64 // Loops and entry bridges compiled
	bridges     uint64 // Bridges compiled
	tracingTime int64  // nanoseconds
	blackTime   int64  // nanoseconds

	mu      sync.Mutex
	aborts  map[AbortReason]uint64
	tracing []time.Time
	black   []time.Time
}

// ProfilerStats holds the profiler's counters.
type ProfilerStats struct {
	Ops           uint64
	RecordedOps   uint64
	Guards        uint64
	BlackholedOps uint64
	Loops         uint64
	Bridges       uint64
	Aborts        map[AbortReason]uint64
	TracingTime   time.Duration
	BlackholeTime time.Duration
}

// NewProfiler creates a zeroed profiler.
func NewProfiler() *Profiler {
	return &Profiler{aborts: make(map[AbortReason]uint64)}
}

func (p *Profiler) countOp(mode interpMode) {
	if mode == modeBlackhole {
		atomic.AddUint64(&p.blackholed, 1)
		return
	}
	atomic.AddUint64(&p.ops, 1)
}

func (p *Profiler) countRecorded() { atomic.AddUint64(&p.recorded, 1) }
func (p *Profiler) countGuard()    { atomic.AddUint64(&p.guards, 1) }
func (p *Profiler) countLoop()     { atomic.AddUint64(&p.loops, 1) }
func (p *Profiler) countBridge()   { atomic.AddUint64(&p.bridges, 1) }

func (p *Profiler) countAbort(r AbortReason) {
	p.mu.Lock()
	p.aborts[r]++
	p.mu.Unlock()
}

func (p *Profiler) startTracing() {
	p.mu.Lock()
	p.tracing = append(p.tracing, time.Now())
	p.mu.Unlock()
}

func (p *Profiler) endTracing() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.tracing); n > 0 {
		atomic.AddInt64(&p.tracingTime, int64(time.Since(p.tracing[n-1])))
		p.tracing = p.tracing[:n-1]
	}
}

func (p *Profiler) startBlackhole() {
	p.mu.Lock()
	p.black = append(p.black, time.Now())
	p.mu.Unlock()
}

func (p *Profiler) endBlackhole() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.black); n > 0 {
		atomic.AddInt64(&p.blackTime, int64(time.Since(p.black[n-1])))
		p.black = p.black[:n-1]
	}
}

// Stats returns a snapshot of the counters.
func (p *Profiler) Stats() ProfilerStats {
	s := ProfilerStats{
		Ops:           atomic.LoadUint64(&p.ops),
		RecordedOps:   atomic.LoadUint64(&p.recorded),
		Guards:        atomic.LoadUint64(&p.guards),
		BlackholedOps: atomic.LoadUint64(&p.blackholed),
		Loops:         atomic.LoadUint64(&p.loops),
		Bridges:       atomic.LoadUint64(&p.bridges),
		TracingTime:   time.Duration(atomic.LoadInt64(&p.tracingTime)),
		BlackholeTime: time.Duration(atomic.LoadInt64(&p.blackTime)),
		Aborts:        make(map[AbortReason]uint64),
	}
	p.mu.Lock()
	for r, n := range p.aborts {
		s.Aborts[r] = n
	}
	p.mu.Unlock()
	return s
}

// Reset clears all counters.
func (p *Profiler) Reset() {
	for _, c := range []*uint64{&p.ops, &p.recorded, &p.guards, &p.blackholed, &p.loops, &p.bridges} {
		atomic.StoreUint64(c, 0)
	}
	atomic.StoreInt64(&p.tracingTime, 0)
	atomic.StoreInt64(&p.blackTime, 0)
	p.mu.Lock()
	p.aborts = make(map[AbortReason]uint64)
	p.mu.Unlock()
}
