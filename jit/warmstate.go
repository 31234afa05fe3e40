package jit

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// DebugLevel selects how much the JIT logs.
type DebugLevel int

const (
	DebugOff DebugLevel = iota
	DebugProfile
	DebugSteps
	DebugDetailed
)

// Options are the JIT's tuning parameters.
type Options struct {
	// Threshold is the number of can_enter_jit hits before a greenkey
	// is traced.
	Threshold int64
	// TraceEagerness is the number of failures of a guard before a
	// bridge is traced from it.
	TraceEagerness int
	// TraceLimit is the longest trace, in operations, before tracing
	// is aborted.
	TraceLimit int
	// Inlining makes recursive portal calls trace through the callee.
	Inlining   bool
	DebugLevel DebugLevel
}

// DefaultOptions returns the standard tuning.
func DefaultOptions() Options {
	return Options{
		Threshold:      1039,
		TraceEagerness: 200,
		TraceLimit:     10000,
		Inlining:       false,
		DebugLevel:     DebugOff,
	}
}

// JitCell is the per-greenkey state of the warm state.
type JitCell struct {
	Greenkey []*Const
	Counter  int64

	// Entry is the token run when the interpreter reaches the greenkey.
	Entry *LoopToken
	// Tokens are the compiled loops, followed by the entry bridges.
	Tokens     []*LoopToken
	DontInline bool
}

// CompiledTrace describes a trace handed to the backend.
type CompiledTrace struct {
	ID       uuid.UUID
	Kind     string
	Greenkey string
	// Token is set for loops and entry bridges.
	Token *LoopToken
	// Guard is the number of the guard a bridge is attached to.
	Guard      int
	InputArgs  []*Box
	Operations []*Operation
}

// CompileListener is told about compilations and aborts.
type CompileListener interface {
	LoopCompiled(t *CompiledTrace)
	BridgeCompiled(t *CompiledTrace)
	TraceAborted(greenkey string, reason AbortReason, length int)
}

// WarmStateStats is a summary of the warm state.
type WarmStateStats struct {
	Cells        int
	Loops        uint64
	EntryBridges uint64
	Bridges      uint64
	Aborts       uint64
	DontInline   int
}

// WarmState maps greenkeys to hotness counters and compiled code.
type WarmState struct {
	opts Options

	mu       sync.RWMutex
	cells    map[string]*JitCell
	listener CompileListener

	loops        uint64
	entryBridges uint64
	bridges      uint64
	aborts       uint64
}

// NewWarmState creates an empty warm state.
func NewWarmState(opts Options) *WarmState {
	return &WarmState{opts: opts, cells: make(map[string]*JitCell)}
}

// greenkeyString is the map key and the display form of a greenkey.
func greenkeyString(greenkey []*Const) string {
	if len(greenkey) == 0 {
		return "()"
	}
	parts := make([]string, len(greenkey))
	for i, c := range greenkey {
		parts[i] = c.repr()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func (w *WarmState) cell(greenkey []*Const) *JitCell {
	key := greenkeyString(greenkey)
	w.mu.RLock()
	c := w.cells[key]
	w.mu.RUnlock()
	if c != nil {
		return c
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if c = w.cells[key]; c == nil {
		c = &JitCell{Greenkey: greenkey}
		w.cells[key] = c
	}
	return c
}

// Cell returns the cell of greenkey, or nil if it was never seen.
func (w *WarmState) Cell(greenkey []*Const) *JitCell {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cells[greenkeyString(greenkey)]
}

// SetListener installs l; nil removes it.
func (w *WarmState) SetListener(l CompileListener) {
	w.mu.Lock()
	w.listener = l
	w.mu.Unlock()
}

func (w *WarmState) getListener() CompileListener {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.listener
}

// Tokens returns the compiled tokens of greenkey, loops first.
func (w *WarmState) Tokens(greenkey []*Const) []*LoopToken {
	c := w.Cell(greenkey)
	if c == nil {
		return nil
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]*LoopToken(nil), c.Tokens...)
}

// EntryToken returns the token to run for greenkey, or nil.
func (w *WarmState) EntryToken(greenkey []*Const) *LoopToken {
	c := w.Cell(greenkey)
	if c == nil {
		return nil
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return c.Entry
}

// AssemblerToken returns the token a CALL_ASSEMBLER to greenkey runs.
func (w *WarmState) AssemblerToken(greenkey []*Const) *LoopToken {
	return w.EntryToken(greenkey)
}

// CanInlineCallable reports whether a recursive call to greenkey may be
// traced through.
func (w *WarmState) CanInlineCallable(greenkey []*Const) bool {
	if !w.opts.Inlining {
		return false
	}
	c := w.Cell(greenkey)
	if c == nil {
		return true
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return !c.DontInline
}

// DisableInlining stops greenkey from being inlined into traces.
func (w *WarmState) DisableInlining(greenkey []*Const) {
	c := w.cell(greenkey)
	w.mu.Lock()
	c.DontInline = true
	w.mu.Unlock()
	log.Debugf("disabled inlining of %s", greenkeyString(greenkey))
}

// countMergePoint counts one can_enter_jit hit. It reports whether the
// interpreter should stop: the greenkey has compiled code or is hot.
func (w *WarmState) countMergePoint(greenkey []*Const) bool {
	c := w.cell(greenkey)
	n := atomic.AddInt64(&c.Counter, 1)
	if n >= w.opts.Threshold {
		return true
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return c.Entry != nil
}

// IsHot reports whether greenkey reached the threshold.
func (w *WarmState) IsHot(greenkey []*Const) bool {
	c := w.Cell(greenkey)
	return c != nil && atomic.LoadInt64(&c.Counter) >= w.opts.Threshold
}

// startTracing resets the counter, so an aborted trace is retried only
// after the greenkey gets hot again.
func (w *WarmState) startTracing(greenkey []*Const) {
	atomic.StoreInt64(&w.cell(greenkey).Counter, 0)
}

// MustCompileFromFailure counts a failure of guard d and reports
// whether a bridge should be traced from it.
func (w *WarmState) MustCompileFromFailure(d *ResumeGuardDescr) bool {
	d.failures++
	return d.failures >= w.opts.TraceEagerness
}

func (w *WarmState) locationString(greenkey []*Const) string {
	return greenkeyString(greenkey)
}

func (w *WarmState) attachLoop(greenkey []*Const, token *LoopToken) {
	c := w.cell(greenkey)
	w.mu.Lock()
	i := 0
	for i < len(c.Tokens) && !c.Tokens[i].Entry {
		i++
	}
	c.Tokens = append(c.Tokens, nil)
	copy(c.Tokens[i+1:], c.Tokens[i:])
	c.Tokens[i] = token
	if c.Entry == nil {
		c.Entry = token
	}
	w.mu.Unlock()
	atomic.AddUint64(&w.loops, 1)
}

func (w *WarmState) attachEntryBridge(greenkey []*Const, token *LoopToken) {
	c := w.cell(greenkey)
	w.mu.Lock()
	c.Tokens = append(c.Tokens, token)
	c.Entry = token
	w.mu.Unlock()
	atomic.AddUint64(&w.entryBridges, 1)
}

func (w *WarmState) notifyLoop(t *CompiledTrace) {
	if l := w.getListener(); l != nil {
		l.LoopCompiled(t)
	}
}

func (w *WarmState) notifyBridge(t *CompiledTrace) {
	atomic.AddUint64(&w.bridges, 1)
	if l := w.getListener(); l != nil {
		l.BridgeCompiled(t)
	}
}

func (w *WarmState) traceAborted(greenkey []*Const, reason AbortReason, length int) {
	atomic.AddUint64(&w.aborts, 1)
	if l := w.getListener(); l != nil {
		l.TraceAborted(greenkeyString(greenkey), reason, length)
	}
}

// Stats returns a snapshot of the warm state's counters.
func (w *WarmState) Stats() WarmStateStats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	s := WarmStateStats{
		Cells:        len(w.cells),
		Loops:        atomic.LoadUint64(&w.loops),
		EntryBridges: atomic.LoadUint64(&w.entryBridges),
		Bridges:      atomic.LoadUint64(&w.bridges),
		Aborts:       atomic.LoadUint64(&w.aborts),
	}
	for _, c := range w.cells {
		if c.DontInline {
			s.DontInline++
		}
	}
	return s
}

// Reset forgets every cell and compiled token.
func (w *WarmState) Reset() {
	w.mu.Lock()
	w.cells = make(map[string]*JitCell)
	w.mu.Unlock()
	atomic.StoreUint64(&w.loops, 0)
	atomic.StoreUint64(&w.entryBridges, 0)
	atomic.StoreUint64(&w.bridges, 0)
	atomic.StoreUint64(&w.aborts, 0)
}
