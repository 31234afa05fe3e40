package jit

import (
	"github.com/chazu/metatrace/gc"
)

// Values of a virtualizable's token field.
const (
	// vableTokenNone: the fields in the heap are up to date.
	vableTokenNone int64 = 0
	// vableTokenTracingRescall: a residual call is running while the
	// tracer holds the fields in boxes.
	vableTokenTracingRescall int64 = -1
	// Any other value is the FORCE_TOKEN of the compiled activation
	// that holds the fields.
)

// VirtualizableInfo describes the portal's virtualizable: a heap object
// whose fields live in boxes while tracing and in registers while
// compiled code runs. Arrays have a fixed length for the duration of a
// trace.
type VirtualizableInfo struct {
	// Index is the position of the virtualizable among the portal's
	// arguments, greens included.
	Index        int
	TokenField   *FieldDescr
	StaticFields []*FieldDescr
	ArrayFields  []*FieldDescr
	ArrayDescrs  []*ArrayDescr

	staticIndex map[Descr]int
	arrayIndex  map[Descr]int
}

// NewVirtualizableInfo checks and indexes a virtualizable description.
func NewVirtualizableInfo(index int, token *FieldDescr, static, arrays []*FieldDescr, arrayDescrs []*ArrayDescr) (*VirtualizableInfo, error) {
	if token == nil || token.Kind != KindInt {
		return nil, traceErrorf("virtualizable needs an integer token field")
	}
	if len(arrays) != len(arrayDescrs) {
		return nil, traceErrorf("virtualizable has %d array fields and %d array descrs", len(arrays), len(arrayDescrs))
	}
	vi := &VirtualizableInfo{
		Index:        index,
		TokenField:   token,
		StaticFields: static,
		ArrayFields:  arrays,
		ArrayDescrs:  arrayDescrs,
		staticIndex:  make(map[Descr]int, len(static)),
		arrayIndex:   make(map[Descr]int, len(arrays)),
	}
	for i, fd := range static {
		vi.staticIndex[fd] = i
	}
	for i, fd := range arrays {
		if fd.Kind != KindRef {
			return nil, traceErrorf("virtualizable array field %s is not a reference", fd.Name)
		}
		vi.arrayIndex[fd] = i
	}
	return vi, nil
}

func (vi *VirtualizableInfo) staticFieldIndex(d Descr) (int, error) {
	i, ok := vi.staticIndex[d]
	if !ok {
		return 0, traceErrorf("%v is not a static field of the virtualizable", d)
	}
	return i, nil
}

func (vi *VirtualizableInfo) arrayFieldIndex(d Descr) (int, error) {
	i, ok := vi.arrayIndex[d]
	if !ok {
		return 0, traceErrorf("%v is not an array field of the virtualizable", d)
	}
	return i, nil
}

// ArrayLength returns the length of the k-th array of vable.
func (vi *VirtualizableInfo) ArrayLength(cpu *CPU, vable gc.Addr, k int) int {
	arr := cpu.Heap.ReadRef(vable, vi.ArrayFields[k].Index)
	if arr == gc.Null {
		return 0
	}
	return cpu.Heap.Length(arr)
}

// indexInArray returns the position of item i of the k-th array in the
// virtualizable boxes.
func (vi *VirtualizableInfo) indexInArray(cpu *CPU, vable gc.Addr, k, i int) int {
	n := len(vi.StaticFields)
	for j := 0; j < k; j++ {
		n += vi.ArrayLength(cpu, vable, j)
	}
	return n + i
}

// numBoxes is the number of boxes the fields of vable occupy.
func (vi *VirtualizableInfo) numBoxes(cpu *CPU, vable gc.Addr) int {
	return vi.indexInArray(cpu, vable, len(vi.ArrayFields), 0)
}

func (vi *VirtualizableInfo) readValues(cpu *CPU, vable gc.Addr) []Value {
	h := cpu.Heap
	vals := make([]Value, 0, vi.numBoxes(cpu, vable))
	for _, fd := range vi.StaticFields {
		vals = append(vals, readField(h, vable, fd))
	}
	for k, fd := range vi.ArrayFields {
		arr := h.ReadRef(vable, fd.Index)
		for j := 0; j < vi.ArrayLength(cpu, vable, k); j++ {
			vals = append(vals, readItem(h, arr, vi.ArrayDescrs[k], j))
		}
	}
	return vals
}

// ReadBoxes returns fresh boxes holding the fields of vable, static
// fields first and then the array items in order.
func (vi *VirtualizableInfo) ReadBoxes(cpu *CPU, vable gc.Addr) []Operand {
	vals := vi.readValues(cpu, vable)
	boxes := make([]Operand, len(vals))
	for i, v := range vals {
		boxes[i] = NewBox(v)
	}
	return boxes
}

func (vi *VirtualizableInfo) writeValues(cpu *CPU, vable gc.Addr, vals []Value) {
	h := cpu.Heap
	i := 0
	for _, fd := range vi.StaticFields {
		writeField(h, vable, fd, vals[i])
		i++
	}
	for k, fd := range vi.ArrayFields {
		arr := h.ReadRef(vable, fd.Index)
		for j := 0; j < vi.ArrayLength(cpu, vable, k); j++ {
			writeItem(h, arr, vi.ArrayDescrs[k], j, vals[i])
			i++
		}
	}
}

// WriteBoxes stores the current values of boxes into vable. Extra
// trailing boxes, such as the virtualizable itself, are ignored.
func (vi *VirtualizableInfo) WriteBoxes(cpu *CPU, vable gc.Addr, boxes []Operand) {
	vi.writeValues(cpu, vable, valuesOf(boxes[:vi.numBoxes(cpu, vable)]))
}

// CheckBoxes reports the first field of vable whose heap value differs
// from its box.
func (vi *VirtualizableInfo) CheckBoxes(cpu *CPU, vable gc.Addr, boxes []Operand) error {
	vals := vi.readValues(cpu, vable)
	if len(boxes) < len(vals) {
		return traceErrorf("virtualizable has %d fields, got %d boxes", len(vals), len(boxes))
	}
	for i, v := range vals {
		if !v.same(boxes[i].Val()) {
			return traceErrorf("virtualizable field %d is %s, box holds %s", i, v.repr(), boxes[i].Val().repr())
		}
	}
	return nil
}

func (vi *VirtualizableInfo) token(cpu *CPU, vable gc.Addr) int64 {
	return int64(cpu.Heap.ReadWord(vable, vi.TokenField.Index))
}

func (vi *VirtualizableInfo) setToken(cpu *CPU, vable gc.Addr, tok int64) {
	cpu.Heap.WriteWord(vable, vi.TokenField.Index, uint64(tok))
}

// ClearVableToken makes the heap fields of vable valid before the
// portal starts, forcing the compiled activation that held them.
func (vi *VirtualizableInfo) ClearVableToken(cpu *CPU, vable gc.Addr) error {
	if vi.token(cpu, vable) == vableTokenNone {
		return nil
	}
	return vi.force(cpu, vable)
}

// TracingBeforeResidualCall marks vable as held by the tracer.
func (vi *VirtualizableInfo) TracingBeforeResidualCall(cpu *CPU, vable gc.Addr) {
	vi.setToken(cpu, vable, vableTokenTracingRescall)
}

// TracingAfterResidualCall reports whether the residual call forced
// vable; otherwise it clears the mark.
func (vi *VirtualizableInfo) TracingAfterResidualCall(cpu *CPU, vable gc.Addr) bool {
	if vi.token(cpu, vable) == vableTokenNone {
		return true
	}
	vi.setToken(cpu, vable, vableTokenNone)
	return false
}

func (vi *VirtualizableInfo) force(cpu *CPU, vable gc.Addr) error {
	switch tok := vi.token(cpu, vable); tok {
	case vableTokenNone:
		return nil
	case vableTokenTracingRescall:
		// The tracer's boxes already match the heap; clearing the token
		// tells it the virtualizable escaped.
		vi.setToken(cpu, vable, vableTokenNone)
		return nil
	default:
		return vi.ForceNow(cpu, vable, tok)
	}
}

// ForceNow forces the compiled activation holding token: the
// virtualizable fields it keeps are written back into vable and its
// pending GUARD_NOT_FORCED will fail.
func (vi *VirtualizableInfo) ForceNow(cpu *CPU, vable gc.Addr, token int64) error {
	if cpu.Backend == nil {
		return traceErrorf("virtualizable token %d without a backend", token)
	}
	guard, values, err := cpu.Backend.Force(token)
	if err != nil {
		return err
	}
	vals, err := guard.vableValues(values)
	if err != nil {
		return err
	}
	if len(vals) > 0 {
		// the last vable box is the virtualizable itself
		vi.writeValues(cpu, vable, vals[:len(vals)-1])
	}
	vi.setToken(cpu, vable, vableTokenNone)
	log.Debugf("forced virtualizable %s from %s", vable, guard)
	return nil
}
