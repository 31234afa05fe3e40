package jit

import (
	"fmt"
	"sort"

	"github.com/chazu/metatrace/gc"
)

// GoFunc is a function called residually from traces. Reference
// arguments are not GC roots while the function runs: a function that
// allocates must root the references it still needs with Heap.AddRoot.
type GoFunc func(ctx *CallContext, args []Value) (Value, error)

// Function is an entry in the CPU's function registry. A function with a
// JitCode can be inlined into traces; Impl runs it residually.
type Function struct {
	Addr    int64
	Name    string
	JitCode *JitCode
	Impl    GoFunc
}

// Class is a node of the class hierarchy. Instances store the class id
// in word 0.
type Class struct {
	ID     int64
	Name   string
	Parent *Class
	Size   *SizeDescr
}

// CPU is the executor context shared by the recorder, the blackhole and
// the backend: the heap, the function registry, the class hierarchy and
// the pending exception.
type CPU struct {
	Heap    *gc.GC
	Backend Backend

	classes  map[int64]*Class
	funcs    map[int64]*Function
	nextFunc int64

	strType     uint16
	unicodeType uint16

	// OverflowError is raised when a GUARD_NO_OVERFLOW fails.
	OverflowError    *Class
	overflowInstance gc.Addr

	excValue gc.Addr
	overflow bool

	vinfo    *VirtualizableInfo
	vrefinfo *VirtualRefInfo

	// runJitCode interprets a function that has no Go implementation.
	runJitCode func(fn *Function, args []Value) (Value, error)
	// assemblerHelper finishes a CALL_ASSEMBLER whose callee left
	// compiled code through a guard.
	assemblerHelper func(df *DeadFrame) (Value, error)
}

// NewCPU creates a CPU over heap, registering the string, unicode and
// OverflowError types.
func NewCPU(heap *gc.GC) (*CPU, error) {
	c := &CPU{
		Heap:     heap,
		classes:  make(map[int64]*Class),
		funcs:    make(map[int64]*Function),
		nextFunc: 0x1000,
	}
	var err error
	if c.strType, err = heap.RegisterType(gc.TypeInfo{Name: "rpy_string", VarSize: true, ItemSize: 1}); err != nil {
		return nil, fmt.Errorf("jit: register string type: %w", err)
	}
	if c.unicodeType, err = heap.RegisterType(gc.TypeInfo{Name: "rpy_unicode", VarSize: true, ItemSize: 4}); err != nil {
		return nil, fmt.Errorf("jit: register unicode type: %w", err)
	}
	if c.OverflowError, err = c.DefineClass("OverflowError", nil, 0, nil); err != nil {
		return nil, err
	}
	if c.overflowInstance, err = heap.NewPrebuilt(c.OverflowError.Size.TypeID, 0); err != nil {
		return nil, fmt.Errorf("jit: prebuilt OverflowError: %w", err)
	}
	heap.WriteWord(c.overflowInstance, 0, uint64(c.OverflowError.ID))
	return c, nil
}

// DefineClass registers a class whose instances have nfields words after
// the class word. ptrFields are field indexes (1-based, as in FieldDescr)
// holding GC pointers.
func (c *CPU) DefineClass(name string, parent *Class, nfields int, ptrFields []int) (*Class, error) {
	tid, err := c.Heap.RegisterType(gc.TypeInfo{
		Name:       name,
		FixedSize:  (nfields + 1) * gc.WordSize,
		PtrOffsets: ptrFields,
	})
	if err != nil {
		return nil, fmt.Errorf("jit: define class %s: %w", name, err)
	}
	cls := &Class{ID: int64(len(c.classes) + 1), Name: name, Parent: parent}
	cls.Size = &SizeDescr{Name: name, TypeID: tid, Vtable: cls.ID}
	c.classes[cls.ID] = cls
	return cls, nil
}

// ClassByID returns a registered class.
func (c *CPU) ClassByID(id int64) *Class { return c.classes[id] }

// IsSubclass reports whether class sub is sup or derives from it.
func (c *CPU) IsSubclass(sub, sup int64) bool {
	for cls := c.classes[sub]; cls != nil; cls = cls.Parent {
		if cls.ID == sup {
			return true
		}
	}
	return false
}

// ClassOf reads the class word of an instance.
func (c *CPU) ClassOf(obj gc.Addr) int64 {
	return int64(c.Heap.ReadWord(obj, 0))
}

// RegisterFunction adds fn to the registry, assigning an address when
// fn.Addr is zero.
func (c *CPU) RegisterFunction(fn *Function) int64 {
	if fn.Addr == 0 {
		fn.Addr = c.nextFunc
		c.nextFunc += 16
	}
	if fn.JitCode != nil {
		fn.JitCode.FnAddr = fn.Addr
	}
	c.funcs[fn.Addr] = fn
	return fn.Addr
}

// Function looks a function up by address.
func (c *CPU) Function(addr int64) *Function { return c.funcs[addr] }

// Functions returns the registered functions ordered by address.
func (c *CPU) Functions() []*Function {
	fns := make([]*Function, 0, len(c.funcs))
	for _, fn := range c.funcs {
		fns = append(fns, fn)
	}
	sort.Slice(fns, func(i, j int) bool { return fns[i].Addr < fns[j].Addr })
	return fns
}

// StringType returns the GC type id of strings (one character per item).
func (c *CPU) StringType() uint16 { return c.strType }

// UnicodeType returns the GC type id of unicode strings.
func (c *CPU) UnicodeType() uint16 { return c.unicodeType }

// NewString allocates a string holding s.
func (c *CPU) NewString(s string) (gc.Addr, error) {
	addr, err := c.Heap.MallocVar(c.strType, len(s))
	if err != nil {
		return gc.Null, err
	}
	for i := 0; i < len(s); i++ {
		c.Heap.WriteItem(addr, i, uint64(s[i]))
	}
	return addr, nil
}

// GoString reads a string object back.
func (c *CPU) GoString(addr gc.Addr) string {
	n := c.Heap.Length(addr)
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(c.Heap.ReadItem(addr, i))
	}
	return string(b)
}

// PendingException returns the exception raised by the last call, or null.
func (c *CPU) PendingException() gc.Addr { return c.excValue }

// GrabExcValue returns and clears the pending exception.
func (c *CPU) GrabExcValue() gc.Addr {
	exc := c.excValue
	c.excValue = gc.Null
	return exc
}

// SetPendingException installs exc as the pending exception.
func (c *CPU) SetPendingException(exc gc.Addr) { c.excValue = exc }

// takeOverflow returns and clears the overflow flag.
func (c *CPU) takeOverflow() bool {
	ovf := c.overflow
	c.overflow = false
	return ovf
}

// WalkRoots keeps the pending exception alive across collections.
func (c *CPU) WalkRoots(fn func(*gc.Addr)) {
	fn(&c.excValue)
}

// CallContext is handed to Go functions called from traces.
type CallContext struct {
	CPU  *CPU
	Heap *gc.GC

	raised gc.Addr
}

// Raise makes the current call raise exc when it returns.
func (ctx *CallContext) Raise(exc gc.Addr) {
	ctx.raised = exc
}

// ForceVirtualizable makes the fields of vable valid in the heap. It must
// be called before a residual function reads or writes a virtualizable.
func (ctx *CallContext) ForceVirtualizable(vable gc.Addr) error {
	if ctx.CPU.vinfo == nil {
		return nil
	}
	return ctx.CPU.vinfo.force(ctx.CPU, vable)
}

// ForceVirtualRef returns the object behind a virtual reference.
func (ctx *CallContext) ForceVirtualRef(vref gc.Addr) (gc.Addr, error) {
	if ctx.CPU.vrefinfo == nil {
		return gc.Null, ErrInvalidVirtualRef
	}
	return ctx.CPU.vrefinfo.ForceVirtual(ctx.CPU, vref)
}

// call runs the function at address fn.
func (c *CPU) call(fnaddr int64, args []Value, resultKind Kind) (Value, error) {
	fn := c.funcs[fnaddr]
	if fn == nil {
		return Value{}, traceErrorf("call to unknown function 0x%x", fnaddr)
	}
	if fn.Impl == nil {
		if fn.JitCode == nil || c.runJitCode == nil {
			return Value{}, traceErrorf("function %s has no implementation", fn.Name)
		}
		return c.runJitCode(fn, args)
	}
	ctx := &CallContext{CPU: c, Heap: c.Heap}
	res, err := fn.Impl(ctx, args)
	if err != nil {
		return Value{}, &TraceError{Msg: "call " + fn.Name, Err: err}
	}
	if ctx.raised != gc.Null {
		c.excValue = ctx.raised
		return zeroValue(resultKind), nil
	}
	if resultKind != KindVoid && res.kind != resultKind {
		return Value{}, traceErrorf("call %s returned %s, want %s", fn.Name, res.kind, resultKind)
	}
	return res, nil
}

// callAssembler runs a compiled portal and finishes it through the
// assembler helper when it leaves through a guard.
func (c *CPU) callAssembler(token *LoopToken, args []Value) (Value, error) {
	if c.Backend == nil {
		return Value{}, traceErrorf("call_assembler without a backend")
	}
	df, err := c.Backend.Execute(token, args)
	if err != nil {
		return Value{}, err
	}
	if d, ok := df.Descr.(*DoneDescr); ok {
		if d.IsException() {
			c.excValue = df.Values[0].R
			return Value{}, nil
		}
		if len(df.Values) == 0 {
			return Value{}, nil
		}
		return df.Values[0], nil
	}
	if c.assemblerHelper == nil {
		return Value{}, traceErrorf("call_assembler: guard failure without a driver")
	}
	return c.assemblerHelper(df)
}

func zeroValue(k Kind) Value {
	return Value{kind: k}
}
