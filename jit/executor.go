package jit

import (
	"math"

	"github.com/chazu/metatrace/gc"
)

// Execute runs one non-guard operation on concrete values.
func Execute(cpu *CPU, opnum Opnum, descr Descr, args []Value) (Value, error) {
	return cpu.execute(opnum, descr, args)
}

// CheckGuard evaluates a guard on concrete values. GUARD_EXCEPTION
// returns the caught exception as its result. GUARD_NOT_FORCED depends
// on the running activation and is left to the backend.
func CheckGuard(cpu *CPU, opnum Opnum, args []Value) (ok bool, result Value, err error) {
	defer recoverHeapFault(&err)
	switch opnum {
	case OpGuardTrue:
		return args[0].I != 0, Value{}, nil
	case OpGuardFalse:
		return args[0].I == 0, Value{}, nil
	case OpGuardValue:
		return args[0].same(args[1]), Value{}, nil
	case OpGuardClass:
		return cpu.ClassOf(args[0].R) == args[1].I, Value{}, nil
	case OpGuardNonnull:
		return args[0].R != gc.Null, Value{}, nil
	case OpGuardIsnull:
		return args[0].R == gc.Null, Value{}, nil
	case OpGuardNoException:
		return cpu.excValue == gc.Null, Value{}, nil
	case OpGuardException:
		exc := cpu.excValue
		if exc == gc.Null || cpu.ClassOf(exc) != args[0].I {
			return false, Value{}, nil
		}
		cpu.excValue = gc.Null
		return true, RefValue(exc), nil
	case OpGuardNoOverflow:
		return !cpu.takeOverflow(), Value{}, nil
	case OpGuardOverflow:
		return cpu.takeOverflow(), Value{}, nil
	}
	return false, Value{}, traceErrorf("%s is not a guard the executor can check", opnum)
}

// recoverHeapFault turns a heap invariant panic into a TraceError.
func recoverHeapFault(err *error) {
	if r := recover(); r != nil {
		ie, ok := r.(*gc.InvariantError)
		if !ok {
			panic(r)
		}
		*err = &TraceError{Msg: "heap fault", Err: ie}
	}
}

func boolValue(b bool) Value {
	if b {
		return IntValue(1)
	}
	return IntValue(0)
}

func (c *CPU) execute(opnum Opnum, descr Descr, args []Value) (res Value, err error) {
	defer recoverHeapFault(&err)
	if a := opnum.Info().Arity; a >= 0 && len(args) != a {
		return Value{}, traceErrorf("%s: got %d arguments, want %d", opnum, len(args), a)
	}
	h := c.Heap
	switch opnum {
	case OpIntAdd:
		return IntValue(args[0].I + args[1].I), nil
	case OpIntSub:
		return IntValue(args[0].I - args[1].I), nil
	case OpIntMul:
		return IntValue(args[0].I * args[1].I), nil
	case OpIntFloordiv:
		if args[1].I == 0 {
			return Value{}, ErrZeroDivision
		}
		return IntValue(args[0].I / args[1].I), nil
	case OpUintFloordiv:
		if args[1].I == 0 {
			return Value{}, ErrZeroDivision
		}
		return IntValue(int64(uint64(args[0].I) / uint64(args[1].I))), nil
	case OpIntMod:
		if args[1].I == 0 {
			return Value{}, ErrZeroDivision
		}
		return IntValue(args[0].I % args[1].I), nil
	case OpIntAnd:
		return IntValue(args[0].I & args[1].I), nil
	case OpIntOr:
		return IntValue(args[0].I | args[1].I), nil
	case OpIntXor:
		return IntValue(args[0].I ^ args[1].I), nil
	case OpIntRshift, OpIntLshift, OpUintRshift:
		n := args[1].I
		if n < 0 || n >= 64 {
			return Value{}, traceErrorf("%s: shift count %d out of range", opnum, n)
		}
		switch opnum {
		case OpIntRshift:
			return IntValue(args[0].I >> uint(n)), nil
		case OpIntLshift:
			return IntValue(args[0].I << uint(n)), nil
		}
		return IntValue(int64(uint64(args[0].I) >> uint(n))), nil
	case OpFloatAdd:
		return FloatValue(args[0].F + args[1].F), nil
	case OpFloatSub:
		return FloatValue(args[0].F - args[1].F), nil
	case OpFloatMul:
		return FloatValue(args[0].F * args[1].F), nil
	case OpFloatTruediv:
		return FloatValue(args[0].F / args[1].F), nil
	case OpFloatNeg:
		return FloatValue(-args[0].F), nil
	case OpFloatAbs:
		return FloatValue(math.Abs(args[0].F)), nil
	case OpCastFloatToInt:
		return IntValue(int64(args[0].F)), nil
	case OpCastIntToFloat:
		return FloatValue(float64(args[0].I)), nil
	case OpIntLt:
		return boolValue(args[0].I < args[1].I), nil
	case OpIntLe:
		return boolValue(args[0].I <= args[1].I), nil
	case OpIntEq:
		return boolValue(args[0].I == args[1].I), nil
	case OpIntNe:
		return boolValue(args[0].I != args[1].I), nil
	case OpIntGt:
		return boolValue(args[0].I > args[1].I), nil
	case OpIntGe:
		return boolValue(args[0].I >= args[1].I), nil
	case OpUintLt:
		return boolValue(uint64(args[0].I) < uint64(args[1].I)), nil
	case OpUintLe:
		return boolValue(uint64(args[0].I) <= uint64(args[1].I)), nil
	case OpUintGt:
		return boolValue(uint64(args[0].I) > uint64(args[1].I)), nil
	case OpUintGe:
		return boolValue(uint64(args[0].I) >= uint64(args[1].I)), nil
	case OpFloatLt:
		return boolValue(args[0].F < args[1].F), nil
	case OpFloatLe:
		return boolValue(args[0].F <= args[1].F), nil
	case OpFloatEq:
		return boolValue(args[0].F == args[1].F), nil
	case OpFloatNe:
		return boolValue(args[0].F != args[1].F), nil
	case OpFloatGt:
		return boolValue(args[0].F > args[1].F), nil
	case OpFloatGe:
		return boolValue(args[0].F >= args[1].F), nil
	case OpIntIsZero:
		return boolValue(args[0].I == 0), nil
	case OpIntIsTrue:
		return boolValue(args[0].I != 0), nil
	case OpIntNeg:
		return IntValue(-args[0].I), nil
	case OpIntInvert:
		return IntValue(^args[0].I), nil
	case OpSameAs:
		return args[0], nil
	case OpPtrEq:
		return boolValue(args[0].R == args[1].R), nil
	case OpPtrNe:
		return boolValue(args[0].R != args[1].R), nil
	case OpCastPtrToInt:
		return IntValue(int64(args[0].R)), nil

	case OpIntAddOvf:
		r, carry := addOvf(args[0].I, args[1].I)
		c.overflow = carry
		return IntValue(r), nil
	case OpIntSubOvf:
		r, carry := subOvf(args[0].I, args[1].I)
		c.overflow = carry
		return IntValue(r), nil
	case OpIntMulOvf:
		r, carry := mulOvf(args[0].I, args[1].I)
		c.overflow = carry
		return IntValue(r), nil

	case OpArraylenGC:
		return IntValue(int64(h.Length(args[0].R))), nil
	case OpStrlen, OpUnicodelen:
		return IntValue(int64(h.Length(args[0].R))), nil
	case OpStrgetitem, OpUnicodegetitem:
		return IntValue(int64(h.ReadItem(args[0].R, int(args[1].I)))), nil
	case OpStrsetitem, OpUnicodesetitem:
		h.WriteItem(args[0].R, int(args[1].I), uint64(args[2].I))
		return Value{}, nil
	case OpNewstr, OpNewunicode:
		if args[0].I < 0 {
			return Value{}, traceErrorf("%s: negative length %d", opnum, args[0].I)
		}
		tid := c.strType
		if opnum == OpNewunicode {
			tid = c.unicodeType
		}
		addr, err := h.MallocVar(tid, int(args[0].I))
		return RefValue(addr), err

	case OpGetfieldGC, OpGetfieldGCPure:
		fd, err := fieldDescr(opnum, descr)
		if err != nil {
			return Value{}, err
		}
		return readField(h, args[0].R, fd), nil
	case OpSetfieldGC:
		fd, err := fieldDescr(opnum, descr)
		if err != nil {
			return Value{}, err
		}
		writeField(h, args[0].R, fd, args[1])
		return Value{}, nil
	case OpGetarrayitemGC, OpGetarrayitemGCPure:
		ad, err := arrayDescr(opnum, descr)
		if err != nil {
			return Value{}, err
		}
		return readItem(h, args[0].R, ad, int(args[1].I)), nil
	case OpSetarrayitemGC:
		ad, err := arrayDescr(opnum, descr)
		if err != nil {
			return Value{}, err
		}
		writeItem(h, args[0].R, ad, int(args[1].I), args[2])
		return Value{}, nil
	case OpArraycopy:
		if err := h.CopyArrayItems(args[0].R, args[1].R, int(args[2].I), int(args[3].I), int(args[4].I)); err != nil {
			return Value{}, &TraceError{Msg: "arraycopy", Err: err}
		}
		return Value{}, nil

	case OpNew:
		sd, ok := descr.(*SizeDescr)
		if !ok {
			return Value{}, traceErrorf("new: bad descr %v", descr)
		}
		addr, err := h.MallocFixed(sd.TypeID)
		if err != nil {
			return Value{}, err
		}
		if sd.Vtable != 0 {
			h.WriteWord(addr, 0, uint64(sd.Vtable))
		}
		return RefValue(addr), nil
	case OpNewWithVtable:
		sd, ok := descr.(*SizeDescr)
		if !ok {
			return Value{}, traceErrorf("new_with_vtable: bad descr %v", descr)
		}
		addr, err := h.MallocFixed(sd.TypeID)
		if err != nil {
			return Value{}, err
		}
		h.WriteWord(addr, 0, uint64(args[0].I))
		return RefValue(addr), nil
	case OpNewArray:
		ad, err := arrayDescr(opnum, descr)
		if err != nil {
			return Value{}, err
		}
		if args[0].I < 0 {
			return Value{}, traceErrorf("new_array: negative length %d", args[0].I)
		}
		addr, err := h.MallocVar(ad.TypeID, int(args[0].I))
		return RefValue(addr), err

	case OpVirtualRef:
		// Compiled code keeps the object itself; the vref object only
		// exists while tracing.
		return args[0], nil
	case OpVirtualRefFinish, OpDebugMergePoint:
		return Value{}, nil

	case OpCall, OpCallMayForce, OpCallLoopinvariant, OpCallPure:
		cd, ok := descr.(*CallDescr)
		if !ok {
			return Value{}, traceErrorf("%s: bad descr %v", opnum, descr)
		}
		if len(args) == 0 {
			return Value{}, traceErrorf("%s without a function", opnum)
		}
		return c.call(args[0].I, args[1:], cd.ResultKind)
	case OpCallAssembler:
		token, ok := descr.(*LoopToken)
		if !ok {
			return Value{}, traceErrorf("call_assembler: bad descr %v", descr)
		}
		return c.callAssembler(token, args)
	}
	return Value{}, traceErrorf("cannot execute %s", opnum)
}

func addOvf(a, b int64) (int64, bool) {
	r := a + b
	return r, (a >= 0) == (b >= 0) && (r >= 0) != (a >= 0)
}

func subOvf(a, b int64) (int64, bool) {
	r := a - b
	return r, (a >= 0) != (b >= 0) && (r >= 0) != (a >= 0)
}

func mulOvf(a, b int64) (int64, bool) {
	r := a * b
	if a == 0 || b == 0 {
		return 0, false
	}
	if (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64) {
		return r, true
	}
	return r, r/b != a
}

func fieldDescr(opnum Opnum, d Descr) (*FieldDescr, error) {
	fd, ok := d.(*FieldDescr)
	if !ok {
		return nil, traceErrorf("%s: bad descr %v", opnum, d)
	}
	return fd, nil
}

func arrayDescr(opnum Opnum, d Descr) (*ArrayDescr, error) {
	ad, ok := d.(*ArrayDescr)
	if !ok {
		return nil, traceErrorf("%s: bad descr %v", opnum, d)
	}
	return ad, nil
}

func readField(h *gc.GC, obj gc.Addr, fd *FieldDescr) Value {
	switch fd.Kind {
	case KindRef:
		return RefValue(h.ReadRef(obj, fd.Index))
	case KindFloat:
		return FloatValue(math.Float64frombits(h.ReadWord(obj, fd.Index)))
	}
	return IntValue(int64(h.ReadWord(obj, fd.Index)))
}

func writeField(h *gc.GC, obj gc.Addr, fd *FieldDescr, v Value) {
	switch fd.Kind {
	case KindRef:
		h.WriteRef(obj, fd.Index, v.R)
	case KindFloat:
		h.WriteWord(obj, fd.Index, math.Float64bits(v.F))
	default:
		h.WriteWord(obj, fd.Index, uint64(v.I))
	}
}

func readItem(h *gc.GC, arr gc.Addr, ad *ArrayDescr, i int) Value {
	w := h.ReadItem(arr, i)
	switch ad.ItemKind {
	case KindRef:
		return RefValue(gc.Addr(w))
	case KindFloat:
		return FloatValue(math.Float64frombits(w))
	}
	return IntValue(int64(w))
}

func writeItem(h *gc.GC, arr gc.Addr, ad *ArrayDescr, i int, v Value) {
	switch ad.ItemKind {
	case KindRef:
		h.WriteItemRef(arr, i, v.R)
	case KindFloat:
		h.WriteItem(arr, i, math.Float64bits(v.F))
	default:
		h.WriteItem(arr, i, uint64(v.I))
	}
}
