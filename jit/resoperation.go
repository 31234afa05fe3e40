package jit

import (
	"fmt"
	"strings"
)

// Opnum identifies a trace operation.
type Opnum uint16

// Operations are grouped in ranges; the flags in opTable follow the group.
const (
	OpInvalid Opnum = iota

	// Final operations
	OpJump
	OpFinish

	// Guards
	OpGuardTrue
	OpGuardFalse
	OpGuardValue
	OpGuardClass
	OpGuardNonnull
	OpGuardIsnull
	OpGuardNoException
	OpGuardException
	OpGuardNoOverflow
	OpGuardOverflow
	OpGuardNotForced

	// Always pure
	OpIntAdd
	OpIntSub
	OpIntMul
	OpIntFloordiv
	OpUintFloordiv
	OpIntMod
	OpIntAnd
	OpIntOr
	OpIntXor
	OpIntRshift
	OpIntLshift
	OpUintRshift
	OpFloatAdd
	OpFloatSub
	OpFloatMul
	OpFloatTruediv
	OpFloatNeg
	OpFloatAbs
	OpCastFloatToInt
	OpCastIntToFloat
	OpIntLt
	OpIntLe
	OpIntEq
	OpIntNe
	OpIntGt
	OpIntGe
	OpUintLt
	OpUintLe
	OpUintGt
	OpUintGe
	OpFloatLt
	OpFloatLe
	OpFloatEq
	OpFloatNe
	OpFloatGt
	OpFloatGe
	OpIntIsZero
	OpIntIsTrue
	OpIntNeg
	OpIntInvert
	OpSameAs
	OpPtrEq
	OpPtrNe
	OpCastPtrToInt
	OpArraylenGC
	OpStrlen
	OpStrgetitem
	OpUnicodelen
	OpUnicodegetitem
	OpGetfieldGCPure
	OpGetarrayitemGCPure

	// No side effect
	OpGetarrayitemGC
	OpGetfieldGC
	OpNew
	OpNewWithVtable
	OpNewArray
	OpNewstr
	OpNewunicode
	OpForceToken
	OpVirtualRef

	// Side effects
	OpSetarrayitemGC
	OpSetfieldGC
	OpArraycopy
	OpStrsetitem
	OpUnicodesetitem
	OpDebugMergePoint
	OpVirtualRefFinish

	// Can raise
	OpCall
	OpCallAssembler
	OpCallMayForce
	OpCallLoopinvariant
	OpCallPure
	OpIntAddOvf
	OpIntSubOvf
	OpIntMulOvf

	numOpnums
)

type opFlags uint8

const (
	flagFinal opFlags = 1 << iota
	flagGuard
	flagPure
	flagNoSideEffect
	flagCanRaise
	flagOvf
)

// OpInfo describes one operation.
type OpInfo struct {
	Name   string
	Arity  int // -1 for variadic
	Result Kind
	flags  opFlags
}

var opTable = [numOpnums]OpInfo{
	OpJump:   {"jump", -1, KindVoid, flagFinal},
	OpFinish: {"finish", -1, KindVoid, flagFinal},

	OpGuardTrue:        {"guard_true", 1, KindVoid, flagGuard},
	OpGuardFalse:       {"guard_false", 1, KindVoid, flagGuard},
	OpGuardValue:       {"guard_value", 2, KindVoid, flagGuard},
	OpGuardClass:       {"guard_class", 2, KindVoid, flagGuard},
	OpGuardNonnull:     {"guard_nonnull", 1, KindVoid, flagGuard},
	OpGuardIsnull:      {"guard_isnull", 1, KindVoid, flagGuard},
	OpGuardNoException: {"guard_no_exception", 0, KindVoid, flagGuard},
	OpGuardException:   {"guard_exception", 1, KindRef, flagGuard},
	OpGuardNoOverflow:  {"guard_no_overflow", 0, KindVoid, flagGuard},
	OpGuardOverflow:    {"guard_overflow", 0, KindVoid, flagGuard},
	OpGuardNotForced:   {"guard_not_forced", 0, KindVoid, flagGuard},

	OpIntAdd:             {"int_add", 2, KindInt, flagPure},
	OpIntSub:             {"int_sub", 2, KindInt, flagPure},
	OpIntMul:             {"int_mul", 2, KindInt, flagPure},
	OpIntFloordiv:        {"int_floordiv", 2, KindInt, flagPure},
	OpUintFloordiv:       {"uint_floordiv", 2, KindInt, flagPure},
	OpIntMod:             {"int_mod", 2, KindInt, flagPure},
	OpIntAnd:             {"int_and", 2, KindInt, flagPure},
	OpIntOr:              {"int_or", 2, KindInt, flagPure},
	OpIntXor:             {"int_xor", 2, KindInt, flagPure},
	OpIntRshift:          {"int_rshift", 2, KindInt, flagPure},
	OpIntLshift:          {"int_lshift", 2, KindInt, flagPure},
	OpUintRshift:         {"uint_rshift", 2, KindInt, flagPure},
	OpFloatAdd:           {"float_add", 2, KindFloat, flagPure},
	OpFloatSub:           {"float_sub", 2, KindFloat, flagPure},
	OpFloatMul:           {"float_mul", 2, KindFloat, flagPure},
	OpFloatTruediv:       {"float_truediv", 2, KindFloat, flagPure},
	OpFloatNeg:           {"float_neg", 1, KindFloat, flagPure},
	OpFloatAbs:           {"float_abs", 1, KindFloat, flagPure},
	OpCastFloatToInt:     {"cast_float_to_int", 1, KindInt, flagPure},
	OpCastIntToFloat:     {"cast_int_to_float", 1, KindFloat, flagPure},
	OpIntLt:              {"int_lt", 2, KindInt, flagPure},
	OpIntLe:              {"int_le", 2, KindInt, flagPure},
	OpIntEq:              {"int_eq", 2, KindInt, flagPure},
	OpIntNe:              {"int_ne", 2, KindInt, flagPure},
	OpIntGt:              {"int_gt", 2, KindInt, flagPure},
	OpIntGe:              {"int_ge", 2, KindInt, flagPure},
	OpUintLt:             {"uint_lt", 2, KindInt, flagPure},
	OpUintLe:             {"uint_le", 2, KindInt, flagPure},
	OpUintGt:             {"uint_gt", 2, KindInt, flagPure},
	OpUintGe:             {"uint_ge", 2, KindInt, flagPure},
	OpFloatLt:            {"float_lt", 2, KindInt, flagPure},
	OpFloatLe:            {"float_le", 2, KindInt, flagPure},
	OpFloatEq:            {"float_eq", 2, KindInt, flagPure},
	OpFloatNe:            {"float_ne", 2, KindInt, flagPure},
	OpFloatGt:            {"float_gt", 2, KindInt, flagPure},
	OpFloatGe:            {"float_ge", 2, KindInt, flagPure},
	OpIntIsZero:          {"int_is_zero", 1, KindInt, flagPure},
	OpIntIsTrue:          {"int_is_true", 1, KindInt, flagPure},
	OpIntNeg:             {"int_neg", 1, KindInt, flagPure},
	OpIntInvert:          {"int_invert", 1, KindInt, flagPure},
	OpSameAs:             {"same_as", 1, KindVoid, flagPure},
	OpPtrEq:              {"ptr_eq", 2, KindInt, flagPure},
	OpPtrNe:              {"ptr_ne", 2, KindInt, flagPure},
	OpCastPtrToInt:       {"cast_ptr_to_int", 1, KindInt, flagPure},
	OpArraylenGC:         {"arraylen_gc", 1, KindInt, flagPure},
	OpStrlen:             {"strlen", 1, KindInt, flagPure},
	OpStrgetitem:         {"strgetitem", 2, KindInt, flagPure},
	OpUnicodelen:         {"unicodelen", 1, KindInt, flagPure},
	OpUnicodegetitem:     {"unicodegetitem", 2, KindInt, flagPure},
	OpGetfieldGCPure:     {"getfield_gc_pure", 1, KindVoid, flagPure},
	OpGetarrayitemGCPure: {"getarrayitem_gc_pure", 2, KindVoid, flagPure},

	OpGetarrayitemGC: {"getarrayitem_gc", 2, KindVoid, flagNoSideEffect},
	OpGetfieldGC:     {"getfield_gc", 1, KindVoid, flagNoSideEffect},
	OpNew:            {"new", 0, KindRef, flagNoSideEffect},
	OpNewWithVtable:  {"new_with_vtable", 1, KindRef, flagNoSideEffect},
	OpNewArray:       {"new_array", 1, KindRef, flagNoSideEffect},
	OpNewstr:         {"newstr", 1, KindRef, flagNoSideEffect},
	OpNewunicode:     {"newunicode", 1, KindRef, flagNoSideEffect},
	OpForceToken:     {"force_token", 0, KindInt, flagNoSideEffect},
	OpVirtualRef:     {"virtual_ref", 2, KindRef, flagNoSideEffect},

	OpSetarrayitemGC:   {"setarrayitem_gc", 3, KindVoid, 0},
	OpSetfieldGC:       {"setfield_gc", 2, KindVoid, 0},
	OpArraycopy:        {"arraycopy", 5, KindVoid, 0},
	OpStrsetitem:       {"strsetitem", 3, KindVoid, 0},
	OpUnicodesetitem:   {"unicodesetitem", 3, KindVoid, 0},
	OpDebugMergePoint:  {"debug_merge_point", 0, KindVoid, 0},
	OpVirtualRefFinish: {"virtual_ref_finish", 2, KindVoid, 0},

	OpCall:              {"call", -1, KindVoid, flagCanRaise},
	OpCallAssembler:     {"call_assembler", -1, KindVoid, flagCanRaise},
	OpCallMayForce:      {"call_may_force", -1, KindVoid, flagCanRaise},
	OpCallLoopinvariant: {"call_loopinvariant", -1, KindVoid, flagCanRaise},
	OpCallPure:          {"call_pure", -1, KindVoid, flagCanRaise},
	OpIntAddOvf:         {"int_add_ovf", 2, KindInt, flagCanRaise | flagOvf},
	OpIntSubOvf:         {"int_sub_ovf", 2, KindInt, flagCanRaise | flagOvf},
	OpIntMulOvf:         {"int_mul_ovf", 2, KindInt, flagCanRaise | flagOvf},
}

// Info returns the operation's metadata.
func (op Opnum) Info() OpInfo {
	if op >= numOpnums {
		return OpInfo{Name: fmt.Sprintf("op%d", op), Arity: -1}
	}
	return opTable[op]
}

func (op Opnum) String() string { return op.Info().Name }

func (op Opnum) IsFinal() bool         { return op.Info().flags&flagFinal != 0 }
func (op Opnum) IsGuard() bool         { return op.Info().flags&flagGuard != 0 }
func (op Opnum) IsAlwaysPure() bool    { return op.Info().flags&flagPure != 0 }
func (op Opnum) HasNoSideEffect() bool { return op.Info().flags&(flagPure|flagNoSideEffect) != 0 }
func (op Opnum) CanRaise() bool        { return op.Info().flags&flagCanRaise != 0 }
func (op Opnum) IsOvf() bool           { return op.Info().flags&flagOvf != 0 }

// IsGuardException reports the guards that check the pending exception.
func (op Opnum) IsGuardException() bool {
	return op == OpGuardException || op == OpGuardNoException
}

// IsGuardOverflow reports the guards that check the overflow flag.
func (op Opnum) IsGuardOverflow() bool {
	return op == OpGuardOverflow || op == OpGuardNoOverflow
}

// OpnumByName looks an operation up by its trace name.
func OpnumByName(name string) (Opnum, bool) {
	op, ok := opnumsByName[name]
	return op, ok
}

var opnumsByName = func() map[string]Opnum {
	m := make(map[string]Opnum, numOpnums)
	for i := Opnum(1); i < numOpnums; i++ {
		m[opTable[i].Name] = i
	}
	return m
}()

// Operation is one entry in a trace.
type Operation struct {
	Opnum    Opnum
	Args     []Operand
	Result   *Box
	Descr    Descr
	FailArgs []*Box

	// Debug provenance: the jitcode position that produced the operation.
	PC        int
	FrameName string
}

func (op *Operation) String() string {
	var sb strings.Builder
	if op.Result != nil {
		sb.WriteString(op.Result.String())
		sb.WriteString(" = ")
	}
	sb.WriteString(op.Opnum.String())
	sb.WriteByte('(')
	for i, a := range op.Args {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(a.String())
	}
	if op.Descr != nil {
		if len(op.Args) > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("descr=")
		sb.WriteString(op.Descr.String())
	}
	sb.WriteByte(')')
	return sb.String()
}

// History is the trace being recorded.
type History struct {
	InputArgs  []*Box
	Operations []*Operation
}

// NewHistory creates an empty history.
func NewHistory() *History {
	return &History{}
}

// Record appends an operation and returns it.
func (h *History) Record(opnum Opnum, args []Operand, result *Box, descr Descr) *Operation {
	op := &Operation{Opnum: opnum, Args: args, Result: result, Descr: descr}
	h.Operations = append(h.Operations, op)
	return op
}

// Len returns the number of recorded operations.
func (h *History) Len() int { return len(h.Operations) }

// Truncate drops every operation from index n onwards.
func (h *History) Truncate(n int) {
	for i := n; i < len(h.Operations); i++ {
		h.Operations[i] = nil
	}
	h.Operations = h.Operations[:n]
}

// Last returns the most recent operation, or nil.
func (h *History) Last() *Operation {
	if len(h.Operations) == 0 {
		return nil
	}
	return h.Operations[len(h.Operations)-1]
}

// walkRoots visits every reference held by the recorded operations.
func (h *History) walkRoots(fn func(*Value)) {
	for _, b := range h.InputArgs {
		fn(&b.Value)
	}
	for _, op := range h.Operations {
		walkOperation(op, fn)
	}
}

func walkOperation(op *Operation, fn func(*Value)) {
	for _, a := range op.Args {
		fn(a.slot())
	}
	if op.Result != nil {
		fn(&op.Result.Value)
	}
	for _, b := range op.FailArgs {
		if b != nil {
			fn(&b.Value)
		}
	}
}
