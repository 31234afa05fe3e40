package jit

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/chazu/metatrace/gc"
)

// ---------------------------------------------------------------------------
// Instruction set
// ---------------------------------------------------------------------------

// Opcode is a jitcode instruction byte.
type Opcode byte

// handler groups instructions that share an implementation.
type handler uint8

const (
	hNone handler = iota
	hBinary
	hUnary
	hOvf
	hConstBinary
	hCopy
	hPush
	hPop
	hReturn
	hVoidReturn
	hGoto
	hCatchException
	hGotoIfNot
	hGotoIfNotUnary
	hGotoIfNotCompare
	hGotoIfNotPtr
	hSwitch
	hGuardValue
	hGuardClass
	hPtrNonzero
	hNew
	hNewWithVtable
	hNewArray
	hGetArrayItem
	hSetArrayItem
	hArraylen
	hArraycopy
	hCheckNegIndex
	hNewList
	hGetListItem
	hSetListItem
	hCheckResizableNegIndex
	hGetField
	hSetField
	hGetFieldVable
	hSetFieldVable
	hGetArrayItemVable
	hSetArrayItemVable
	hArraylenVable
	hInlineCall
	hResidualCall
	hRecursiveCall
	hStrOp
	hCanEnterJit
	hJitMergePoint
	hGotoIfExceptionMismatch
	hRaise
	hReraise
	hLastException
	hLastExcValue
	hVirtualRef
	hVirtualRefFinish
)

// InsnInfo describes one jitcode instruction.
type InsnInfo struct {
	Name string
	// Args is the argcode string: i/r/f/c single registers or a constant
	// byte, d a descriptor, L a label, I/R/F register lists, and a
	// trailing '>' followed by the result kind.
	Args    string
	handler handler
	opnum   Opnum
}

// Key is the "name/argcodes" form used by the Builder.
func (i InsnInfo) Key() string { return i.Name + "/" + i.Args }

// resultKind returns the kind written by the instruction, or KindVoid.
func (i InsnInfo) resultKind() Kind {
	if n := strings.IndexByte(i.Args, '>'); n >= 0 {
		return kindOfCode(i.Args[n+1])
	}
	return KindVoid
}

var (
	insnTable []InsnInfo
	insnByKey = map[string]Opcode{}
)

func defInsn(name, args string, h handler, opnum Opnum) {
	if len(insnTable) > 255 {
		panic("jit: too many jitcode instructions")
	}
	info := InsnInfo{Name: name, Args: args, handler: h, opnum: opnum}
	if _, dup := insnByKey[info.Key()]; dup {
		panic("jit: duplicate instruction " + info.Key())
	}
	insnByKey[info.Key()] = Opcode(len(insnTable))
	insnTable = append(insnTable, info)
}

// resultSuffixes are the per-kind variants of call and access instructions.
var resultSuffixes = []struct {
	suffix string
	res    string
}{{"i", ">i"}, {"r", ">r"}, {"f", ">f"}, {"v", ""}}

func init() {
	defInsn("nop", "", hNone, OpInvalid)

	for _, b := range []struct {
		name string
		op   Opnum
	}{
		{"int_add", OpIntAdd}, {"int_sub", OpIntSub}, {"int_mul", OpIntMul},
		{"int_floordiv", OpIntFloordiv}, {"uint_floordiv", OpUintFloordiv}, {"int_mod", OpIntMod},
		{"int_and", OpIntAnd}, {"int_or", OpIntOr}, {"int_xor", OpIntXor},
		{"int_rshift", OpIntRshift}, {"int_lshift", OpIntLshift}, {"uint_rshift", OpUintRshift},
		{"int_lt", OpIntLt}, {"int_le", OpIntLe}, {"int_eq", OpIntEq},
		{"int_ne", OpIntNe}, {"int_gt", OpIntGt}, {"int_ge", OpIntGe},
		{"uint_lt", OpUintLt}, {"uint_le", OpUintLe}, {"uint_gt", OpUintGt}, {"uint_ge", OpUintGe},
	} {
		defInsn(b.name, "ii>i", hBinary, b.op)
	}
	defInsn("int_add", "ic>i", hConstBinary, OpIntAdd)
	defInsn("int_sub", "ic>i", hConstBinary, OpIntSub)
	for _, b := range []struct {
		name string
		op   Opnum
	}{{"float_add", OpFloatAdd}, {"float_sub", OpFloatSub}, {"float_mul", OpFloatMul}, {"float_truediv", OpFloatTruediv}} {
		defInsn(b.name, "ff>f", hBinary, b.op)
	}
	for _, b := range []struct {
		name string
		op   Opnum
	}{{"float_lt", OpFloatLt}, {"float_le", OpFloatLe}, {"float_eq", OpFloatEq}, {"float_ne", OpFloatNe}, {"float_gt", OpFloatGt}, {"float_ge", OpFloatGe}} {
		defInsn(b.name, "ff>i", hBinary, b.op)
	}
	defInsn("ptr_eq", "rr>i", hBinary, OpPtrEq)
	defInsn("ptr_ne", "rr>i", hBinary, OpPtrNe)
	defInsn("int_add_ovf", "ii>i", hOvf, OpIntAddOvf)
	defInsn("int_sub_ovf", "ii>i", hOvf, OpIntSubOvf)
	defInsn("int_mul_ovf", "ii>i", hOvf, OpIntMulOvf)

	defInsn("int_is_zero", "i>i", hUnary, OpIntIsZero)
	defInsn("int_is_true", "i>i", hUnary, OpIntIsTrue)
	defInsn("int_neg", "i>i", hUnary, OpIntNeg)
	defInsn("int_invert", "i>i", hUnary, OpIntInvert)
	defInsn("float_neg", "f>f", hUnary, OpFloatNeg)
	defInsn("float_abs", "f>f", hUnary, OpFloatAbs)
	defInsn("cast_float_to_int", "f>i", hUnary, OpCastFloatToInt)
	defInsn("cast_int_to_float", "i>f", hUnary, OpCastIntToFloat)
	defInsn("cast_ptr_to_int", "r>i", hUnary, OpCastPtrToInt)
	defInsn("ptr_nonzero", "r>i", hPtrNonzero, OpPtrNe)
	defInsn("ptr_iszero", "r>i", hPtrNonzero, OpPtrEq)

	for _, k := range []string{"int", "ref", "float"} {
		c := k[:1]
		defInsn(k+"_copy", c+">"+c, hCopy, OpInvalid)
		defInsn(k+"_push", c, hPush, OpInvalid)
		defInsn(k+"_pop", ">"+c, hPop, OpInvalid)
		defInsn(k+"_return", c, hReturn, OpInvalid)
		defInsn(k+"_guard_value", c, hGuardValue, OpInvalid)
	}
	defInsn("int_copy", "c>i", hCopy, OpInvalid)
	defInsn("void_return", "", hVoidReturn, OpInvalid)

	defInsn("goto", "L", hGoto, OpInvalid)
	defInsn("catch_exception", "L", hCatchException, OpInvalid)
	defInsn("goto_if_not", "iL", hGotoIfNot, OpInvalid)
	defInsn("goto_if_not_int_is_true", "iL", hGotoIfNotUnary, OpIntIsTrue)
	defInsn("goto_if_not_int_is_zero", "iL", hGotoIfNotUnary, OpIntIsZero)
	for _, b := range []struct {
		name string
		op   Opnum
	}{{"lt", OpIntLt}, {"le", OpIntLe}, {"eq", OpIntEq}, {"ne", OpIntNe}, {"gt", OpIntGt}, {"ge", OpIntGe}} {
		defInsn("goto_if_not_int_"+b.name, "iiL", hGotoIfNotCompare, b.op)
	}
	defInsn("goto_if_not_ptr_nonzero", "rL", hGotoIfNotPtr, OpGuardNonnull)
	defInsn("goto_if_not_ptr_iszero", "rL", hGotoIfNotPtr, OpGuardIsnull)
	defInsn("switch", "id", hSwitch, OpInvalid)
	defInsn("guard_class", "r>i", hGuardClass, OpGuardClass)

	defInsn("new", "d>r", hNew, OpNew)
	defInsn("new_with_vtable", "d>r", hNewWithVtable, OpNewWithVtable)
	defInsn("new_array", "di>r", hNewArray, OpNewArray)
	defInsn("arraylen_gc", "rd>i", hArraylen, OpArraylenGC)
	defInsn("arraycopy", "rriiid", hArraycopy, OpArraycopy)
	defInsn("check_neg_index", "rdi>i", hCheckNegIndex, OpInvalid)
	defInsn("newlist", "ddddi>r", hNewList, OpInvalid)
	defInsn("check_resizable_neg_index", "rdi>i", hCheckResizableNegIndex, OpInvalid)
	defInsn("arraylen_vable", "rdd>i", hArraylenVable, OpInvalid)
	for _, k := range []string{"i", "r", "f"} {
		defInsn("getarrayitem_gc_"+k, "rdi>"+k, hGetArrayItem, OpGetarrayitemGC)
		defInsn("getarrayitem_gc_pure_"+k, "rdi>"+k, hGetArrayItem, OpGetarrayitemGCPure)
		defInsn("setarrayitem_gc_"+k, "rdi"+k, hSetArrayItem, OpSetarrayitemGC)
		defInsn("getlistitem_gc_"+k, "rddi>"+k, hGetListItem, OpGetarrayitemGC)
		defInsn("setlistitem_gc_"+k, "rddi"+k, hSetListItem, OpSetarrayitemGC)
		defInsn("getfield_gc_"+k, "rd>"+k, hGetField, OpGetfieldGC)
		defInsn("getfield_gc_"+k+"_pure", "rd>"+k, hGetField, OpGetfieldGCPure)
		defInsn("setfield_gc_"+k, "r"+k+"d", hSetField, OpSetfieldGC)
		defInsn("getfield_vable_"+k, "rd>"+k, hGetFieldVable, OpGetfieldGC)
		defInsn("setfield_vable_"+k, "r"+k+"d", hSetFieldVable, OpSetfieldGC)
		defInsn("getarrayitem_vable_"+k, "rddi>"+k, hGetArrayItemVable, OpGetarrayitemGC)
		defInsn("setarrayitem_vable_"+k, "rddi"+k, hSetArrayItemVable, OpSetarrayitemGC)
	}

	for _, lists := range []string{"R", "IR", "IRF"} {
		for _, r := range resultSuffixes {
			low := strings.ToLower(lists)
			defInsn("inline_call_"+low+"_"+r.suffix, "d"+lists+r.res, hInlineCall, OpInvalid)
			defInsn("residual_call_"+low+"_"+r.suffix, "id"+lists+r.res, hResidualCall, OpInvalid)
		}
	}
	for _, r := range resultSuffixes {
		defInsn("recursive_call_"+r.suffix, "dIRFIRF"+r.res, hRecursiveCall, OpInvalid)
	}

	defInsn("strlen", "r>i", hStrOp, OpStrlen)
	defInsn("strgetitem", "ri>i", hStrOp, OpStrgetitem)
	defInsn("strsetitem", "rii", hStrOp, OpStrsetitem)
	defInsn("newstr", "i>r", hStrOp, OpNewstr)
	defInsn("unicodelen", "r>i", hStrOp, OpUnicodelen)
	defInsn("unicodegetitem", "ri>i", hStrOp, OpUnicodegetitem)
	defInsn("unicodesetitem", "rii", hStrOp, OpUnicodesetitem)
	defInsn("newunicode", "i>r", hStrOp, OpNewunicode)

	defInsn("can_enter_jit", "", hCanEnterJit, OpInvalid)
	defInsn("jit_merge_point", "IRFIRF", hJitMergePoint, OpInvalid)

	defInsn("goto_if_exception_mismatch", "iL", hGotoIfExceptionMismatch, OpInvalid)
	defInsn("raise", "r", hRaise, OpInvalid)
	defInsn("reraise", "", hReraise, OpInvalid)
	defInsn("last_exception", ">i", hLastException, OpInvalid)
	defInsn("last_exc_value", ">r", hLastExcValue, OpInvalid)

	defInsn("virtual_ref", "r>r", hVirtualRef, OpVirtualRef)
	defInsn("virtual_ref_finish", "r", hVirtualRefFinish, OpVirtualRefFinish)

	opCatchException = insnByKey["catch_exception/L"]
}

// opCatchException is looked for by exception unwinding.
var opCatchException Opcode

// Info returns the instruction's metadata.
func (op Opcode) Info() InsnInfo {
	if int(op) >= len(insnTable) {
		return InsnInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op))}
	}
	return insnTable[op]
}

func (op Opcode) String() string { return op.Info().Key() }

// OpcodeOf looks an instruction up by its "name/argcodes" key.
func OpcodeOf(key string) (Opcode, bool) {
	op, ok := insnByKey[key]
	return op, ok
}

// ---------------------------------------------------------------------------
// JitCode
// ---------------------------------------------------------------------------

// JitCode is the register bytecode of one function.
type JitCode struct {
	Name string
	Code []byte

	// Constants are loaded into the top registers of each bank:
	// ConstantsI[i] lives in integer register 255-i.
	ConstantsI []int64
	ConstantsR []gc.Addr
	ConstantsF []float64

	NumRegsI int
	NumRegsR int
	NumRegsF int

	// FnAddr is the function's address for indirect calls, or 0.
	FnAddr int64
}

func (j *JitCode) String() string { return "<JitCode " + j.Name + ">" }

func (j *JitCode) numRegs(k Kind) int {
	switch k {
	case KindInt:
		return j.NumRegsI
	case KindRef:
		return j.NumRegsR
	case KindFloat:
		return j.NumRegsF
	}
	return 0
}

// Assembler owns the descriptor table shared by all jitcodes of a program.
type Assembler struct {
	descrs []Descr
	index  map[Descr]int
}

// NewAssembler creates an empty descriptor table.
func NewAssembler() *Assembler {
	return &Assembler{index: make(map[Descr]int)}
}

// Descr returns the index of d, adding it to the table if needed.
func (a *Assembler) Descr(d Descr) int {
	if i, ok := a.index[d]; ok {
		return i
	}
	if len(a.descrs) >= 1<<16 {
		panic("jit: descriptor table full")
	}
	a.index[d] = len(a.descrs)
	a.descrs = append(a.descrs, d)
	return len(a.descrs) - 1
}

// Descrs returns the descriptor table.
func (a *Assembler) Descrs() []Descr { return a.descrs }

// ---------------------------------------------------------------------------
// Builder
// ---------------------------------------------------------------------------

// Label is a jump target; it may be referenced before it is marked.
type Label struct {
	position int
	fixups   []int
}

// Builder assembles a JitCode.
type Builder struct {
	asm      *Assembler
	name     string
	code     []byte
	labels   []*Label
	switches []pendingSwitch

	constsI []int64
	constsR []gc.Addr
	constsF []float64
	used    [4][256]bool
}

type pendingSwitch struct {
	descr   *SwitchDescr
	targets map[int64]*Label
}

// NewBuilder starts a jitcode named name.
func NewBuilder(asm *Assembler, name string) *Builder {
	return &Builder{asm: asm, name: name}
}

// ConstInt allocates an integer constant register and returns its index.
func (b *Builder) ConstInt(v int64) int {
	for i, c := range b.constsI {
		if c == v {
			return 255 - i
		}
	}
	b.constsI = append(b.constsI, v)
	return 256 - len(b.constsI)
}

// ConstRef allocates a reference constant register. Reference constants
// must be prebuilt (non-moving) objects.
func (b *Builder) ConstRef(v gc.Addr) int {
	for i, c := range b.constsR {
		if c == v {
			return 255 - i
		}
	}
	b.constsR = append(b.constsR, v)
	return 256 - len(b.constsR)
}

// ConstFloat allocates a float constant register.
func (b *Builder) ConstFloat(v float64) int {
	b.constsF = append(b.constsF, v)
	return 256 - len(b.constsF)
}

// NewLabel creates an unmarked label.
func (b *Builder) NewLabel() *Label {
	l := &Label{position: -1}
	b.labels = append(b.labels, l)
	return l
}

// Mark binds a label to the current position.
func (b *Builder) Mark(l *Label) {
	l.position = len(b.code)
}

// Len returns the current code length.
func (b *Builder) Len() int { return len(b.code) }

// Switch creates a SwitchDescr whose targets are resolved at Finish.
func (b *Builder) Switch(targets map[int64]*Label) *SwitchDescr {
	d := &SwitchDescr{Targets: make(map[int64]int, len(targets))}
	b.switches = append(b.switches, pendingSwitch{descr: d, targets: targets})
	return d
}

// Emit appends the instruction named by key ("name/argcodes"). Operands
// follow the argcodes: int for registers and constant bytes, Descr for
// 'd', *Label for 'L', []int for register lists, and a final int for the
// result register.
func (b *Builder) Emit(key string, operands ...any) {
	op, ok := insnByKey[key]
	if !ok {
		panic("jit: unknown instruction " + key)
	}
	b.code = append(b.code, byte(op))
	args := insnTable[op].Args
	n := 0
	next := func() any {
		if n >= len(operands) {
			panic(fmt.Sprintf("jit: %s: missing operand %d", key, n))
		}
		v := operands[n]
		n++
		return v
	}
	for i := 0; i < len(args); i++ {
		c := args[i]
		switch c {
		case 'i', 'r', 'f':
			b.emitReg(kindOfCode(c), next().(int))
		case 'c':
			v := next().(int)
			if v < -128 || v > 127 {
				panic(fmt.Sprintf("jit: %s: constant %d does not fit a byte", key, v))
			}
			b.code = append(b.code, byte(int8(v)))
		case 'd':
			b.code = binary.LittleEndian.AppendUint16(b.code, uint16(b.asm.Descr(next().(Descr))))
		case 'L':
			l := next().(*Label)
			l.fixups = append(l.fixups, len(b.code))
			b.code = append(b.code, 0, 0)
		case 'I', 'R', 'F':
			regs := next().([]int)
			b.code = append(b.code, byte(len(regs)))
			for _, r := range regs {
				b.emitReg(kindOfCode(c), r)
			}
		case '>':
			i++
			b.emitReg(kindOfCode(args[i]), next().(int))
		}
	}
	if n != len(operands) {
		panic(fmt.Sprintf("jit: %s: %d extra operands", key, len(operands)-n))
	}
}

func (b *Builder) emitReg(k Kind, r int) {
	if r < 0 || r > 255 {
		panic(fmt.Sprintf("jit: register %d out of range", r))
	}
	b.used[k][r] = true
	b.code = append(b.code, byte(r))
}

func (b *Builder) numConsts(k Kind) int {
	switch k {
	case KindInt:
		return len(b.constsI)
	case KindRef:
		return len(b.constsR)
	case KindFloat:
		return len(b.constsF)
	}
	return 0
}

// numRegs returns one past the highest non-constant register used.
func (b *Builder) numRegs(k Kind) int {
	for r := 255 - b.numConsts(k); r >= 0; r-- {
		if b.used[k][r] {
			return r + 1
		}
	}
	return 0
}

// Finish resolves labels and returns the jitcode.
func (b *Builder) Finish() *JitCode {
	for _, l := range b.labels {
		if len(l.fixups) == 0 {
			continue
		}
		if l.position < 0 {
			panic("jit: " + b.name + ": label used but never marked")
		}
		for _, at := range l.fixups {
			binary.LittleEndian.PutUint16(b.code[at:], uint16(l.position))
		}
	}
	for _, s := range b.switches {
		for v, l := range s.targets {
			if l.position < 0 {
				panic("jit: " + b.name + ": switch target never marked")
			}
			s.descr.Targets[v] = l.position
		}
	}
	return &JitCode{
		Name:       b.name,
		Code:       b.code,
		ConstantsI: b.constsI,
		ConstantsR: b.constsR,
		ConstantsF: b.constsF,
		NumRegsI:   b.numRegs(KindInt),
		NumRegsR:   b.numRegs(KindRef),
		NumRegsF:   b.numRegs(KindFloat),
	}
}

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

// insnArgs holds the decoded operands of one instruction.
type insnArgs struct {
	boxes  []Operand
	descrs []Descr
	labels []int
	lists  [][]Operand
	// listRegs are the register numbers behind lists.
	listRegs [][]int
	// resultReg is the result register, or -1.
	resultReg int
	result    Kind
}

// decodeError reports a malformed jitcode.
func decodeError(j *JitCode, pc int, format string, args ...any) error {
	return &TraceError{Msg: fmt.Sprintf("%s@%d: %s", j.Name, pc, fmt.Sprintf(format, args...))}
}

// Disassemble renders a jitcode one instruction per line.
func Disassemble(j *JitCode) string {
	var sb strings.Builder
	pc := 0
	for pc < len(j.Code) {
		op := Opcode(j.Code[pc])
		info := op.Info()
		fmt.Fprintf(&sb, "%4d: %s", pc, info.Name)
		pos := pc + 1
		args := info.Args
		for i := 0; i < len(args); i++ {
			if pos >= len(j.Code) && args[i] != '>' {
				sb.WriteString(" <truncated>")
				return sb.String()
			}
			switch c := args[i]; c {
			case 'i', 'r', 'f':
				fmt.Fprintf(&sb, " %c%d", c, j.Code[pos])
				pos++
			case 'c':
				fmt.Fprintf(&sb, " $%d", int8(j.Code[pos]))
				pos++
			case 'd':
				fmt.Fprintf(&sb, " d%d", binary.LittleEndian.Uint16(j.Code[pos:]))
				pos += 2
			case 'L':
				fmt.Fprintf(&sb, " L%d", binary.LittleEndian.Uint16(j.Code[pos:]))
				pos += 2
			case 'I', 'R', 'F':
				n := int(j.Code[pos])
				pos++
				sb.WriteString(" [")
				for k := 0; k < n; k++ {
					if k > 0 {
						sb.WriteByte(' ')
					}
					fmt.Fprintf(&sb, "%c%d", c+('a'-'A'), j.Code[pos])
					pos++
				}
				sb.WriteByte(']')
			case '>':
				i++
				fmt.Fprintf(&sb, " -> %c%d", args[i], j.Code[pos])
				pos++
			}
		}
		sb.WriteByte('\n')
		pc = pos
	}
	return sb.String()
}
