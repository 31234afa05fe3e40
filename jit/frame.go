package jit

import (
	"encoding/binary"
)

// MIFrame is one activation of a jitcode in the meta-interpreter. Its
// registers hold operands: constants at the top of each bank and the
// boxes produced by earlier instructions below.
type MIFrame struct {
	m       *MetaInterp
	jitcode *JitCode
	pc      int

	regsI [256]Operand
	regsR [256]Operand
	regsF [256]Operand

	greenkey []*Const

	// resultArgcode is the result kind of the instruction being executed.
	resultArgcode Kind
	// pushed is the single temporary of push/pop.
	pushed Operand

	// snapshot caches the resume data of this frame while it is not the
	// top frame.
	snapshot *FrameSnapshot
}

// Setup loads the jitcode's constants and resets the frame to pc 0.
func (f *MIFrame) Setup(jitcode *JitCode, greenkey []*Const) {
	f.jitcode = jitcode
	f.greenkey = greenkey
	f.pc = 0
	f.snapshot = nil
	f.clearAll()
	copyConstants(&f.regsI, jitcode.ConstantsI, ConstInt)
	copyConstants(&f.regsR, jitcode.ConstantsR, ConstRef)
	copyConstants(&f.regsF, jitcode.ConstantsF, ConstFloat)
}

func copyConstants[T any](regs *[256]Operand, consts []T, mk func(T) *Const) {
	for i, c := range consts {
		regs[255-i] = mk(c)
	}
}

// SetupCall installs arguments in registers 0, 1, ... of each bank in
// order of kind, and restarts the frame.
func (f *MIFrame) SetupCall(args []Operand) {
	f.pc = 0
	var ni, nr, nf int
	for _, a := range args {
		switch a.Kind() {
		case KindInt:
			f.regsI[ni] = a
			ni++
		case KindRef:
			f.regsR[nr] = a
			nr++
		case KindFloat:
			f.regsF[nf] = a
			nf++
		}
	}
}

// CleanupRegisters drops references so that a recycled frame does not
// keep objects alive.
func (f *MIFrame) CleanupRegisters() {
	for i := 0; i < f.jitcode.NumRegsR; i++ {
		f.regsR[i] = nil
	}
	f.pushed = nil
	f.snapshot = nil
}

// clearAll empties every variable register below the constants.
func (f *MIFrame) clearAll() {
	for i := 0; i < f.jitcode.NumRegsI; i++ {
		f.regsI[i] = nil
	}
	for i := 0; i < f.jitcode.NumRegsR; i++ {
		f.regsR[i] = nil
	}
	for i := 0; i < f.jitcode.NumRegsF; i++ {
		f.regsF[i] = nil
	}
	f.pushed = nil
}

func (f *MIFrame) bank(k Kind) *[256]Operand {
	switch k {
	case KindInt:
		return &f.regsI
	case KindRef:
		return &f.regsR
	case KindFloat:
		return &f.regsF
	}
	return nil
}

// Register returns the operand in register r of kind k.
func (f *MIFrame) Register(k Kind, r int) Operand { return f.bank(k)[r] }

// SetRegister stores an operand.
func (f *MIFrame) SetRegister(k Kind, r int, op Operand) { f.bank(k)[r] = op }

// PC returns the frame's program counter.
func (f *MIFrame) PC() int { return f.pc }

// JitCode returns the code the frame runs.
func (f *MIFrame) JitCode() *JitCode { return f.jitcode }

// ReplaceActiveBox substitutes newbox for every occurrence of oldbox in
// the frame's registers.
func (f *MIFrame) ReplaceActiveBox(oldbox *Box, newbox Operand) {
	for _, k := range []Kind{KindInt, KindRef, KindFloat} {
		regs := f.bank(k)
		for i := range regs {
			if b, ok := regs[i].(*Box); ok && b == oldbox {
				regs[i] = newbox
			}
		}
	}
	if b, ok := f.pushed.(*Box); ok && b == oldbox {
		f.pushed = newbox
	}
	f.snapshot = nil
}

// MakeResultOfLastOp writes a call result into the register named by
// the last byte of the call instruction.
func (f *MIFrame) MakeResultOfLastOp(result Operand) {
	if result == nil {
		return
	}
	target := int(f.jitcode.Code[f.pc-1])
	f.bank(result.Kind())[target] = result
	f.snapshot = nil
}

// liveBoxes lists the non-empty variable registers. In a frame that is
// waiting on a call, the register that will receive the result is not
// live yet.
func (f *MIFrame) liveBoxes(inACall bool) []LiveBox {
	skip := -1
	var skipKind Kind
	if inACall && f.resultArgcode != KindVoid {
		skip = int(f.jitcode.Code[f.pc-1])
		skipKind = f.resultArgcode
	}
	var live []LiveBox
	for _, k := range []Kind{KindInt, KindRef, KindFloat} {
		regs := f.bank(k)
		for r := 0; r < f.jitcode.numRegs(k); r++ {
			if regs[r] == nil || (k == skipKind && r == skip) {
				continue
			}
			live = append(live, LiveBox{Kind: k, Reg: uint8(r), Op: regs[r]})
		}
	}
	return live
}

// walkRoots visits every reference held by the frame.
func (f *MIFrame) walkRoots(fn func(*Value)) {
	for i := 0; i < f.jitcode.NumRegsR; i++ {
		if op := f.regsR[i]; op != nil {
			fn(op.slot())
		}
	}
	if f.pushed != nil {
		fn(f.pushed.slot())
	}
}

// ---------------------------------------------------------------------------
// Operand decoding
// ---------------------------------------------------------------------------

func (f *MIFrame) readUint16(pos int) int {
	return int(binary.LittleEndian.Uint16(f.jitcode.Code[pos:]))
}

// decode reads the operands of the instruction at orgpc. It returns the
// position of the next instruction.
func (f *MIFrame) decode(info InsnInfo, orgpc int) (*insnArgs, int, error) {
	code := f.jitcode.Code
	a := &insnArgs{resultReg: -1}
	pos := orgpc + 1
	need := func(n int) error {
		if pos+n > len(code) {
			return decodeError(f.jitcode, orgpc, "truncated %s", info.Key())
		}
		return nil
	}
	for i := 0; i < len(info.Args); i++ {
		c := info.Args[i]
		switch c {
		case 'i', 'r', 'f':
			if err := need(1); err != nil {
				return nil, 0, err
			}
			op := f.bank(kindOfCode(c))[code[pos]]
			if op == nil {
				return nil, 0, decodeError(f.jitcode, orgpc, "%s reads empty register %c%d", info.Key(), c, code[pos])
			}
			a.boxes = append(a.boxes, op)
			pos++
		case 'c':
			if err := need(1); err != nil {
				return nil, 0, err
			}
			a.boxes = append(a.boxes, ConstInt(int64(int8(code[pos]))))
			pos++
		case 'd':
			if err := need(2); err != nil {
				return nil, 0, err
			}
			idx := f.readUint16(pos)
			descrs := f.m.sd.asm.Descrs()
			if idx >= len(descrs) {
				return nil, 0, decodeError(f.jitcode, orgpc, "descriptor %d out of range", idx)
			}
			a.descrs = append(a.descrs, descrs[idx])
			pos += 2
		case 'L':
			if err := need(2); err != nil {
				return nil, 0, err
			}
			a.labels = append(a.labels, f.readUint16(pos))
			pos += 2
		case 'I', 'R', 'F':
			if err := need(1); err != nil {
				return nil, 0, err
			}
			n := int(code[pos])
			pos++
			if err := need(n); err != nil {
				return nil, 0, err
			}
			regs := f.bank(kindOfCode(c))
			list := make([]Operand, n)
			nums := make([]int, n)
			for k := 0; k < n; k++ {
				nums[k] = int(code[pos+k])
				if list[k] = regs[code[pos+k]]; list[k] == nil {
					return nil, 0, decodeError(f.jitcode, orgpc, "%s reads empty register %c%d", info.Key(), c, code[pos+k])
				}
			}
			a.lists = append(a.lists, list)
			a.listRegs = append(a.listRegs, nums)
			pos += n
		case '>':
			i++
			if err := need(1); err != nil {
				return nil, 0, err
			}
			a.result = kindOfCode(info.Args[i])
			a.resultReg = int(code[pos])
			pos++
		}
	}
	return a, pos, nil
}

// concatLists joins decoded register lists.
func concatLists(lists ...[]Operand) []Operand {
	var n int
	for _, l := range lists {
		n += len(l)
	}
	out := make([]Operand, 0, n)
	for _, l := range lists {
		out = append(out, l...)
	}
	return out
}
