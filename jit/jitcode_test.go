package jit

import (
	"strings"
	"testing"
)

func TestBuilderPatchesLabels(t *testing.T) {
	asm := NewAssembler()
	j := countdownPortal(asm)
	if j.NumRegsI != 1 || j.NumRegsR != 0 {
		t.Errorf("registers = %d/%d, want 1/0", j.NumRegsI, j.NumRegsR)
	}
	if len(j.ConstantsI) != 1 || j.ConstantsI[0] != 0 {
		t.Errorf("int constants = %v, want [0]", j.ConstantsI)
	}

	out := Disassemble(j)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 6 {
		t.Fatalf("disassembly has %d lines:\n%s", len(lines), out)
	}
	for i, want := range []string{
		"jit_merge_point [] [] [] [i0] [] []",
		"goto_if_not_int_gt i0 i255 L",
		"int_sub i0 $1 -> i0",
		"can_enter_jit",
		"goto L0",
		"int_return i0",
	} {
		if !strings.Contains(lines[i], want) {
			t.Errorf("line %d = %q, want it to contain %q", i, lines[i], want)
		}
	}
}

func TestOpcodeOf(t *testing.T) {
	op, ok := OpcodeOf("int_add/ii>i")
	if !ok {
		t.Fatal("int_add/ii>i not found")
	}
	if op.String() != "int_add/ii>i" {
		t.Errorf("String() = %q", op.String())
	}
	if _, ok := OpcodeOf("int_add/xyz"); ok {
		t.Error("found an instruction that does not exist")
	}
	if got := Opcode(255).Info().Name; !strings.HasPrefix(got, "UNKNOWN") {
		t.Errorf("Info of an unused opcode = %q", got)
	}
}

func TestBuilderRejectsBadOperands(t *testing.T) {
	tests := []struct {
		name string
		emit func(b *Builder)
	}{
		{"unknown instruction", func(b *Builder) { b.Emit("frobnicate/") }},
		{"missing operand", func(b *Builder) { b.Emit("int_add/ii>i", 0, 1) }},
		{"extra operand", func(b *Builder) { b.Emit("int_return/i", 0, 1) }},
		{"constant too big", func(b *Builder) { b.Emit("int_sub/ic>i", 0, 300, 0) }},
		{"unmarked label", func(b *Builder) {
			b.Emit("goto/L", b.NewLabel())
			b.Finish()
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("expected a panic")
				}
			}()
			tt.emit(NewBuilder(NewAssembler(), tt.name))
		})
	}
}

func TestAssemblerSharesDescrs(t *testing.T) {
	asm := NewAssembler()
	d := &FieldDescr{Name: "x"}
	i := asm.Descr(d)
	if j := asm.Descr(d); j != i {
		t.Errorf("same descr got indexes %d and %d", i, j)
	}
	if got := asm.Descrs()[i]; got != Descr(d) {
		t.Errorf("Descrs()[%d] = %v", i, got)
	}
}
