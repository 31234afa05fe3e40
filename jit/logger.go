package jit

import (
	"fmt"
	"strings"
)

// Logger renders traces with short box names: i0, p1, f2, ... numbered
// in order of first appearance. Names are stable for the lifetime of
// the Logger, so a bridge shows the same names as its loop.
type Logger struct {
	names map[*Box]string
	next  int
}

// NewLogger creates a Logger with no names assigned.
func NewLogger() *Logger {
	return &Logger{names: make(map[*Box]string)}
}

// Name returns the name of op: a box name, or the rendering of a constant.
func (l *Logger) Name(op Operand) string {
	b, ok := op.(*Box)
	if !ok {
		c := op.Const()
		switch c.kind {
		case KindRef:
			return "ConstPtr(" + c.repr() + ")"
		case KindFloat:
			return "ConstFloat(" + c.repr() + ")"
		}
		return c.repr()
	}
	if n, ok := l.names[b]; ok {
		return n
	}
	prefix := "i"
	switch b.kind {
	case KindRef:
		prefix = "p"
	case KindFloat:
		prefix = "f"
	}
	n := fmt.Sprintf("%s%d", prefix, l.next)
	l.next++
	l.names[b] = n
	return n
}

// FormatOp renders one operation.
func (l *Logger) FormatOp(op *Operation) string {
	var sb strings.Builder
	if op.Result != nil {
		sb.WriteString(l.Name(op.Result))
		sb.WriteString(" = ")
	}
	sb.WriteString(op.Opnum.String())
	sb.WriteByte('(')
	for i, a := range op.Args {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(l.Name(a))
	}
	if op.Descr != nil {
		if len(op.Args) > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("descr=")
		sb.WriteString(op.Descr.String())
	}
	sb.WriteByte(')')
	if d, ok := op.Descr.(*ResumeGuardDescr); ok && len(d.FailArgs) > 0 {
		sb.WriteString(" [")
		for i, b := range d.FailArgs {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(l.Name(b))
		}
		sb.WriteByte(']')
	}
	return sb.String()
}

// FormatTrace renders a trace: its input arguments, then one operation
// per line.
func (l *Logger) FormatTrace(inputargs []*Box, ops []*Operation) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, b := range inputargs {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(l.Name(b))
	}
	sb.WriteString("]\n")
	for _, op := range ops {
		if op.Opnum == OpDebugMergePoint {
			fmt.Fprintf(&sb, "debug_merge_point(%s)\n", op.Descr)
			continue
		}
		sb.WriteString(l.FormatOp(op))
		sb.WriteByte('\n')
	}
	return sb.String()
}
