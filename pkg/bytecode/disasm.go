package bytecode

import (
	"fmt"
	"io"
	"strings"
)

// Lister formats decoded records as listing lines. It keeps the local and
// label names of the current method so operands print as name_N.
type Lister struct {
	w      io.Writer
	locals map[int32]string
	labels map[int32]string
	err    error
}

// NewLister returns a Lister writing to w. A nil w discards output.
func NewLister(w io.Writer) *Lister {
	if w == nil {
		w = io.Discard
	}
	return &Lister{
		w:      w,
		locals: make(map[int32]string),
		labels: make(map[int32]string),
	}
}

// Err returns the first write error.
func (l *Lister) Err() error { return l.err }

func (l *Lister) printf(format string, args ...interface{}) {
	if l.err != nil {
		return
	}
	_, l.err = fmt.Fprintf(l.w, format, args...)
}

// Record writes one line for rec.
func (l *Lister) Record(rec *Record) {
	switch rec.Code {
	case RecTheEnd:
		l.printf("; end of stream\n")
	case RecDclMethod:
		l.printf("; declare %s %s(%s)\n", rec.Type, rec.Name, strings.Join(rec.Params, ", "))
	case RecBegMethod:
		clear(l.locals)
		clear(l.labels)
		l.printf("\n%s:\n", rec.Name)
	case RecEndMethod:
		l.printf("; end method\n")
	case RecDclLocal:
		name := fmt.Sprintf("%s_%d", rec.Name, rec.Number)
		l.locals[rec.Number] = name
		l.printf("        .local %s %s\n", rec.Type, name)
	case RecDclLabel:
		l.labels[rec.Number] = fmt.Sprintf("%s_%d", rec.Name, rec.Number)
	case RecMarkLabel:
		l.printf("    %s:\n", l.labelName(rec.Number))
	default:
		l.printf("  %04X  %-11s %s   (%s)\n", rec.Offset, rec.Op, l.Operand(rec), rec.Kind())
	}
}

func (l *Lister) labelName(n int32) string {
	if name, ok := l.labels[n]; ok {
		return name
	}
	return fmt.Sprintf("label_%d", n)
}

func (l *Lister) localName(n int32) string {
	if name, ok := l.locals[n]; ok {
		return name
	}
	return fmt.Sprintf("local_%d", n)
}

// Operand renders the operand of an instruction record.
func (l *Lister) Operand(rec *Record) string {
	switch rec.Kind() {
	case OperandNone:
		return ""
	case OperandField:
		return rec.Owner + ":" + rec.Member
	case OperandLocal:
		return l.localName(rec.Number)
	case OperandType:
		return rec.Type
	case OperandLabel:
		return l.labelName(rec.Number)
	case OperandMethodInt:
		return rec.Name
	case OperandMethodExt:
		return fmt.Sprintf("%s:%s(%s)", rec.Owner, rec.Name, strings.Join(rec.Params, ","))
	case OperandCtor:
		return fmt.Sprintf("%s(%s)", rec.Owner, strings.Join(rec.Params, ","))
	case OperandDouble, OperandFloat:
		return fmt.Sprintf("%g", rec.Float)
	case OperandInteger:
		return fmt.Sprintf("%d", rec.Int)
	case OperandString:
		return fmt.Sprintf("%q", rec.Str)
	}
	return "?"
}

// Disassemble decodes an entire artifact and writes its listing to w.
func Disassemble(r io.Reader, w io.Writer) error {
	rd, err := NewReader(r)
	if err != nil {
		return err
	}
	l := NewLister(w)
	meta := rd.Meta()
	l.printf("; xmr object v%d\n", FormatVersion)
	for i, g := range meta.Globals {
		l.printf("; global [%d] %s %s\n", i, g.Type, g.Name)
	}
	for _, s := range meta.States {
		l.printf("; state %s\n", s.Name)
		for _, h := range s.Handlers {
			l.printf(";   %s -> %s\n", h.Event, h.Method)
		}
	}
	if meta.Init != "" {
		l.printf("; init %s\n", meta.Init)
	}
	for {
		rec, err := rd.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		l.Record(rec)
	}
	return l.Err()
}
