package vm

import (
	"errors"
	"fmt"
	"io"

	"github.com/chazu/xmr/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// Routine: a materialized method
// ---------------------------------------------------------------------------

// Routine is one materialized method. Routines are immutable once the
// materializer seals them and may be shared by any number of instances.
type Routine struct {
	Name   string
	Result *TypeInfo
	Params []*TypeInfo

	locals  []*TypeInfo
	code    []instr
	defined bool
}

// Defined reports whether the routine's body has been materialized.
func (r *Routine) Defined() bool { return r.defined }

// Void reports whether the routine returns nothing.
func (r *Routine) Void() bool { return r.Result.Tag == TagVoid }

// Len returns the number of instructions in the body.
func (r *Routine) Len() int { return len(r.code) }

// instr is a decoded, linked instruction.
type instr struct {
	op    bytecode.Opcode
	n     int32 // local index, label target, literal int, argument or global index
	f     float64
	s     string
	typ   *TypeInfo
	call  *Routine
	ext   *Extern
	ctor  *Ctor
	field *Field
}

// ---------------------------------------------------------------------------
// Materializer
// ---------------------------------------------------------------------------

type labelSlot struct {
	name   string
	target int // -1 until marked
}

type fixup struct {
	pc    int
	label int32
}

// materializer holds the per-stream and per-method state of one replay.
type materializer struct {
	env    *Environment
	meta   *bytecode.ScriptMeta
	lister *bytecode.Lister

	routines map[string]*Routine

	cur    *Routine
	labels []labelSlot
	fixups []fixup
}

// Materialize replays an artifact into one Routine per declared method and
// returns them by name. onEnd, if non-nil, is called with each routine as its
// body is sealed. trace, if non-nil, receives a listing line per record.
//
// A malformed stream yields a *bytecode.MalformedStreamError and a name the
// environment cannot resolve yields a *ResolutionError. Either way no routine
// table is returned.
func Materialize(r *bytecode.Reader, env *Environment, onEnd func(*Routine), trace io.Writer) (map[string]*Routine, error) {
	if env == nil {
		env = DefaultEnvironment()
	}
	m := &materializer{
		env:      env,
		meta:     r.Meta(),
		routines: make(map[string]*Routine),
	}
	if trace != nil {
		m.lister = bytecode.NewLister(trace)
	}

	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if m.lister != nil {
			m.lister.Record(rec)
		}
		if err := m.record(rec, onEnd); err != nil {
			return nil, err
		}
		if rec.Code == bytecode.RecTheEnd {
			// The reader verified the checksum before returning TheEnd.
			if m.cur != nil {
				return nil, malformed(rec, "stream ended inside body of %s", m.cur.Name)
			}
			for name, rt := range m.routines {
				if !rt.defined {
					return nil, malformed(rec, "method %s declared but never defined", name)
				}
			}
		}
	}
	return m.routines, nil
}

func malformed(rec *bytecode.Record, format string, args ...interface{}) error {
	return &bytecode.MalformedStreamError{Offset: rec.Offset, Reason: fmt.Sprintf(format, args...)}
}

func (m *materializer) types(tags []string) ([]*TypeInfo, error) {
	out := make([]*TypeInfo, len(tags))
	for i, tag := range tags {
		ti, err := m.env.types.Lookup(tag)
		if err != nil {
			return nil, err
		}
		out[i] = ti
	}
	return out, nil
}

func (m *materializer) record(rec *bytecode.Record, onEnd func(*Routine)) error {
	switch rec.Code {
	case bytecode.RecTheEnd:
		return nil

	case bytecode.RecDclMethod:
		if _, dup := m.routines[rec.Name]; dup {
			return malformed(rec, "method %s declared twice", rec.Name)
		}
		result, err := m.env.types.Lookup(rec.Type)
		if err != nil {
			return err
		}
		params, err := m.types(rec.Params)
		if err != nil {
			return err
		}
		m.routines[rec.Name] = &Routine{Name: rec.Name, Result: result, Params: params}
		return nil

	case bytecode.RecBegMethod:
		if m.cur != nil {
			return malformed(rec, "method %s begun inside body of %s", rec.Name, m.cur.Name)
		}
		rt, ok := m.routines[rec.Name]
		if !ok {
			return malformed(rec, "body of undeclared method %s", rec.Name)
		}
		if rt.defined {
			return malformed(rec, "method %s defined twice", rec.Name)
		}
		m.cur = rt
		m.labels = m.labels[:0]
		m.fixups = m.fixups[:0]
		return nil
	}

	if m.cur == nil {
		return malformed(rec, "%s record outside a method body", rec.Code)
	}

	switch rec.Code {
	case bytecode.RecEndMethod:
		return m.endMethod(rec, onEnd)

	case bytecode.RecDclLocal:
		if int(rec.Number) != len(m.cur.locals) {
			return malformed(rec, "local %d declared out of order in %s", rec.Number, m.cur.Name)
		}
		ti, err := m.env.types.Lookup(rec.Type)
		if err != nil {
			return err
		}
		m.cur.locals = append(m.cur.locals, ti)
		return nil

	case bytecode.RecDclLabel:
		if int(rec.Number) != len(m.labels) {
			return malformed(rec, "label %d declared out of order in %s", rec.Number, m.cur.Name)
		}
		m.labels = append(m.labels, labelSlot{name: rec.Name, target: -1})
		return nil

	case bytecode.RecMarkLabel:
		if rec.Number < 0 || int(rec.Number) >= len(m.labels) {
			return malformed(rec, "mark of undeclared label %d in %s", rec.Number, m.cur.Name)
		}
		if m.labels[rec.Number].target >= 0 {
			return malformed(rec, "label %d marked twice in %s", rec.Number, m.cur.Name)
		}
		m.labels[rec.Number].target = len(m.cur.code)
		return nil
	}

	in, err := m.instruction(rec)
	if err != nil {
		return err
	}
	m.cur.code = append(m.cur.code, in)
	return nil
}

func (m *materializer) instruction(rec *bytecode.Record) (instr, error) {
	in := instr{op: rec.Op}
	switch rec.Kind() {
	case bytecode.OperandNone:

	case bytecode.OperandLocal:
		if rec.Number < 0 || int(rec.Number) >= len(m.cur.locals) {
			return in, malformed(rec, "%s of undeclared local %d in %s", rec.Op, rec.Number, m.cur.Name)
		}
		in.n = rec.Number

	case bytecode.OperandLabel:
		if rec.Number < 0 || int(rec.Number) >= len(m.labels) {
			return in, malformed(rec, "%s to undeclared label %d in %s", rec.Op, rec.Number, m.cur.Name)
		}
		// Targets are patched at EndMethod so forward branches work.
		m.fixups = append(m.fixups, fixup{pc: len(m.cur.code), label: rec.Number})

	case bytecode.OperandInteger:
		in.n = rec.Int
		switch rec.Op {
		case bytecode.OpLdArg, bytecode.OpStArg:
			if rec.Int < 0 || int(rec.Int) >= len(m.cur.Params) {
				return in, malformed(rec, "%s %d out of range in %s", rec.Op, rec.Int, m.cur.Name)
			}
		case bytecode.OpLdGlb, bytecode.OpStGlb:
			if rec.Int < 0 || int(rec.Int) >= len(m.meta.Globals) {
				return in, malformed(rec, "%s %d out of range", rec.Op, rec.Int)
			}
		}

	case bytecode.OperandDouble, bytecode.OperandFloat:
		in.f = rec.Float

	case bytecode.OperandString:
		in.s = rec.Str

	case bytecode.OperandType:
		ti, err := m.env.types.Lookup(rec.Type)
		if err != nil {
			return in, err
		}
		in.typ = ti

	case bytecode.OperandField:
		f, err := m.env.Field(rec.Owner, rec.Member)
		if err != nil {
			return in, err
		}
		in.field = f

	case bytecode.OperandMethodInt:
		callee, ok := m.routines[rec.Name]
		if !ok {
			return in, &ResolutionError{Kind: "method", Name: rec.Name}
		}
		in.call = callee

	case bytecode.OperandMethodExt:
		x, err := m.env.Extern(rec.Owner, rec.Name, rec.Params)
		if err != nil {
			return in, err
		}
		in.ext = x

	case bytecode.OperandCtor:
		c, err := m.env.Ctor(rec.Owner, rec.Params)
		if err != nil {
			return in, err
		}
		in.ctor = c
	}
	return in, nil
}

func (m *materializer) endMethod(rec *bytecode.Record, onEnd func(*Routine)) error {
	rt := m.cur
	for _, fx := range m.fixups {
		target := m.labels[fx.label].target
		if target < 0 {
			return malformed(rec, "label %s_%d never marked in %s", m.labels[fx.label].name, fx.label, rt.Name)
		}
		rt.code[fx.pc].n = int32(target)
	}
	rt.defined = true
	m.cur = nil
	if onEnd != nil {
		onEnd(rt)
	}
	return nil
}
