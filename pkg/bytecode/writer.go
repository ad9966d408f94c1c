package bytecode

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/zeebo/xxh3"
)

// ---------------------------------------------------------------------------
// ObjWriter: append-only record stream
// ---------------------------------------------------------------------------

// ObjWriter appends records to an artifact. The first error is sticky: later
// writes become no-ops and Err reports it, the way bufio.Writer does.
//
// Many methods may be declared up front, but once Begin is called on one
// MethodWriter no other method may write until that one calls End, or the
// body records would interleave.
type ObjWriter struct {
	w   *bufio.Writer
	h   *xxh3.Hasher
	err error

	methods  map[string]*MethodWriter
	order    []*MethodWriter
	active   *MethodWriter
	finished bool
	scratch  []byte
}

// NewObjWriter writes the artifact envelope header and returns a writer for
// the record stream.
func NewObjWriter(w io.Writer, meta *ScriptMeta) *ObjWriter {
	ow := &ObjWriter{
		w:       bufio.NewWriter(w),
		h:       xxh3.New(),
		methods: make(map[string]*MethodWriter),
		scratch: make([]byte, 0, 64),
	}
	if meta == nil {
		meta = &ScriptMeta{}
	}
	metaBytes, err := MarshalMeta(meta)
	if err != nil {
		ow.err = err
		return ow
	}
	if len(metaBytes) > maxMetaLen {
		ow.err = fmt.Errorf("bytecode: meta header too large (%d bytes)", len(metaBytes))
		return ow
	}
	ow.put(Magic[:])
	ow.putUint16(FormatVersion)
	ow.putUint32(uint32(len(metaBytes)))
	ow.put(metaBytes)
	return ow
}

// Err returns the first error encountered, if any.
func (ow *ObjWriter) Err() error {
	return ow.err
}

func (ow *ObjWriter) fail(format string, args ...interface{}) {
	if ow.err == nil {
		ow.err = fmt.Errorf("bytecode: "+format, args...)
	}
}

func (ow *ObjWriter) put(b []byte) {
	if ow.err != nil {
		return
	}
	ow.h.Write(b)
	if _, err := ow.w.Write(b); err != nil {
		ow.err = err
	}
}

func (ow *ObjWriter) putByte(b byte) {
	ow.scratch = append(ow.scratch[:0], b)
	ow.put(ow.scratch)
}

func (ow *ObjWriter) putUint16(v uint16) {
	ow.put(binary.BigEndian.AppendUint16(ow.scratch[:0], v))
}

func (ow *ObjWriter) putUint32(v uint32) {
	ow.put(binary.BigEndian.AppendUint32(ow.scratch[:0], v))
}

func (ow *ObjWriter) putInt32(v int32) {
	ow.putUint32(uint32(v))
}

func (ow *ObjWriter) putString(s string) {
	if len(s) > maxStringLen {
		ow.fail("string operand too long (%d bytes)", len(s))
		return
	}
	buf := binary.AppendUvarint(ow.scratch[:0], uint64(len(s)))
	buf = append(buf, s...)
	ow.put(buf)
	ow.scratch = buf[:0]
}

func (ow *ObjWriter) putTags(tags []string) {
	if len(tags) > maxParams {
		ow.fail("too many parameters (%d)", len(tags))
		return
	}
	ow.putByte(byte(len(tags)))
	for _, t := range tags {
		ow.putString(t)
	}
}

// DeclareMethod appends a declaration record for a method and returns its
// writer. Declaring every method before any body is written lets bodies call
// methods that are defined later in the stream.
func (ow *ObjWriter) DeclareMethod(name, ret string, params []string) *MethodWriter {
	mw := &MethodWriter{
		obj:    ow,
		name:   name,
		ret:    ret,
		params: append([]string(nil), params...),
	}
	if ow.finished {
		ow.fail("declare %s after end of stream", name)
		return mw
	}
	if name == "" {
		ow.fail("method name is empty")
		return mw
	}
	if _, dup := ow.methods[name]; dup {
		ow.fail("method %s declared twice", name)
		return mw
	}
	ow.methods[name] = mw
	ow.order = append(ow.order, mw)

	ow.putByte(byte(RecDclMethod))
	ow.putString(name)
	ow.putString(ret)
	ow.putTags(params)
	return mw
}

// Finish appends the end-of-stream record and checksum and flushes the
// underlying writer. Every declared method must have been ended.
func (ow *ObjWriter) Finish() error {
	if ow.err != nil {
		return ow.err
	}
	if ow.finished {
		return nil
	}
	if ow.active != nil {
		ow.fail("stream ended inside body of %s", ow.active.name)
		return ow.err
	}
	for _, mw := range ow.order {
		if !mw.ended {
			ow.fail("method %s declared but never defined", mw.name)
			return ow.err
		}
	}
	ow.putByte(byte(RecTheEnd))
	if ow.err != nil {
		return ow.err
	}
	sum := binary.BigEndian.AppendUint64(nil, ow.h.Sum64())
	if _, err := ow.w.Write(sum); err != nil {
		ow.err = err
		return err
	}
	ow.finished = true
	if err := ow.w.Flush(); err != nil {
		ow.err = err
	}
	return ow.err
}

// ---------------------------------------------------------------------------
// MethodWriter: one method body
// ---------------------------------------------------------------------------

// Local is a local variable slot of one method.
type Local struct {
	Number int32
	Name   string
	Type   string
	owner  *MethodWriter
}

// Label is a branch target of one method.
type Label struct {
	Number int32
	Name   string
	owner  *MethodWriter
	marked bool
}

// ExtRef names an external function by exact signature.
type ExtRef struct {
	Name   string
	Owner  string
	Params []string
}

// CtorRef names an external constructor by exact signature.
type CtorRef struct {
	Owner  string
	Params []string
}

// MethodWriter writes the body of one declared method.
type MethodWriter struct {
	obj    *ObjWriter
	name   string
	ret    string
	params []string

	begun bool
	ended bool

	localNumber int32
	labelNumber int32
}

// Name returns the method name.
func (mw *MethodWriter) Name() string { return mw.name }

// ReturnType returns the declared return type tag.
func (mw *MethodWriter) ReturnType() string { return mw.ret }

// Params returns the declared parameter type tags.
func (mw *MethodWriter) Params() []string { return mw.params }

// Begin starts the method body.
func (mw *MethodWriter) Begin() {
	ow := mw.obj
	switch {
	case mw.begun:
		ow.fail("method %s body begun twice", mw.name)
		return
	case ow.active != nil:
		ow.fail("method %s begun inside body of %s", mw.name, ow.active.name)
		return
	case ow.finished:
		ow.fail("method %s begun after end of stream", mw.name)
		return
	}
	mw.begun = true
	ow.active = mw
	ow.putByte(byte(RecBegMethod))
	ow.putString(mw.name)
}

// End closes the method body. No further writes are accepted for it.
func (mw *MethodWriter) End() {
	if !mw.writable("end") {
		return
	}
	mw.ended = true
	mw.obj.active = nil
	mw.obj.putByte(byte(RecEndMethod))
}

// writable reports whether body records may be appended, recording an error
// if not.
func (mw *MethodWriter) writable(what string) bool {
	ow := mw.obj
	if ow.err != nil {
		return false
	}
	switch {
	case mw.ended:
		ow.fail("%s in %s after end of method", what, mw.name)
		return false
	case !mw.begun:
		ow.fail("%s in %s before begin", what, mw.name)
		return false
	case ow.active != mw:
		ow.fail("%s in %s interleaved with body of another method", what, mw.name)
		return false
	}
	return true
}

// DeclareLocal allocates the next local slot of this method.
func (mw *MethodWriter) DeclareLocal(typeTag, name string) *Local {
	l := &Local{Number: mw.localNumber, Name: name, Type: typeTag, owner: mw}
	if !mw.writable("declare local") {
		return l
	}
	mw.localNumber++
	ow := mw.obj
	ow.putByte(byte(RecDclLocal))
	ow.putInt32(l.Number)
	ow.putString(name)
	ow.putString(typeTag)
	return l
}

// DefineLabel allocates the next label of this method.
func (mw *MethodWriter) DefineLabel(name string) *Label {
	l := &Label{Number: mw.labelNumber, Name: name, owner: mw}
	if !mw.writable("define label") {
		return l
	}
	mw.labelNumber++
	ow := mw.obj
	ow.putByte(byte(RecDclLabel))
	ow.putInt32(l.Number)
	ow.putString(name)
	return l
}

// MarkLabel declares that the label targets the next instruction.
func (mw *MethodWriter) MarkLabel(l *Label) {
	if !mw.writable("mark label") {
		return
	}
	if l.owner != mw {
		mw.obj.fail("label %s marked in foreign method %s", l.Name, mw.name)
		return
	}
	if l.marked {
		mw.obj.fail("label %s_%d marked twice in %s", l.Name, l.Number, mw.name)
		return
	}
	l.marked = true
	mw.obj.putByte(byte(RecMarkLabel))
	mw.obj.putInt32(l.Number)
}

// opcode writes the instruction record prefix after validating the operand kind.
func (mw *MethodWriter) opcode(op Opcode, kind OperandKind) bool {
	if !mw.writable("emit " + op.String()) {
		return false
	}
	info, ok := LookupOpcode(op)
	if !ok {
		mw.obj.fail("unknown opcode 0x%04X in %s", uint16(op), mw.name)
		return false
	}
	if info.Operand != kind {
		mw.obj.fail("%s takes a %s operand, got %s", info.Name, info.Operand, kind)
		return false
	}
	mw.obj.putByte(byte(emitCode(kind)))
	mw.obj.putUint16(uint16(op))
	return true
}

// Emit appends an instruction with no operand.
func (mw *MethodWriter) Emit(op Opcode) {
	mw.opcode(op, OperandNone)
}

// EmitField appends an instruction with a field operand.
func (mw *MethodWriter) EmitField(op Opcode, owner, member string) {
	if mw.opcode(op, OperandField) {
		mw.obj.putString(owner)
		mw.obj.putString(member)
	}
}

// EmitLocal appends an instruction with a local operand.
func (mw *MethodWriter) EmitLocal(op Opcode, l *Local) {
	if l.owner != mw {
		mw.obj.fail("local %s used in foreign method %s", l.Name, mw.name)
		return
	}
	if mw.opcode(op, OperandLocal) {
		mw.obj.putInt32(l.Number)
	}
}

// EmitType appends an instruction with a type operand.
func (mw *MethodWriter) EmitType(op Opcode, typeTag string) {
	if mw.opcode(op, OperandType) {
		mw.obj.putString(typeTag)
	}
}

// EmitLabel appends an instruction with a label operand.
func (mw *MethodWriter) EmitLabel(op Opcode, l *Label) {
	if l.owner != mw {
		mw.obj.fail("label %s used in foreign method %s", l.Name, mw.name)
		return
	}
	if mw.opcode(op, OperandLabel) {
		mw.obj.putInt32(l.Number)
	}
}

// EmitCall appends a call to another method of the same artifact. The callee
// only needs to be declared, not yet defined.
func (mw *MethodWriter) EmitCall(op Opcode, callee *MethodWriter) {
	if callee == nil || callee.obj != mw.obj {
		mw.obj.fail("call from %s to a method not declared in this stream", mw.name)
		return
	}
	if mw.opcode(op, OperandMethodInt) {
		mw.obj.putString(callee.name)
	}
}

// EmitExtern appends a call to an external function.
func (mw *MethodWriter) EmitExtern(op Opcode, ref ExtRef) {
	if mw.opcode(op, OperandMethodExt) {
		mw.obj.putString(ref.Name)
		mw.obj.putString(ref.Owner)
		mw.obj.putTags(ref.Params)
	}
}

// EmitCtor appends a constructor call.
func (mw *MethodWriter) EmitCtor(op Opcode, ref CtorRef) {
	if mw.opcode(op, OperandCtor) {
		mw.obj.putString(ref.Owner)
		mw.obj.putTags(ref.Params)
	}
}

// EmitDouble appends an instruction with a float64 literal.
func (mw *MethodWriter) EmitDouble(op Opcode, v float64) {
	if mw.opcode(op, OperandDouble) {
		mw.obj.put(binary.BigEndian.AppendUint64(mw.obj.scratch[:0], math.Float64bits(v)))
	}
}

// EmitFloat appends an instruction with a float32 literal.
func (mw *MethodWriter) EmitFloat(op Opcode, v float32) {
	if mw.opcode(op, OperandFloat) {
		mw.obj.putUint32(math.Float32bits(v))
	}
}

// EmitInteger appends an instruction with an int32 literal.
func (mw *MethodWriter) EmitInteger(op Opcode, v int32) {
	if mw.opcode(op, OperandInteger) {
		mw.obj.putInt32(v)
	}
}

// EmitString appends an instruction with a string literal.
func (mw *MethodWriter) EmitString(op Opcode, v string) {
	if mw.opcode(op, OperandString) {
		mw.obj.putString(v)
	}
}
