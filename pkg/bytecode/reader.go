package bytecode

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/zeebo/xxh3"
)

// Record is one decoded record of the stream. Which fields are set depends on
// Code and, for instruction records, on the operand kind.
type Record struct {
	Offset int64 // byte offset of the record code in the artifact
	Code   RecordCode

	// DclMethod: Name, Type (return tag), Params.
	// BegMethod: Name.
	// DclLocal: Number, Name, Type. DclLabel: Number, Name. MarkLabel: Number.
	Name   string
	Number int32
	Type   string
	Params []string

	// Instruction records.
	Op     Opcode
	Owner  string  // field, extern and ctor owner tag
	Member string  // field name
	Int    int32   // integer literal
	Float  float64 // double literal, or float literal widened
	Str    string  // string literal
}

// Kind returns the operand kind of an instruction record.
func (r *Record) Kind() OperandKind {
	return r.Code.OperandKind()
}

// Reader decodes an artifact front to back. It never seeks: every record is
// read once, in order.
type Reader struct {
	r    *bufio.Reader
	h    *xxh3.Hasher
	off  int64
	meta *ScriptMeta
	done bool
	buf  [8]byte
}

// NewReader reads and validates the envelope header. A foreign format
// version is reported as a MalformedStreamError wrapping a *VersionError.
func NewReader(r io.Reader) (*Reader, error) {
	rd := &Reader{r: bufio.NewReader(r), h: xxh3.New()}

	var magic [4]byte
	if err := rd.full(magic[:], "magic"); err != nil {
		return nil, err
	}
	if magic != Magic {
		return nil, rd.malformed(0, "bad magic %q", magic[:])
	}
	version, err := rd.uint16("format version")
	if err != nil {
		return nil, err
	}
	if version != FormatVersion {
		return nil, &MalformedStreamError{
			Offset: 4,
			Reason: "unsupported format version",
			Err:    &VersionError{Got: version, Want: FormatVersion},
		}
	}
	metaOff := rd.off
	n, err := rd.uint32("meta length")
	if err != nil {
		return nil, err
	}
	if n > maxMetaLen {
		return nil, rd.malformed(metaOff, "meta header length %d exceeds limit", n)
	}
	raw := make([]byte, n)
	if err := rd.full(raw, "meta header"); err != nil {
		return nil, err
	}
	meta, err := UnmarshalMeta(raw)
	if err != nil {
		return nil, &MalformedStreamError{Offset: metaOff, Reason: "meta header", Err: err}
	}
	rd.meta = meta
	return rd, nil
}

// Meta returns the decoded script metadata.
func (rd *Reader) Meta() *ScriptMeta {
	return rd.meta
}

// Offset returns the number of bytes consumed so far.
func (rd *Reader) Offset() int64 {
	return rd.off
}

// Next decodes the next record. After the TheEnd record has been returned
// and its checksum verified, Next returns io.EOF.
func (rd *Reader) Next() (*Record, error) {
	if rd.done {
		return nil, io.EOF
	}
	rec := &Record{Offset: rd.off}
	code, err := rd.byte("record code")
	if err != nil {
		return nil, err
	}
	rec.Code = RecordCode(code)

	switch rec.Code {
	case RecTheEnd:
		sum := rd.h.Sum64()
		var trailer [8]byte
		if _, err := io.ReadFull(rd.r, trailer[:]); err != nil {
			return nil, rd.wrap(rd.off, "checksum", err)
		}
		rd.off += 8
		if got := binary.BigEndian.Uint64(trailer[:]); got != sum {
			return nil, rd.malformed(rec.Offset, "checksum mismatch (stored %016x, computed %016x)", got, sum)
		}
		rd.done = true

	case RecDclMethod:
		if rec.Name, err = rd.str("method name"); err != nil {
			return nil, err
		}
		if rec.Type, err = rd.str("return type"); err != nil {
			return nil, err
		}
		if rec.Params, err = rd.tags(); err != nil {
			return nil, err
		}

	case RecBegMethod:
		if rec.Name, err = rd.str("method name"); err != nil {
			return nil, err
		}

	case RecEndMethod:

	case RecDclLocal:
		if rec.Number, err = rd.int32("local number"); err != nil {
			return nil, err
		}
		if rec.Name, err = rd.str("local name"); err != nil {
			return nil, err
		}
		if rec.Type, err = rd.str("local type"); err != nil {
			return nil, err
		}

	case RecDclLabel:
		if rec.Number, err = rd.int32("label number"); err != nil {
			return nil, err
		}
		if rec.Name, err = rd.str("label name"); err != nil {
			return nil, err
		}

	case RecMarkLabel:
		if rec.Number, err = rd.int32("label number"); err != nil {
			return nil, err
		}

	default:
		if !rec.Code.IsEmit() {
			return nil, rd.malformed(rec.Offset, "unknown record code 0x%02X", code)
		}
		if err := rd.instruction(rec); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

func (rd *Reader) instruction(rec *Record) error {
	op, err := rd.uint16("opcode")
	if err != nil {
		return err
	}
	rec.Op = Opcode(op)
	info, ok := LookupOpcode(rec.Op)
	if !ok {
		return rd.malformed(rec.Offset, "unknown opcode 0x%04X", op)
	}
	kind := rec.Kind()
	if info.Operand != kind {
		return rd.malformed(rec.Offset, "%s with %s operand", info.Name, kind)
	}

	switch kind {
	case OperandNone:
	case OperandField:
		if rec.Owner, err = rd.str("field owner"); err != nil {
			return err
		}
		rec.Member, err = rd.str("field name")
	case OperandLocal, OperandLabel:
		rec.Number, err = rd.int32("index")
	case OperandType:
		rec.Type, err = rd.str("type tag")
	case OperandMethodInt:
		rec.Name, err = rd.str("callee")
	case OperandMethodExt:
		if rec.Name, err = rd.str("extern name"); err != nil {
			return err
		}
		if rec.Owner, err = rd.str("extern owner"); err != nil {
			return err
		}
		rec.Params, err = rd.tags()
	case OperandCtor:
		if rec.Owner, err = rd.str("ctor owner"); err != nil {
			return err
		}
		rec.Params, err = rd.tags()
	case OperandDouble:
		var bits uint64
		if err = rd.full(rd.buf[:8], "double"); err == nil {
			bits = binary.BigEndian.Uint64(rd.buf[:8])
			rec.Float = math.Float64frombits(bits)
		}
	case OperandFloat:
		var bits uint32
		if bits, err = rd.uint32("float"); err == nil {
			rec.Float = float64(math.Float32frombits(bits))
		}
	case OperandInteger:
		rec.Int, err = rd.int32("integer")
	case OperandString:
		rec.Str, err = rd.str("string")
	}
	return err
}

// ---------------------------------------------------------------------------
// Primitive decoding
// ---------------------------------------------------------------------------

func (rd *Reader) malformed(off int64, format string, args ...interface{}) error {
	return &MalformedStreamError{Offset: off, Reason: fmt.Sprintf(format, args...)}
}

func (rd *Reader) wrap(off int64, what string, err error) error {
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return &MalformedStreamError{Offset: off, Reason: "truncated " + what, Err: err}
}

func (rd *Reader) full(b []byte, what string) error {
	if _, err := io.ReadFull(rd.r, b); err != nil {
		return rd.wrap(rd.off, what, err)
	}
	rd.h.Write(b)
	rd.off += int64(len(b))
	return nil
}

func (rd *Reader) byte(what string) (byte, error) {
	if err := rd.full(rd.buf[:1], what); err != nil {
		return 0, err
	}
	return rd.buf[0], nil
}

func (rd *Reader) uint16(what string) (uint16, error) {
	if err := rd.full(rd.buf[:2], what); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(rd.buf[:2]), nil
}

func (rd *Reader) uint32(what string) (uint32, error) {
	if err := rd.full(rd.buf[:4], what); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(rd.buf[:4]), nil
}

func (rd *Reader) int32(what string) (int32, error) {
	v, err := rd.uint32(what)
	return int32(v), err
}

func (rd *Reader) uvarint(what string) (uint64, error) {
	start := rd.off
	var x uint64
	var s uint
	for i := 0; i < binary.MaxVarintLen64; i++ {
		b, err := rd.byte(what)
		if err != nil {
			return 0, err
		}
		if b < 0x80 {
			return x | uint64(b)<<s, nil
		}
		x |= uint64(b&0x7f) << s
		s += 7
	}
	return 0, rd.malformed(start, "%s length overflows", what)
}

func (rd *Reader) str(what string) (string, error) {
	start := rd.off
	n, err := rd.uvarint(what)
	if err != nil {
		return "", err
	}
	if n > maxStringLen {
		return "", rd.malformed(start, "%s length %d exceeds limit", what, n)
	}
	b := make([]byte, n)
	if err := rd.full(b, what); err != nil {
		return "", err
	}
	return string(b), nil
}

func (rd *Reader) tags() ([]string, error) {
	n, err := rd.byte("parameter count")
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	tags := make([]string, n)
	for i := range tags {
		if tags[i], err = rd.str("parameter type"); err != nil {
			return nil, err
		}
	}
	return tags, nil
}
