package bytecode

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// FormatVersion is the current artifact format version.
// Increment when making incompatible changes to the record stream or envelope.
const FormatVersion uint16 = 1

// Magic bytes for artifact files: "XMRO" (XMR Object)
var Magic = [4]byte{'X', 'M', 'R', 'O'}

// maxStringLen bounds length-prefixed strings so a corrupt length cannot
// trigger a huge allocation.
const maxStringLen = 1 << 20

// maxMetaLen bounds the CBOR header.
const maxMetaLen = 16 << 20

// maxParams bounds parameter lists in declarations and call operands.
const maxParams = 255

// RecordCode identifies one record in the stream.
type RecordCode byte

const (
	RecTheEnd    RecordCode = 0x01 // End of stream; checksum follows
	RecDclMethod RecordCode = 0x02 // name, return tag, param tags
	RecBegMethod RecordCode = 0x03 // name
	RecEndMethod RecordCode = 0x04
	RecDclLocal  RecordCode = 0x05 // number, name, type tag
	RecDclLabel  RecordCode = 0x06 // number, name
	RecMarkLabel RecordCode = 0x07 // number

	// recEmitBase + OperandKind is the record code of an instruction record.
	recEmitBase RecordCode = 0x10
)

// emitCode returns the record code for an instruction with the given operand.
func emitCode(k OperandKind) RecordCode {
	return recEmitBase + RecordCode(k)
}

// IsEmit reports whether the record carries an instruction.
func (c RecordCode) IsEmit() bool {
	return c >= recEmitBase && c <= emitCode(OperandString)
}

// OperandKind returns the operand kind of an instruction record.
func (c RecordCode) OperandKind() OperandKind {
	return OperandKind(c - recEmitBase)
}

func (c RecordCode) String() string {
	switch c {
	case RecTheEnd:
		return "TheEnd"
	case RecDclMethod:
		return "DclMethod"
	case RecBegMethod:
		return "BegMethod"
	case RecEndMethod:
		return "EndMethod"
	case RecDclLocal:
		return "DclLocal"
	case RecDclLabel:
		return "DclLabel"
	case RecMarkLabel:
		return "MarkLabel"
	}
	if c.IsEmit() {
		return "Emit:" + c.OperandKind().String()
	}
	return fmt.Sprintf("RecordCode(%d)", byte(c))
}

// ---------------------------------------------------------------------------
// Script metadata header
// ---------------------------------------------------------------------------

// ScriptMeta is the program-level metadata carried in the artifact header.
// It is encoded with canonical CBOR so identical programs produce identical
// bytes.
type ScriptMeta struct {
	Globals []GlobalDecl `cbor:"1,keyasint,omitempty"`
	States  []StateDecl  `cbor:"2,keyasint"`
	Init    string       `cbor:"3,keyasint,omitempty"` // routine that initializes globals
}

// GlobalDecl describes one script global slot.
type GlobalDecl struct {
	Name string `cbor:"1,keyasint"`
	Type string `cbor:"2,keyasint"`
}

// StateDecl lists the event handlers of one script state. States[0] is the
// default state.
type StateDecl struct {
	Name     string        `cbor:"1,keyasint"`
	Handlers []HandlerDecl `cbor:"2,keyasint,omitempty"`
}

// HandlerDecl binds an event name to the routine implementing it.
type HandlerDecl struct {
	Event  string `cbor:"1,keyasint"`
	Method string `cbor:"2,keyasint"`
}

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("bytecode: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// MarshalMeta encodes script metadata to canonical CBOR.
func MarshalMeta(m *ScriptMeta) ([]byte, error) {
	return cborEncMode.Marshal(m)
}

// UnmarshalMeta decodes script metadata.
func UnmarshalMeta(data []byte) (*ScriptMeta, error) {
	var m ScriptMeta
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("bytecode: unmarshal meta: %w", err)
	}
	return &m, nil
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

// MalformedStreamError reports a corrupt or truncated artifact.
type MalformedStreamError struct {
	Offset int64  // byte offset where decoding failed
	Reason string // what was wrong
	Err    error  // underlying I/O error, if any
}

func (e *MalformedStreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed bytecode stream at offset %d: %s: %v", e.Offset, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed bytecode stream at offset %d: %s", e.Offset, e.Reason)
}

func (e *MalformedStreamError) Unwrap() error { return e.Err }

// VersionError reports an artifact written by a different format version.
// It is returned wrapped in a MalformedStreamError.
type VersionError struct {
	Got  uint16
	Want uint16
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("artifact format version %d, this build reads version %d", e.Got, e.Want)
}
