// Package bytecode defines the object artifact that sits between code
// generation and materialization.
//
// An artifact is a flat, append-only stream of self-describing records:
//
//	"XMRO" | version (uint16) | len (uint32) + CBOR ScriptMeta
//	records...
//	TheEnd | xxh3-64 of every preceding byte
//
// Records declare methods, open and close method bodies, declare locals and
// labels, mark labels, and emit instructions. An instruction record carries
// its operand kind in the record code, then a 16-bit opcode, then the operand
// payload. All integers are big-endian; strings are uvarint-length-prefixed.
//
// # Forward references
//
// Every method is declared (name, return tag, parameter tags) before any
// body is written, so a body may call a method whose body comes later in the
// stream. Locals and labels are numbered per method from zero and never
// reused. A reader never needs to seek backwards.
//
// # Writing and reading
//
// ObjWriter and MethodWriter produce a stream; Reader decodes it one record
// at a time; Lister and Disassemble render the human-readable listing.
package bytecode
