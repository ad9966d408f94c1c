package bytecode

import "fmt"

// Opcode is a stack-machine instruction code. Opcodes are written to the
// record stream as 16-bit values so the set can grow without a format bump.
type Opcode uint16

const (
	// ========================================================================
	// Stack and constants (0x00-0x0F), no operand
	// ========================================================================

	OpNop    Opcode = 0x00 // No operation
	OpPop    Opcode = 0x01 // Pop top of stack
	OpDup    Opcode = 0x02 // Duplicate top of stack
	OpLdNull Opcode = 0x03 // Push nil
	OpLdInst Opcode = 0x04 // Push the running script instance

	// ========================================================================
	// Arithmetic and bitwise (0x10-0x1F), no operand
	// ========================================================================

	OpAdd Opcode = 0x10 // a b -> a+b (numbers, strings, lists, vectors)
	OpSub Opcode = 0x11 // a b -> a-b
	OpMul Opcode = 0x12 // a b -> a*b
	OpDiv Opcode = 0x13 // a b -> a/b (integer division faults on zero)
	OpRem Opcode = 0x14 // a b -> a%b
	OpNeg Opcode = 0x15 // a -> -a
	OpAnd Opcode = 0x16 // a b -> a&b
	OpOr  Opcode = 0x17 // a b -> a|b
	OpXor Opcode = 0x18 // a b -> a^b
	OpNot Opcode = 0x19 // a -> ^a
	OpShl Opcode = 0x1A // a b -> a<<b
	OpShr Opcode = 0x1B // a b -> a>>b

	// ========================================================================
	// Comparison (0x20-0x2F), no operand; results are int 0/1
	// ========================================================================

	OpCeq  Opcode = 0x20 // a b -> a==b
	OpCgt  Opcode = 0x21 // a b -> a>b
	OpClt  Opcode = 0x22 // a b -> a<b
	OpLNot Opcode = 0x23 // a -> a==0

	// ========================================================================
	// Frame control (0x30-0x3F), no operand
	// ========================================================================

	OpRet        Opcode = 0x30 // Return (top of stack if the routine is non-void)
	OpThrow      Opcode = 0x31 // Pop a value and raise it as a script fault
	OpEndFinally Opcode = 0x32 // End of a finally block
	OpCheckRun   Opcode = 0x33 // Cooperative yield checkpoint

	// ========================================================================
	// Locals (0x40-0x4F), local-index operand
	// ========================================================================

	OpLdLoc Opcode = 0x40 // Push local
	OpStLoc Opcode = 0x41 // Pop into local

	// ========================================================================
	// Integer-literal operand (0x50-0x5F)
	// ========================================================================

	OpLdcI4 Opcode = 0x50 // Push int32 constant
	OpLdArg Opcode = 0x51 // Push argument N
	OpStArg Opcode = 0x52 // Pop into argument N
	OpLdGlb Opcode = 0x53 // Push script global N
	OpStGlb Opcode = 0x54 // Pop into script global N

	// ========================================================================
	// Floating and string literal operands (0x60-0x6F)
	// ========================================================================

	OpLdcR8 Opcode = 0x60 // Push float64 constant
	OpLdcR4 Opcode = 0x61 // Push float32 constant (widened)
	OpLdStr Opcode = 0x62 // Push string constant

	// ========================================================================
	// Type operand (0x70-0x7F)
	// ========================================================================

	OpConv  Opcode = 0x70 // Convert top of stack to type
	OpLdDef Opcode = 0x71 // Push the zero value of type

	// ========================================================================
	// Field operand (0x80-0x8F)
	// ========================================================================

	OpLdFld Opcode = 0x80 // recv -> recv.field
	OpStFld Opcode = 0x81 // recv value -> recv with field set

	// ========================================================================
	// Label operand (0x90-0x9F)
	// ========================================================================

	OpBr       Opcode = 0x90 // Unconditional branch
	OpBrTrue   Opcode = 0x91 // Pop, branch if truthy
	OpBrFalse  Opcode = 0x92 // Pop, branch if falsy
	OpLeave    Opcode = 0x93 // Exit innermost protected region toward label
	OpTry      Opcode = 0x94 // Enter region protected by finally at label
	OpTryCatch Opcode = 0x95 // Enter region protected by catch at label

	// ========================================================================
	// Calls (0xA0-0xAF)
	// ========================================================================

	OpCall    Opcode = 0xA0 // Call routine in the same artifact
	OpCallExt Opcode = 0xA1 // Call external function from the environment
	OpNewObj  Opcode = 0xA2 // Call external constructor
)

// OperandKind identifies the payload that follows an opcode in the stream.
// The numeric values double as the record codes for instruction records.
type OperandKind byte

const (
	OperandNone OperandKind = iota
	OperandField
	OperandLocal
	OperandType
	OperandLabel
	OperandMethodInt
	OperandMethodExt
	OperandCtor
	OperandDouble
	OperandFloat
	OperandInteger
	OperandString
)

var operandKindNames = [...]string{
	OperandNone:      "none",
	OperandField:     "field",
	OperandLocal:     "local",
	OperandType:      "type",
	OperandLabel:     "label",
	OperandMethodInt: "method",
	OperandMethodExt: "extern",
	OperandCtor:      "ctor",
	OperandDouble:    "double",
	OperandFloat:     "float",
	OperandInteger:   "int",
	OperandString:    "string",
}

func (k OperandKind) String() string {
	if int(k) < len(operandKindNames) {
		return operandKindNames[k]
	}
	return fmt.Sprintf("OperandKind(%d)", k)
}

// OpcodeInfo provides metadata about each opcode for validation and listings.
type OpcodeInfo struct {
	Name    string      // Mnemonic
	Operand OperandKind // The only operand kind the opcode accepts
}

var opcodeInfoTable = map[Opcode]OpcodeInfo{
	OpNop:    {"NOP", OperandNone},
	OpPop:    {"POP", OperandNone},
	OpDup:    {"DUP", OperandNone},
	OpLdNull: {"LDNULL", OperandNone},
	OpLdInst: {"LDINST", OperandNone},

	OpAdd: {"ADD", OperandNone},
	OpSub: {"SUB", OperandNone},
	OpMul: {"MUL", OperandNone},
	OpDiv: {"DIV", OperandNone},
	OpRem: {"REM", OperandNone},
	OpNeg: {"NEG", OperandNone},
	OpAnd: {"AND", OperandNone},
	OpOr:  {"OR", OperandNone},
	OpXor: {"XOR", OperandNone},
	OpNot: {"NOT", OperandNone},
	OpShl: {"SHL", OperandNone},
	OpShr: {"SHR", OperandNone},

	OpCeq:  {"CEQ", OperandNone},
	OpCgt:  {"CGT", OperandNone},
	OpClt:  {"CLT", OperandNone},
	OpLNot: {"LNOT", OperandNone},

	OpRet:        {"RET", OperandNone},
	OpThrow:      {"THROW", OperandNone},
	OpEndFinally: {"ENDFINALLY", OperandNone},
	OpCheckRun:   {"CHECKRUN", OperandNone},

	OpLdLoc: {"LDLOC", OperandLocal},
	OpStLoc: {"STLOC", OperandLocal},

	OpLdcI4: {"LDC.I4", OperandInteger},
	OpLdArg: {"LDARG", OperandInteger},
	OpStArg: {"STARG", OperandInteger},
	OpLdGlb: {"LDGLB", OperandInteger},
	OpStGlb: {"STGLB", OperandInteger},

	OpLdcR8: {"LDC.R8", OperandDouble},
	OpLdcR4: {"LDC.R4", OperandFloat},
	OpLdStr: {"LDSTR", OperandString},

	OpConv:  {"CONV", OperandType},
	OpLdDef: {"LDDEF", OperandType},

	OpLdFld: {"LDFLD", OperandField},
	OpStFld: {"STFLD", OperandField},

	OpBr:       {"BR", OperandLabel},
	OpBrTrue:   {"BRTRUE", OperandLabel},
	OpBrFalse:  {"BRFALSE", OperandLabel},
	OpLeave:    {"LEAVE", OperandLabel},
	OpTry:      {"TRY", OperandLabel},
	OpTryCatch: {"TRYCATCH", OperandLabel},

	OpCall:    {"CALL", OperandMethodInt},
	OpCallExt: {"CALLEXT", OperandMethodExt},
	OpNewObj:  {"NEWOBJ", OperandCtor},
}

// LookupOpcode returns metadata for an opcode and whether it is known.
func LookupOpcode(op Opcode) (OpcodeInfo, bool) {
	info, ok := opcodeInfoTable[op]
	return info, ok
}

// String returns the opcode mnemonic.
func (op Opcode) String() string {
	if info, ok := opcodeInfoTable[op]; ok {
		return info.Name
	}
	return fmt.Sprintf("OP_%04X", uint16(op))
}

// IsBranch reports whether the opcode transfers control to its label operand.
func (op Opcode) IsBranch() bool {
	switch op {
	case OpBr, OpBrTrue, OpBrFalse, OpLeave:
		return true
	}
	return false
}
