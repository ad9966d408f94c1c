package compiler

import "fmt"

// Position represents a source location.
type Position struct {
	Offset int // byte offset
	Line   int // 1-based line number
	Column int // 1-based column number
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.Line, p.Column)
}

// Node is the interface implemented by all AST nodes.
type Node interface {
	Pos() Position
}

// Expr is an expression node.
type Expr interface {
	Node
	expr()
}

// Stmt is a statement node.
type Stmt interface {
	Node
	stmt()
}

// ---------------------------------------------------------------------------
// Top level
// ---------------------------------------------------------------------------

// Script is a parsed source file: globals and functions, then states. The
// first state is always "default".
type Script struct {
	Globals []*VarDecl
	Funcs   []*FuncDecl
	States  []*StateDecl
}

// Param is a typed parameter.
type Param struct {
	At   Position
	Type string // source type name: integer, float, string, key, vector, list
	Name string
}

// VarDecl declares a global or local variable.
type VarDecl struct {
	At   Position
	Type string
	Name string
	Init Expr // nil for the type's default value
}

// FuncDecl is a user-defined function.
type FuncDecl struct {
	At     Position
	Result string // "" for no result
	Name   string
	Params []*Param
	Body   *Block
}

// StateDecl is a state and its event handlers.
type StateDecl struct {
	At       Position
	Name     string
	Handlers []*HandlerDecl
}

// HandlerDecl is an event handler inside a state.
type HandlerDecl struct {
	At     Position
	Event  string
	Params []*Param
	Body   *Block
}

func (n *Param) Pos() Position       { return n.At }
func (n *VarDecl) Pos() Position     { return n.At }
func (n *FuncDecl) Pos() Position    { return n.At }
func (n *StateDecl) Pos() Position   { return n.At }
func (n *HandlerDecl) Pos() Position { return n.At }

// ---------------------------------------------------------------------------
// Statements
// ---------------------------------------------------------------------------

// Block is a braced statement list with its own scope.
type Block struct {
	At    Position
	Stmts []Stmt
}

// DeclStmt declares a local variable.
type DeclStmt struct {
	Var *VarDecl
}

// ExprStmt evaluates an expression for its side effects.
type ExprStmt struct {
	X Expr
}

// IfStmt is if/else.
type IfStmt struct {
	At   Position
	Cond Expr
	Then Stmt
	Else Stmt // nil if absent
}

// WhileStmt is a while loop.
type WhileStmt struct {
	At   Position
	Cond Expr
	Body Stmt
}

// DoWhileStmt is a do/while loop.
type DoWhileStmt struct {
	At   Position
	Body Stmt
	Cond Expr
}

// ForStmt is a for loop. Init and Post are comma-separated expression lists.
type ForStmt struct {
	At   Position
	Init []Expr
	Cond Expr // nil means always true
	Post []Expr
	Body Stmt
}

// ReturnStmt returns from a function or handler.
type ReturnStmt struct {
	At    Position
	Value Expr // nil for a bare return
}

// JumpStmt transfers control to a label in the same function.
type JumpStmt struct {
	At    Position
	Label string
}

// LabelStmt is a jump target, written @name.
type LabelStmt struct {
	At   Position
	Name string
}

// StateStmt switches the script to another state.
type StateStmt struct {
	At   Position
	Name string
}

// TryStmt is try/catch/finally. At least one of Catch and Finally is set.
type TryStmt struct {
	At       Position
	Body     *Block
	CatchVar string
	Catch    *Block
	Finally  *Block
}

// ThrowStmt raises a script exception.
type ThrowStmt struct {
	At    Position
	Value Expr
}

// EmptyStmt is a lone semicolon.
type EmptyStmt struct {
	At Position
}

func (n *Block) Pos() Position       { return n.At }
func (n *DeclStmt) Pos() Position    { return n.Var.At }
func (n *ExprStmt) Pos() Position    { return n.X.Pos() }
func (n *IfStmt) Pos() Position      { return n.At }
func (n *WhileStmt) Pos() Position   { return n.At }
func (n *DoWhileStmt) Pos() Position { return n.At }
func (n *ForStmt) Pos() Position     { return n.At }
func (n *ReturnStmt) Pos() Position  { return n.At }
func (n *JumpStmt) Pos() Position    { return n.At }
func (n *LabelStmt) Pos() Position   { return n.At }
func (n *StateStmt) Pos() Position   { return n.At }
func (n *TryStmt) Pos() Position     { return n.At }
func (n *ThrowStmt) Pos() Position   { return n.At }
func (n *EmptyStmt) Pos() Position   { return n.At }

func (*Block) stmt()       {}
func (*DeclStmt) stmt()    {}
func (*ExprStmt) stmt()    {}
func (*IfStmt) stmt()      {}
func (*WhileStmt) stmt()   {}
func (*DoWhileStmt) stmt() {}
func (*ForStmt) stmt()     {}
func (*ReturnStmt) stmt()  {}
func (*JumpStmt) stmt()    {}
func (*LabelStmt) stmt()   {}
func (*StateStmt) stmt()   {}
func (*TryStmt) stmt()     {}
func (*ThrowStmt) stmt()   {}
func (*EmptyStmt) stmt()   {}

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

// IntLit is an integer literal.
type IntLit struct {
	At    Position
	Value int32
}

// FloatLit is a float literal.
type FloatLit struct {
	At    Position
	Value float64
}

// StringLit is a string literal.
type StringLit struct {
	At    Position
	Value string
}

// VectorLit is <x, y, z>.
type VectorLit struct {
	At      Position
	X, Y, Z Expr
}

// ListLit is [a, b, ...].
type ListLit struct {
	At    Position
	Elems []Expr
}

// Ident names a variable or predefined constant.
type Ident struct {
	At   Position
	Name string
}

// CallExpr calls a user function or a library function.
type CallExpr struct {
	At   Position
	Name string
	Args []Expr
}

// UnaryExpr is -x, !x or ~x.
type UnaryExpr struct {
	At Position
	Op TokenType
	X  Expr
}

// BinaryExpr is x op y.
type BinaryExpr struct {
	At   Position
	Op   TokenType
	X, Y Expr
}

// AssignExpr is target op= value. Op is TokenAssign for plain assignment.
type AssignExpr struct {
	At     Position
	Op     TokenType
	Target Expr // *Ident or *MemberExpr
	Value  Expr
}

// IncDecExpr is ++x, x++, --x or x--.
type IncDecExpr struct {
	At     Position
	Op     TokenType // TokenInc or TokenDec
	Prefix bool
	Target Expr
}

// CastExpr is (type)x.
type CastExpr struct {
	At   Position
	Type string
	X    Expr
}

// MemberExpr selects a vector component: v.x.
type MemberExpr struct {
	At   Position
	X    Expr
	Name string
}

func (n *IntLit) Pos() Position     { return n.At }
func (n *FloatLit) Pos() Position   { return n.At }
func (n *StringLit) Pos() Position  { return n.At }
func (n *VectorLit) Pos() Position  { return n.At }
func (n *ListLit) Pos() Position    { return n.At }
func (n *Ident) Pos() Position      { return n.At }
func (n *CallExpr) Pos() Position   { return n.At }
func (n *UnaryExpr) Pos() Position  { return n.At }
func (n *BinaryExpr) Pos() Position { return n.At }
func (n *AssignExpr) Pos() Position { return n.At }
func (n *IncDecExpr) Pos() Position { return n.At }
func (n *CastExpr) Pos() Position   { return n.At }
func (n *MemberExpr) Pos() Position { return n.At }

func (*IntLit) expr()     {}
func (*FloatLit) expr()   {}
func (*StringLit) expr()  {}
func (*VectorLit) expr()  {}
func (*ListLit) expr()    {}
func (*Ident) expr()      {}
func (*CallExpr) expr()   {}
func (*UnaryExpr) expr()  {}
func (*BinaryExpr) expr() {}
func (*AssignExpr) expr() {}
func (*IncDecExpr) expr() {}
func (*CastExpr) expr()   {}
func (*MemberExpr) expr() {}
