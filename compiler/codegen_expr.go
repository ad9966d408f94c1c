package compiler

import (
	"github.com/chazu/xmr/pkg/bytecode"
	"github.com/chazu/xmr/vm"
)

// ---------------------------------------------------------------------------
// Types
// ---------------------------------------------------------------------------

// typeTag maps a source type name to its type tag. Keys are strings at run
// time.
func typeTag(src string) string {
	switch src {
	case "":
		return vm.TagVoid
	case "integer":
		return vm.TagInt
	case "float":
		return vm.TagFloat
	case "string", "key":
		return vm.TagString
	case "vector":
		return vm.TagVector
	case "list":
		return vm.TagList
	}
	return src
}

func isNumeric(tag string) bool {
	return tag == vm.TagInt || tag == vm.TagFloat
}

var (
	vectorCtor = bytecode.CtorRef{Owner: vm.TagVector, Params: []string{vm.TagFloat, vm.TagFloat, vm.TagFloat}}
	listCtor   = bytecode.CtorRef{Owner: vm.TagList}
	listAppend = bytecode.ExtRef{Name: "Append", Owner: vm.TagList, Params: []string{vm.TagList, vm.TagObject}}
)

// convert emits whatever is needed to use a from value as a to value.
func (g *Generator) convert(pos Position, from, to string) {
	switch {
	case from == to, to == vm.TagObject:
	case from == vm.TagInt && to == vm.TagFloat:
		g.rt.mw.EmitType(bytecode.OpConv, vm.TagFloat)
	case from == vm.TagVoid:
		g.errorf(pos, "expression has no value")
	default:
		g.errorf(pos, "cannot use %s as %s", from, to)
	}
}

// castable reports whether an explicit (type) cast from one tag to another
// is allowed.
func castable(from, to string) bool {
	if from == to {
		return true
	}
	switch to {
	case vm.TagInt, vm.TagFloat:
		return isNumeric(from) || from == vm.TagString
	case vm.TagString, vm.TagList:
		return from != vm.TagVoid
	case vm.TagVector:
		return from == vm.TagString
	}
	return false
}

// ---------------------------------------------------------------------------
// Expression entry points
// ---------------------------------------------------------------------------

// compileConverted compiles e and converts its value to tag.
func (g *Generator) compileConverted(e Expr, tag string) {
	g.convert(e.Pos(), g.compileExpr(e), tag)
}

// compileEffect compiles e for its side effects, leaving nothing on the
// stack.
func (g *Generator) compileEffect(e Expr) {
	var tag string
	switch x := e.(type) {
	case *AssignExpr:
		g.compileAssign(x, false)
		return
	case *IncDecExpr:
		g.compileIncDec(x, false)
		return
	default:
		tag = g.compileExpr(e)
	}
	if tag != vm.TagVoid {
		g.rt.mw.Emit(bytecode.OpPop)
	}
}

// compileCond compiles a branch condition. Any value type may be tested.
func (g *Generator) compileCond(e Expr) {
	if g.compileExpr(e) == vm.TagVoid {
		g.errorf(e.Pos(), "condition has no value")
	}
}

// compileExpr compiles e, leaving its value on the stack, and returns its
// type tag.
func (g *Generator) compileExpr(e Expr) string {
	mw := g.rt.mw
	switch x := e.(type) {
	case *IntLit:
		mw.EmitInteger(bytecode.OpLdcI4, x.Value)
		return vm.TagInt
	case *FloatLit:
		mw.EmitDouble(bytecode.OpLdcR8, x.Value)
		return vm.TagFloat
	case *StringLit:
		mw.EmitString(bytecode.OpLdStr, x.Value)
		return vm.TagString
	case *VectorLit:
		g.compileConverted(x.X, vm.TagFloat)
		g.compileConverted(x.Y, vm.TagFloat)
		g.compileConverted(x.Z, vm.TagFloat)
		mw.EmitCtor(bytecode.OpNewObj, vectorCtor)
		return vm.TagVector
	case *ListLit:
		mw.EmitCtor(bytecode.OpNewObj, listCtor)
		for _, el := range x.Elems {
			tag := g.compileExpr(el)
			switch tag {
			case vm.TagList:
				g.errorf(el.Pos(), "lists cannot contain lists")
			case vm.TagVoid:
				g.errorf(el.Pos(), "list element has no value")
			}
			mw.EmitExtern(bytecode.OpCallExt, listAppend)
			mw.Emit(bytecode.OpCheckRun)
		}
		return vm.TagList
	case *Ident:
		return g.compileLoad(x)
	case *CallExpr:
		return g.compileCall(x)
	case *UnaryExpr:
		return g.compileUnary(x)
	case *BinaryExpr:
		return g.compileBinary(x)
	case *AssignExpr:
		return g.compileAssign(x, true)
	case *IncDecExpr:
		return g.compileIncDec(x, true)
	case *CastExpr:
		to := typeTag(x.Type)
		from := g.compileExpr(x.X)
		if !castable(from, to) {
			g.errorf(x.At, "cannot cast %s to %s", from, to)
		}
		if from != to {
			mw.EmitType(bytecode.OpConv, to)
		}
		return to
	case *MemberExpr:
		if tag := g.compileExpr(x.X); tag != vm.TagVector {
			g.errorf(x.At, "%s has no member %s", tag, x.Name)
		}
		g.checkMember(x)
		mw.EmitField(bytecode.OpLdFld, vm.TagVector, x.Name)
		return vm.TagFloat
	}
	g.errorf(e.Pos(), "unsupported expression %T", e)
	return ""
}

func (g *Generator) checkMember(x *MemberExpr) {
	switch x.Name {
	case "x", "y", "z":
	default:
		g.errorf(x.At, "vector has no member %s", x.Name)
	}
}

// ---------------------------------------------------------------------------
// Variables
// ---------------------------------------------------------------------------

func (g *Generator) compileLoad(id *Ident) string {
	mw := g.rt.mw
	v, gs := g.lookupVar(id.Name)
	switch {
	case v != nil && v.local != nil:
		mw.EmitLocal(bytecode.OpLdLoc, v.local)
		return v.tag
	case v != nil:
		mw.EmitInteger(bytecode.OpLdArg, v.arg)
		return v.tag
	case gs != nil:
		mw.EmitInteger(bytecode.OpLdGlb, gs.index)
		return gs.tag
	}
	if c, ok := builtinConstants[id.Name]; ok {
		return g.compileExpr(c)
	}
	g.errorf(id.At, "undefined name %s", id.Name)
	return ""
}

// varTag returns the type of a named variable, failing if it is not one.
func (g *Generator) varTag(id *Ident) string {
	v, gs := g.lookupVar(id.Name)
	switch {
	case v != nil:
		return v.tag
	case gs != nil:
		return gs.tag
	}
	if _, ok := builtinConstants[id.Name]; ok {
		g.errorf(id.At, "cannot assign to constant %s", id.Name)
	}
	g.errorf(id.At, "undefined name %s", id.Name)
	return ""
}

func (g *Generator) compileStore(id *Ident) {
	mw := g.rt.mw
	v, gs := g.lookupVar(id.Name)
	switch {
	case v != nil && v.local != nil:
		mw.EmitLocal(bytecode.OpStLoc, v.local)
	case v != nil:
		mw.EmitInteger(bytecode.OpStArg, v.arg)
	case gs != nil:
		mw.EmitInteger(bytecode.OpStGlb, gs.index)
	}
}

// assignTarget resolves the variable an assignment writes. For v.x the
// variable is v and member is x.
func (g *Generator) assignTarget(target Expr) (id *Ident, member *MemberExpr, tag string) {
	switch t := target.(type) {
	case *Ident:
		return t, nil, g.varTag(t)
	case *MemberExpr:
		id, ok := t.X.(*Ident)
		if !ok {
			g.errorf(t.At, "cannot assign to a member of this expression")
		}
		if vt := g.varTag(id); vt != vm.TagVector {
			g.errorf(t.At, "%s has no member %s", vt, t.Name)
		}
		g.checkMember(t)
		return id, t, vm.TagFloat
	}
	g.errorf(target.Pos(), "cannot assign to this expression")
	return nil, nil, ""
}

var compoundOps = map[TokenType]TokenType{
	TokenAddAssign: TokenPlus,
	TokenSubAssign: TokenMinus,
	TokenMulAssign: TokenStar,
	TokenDivAssign: TokenSlash,
	TokenModAssign: TokenPercent,
}

// compileAssign stores into a variable or vector member. With want the
// assigned value is left on the stack.
func (g *Generator) compileAssign(a *AssignExpr, want bool) string {
	mw := g.rt.mw
	id, member, tag := g.assignTarget(a.Target)

	if member != nil {
		g.compileLoad(id)
	}
	if a.Op == TokenAssign {
		g.compileConverted(a.Value, tag)
	} else {
		if member != nil {
			g.compileLoad(id)
			mw.EmitField(bytecode.OpLdFld, vm.TagVector, member.Name)
		} else {
			g.compileLoad(id)
		}
		vt := g.compileExpr(a.Value)
		rt := g.emitBinary(a.At, compoundOps[a.Op], tag, vt)
		g.convert(a.At, rt, tag)
	}

	if member != nil {
		mw.EmitField(bytecode.OpStFld, vm.TagVector, member.Name)
		g.compileStore(id)
		if want {
			g.compileLoad(id)
			mw.EmitField(bytecode.OpLdFld, vm.TagVector, member.Name)
		}
		return tag
	}
	if want {
		mw.Emit(bytecode.OpDup)
	}
	g.compileStore(id)
	if !want {
		return vm.TagVoid
	}
	return tag
}

// compileIncDec lowers ++ and --. A postfix form used for its value leaves
// the old value on the stack.
func (g *Generator) compileIncDec(x *IncDecExpr, want bool) string {
	mw := g.rt.mw
	id, member, tag := g.assignTarget(x.Target)
	if !isNumeric(tag) {
		g.errorf(x.At, "%s needs an integer or float operand", x.Op)
	}
	op := bytecode.OpAdd
	if x.Op == TokenDec {
		op = bytecode.OpSub
	}
	one := func() {
		if tag == vm.TagInt {
			mw.EmitInteger(bytecode.OpLdcI4, 1)
		} else {
			mw.EmitDouble(bytecode.OpLdcR8, 1)
		}
	}

	if member != nil {
		g.compileLoad(id)
		g.compileLoad(id)
		mw.EmitField(bytecode.OpLdFld, vm.TagVector, member.Name)
		one()
		mw.Emit(op)
		mw.EmitField(bytecode.OpStFld, vm.TagVector, member.Name)
		g.compileStore(id)
		if want {
			g.compileLoad(id)
			mw.EmitField(bytecode.OpLdFld, vm.TagVector, member.Name)
			if !x.Prefix {
				one()
				if op == bytecode.OpAdd {
					mw.Emit(bytecode.OpSub)
				} else {
					mw.Emit(bytecode.OpAdd)
				}
			}
			return tag
		}
		return vm.TagVoid
	}

	g.compileLoad(id)
	if want && !x.Prefix {
		mw.Emit(bytecode.OpDup)
	}
	one()
	mw.Emit(op)
	if want && x.Prefix {
		mw.Emit(bytecode.OpDup)
	}
	g.compileStore(id)
	if !want {
		return vm.TagVoid
	}
	return tag
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

func (g *Generator) compileCall(c *CallExpr) string {
	mw := g.rt.mw
	if fn, ok := g.funcs[c.Name]; ok {
		g.compileArgs(c, fn.params)
		mw.EmitCall(bytecode.OpCall, fn.mw)
		mw.Emit(bytecode.OpCheckRun)
		return fn.result
	}
	if x, ok := g.env.ScriptFunction(c.Name); ok {
		g.compileArgs(c, x.Params)
		mw.EmitExtern(bytecode.OpCallExt, bytecode.ExtRef{Name: x.Name, Owner: x.Owner, Params: x.Params})
		mw.Emit(bytecode.OpCheckRun)
		return x.Result
	}
	g.errorf(c.At, "undefined function %s", c.Name)
	return ""
}

func (g *Generator) compileArgs(c *CallExpr, params []string) {
	if len(c.Args) != len(params) {
		g.errorf(c.At, "%s takes %d arguments, got %d", c.Name, len(params), len(c.Args))
	}
	for i, a := range c.Args {
		g.compileConverted(a, params[i])
	}
}

// ---------------------------------------------------------------------------
// Operators
// ---------------------------------------------------------------------------

func (g *Generator) compileUnary(u *UnaryExpr) string {
	mw := g.rt.mw
	tag := g.compileExpr(u.X)
	switch u.Op {
	case TokenMinus:
		if !isNumeric(tag) && tag != vm.TagVector {
			g.errorf(u.At, "cannot negate %s", tag)
		}
		mw.Emit(bytecode.OpNeg)
		return tag
	case TokenBang:
		if tag != vm.TagInt {
			g.errorf(u.At, "! needs an integer operand, got %s", tag)
		}
		mw.Emit(bytecode.OpLNot)
		return vm.TagInt
	case TokenTilde:
		if tag != vm.TagInt {
			g.errorf(u.At, "~ needs an integer operand, got %s", tag)
		}
		mw.Emit(bytecode.OpNot)
		return vm.TagInt
	}
	g.errorf(u.At, "unsupported unary operator %s", u.Op)
	return ""
}

func (g *Generator) compileBinary(b *BinaryExpr) string {
	mw := g.rt.mw
	switch b.Op {
	case TokenAndAnd, TokenOrOr:
		// !(!x | !y) and !(!x & !y); both sides are always evaluated.
		g.compileLogicalOperand(b.X)
		g.compileLogicalOperand(b.Y)
		if b.Op == TokenAndAnd {
			mw.Emit(bytecode.OpOr)
		} else {
			mw.Emit(bytecode.OpAnd)
		}
		mw.Emit(bytecode.OpLNot)
		return vm.TagInt
	}

	// A scalar times a vector is compiled as vector times scalar.
	if b.Op == TokenStar {
		if xt, yt := g.peekType(b.X), g.peekType(b.Y); isNumeric(xt) && yt == vm.TagVector {
			g.compileExpr(b.Y)
			g.compileExpr(b.X)
			return g.emitBinary(b.At, b.Op, yt, xt)
		}
	}
	xt := g.compileExpr(b.X)
	yt := g.compileExpr(b.Y)
	return g.emitBinary(b.At, b.Op, xt, yt)
}

func (g *Generator) compileLogicalOperand(e Expr) {
	if tag := g.compileExpr(e); tag != vm.TagInt {
		g.errorf(e.Pos(), "logical operator needs integer operands, got %s", tag)
	}
	g.rt.mw.Emit(bytecode.OpLNot)
}

var arithOps = map[TokenType]bytecode.Opcode{
	TokenPlus:    bytecode.OpAdd,
	TokenMinus:   bytecode.OpSub,
	TokenStar:    bytecode.OpMul,
	TokenSlash:   bytecode.OpDiv,
	TokenPercent: bytecode.OpRem,
	TokenAmp:     bytecode.OpAnd,
	TokenPipe:    bytecode.OpOr,
	TokenCaret:   bytecode.OpXor,
	TokenShl:     bytecode.OpShl,
	TokenShr:     bytecode.OpShr,
}

// emitBinary type-checks x op y, with both operands already on the stack,
// emits the operator and returns the result type.
func (g *Generator) emitBinary(pos Position, op TokenType, xt, yt string) string {
	mw := g.rt.mw
	result := binaryResult(op, xt, yt)
	if result == "" {
		g.errorf(pos, "invalid operands for %s: %s and %s", op, xt, yt)
	}
	switch op {
	case TokenEq:
		mw.Emit(bytecode.OpCeq)
	case TokenNe:
		mw.Emit(bytecode.OpCeq)
		mw.Emit(bytecode.OpLNot)
	case TokenLt:
		mw.Emit(bytecode.OpClt)
	case TokenGt:
		mw.Emit(bytecode.OpCgt)
	case TokenLe:
		mw.Emit(bytecode.OpCgt)
		mw.Emit(bytecode.OpLNot)
	case TokenGe:
		mw.Emit(bytecode.OpClt)
		mw.Emit(bytecode.OpLNot)
	default:
		mw.Emit(arithOps[op])
	}
	return result
}

// binaryResult returns the result type of x op y, or "" if the operands
// are invalid.
func binaryResult(op TokenType, xt, yt string) string {
	num := isNumeric(xt) && isNumeric(yt)
	numResult := vm.TagFloat
	if xt == vm.TagInt && yt == vm.TagInt {
		numResult = vm.TagInt
	}
	switch op {
	case TokenPlus:
		switch {
		case num:
			return numResult
		case xt == vm.TagList && yt != vm.TagVoid, yt == vm.TagList && xt != vm.TagVoid:
			return vm.TagList
		case xt == yt && (xt == vm.TagString || xt == vm.TagVector):
			return xt
		}
	case TokenMinus:
		if num {
			return numResult
		}
		if xt == vm.TagVector && yt == vm.TagVector {
			return vm.TagVector
		}
	case TokenStar:
		switch {
		case num:
			return numResult
		case xt == vm.TagVector && yt == vm.TagVector:
			return vm.TagFloat
		case xt == vm.TagVector && isNumeric(yt):
			return vm.TagVector
		}
	case TokenSlash:
		if num {
			return numResult
		}
		if xt == vm.TagVector && isNumeric(yt) {
			return vm.TagVector
		}
	case TokenPercent, TokenAmp, TokenPipe, TokenCaret, TokenShl, TokenShr:
		if xt == vm.TagInt && yt == vm.TagInt {
			return vm.TagInt
		}
	case TokenEq, TokenNe:
		if num || (xt == yt && xt != vm.TagVoid) {
			return vm.TagInt
		}
	case TokenLt, TokenGt, TokenLe, TokenGe:
		if num || (xt == vm.TagString && yt == vm.TagString) {
			return vm.TagInt
		}
	}
	return ""
}

// peekType returns the static type of e without emitting code. It returns
// "" when the type depends on something that would fail to compile.
func (g *Generator) peekType(e Expr) string {
	switch x := e.(type) {
	case *IntLit:
		return vm.TagInt
	case *FloatLit:
		return vm.TagFloat
	case *StringLit:
		return vm.TagString
	case *VectorLit:
		return vm.TagVector
	case *ListLit:
		return vm.TagList
	case *Ident:
		v, gs := g.lookupVar(x.Name)
		switch {
		case v != nil:
			return v.tag
		case gs != nil:
			return gs.tag
		}
		if c, ok := builtinConstants[x.Name]; ok {
			return g.peekType(c)
		}
	case *CallExpr:
		if fn, ok := g.funcs[x.Name]; ok {
			return fn.result
		}
		if ext, ok := g.env.ScriptFunction(x.Name); ok {
			return ext.Result
		}
	case *CastExpr:
		return typeTag(x.Type)
	case *MemberExpr:
		return vm.TagFloat
	case *UnaryExpr:
		if x.Op == TokenMinus {
			return g.peekType(x.X)
		}
		return vm.TagInt
	case *BinaryExpr:
		switch x.Op {
		case TokenAndAnd, TokenOrOr:
			return vm.TagInt
		}
		xt, yt := g.peekType(x.X), g.peekType(x.Y)
		if x.Op == TokenStar && isNumeric(xt) && yt == vm.TagVector {
			return vm.TagVector
		}
		return binaryResult(x.Op, xt, yt)
	case *AssignExpr:
		return g.peekType(x.Target)
	case *IncDecExpr:
		return g.peekType(x.Target)
	}
	return ""
}
