package compiler

import (
	"fmt"
	"strconv"
)

// ---------------------------------------------------------------------------
// Parser: recursive descent parser for script source
// ---------------------------------------------------------------------------

// maxErrors caps the diagnostics collected from one source file.
const maxErrors = 25

// Parser parses script source code into an AST. Statement-level errors are
// recovered at the next ';' or '}' so one pass reports several of them.
type Parser struct {
	toks   []Token
	pos    int
	errors []*SyntaxError
}

// bailout unwinds the parser to the nearest recovery point.
type bailout struct{}

// NewParser creates a new parser for the given input.
func NewParser(input string) *Parser {
	return &Parser{toks: NewLexer(input).Tokens()}
}

// Parse parses source into a Script. Every syntax error is reported to
// sink; the first one is returned.
func Parse(source string, sink ErrorSink) (*Script, error) {
	p := NewParser(source)
	script := p.ParseScript()
	sink = sinkOrDiscard(sink)
	for _, e := range p.errors {
		sink.Report(e)
	}
	if len(p.errors) > 0 {
		return nil, p.errors[0]
	}
	return script, nil
}

// Errors returns accumulated parse errors.
func (p *Parser) Errors() []*SyntaxError {
	return p.errors
}

func (p *Parser) cur() Token { return p.peek(0) }

func (p *Parser) peek(n int) Token {
	if p.pos+n >= len(p.toks) {
		return p.toks[len(p.toks)-1]
	}
	return p.toks[p.pos+n]
}

func (p *Parser) nextToken() Token {
	tok := p.cur()
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
	return tok
}

func (p *Parser) curTokenIs(t TokenType) bool {
	return p.cur().Type == t
}

// expect consumes a token of type t or bails out.
func (p *Parser) expect(t TokenType) Token {
	if !p.curTokenIs(t) {
		p.errorf("expected %s, got %s", t, p.describe(p.cur()))
	}
	return p.nextToken()
}

func (p *Parser) describe(tok Token) string {
	switch tok.Type {
	case TokenEOF:
		return "end of file"
	case TokenError:
		return tok.Literal
	case TokenIdentifier, TokenInteger, TokenFloat:
		return fmt.Sprintf("%s %s", tok.Type, tok.Literal)
	case TokenString:
		return fmt.Sprintf("string %q", tok.Literal)
	}
	return fmt.Sprintf("%q", tok.Literal)
}

// errorf records a parse error at the current token and bails out.
func (p *Parser) errorf(format string, args ...interface{}) {
	p.errorAt(p.cur().Pos, format, args...)
}

func (p *Parser) errorAt(pos Position, format string, args ...interface{}) {
	p.errors = append(p.errors, &SyntaxError{Pos: pos, Msg: fmt.Sprintf(format, args...)})
	panic(bailout{})
}

// guard runs f and, if it bails out, skips to a plausible restart point.
// It reports whether f completed.
func (p *Parser) guard(f func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			if _, isBail := r.(bailout); !isBail {
				panic(r)
			}
			if len(p.errors) >= maxErrors {
				panic(r)
			}
			p.synchronize()
			ok = false
		}
	}()
	f()
	return true
}

// synchronize skips past the next ';', or up to the next '}'.
func (p *Parser) synchronize() {
	for {
		switch p.cur().Type {
		case TokenEOF, TokenRBrace:
			return
		case TokenSemi:
			p.nextToken()
			return
		}
		p.nextToken()
	}
}

// ---------------------------------------------------------------------------
// Top-level parsing
// ---------------------------------------------------------------------------

// ParseScript parses a whole source file.
func (p *Parser) ParseScript() *Script {
	script := &Script{}
	defer func() {
		if r := recover(); r != nil {
			if _, isBail := r.(bailout); !isBail {
				panic(r)
			}
		}
	}()

	for !p.curTokenIs(TokenDefault) && !p.curTokenIs(TokenState) {
		if p.curTokenIs(TokenEOF) {
			p.errorf("script has no default state")
		}
		p.parseGlobalOrFunc(script)
	}

	if !p.curTokenIs(TokenDefault) {
		p.errorf("default state must come before state %s", p.peek(1).Literal)
	}
	for !p.curTokenIs(TokenEOF) {
		script.States = append(script.States, p.parseState())
	}
	return script
}

func (p *Parser) parseGlobalOrFunc(script *Script) {
	start := p.cur().Pos
	typ := ""
	if p.curTokenIs(TokenTypeName) {
		typ = p.nextToken().Literal
	}
	name := p.expect(TokenIdentifier).Literal

	if p.curTokenIs(TokenLParen) {
		fn := &FuncDecl{At: start, Result: typ, Name: name}
		fn.Params = p.parseParams()
		fn.Body = p.parseBlock()
		script.Funcs = append(script.Funcs, fn)
		return
	}
	if typ == "" {
		p.errorAt(start, "expected declaration, got %s", name)
	}
	v := &VarDecl{At: start, Type: typ, Name: name}
	if p.curTokenIs(TokenAssign) {
		p.nextToken()
		v.Init = p.parseExpr()
	}
	p.expect(TokenSemi)
	script.Globals = append(script.Globals, v)
}

func (p *Parser) parseParams() []*Param {
	p.expect(TokenLParen)
	var params []*Param
	for !p.curTokenIs(TokenRParen) {
		if len(params) > 0 {
			p.expect(TokenComma)
		}
		at := p.cur().Pos
		typ := p.expect(TokenTypeName).Literal
		name := p.expect(TokenIdentifier).Literal
		params = append(params, &Param{At: at, Type: typ, Name: name})
	}
	p.nextToken()
	return params
}

func (p *Parser) parseState() *StateDecl {
	st := &StateDecl{At: p.cur().Pos}
	if p.curTokenIs(TokenDefault) {
		p.nextToken()
		st.Name = "default"
	} else {
		p.expect(TokenState)
		st.Name = p.expect(TokenIdentifier).Literal
	}
	p.expect(TokenLBrace)
	for !p.curTokenIs(TokenRBrace) {
		at := p.cur().Pos
		event := p.expect(TokenIdentifier).Literal
		h := &HandlerDecl{At: at, Event: event}
		h.Params = p.parseParams()
		h.Body = p.parseBlock()
		st.Handlers = append(st.Handlers, h)
	}
	p.nextToken()
	return st
}

// ---------------------------------------------------------------------------
// Statements
// ---------------------------------------------------------------------------

func (p *Parser) parseBlock() *Block {
	b := &Block{At: p.expect(TokenLBrace).Pos}
	for !p.curTokenIs(TokenRBrace) {
		if p.curTokenIs(TokenEOF) {
			p.errorf("unterminated block")
		}
		var s Stmt
		if p.guard(func() { s = p.parseStatement() }) {
			b.Stmts = append(b.Stmts, s)
		}
	}
	p.nextToken()
	return b
}

func (p *Parser) parseStatement() Stmt {
	tok := p.cur()
	switch tok.Type {
	case TokenSemi:
		p.nextToken()
		return &EmptyStmt{At: tok.Pos}
	case TokenLBrace:
		return p.parseBlock()
	case TokenTypeName:
		p.nextToken()
		v := &VarDecl{At: tok.Pos, Type: tok.Literal, Name: p.expect(TokenIdentifier).Literal}
		if p.curTokenIs(TokenAssign) {
			p.nextToken()
			v.Init = p.parseExpr()
		}
		p.expect(TokenSemi)
		return &DeclStmt{Var: v}
	case TokenIf:
		p.nextToken()
		s := &IfStmt{At: tok.Pos, Cond: p.parseCond()}
		s.Then = p.parseStatement()
		if p.curTokenIs(TokenElse) {
			p.nextToken()
			s.Else = p.parseStatement()
		}
		return s
	case TokenWhile:
		p.nextToken()
		s := &WhileStmt{At: tok.Pos, Cond: p.parseCond()}
		s.Body = p.parseStatement()
		return s
	case TokenDo:
		p.nextToken()
		s := &DoWhileStmt{At: tok.Pos, Body: p.parseStatement()}
		p.expect(TokenWhile)
		s.Cond = p.parseCond()
		p.expect(TokenSemi)
		return s
	case TokenFor:
		return p.parseFor()
	case TokenReturn:
		p.nextToken()
		s := &ReturnStmt{At: tok.Pos}
		if !p.curTokenIs(TokenSemi) {
			s.Value = p.parseExpr()
		}
		p.expect(TokenSemi)
		return s
	case TokenJump:
		p.nextToken()
		s := &JumpStmt{At: tok.Pos, Label: p.expect(TokenIdentifier).Literal}
		p.expect(TokenSemi)
		return s
	case TokenAt:
		p.nextToken()
		s := &LabelStmt{At: tok.Pos, Name: p.expect(TokenIdentifier).Literal}
		p.expect(TokenSemi)
		return s
	case TokenState:
		p.nextToken()
		s := &StateStmt{At: tok.Pos}
		if p.curTokenIs(TokenDefault) {
			p.nextToken()
			s.Name = "default"
		} else {
			s.Name = p.expect(TokenIdentifier).Literal
		}
		p.expect(TokenSemi)
		return s
	case TokenTry:
		return p.parseTry()
	case TokenThrow:
		p.nextToken()
		s := &ThrowStmt{At: tok.Pos, Value: p.parseExpr()}
		p.expect(TokenSemi)
		return s
	}
	s := &ExprStmt{X: p.parseExpr()}
	p.expect(TokenSemi)
	return s
}

func (p *Parser) parseCond() Expr {
	p.expect(TokenLParen)
	e := p.parseExpr()
	p.expect(TokenRParen)
	return e
}

func (p *Parser) parseFor() Stmt {
	s := &ForStmt{At: p.nextToken().Pos}
	p.expect(TokenLParen)
	s.Init = p.parseExprList(TokenSemi)
	p.expect(TokenSemi)
	if !p.curTokenIs(TokenSemi) {
		s.Cond = p.parseExpr()
	}
	p.expect(TokenSemi)
	s.Post = p.parseExprList(TokenRParen)
	p.expect(TokenRParen)
	s.Body = p.parseStatement()
	return s
}

func (p *Parser) parseExprList(end TokenType) []Expr {
	var list []Expr
	for !p.curTokenIs(end) {
		if len(list) > 0 {
			p.expect(TokenComma)
		}
		list = append(list, p.parseExpr())
	}
	return list
}

func (p *Parser) parseTry() Stmt {
	s := &TryStmt{At: p.nextToken().Pos}
	s.Body = p.parseBlock()
	if p.curTokenIs(TokenCatch) {
		p.nextToken()
		p.expect(TokenLParen)
		if p.curTokenIs(TokenTypeName) {
			if typ := p.nextToken(); typ.Literal != "string" {
				p.errorAt(typ.Pos, "catch variable must be a string, not %s", typ.Literal)
			}
		}
		s.CatchVar = p.expect(TokenIdentifier).Literal
		p.expect(TokenRParen)
		s.Catch = p.parseBlock()
	}
	if p.curTokenIs(TokenFinally) {
		p.nextToken()
		s.Finally = p.parseBlock()
	}
	if s.Catch == nil && s.Finally == nil {
		p.errorAt(s.At, "try without catch or finally")
	}
	return s
}

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

// Binary operator precedence, loosest first.
const (
	precLowest = iota
	precOrOr
	precAndAnd
	precBitOr
	precBitXor
	precBitAnd
	precEquality
	precRelational
	precShift
	precAdditive
	precMultiplicative
)

var binaryPrec = map[TokenType]int{
	TokenOrOr:    precOrOr,
	TokenAndAnd:  precAndAnd,
	TokenPipe:    precBitOr,
	TokenCaret:   precBitXor,
	TokenAmp:     precBitAnd,
	TokenEq:      precEquality,
	TokenNe:      precEquality,
	TokenLt:      precRelational,
	TokenGt:      precRelational,
	TokenLe:      precRelational,
	TokenGe:      precRelational,
	TokenShl:     precShift,
	TokenShr:     precShift,
	TokenPlus:    precAdditive,
	TokenMinus:   precAdditive,
	TokenStar:    precMultiplicative,
	TokenSlash:   precMultiplicative,
	TokenPercent: precMultiplicative,
}

var assignOps = map[TokenType]bool{
	TokenAssign:    true,
	TokenAddAssign: true,
	TokenSubAssign: true,
	TokenMulAssign: true,
	TokenDivAssign: true,
	TokenModAssign: true,
}

// ParseExpression parses a single expression.
func (p *Parser) ParseExpression() (e Expr) {
	p.guard(func() { e = p.parseExpr() })
	return e
}

func (p *Parser) parseExpr() Expr {
	lhs := p.parseBinary(precOrOr)
	if op := p.cur(); assignOps[op.Type] {
		switch lhs.(type) {
		case *Ident, *MemberExpr:
		default:
			p.errorAt(op.Pos, "cannot assign to this expression")
		}
		p.nextToken()
		return &AssignExpr{At: op.Pos, Op: op.Type, Target: lhs, Value: p.parseExpr()}
	}
	return lhs
}

// parseBinary parses operators binding at least as tightly as min.
func (p *Parser) parseBinary(min int) Expr {
	x := p.parseUnary()
	for {
		op := p.cur()
		prec, ok := binaryPrec[op.Type]
		if !ok || prec < min {
			return x
		}
		p.nextToken()
		y := p.parseBinary(prec + 1)
		x = &BinaryExpr{At: op.Pos, Op: op.Type, X: x, Y: y}
	}
}

func (p *Parser) parseUnary() Expr {
	tok := p.cur()
	switch tok.Type {
	case TokenMinus, TokenBang, TokenTilde:
		p.nextToken()
		return &UnaryExpr{At: tok.Pos, Op: tok.Type, X: p.parseUnary()}
	case TokenInc, TokenDec:
		p.nextToken()
		return &IncDecExpr{At: tok.Pos, Op: tok.Type, Prefix: true, Target: p.parseLValue()}
	case TokenLParen:
		if p.peek(1).Type == TokenTypeName && p.peek(2).Type == TokenRParen {
			p.nextToken()
			typ := p.nextToken().Literal
			p.nextToken()
			return &CastExpr{At: tok.Pos, Type: typ, X: p.parseUnary()}
		}
	}
	return p.parsePostfix()
}

func (p *Parser) parseLValue() Expr {
	x := p.parsePostfix()
	switch x.(type) {
	case *Ident, *MemberExpr:
		return x
	}
	p.errorAt(x.Pos(), "operand must be a variable")
	return nil
}

func (p *Parser) parsePostfix() Expr {
	x := p.parsePrimary()
	for {
		tok := p.cur()
		switch tok.Type {
		case TokenDot:
			p.nextToken()
			name := p.expect(TokenIdentifier)
			x = &MemberExpr{At: tok.Pos, X: x, Name: name.Literal}
		case TokenInc, TokenDec:
			switch x.(type) {
			case *Ident, *MemberExpr:
			default:
				p.errorAt(tok.Pos, "operand of %s must be a variable", tok.Literal)
			}
			p.nextToken()
			x = &IncDecExpr{At: tok.Pos, Op: tok.Type, Target: x}
		default:
			return x
		}
	}
}

func (p *Parser) parsePrimary() Expr {
	tok := p.cur()
	switch tok.Type {
	case TokenInteger:
		p.nextToken()
		v, err := strconv.ParseInt(tok.Literal, 0, 64)
		if err != nil || v > 0xFFFFFFFF {
			p.errorAt(tok.Pos, "integer literal %s out of range", tok.Literal)
		}
		return &IntLit{At: tok.Pos, Value: int32(uint32(v))}
	case TokenFloat:
		p.nextToken()
		v, err := strconv.ParseFloat(tok.Literal, 64)
		if err != nil {
			p.errorAt(tok.Pos, "malformed float literal %s", tok.Literal)
		}
		return &FloatLit{At: tok.Pos, Value: v}
	case TokenString:
		p.nextToken()
		return &StringLit{At: tok.Pos, Value: tok.Literal}
	case TokenIdentifier:
		p.nextToken()
		if p.curTokenIs(TokenLParen) {
			p.nextToken()
			call := &CallExpr{At: tok.Pos, Name: tok.Literal, Args: p.parseExprList(TokenRParen)}
			p.expect(TokenRParen)
			return call
		}
		return &Ident{At: tok.Pos, Name: tok.Literal}
	case TokenLParen:
		p.nextToken()
		e := p.parseExpr()
		p.expect(TokenRParen)
		return e
	case TokenLt:
		p.nextToken()
		v := &VectorLit{At: tok.Pos}
		v.X = p.parseBinary(precShift)
		p.expect(TokenComma)
		v.Y = p.parseBinary(precShift)
		p.expect(TokenComma)
		v.Z = p.parseBinary(precShift)
		p.expect(TokenGt)
		return v
	case TokenLBracket:
		p.nextToken()
		l := &ListLit{At: tok.Pos, Elems: p.parseExprList(TokenRBracket)}
		p.expect(TokenRBracket)
		return l
	case TokenError:
		p.errorf("%s", tok.Literal)
	}
	p.errorf("unexpected %s", p.describe(tok))
	return nil
}
