package compiler

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ---------------------------------------------------------------------------
// Lexer: tokenizer for script source
// ---------------------------------------------------------------------------

// Lexer tokenizes script source code.
type Lexer struct {
	input     string
	pos       int  // current position in input
	readPos   int  // reading position (after current char)
	ch        rune // current character
	line      int  // line of ch (1-based)
	lineStart int  // offset of the current line start
}

// NewLexer creates a new lexer for the given input.
func NewLexer(input string) *Lexer {
	l := &Lexer{
		input: input,
		line:  1,
	}
	l.readChar()
	return l
}

// readChar reads the next character.
func (l *Lexer) readChar() {
	if l.ch == '\n' {
		l.line++
		l.lineStart = l.readPos
	}
	if l.readPos >= len(l.input) {
		l.ch = 0
		l.pos = l.readPos
		return
	}
	r, size := utf8.DecodeRuneInString(l.input[l.readPos:])
	l.ch = r
	l.pos = l.readPos
	l.readPos += size
}

// peekChar returns the next character without consuming it.
func (l *Lexer) peekChar() rune {
	if l.readPos >= len(l.input) {
		return 0
	}
	r, _ := utf8.DecodeRuneInString(l.input[l.readPos:])
	return r
}

func (l *Lexer) position() Position {
	return Position{
		Offset: l.pos,
		Line:   l.line,
		Column: l.pos - l.lineStart + 1,
	}
}

// Tokens returns every token up to and including EOF.
func (l *Lexer) Tokens() []Token {
	var toks []Token
	for {
		tok := l.NextToken()
		toks = append(toks, tok)
		if tok.Type == TokenEOF {
			return toks
		}
	}
}

// NextToken returns the next token.
func (l *Lexer) NextToken() Token {
	if tok, ok := l.skipWhitespaceAndComments(); !ok {
		return tok
	}

	pos := l.position()

	switch {
	case l.ch == 0:
		return Token{Type: TokenEOF, Pos: pos}
	case l.ch == '"':
		return l.readString(pos)
	case isDigit(l.ch), l.ch == '.' && isDigit(l.peekChar()):
		return l.readNumber(pos)
	case isLetter(l.ch):
		return l.readIdentifierOrKeyword(pos)
	}

	if tok, ok := l.readOperator(pos); ok {
		return tok
	}
	ch := l.ch
	l.readChar()
	return Token{Type: TokenError, Literal: fmt.Sprintf("unexpected character %q", ch), Pos: pos}
}

// Operators, longest first.
var operators = []struct {
	text string
	typ  TokenType
}{
	{"+=", TokenAddAssign}, {"-=", TokenSubAssign}, {"*=", TokenMulAssign},
	{"/=", TokenDivAssign}, {"%=", TokenModAssign}, {"++", TokenInc},
	{"--", TokenDec}, {"==", TokenEq}, {"!=", TokenNe}, {"<=", TokenLe},
	{">=", TokenGe}, {"&&", TokenAndAnd}, {"||", TokenOrOr}, {"<<", TokenShl},
	{">>", TokenShr},
	{"=", TokenAssign}, {"+", TokenPlus}, {"-", TokenMinus}, {"*", TokenStar},
	{"/", TokenSlash}, {"%", TokenPercent}, {"<", TokenLt}, {">", TokenGt},
	{"!", TokenBang}, {"~", TokenTilde}, {"&", TokenAmp}, {"|", TokenPipe},
	{"^", TokenCaret}, {"(", TokenLParen}, {")", TokenRParen},
	{"{", TokenLBrace}, {"}", TokenRBrace}, {"[", TokenLBracket},
	{"]", TokenRBracket}, {",", TokenComma}, {";", TokenSemi}, {".", TokenDot},
	{"@", TokenAt},
}

func (l *Lexer) readOperator(pos Position) (Token, bool) {
	rest := l.input[l.pos:]
	for _, op := range operators {
		if strings.HasPrefix(rest, op.text) {
			for range op.text {
				l.readChar()
			}
			return Token{Type: op.typ, Literal: op.text, Pos: pos}, true
		}
	}
	return Token{}, false
}

// skipWhitespaceAndComments skips whitespace, // line comments and /* */
// block comments. An unterminated block comment yields an error token.
func (l *Lexer) skipWhitespaceAndComments() (Token, bool) {
	for {
		for unicode.IsSpace(l.ch) {
			l.readChar()
		}
		if l.ch != '/' {
			return Token{}, true
		}
		switch l.peekChar() {
		case '/':
			for l.ch != '\n' && l.ch != 0 {
				l.readChar()
			}
		case '*':
			pos := l.position()
			l.readChar()
			l.readChar()
			for !(l.ch == '*' && l.peekChar() == '/') {
				if l.ch == 0 {
					return Token{Type: TokenError, Literal: "unterminated comment", Pos: pos}, false
				}
				l.readChar()
			}
			l.readChar()
			l.readChar()
		default:
			return Token{}, true
		}
	}
}

// readString reads a double-quoted string literal. Escapes \n, \t, \" and
// \\ are decoded; any other escaped character stands for itself.
func (l *Lexer) readString(pos Position) Token {
	l.readChar() // opening "

	var sb strings.Builder
	for l.ch != '"' {
		switch l.ch {
		case 0, '\n':
			return Token{Type: TokenError, Literal: "unterminated string", Pos: pos}
		case '\\':
			l.readChar()
			switch l.ch {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteString("    ")
			case 0:
				return Token{Type: TokenError, Literal: "unterminated string", Pos: pos}
			default:
				sb.WriteRune(l.ch)
			}
		default:
			sb.WriteRune(l.ch)
		}
		l.readChar()
	}
	l.readChar() // closing "
	return Token{Type: TokenString, Literal: sb.String(), Pos: pos}
}

// readNumber reads an integer or float literal. Hex integers use 0x.
func (l *Lexer) readNumber(pos Position) Token {
	start := l.pos

	if l.ch == '0' && (l.peekChar() == 'x' || l.peekChar() == 'X') {
		l.readChar()
		l.readChar()
		if !isHexDigit(l.ch) {
			return Token{Type: TokenError, Literal: "malformed hex literal", Pos: pos}
		}
		for isHexDigit(l.ch) {
			l.readChar()
		}
		return Token{Type: TokenInteger, Literal: l.input[start:l.pos], Pos: pos}
	}

	isFloat := false
	for isDigit(l.ch) {
		l.readChar()
	}
	if l.ch == '.' {
		isFloat = true
		l.readChar()
		for isDigit(l.ch) {
			l.readChar()
		}
	}
	if l.ch == 'e' || l.ch == 'E' {
		next := l.peekChar()
		if isDigit(next) || next == '+' || next == '-' {
			isFloat = true
			l.readChar()
			if l.ch == '+' || l.ch == '-' {
				l.readChar()
			}
			if !isDigit(l.ch) {
				return Token{Type: TokenError, Literal: "malformed exponent", Pos: pos}
			}
			for isDigit(l.ch) {
				l.readChar()
			}
		}
	}
	if l.ch == 'f' || l.ch == 'F' {
		isFloat = true
		l.readChar()
		return Token{Type: TokenFloat, Literal: l.input[start : l.pos-1], Pos: pos}
	}

	if isFloat {
		return Token{Type: TokenFloat, Literal: l.input[start:l.pos], Pos: pos}
	}
	return Token{Type: TokenInteger, Literal: l.input[start:l.pos], Pos: pos}
}

func (l *Lexer) readIdentifierOrKeyword(pos Position) Token {
	start := l.pos
	for isLetter(l.ch) || isDigit(l.ch) {
		l.readChar()
	}
	word := l.input[start:l.pos]
	if typ, ok := reservedWords[word]; ok {
		return Token{Type: typ, Literal: word, Pos: pos}
	}
	return Token{Type: TokenIdentifier, Literal: word, Pos: pos}
}

func isLetter(r rune) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func isDigit(r rune) bool {
	return r >= '0' && r <= '9'
}

func isHexDigit(r rune) bool {
	return isDigit(r) || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}
