package compiler

import (
	"fmt"
	"sort"
)

// ---------------------------------------------------------------------------
// Token types for the script lexer
// ---------------------------------------------------------------------------

// TokenType represents the type of a token.
type TokenType int

const (
	// Special tokens
	TokenEOF TokenType = iota
	TokenError

	// Literals
	TokenInteger    // 42, 0x2A
	TokenFloat      // 3.14, 1.5e10, 2.
	TokenString     // "hello\n"
	TokenIdentifier // foo, llSay

	// Keywords
	TokenIf
	TokenElse
	TokenWhile
	TokenDo
	TokenFor
	TokenReturn
	TokenJump
	TokenState
	TokenDefault
	TokenTry
	TokenCatch
	TokenFinally
	TokenThrow
	TokenTypeName // integer, float, string, key, vector, list

	// Operators
	TokenAssign    // =
	TokenAddAssign // +=
	TokenSubAssign // -=
	TokenMulAssign // *=
	TokenDivAssign // /=
	TokenModAssign // %=
	TokenInc       // ++
	TokenDec       // --
	TokenPlus      // +
	TokenMinus     // -
	TokenStar      // *
	TokenSlash     // /
	TokenPercent   // %
	TokenEq        // ==
	TokenNe        // !=
	TokenLt        // <
	TokenGt        // >
	TokenLe        // <=
	TokenGe        // >=
	TokenAndAnd    // &&
	TokenOrOr      // ||
	TokenBang      // !
	TokenTilde     // ~
	TokenAmp       // &
	TokenPipe      // |
	TokenCaret     // ^
	TokenShl       // <<
	TokenShr       // >>

	// Delimiters
	TokenLParen   // (
	TokenRParen   // )
	TokenLBrace   // {
	TokenRBrace   // }
	TokenLBracket // [
	TokenRBracket // ]
	TokenComma    // ,
	TokenSemi     // ;
	TokenDot      // .
	TokenAt       // @
)

var tokenNames = map[TokenType]string{
	TokenEOF:        "EOF",
	TokenError:      "ERROR",
	TokenInteger:    "INTEGER",
	TokenFloat:      "FLOAT",
	TokenString:     "STRING",
	TokenIdentifier: "IDENTIFIER",
	TokenIf:         "if",
	TokenElse:       "else",
	TokenWhile:      "while",
	TokenDo:         "do",
	TokenFor:        "for",
	TokenReturn:     "return",
	TokenJump:       "jump",
	TokenState:      "state",
	TokenDefault:    "default",
	TokenTry:        "try",
	TokenCatch:      "catch",
	TokenFinally:    "finally",
	TokenThrow:      "throw",
	TokenTypeName:   "TYPE",
	TokenAssign:     "=",
	TokenAddAssign:  "+=",
	TokenSubAssign:  "-=",
	TokenMulAssign:  "*=",
	TokenDivAssign:  "/=",
	TokenModAssign:  "%=",
	TokenInc:        "++",
	TokenDec:        "--",
	TokenPlus:       "+",
	TokenMinus:      "-",
	TokenStar:       "*",
	TokenSlash:      "/",
	TokenPercent:    "%",
	TokenEq:         "==",
	TokenNe:         "!=",
	TokenLt:         "<",
	TokenGt:         ">",
	TokenLe:         "<=",
	TokenGe:         ">=",
	TokenAndAnd:     "&&",
	TokenOrOr:       "||",
	TokenBang:       "!",
	TokenTilde:      "~",
	TokenAmp:        "&",
	TokenPipe:       "|",
	TokenCaret:      "^",
	TokenShl:        "<<",
	TokenShr:        ">>",
	TokenLParen:     "(",
	TokenRParen:     ")",
	TokenLBrace:     "{",
	TokenRBrace:     "}",
	TokenLBracket:   "[",
	TokenRBracket:   "]",
	TokenComma:      ",",
	TokenSemi:       ";",
	TokenDot:        ".",
	TokenAt:         "@",
}

func (t TokenType) String() string {
	if name, ok := tokenNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Token(%d)", t)
}

// Token represents a lexical token.
type Token struct {
	Type    TokenType
	Literal string   // the raw text, or the decoded value for strings
	Pos     Position // start position
}

func (t Token) String() string {
	switch t.Type {
	case TokenEOF:
		return "EOF"
	case TokenError:
		return fmt.Sprintf("ERROR(%s)", t.Literal)
	}
	if len(t.Literal) > 20 {
		return fmt.Sprintf("%s(%q...)", t.Type, t.Literal[:20])
	}
	return fmt.Sprintf("%s(%q)", t.Type, t.Literal)
}

// Reserved words mapped to their token types.
var reservedWords = map[string]TokenType{
	"if":      TokenIf,
	"else":    TokenElse,
	"while":   TokenWhile,
	"do":      TokenDo,
	"for":     TokenFor,
	"return":  TokenReturn,
	"jump":    TokenJump,
	"state":   TokenState,
	"default": TokenDefault,
	"try":     TokenTry,
	"catch":   TokenCatch,
	"finally": TokenFinally,
	"throw":   TokenThrow,
	"integer": TokenTypeName,
	"float":   TokenTypeName,
	"string":  TokenTypeName,
	"key":     TokenTypeName,
	"vector":  TokenTypeName,
	"list":    TokenTypeName,
}

// Constants predefined in every script.
var builtinConstants = map[string]Expr{
	"TRUE":           &IntLit{Value: 1},
	"FALSE":          &IntLit{Value: 0},
	"PI":             &FloatLit{Value: 3.14159265358979323846},
	"TWO_PI":         &FloatLit{Value: 6.28318530717958647692},
	"PI_BY_TWO":      &FloatLit{Value: 1.57079632679489661923},
	"DEG_TO_RAD":     &FloatLit{Value: 0.01745329238},
	"RAD_TO_DEG":     &FloatLit{Value: 57.29578},
	"ZERO_VECTOR":    &VectorLit{X: &FloatLit{}, Y: &FloatLit{}, Z: &FloatLit{}},
	"NULL_KEY":       &StringLit{Value: "00000000-0000-0000-0000-000000000000"},
	"EOF":            &StringLit{Value: "\n\n\n"},
	"PUBLIC_CHANNEL": &IntLit{Value: 0},
	"DEBUG_CHANNEL":  &IntLit{Value: 0x7FFFFFFF},
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ReservedWords returns the reserved words, sorted.
func ReservedWords() []string { return sortedKeys(reservedWords) }

// Constants returns the names of the predefined constants, sorted.
func Constants() []string { return sortedKeys(builtinConstants) }
