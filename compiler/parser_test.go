package compiler

import (
	"errors"
	"strconv"
	"strings"
	"testing"
)

func mustParse(t *testing.T, src string) *Script {
	t.Helper()
	script, err := Parse(src, nil)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return script
}

func parseExpr(t *testing.T, src string) Expr {
	t.Helper()
	p := NewParser(src)
	e := p.ParseExpression()
	if len(p.Errors()) > 0 {
		t.Fatalf("ParseExpression(%q) errors = %v", src, p.Errors())
	}
	return e
}

// render prints an expression fully parenthesized.
func render(e Expr) string {
	switch x := e.(type) {
	case *IntLit:
		return strconv.Itoa(int(x.Value))
	case *Ident:
		return x.Name
	case *BinaryExpr:
		return "(" + render(x.X) + " " + x.Op.String() + " " + render(x.Y) + ")"
	case *UnaryExpr:
		return "(" + x.Op.String() + render(x.X) + ")"
	case *AssignExpr:
		return "(" + render(x.Target) + " " + x.Op.String() + " " + render(x.Value) + ")"
	case *CastExpr:
		return "((" + x.Type + ")" + render(x.X) + ")"
	case *MemberExpr:
		return render(x.X) + "." + x.Name
	case *IncDecExpr:
		if x.Prefix {
			return "(" + x.Op.String() + render(x.Target) + ")"
		}
		return "(" + render(x.Target) + x.Op.String() + ")"
	case *CallExpr:
		args := make([]string, len(x.Args))
		for i, a := range x.Args {
			args[i] = render(a)
		}
		return x.Name + "(" + strings.Join(args, ", ") + ")"
	case *VectorLit:
		return "<" + render(x.X) + ", " + render(x.Y) + ", " + render(x.Z) + ">"
	}
	return "?"
}

func TestParsePrecedence(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"1 + 2 * 3", "(1 + (2 * 3))"},
		{"1 - 2 - 3", "((1 - 2) - 3)"},
		{"a == b && c < d", "((a == b) && (c < d))"},
		{"a || b && c", "(a || (b && c))"},
		{"a & b | c ^ d", "((a & b) | (c ^ d))"},
		{"1 << 2 + 3", "(1 << (2 + 3))"},
		{"-a * b", "((-a) * b)"},
		{"!a == b", "((!a) == b)"},
		{"a = b = 3", "(a = (b = 3))"},
		{"x += y * 2", "(x += (y * 2))"},
		{"(integer)f + 1", "(((integer)f) + 1)"},
		{"(a + b) * c", "((a + b) * c)"},
		{"v.x * 2", "(v.x * 2)"},
		{"i++ + ++j", "((i++) + (++j))"},
		{"llAbs(a, b + 1)", "llAbs(a, (b + 1))"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := render(parseExpr(t, tt.input)); got != tt.want {
				t.Errorf("parse(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseVectorLiteral(t *testing.T) {
	e := parseExpr(t, "<1, a + 2, -3>")
	if got, want := render(e), "<1, (a + 2), (-3)>"; got != want {
		t.Errorf("render = %s, want %s", got, want)
	}

	// A comparison inside a component needs parentheses.
	e = parseExpr(t, "<(a > b), 0, 0>")
	v, ok := e.(*VectorLit)
	if !ok {
		t.Fatalf("got %T, want *VectorLit", e)
	}
	if b, ok := v.X.(*BinaryExpr); !ok || b.Op != TokenGt {
		t.Errorf("X = %s, want a > comparison", render(v.X))
	}
}

func TestParseIntegerLiterals(t *testing.T) {
	tests := []struct {
		input string
		want  int32
	}{
		{"0", 0},
		{"2147483647", 2147483647},
		{"0xFFFFFFFF", -1},
		{"0x80000000", -2147483648},
	}
	for _, tt := range tests {
		e := parseExpr(t, tt.input)
		lit, ok := e.(*IntLit)
		if !ok {
			t.Fatalf("%s: got %T, want *IntLit", tt.input, e)
		}
		if lit.Value != tt.want {
			t.Errorf("%s = %d, want %d", tt.input, lit.Value, tt.want)
		}
	}

	p := NewParser("0x100000000")
	p.ParseExpression()
	if len(p.Errors()) != 1 {
		t.Errorf("out of range literal: got %d errors, want 1", len(p.Errors()))
	}
}

func TestParseScriptStructure(t *testing.T) {
	src := `
integer count = 3;
string name;

integer twice(integer n) {
    return n * 2;
}

default {
    state_entry() {
        count = twice(count);
        state running;
    }
}

state running {
    touch_start(integer n) {
        try {
            throw "x";
        } catch (string e) {
            llOwnerSay(e);
        } finally {
            count++;
        }
        @again;
        jump again;
    }
}
`
	script := mustParse(t, src)
	if len(script.Globals) != 2 {
		t.Errorf("globals = %d, want 2", len(script.Globals))
	}
	if script.Globals[1].Init != nil {
		t.Errorf("name has an initializer")
	}
	if len(script.Funcs) != 1 || script.Funcs[0].Result != "integer" || len(script.Funcs[0].Params) != 1 {
		t.Errorf("function not parsed as integer twice(integer): %+v", script.Funcs)
	}
	if len(script.States) != 2 || script.States[0].Name != "default" || script.States[1].Name != "running" {
		t.Fatalf("states not parsed: %+v", script.States)
	}

	body := script.States[1].Handlers[0].Body.Stmts
	try, ok := body[0].(*TryStmt)
	if !ok {
		t.Fatalf("first statement is %T, want *TryStmt", body[0])
	}
	if try.CatchVar != "e" || try.Catch == nil || try.Finally == nil {
		t.Errorf("try = %+v, want catch e and finally", try)
	}
	if _, ok := body[1].(*LabelStmt); !ok {
		t.Errorf("second statement is %T, want *LabelStmt", body[1])
	}
	if j, ok := body[2].(*JumpStmt); !ok || j.Label != "again" {
		t.Errorf("third statement is %T, want jump again", body[2])
	}
}

func TestParseLoops(t *testing.T) {
	script := mustParse(t, `default { state_entry() {
        integer i;
        for (i = 0, j = 1; i < 10; i++, j--) ;
        for (;;) { }
        do i--; while (i > 0);
        while (i) i = i - 1;
    } }`)
	stmts := script.States[0].Handlers[0].Body.Stmts
	f, ok := stmts[1].(*ForStmt)
	if !ok {
		t.Fatalf("statement 1 is %T, want *ForStmt", stmts[1])
	}
	if len(f.Init) != 2 || len(f.Post) != 2 || f.Cond == nil {
		t.Errorf("for = %d init, %d post, cond %v", len(f.Init), len(f.Post), f.Cond)
	}
	if forever := stmts[2].(*ForStmt); forever.Cond != nil || len(forever.Init) != 0 {
		t.Errorf("for (;;) has parts: %+v", forever)
	}
	if _, ok := stmts[3].(*DoWhileStmt); !ok {
		t.Errorf("statement 3 is %T, want *DoWhileStmt", stmts[3])
	}
	if _, ok := stmts[4].(*WhileStmt); !ok {
		t.Errorf("statement 4 is %T, want *WhileStmt", stmts[4])
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"no default state", "integer x;", "script has no default state"},
		{"state before default", "state other { } default { }", "default state must come before state other"},
		{"missing semicolon", "default { state_entry() { llSay(0, \"x\") } }", "expected ;"},
		{"try alone", "default { state_entry() { try { } } }", "try without catch or finally"},
		{"catch type", "default { state_entry() { try { } catch (integer e) { } } }", "catch variable must be a string"},
		{"bad assignment", "default { state_entry() { 1 = 2; } }", "cannot assign to this expression"},
		{"bad increment", "default { state_entry() { 3++; } }", "must be a variable"},
		{"unterminated block", "default { state_entry() { ", "unterminated block"},
		{"lexer error", "default { state_entry() { $; } }", "unexpected character"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.src, nil)
			if err == nil {
				t.Fatalf("Parse() succeeded, want error containing %q", tt.want)
			}
			var se *SyntaxError
			if !errors.As(err, &se) {
				t.Fatalf("error is %T, want *SyntaxError", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestParseRecoversAndReportsEveryError(t *testing.T) {
	src := `default {
    state_entry() {
        integer a = ;
        llOwnerSay("fine");
        a = = 2;
        if (a) { b = 3 }
    }
}`
	var sink ErrorList
	_, err := Parse(src, &sink)
	if err == nil {
		t.Fatal("Parse() succeeded, want errors")
	}
	if len(sink.Errs) != 3 {
		t.Fatalf("reported %d errors, want 3:\n%s", len(sink.Errs), sink.String())
	}
	if sink.Errs[0] != err {
		t.Errorf("returned error is not the first reported one")
	}
	lines := []int{3, 5, 6}
	for i, e := range sink.Errs {
		if se := e.(*SyntaxError); se.Pos.Line != lines[i] {
			t.Errorf("error %d on line %d, want %d: %v", i, se.Pos.Line, lines[i], se)
		}
	}
}
