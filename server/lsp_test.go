package server

import (
	"strings"
	"testing"

	protocol "github.com/tliron/glsp/protocol_3_16"
)

// ---------------------------------------------------------------------------
// LSP text extraction helpers
// ---------------------------------------------------------------------------

func TestExtractPrefix(t *testing.T) {
	tests := []struct {
		name string
		text string
		line uint32
		char uint32
		want string
	}{
		{"simple word", "llSay(0, x)", 0, 5, "llSay"},
		{"partial", "llOwn", 0, 5, "llOwn"},
		{"empty line", "", 0, 0, ""},
		{"multi line", "first line\nsecond line\nllAb", 2, 4, "llAb"},
		{"after space", "integer count", 0, 13, "count"},
		{"cursor at beginning", "hello", 0, 0, ""},
		{"line beyond document", "single line", 5, 0, ""},
		{"column beyond line", "abc", 0, 10, "abc"},
		{"after paren", "f(x", 0, 2, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pos := protocol.Position{Line: tt.line, Character: tt.char}
			if got := extractPrefix(tt.text, pos); got != tt.want {
				t.Errorf("extractPrefix = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractWord(t *testing.T) {
	tests := []struct {
		name string
		text string
		line uint32
		char uint32
		want string
	}{
		{"middle of word", "llOwnerSay(x)", 0, 4, "llOwnerSay"},
		{"at end", "integer count", 0, 13, "count"},
		{"at space", "a b", 0, 1, "a"},
		{"second word", "integer count;", 0, 9, "count"},
		{"empty line", "", 0, 0, ""},
		{"multi line", "a\nstate_entry()", 1, 3, "state_entry"},
		{"line beyond document", "x", 3, 0, ""},
		{"punctuation", "(;)", 0, 1, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pos := protocol.Position{Line: tt.line, Character: tt.char}
			if got := extractWord(tt.text, pos); got != tt.want {
				t.Errorf("extractWord = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBoolPtr(t *testing.T) {
	if p := boolPtr(true); p == nil || !*p {
		t.Error("boolPtr(true) did not return pointer to true")
	}
	if p := boolPtr(false); p == nil || *p {
		t.Error("boolPtr(false) did not return pointer to false")
	}
}

// ---------------------------------------------------------------------------
// Compiler-backed features
// ---------------------------------------------------------------------------

const doc = `integer count = 3;

integer twice(integer x) {
    return x * 2;
}

default {
    state_entry() {
        llOwnerSay((string)twice(count));
    }
}

state done {
    state_entry() { }
}
`

func TestLSP_DiagnoseClean(t *testing.T) {
	s := NewLSP(nil)
	if got := s.diagnose(doc); len(got) != 0 {
		t.Errorf("diagnose = %+v, want none", got)
	}
}

func TestLSP_DiagnoseSyntaxError(t *testing.T) {
	s := NewLSP(nil)
	got := s.diagnose("default {\n    state_entry() {\n        integer x = ;\n    }\n}\n")
	if len(got) == 0 {
		t.Fatal("diagnose returned no diagnostics")
	}
	d := got[0]
	if d.Range.Start.Line != 2 {
		t.Errorf("line = %d, want 2", d.Range.Start.Line)
	}
	if d.Severity == nil || *d.Severity != protocol.DiagnosticSeverityError {
		t.Error("severity is not Error")
	}
	if d.Source == nil || *d.Source != lspName {
		t.Errorf("source = %v, want %s", d.Source, lspName)
	}
}

func TestLSP_DiagnoseCodeGenErrors(t *testing.T) {
	s := NewLSP(nil)
	got := s.diagnose("f() {\n    x = 1;\n}\ndefault {\n    state_entry() {\n        llNope();\n    }\n}\n")
	if len(got) != 2 {
		t.Fatalf("diagnose returned %d diagnostics, want 2: %+v", len(got), got)
	}
	if got[0].Range.Start.Line != 1 || !strings.Contains(got[0].Message, "undefined name x") {
		t.Errorf("first diagnostic = line %d %q", got[0].Range.Start.Line, got[0].Message)
	}
	if got[1].Range.Start.Line != 5 || !strings.Contains(got[1].Message, "undefined function llNope") {
		t.Errorf("second diagnostic = line %d %q", got[1].Range.Start.Line, got[1].Message)
	}
}

func labels(items []protocol.CompletionItem) map[string]string {
	m := make(map[string]string)
	for _, it := range items {
		detail := ""
		if it.Detail != nil {
			detail = *it.Detail
		}
		m[it.Label] = detail
	}
	return m
}

func TestLSP_Complete(t *testing.T) {
	s := NewLSP(nil)

	got := labels(s.complete(doc, "llAb"))
	if got["llAbs"] != "int llAbs(int)" {
		t.Errorf("llAbs detail = %q, want %q", got["llAbs"], "int llAbs(int)")
	}

	got = labels(s.complete(doc, "st"))
	for _, want := range []string{"state", "state_entry", "state_exit", "string"} {
		if _, ok := got[want]; !ok {
			t.Errorf("completions for st missing %s: %v", want, got)
		}
	}

	got = labels(s.complete(doc, "tw"))
	if got["twice"] != "integer twice(integer x)" {
		t.Errorf("twice detail = %q", got["twice"])
	}

	got = labels(s.complete(doc, "PI"))
	if got["PI_BY_TWO"] != "constant" {
		t.Errorf("completions for PI = %v", got)
	}
}

func TestLSP_Hover(t *testing.T) {
	s := NewLSP(nil)
	tests := []struct {
		word string
		want string
	}{
		{"llOwnerSay", "void llOwnerSay(string)"},
		{"listen", "event listen(int, string, string, string)"},
		{"twice", "integer twice(integer x)"},
		{"count", "integer count"},
		{"nothing", ""},
	}
	for _, tt := range tests {
		h := s.hover(doc, tt.word)
		if tt.want == "" {
			if h != nil {
				t.Errorf("hover(%s) = %v, want nil", tt.word, h.Contents)
			}
			continue
		}
		if h == nil {
			t.Errorf("hover(%s) = nil", tt.word)
			continue
		}
		mc, ok := h.Contents.(protocol.MarkupContent)
		if !ok || !strings.Contains(mc.Value, tt.want) {
			t.Errorf("hover(%s) = %v, want %q", tt.word, h.Contents, tt.want)
		}
	}
}

func TestLSP_Definition(t *testing.T) {
	uri := protocol.DocumentUri("file:///door.lsl")
	tests := []struct {
		word string
		line uint32
	}{
		{"count", 0},
		{"twice", 2},
		{"done", 12},
	}
	for _, tt := range tests {
		locs := definition(uri, doc, tt.word)
		if len(locs) != 1 {
			t.Errorf("definition(%s) = %v, want one location", tt.word, locs)
			continue
		}
		if locs[0].URI != uri || locs[0].Range.Start.Line != tt.line {
			t.Errorf("definition(%s) = %s line %d, want line %d", tt.word, locs[0].URI, locs[0].Range.Start.Line, tt.line)
		}
	}
	if locs := definition(uri, doc, "llSay"); locs != nil {
		t.Errorf("definition(llSay) = %v, want nil", locs)
	}
	if locs := definition(uri, "default {", "count"); locs != nil {
		t.Errorf("definition in broken document = %v, want nil", locs)
	}
}

func TestLSP_DocumentStore(t *testing.T) {
	s := NewLSP(nil)
	uri := protocol.DocumentUri("file:///a.lsl")
	if _, ok := s.document(uri); ok {
		t.Error("document found before open")
	}
	s.mu.Lock()
	s.docs[string(uri)] = doc
	s.mu.Unlock()
	if text, ok := s.document(uri); !ok || text != doc {
		t.Error("document not returned after store")
	}
}
