// Package server is a language server for xmr scripts: diagnostics from the
// compiler, completion, hover and go-to-definition.
package server

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"unicode"

	"github.com/tliron/commonlog"
	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
	glspserver "github.com/tliron/glsp/server"

	"github.com/chazu/xmr/compiler"
	"github.com/chazu/xmr/vm"
)

const lspName = "xmr-lsp"

var log = commonlog.GetLogger("xmr.lsp")

// LspServer bridges LSP editor features to the script compiler.
type LspServer struct {
	env *vm.Environment

	mu   sync.Mutex
	docs map[string]string // URI → full document content

	handler protocol.Handler
	server  *glspserver.Server
	version string
}

// NewLSP creates a new LSP server that checks scripts against env.
func NewLSP(env *vm.Environment) *LspServer {
	if env == nil {
		env = vm.DefaultEnvironment()
	}
	s := &LspServer{
		env:     env,
		docs:    make(map[string]string),
		version: "0.1.0",
	}

	s.handler = protocol.Handler{
		Initialize:  s.initialize,
		Initialized: s.initialized,
		Shutdown:    s.shutdown,
		SetTrace:    s.setTrace,

		TextDocumentDidOpen:   s.textDocumentDidOpen,
		TextDocumentDidChange: s.textDocumentDidChange,
		TextDocumentDidClose:  s.textDocumentDidClose,

		TextDocumentCompletion: s.textDocumentCompletion,
		TextDocumentHover:      s.textDocumentHover,
		TextDocumentDefinition: s.textDocumentDefinition,
	}

	s.server = glspserver.NewServer(&s.handler, lspName, false)

	return s
}

// Run starts the LSP server on stdio. Blocks until the client disconnects.
func (s *LspServer) Run() error {
	return s.server.RunStdio()
}

// --- LSP lifecycle handlers ---

func (s *LspServer) initialize(ctx *glsp.Context, params *protocol.InitializeParams) (any, error) {
	log.Info("xmr LSP initializing")

	capabilities := s.handler.CreateServerCapabilities()

	syncKind := protocol.TextDocumentSyncKindFull
	capabilities.TextDocumentSync = &protocol.TextDocumentSyncOptions{
		OpenClose: boolPtr(true),
		Change:    &syncKind,
	}

	capabilities.CompletionProvider = &protocol.CompletionOptions{}
	capabilities.HoverProvider = true
	capabilities.DefinitionProvider = true

	return protocol.InitializeResult{
		Capabilities: capabilities,
		ServerInfo: &protocol.InitializeResultServerInfo{
			Name:    lspName,
			Version: &s.version,
		},
	}, nil
}

func (s *LspServer) initialized(ctx *glsp.Context, params *protocol.InitializedParams) error {
	return nil
}

func (s *LspServer) shutdown(ctx *glsp.Context) error {
	return nil
}

func (s *LspServer) setTrace(ctx *glsp.Context, params *protocol.SetTraceParams) error {
	return nil
}

// --- Document synchronization ---

func (s *LspServer) textDocumentDidOpen(ctx *glsp.Context, params *protocol.DidOpenTextDocumentParams) error {
	uri := params.TextDocument.URI
	text := params.TextDocument.Text

	s.mu.Lock()
	s.docs[string(uri)] = text
	s.mu.Unlock()

	s.publishDiagnostics(ctx, uri, text)
	return nil
}

func (s *LspServer) textDocumentDidChange(ctx *glsp.Context, params *protocol.DidChangeTextDocumentParams) error {
	uri := params.TextDocument.URI

	// With Full sync, the last change event contains the full text
	if len(params.ContentChanges) > 0 {
		last := params.ContentChanges[len(params.ContentChanges)-1]
		if whole, ok := last.(protocol.TextDocumentContentChangeEventWhole); ok {
			s.mu.Lock()
			s.docs[string(uri)] = whole.Text
			s.mu.Unlock()

			s.publishDiagnostics(ctx, uri, whole.Text)
		}
	}
	return nil
}

func (s *LspServer) textDocumentDidClose(ctx *glsp.Context, params *protocol.DidCloseTextDocumentParams) error {
	uri := params.TextDocument.URI

	s.mu.Lock()
	delete(s.docs, string(uri))
	s.mu.Unlock()

	// Clear diagnostics for the closed document
	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: []protocol.Diagnostic{},
	})
	return nil
}

func (s *LspServer) document(uri protocol.DocumentUri) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text, ok := s.docs[string(uri)]
	return text, ok
}

// --- Language features ---

func (s *LspServer) textDocumentCompletion(ctx *glsp.Context, params *protocol.CompletionParams) (any, error) {
	text, ok := s.document(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}
	prefix := extractPrefix(text, params.Position)
	if prefix == "" {
		return nil, nil
	}
	return s.complete(text, prefix), nil
}

func (s *LspServer) textDocumentHover(ctx *glsp.Context, params *protocol.HoverParams) (*protocol.Hover, error) {
	text, ok := s.document(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}
	word := extractWord(text, params.Position)
	if word == "" {
		return nil, nil
	}
	return s.hover(text, word), nil
}

func (s *LspServer) textDocumentDefinition(ctx *glsp.Context, params *protocol.DefinitionParams) (any, error) {
	uri := params.TextDocument.URI
	text, ok := s.document(uri)
	if !ok {
		return nil, nil
	}
	word := extractWord(text, params.Position)
	if word == "" {
		return nil, nil
	}
	if locs := definition(uri, text, word); locs != nil {
		return locs, nil
	}
	return nil, nil
}

// --- Compiler-backed logic ---

// diagnose compiles text and converts every reported error to a diagnostic.
func (s *LspServer) diagnose(text string) []protocol.Diagnostic {
	var sink compiler.ErrorList
	if script, err := compiler.Parse(text, &sink); err == nil {
		compiler.Generate(script, s.env, io.Discard, &sink)
	}

	diagnostics := []protocol.Diagnostic{}
	severity := protocol.DiagnosticSeverityError
	source := lspName
	for _, err := range sink.Errs {
		pos, msg := errorPosition(err)
		diagnostics = append(diagnostics, protocol.Diagnostic{
			Range:    protocol.Range{Start: pos, End: pos},
			Severity: &severity,
			Source:   &source,
			Message:  msg,
		})
	}
	return diagnostics
}

func errorPosition(err error) (protocol.Position, string) {
	var se *compiler.SyntaxError
	if errors.As(err, &se) {
		return lspPosition(se.Pos), se.Msg
	}
	var ce *compiler.CodeGenError
	if errors.As(err, &ce) {
		msg := ce.Msg
		if ce.Err != nil {
			msg += ": " + ce.Err.Error()
		}
		return lspPosition(ce.Pos), msg
	}
	return protocol.Position{}, err.Error()
}

// lspPosition converts a 1-based compiler position to a 0-based LSP one.
func lspPosition(p compiler.Position) protocol.Position {
	line, col := p.Line-1, p.Column-1
	if line < 0 {
		line = 0
	}
	if col < 0 {
		col = 0
	}
	return protocol.Position{Line: protocol.UInteger(line), Character: protocol.UInteger(col)}
}

func (s *LspServer) complete(text, prefix string) []protocol.CompletionItem {
	var items []protocol.CompletionItem
	add := func(label string, kind protocol.CompletionItemKind, detail string) {
		if !strings.HasPrefix(label, prefix) {
			return
		}
		items = append(items, protocol.CompletionItem{
			Label:      label,
			Kind:       &kind,
			Detail:     &detail,
			InsertText: &label,
		})
	}

	for _, w := range compiler.ReservedWords() {
		add(w, protocol.CompletionItemKindKeyword, "keyword")
	}
	for _, c := range compiler.Constants() {
		add(c, protocol.CompletionItemKindConstant, "constant")
	}
	for _, name := range s.env.ScriptFunctions() {
		x, _ := s.env.ScriptFunction(name)
		add(name, protocol.CompletionItemKindFunction, externSignature(name, x))
	}
	for c := vm.EventCode(0); c.Info().Name != "unknown"; c++ {
		add(c.Info().Name, protocol.CompletionItemKindEvent, eventSignature(c.Info()))
	}

	// Names declared by the document itself, when it parses
	if script, err := compiler.Parse(text, nil); err == nil {
		for _, g := range script.Globals {
			add(g.Name, protocol.CompletionItemKindVariable, g.Type)
		}
		for _, f := range script.Funcs {
			add(f.Name, protocol.CompletionItemKindFunction, funcSignature(f))
		}
		for _, st := range script.States {
			add(st.Name, protocol.CompletionItemKindModule, "state")
		}
	}

	// Limit results
	const maxItems = 100
	if len(items) > maxItems {
		items = items[:maxItems]
	}

	return items
}

func (s *LspServer) hover(text, word string) *protocol.Hover {
	var sig string
	if x, ok := s.env.ScriptFunction(word); ok {
		sig = externSignature(word, x)
	} else if ev, ok := vm.LookupEvent(word); ok {
		sig = "event " + eventSignature(ev)
	} else if script, err := compiler.Parse(text, nil); err == nil {
		for _, f := range script.Funcs {
			if f.Name == word {
				sig = funcSignature(f)
			}
		}
		for _, g := range script.Globals {
			if g.Name == word {
				sig = g.Type + " " + g.Name
			}
		}
	}
	if sig == "" {
		return nil
	}
	return &protocol.Hover{
		Contents: protocol.MarkupContent{
			Kind:  protocol.MarkupKindMarkdown,
			Value: "```lsl\n" + sig + "\n```",
		},
	}
}

// definition finds the declaration of a global, function or state in the
// document.
func definition(uri protocol.DocumentUri, text, word string) []protocol.Location {
	script, err := compiler.Parse(text, nil)
	if err != nil {
		return nil
	}
	at := func(p compiler.Position) []protocol.Location {
		pos := lspPosition(p)
		return []protocol.Location{{URI: uri, Range: protocol.Range{Start: pos, End: pos}}}
	}
	for _, f := range script.Funcs {
		if f.Name == word {
			return at(f.At)
		}
	}
	for _, g := range script.Globals {
		if g.Name == word {
			return at(g.At)
		}
	}
	for _, st := range script.States {
		if st.Name == word {
			return at(st.At)
		}
	}
	return nil
}

func externSignature(name string, x *vm.Extern) string {
	result := x.Result
	if result == "" || result == vm.TagVoid {
		result = "void"
	}
	return fmt.Sprintf("%s %s(%s)", result, name, strings.Join(x.Params, ", "))
}

func eventSignature(ev vm.EventInfo) string {
	return fmt.Sprintf("%s(%s)", ev.Name, strings.Join(ev.Params, ", "))
}

func funcSignature(f *compiler.FuncDecl) string {
	params := make([]string, len(f.Params))
	for i, p := range f.Params {
		params[i] = p.Type + " " + p.Name
	}
	result := f.Result
	if result == "" {
		result = "void"
	}
	return fmt.Sprintf("%s %s(%s)", result, f.Name, strings.Join(params, ", "))
}

// --- Diagnostics ---

func (s *LspServer) publishDiagnostics(ctx *glsp.Context, uri protocol.DocumentUri, text string) {
	diagnostics := s.diagnose(text)
	log.Debugf("%s: %d diagnostics", uri, len(diagnostics))
	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: diagnostics,
	})
}

// --- Text extraction helpers ---

func isIdentChar(ch rune) bool {
	return unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_'
}

// extractPrefix returns the word fragment before the cursor for completion.
func extractPrefix(text string, pos protocol.Position) string {
	lines := strings.Split(text, "\n")
	if int(pos.Line) >= len(lines) {
		return ""
	}
	line := lines[pos.Line]
	col := int(pos.Character)
	if col > len(line) {
		col = len(line)
	}

	// Walk backwards from cursor to find the start of the identifier
	start := col
	for start > 0 && isIdentChar(rune(line[start-1])) {
		start--
	}
	return line[start:col]
}

// extractWord returns the full identifier under the cursor.
func extractWord(text string, pos protocol.Position) string {
	lines := strings.Split(text, "\n")
	if int(pos.Line) >= len(lines) {
		return ""
	}
	line := lines[pos.Line]
	col := int(pos.Character)
	if col > len(line) {
		col = len(line)
	}

	start := col
	for start > 0 && isIdentChar(rune(line[start-1])) {
		start--
	}
	end := col
	for end < len(line) && isIdentChar(rune(line[end])) {
		end++
	}
	return line[start:end]
}

func boolPtr(b bool) *bool {
	return &b
}
