package vm

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/chazu/xmr/pkg/bytecode"
)

// recorder collects values passed to the test-only lsl:Mark(object) extern.
type recorder struct {
	marks []Value
}

var markRef = bytecode.ExtRef{Name: "Mark", Owner: TagLSL, Params: []string{TagObject}}

func testEnv(rec *recorder) *Environment {
	env := NewStdEnvironment(NewTypeRegistry())
	MustAdd(
		env.AddExtern(&Extern{Owner: TagLSL, Name: "Mark", Params: []string{TagObject}, Result: TagVoid,
			Fn: func(_ *Instance, args []Value) (Value, error) {
				rec.marks = append(rec.marks, args[0])
				return nil, nil
			}}),
		env.AddExtern(&Extern{Owner: TagLSL, Name: "Explode", Result: TagVoid,
			Fn: func(_ *Instance, args []Value) (Value, error) {
				panic("kaboom")
			}}),
	)
	return env
}

// mark emits Mark(n).
func mark(mw *bytecode.MethodWriter, n int32) {
	mw.EmitInteger(bytecode.OpLdcI4, n)
	mw.EmitExtern(bytecode.OpCallExt, markRef)
}

// testProgram assembles an artifact in memory.
type testProgram struct {
	buf bytes.Buffer
	ow  *bytecode.ObjWriter
}

func newTestProgram(meta *bytecode.ScriptMeta) *testProgram {
	p := &testProgram{}
	p.ow = bytecode.NewObjWriter(&p.buf, meta)
	return p
}

func (p *testProgram) declare(name, ret string, params ...string) *bytecode.MethodWriter {
	return p.ow.DeclareMethod(name, ret, params)
}

func (p *testProgram) bytes(t *testing.T) []byte {
	t.Helper()
	if err := p.ow.Finish(); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	return p.buf.Bytes()
}

func (p *testProgram) materialize(t *testing.T, env *Environment) (map[string]*Routine, *bytecode.ScriptMeta) {
	t.Helper()
	rd, err := bytecode.NewReader(bytes.NewReader(p.bytes(t)))
	if err != nil {
		t.Fatalf("NewReader() error = %v", err)
	}
	routines, err := Materialize(rd, env, nil, nil)
	if err != nil {
		t.Fatalf("Materialize() error = %v", err)
	}
	return routines, rd.Meta()
}

func (p *testProgram) script(t *testing.T, env *Environment) *Script {
	t.Helper()
	routines, meta := p.materialize(t, env)
	s, err := NewScript(meta, routines, env.Types())
	if err != nil {
		t.Fatalf("NewScript() error = %v", err)
	}
	return s
}

// recordingHost records host requests.
type recordingHost struct {
	mu      sync.Mutex
	removed int
	masks   []EventMask
	timers  []time.Duration
	console []string
	said    []string
	listens int32
}

func (h *recordingHost) RemoveSubscriptions(*Instance) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removed++
}

func (h *recordingHost) SetEventMask(_ *Instance, m EventMask) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.masks = append(h.masks, m)
}

func (h *recordingHost) SetTimer(_ *Instance, d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.timers = append(h.timers, d)
}

func (h *recordingHost) Listen(*Instance, int32, string, string, string) int32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listens++
	return h.listens
}

func (h *recordingHost) ListenRemove(*Instance, int32) {}

func (h *recordingHost) Say(_ *Instance, _ int32, msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.said = append(h.said, msg)
}

func (h *recordingHost) Console(_ *Instance, line string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.console = append(h.console, line)
}

func equalMarks(got []Value, want ...int32) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range want {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
