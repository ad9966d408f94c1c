package compiler

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/chazu/xmr/pkg/bytecode"
	"github.com/chazu/xmr/vm"
)

// compile parses and generates src, failing the test on any error.
func compile(t *testing.T, src string) []byte {
	t.Helper()
	var buf bytes.Buffer
	var sink ErrorList
	if err := Generate(mustParse(t, src), nil, &buf, &sink); err != nil {
		t.Fatalf("Generate() error = %v\n%s", err, sink.String())
	}
	return buf.Bytes()
}

func load(t *testing.T, src string) *vm.Script {
	t.Helper()
	env := vm.DefaultEnvironment()
	rd, err := bytecode.NewReader(bytes.NewReader(compile(t, src)))
	if err != nil {
		t.Fatalf("NewReader() error = %v", err)
	}
	routines, err := vm.Materialize(rd, env, nil, nil)
	if err != nil {
		t.Fatalf("Materialize() error = %v", err)
	}
	s, err := vm.NewScript(rd.Meta(), routines, env.Types())
	if err != nil {
		t.Fatalf("NewScript() error = %v", err)
	}
	return s
}

func call(t *testing.T, s *vm.Script, name string, args ...vm.Value) vm.Value {
	t.Helper()
	rt := s.Routine(name)
	if rt == nil {
		t.Fatalf("no routine %s", name)
	}
	v, err := rt.Invoke(nil, args...)
	if err != nil {
		t.Fatalf("%s() error = %v", name, err)
	}
	return v
}

type consoleHost struct {
	vm.NopHost
	lines []string
}

func (h *consoleHost) Console(_ *vm.Instance, line string) {
	h.lines = append(h.lines, line)
}

func start(t *testing.T, src string) (*vm.Instance, *consoleHost, *clock.Mock) {
	t.Helper()
	host := &consoleHost{}
	clk := clock.NewMock()
	in, err := vm.NewInstance(load(t, src), vm.Config{Name: "obj", Host: host, Clock: clk, Quantum: 1000})
	if err != nil {
		t.Fatalf("NewInstance() error = %v", err)
	}
	return in, host, clk
}

// settle steps the instance until it has nothing left to do, moving the
// clock forward past any sleep.
func settle(t *testing.T, in *vm.Instance, clk *clock.Mock) {
	t.Helper()
	for i := 0; i < 100000; i++ {
		switch in.Step(clk.Now()) {
		case vm.Idle:
			if in.QueueLen() == 0 {
				return
			}
		case vm.Dying:
			return
		case vm.Sleeping:
			clk.Add(in.Wake().Sub(clk.Now()))
		}
	}
	t.Fatal("instance never went idle")
}

func checkConsole(t *testing.T, got []string, want ...string) {
	t.Helper()
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("console = %q, want %q", got, want)
	}
}

// instructions returns the instruction records of one routine.
func instructions(t *testing.T, artifact []byte, routine string) []*bytecode.Record {
	t.Helper()
	rd, err := bytecode.NewReader(bytes.NewReader(artifact))
	if err != nil {
		t.Fatalf("NewReader() error = %v", err)
	}
	var out []*bytecode.Record
	in := false
	for {
		rec, err := rd.Next()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		switch {
		case rec.Code == bytecode.RecBegMethod:
			in = rec.Name == routine
		case rec.Code == bytecode.RecEndMethod:
			in = false
		case in && rec.Code.IsEmit():
			out = append(out, rec)
		}
	}
}

const parity = `
integer isEven(integer n) {
    if (n == 0) return TRUE;
    return isOdd(n - 1);
}

integer isOdd(integer n) {
    if (n == 0) return FALSE;
    return isEven(n - 1);
}

default {
    state_entry() {
    }
}
`

func TestCompileMutualRecursion(t *testing.T) {
	s := load(t, parity)
	if got := call(t, s, "isEven", int32(10)); got != int32(1) {
		t.Errorf("isEven(10) = %v, want 1", got)
	}
	if got := call(t, s, "isOdd", int32(10)); got != int32(0) {
		t.Errorf("isOdd(10) = %v, want 0", got)
	}
	if got := call(t, s, "isOdd", int32(7)); got != int32(1) {
		t.Errorf("isOdd(7) = %v, want 1", got)
	}
}

func TestCompileIsDeterministic(t *testing.T) {
	a := compile(t, parity)
	b := compile(t, parity)
	if !bytes.Equal(a, b) {
		t.Error("two compiles of the same source differ")
	}
}

func TestCompileLoops(t *testing.T) {
	s := load(t, `
integer sum(integer n) {
    integer total;
    integer i;
    for (i = 1; i <= n; i++) total += i;
    return total;
}

integer countdown(integer n) {
    integer steps;
    while (n > 0) {
        n--;
        steps++;
    }
    do steps += 10; while (FALSE);
    return steps;
}

integer hops(integer n) {
    integer k;
    @top;
    if (k < n) {
        k++;
        jump top;
    }
    return k;
}

default { state_entry() { } }
`)
	tests := []struct {
		fn   string
		arg  int32
		want int32
	}{
		{"sum", 100, 5050},
		{"sum", 0, 0},
		{"countdown", 5, 15},
		{"hops", 4, 4},
	}
	for _, tt := range tests {
		if got := call(t, s, tt.fn, tt.arg); got != tt.want {
			t.Errorf("%s(%d) = %v, want %d", tt.fn, tt.arg, got, tt.want)
		}
	}
}

func TestCompileNumericConversions(t *testing.T) {
	s := load(t, `
float half() {
    float f = 3;
    return f / 2;
}

float seven() {
    return 7;
}

integer truncate(float x) {
    return (integer)x;
}

integer parse(string s) {
    return (integer)s + 1;
}

default { state_entry() { } }
`)
	if got := call(t, s, "half"); got != 1.5 {
		t.Errorf("half() = %v, want 1.5", got)
	}
	if got := call(t, s, "seven"); got != float64(7) {
		t.Errorf("seven() = %#v, want float64(7)", got)
	}
	if got := call(t, s, "truncate", 2.9); got != int32(2) {
		t.Errorf("truncate(2.9) = %v, want 2", got)
	}
	if got := call(t, s, "parse", "41"); got != int32(42) {
		t.Errorf("parse(41) = %v, want 42", got)
	}
}

func TestCompileVectorsAndLists(t *testing.T) {
	s := load(t, `
vector moved() {
    vector v = <1, 2, 3>;
    v.x = 5;
    v.z += 1;
    return v;
}

float dot() {
    vector v = <1, 2, 3>;
    return v * <1, 1, 1>;
}

vector scaled() {
    return 2 * <1, 2, 3>;
}

integer count() {
    list l = [1, "two", <3, 3, 3>];
    l = l + 4.0;
    return llGetListLength(l);
}

default { state_entry() { } }
`)
	if got := call(t, s, "moved"); got != (vm.Vector{X: 5, Y: 2, Z: 4}) {
		t.Errorf("moved() = %v, want <5, 2, 4>", got)
	}
	if got := call(t, s, "dot"); got != 6.0 {
		t.Errorf("dot() = %v, want 6", got)
	}
	if got := call(t, s, "scaled"); got != (vm.Vector{X: 2, Y: 4, Z: 6}) {
		t.Errorf("scaled() = %v, want <2, 4, 6>", got)
	}
	if got := call(t, s, "count"); got != int32(4) {
		t.Errorf("count() = %v, want 4", got)
	}
}

func TestCompileGlobalInitializers(t *testing.T) {
	src := `
integer g = 2 + 3;
vector v = <1, 2, 3>;
string s;

default { state_entry() { } }
`
	in, _, _ := start(t, src)
	if got := in.Global(0); got != int32(5) {
		t.Errorf("g = %v, want 5", got)
	}
	if got := in.Global(1); got != (vm.Vector{X: 1, Y: 2, Z: 3}) {
		t.Errorf("v = %v, want <1, 2, 3>", got)
	}
	if got := in.Global(2); got != "" {
		t.Errorf("s = %q, want empty", got)
	}

	s := load(t, "integer plain;\ndefault { state_entry() { } }")
	if s.Meta().Init != "" {
		t.Errorf("Init = %q for a script with no initializers", s.Meta().Init)
	}
	if s.Routine(InitRoutine) != nil {
		t.Errorf("%s emitted for a script with no initializers", InitRoutine)
	}
}

func TestCompileLogicalOperatorsEvaluateBothSides(t *testing.T) {
	in, host, clk := start(t, `
integer calls;

integer bump() {
    calls++;
    return FALSE;
}

default {
    state_entry() {
        integer a = bump() && bump();
        integer b = TRUE || bump();
        llOwnerSay((string)a + (string)b + (string)calls);
    }
}
`)
	settle(t, in, clk)
	checkConsole(t, host.lines, "obj: 013")
}

func TestCompileTryCatchFinally(t *testing.T) {
	in, host, clk := start(t, `
string trace;

default {
    state_entry() {
        try {
            trace += "t";
            throw "boom";
            trace += "unreached";
        } catch (string e) {
            trace += "c:" + e;
        } finally {
            trace += "F";
        }
        integer i;
        for (i = 1; i < 2; i++) trace += (string)i;
        llOwnerSay(trace);

        integer z;
        try {
            z = 1 / z;
        } catch (string e) {
            llOwnerSay(e);
        }
    }
}
`)
	settle(t, in, clk)
	checkConsole(t, host.lines, "obj: tc:boomF1", "obj: Math Error: division by zero")
}

func TestCompileReturnRunsFinally(t *testing.T) {
	in, host, clk := start(t, `
integer depth() {
    try {
        try {
            return 7;
        } finally {
            llOwnerSay("inner");
        }
    } finally {
        llOwnerSay("outer");
    }
    return 0;
}

default {
    state_entry() {
        llOwnerSay((string)depth());
    }
}
`)
	settle(t, in, clk)
	checkConsole(t, host.lines, "obj: inner", "obj: outer", "obj: 7")
}

func TestCompileStateChangeRunsFinallyThenStateExit(t *testing.T) {
	in, host, clk := start(t, `
default {
    state_entry() {
        try {
            state lit;
        } finally {
            llOwnerSay("finally");
        }
        llOwnerSay("not reached");
    }

    state_exit() {
        llOwnerSay("exit default");
    }
}

state lit {
    state_entry() {
        llOwnerSay("enter lit");
    }
}
`)
	settle(t, in, clk)
	checkConsole(t, host.lines, "obj: finally", "obj: exit default", "obj: enter lit")
	if in.StateCode() != 1 {
		t.Errorf("StateCode() = %d, want 1", in.StateCode())
	}
}

func TestCompileDieCannotBeEscapedByFinally(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []string
	}{
		{
			name: "fault in finally",
			body: `
        try {
            llDie();
        } finally {
            llOwnerSay("cleanup");
            throw "boom";
        }`,
			want: []string{"obj: cleanup"},
		},
		{
			name: "fault caught by outer catch",
			body: `
        try {
            try {
                llDie();
            } finally {
                throw "boom";
            }
        } catch (string e) {
            llOwnerSay("caught " + e);
        } finally {
            llOwnerSay("outer finally");
        }
        llOwnerSay("kept running");`,
			want: []string{"obj: outer finally"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, host, clk := start(t, `
default {
    state_entry() {`+tt.body+`
    }

    touch_start(integer n) {
        llOwnerSay("alive after die");
    }
}
`)
			settle(t, in, clk)
			if !in.Dead() || in.State() != vm.Dying {
				t.Fatalf("Dead() = %v, State() = %v, want dead and Dying", in.Dead(), in.State())
			}
			err := in.PostEvent(vm.Event{Code: vm.EvTouchStart, Args: []vm.Value{int32(1)}})
			if !errors.Is(err, vm.ErrInstanceDead) {
				t.Errorf("PostEvent() error = %v, want ErrInstanceDead", err)
			}
			settle(t, in, clk)
			checkConsole(t, host.lines, tt.want...)
		})
	}
}

func TestCompileStateChangeToSameStateReturns(t *testing.T) {
	in, host, clk := start(t, `
default {
    state_entry() {
        llOwnerSay("entry");
        state default;
        llOwnerSay("not reached");
    }

    state_exit() {
        llOwnerSay("exit");
    }
}
`)
	settle(t, in, clk)
	checkConsole(t, host.lines, "obj: entry")
}

func TestCompileSleepSuspendsHandler(t *testing.T) {
	in, host, clk := start(t, `
default {
    state_entry() {
        llSleep(0.5);
        llOwnerSay("woke");
    }
}
`)
	if st := in.Step(clk.Now()); st != vm.Sleeping {
		t.Fatalf("Step() = %v, want Sleeping", st)
	}
	clk.Add(499 * time.Millisecond)
	if st := in.Step(clk.Now()); st != vm.Sleeping {
		t.Fatalf("Step() at 499ms = %v, want Sleeping", st)
	}
	clk.Add(time.Millisecond)
	if st := in.Step(clk.Now()); st != vm.Idle {
		t.Fatalf("Step() at 500ms = %v, want Idle", st)
	}
	checkConsole(t, host.lines, "obj: woke")
}

func TestCompileLongLoopYields(t *testing.T) {
	in, host, clk := start(t, `
default {
    state_entry() {
        integer i;
        while (i < 100000) i++;
        llOwnerSay((string)i);
    }
}
`)
	if st := in.Step(clk.Now()); st != vm.Running {
		t.Fatalf("first Step() = %v, want Running", st)
	}
	settle(t, in, clk)
	checkConsole(t, host.lines, "obj: 100000")
}

func TestCompileEventParameters(t *testing.T) {
	in, host, clk := start(t, `
default {
    listen(integer channel, string name, key id, string message) {
        llOwnerSay(name + "@" + (string)channel + ": " + message);
    }

    touch_start(integer n) {
        llOwnerSay(llDetectedName(0) + " x" + (string)n);
    }
}
`)
	settle(t, in, clk)
	err := in.PostEvent(vm.Event{Code: vm.EvListen, Args: []vm.Value{int32(7), "Bob", vm.NullKey, "hi"}})
	if err != nil {
		t.Fatalf("PostEvent(listen) error = %v", err)
	}
	err = in.PostEvent(vm.Event{
		Code:   vm.EvTouchStart,
		Args:   []vm.Value{int32(1)},
		Detect: []*vm.DetectParams{{Name: "Alice"}},
	})
	if err != nil {
		t.Fatalf("PostEvent(touch_start) error = %v", err)
	}
	settle(t, in, clk)
	checkConsole(t, host.lines, "obj: Bob@7: hi", "obj: Alice x1")
}

func TestCompileCheckRunPlacement(t *testing.T) {
	artifact := compile(t, `
integer f(integer x) { return x + 1; }

default {
    state_entry() {
        integer i;
        list l = [1, 2];
        while (i < 3) {
            i = f(i);
            llOwnerSay((string)i);
        }
    }
}
`)
	code := instructions(t, artifact, HandlerName("default", "state_entry"))
	calls, backEdges := 0, 0
	for i, rec := range code {
		switch rec.Op {
		case bytecode.OpCall, bytecode.OpCallExt:
			calls++
			if i+1 >= len(code) || code[i+1].Op != bytecode.OpCheckRun {
				t.Errorf("%s %s at %d is not followed by CHECKRUN", rec.Op, rec.Name, i)
			}
		case bytecode.OpBr:
			backEdges++
			if i == 0 || code[i-1].Op != bytecode.OpCheckRun {
				t.Errorf("loop branch at %d is not preceded by CHECKRUN", i)
			}
		}
	}
	// Two list appends, f and llOwnerSay.
	if calls != 4 {
		t.Errorf("found %d calls, want 4", calls)
	}
	if backEdges != 1 {
		t.Errorf("found %d branches, want 1", backEdges)
	}
}

func TestGenerateErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"undefined name", "default { state_entry() { x = 1; } }", "undefined name x"},
		{"type mismatch", `default { state_entry() { integer i = "s"; } }`, "cannot use string as int"},
		{"void value", "f() { }\ndefault { state_entry() { integer i = f(); } }", "expression has no value"},
		{"undefined function", "default { state_entry() { llNope(); } }", "undefined function llNope"},
		{"argument count", "default { state_entry() { llOwnerSay(); } }", "llOwnerSay takes 1 arguments, got 0"},
		{"return in finally", "default { state_entry() { try { } finally { return; } } }", "return inside finally"},
		{"return value from handler", "default { state_entry() { return 1; } }", "return with a value"},
		{"missing return value", "integer f() { return; }\ndefault { state_entry() { } }", "missing return value"},
		{"jump out of try", "default { state_entry() { try { jump out; } finally { } @out; } }", "jump to out crosses a try block boundary"},
		{"undefined label", "default { state_entry() { jump nowhere; } }", "jump to undefined label nowhere"},
		{"label twice", "default { state_entry() { @a; @a; } }", "label a defined twice"},
		{"state in function", "f() { state default; }\ndefault { state_entry() { } }", "state change outside an event handler"},
		{"state in finally", "default { state_entry() { try { } finally { state other; } } }\nstate other { state_entry() { } }", "state change inside finally"},
		{"undefined state", "default { state_entry() { state nowhere; } }", "undefined state nowhere"},
		{"unknown event", "default { on_fire() { } }", "unknown event on_fire"},
		{"handler arity", "default { touch_start() { } }", "touch_start takes 1 parameters, not 0"},
		{"handler param type", "default { touch_start(string n) { } }", "touch_start parameter n must be int"},
		{"duplicate handler", "default { state_entry() { } state_entry() { } }", "two state_entry handlers"},
		{"global redeclared", "integer a;\ninteger a;\ndefault { state_entry() { } }", "global a redeclared"},
		{"library shadowed", "integer llAbs(integer x) { return x; }\ndefault { state_entry() { } }", "shadows a library function"},
		{"nested list", "default { state_entry() { list l = [[1]]; } }", "lists cannot contain lists"},
		{"declaration as body", "default { state_entry() { if (TRUE) integer x; } }", "declaration is not allowed here"},
		{"assign constant", "default { state_entry() { PI = 3; } }", "cannot assign to constant PI"},
		{"bad member", "default { state_entry() { vector v; v.w = 1; } }", "vector has no member w"},
		{"bad operands", `default { state_entry() { integer i = "a" - 1; } }`, "invalid operands for -"},
		{"bad cast", "default { state_entry() { vector v = (vector)1; } }", "cannot cast int to vector"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := Generate(mustParse(t, tt.src), nil, &buf, nil)
			if err == nil {
				t.Fatalf("Generate() succeeded, want error containing %q", tt.want)
			}
			var ce *CodeGenError
			if !errors.As(err, &ce) {
				t.Fatalf("error is %T, want *CodeGenError", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestGenerateReportsEveryRoutine(t *testing.T) {
	src := `integer f() { return "s"; }
default {
    state_entry() { x = 1; }
    touch_start(integer n) { llNope(); }
}`
	var sink ErrorList
	err := Generate(mustParse(t, src), nil, io.Discard, &sink)
	if err == nil {
		t.Fatal("Generate() succeeded, want errors")
	}
	if len(sink.Errs) != 3 {
		t.Fatalf("reported %d errors, want 3:\n%s", len(sink.Errs), sink.String())
	}
	if sink.Errs[0] != err {
		t.Error("returned error is not the first reported one")
	}
	for i, want := range []string{"cannot use string as int", "undefined name x", "undefined function llNope"} {
		if !strings.Contains(sink.Errs[i].Error(), want) {
			t.Errorf("error %d = %q, want it to contain %q", i, sink.Errs[i], want)
		}
	}
}
