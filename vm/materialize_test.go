package vm

import (
	"bytes"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/chazu/xmr/pkg/bytecode"
)

// writeParity emits isEven/isOdd, each calling the other. Both are declared
// before either body, so isEven's body calls a method defined after it.
func writeParity(p *testProgram) {
	even := p.declare("isEven", TagInt, TagInt)
	odd := p.declare("isOdd", TagInt, TagInt)
	body := func(mw, other *bytecode.MethodWriter, base int32) {
		mw.Begin()
		recurse := mw.DefineLabel("recurse")
		mw.EmitInteger(bytecode.OpLdArg, 0)
		mw.EmitInteger(bytecode.OpLdcI4, 0)
		mw.Emit(bytecode.OpCeq)
		mw.EmitLabel(bytecode.OpBrFalse, recurse)
		mw.EmitInteger(bytecode.OpLdcI4, base)
		mw.Emit(bytecode.OpRet)
		mw.MarkLabel(recurse)
		mw.EmitInteger(bytecode.OpLdArg, 0)
		mw.EmitInteger(bytecode.OpLdcI4, 1)
		mw.Emit(bytecode.OpSub)
		mw.EmitCall(bytecode.OpCall, other)
		mw.Emit(bytecode.OpCheckRun)
		mw.Emit(bytecode.OpRet)
		mw.End()
	}
	body(even, odd, 1)
	body(odd, even, 0)
}

func TestMaterializeMutualRecursion(t *testing.T) {
	p := newTestProgram(nil)
	writeParity(p)
	routines, _ := p.materialize(t, DefaultEnvironment())

	tests := []struct {
		fn   string
		n    int32
		want int32
	}{
		{"isEven", 10, 1},
		{"isEven", 7, 0},
		{"isOdd", 7, 1},
		{"isOdd", 0, 0},
	}
	for _, tt := range tests {
		got, err := routines[tt.fn].Invoke(nil, tt.n)
		if err != nil {
			t.Fatalf("%s(%d) error = %v", tt.fn, tt.n, err)
		}
		if got != tt.want {
			t.Errorf("%s(%d) = %v, want %v", tt.fn, tt.n, got, tt.want)
		}
	}
}

func TestMaterializeOnEnd(t *testing.T) {
	p := newTestProgram(nil)
	writeParity(p)
	rd, err := bytecode.NewReader(bytes.NewReader(p.bytes(t)))
	if err != nil {
		t.Fatal(err)
	}
	var ended []string
	var trace strings.Builder
	routines, err := Materialize(rd, DefaultEnvironment(), func(r *Routine) {
		if !r.Defined() {
			t.Errorf("onEnd(%s) before the routine was sealed", r.Name)
		}
		ended = append(ended, r.Name)
	}, &trace)
	if err != nil {
		t.Fatalf("Materialize() error = %v", err)
	}
	if strings.Join(ended, ",") != "isEven,isOdd" {
		t.Errorf("onEnd order = %v, want [isEven isOdd]", ended)
	}
	if len(routines) != 2 {
		t.Errorf("len(routines) = %d, want 2", len(routines))
	}
	if !strings.Contains(trace.String(), "CALL        isOdd") {
		t.Errorf("trace missing call line:\n%s", trace.String())
	}
}

// writeSum emits sum(n) = 1+2+...+n as a counted loop.
func writeSum(p *testProgram) {
	mw := p.declare("sum", TagInt, TagInt)
	mw.Begin()
	acc := mw.DeclareLocal(TagInt, "acc")
	i := mw.DeclareLocal(TagInt, "i")
	top := mw.DefineLabel("top")
	done := mw.DefineLabel("done")
	mw.EmitInteger(bytecode.OpLdcI4, 1)
	mw.EmitLocal(bytecode.OpStLoc, i)
	mw.MarkLabel(top)
	mw.EmitLocal(bytecode.OpLdLoc, i)
	mw.EmitInteger(bytecode.OpLdArg, 0)
	mw.Emit(bytecode.OpCgt)
	mw.EmitLabel(bytecode.OpBrTrue, done)
	mw.EmitLocal(bytecode.OpLdLoc, acc)
	mw.EmitLocal(bytecode.OpLdLoc, i)
	mw.Emit(bytecode.OpAdd)
	mw.EmitLocal(bytecode.OpStLoc, acc)
	mw.EmitLocal(bytecode.OpLdLoc, i)
	mw.EmitInteger(bytecode.OpLdcI4, 1)
	mw.Emit(bytecode.OpAdd)
	mw.EmitLocal(bytecode.OpStLoc, i)
	mw.Emit(bytecode.OpCheckRun)
	mw.EmitLabel(bytecode.OpBr, top)
	mw.MarkLabel(done)
	mw.EmitLocal(bytecode.OpLdLoc, acc)
	mw.Emit(bytecode.OpRet)
	mw.End()
}

func TestMaterializedMatchesReference(t *testing.T) {
	p := newTestProgram(nil)
	writeSum(p)
	routines, _ := p.materialize(t, DefaultEnvironment())
	for _, n := range []int32{0, 1, 10, 100} {
		var want int32
		for i := int32(1); i <= n; i++ {
			want += i
		}
		got, err := routines["sum"].Invoke(nil, n)
		if err != nil {
			t.Fatalf("sum(%d) error = %v", n, err)
		}
		if got != want {
			t.Errorf("sum(%d) = %v, want %v", n, got, want)
		}
	}
}

func TestMaterializeResolutionErrors(t *testing.T) {
	tests := []struct {
		name  string
		write func(p *testProgram)
		kind  string
	}{
		{
			name: "unknown extern",
			write: func(p *testProgram) {
				mw := p.declare("f", TagVoid)
				mw.Begin()
				mw.EmitExtern(bytecode.OpCallExt, bytecode.ExtRef{Name: "llNope", Owner: TagLSL})
				mw.Emit(bytecode.OpRet)
				mw.End()
			},
			kind: "extern",
		},
		{
			name: "extern with wrong parameter tags",
			write: func(p *testProgram) {
				mw := p.declare("f", TagVoid)
				mw.Begin()
				mw.EmitExtern(bytecode.OpCallExt, bytecode.ExtRef{Name: "llSay", Owner: TagLSL, Params: []string{TagFloat, TagString}})
				mw.Emit(bytecode.OpRet)
				mw.End()
			},
			kind: "extern",
		},
		{
			name: "unknown type",
			write: func(p *testProgram) {
				mw := p.declare("f", "github.com/example/world.Prim")
				mw.Begin()
				mw.Emit(bytecode.OpRet)
				mw.End()
			},
			kind: "type",
		},
		{
			name: "unknown field",
			write: func(p *testProgram) {
				mw := p.declare("f", TagVoid)
				mw.Begin()
				mw.EmitField(bytecode.OpLdFld, TagVector, "w")
				mw.Emit(bytecode.OpRet)
				mw.End()
			},
			kind: "field",
		},
		{
			name: "unknown ctor",
			write: func(p *testProgram) {
				mw := p.declare("f", TagVoid)
				mw.Begin()
				mw.EmitCtor(bytecode.OpNewObj, bytecode.CtorRef{Owner: TagVector, Params: []string{TagInt}})
				mw.Emit(bytecode.OpRet)
				mw.End()
			},
			kind: "ctor",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProgram(nil)
			tt.write(p)
			rd, err := bytecode.NewReader(bytes.NewReader(p.bytes(t)))
			if err != nil {
				t.Fatal(err)
			}
			routines, err := Materialize(rd, DefaultEnvironment(), nil, nil)
			var re *ResolutionError
			if !errors.As(err, &re) {
				t.Fatalf("error = %v, want *ResolutionError", err)
			}
			if re.Kind != tt.kind {
				t.Errorf("Kind = %q, want %q", re.Kind, tt.kind)
			}
			if routines != nil {
				t.Error("partial routine table returned")
			}
		})
	}
}

func TestMaterializeMalformed(t *testing.T) {
	t.Run("label never marked", func(t *testing.T) {
		p := newTestProgram(nil)
		mw := p.declare("f", TagVoid)
		mw.Begin()
		l := mw.DefineLabel("nowhere")
		mw.EmitLabel(bytecode.OpBr, l)
		mw.End()
		rd, _ := bytecode.NewReader(bytes.NewReader(p.bytes(t)))
		_, err := Materialize(rd, DefaultEnvironment(), nil, nil)
		var mse *bytecode.MalformedStreamError
		if !errors.As(err, &mse) || !strings.Contains(err.Error(), "never marked") {
			t.Errorf("error = %v, want unmarked label", err)
		}
	})

	t.Run("truncated", func(t *testing.T) {
		p := newTestProgram(nil)
		writeParity(p)
		data := p.bytes(t)
		rd, err := bytecode.NewReader(bytes.NewReader(data[:len(data)-20]))
		if err != nil {
			t.Fatal(err)
		}
		routines, err := Materialize(rd, DefaultEnvironment(), nil, nil)
		var mse *bytecode.MalformedStreamError
		if !errors.As(err, &mse) {
			t.Errorf("error = %v, want *MalformedStreamError", err)
		}
		if routines != nil {
			t.Error("partial routine table returned")
		}
	})

	t.Run("argument out of range", func(t *testing.T) {
		p := newTestProgram(nil)
		mw := p.declare("f", TagInt)
		mw.Begin()
		mw.EmitInteger(bytecode.OpLdArg, 2)
		mw.Emit(bytecode.OpRet)
		mw.End()
		rd, _ := bytecode.NewReader(bytes.NewReader(p.bytes(t)))
		_, err := Materialize(rd, DefaultEnvironment(), nil, nil)
		if err == nil || !strings.Contains(err.Error(), "out of range") {
			t.Errorf("error = %v, want argument out of range", err)
		}
	})
}

func TestTypeRegistry(t *testing.T) {
	r := NewTypeRegistry()
	for _, tag := range []string{TagVoid, TagInt, TagFloat, TagString, TagVector, TagList, TagObject, TagInstance, TagLSL, TagMath, TagDetect} {
		if _, err := r.Lookup(tag); err != nil {
			t.Errorf("Lookup(%q) error = %v", tag, err)
		}
	}
	if _, err := r.Lookup("Int"); err == nil {
		t.Error("Lookup is not exact: \"Int\" resolved")
	}
	ti, _ := r.Lookup(TagList)
	if l, ok := ti.Zero().(List); !ok || len(l) != 0 {
		t.Errorf("list zero value = %#v", ti.Zero())
	}
}

type hostPrim struct{ Name string }

func TestTypeRegistryHostTypes(t *testing.T) {
	typ := reflect.TypeOf(hostPrim{})
	r := NewTypeRegistry(typ)
	tag, err := r.TagOf(typ)
	if err != nil {
		t.Fatalf("TagOf() error = %v", err)
	}
	if tag != "github.com/chazu/xmr/vm.hostPrim" {
		t.Errorf("tag = %q, want fully-qualified name", tag)
	}
	if _, err := r.Lookup(tag); err != nil {
		t.Errorf("Lookup(%q) error = %v", tag, err)
	}
	if _, err := DefaultTypes().Lookup(tag); err == nil {
		t.Error("host type leaked into the default registry")
	}
}
