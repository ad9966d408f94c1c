package vm

import (
	"fmt"

	"github.com/chazu/xmr/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// Frames and protected regions
// ---------------------------------------------------------------------------

type handlerKind uint8

const (
	handlerFinally handlerKind = iota
	handlerCatch
)

// handler is an entered TRY or TRYCATCH region.
type handler struct {
	kind   handlerKind
	target int // first instruction of the finally or catch block
	sp     int // operand stack height when the region was entered
}

// pendingFinally is a finally block that is currently running. When it
// reaches ENDFINALLY either err is re-raised or control resumes.
type pendingFinally struct {
	depth  int
	err    error
	resume int
}

type frame struct {
	rt       *Routine
	pc       int
	args     []Value
	locals   []Value
	base     int
	handlers []handler
	finals   []pendingFinally
}

// dropFinals discards running finally blocks that an error is escaping.
func (f *frame) dropFinals(depth int) {
	n := len(f.finals)
	for n > 0 && f.finals[n-1].depth > depth {
		n--
	}
	f.finals = f.finals[:n]
}

// maxCallDepth bounds script recursion.
const maxCallDepth = 4096

// ---------------------------------------------------------------------------
// thread: one resumable execution of a routine
// ---------------------------------------------------------------------------

type runStatus int

const (
	statusDone      runStatus = iota // the entry routine returned
	statusSuspended                  // CHECKRUN saw a pending suspend
	statusYielded                    // CHECKRUN saw the slice budget spent
)

// thread keeps its whole call stack on the heap so that a suspension at a
// CHECKRUN can be resumed later from exactly the same point.
type thread struct {
	inst    *Instance
	globals []Value
	stack   []Value
	frames  []*frame
	result  Value

	unlimited bool // ignore suspends and slice budgets
	executed  int
	budget    int
}

func newThread(inst *Instance, globals []Value, rt *Routine, args []Value) (*thread, error) {
	if len(args) != len(rt.Params) {
		return nil, fmt.Errorf("%s takes %d arguments, got %d", rt.Name, len(rt.Params), len(args))
	}
	t := &thread{inst: inst, globals: globals, stack: make([]Value, 0, 32)}
	if err := t.pushFrame(rt, append([]Value(nil), args...)); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *thread) top() *frame { return t.frames[len(t.frames)-1] }

func (t *thread) push(v Value) { t.stack = append(t.stack, v) }

func (t *thread) pop() Value {
	v := t.stack[len(t.stack)-1]
	t.stack = t.stack[:len(t.stack)-1]
	return v
}

func (t *thread) popN(n int) []Value {
	args := make([]Value, n)
	copy(args, t.stack[len(t.stack)-n:])
	t.stack = t.stack[:len(t.stack)-n]
	return args
}

func (t *thread) pushFrame(rt *Routine, args []Value) error {
	if !rt.defined {
		return faultf("call to undefined routine %s", rt.Name)
	}
	if len(t.frames) >= maxCallDepth {
		return faultf("stack overflow calling %s", rt.Name)
	}
	locals := make([]Value, len(rt.locals))
	for i, ti := range rt.locals {
		locals[i] = ti.Zero()
	}
	t.frames = append(t.frames, &frame{
		rt:     rt,
		args:   args,
		locals: locals,
		base:   len(t.stack),
	})
	return nil
}

func (t *thread) popFrame() {
	f := t.top()
	t.stack = t.stack[:f.base]
	t.frames[len(t.frames)-1] = nil
	t.frames = t.frames[:len(t.frames)-1]
}

// run executes until the entry routine returns, a CHECKRUN suspends or
// yields, or an error escapes every protected region. budget is the number
// of instructions after which a CHECKRUN yields; zero means no limit.
func (t *thread) run(budget int) (runStatus, error) {
	t.budget = budget
	t.executed = 0
	for {
		st, err := t.exec()
		if err == nil {
			return st, nil
		}
		if !t.raise(err) {
			return statusDone, err
		}
	}
}

// fault attaches the current position to an error raised by an instruction.
// Unwind signals pass through untouched.
func (t *thread) fault(err error) error {
	if IsUnwind(err) {
		return err
	}
	f, ok := err.(*ScriptRuntimeFault)
	if !ok {
		f = &ScriptRuntimeFault{Message: err.Error(), Err: err}
	}
	if f.Routine == "" && len(t.frames) > 0 {
		top := t.top()
		f.Routine = top.rt.Name
		f.PC = top.pc - 1
	}
	return f
}

// raise transfers control to the innermost region that handles err,
// popping frames as needed. It returns false if nothing handles it.
// Catch regions see only faults; finally regions see everything. Once the
// instance has died nothing is catchable, so a fault thrown by a finally
// block cannot resume the script.
func (t *thread) raise(err error) bool {
	unwind := IsUnwind(err) || (t.inst != nil && t.inst.dieFlag)
	for len(t.frames) > 0 {
		f := t.top()
		for len(f.handlers) > 0 {
			h := f.handlers[len(f.handlers)-1]
			f.handlers = f.handlers[:len(f.handlers)-1]
			f.dropFinals(len(f.handlers))
			if h.kind == handlerCatch && unwind {
				continue
			}
			t.stack = t.stack[:h.sp]
			if h.kind == handlerFinally {
				f.finals = append(f.finals, pendingFinally{depth: len(f.handlers), err: err})
			} else {
				t.push(catchValue(err))
			}
			f.pc = h.target
			return true
		}
		t.popFrame()
	}
	return false
}

// catchValue is what a catch block receives for a fault.
func catchValue(err error) Value {
	if f, ok := err.(*ScriptRuntimeFault); ok {
		if s, ok := f.Value.(string); ok {
			return s
		}
		return f.Message
	}
	return err.Error()
}

func (t *thread) exec() (status runStatus, err error) {
	defer func() {
		if r := recover(); r != nil {
			status = statusDone
			err = t.fault(&ScriptRuntimeFault{Message: fmt.Sprintf("panic: %v", r)})
		}
	}()

	for {
		f := t.top()
		code := f.rt.code
		if f.pc >= len(code) {
			return statusDone, t.fault(faultf("execution ran past end of %s", f.rt.Name))
		}
		in := &code[f.pc]
		f.pc++
		t.executed++

		switch in.op {
		case bytecode.OpNop:
		case bytecode.OpPop:
			t.pop()
		case bytecode.OpDup:
			t.push(t.stack[len(t.stack)-1])
		case bytecode.OpLdNull:
			t.push(nil)
		case bytecode.OpLdInst:
			if t.inst == nil {
				t.push(nil)
			} else {
				t.push(t.inst)
			}

		case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv, bytecode.OpRem,
			bytecode.OpAnd, bytecode.OpOr, bytecode.OpXor, bytecode.OpShl, bytecode.OpShr,
			bytecode.OpCeq, bytecode.OpCgt, bytecode.OpClt:
			b := t.pop()
			a := t.pop()
			v, err := binaryOp(in.op, a, b)
			if err != nil {
				return statusDone, t.fault(err)
			}
			t.push(v)

		case bytecode.OpNeg, bytecode.OpNot, bytecode.OpLNot:
			v, err := unaryOp(in.op, t.pop())
			if err != nil {
				return statusDone, t.fault(err)
			}
			t.push(v)

		case bytecode.OpRet:
			var result Value
			void := f.rt.Void()
			if !void {
				result = t.pop()
			}
			t.popFrame()
			if len(t.frames) == 0 {
				t.result = result
				return statusDone, nil
			}
			if !void {
				t.push(result)
			}

		case bytecode.OpThrow:
			v := t.pop()
			return statusDone, t.fault(&ScriptRuntimeFault{Message: FormatValue(v), Value: v})

		case bytecode.OpEndFinally:
			if len(f.finals) == 0 {
				return statusDone, t.fault(faultf("ENDFINALLY outside a finally block"))
			}
			fin := f.finals[len(f.finals)-1]
			f.finals = f.finals[:len(f.finals)-1]
			if fin.err != nil {
				return statusDone, fin.err
			}
			f.pc = fin.resume

		case bytecode.OpCheckRun:
			if t.unlimited {
				continue
			}
			if t.inst != nil && t.inst.suspendPending {
				return statusSuspended, nil
			}
			if t.budget > 0 && t.executed >= t.budget {
				return statusYielded, nil
			}

		case bytecode.OpLdLoc:
			t.push(f.locals[in.n])
		case bytecode.OpStLoc:
			f.locals[in.n] = t.pop()
		case bytecode.OpLdArg:
			t.push(f.args[in.n])
		case bytecode.OpStArg:
			f.args[in.n] = t.pop()
		case bytecode.OpLdGlb:
			if int(in.n) >= len(t.globals) {
				return statusDone, t.fault(faultf("global %d not available", in.n))
			}
			t.push(t.globals[in.n])
		case bytecode.OpStGlb:
			if int(in.n) >= len(t.globals) {
				return statusDone, t.fault(faultf("global %d not available", in.n))
			}
			t.globals[in.n] = t.pop()

		case bytecode.OpLdcI4:
			t.push(in.n)
		case bytecode.OpLdcR8, bytecode.OpLdcR4:
			t.push(in.f)
		case bytecode.OpLdStr:
			t.push(in.s)

		case bytecode.OpConv:
			v, err := Convert(t.pop(), in.typ.Tag)
			if err != nil {
				return statusDone, t.fault(err)
			}
			t.push(v)
		case bytecode.OpLdDef:
			t.push(in.typ.Zero())

		case bytecode.OpLdFld:
			v, err := in.field.Get(t.pop())
			if err != nil {
				return statusDone, t.fault(err)
			}
			t.push(v)
		case bytecode.OpStFld:
			v := t.pop()
			recv, err := in.field.Set(t.pop(), v)
			if err != nil {
				return statusDone, t.fault(err)
			}
			t.push(recv)

		case bytecode.OpBr:
			f.pc = int(in.n)
		case bytecode.OpBrTrue:
			if Truthy(t.pop()) {
				f.pc = int(in.n)
			}
		case bytecode.OpBrFalse:
			if !Truthy(t.pop()) {
				f.pc = int(in.n)
			}

		case bytecode.OpTry:
			f.handlers = append(f.handlers, handler{kind: handlerFinally, target: int(in.n), sp: len(t.stack)})
		case bytecode.OpTryCatch:
			f.handlers = append(f.handlers, handler{kind: handlerCatch, target: int(in.n), sp: len(t.stack)})
		case bytecode.OpLeave:
			if len(f.handlers) == 0 {
				return statusDone, t.fault(faultf("LEAVE outside a protected region"))
			}
			h := f.handlers[len(f.handlers)-1]
			f.handlers = f.handlers[:len(f.handlers)-1]
			f.dropFinals(len(f.handlers))
			t.stack = t.stack[:h.sp]
			if h.kind == handlerFinally {
				f.finals = append(f.finals, pendingFinally{depth: len(f.handlers), resume: int(in.n)})
				f.pc = h.target
			} else {
				f.pc = int(in.n)
			}

		case bytecode.OpCall:
			args := t.popN(len(in.call.Params))
			if err := t.pushFrame(in.call, args); err != nil {
				return statusDone, t.fault(err)
			}

		case bytecode.OpCallExt:
			args := t.popN(len(in.ext.Params))
			v, err := t.callExtern(in.ext, args)
			if err != nil {
				return statusDone, t.fault(err)
			}
			if in.ext.Result != TagVoid {
				t.push(v)
			}

		case bytecode.OpNewObj:
			args := t.popN(len(in.ctor.Params))
			v, err := in.ctor.Fn(args)
			if err != nil {
				return statusDone, t.fault(err)
			}
			t.push(v)

		default:
			return statusDone, t.fault(faultf("unimplemented opcode %s", in.op))
		}
	}
}

// callExtern isolates Go panics raised by an external function.
func (t *thread) callExtern(x *Extern, args []Value) (v Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = faultf("%s panicked: %v", x.Signature(), r)
		}
	}()
	return x.Fn(t.inst, args)
}

// Invoke runs the routine to completion outside the scheduler. Suspension
// requests and slice budgets are ignored. inst may be nil, in which case
// instance callbacks and script globals are unavailable.
func (r *Routine) Invoke(inst *Instance, args ...Value) (Value, error) {
	var globals []Value
	if inst != nil {
		globals = inst.globals
	}
	t, err := newThread(inst, globals, r, args)
	if err != nil {
		return nil, err
	}
	t.unlimited = true
	if _, err := t.run(0); err != nil {
		return nil, err
	}
	return t.result, nil
}
