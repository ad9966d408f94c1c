package compiler

import (
	"fmt"
	"io"

	"github.com/chazu/xmr/pkg/bytecode"
	"github.com/chazu/xmr/vm"
)

// ---------------------------------------------------------------------------
// Code generation: AST -> bytecode artifact
// ---------------------------------------------------------------------------

// InitRoutine is the name of the routine that assigns global initializers.
const InitRoutine = "$globals"

// HandlerName returns the routine name of an event handler.
func HandlerName(state, event string) string {
	return state + "$" + event
}

var stateChangeRef = bytecode.ExtRef{Name: "StateChange", Owner: vm.TagInstance}

type globalSym struct {
	index int32
	tag   string
}

type funcSym struct {
	decl   *FuncDecl
	mw     *bytecode.MethodWriter
	result string
	params []string
}

type varSym struct {
	tag   string
	local *bytecode.Local
	arg   int32 // argument index when local is nil
}

type labelSym struct {
	label  *bytecode.Label
	region int
	marked bool
}

type jumpRef struct {
	name   string
	region int
	at     Position
}

// exitChain is a deferred sequence of LEAVEs that carries a return or state
// change out of the protected regions around it.
type exitChain struct {
	hops []*bytecode.Label
	tail func()
}

// routine is the per-method code generation context.
type routine struct {
	mw        *bytecode.MethodWriter
	result    string
	handler   *HandlerDecl
	state     *StateDecl
	scopes    []map[string]*varSym
	labels    map[string]*labelSym
	jumps     []jumpRef
	depth     int // protected regions active at the current point
	region    int
	regions   int
	inFinally int
	retLocal  *bytecode.Local
	chains    []exitChain
}

// Generator lowers a parsed script into an artifact.
type Generator struct {
	env  *vm.Environment
	ow   *bytecode.ObjWriter
	errs []*CodeGenError

	script  *Script
	globals map[string]*globalSym
	funcs   map[string]*funcSym
	states  map[string]int32
	methods map[string]*bytecode.MethodWriter

	rt *routine
}

// genBailout unwinds code generation of the current routine.
type genBailout struct{}

// Generate type-checks script against env and writes its artifact to w.
// Every diagnostic is reported to sink; the first is returned.
func Generate(script *Script, env *vm.Environment, w io.Writer, sink ErrorSink) error {
	if env == nil {
		env = vm.DefaultEnvironment()
	}
	g := &Generator{
		env:     env,
		script:  script,
		globals: make(map[string]*globalSym),
		funcs:   make(map[string]*funcSym),
		states:  make(map[string]int32),
		methods: make(map[string]*bytecode.MethodWriter),
	}
	err := g.generate(w)
	sink = sinkOrDiscard(sink)
	for _, e := range g.errs {
		sink.Report(e)
	}
	return err
}

func (g *Generator) errorf(pos Position, format string, args ...interface{}) {
	g.errs = append(g.errs, &CodeGenError{Pos: pos, Msg: fmt.Sprintf(format, args...)})
	panic(genBailout{})
}

// guard runs f, turning a bailout into a recorded error.
func (g *Generator) guard(f func()) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(genBailout); !ok {
				panic(r)
			}
		}
	}()
	f()
}

func (g *Generator) generate(w io.Writer) error {
	meta := &bytecode.ScriptMeta{}
	g.guard(func() { g.collect(meta) })
	if len(g.errs) > 0 {
		return g.errs[0]
	}

	g.ow = bytecode.NewObjWriter(w, meta)
	g.declare(meta)

	if meta.Init != "" {
		g.body(g.methods[InitRoutine], vm.TagVoid, nil, nil, func() {
			for i, v := range g.script.Globals {
				if v.Init == nil {
					continue
				}
				g.compileConverted(v.Init, typeTag(v.Type))
				g.rt.mw.EmitInteger(bytecode.OpStGlb, int32(i))
			}
		})
	}
	for _, fn := range g.script.Funcs {
		sym := g.funcs[fn.Name]
		g.body(sym.mw, sym.result, nil, nil, func() {
			g.bindParams(fn.Params)
			g.compileBlockBody(fn.Body)
		})
	}
	for _, st := range g.script.States {
		for _, h := range st.Handlers {
			g.body(g.methods[HandlerName(st.Name, h.Event)], vm.TagVoid, h, st, func() {
				g.bindParams(h.Params)
				g.compileBlockBody(h.Body)
			})
		}
	}

	if len(g.errs) > 0 {
		return g.errs[0]
	}
	if err := g.ow.Finish(); err != nil {
		ce := &CodeGenError{Msg: "writing artifact", Err: err}
		g.errs = append(g.errs, ce)
		return ce
	}
	return nil
}

// collect builds the symbol tables and the artifact metadata.
func (g *Generator) collect(meta *bytecode.ScriptMeta) {
	for i, v := range g.script.Globals {
		if _, dup := g.globals[v.Name]; dup {
			g.errorf(v.At, "global %s redeclared", v.Name)
		}
		g.globals[v.Name] = &globalSym{index: int32(i), tag: typeTag(v.Type)}
		meta.Globals = append(meta.Globals, bytecode.GlobalDecl{Name: v.Name, Type: typeTag(v.Type)})
		if v.Init != nil {
			meta.Init = InitRoutine
		}
	}

	for _, fn := range g.script.Funcs {
		if _, dup := g.funcs[fn.Name]; dup {
			g.errorf(fn.At, "function %s redeclared", fn.Name)
		}
		if _, lib := g.env.ScriptFunction(fn.Name); lib {
			g.errorf(fn.At, "function %s shadows a library function", fn.Name)
		}
		sym := &funcSym{decl: fn, result: typeTag(fn.Result)}
		for _, p := range fn.Params {
			sym.params = append(sym.params, typeTag(p.Type))
		}
		g.funcs[fn.Name] = sym
	}

	for i, st := range g.script.States {
		if _, dup := g.states[st.Name]; dup {
			g.errorf(st.At, "state %s redeclared", st.Name)
		}
		g.states[st.Name] = int32(i)
		sd := bytecode.StateDecl{Name: st.Name}
		seen := make(map[string]bool)
		for _, h := range st.Handlers {
			ev, ok := vm.LookupEvent(h.Event)
			if !ok {
				g.errorf(h.At, "unknown event %s", h.Event)
			}
			if seen[h.Event] {
				g.errorf(h.At, "state %s has two %s handlers", st.Name, h.Event)
			}
			seen[h.Event] = true
			if len(h.Params) != len(ev.Params) {
				g.errorf(h.At, "%s takes %d parameters, not %d", h.Event, len(ev.Params), len(h.Params))
			}
			for j, p := range h.Params {
				if typeTag(p.Type) != ev.Params[j] {
					g.errorf(p.At, "%s parameter %s must be %s", h.Event, p.Name, ev.Params[j])
				}
			}
			sd.Handlers = append(sd.Handlers, bytecode.HandlerDecl{Event: h.Event, Method: HandlerName(st.Name, h.Event)})
		}
		meta.States = append(meta.States, sd)
	}
}

// declare writes a declaration for every routine before any body, so
// bodies may call routines defined after them.
func (g *Generator) declare(meta *bytecode.ScriptMeta) {
	if meta.Init != "" {
		g.methods[InitRoutine] = g.ow.DeclareMethod(InitRoutine, vm.TagVoid, nil)
	}
	for _, fn := range g.script.Funcs {
		sym := g.funcs[fn.Name]
		sym.mw = g.ow.DeclareMethod(fn.Name, sym.result, sym.params)
	}
	for _, st := range g.script.States {
		for _, h := range st.Handlers {
			name := HandlerName(st.Name, h.Event)
			var params []string
			for _, p := range h.Params {
				params = append(params, typeTag(p.Type))
			}
			g.methods[name] = g.ow.DeclareMethod(name, vm.TagVoid, params)
		}
	}
}

// body generates one routine. Errors abandon the routine but not the pass,
// so later routines still get checked.
func (g *Generator) body(mw *bytecode.MethodWriter, result string, h *HandlerDecl, st *StateDecl, gen func()) {
	g.rt = &routine{
		mw:      mw,
		result:  result,
		handler: h,
		state:   st,
		labels:  make(map[string]*labelSym),
	}
	defer func() { g.rt = nil }()

	mw.Begin()
	g.guard(func() {
		g.pushScope()
		gen()
		g.popScope()

		// Falling off the end.
		if result != vm.TagVoid {
			mw.EmitType(bytecode.OpLdDef, result)
		}
		mw.Emit(bytecode.OpRet)

		g.finishLabels()
		g.emitChains()
	})
	mw.End()
}

func (g *Generator) bindParams(params []*Param) {
	scope := g.rt.scopes[len(g.rt.scopes)-1]
	for i, p := range params {
		if _, dup := scope[p.Name]; dup {
			g.errorf(p.At, "parameter %s declared twice", p.Name)
		}
		scope[p.Name] = &varSym{tag: typeTag(p.Type), arg: int32(i)}
	}
}

func (g *Generator) pushScope() {
	g.rt.scopes = append(g.rt.scopes, make(map[string]*varSym))
}

func (g *Generator) popScope() {
	g.rt.scopes = g.rt.scopes[:len(g.rt.scopes)-1]
}

func (g *Generator) lookupVar(name string) (*varSym, *globalSym) {
	if g.rt != nil {
		for i := len(g.rt.scopes) - 1; i >= 0; i-- {
			if v, ok := g.rt.scopes[i][name]; ok {
				return v, nil
			}
		}
	}
	if gs, ok := g.globals[name]; ok {
		return nil, gs
	}
	return nil, nil
}

// ---------------------------------------------------------------------------
// Labels and exits
// ---------------------------------------------------------------------------

func (g *Generator) label(name string) *labelSym {
	ls, ok := g.rt.labels[name]
	if !ok {
		ls = &labelSym{label: g.rt.mw.DefineLabel(name), region: -1}
		g.rt.labels[name] = ls
	}
	return ls
}

// finishLabels checks every jump against its target once the whole body
// has been seen.
func (g *Generator) finishLabels() {
	for _, j := range g.rt.jumps {
		ls := g.rt.labels[j.name]
		if !ls.marked {
			g.errorf(j.at, "jump to undefined label %s", j.name)
		}
		if ls.region != j.region {
			g.errorf(j.at, "jump to %s crosses a try block boundary", j.name)
		}
	}
}

// enterRegion starts a new try, catch or finally body and returns a func
// that restores the enclosing one.
func (g *Generator) enterRegion(depth int) func() {
	rt := g.rt
	savedRegion, savedDepth := rt.region, rt.depth
	rt.regions++
	rt.region = rt.regions
	rt.depth = depth
	return func() {
		rt.region, rt.depth = savedRegion, savedDepth
	}
}

// exit transfers control out of every active protected region and then
// runs tail. Finally blocks run on the way out.
func (g *Generator) exit(tail func()) {
	rt := g.rt
	if rt.depth == 0 {
		tail()
		return
	}
	chain := exitChain{tail: tail}
	for i := 0; i < rt.depth; i++ {
		chain.hops = append(chain.hops, rt.mw.DefineLabel("exit"))
	}
	rt.mw.EmitLabel(bytecode.OpLeave, chain.hops[0])
	rt.chains = append(rt.chains, chain)
}

func (g *Generator) emitChains() {
	mw := g.rt.mw
	for _, c := range g.rt.chains {
		for i, hop := range c.hops {
			mw.MarkLabel(hop)
			if i+1 < len(c.hops) {
				mw.EmitLabel(bytecode.OpLeave, c.hops[i+1])
			}
		}
		c.tail()
	}
}

// ---------------------------------------------------------------------------
// Statements
// ---------------------------------------------------------------------------

func (g *Generator) compileBlockBody(b *Block) {
	for _, s := range b.Stmts {
		g.compileStmt(s)
	}
}

func (g *Generator) compileStmt(stmt Stmt) {
	mw := g.rt.mw
	switch s := stmt.(type) {
	case *EmptyStmt:

	case *Block:
		g.pushScope()
		g.compileBlockBody(s)
		g.popScope()

	case *DeclStmt:
		g.compileDecl(s.Var)

	case *ExprStmt:
		g.compileEffect(s.X)

	case *IfStmt:
		els := mw.DefineLabel("else")
		g.compileCond(s.Cond)
		mw.EmitLabel(bytecode.OpBrFalse, els)
		g.compileScoped(s.Then)
		if s.Else == nil {
			mw.MarkLabel(els)
			return
		}
		end := mw.DefineLabel("endif")
		mw.EmitLabel(bytecode.OpBr, end)
		mw.MarkLabel(els)
		g.compileScoped(s.Else)
		mw.MarkLabel(end)

	case *WhileStmt:
		top := mw.DefineLabel("while")
		end := mw.DefineLabel("endwhile")
		mw.MarkLabel(top)
		g.compileCond(s.Cond)
		mw.EmitLabel(bytecode.OpBrFalse, end)
		g.compileScoped(s.Body)
		mw.Emit(bytecode.OpCheckRun)
		mw.EmitLabel(bytecode.OpBr, top)
		mw.MarkLabel(end)

	case *DoWhileStmt:
		top := mw.DefineLabel("do")
		mw.MarkLabel(top)
		g.compileScoped(s.Body)
		mw.Emit(bytecode.OpCheckRun)
		g.compileCond(s.Cond)
		mw.EmitLabel(bytecode.OpBrTrue, top)

	case *ForStmt:
		top := mw.DefineLabel("for")
		end := mw.DefineLabel("endfor")
		for _, e := range s.Init {
			g.compileEffect(e)
		}
		mw.MarkLabel(top)
		if s.Cond != nil {
			g.compileCond(s.Cond)
			mw.EmitLabel(bytecode.OpBrFalse, end)
		}
		g.compileScoped(s.Body)
		for _, e := range s.Post {
			g.compileEffect(e)
		}
		mw.Emit(bytecode.OpCheckRun)
		mw.EmitLabel(bytecode.OpBr, top)
		mw.MarkLabel(end)

	case *ReturnStmt:
		g.compileReturn(s)

	case *JumpStmt:
		ls := g.label(s.Label)
		g.rt.jumps = append(g.rt.jumps, jumpRef{name: s.Label, region: g.rt.region, at: s.At})
		mw.EmitLabel(bytecode.OpBr, ls.label)

	case *LabelStmt:
		ls := g.label(s.Name)
		if ls.marked {
			g.errorf(s.At, "label %s defined twice", s.Name)
		}
		ls.marked = true
		ls.region = g.rt.region
		mw.MarkLabel(ls.label)

	case *StateStmt:
		g.compileStateChange(s)

	case *TryStmt:
		g.compileTry(s)

	case *ThrowStmt:
		g.compileExpr(s.Value)
		mw.Emit(bytecode.OpThrow)

	default:
		g.errorf(stmt.Pos(), "unsupported statement %T", stmt)
	}
}

// compileScoped compiles the body of an if or loop in its own scope.
func (g *Generator) compileScoped(s Stmt) {
	if _, isDecl := s.(*DeclStmt); isDecl {
		g.errorf(s.Pos(), "declaration is not allowed here")
	}
	g.pushScope()
	g.compileStmt(s)
	g.popScope()
}

func (g *Generator) compileDecl(v *VarDecl) {
	scope := g.rt.scopes[len(g.rt.scopes)-1]
	if _, dup := scope[v.Name]; dup {
		g.errorf(v.At, "%s redeclared in this scope", v.Name)
	}
	tag := typeTag(v.Type)
	mw := g.rt.mw
	if v.Init != nil {
		g.compileConverted(v.Init, tag)
	} else {
		mw.EmitType(bytecode.OpLdDef, tag)
	}
	sym := &varSym{tag: tag, local: mw.DeclareLocal(tag, v.Name)}
	mw.EmitLocal(bytecode.OpStLoc, sym.local)
	scope[v.Name] = sym
}

func (g *Generator) compileReturn(s *ReturnStmt) {
	rt := g.rt
	if rt.inFinally > 0 {
		g.errorf(s.At, "return inside finally")
	}
	mw := rt.mw
	if rt.result == vm.TagVoid {
		if s.Value != nil {
			g.errorf(s.At, "return with a value from a routine with no result")
		}
		g.exit(func() { mw.Emit(bytecode.OpRet) })
		return
	}
	if s.Value == nil {
		g.errorf(s.At, "missing return value")
	}
	g.compileConverted(s.Value, rt.result)
	if rt.depth == 0 {
		mw.Emit(bytecode.OpRet)
		return
	}
	if rt.retLocal == nil {
		rt.retLocal = mw.DeclareLocal(rt.result, "ret")
	}
	mw.EmitLocal(bytecode.OpStLoc, rt.retLocal)
	ret := rt.retLocal
	g.exit(func() {
		mw.EmitLocal(bytecode.OpLdLoc, ret)
		mw.Emit(bytecode.OpRet)
	})
}

// compileStateChange runs the current state's state_exit handler, stores
// the new state code, tells the instance and returns from the handler.
func (g *Generator) compileStateChange(s *StateStmt) {
	rt := g.rt
	if rt.handler == nil {
		g.errorf(s.At, "state change outside an event handler")
	}
	if rt.inFinally > 0 {
		g.errorf(s.At, "state change inside finally")
	}
	idx, ok := g.states[s.Name]
	if !ok {
		g.errorf(s.At, "undefined state %s", s.Name)
	}
	mw := rt.mw
	if s.Name == rt.state.Name {
		g.exit(func() { mw.Emit(bytecode.OpRet) })
		return
	}

	var exitHandler *bytecode.MethodWriter
	if rt.handler.Event != "state_exit" {
		exitHandler = g.methods[HandlerName(rt.state.Name, "state_exit")]
	}
	g.exit(func() {
		if exitHandler != nil {
			mw.EmitCall(bytecode.OpCall, exitHandler)
			mw.Emit(bytecode.OpCheckRun)
		}
		mw.Emit(bytecode.OpLdInst)
		mw.EmitInteger(bytecode.OpLdcI4, idx)
		mw.EmitField(bytecode.OpStFld, vm.TagInstance, "stateCode")
		mw.Emit(bytecode.OpPop)
		mw.EmitExtern(bytecode.OpCallExt, stateChangeRef)
		mw.Emit(bytecode.OpCheckRun)
		mw.Emit(bytecode.OpRet)
	})
}

// compileTry lowers try/catch/finally onto TRY, TRYCATCH and LEAVE:
//
//	TRY fin; TRYCATCH catch; body; LEAVE done
//	catch: STLOC e; catch body
//	done: LEAVE end
//	fin: finally body; ENDFINALLY
//	end:
func (g *Generator) compileTry(s *TryStmt) {
	rt := g.rt
	mw := rt.mw
	outer := rt.depth
	end := mw.DefineLabel("endtry")

	var fin *bytecode.Label
	bodyDepth := outer
	if s.Finally != nil {
		fin = mw.DefineLabel("finally")
		mw.EmitLabel(bytecode.OpTry, fin)
		bodyDepth++
	}

	if s.Catch != nil {
		catch := mw.DefineLabel("catch")
		done := end
		if fin != nil {
			done = mw.DefineLabel("trydone")
		}
		mw.EmitLabel(bytecode.OpTryCatch, catch)

		restore := g.enterRegion(bodyDepth + 1)
		g.compileStmt(s.Body)
		restore()
		mw.EmitLabel(bytecode.OpLeave, done)

		mw.MarkLabel(catch)
		restore = g.enterRegion(bodyDepth)
		g.pushScope()
		e := &varSym{tag: vm.TagString, local: mw.DeclareLocal(vm.TagString, s.CatchVar)}
		mw.EmitLocal(bytecode.OpStLoc, e.local)
		rt.scopes[len(rt.scopes)-1][s.CatchVar] = e
		g.compileBlockBody(s.Catch)
		g.popScope()
		restore()

		if fin != nil {
			mw.MarkLabel(done)
			mw.EmitLabel(bytecode.OpLeave, end)
		}
	} else {
		restore := g.enterRegion(bodyDepth)
		g.compileStmt(s.Body)
		restore()
		mw.EmitLabel(bytecode.OpLeave, end)
	}

	if fin != nil {
		mw.MarkLabel(fin)
		restore := g.enterRegion(outer)
		rt.inFinally++
		g.compileStmt(s.Finally)
		rt.inFinally--
		restore()
		mw.Emit(bytecode.OpEndFinally)
	}
	mw.MarkLabel(end)
}
