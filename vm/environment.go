package vm

import (
	"fmt"
	"sort"
	"strings"
)

// ExternFunc implements an external function. inst is the running instance,
// or nil when a routine is invoked outside any instance.
type ExternFunc func(inst *Instance, args []Value) (Value, error)

// Extern is an external function callable from generated code. It is found
// by exact (owner, name, parameter tags) match.
type Extern struct {
	Owner      string
	Name       string
	Params     []string
	Result     string
	ScriptName string // name visible to scripts; empty for internal helpers
	Fn         ExternFunc
}

// Signature returns "owner:name(p1,p2)".
func (x *Extern) Signature() string {
	return signature(x.Owner, x.Name, x.Params)
}

// Ctor is an external constructor.
type Ctor struct {
	Owner  string
	Params []string
	Fn     func(args []Value) (Value, error)
}

// Field is a named member of an owner type. Set returns the updated
// receiver so value types such as vectors can be written back.
type Field struct {
	Owner string
	Name  string
	Type  string
	Get   func(recv Value) (Value, error)
	Set   func(recv, v Value) (Value, error)
}

func signature(owner, name string, params []string) string {
	return owner + ":" + name + "(" + strings.Join(params, ",") + ")"
}

// Environment is the set of types, externs, constructors and fields that
// artifacts are materialized against. Populate it before use; lookups do not
// lock.
type Environment struct {
	types   *TypeRegistry
	externs map[string]*Extern
	script  map[string]*Extern
	ctors   map[string]*Ctor
	fields  map[string]*Field
}

// NewEnvironment returns an empty environment over the given registry.
func NewEnvironment(types *TypeRegistry) *Environment {
	if types == nil {
		types = DefaultTypes()
	}
	return &Environment{
		types:   types,
		externs: make(map[string]*Extern),
		script:  make(map[string]*Extern),
		ctors:   make(map[string]*Ctor),
		fields:  make(map[string]*Field),
	}
}

// Types returns the environment's type registry.
func (e *Environment) Types() *TypeRegistry { return e.types }

func (e *Environment) checkTags(what string, tags ...string) error {
	for _, t := range tags {
		if _, err := e.types.Lookup(t); err != nil {
			return fmt.Errorf("%s: %w", what, err)
		}
	}
	return nil
}

// AddExtern registers an external function.
func (e *Environment) AddExtern(x *Extern) error {
	sig := x.Signature()
	if _, dup := e.externs[sig]; dup {
		return fmt.Errorf("extern %s already registered", sig)
	}
	if err := e.checkTags(sig, append([]string{x.Owner, x.Result}, x.Params...)...); err != nil {
		return err
	}
	if x.ScriptName != "" {
		if _, dup := e.script[x.ScriptName]; dup {
			return fmt.Errorf("script function %s already registered", x.ScriptName)
		}
		e.script[x.ScriptName] = x
	}
	e.externs[sig] = x
	return nil
}

// Extern resolves an external function by exact signature.
func (e *Environment) Extern(owner, name string, params []string) (*Extern, error) {
	sig := signature(owner, name, params)
	if x, ok := e.externs[sig]; ok {
		return x, nil
	}
	return nil, &ResolutionError{Kind: "extern", Name: sig}
}

// ScriptFunction returns the extern visible to scripts under name.
func (e *Environment) ScriptFunction(name string) (*Extern, bool) {
	x, ok := e.script[name]
	return x, ok
}

// ScriptFunctions returns the names of every script-visible function.
func (e *Environment) ScriptFunctions() []string {
	names := make([]string, 0, len(e.script))
	for n := range e.script {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// AddCtor registers a constructor.
func (e *Environment) AddCtor(c *Ctor) error {
	sig := signature(c.Owner, "", c.Params)
	if _, dup := e.ctors[sig]; dup {
		return fmt.Errorf("constructor %s already registered", sig)
	}
	if err := e.checkTags(sig, append([]string{c.Owner}, c.Params...)...); err != nil {
		return err
	}
	e.ctors[sig] = c
	return nil
}

// Ctor resolves a constructor by owner and exact parameter tags.
func (e *Environment) Ctor(owner string, params []string) (*Ctor, error) {
	sig := signature(owner, "", params)
	if c, ok := e.ctors[sig]; ok {
		return c, nil
	}
	return nil, &ResolutionError{Kind: "ctor", Name: sig}
}

// AddField registers a field.
func (e *Environment) AddField(f *Field) error {
	key := f.Owner + ":" + f.Name
	if _, dup := e.fields[key]; dup {
		return fmt.Errorf("field %s already registered", key)
	}
	if err := e.checkTags(key, f.Owner, f.Type); err != nil {
		return err
	}
	e.fields[key] = f
	return nil
}

// Field resolves a field by owner tag and member name.
func (e *Environment) Field(owner, name string) (*Field, error) {
	if f, ok := e.fields[owner+":"+name]; ok {
		return f, nil
	}
	return nil, &ResolutionError{Kind: "field", Name: owner + ":" + name}
}

// MustAdd panics if any registration fails. It is meant for building
// environments at startup from static tables.
func MustAdd(errs ...error) {
	for _, err := range errs {
		if err != nil {
			panic(err)
		}
	}
}
