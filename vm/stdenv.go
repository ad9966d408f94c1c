package vm

import (
	"fmt"
	"sync"
)

var (
	defaultEnvOnce sync.Once
	defaultEnv     *Environment
)

// DefaultEnvironment returns the standard environment over DefaultTypes,
// built on first use. Callers must not add to it; use NewStdEnvironment to
// get a private copy that can be extended.
func DefaultEnvironment() *Environment {
	defaultEnvOnce.Do(func() {
		defaultEnv = NewStdEnvironment(DefaultTypes())
	})
	return defaultEnv
}

// NewStdEnvironment returns an environment holding the instance callbacks,
// the value constructors and fields, and the built-in script library.
func NewStdEnvironment(types *TypeRegistry) *Environment {
	env := NewEnvironment(types)
	addInstanceCallbacks(env)
	addValueSupport(env)
	addLSLPrimitives(env)
	return env
}

func needInst(inst *Instance) error {
	if inst == nil {
		return faultf("no running script instance")
	}
	return nil
}

// addInstanceCallbacks registers the xmrinst surface generated code calls.
func addInstanceCallbacks(env *Environment) {
	MustAdd(
		env.AddExtern(&Extern{Owner: TagInstance, Name: "Sleep", Params: []string{TagInt}, Result: TagVoid,
			Fn: func(inst *Instance, args []Value) (Value, error) {
				if err := needInst(inst); err != nil {
					return nil, err
				}
				inst.Sleep(args[0].(int32))
				return nil, nil
			}}),
		env.AddExtern(&Extern{Owner: TagInstance, Name: "Die", Result: TagVoid,
			Fn: func(inst *Instance, args []Value) (Value, error) {
				if err := needInst(inst); err != nil {
					return nil, err
				}
				return nil, inst.Die()
			}}),
		env.AddExtern(&Extern{Owner: TagInstance, Name: "ApiReset", Result: TagVoid,
			Fn: func(inst *Instance, args []Value) (Value, error) {
				if err := needInst(inst); err != nil {
					return nil, err
				}
				return nil, inst.ApiReset()
			}}),
		env.AddExtern(&Extern{Owner: TagInstance, Name: "StateChange", Result: TagVoid,
			Fn: func(inst *Instance, args []Value) (Value, error) {
				if err := needInst(inst); err != nil {
					return nil, err
				}
				inst.StateChange()
				return nil, nil
			}}),
		env.AddExtern(&Extern{Owner: TagInstance, Name: "GetDetectParams", Params: []string{TagInt}, Result: TagDetect,
			Fn: func(inst *Instance, args []Value) (Value, error) {
				if err := needInst(inst); err != nil {
					return nil, err
				}
				if dp := inst.GetDetectParams(args[0].(int32)); dp != nil {
					return dp, nil
				}
				return nil, nil
			}}),
		env.AddExtern(&Extern{Owner: TagInstance, Name: "ConsoleWrite", Params: []string{TagString}, Result: TagVoid,
			Fn: func(inst *Instance, args []Value) (Value, error) {
				if err := needInst(inst); err != nil {
					return nil, err
				}
				inst.ConsoleWrite(args[0].(string))
				return nil, nil
			}}),
		env.AddField(&Field{Owner: TagInstance, Name: "stateCode", Type: TagInt,
			Get: func(recv Value) (Value, error) {
				inst, ok := recv.(*Instance)
				if !ok {
					return nil, faultf("stateCode of %s", TypeName(recv))
				}
				return inst.stateCode, nil
			},
			Set: func(recv, v Value) (Value, error) {
				inst, ok := recv.(*Instance)
				if !ok {
					return nil, faultf("stateCode of %s", TypeName(recv))
				}
				inst.stateCode = v.(int32)
				return inst, nil
			}}),
	)
}

// addValueSupport registers constructors and members of the value types.
func addValueSupport(env *Environment) {
	MustAdd(
		env.AddCtor(&Ctor{Owner: TagVector, Params: []string{TagFloat, TagFloat, TagFloat},
			Fn: func(args []Value) (Value, error) {
				return Vector{args[0].(float64), args[1].(float64), args[2].(float64)}, nil
			}}),
		env.AddCtor(&Ctor{Owner: TagList,
			Fn: func(args []Value) (Value, error) {
				return List{}, nil
			}}),
		env.AddExtern(&Extern{Owner: TagList, Name: "Append", Params: []string{TagList, TagObject}, Result: TagList,
			Fn: func(inst *Instance, args []Value) (Value, error) {
				l := args[0].(List)
				out := make(List, len(l), len(l)+1)
				copy(out, l)
				return append(out, args[1]), nil
			}}),
	)
	for _, member := range []string{"x", "y", "z"} {
		member := member
		MustAdd(env.AddField(&Field{Owner: TagVector, Name: member, Type: TagFloat,
			Get: func(recv Value) (Value, error) {
				v, ok := recv.(Vector)
				if !ok {
					return nil, faultf("member %s of %s", member, TypeName(recv))
				}
				return vectorComponent(v, member), nil
			},
			Set: func(recv, x Value) (Value, error) {
				v, ok := recv.(Vector)
				if !ok {
					return nil, faultf("member %s of %s", member, TypeName(recv))
				}
				f, ok := x.(float64)
				if !ok {
					return nil, fmt.Errorf("member %s takes float, got %s", member, TypeName(x))
				}
				switch member {
				case "x":
					v.X = f
				case "y":
					v.Y = f
				default:
					v.Z = f
				}
				return v, nil
			}}))
	}
}

func vectorComponent(v Vector, member string) float64 {
	switch member {
	case "x":
		return v.X
	case "y":
		return v.Y
	}
	return v.Z
}
