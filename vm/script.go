package vm

import (
	"fmt"

	"github.com/chazu/xmr/pkg/bytecode"
)

// Script links a materialized routine table with the artifact's metadata:
// globals, states and their event handlers. It is immutable and shared by
// every instance of the same program.
type Script struct {
	meta     *bytecode.ScriptMeta
	routines map[string]*Routine
	init     *Routine
	globals  []*TypeInfo
	states   []scriptState
}

type scriptState struct {
	name     string
	handlers [eventCount]*Routine
	mask     EventMask
}

// NewScript validates meta against the routine table. Every handler must
// name a defined routine whose signature matches the event.
func NewScript(meta *bytecode.ScriptMeta, routines map[string]*Routine, types *TypeRegistry) (*Script, error) {
	if types == nil {
		types = DefaultTypes()
	}
	if len(meta.States) == 0 {
		return nil, fmt.Errorf("script has no states")
	}
	s := &Script{meta: meta, routines: routines}

	for _, g := range meta.Globals {
		ti, err := types.Lookup(g.Type)
		if err != nil {
			return nil, fmt.Errorf("global %s: %w", g.Name, err)
		}
		s.globals = append(s.globals, ti)
	}

	if meta.Init != "" {
		rt, ok := routines[meta.Init]
		if !ok {
			return nil, &ResolutionError{Kind: "method", Name: meta.Init}
		}
		s.init = rt
	}

	for _, sd := range meta.States {
		st := scriptState{name: sd.Name}
		for _, hd := range sd.Handlers {
			ev, ok := LookupEvent(hd.Event)
			if !ok {
				return nil, fmt.Errorf("state %s: unknown event %s", sd.Name, hd.Event)
			}
			rt, ok := routines[hd.Method]
			if !ok {
				return nil, &ResolutionError{Kind: "method", Name: hd.Method}
			}
			if err := checkHandler(ev, rt); err != nil {
				return nil, fmt.Errorf("state %s: %w", sd.Name, err)
			}
			st.handlers[ev.Code] = rt
			st.mask = st.mask.With(ev.Code)
		}
		s.states = append(s.states, st)
	}
	return s, nil
}

func checkHandler(ev EventInfo, rt *Routine) error {
	if !rt.Void() || len(rt.Params) != len(ev.Params) {
		return fmt.Errorf("handler %s does not match event %s", rt.Name, ev.Name)
	}
	for i, p := range rt.Params {
		if p.Tag != ev.Params[i] {
			return fmt.Errorf("handler %s parameter %d is %s, event %s passes %s", rt.Name, i, p.Tag, ev.Name, ev.Params[i])
		}
	}
	return nil
}

// Meta returns the artifact metadata.
func (s *Script) Meta() *bytecode.ScriptMeta { return s.meta }

// Routine returns the routine with the given name, or nil.
func (s *Script) Routine(name string) *Routine { return s.routines[name] }

// NumStates returns the number of states; state 0 is the default state.
func (s *Script) NumStates() int { return len(s.states) }

// StateName returns the name of state code i.
func (s *Script) StateName(i int32) string {
	if i < 0 || int(i) >= len(s.states) {
		return fmt.Sprintf("state#%d", i)
	}
	return s.states[i].name
}

// StateIndex returns the code of the named state.
func (s *Script) StateIndex(name string) (int32, bool) {
	for i, st := range s.states {
		if st.name == name {
			return int32(i), true
		}
	}
	return 0, false
}

// Handler returns the routine handling ev in state, or nil.
func (s *Script) Handler(state int32, ev EventCode) *Routine {
	if state < 0 || int(state) >= len(s.states) || ev < 0 || ev >= eventCount {
		return nil
	}
	return s.states[state].handlers[ev]
}

// EventMask returns the events state has handlers for.
func (s *Script) EventMask(state int32) EventMask {
	if state < 0 || int(state) >= len(s.states) {
		return 0
	}
	return s.states[state].mask
}

// newGlobals returns zeroed global slots.
func (s *Script) newGlobals() []Value {
	g := make([]Value, len(s.globals))
	for i, ti := range s.globals {
		g[i] = ti.Zero()
	}
	return g
}
