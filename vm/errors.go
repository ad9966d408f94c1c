package vm

import (
	"errors"
	"fmt"
)

// ResolutionError reports a type, method, extern, constructor or field that
// an artifact names but the environment does not provide. It usually means
// the artifact is stale or was built against a different environment.
type ResolutionError struct {
	Kind string // "type", "method", "extern", "ctor" or "field"
	Name string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("cannot resolve %s %s", e.Kind, e.Name)
}

// ScriptRuntimeFault is an unhandled fault raised while a handler runs:
// a script throw, a failed built-in, or a recovered Go panic.
type ScriptRuntimeFault struct {
	Routine string // routine executing when the fault was raised
	PC      int    // instruction index within Routine
	Message string
	Value   Value // thrown value, if raised by a script throw
	Err     error // underlying error, if any
}

func (e *ScriptRuntimeFault) Error() string {
	if e.Routine == "" {
		return "script fault: " + e.Message
	}
	return fmt.Sprintf("script fault in %s at %d: %s", e.Routine, e.PC, e.Message)
}

func (e *ScriptRuntimeFault) Unwrap() error { return e.Err }

// UnwindSignal transfers control out of a running handler for llDie or
// llResetScript. It is not a fault: catch blocks never see it, finally
// blocks run on the way out, and it stops at the dispatch boundary.
type UnwindSignal struct {
	Die bool
}

func (e *UnwindSignal) Error() string {
	if e.Die {
		return "script unwind: die"
	}
	return "script unwind: reset"
}

// IsUnwind reports whether err is an UnwindSignal.
func IsUnwind(err error) bool {
	var u *UnwindSignal
	return errors.As(err, &u)
}

// ErrInstanceDead is returned when events are posted to a dead instance.
var ErrInstanceDead = errors.New("script instance is dead")

// faultf builds a fault with no routine position; the interpreter fills it in.
func faultf(format string, args ...interface{}) *ScriptRuntimeFault {
	return &ScriptRuntimeFault{Message: fmt.Sprintf(format, args...)}
}
