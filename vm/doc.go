// Package vm materializes bytecode artifacts into routines and runs them as
// cooperative script instances.
//
// This package contains:
//   - the closed type registry mapping type tags to runtime types
//   - the Environment of external functions, constructors and fields
//   - the Materializer, which replays a record stream into linked Routines
//   - a resumable stack interpreter with try/catch/finally regions
//   - Instance, the per-script microthread (sleep, die, reset, state change)
//   - the built-in script function library
package vm
