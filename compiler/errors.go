package compiler

import (
	"errors"
	"fmt"
	"strings"
)

// SyntaxError is a parse failure. No artifact is produced.
type SyntaxError struct {
	Pos Position
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%s: syntax error: %s", e.Pos, e.Msg)
}

// CodeGenError is a semantic or code generation failure: an undefined name,
// a type mismatch, a control transfer the bytecode cannot express, or a
// failure of the underlying writer.
type CodeGenError struct {
	Pos Position
	Msg string
	Err error
}

func (e *CodeGenError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Pos, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Pos, e.Msg)
}

func (e *CodeGenError) Unwrap() error { return e.Err }

// ErrorSink receives every compile diagnostic, not just the first.
type ErrorSink interface {
	Report(err error)
}

// ErrorList is an ErrorSink that keeps what it is given.
type ErrorList struct {
	Errs []error
}

// Report appends err.
func (l *ErrorList) Report(err error) {
	l.Errs = append(l.Errs, err)
}

// Err returns nil if nothing was reported, otherwise all reports joined.
func (l *ErrorList) Err() error {
	return errors.Join(l.Errs...)
}

func (l *ErrorList) String() string {
	lines := make([]string, len(l.Errs))
	for i, err := range l.Errs {
		lines[i] = err.Error()
	}
	return strings.Join(lines, "\n")
}

// discard is used when the caller passes no sink.
type discard struct{}

func (discard) Report(error) {}

func sinkOrDiscard(s ErrorSink) ErrorSink {
	if s == nil {
		return discard{}
	}
	return s
}
