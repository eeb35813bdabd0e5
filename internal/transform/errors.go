package transform

import (
	"errors"
	"fmt"
)

// ErrNoValue is wrapped by EvalError when a script produced no output.
var ErrNoValue = errors.New("script produced no value")

// Span locates a range of script source, in bytes.
type Span struct {
	Offset int
	Length int
}

// CompileError occurs when script source cannot be compiled.
type CompileError struct {
	Dialect Dialect
	Message string
	Span    Span
}

func (e *CompileError) Error() string {
	if e.Span.Length > 0 {
		return fmt.Sprintf("%s compile error at bytes %d-%d: %s",
			e.Dialect, e.Span.Offset, e.Span.Offset+e.Span.Length, e.Message)
	}
	return fmt.Sprintf("%s compile error: %s", e.Dialect, e.Message)
}

// EvalError occurs when a transform fails at run time.
type EvalError struct {
	Stage string
	Err   error
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("%s evaluation failed: %v", e.Stage, e.Err)
}

func (e *EvalError) Unwrap() error {
	return e.Err
}
