package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// Dialect names a scripting language a Program can be compiled from.
type Dialect string

const (
	DialectJQ       Dialect = "jq"
	DialectBloblang Dialect = "bloblang"
)

// evaluator is a compiled script. It must be safe to evaluate repeatedly.
type evaluator interface {
	eval(ctx context.Context, input string) (any, error)
}

type compiler func(source string) (evaluator, error)

var dialects = map[Dialect]compiler{}

func registerDialect(d Dialect, c compiler) {
	dialects[d] = c
}

// Dialects returns the dialects available in this build, sorted.
func Dialects() []Dialect {
	out := make([]Dialect, 0, len(dialects))
	for d := range dialects {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Program is a compiled script. It is read-only after Compile and may be
// evaluated any number of times.
type Program struct {
	dialect Dialect
	source  string
	eval    evaluator
}

// Compile compiles source in the given dialect. Failures are *CompileError.
func Compile(dialect Dialect, source string) (*Program, error) {
	c, ok := dialects[dialect]
	if !ok {
		return nil, &CompileError{
			Dialect: dialect,
			Message: fmt.Sprintf("dialect not available (have: %v)", Dialects()),
		}
	}

	ev, err := c(source)
	if err != nil {
		return nil, err
	}
	return &Program{dialect: dialect, source: source, eval: ev}, nil
}

// Transform implements Transformer. Failures are *EvalError.
func (p *Program) Transform(ctx context.Context, input string) (string, error) {
	v, err := p.eval.eval(ctx, input)
	if err != nil {
		return "", &EvalError{Stage: string(p.dialect), Err: err}
	}

	switch out := v.(type) {
	case string:
		return out, nil
	case []byte:
		return string(out), nil
	default:
		b, err := json.Marshal(out)
		if err != nil {
			return "", &EvalError{Stage: string(p.dialect), Err: fmt.Errorf("render result: %w", err)}
		}
		return string(b), nil
	}
}

// Dialect returns the dialect the program was compiled from.
func (p *Program) Dialect() Dialect {
	return p.dialect
}

// Source returns the program source.
func (p *Program) Source() string {
	return p.source
}
