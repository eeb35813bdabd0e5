package transform

import (
	"context"
	"errors"

	"github.com/itchyny/gojq"
)

func init() {
	registerDialect(DialectJQ, compileJQ)
}

type jqProgram struct {
	code *gojq.Code
}

func compileJQ(source string) (evaluator, error) {
	query, err := gojq.Parse(source)
	if err != nil {
		ce := &CompileError{Dialect: DialectJQ, Message: err.Error()}
		var pe *gojq.ParseError
		if errors.As(err, &pe) {
			// Offset is the position just past the offending token.
			start := max(pe.Offset-len(pe.Token), 0)
			ce.Span = Span{Offset: start, Length: pe.Offset - start}
		}
		return nil, ce
	}

	code, err := gojq.Compile(query)
	if err != nil {
		return nil, &CompileError{Dialect: DialectJQ, Message: err.Error()}
	}
	return &jqProgram{code: code}, nil
}

// eval returns the first value the query emits.
func (p *jqProgram) eval(ctx context.Context, input string) (any, error) {
	iter := p.code.RunWithContext(ctx, input)
	v, ok := iter.Next()
	if !ok {
		return nil, ErrNoValue
	}
	if err, isErr := v.(error); isErr {
		return nil, err
	}
	return v, nil
}
