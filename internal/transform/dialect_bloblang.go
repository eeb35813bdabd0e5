//go:build !wasip1

package transform

import (
	"context"
	"errors"

	"github.com/benthosdev/benthos/v4/public/bloblang"
)

func init() {
	registerDialect(DialectBloblang, compileBloblang)
}

// Mappings must not reach outside the process.
var bloblangEnv = bloblang.NewEnvironment().WithoutFunctions("env", "file")

type bloblangProgram struct {
	exe *bloblang.Executor
}

func compileBloblang(source string) (evaluator, error) {
	exe, err := bloblangEnv.Parse(source)
	if err != nil {
		return nil, &CompileError{Dialect: DialectBloblang, Message: err.Error()}
	}
	return &bloblangProgram{exe: exe}, nil
}

func (p *bloblangProgram) eval(_ context.Context, input string) (any, error) {
	v, err := p.exe.Query(input)
	if errors.Is(err, bloblang.ErrRootDeleted) {
		return nil, ErrNoValue
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}
