package runner

import (
	"context"
	"fmt"
	"strings"
	"unsafe"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/woxQAQ/textbridge/internal/cabi"
	"github.com/woxQAQ/textbridge/internal/config"
	"github.com/woxQAQ/textbridge/internal/handle"
	"github.com/woxQAQ/textbridge/internal/transform"
)

// cabiPath plays the C caller of libtextbridge: every line is copied into a
// malloc'd C string and every result goes back through FreeString.
type cabiPath struct {
	lib     *cabi.Library
	kind    transform.Kind
	program handle.Handle
	logger  *zap.Logger
}

func openCABI(cfg *config.Config, mode Mode, kind transform.Kind, logger *zap.Logger) (*cabiPath, error) {
	lib, err := cabi.New(cfg.TransformSettings(), logger)
	if err != nil {
		return nil, err
	}
	p := &cabiPath{
		lib:    lib,
		kind:   kind,
		logger: logger.With(zap.String("component", "runner")),
	}

	if mode == ModeCABIProgram {
		src, err := cString(cfg.Transform.Script.Source)
		if err != nil {
			return nil, err
		}
		defer cabi.Free(src)

		if p.program, err = lib.Compile(src); err != nil {
			return nil, err
		}
		p.logger.Info("Program compiled through the C boundary", zap.Uint32("handle", uint32(p.program)))
	}
	return p, nil
}

func (p *cabiPath) Transform(_ context.Context, input string) (_ string, err error) {
	in, err := cString(input)
	if err != nil {
		return "", err
	}
	defer cabi.Free(in)

	var out unsafe.Pointer
	if p.program != 0 {
		out, err = p.lib.TransformProgram(p.program, in)
	} else {
		out, err = p.lib.Transform(p.kind, in)
	}
	if err != nil {
		return "", err
	}
	s := cabi.GoString(out)
	return s, p.lib.FreeString(out)
}

// Close releases the program and fails if any issued string or handle is
// still outstanding.
func (p *cabiPath) Close(context.Context) error {
	var err error
	if p.program != 0 {
		err = p.lib.ReleaseProgram(p.program)
		p.program = 0
	}
	if issued, programs := p.lib.Outstanding(); issued != 0 || programs != 0 {
		err = multierr.Append(err, fmt.Errorf("C boundary still holds %d strings and %d programs", issued, programs))
	}
	return err
}

// cString copies s for C, which cannot carry an embedded NUL.
func cString(s string) (unsafe.Pointer, error) {
	if i := strings.IndexByte(s, 0); i >= 0 {
		return nil, fmt.Errorf("%w at byte %d", cabi.ErrEmbeddedNUL, i)
	}
	return cabi.CString(s), nil
}
