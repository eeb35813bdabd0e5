// Package guest implements the module side of the WASM boundary: the exported
// allocator, the three transform protocols and the error channel, all over a
// single arena. cmd/guest binds these methods to wasm exports.
//
// A Module is driven by one host thread at a time and does no locking.
package guest

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/woxQAQ/textbridge/internal/arena"
	"github.com/woxQAQ/textbridge/internal/codec"
	"github.com/woxQAQ/textbridge/internal/handle"
	"github.com/woxQAQ/textbridge/internal/transform"
	"github.com/woxQAQ/textbridge/pkg/abi"
)

// Module is one guest instance's state.
type Module struct {
	arena    *arena.Arena
	session  *transform.Session
	dialect  transform.Dialect
	programs *handle.Table[*transform.Program]
	lastErr  error
	logger   *zap.Logger
}

// New builds the guest state over a. The singleton strategies in cfg are
// compiled here; a failure is returned so the caller can abort instantiation.
func New(a *arena.Arena, cfg transform.Config, logger *zap.Logger) (*Module, error) {
	session, err := transform.NewSession(cfg, logger)
	if err != nil {
		return nil, err
	}

	m := &Module{
		arena:    a,
		session:  session,
		dialect:  cfg.ScriptDialect,
		programs: handle.NewTable[*transform.Program](),
		logger:   logger.With(zap.String("component", "guest")),
	}
	m.logger.Info("Guest module initialized",
		zap.Uint32("arena_capacity", a.Capacity()),
		zap.String("script_dialect", string(cfg.ScriptDialect)),
	)
	return m, nil
}

// Allocate reserves size bytes and returns their address, or 0 for size 0.
// The host has no way to recover from an exhausted arena, so that aborts.
func (m *Module) Allocate(size uint32) uint32 {
	ptr, err := m.arena.Allocate(size)
	if err != nil {
		m.fatal("allocate", err)
	}
	return ptr
}

// Deallocate frees a region previously returned by Allocate or handed over in
// a packed result. It returns abi.StatusError for frees the arena rejects.
func (m *Module) Deallocate(ptr, size uint32) uint32 {
	if err := m.arena.Deallocate(ptr, size); err != nil {
		m.fail("deallocate", err)
		return abi.StatusError
	}
	return abi.StatusOK
}

// InPlace transforms the string at (ptr, length) and writes the result back
// over the same region, whose capacity is capacity bytes. It returns the new
// length, or abi.FailureLen when the input cannot be decoded or the result
// does not fit.
func (m *Module) InPlace(kind transform.Kind, ptr, length, capacity uint32) uint32 {
	if length > capacity {
		m.fail(string(kind), fmt.Errorf("length %d exceeds capacity %d", length, capacity))
		return abi.FailureLen
	}
	dst := abi.Descriptor{Ptr: ptr, Len: capacity}
	if _, ok := m.arena.Read(dst.Ptr, dst.Len); !ok {
		m.fail(string(kind), &codec.MemoryAccessError{Operation: "in-place", Address: ptr, Length: capacity})
		return abi.FailureLen
	}

	out, err := m.singleton(kind, abi.Descriptor{Ptr: ptr, Len: length})
	if err != nil {
		m.fail(string(kind), err)
		return abi.FailureLen
	}

	n, err := codec.EncodeInPlace(m.arena, dst, out)
	if err != nil {
		m.fail(string(kind), err)
		return abi.FailureLen
	}
	return n
}

// Dynamic transforms the string at (ptr, length) into a freshly allocated
// region and returns it packed. The source region is left for the host to
// free; the result region now belongs to the host.
func (m *Module) Dynamic(kind transform.Kind, ptr, length uint32) uint64 {
	out, err := m.singleton(kind, abi.Descriptor{Ptr: ptr, Len: length})
	if err != nil {
		m.fail(string(kind), err)
		return abi.FailurePacked
	}
	return m.hand(string(kind), out)
}

// ProgramCompile compiles the script at (ptr, length) and returns a handle to
// it, or 0 on failure. The host owns the handle until ProgramRelease.
func (m *Module) ProgramCompile(ptr, length uint32) uint32 {
	src, err := codec.Decode(m.arena, abi.Descriptor{Ptr: ptr, Len: length})
	if err != nil {
		m.fail("program_compile", err)
		return 0
	}

	p, err := transform.Compile(m.dialect, src)
	if err != nil {
		m.fail("program_compile", err)
		return 0
	}

	h := m.programs.Insert(p)
	m.logger.Debug("Program compiled",
		zap.Uint32("handle", uint32(h)),
		zap.Int("live_programs", m.programs.Len()),
	)
	return uint32(h)
}

// ProgramTransform runs the program behind h on the string at (ptr, length).
// The result is packed like Dynamic. h stays valid.
func (m *Module) ProgramTransform(h, ptr, length uint32) uint64 {
	p, err := m.programs.Get(handle.Handle(h))
	if err != nil {
		m.fail("program_transform", err)
		return abi.FailurePacked
	}

	in, err := codec.Decode(m.arena, abi.Descriptor{Ptr: ptr, Len: length})
	if err != nil {
		m.fail("program_transform", err)
		return abi.FailurePacked
	}

	out, err := p.Transform(context.Background(), in)
	if err != nil {
		m.fail("program_transform", err)
		return abi.FailurePacked
	}
	return m.hand("program_transform", out)
}

// ProgramRelease destroys the program behind h.
func (m *Module) ProgramRelease(h uint32) uint32 {
	if _, err := m.programs.Release(handle.Handle(h)); err != nil {
		m.fail("program_release", err)
		return abi.StatusError
	}
	return abi.StatusOK
}

// LastError returns the message of the most recent failure as a packed owned
// region and clears it. It returns 0 when there is nothing to report.
func (m *Module) LastError() uint64 {
	if m.lastErr == nil {
		return 0
	}

	owned, err := codec.EncodeNew(m.arena, m.arena, m.lastErr.Error())
	if err != nil {
		m.logger.Warn("Failed to hand over last error", zap.Error(err))
		return abi.FailurePacked
	}
	m.lastErr = nil

	d, err := owned.Transfer()
	if err != nil {
		return abi.FailurePacked
	}
	return d.Pack()
}

// Err returns the pending error without clearing it.
func (m *Module) Err() error {
	return m.lastErr
}

// Programs returns the number of live program handles.
func (m *Module) Programs() int {
	return m.programs.Len()
}

// singleton decodes src and runs the session's strategy for kind. Evaluation
// failures of the singleton script are fatal; a pattern rewrite failure, such
// as a match timeout, is reported.
func (m *Module) singleton(kind transform.Kind, src abi.Descriptor) (string, error) {
	in, err := codec.Decode(m.arena, src)
	if err != nil {
		return "", err
	}

	out, err := m.session.Transform(context.Background(), kind, in)
	if err != nil {
		var ee *transform.EvalError
		if kind == transform.KindScript && errors.As(err, &ee) {
			m.fatal(string(kind), err)
		}
		return "", err
	}
	return out, nil
}

// hand copies out into a new region and transfers it to the host. An
// exhausted arena aborts, as it does in Allocate.
func (m *Module) hand(op, out string) uint64 {
	owned, err := codec.EncodeNew(m.arena, m.arena, out)
	if err != nil {
		var exhausted *arena.ExhaustedError
		if errors.As(err, &exhausted) {
			m.fatal(op, err)
		}
		m.fail(op, err)
		return abi.FailurePacked
	}
	d, err := owned.Transfer()
	if err != nil {
		m.fail(op, err)
		return abi.FailurePacked
	}
	return d.Pack()
}

func (m *Module) fail(op string, err error) {
	m.lastErr = fmt.Errorf("%s: %w", op, err)
	m.logger.Debug("Guest call failed", zap.String("op", op), zap.Error(err))
}

func (m *Module) fatal(op string, err error) {
	m.logger.Error("Unrecoverable guest failure", zap.String("op", op), zap.Error(err))
	panic(fmt.Errorf("%s: %w", op, err))
}
