// Package cabi implements the native C boundary of textbridge: strings cross as
// NUL-terminated byte pointers, results are malloc'd and owned by the caller
// until they come back through FreeString, and compiled programs are referred
// to by integer handles.
//
// cmd/libtextbridge exports these methods as C symbols.
package cabi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"
	"unsafe"

	"go.uber.org/zap"

	"github.com/woxQAQ/textbridge/internal/handle"
	"github.com/woxQAQ/textbridge/internal/ownership"
	"github.com/woxQAQ/textbridge/internal/transform"
)

var (
	// ErrEmbeddedNUL is returned for results that cannot be represented as a
	// C string.
	ErrEmbeddedNUL = errors.New("string contains a NUL byte")

	ErrNullPointer = errors.New("null string pointer")
	ErrInvalidUTF8 = errors.New("string is not valid UTF-8")
)

// Library is the state behind the exported C functions. Calls may come from
// any C thread and are serialised.
type Library struct {
	mu       sync.Mutex
	session  *transform.Session
	dialect  transform.Dialect
	programs *handle.Table[*transform.Program]
	// strings handed to C and not yet freed, sized including the NUL.
	issued *ownership.Ledger
	logger *zap.Logger
}

// New compiles the singleton strategies in cfg.
func New(cfg transform.Config, logger *zap.Logger) (*Library, error) {
	session, err := transform.NewSession(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &Library{
		session:  session,
		dialect:  cfg.ScriptDialect,
		programs: handle.NewTable[*transform.Program](),
		issued:   ownership.NewLedger(),
		logger:   logger.With(zap.String("component", "cabi")),
	}, nil
}

// Transform runs the singleton strategy for kind on the C string in and
// returns a new C string owned by the caller.
func (l *Library) Transform(kind transform.Kind, in unsafe.Pointer) (unsafe.Pointer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, err := decode(in)
	if err != nil {
		return nil, err
	}
	out, err := l.session.Transform(context.Background(), kind, s)
	if err != nil {
		return nil, err
	}
	return l.issue(out)
}

// Compile compiles the script at src in the configured dialect. The caller
// owns the returned handle until ReleaseProgram.
func (l *Library) Compile(src unsafe.Pointer) (handle.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, err := decode(src)
	if err != nil {
		return 0, err
	}
	p, err := transform.Compile(l.dialect, s)
	if err != nil {
		return 0, err
	}

	h := l.programs.Insert(p)
	l.logger.Debug("Program compiled", zap.Uint32("handle", uint32(h)))
	return h, nil
}

// TransformProgram runs the program behind h on in. h stays owned by the
// caller.
func (l *Library) TransformProgram(h handle.Handle, in unsafe.Pointer) (unsafe.Pointer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, err := l.programs.Get(h)
	if err != nil {
		return nil, err
	}
	s, err := decode(in)
	if err != nil {
		return nil, err
	}
	out, err := p.Transform(context.Background(), s)
	if err != nil {
		return nil, err
	}
	return l.issue(out)
}

// ReleaseProgram destroys the program behind h.
func (l *Library) ReleaseProgram(h handle.Handle) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.programs.Release(h)
	return err
}

// FreeString releases a string previously returned by this library. Freeing
// NULL is a no-op; anything else that was not issued, or was already freed,
// fails with an ownership.InvalidFreeError and is left alone.
func (l *Library) FreeString(p unsafe.Pointer) error {
	if p == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	addr := uint64(uintptr(p))
	size, ok := l.issued.Lookup(addr)
	if !ok {
		return &ownership.InvalidFreeError{Ptr: addr}
	}
	if err := l.issued.Release(addr, size); err != nil {
		return err
	}
	Free(p)
	return nil
}

// ErrorString renders err as a C string owned by the caller, for the err
// out-parameters of the C functions. NUL bytes in the message are replaced.
func (l *Library) ErrorString(err error) unsafe.Pointer {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg := strings.ReplaceAll(err.Error(), "\x00", `\x00`)
	p, issueErr := l.issue(msg)
	if issueErr != nil {
		l.logger.Error("Failed to issue error string", zap.Error(issueErr))
		return nil
	}
	return p
}

// Outstanding returns the number of issued strings and live program handles.
func (l *Library) Outstanding() (issued, programs int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.issued.Len(), l.programs.Len()
}

// issue copies s to C memory and records it. Callers hold l.mu.
func (l *Library) issue(s string) (unsafe.Pointer, error) {
	if i := strings.IndexByte(s, 0); i >= 0 {
		return nil, fmt.Errorf("%w at byte %d", ErrEmbeddedNUL, i)
	}

	p := CString(s)
	if err := l.issued.Track(uint64(uintptr(p)), uint64(len(s))+1); err != nil {
		Free(p)
		return nil, err
	}
	return p, nil
}

func decode(p unsafe.Pointer) (string, error) {
	if p == nil {
		return "", ErrNullPointer
	}
	s := GoString(p)
	if !utf8.ValidString(s) {
		return "", ErrInvalidUTF8
	}
	return s, nil
}
