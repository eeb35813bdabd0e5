package runner

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/woxQAQ/textbridge/internal/arena"
	"github.com/woxQAQ/textbridge/internal/bundle"
	"github.com/woxQAQ/textbridge/internal/codec"
	"github.com/woxQAQ/textbridge/internal/config"
	"github.com/woxQAQ/textbridge/internal/guest"
	"github.com/woxQAQ/textbridge/internal/transform"
	"github.com/woxQAQ/textbridge/internal/wasm"
	"github.com/woxQAQ/textbridge/internal/wasmtimehost"
	"github.com/woxQAQ/textbridge/pkg/abi"
)

// Mode selects how lines reach the transform engine.
type Mode string

const (
	// ModeNative calls the transform session directly.
	ModeNative Mode = "native"
	// ModeLoopback drives an in-process guest module over a private arena,
	// going through the same allocate/transform/deallocate calls a host makes.
	ModeLoopback Mode = "loopback"
	// ModeCABI and ModeCABIProgram go through the C boundary of
	// libtextbridge: C strings in, library-owned C strings out.
	ModeCABI        Mode = "cabi"
	ModeCABIProgram Mode = "cabi-program"
	// ModeWasmInPlace, ModeWasmDynamic and ModeWasmProgram call a guest bundle
	// on wazero through the named protocol.
	ModeWasmInPlace Mode = "wasm-inplace"
	ModeWasmDynamic Mode = "wasm-dynamic"
	ModeWasmProgram Mode = "wasm-program"
	// The wasmtime modes call the same bundle on wasmtime.
	ModeWasmtimeInPlace Mode = "wasmtime-inplace"
	ModeWasmtimeDynamic Mode = "wasmtime-dynamic"
	ModeWasmtimeProgram Mode = "wasmtime-program"
)

// Address of the first byte of the loopback arena.
const loopbackArenaBase = 1 << 16

// Modes lists every runner mode.
var Modes = []Mode{
	ModeNative, ModeLoopback, ModeCABI, ModeCABIProgram,
	ModeWasmInPlace, ModeWasmDynamic, ModeWasmProgram,
	ModeWasmtimeInPlace, ModeWasmtimeDynamic, ModeWasmtimeProgram,
}

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	for _, m := range Modes {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown runner mode %q (must be one of: %v)", s, Modes)
}

// Path transforms one line at a time.
type Path interface {
	Transform(ctx context.Context, input string) (string, error)
	Close(ctx context.Context) error
}

// Open builds the path cfg.Runner.Mode names.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Path, error) {
	mode, err := ParseMode(cfg.Runner.Mode)
	if err != nil {
		return nil, err
	}
	kind, err := transform.ParseKind(cfg.Runner.Kind)
	if err != nil {
		return nil, err
	}

	switch mode {
	case ModeNative:
		return openNative(cfg, kind, logger)
	case ModeLoopback:
		return openLoopback(cfg, kind, logger)
	case ModeCABI, ModeCABIProgram:
		return openCABI(cfg, mode, kind, logger)
	case ModeWasmtimeInPlace, ModeWasmtimeDynamic, ModeWasmtimeProgram:
		return openWasmtime(ctx, cfg, mode, kind, logger)
	default:
		return openWasm(ctx, cfg, mode, kind, logger)
	}
}

type nativePath struct {
	session *transform.Session
	kind    transform.Kind
}

func openNative(cfg *config.Config, kind transform.Kind, logger *zap.Logger) (*nativePath, error) {
	session, err := transform.NewSession(cfg.TransformSettings(), logger)
	if err != nil {
		return nil, err
	}
	return &nativePath{session: session, kind: kind}, nil
}

func (p *nativePath) Transform(ctx context.Context, input string) (string, error) {
	return p.session.Transform(ctx, p.kind, input)
}

func (p *nativePath) Close(context.Context) error {
	return nil
}

// loopbackPath plays host to a guest.Module living in the same process.
type loopbackPath struct {
	arena  *arena.Arena
	module *guest.Module
	kind   transform.Kind
}

func openLoopback(cfg *config.Config, kind transform.Kind, logger *zap.Logger) (*loopbackPath, error) {
	a := arena.New(make([]byte, cfg.Arena.Capacity), loopbackArenaBase)
	module, err := guest.New(a, cfg.TransformSettings(), logger)
	if err != nil {
		return nil, err
	}
	return &loopbackPath{arena: a, module: module, kind: kind}, nil
}

// Transform passes input the way a dynamic-protocol host does. A guest abort
// surfaces as a CallError, like a trap would.
func (p *loopbackPath) Transform(_ context.Context, input string) (_ string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &wasm.CallError{Function: string(p.kind), Err: fmt.Errorf("guest aborted: %v", r)}
		}
	}()

	owned, err := codec.EncodeNew(p.arena, p, input)
	if err != nil {
		return "", err
	}
	defer func() {
		err = multierr.Append(err, owned.Release())
	}()

	src := owned.Descriptor()
	packed := p.module.Dynamic(p.kind, src.Ptr, src.Len)
	if packed == abi.FailurePacked {
		return "", p.lastError()
	}

	out := abi.Unpack(packed)
	s, err := codec.Decode(p.arena, out)
	if status := p.module.Deallocate(out.Ptr, out.Len); status != abi.StatusOK && err == nil {
		err = p.lastError()
	}
	return s, err
}

// Allocate and Deallocate route the host's own buffers through the guest
// exports, as a wasm host would.
func (p *loopbackPath) Allocate(size uint32) (uint32, error) {
	return p.module.Allocate(size), nil
}

func (p *loopbackPath) Deallocate(ptr, size uint32) error {
	if p.module.Deallocate(ptr, size) != abi.StatusOK {
		return p.lastError()
	}
	return nil
}

func (p *loopbackPath) lastError() error {
	packed := p.module.LastError()
	if packed == 0 || packed == abi.FailurePacked {
		return &wasm.GuestError{Function: string(p.kind), Message: "no error message available"}
	}

	d := abi.Unpack(packed)
	msg, err := codec.Decode(p.arena, d)
	p.module.Deallocate(d.Ptr, d.Len)
	if err != nil {
		return err
	}
	return &wasm.GuestError{Function: string(p.kind), Message: msg}
}

func (p *loopbackPath) Close(context.Context) error {
	if live := p.arena.Live(); live != 0 {
		return fmt.Errorf("loopback arena still holds %d allocations", live)
	}
	return nil
}

// guestInstance is a guest running on either wasm host.
type guestInstance interface {
	TransformInPlace(ctx context.Context, kind transform.Kind, input string, capacity uint32) (string, error)
	TransformDynamic(ctx context.Context, kind transform.Kind, input string) (string, error)
	CompileProgram(ctx context.Context, source string) (uint32, error)
	TransformProgram(ctx context.Context, h uint32, input string) (string, error)
	ReleaseProgram(ctx context.Context, h uint32) error
}

// wasmPath calls a guest bundle instance.
type wasmPath struct {
	instance guestInstance
	shutdown func(context.Context) error
	protocol string
	kind     transform.Kind
	program  uint32
	capacity uint32
	logger   *zap.Logger
}

var protocols = map[Mode]string{
	ModeWasmInPlace:     "inplace",
	ModeWasmDynamic:     "dynamic",
	ModeWasmProgram:     "program",
	ModeWasmtimeInPlace: "inplace",
	ModeWasmtimeDynamic: "dynamic",
	ModeWasmtimeProgram: "program",
}

func openWasm(ctx context.Context, cfg *config.Config, mode Mode, kind transform.Kind, logger *zap.Logger) (_ *wasmPath, err error) {
	runtime, err := wasm.NewRuntime(ctx, logger, cfg.RuntimeSettings())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Wasm runtime: %w", err)
	}

	manager, err := bundle.NewManager(ctx, cfg, runtime, wasm.NewHostFunctions(logger), logger)
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = manager.Shutdown(ctx)
		}
	}()

	if err := manager.LoadAll(ctx); err != nil {
		return nil, err
	}

	b, err := manager.GetBundle(cfg.Runner.Bundle)
	if err != nil {
		return nil, err
	}
	protocol := protocols[mode]
	if !b.Supports(protocol) {
		return nil, &bundle.UnsupportedProtocolError{BundleName: b.Name(), Protocol: protocol}
	}

	instance, err := manager.Instantiate(ctx, b.Name())
	if err != nil {
		return nil, err
	}

	p := &wasmPath{
		instance: instance,
		shutdown: manager.Shutdown,
		protocol: protocol,
		kind:     kind,
		capacity: cfg.Runner.BufferSize,
		logger:   logger.With(zap.String("component", "runner"), zap.String("instance_id", instance.ID)),
	}
	if err := p.compile(ctx, cfg); err != nil {
		return nil, err
	}
	return p, nil
}

// openWasmtime runs the bundle's guest on wasmtime. The bundle is located by
// its manifest; nothing is compiled by wazero.
func openWasmtime(ctx context.Context, cfg *config.Config, mode Mode, kind transform.Kind, logger *zap.Logger) (_ *wasmPath, err error) {
	manifest, err := bundle.FindManifest(cfg.BundlePaths, cfg.Runner.Bundle)
	if err != nil {
		return nil, err
	}
	protocol := protocols[mode]
	if !manifest.Supports(protocol) {
		return nil, &bundle.UnsupportedProtocolError{BundleName: manifest.Name, Protocol: protocol}
	}
	exports, err := wasm.ProtocolExports(protocol)
	if err != nil {
		return nil, err
	}

	wasmBytes, err := os.ReadFile(manifest.WasmPath())
	if err != nil {
		return nil, &bundle.LoadError{BundleName: manifest.Name, Err: err}
	}
	host, err := wasmtimehost.New(manifest.Name, wasmBytes, &wasmtimehost.Config{
		MemoryPages: cfg.Wasm.MemoryPages,
		Exports:     exports,
		Timeout:     cfg.Wasm.Timeout(),
	}, wasm.NewHostFunctions(logger), logger)
	if err != nil {
		return nil, &bundle.LoadError{BundleName: manifest.Name, Err: err}
	}
	defer func() {
		if err != nil {
			_ = host.Close(ctx)
		}
	}()

	p := &wasmPath{
		instance: host,
		shutdown: host.Close,
		protocol: protocol,
		kind:     kind,
		capacity: cfg.Runner.BufferSize,
		logger:   logger.With(zap.String("component", "runner"), zap.String("module", manifest.Name)),
	}
	if err := p.compile(ctx, cfg); err != nil {
		return nil, err
	}
	return p, nil
}

// compile prepares the program protocol by compiling the configured script
// in the guest.
func (p *wasmPath) compile(ctx context.Context, cfg *config.Config) (err error) {
	if p.protocol != "program" {
		return nil
	}
	p.program, err = p.instance.CompileProgram(ctx, cfg.Transform.Script.Source)
	if err != nil {
		return err
	}
	p.logger.Info("Program compiled in guest", zap.Uint32("handle", p.program))
	return nil
}

func (p *wasmPath) Transform(ctx context.Context, input string) (string, error) {
	switch p.protocol {
	case "inplace":
		if uint64(len(input)) > uint64(p.capacity) {
			return "", &codec.BufferTooSmallError{Capacity: p.capacity, Required: uint64(len(input))}
		}
		return p.instance.TransformInPlace(ctx, p.kind, input, p.capacity)
	case "dynamic":
		return p.instance.TransformDynamic(ctx, p.kind, input)
	default:
		return p.instance.TransformProgram(ctx, p.program, input)
	}
}

func (p *wasmPath) Close(ctx context.Context) error {
	if p.program != 0 {
		if err := p.instance.ReleaseProgram(ctx, p.program); err != nil {
			p.logger.Warn("Failed to release program", zap.Error(err))
		}
	}
	return p.shutdown(ctx)
}
