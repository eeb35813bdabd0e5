// Package wasmtimehost runs a textbridge guest on wasmtime instead of wazero.
// It speaks the same guest ABI as internal/wasm and reports failures with the
// same error types, so callers can swap one host for the other.
package wasmtimehost

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bytecodealliance/wasmtime-go"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/woxQAQ/textbridge/internal/wasm"
	"github.com/woxQAQ/textbridge/pkg/abi"
)

const wasiModule = "wasi_snapshot_preview1"

// Config holds the settings of one wasmtime guest.
type Config struct {
	// Memory limit in 64KiB pages, 0 for no limit.
	MemoryPages uint32

	// Exports the guest must provide in addition to the allocator and the
	// error channel.
	Exports []string

	// Per-call timeout, 0 for none.
	Timeout time.Duration
}

// Host owns a wasmtime engine, store and guest instance. Calls are
// serialised.
type Host struct {
	mu       sync.Mutex
	engine   *wasmtime.Engine
	store    *wasmtime.Store
	instance *wasmtime.Instance
	memory   *wasmtime.Memory
	exports  map[string]*wasmtime.Func
	closed   bool

	Name    string
	timeout time.Duration
	logger  *zap.Logger
}

// New compiles and instantiates wasmBytes, then runs _initialize if the guest
// exports it. Imports are restricted to WASI and the host module, whose
// log_message lines go to hostFuncs.
func New(name string, wasmBytes []byte, cfg *Config, hostFuncs *wasm.HostFunctionsImpl, logger *zap.Logger) (*Host, error) {
	logger = logger.With(zap.String("component", "wasmtime-host"), zap.String("module", name))

	engineCfg := wasmtime.NewConfig()
	engineCfg.SetEpochInterruption(true)
	engine := wasmtime.NewEngineWithConfig(engineCfg)

	logger.Info("Compiling Wasm module", zap.Int("size_bytes", len(wasmBytes)))
	module, err := wasmtime.NewModule(engine, wasmBytes)
	if err != nil {
		return nil, &wasm.CompilationError{ModuleName: name, Err: err}
	}
	for _, imp := range module.Imports() {
		if imp.Module() != abi.HostModule && imp.Module() != wasiModule {
			importName := ""
			if imp.Name() != nil {
				importName = *imp.Name()
			}
			return nil, &wasm.CompilationError{
				ModuleName: name,
				Err:        fmt.Errorf("unsupported import %s.%s", imp.Module(), importName),
			}
		}
	}

	h := &Host{
		engine:  engine,
		exports: make(map[string]*wasmtime.Func),
		Name:    name,
		timeout: cfg.Timeout,
		logger:  logger,
	}

	linker := wasmtime.NewLinker(engine)
	if err := linker.DefineWasi(); err != nil {
		return nil, fmt.Errorf("failed to define WASI: %w", err)
	}
	logMessage := func(caller *wasmtime.Caller, level, ptr, length int32) {
		h.logMessage(caller, hostFuncs, level, ptr, length)
	}
	if err := linker.FuncWrap(abi.HostModule, abi.HostFuncLogMessage, logMessage); err != nil {
		return nil, fmt.Errorf("failed to define host module: %w", err)
	}

	wasiConfig := wasmtime.NewWasiConfig()
	wasiConfig.InheritStderr()
	h.store = wasmtime.NewStore(engine)
	h.store.SetWasi(wasiConfig)
	if cfg.MemoryPages > 0 {
		h.store.Limiter(int64(cfg.MemoryPages)*64*1024, -1, -1, -1, -1)
	}

	// Instantiation runs the start section, if any, so it needs a deadline
	// like every other call.
	h.store.SetEpochDeadline(1)
	h.instance, err = linker.Instantiate(h.store, module)
	if err != nil {
		return nil, &wasm.InstantiationError{ModuleName: name, InstanceID: name, Err: err}
	}

	if ext := h.instance.GetExport(h.store, abi.MemoryExportDefault); ext != nil {
		h.memory = ext.Memory()
	}
	if h.memory == nil {
		return nil, &wasm.FunctionNotFoundError{ModuleName: name, FunctionName: abi.MemoryExportDefault}
	}
	for _, names := range [][]string{wasm.RequiredExports(), cfg.Exports} {
		for _, fn := range names {
			if err := h.export(fn); err != nil {
				return nil, err
			}
		}
	}

	if ext := h.instance.GetExport(h.store, abi.InitializeFunction); ext != nil && ext.Func() != nil {
		h.exports[abi.InitializeFunction] = ext.Func()
		if _, err := h.call(context.Background(), abi.InitializeFunction); err != nil {
			return nil, &wasm.InstantiationError{ModuleName: name, InstanceID: name, Err: err}
		}
	}

	logger.Info("Module instantiated successfully",
		zap.Int("exported_functions", len(h.exports)),
		zap.Int("memory_bytes", len(h.memory.UnsafeData(h.store))),
	)
	return h, nil
}

func (h *Host) export(name string) error {
	ext := h.instance.GetExport(h.store, name)
	if ext == nil || ext.Func() == nil {
		return &wasm.FunctionNotFoundError{ModuleName: h.Name, FunctionName: name}
	}
	h.exports[name] = ext.Func()
	return nil
}

// Close drops the instance. wasmtime frees the store and engine once they are
// unreachable.
func (h *Host) Close(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	h.exports = nil
	h.memory = nil
	h.instance = nil
	return nil
}

// call invokes an export with i32 parameters and returns its single result,
// if any. Callers hold h.mu.
func (h *Host) call(ctx context.Context, name string, params ...uint32) (uint64, error) {
	if h.closed {
		return 0, &wasm.CallError{Function: name, Err: wasm.ErrInstanceClosed}
	}
	fn, ok := h.exports[name]
	if !ok {
		return 0, &wasm.FunctionNotFoundError{ModuleName: h.Name, FunctionName: name}
	}
	if err := ctx.Err(); err != nil {
		return 0, &wasm.CallError{Function: name, Err: err}
	}

	args := make([]interface{}, len(params))
	for i, p := range params {
		args[i] = int32(p)
	}

	// The guest traps once the engine epoch passes the deadline; nothing
	// else advances the epoch.
	h.store.SetEpochDeadline(1)
	var expired atomic.Bool
	if h.timeout > 0 {
		timer := time.AfterFunc(h.timeout, func() {
			expired.Store(true)
			h.engine.IncrementEpoch()
		})
		defer timer.Stop()
	}
	stop := context.AfterFunc(ctx, h.engine.IncrementEpoch)
	defer stop()

	res, err := fn.Call(h.store, args...)
	if err != nil {
		switch {
		case expired.Load():
			h.closed = true
			return 0, &wasm.TimeoutError{Function: name, Duration: h.timeout}
		case ctx.Err() != nil:
			h.closed = true
			return 0, &wasm.CallError{Function: name, Err: ctx.Err()}
		}
		return 0, &wasm.CallError{Function: name, Err: err}
	}

	switch v := res.(type) {
	case int32:
		return uint64(uint32(v)), nil
	case int64:
		return uint64(v), nil
	default:
		return 0, nil
	}
}

func (h *Host) logMessage(caller *wasmtime.Caller, hostFuncs *wasm.HostFunctionsImpl, level, ptr, length int32) {
	ext := caller.GetExport(abi.MemoryExportDefault)
	if ext == nil || ext.Memory() == nil {
		h.logger.Error("Guest logged without an exported memory")
		return
	}
	data := ext.Memory().UnsafeData(caller)
	start, end := uint64(uint32(ptr)), uint64(uint32(ptr))+uint64(uint32(length))
	if end > uint64(len(data)) {
		h.logger.Error("Failed to read log message from Wasm memory",
			zap.Uint32("ptr", uint32(ptr)),
			zap.Uint32("length", uint32(length)),
		)
		return
	}
	hostFuncs.Log(h.Name, abi.LogLevel(uint32(level)), string(data[start:end]))
}
