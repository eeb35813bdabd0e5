package wasm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/woxQAQ/textbridge/pkg/abi"
)

// requiredExports must be present in every guest.
var requiredExports = []string{
	abi.ExportAllocate,
	abi.ExportDeallocate,
	abi.ExportLastError,
}

// InstanceManager creates guest instances. It registers WASI and the host
// module in the runtime once.
type InstanceManager struct {
	runtime   *Runtime
	logger    *zap.Logger
	hostFuncs *HostFunctionsImpl
	seq       atomic.Uint64
}

// NewInstanceManager registers the guest imports in runtime.
func NewInstanceManager(ctx context.Context, runtime *Runtime, hostFuncs *HostFunctionsImpl, logger *zap.Logger) (*InstanceManager, error) {
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime.runtime); err != nil {
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}
	if _, err := hostFuncs.instantiate(ctx, runtime.runtime); err != nil {
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}

	return &InstanceManager{
		runtime:   runtime,
		hostFuncs: hostFuncs,
		logger:    logger.With(zap.String("component", "wasm-instance")),
	}, nil
}

// InstanceConfig holds configuration for creating instances.
type InstanceConfig struct {
	// Module name to instantiate.
	ModuleName string

	// Instance ID (if empty, one is derived from the module name).
	InstanceID string

	// Exports the guest must provide in addition to the allocator and the
	// error channel.
	Exports []string

	// Per-call timeout, 0 for none.
	Timeout time.Duration
}

// Instance is an instantiated guest. Calls are serialised: a guest is
// single-threaded and its allocator keeps no locks.
type Instance struct {
	mu     sync.Mutex
	module api.Module
	memory *Memory

	ID        string
	Name      string
	CreatedAt int64

	exports map[string]api.Function
	timeout time.Duration
	runtime *Runtime
	logger  *zap.Logger
}

// Instantiate creates a new instance from a compiled module and runs its
// _initialize export, if any.
func (m *InstanceManager) Instantiate(ctx context.Context, config *InstanceConfig) (*Instance, error) {
	compiled, ok := m.runtime.GetCompiledModule(config.ModuleName)
	if !ok {
		return nil, &ModuleNotFoundError{ModuleName: config.ModuleName}
	}

	if limit := m.runtime.config.MaxInstances; limit > 0 && m.runtime.InstanceCount() >= limit {
		return nil, &InstanceLimitError{Limit: limit}
	}

	instanceID := config.InstanceID
	if instanceID == "" {
		instanceID = fmt.Sprintf("%s-%d", config.ModuleName, m.seq.Inc())
	}

	m.logger.Info("Instantiating Wasm module",
		zap.String("module", config.ModuleName),
		zap.String("instance_id", instanceID),
	)

	moduleConfig := wazero.NewModuleConfig().
		WithName(instanceID).
		WithStartFunctions(abi.InitializeFunction)

	module, err := m.runtime.runtime.InstantiateModule(ctx, compiled.Module, moduleConfig)
	if err != nil {
		return nil, &InstantiationError{
			ModuleName: config.ModuleName,
			InstanceID: instanceID,
			Err:        err,
		}
	}

	exports := cacheExportedFunctions(module)
	if err := validateExports(config.ModuleName, module, exports, config.Exports); err != nil {
		_ = module.Close(ctx)
		return nil, err
	}

	instance := &Instance{
		module:    module,
		memory:    NewMemory(module),
		ID:        instanceID,
		Name:      config.ModuleName,
		CreatedAt: time.Now().Unix(),
		exports:   exports,
		timeout:   config.Timeout,
		runtime:   m.runtime,
		logger:    m.logger.With(zap.String("instance_id", instanceID)),
	}
	m.runtime.StoreInstance(instance)

	m.logger.Info("Module instantiated successfully",
		zap.String("instance_id", instanceID),
		zap.Int("exported_functions", len(exports)),
		zap.Uint32("memory_bytes", instance.memory.Size()),
	)

	return instance, nil
}

// Close closes the instance and stops tracking it.
func (i *Instance) Close(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.runtime.DeleteInstance(i.ID)
	return i.module.Close(ctx)
}

// Exports reports whether the guest exports the function name.
func (i *Instance) Exports(name string) bool {
	_, ok := i.exports[name]
	return ok
}

func cacheExportedFunctions(module api.Module) map[string]api.Function {
	exports := make(map[string]api.Function)
	for name := range module.ExportedFunctionDefinitions() {
		if fn := module.ExportedFunction(name); fn != nil {
			exports[name] = fn
		}
	}
	return exports
}

func validateExports(moduleName string, module api.Module, exports map[string]api.Function, extra []string) error {
	if module.Memory() == nil {
		return &FunctionNotFoundError{ModuleName: moduleName, FunctionName: abi.MemoryExportDefault}
	}
	for _, names := range [][]string{requiredExports, extra} {
		for _, name := range names {
			if _, ok := exports[name]; !ok {
				return &FunctionNotFoundError{ModuleName: moduleName, FunctionName: name}
			}
		}
	}
	return nil
}
