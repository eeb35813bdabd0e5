package wasm

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/woxQAQ/textbridge/pkg/abi"
)

// HostFunctionsImpl implements the functions guests import from abi.HostModule.
type HostFunctionsImpl struct {
	logger *zap.Logger
}

// NewHostFunctions creates a new host functions implementation.
func NewHostFunctions(logger *zap.Logger) *HostFunctionsImpl {
	return &HostFunctionsImpl{
		logger: logger.With(zap.String("component", "wasm-host")),
	}
}

// instantiate registers the host module in r. It may only be done once per
// runtime.
func (h *HostFunctionsImpl) instantiate(ctx context.Context, r wazero.Runtime) (api.Module, error) {
	return r.NewHostModuleBuilder(abi.HostModule).
		NewFunctionBuilder().
		WithFunc(h.logMessage).
		WithParameterNames("level", "ptr", "length").
		Export(abi.HostFuncLogMessage).
		Instantiate(ctx)
}

// logMessage re-emits a line logged by the guest.
// Signature: log_message(level, ptr, length), level as abi.LogLevel.
// The message region stays owned by the guest.
func (h *HostFunctionsImpl) logMessage(ctx context.Context, mod api.Module, level uint32, ptr uint32, length uint32) {
	msg, ok := mod.Memory().Read(ptr, length)
	if !ok {
		h.logger.Error("Failed to read log message from Wasm memory",
			zap.Uint32("ptr", ptr),
			zap.Uint32("length", length),
		)
		return
	}
	h.Log(mod.Name(), abi.LogLevel(level), string(msg))
}

// Log emits msg for the named guest at level. Hosts other than wazero call it
// from their own log_message import.
func (h *HostFunctionsImpl) Log(guest string, level abi.LogLevel, msg string) {
	logger := h.logger.With(zap.String("guest", guest))
	switch level {
	case abi.LogDebug:
		logger.Debug(msg)
	case abi.LogInfo:
		logger.Info(msg)
	case abi.LogWarn:
		logger.Warn(msg)
	case abi.LogError:
		logger.Error(msg)
	default:
		logger.Info(msg)
	}
}
