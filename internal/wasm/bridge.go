package wasm

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/woxQAQ/textbridge/internal/codec"
	"github.com/woxQAQ/textbridge/internal/transform"
	"github.com/woxQAQ/textbridge/pkg/abi"
)

var inPlaceExports = map[transform.Kind]string{
	transform.KindIdentity: abi.ExportNoopInPlace,
	transform.KindPattern:  abi.ExportRegexInPlace,
	transform.KindScript:   abi.ExportScriptInPlace,
}

var dynamicExports = map[transform.Kind]string{
	transform.KindIdentity: abi.ExportNoopDynamic,
	transform.KindPattern:  abi.ExportRegexDynamic,
	transform.KindScript:   abi.ExportScriptDynamic,
}

// ProtocolExports returns the exports a guest needs for a protocol name as
// listed in bundle manifests: "inplace", "dynamic" or "program".
func ProtocolExports(protocol string) ([]string, error) {
	switch protocol {
	case "inplace":
		return mapValues(inPlaceExports), nil
	case "dynamic":
		return mapValues(dynamicExports), nil
	case "program":
		return []string{abi.ExportProgramCompile, abi.ExportProgramTransform, abi.ExportProgramRelease}, nil
	default:
		return nil, fmt.Errorf("unknown protocol %q", protocol)
	}
}

// InPlaceExport names the in-place export for kind.
func InPlaceExport(kind transform.Kind) (string, bool) {
	name, ok := inPlaceExports[kind]
	return name, ok
}

// DynamicExport names the dynamic export for kind.
func DynamicExport(kind transform.Kind) (string, bool) {
	name, ok := dynamicExports[kind]
	return name, ok
}

// RequiredExports lists the exports every guest provides regardless of
// protocol.
func RequiredExports() []string {
	return slices.Clone(requiredExports)
}

func mapValues(m map[transform.Kind]string) []string {
	out := make([]string, 0, len(m))
	for _, k := range transform.Kinds {
		out = append(out, m[k])
	}
	return out
}

// Allocate reserves size bytes in the guest. The caller owns the region.
func (i *Instance) Allocate(ctx context.Context, size uint32) (uint32, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.allocate(ctx, size)
}

// Deallocate returns a region to the guest.
func (i *Instance) Deallocate(ctx context.Context, ptr, size uint32) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.deallocate(ctx, ptr, size)
}

// TransformInPlace copies input into a guest buffer of the given capacity
// (at least len(input)) and has the guest overwrite it with the result.
func (i *Instance) TransformInPlace(ctx context.Context, kind transform.Kind, input string, capacity uint32) (string, error) {
	name, ok := inPlaceExports[kind]
	if !ok {
		return "", fmt.Errorf("unknown transform kind %q", kind)
	}
	if uint64(len(input)) >= uint64(abi.FailureLen) {
		return "", &codec.BufferTooSmallError{Capacity: abi.FailureLen - 1, Required: uint64(len(input))}
	}
	length := uint32(len(input))
	capacity = max(capacity, length)

	i.mu.Lock()
	defer i.mu.Unlock()

	ptr, err := i.allocate(ctx, capacity)
	if err != nil {
		return "", err
	}
	defer i.release(ctx, ptr, capacity)

	if !i.memory.Write(ptr, []byte(input)) {
		return "", &MemoryAccessError{Operation: "write", Address: ptr, Length: length, Err: errOutOfRange}
	}

	n, err := i.call(ctx, name, uint64(ptr), uint64(length), uint64(capacity))
	if err != nil {
		return "", err
	}
	if uint32(n) == abi.FailureLen {
		return "", i.lastError(ctx, name)
	}
	return i.memory.ReadString(abi.Descriptor{Ptr: ptr, Len: uint32(n)})
}

// TransformDynamic passes input to the guest, which returns the result in a
// new region that the host reads and frees.
func (i *Instance) TransformDynamic(ctx context.Context, kind transform.Kind, input string) (string, error) {
	name, ok := dynamicExports[kind]
	if !ok {
		return "", fmt.Errorf("unknown transform kind %q", kind)
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	return i.withString(ctx, input, func(src abi.Descriptor) (string, error) {
		packed, err := i.call(ctx, name, uint64(src.Ptr), uint64(src.Len))
		if err != nil {
			return "", err
		}
		return i.take(ctx, name, packed)
	})
}

// CompileProgram compiles source inside the guest and returns its handle.
// The handle must be released with ReleaseProgram.
func (i *Instance) CompileProgram(ctx context.Context, source string) (uint32, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	var h uint32
	_, err := i.withString(ctx, source, func(src abi.Descriptor) (string, error) {
		res, err := i.call(ctx, abi.ExportProgramCompile, uint64(src.Ptr), uint64(src.Len))
		if err != nil {
			return "", err
		}
		if h = uint32(res); h == 0 {
			return "", i.lastError(ctx, abi.ExportProgramCompile)
		}
		return "", nil
	})
	return h, err
}

// TransformProgram runs the program behind h on input.
func (i *Instance) TransformProgram(ctx context.Context, h uint32, input string) (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.withString(ctx, input, func(src abi.Descriptor) (string, error) {
		packed, err := i.call(ctx, abi.ExportProgramTransform, uint64(h), uint64(src.Ptr), uint64(src.Len))
		if err != nil {
			return "", err
		}
		return i.take(ctx, abi.ExportProgramTransform, packed)
	})
}

// ReleaseProgram destroys the program behind h.
func (i *Instance) ReleaseProgram(ctx context.Context, h uint32) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	status, err := i.call(ctx, abi.ExportProgramRelease, uint64(h))
	if err != nil {
		return err
	}
	if uint32(status) != abi.StatusOK {
		return i.lastError(ctx, abi.ExportProgramRelease)
	}
	return nil
}

var errOutOfRange = errors.New("out of range")

// call invokes an export and returns its single result, if any.
func (i *Instance) call(ctx context.Context, name string, params ...uint64) (uint64, error) {
	fn, ok := i.exports[name]
	if !ok {
		return 0, &FunctionNotFoundError{ModuleName: i.Name, FunctionName: name}
	}
	if i.module.IsClosed() {
		return 0, &CallError{Function: name, Err: ErrInstanceClosed}
	}

	if i.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}

	results, err := fn.Call(ctx, params...)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return 0, &TimeoutError{Function: name, Duration: i.timeout}
		}
		return 0, &CallError{Function: name, Err: err}
	}
	if len(results) == 0 {
		return 0, nil
	}
	return results[0], nil
}

func (i *Instance) allocate(ctx context.Context, size uint32) (uint32, error) {
	ptr, err := i.call(ctx, abi.ExportAllocate, uint64(size))
	if err != nil {
		return 0, err
	}
	return uint32(ptr), nil
}

func (i *Instance) deallocate(ctx context.Context, ptr, size uint32) error {
	if ptr == 0 && size == 0 {
		return nil
	}
	status, err := i.call(ctx, abi.ExportDeallocate, uint64(ptr), uint64(size))
	if err != nil {
		return err
	}
	if uint32(status) != abi.StatusOK {
		return i.lastError(ctx, abi.ExportDeallocate)
	}
	return nil
}

// release frees a region whose contents were already consumed; failures are
// logged only.
func (i *Instance) release(ctx context.Context, ptr, size uint32) {
	if i.module.IsClosed() {
		return
	}
	if err := i.deallocate(ctx, ptr, size); err != nil {
		i.logger.Warn("Failed to free guest region",
			zap.Uint32("ptr", ptr),
			zap.Uint32("size", size),
			zap.Error(err),
		)
	}
}

// withString copies s into a guest region for the duration of fn.
func (i *Instance) withString(ctx context.Context, s string, fn func(abi.Descriptor) (string, error)) (string, error) {
	src, err := codec.EncodeNew(i.memory, guestAllocator{ctx: ctx, inst: i}, s)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := src.Release(); err != nil && !i.module.IsClosed() {
			i.logger.Warn("Failed to free guest input", zap.Stringer("region", src.Descriptor()), zap.Error(err))
		}
	}()
	return fn(src.Descriptor())
}

// take reads and frees a packed region the guest transferred to the host.
func (i *Instance) take(ctx context.Context, fn string, packed uint64) (string, error) {
	if packed == abi.FailurePacked {
		return "", i.lastError(ctx, fn)
	}
	d := abi.Unpack(packed)
	out, err := i.memory.ReadString(d)
	return out, multierr.Append(err, i.deallocate(ctx, d.Ptr, d.Len))
}

// lastError collects the failure the guest recorded for fn.
func (i *Instance) lastError(ctx context.Context, fn string) error {
	packed, err := i.call(ctx, abi.ExportLastError)
	if err != nil {
		return &GuestError{Function: fn, Message: fmt.Sprintf("error detail unavailable: %v", err)}
	}
	if packed == 0 || packed == abi.FailurePacked {
		return &GuestError{Function: fn, Message: "no error detail"}
	}

	d := abi.Unpack(packed)
	msg, readErr := i.memory.ReadString(d)
	if status, err := i.call(ctx, abi.ExportDeallocate, uint64(d.Ptr), uint64(d.Len)); err != nil || uint32(status) != abi.StatusOK {
		i.logger.Warn("Failed to free guest error message", zap.Stringer("region", d))
	}
	if readErr != nil {
		return &GuestError{Function: fn, Message: fmt.Sprintf("unreadable error detail: %v", readErr)}
	}
	return &GuestError{Function: fn, Message: msg}
}
