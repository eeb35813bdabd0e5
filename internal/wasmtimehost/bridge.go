package wasmtimehost

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/woxQAQ/textbridge/internal/codec"
	"github.com/woxQAQ/textbridge/internal/transform"
	"github.com/woxQAQ/textbridge/internal/wasm"
	"github.com/woxQAQ/textbridge/pkg/abi"
)

var errOutOfRange = errors.New("out of range")

// memory reads and writes the guest's linear memory. The data slice is
// fetched again on every access because any guest call may grow the memory.
type memory struct {
	h *Host
}

func (m memory) Read(ptr, n uint32) ([]byte, bool) {
	data := m.h.memory.UnsafeData(m.h.store)
	end := uint64(ptr) + uint64(n)
	if end > uint64(len(data)) {
		return nil, false
	}
	return data[ptr:end], true
}

func (m memory) Write(ptr uint32, b []byte) bool {
	dst, ok := m.Read(ptr, uint32(len(b)))
	if !ok {
		return false
	}
	copy(dst, b)
	return true
}

// allocator calls the guest allocator within one locked call.
type allocator struct {
	ctx context.Context
	h   *Host
}

func (a allocator) Allocate(size uint32) (uint32, error) {
	return a.h.allocate(a.ctx, size)
}

func (a allocator) Deallocate(ptr, size uint32) error {
	return a.h.deallocate(a.ctx, ptr, size)
}

// Allocate reserves size bytes in the guest. The caller owns the region.
func (h *Host) Allocate(ctx context.Context, size uint32) (uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.allocate(ctx, size)
}

// Deallocate returns a region to the guest.
func (h *Host) Deallocate(ctx context.Context, ptr, size uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.deallocate(ctx, ptr, size)
}

// TransformInPlace copies input into a guest buffer of the given capacity
// (at least len(input)) and has the guest overwrite it with the result.
func (h *Host) TransformInPlace(ctx context.Context, kind transform.Kind, input string, capacity uint32) (string, error) {
	name, ok := wasm.InPlaceExport(kind)
	if !ok {
		return "", fmt.Errorf("unknown transform kind %q", kind)
	}
	if uint64(len(input)) >= uint64(abi.FailureLen) {
		return "", &codec.BufferTooSmallError{Capacity: abi.FailureLen - 1, Required: uint64(len(input))}
	}
	length := uint32(len(input))
	capacity = max(capacity, length)

	h.mu.Lock()
	defer h.mu.Unlock()

	ptr, err := h.allocate(ctx, capacity)
	if err != nil {
		return "", err
	}
	defer h.release(ctx, ptr, capacity)

	mem := memory{h}
	if !mem.Write(ptr, []byte(input)) {
		return "", &wasm.MemoryAccessError{Operation: "write", Address: ptr, Length: length, Err: errOutOfRange}
	}

	n, err := h.call(ctx, name, ptr, length, capacity)
	if err != nil {
		return "", err
	}
	if uint32(n) == abi.FailureLen {
		return "", h.lastError(ctx, name)
	}
	return codec.Decode(mem, abi.Descriptor{Ptr: ptr, Len: uint32(n)})
}

// TransformDynamic passes input to the guest, which returns the result in a
// new region that the host reads and frees.
func (h *Host) TransformDynamic(ctx context.Context, kind transform.Kind, input string) (string, error) {
	name, ok := wasm.DynamicExport(kind)
	if !ok {
		return "", fmt.Errorf("unknown transform kind %q", kind)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	return h.withString(ctx, input, func(src abi.Descriptor) (string, error) {
		packed, err := h.call(ctx, name, src.Ptr, src.Len)
		if err != nil {
			return "", err
		}
		return h.take(ctx, name, packed)
	})
}

// CompileProgram compiles source inside the guest and returns its handle.
// The handle must be released with ReleaseProgram.
func (h *Host) CompileProgram(ctx context.Context, source string) (uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var handle uint32
	_, err := h.withString(ctx, source, func(src abi.Descriptor) (string, error) {
		res, err := h.call(ctx, abi.ExportProgramCompile, src.Ptr, src.Len)
		if err != nil {
			return "", err
		}
		if handle = uint32(res); handle == 0 {
			return "", h.lastError(ctx, abi.ExportProgramCompile)
		}
		return "", nil
	})
	return handle, err
}

// TransformProgram runs the program behind handle on input.
func (h *Host) TransformProgram(ctx context.Context, handle uint32, input string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.withString(ctx, input, func(src abi.Descriptor) (string, error) {
		packed, err := h.call(ctx, abi.ExportProgramTransform, handle, src.Ptr, src.Len)
		if err != nil {
			return "", err
		}
		return h.take(ctx, abi.ExportProgramTransform, packed)
	})
}

// ReleaseProgram destroys the program behind handle.
func (h *Host) ReleaseProgram(ctx context.Context, handle uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	status, err := h.call(ctx, abi.ExportProgramRelease, handle)
	if err != nil {
		return err
	}
	if uint32(status) != abi.StatusOK {
		return h.lastError(ctx, abi.ExportProgramRelease)
	}
	return nil
}

func (h *Host) allocate(ctx context.Context, size uint32) (uint32, error) {
	ptr, err := h.call(ctx, abi.ExportAllocate, size)
	return uint32(ptr), err
}

func (h *Host) deallocate(ctx context.Context, ptr, size uint32) error {
	if ptr == 0 && size == 0 {
		return nil
	}
	status, err := h.call(ctx, abi.ExportDeallocate, ptr, size)
	if err != nil {
		return err
	}
	if uint32(status) != abi.StatusOK {
		return h.lastError(ctx, abi.ExportDeallocate)
	}
	return nil
}

// release frees a region whose contents were already consumed; failures are
// logged only.
func (h *Host) release(ctx context.Context, ptr, size uint32) {
	if h.closed {
		return
	}
	if err := h.deallocate(ctx, ptr, size); err != nil {
		h.logger.Warn("Failed to free guest region",
			zap.Uint32("ptr", ptr),
			zap.Uint32("size", size),
			zap.Error(err),
		)
	}
}

// withString copies s into a guest region for the duration of fn.
func (h *Host) withString(ctx context.Context, s string, fn func(abi.Descriptor) (string, error)) (_ string, err error) {
	src, err := codec.EncodeNew(memory{h}, allocator{ctx: ctx, h: h}, s)
	if err != nil {
		return "", err
	}
	defer func() {
		if !h.closed {
			err = multierr.Append(err, src.Release())
		}
	}()
	return fn(src.Descriptor())
}

// take reads and frees a packed region the guest transferred to the host.
func (h *Host) take(ctx context.Context, fn string, packed uint64) (string, error) {
	if packed == abi.FailurePacked {
		return "", h.lastError(ctx, fn)
	}
	d := abi.Unpack(packed)
	out, err := codec.Decode(memory{h}, d)
	return out, multierr.Append(err, h.deallocate(ctx, d.Ptr, d.Len))
}

// lastError collects the failure the guest recorded for fn.
func (h *Host) lastError(ctx context.Context, fn string) error {
	packed, err := h.call(ctx, abi.ExportLastError)
	if err != nil {
		return &wasm.GuestError{Function: fn, Message: fmt.Sprintf("error detail unavailable: %v", err)}
	}
	if packed == 0 || packed == abi.FailurePacked {
		return &wasm.GuestError{Function: fn, Message: "no error detail"}
	}

	d := abi.Unpack(packed)
	msg, readErr := codec.Decode(memory{h}, d)
	if status, err := h.call(ctx, abi.ExportDeallocate, d.Ptr, d.Len); err != nil || uint32(status) != abi.StatusOK {
		h.logger.Warn("Failed to free guest error message", zap.Stringer("region", d))
	}
	if readErr != nil {
		return &wasm.GuestError{Function: fn, Message: fmt.Sprintf("unreadable error detail: %v", readErr)}
	}
	return &wasm.GuestError{Function: fn, Message: msg}
}
