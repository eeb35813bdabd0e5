package wasm

import (
	"context"

	"github.com/tetratelabs/wazero/api"

	"github.com/woxQAQ/textbridge/internal/codec"
	"github.com/woxQAQ/textbridge/pkg/abi"
)

// Memory is the host's view of a guest's linear memory. Reads and writes are
// bounds-checked by wazero; it satisfies codec.Memory.
type Memory struct {
	mem api.Memory
}

// NewMemory creates a memory helper.
func NewMemory(module api.Module) *Memory {
	return &Memory{mem: module.Memory()}
}

// Read returns a view of n bytes at ptr. The view aliases guest memory and is
// only valid until the next guest call.
func (m *Memory) Read(ptr, n uint32) ([]byte, bool) {
	return m.mem.Read(ptr, n)
}

// Write copies data into guest memory at ptr.
func (m *Memory) Write(ptr uint32, data []byte) bool {
	return m.mem.Write(ptr, data)
}

// ReadString copies the UTF-8 string named by d out of guest memory.
func (m *Memory) ReadString(d abi.Descriptor) (string, error) {
	return codec.Decode(m, d)
}

// Size returns the current size of the memory in bytes.
func (m *Memory) Size() uint32 {
	return m.mem.Size()
}

// guestAllocator allocates through the guest's exports within one locked call.
type guestAllocator struct {
	ctx  context.Context
	inst *Instance
}

func (a guestAllocator) Allocate(size uint32) (uint32, error) {
	return a.inst.allocate(a.ctx, size)
}

func (a guestAllocator) Deallocate(ptr, size uint32) error {
	return a.inst.deallocate(a.ctx, ptr, size)
}
