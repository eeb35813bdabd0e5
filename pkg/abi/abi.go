// Package abi defines the wire contract shared by the guest module and its hosts.
//
// NOTE: uint32 is used for pointers and lengths because WebAssembly uses a 32-bit
// linear memory model. A (pointer, length) pair that has to travel through a single
// scalar return value is packed into a uint64: pointer in the high 32 bits, length in
// the low 32 bits.
package abi

import "fmt"

// Guest exports.
const (
	ExportAllocate   = "allocate"
	ExportDeallocate = "deallocate"
	ExportLastError  = "last_error"

	// In-place: (ptr, len, cap u32) -> u32 new length.
	ExportNoopInPlace   = "noop_wasm"
	ExportRegexInPlace  = "regex_wasm"
	ExportScriptInPlace = "script_wasm"

	// Dynamic: (ptr, len u32) -> u64 packed descriptor owned by the caller.
	ExportNoopDynamic   = "noop_wasm_dynamic"
	ExportRegexDynamic  = "regex_wasm_dynamic"
	ExportScriptDynamic = "script_wasm_dynamic"

	ExportProgramCompile   = "program_compile"
	ExportProgramTransform = "program_transform"
	ExportProgramRelease   = "program_release"
)

// Host imports provided to the guest.
const (
	HostModule          = "host"
	HostFuncLogMessage  = "log_message"
	InitializeFunction  = "_initialize"
	MemoryExportDefault = "memory"
)

// Sentinels returned by guest exports on failure. Neither value can describe a
// region inside a 32-bit address space.
const (
	FailureLen    uint32 = 0xFFFFFFFF
	FailurePacked uint64 = 0xFFFFFFFFFFFFFFFF
)

// Status codes for exports without a data result.
const (
	StatusOK    uint32 = 0
	StatusError uint32 = 1
)

// LogLevel is the level argument of the log_message host import.
type LogLevel uint32

const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarn
	LogError
)

// Descriptor is an (offset, length) pair naming a byte range in linear memory.
type Descriptor struct {
	Ptr uint32
	Len uint32
}

// Empty reports whether d describes no bytes.
func (d Descriptor) Empty() bool {
	return d.Len == 0
}

// End returns the first offset past the range.
func (d Descriptor) End() uint64 {
	return uint64(d.Ptr) + uint64(d.Len)
}

func (d Descriptor) String() string {
	return fmt.Sprintf("[0x%x+%d]", d.Ptr, d.Len)
}

// Pack packs the descriptor into a single uint64.
// Panics if Ptr is 0 and Len > 0, which never names a valid region.
func (d Descriptor) Pack() uint64 {
	return Pack(d.Ptr, d.Len)
}

// Pack packs a pointer and length into a single uint64.
func Pack(ptr, length uint32) uint64 {
	if ptr == 0 && length > 0 {
		panic(fmt.Sprintf("abi: invalid pack - null pointer with non-zero length (%d)", length))
	}
	return (uint64(ptr) << 32) | uint64(length)
}

// Unpack splits a packed value back into its descriptor.
func Unpack(packed uint64) Descriptor {
	return Descriptor{Ptr: uint32(packed >> 32), Len: uint32(packed)}
}
