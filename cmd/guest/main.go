//go:build wasip1

// Command guest is the textbridge WASM module. Build it as a reactor:
//
//	GOOS=wasip1 GOARCH=wasm go build -buildmode=c-shared -o textbridge.wasm ./cmd/guest
//
// The host must call _initialize before any other export and must provide
// the host.log_message import.
package main

import (
	"runtime"
	"unsafe"

	"go.uber.org/zap/zapcore"

	"github.com/woxQAQ/textbridge/internal/arena"
	"github.com/woxQAQ/textbridge/internal/guest"
	"github.com/woxQAQ/textbridge/internal/transform"
	"github.com/woxQAQ/textbridge/pkg/abi"
)

// heapSize is the arena handed out through allocate.
const heapSize = 4 << 20

var (
	heap   [heapSize]byte
	module *guest.Module
)

//go:wasmimport host log_message
func hostLogMessage(level uint32, ptr uint32, length uint32)

func logToHost(level abi.LogLevel, line string) {
	if len(line) == 0 {
		return
	}
	p := unsafe.StringData(line)
	hostLogMessage(uint32(level), uint32(uintptr(unsafe.Pointer(p))), uint32(len(line)))
	runtime.KeepAlive(line)
}

func init() {
	logger := guest.NewLogger(logToHost, zapcore.InfoLevel)

	base := uint32(uintptr(unsafe.Pointer(&heap[0])))
	m, err := guest.New(arena.New(heap[:], base), transform.DefaultConfig(), logger)
	if err != nil {
		// Instantiation fails if the singleton script does not compile.
		panic(err)
	}
	module = m
}

func main() {}

//go:wasmexport allocate
func allocate(size uint32) uint32 {
	return module.Allocate(size)
}

//go:wasmexport deallocate
func deallocate(ptr, size uint32) uint32 {
	return module.Deallocate(ptr, size)
}

//go:wasmexport last_error
func lastError() uint64 {
	return module.LastError()
}

//go:wasmexport noop_wasm
func noopWasm(ptr, length, capacity uint32) uint32 {
	return module.InPlace(transform.KindIdentity, ptr, length, capacity)
}

//go:wasmexport regex_wasm
func regexWasm(ptr, length, capacity uint32) uint32 {
	return module.InPlace(transform.KindPattern, ptr, length, capacity)
}

//go:wasmexport script_wasm
func scriptWasm(ptr, length, capacity uint32) uint32 {
	return module.InPlace(transform.KindScript, ptr, length, capacity)
}

//go:wasmexport noop_wasm_dynamic
func noopWasmDynamic(ptr, length uint32) uint64 {
	return module.Dynamic(transform.KindIdentity, ptr, length)
}

//go:wasmexport regex_wasm_dynamic
func regexWasmDynamic(ptr, length uint32) uint64 {
	return module.Dynamic(transform.KindPattern, ptr, length)
}

//go:wasmexport script_wasm_dynamic
func scriptWasmDynamic(ptr, length uint32) uint64 {
	return module.Dynamic(transform.KindScript, ptr, length)
}

//go:wasmexport program_compile
func programCompile(ptr, length uint32) uint32 {
	return module.ProgramCompile(ptr, length)
}

//go:wasmexport program_transform
func programTransform(h, ptr, length uint32) uint64 {
	return module.ProgramTransform(h, ptr, length)
}

//go:wasmexport program_release
func programRelease(h uint32) uint32 {
	return module.ProgramRelease(h)
}
