// Package wasmtest assembles small guest binaries for host tests, and builds
// the real guest from cmd/guest when a Go toolchain is around.
package wasmtest

import "bytes"

// Wasm binary encoding helpers.

const (
	valI32 = 0x7f
	valI64 = 0x7e
)

func uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func wasmName(s string) []byte {
	return append(uleb(uint64(len(s))), s...)
}

func funcType(params, results []byte) []byte {
	out := []byte{0x60}
	out = append(out, uleb(uint64(len(params)))...)
	out = append(out, params...)
	out = append(out, uleb(uint64(len(results)))...)
	return append(out, results...)
}

func exportEntry(name string, kind byte, idx uint64) []byte {
	return append(append(wasmName(name), kind), uleb(idx)...)
}

func codeEntry(locals []byte, instrs ...byte) []byte {
	body := append(append([]byte{}, locals...), instrs...)
	return append(uleb(uint64(len(body))), body...)
}

// section encodes a section whose payload is a vector of items.
func section(id byte, items ...[]byte) []byte {
	payload := uleb(uint64(len(items)))
	for _, it := range items {
		payload = append(payload, it...)
	}
	return append(append([]byte{id}, uleb(uint64(len(payload)))...), payload...)
}

func wasmBinary(sections ...[]byte) []byte {
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00})
	for _, s := range sections {
		buf.Write(s)
	}
	return buf.Bytes()
}

const (
	errorAddr = 16
	heapStart = 1024
)

// ErrorMessage is stored in the fake guest's data segment. Its last_error
// always returns it.
const ErrorMessage = "boom"

// FakeGuest builds a guest that speaks the ABI without transforming anything:
//
//	allocate            bump allocator starting at byte 1024
//	deallocate          always succeeds
//	last_error          always returns ErrorMessage
//	noop_wasm           returns the input length
//	noop_wasm_dynamic   copies the input to a new region
//	regex_wasm          always fails
//	regex_wasm_dynamic  always fails
//	script_wasm         never returns
//	program_release     logs ErrorMessage at info level and succeeds
func FakeGuest() []byte {
	noLocals := []byte{0x00}
	lastErr := int64(errorAddr)<<32 | int64(len(ErrorMessage))

	types := section(1,
		funcType([]byte{valI32, valI32, valI32}, nil),            // 0 log_message
		funcType([]byte{valI32}, []byte{valI32}),                 // 1
		funcType([]byte{valI32, valI32}, []byte{valI32}),         // 2
		funcType(nil, []byte{valI64}),                            // 3
		funcType([]byte{valI32, valI32, valI32}, []byte{valI32}), // 4
		funcType([]byte{valI32, valI32}, []byte{valI64}),         // 5
	)
	imports := section(2,
		append(append(wasmName("host"), wasmName("log_message")...), 0x00, 0x00),
	)
	funcs := section(3,
		[]byte{1}, []byte{2}, []byte{3}, []byte{4}, []byte{5},
		[]byte{4}, []byte{5}, []byte{4}, []byte{1},
	)
	memory := section(5, []byte{0x00, 0x01})
	globals := section(6, append(append([]byte{valI32, 0x01, 0x41}, sleb(heapStart)...), 0x0b))
	exports := section(7,
		exportEntry("memory", 0x02, 0),
		exportEntry("allocate", 0x00, 1),
		exportEntry("deallocate", 0x00, 2),
		exportEntry("last_error", 0x00, 3),
		exportEntry("noop_wasm", 0x00, 4),
		exportEntry("noop_wasm_dynamic", 0x00, 5),
		exportEntry("regex_wasm", 0x00, 6),
		exportEntry("regex_wasm_dynamic", 0x00, 7),
		exportEntry("script_wasm", 0x00, 8),
		exportEntry("program_release", 0x00, 9),
	)
	code := section(10,
		// allocate: old := next; next += size; return old
		codeEntry(noLocals, 0x23, 0x00, 0x23, 0x00, 0x20, 0x00, 0x6a, 0x24, 0x00, 0x0b),
		// deallocate: return 0
		codeEntry(noLocals, 0x41, 0x00, 0x0b),
		// last_error
		codeEntry(noLocals, append(append([]byte{0x42}, sleb(lastErr)...), 0x0b)...),
		// noop_wasm: return len
		codeEntry(noLocals, 0x20, 0x01, 0x0b),
		// noop_wasm_dynamic: dst := next; next += len; copy; return dst<<32 | len
		codeEntry([]byte{0x01, 0x01, valI32},
			0x23, 0x00, 0x21, 0x02,
			0x23, 0x00, 0x20, 0x01, 0x6a, 0x24, 0x00,
			0x20, 0x02, 0x20, 0x00, 0x20, 0x01, 0xfc, 0x0a, 0x00, 0x00,
			0x20, 0x02, 0xad, 0x42, 0x20, 0x86, 0x20, 0x01, 0xad, 0x84, 0x0b,
		),
		// regex_wasm: return 0xFFFFFFFF
		codeEntry(noLocals, 0x41, 0x7f, 0x0b),
		// regex_wasm_dynamic: return all ones
		codeEntry(noLocals, 0x42, 0x7f, 0x0b),
		// script_wasm: loop forever
		codeEntry(noLocals, 0x03, 0x40, 0x0c, 0x00, 0x0b, 0x00, 0x0b),
		// program_release: log_message(info, msg, len); return 0
		codeEntry(noLocals,
			0x41, 0x01,
			0x41, byte(errorAddr),
			0x41, byte(len(ErrorMessage)),
			0x10, 0x00,
			0x41, 0x00, 0x0b,
		),
	)
	data := section(11,
		append(append([]byte{0x00, 0x41, byte(errorAddr), 0x0b}, uleb(uint64(len(ErrorMessage)))...), ErrorMessage...),
	)

	return wasmBinary(types, imports, funcs, memory, globals, exports, code, data)
}

// MemoryOnlyGuest exports a memory and nothing else.
func MemoryOnlyGuest() []byte {
	return wasmBinary(
		section(5, []byte{0x00, 0x01}),
		section(7, exportEntry("memory", 0x02, 0)),
	)
}

// ForeignImportGuest imports a function from a module no host provides.
func ForeignImportGuest() []byte {
	return wasmBinary(
		section(1, funcType(nil, nil)),
		section(2, append(append(wasmName("env"), wasmName("abort")...), 0x00, 0x00)),
	)
}
