// Package codec moves strings across a linear-memory boundary.
//
// A string crosses as a descriptor (pointer, length) into memory owned by the
// module. Decode copies the bytes out into a Go string; EncodeInPlace writes a
// result over an existing region of known capacity; EncodeNew allocates a fresh
// region and returns an Owned token whose holder must either release it or
// transfer it to the foreign caller.
package codec

import (
	"unicode/utf8"

	"github.com/woxQAQ/textbridge/pkg/abi"
)

// Memory is the byte-level view of the address space a descriptor points into.
// wazero's api.Memory and *arena.Arena both satisfy it.
type Memory interface {
	Read(ptr, n uint32) ([]byte, bool)
	Write(ptr uint32, data []byte) bool
}

// Allocator hands out and reclaims regions of the same address space.
type Allocator interface {
	Allocate(size uint32) (uint32, error)
	Deallocate(ptr, size uint32) error
}

// Decode copies the bytes named by d into a new string.
// The source region is left untouched and still belongs to whoever owned it.
func Decode(mem Memory, d abi.Descriptor) (string, error) {
	if d.Len == 0 {
		return "", nil
	}

	buf, ok := mem.Read(d.Ptr, d.Len)
	if !ok {
		return "", &MemoryAccessError{Operation: "decode", Address: d.Ptr, Length: d.Len}
	}
	if !utf8.Valid(buf) {
		return "", newDecodeError(d, buf)
	}
	return string(buf), nil
}

// EncodeInPlace writes text over dst and returns the number of bytes written.
// dst.Len is the capacity of the destination region; text longer than that is
// rejected with a BufferTooSmallError and nothing is written.
func EncodeInPlace(mem Memory, dst abi.Descriptor, text string) (uint32, error) {
	if uint64(len(text)) > uint64(dst.Len) {
		return 0, &BufferTooSmallError{Capacity: dst.Len, Required: uint64(len(text))}
	}
	if len(text) == 0 {
		return 0, nil
	}
	if !mem.Write(dst.Ptr, []byte(text)) {
		return 0, &MemoryAccessError{Operation: "encode", Address: dst.Ptr, Length: uint32(len(text))}
	}
	return uint32(len(text)), nil
}

// EncodeNew allocates a region sized to text, copies text into it and returns
// the region as an Owned token. An empty text allocates nothing and yields the
// empty descriptor.
func EncodeNew(mem Memory, alloc Allocator, text string) (*Owned, error) {
	if uint64(len(text)) > uint64(abi.FailureLen-1) {
		return nil, &BufferTooSmallError{Capacity: abi.FailureLen - 1, Required: uint64(len(text))}
	}

	size := uint32(len(text))
	ptr, err := alloc.Allocate(size)
	if err != nil {
		return nil, err
	}

	o := &Owned{desc: abi.Descriptor{Ptr: ptr, Len: size}, alloc: alloc}
	if size == 0 {
		return o, nil
	}

	if !mem.Write(ptr, []byte(text)) {
		// Do not leak the region we just reserved.
		_ = alloc.Deallocate(ptr, size)
		return nil, &MemoryAccessError{Operation: "encode", Address: ptr, Length: size}
	}
	return o, nil
}
