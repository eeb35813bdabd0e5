package codec

import (
	"fmt"
	"unicode/utf8"

	"github.com/woxQAQ/textbridge/pkg/abi"
)

// DecodeError occurs when a region does not hold well-formed UTF-8.
type DecodeError struct {
	Ptr    uint32
	Len    uint32
	Offset int // first invalid byte, relative to Ptr
}

func newDecodeError(d abi.Descriptor, buf []byte) *DecodeError {
	offset := 0
	for offset < len(buf) {
		r, size := utf8.DecodeRune(buf[offset:])
		if r == utf8.RuneError && size <= 1 {
			break
		}
		offset += size
	}
	return &DecodeError{Ptr: d.Ptr, Len: d.Len, Offset: offset}
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("invalid UTF-8 in region 0x%x+%d at byte %d", e.Ptr, e.Len, e.Offset)
}

// BufferTooSmallError occurs when a result does not fit the destination region.
type BufferTooSmallError struct {
	Capacity uint32
	Required uint64
}

func (e *BufferTooSmallError) Error() string {
	return fmt.Sprintf("buffer too small: need %d bytes, capacity is %d", e.Required, e.Capacity)
}

// MemoryAccessError occurs when a descriptor points outside accessible memory.
type MemoryAccessError struct {
	Operation string
	Address   uint32
	Length    uint32
}

func (e *MemoryAccessError) Error() string {
	return fmt.Sprintf("memory access failed (op=%s, addr=%d, len=%d): out of range",
		e.Operation, e.Address, e.Length)
}
