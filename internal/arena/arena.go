// Package arena implements the guest allocator: a fixed byte arena handed out in
// aligned spans from a first-fit free list.
//
// Pointers are linear-memory addresses (base + offset). Inside a wasip1 guest the
// base is the address of the backing slice, so the host can read and write the
// returned pointers directly; elsewhere any non-zero base works.
//
// Every live allocation is recorded in an ownership ledger, so double frees, frees
// with the wrong size and accesses outside a live allocation are reported instead
// of silently corrupting the arena.
package arena

import (
	"fmt"

	"github.com/woxQAQ/textbridge/internal/ownership"
)

// Alignment of every span handed out by the arena.
const Alignment = 8

// ExhaustedError occurs when no free span is large enough for a request.
type ExhaustedError struct {
	Requested   uint32
	Reclaimable uint32
	Capacity    uint32
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("arena exhausted (requested: %d bytes, free: %d bytes, capacity: %d bytes)",
		e.Requested, e.Reclaimable, e.Capacity)
}

type span struct {
	off  uint32
	size uint32
}

// Arena is a first-fit allocator over a caller-provided buffer.
// An Arena is not safe for concurrent use.
type Arena struct {
	buf  []byte
	base uint32

	// free spans, sorted by offset and coalesced.
	free     []span
	capacity uint32

	// live allocations keyed by pointer, with the size the caller asked for.
	live *ownership.Ledger
	// spans backing live allocations, keyed by pointer.
	spans map[uint32]uint32
}

// New creates an arena over buf whose first byte lives at address base.
// base must be non-zero so that pointer 0 stays reserved for "no allocation".
func New(buf []byte, base uint32) *Arena {
	if base == 0 {
		panic("arena: base address must be non-zero")
	}
	if uint64(base)+uint64(len(buf)) > 1<<32 {
		panic(fmt.Sprintf("arena: buffer of %d bytes at 0x%x exceeds the 32-bit address space", len(buf), base))
	}

	a := &Arena{
		buf:   buf,
		base:  base,
		live:  ownership.NewLedger(),
		spans: make(map[uint32]uint32),
	}
	a.Reset()
	return a
}

// Reset frees every allocation.
func (a *Arena) Reset() {
	a.live.Reset()
	clear(a.spans)

	// Skip leading bytes so that every span offset is aligned relative to address 0.
	skip := (Alignment - a.base%Alignment) % Alignment
	a.free = a.free[:0]
	a.capacity = 0
	if uint32(len(a.buf)) > skip {
		usable := (uint32(len(a.buf)) - skip) &^ (Alignment - 1)
		if usable > 0 {
			a.free = append(a.free, span{off: skip, size: usable})
			a.capacity = usable
		}
	}
}

func roundUp(size uint32) uint32 {
	return (size + Alignment - 1) &^ (Alignment - 1)
}

// Allocate reserves size bytes and returns their address.
// A zero size returns pointer 0 without reserving anything.
func (a *Arena) Allocate(size uint32) (uint32, error) {
	if size == 0 {
		return 0, nil
	}

	need := roundUp(size)
	if need < size {
		return 0, &ExhaustedError{Requested: size, Reclaimable: a.Reclaimable(), Capacity: a.Capacity()}
	}

	for i, s := range a.free {
		if s.size < need {
			continue
		}

		ptr := a.base + s.off
		if err := a.live.Track(uint64(ptr), uint64(size)); err != nil {
			// The free list and the ledger disagree; the arena is corrupt.
			panic(fmt.Sprintf("arena: %v", err))
		}
		a.spans[ptr] = need

		if s.size == need {
			a.free = append(a.free[:i], a.free[i+1:]...)
		} else {
			a.free[i] = span{off: s.off + need, size: s.size - need}
		}
		return ptr, nil
	}

	return 0, &ExhaustedError{Requested: size, Reclaimable: a.Reclaimable(), Capacity: a.Capacity()}
}

// Deallocate returns a region obtained from Allocate. The size must be the one
// passed to Allocate. Deallocating pointer 0 with size 0 is a no-op.
func (a *Arena) Deallocate(ptr, size uint32) error {
	if ptr == 0 && size == 0 {
		return nil
	}
	if err := a.live.Release(uint64(ptr), uint64(size)); err != nil {
		return err
	}

	need := a.spans[ptr]
	delete(a.spans, ptr)
	a.insertFree(span{off: ptr - a.base, size: need})
	return nil
}

// insertFree puts s back in the free list, merging it with its neighbours.
func (a *Arena) insertFree(s span) {
	i := 0
	for i < len(a.free) && a.free[i].off < s.off {
		i++
	}

	a.free = append(a.free, span{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = s

	if i+1 < len(a.free) && a.free[i].off+a.free[i].size == a.free[i+1].off {
		a.free[i].size += a.free[i+1].size
		a.free = append(a.free[:i+1], a.free[i+2:]...)
	}
	if i > 0 && a.free[i-1].off+a.free[i-1].size == a.free[i].off {
		a.free[i-1].size += a.free[i].size
		a.free = append(a.free[:i], a.free[i+1:]...)
	}
}

// Read returns a view of n bytes at ptr. The range must lie inside one live
// allocation. The view aliases the arena; copy it before the region is freed.
func (a *Arena) Read(ptr, n uint32) ([]byte, bool) {
	if !a.live.Contains(uint64(ptr), uint64(n)) {
		if n == 0 {
			return []byte{}, true
		}
		return nil, false
	}
	off := ptr - a.base
	return a.buf[off : off+n : off+n], true
}

// Write copies data to ptr. The range must lie inside one live allocation.
func (a *Arena) Write(ptr uint32, data []byte) bool {
	if len(data) == 0 {
		return true
	}
	if !a.live.Contains(uint64(ptr), uint64(len(data))) {
		return false
	}
	off := ptr - a.base
	copy(a.buf[off:], data)
	return true
}

// Reclaimable returns the number of free bytes.
func (a *Arena) Reclaimable() uint32 {
	var total uint32
	for _, s := range a.free {
		total += s.size
	}
	return total
}

// Capacity returns the number of bytes the arena can hand out.
func (a *Arena) Capacity() uint32 {
	return a.capacity
}

// Live returns the number of live allocations.
func (a *Arena) Live() int {
	return a.live.Len()
}

// Base returns the address of the first byte of the backing buffer.
func (a *Arena) Base() uint32 {
	return a.base
}
