// Package ownership tracks which byte regions are currently owned by someone.
//
// A region enters the ledger when it is handed out (allocated, or transferred to a
// foreign caller) and leaves it exactly once, when the owner gives it back with the
// same (pointer, size) pair. Anything else is reported as an error instead of being
// allowed to corrupt memory.
package ownership

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrInvalidFree is wrapped by errors for pointers that are not live.
	ErrInvalidFree = errors.New("invalid free")

	// ErrSizeMismatch is wrapped by errors for frees with the wrong size.
	ErrSizeMismatch = errors.New("size mismatch")

	// ErrOverlap is wrapped by errors for regions that overlap a live one.
	ErrOverlap = errors.New("overlapping region")
)

// InvalidFreeError occurs when a pointer that is not live is released.
type InvalidFreeError struct {
	Ptr  uint64
	Size uint64
}

func (e *InvalidFreeError) Error() string {
	return fmt.Sprintf("invalid free of 0x%x (size %d): not a live region", e.Ptr, e.Size)
}

func (e *InvalidFreeError) Unwrap() error {
	return ErrInvalidFree
}

// SizeMismatchError occurs when a live region is released with the wrong size.
type SizeMismatchError struct {
	Ptr      uint64
	Size     uint64
	Expected uint64
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("free of 0x%x with size %d, region was allocated with size %d",
		e.Ptr, e.Size, e.Expected)
}

func (e *SizeMismatchError) Unwrap() error {
	return ErrSizeMismatch
}

// OverlapError occurs when a new region overlaps one that is still live.
type OverlapError struct {
	Ptr      uint64
	Size     uint64
	LivePtr  uint64
	LiveSize uint64
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("region 0x%x+%d overlaps live region 0x%x+%d",
		e.Ptr, e.Size, e.LivePtr, e.LiveSize)
}

func (e *OverlapError) Unwrap() error {
	return ErrOverlap
}

type region struct {
	ptr  uint64
	size uint64
}

func (r region) end() uint64 {
	return r.ptr + r.size
}

// Ledger records live regions, ordered by address.
// The zero value is an empty ledger. A Ledger is not safe for concurrent use.
type Ledger struct {
	regions []region
	bytes   uint64
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{}
}

// search returns the index of the first region starting at or after ptr.
func (l *Ledger) search(ptr uint64) int {
	return sort.Search(len(l.regions), func(i int) bool {
		return l.regions[i].ptr >= ptr
	})
}

// Track registers a live region. Zero-size regions are not tracked.
func (l *Ledger) Track(ptr, size uint64) error {
	if size == 0 {
		return nil
	}

	r := region{ptr: ptr, size: size}
	i := l.search(ptr)

	if i < len(l.regions) && l.regions[i].ptr < r.end() {
		next := l.regions[i]
		return &OverlapError{Ptr: ptr, Size: size, LivePtr: next.ptr, LiveSize: next.size}
	}
	if i > 0 && l.regions[i-1].end() > ptr {
		prev := l.regions[i-1]
		return &OverlapError{Ptr: ptr, Size: size, LivePtr: prev.ptr, LiveSize: prev.size}
	}

	l.regions = append(l.regions, region{})
	copy(l.regions[i+1:], l.regions[i:])
	l.regions[i] = r
	l.bytes += size
	return nil
}

// Release removes a live region. The pair must match what was tracked.
// On a size mismatch the region stays live.
func (l *Ledger) Release(ptr, size uint64) error {
	i := l.search(ptr)
	if i == len(l.regions) || l.regions[i].ptr != ptr {
		return &InvalidFreeError{Ptr: ptr, Size: size}
	}
	if l.regions[i].size != size {
		return &SizeMismatchError{Ptr: ptr, Size: size, Expected: l.regions[i].size}
	}

	l.regions = append(l.regions[:i], l.regions[i+1:]...)
	l.bytes -= size
	return nil
}

// Lookup returns the size of the live region starting at ptr.
func (l *Ledger) Lookup(ptr uint64) (uint64, bool) {
	i := l.search(ptr)
	if i == len(l.regions) || l.regions[i].ptr != ptr {
		return 0, false
	}
	return l.regions[i].size, true
}

// Contains reports whether [ptr, ptr+n) lies inside a single live region.
func (l *Ledger) Contains(ptr, n uint64) bool {
	i := l.search(ptr + 1)
	if i == 0 {
		return false
	}
	r := l.regions[i-1]
	return ptr >= r.ptr && ptr+n <= r.end()
}

// Len returns the number of live regions.
func (l *Ledger) Len() int {
	return len(l.regions)
}

// Bytes returns the total size of all live regions.
func (l *Ledger) Bytes() uint64 {
	return l.bytes
}

// Reset forgets every live region.
func (l *Ledger) Reset() {
	l.regions = l.regions[:0]
	l.bytes = 0
}
