// Package handle issues opaque integer handles for values that live on one
// side of a boundary and are referenced from the other.
package handle

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

// ErrInvalidHandle is returned for handles that were never issued or have
// already been released.
var ErrInvalidHandle = errors.New("invalid handle")

// Handle is an opaque reference into a Table. The zero Handle is never issued.
type Handle uint32

type slot[T any] struct {
	value T
	live  bool
}

// Table maps handles to values. Released handles go on a free list and may be
// issued again by a later Insert.
type Table[T any] struct {
	mu       sync.RWMutex
	slots    []slot[T]
	freeList []Handle
	live     int
}

// NewTable creates an empty table.
func NewTable[T any]() *Table[T] {
	return &Table[T]{
		slots:    make([]slot[T], 0, 16),
		freeList: make([]Handle, 0, 4),
	}
}

// Insert stores v and returns its handle.
func (t *Table[T]) Insert(v T) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.live++
	if n := len(t.freeList); n > 0 {
		h := t.freeList[n-1]
		t.freeList = t.freeList[:n-1]
		t.slots[h-1] = slot[T]{value: v, live: true}
		return h
	}

	if uint64(len(t.slots)) == math.MaxUint32 {
		panic("handle: table full")
	}
	t.slots = append(t.slots, slot[T]{value: v, live: true})
	return Handle(len(t.slots))
}

// Get returns the value for h.
func (t *Table[T]) Get(h Handle) (T, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, err := t.lookup(h)
	if err != nil {
		var zero T
		return zero, err
	}
	return s.value, nil
}

// Release invalidates h and returns the value it referenced.
func (t *Table[T]) Release(h Handle) (T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var zero T
	s, err := t.lookup(h)
	if err != nil {
		return zero, err
	}

	v := s.value
	*s = slot[T]{}
	t.freeList = append(t.freeList, h)
	t.live--
	return v, nil
}

// Len returns the number of live handles.
func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.live
}

// Range calls fn for every live handle until fn returns false.
func (t *Table[T]) Range(fn func(Handle, T) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for i := range t.slots {
		if !t.slots[i].live {
			continue
		}
		if !fn(Handle(i+1), t.slots[i].value) {
			return
		}
	}
}

func (t *Table[T]) lookup(h Handle) (*slot[T], error) {
	if h == 0 || int(h) > len(t.slots) || !t.slots[h-1].live {
		return nil, fmt.Errorf("%w: %d", ErrInvalidHandle, h)
	}
	return &t.slots[h-1], nil
}
