package codec

import (
	"errors"

	"github.com/woxQAQ/textbridge/pkg/abi"
)

// ErrConsumed is returned when an Owned token is used after it was released or
// transferred.
var ErrConsumed = errors.New("owned region already released or transferred")

// Owned is an allocated region that its holder is responsible for.
// Exactly one of Release or Transfer must be called.
type Owned struct {
	desc     abi.Descriptor
	alloc    Allocator
	consumed bool
}

// Descriptor returns the region without changing ownership.
func (o *Owned) Descriptor() abi.Descriptor {
	return o.desc
}

// Release frees the region through the allocator that produced it.
func (o *Owned) Release() error {
	if o.consumed {
		return ErrConsumed
	}
	o.consumed = true
	return o.alloc.Deallocate(o.desc.Ptr, o.desc.Len)
}

// Transfer hands the region to the foreign caller, who must eventually
// deallocate it with the exact returned descriptor. The region is never freed
// on this side afterwards.
func (o *Owned) Transfer() (abi.Descriptor, error) {
	if o.consumed {
		return abi.Descriptor{}, ErrConsumed
	}
	o.consumed = true
	return o.desc, nil
}
