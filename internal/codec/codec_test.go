package codec

import (
	"errors"
	"strings"
	"testing"

	"github.com/woxQAQ/textbridge/internal/arena"
	"github.com/woxQAQ/textbridge/pkg/abi"
)

func newArena(t *testing.T) *arena.Arena {
	t.Helper()
	return arena.New(make([]byte, 64*1024), 0x2000)
}

func TestRoundTrip(t *testing.T) {
	texts := []string{
		"",
		"a",
		"four five",
		"héllo wörld ✓",
		strings.Repeat("0123456789", 500),
	}

	for _, text := range texts {
		a := newArena(t)
		start := a.Reclaimable()

		owned, err := EncodeNew(a, a, text)
		if err != nil {
			t.Fatalf("EncodeNew(%d bytes) failed: %v", len(text), err)
		}

		got, err := Decode(a, owned.Descriptor())
		if err != nil {
			t.Fatalf("Decode() failed: %v", err)
		}
		if got != text {
			t.Errorf("round trip mismatch: got %q, want %q", got, text)
		}

		if err := owned.Release(); err != nil {
			t.Fatalf("Release() failed: %v", err)
		}
		if a.Reclaimable() != start {
			t.Errorf("Reclaimable() = %d after release, want %d", a.Reclaimable(), start)
		}
	}
}

func TestDecodeLeavesSourceLive(t *testing.T) {
	a := newArena(t)
	owned, err := EncodeNew(a, a, "input")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := Decode(a, owned.Descriptor()); err != nil {
		t.Fatal(err)
	}
	if a.Live() != 1 {
		t.Errorf("Decode() changed the source region: Live() = %d", a.Live())
	}
}

func TestDecodeInvalidUTF8(t *testing.T) {
	a := newArena(t)
	ptr, err := a.Allocate(4)
	if err != nil {
		t.Fatal(err)
	}
	a.Write(ptr, []byte{'o', 'k', 0xff, 'x'})

	_, err = Decode(a, abi.Descriptor{Ptr: ptr, Len: 4})
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("Decode() = %v, want *DecodeError", err)
	}
	if decodeErr.Offset != 2 {
		t.Errorf("Offset = %d, want 2", decodeErr.Offset)
	}
}

func TestDecodeOutOfRange(t *testing.T) {
	a := newArena(t)

	_, err := Decode(a, abi.Descriptor{Ptr: 0x9000, Len: 4})
	var accessErr *MemoryAccessError
	if !errors.As(err, &accessErr) {
		t.Fatalf("Decode() = %v, want *MemoryAccessError", err)
	}
}

func TestEncodeInPlace(t *testing.T) {
	a := newArena(t)
	owned, err := EncodeNew(a, a, "four five")
	if err != nil {
		t.Fatal(err)
	}
	dst := owned.Descriptor()

	n, err := EncodeInPlace(a, dst, "rust five")
	if err != nil {
		t.Fatalf("EncodeInPlace() failed: %v", err)
	}
	if n != 9 {
		t.Errorf("wrote %d bytes, want 9", n)
	}

	got, _ := Decode(a, abi.Descriptor{Ptr: dst.Ptr, Len: n})
	if got != "rust five" {
		t.Errorf("region holds %q", got)
	}
}

func TestEncodeInPlaceNeverExceedsInput(t *testing.T) {
	inputs := []string{"", "x", "four five", "ünïcödé", strings.Repeat("ab", 300)}

	for _, input := range inputs {
		a := newArena(t)
		owned, err := EncodeNew(a, a, input)
		if err != nil {
			t.Fatal(err)
		}

		text, err := Decode(a, owned.Descriptor())
		if err != nil {
			t.Fatal(err)
		}
		n, err := EncodeInPlace(a, owned.Descriptor(), text)
		if err != nil {
			t.Fatalf("EncodeInPlace(%q) failed: %v", input, err)
		}
		if n > owned.Descriptor().Len {
			t.Errorf("wrote %d bytes into a %d byte region", n, owned.Descriptor().Len)
		}
	}
}

func TestEncodeInPlaceBufferTooSmall(t *testing.T) {
	a := newArena(t)
	owned, err := EncodeNew(a, a, "abcd")
	if err != nil {
		t.Fatal(err)
	}

	_, err = EncodeInPlace(a, owned.Descriptor(), "abcde")
	var tooSmall *BufferTooSmallError
	if !errors.As(err, &tooSmall) {
		t.Fatalf("EncodeInPlace() = %v, want *BufferTooSmallError", err)
	}
	if tooSmall.Capacity != 4 || tooSmall.Required != 5 {
		t.Errorf("unexpected error fields: %+v", tooSmall)
	}

	got, _ := Decode(a, owned.Descriptor())
	if got != "abcd" {
		t.Errorf("region was modified on failure: %q", got)
	}
}

func TestTransferExclusivity(t *testing.T) {
	a := newArena(t)

	first, err := EncodeNew(a, a, "first")
	if err != nil {
		t.Fatal(err)
	}
	d, err := first.Transfer()
	if err != nil {
		t.Fatal(err)
	}

	second, err := EncodeNew(a, a, "second")
	if err != nil {
		t.Fatal(err)
	}
	s := second.Descriptor()
	if s.Ptr < d.Ptr+d.Len && d.Ptr < s.Ptr+s.Len {
		t.Fatalf("new region %v overlaps transferred region %v", s, d)
	}

	// The new owner frees the transferred region with the exact pair.
	if err := a.Deallocate(d.Ptr, d.Len); err != nil {
		t.Fatalf("Deallocate(transferred) failed: %v", err)
	}
}

func TestOwnedSingleUse(t *testing.T) {
	a := newArena(t)

	owned, err := EncodeNew(a, a, "x")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := owned.Transfer(); err != nil {
		t.Fatal(err)
	}
	if err := owned.Release(); !errors.Is(err, ErrConsumed) {
		t.Errorf("Release() after Transfer() = %v, want ErrConsumed", err)
	}
	if _, err := owned.Transfer(); !errors.Is(err, ErrConsumed) {
		t.Errorf("second Transfer() = %v, want ErrConsumed", err)
	}
	if a.Live() != 1 {
		t.Errorf("transferred region should stay live, Live() = %d", a.Live())
	}
}

func TestEncodeNewEmpty(t *testing.T) {
	a := newArena(t)

	owned, err := EncodeNew(a, a, "")
	if err != nil {
		t.Fatal(err)
	}
	d, err := owned.Transfer()
	if err != nil {
		t.Fatal(err)
	}
	if d != (abi.Descriptor{}) {
		t.Errorf("empty text encoded to %v, want the zero descriptor", d)
	}
	if d.Pack() != 0 {
		t.Errorf("Pack() = %d, want 0", d.Pack())
	}
}
