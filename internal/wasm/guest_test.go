package wasm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/woxQAQ/textbridge/internal/transform"
	"github.com/woxQAQ/textbridge/internal/wasm/wasmtest"
	"github.com/woxQAQ/textbridge/pkg/abi"
)

// TestBuiltGuest runs the host against the guest compiled from cmd/guest.
func TestBuiltGuest(t *testing.T) {
	path := wasmtest.BuildGuest(t)
	ctx := context.Background()

	h := newTestHost(t, nil)
	if _, err := h.loader.LoadModuleFromFile(ctx, "textbridge", path); err != nil {
		t.Fatalf("LoadModuleFromFile() failed: %v", err)
	}

	var exports []string
	for _, protocol := range []string{"inplace", "dynamic", "program"} {
		names, err := ProtocolExports(protocol)
		if err != nil {
			t.Fatal(err)
		}
		exports = append(exports, names...)
	}
	inst, err := h.manager.Instantiate(ctx, &InstanceConfig{ModuleName: "textbridge", Exports: exports})
	if err != nil {
		t.Fatalf("Instantiate() failed: %v", err)
	}
	t.Cleanup(func() { inst.Close(context.Background()) })

	tests := []struct {
		kind transform.Kind
		want string
	}{
		{transform.KindIdentity, "four five"},
		{transform.KindPattern, "rust five"},
		{transform.KindScript, "rust five"},
	}
	for _, tt := range tests {
		got, err := inst.TransformInPlace(ctx, tt.kind, "four five", 2048)
		if err != nil || got != tt.want {
			t.Errorf("TransformInPlace(%s) = (%q, %v), want %q", tt.kind, got, err, tt.want)
		}
		got, err = inst.TransformDynamic(ctx, tt.kind, "four five")
		if err != nil || got != tt.want {
			t.Errorf("TransformDynamic(%s) = (%q, %v), want %q", tt.kind, got, err, tt.want)
		}
	}

	// The heap sits inside linear memory past the data segments, so regions
	// handed out are never the null pointer.
	ptr, err := inst.Allocate(ctx, 64)
	if err != nil {
		t.Fatalf("Allocate() failed: %v", err)
	}
	if ptr == 0 || uint64(ptr)+64 > uint64(inst.memory.Size()) {
		t.Errorf("Allocate() = %#x outside memory of %d bytes", ptr, inst.memory.Size())
	}
	if err := inst.Deallocate(ctx, ptr, 64); err != nil {
		t.Errorf("Deallocate() failed: %v", err)
	}

	large := strings.Repeat("abc ", 1<<16)
	if got, err := inst.TransformDynamic(ctx, transform.KindIdentity, large); err != nil || got != large {
		t.Errorf("TransformDynamic() of %d bytes failed: %v", len(large), err)
	}

	h1, err := inst.CompileProgram(ctx, `ascii_upcase`)
	if err != nil {
		t.Fatalf("CompileProgram() failed: %v", err)
	}
	if got, err := inst.TransformProgram(ctx, h1, "four five"); err != nil || got != "FOUR FIVE" {
		t.Errorf("TransformProgram() = (%q, %v)", got, err)
	}
	if err := inst.ReleaseProgram(ctx, h1); err != nil {
		t.Errorf("ReleaseProgram() failed: %v", err)
	}

	var ge *GuestError
	if err := inst.ReleaseProgram(ctx, h1); !errors.As(err, &ge) {
		t.Errorf("second ReleaseProgram() = %v, want *GuestError", err)
	}
	if _, err := inst.CompileProgram(ctx, `(((`); !errors.As(err, &ge) || ge.Function != abi.ExportProgramCompile {
		t.Errorf("CompileProgram() of a broken script = %v, want *GuestError", err)
	}
	if _, err := inst.TransformInPlace(ctx, transform.KindIdentity, strings.Repeat("x", 4096), 16); err != nil {
		t.Errorf("TransformInPlace() with capacity raised to the input failed: %v", err)
	}
}

func TestBuiltGuestLogsThroughHost(t *testing.T) {
	path := wasmtest.BuildGuest(t)
	ctx := context.Background()

	h := newTestHost(t, nil)
	if _, err := h.loader.LoadModuleFromFile(ctx, "textbridge", path); err != nil {
		t.Fatal(err)
	}
	inst, err := h.manager.Instantiate(ctx, &InstanceConfig{ModuleName: "textbridge"})
	if err != nil {
		t.Fatalf("Instantiate() failed: %v", err)
	}
	defer inst.Close(ctx)

	// _initialize builds the guest module, which logs through host.log_message.
	if h.hostLogs.FilterMessageSnippet("Guest module initialized").Len() == 0 {
		t.Errorf("guest initialization was not logged, got %d host lines", h.hostLogs.Len())
	}
}
