package wasm

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/woxQAQ/textbridge/internal/transform"
	"github.com/woxQAQ/textbridge/internal/wasm/wasmtest"
	"github.com/woxQAQ/textbridge/pkg/abi"
)

type testHost struct {
	runtime  *Runtime
	loader   *ModuleLoader
	manager  *InstanceManager
	hostLogs *observer.ObservedLogs
}

func newTestHost(t *testing.T, config *RuntimeConfig) *testHost {
	t.Helper()

	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	runtime, err := NewRuntime(ctx, logger, config)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { runtime.Close(context.Background()) })

	core, logs := observer.New(zap.DebugLevel)
	manager, err := NewInstanceManager(ctx, runtime, NewHostFunctions(zap.New(core)), logger)
	if err != nil {
		t.Fatalf("NewInstanceManager() failed: %v", err)
	}

	return &testHost{
		runtime:  runtime,
		loader:   NewModuleLoader(runtime, logger),
		manager:  manager,
		hostLogs: logs,
	}
}

func (h *testHost) instantiate(t *testing.T, config *InstanceConfig) *Instance {
	t.Helper()

	if _, err := h.loader.LoadModuleFromMemory(context.Background(), config.ModuleName, wasmtest.FakeGuest()); err != nil {
		t.Fatalf("LoadModuleFromMemory() failed: %v", err)
	}
	inst, err := h.manager.Instantiate(context.Background(), config)
	if err != nil {
		t.Fatalf("Instantiate() failed: %v", err)
	}
	t.Cleanup(func() { inst.Close(context.Background()) })
	return inst
}

func TestLoadModuleCache(t *testing.T) {
	h := newTestHost(t, nil)
	ctx := context.Background()

	first, err := h.loader.LoadModuleFromMemory(ctx, "fake", wasmtest.FakeGuest())
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.loader.LoadModuleFromMemory(ctx, "fake", wasmtest.FakeGuest())
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("Cache should return the same module")
	}
}

func TestLoadModuleRejectsForeignImports(t *testing.T) {
	h := newTestHost(t, nil)

	_, err := h.loader.LoadModuleFromMemory(context.Background(), "foreign", wasmtest.ForeignImportGuest())
	var ce *CompilationError
	if !errors.As(err, &ce) {
		t.Fatalf("LoadModuleFromMemory() = %v, want *CompilationError", err)
	}
	if _, ok := h.runtime.GetCompiledModule("foreign"); ok {
		t.Error("rejected module was cached")
	}
}

func TestInstantiateUnknownModule(t *testing.T) {
	h := newTestHost(t, nil)

	_, err := h.manager.Instantiate(context.Background(), &InstanceConfig{ModuleName: "missing"})
	var nf *ModuleNotFoundError
	if !errors.As(err, &nf) {
		t.Errorf("Instantiate() = %v, want *ModuleNotFoundError", err)
	}
}

func TestInstantiateMissingExports(t *testing.T) {
	h := newTestHost(t, nil)
	ctx := context.Background()

	if _, err := h.loader.LoadModuleFromMemory(ctx, "bare", wasmtest.MemoryOnlyGuest()); err != nil {
		t.Fatal(err)
	}
	_, err := h.manager.Instantiate(ctx, &InstanceConfig{ModuleName: "bare"})
	var fnf *FunctionNotFoundError
	if !errors.As(err, &fnf) || fnf.FunctionName != abi.ExportAllocate {
		t.Errorf("Instantiate() = %v, want missing %s", err, abi.ExportAllocate)
	}

	dynamic, err := ProtocolExports("dynamic")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.loader.LoadModuleFromMemory(ctx, "fake", wasmtest.FakeGuest()); err != nil {
		t.Fatal(err)
	}
	_, err = h.manager.Instantiate(ctx, &InstanceConfig{ModuleName: "fake", Exports: dynamic})
	if !errors.As(err, &fnf) || fnf.FunctionName != abi.ExportScriptDynamic {
		t.Errorf("Instantiate() = %v, want missing %s", err, abi.ExportScriptDynamic)
	}
	if h.runtime.InstanceCount() != 0 {
		t.Errorf("InstanceCount() = %d after failed instantiations", h.runtime.InstanceCount())
	}
}

func TestInstanceLimit(t *testing.T) {
	h := newTestHost(t, &RuntimeConfig{MemoryPages: 16, MaxInstances: 1})

	h.instantiate(t, &InstanceConfig{ModuleName: "fake"})
	_, err := h.manager.Instantiate(context.Background(), &InstanceConfig{ModuleName: "fake"})
	var le *InstanceLimitError
	if !errors.As(err, &le) {
		t.Errorf("Instantiate() = %v, want *InstanceLimitError", err)
	}
}

func TestTransformInPlace(t *testing.T) {
	h := newTestHost(t, nil)
	inst := h.instantiate(t, &InstanceConfig{ModuleName: "fake"})

	got, err := inst.TransformInPlace(context.Background(), transform.KindIdentity, "four five", 32)
	if err != nil {
		t.Fatalf("TransformInPlace() failed: %v", err)
	}
	if got != "four five" {
		t.Errorf("TransformInPlace() = %q", got)
	}

	empty, err := inst.TransformInPlace(context.Background(), transform.KindIdentity, "", 0)
	if err != nil || empty != "" {
		t.Errorf("TransformInPlace(empty) = (%q, %v)", empty, err)
	}
}

func TestTransformDynamic(t *testing.T) {
	h := newTestHost(t, nil)
	inst := h.instantiate(t, &InstanceConfig{ModuleName: "fake"})

	for _, in := range []string{"four five", "", "héllo wörld"} {
		got, err := inst.TransformDynamic(context.Background(), transform.KindIdentity, in)
		if err != nil {
			t.Fatalf("TransformDynamic(%q) failed: %v", in, err)
		}
		if got != in {
			t.Errorf("TransformDynamic(%q) = %q", in, got)
		}
	}
}

func TestGuestFailureReported(t *testing.T) {
	h := newTestHost(t, nil)
	inst := h.instantiate(t, &InstanceConfig{ModuleName: "fake"})
	ctx := context.Background()

	_, err := inst.TransformInPlace(ctx, transform.KindPattern, "four", 4)
	var ge *GuestError
	if !errors.As(err, &ge) {
		t.Fatalf("TransformInPlace() = %v, want *GuestError", err)
	}
	if ge.Function != abi.ExportRegexInPlace || ge.Message != wasmtest.ErrorMessage {
		t.Errorf("GuestError = %+v", ge)
	}

	_, err = inst.TransformDynamic(ctx, transform.KindPattern, "four")
	if !errors.As(err, &ge) || ge.Function != abi.ExportRegexDynamic {
		t.Errorf("TransformDynamic() = %v, want *GuestError", err)
	}
}

func TestMissingExport(t *testing.T) {
	h := newTestHost(t, nil)
	inst := h.instantiate(t, &InstanceConfig{ModuleName: "fake"})

	_, err := inst.CompileProgram(context.Background(), transform.DefaultScript)
	var fnf *FunctionNotFoundError
	if !errors.As(err, &fnf) || fnf.FunctionName != abi.ExportProgramCompile {
		t.Errorf("CompileProgram() = %v, want missing %s", err, abi.ExportProgramCompile)
	}
	if inst.Exports(abi.ExportProgramCompile) {
		t.Error("Exports() reports a missing function")
	}
}

func TestHostLogMessage(t *testing.T) {
	h := newTestHost(t, nil)
	inst := h.instantiate(t, &InstanceConfig{ModuleName: "fake"})

	if err := inst.ReleaseProgram(context.Background(), 1); err != nil {
		t.Fatalf("ReleaseProgram() failed: %v", err)
	}

	entries := h.hostLogs.FilterMessage(wasmtest.ErrorMessage).All()
	if len(entries) != 1 {
		t.Fatalf("got %d host log entries, want 1", len(entries))
	}
	if entries[0].Level != zap.InfoLevel {
		t.Errorf("level = %v, want info", entries[0].Level)
	}
	if entries[0].ContextMap()["guest"] != inst.ID {
		t.Errorf("guest field = %v, want %s", entries[0].ContextMap()["guest"], inst.ID)
	}
}

func TestCallTimeout(t *testing.T) {
	h := newTestHost(t, nil)
	inst := h.instantiate(t, &InstanceConfig{ModuleName: "fake", Timeout: 50 * time.Millisecond})
	ctx := context.Background()

	_, err := inst.TransformInPlace(ctx, transform.KindScript, "x", 1)
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("TransformInPlace() = %v, want *TimeoutError", err)
	}

	// The runtime closes a module whose call was cancelled.
	_, err = inst.TransformDynamic(ctx, transform.KindIdentity, "x")
	if !errors.Is(err, ErrInstanceClosed) {
		t.Errorf("call after timeout = %v, want ErrInstanceClosed", err)
	}
}

func TestProtocolExports(t *testing.T) {
	for _, p := range []string{"inplace", "dynamic", "program"} {
		names, err := ProtocolExports(p)
		if err != nil || len(names) != 3 {
			t.Errorf("ProtocolExports(%q) = (%v, %v)", p, names, err)
		}
	}
	if _, err := ProtocolExports("shared"); err == nil {
		t.Error("ProtocolExports(shared) should fail")
	}
}
