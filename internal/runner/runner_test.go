package runner

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/woxQAQ/textbridge/internal/bundle"
	"github.com/woxQAQ/textbridge/internal/cabi"
	"github.com/woxQAQ/textbridge/internal/codec"
	"github.com/woxQAQ/textbridge/internal/config"
	"github.com/woxQAQ/textbridge/internal/transform"
	"github.com/woxQAQ/textbridge/internal/wasm"
	"github.com/woxQAQ/textbridge/internal/wasm/wasmtest"
	"github.com/woxQAQ/textbridge/pkg/abi"
)

func testConfig(t *testing.T, mode Mode, kind string) *config.Config {
	t.Helper()

	cfg, err := config.LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Runner.Mode = string(mode)
	cfg.Runner.Kind = kind
	cfg.Arena.Capacity = 64 << 10
	cfg.BundlePaths = []string{t.TempDir()}
	return cfg
}

func openPath(t *testing.T, cfg *config.Config) Path {
	t.Helper()

	p, err := Open(context.Background(), cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Open(%s) failed: %v", cfg.Runner.Mode, err)
	}
	t.Cleanup(func() {
		if err := p.Close(context.Background()); err != nil {
			t.Errorf("Close() failed: %v", err)
		}
	})
	return p
}

func TestPaths(t *testing.T) {
	tests := []struct {
		kind string
		want string
	}{
		{"identity", "four five"},
		{"pattern", "rust five"},
		{"script", "rust five"},
	}

	for _, mode := range []Mode{ModeNative, ModeLoopback, ModeCABI} {
		for _, tt := range tests {
			t.Run(string(mode)+"/"+tt.kind, func(t *testing.T) {
				p := openPath(t, testConfig(t, mode, tt.kind))

				for range 3 {
					got, err := p.Transform(context.Background(), "four five")
					if err != nil {
						t.Fatalf("Transform() failed: %v", err)
					}
					if got != tt.want {
						t.Errorf("Transform() = %q, want %q", got, tt.want)
					}
				}
			})
		}
	}
}

func TestLoopbackEmptyLine(t *testing.T) {
	p := openPath(t, testConfig(t, ModeLoopback, "pattern"))

	got, err := p.Transform(context.Background(), "")
	if err != nil || got != "" {
		t.Errorf("Transform(\"\") = (%q, %v)", got, err)
	}
}

func TestLoopbackGuestAbort(t *testing.T) {
	cfg := testConfig(t, ModeLoopback, "script")
	cfg.Transform.Script.Source = `error("boom")`
	p := openPath(t, cfg)

	_, err := p.Transform(context.Background(), "four")
	var ce *wasm.CallError
	if !errors.As(err, &ce) {
		t.Fatalf("Transform() = %v, want *wasm.CallError", err)
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("error %q does not carry the guest message", err)
	}
}

func TestLoopbackLargeLine(t *testing.T) {
	cfg := testConfig(t, ModeLoopback, "identity")
	cfg.Arena.Capacity = 4 << 10
	p := openPath(t, cfg)

	in := strings.Repeat("x", 1<<10)
	for range 16 {
		got, err := p.Transform(context.Background(), in)
		if err != nil {
			t.Fatalf("Transform() failed: %v", err)
		}
		if got != in {
			t.Fatal("Transform() changed the input")
		}
	}
}

func TestLoopbackReleaseFailure(t *testing.T) {
	cfg := testConfig(t, ModeLoopback, "identity")
	p, err := openLoopback(cfg, transform.KindIdentity, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}

	owned, err := codec.EncodeNew(p.arena, p, "four five")
	if err != nil {
		t.Fatal(err)
	}
	src := owned.Descriptor()
	if status := p.module.Deallocate(src.Ptr, src.Len); status != abi.StatusOK {
		t.Fatalf("Deallocate() = %d", status)
	}

	var ge *wasm.GuestError
	if err := owned.Release(); !errors.As(err, &ge) {
		t.Errorf("Release() of a freed region = %v, want *wasm.GuestError", err)
	}
	if err := p.Close(context.Background()); err != nil {
		t.Errorf("Close() failed: %v", err)
	}
}

func TestCABIProgram(t *testing.T) {
	tests := []struct {
		dialect string
		source  string
		want    string
	}{
		{"jq", `ascii_upcase`, "FOUR FIVE"},
		{"bloblang", `root = this.re_replace_all("\\b\\w{4}\\b", "gogo")`, "gogo gogo"},
	}

	for _, tt := range tests {
		t.Run(tt.dialect, func(t *testing.T) {
			cfg := testConfig(t, ModeCABIProgram, "identity")
			cfg.Transform.Script.Dialect = tt.dialect
			cfg.Transform.Script.Source = tt.source
			p := openPath(t, cfg)

			for range 3 {
				got, err := p.Transform(context.Background(), "four five")
				if err != nil || got != tt.want {
					t.Errorf("Transform() = (%q, %v), want %q", got, err, tt.want)
				}
			}
		})
	}
}

func TestCABIRejectsEmbeddedNUL(t *testing.T) {
	p := openPath(t, testConfig(t, ModeCABI, "identity"))

	if _, err := p.Transform(context.Background(), "four\x00five"); !errors.Is(err, cabi.ErrEmbeddedNUL) {
		t.Errorf("Transform() = %v, want cabi.ErrEmbeddedNUL", err)
	}
}

func TestCABICompileError(t *testing.T) {
	cfg := testConfig(t, ModeCABIProgram, "identity")
	cfg.Transform.Script.Source = `(((`

	if _, err := Open(context.Background(), cfg, zaptest.NewLogger(t)); err == nil {
		t.Error("Open() should fail for a script that does not compile")
	}
}

func TestCABICloseReleasesProgram(t *testing.T) {
	cfg := testConfig(t, ModeCABIProgram, "identity")
	p, err := Open(context.Background(), cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	lib := p.(*cabiPath).lib

	if _, programs := lib.Outstanding(); programs != 1 {
		t.Fatalf("%d programs live after Open", programs)
	}
	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if issued, programs := lib.Outstanding(); issued != 0 || programs != 0 {
		t.Errorf("Outstanding() = (%d, %d) after Close", issued, programs)
	}
}

func TestOpenInvalid(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	if _, err := Open(ctx, testConfig(t, "jit", "identity"), logger); err == nil {
		t.Error("Open() should fail for an unknown mode")
	}

	var nf *bundle.NotFoundError
	for _, mode := range []Mode{ModeWasmDynamic, ModeWasmtimeDynamic} {
		if _, err := Open(ctx, testConfig(t, mode, "identity"), logger); !errors.As(err, &nf) {
			t.Errorf("Open(%s) without bundles = %v, want *bundle.NotFoundError", mode, err)
		}
	}
}

func writeBundle(t *testing.T, root string, protocols string, wasmBytes []byte) {
	t.Helper()

	dir := filepath.Join(root, "tb")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	manifest := "name: textbridge\nversion: 0.1.0\nwasm:\n  file: guest.wasm\nprotocols: " + protocols + "\n"
	if err := os.WriteFile(filepath.Join(dir, bundle.ManifestFile), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "guest.wasm"), wasmBytes, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestOpenUnsupportedProtocol(t *testing.T) {
	emptyModule := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	for _, mode := range []Mode{ModeWasmProgram, ModeWasmtimeProgram} {
		t.Run(string(mode), func(t *testing.T) {
			cfg := testConfig(t, mode, "identity")
			writeBundle(t, cfg.BundlePaths[0], "[inplace]", emptyModule)

			_, err := Open(context.Background(), cfg, zaptest.NewLogger(t))
			var ue *bundle.UnsupportedProtocolError
			if !errors.As(err, &ue) || ue.Protocol != "program" {
				t.Errorf("Open() = %v, want *bundle.UnsupportedProtocolError", err)
			}
		})
	}
}

func TestWasmHosts(t *testing.T) {
	for _, mode := range []Mode{ModeWasmInPlace, ModeWasmtimeInPlace} {
		t.Run(string(mode), func(t *testing.T) {
			cfg := testConfig(t, mode, "identity")
			cfg.Runner.BufferSize = 16
			writeBundle(t, cfg.BundlePaths[0], "[inplace]", wasmtest.FakeGuest())
			p := openPath(t, cfg)

			for range 3 {
				got, err := p.Transform(context.Background(), "four five")
				if err != nil || got != "four five" {
					t.Errorf("Transform() = (%q, %v)", got, err)
				}
			}

			var bt *codec.BufferTooSmallError
			if _, err := p.Transform(context.Background(), strings.Repeat("x", 17)); !errors.As(err, &bt) {
				t.Errorf("Transform() past the buffer = %v, want *codec.BufferTooSmallError", err)
			}

			var ge *wasm.GuestError
			cfg.Runner.Kind = "pattern"
			failing := openPath(t, cfg)
			if _, err := failing.Transform(context.Background(), "four"); !errors.As(err, &ge) {
				t.Errorf("Transform() = %v, want *wasm.GuestError", err)
			}
		})
	}
}

func TestBuiltGuestModes(t *testing.T) {
	data, err := os.ReadFile(wasmtest.BuildGuest(t))
	if err != nil {
		t.Fatal(err)
	}
	modes := []Mode{
		ModeWasmInPlace, ModeWasmDynamic, ModeWasmProgram,
		ModeWasmtimeInPlace, ModeWasmtimeDynamic, ModeWasmtimeProgram,
	}

	for _, mode := range modes {
		t.Run(string(mode), func(t *testing.T) {
			cfg := testConfig(t, mode, "pattern")
			writeBundle(t, cfg.BundlePaths[0], "[inplace, dynamic, program]", data)
			p := openPath(t, cfg)

			got, err := p.Transform(context.Background(), "four five")
			if err != nil || got != "rust five" {
				t.Errorf("Transform() = (%q, %v), want %q", got, err, "rust five")
			}
		})
	}
}

func TestParseMode(t *testing.T) {
	for _, m := range Modes {
		if got, err := ParseMode(string(m)); err != nil || got != m {
			t.Errorf("ParseMode(%q) = (%q, %v)", m, got, err)
		}
	}
	if _, err := ParseMode("wasm"); err == nil {
		t.Error("ParseMode(wasm) should fail")
	}
}

func TestRunStdout(t *testing.T) {
	cfg := testConfig(t, ModeNative, "pattern")
	cfg.Runner.Stdout = true

	var out bytes.Buffer
	r := New(openPath(t, cfg), cfg, &out, zaptest.NewLogger(t))

	if err := r.Run(context.Background(), strings.NewReader("four five\nab cd\nnine")); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	want := "rust five\nab cd\nrust\n"
	if out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}
	if r.Recorder().Lines() != 3 {
		t.Errorf("Lines() = %d, want 3", r.Recorder().Lines())
	}
}

func TestRunBlackhole(t *testing.T) {
	cfg := testConfig(t, ModeLoopback, "identity")
	cfg.Runner.ReportInterval = time.Millisecond

	var out bytes.Buffer
	r := New(openPath(t, cfg), cfg, &out, zaptest.NewLogger(t))

	in := strings.Repeat("0123456789\n", 100)
	if err := r.Run(context.Background(), strings.NewReader(in)); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("blackhole run wrote %d bytes", out.Len())
	}
	if r.Recorder().Bytes() != 1000 || r.Recorder().Lines() != 100 {
		t.Errorf("recorded %d bytes over %d lines", r.Recorder().Bytes(), r.Recorder().Lines())
	}
}

func TestRunSkipsFailedLines(t *testing.T) {
	cfg := testConfig(t, ModeLoopback, "script")
	cfg.Transform.Script.Source = `if . == "bad" then error("bad line") else . end`
	cfg.Runner.Stdout = true

	var out bytes.Buffer
	r := New(openPath(t, cfg), cfg, &out, zaptest.NewLogger(t))

	if err := r.Run(context.Background(), strings.NewReader("good\nbad\nfine\n")); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if out.String() != "good\nfine\n" {
		t.Errorf("output = %q", out.String())
	}
}

func TestRunCancelled(t *testing.T) {
	cfg := testConfig(t, ModeNative, "identity")
	r := New(openPath(t, cfg), cfg, io.Discard, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := r.Run(ctx, strings.NewReader("a\n")); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() = %v, want context.Canceled", err)
	}
}

func TestInputSocket(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "tb.sock")
	ctx := context.Background()

	go func() {
		// Retry until the listener is up.
		for {
			conn, err := net.Dial("unix", socket)
			if err != nil {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			conn.Write([]byte("four five\n"))
			conn.Close()
			return
		}
	}()

	in, err := Input(ctx, socket, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Input() failed: %v", err)
	}
	defer in.Close()

	data, err := io.ReadAll(in)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "four five\n" {
		t.Errorf("read %q", data)
	}
}

func TestInputSocketCancelled(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "tb.sock")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := Input(ctx, socket, zaptest.NewLogger(t)); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Input() = %v, want context.DeadlineExceeded", err)
	}
}

func TestThroughputRecorder(t *testing.T) {
	var tr ThroughputRecorder
	if tr.BytesPerSecond() != 0 {
		t.Error("empty recorder reports throughput")
	}

	tr.Record(512)
	tr.Record(512)
	time.Sleep(10 * time.Millisecond)

	if tr.Bytes() != 1024 || tr.Lines() != 2 {
		t.Errorf("recorded %d bytes over %d lines", tr.Bytes(), tr.Lines())
	}
	if tr.BytesPerSecond() == 0 {
		t.Error("BytesPerSecond() = 0 after recording")
	}
	if !strings.HasSuffix(tr.AvgThroughput(), " / second") {
		t.Errorf("AvgThroughput() = %q", tr.AvgThroughput())
	}
}

func TestBenchmark(t *testing.T) {
	cfg := testConfig(t, ModeNative, "identity")

	modes := []Mode{ModeNative, ModeLoopback, ModeCABI, ModeWasmDynamic, ModeWasmtimeDynamic}
	table, scenarios := Benchmark(context.Background(), cfg, modes, BenchmarkInput, 10, zaptest.NewLogger(t))

	if len(scenarios) != 15 {
		t.Fatalf("got %d scenarios, want 15", len(scenarios))
	}
	for _, s := range scenarios {
		wantErr := s.Mode == ModeWasmDynamic || s.Mode == ModeWasmtimeDynamic
		if (s.Err != nil) != wantErr {
			t.Errorf("%s/%s: err = %v", s.Mode, s.Kind, s.Err)
		}
	}
	if !strings.HasPrefix(table, "| Mode | Transform | Result |\n") {
		t.Errorf("unexpected table header:\n%s", table)
	}
	if got := strings.Count(table, "\n"); got != 17 {
		t.Errorf("table has %d lines, want 17", got)
	}
}
