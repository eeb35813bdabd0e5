package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/woxQAQ/textbridge/internal/transform"
	"github.com/woxQAQ/textbridge/internal/wasm"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("Default log level mismatch: got %s, want info", cfg.LogLevel)
	}
	if diff := cmp.Diff(transform.DefaultConfig(), cfg.TransformSettings()); diff != "" {
		t.Errorf("transform settings mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wasm.DefaultRuntimeConfig(), cfg.RuntimeSettings()); diff != "" {
		t.Errorf("runtime settings mismatch (-want +got):\n%s", diff)
	}
	if cfg.Runner.Mode != "native" || cfg.Runner.BufferSize != 2048 || cfg.Runner.ReportInterval != 5*time.Second {
		t.Errorf("Default runner mismatch: %+v", cfg.Runner)
	}
	if len(cfg.BundlePaths) != 1 || cfg.BundlePaths[0] != "./bundles" {
		t.Errorf("Default bundle paths mismatch: got %v", cfg.BundlePaths)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
transform:
  replacement: gogo
  limit: 0
  match_timeout: 250ms
  script:
    dialect: bloblang
    source: root = this.uppercase()
wasm:
  memory_pages: 32
  execution_timeout: 5
runner:
  mode: wasm-dynamic
  kind: script
  stdout: true
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	want := transform.Config{
		Pattern:       transform.DefaultConfig().Pattern,
		Replacement:   "gogo",
		Limit:         0,
		MatchTimeout:  250 * time.Millisecond,
		ScriptDialect: transform.DialectBloblang,
		ScriptSource:  "root = this.uppercase()",
	}
	if diff := cmp.Diff(want, cfg.TransformSettings()); diff != "" {
		t.Errorf("transform settings mismatch (-want +got):\n%s", diff)
	}
	if cfg.Wasm.MemoryPages != 32 || cfg.Wasm.Timeout() != 5*time.Second {
		t.Errorf("wasm config mismatch: %+v", cfg.Wasm)
	}
	if cfg.Runner.Mode != "wasm-dynamic" || cfg.Runner.Kind != "script" || !cfg.Runner.Stdout {
		t.Errorf("runner config mismatch: %+v", cfg.Runner)
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("TEXTBRIDGE_TRANSFORM_REPLACEMENT", "zig")
	t.Setenv("TEXTBRIDGE_LOG_LEVEL", "warn")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Transform.Replacement != "zig" {
		t.Errorf("replacement = %q, want zig", cfg.Transform.Replacement)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("log level = %q, want warn", cfg.LogLevel)
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	tests := map[string]string{
		"negative limit":    "transform:\n  limit: -1\n",
		"bad kind":          "runner:\n  kind: upper\n",
		"zero pages":        "wasm:\n  memory_pages: 0\n",
		"zero buffer":       "runner:\n  buffer_size: 0\n",
		"bloblang in guest": "runner:\n  mode: wasm-program\ntransform:\n  script:\n    dialect: bloblang\n    source: root = this\n",
		"bad yaml":          "transform: [\n",
	}

	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadConfig(writeConfig(t, content)); err == nil {
				t.Error("LoadConfig() should fail")
			}
		})
	}
}

func TestLoadConfigGuestProgramDialect(t *testing.T) {
	path := writeConfig(t, "runner:\n  mode: wasm-program\n")
	if _, err := LoadConfig(path); err != nil {
		t.Errorf("LoadConfig() with the default dialect failed: %v", err)
	}

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Transform.Script.Dialect = string(transform.DialectBloblang)
	cfg.Runner.Mode = "native"
	if err := cfg.Validate(); err != nil {
		t.Errorf("bloblang in native mode rejected: %v", err)
	}
	cfg.Runner.Mode = "wasmtime-program"
	if err := cfg.Validate(); err == nil {
		t.Error("bloblang in wasmtime-program mode should be rejected")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("LoadConfig() should fail for a missing file")
	}
}
