package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/woxQAQ/textbridge/internal/transform"
	"github.com/woxQAQ/textbridge/internal/wasm"
)

// EnvPrefix prefixes environment overrides, e.g. TEXTBRIDGE_TRANSFORM_LIMIT.
const EnvPrefix = "TEXTBRIDGE"

type Config struct {
	LogLevel    string          `mapstructure:"log_level"`
	BundlePaths []string        `mapstructure:"bundle_paths"`
	Transform   TransformConfig `mapstructure:"transform"`
	Arena       ArenaConfig     `mapstructure:"arena"`
	Wasm        WasmConfig      `mapstructure:"wasm"`
	Runner      RunnerConfig    `mapstructure:"runner"`
}

// TransformConfig configures the pattern rewrite and the singleton script.
type TransformConfig struct {
	Pattern     string `mapstructure:"pattern"`
	Replacement string `mapstructure:"replacement"`
	// Maximum number of replacements, 0 for all.
	Limit        int           `mapstructure:"limit"`
	MatchTimeout time.Duration `mapstructure:"match_timeout"`
	Script       ScriptConfig  `mapstructure:"script"`
}

type ScriptConfig struct {
	Dialect string `mapstructure:"dialect"`
	Source  string `mapstructure:"source"`
}

// ArenaConfig sizes the in-process arena used by the loopback runner mode.
type ArenaConfig struct {
	Capacity uint32 `mapstructure:"capacity"`
}

// WasmConfig holds Wasm runtime configuration.
type WasmConfig struct {
	// Memory limit per module (in pages, 64KB each).
	MemoryPages uint32 `mapstructure:"memory_pages"`
	// Enable debug logging.
	Debug bool `mapstructure:"debug"`
	// Compilation cache directory.
	CacheDir string `mapstructure:"cache_dir"`
	// Maximum concurrent instances.
	MaxInstances int `mapstructure:"max_instances"`
	// Guest call timeout (seconds).
	ExecutionTimeout int `mapstructure:"execution_timeout"`
}

// RunnerConfig configures the line runner of cmd/textbridge.
type RunnerConfig struct {
	Mode   string `mapstructure:"mode"`
	Kind   string `mapstructure:"kind"`
	Bundle string `mapstructure:"bundle"`
	// Unix socket to accept input from. Empty reads stdin.
	Socket string `mapstructure:"socket"`
	// Guest buffer size for the in-place protocol.
	BufferSize uint32 `mapstructure:"buffer_size"`
	// Write results to stdout instead of counting them.
	Stdout         bool          `mapstructure:"stdout"`
	ReportInterval time.Duration `mapstructure:"report_interval"`
}

// LoadConfig reads configuration from configPath, if not empty, on top of the
// built-in defaults, then applies TEXTBRIDGE_* environment overrides and
// validates the result.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("log_level", "info")
	v.SetDefault("bundle_paths", []string{"./bundles"})

	def := transform.DefaultConfig()
	v.SetDefault("transform.pattern", def.Pattern)
	v.SetDefault("transform.replacement", def.Replacement)
	v.SetDefault("transform.limit", def.Limit)
	v.SetDefault("transform.match_timeout", def.MatchTimeout)
	v.SetDefault("transform.script.dialect", string(def.ScriptDialect))
	v.SetDefault("transform.script.source", def.ScriptSource)

	v.SetDefault("arena.capacity", 4<<20)

	v.SetDefault("wasm.memory_pages", 1024) // 64MB
	v.SetDefault("wasm.debug", false)
	v.SetDefault("wasm.cache_dir", "")
	v.SetDefault("wasm.max_instances", 8)
	v.SetDefault("wasm.execution_timeout", 30)

	v.SetDefault("runner.mode", "native")
	v.SetDefault("runner.kind", string(transform.KindPattern))
	v.SetDefault("runner.bundle", "textbridge")
	v.SetDefault("runner.socket", "")
	v.SetDefault("runner.buffer_size", 2048)
	v.SetDefault("runner.stdout", false)
	v.SetDefault("runner.report_interval", 5*time.Second)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Runner modes that compile transform.script.source inside the wasm guest.
var guestProgramModes = []string{"wasm-program", "wasmtime-program"}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	if c.Transform.Limit < 0 {
		return fmt.Errorf("transform.limit must not be negative, got %d", c.Transform.Limit)
	}
	if _, err := transform.ParseKind(c.Runner.Kind); err != nil {
		return fmt.Errorf("runner.kind: %w", err)
	}
	if c.Wasm.MemoryPages == 0 || c.Wasm.MemoryPages > 65536 {
		return fmt.Errorf("wasm.memory_pages must be in [1, 65536], got %d", c.Wasm.MemoryPages)
	}
	if c.Arena.Capacity == 0 {
		return fmt.Errorf("arena.capacity must be positive")
	}
	if c.Runner.BufferSize == 0 {
		return fmt.Errorf("runner.buffer_size must be positive")
	}
	// The wasm guest is built with the default transform configuration, so
	// programs compiled inside it use the default dialect.
	guestDialect := transform.DefaultConfig().ScriptDialect
	if slices.Contains(guestProgramModes, c.Runner.Mode) && transform.Dialect(c.Transform.Script.Dialect) != guestDialect {
		return fmt.Errorf("runner.mode %s compiles scripts in the guest, which only supports the %s dialect, got %s",
			c.Runner.Mode, guestDialect, c.Transform.Script.Dialect)
	}
	return nil
}

// RuntimeSettings converts the wasm section for wasm.NewRuntime.
func (c *Config) RuntimeSettings() *wasm.RuntimeConfig {
	return &wasm.RuntimeConfig{
		MemoryPages:  c.Wasm.MemoryPages,
		DebugEnabled: c.Wasm.Debug,
		CacheDir:     c.Wasm.CacheDir,
		MaxInstances: c.Wasm.MaxInstances,
	}
}

// TransformSettings converts the transform section for transform.NewSession.
func (c *Config) TransformSettings() transform.Config {
	return transform.Config{
		Pattern:       c.Transform.Pattern,
		Replacement:   c.Transform.Replacement,
		Limit:         c.Transform.Limit,
		MatchTimeout:  c.Transform.MatchTimeout,
		ScriptDialect: transform.Dialect(c.Transform.Script.Dialect),
		ScriptSource:  c.Transform.Script.Source,
	}
}

// Timeout returns the guest call timeout, zero meaning none.
func (w WasmConfig) Timeout() time.Duration {
	return time.Duration(w.ExecutionTimeout) * time.Second
}
