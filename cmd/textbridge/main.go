package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/woxQAQ/textbridge/internal/config"
	"github.com/woxQAQ/textbridge/internal/runner"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// Parse command-line flags
	configPath := flag.String("config", "", "Path to configuration file")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	mode := flag.String("mode", "", fmt.Sprintf("Transform path %v", runner.Modes))
	kind := flag.String("kind", "", "Transform kind (identity, pattern, script)")
	bundleName := flag.String("bundle", "", "Guest bundle used by the wasm modes")
	socket := flag.String("socket", "", "Read lines from a unix socket instead of stdin")
	stdout := flag.Bool("stdout", false, "Write results to stdout instead of measuring throughput")
	bench := flag.Int("bench", 0, "Run every mode and kind this many times and print a markdown table")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	overrides := map[*string]string{
		&cfg.LogLevel:      *logLevel,
		&cfg.Runner.Mode:   *mode,
		&cfg.Runner.Kind:   *kind,
		&cfg.Runner.Bundle: *bundleName,
		&cfg.Runner.Socket: *socket,
	}
	for field, value := range overrides {
		if value != "" {
			*field = value
		}
	}
	if *stdout {
		cfg.Runner.Stdout = true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	var logger *zap.Logger
	if cfg.LogLevel == "debug" {
		logger, _ = zap.NewDevelopment()
	} else {
		zc := zap.NewProductionConfig()
		if level, err := zap.ParseAtomicLevel(cfg.LogLevel); err == nil {
			zc.Level = level
		}
		logger, _ = zc.Build()
	}

	defer logger.Sync()

	logger.Info("Starting textbridge",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("date", date),
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	if *bench > 0 {
		table, _ := runner.Benchmark(ctx, cfg, runner.Modes, runner.BenchmarkInput, *bench, logger)
		fmt.Print(table)
		return
	}

	path, err := runner.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open transform path", zap.String("mode", cfg.Runner.Mode), zap.Error(err))
	}
	defer func() {
		if err := path.Close(context.Background()); err != nil {
			logger.Error("Failed to close transform path", zap.Error(err))
		}
	}()

	in, err := runner.Input(ctx, cfg.Runner.Socket, logger)
	if err != nil {
		logger.Fatal("Failed to open input", zap.Error(err))
	}
	defer in.Close()

	r := runner.New(path, cfg, os.Stdout, logger)
	if err := r.Run(ctx, in); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Runner error", zap.Error(err))
	}

	logger.Info("Shutdown complete", zap.String("throughput", r.Recorder().AvgThroughput()))
}
