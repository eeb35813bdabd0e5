// Package runner pushes lines of text through one transform path and either
// prints the results or measures their throughput.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/woxQAQ/textbridge/internal/config"
)

// Runner reads lines, transforms them and hands the results to an output.
type Runner struct {
	path     Path
	out      io.Writer // nil counts results instead of printing them
	recorder *ThroughputRecorder
	interval time.Duration
	logger   *zap.Logger
}

// New creates a runner over path. When cfg.Runner.Stdout is set results are
// written to stdout, otherwise they are only recorded.
func New(path Path, cfg *config.Config, stdout io.Writer, logger *zap.Logger) *Runner {
	r := &Runner{
		path:     path,
		recorder: &ThroughputRecorder{},
		interval: cfg.Runner.ReportInterval,
		logger:   logger.With(zap.String("component", "runner")),
	}
	if cfg.Runner.Stdout {
		r.out = stdout
	}
	return r
}

// Recorder returns the throughput recorder.
func (r *Runner) Recorder() *ThroughputRecorder {
	return r.recorder
}

// Run processes lines from in until EOF or until ctx is done. A line that
// fails to transform is logged and skipped.
func (r *Runner) Run(ctx context.Context, in io.Reader) error {
	if r.out == nil && r.interval > 0 {
		done := make(chan struct{})
		defer close(done)
		go r.report(done)
	}

	reader := bufio.NewReader(in)
	var failed int
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			if perr := r.process(ctx, strings.TrimSuffix(line, "\n")); perr != nil {
				failed++
				r.logger.Warn("Failed to transform line", zap.Error(perr))
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read input: %w", err)
		}
	}

	r.logger.Info("Input exhausted",
		zap.Uint64("lines", r.recorder.Lines()),
		zap.Int("failed", failed),
		zap.String("throughput", r.recorder.AvgThroughput()),
	)
	return nil
}

func (r *Runner) process(ctx context.Context, line string) error {
	out, err := r.path.Transform(ctx, line)
	if err != nil {
		return err
	}
	r.recorder.Record(len(out))
	if r.out != nil {
		_, err = fmt.Fprintln(r.out, out)
	}
	return err
}

func (r *Runner) report(done <-chan struct{}) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			r.logger.Info("Throughput",
				zap.String("average", r.recorder.AvgThroughput()),
				zap.Uint64("lines", r.recorder.Lines()),
			)
		}
	}
}

// Input opens the line source: the unix socket at socket, or stdin when it is
// empty. For a socket it blocks until the first client connects and serves
// only that client.
func Input(ctx context.Context, socket string, logger *zap.Logger) (io.ReadCloser, error) {
	if socket == "" {
		return io.NopCloser(os.Stdin), nil
	}

	if err := os.RemoveAll(socket); err != nil {
		return nil, err
	}
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "unix", socket)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", socket, err)
	}
	defer listener.Close()

	// Unblock Accept on cancellation.
	stop := context.AfterFunc(ctx, func() { listener.Close() })
	defer stop()

	logger.Info("Waiting for connection", zap.String("socket", socket))
	conn, err := listener.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	logger.Info("Accepted connection", zap.String("network", conn.RemoteAddr().Network()))
	return conn, nil
}
