package runner

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/woxQAQ/textbridge/internal/config"
	"github.com/woxQAQ/textbridge/internal/transform"
)

// BenchmarkInput is a representative log line.
const BenchmarkInput = "Oct 17 14:33:33 | XSS | ERROR | (/viral/interactive/deliverables/holistic.go:3) | " +
	"sed et dolorem minima et corrupti abcd veniam qui blanditiis optio explicabo et amet qui sint ut " +
	"iure neque eveniet quod odio distinctio quas veniam voluptatibus quibusdam esse maiores dolores " +
	"magni numquam sed deserunt quia odio fuga deserunt cumque a aliquam ad dolores dolore aut sapiente"

// Scenario is one mode and kind combination measured by Benchmark.
type Scenario struct {
	Mode   Mode
	Kind   transform.Kind
	Result string
	Err    error
}

// Benchmark runs input through every mode and kind runs times and renders
// the average throughput of each as a markdown table. Modes that cannot be
// opened, for example wasm modes without a bundle, are reported in the table.
func Benchmark(ctx context.Context, cfg *config.Config, modes []Mode, input string, runs int, logger *zap.Logger) (string, []*Scenario) {
	var scenarios []*Scenario
	for _, kind := range transform.Kinds {
		for _, mode := range modes {
			scenarios = append(scenarios, &Scenario{Mode: mode, Kind: kind})
		}
	}

	for _, s := range scenarios {
		s.Result, s.Err = runScenario(ctx, cfg, s, input, runs, logger)
		if s.Err != nil {
			logger.Warn("Scenario failed",
				zap.String("mode", string(s.Mode)),
				zap.String("kind", string(s.Kind)),
				zap.Error(s.Err),
			)
			continue
		}
		logger.Info("Scenario finished",
			zap.String("mode", string(s.Mode)),
			zap.String("kind", string(s.Kind)),
			zap.String("result", s.Result),
		)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "| Mode | Transform | Result |\n")
	fmt.Fprintf(&b, "| ---- | --------- | ------ |\n")
	for _, s := range scenarios {
		result := s.Result
		if s.Err != nil {
			result = "error: " + s.Err.Error()
		}
		fmt.Fprintf(&b, "| %s | %s | %s |\n", s.Mode, s.Kind, result)
	}
	return b.String(), scenarios
}

func runScenario(ctx context.Context, cfg *config.Config, s *Scenario, input string, runs int, logger *zap.Logger) (_ string, err error) {
	scfg := *cfg
	scfg.Runner.Mode = string(s.Mode)
	scfg.Runner.Kind = string(s.Kind)

	path, err := Open(ctx, &scfg, logger)
	if err != nil {
		return "", err
	}
	defer func() {
		if cerr := path.Close(ctx); err == nil {
			err = cerr
		}
	}()

	var tr ThroughputRecorder
	for range runs {
		out, err := path.Transform(ctx, input)
		if err != nil {
			return "", err
		}
		tr.Record(len(out))
	}
	return tr.AvgThroughput(), nil
}
