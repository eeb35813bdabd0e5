package transform

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DefaultScript rewrites the first four-letter word to "rust".
const DefaultScript = `sub("\\b\\w{4}\\b"; "rust")`

// Config fixes the strategies of a Session.
type Config struct {
	// Pattern rewrite.
	Pattern      string
	Replacement  string
	Limit        int // 0 = all matches
	MatchTimeout time.Duration

	// Singleton script.
	ScriptDialect Dialect
	ScriptSource  string
}

// DefaultConfig returns the built-in strategies.
func DefaultConfig() Config {
	return Config{
		Pattern:       `\b\w{4}\b`,
		Replacement:   "rust",
		Limit:         1,
		MatchTimeout:  time.Second,
		ScriptDialect: DialectJQ,
		ScriptSource:  DefaultScript,
	}
}

// Session holds one instance of every strategy. It replaces process-wide
// engine state: whoever runs calls constructs a Session once and passes it
// along. A Session is safe for concurrent use because none of its strategies
// keep per-call state.
type Session struct {
	identity Identity
	pattern  *PatternRewrite
	script   *Program
	logger   *zap.Logger
}

// NewSession compiles the pattern and the singleton script.
func NewSession(cfg Config, logger *zap.Logger) (*Session, error) {
	pattern, err := NewPatternRewrite(cfg.Pattern, cfg.Replacement, cfg.Limit, cfg.MatchTimeout)
	if err != nil {
		return nil, err
	}

	script, err := Compile(cfg.ScriptDialect, cfg.ScriptSource)
	if err != nil {
		return nil, fmt.Errorf("failed to compile singleton script: %w", err)
	}

	logger = logger.With(zap.String("component", "transform-session"))
	logger.Debug("Transform session ready",
		zap.String("pattern", cfg.Pattern),
		zap.Int("limit", cfg.Limit),
		zap.String("script_dialect", string(cfg.ScriptDialect)),
	)

	return &Session{
		pattern: pattern,
		script:  script,
		logger:  logger,
	}, nil
}

// Transformer returns the strategy for kind.
func (s *Session) Transformer(kind Kind) (Transformer, error) {
	switch kind {
	case KindIdentity:
		return s.identity, nil
	case KindPattern:
		return s.pattern, nil
	case KindScript:
		return s.script, nil
	default:
		return nil, fmt.Errorf("unknown transform kind %q", kind)
	}
}

// Transform runs input through the strategy for kind.
func (s *Session) Transform(ctx context.Context, kind Kind, input string) (string, error) {
	t, err := s.Transformer(kind)
	if err != nil {
		return "", err
	}
	return t.Transform(ctx, input)
}
