package transform

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
)

// PatternRewrite replaces matches of a fixed pattern with a fixed literal.
// Limit 0 replaces every match; N replaces the first N.
type PatternRewrite struct {
	re          *regexp2.Regexp
	replacement string
	limit       int
}

// NewPatternRewrite compiles pattern. A zero timeout disables the match timeout.
func NewPatternRewrite(pattern, replacement string, limit int, timeout time.Duration) (*PatternRewrite, error) {
	if limit < 0 {
		return nil, fmt.Errorf("pattern rewrite limit must not be negative, got %d", limit)
	}

	re, err := regexp2.Compile(pattern, regexp2.None)
	if err != nil {
		return nil, fmt.Errorf("failed to compile pattern %q: %w", pattern, err)
	}
	if timeout > 0 {
		re.MatchTimeout = timeout
	}

	return &PatternRewrite{
		re: re,
		// regexp2 expands $-groups in replacements; the replacement is a literal.
		replacement: strings.ReplaceAll(replacement, "$", "$$"),
		limit:       limit,
	}, nil
}

// Transform implements Transformer.
func (p *PatternRewrite) Transform(_ context.Context, input string) (string, error) {
	count := -1
	if p.limit > 0 {
		count = p.limit
	}

	out, err := p.re.Replace(input, p.replacement, -1, count)
	if err != nil {
		return "", &EvalError{Stage: "pattern", Err: err}
	}
	return out, nil
}

// Pattern returns the source of the compiled pattern.
func (p *PatternRewrite) Pattern() string {
	return p.re.String()
}
