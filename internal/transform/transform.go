// Package transform adapts the text engines behind a single string-in,
// string-out contract.
//
// Three strategies exist: Identity, PatternRewrite (regexp2) and Program, a
// compiled script in one of the registered dialects. A Session bundles one of
// each, built once from a Config and passed explicitly to whoever runs calls.
package transform

import (
	"context"
	"fmt"
)

// Transformer rewrites one input string.
type Transformer interface {
	Transform(ctx context.Context, input string) (string, error)
}

// Kind selects one of the strategies held by a Session.
type Kind string

const (
	KindIdentity Kind = "identity"
	KindPattern  Kind = "pattern"
	KindScript   Kind = "script"
)

// Kinds lists every strategy a Session provides.
var Kinds = []Kind{KindIdentity, KindPattern, KindScript}

// ParseKind validates a strategy name.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown transform kind %q (must be one of: identity, pattern, script)", s)
}

// Identity returns its input unchanged.
type Identity struct{}

// Transform implements Transformer.
func (Identity) Transform(_ context.Context, input string) (string, error) {
	return input, nil
}
