// Package bundle discovers guest modules on disk. A bundle is a directory
// holding a manifest.yaml and the compiled guest it names.
package bundle

import (
	"time"

	"github.com/woxQAQ/textbridge/internal/wasm"
)

// Bundle is a loaded bundle with its manifest and compiled module.
type Bundle struct {
	Manifest *Manifest
	Compiled *wasm.CompiledModule
	LoadedAt time.Time
}

func (b *Bundle) Name() string {
	return b.Manifest.Name
}

func (b *Bundle) Version() string {
	return b.Manifest.Version
}

// Supports reports whether the guest implements protocol.
func (b *Bundle) Supports(protocol string) bool {
	return b.Manifest.Supports(protocol)
}

// RequiredExports lists every export the manifest's protocols need.
func (b *Bundle) RequiredExports() []string {
	var out []string
	for _, p := range b.Manifest.Protocols {
		names, err := wasm.ProtocolExports(p)
		if err != nil {
			continue
		}
		out = append(out, names...)
	}
	return out
}
