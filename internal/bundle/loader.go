package bundle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/woxQAQ/textbridge/internal/wasm"
)

// Loader reads bundles from disk and compiles their modules.
type Loader struct {
	moduleLoader *wasm.ModuleLoader
	logger       *zap.Logger
}

// NewLoader creates a new bundle loader.
func NewLoader(runtime *wasm.Runtime, logger *zap.Logger) *Loader {
	return &Loader{
		moduleLoader: wasm.NewModuleLoader(runtime, logger),
		logger:       logger.With(zap.String("component", "bundle-loader")),
	}
}

// LoadBundle loads a single bundle from a directory. The module is compiled
// under the bundle name.
func (l *Loader) LoadBundle(ctx context.Context, dir string) (*Bundle, error) {
	manifest, err := ParseManifest(dir)
	if err != nil {
		return nil, err
	}

	l.logger.Info("Loading bundle",
		zap.String("name", manifest.Name),
		zap.String("version", manifest.Version),
		zap.Strings("protocols", manifest.Protocols),
	)

	compiled, err := l.moduleLoader.LoadModuleFromFile(ctx, manifest.Name, manifest.WasmPath())
	if err != nil {
		return nil, &LoadError{BundleName: manifest.Name, Err: err}
	}

	return &Bundle{
		Manifest: manifest,
		Compiled: compiled,
		LoadedAt: time.Now(),
	}, nil
}

// Discover loads every bundle directory directly below the given paths.
// Missing paths are skipped. Bundles that fail to load are reported in the
// returned error alongside the ones that loaded.
func (l *Loader) Discover(ctx context.Context, paths []string) ([]*Bundle, error) {
	var bundles []*Bundle
	var errs error

	for _, basePath := range paths {
		entries, err := os.ReadDir(basePath)
		if err != nil {
			if os.IsNotExist(err) {
				l.logger.Warn("Bundle path does not exist", zap.String("path", basePath))
				continue
			}
			return nil, fmt.Errorf("failed to read directory '%s': %w", basePath, err)
		}

		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}

			dir := filepath.Join(basePath, entry.Name())
			b, err := l.LoadBundle(ctx, dir)
			if err != nil {
				l.logger.Error("Failed to load bundle", zap.String("dir", dir), zap.Error(err))
				errs = multierr.Append(errs, err)
				continue
			}
			bundles = append(bundles, b)
		}
	}

	if len(bundles) == 0 {
		return nil, multierr.Append(&NoBundlesFoundError{Paths: paths}, errs)
	}
	if errs != nil {
		l.logger.Warn("Some bundles failed to load",
			zap.Int("loaded", len(bundles)),
			zap.Int("failed", len(multierr.Errors(errs))),
		)
	}
	return bundles, errs
}
