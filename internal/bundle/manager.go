package bundle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/woxQAQ/textbridge/internal/config"
	"github.com/woxQAQ/textbridge/internal/wasm"
)

// Manager loads bundles from the configured paths and instantiates them.
type Manager struct {
	cfg         *config.Config
	runtime     *wasm.Runtime
	loader      *Loader
	registry    *Registry
	instanceMgr *wasm.InstanceManager
	logger      *zap.Logger

	mu     sync.RWMutex
	loaded bool
}

// NewManager creates a new bundle manager and registers the guest imports in
// runtime.
func NewManager(
	ctx context.Context,
	cfg *config.Config,
	runtime *wasm.Runtime,
	hostFuncs *wasm.HostFunctionsImpl,
	logger *zap.Logger,
) (*Manager, error) {
	instanceMgr, err := wasm.NewInstanceManager(ctx, runtime, hostFuncs, logger)
	if err != nil {
		return nil, err
	}

	return &Manager{
		cfg:         cfg,
		runtime:     runtime,
		loader:      NewLoader(runtime, logger),
		registry:    NewRegistry(logger),
		instanceMgr: instanceMgr,
		logger:      logger.With(zap.String("component", "bundle-manager")),
	}, nil
}

// LoadAll discovers and registers bundles from cfg.BundlePaths. Finding no
// bundle at all is not an error.
func (m *Manager) LoadAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loaded {
		return fmt.Errorf("bundles already loaded")
	}

	m.logger.Info("Loading bundles", zap.Strings("paths", m.cfg.BundlePaths))

	bundles, err := m.loader.Discover(ctx, m.cfg.BundlePaths)
	if len(bundles) == 0 {
		var none *NoBundlesFoundError
		if len(multierr.Errors(err)) == 1 && errors.As(err, &none) {
			m.logger.Warn("No bundles found in configured paths", zap.Strings("paths", m.cfg.BundlePaths))
			m.loaded = true
			return nil
		}
		return err
	}

	for _, b := range bundles {
		if err := m.registry.Register(b); err != nil {
			m.logger.Error("Failed to register bundle", zap.String("name", b.Name()), zap.Error(err))
		}
	}
	m.loaded = true

	m.logger.Info("Bundles loaded", zap.Int("count", m.registry.Count()))
	return nil
}

// GetBundle retrieves a bundle by name.
func (m *Manager) GetBundle(name string) (*Bundle, error) {
	b, ok := m.registry.Get(name)
	if !ok {
		return nil, &NotFoundError{BundleName: name}
	}
	return b, nil
}

// FindBundleForProtocol returns the first registered bundle implementing
// protocol.
func (m *Manager) FindBundleForProtocol(protocol string) (*Bundle, error) {
	bundles := m.registry.LookupByProtocol(protocol)
	if len(bundles) == 0 {
		return nil, fmt.Errorf("no bundle implements protocol '%s'", protocol)
	}
	return bundles[0], nil
}

// Instantiate creates an instance of the named bundle. The guest must export
// everything the manifest's protocols need.
func (m *Manager) Instantiate(ctx context.Context, name string) (*wasm.Instance, error) {
	b, err := m.GetBundle(name)
	if err != nil {
		return nil, err
	}

	return m.instanceMgr.Instantiate(ctx, &wasm.InstanceConfig{
		ModuleName: b.Name(),
		Exports:    b.RequiredExports(),
		Timeout:    m.cfg.Wasm.Timeout(),
	})
}

// Shutdown closes the runtime and every instance created from it.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("Shutting down bundle manager")

	if err := m.runtime.Close(ctx); err != nil {
		m.logger.Error("Failed to shutdown runtime", zap.Error(err))
		return err
	}
	return nil
}

// Registry returns the bundle registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// IsLoaded returns whether bundles have been loaded.
func (m *Manager) IsLoaded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loaded
}
