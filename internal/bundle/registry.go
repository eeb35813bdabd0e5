package bundle

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Registry indexes loaded bundles by name and by protocol.
type Registry struct {
	sync.RWMutex
	bundles    map[string]*Bundle
	byProtocol map[string][]*Bundle
	logger     *zap.Logger
}

// NewRegistry creates a new bundle registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		bundles:    make(map[string]*Bundle),
		byProtocol: make(map[string][]*Bundle),
		logger:     logger.With(zap.String("component", "bundle-registry")),
	}
}

// Register adds a bundle to the registry.
func (r *Registry) Register(b *Bundle) error {
	r.Lock()
	defer r.Unlock()

	name := b.Name()
	if _, exists := r.bundles[name]; exists {
		return &AlreadyRegisteredError{BundleName: name}
	}

	r.bundles[name] = b
	for _, p := range b.Manifest.Protocols {
		r.byProtocol[p] = append(r.byProtocol[p], b)
	}

	r.logger.Info("Bundle registered",
		zap.String("name", name),
		zap.Strings("protocols", b.Manifest.Protocols),
	)
	return nil
}

// Get retrieves a bundle by name.
func (r *Registry) Get(name string) (*Bundle, bool) {
	r.RLock()
	defer r.RUnlock()

	b, ok := r.bundles[name]
	return b, ok
}

// LookupByProtocol returns the bundles implementing protocol, in
// registration order.
func (r *Registry) LookupByProtocol(protocol string) []*Bundle {
	r.RLock()
	defer r.RUnlock()

	result := make([]*Bundle, len(r.byProtocol[protocol]))
	copy(result, r.byProtocol[protocol])
	return result
}

// List returns all registered bundles sorted by name.
func (r *Registry) List() []*Bundle {
	r.RLock()
	defer r.RUnlock()

	result := make([]*Bundle, 0, len(r.bundles))
	for _, b := range r.bundles {
		result = append(result, b)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result
}

// Unregister removes a bundle from the registry.
func (r *Registry) Unregister(name string) {
	r.Lock()
	defer r.Unlock()

	b, ok := r.bundles[name]
	if !ok {
		return
	}

	for _, p := range b.Manifest.Protocols {
		list := r.byProtocol[p]
		for i, candidate := range list {
			if candidate == b {
				r.byProtocol[p] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
	delete(r.bundles, name)

	r.logger.Info("Bundle unregistered", zap.String("name", name))
}

// Count returns the number of registered bundles.
func (r *Registry) Count() int {
	r.RLock()
	defer r.RUnlock()

	return len(r.bundles)
}
