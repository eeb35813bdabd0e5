package bundle

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/woxQAQ/textbridge/internal/wasm"
)

// ManifestFile is the name of the manifest inside a bundle directory.
const ManifestFile = "manifest.yaml"

// Manifest represents the bundle manifest.yaml structure.
type Manifest struct {
	Name        string     `yaml:"name"`
	Version     string     `yaml:"version"`
	Description string     `yaml:"description"`
	Wasm        WasmConfig `yaml:"wasm"`
	// Guest protocols the module implements: inplace, dynamic, program.
	Protocols []string `yaml:"protocols"`

	dir string
}

// WasmConfig holds Wasm module configuration.
type WasmConfig struct {
	File string `yaml:"file"`
}

// ParseManifest reads and parses manifest.yaml from a directory.
func ParseManifest(dir string) (*Manifest, error) {
	manifestPath := filepath.Join(dir, ManifestFile)

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, &ManifestNotFoundError{Path: manifestPath, Err: err}
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, &ManifestParseError{Path: manifestPath, Err: err}
	}
	m.dir = dir

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// FindManifest returns the manifest of the bundle called name below paths
// without compiling anything, for hosts other than the wazero runtime.
// Directories with a broken manifest are skipped.
func FindManifest(paths []string, name string) (*Manifest, error) {
	for _, basePath := range paths {
		entries, err := os.ReadDir(basePath)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to read directory '%s': %w", basePath, err)
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			m, err := ParseManifest(filepath.Join(basePath, entry.Name()))
			if err == nil && m.Name == name {
				return m, nil
			}
		}
	}
	return nil, &NotFoundError{BundleName: name}
}

// Supports reports whether the manifest lists protocol.
func (m *Manifest) Supports(protocol string) bool {
	return slices.Contains(m.Protocols, protocol)
}

// Validate checks manifest fields and that the module file exists.
func (m *Manifest) Validate() error {
	required := []struct {
		field string
		value string
	}{
		{"name", m.Name},
		{"version", m.Version},
		{"wasm.file", m.Wasm.File},
	}
	for _, r := range required {
		if r.value == "" {
			return &ManifestValidationError{
				Path:    m.Path(),
				Field:   r.field,
				Message: r.field + " is required",
			}
		}
	}

	if len(m.Protocols) == 0 {
		return &ManifestValidationError{
			Path:    m.Path(),
			Field:   "protocols",
			Message: "at least one protocol is required",
		}
	}
	for _, p := range m.Protocols {
		if _, err := wasm.ProtocolExports(p); err != nil {
			return &ManifestValidationError{
				Path:    m.Path(),
				Field:   "protocols",
				Message: fmt.Sprintf("unknown protocol: %s (must be one of: inplace, dynamic, program)", p),
			}
		}
	}

	if _, err := os.Stat(m.WasmPath()); os.IsNotExist(err) {
		return &WasmNotFoundError{ManifestPath: m.Path(), WasmFile: m.Wasm.File}
	}
	return nil
}

// Path returns the manifest file path.
func (m *Manifest) Path() string {
	return filepath.Join(m.dir, ManifestFile)
}

// WasmPath returns the path to the Wasm file.
func (m *Manifest) WasmPath() string {
	return filepath.Join(m.dir, m.Wasm.File)
}

// Dir returns the directory containing the manifest.
func (m *Manifest) Dir() string {
	return m.dir
}
