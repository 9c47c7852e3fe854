package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// FileName is the manifest filename inside a source or output tree.
const FileName = "version.json"

// Module format tags recorded in the manifest.
const (
	FormatSource   = "py"
	FormatCompiled = "mpy"
)

// Sentinel version values. A module always carries both a version and a
// hash; when either cannot be determined the sentinel is recorded so the
// two maps stay in lockstep.
const (
	VersionUnknown = "unknown"
	VersionError   = "error"
)

// Manifest is the persisted path -> {version, hash} record for a source
// or output tree.
type Manifest struct {
	GeneratedAt     string            `json:"generated_at,omitempty"`
	CompiledAt      string            `json:"compiled_at,omitempty"`
	Description     string            `json:"description,omitempty"`
	SourceDirectory string            `json:"source_directory,omitempty"`
	Format          string            `json:"format,omitempty"`
	Architecture    string            `json:"architecture,omitempty"`
	Optimization    string            `json:"optimization,omitempty"`
	Modules         map[string]string `json:"modules"`
	Hashes          map[string]string `json:"SHA-256"`
}

// New creates an empty manifest with initialized maps.
func New() *Manifest {
	return &Manifest{
		Modules: make(map[string]string),
		Hashes:  make(map[string]string),
	}
}

// Load reads a manifest from disk. A missing file is not an error: it
// yields a fresh empty manifest so first runs start from a clean ledger.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}

	if m.Modules == nil {
		m.Modules = make(map[string]string)
	}
	if m.Hashes == nil {
		m.Hashes = make(map[string]string)
	}

	return &m, nil
}

// Save persists the manifest as pretty-printed JSON, overwriting any
// previous content.
func (m *Manifest) Save(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// Record upserts a module entry, keeping the version and hash maps in
// lockstep.
func (m *Manifest) Record(module, version, hash string) {
	m.Modules[module] = version
	m.Hashes[module] = hash
}

// Remove drops a module entry from both maps.
func (m *Manifest) Remove(module string) {
	delete(m.Modules, module)
	delete(m.Hashes, module)
}

// Version returns the recorded version for a module path.
func (m *Manifest) Version(module string) (string, bool) {
	v, ok := m.Modules[module]
	return v, ok
}

// Hash returns the recorded content hash for a module path.
func (m *Manifest) Hash(module string) (string, bool) {
	h, ok := m.Hashes[module]
	return h, ok
}

// Touch updates the generation timestamp.
func (m *Manifest) Touch(now time.Time) {
	m.GeneratedAt = now.Format("2006-01-02T15:04:05")
}

// TouchCompiled updates the compilation timestamp.
func (m *Manifest) TouchCompiled(now time.Time) {
	m.CompiledAt = now.Format("2006-01-02T15:04:05")
}
