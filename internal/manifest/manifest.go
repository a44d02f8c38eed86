// Package manifest reads and writes pacm's package.json-shaped project
// manifest, per spec.md §4.6. Grounded on the teacher's JSON manifest
// idiom (internal/registry/manifest.go) and on
// _examples/original_source/manifest.rs for the round-trip contract.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pacm/pacm/internal/pacmerr"
)

// Manifest is the project's package.json-equivalent. Dependency buckets
// use plain maps; PeerDependenciesMeta records whether a peer dependency
// is optional.
type Manifest struct {
	Name                 string                     `json:"name"`
	Version              string                     `json:"version"`
	Dependencies         map[string]string          `json:"dependencies,omitempty"`
	DevDependencies      map[string]string          `json:"devDependencies,omitempty"`
	OptionalDependencies map[string]string          `json:"optionalDependencies,omitempty"`
	PeerDependencies     map[string]string          `json:"peerDependencies,omitempty"`
	PeerDependenciesMeta map[string]PeerMeta        `json:"peerDependenciesMeta,omitempty"`

	// Extra preserves any top-level field this codec doesn't model, so a
	// round trip never silently drops unknown data.
	Extra map[string]json.RawMessage `json:"-"`
}

// PeerMeta mirrors npm's peerDependenciesMeta entry shape.
type PeerMeta struct {
	Optional bool `json:"optional,omitempty"`
}

// New creates a manifest with the given name and version and empty
// dependency buckets.
func New(name, version string) *Manifest {
	return &Manifest{
		Name:                 name,
		Version:              version,
		Dependencies:         map[string]string{},
		DevDependencies:      map[string]string{},
		OptionalDependencies: map[string]string{},
		PeerDependencies:     map[string]string{},
		PeerDependenciesMeta: map[string]PeerMeta{},
	}
}

var knownFields = map[string]bool{
	"name": true, "version": true, "dependencies": true, "devDependencies": true,
	"optionalDependencies": true, "peerDependencies": true, "peerDependenciesMeta": true,
}

// Load reads a manifest from path. Unknown top-level fields are preserved
// in Extra so a subsequent Write round-trips them verbatim.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, pacmerr.New(pacmerr.ManifestFormat, fmt.Sprintf("invalid manifest JSON in %s", path), err)
	}
	if m.Name == "" {
		return nil, pacmerr.New(pacmerr.ManifestFormat, fmt.Sprintf("manifest %s missing required field \"name\"", path), nil)
	}
	if m.Version == "" {
		return nil, pacmerr.New(pacmerr.ManifestFormat, fmt.Sprintf("manifest %s missing required field \"version\"", path), nil)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, pacmerr.New(pacmerr.ManifestFormat, fmt.Sprintf("invalid manifest JSON in %s", path), err)
	}
	m.Extra = map[string]json.RawMessage{}
	for k, v := range raw {
		if !knownFields[k] {
			m.Extra[k] = v
		}
	}

	return &m, nil
}

// Write serializes the manifest to path with sorted keys, creating parent
// directories as needed. Extra fields round-trip alongside the modeled
// ones.
func Write(path string, m *Manifest) error {
	out := map[string]interface{}{
		"name":    m.Name,
		"version": m.Version,
	}
	if len(m.Dependencies) > 0 {
		out["dependencies"] = m.Dependencies
	}
	if len(m.DevDependencies) > 0 {
		out["devDependencies"] = m.DevDependencies
	}
	if len(m.OptionalDependencies) > 0 {
		out["optionalDependencies"] = m.OptionalDependencies
	}
	if len(m.PeerDependencies) > 0 {
		out["peerDependencies"] = m.PeerDependencies
	}
	if len(m.PeerDependenciesMeta) > 0 {
		out["peerDependenciesMeta"] = m.PeerDependenciesMeta
	}
	for k, v := range m.Extra {
		out[k] = v
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("manifest: encode: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
