// Package manifest describes the external inputs the fetch stage must
// materialize before anything can build: git source trees and large
// binary assets, both at pinned revisions.
package manifest

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var embeddedDefault []byte

// Manifest lists every external input of the build.
type Manifest struct {
	Sources []Source `yaml:"sources"`
	Assets  []Asset  `yaml:"assets"`
}

// Source is a git tree pinned to one revision.
type Source struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
	// Revision is the commit the tree is checked out at.
	Revision string `yaml:"revision"`
	// Track optionally names the branch the update stage advances to.
	Track string `yaml:"track"`
}

// Asset is a downloadable archive verified by content hash before use.
type Asset struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
	// BLAKE3 is the hex digest of the archive bytes.
	BLAKE3 string `yaml:"blake3"`
	// Format is tar.gz, tar.xz, or tar.zst.
	Format string `yaml:"format"`
}

// Archive formats accepted for assets.
const (
	FormatTarGz  = "tar.gz"
	FormatTarXz  = "tar.xz"
	FormatTarZst = "tar.zst"
)

// Default returns the embedded manifest.
func Default() (*Manifest, error) {
	return parse(embeddedDefault)
}

// Load reads the manifest at path, or the embedded default when path is
// empty.
func Load(path string) (*Manifest, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	m, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return m, nil
}

func parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks that names are unique and every entry is complete
// enough to fetch.
func (m *Manifest) Validate() error {
	seen := map[string]bool{}

	for _, src := range m.Sources {
		if src.Name == "" {
			return fmt.Errorf("source with url %q has no name", src.URL)
		}
		if seen[src.Name] {
			return fmt.Errorf("duplicate manifest entry %q", src.Name)
		}
		seen[src.Name] = true
		if src.URL == "" {
			return fmt.Errorf("source %s has no url", src.Name)
		}
		if src.Revision == "" {
			return fmt.Errorf("source %s has no pinned revision", src.Name)
		}
	}

	for _, asset := range m.Assets {
		if asset.Name == "" {
			return fmt.Errorf("asset with url %q has no name", asset.URL)
		}
		if seen[asset.Name] {
			return fmt.Errorf("duplicate manifest entry %q", asset.Name)
		}
		seen[asset.Name] = true
		if asset.URL == "" {
			return fmt.Errorf("asset %s has no url", asset.Name)
		}
		if len(asset.BLAKE3) != 64 || strings.Trim(asset.BLAKE3, "0123456789abcdef") != "" {
			return fmt.Errorf("asset %s: blake3 digest must be 64 hex characters", asset.Name)
		}
		switch asset.Format {
		case FormatTarGz, FormatTarXz, FormatTarZst:
		default:
			return fmt.Errorf("asset %s: unknown archive format %q", asset.Name, asset.Format)
		}
	}

	return nil
}

// Source returns the named source tree.
func (m *Manifest) Source(name string) (Source, bool) {
	for _, src := range m.Sources {
		if src.Name == name {
			return src, true
		}
	}
	return Source{}, false
}

// Asset returns the named asset.
func (m *Manifest) Asset(name string) (Asset, bool) {
	for _, asset := range m.Assets {
		if asset.Name == name {
			return asset, true
		}
	}
	return Asset{}, false
}
