// Package plugin implements plugin discovery, dependency-ordered loading,
// and the process-wide action/service/hook registries.
package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	auraerr "github.com/nightofknife/aura/pkg/aura/errors"
)

// ManifestName is the file that marks a directory as a plugin root.
const ManifestName = "manifest.yaml"

// Type distinguishes plan plugins from library plugins.
type Type string

const (
	TypePlan    Type = "plan"
	TypeLibrary Type = "library"
)

// ExtendSpec declares that this plugin attaches an extension to a service
// provided by another plugin.
type ExtendSpec struct {
	Service    string `yaml:"service" validate:"required"`
	FromPlugin string `yaml:"from_plugin" validate:"required"`
	EntryPoint string `yaml:"entry_point" validate:"required"`
}

// Manifest is the on-disk identity of a plugin.
type Manifest struct {
	Author       string            `yaml:"author" validate:"required"`
	Name         string            `yaml:"name" validate:"required"`
	Version      string            `yaml:"version"`
	Type         Type              `yaml:"type" validate:"omitempty,oneof=plan library"`
	Dependencies map[string]string `yaml:"dependencies"` // canonical id -> version constraint
	Packages     []string          `yaml:"packages"`     // external package deps, informational
	Extends      []ExtendSpec      `yaml:"extends"`
	Overrides    []string          `yaml:"overrides"` // service FQIDs this plugin replaces
}

var validate = validator.New()

// ParseManifest reads and validates a manifest file. Missing author or name
// is a fatal startup error.
func ParseManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, &auraerr.FatalStartupError{Reason: fmt.Sprintf("manifest %s is not valid yaml: %v", path, err)}
	}
	if err := validate.Struct(&m); err != nil {
		return nil, &auraerr.FatalStartupError{Reason: fmt.Sprintf("manifest %s: %v", path, err)}
	}
	if m.Type == "" {
		m.Type = TypeLibrary
	}
	return &m, nil
}

// Definition is the immutable runtime identity of a loaded plugin.
type Definition struct {
	Author       string
	Name         string
	ID           string // canonical id: author/name
	Version      string
	Type         Type
	Path         string
	Dependencies map[string]string
	Extends      []ExtendSpec
	Overrides    []string
}

// NewDefinition builds a Definition from a parsed manifest and its location.
func NewDefinition(m *Manifest, path string) *Definition {
	return &Definition{
		Author:       m.Author,
		Name:         m.Name,
		ID:           m.Author + "/" + m.Name,
		Version:      m.Version,
		Type:         m.Type,
		Path:         path,
		Dependencies: m.Dependencies,
		Extends:      m.Extends,
		Overrides:    m.Overrides,
	}
}

// DependencyIDs returns the declared plugin dependencies in sorted order.
func (d *Definition) DependencyIDs() []string {
	ids := make([]string, 0, len(d.Dependencies))
	for id := range d.Dependencies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// discover walks a root directory and parses every subtree that carries a
// manifest. Once a manifest is found the walk does not descend further.
func discover(root string) ([]*Definition, error) {
	if root == "" {
		return nil, nil
	}
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil, nil
	}

	var defs []*Definition
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		manifestPath := filepath.Join(path, ManifestName)
		if _, err := os.Stat(manifestPath); err != nil {
			return nil
		}
		m, err := ParseManifest(manifestPath)
		if err != nil {
			return err
		}
		defs = append(defs, NewDefinition(m, path))
		return filepath.SkipDir
	})
	if err != nil {
		return nil, err
	}
	return defs, nil
}
