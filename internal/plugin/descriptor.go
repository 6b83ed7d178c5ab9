package plugin

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	auraerr "github.com/nightofknife/aura/pkg/aura/errors"
)

// DescriptorName is the API descriptor file inside a plugin directory.
const DescriptorName = "api.yaml"

// ActionDecl declares one exported action.
type ActionDecl struct {
	Name       string            `yaml:"name" validate:"required"`
	EntryPoint string            `yaml:"entry_point" validate:"required"`
	ReadOnly   bool              `yaml:"read_only"`
	Public     bool              `yaml:"public"`
	CPUBound   bool              `yaml:"cpu_bound"`
	Requires   map[string]string `yaml:"requires_services"` // alias -> service name
}

// ServiceDecl declares one exported service.
type ServiceDecl struct {
	Alias      string            `yaml:"alias" validate:"required"`
	EntryPoint string            `yaml:"entry_point" validate:"required"`
	Requires   map[string]string `yaml:"requires_services"` // alias -> service name
}

// Descriptor is a plugin's exported API surface.
type Descriptor struct {
	Actions  []ActionDecl      `yaml:"actions"`
	Services []ServiceDecl     `yaml:"services"`
	Hooks    map[string]string `yaml:"hooks"` // hook point -> entry point
}

// ParseDescriptor reads a plugin's api.yaml. A plugin without a descriptor
// exports nothing, which is legal for pure dependency carriers.
func ParseDescriptor(pluginPath string) (*Descriptor, error) {
	path := filepath.Join(pluginPath, DescriptorName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Descriptor{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading descriptor %s: %w", path, err)
	}
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, &auraerr.FatalStartupError{Reason: fmt.Sprintf("descriptor %s is not valid yaml: %v", path, err)}
	}
	for _, a := range d.Actions {
		if a.Name == "" || a.EntryPoint == "" {
			return nil, &auraerr.FatalStartupError{Reason: fmt.Sprintf("descriptor %s: action missing name or entry_point", path)}
		}
	}
	for _, s := range d.Services {
		if s.Alias == "" || s.EntryPoint == "" {
			return nil, &auraerr.FatalStartupError{Reason: fmt.Sprintf("descriptor %s: service missing alias or entry_point", path)}
		}
	}
	return &d, nil
}
