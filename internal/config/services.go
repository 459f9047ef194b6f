package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mkuzmin/stackwarden/internal/resource"
)

// ServiceDef is one service entry from a services file: registration data
// plus how to launch the service and any resource ceilings.
type ServiceDef struct {
	Name                 string            `yaml:"name"`
	Description          string            `yaml:"description,omitempty"`
	Command              string            `yaml:"command,omitempty"`
	Args                 []string          `yaml:"args,omitempty"`
	Env                  map[string]string `yaml:"env,omitempty"`
	Dir                  string            `yaml:"dir,omitempty"`
	Image                string            `yaml:"image,omitempty"`
	Host                 string            `yaml:"host,omitempty"`
	Port                 int               `yaml:"port,omitempty"`
	Workers              int               `yaml:"workers,omitempty"`
	Enabled              *bool             `yaml:"enabled,omitempty"`
	Dependencies         []string          `yaml:"dependencies,omitempty"`
	OptionalDependencies []string          `yaml:"optional_dependencies,omitempty"`
	ResourceLimits       resource.Limits   `yaml:"resource_limits,omitempty"`
}

// IsEnabled reports whether the service should be started. Unset means
// enabled.
func (d ServiceDef) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// ServicesFile is the parsed YAML structure for service configuration:
// services: [{name, command|image, dependencies, ...}]
type ServicesFile struct {
	Services []ServiceDef `yaml:"services"`
}

// LoadServicesFile parses a YAML services file from the given path.
// Returns nil if path is empty.
func LoadServicesFile(path string) ([]ServiceDef, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read services file: %w", err)
	}

	var sf ServicesFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("parse services file: %w", err)
	}

	if err := validateServices(sf.Services); err != nil {
		return nil, err
	}

	return sf.Services, nil
}

func validateServices(defs []ServiceDef) error {
	if len(defs) == 0 {
		return fmt.Errorf("services file contains no services")
	}

	seen := make(map[string]bool)

	for i, d := range defs {
		if d.Name == "" {
			return fmt.Errorf("service %d: name is required", i)
		}
		if seen[d.Name] {
			return fmt.Errorf("service %q: duplicate name", d.Name)
		}
		seen[d.Name] = true

		if d.Command == "" && d.Image == "" {
			return fmt.Errorf("service %q: one of command or image is required", d.Name)
		}
		if d.Command != "" && d.Image != "" {
			return fmt.Errorf("service %q: command and image are mutually exclusive", d.Name)
		}
		if d.Port < 0 || d.Port > 65535 {
			return fmt.Errorf("service %q: port %d out of range", d.Name, d.Port)
		}
		if d.Workers < 0 {
			return fmt.Errorf("service %q: workers cannot be negative", d.Name)
		}

		for _, dep := range d.Dependencies {
			if dep == d.Name {
				return fmt.Errorf("service %q: depends on itself", d.Name)
			}
		}
		for _, dep := range d.OptionalDependencies {
			if dep == d.Name {
				return fmt.Errorf("service %q: depends on itself", d.Name)
			}
		}

		limits := d.ResourceLimits
		if limits.CPUPercent < 0 || limits.MemoryPercent < 0 || limits.Threads < 0 || limits.Connections < 0 {
			return fmt.Errorf("service %q: resource limits cannot be negative", d.Name)
		}
	}

	return nil
}
