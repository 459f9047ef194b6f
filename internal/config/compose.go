package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"

	"github.com/mkuzmin/stackwarden/internal/resource"
)

// LoadComposeFile loads service definitions from a compose file. depends_on
// entries become dependencies (optional when the dependency is marked
// not-required), the first published port becomes the service endpoint, and
// cpu_percent/mem_limit/pids_limit become resource limits.
func LoadComposeFile(ctx context.Context, path string) ([]ServiceDef, error) {
	if path == "" {
		return nil, nil
	}

	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read compose file: %w", err)
	}
	defs, err := ParseComposeServices(ctx, body)
	if err != nil {
		return nil, err
	}
	if err := validateServices(defs); err != nil {
		return nil, err
	}
	return defs, nil
}

// ParseComposeServices parses compose content into service definitions.
func ParseComposeServices(ctx context.Context, body []byte) ([]ServiceDef, error) {
	if len(body) == 0 {
		return nil, errors.New("compose body is empty")
	}

	details := types.ConfigDetails{
		WorkingDir: ".",
		ConfigFiles: []types.ConfigFile{
			{
				Filename: "compose.yml",
				Content:  body,
			},
		},
		Environment: types.Mapping{},
	}

	project, err := loader.LoadWithContext(ctx, details, func(opts *loader.Options) {
		opts.SetProjectName("stackwarden", false)
	})
	if err != nil {
		return nil, fmt.Errorf("load compose: %w", err)
	}
	if len(project.Services) == 0 {
		return nil, errors.New("compose has no services")
	}

	defs := make([]ServiceDef, 0, len(project.Services))
	for name, service := range project.Services {
		if service.Image == "" {
			return nil, fmt.Errorf("service %q missing image", name)
		}

		def := ServiceDef{
			Name:  name,
			Image: service.Image,
			Dir:   service.WorkingDir,
			Env:   flattenEnvironment(service.Environment),
		}

		for dep, dependency := range service.DependsOn {
			if dependency.Required {
				def.Dependencies = append(def.Dependencies, dep)
			} else {
				def.OptionalDependencies = append(def.OptionalDependencies, dep)
			}
		}
		sort.Strings(def.Dependencies)
		sort.Strings(def.OptionalDependencies)

		host, port, err := publishedEndpoint(service.Ports)
		if err != nil {
			return nil, fmt.Errorf("service %q: %w", name, err)
		}
		def.Host = host
		def.Port = port

		def.ResourceLimits = resource.Limits{
			CPUPercent:  float64(service.CPUPercent),
			MemoryBytes: uint64(service.MemLimit),
		}
		if service.PidsLimit > 0 {
			def.ResourceLimits.Threads = int(service.PidsLimit)
		}

		defs = append(defs, def)
	}

	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs, nil
}

// publishedEndpoint returns the first published port mapping, host included
// when the binding names one.
func publishedEndpoint(ports []types.ServicePortConfig) (string, int, error) {
	for _, p := range ports {
		if p.Published == "" {
			continue
		}
		published, err := strconv.Atoi(p.Published)
		if err != nil {
			return "", 0, fmt.Errorf("published port %q: %w", p.Published, err)
		}
		host := p.HostIP
		if host == "" {
			host = "127.0.0.1"
		}
		return host, published, nil
	}
	return "", 0, nil
}

func flattenEnvironment(env types.MappingWithEquals) map[string]string {
	if len(env) == 0 {
		return nil
	}
	out := make(map[string]string, len(env))
	for key, value := range env {
		if value == nil {
			continue
		}
		out[key] = *value
	}
	return out
}
