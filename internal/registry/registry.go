// Package registry holds the authoritative in-memory state for every managed
// service. The lifecycle controller, health monitor, and resource manager all
// read and mutate service state exclusively through Registry operations; no
// other component keeps its own copy as source of truth.
package registry

import (
	"sync"
	"time"
)

// Service is the metadata and live status tracked for one managed service.
// Values returned by Registry accessors are copies; mutations go through
// Registry methods.
type Service struct {
	Name                 string         `json:"name"`
	Description          string         `json:"description,omitempty"`
	Dependencies         []string       `json:"dependencies,omitempty"`
	OptionalDependencies []string       `json:"optional_dependencies,omitempty"`
	Status               Status         `json:"status"`
	ErrorMessage         string         `json:"error_message,omitempty"`
	PID                  int            `json:"pid,omitempty"`
	Host                 string         `json:"host,omitempty"`
	Port                 int            `json:"port,omitempty"`
	Config               map[string]any `json:"config,omitempty"`
	Metrics              map[string]any `json:"metrics,omitempty"`
	RegisteredAt         time.Time      `json:"registered_at"`
}

// Registration carries the caller-supplied fields for Register.
type Registration struct {
	Name                 string
	Description          string
	Dependencies         []string
	OptionalDependencies []string
	Config               map[string]any
}

// Registry is a goroutine-safe store of service metadata. Three components
// touch it concurrently at independent intervals; operations are small and
// infrequent relative to polling, so a single coarse lock is sufficient.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*Service
	order    []string
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		services: make(map[string]*Service),
	}
}

// Register adds a service in status REGISTERED. Names are unique; a duplicate
// registration returns AlreadyRegisteredError.
func (r *Registry) Register(reg Registration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.services[reg.Name]; exists {
		return &AlreadyRegisteredError{Name: reg.Name}
	}

	svc := &Service{
		Name:                 reg.Name,
		Description:          reg.Description,
		Dependencies:         append([]string(nil), reg.Dependencies...),
		OptionalDependencies: append([]string(nil), reg.OptionalDependencies...),
		Status:               StatusRegistered,
		Config:               copyMap(reg.Config),
		Metrics:              make(map[string]any),
		RegisteredAt:         time.Now().UTC(),
	}
	r.services[reg.Name] = svc
	r.order = append(r.order, reg.Name)
	return nil
}

// Unregister removes a service from the registry.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.services[name]; !exists {
		return &NotRegisteredError{Name: name}
	}
	delete(r.services, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Get returns a copy of the named service.
func (r *Registry) Get(name string) (Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	svc, exists := r.services[name]
	if !exists {
		return Service{}, &NotRegisteredError{Name: name}
	}
	return svc.clone(), nil
}

// All returns copies of every registered service in registration order.
func (r *Registry) All() []Service {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Service, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.services[name].clone())
	}
	return out
}

// Names returns the registered service names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// UpdateStatus sets the status and error message for a service. An empty
// message clears any previous error.
func (r *Registry) UpdateStatus(name string, status Status, errorMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	svc, exists := r.services[name]
	if !exists {
		return &NotRegisteredError{Name: name}
	}
	svc.Status = status
	svc.ErrorMessage = errorMessage
	return nil
}

// UpdateProcessID records the operating system process id for a service.
func (r *Registry) UpdateProcessID(name string, pid int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	svc, exists := r.services[name]
	if !exists {
		return &NotRegisteredError{Name: name}
	}
	svc.PID = pid
	return nil
}

// UpdateEndpoint records the host and port a service listens on.
func (r *Registry) UpdateEndpoint(name, host string, port int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	svc, exists := r.services[name]
	if !exists {
		return &NotRegisteredError{Name: name}
	}
	svc.Host = host
	svc.Port = port
	return nil
}

// MergeMetrics folds the given readings into the service metrics map,
// overwriting existing keys.
func (r *Registry) MergeMetrics(name string, metrics map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	svc, exists := r.services[name]
	if !exists {
		return &NotRegisteredError{Name: name}
	}
	for k, v := range metrics {
		svc.Metrics[k] = v
	}
	return nil
}

// IsRunning reports whether the named service is in status RUNNING.
func (r *Registry) IsRunning(name string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	svc, exists := r.services[name]
	if !exists {
		return false, &NotRegisteredError{Name: name}
	}
	return svc.Status == StatusRunning, nil
}

// ListRunning returns copies of all RUNNING services in registration order.
func (r *Registry) ListRunning() []Service {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Service, 0, len(r.order))
	for _, name := range r.order {
		if svc := r.services[name]; svc.Status == StatusRunning {
			out = append(out, svc.clone())
		}
	}
	return out
}

func (s *Service) clone() Service {
	out := *s
	out.Dependencies = append([]string(nil), s.Dependencies...)
	out.OptionalDependencies = append([]string(nil), s.OptionalDependencies...)
	out.Config = copyMap(s.Config)
	out.Metrics = copyMap(s.Metrics)
	return out
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
