// Package resolver turns the registry's declared dependencies into orderings.
// Only required dependencies constrain ordering; optional dependencies are
// reported by CheckDependencies but never enforced. A dependency name that was
// never registered becomes an isolated node: it makes CanStart false but does
// not fail graph construction, so services can be registered late.
package resolver

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mkuzmin/stackwarden/internal/registry"
)

// CircularDependencyError reports a cycle in required dependencies. Cycle
// holds the concrete path, ending with a repeat of its first node.
type CircularDependencyError struct {
	Cycle []string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("circular dependency: %s", strings.Join(e.Cycle, " -> "))
}

// DependencyStatus reports per-dependency running state for one service.
type DependencyStatus struct {
	Required map[string]bool
	Optional map[string]bool
}

// Satisfied reports whether every required dependency is running.
func (d DependencyStatus) Satisfied() bool {
	for _, running := range d.Required {
		if !running {
			return false
		}
	}
	return true
}

// Resolver computes startup and shutdown orderings over the registry.
type Resolver struct {
	reg *registry.Registry
}

// New returns a Resolver backed by the given registry.
func New(reg *registry.Registry) *Resolver {
	return &Resolver{reg: reg}
}

type visitColor int

const (
	colorUnvisited visitColor = iota
	colorInProgress
	colorDone
)

// StartupOrder returns all registered names in an order where every service
// follows its required dependencies. Ties are broken by registration order so
// the result is deterministic. A cycle yields CircularDependencyError.
func (r *Resolver) StartupOrder() ([]string, error) {
	services := r.reg.All()
	deps := make(map[string][]string, len(services))
	names := make([]string, 0, len(services))
	known := make(map[string]bool, len(services))
	for _, svc := range services {
		names = append(names, svc.Name)
		deps[svc.Name] = svc.Dependencies
		known[svc.Name] = true
	}

	colors := make(map[string]visitColor, len(names))
	var order []string
	var stack []string

	var visit func(name string) *CircularDependencyError
	visit = func(name string) *CircularDependencyError {
		colors[name] = colorInProgress
		stack = append(stack, name)

		for _, dep := range deps[name] {
			if !known[dep] {
				// Declared but never registered; CanStart handles it.
				continue
			}
			switch colors[dep] {
			case colorInProgress:
				return &CircularDependencyError{Cycle: cyclePath(stack, dep)}
			case colorUnvisited:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}

		stack = stack[:len(stack)-1]
		colors[name] = colorDone
		order = append(order, name)
		return nil
	}

	for _, name := range names {
		if colors[name] == colorUnvisited {
			if err := visit(name); err != nil {
				return nil, err
			}
		}
	}

	// Post-order with dependencies visited first already yields dependencies
	// before dependents; no reversal needed.
	return order, nil
}

// ShutdownOrder is the exact reverse of StartupOrder.
func (r *Resolver) ShutdownOrder() ([]string, error) {
	order, err := r.StartupOrder()
	if err != nil {
		return nil, err
	}
	reversed := make([]string, len(order))
	for i, name := range order {
		reversed[len(order)-1-i] = name
	}
	return reversed, nil
}

// Dependencies returns the declared dependencies of a service, optionally
// including optional ones.
func (r *Resolver) Dependencies(name string, includeOptional bool) ([]string, error) {
	svc, err := r.reg.Get(name)
	if err != nil {
		return nil, err
	}
	out := append([]string(nil), svc.Dependencies...)
	if includeOptional {
		out = append(out, svc.OptionalDependencies...)
	}
	return out, nil
}

// Dependents returns every registered service that requires the given one,
// sorted by name.
func (r *Resolver) Dependents(name string) ([]string, error) {
	if _, err := r.reg.Get(name); err != nil {
		return nil, err
	}
	var out []string
	for _, svc := range r.reg.All() {
		for _, dep := range svc.Dependencies {
			if dep == name {
				out = append(out, svc.Name)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// CheckDependencies reports the running state of each required and optional
// dependency of a service. Unregistered dependencies report as not running.
func (r *Resolver) CheckDependencies(name string) (DependencyStatus, error) {
	svc, err := r.reg.Get(name)
	if err != nil {
		return DependencyStatus{}, err
	}

	status := DependencyStatus{
		Required: make(map[string]bool, len(svc.Dependencies)),
		Optional: make(map[string]bool, len(svc.OptionalDependencies)),
	}
	for _, dep := range svc.Dependencies {
		status.Required[dep] = r.isRunning(dep)
	}
	for _, dep := range svc.OptionalDependencies {
		status.Optional[dep] = r.isRunning(dep)
	}
	return status, nil
}

// CanStart reports whether every required dependency of the service is
// RUNNING. An unregistered dependency counts as not satisfiable.
func (r *Resolver) CanStart(name string) (bool, error) {
	status, err := r.CheckDependencies(name)
	if err != nil {
		return false, err
	}
	return status.Satisfied(), nil
}

// UnsatisfiedDependencies lists the required dependencies of a service that
// are not currently RUNNING, sorted by name.
func (r *Resolver) UnsatisfiedDependencies(name string) ([]string, error) {
	status, err := r.CheckDependencies(name)
	if err != nil {
		return nil, err
	}
	var out []string
	for dep, running := range status.Required {
		if !running {
			out = append(out, dep)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (r *Resolver) isRunning(name string) bool {
	running, err := r.reg.IsRunning(name)
	if err != nil {
		return false
	}
	return running
}

// cyclePath trims the visit stack to the portion forming the cycle and closes
// it with a repeat of the entry node.
func cyclePath(stack []string, repeat string) []string {
	for i, name := range stack {
		if name == repeat {
			cycle := append([]string(nil), stack[i:]...)
			return append(cycle, repeat)
		}
	}
	return append(append([]string(nil), stack...), repeat)
}
