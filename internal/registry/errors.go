package registry

import "fmt"

// AlreadyRegisteredError reports a duplicate service registration.
type AlreadyRegisteredError struct {
	Name string
}

func (e *AlreadyRegisteredError) Error() string {
	return fmt.Sprintf("service %q is already registered", e.Name)
}

// NotRegisteredError reports an operation against an unknown service name.
type NotRegisteredError struct {
	Name string
}

func (e *NotRegisteredError) Error() string {
	return fmt.Sprintf("service %q is not registered", e.Name)
}
