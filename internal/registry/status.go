package registry

// Status represents the lifecycle state of a service.
type Status string

const (
	StatusRegistered Status = "REGISTERED"
	StatusStarting   Status = "STARTING"
	StatusRunning    Status = "RUNNING"
	StatusStopping   Status = "STOPPING"
	StatusStopped    Status = "STOPPED"
	StatusError      Status = "ERROR"
)
