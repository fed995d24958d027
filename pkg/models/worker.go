package models

import (
	"slices"
	"time"
)

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

const (
	// WorkerStatusRegistering indicates the worker has registered but not
	// yet sent its first heartbeat.
	WorkerStatusRegistering WorkerStatus = "registering"
	// WorkerStatusIdle indicates the worker is available for assignment.
	WorkerStatusIdle WorkerStatus = "idle"
	// WorkerStatusBusy indicates the worker is executing a subtask.
	WorkerStatusBusy WorkerStatus = "busy"
	// WorkerStatusOffline indicates the worker missed its heartbeats or
	// unregistered gracefully.
	WorkerStatusOffline WorkerStatus = "offline"
)

// Valid returns true if the status is a known value.
func (s WorkerStatus) Valid() bool {
	switch s {
	case WorkerStatusRegistering, WorkerStatusIdle, WorkerStatusBusy, WorkerStatusOffline:
		return true
	default:
		return false
	}
}

// Resources is a point-in-time snapshot of a worker's resource usage.
// All values are percentages in the range 0-100.
type Resources struct {
	// CPUPercent is the current CPU utilisation.
	CPUPercent float64 `json:"cpu_percent"`
	// MemoryPercent is the current memory utilisation.
	MemoryPercent float64 `json:"memory_percent"`
	// DiskPercent is the current disk utilisation.
	DiskPercent float64 `json:"disk_percent"`
}

// Worker represents a remote worker process capable of executing subtasks
// through one or more external AI tools.
type Worker struct {
	// ID is the unique identifier for this worker.
	ID string `json:"id"`
	// MachineID identifies the host machine. Registration is idempotent
	// on this value: re-registering updates the existing record.
	MachineID string `json:"machine_id"`
	// Name is a human-readable label for the worker.
	Name string `json:"name,omitempty"`
	// Capabilities lists the tool names this worker can execute.
	Capabilities []string `json:"capabilities"`
	// Resources is the most recent resource snapshot from a heartbeat.
	Resources Resources `json:"resources"`
	// Status is the current lifecycle state of the worker.
	Status WorkerStatus `json:"status"`
	// LocalOnly indicates the worker can run fully local/offline tools
	// and is therefore eligible for sensitive tasks.
	LocalOnly bool `json:"local_only"`
	// CurrentNode is the ID of the subtask this worker is executing, if any.
	CurrentNode string `json:"current_node,omitempty"`
	// RegisteredAt is when the worker first registered. It is stable
	// across re-registrations and used as the allocation tie-breaker.
	RegisteredAt time.Time `json:"registered_at"`
	// LastHeartbeat is when the worker last reported in.
	LastHeartbeat time.Time `json:"last_heartbeat"`
	// Generation increments each time the worker transitions to offline.
	// It scopes crash recovery so an in-flight subtask is requeued at
	// most once per crash event.
	Generation int `json:"generation"`
}

// HasCapability returns true if the worker can execute the named tool.
func (w *Worker) HasCapability(tool string) bool {
	return slices.Contains(w.Capabilities, tool)
}

// Eligible returns true if the worker can be considered for a subtask
// requiring the given tool under the given privacy level. Eligibility
// does not imply availability; callers must still check status.
func (w *Worker) Eligible(tool string, privacy PrivacyLevel) bool {
	if !w.HasCapability(tool) {
		return false
	}
	if privacy == PrivacySensitive && !w.LocalOnly {
		return false
	}
	return true
}

// WorkerDescriptor is the payload a worker sends when registering.
type WorkerDescriptor struct {
	// MachineID identifies the host machine.
	MachineID string `json:"machine_id"`
	// Name is a human-readable label.
	Name string `json:"name,omitempty"`
	// Capabilities lists the tool names the worker can execute.
	Capabilities []string `json:"capabilities"`
	// LocalOnly indicates the worker can run fully local tools.
	LocalOnly bool `json:"local_only"`
}
