package models

import "time"

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task has been accepted but no
	// subtask has been dispatched yet.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusRunning indicates at least one subtask has been dispatched.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusPaused indicates a checkpoint is awaiting a human decision.
	TaskStatusPaused TaskStatus = "paused"
	// TaskStatusCompleted indicates every reachable subtask succeeded.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates a required subtask is blocked with no
	// alternate path to completion.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusCancelled indicates the task was cancelled.
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusPaused,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if the status permits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// CheckpointFrequency controls how often human checkpoints are raised
// during a task's execution.
type CheckpointFrequency string

const (
	// FrequencyLow raises a checkpoint only immediately before the task's
	// terminal subtask.
	FrequencyLow CheckpointFrequency = "low"
	// FrequencyMedium raises a checkpoint after every k completed
	// subtasks (k is configurable, default 3).
	FrequencyMedium CheckpointFrequency = "medium"
	// FrequencyHigh raises a checkpoint after every completed subtask.
	FrequencyHigh CheckpointFrequency = "high"
)

// Valid returns true if the frequency is a known value.
func (f CheckpointFrequency) Valid() bool {
	switch f {
	case FrequencyLow, FrequencyMedium, FrequencyHigh:
		return true
	default:
		return false
	}
}

// PrivacyLevel controls which workers a task's subtasks may run on.
type PrivacyLevel string

const (
	// PrivacyStandard allows any capable worker.
	PrivacyStandard PrivacyLevel = "standard"
	// PrivacySensitive restricts subtasks to workers that can run fully
	// local tools.
	PrivacySensitive PrivacyLevel = "sensitive"
)

// Valid returns true if the privacy level is a known value.
func (p PrivacyLevel) Valid() bool {
	return p == PrivacyStandard || p == PrivacySensitive
}

// Task represents a submitted unit of work decomposed into a DAG of
// subtasks. Decomposition happens upstream; the orchestration core only
// accepts a validated graph.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// Description is the human-readable goal of the task.
	Description string `json:"description"`
	// CheckpointFrequency controls how often human checkpoints fire.
	CheckpointFrequency CheckpointFrequency `json:"checkpoint_frequency"`
	// Privacy is the privacy level constraining worker eligibility.
	Privacy PrivacyLevel `json:"privacy_level"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status"`
	// CreatedAt is when the task was accepted.
	CreatedAt time.Time `json:"created_at"`
	// CompletedAt is when the task reached a terminal state, if it has.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// Error contains the failure reason if the task failed.
	Error string `json:"error,omitempty"`
}
