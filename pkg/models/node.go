package models

import "time"

// NodeStatus represents the current state of a subtask node.
type NodeStatus string

const (
	// NodeStatusPending indicates the node has unmet dependencies.
	NodeStatusPending NodeStatus = "pending"
	// NodeStatusReady indicates every dependency succeeded and the node
	// awaits allocation.
	NodeStatusReady NodeStatus = "ready"
	// NodeStatusAssigned indicates a worker has been selected but has not
	// yet started executing.
	NodeStatusAssigned NodeStatus = "assigned"
	// NodeStatusRunning indicates the assigned worker is executing.
	NodeStatusRunning NodeStatus = "running"
	// NodeStatusSucceeded indicates the node completed successfully.
	NodeStatusSucceeded NodeStatus = "succeeded"
	// NodeStatusFailed indicates the most recent attempt failed. Failed
	// nodes return to ready after a backoff while retries remain.
	NodeStatusFailed NodeStatus = "failed"
	// NodeStatusBlocked indicates the node exhausted its retries.
	NodeStatusBlocked NodeStatus = "blocked"
	// NodeStatusCancelled indicates the node's task was cancelled or a
	// checkpoint rejection cancelled remaining work.
	NodeStatusCancelled NodeStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s NodeStatus) Valid() bool {
	switch s {
	case NodeStatusPending, NodeStatusReady, NodeStatusAssigned, NodeStatusRunning,
		NodeStatusSucceeded, NodeStatusFailed, NodeStatusBlocked, NodeStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if the status permits no further transitions.
// Failed is not terminal: it loops back to ready until retries run out.
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeStatusSucceeded, NodeStatusBlocked, NodeStatusCancelled:
		return true
	default:
		return false
	}
}

// NodeType classifies the kind of work a subtask performs.
type NodeType string

const (
	// NodeTypeGenerate produces new output (code, text, artifacts).
	NodeTypeGenerate NodeType = "generate"
	// NodeTypeReview reviews a prior node's output.
	NodeTypeReview NodeType = "review"
	// NodeTypeTest exercises a prior node's output.
	NodeTypeTest NodeType = "test"
	// NodeTypeFix revises a prior node's output, either from a failed
	// evaluation or from human correction guidance.
	NodeTypeFix NodeType = "fix"
	// NodeTypeHumanCheckpoint marks an explicit human-review point in the
	// submitted graph.
	NodeTypeHumanCheckpoint NodeType = "human_checkpoint"
)

// Valid returns true if the node type is a known value.
func (t NodeType) Valid() bool {
	switch t {
	case NodeTypeGenerate, NodeTypeReview, NodeTypeTest, NodeTypeFix, NodeTypeHumanCheckpoint:
		return true
	default:
		return false
	}
}

// Node represents a single subtask in a task's dependency graph. A node
// is executed by exactly one worker invocation per attempt.
type Node struct {
	// ID is the unique identifier for this node.
	ID string `json:"id"`
	// TaskID is the ID of the task this node belongs to.
	TaskID string `json:"task_id"`
	// Title is a short description of the subtask.
	Title string `json:"title,omitempty"`
	// Tool is the capability a worker must have to execute this node.
	Tool string `json:"tool"`
	// Type classifies the subtask.
	Type NodeType `json:"type"`
	// DependsOn lists node IDs that must succeed before this node is ready.
	DependsOn []string `json:"depends_on,omitempty"`
	// Status is the current state of the node.
	Status NodeStatus `json:"status"`
	// AssignedTo is the ID of the worker holding this node, if any.
	AssignedTo string `json:"assigned_to,omitempty"`
	// RetryCount is the number of retries consumed so far. It never
	// exceeds the scheduler's retry maximum: the final failed attempt
	// blocks the node instead of consuming another retry.
	RetryCount int `json:"retry_count"`
	// NotBefore delays re-allocation after a failure. The scheduling tick
	// skips the node until this time has passed.
	NotBefore time.Time `json:"not_before,omitempty"`
	// Output is the result payload from the last successful attempt.
	Output string `json:"output,omitempty"`
	// EvaluationID references the evaluation of this node's output, if any.
	EvaluationID string `json:"evaluation_id,omitempty"`
	// Error contains the most recent failure message.
	Error string `json:"error,omitempty"`
	// FixOf is the ID of the node whose output this fix node revises.
	FixOf string `json:"fix_of,omitempty"`
	// Guidance carries human correction notes for fix nodes.
	Guidance string `json:"guidance,omitempty"`
	// PriorAttempt preserves context from an attempt interrupted by a
	// worker crash, for the next allocation.
	PriorAttempt string `json:"prior_attempt,omitempty"`
	// CreatedAt is when the node was created.
	CreatedAt time.Time `json:"created_at"`
	// CompletedAt is when the node reached a terminal state, if it has.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Result is the outcome a worker reports for a subtask attempt.
type Result struct {
	// Success indicates whether the tool invocation succeeded.
	Success bool `json:"success"`
	// Output is the produced payload on success.
	Output string `json:"output,omitempty"`
	// Error is the failure message on failure.
	Error string `json:"error,omitempty"`
	// Metadata carries tool-specific details (model, duration, tokens).
	Metadata map[string]string `json:"metadata,omitempty"`
}
