package executor

import (
	"context"

	"github.com/taskmesh/taskmesh/internal/eventbus"
	"github.com/taskmesh/taskmesh/internal/observability"
	"github.com/taskmesh/taskmesh/pkg/models"
)

// NodeEvent is the payload of a subtask state transition.
type NodeEvent struct {
	NodeID   string            `json:"node_id"`
	From     models.NodeStatus `json:"from"`
	To       models.NodeStatus `json:"to"`
	WorkerID string            `json:"worker_id,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// TaskEvent is the payload of a task state transition.
type TaskEvent struct {
	Status models.TaskStatus `json:"status"`
	Error  string            `json:"error,omitempty"`
}

// WorkerEvent is the payload of a worker status change. Worker events
// are fleet-wide: they carry no task id and reach only firehose
// subscribers.
type WorkerEvent struct {
	WorkerID string              `json:"worker_id"`
	Name     string              `json:"name,omitempty"`
	Status   models.WorkerStatus `json:"status"`
}

// CheckpointEvent is the payload of a checkpoint being raised or
// resolved.
type CheckpointEvent struct {
	Checkpoint models.Checkpoint `json:"checkpoint"`
}

// EvaluationEvent is the payload of a completed evaluation.
type EvaluationEvent struct {
	Evaluation models.Evaluation `json:"evaluation"`
}

// ResyncSnapshot is the full-state payload delivered to a subscriber on
// connect, covering anything missed while disconnected.
type ResyncSnapshot struct {
	Task              models.Task        `json:"task"`
	Nodes             []models.Node      `json:"nodes"`
	PendingCheckpoint *models.Checkpoint `json:"pending_checkpoint,omitempty"`
}

// transitionNode applies a node state change, publishes it, and persists
// the node. Caller must hold the owning runtime's lock.
func (ex *Executor) transitionNode(ctx context.Context, n *models.Node, to models.NodeStatus) {
	from := n.Status
	n.Status = to
	observability.NodeTransitions.WithLabelValues(string(to)).Inc()
	ex.bus.Publish(n.TaskID, eventbus.EventNodeTransition, NodeEvent{
		NodeID:   n.ID,
		From:     from,
		To:       to,
		WorkerID: n.AssignedTo,
		Error:    n.Error,
	})
	ex.persistNode(ctx, n)
}

// transitionTask applies a task state change, publishes it, and persists
// the task. Caller must hold the owning runtime's lock.
func (ex *Executor) transitionTask(ctx context.Context, t *models.Task, to models.TaskStatus) {
	t.Status = to
	if to.Terminal() {
		now := ex.now()
		t.CompletedAt = &now
		observability.TasksFinished.WithLabelValues(string(to)).Inc()
	}
	ex.bus.Publish(t.ID, eventbus.EventTaskTransition, TaskEvent{Status: to, Error: t.Error})
	ex.persistTask(ctx, t)
}
