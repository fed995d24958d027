package executor

import (
	"context"

	"github.com/taskmesh/taskmesh/pkg/models"
)

// Assignment is what a worker receives when it polls for work, or a
// cancellation notice for work it was already given.
type Assignment struct {
	// NodeID is the subtask to execute, or to stop executing when
	// Cancelled is set.
	NodeID string `json:"node_id"`
	// TaskID is the owning task.
	TaskID string `json:"task_id"`
	// Title is the subtask's short description.
	Title string `json:"title,omitempty"`
	// Tool is the capability to invoke.
	Tool string `json:"tool"`
	// Type classifies the work.
	Type models.NodeType `json:"type"`
	// Context is the origin output a fix subtask revises.
	Context string `json:"context,omitempty"`
	// Guidance carries human correction notes, if any.
	Guidance string `json:"guidance,omitempty"`
	// PriorAttempt preserves context from an interrupted attempt.
	PriorAttempt string `json:"prior_attempt,omitempty"`
	// Cancelled tells the worker to abandon the named subtask.
	Cancelled bool `json:"cancelled,omitempty"`
}

// assignmentForLocked builds the delivery payload for an assigned node.
// Caller must hold the runtime's lock.
func (ex *Executor) assignmentForLocked(rt *taskRuntime, node *models.Node) Assignment {
	a := Assignment{
		NodeID:       node.ID,
		TaskID:       node.TaskID,
		Title:        node.Title,
		Tool:         node.Tool,
		Type:         node.Type,
		Guidance:     node.Guidance,
		PriorAttempt: node.PriorAttempt,
	}
	if node.FixOf != "" {
		if origin := rt.graph.Node(node.FixOf); origin != nil {
			a.Context = origin.Output
		}
	}
	return a
}

// mailbox returns the worker's assignment channel, creating it on first
// use. The channel is buffered so scheduling never blocks on a worker
// that is not currently polling.
func (ex *Executor) mailbox(workerID string) chan Assignment {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	ch, ok := ex.mailboxes[workerID]
	if !ok {
		ch = make(chan Assignment, 8)
		ex.mailboxes[workerID] = ch
	}
	return ch
}

// deliver queues an assignment for the worker. A full mailbox drops the
// message; the liveness sweep will requeue any assignment the worker
// never picked up once it goes offline.
func (ex *Executor) deliver(workerID string, a Assignment) {
	select {
	case ex.mailbox(workerID) <- a:
	default:
	}
}

// ClaimAssignment blocks until an assignment (or cancellation notice)
// is available for the worker, or until the context expires. Claiming a
// work assignment transitions the subtask to running; stale entries for
// subtasks that were requeued while waiting are discarded.
func (ex *Executor) ClaimAssignment(ctx context.Context, workerID string) (Assignment, error) {
	box := ex.mailbox(workerID)

	for {
		select {
		case <-ctx.Done():
			return Assignment{}, ctx.Err()
		case a := <-box:
			if a.Cancelled {
				return a, nil
			}

			rt, err := ex.runtimeForNode(a.NodeID)
			if err != nil {
				continue
			}

			rt.mu.Lock()
			node := rt.graph.Node(a.NodeID)
			if node == nil || node.Status != models.NodeStatusAssigned || node.AssignedTo != workerID {
				rt.mu.Unlock()
				continue
			}
			ex.transitionNode(ctx, node, models.NodeStatusRunning)
			rt.mu.Unlock()

			return a, nil
		}
	}
}
