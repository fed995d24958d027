package executor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/taskmesh/taskmesh/internal/eventbus"
	"github.com/taskmesh/taskmesh/pkg/models"
)

// Cancel aborts a task: every non-terminal subtask is cancelled and any
// worker currently executing one receives an asynchronous cancel
// notice. Results arriving after cancellation are discarded.
func (ex *Executor) Cancel(ctx context.Context, taskID string) error {
	rt, err := ex.runtime(taskID)
	if err != nil {
		return err
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.task.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTaskTerminal, taskID, rt.task.Status)
	}

	ex.cancelRemainingLocked(ctx, rt)
	ex.transitionTask(ctx, rt.task, models.TaskStatusCancelled)
	ex.gate.Forget(taskID)
	slog.Info("task cancelled", "task_id", taskID)
	return nil
}

// cancelRemainingLocked cancels every non-terminal subtask, signalling
// workers holding in-flight ones and releasing them back to the pool.
// Caller must hold the runtime's lock and sets the task status itself.
func (ex *Executor) cancelRemainingLocked(ctx context.Context, rt *taskRuntime) {
	for _, node := range rt.graph.NonTerminal() {
		if node.AssignedTo != "" {
			ex.deliver(node.AssignedTo, Assignment{
				NodeID:    node.ID,
				TaskID:    rt.task.ID,
				Cancelled: true,
			})
			ex.registry.Release(node.AssignedTo)
			node.AssignedTo = ""
		}
		now := ex.now()
		node.CompletedAt = &now
		ex.transitionNode(ctx, node, models.NodeStatusCancelled)
	}
}

// Decide records a human decision for a checkpoint and applies it to
// the paused task: approve resumes progression, correct opens fix
// subtasks for the given targets with the guidance attached, reject
// cancels all remaining work.
func (ex *Executor) Decide(ctx context.Context, checkpointID string, decision models.CheckpointDecision, guidance string, targets []string) (models.Checkpoint, error) {
	cp, err := ex.gate.Decide(checkpointID, decision, guidance)
	if err != nil {
		return models.Checkpoint{}, err
	}

	rt, rerr := ex.runtime(cp.TaskID)
	if rerr != nil {
		return models.Checkpoint{}, rerr
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	ex.persistCheckpoint(ctx, &cp)
	ex.bus.Publish(cp.TaskID, eventbus.EventCheckpointResolved, CheckpointEvent{Checkpoint: cp})
	slog.Info("checkpoint decided",
		"task_id", cp.TaskID, "checkpoint_id", cp.ID, "decision", decision)

	switch decision {
	case models.DecisionApproved:
		ex.completeCheckpointNodeLocked(ctx, rt, cp.ID)
		ex.resumeLocked(ctx, rt)

	case models.DecisionCorrected:
		ex.completeCheckpointNodeLocked(ctx, rt, cp.ID)
		for _, targetID := range targets {
			target := rt.graph.Node(targetID)
			if target == nil {
				slog.Warn("correction target not found",
					"task_id", cp.TaskID, "node_id", targetID)
				continue
			}
			fix := ex.gate.CorrectionFix(target, guidance)
			ex.insertFixLocked(ctx, rt, fix)
		}
		ex.resumeLocked(ctx, rt)

	case models.DecisionRejected:
		ex.cancelRemainingLocked(ctx, rt)
		ex.transitionTask(ctx, rt.task, models.TaskStatusCancelled)
		ex.gate.Forget(cp.TaskID)
	}

	return cp, nil
}

// completeCheckpointNodeLocked succeeds the human-checkpoint node that
// raised the checkpoint, if one did, and promotes its dependents.
// Caller must hold the runtime's lock.
func (ex *Executor) completeCheckpointNodeLocked(ctx context.Context, rt *taskRuntime, checkpointID string) {
	nodeID, ok := rt.checkpointNodes[checkpointID]
	if !ok {
		return
	}
	delete(rt.checkpointNodes, checkpointID)

	node := rt.graph.Node(nodeID)
	if node == nil || node.Status.Terminal() {
		return
	}
	now := ex.now()
	node.CompletedAt = &now
	ex.transitionNode(ctx, node, models.NodeStatusSucceeded)
	for _, id := range rt.graph.PromoteReady(nodeID) {
		ex.observePromotionLocked(ctx, rt.graph.Node(id))
	}
}

// resumeLocked returns a paused task to running and checks whether it
// already finished while paused. Caller must hold the runtime's lock.
func (ex *Executor) resumeLocked(ctx context.Context, rt *taskRuntime) {
	if rt.task.Status == models.TaskStatusPaused {
		ex.transitionTask(ctx, rt.task, models.TaskStatusRunning)
	}
	ex.checkCompletionLocked(ctx, rt)
}
