package executor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/taskmesh/taskmesh/internal/eventbus"
	"github.com/taskmesh/taskmesh/internal/observability"
	"github.com/taskmesh/taskmesh/pkg/models"
)

// HandleResult records a worker's report for a subtask attempt. Late
// reports for cancelled or requeued subtasks are discarded without
// mutating state; the worker is released either way.
func (ex *Executor) HandleResult(ctx context.Context, nodeID, workerID string, res models.Result) error {
	rt, err := ex.runtimeForNode(nodeID)
	if err != nil {
		return err
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	node := rt.graph.Node(nodeID)
	if node == nil {
		return fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}

	stale := rt.task.Status.Terminal() ||
		(node.Status != models.NodeStatusRunning && node.Status != models.NodeStatusAssigned) ||
		node.AssignedTo != workerID
	if stale {
		ex.registry.Release(workerID)
		slog.Debug("discarding stale result",
			"task_id", rt.task.ID, "node_id", nodeID, "worker_id", workerID,
			"node_status", node.Status)
		return nil
	}

	ex.registry.Release(workerID)

	if res.Success {
		ex.succeedLocked(ctx, rt, node, res)
	} else {
		ex.failLocked(ctx, rt, node, res)
	}
	return nil
}

// succeedLocked applies a successful result: the node succeeds, the
// gate runs, dependents are promoted, and task completion is checked.
// Caller must hold the runtime's lock.
func (ex *Executor) succeedLocked(ctx context.Context, rt *taskRuntime, node *models.Node, res models.Result) {
	now := ex.now()
	node.Output = res.Output
	node.Error = ""
	node.PriorAttempt = ""
	node.AssignedTo = ""
	node.CompletedAt = &now
	ex.transitionNode(ctx, node, models.NodeStatusSucceeded)

	out := ex.gate.AfterSuccess(ctx, rt.task, node, rt.graph.OnlySinksRemain())

	if out.Evaluation != nil {
		node.EvaluationID = out.Evaluation.ID
		observability.EvaluationAggregate.Observe(out.Evaluation.Aggregate)
		ex.persistEvaluation(ctx, out.Evaluation)
		ex.persistNode(ctx, node)
		ex.bus.Publish(rt.task.ID, eventbus.EventEvaluation, EvaluationEvent{Evaluation: *out.Evaluation})
	}

	if out.FixNode != nil {
		ex.insertFixLocked(ctx, rt, out.FixNode)
	}

	if out.Checkpoint != nil {
		ex.applyCheckpointLocked(ctx, rt, out.Checkpoint)
	}

	for _, id := range rt.graph.PromoteReady(node.ID) {
		promoted := rt.graph.Node(id)
		ex.observePromotionLocked(ctx, promoted)
	}

	ex.checkCompletionLocked(ctx, rt)
}

// observePromotionLocked publishes and persists a pending-to-ready
// promotion already applied by the graph. Caller must hold the
// runtime's lock.
func (ex *Executor) observePromotionLocked(ctx context.Context, node *models.Node) {
	observability.NodeTransitions.WithLabelValues(string(models.NodeStatusReady)).Inc()
	ex.bus.Publish(node.TaskID, eventbus.EventNodeTransition, NodeEvent{
		NodeID: node.ID,
		From:   models.NodeStatusPending,
		To:     models.NodeStatusReady,
	})
	ex.persistNode(ctx, node)
}

// insertFixLocked wires a gate-created fix node into the task's graph.
// Caller must hold the runtime's lock.
func (ex *Executor) insertFixLocked(ctx context.Context, rt *taskRuntime, fix *models.Node) {
	rewired, err := rt.graph.InsertFixNode(fix)
	if err != nil {
		slog.Error("inserting fix node failed",
			"task_id", rt.task.ID, "fix_of", fix.FixOf, "error", err)
		return
	}
	ex.indexNode(fix.ID, rt.task.ID)
	ex.persistNode(ctx, fix)
	// The rewired dependents carry a new dependency edge and possibly a
	// ready-to-pending demotion; both must survive a restart.
	for _, dep := range rewired {
		ex.persistNode(ctx, dep)
	}
	ex.bus.Publish(rt.task.ID, eventbus.EventNodeTransition, NodeEvent{
		NodeID: fix.ID,
		To:     models.NodeStatusReady,
	})
	slog.Info("fix subtask opened",
		"task_id", rt.task.ID, "node_id", fix.ID, "fix_of", fix.FixOf)
}

// failLocked applies a failed result: the node retries with backoff
// while attempts remain, otherwise it blocks and the task fails. Caller
// must hold the runtime's lock.
func (ex *Executor) failLocked(ctx context.Context, rt *taskRuntime, node *models.Node, res models.Result) {
	sched := ex.schedulerConfig()

	node.Error = res.Error
	node.AssignedTo = ""
	ex.transitionNode(ctx, node, models.NodeStatusFailed)

	// RetryCount counts retries consumed, so it caps at the configured
	// maximum rather than the maximum plus the final failed attempt.
	if node.RetryCount < sched.MaxRetries {
		node.RetryCount++
		delay := sched.BackoffFor(node.RetryCount)
		node.NotBefore = ex.now().Add(delay)
		ex.transitionNode(ctx, node, models.NodeStatusReady)
		slog.Warn("subtask failed, will retry",
			"task_id", rt.task.ID, "node_id", node.ID,
			"retry", node.RetryCount, "backoff", delay, "error", res.Error)
		return
	}

	now := ex.now()
	node.CompletedAt = &now
	ex.transitionNode(ctx, node, models.NodeStatusBlocked)
	slog.Error("subtask blocked, retries exhausted",
		"task_id", rt.task.ID, "node_id", node.ID, "error", res.Error)

	// A blocked node has no alternate route: every path to completion
	// requires all nodes, so the task fails and remaining work stops.
	rt.task.Error = fmt.Sprintf("subtask %s blocked after %d attempts: %s", node.ID, node.RetryCount+1, res.Error)
	ex.cancelRemainingLocked(ctx, rt)
	ex.transitionTask(ctx, rt.task, models.TaskStatusFailed)
	ex.gate.Forget(rt.task.ID)
}

// checkCompletionLocked completes the task once every node has
// succeeded. A paused task is not completed until its checkpoint is
// decided. Caller must hold the runtime's lock.
func (ex *Executor) checkCompletionLocked(ctx context.Context, rt *taskRuntime) {
	if rt.task.Status.Terminal() || rt.task.Status == models.TaskStatusPaused {
		return
	}
	if !rt.graph.AllSucceeded() {
		return
	}
	ex.transitionTask(ctx, rt.task, models.TaskStatusCompleted)
	ex.gate.Forget(rt.task.ID)
	slog.Info("task completed", "task_id", rt.task.ID)
}

// handleWorkerOffline is the registry's offline callback. The worker's
// in-flight subtask, if any, returns to ready with its attempt context
// preserved. The registry fires this exactly once per crash event, so a
// subtask is never requeued twice for one crash.
func (ex *Executor) handleWorkerOffline(w models.Worker) {
	ctx := context.Background()
	ex.bus.Publish("", eventbus.EventWorkerStatus, WorkerEvent{
		WorkerID: w.ID, Name: w.Name, Status: models.WorkerStatusOffline,
	})

	if w.CurrentNode == "" {
		return
	}

	rt, err := ex.runtimeForNode(w.CurrentNode)
	if err != nil {
		return
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	node := rt.graph.Node(w.CurrentNode)
	if node == nil || node.AssignedTo != w.ID {
		return
	}
	if node.Status != models.NodeStatusAssigned && node.Status != models.NodeStatusRunning {
		return
	}

	node.AssignedTo = ""
	node.PriorAttempt = fmt.Sprintf("previous attempt interrupted: worker %s went offline", w.ID)
	ex.transitionNode(ctx, node, models.NodeStatusReady)
	slog.Warn("subtask requeued after worker went offline",
		"task_id", rt.task.ID, "node_id", node.ID, "worker_id", w.ID)
}
