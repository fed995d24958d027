package executor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/taskmesh/taskmesh/internal/allocator"
	"github.com/taskmesh/taskmesh/internal/eventbus"
	"github.com/taskmesh/taskmesh/internal/observability"
	"github.com/taskmesh/taskmesh/pkg/models"
)

// Run drives the scheduling tick until the context is cancelled.
func (ex *Executor) Run(ctx context.Context) error {
	interval := ex.schedulerConfig().TickInterval
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			ex.Tick(ctx)
		}
	}
}

// Tick scans every task's ready subtasks and dispatches them to workers.
// Tasks are visited in id order; paused and terminal tasks are skipped.
// A subtask with no eligible worker stays ready and is retried on the
// next tick. Independent branches dispatch within the same tick, bounded
// only by the number of eligible idle workers.
func (ex *Executor) Tick(ctx context.Context) {
	now := ex.now()

	for _, rt := range ex.runtimes() {
		rt.mu.Lock()
		if rt.task.Status.Terminal() || rt.task.Status == models.TaskStatusPaused {
			rt.mu.Unlock()
			continue
		}

		for _, node := range rt.graph.Ready(now) {
			if node.Type == models.NodeTypeHumanCheckpoint {
				ex.raiseRequestedCheckpointLocked(ctx, rt, node)
				break
			}
			ex.dispatchLocked(ctx, rt, node)
			if rt.task.Status == models.TaskStatusPaused {
				break
			}
		}
		rt.mu.Unlock()
	}
}

// dispatchLocked allocates one ready subtask. The assignment is a
// paired conditional update: the worker must still be idle and the node
// must still be ready at the moment of the swap, so two concurrent
// ticks can never both win the same subtask or the same worker. Caller
// must hold the runtime's lock.
func (ex *Executor) dispatchLocked(ctx context.Context, rt *taskRuntime, node *models.Node) {
	worker, err := ex.alloc.Pick(node, rt.task.Privacy)
	if err != nil {
		if errors.Is(err, allocator.ErrNoEligibleWorker) {
			observability.Assignments.WithLabelValues("no_worker").Inc()
			return
		}
		slog.Error("allocation failed", "node_id", node.ID, "error", err)
		return
	}

	if node.Status != models.NodeStatusReady {
		return
	}
	if !ex.registry.TryAcquire(worker.ID, node.ID) {
		// Lost the worker to a concurrent acquisition. The node stays
		// ready for the next tick.
		observability.Assignments.WithLabelValues("lost_race").Inc()
		return
	}

	node.AssignedTo = worker.ID
	ex.transitionNode(ctx, node, models.NodeStatusAssigned)
	observability.Assignments.WithLabelValues("assigned").Inc()

	if rt.task.Status == models.TaskStatusPending {
		ex.transitionTask(ctx, rt.task, models.TaskStatusRunning)
	}

	ex.deliver(worker.ID, ex.assignmentForLocked(rt, node))
	slog.Info("subtask assigned",
		"task_id", rt.task.ID, "node_id", node.ID, "worker_id", worker.ID, "tool", node.Tool)
}

// raiseRequestedCheckpointLocked handles a human-checkpoint node from
// the submitted graph: it pauses the task until the decision arrives.
// The node itself succeeds on approval. Caller must hold the runtime's
// lock.
func (ex *Executor) raiseRequestedCheckpointLocked(ctx context.Context, rt *taskRuntime, node *models.Node) {
	cp := ex.gate.Raise(rt.task.ID, models.ReasonRequested)
	if cp == nil {
		return
	}
	// The node id is recorded on the checkpoint itself before it is
	// persisted, so the mapping survives a coordinator restart.
	cp.NodeID = node.ID
	rt.checkpointNodes[cp.ID] = node.ID
	ex.applyCheckpointLocked(ctx, rt, cp)
}

// applyCheckpointLocked pauses the task for a raised checkpoint. Caller
// must hold the runtime's lock.
func (ex *Executor) applyCheckpointLocked(ctx context.Context, rt *taskRuntime, cp *models.Checkpoint) {
	observability.CheckpointsRaised.WithLabelValues(string(cp.Reason)).Inc()
	ex.persistCheckpoint(ctx, cp)
	ex.bus.Publish(rt.task.ID, eventbus.EventCheckpointRaised, CheckpointEvent{Checkpoint: *cp})
	if rt.task.Status != models.TaskStatusPaused {
		ex.transitionTask(ctx, rt.task, models.TaskStatusPaused)
	}
	slog.Info("checkpoint raised",
		"task_id", rt.task.ID, "checkpoint_id", cp.ID, "reason", cp.Reason)
}
