// Package executor drives DAG-ordered execution of submitted tasks:
// node state transitions, dependency readiness, retries with backoff,
// allocation of ready subtasks to workers, and application of the
// checkpoint gate's outcomes.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/internal/allocator"
	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/eventbus"
	"github.com/taskmesh/taskmesh/internal/gate"
	"github.com/taskmesh/taskmesh/internal/graph"
	"github.com/taskmesh/taskmesh/internal/observability"
	"github.com/taskmesh/taskmesh/internal/registry"
	"github.com/taskmesh/taskmesh/pkg/models"
)

// ErrUnknownTask indicates the task id is not registered.
var ErrUnknownTask = errors.New("unknown task")

// ErrUnknownNode indicates the subtask id is not registered.
var ErrUnknownNode = errors.New("unknown subtask")

// ErrTaskTerminal indicates the operation targets a task that already
// reached a terminal state.
var ErrTaskTerminal = errors.New("task is terminal")

// Persister is the durability hook the executor writes through. All
// writes are best-effort from the executor's point of view: a failed
// write is logged and execution continues from in-memory state.
type Persister interface {
	SaveTask(ctx context.Context, t *models.Task) error
	SaveNode(ctx context.Context, n *models.Node) error
	SaveCheckpoint(ctx context.Context, cp *models.Checkpoint) error
	SaveEvaluation(ctx context.Context, ev *models.Evaluation) error
}

// taskRuntime is the in-memory execution state of one task.
type taskRuntime struct {
	mu    sync.Mutex
	task  *models.Task
	graph *graph.TaskGraph
	// checkpointNodes maps a checkpoint id to the human-checkpoint node
	// that raised it, so approval can complete the node.
	checkpointNodes map[string]string
}

// Executor coordinates all running tasks over a shared worker pool.
// Mutations are serialized per task; scheduling scans tasks in id order
// on a periodic tick.
type Executor struct {
	registry *registry.Registry
	alloc    *allocator.Allocator
	gate     *gate.Gate
	bus      *eventbus.Bus
	store    Persister

	now func() time.Time

	cfgMu sync.RWMutex
	sched config.SchedulerConfig

	mu sync.RWMutex
	// tasks maps task id to its runtime.
	tasks map[string]*taskRuntime
	// nodeTask maps node id to owning task id.
	nodeTask map[string]string
	// mailboxes holds the per-worker assignment delivery channel.
	mailboxes map[string]chan Assignment
}

// New creates an Executor. The store may be nil for fully in-memory
// operation (tests). The executor registers itself as the registry's
// offline handler to requeue subtasks held by crashed workers.
func New(reg *registry.Registry, alloc *allocator.Allocator, g *gate.Gate, bus *eventbus.Bus, store Persister, sched config.SchedulerConfig) *Executor {
	ex := &Executor{
		registry:  reg,
		alloc:     alloc,
		gate:      g,
		bus:       bus,
		store:     store,
		now:       time.Now,
		sched:     sched,
		tasks:     make(map[string]*taskRuntime),
		nodeTask:  make(map[string]string),
		mailboxes: make(map[string]chan Assignment),
	}
	reg.SetOfflineHandler(ex.handleWorkerOffline)
	bus.SetSnapshotProvider(ex.Snapshot)
	return ex
}

// SetClock replaces the executor's time source. Test hook.
func (ex *Executor) SetClock(now func() time.Time) {
	ex.now = now
}

// SetSchedulerConfig swaps retry and tick settings. Used by config hot
// reload; in-flight backoff windows keep their already computed deadlines.
func (ex *Executor) SetSchedulerConfig(cfg config.SchedulerConfig) {
	ex.cfgMu.Lock()
	defer ex.cfgMu.Unlock()
	ex.sched = cfg
}

func (ex *Executor) schedulerConfig() config.SchedulerConfig {
	ex.cfgMu.RLock()
	defer ex.cfgMu.RUnlock()
	return ex.sched
}

// Submit accepts a task with its already decomposed subtask graph. The
// graph must be valid: acyclic with every dependency resolvable.
// Malformed graphs are rejected, never repaired.
func (ex *Executor) Submit(ctx context.Context, description string, freq models.CheckpointFrequency, privacy models.PrivacyLevel, nodes []*models.Node) (models.Task, error) {
	if description == "" {
		return models.Task{}, errors.New("description is required")
	}
	if freq == "" {
		freq = models.FrequencyMedium
	}
	if !freq.Valid() {
		return models.Task{}, fmt.Errorf("invalid checkpoint frequency %q", freq)
	}
	if privacy == "" {
		privacy = models.PrivacyStandard
	}
	if !privacy.Valid() {
		return models.Task{}, fmt.Errorf("invalid privacy level %q", privacy)
	}

	task := &models.Task{
		ID:                  uuid.New().String(),
		Description:         description,
		CheckpointFrequency: freq,
		Privacy:             privacy,
		Status:              models.TaskStatusPending,
		CreatedAt:           ex.now(),
	}

	for _, n := range nodes {
		if n.Type == "" {
			n.Type = models.NodeTypeGenerate
		}
		if !n.Type.Valid() {
			return models.Task{}, fmt.Errorf("%w: node %s has invalid type %q", graph.ErrInvalidGraph, n.ID, n.Type)
		}
		if n.CreatedAt.IsZero() {
			n.CreatedAt = task.CreatedAt
		}
	}

	g, err := graph.Build(task.ID, nodes)
	if err != nil {
		return models.Task{}, err
	}

	rt := &taskRuntime{
		task:            task,
		graph:           g,
		checkpointNodes: make(map[string]string),
	}

	ex.mu.Lock()
	ex.tasks[task.ID] = rt
	for _, n := range nodes {
		ex.nodeTask[n.ID] = task.ID
	}
	ex.mu.Unlock()

	ex.persistTask(ctx, task)
	for _, n := range nodes {
		ex.persistNode(ctx, n)
	}

	observability.TasksSubmitted.Inc()
	ex.bus.Publish(task.ID, eventbus.EventTaskTransition, TaskEvent{Status: task.Status})
	slog.Info("task accepted", "task_id", task.ID, "nodes", g.Size(),
		"checkpoint_frequency", freq, "privacy", privacy)

	return *task, nil
}

// Restore re-registers a persisted task after a coordinator restart.
// Node statuses are kept, except that assigned and running nodes return
// to ready for reallocation once workers re-register.
func (ex *Executor) Restore(task *models.Task, nodes []*models.Node) error {
	g, err := graph.Restore(task.ID, nodes)
	if err != nil {
		return fmt.Errorf("restoring task %s: %w", task.ID, err)
	}

	rt := &taskRuntime{
		task:            task,
		graph:           g,
		checkpointNodes: make(map[string]string),
	}

	ex.mu.Lock()
	ex.tasks[task.ID] = rt
	for _, n := range nodes {
		ex.nodeTask[n.ID] = task.ID
	}
	ex.mu.Unlock()

	slog.Info("task restored", "task_id", task.ID, "status", task.Status, "nodes", g.Size())
	return nil
}

// RestoreCheckpoint reattaches a restored pending checkpoint to the
// human-checkpoint node that raised it, so the eventual decision
// completes the node instead of leaving it ready to raise a duplicate.
// Checkpoints not raised by a graph node need no reattachment.
func (ex *Executor) RestoreCheckpoint(cp models.Checkpoint) {
	if cp.NodeID == "" {
		return
	}
	rt, err := ex.runtime(cp.TaskID)
	if err != nil {
		return
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.checkpointNodes[cp.ID] = cp.NodeID
}

// Task returns a snapshot of the task and its subtasks.
func (ex *Executor) Task(taskID string) (models.Task, []models.Node, error) {
	rt, err := ex.runtime(taskID)
	if err != nil {
		return models.Task{}, nil, err
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	nodes := rt.graph.Nodes()
	out := make([]models.Node, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, *n)
	}
	return *rt.task, out, nil
}

// Snapshot builds the full-state resync payload for a task's event
// stream subscribers.
func (ex *Executor) Snapshot(taskID string) (any, error) {
	task, nodes, err := ex.Task(taskID)
	if err != nil {
		return nil, err
	}

	snap := ResyncSnapshot{Task: task, Nodes: nodes}
	if cp, ok := ex.gate.Pending(taskID); ok {
		snap.PendingCheckpoint = &cp
	}
	return snap, nil
}

// runtime looks up a task's runtime.
func (ex *Executor) runtime(taskID string) (*taskRuntime, error) {
	ex.mu.RLock()
	defer ex.mu.RUnlock()

	rt, ok := ex.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	return rt, nil
}

// runtimeForNode looks up the runtime owning a node id.
func (ex *Executor) runtimeForNode(nodeID string) (*taskRuntime, error) {
	ex.mu.RLock()
	defer ex.mu.RUnlock()

	taskID, ok := ex.nodeTask[nodeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	return ex.tasks[taskID], nil
}

// runtimes returns all task runtimes sorted by task id for deterministic
// tick scans.
func (ex *Executor) runtimes() []*taskRuntime {
	ex.mu.RLock()
	defer ex.mu.RUnlock()

	out := make([]*taskRuntime, 0, len(ex.tasks))
	for _, rt := range ex.tasks {
		out = append(out, rt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].task.ID < out[j].task.ID })
	return out
}

// indexNode registers a dynamically inserted node (fix nodes).
func (ex *Executor) indexNode(nodeID, taskID string) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.nodeTask[nodeID] = taskID
}

func (ex *Executor) persistTask(ctx context.Context, t *models.Task) {
	if ex.store == nil {
		return
	}
	if err := ex.store.SaveTask(ctx, t); err != nil {
		slog.Error("persisting task failed", "task_id", t.ID, "error", err)
	}
}

func (ex *Executor) persistNode(ctx context.Context, n *models.Node) {
	if ex.store == nil {
		return
	}
	if err := ex.store.SaveNode(ctx, n); err != nil {
		slog.Error("persisting subtask failed", "node_id", n.ID, "error", err)
	}
}

func (ex *Executor) persistCheckpoint(ctx context.Context, cp *models.Checkpoint) {
	if ex.store == nil {
		return
	}
	if err := ex.store.SaveCheckpoint(ctx, cp); err != nil {
		slog.Error("persisting checkpoint failed", "checkpoint_id", cp.ID, "error", err)
	}
}

func (ex *Executor) persistEvaluation(ctx context.Context, ev *models.Evaluation) {
	if ex.store == nil {
		return
	}
	if err := ex.store.SaveEvaluation(ctx, ev); err != nil {
		slog.Error("persisting evaluation failed", "evaluation_id", ev.ID, "error", err)
	}
}
