// Package gate runs the checkpoint and evaluation stage after subtask
// completion. It scores output, opens automatic fix nodes for
// sub-threshold results, and raises human checkpoints according to each
// task's checkpoint frequency and to critical findings.
package gate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/pkg/models"
)

// Outcome is what the gate decided after one subtask success. The
// executor applies it: records the evaluation, inserts the fix node into
// the task's graph, and pauses the task while the checkpoint is pending.
type Outcome struct {
	// Evaluation is the scored result, nil when scoring was skipped.
	Evaluation *models.Evaluation
	// FixNode is a new automatic revision node, nil when none is needed.
	FixNode *models.Node
	// Checkpoint pauses the task for human review, nil when none fired.
	Checkpoint *models.Checkpoint
}

// taskState is the gate's per-task bookkeeping.
type taskState struct {
	// completions counts succeeded subtasks, driving the frequency
	// schedule.
	completions int
	// recent lists subtask ids completed since the last checkpoint.
	recent []string
	// preTerminalFired is set once the low-frequency pre-terminal
	// checkpoint has been raised.
	preTerminalFired bool
	// pending is the id of the undecided checkpoint, empty when none.
	pending string
}

// Gate evaluates completed subtasks and raises human checkpoints. A
// task with a pending checkpoint is paused: the executor stops
// allocating its subtasks until a decision is recorded.
type Gate struct {
	scorer Scorer
	now    func() time.Time

	mu  sync.Mutex
	cfg config.GateConfig
	// tasks holds per-task frequency and pause bookkeeping.
	tasks map[string]*taskState
	// fixCycles counts automatic fixes per origin subtask.
	fixCycles map[string]int
	// rootOf maps a fix node id to the original subtask it revises, so
	// fix-of-fix chains share one cycle budget.
	rootOf map[string]string
	// checkpoints holds every raised checkpoint by id.
	checkpoints map[string]*models.Checkpoint
}

// New creates a Gate with the given configuration. The scorer may be
// nil, in which case every evaluation is skipped.
func New(cfg config.GateConfig, scorer Scorer) *Gate {
	if scorer == nil {
		scorer = ScorerFunc(neverScore)
	}
	return &Gate{
		scorer:      scorer,
		now:         time.Now,
		cfg:         cfg,
		tasks:       make(map[string]*taskState),
		fixCycles:   make(map[string]int),
		rootOf:      make(map[string]string),
		checkpoints: make(map[string]*models.Checkpoint),
	}
}

// SetClock replaces the gate's time source. Test hook.
func (g *Gate) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}

// Config returns the current gate configuration.
func (g *Gate) Config() config.GateConfig {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg
}

// SetConfig replaces thresholds and weights. Safe during operation;
// used by config hot reload.
func (g *Gate) SetConfig(cfg config.GateConfig) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg = cfg
}

// AfterSuccess runs the gate for one subtask that just succeeded.
// onlySinksRemain reports whether the task has reached its terminal
// work, which is when the low checkpoint frequency fires. The returned
// Outcome carries at most one checkpoint; when several triggers fire at
// once the most severe reason wins.
func (g *Gate) AfterSuccess(ctx context.Context, task *models.Task, node *models.Node, onlySinksRemain bool) Outcome {
	var out Outcome

	if node.Type != models.NodeTypeHumanCheckpoint {
		out.Evaluation = g.evaluate(ctx, node)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	ts := g.taskStateLocked(task.ID)
	ts.completions++
	ts.recent = append(ts.recent, node.ID)

	var reason models.CheckpointReason
	haveReason := false

	if out.Evaluation != nil && !out.Evaluation.Passed {
		origin := g.originLocked(node)
		if g.fixCycles[origin] < g.cfg.MaxFixCycles {
			g.fixCycles[origin]++
			out.FixNode = g.fixNodeLocked(node, "")
		} else {
			reason, haveReason = models.ReasonFixLimit, true
		}
	}

	// Critical security findings raise a checkpoint regardless of the
	// frequency schedule and regardless of the aggregate passing.
	if out.Evaluation != nil && out.Evaluation.Scores.Security < g.cfg.CriticalSecurityThreshold {
		reason, haveReason = models.ReasonCriticalSecurity, true
	}

	if !haveReason {
		if r, fired := g.frequencyTriggerLocked(task, ts, onlySinksRemain); fired {
			reason, haveReason = r, true
		}
	}

	if haveReason && ts.pending == "" {
		out.Checkpoint = g.raiseLocked(task.ID, reason, ts)
	}

	return out
}

// frequencyTriggerLocked applies the task's checkpoint frequency to the
// completion counter. Caller must hold the lock.
func (g *Gate) frequencyTriggerLocked(task *models.Task, ts *taskState, onlySinksRemain bool) (models.CheckpointReason, bool) {
	switch task.CheckpointFrequency {
	case models.FrequencyHigh:
		return models.ReasonFrequency, true
	case models.FrequencyMedium:
		k := g.cfg.MediumInterval
		if k <= 0 {
			k = 3
		}
		if ts.completions%k == 0 {
			return models.ReasonFrequency, true
		}
	case models.FrequencyLow:
		if onlySinksRemain && !ts.preTerminalFired {
			ts.preTerminalFired = true
			return models.ReasonPreTerminal, true
		}
	}
	return "", false
}

// Raise creates a checkpoint outside the evaluation path. The executor
// uses it when a human-checkpoint node from the submitted graph becomes
// ready. Returns nil if the task already has a pending checkpoint.
func (g *Gate) Raise(taskID string, reason models.CheckpointReason) *models.Checkpoint {
	g.mu.Lock()
	defer g.mu.Unlock()

	ts := g.taskStateLocked(taskID)
	if ts.pending != "" {
		return nil
	}
	return g.raiseLocked(taskID, reason, ts)
}

// raiseLocked creates and registers a pending checkpoint, snapshotting
// and clearing the recently completed subtask list. Caller must hold the
// lock.
func (g *Gate) raiseLocked(taskID string, reason models.CheckpointReason, ts *taskState) *models.Checkpoint {
	cp := &models.Checkpoint{
		ID:             uuid.New().String(),
		TaskID:         taskID,
		Reason:         reason,
		CompletedNodes: append([]string(nil), ts.recent...),
		Decision:       models.DecisionPending,
		CreatedAt:      g.now(),
	}
	ts.recent = nil
	ts.pending = cp.ID
	g.checkpoints[cp.ID] = cp
	return cp
}

// CorrectionFix builds a fix node from human correction guidance. Human
// corrections do not consume the automatic fix-cycle budget.
func (g *Gate) CorrectionFix(target *models.Node, guidance string) *models.Node {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fixNodeLocked(target, guidance)
}

// fixNodeLocked builds a revision node targeting the given subtask and
// records its root origin. Caller must hold the lock.
func (g *Gate) fixNodeLocked(target *models.Node, guidance string) *models.Node {
	fix := &models.Node{
		ID:        uuid.New().String(),
		TaskID:    target.TaskID,
		Title:     fmt.Sprintf("Revise: %s", target.Title),
		Tool:      target.Tool,
		Type:      models.NodeTypeFix,
		FixOf:     target.ID,
		Guidance:  guidance,
		CreatedAt: g.now(),
	}
	g.rootOf[fix.ID] = g.originOfLocked(target)
	return fix
}

// originLocked resolves the subtask whose fix-cycle budget the node
// consumes. Caller must hold the lock.
func (g *Gate) originLocked(node *models.Node) string {
	return g.originOfLocked(node)
}

func (g *Gate) originOfLocked(node *models.Node) string {
	if root, ok := g.rootOf[node.ID]; ok {
		return root
	}
	return node.ID
}

// RestorePending re-registers a persisted undecided checkpoint after a
// coordinator restart, so the owning task stays paused until the
// decision arrives.
func (g *Gate) RestorePending(cp models.Checkpoint) {
	g.mu.Lock()
	defer g.mu.Unlock()

	c := cp
	g.checkpoints[c.ID] = &c
	g.taskStateLocked(c.TaskID).pending = c.ID
}

// Paused reports whether the task has an undecided checkpoint. The
// executor skips allocation for paused tasks.
func (g *Gate) Paused(taskID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	ts, ok := g.tasks[taskID]
	return ok && ts.pending != ""
}

// Pending returns the task's undecided checkpoint, if any.
func (g *Gate) Pending(taskID string) (models.Checkpoint, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ts, ok := g.tasks[taskID]
	if !ok || ts.pending == "" {
		return models.Checkpoint{}, false
	}
	return *g.checkpoints[ts.pending], true
}

// Get returns a checkpoint by id.
func (g *Gate) Get(checkpointID string) (models.Checkpoint, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp, ok := g.checkpoints[checkpointID]
	if !ok {
		return models.Checkpoint{}, false
	}
	return *cp, true
}

// Forget drops per-task bookkeeping once the task is terminal. Raised
// checkpoints remain queryable for history.
func (g *Gate) Forget(taskID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.tasks, taskID)
}

// taskStateLocked returns the task's bookkeeping entry, creating it on
// first use. Caller must hold the lock.
func (g *Gate) taskStateLocked(taskID string) *taskState {
	ts, ok := g.tasks[taskID]
	if !ok {
		ts = &taskState{}
		g.tasks[taskID] = ts
	}
	return ts
}
