package gate

import (
	"errors"
	"fmt"

	"github.com/taskmesh/taskmesh/pkg/models"
)

// ErrUnknownCheckpoint indicates the checkpoint id is not registered.
var ErrUnknownCheckpoint = errors.New("unknown checkpoint")

// ErrAlreadyDecided indicates the checkpoint already has a decision. A
// checkpoint is decided exactly once.
var ErrAlreadyDecided = errors.New("checkpoint already decided")

// Decide records the human decision for a pending checkpoint and
// unpauses the task. There is no timeout on a pending checkpoint; until
// this is called the task stays paused. The executor interprets the
// returned snapshot: approved resumes allocation, corrected opens fix
// nodes for the caller's targets, rejected cancels remaining subtasks.
func (g *Gate) Decide(checkpointID string, decision models.CheckpointDecision, guidance string) (models.Checkpoint, error) {
	if decision == models.DecisionPending || !decision.Valid() {
		return models.Checkpoint{}, fmt.Errorf("invalid decision %q", decision)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	cp, ok := g.checkpoints[checkpointID]
	if !ok {
		return models.Checkpoint{}, fmt.Errorf("%w: %s", ErrUnknownCheckpoint, checkpointID)
	}
	if cp.Decision != models.DecisionPending {
		return models.Checkpoint{}, fmt.Errorf("%w: %s is %s", ErrAlreadyDecided, checkpointID, cp.Decision)
	}

	now := g.now()
	cp.Decision = decision
	cp.Guidance = guidance
	cp.DecidedAt = &now

	if ts, ok := g.tasks[cp.TaskID]; ok && ts.pending == cp.ID {
		ts.pending = ""
	}

	return *cp, nil
}
