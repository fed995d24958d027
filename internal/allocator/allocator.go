// Package allocator scores eligible workers for ready subtasks and
// selects one deterministically.
package allocator

import (
	"errors"
	"sync"
	"time"

	"github.com/taskmesh/taskmesh/pkg/models"
)

// ErrNoEligibleWorker indicates no idle worker satisfies the subtask's
// capability and privacy requirements. The caller leaves the subtask
// ready and retries on the next scheduling tick; this is not fatal.
var ErrNoEligibleWorker = errors.New("no eligible worker")

// WorkerPool is the registry surface the allocator consumes: an
// eligibility snapshot and the recent-assignment count feeding the
// load-balance term.
type WorkerPool interface {
	// Idle returns idle workers eligible for the tool and privacy level,
	// sorted by registration time.
	Idle(tool string, privacy models.PrivacyLevel) []models.Worker
	// RecentAssignments returns the worker's assignment count within the
	// window.
	RecentAssignments(workerID string, window time.Duration) int
}

// Allocator picks the maximum-scoring eligible worker for a ready
// subtask. The scoring policy can be swapped at runtime (config reload).
type Allocator struct {
	pool WorkerPool

	mu     sync.RWMutex
	policy Policy
}

// New creates an Allocator over the given worker pool.
func New(pool WorkerPool, policy Policy) *Allocator {
	return &Allocator{pool: pool, policy: policy}
}

// Policy returns the current scoring policy.
func (a *Allocator) Policy() Policy {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.policy
}

// SetPolicy replaces the scoring policy. Safe to call while ticks run.
func (a *Allocator) SetPolicy(p Policy) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.policy = p
}

// Pick selects the maximum-scoring idle worker for the node under the
// task's privacy level. Ties break by earliest registration timestamp,
// so repeated runs over the same snapshot pick the same worker. Returns
// ErrNoEligibleWorker when no idle worker qualifies.
func (a *Allocator) Pick(node *models.Node, privacy models.PrivacyLevel) (models.Worker, error) {
	candidates := a.pool.Idle(node.Tool, privacy)
	if len(candidates) == 0 {
		return models.Worker{}, ErrNoEligibleWorker
	}

	policy := a.Policy()

	// Candidates arrive sorted by registration time; strict comparison
	// keeps the earliest-registered worker on ties.
	best := candidates[0]
	bestScore := policy.Score(best, privacy, a.pool.RecentAssignments(best.ID, policy.RecentWindow))
	for _, w := range candidates[1:] {
		score := policy.Score(w, privacy, a.pool.RecentAssignments(w.ID, policy.RecentWindow))
		if score > bestScore {
			best = w
			bestScore = score
		}
	}

	return best, nil
}
