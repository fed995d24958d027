package allocator

import (
	"time"

	"github.com/taskmesh/taskmesh/pkg/models"
)

// Policy holds the multi-term scoring weights. It is injected into the
// Allocator rather than hardcoded so weights are testable in isolation
// and tunable at runtime.
type Policy struct {
	// ToolMatchWeight scores capability fit (default 0.4).
	ToolMatchWeight float64
	// ResourceWeight scores free CPU/memory headroom (default 0.3).
	ResourceWeight float64
	// LoadBalanceWeight penalises recently assigned workers (default 0.2).
	LoadBalanceWeight float64
	// AffinityWeight rewards privacy capability (default 0.1).
	AffinityWeight float64
	// RecentWindow is the sliding window for the load-balance term.
	RecentWindow time.Duration
}

// DefaultPolicy returns the standard 40/30/20/10 weighting.
func DefaultPolicy() Policy {
	return Policy{
		ToolMatchWeight:   0.4,
		ResourceWeight:    0.3,
		LoadBalanceWeight: 0.2,
		AffinityWeight:    0.1,
		RecentWindow:      5 * time.Minute,
	}
}

// Score computes the weighted sum for one eligible worker. The caller
// guarantees the worker is idle, has the required capability, and
// satisfies the task's privacy level.
func (p Policy) Score(w models.Worker, privacy models.PrivacyLevel, recentAssignments int) float64 {
	return p.ToolMatchWeight*toolMatch(w) +
		p.ResourceWeight*resourceHeadroom(w.Resources) +
		p.LoadBalanceWeight*loadBalance(recentAssignments) +
		p.AffinityWeight*affinity(w, privacy)
}

// toolMatch scores how specialised the worker is for its capabilities.
// A single-tool worker is a perfect match at 1.0; generalists score
// lower so specialised workers are preferred when both qualify.
func toolMatch(w models.Worker) float64 {
	n := len(w.Capabilities)
	if n <= 1 {
		return 1.0
	}
	return 1.0 / float64(n)
}

// resourceHeadroom scores free CPU and memory, 1.0 for a fully idle
// machine down to 0.0 for a saturated one.
func resourceHeadroom(r models.Resources) float64 {
	load := (clampPercent(r.CPUPercent) + clampPercent(r.MemoryPercent)) / 200
	return 1.0 - load
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// loadBalance is the inverse of the recent assignment count, spreading
// work across the pool.
func loadBalance(recent int) float64 {
	if recent < 0 {
		recent = 0
	}
	return 1.0 / float64(1+recent)
}

// affinity rewards workers whose privacy capability matches the task.
// A local-capable worker on a sensitive task is the strongest affinity;
// keeping local-capable workers free on standard tasks gets a small
// residual preference the other way.
func affinity(w models.Worker, privacy models.PrivacyLevel) float64 {
	if privacy == models.PrivacySensitive {
		if w.LocalOnly {
			return 1.0
		}
		return 0
	}
	if w.LocalOnly {
		// Slight preference for cloud workers on standard tasks keeps
		// local-capable capacity free for sensitive work.
		return 0.25
	}
	return 0.5
}
