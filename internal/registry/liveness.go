package registry

import (
	"context"
	"log/slog"
	"time"

	"github.com/taskmesh/taskmesh/pkg/models"
)

// Sweep marks every worker silent for longer than offlineAfter as
// offline and fires the offline handler for each transition. A worker
// already offline is skipped, so each crash event is handled exactly
// once. Returns snapshots of the workers that transitioned.
func (r *Registry) Sweep(offlineAfter time.Duration) []models.Worker {
	r.mu.Lock()

	cutoff := r.now().Add(-offlineAfter)
	var transitioned []*models.Worker
	for _, w := range r.workers {
		if w.Status == models.WorkerStatusOffline {
			continue
		}
		if w.LastHeartbeat.After(cutoff) {
			continue
		}
		if snapshot := r.markOfflineLocked(w); snapshot != nil {
			transitioned = append(transitioned, snapshot)
		}
	}
	handler := r.onOffline
	r.mu.Unlock()

	out := make([]models.Worker, 0, len(transitioned))
	for _, snapshot := range transitioned {
		out = append(out, *snapshot)
		if handler != nil {
			handler(*snapshot)
		}
	}
	return out
}

// RunSweep runs the liveness sweep every interval until the context is
// cancelled. Workers are marked offline after staying silent for
// offlineAfter (three missed heartbeat intervals by default).
func (r *Registry) RunSweep(ctx context.Context, interval, offlineAfter time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, w := range r.Sweep(offlineAfter) {
				slog.Warn("worker missed heartbeats, marked offline",
					"worker_id", w.ID,
					"last_heartbeat", w.LastHeartbeat,
					"held_node", w.CurrentNode)
			}
		}
	}
}
