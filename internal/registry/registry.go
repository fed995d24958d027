// Package registry maintains the authoritative table of known workers,
// their capabilities, resource snapshots, and liveness.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/pkg/models"
)

// ErrUnknownWorker indicates an operation referenced a worker that has
// never registered.
var ErrUnknownWorker = errors.New("unknown worker")

// OfflineHandler is invoked once per crash event when a worker
// transitions to offline. The worker snapshot carries the node it was
// holding, if any, so the executor can requeue it.
type OfflineHandler func(w models.Worker)

// Registry is the worker table. Workers are created on registration,
// mutated only by heartbeat and allocation events, marked offline by
// missed-heartbeat detection, and never hard-deleted.
type Registry struct {
	mu sync.RWMutex
	// workers maps worker ID to its record.
	workers map[string]*models.Worker
	// byMachine maps machine identity to worker ID for idempotent
	// re-registration.
	byMachine map[string]string
	// recent holds recent assignment timestamps per worker for the
	// allocator's load-balance term.
	recent map[string][]time.Time
	// onOffline is invoked when a worker transitions to offline.
	onOffline OfflineHandler
	// now is injectable for tests.
	now func() time.Time
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		workers:   make(map[string]*models.Worker),
		byMachine: make(map[string]string),
		recent:    make(map[string][]time.Time),
		now:       time.Now,
	}
}

// SetClock overrides the registry's time source. Tests only.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// SetOfflineHandler registers the callback fired when a worker goes
// offline while holding a subtask.
func (r *Registry) SetOfflineHandler(fn OfflineHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onOffline = fn
}

// Register creates a worker record, or updates the existing one when the
// machine identity is already known. Registration is idempotent on
// machine identity: the worker ID and registration timestamp are stable
// across re-registrations.
func (r *Registry) Register(desc models.WorkerDescriptor) (models.Worker, error) {
	if desc.MachineID == "" {
		return models.Worker{}, errors.New("machine_id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	if id, ok := r.byMachine[desc.MachineID]; ok {
		w := r.workers[id]
		w.Name = desc.Name
		w.Capabilities = append([]string(nil), desc.Capabilities...)
		w.LocalOnly = desc.LocalOnly
		w.LastHeartbeat = now
		// A re-registering worker that was offline is alive again.
		if w.Status == models.WorkerStatusOffline {
			w.Status = models.WorkerStatusRegistering
			w.CurrentNode = ""
		}
		return *w, nil
	}

	w := &models.Worker{
		ID:            uuid.New().String(),
		MachineID:     desc.MachineID,
		Name:          desc.Name,
		Capabilities:  append([]string(nil), desc.Capabilities...),
		Status:        models.WorkerStatusRegistering,
		LocalOnly:     desc.LocalOnly,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	r.workers[w.ID] = w
	r.byMachine[w.MachineID] = w.ID
	return *w, nil
}

// Heartbeat records a worker's resource snapshot and refreshes its
// liveness timestamp. Returns ErrUnknownWorker for unregistered ids.
// The reported status is advisory: the coordinator's busy marking from
// an allocation always wins over a worker-reported idle.
func (r *Registry) Heartbeat(id string, res models.Resources, reported models.WorkerStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return ErrUnknownWorker
	}

	w.Resources = res
	w.LastHeartbeat = r.now()

	switch w.Status {
	case models.WorkerStatusRegistering:
		w.Status = models.WorkerStatusIdle
	case models.WorkerStatusOffline:
		// The worker came back. Its generation was already bumped when
		// it went offline, so any stale assignment has been requeued.
		w.Status = models.WorkerStatusIdle
		w.CurrentNode = ""
	case models.WorkerStatusBusy:
		// Keep busy until the allocation releases it.
	default:
		if reported.Valid() && reported != models.WorkerStatusBusy {
			w.Status = reported
		}
	}

	return nil
}

// Unregister gracefully removes a worker from rotation, setting it
// offline immediately. If the worker held a subtask, the offline handler
// fires so the executor can requeue it.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	w, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownWorker
	}

	snapshot := r.markOfflineLocked(w)
	handler := r.onOffline
	r.mu.Unlock()

	if handler != nil && snapshot != nil {
		handler(*snapshot)
	}
	return nil
}

// markOfflineLocked transitions a worker to offline, bumping its crash
// generation. Returns a snapshot for the offline handler, or nil if the
// worker was already offline. Caller must hold the lock.
func (r *Registry) markOfflineLocked(w *models.Worker) *models.Worker {
	if w.Status == models.WorkerStatusOffline {
		return nil
	}
	w.Status = models.WorkerStatusOffline
	w.Generation++
	snapshot := *w
	w.CurrentNode = ""
	return &snapshot
}

// Get returns a snapshot of the worker record.
func (r *Registry) Get(id string) (models.Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workers[id]
	if !ok {
		return models.Worker{}, ErrUnknownWorker
	}
	return *w, nil
}

// List returns snapshots of all workers sorted by registration time.
func (r *Registry) List() []models.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out
}

// Idle returns snapshots of idle workers eligible for the given tool and
// privacy level, sorted by registration time so allocation tie-breaks
// are deterministic.
func (r *Registry) Idle(tool string, privacy models.PrivacyLevel) []models.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.Worker
	for _, w := range r.workers {
		if w.Status != models.WorkerStatusIdle {
			continue
		}
		if !w.Eligible(tool, privacy) {
			continue
		}
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out
}

// TryAcquire atomically transitions a worker from idle to busy and
// records the node it now holds. Returns false if the worker is not
// idle at the moment of the call, so two concurrent scheduling ticks can
// never both win the same worker.
func (r *Registry) TryAcquire(workerID, nodeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok || w.Status != models.WorkerStatusIdle {
		return false
	}

	w.Status = models.WorkerStatusBusy
	w.CurrentNode = nodeID
	r.recent[workerID] = append(r.recent[workerID], r.now())
	return true
}

// Release returns a busy worker to idle after its subtask completes.
// Releasing an offline worker is a no-op: the crash path already
// cleared its assignment.
func (r *Registry) Release(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok || w.Status != models.WorkerStatusBusy {
		return
	}
	w.Status = models.WorkerStatusIdle
	w.CurrentNode = ""
}

// RecentAssignments returns how many assignments the worker received
// within the window, pruning older entries as a side effect.
func (r *Registry) RecentAssignments(workerID string, window time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-window)
	kept := r.recent[workerID][:0]
	for _, ts := range r.recent[workerID] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	r.recent[workerID] = kept
	return len(kept)
}
