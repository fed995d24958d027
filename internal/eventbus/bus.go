// Package eventbus publishes orchestration state transitions to
// external observers such as the dashboard and the audit log.
package eventbus

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventType represents the kind of state transition an event carries.
type EventType string

const (
	// EventNodeTransition indicates a subtask changed state.
	EventNodeTransition EventType = "node_transition"
	// EventTaskTransition indicates a task changed state.
	EventTaskTransition EventType = "task_transition"
	// EventWorkerStatus indicates a worker changed state.
	EventWorkerStatus EventType = "worker_status"
	// EventCheckpointRaised indicates a checkpoint was created.
	EventCheckpointRaised EventType = "checkpoint_raised"
	// EventCheckpointResolved indicates a checkpoint decision was recorded.
	EventCheckpointResolved EventType = "checkpoint_resolved"
	// EventEvaluation indicates a subtask's output was scored.
	EventEvaluation EventType = "evaluation"
	// EventResync carries a full-state snapshot for a (re)connecting
	// subscriber.
	EventResync EventType = "resync"
)

// Event is one published state transition.
type Event struct {
	// Type is the kind of transition.
	Type EventType `json:"event_type"`
	// TaskID is the related task, empty for fleet-wide worker events.
	TaskID string `json:"task_id,omitempty"`
	// Seq orders events belonging to the same task. There is no
	// ordering guarantee across different tasks.
	Seq uint64 `json:"seq"`
	// Payload carries transition details.
	Payload any `json:"payload,omitempty"`
	// Timestamp is when the event was published.
	Timestamp time.Time `json:"timestamp"`
}

// SnapshotFunc builds a full-state snapshot for a task, delivered to
// subscribers on connect so a previously disconnected observer can
// resync before receiving live events.
type SnapshotFunc func(taskID string) (any, error)

// Bus is the realtime event bus. Delivery to a subscriber is
// best-effort: a slow or disconnected subscriber drops events and must
// rely on the resync snapshot when it reconnects. Events for the same
// task are delivered in publish order to any given subscriber.
type Bus struct {
	mu sync.Mutex
	// subs maps task ID to subscriber set. The empty task ID is the
	// fleet-wide firehose receiving every event.
	subs map[string]map[string]*Subscription
	// seq is the per-task sequence counter.
	seq map[string]uint64
	// buffer is the per-subscriber channel depth.
	buffer int
	// snapshot builds resync payloads.
	snapshot SnapshotFunc

	dropped atomic.Uint64
}

// New creates a Bus with the given per-subscriber buffer depth.
func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{
		subs:   make(map[string]map[string]*Subscription),
		seq:    make(map[string]uint64),
		buffer: buffer,
	}
}

// SetSnapshotProvider installs the resync snapshot builder.
func (b *Bus) SetSnapshotProvider(fn SnapshotFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshot = fn
}

// Publish emits one event for a state transition. The per-task sequence
// is assigned under the bus lock, so all subscribers observe the same
// order for any given task. Full subscriber buffers drop the event.
func (b *Bus) Publish(taskID string, typ EventType, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq[taskID]++
	ev := Event{
		Type:      typ,
		TaskID:    taskID,
		Seq:       b.seq[taskID],
		Payload:   payload,
		Timestamp: time.Now(),
	}

	b.deliverLocked(taskID, ev)
	if taskID != "" {
		b.deliverLocked("", ev)
	}
}

// deliverLocked fans an event out to one subscriber set. Caller must
// hold the bus lock.
func (b *Bus) deliverLocked(key string, ev Event) {
	for _, sub := range b.subs[key] {
		select {
		case sub.ch <- ev:
		default:
			count := b.dropped.Add(1)
			if count%100 == 1 {
				slog.Warn("event bus subscriber buffer full, dropping",
					"task_id", ev.TaskID, "type", ev.Type, "total_dropped", count)
			}
		}
	}
}

// Dropped returns the total number of events dropped across all
// subscribers since the bus was created.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// maxSnapshotRebuilds bounds how often Subscribe rebuilds a resync
// snapshot invalidated by a concurrent publish.
const maxSnapshotRebuilds = 3

// Subscribe attaches a subscriber to one task's event stream, or to the
// fleet-wide firehose when taskID is empty. If a snapshot provider is
// installed, the first delivered event is a resync snapshot reflecting
// all state the subscriber may have missed.
func (b *Bus) Subscribe(taskID string) (*Subscription, error) {
	sub := &Subscription{
		id:     uuid.New().String(),
		taskID: taskID,
		ch:     make(chan Event, b.buffer),
		bus:    b,
	}

	b.mu.Lock()
	snapshot := b.snapshot
	b.mu.Unlock()

	if snapshot == nil || taskID == "" {
		b.mu.Lock()
		b.registerLocked(sub)
		b.mu.Unlock()
		return sub, nil
	}

	// The snapshot is built outside the bus lock, so a transition can
	// be published between building it and registering the subscriber.
	// Registration only commits if the task's sequence is unchanged
	// since before the build; otherwise the snapshot is rebuilt so no
	// event falls between it and the live stream.
	for rebuilds := 0; ; rebuilds++ {
		b.mu.Lock()
		before := b.seq[taskID]
		b.mu.Unlock()

		payload, err := snapshot(taskID)
		if err != nil {
			return nil, err
		}

		b.mu.Lock()
		if b.seq[taskID] != before && rebuilds < maxSnapshotRebuilds {
			b.mu.Unlock()
			continue
		}
		sub.ch <- Event{
			Type:      EventResync,
			TaskID:    taskID,
			Seq:       b.seq[taskID],
			Payload:   payload,
			Timestamp: time.Now(),
		}
		b.registerLocked(sub)
		b.mu.Unlock()
		return sub, nil
	}
}

// registerLocked adds the subscriber to its task's set. Caller must
// hold the bus lock.
func (b *Bus) registerLocked(sub *Subscription) {
	if b.subs[sub.taskID] == nil {
		b.subs[sub.taskID] = make(map[string]*Subscription)
	}
	b.subs[sub.taskID][sub.id] = sub
}

// Subscription is one observer's attachment to the bus.
type Subscription struct {
	id     string
	taskID string
	ch     chan Event
	bus    *Bus

	closeOnce sync.Once
}

// Events returns the subscriber's receive channel.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close detaches the subscriber and releases its channel.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs[s.taskID], s.id)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}
