// Package agent implements the worker process that registers with the
// coordinator, polls for subtask assignments, runs external AI tools,
// and reports results.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/taskmesh/taskmesh/internal/executor"
	toolexec "github.com/taskmesh/taskmesh/internal/exec"
	"github.com/taskmesh/taskmesh/pkg/models"
)

// Config carries the worker agent's settings.
type Config struct {
	// CoordinatorURL is the coordinator's base URL.
	CoordinatorURL string
	// Name is the worker's human-readable label.
	Name string
	// MachineID identifies the host; defaults to the hostname.
	MachineID string
	// Capabilities lists the tool binaries this worker offers.
	Capabilities []string
	// LocalOnly marks the worker eligible for sensitive tasks.
	LocalOnly bool
	// WorkDir is where tool commands run; defaults to the process cwd.
	WorkDir string
	// HeartbeatInterval defaults to 30s.
	HeartbeatInterval time.Duration
	// Runner executes tool commands; defaults to ExecRunner.
	Runner toolexec.CommandRunner
	// Sampler produces heartbeat resource snapshots; defaults to
	// SampleResources.
	Sampler ResourceSampler
}

// Agent is one worker process. It executes at most one subtask at a
// time; the coordinator enforces the same through worker status, and
// discards results for work it has since reassigned.
type Agent struct {
	cfg     Config
	client  *Client
	runner  toolexec.CommandRunner
	sampler ResourceSampler

	workerID string

	mu sync.Mutex
	// current is the subtask being executed, empty when idle.
	current string
	// cancelRun aborts the in-flight tool command.
	cancelRun context.CancelFunc
}

// New creates a worker agent, filling config defaults.
func New(cfg Config) (*Agent, error) {
	if cfg.CoordinatorURL == "" {
		return nil, fmt.Errorf("coordinator URL is required")
	}
	if len(cfg.Capabilities) == 0 {
		return nil, fmt.Errorf("at least one capability is required")
	}
	if cfg.MachineID == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("resolving machine id: %w", err)
		}
		cfg.MachineID = host
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.Runner == nil {
		cfg.Runner = toolexec.ExecRunner{}
	}
	if cfg.Sampler == nil {
		cfg.Sampler = SampleResources
	}

	return &Agent{
		cfg:     cfg,
		client:  NewClient(cfg.CoordinatorURL),
		runner:  cfg.Runner,
		sampler: cfg.Sampler,
	}, nil
}

// WorkerID returns the coordinator-assigned id, empty before the first
// successful registration.
func (a *Agent) WorkerID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.workerID
}

// Run registers the worker and serves assignments until the context is
// cancelled, then unregisters gracefully.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.register(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.heartbeatLoop(ctx)
	}()

	a.pollLoop(ctx)
	wg.Wait()

	// Graceful unregister, off the cancelled run context.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.client.Unregister(shutdownCtx, a.WorkerID()); err != nil {
		slog.Warn("unregister failed", "worker_id", a.WorkerID(), "error", err)
	}
	return ctx.Err()
}

// register announces the worker, retrying until it succeeds or the
// context ends.
func (a *Agent) register(ctx context.Context) error {
	desc := models.WorkerDescriptor{
		MachineID:    a.cfg.MachineID,
		Name:         a.cfg.Name,
		Capabilities: a.cfg.Capabilities,
		LocalOnly:    a.cfg.LocalOnly,
	}

	for {
		id, err := a.client.Register(ctx, desc)
		if err == nil {
			a.mu.Lock()
			a.workerID = id
			a.mu.Unlock()
			slog.Info("registered with coordinator",
				"worker_id", id, "machine_id", desc.MachineID, "capabilities", desc.Capabilities)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Warn("registration failed, retrying", "error", err, "retry_in", retryDelay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelay):
		}
	}
}

// heartbeatLoop reports liveness on the configured interval. A first
// heartbeat goes out immediately so the worker leaves the registering
// state without waiting a full interval.
func (a *Agent) heartbeatLoop(ctx context.Context) {
	a.heartbeat(ctx)

	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.heartbeat(ctx)
		}
	}
}

func (a *Agent) heartbeat(ctx context.Context) {
	status := models.WorkerStatusIdle
	a.mu.Lock()
	if a.current != "" {
		status = models.WorkerStatusBusy
	}
	a.mu.Unlock()

	err := a.client.Heartbeat(ctx, a.WorkerID(), a.sampler(), status)
	switch {
	case err == nil:
	case ctx.Err() != nil:
	case errors.Is(err, ErrNotRegistered):
		slog.Warn("coordinator forgot this worker, re-registering")
		if rerr := a.register(ctx); rerr != nil && ctx.Err() == nil {
			slog.Error("re-registration failed", "error", rerr)
		}
	default:
		slog.Warn("heartbeat failed", "error", err)
	}
}

// pollLoop long-polls for assignments. Work runs on its own goroutine
// so the loop keeps polling and can receive a cancellation notice for
// the subtask in flight.
func (a *Agent) pollLoop(ctx context.Context) {
	var runs sync.WaitGroup
	defer runs.Wait()

	for ctx.Err() == nil {
		assignment, ok, err := a.client.PollAssignment(ctx, a.WorkerID())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrNotRegistered) {
				if rerr := a.register(ctx); rerr != nil {
					return
				}
				continue
			}
			slog.Warn("assignment poll failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
			}
			continue
		}
		if !ok {
			continue
		}

		if assignment.Cancelled {
			a.cancelCurrent(assignment.NodeID)
			continue
		}

		runCtx, cancel := context.WithCancel(ctx)
		a.mu.Lock()
		a.current = assignment.NodeID
		a.cancelRun = cancel
		a.mu.Unlock()

		runs.Add(1)
		go func(as executor.Assignment) {
			defer runs.Done()
			defer cancel()
			a.execute(runCtx, as)

			a.mu.Lock()
			if a.current == as.NodeID {
				a.current = ""
				a.cancelRun = nil
			}
			a.mu.Unlock()
		}(assignment)
	}
}

// cancelCurrent aborts the running tool command if the notice targets
// the subtask in flight. Stale notices for finished work are ignored.
func (a *Agent) cancelCurrent(nodeID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current != nodeID || a.cancelRun == nil {
		return
	}
	slog.Info("abandoning cancelled subtask", "node_id", nodeID)
	a.cancelRun()
}

// execute runs the assignment's tool and reports the outcome. The
// instruction text goes to the tool on stdin; revision context and
// guidance are folded in so a fix attempt sees what it is revising.
func (a *Agent) execute(ctx context.Context, as executor.Assignment) {
	slog.Info("executing subtask",
		"node_id", as.NodeID, "task_id", as.TaskID, "tool", as.Tool, "type", as.Type)

	started := time.Now()
	out, err := a.runner.Run(ctx, a.cfg.WorkDir, a.prompt(as), as.Tool)
	elapsed := time.Since(started)

	if ctx.Err() == context.Canceled {
		slog.Info("subtask abandoned", "node_id", as.NodeID)
		return
	}

	res := models.Result{
		Success: err == nil,
		Output:  out,
		Metadata: map[string]string{
			"tool":       as.Tool,
			"duration":   elapsed.Round(time.Millisecond).String(),
			"machine_id": a.cfg.MachineID,
		},
	}
	if err != nil {
		res.Error = err.Error()
		slog.Warn("subtask failed", "node_id", as.NodeID, "error", err)
	} else {
		slog.Info("subtask succeeded", "node_id", as.NodeID, "duration", elapsed)
	}

	reportCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if rerr := a.client.ReportResult(reportCtx, as.NodeID, a.WorkerID(), res); rerr != nil {
		slog.Error("reporting result failed", "node_id", as.NodeID, "error", rerr)
	}
}

// prompt assembles the instruction text for the tool.
func (a *Agent) prompt(as executor.Assignment) string {
	var b strings.Builder
	b.WriteString(as.Title)
	if as.Type == models.NodeTypeFix && as.Context != "" {
		b.WriteString("\n\nPrevious output to revise:\n")
		b.WriteString(as.Context)
	}
	if as.Guidance != "" {
		b.WriteString("\n\nReviewer guidance:\n")
		b.WriteString(as.Guidance)
	}
	if as.PriorAttempt != "" {
		b.WriteString("\n\nNote: ")
		b.WriteString(as.PriorAttempt)
	}
	return b.String()
}
