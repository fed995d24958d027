package executor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/taskmesh/taskmesh/internal/allocator"
	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/eventbus"
	"github.com/taskmesh/taskmesh/internal/gate"
	"github.com/taskmesh/taskmesh/internal/graph"
	"github.com/taskmesh/taskmesh/internal/registry"
	"github.com/taskmesh/taskmesh/pkg/models"
)

// harness wires a full in-memory coordinator with a controllable clock.
type harness struct {
	ex   *Executor
	reg  *registry.Registry
	gate *gate.Gate
	bus  *eventbus.Bus
	now  time.Time
}

func newHarness(t *testing.T, scorer gate.Scorer) *harness {
	t.Helper()

	cfg := config.Default()
	h := &harness{now: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}

	h.reg = registry.New()
	h.reg.SetClock(h.clock)

	alloc := allocator.New(h.reg, allocator.DefaultPolicy())
	h.gate = gate.New(cfg.Gate, scorer)
	h.gate.SetClock(h.clock)
	h.bus = eventbus.New(64)

	h.ex = New(h.reg, alloc, h.gate, h.bus, nil, cfg.Scheduler)
	h.ex.SetClock(h.clock)
	return h
}

func (h *harness) clock() time.Time { return h.now }

func (h *harness) advance(d time.Duration) { h.now = h.now.Add(d) }

// addWorker registers a worker and heartbeats it into the idle pool.
func (h *harness) addWorker(t *testing.T, machineID string, caps ...string) string {
	t.Helper()
	w, err := h.reg.Register(models.WorkerDescriptor{
		MachineID:    machineID,
		Name:         machineID,
		Capabilities: caps,
	})
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if err := h.reg.Heartbeat(w.ID, models.Resources{}, models.WorkerStatusIdle); err != nil {
		t.Fatalf("Heartbeat() error: %v", err)
	}
	return w.ID
}

// claim fetches the worker's next assignment, failing if none arrives.
func (h *harness) claim(t *testing.T, workerID string) Assignment {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	a, err := h.ex.ClaimAssignment(ctx, workerID)
	if err != nil {
		t.Fatalf("ClaimAssignment() error: %v", err)
	}
	return a
}

func passingScorer() gate.Scorer {
	return gate.ScorerFunc(func(context.Context, *models.Node) (models.DimensionScores, error) {
		return models.DimensionScores{CodeQuality: 9, Completeness: 9, Security: 9, Architecture: 9, Testability: 9}, nil
	})
}

func diamondNodes() []*models.Node {
	return []*models.Node{
		{ID: "a", Tool: "claude-code"},
		{ID: "b", Tool: "claude-code", DependsOn: []string{"a"}},
		{ID: "c", Tool: "claude-code", DependsOn: []string{"a"}},
		{ID: "d", Tool: "claude-code", DependsOn: []string{"b", "c"}},
	}
}

func submit(t *testing.T, h *harness, freq models.CheckpointFrequency, nodes []*models.Node) models.Task {
	t.Helper()
	task, err := h.ex.Submit(context.Background(), "build the thing", freq, models.PrivacyStandard, nodes)
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	return task
}

func nodeStatus(t *testing.T, h *harness, taskID, nodeID string) models.NodeStatus {
	t.Helper()
	_, nodes, err := h.ex.Task(taskID)
	if err != nil {
		t.Fatalf("Task() error: %v", err)
	}
	for _, n := range nodes {
		if n.ID == nodeID {
			return n.Status
		}
	}
	t.Fatalf("node %s not found in task %s", nodeID, taskID)
	return ""
}

func taskStatus(t *testing.T, h *harness, taskID string) models.TaskStatus {
	t.Helper()
	task, _, err := h.ex.Task(taskID)
	if err != nil {
		t.Fatalf("Task() error: %v", err)
	}
	return task.Status
}

func TestSubmit_RejectsInvalidGraphs(t *testing.T) {
	h := newHarness(t, passingScorer())

	cases := []struct {
		name  string
		nodes []*models.Node
	}{
		{"empty", nil},
		{"cycle", []*models.Node{
			{ID: "a", Tool: "t", DependsOn: []string{"b"}},
			{ID: "b", Tool: "t", DependsOn: []string{"a"}},
		}},
		{"unknown dependency", []*models.Node{
			{ID: "a", Tool: "t", DependsOn: []string{"ghost"}},
		}},
		{"duplicate id", []*models.Node{
			{ID: "a", Tool: "t"},
			{ID: "a", Tool: "t"},
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.ex.Submit(context.Background(), "desc", models.FrequencyLow, models.PrivacyStandard, tc.nodes)
			if !errors.Is(err, graph.ErrInvalidGraph) {
				t.Errorf("Submit() error = %v, want ErrInvalidGraph", err)
			}
		})
	}
}

func TestTick_NeverAssignsBeforeDependenciesSucceed(t *testing.T) {
	h := newHarness(t, passingScorer())
	w := h.addWorker(t, "m1", "claude-code")
	task := submit(t, h, models.FrequencyLow, diamondNodes())

	h.ex.Tick(context.Background())

	if got := nodeStatus(t, h, task.ID, "a"); got != models.NodeStatusAssigned {
		t.Fatalf("root a = %s, want assigned", got)
	}
	for _, id := range []string{"b", "c", "d"} {
		if got := nodeStatus(t, h, task.ID, id); got != models.NodeStatusPending {
			t.Errorf("dependent %s = %s, want pending", id, got)
		}
	}

	// Completing a readies b and c but never d.
	a := h.claim(t, w)
	if err := h.ex.HandleResult(context.Background(), a.NodeID, w, models.Result{Success: true, Output: "done"}); err != nil {
		t.Fatal(err)
	}
	if got := nodeStatus(t, h, task.ID, "b"); got != models.NodeStatusReady {
		t.Errorf("b = %s, want ready", got)
	}
	if got := nodeStatus(t, h, task.ID, "d"); got != models.NodeStatusPending {
		t.Errorf("d = %s, want pending", got)
	}
}

func TestTick_OneWorkerCannotBeDoubleBooked(t *testing.T) {
	h := newHarness(t, passingScorer())
	h.addWorker(t, "m1", "claude-code")
	task := submit(t, h, models.FrequencyLow, []*models.Node{
		{ID: "x", Tool: "claude-code"},
		{ID: "y", Tool: "claude-code"},
	})

	h.ex.Tick(context.Background())
	h.ex.Tick(context.Background())

	assigned := 0
	for _, id := range []string{"x", "y"} {
		if nodeStatus(t, h, task.ID, id) == models.NodeStatusAssigned {
			assigned++
		}
	}
	if assigned != 1 {
		t.Errorf("assigned %d subtasks to a single worker, want 1", assigned)
	}
}

func TestHandleResult_RetryBackoffThenBlocked(t *testing.T) {
	h := newHarness(t, passingScorer())
	w := h.addWorker(t, "m1", "claude-code")
	task := submit(t, h, models.FrequencyLow, []*models.Node{{ID: "only", Tool: "claude-code"}})

	backoffs := []time.Duration{10 * time.Second, 30 * time.Second, 60 * time.Second}
	for attempt, want := range backoffs {
		h.ex.Tick(context.Background())
		a := h.claim(t, w)
		if err := h.ex.HandleResult(context.Background(), a.NodeID, w, models.Result{Error: "boom"}); err != nil {
			t.Fatal(err)
		}
		if got := nodeStatus(t, h, task.ID, "only"); got != models.NodeStatusReady {
			t.Fatalf("after failure %d node = %s, want ready", attempt+1, got)
		}

		// Within the backoff window the tick must not re-dispatch.
		h.ex.Tick(context.Background())
		if got := nodeStatus(t, h, task.ID, "only"); got != models.NodeStatusReady {
			t.Fatalf("failure %d: dispatched inside %s backoff window", attempt+1, want)
		}
		h.advance(want)
	}

	// Fourth failure exhausts retries.
	h.ex.Tick(context.Background())
	a := h.claim(t, w)
	if err := h.ex.HandleResult(context.Background(), a.NodeID, w, models.Result{Error: "boom"}); err != nil {
		t.Fatal(err)
	}
	if got := nodeStatus(t, h, task.ID, "only"); got != models.NodeStatusBlocked {
		t.Errorf("node = %s, want blocked", got)
	}
	failed, nodes, _ := h.ex.Task(task.ID)
	if failed.Status != models.TaskStatusFailed {
		t.Errorf("task = %s, want failed", failed.Status)
	}
	// The counter records retries consumed, so the final failed attempt
	// leaves it at the maximum rather than one past it.
	if nodes[0].RetryCount != 3 {
		t.Errorf("retry count = %d, want capped at 3", nodes[0].RetryCount)
	}
	if !strings.Contains(failed.Error, "4 attempts") {
		t.Errorf("task error = %q, want the full attempt count", failed.Error)
	}
}

func TestHandleResult_SuccessAfterFailureKeepsRetryCount(t *testing.T) {
	h := newHarness(t, passingScorer())
	w := h.addWorker(t, "m1", "claude-code")
	task := submit(t, h, models.FrequencyLow, []*models.Node{{ID: "only", Tool: "claude-code"}})

	h.ex.Tick(context.Background())
	a := h.claim(t, w)
	if err := h.ex.HandleResult(context.Background(), a.NodeID, w, models.Result{Error: "flaky"}); err != nil {
		t.Fatal(err)
	}
	h.advance(10 * time.Second)

	h.ex.Tick(context.Background())
	a = h.claim(t, w)
	if err := h.ex.HandleResult(context.Background(), a.NodeID, w, models.Result{Success: true, Output: "ok"}); err != nil {
		t.Fatal(err)
	}

	_, nodes, _ := h.ex.Task(task.ID)
	if nodes[0].Status != models.NodeStatusSucceeded {
		t.Errorf("node = %s, want succeeded", nodes[0].Status)
	}
	if nodes[0].RetryCount != 1 {
		t.Errorf("retry count = %d, want 1 (not reset by success)", nodes[0].RetryCount)
	}
}

func TestCancel_DiscardsLateResults(t *testing.T) {
	h := newHarness(t, passingScorer())
	w := h.addWorker(t, "m1", "claude-code")
	task := submit(t, h, models.FrequencyLow, diamondNodes())

	h.ex.Tick(context.Background())
	a := h.claim(t, w)

	if err := h.ex.Cancel(context.Background(), task.ID); err != nil {
		t.Fatalf("Cancel() error: %v", err)
	}
	if got := taskStatus(t, h, task.ID); got != models.TaskStatusCancelled {
		t.Fatalf("task = %s, want cancelled", got)
	}
	for _, id := range []string{"a", "b", "c", "d"} {
		if got := nodeStatus(t, h, task.ID, id); got != models.NodeStatusCancelled {
			t.Errorf("node %s = %s, want cancelled", id, got)
		}
	}

	// The worker gets an asynchronous cancel notice for its assignment.
	notice := h.claim(t, w)
	if !notice.Cancelled || notice.NodeID != a.NodeID {
		t.Errorf("cancel notice = %+v", notice)
	}

	// A late result is acked but mutates nothing.
	if err := h.ex.HandleResult(context.Background(), a.NodeID, w, models.Result{Success: true, Output: "late"}); err != nil {
		t.Fatalf("late HandleResult() error: %v", err)
	}
	_, nodes, _ := h.ex.Task(task.ID)
	for _, n := range nodes {
		if n.ID == a.NodeID && (n.Status != models.NodeStatusCancelled || n.Output != "") {
			t.Errorf("late result mutated node: %+v", n)
		}
	}
}

func TestCancel_TerminalTaskRejected(t *testing.T) {
	h := newHarness(t, passingScorer())
	task := submit(t, h, models.FrequencyLow, []*models.Node{{ID: "a", Tool: "t"}})

	if err := h.ex.Cancel(context.Background(), task.ID); err != nil {
		t.Fatal(err)
	}
	if err := h.ex.Cancel(context.Background(), task.ID); !errors.Is(err, ErrTaskTerminal) {
		t.Errorf("second cancel error = %v, want ErrTaskTerminal", err)
	}
}

func TestWorkerOffline_RequeuesExactlyOnce(t *testing.T) {
	h := newHarness(t, passingScorer())
	w := h.addWorker(t, "m1", "claude-code")
	task := submit(t, h, models.FrequencyLow, []*models.Node{{ID: "only", Tool: "claude-code"}})

	h.ex.Tick(context.Background())
	h.claim(t, w)
	if got := nodeStatus(t, h, task.ID, "only"); got != models.NodeStatusRunning {
		t.Fatalf("node = %s, want running", got)
	}

	// Three missed 30s heartbeat intervals.
	h.advance(91 * time.Second)
	offline := h.reg.Sweep(90 * time.Second)
	if len(offline) != 1 {
		t.Fatalf("swept %d workers, want 1", len(offline))
	}

	_, nodes, _ := h.ex.Task(task.ID)
	n := nodes[0]
	if n.Status != models.NodeStatusReady || n.AssignedTo != "" {
		t.Fatalf("node after crash = %+v, want ready and unassigned", n)
	}
	if n.PriorAttempt == "" {
		t.Error("prior attempt context not preserved")
	}

	// A second sweep is a no-op: the requeue happens once per crash.
	if again := h.reg.Sweep(90 * time.Second); len(again) != 0 {
		t.Errorf("second sweep marked %d workers offline", len(again))
	}
	if got := nodeStatus(t, h, task.ID, "only"); got != models.NodeStatusReady {
		t.Errorf("node = %s after second sweep, want ready", got)
	}
}

func TestGate_HighFrequencyPausesAllocation(t *testing.T) {
	h := newHarness(t, passingScorer())
	w := h.addWorker(t, "m1", "claude-code")
	task := submit(t, h, models.FrequencyHigh, []*models.Node{
		{ID: "a", Tool: "claude-code"},
		{ID: "b", Tool: "claude-code", DependsOn: []string{"a"}},
	})

	h.ex.Tick(context.Background())
	a := h.claim(t, w)
	if err := h.ex.HandleResult(context.Background(), a.NodeID, w, models.Result{Success: true, Output: "ok"}); err != nil {
		t.Fatal(err)
	}

	if got := taskStatus(t, h, task.ID); got != models.TaskStatusPaused {
		t.Fatalf("task = %s, want paused", got)
	}

	// No allocation while paused, even though b is ready and a worker idle.
	h.ex.Tick(context.Background())
	if got := nodeStatus(t, h, task.ID, "b"); got != models.NodeStatusReady {
		t.Fatalf("b = %s while paused, want ready", got)
	}

	cp, ok := h.gate.Pending(task.ID)
	if !ok {
		t.Fatal("no pending checkpoint")
	}
	if _, err := h.ex.Decide(context.Background(), cp.ID, models.DecisionApproved, "", nil); err != nil {
		t.Fatalf("Decide() error: %v", err)
	}
	if got := taskStatus(t, h, task.ID); got != models.TaskStatusRunning {
		t.Fatalf("task = %s after approval, want running", got)
	}

	h.ex.Tick(context.Background())
	if got := nodeStatus(t, h, task.ID, "b"); got != models.NodeStatusAssigned {
		t.Errorf("b = %s after resume, want assigned", got)
	}
}

func TestDecide_CorrectedOpensGuidedFix(t *testing.T) {
	h := newHarness(t, passingScorer())
	w := h.addWorker(t, "m1", "claude-code")
	task := submit(t, h, models.FrequencyHigh, []*models.Node{{ID: "a", Tool: "claude-code"}})

	h.ex.Tick(context.Background())
	a := h.claim(t, w)
	if err := h.ex.HandleResult(context.Background(), a.NodeID, w, models.Result{Success: true, Output: "v1"}); err != nil {
		t.Fatal(err)
	}

	cp, _ := h.gate.Pending(task.ID)
	if _, err := h.ex.Decide(context.Background(), cp.ID, models.DecisionCorrected, "handle the empty case", []string{"a"}); err != nil {
		t.Fatalf("Decide() error: %v", err)
	}

	_, nodes, _ := h.ex.Task(task.ID)
	var fix *models.Node
	for i := range nodes {
		if nodes[i].Type == models.NodeTypeFix {
			fix = &nodes[i]
		}
	}
	if fix == nil {
		t.Fatal("no fix subtask opened")
	}
	if fix.FixOf != "a" || fix.Guidance != "handle the empty case" {
		t.Errorf("fix = %+v", fix)
	}
	if fix.Status != models.NodeStatusReady {
		t.Errorf("fix status = %s, want ready", fix.Status)
	}

	// The fix carries the origin's output as revision context.
	h.ex.Tick(context.Background())
	fa := h.claim(t, w)
	if fa.NodeID != fix.ID || fa.Context != "v1" || fa.Guidance != "handle the empty case" {
		t.Errorf("fix assignment = %+v", fa)
	}
}

func TestDecide_RejectedCancelsRemainingWork(t *testing.T) {
	h := newHarness(t, passingScorer())
	w := h.addWorker(t, "m1", "claude-code")
	task := submit(t, h, models.FrequencyHigh, []*models.Node{
		{ID: "a", Tool: "claude-code"},
		{ID: "b", Tool: "claude-code", DependsOn: []string{"a"}},
	})

	h.ex.Tick(context.Background())
	a := h.claim(t, w)
	if err := h.ex.HandleResult(context.Background(), a.NodeID, w, models.Result{Success: true}); err != nil {
		t.Fatal(err)
	}

	cp, _ := h.gate.Pending(task.ID)
	if _, err := h.ex.Decide(context.Background(), cp.ID, models.DecisionRejected, "", nil); err != nil {
		t.Fatal(err)
	}

	if got := taskStatus(t, h, task.ID); got != models.TaskStatusCancelled {
		t.Errorf("task = %s, want cancelled", got)
	}
	if got := nodeStatus(t, h, task.ID, "a"); got != models.NodeStatusSucceeded {
		t.Errorf("completed node a = %s, must keep its terminal state", got)
	}
	if got := nodeStatus(t, h, task.ID, "b"); got != models.NodeStatusCancelled {
		t.Errorf("b = %s, want cancelled", got)
	}
}

func TestHumanCheckpointNode_PausesUntilApproved(t *testing.T) {
	h := newHarness(t, passingScorer())
	w := h.addWorker(t, "m1", "claude-code")
	task := submit(t, h, models.FrequencyLow, []*models.Node{
		{ID: "gen", Tool: "claude-code"},
		{ID: "review-gate", Tool: "none", Type: models.NodeTypeHumanCheckpoint, DependsOn: []string{"gen"}},
		{ID: "ship", Tool: "claude-code", DependsOn: []string{"review-gate"}},
	})

	h.ex.Tick(context.Background())
	a := h.claim(t, w)
	if err := h.ex.HandleResult(context.Background(), a.NodeID, w, models.Result{Success: true, Output: "ok"}); err != nil {
		t.Fatal(err)
	}

	h.ex.Tick(context.Background())
	if got := taskStatus(t, h, task.ID); got != models.TaskStatusPaused {
		t.Fatalf("task = %s, want paused at the checkpoint node", got)
	}

	cp, ok := h.gate.Pending(task.ID)
	if !ok || cp.Reason != models.ReasonRequested {
		t.Fatalf("pending checkpoint = %+v, want requested", cp)
	}

	if _, err := h.ex.Decide(context.Background(), cp.ID, models.DecisionApproved, "", nil); err != nil {
		t.Fatal(err)
	}
	if got := nodeStatus(t, h, task.ID, "review-gate"); got != models.NodeStatusSucceeded {
		t.Errorf("checkpoint node = %s, want succeeded", got)
	}
	if got := nodeStatus(t, h, task.ID, "ship"); got != models.NodeStatusReady {
		t.Errorf("ship = %s, want ready", got)
	}
}

func TestTask_CompletesWhenAllNodesSucceed(t *testing.T) {
	h := newHarness(t, passingScorer())
	w := h.addWorker(t, "m1", "claude-code")
	task := submit(t, h, models.FrequencyLow, []*models.Node{
		{ID: "a", Tool: "claude-code"},
		{ID: "b", Tool: "claude-code", DependsOn: []string{"a"}},
	})

	for i := 0; i < 2; i++ {
		h.ex.Tick(context.Background())
		a := h.claim(t, w)
		if err := h.ex.HandleResult(context.Background(), a.NodeID, w, models.Result{Success: true, Output: "ok"}); err != nil {
			t.Fatal(err)
		}
		// Low frequency fires its pre-terminal checkpoint before b runs.
		if cp, ok := h.gate.Pending(task.ID); ok {
			if _, err := h.ex.Decide(context.Background(), cp.ID, models.DecisionApproved, "", nil); err != nil {
				t.Fatal(err)
			}
		}
	}

	task2, _, _ := h.ex.Task(task.ID)
	if task2.Status != models.TaskStatusCompleted {
		t.Errorf("task = %s, want completed", task2.Status)
	}
	if task2.CompletedAt == nil {
		t.Error("completed task has no completion timestamp")
	}
}

func TestFailingEvaluation_InsertsFixIntoGraph(t *testing.T) {
	lowScorer := gate.ScorerFunc(func(context.Context, *models.Node) (models.DimensionScores, error) {
		return models.DimensionScores{CodeQuality: 4, Completeness: 4, Security: 8, Architecture: 4, Testability: 4}, nil
	})
	h := newHarness(t, lowScorer)
	w := h.addWorker(t, "m1", "claude-code")
	task := submit(t, h, models.FrequencyLow, []*models.Node{
		{ID: "a", Tool: "claude-code"},
		{ID: "b", Tool: "claude-code", DependsOn: []string{"a"}},
	})

	h.ex.Tick(context.Background())
	a := h.claim(t, w)
	if err := h.ex.HandleResult(context.Background(), a.NodeID, w, models.Result{Success: true, Output: "v1"}); err != nil {
		t.Fatal(err)
	}

	// The fix node now gates b: b must not be ready until the revision
	// succeeds.
	if got := nodeStatus(t, h, task.ID, "b"); got != models.NodeStatusPending {
		t.Errorf("b = %s, want pending behind the fix", got)
	}

	_, nodes, _ := h.ex.Task(task.ID)
	found := false
	for _, n := range nodes {
		if n.Type == models.NodeTypeFix && n.FixOf == "a" && n.Status == models.NodeStatusReady {
			found = true
		}
	}
	if !found {
		t.Error("expected a ready fix subtask targeting a")
	}
}

func TestSnapshot_CarriesTaskNodesAndPendingCheckpoint(t *testing.T) {
	h := newHarness(t, passingScorer())
	w := h.addWorker(t, "m1", "claude-code")
	task := submit(t, h, models.FrequencyHigh, []*models.Node{{ID: "a", Tool: "claude-code"}})

	h.ex.Tick(context.Background())
	a := h.claim(t, w)
	if err := h.ex.HandleResult(context.Background(), a.NodeID, w, models.Result{Success: true}); err != nil {
		t.Fatal(err)
	}

	raw, err := h.ex.Snapshot(task.ID)
	if err != nil {
		t.Fatalf("Snapshot() error: %v", err)
	}
	snap, ok := raw.(ResyncSnapshot)
	if !ok {
		t.Fatalf("snapshot type %T", raw)
	}
	if snap.Task.ID != task.ID || len(snap.Nodes) != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.PendingCheckpoint == nil {
		t.Error("snapshot missing the pending checkpoint")
	}
}

// restoreInto rebuilds a task in a fresh harness from a state snapshot,
// the way the serve command replays persisted rows after a restart.
func restoreInto(t *testing.T, h2 *harness, task models.Task, nodes []models.Node) {
	t.Helper()
	ptrs := make([]*models.Node, len(nodes))
	for i := range nodes {
		n := nodes[i]
		ptrs[i] = &n
	}
	if err := h2.ex.Restore(&task, ptrs); err != nil {
		t.Fatalf("Restore() error: %v", err)
	}
}

func TestRestart_FixRewiringSurvives(t *testing.T) {
	lowScorer := gate.ScorerFunc(func(context.Context, *models.Node) (models.DimensionScores, error) {
		return models.DimensionScores{CodeQuality: 4, Completeness: 4, Security: 8, Architecture: 4, Testability: 4}, nil
	})
	h := newHarness(t, lowScorer)
	w := h.addWorker(t, "m1", "claude-code")
	task := submit(t, h, models.FrequencyLow, []*models.Node{
		{ID: "a", Tool: "claude-code"},
		{ID: "b", Tool: "claude-code", DependsOn: []string{"a"}},
		{ID: "c", Tool: "claude-code", DependsOn: []string{"b"}},
	})

	h.ex.Tick(context.Background())
	a := h.claim(t, w)
	if err := h.ex.HandleResult(context.Background(), a.NodeID, w, models.Result{Success: true, Output: "v1"}); err != nil {
		t.Fatal(err)
	}

	taskSnap, nodeSnap, _ := h.ex.Task(task.ID)
	var fixID string
	for _, n := range nodeSnap {
		if n.Type == models.NodeTypeFix {
			fixID = n.ID
		}
	}
	if fixID == "" {
		t.Fatal("no fix subtask opened")
	}

	// The demoted dependent records the fix edge on itself; that is the
	// state the store writes out and a restart reads back.
	for _, n := range nodeSnap {
		if n.ID != "b" {
			continue
		}
		if n.Status != models.NodeStatusPending {
			t.Fatalf("b = %s, want pending behind the fix", n.Status)
		}
		if len(n.DependsOn) != 2 || n.DependsOn[1] != fixID {
			t.Fatalf("b depends on %v, want [a %s]", n.DependsOn, fixID)
		}
	}

	// Restart: replay the snapshot into a fresh coordinator, finish the
	// fix, and the dependent must come free.
	h2 := newHarness(t, passingScorer())
	restoreInto(t, h2, taskSnap, nodeSnap)
	w2 := h2.addWorker(t, "m2", "claude-code")

	h2.ex.Tick(context.Background())
	fa := h2.claim(t, w2)
	if fa.NodeID != fixID {
		t.Fatalf("restored assignment = %s, want the fix %s", fa.NodeID, fixID)
	}
	if err := h2.ex.HandleResult(context.Background(), fa.NodeID, w2, models.Result{Success: true, Output: "v2"}); err != nil {
		t.Fatal(err)
	}
	if got := nodeStatus(t, h2, task.ID, "b"); got != models.NodeStatusReady {
		t.Errorf("b = %s after the fix succeeded, want ready", got)
	}
}

func TestRestart_CheckpointApprovalCompletesNode(t *testing.T) {
	h := newHarness(t, passingScorer())
	w := h.addWorker(t, "m1", "claude-code")
	task := submit(t, h, models.FrequencyLow, []*models.Node{
		{ID: "gen", Tool: "claude-code"},
		{ID: "review-gate", Tool: "none", Type: models.NodeTypeHumanCheckpoint, DependsOn: []string{"gen"}},
		{ID: "ship", Tool: "claude-code", DependsOn: []string{"review-gate"}},
	})

	h.ex.Tick(context.Background())
	a := h.claim(t, w)
	if err := h.ex.HandleResult(context.Background(), a.NodeID, w, models.Result{Success: true, Output: "ok"}); err != nil {
		t.Fatal(err)
	}
	h.ex.Tick(context.Background())

	cp, ok := h.gate.Pending(task.ID)
	if !ok {
		t.Fatal("no pending checkpoint")
	}
	if cp.NodeID != "review-gate" {
		t.Fatalf("checkpoint node id = %q, want review-gate", cp.NodeID)
	}

	taskSnap, nodeSnap, _ := h.ex.Task(task.ID)

	h2 := newHarness(t, passingScorer())
	restoreInto(t, h2, taskSnap, nodeSnap)
	h2.gate.RestorePending(cp)
	h2.ex.RestoreCheckpoint(cp)

	if _, err := h2.ex.Decide(context.Background(), cp.ID, models.DecisionApproved, "", nil); err != nil {
		t.Fatalf("Decide() error: %v", err)
	}
	if got := nodeStatus(t, h2, task.ID, "review-gate"); got != models.NodeStatusSucceeded {
		t.Errorf("checkpoint node = %s after approval, want succeeded", got)
	}
	if got := nodeStatus(t, h2, task.ID, "ship"); got != models.NodeStatusReady {
		t.Errorf("ship = %s, want ready", got)
	}
	if got := taskStatus(t, h2, task.ID); got != models.TaskStatusRunning {
		t.Errorf("task = %s after approval, want running", got)
	}

	// The decided checkpoint must not be raised again on the next tick.
	h2.ex.Tick(context.Background())
	if _, pending := h2.gate.Pending(task.ID); pending {
		t.Error("duplicate checkpoint raised after restart approval")
	}
}
