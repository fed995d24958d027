package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/taskmesh/taskmesh/internal/executor"
	"github.com/taskmesh/taskmesh/pkg/models"
)

// fakeCoordinator is an httptest stand-in for the coordinator's worker
// API. Assignments are fed through a channel; reported results come
// back on another.
type fakeCoordinator struct {
	t *testing.T

	mu        sync.Mutex
	registers int
	failBeats int

	assignments chan executor.Assignment
	results     chan reportedResult
	unregisters chan string
}

type reportedResult struct {
	nodeID   string
	workerID string
	result   models.Result
}

func newFakeCoordinator(t *testing.T) (*fakeCoordinator, *httptest.Server) {
	t.Helper()
	fc := &fakeCoordinator{
		t:           t,
		assignments: make(chan executor.Assignment, 4),
		results:     make(chan reportedResult, 4),
		unregisters: make(chan string, 1),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/workers", func(w http.ResponseWriter, r *http.Request) {
		fc.mu.Lock()
		fc.registers++
		fc.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"worker_id": "w-test", "status": "registering"})
	})
	mux.HandleFunc("POST /v1/workers/{id}/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		fc.mu.Lock()
		fail := fc.failBeats > 0
		if fail {
			fc.failBeats--
		}
		fc.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "unknown worker, re-register"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	mux.HandleFunc("DELETE /v1/workers/{id}", func(w http.ResponseWriter, r *http.Request) {
		select {
		case fc.unregisters <- r.PathValue("id"):
		default:
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /v1/workers/{id}/assignment", func(w http.ResponseWriter, r *http.Request) {
		select {
		case a := <-fc.assignments:
			json.NewEncoder(w).Encode(a)
		case <-time.After(20 * time.Millisecond):
			w.WriteHeader(http.StatusNoContent)
		case <-r.Context().Done():
			w.WriteHeader(http.StatusNoContent)
		}
	})
	mux.HandleFunc("POST /v1/subtasks/{id}/result", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			WorkerID string            `json:"worker_id"`
			Success  bool              `json:"success"`
			Output   string            `json:"output"`
			Error    string            `json:"error"`
			Metadata map[string]string `json:"metadata"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		fc.results <- reportedResult{
			nodeID:   r.PathValue("id"),
			workerID: body.WorkerID,
			result: models.Result{
				Success: body.Success, Output: body.Output,
				Error: body.Error, Metadata: body.Metadata,
			},
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return fc, srv
}

func (fc *fakeCoordinator) registerCount() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.registers
}

// scriptRunner is a CommandRunner returning canned output, recording
// the stdin prompt it was handed.
type scriptRunner struct {
	mu      sync.Mutex
	prompts []string
	output  string
	err     error
	block   bool
	started chan struct{}
}

func (r *scriptRunner) Run(ctx context.Context, dir, stdin, name string, args ...string) (string, error) {
	r.mu.Lock()
	r.prompts = append(r.prompts, stdin)
	r.mu.Unlock()
	if r.started != nil {
		close(r.started)
	}
	if r.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return r.output, r.err
}

func (r *scriptRunner) lastPrompt() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.prompts) == 0 {
		return ""
	}
	return r.prompts[len(r.prompts)-1]
}

func testAgent(t *testing.T, url string, runner *scriptRunner) *Agent {
	t.Helper()
	a, err := New(Config{
		CoordinatorURL:    url,
		Name:              "test-worker",
		MachineID:         "machine-1",
		Capabilities:      []string{"codex"},
		HeartbeatInterval: 10 * time.Millisecond,
		Runner:            runner,
		Sampler: func() models.Resources {
			return models.Resources{CPUPercent: 10, MemoryPercent: 20}
		},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return a
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{Capabilities: []string{"codex"}}); err == nil {
		t.Error("New() without coordinator URL should fail")
	}
	if _, err := New(Config{CoordinatorURL: "http://x"}); err == nil {
		t.Error("New() without capabilities should fail")
	}
}

func TestRun_ExecutesAssignmentAndReportsResult(t *testing.T) {
	fc, srv := newFakeCoordinator(t)
	runner := &scriptRunner{output: "patch written"}
	a := testAgent(t, srv.URL, runner)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	fc.assignments <- executor.Assignment{
		NodeID: "n1", TaskID: "t1", Title: "Write the parser", Tool: "codex",
		Type: models.NodeTypeGenerate,
	}

	select {
	case rep := <-fc.results:
		if rep.nodeID != "n1" || rep.workerID != "w-test" {
			t.Errorf("result for node %s by %s, want n1 by w-test", rep.nodeID, rep.workerID)
		}
		if !rep.result.Success || rep.result.Output != "patch written" {
			t.Errorf("result = %+v, want success with tool output", rep.result)
		}
		if rep.result.Metadata["machine_id"] != "machine-1" {
			t.Errorf("metadata machine_id = %q", rep.result.Metadata["machine_id"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no result reported")
	}

	if got := runner.lastPrompt(); got != "Write the parser" {
		t.Errorf("prompt = %q", got)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not stop")
	}
	select {
	case id := <-fc.unregisters:
		if id != "w-test" {
			t.Errorf("unregistered %q, want w-test", id)
		}
	case <-time.After(time.Second):
		t.Error("agent never unregistered on shutdown")
	}
}

func TestRun_ToolFailureReportsError(t *testing.T) {
	fc, srv := newFakeCoordinator(t)
	runner := &scriptRunner{output: "partial", err: context.DeadlineExceeded}
	a := testAgent(t, srv.URL, runner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	fc.assignments <- executor.Assignment{NodeID: "n1", TaskID: "t1", Tool: "codex"}

	select {
	case rep := <-fc.results:
		if rep.result.Success {
			t.Error("result reported success for a failed tool run")
		}
		if rep.result.Error == "" {
			t.Error("failure report carries no error message")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no result reported")
	}
}

func TestRun_CancellationNoticeAbortsTool(t *testing.T) {
	fc, srv := newFakeCoordinator(t)
	runner := &scriptRunner{block: true, started: make(chan struct{})}
	a := testAgent(t, srv.URL, runner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	fc.assignments <- executor.Assignment{NodeID: "n1", TaskID: "t1", Tool: "codex"}

	select {
	case <-runner.started:
	case <-time.After(2 * time.Second):
		t.Fatal("tool never started")
	}

	fc.assignments <- executor.Assignment{NodeID: "n1", TaskID: "t1", Cancelled: true}

	// An abandoned run reports nothing; the coordinator already moved on.
	select {
	case rep := <-fc.results:
		t.Errorf("abandoned subtask reported a result: %+v", rep.result)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestRun_ReregistersWhenForgotten(t *testing.T) {
	fc, srv := newFakeCoordinator(t)
	a := testAgent(t, srv.URL, &scriptRunner{output: "ok"})

	fc.mu.Lock()
	fc.failBeats = 1
	fc.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for fc.registerCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("registered %d times, want re-registration after rejected heartbeat", fc.registerCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPrompt_FixAssignmentFoldsInContext(t *testing.T) {
	a := &Agent{}
	got := a.prompt(executor.Assignment{
		Title:    "Revise: Write the parser",
		Type:     models.NodeTypeFix,
		Context:  "func parse() {}",
		Guidance: "handle empty input",
	})
	for _, want := range []string{"Revise: Write the parser", "func parse() {}", "handle empty input"} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q:\n%s", want, got)
		}
	}
}

func TestSampleResources_WithinRange(t *testing.T) {
	res := SampleResources()
	for name, v := range map[string]float64{
		"cpu": res.CPUPercent, "memory": res.MemoryPercent, "disk": res.DiskPercent,
	} {
		if v < 0 || v > 100 {
			t.Errorf("%s = %v, want 0..100", name, v)
		}
	}
}
