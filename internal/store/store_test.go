package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/taskmesh/taskmesh/pkg/models"
)

// tempDBPath returns a path to a temp database file.
func tempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.db")
}

// setupTestDB creates a new temporary database for testing.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

func TestOpen(t *testing.T) {
	path := tempDBPath(t)
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Errorf("database file does not exist at %s", path)
	}
}

func TestOpen_CreatesParentDirectories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "c", "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	db.Close()
}

func TestMigrate_Idempotent(t *testing.T) {
	db := setupTestDB(t)
	if err := db.Migrate(); err != nil {
		t.Fatalf("second Migrate failed: %v", err)
	}
}

func sampleTask() *models.Task {
	return &models.Task{
		ID:                  "task-1",
		Description:         "build the parser",
		CheckpointFrequency: models.FrequencyMedium,
		Privacy:             models.PrivacyStandard,
		Status:              models.TaskStatusRunning,
		CreatedAt:           time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestSaveTask_RoundTrip(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	task := sampleTask()
	if err := db.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask failed: %v", err)
	}

	node := &models.Node{
		ID:        "n1",
		TaskID:    task.ID,
		Title:     "generate parser",
		Tool:      "claude-code",
		Type:      models.NodeTypeGenerate,
		DependsOn: []string{"n0"},
		Status:    models.NodeStatusReady,
		NotBefore: time.Date(2025, 6, 1, 12, 0, 30, 0, time.UTC),
		CreatedAt: task.CreatedAt,
	}
	if err := db.SaveNode(ctx, node); err != nil {
		t.Fatalf("SaveNode failed: %v", err)
	}

	got, nodes, err := db.LoadTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("LoadTask failed: %v", err)
	}
	if got.Description != task.Description || got.Status != task.Status {
		t.Errorf("loaded task = %+v", got)
	}
	if !got.CreatedAt.Equal(task.CreatedAt) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, task.CreatedAt)
	}
	if len(nodes) != 1 {
		t.Fatalf("loaded %d nodes, want 1", len(nodes))
	}
	n := nodes[0]
	if n.Tool != "claude-code" || n.Status != models.NodeStatusReady {
		t.Errorf("loaded node = %+v", n)
	}
	if len(n.DependsOn) != 1 || n.DependsOn[0] != "n0" {
		t.Errorf("depends_on = %v", n.DependsOn)
	}
	if !n.NotBefore.Equal(node.NotBefore) {
		t.Errorf("not_before = %v, want %v", n.NotBefore, node.NotBefore)
	}
}

func TestSaveTask_UpdatesExisting(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	task := sampleTask()
	if err := db.SaveTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	done := time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC)
	task.Status = models.TaskStatusCompleted
	task.CompletedAt = &done
	if err := db.SaveTask(ctx, task); err != nil {
		t.Fatalf("update SaveTask failed: %v", err)
	}

	got, _, err := db.LoadTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.TaskStatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(done) {
		t.Errorf("completed_at = %v, want %v", got.CompletedAt, done)
	}
}

func TestLoadActiveTasks_ExcludesTerminal(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	running := sampleTask()
	if err := db.SaveTask(ctx, running); err != nil {
		t.Fatal(err)
	}

	completed := sampleTask()
	completed.ID = "task-2"
	completed.Status = models.TaskStatusCompleted
	if err := db.SaveTask(ctx, completed); err != nil {
		t.Fatal(err)
	}

	paused := sampleTask()
	paused.ID = "task-3"
	paused.Status = models.TaskStatusPaused
	if err := db.SaveTask(ctx, paused); err != nil {
		t.Fatal(err)
	}

	active, err := db.LoadActiveTasks(ctx)
	if err != nil {
		t.Fatalf("LoadActiveTasks failed: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("loaded %d active tasks, want 2", len(active))
	}
	for task := range active {
		if task.Status.Terminal() {
			t.Errorf("terminal task %s loaded as active", task.ID)
		}
	}
}

func TestCheckpoints_PendingRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	cp := &models.Checkpoint{
		ID:             "cp-1",
		TaskID:         "task-1",
		Reason:         models.ReasonCriticalSecurity,
		NodeID:         "review-gate",
		CompletedNodes: []string{"n1", "n2"},
		Decision:       models.DecisionPending,
		CreatedAt:      time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC),
	}
	if err := db.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	pending, err := db.PendingCheckpoints(ctx)
	if err != nil {
		t.Fatalf("PendingCheckpoints failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("got %d pending checkpoints, want 1", len(pending))
	}
	got := pending[0]
	if got.Reason != models.ReasonCriticalSecurity || len(got.CompletedNodes) != 2 {
		t.Errorf("loaded checkpoint = %+v", got)
	}
	if got.NodeID != "review-gate" {
		t.Errorf("loaded node id = %q, want review-gate", got.NodeID)
	}

	// A decided checkpoint disappears from the pending set.
	decided := time.Date(2025, 6, 1, 12, 45, 0, 0, time.UTC)
	cp.Decision = models.DecisionApproved
	cp.DecidedAt = &decided
	if err := db.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatal(err)
	}
	pending, err = db.PendingCheckpoints(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("got %d pending checkpoints after decision, want 0", len(pending))
	}
}

func TestSaveEvaluation(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	ev := &models.Evaluation{
		ID:     "ev-1",
		NodeID: "n1",
		Scores: models.DimensionScores{
			CodeQuality: 8, Completeness: 9, Security: 6, Architecture: 8, Testability: 8,
		},
		Aggregate: 7.64,
		Passed:    true,
		CreatedAt: time.Date(2025, 6, 1, 12, 15, 0, 0, time.UTC),
	}
	if err := db.SaveEvaluation(ctx, ev); err != nil {
		t.Fatalf("SaveEvaluation failed: %v", err)
	}
	// Immutable: a second write with the same id is ignored, not an error.
	if err := db.SaveEvaluation(ctx, ev); err != nil {
		t.Fatalf("repeat SaveEvaluation failed: %v", err)
	}
}
