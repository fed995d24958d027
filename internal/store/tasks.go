package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/taskmesh/taskmesh/pkg/models"
)

// SaveTask inserts or updates a task record.
func (db *DB) SaveTask(ctx context.Context, t *models.Task) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO tasks (id, description, checkpoint_frequency, privacy_level, status, error, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			completed_at = excluded.completed_at
	`, t.ID, t.Description, string(t.CheckpointFrequency), string(t.Privacy),
		string(t.Status), t.Error, formatTime(t.CreatedAt), formatNullableTime(t.CompletedAt))
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

// SaveNode inserts or updates a subtask record.
func (db *DB) SaveNode(ctx context.Context, n *models.Node) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	deps, err := json.Marshal(n.DependsOn)
	if err != nil {
		return fmt.Errorf("encode dependencies for %s: %w", n.ID, err)
	}

	var notBefore any
	if !n.NotBefore.IsZero() {
		notBefore = formatTime(n.NotBefore)
	}

	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO nodes (id, task_id, title, tool, type, depends_on, status, assigned_to,
			retry_count, not_before, output, evaluation_id, error, fix_of, guidance,
			prior_attempt, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			depends_on = excluded.depends_on,
			status = excluded.status,
			assigned_to = excluded.assigned_to,
			retry_count = excluded.retry_count,
			not_before = excluded.not_before,
			output = excluded.output,
			evaluation_id = excluded.evaluation_id,
			error = excluded.error,
			guidance = excluded.guidance,
			prior_attempt = excluded.prior_attempt,
			completed_at = excluded.completed_at
	`, n.ID, n.TaskID, n.Title, n.Tool, string(n.Type), string(deps), string(n.Status),
		n.AssignedTo, n.RetryCount, notBefore, n.Output, n.EvaluationID, n.Error,
		n.FixOf, n.Guidance, n.PriorAttempt, formatTime(n.CreatedAt), formatNullableTime(n.CompletedAt))
	if err != nil {
		return fmt.Errorf("save subtask %s: %w", n.ID, err)
	}
	return nil
}

// SaveCheckpoint inserts or updates a checkpoint record.
func (db *DB) SaveCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	completed, err := json.Marshal(cp.CompletedNodes)
	if err != nil {
		return fmt.Errorf("encode completed nodes for %s: %w", cp.ID, err)
	}

	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO checkpoints (id, task_id, reason, node_id, completed_nodes, decision, guidance, created_at, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			decision = excluded.decision,
			guidance = excluded.guidance,
			decided_at = excluded.decided_at
	`, cp.ID, cp.TaskID, string(cp.Reason), cp.NodeID, string(completed), string(cp.Decision),
		cp.Guidance, formatTime(cp.CreatedAt), formatNullableTime(cp.DecidedAt))
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.ID, err)
	}
	return nil
}

// SaveEvaluation inserts an evaluation record. Evaluations are
// immutable once written.
func (db *DB) SaveEvaluation(ctx context.Context, ev *models.Evaluation) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	passed := 0
	if ev.Passed {
		passed = 1
	}

	_, err := db.conn.ExecContext(ctx, `
		INSERT OR IGNORE INTO evaluations (id, node_id, code_quality, completeness, security,
			architecture, testability, aggregate, passed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.NodeID, ev.Scores.CodeQuality, ev.Scores.Completeness, ev.Scores.Security,
		ev.Scores.Architecture, ev.Scores.Testability, ev.Aggregate, passed, formatTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("save evaluation %s: %w", ev.ID, err)
	}
	return nil
}

// LoadTask loads one task and its subtasks.
func (db *DB) LoadTask(ctx context.Context, taskID string) (*models.Task, []*models.Node, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	task, err := db.scanTask(db.conn.QueryRowContext(ctx,
		`SELECT id, description, checkpoint_frequency, privacy_level, status, error, created_at, completed_at
		 FROM tasks WHERE id = ?`, taskID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, fmt.Errorf("task %s not found", taskID)
		}
		return nil, nil, fmt.Errorf("load task %s: %w", taskID, err)
	}

	nodes, err := db.loadNodesLocked(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	return task, nodes, nil
}

// LoadActiveTasks loads every non-terminal task with its subtasks, for
// resuming execution after a coordinator restart.
func (db *DB) LoadActiveTasks(ctx context.Context) (map[*models.Task][]*models.Node, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, description, checkpoint_frequency, privacy_level, status, error, created_at, completed_at
		 FROM tasks WHERE status NOT IN ('completed', 'failed', 'cancelled')
		 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("load active tasks: %w", err)
	}
	defer rows.Close()

	out := make(map[*models.Task][]*models.Node)
	var tasks []*models.Task
	for rows.Next() {
		task, err := db.scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}

	for _, task := range tasks {
		nodes, err := db.loadNodesLocked(ctx, task.ID)
		if err != nil {
			return nil, err
		}
		out[task] = nodes
	}
	return out, nil
}

// PendingCheckpoints loads all undecided checkpoints.
func (db *DB) PendingCheckpoints(ctx context.Context) ([]*models.Checkpoint, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, task_id, reason, node_id, completed_nodes, decision, guidance, created_at, decided_at
		 FROM checkpoints WHERE decision = 'pending' ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("load pending checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*models.Checkpoint
	for rows.Next() {
		var cp models.Checkpoint
		var nodeID sql.NullString
		var completed sql.NullString
		var guidance sql.NullString
		var createdAt string
		var decidedAt sql.NullString
		if err := rows.Scan(&cp.ID, &cp.TaskID, (*string)(&cp.Reason), &nodeID, &completed,
			(*string)(&cp.Decision), &guidance, &createdAt, &decidedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cp.NodeID = nodeID.String
		if completed.Valid && completed.String != "" {
			if err := json.Unmarshal([]byte(completed.String), &cp.CompletedNodes); err != nil {
				return nil, fmt.Errorf("decode completed nodes for %s: %w", cp.ID, err)
			}
		}
		cp.Guidance = guidance.String
		if cp.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse checkpoint time: %w", err)
		}
		cp.DecidedAt = parseNullableTime(decidedAt)
		out = append(out, &cp)
	}
	return out, rows.Err()
}

// rowScanner abstracts sql.Row and sql.Rows for shared scan logic.
type rowScanner interface {
	Scan(dest ...any) error
}

func (db *DB) scanTask(row rowScanner) (*models.Task, error) {
	var t models.Task
	var errMsg sql.NullString
	var createdAt string
	var completedAt sql.NullString

	err := row.Scan(&t.ID, &t.Description, (*string)(&t.CheckpointFrequency),
		(*string)(&t.Privacy), (*string)(&t.Status), &errMsg, &createdAt, &completedAt)
	if err != nil {
		return nil, err
	}

	t.Error = errMsg.String
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse task created_at: %w", err)
	}
	t.CompletedAt = parseNullableTime(completedAt)
	return &t, nil
}

// loadNodesLocked loads a task's subtasks sorted by creation order.
// Caller must hold at least a read lock.
func (db *DB) loadNodesLocked(ctx context.Context, taskID string) ([]*models.Node, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, task_id, title, tool, type, depends_on, status, assigned_to,
			retry_count, not_before, output, evaluation_id, error, fix_of, guidance,
			prior_attempt, created_at, completed_at
		 FROM nodes WHERE task_id = ? ORDER BY created_at, id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("load subtasks for %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []*models.Node
	for rows.Next() {
		var n models.Node
		var title, deps, assignedTo, notBefore, output, evalID, errMsg, fixOf, guidance, prior sql.NullString
		var createdAt string
		var completedAt sql.NullString

		err := rows.Scan(&n.ID, &n.TaskID, &title, &n.Tool, (*string)(&n.Type), &deps,
			(*string)(&n.Status), &assignedTo, &n.RetryCount, &notBefore, &output,
			&evalID, &errMsg, &fixOf, &guidance, &prior, &createdAt, &completedAt)
		if err != nil {
			return nil, fmt.Errorf("scan subtask: %w", err)
		}

		n.Title = title.String
		n.AssignedTo = assignedTo.String
		n.Output = output.String
		n.EvaluationID = evalID.String
		n.Error = errMsg.String
		n.FixOf = fixOf.String
		n.Guidance = guidance.String
		n.PriorAttempt = prior.String

		if deps.Valid && deps.String != "" && deps.String != "null" {
			if err := json.Unmarshal([]byte(deps.String), &n.DependsOn); err != nil {
				return nil, fmt.Errorf("decode dependencies for %s: %w", n.ID, err)
			}
		}
		if notBefore.Valid && notBefore.String != "" {
			if n.NotBefore, err = parseTime(notBefore.String); err != nil {
				return nil, fmt.Errorf("parse not_before for %s: %w", n.ID, err)
			}
		}
		if n.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at for %s: %w", n.ID, err)
		}
		n.CompletedAt = parseNullableTime(completedAt)

		out = append(out, &n)
	}
	return out, rows.Err()
}
