package gate

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/pkg/models"
)

// Scorer produces the five dimension scores for a completed subtask's
// output. The production scorer calls an external reviewer tool; tests
// inject deterministic implementations.
type Scorer interface {
	Score(ctx context.Context, node *models.Node) (models.DimensionScores, error)
}

// ScorerFunc adapts a function to the Scorer interface.
type ScorerFunc func(ctx context.Context, node *models.Node) (models.DimensionScores, error)

// Score implements Scorer.
func (f ScorerFunc) Score(ctx context.Context, node *models.Node) (models.DimensionScores, error) {
	return f(ctx, node)
}

// evaluate scores the node's output and combines the dimensions into a
// weighted aggregate. A scorer failure is treated as a skipped
// evaluation: it returns nil and never blocks the node's progression.
func (g *Gate) evaluate(ctx context.Context, node *models.Node) *models.Evaluation {
	scores, err := g.scorer.Score(ctx, node)
	if err != nil {
		slog.Warn("evaluation skipped, scorer failed",
			"node_id", node.ID, "task_id", node.TaskID, "error", err)
		return nil
	}
	if !scores.Valid() {
		slog.Warn("evaluation skipped, scores out of range",
			"node_id", node.ID, "task_id", node.TaskID)
		return nil
	}

	cfg := g.Config()
	aggregate := cfg.Weights.Aggregate(scores)

	return &models.Evaluation{
		ID:        uuid.New().String(),
		NodeID:    node.ID,
		Scores:    scores,
		Aggregate: aggregate,
		Passed:    aggregate >= cfg.PassThreshold,
		CreatedAt: g.now(),
	}
}

var errNoScorer = errors.New("no scorer configured")

// neverScore is the default scorer when none is injected. It skips every
// evaluation, which keeps the gate's frequency checkpoints working while
// disabling score-driven fixes.
func neverScore(context.Context, *models.Node) (models.DimensionScores, error) {
	return models.DimensionScores{}, errNoScorer
}
