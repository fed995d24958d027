package models

import "time"

// CheckpointDecision represents the human decision on a checkpoint.
type CheckpointDecision string

const (
	// DecisionPending indicates the checkpoint awaits a decision.
	DecisionPending CheckpointDecision = "pending"
	// DecisionApproved resumes normal DAG progression.
	DecisionApproved CheckpointDecision = "approved"
	// DecisionCorrected attaches human guidance and opens fix nodes for
	// the specified subtasks.
	DecisionCorrected CheckpointDecision = "corrected"
	// DecisionRejected cancels all remaining non-terminal subtasks.
	DecisionRejected CheckpointDecision = "rejected"
)

// Valid returns true if the decision is a known value.
func (d CheckpointDecision) Valid() bool {
	switch d {
	case DecisionPending, DecisionApproved, DecisionCorrected, DecisionRejected:
		return true
	default:
		return false
	}
}

// CheckpointReason identifies what triggered a checkpoint.
type CheckpointReason string

const (
	// ReasonFrequency indicates the task's checkpoint frequency schedule fired.
	ReasonFrequency CheckpointReason = "frequency"
	// ReasonPreTerminal indicates the low-frequency gate before the
	// task's final subtask.
	ReasonPreTerminal CheckpointReason = "pre_terminal"
	// ReasonCriticalSecurity indicates an evaluation's security score
	// fell below the critical threshold.
	ReasonCriticalSecurity CheckpointReason = "critical_security"
	// ReasonFixLimit indicates a node exhausted its automatic fix cycles.
	ReasonFixLimit CheckpointReason = "fix_limit"
	// ReasonRequested indicates an explicit human-checkpoint node in the
	// submitted graph became ready.
	ReasonRequested CheckpointReason = "requested"
)

// Checkpoint is a human-review gate that pauses DAG progression for its
// task until an explicit decision is recorded. There is no timeout: a
// paused task stays paused until decided or cancelled.
type Checkpoint struct {
	// ID is the unique identifier for this checkpoint.
	ID string `json:"id"`
	// TaskID is the ID of the paused task.
	TaskID string `json:"task_id"`
	// Reason is what triggered the checkpoint.
	Reason CheckpointReason `json:"reason"`
	// NodeID is the human-checkpoint node that raised this checkpoint,
	// set only when the trigger was a node in the submitted graph. The
	// decision completes that node, across restarts included.
	NodeID string `json:"node_id,omitempty"`
	// CompletedNodes snapshots the IDs of recently completed subtasks at
	// the moment the checkpoint was raised.
	CompletedNodes []string `json:"completed_nodes,omitempty"`
	// Decision is the recorded human decision.
	Decision CheckpointDecision `json:"decision"`
	// Guidance carries the human's correction notes, if any.
	Guidance string `json:"guidance,omitempty"`
	// CreatedAt is when the checkpoint was raised.
	CreatedAt time.Time `json:"created_at"`
	// DecidedAt is when the decision was recorded, if it has been.
	DecidedAt *time.Time `json:"decided_at,omitempty"`
}

// DimensionScores holds the five per-dimension evaluation scores, each
// in the range 0-10.
type DimensionScores struct {
	// CodeQuality measures clarity, style, and idiom.
	CodeQuality float64 `json:"code_quality"`
	// Completeness measures whether the output covers the subtask.
	Completeness float64 `json:"completeness"`
	// Security measures the absence of vulnerable patterns.
	Security float64 `json:"security"`
	// Architecture measures alignment with the surrounding design.
	Architecture float64 `json:"architecture"`
	// Testability measures how verifiable the output is.
	Testability float64 `json:"testability"`
}

// Valid returns true if every score is within 0-10.
func (s DimensionScores) Valid() bool {
	for _, v := range []float64{s.CodeQuality, s.Completeness, s.Security, s.Architecture, s.Testability} {
		if v < 0 || v > 10 {
			return false
		}
	}
	return true
}

// EvaluationWeights holds the per-dimension weights used to combine
// scores into an aggregate. Weights are injected, not hardcoded, so the
// scoring policy is testable in isolation.
type EvaluationWeights struct {
	CodeQuality  float64 `json:"code_quality" mapstructure:"code_quality"`
	Completeness float64 `json:"completeness" mapstructure:"completeness"`
	Security     float64 `json:"security" mapstructure:"security"`
	Architecture float64 `json:"architecture" mapstructure:"architecture"`
	Testability  float64 `json:"testability" mapstructure:"testability"`
}

// DefaultEvaluationWeights returns the standard weighting: security x2,
// completeness and code quality x1.5, architecture and testability x1.
func DefaultEvaluationWeights() EvaluationWeights {
	return EvaluationWeights{
		CodeQuality:  1.5,
		Completeness: 1.5,
		Security:     2,
		Architecture: 1,
		Testability:  1,
	}
}

// Sum returns the total of all weights.
func (w EvaluationWeights) Sum() float64 {
	return w.CodeQuality + w.Completeness + w.Security + w.Architecture + w.Testability
}

// Aggregate computes the weighted mean of the dimension scores. The
// result is deterministic for a given input: identical scores and
// weights always produce the identical aggregate.
func (w EvaluationWeights) Aggregate(s DimensionScores) float64 {
	total := w.Sum()
	if total == 0 {
		return 0
	}
	weighted := s.CodeQuality*w.CodeQuality +
		s.Completeness*w.Completeness +
		s.Security*w.Security +
		s.Architecture*w.Architecture +
		s.Testability*w.Testability
	return weighted / total
}

// Evaluation is the automated multi-dimension quality score for a
// subtask's output.
type Evaluation struct {
	// ID is the unique identifier for this evaluation.
	ID string `json:"id"`
	// NodeID is the subtask whose output was scored.
	NodeID string `json:"node_id"`
	// Scores holds the per-dimension scores.
	Scores DimensionScores `json:"scores"`
	// Aggregate is the weighted mean of the scores.
	Aggregate float64 `json:"aggregate"`
	// Passed indicates the aggregate met the pass threshold.
	Passed bool `json:"passed"`
	// CreatedAt is when the evaluation was computed.
	CreatedAt time.Time `json:"created_at"`
}
