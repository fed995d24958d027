// Package observability exposes Prometheus metrics for the coordinator.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksSubmitted counts accepted task submissions.
	TasksSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskmesh",
		Name:      "tasks_submitted_total",
		Help:      "Number of tasks accepted for execution.",
	})

	// TasksFinished counts tasks reaching a terminal state, by outcome.
	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskmesh",
		Name:      "tasks_finished_total",
		Help:      "Number of tasks reaching a terminal state.",
	}, []string{"status"})

	// NodeTransitions counts subtask state transitions.
	NodeTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskmesh",
		Name:      "node_transitions_total",
		Help:      "Number of subtask state transitions.",
	}, []string{"to"})

	// Assignments counts allocation outcomes per scheduling tick.
	Assignments = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskmesh",
		Name:      "assignments_total",
		Help:      "Number of subtask allocation attempts.",
	}, []string{"outcome"})

	// WorkersByStatus tracks the current worker fleet composition.
	WorkersByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "taskmesh",
		Name:      "workers",
		Help:      "Current number of workers by status.",
	}, []string{"status"})

	// CheckpointsRaised counts raised checkpoints by trigger reason.
	CheckpointsRaised = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskmesh",
		Name:      "checkpoints_raised_total",
		Help:      "Number of human checkpoints raised.",
	}, []string{"reason"})

	// EvaluationAggregate observes evaluation aggregate scores.
	EvaluationAggregate = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "taskmesh",
		Name:      "evaluation_aggregate",
		Help:      "Distribution of evaluation aggregate scores.",
		Buckets:   prometheus.LinearBuckets(0, 1, 11),
	})

	// HeartbeatsRejected counts rate-limited heartbeats.
	HeartbeatsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskmesh",
		Name:      "heartbeats_rejected_total",
		Help:      "Number of heartbeats rejected by the rate limiter.",
	})
)
