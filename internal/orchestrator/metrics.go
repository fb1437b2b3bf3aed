package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PhaseTransitionsTotal counts conversation phase changes.
	// Labels: from, to
	PhaseTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentd",
			Subsystem: "conversation",
			Name:      "phase_transitions_total",
			Help:      "Total number of conversation phase transitions",
		},
		[]string{"from", "to"},
	)

	// PlansTotal counts plans reaching an outcome.
	// Labels: outcome (completed, failed, cancelled, rejected)
	PlansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentd",
			Name:      "plans_total",
			Help:      "Total number of plans by outcome",
		},
		[]string{"outcome"},
	)

	// FileExecutionsTotal counts file executions reaching a terminal status.
	// Labels: operation, status
	FileExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentd",
			Name:      "file_executions_total",
			Help:      "Total number of file executions by operation and final status",
		},
		[]string{"operation", "status"},
	)

	// RollbacksTotal counts per-file restore attempts.
	// Labels: result (success, error)
	RollbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentd",
			Name:      "rollbacks_total",
			Help:      "Total number of file rollback attempts",
		},
		[]string{"result"},
	)

	// FileExecutionDuration tracks generate+write time per file.
	FileExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "agentd",
			Name:      "file_execution_duration_seconds",
			Help:      "Duration of file generation and write in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// ActiveExecutions is the number of plans currently executing.
	ActiveExecutions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "agentd",
			Name:      "active_executions",
			Help:      "Number of plans currently executing",
		},
	)
)
