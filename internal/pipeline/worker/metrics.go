// SPDX-License-Identifier: MIT

package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medvault_session_transitions_total",
			Help: "Session state transitions.",
		},
		[]string{"from", "to"},
	)
	stageOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medvault_stage_outcomes_total",
			Help: "Pipeline stage results.",
		},
		[]string{"stage", "outcome"},
	)
	stageRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medvault_stage_retries_total",
			Help: "Transient stage failures that were re-attempted.",
		},
		[]string{"stage"},
	)
	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "medvault_queue_depth",
			Help: "Sessions waiting for a worker.",
		},
	)
	sessionsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medvault_sessions_completed_total",
			Help: "Sessions that reached a terminal state, by result.",
		},
		[]string{"result"},
	)
)
