// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package metrics exposes the core's Prometheus collectors: the
// standing-tasks gauge per running job and scheduling attempt/outcome
// counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StandingTasks is the number of non-terminated tasks per running job.
	StandingTasks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fedcore",
		Name:      "standing_tasks",
		Help:      "Number of non-terminated tasks per running job.",
	}, []string{"job_id"})

	// ScheduleAttempts counts scheduling attempts by outcome: "scheduled",
	// "deferred" (no candidate could be placed this tick), or "at_capacity"
	// (max_concurrent_jobs reached).
	ScheduleAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fedcore",
		Name:      "schedule_attempts_total",
		Help:      "Scheduling attempts by outcome.",
	}, []string{"outcome"})

	// JobsByTerminalStatus counts jobs reaching each terminal status.
	JobsByTerminalStatus = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fedcore",
		Name:      "jobs_finished_total",
		Help:      "Jobs reaching a terminal status.",
	}, []string{"status"})

	// RunningJobs is the number of jobs currently DISPATCHED or RUNNING.
	RunningJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fedcore",
		Name:      "running_jobs",
		Help:      "Jobs currently scheduled (DISPATCHED or RUNNING).",
	})
)
