// Package observability holds the Prometheus collectors for the accrual job.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RunsTotal counts RunCycle calls by outcome (success, failed, skipped).
var RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "leave_accrual",
	Subsystem: "runner",
	Name:      "runs_total",
	Help:      "Total accrual runs by outcome.",
}, []string{"outcome"})

// LockContention counts runs that found the lock held by another run.
var LockContention = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "leave_accrual",
	Subsystem: "lock",
	Name:      "contention_total",
	Help:      "Total runs skipped because another run held the lock.",
})

// LockHeld is 1 while this process holds the run lock.
var LockHeld = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "leave_accrual",
	Subsystem: "lock",
	Name:      "held",
	Help:      "Whether this process currently holds the run lock.",
})

var AccountsAccrued = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "leave_accrual",
	Subsystem: "runner",
	Name:      "accounts_accrued_total",
	Help:      "Total account updates applied.",
})

var AccountFailures = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "leave_accrual",
	Subsystem: "runner",
	Name:      "account_failures_total",
	Help:      "Total accounts that failed to process.",
})

// DaysAccrued is a float counter; balances are decimal but metrics need not be exact.
var DaysAccrued = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "leave_accrual",
	Subsystem: "runner",
	Name:      "days_accrued_total",
	Help:      "Total leave days credited.",
})

var RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "leave_accrual",
	Subsystem: "runner",
	Name:      "run_duration_seconds",
	Help:      "Wall time of runs that held the lock.",
	Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
})
