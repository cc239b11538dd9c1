package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rawAppended = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gradedb_raw_appended_total",
		Help: "Raw data points appended to the store.",
	})
	conflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gradedb_raw_conflicts_total",
		Help: "Raw appends rejected for conflicting values at an identical timestamp.",
	})
	materialized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gradedb_current_materialized_total",
		Help: "Current-value cache rows materialized.",
	})
	keysCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gradedb_keys_created_total",
		Help: "Namespace keys created, ancestors included.",
	})
	commitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gradedb_batch_commit_seconds",
		Help:    "Latency of atomic store batch commits.",
		Buckets: prometheus.DefBuckets,
	})
)
