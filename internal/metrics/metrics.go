// Package metrics exposes Prometheus counters for the registry's serving
// surfaces. The kb core stays metrics-free; instrumentation lives at the
// API boundary.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EntriesAdded counts add operations, labelled by entry kind.
	EntriesAdded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recall",
		Name:      "entries_added_total",
		Help:      "Entries added or merged, by kind.",
	}, []string{"kind"})

	// EntriesRemoved counts explicit removals and expiry sweeps.
	EntriesRemoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recall",
		Name:      "entries_removed_total",
		Help:      "Entries removed, by cause (remove, expired, pruned).",
	}, []string{"cause"})

	// Searches counts search calls, labelled by the strategy that served them.
	Searches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recall",
		Name:      "searches_total",
		Help:      "Search requests, by ranking strategy.",
	}, []string{"strategy"})

	// EmbedJobs counts backfill job outcomes.
	EmbedJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recall",
		Name:      "embed_jobs_total",
		Help:      "Embedding backfill jobs, by outcome (completed, failed).",
	}, []string{"outcome"})
)
