// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

// Package metrics exposes engine counters on the default Prometheus registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CommitsTotal counts committed versions by operation.
	CommitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lancedb_commits_total",
			Help: "Total number of committed table versions",
		},
		[]string{"operation"},
	)
	// CommitConflictsTotal counts commits that lost the race for a version.
	CommitConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lancedb_commit_conflicts_total",
			Help: "Total number of commits rejected because the version already existed",
		},
	)
	// QueriesTotal counts executed queries by strategy and outcome.
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lancedb_queries_total",
			Help: "Total number of executed queries",
		},
		[]string{"strategy", "status"},
	)
	// QueryDuration is the time to open a result stream.
	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lancedb_query_duration_seconds",
			Help:    "Query planning and ranking latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"strategy"},
	)
	// CompactedFragmentsTotal counts fragments removed and added by compaction.
	CompactedFragmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lancedb_compaction_fragments_total",
			Help: "Fragments removed or added by compaction",
		},
		[]string{"action"},
	)
	// CleanupBytesTotal counts bytes reclaimed by version cleanup.
	CleanupBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lancedb_cleanup_bytes_removed_total",
			Help: "Bytes removed by version cleanup",
		},
	)
	// CacheLookupsTotal counts fragment and index cache lookups.
	CacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lancedb_cache_lookups_total",
			Help: "Cache lookups by cache and result",
		},
		[]string{"cache", "result"},
	)
)
