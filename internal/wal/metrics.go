package wal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	walAppends = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "driftlog",
		Subsystem: "wal",
		Name:      "appends_total",
		Help:      "Number of records appended to the WAL.",
	})
	walAppendedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "driftlog",
		Subsystem: "wal",
		Name:      "appended_bytes_total",
		Help:      "Payload bytes appended to the WAL, before framing.",
	})
	walTruncations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "driftlog",
		Subsystem: "wal",
		Name:      "truncations_total",
		Help:      "Truncate calls by outcome (success, noop, missing_queue, error).",
	}, []string{"outcome"})
	walQueueDeletions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "driftlog",
		Subsystem: "wal",
		Name:      "queue_deletions_total",
		Help:      "Number of queues deleted from the WAL.",
	})
	walSegmentRotations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "driftlog",
		Subsystem: "wal",
		Name:      "segment_rotations_total",
		Help:      "Number of segment file rotations.",
	})
)
