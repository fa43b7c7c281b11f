package ingest

import "errors"

var (
	// ErrInitializing is returned by the locking methods while
	// background recovery is still running. Transient; callers retry.
	ErrInitializing = errors.New("ingester is initializing")

	// ErrFailed is returned by the locking methods after recovery
	// failed permanently. Not retryable without a restart.
	ErrFailed = errors.New("failed to initialize ingester")

	// ErrShardNotFound is returned by request handlers when an
	// operation references a shard unknown to this ingester. The
	// core's own mutators are idempotent and never return it.
	ErrShardNotFound = errors.New("shard not found")
)
