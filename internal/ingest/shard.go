package ingest

import "driftlog/internal/queue"

// ShardState is the ingestion state of a shard at this node.
type ShardState int

const (
	ShardStateUnspecified ShardState = iota
	// ShardStateOpen accepts new documents.
	ShardStateOpen
	// ShardStateUnavailable is temporarily not accepting documents.
	ShardStateUnavailable
	// ShardStateClosed is read-only at this ingester; recovered shards
	// come back closed.
	ShardStateClosed
)

func (s ShardState) String() string {
	switch s {
	case ShardStateOpen:
		return "open"
	case ShardStateUnavailable:
		return "unavailable"
	case ShardStateClosed:
		return "closed"
	default:
		return "unspecified"
	}
}

// Shard is the per-queue record held in the inner state.
//
// The two positions obey TruncationPositionInclusive <=
// ReplicationPositionInclusive at all times: a record must be
// persisted before it can become safe to discard.
type Shard struct {
	State ShardState

	// ReplicationPositionInclusive is the highest offset persisted at
	// this ingester.
	ReplicationPositionInclusive queue.Position

	// TruncationPositionInclusive is the highest offset that may be
	// removed from the WAL. Monotone non-decreasing.
	TruncationPositionInclusive queue.Position

	// FollowerID is set when this node leads the shard and replicates
	// to a follower. LeaderID is set when this node follows a leader.
	// Solo shards have neither. The core stores these opaquely; the
	// replication layer interprets them.
	FollowerID string
	LeaderID   string
}

// NewSoloShard returns a shard that is neither replicated nor
// replicating; recovered queues come back as closed solo shards.
func NewSoloShard(state ShardState, replication, truncation queue.Position) *Shard {
	return &Shard{
		State:                        state,
		ReplicationPositionInclusive: replication,
		TruncationPositionInclusive:  truncation,
	}
}

// NewPrimaryShard returns a shard led by this node, replicating to the
// given follower.
func NewPrimaryShard(followerID string, state ShardState, replication, truncation queue.Position) *Shard {
	return &Shard{
		State:                        state,
		ReplicationPositionInclusive: replication,
		TruncationPositionInclusive:  truncation,
		FollowerID:                   followerID,
	}
}

// NewReplicaShard returns a shard this node follows from the given leader.
func NewReplicaShard(leaderID string, state ShardState, replication, truncation queue.Position) *Shard {
	return &Shard{
		State:                        state,
		ReplicationPositionInclusive: replication,
		TruncationPositionInclusive:  truncation,
		LeaderID:                     leaderID,
	}
}

// IsReadOnly reports whether the shard accepts no further documents.
func (s *Shard) IsReadOnly() bool {
	return s.State == ShardStateClosed || s.State == ShardStateUnavailable
}
