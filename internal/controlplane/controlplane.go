// Package controlplane defines the client surface of the authoritative
// control plane. The ingester consumes a single RPC, InspectShards,
// which reports which locally-held shards should be deleted or
// truncated. The control plane is authoritative: the ingester applies
// its verdicts without negotiation.
package controlplane

import (
	"context"

	"driftlog/internal/queue"
)

// ShardIDs groups the shard IDs of a single (index, source) pair.
type ShardIDs struct {
	IndexUID string   `json:"index_uid"`
	SourceID string   `json:"source_id"`
	ShardIDs []uint64 `json:"shard_ids"`

	// ShardPositions is unused by InspectShards requests but part of
	// the wire shape; the ingester always sends it empty.
	ShardPositions []ShardIDPosition `json:"shard_positions"`
}

// QueueIDs returns the queue IDs addressed by the group.
func (s ShardIDs) QueueIDs() []string {
	queueIDs := make([]string, 0, len(s.ShardIDs))
	for _, shardID := range s.ShardIDs {
		queueIDs = append(queueIDs, queue.BuildID(s.IndexUID, s.SourceID, shardID))
	}
	return queueIDs
}

// ShardIDPosition pairs a shard ID with its authoritative publish position.
type ShardIDPosition struct {
	ShardID                  uint64         `json:"shard_id"`
	PublishPositionInclusive queue.Position `json:"publish_position_inclusive"`
}

// ShardIDPositions groups shard positions of a single (index, source) pair.
type ShardIDPositions struct {
	IndexUID       string            `json:"index_uid"`
	SourceID       string            `json:"source_id"`
	ShardPositions []ShardIDPosition `json:"shard_positions"`
}

// QueueID returns the queue ID for one of the group's entries.
func (s ShardIDPositions) QueueID(p ShardIDPosition) string {
	return queue.BuildID(s.IndexUID, s.SourceID, p.ShardID)
}

// InspectShardsRequest lists every shard the ingester currently holds,
// one entry per (index, source) pair.
type InspectShardsRequest struct {
	ShardIDs []ShardIDs `json:"shard_ids"`
}

// InspectShardsResponse is the control plane's verdict on the
// inspected shards.
type InspectShardsResponse struct {
	ShardsToDelete   []ShardIDs         `json:"shards_to_delete"`
	ShardsToTruncate []ShardIDPositions `json:"shards_to_truncate"`
}

// Client is the control-plane RPC surface consumed by the ingester.
type Client interface {
	InspectShards(ctx context.Context, req *InspectShardsRequest) (*InspectShardsResponse, error)
}
