// Package queue defines how shards are addressed on the wire and in the
// write-ahead log: queue IDs of the form "index:source:shard", and
// positions within a queue.
package queue

import (
	"fmt"
	"strconv"
	"strings"
)

// BuildID returns the queue ID for a shard. One shard maps to exactly
// one WAL queue at an ingester.
func BuildID(indexUID, sourceID string, shardID uint64) string {
	return fmt.Sprintf("%s:%s:%d", indexUID, sourceID, shardID)
}

// SplitID parses a queue ID back into its components. The shard ID and
// source ID are the last two colon-separated fields; everything before
// them is the index UID, which may itself contain colons.
func SplitID(queueID string) (indexUID, sourceID string, shardID uint64, ok bool) {
	i := strings.LastIndexByte(queueID, ':')
	if i < 0 {
		return "", "", 0, false
	}
	shardID, err := strconv.ParseUint(queueID[i+1:], 10, 64)
	if err != nil {
		return "", "", 0, false
	}
	j := strings.LastIndexByte(queueID[:i], ':')
	if j < 0 {
		return "", "", 0, false
	}
	indexUID = queueID[:j]
	sourceID = queueID[j+1 : i]
	if indexUID == "" || sourceID == "" {
		return "", "", 0, false
	}
	return indexUID, sourceID, shardID, true
}
