package ingest

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"driftlog/internal/controlplane"
	"driftlog/internal/queue"
	"driftlog/internal/wal"
)

// init opens the WAL and rebuilds the in-memory registry from it, then
// reconciles the result with the control plane. It runs exactly once,
// holding the full lock (WAL first, then inner) for the entire
// recovery and repair so no other task can observe a half-built state.
//
// Non-empty queues are recovered as closed, read-only solo shards;
// empty queues are deleted. A WAL open failure is terminal: the status
// moves to Failed and every subsequent lock attempt is refused.
func (s *State) init() {
	s.wal.mu.Lock()
	defer s.wal.mu.Unlock()
	s.inner.mu.Lock()
	defer s.inner.mu.Unlock()

	inner := &s.inner.Inner
	logger := inner.logger
	start := time.Now()

	logger.Info("opening write-ahead log", "path", s.cfg.WALDir)
	log, err := wal.Open(s.cfg.WALDir, wal.Options{
		SyncDelay: s.cfg.SyncDelay,
		Logger:    s.cfg.Logger,
	})
	if err != nil {
		logger.Error("failed to open write-ahead log", "error", err)
		inner.SetStatus(StatusFailed)
		return
	}
	logger.Info("opened write-ahead log", "elapsed", time.Since(start).Round(time.Millisecond))

	queueIDs := log.ListQueues()
	if len(queueIDs) > 0 {
		logger.Info("recovering shards", "count", len(queueIDs))
	}

	var numClosed, numDeleted int
	for _, queueID := range queueIDs {
		first, last, ok := log.PositionRange(queueID)
		if !ok {
			// The queue is empty: delete it. Best effort; a failure
			// here is retried at the next boot.
			if err := log.ForceDeleteQueue(queueID); err != nil {
				logger.Error("failed to delete empty queue", "queue", queueID, "error", err)
				continue
			}
			numDeleted++
			continue
		}
		// The queue is not empty: recover it as a closed solo shard.
		replication := queue.PositionAt(last)
		truncation := queue.Beginning
		if first > 0 {
			truncation = queue.PositionAt(first - 1)
		}
		inner.Shards[queueID] = NewSoloShard(ShardStateClosed, replication, truncation)
		inner.RateTrackers[queueID] = NewRateTracker(s.cfg.RateLimiter)
		numClosed++
	}
	if numClosed > 0 {
		logger.Info("recovered and closed shards", "count", numClosed)
	}
	if numDeleted > 0 {
		logger.Info("deleted empty shards", "count", numDeleted)
	}

	s.wal.log = log
	inner.SetStatus(StatusReady)

	// Repair runs under the same full lock, before any caller can get
	// in between recovery and reconciliation. The guard borrows the
	// locks this function already holds, so it is born released.
	full := &FullLock{Inner: inner, WAL: log, state: s, released: true}
	full.InspectThenRepairShards(context.Background(), s.cfg.ControlPlane)
}

// TruncateShard truncates the shard's queue up to upTo inclusive, only
// if that advances the shard's truncation position. Stale instructions
// never move the position backwards, unknown shards and positions
// without an offset are ignored, and I/O errors leave the state
// unchanged for the next repair cycle to retry.
func (g *FullLock) TruncateShard(queueID string, upTo queue.Position) {
	offset, ok := upTo.Offset()
	if !ok {
		return
	}
	shard, ok := g.Shards[queueID]
	if !ok {
		return
	}
	if !shard.TruncationPositionInclusive.Before(upTo) {
		return
	}
	err := g.WAL.Truncate(queueID, offset)
	switch {
	case err == nil:
		shard.TruncationPositionInclusive = upTo
	case errors.Is(err, wal.ErrMissingQueue):
		// The WAL lost the queue: the shard is dangling. Drop it.
		g.logger.Error("failed to truncate shard: queue not in wal", "queue", queueID)
		delete(g.Shards, queueID)
		delete(g.RateTrackers, queueID)
		g.logger.Info("deleted dangling shard", "queue", queueID)
		if g.onDangling != nil {
			g.onDangling(queueID)
		}
	default:
		g.logger.Error("failed to truncate shard", "queue", queueID, "error", err)
	}
}

// DeleteShard removes the shard's queue from the WAL and then the
// shard and its rate tracker from the registry. A missing queue counts
// as success, which makes deletion idempotent; an I/O error leaves the
// in-memory state untouched so the next repair cycle retries.
func (g *FullLock) DeleteShard(queueID string) {
	if _, ok := g.Shards[queueID]; !ok {
		// Not on this ingester; nothing to do.
		return
	}
	err := g.WAL.DeleteQueue(queueID)
	if err == nil || errors.Is(err, wal.ErrMissingQueue) {
		delete(g.Shards, queueID)
		delete(g.RateTrackers, queueID)
		g.logger.Info("deleted shard", "queue", queueID)
		return
	}
	g.logger.Error("failed to delete shard", "queue", queueID, "error", err)
}

// InspectThenRepairShards reports the registered shards to the control
// plane and applies its verdicts. An RPC failure only logs: the local
// invariants hold without repair, which is retried at the next boot.
func (g *FullLock) InspectThenRepairShards(ctx context.Context, client controlplane.Client) {
	req := buildInspectRequest(g.Shards, g.logger)
	res, err := client.InspectShards(ctx, req)
	if err != nil {
		g.logger.Error("failed to inspect shards", "error", err)
		return
	}
	g.repairShards(res)
}

// buildInspectRequest groups the registered shard IDs by (index,
// source), one entry per pair with an empty positions list. Pure over
// the shard set, so reconciliation is testable without a WAL.
// Unparseable queue IDs are logged and skipped.
func buildInspectRequest(shards map[string]*Shard, logger *slog.Logger) *controlplane.InspectShardsRequest {
	type sourceKey struct {
		indexUID string
		sourceID string
	}
	perSource := make(map[sourceKey][]uint64)
	for queueID := range shards {
		indexUID, sourceID, shardID, ok := queue.SplitID(queueID)
		if !ok {
			logger.Warn("failed to parse queue id", "queue", queueID)
			continue
		}
		key := sourceKey{indexUID: indexUID, sourceID: sourceID}
		perSource[key] = append(perSource[key], shardID)
	}

	req := &controlplane.InspectShardsRequest{}
	for key, shardIDs := range perSource {
		slices.Sort(shardIDs)
		req.ShardIDs = append(req.ShardIDs, controlplane.ShardIDs{
			IndexUID:       key.indexUID,
			SourceID:       key.sourceID,
			ShardIDs:       shardIDs,
			ShardPositions: []controlplane.ShardIDPosition{},
		})
	}
	slices.SortFunc(req.ShardIDs, func(a, b controlplane.ShardIDs) int {
		if c := cmp.Compare(a.IndexUID, b.IndexUID); c != 0 {
			return c
		}
		return cmp.Compare(a.SourceID, b.SourceID)
	})
	return req
}

// repairShards applies the control plane's verdicts: deletions first,
// then truncations to the authoritative publish positions.
func (g *FullLock) repairShards(res *controlplane.InspectShardsResponse) {
	for _, shardIDs := range res.ShardsToDelete {
		for _, queueID := range shardIDs.QueueIDs() {
			g.DeleteShard(queueID)
		}
	}
	for _, shardPositions := range res.ShardsToTruncate {
		for _, p := range shardPositions.ShardPositions {
			g.TruncateShard(shardPositions.QueueID(p), p.PublishPositionInclusive)
		}
	}
}
