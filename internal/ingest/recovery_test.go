package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"driftlog/internal/controlplane"
	"driftlog/internal/queue"
	"driftlog/internal/wal"
)

func TestColdBootEmptyWAL(t *testing.T) {
	state := loadForTest(t, t.TempDir(), &mockControlPlane{}, Config{})

	partial, err := state.LockPartially()
	if err != nil {
		t.Fatalf("LockPartially: %v", err)
	}
	defer partial.Unlock()
	if len(partial.Shards) != 0 {
		t.Errorf("shards = %v, want empty", partial.Shards)
	}
}

func TestRecoveryOfNonEmptyQueue(t *testing.T) {
	dir := t.TempDir()
	seedWAL(t, dir, func(l *wal.Log) {
		if err := l.CreateQueue("idx:src:1"); err != nil {
			t.Fatalf("create queue: %v", err)
		}
		for i := 0; i < 5; i++ {
			if _, err := l.Append("idx:src:1", []byte("doc")); err != nil {
				t.Fatalf("append: %v", err)
			}
		}
	})
	state := loadForTest(t, dir, &mockControlPlane{}, Config{})

	partial, err := state.LockPartially()
	if err != nil {
		t.Fatalf("LockPartially: %v", err)
	}
	defer partial.Unlock()

	shard, ok := partial.Shards["idx:src:1"]
	if !ok {
		t.Fatal("shard idx:src:1 not recovered")
	}
	if shard.State != ShardStateClosed {
		t.Errorf("state = %v, want closed", shard.State)
	}
	if !shard.IsReadOnly() {
		t.Error("recovered shard should be read-only")
	}
	if got := shard.ReplicationPositionInclusive; got.Compare(queue.PositionAt(4)) != 0 {
		t.Errorf("replication position = %v, want 4", got)
	}
	if got := shard.TruncationPositionInclusive; !got.IsBeginning() {
		t.Errorf("truncation position = %v, want beginning", got)
	}
	if _, ok := partial.RateTrackers["idx:src:1"]; !ok {
		t.Error("rate tracker not created with shard")
	}
}

func TestRecoveryWithFirstOffsetAboveZero(t *testing.T) {
	dir := t.TempDir()
	seedWAL(t, dir, func(l *wal.Log) {
		if err := l.CreateQueue("idx:src:2"); err != nil {
			t.Fatalf("create queue: %v", err)
		}
		for i := 0; i < 8; i++ {
			if _, err := l.Append("idx:src:2", []byte("doc")); err != nil {
				t.Fatalf("append: %v", err)
			}
		}
		// Leave offsets 3..=7 live.
		if err := l.Truncate("idx:src:2", 2); err != nil {
			t.Fatalf("truncate: %v", err)
		}
	})
	state := loadForTest(t, dir, &mockControlPlane{}, Config{})

	partial, err := state.LockPartially()
	if err != nil {
		t.Fatalf("LockPartially: %v", err)
	}
	defer partial.Unlock()

	shard, ok := partial.Shards["idx:src:2"]
	if !ok {
		t.Fatal("shard idx:src:2 not recovered")
	}
	if got := shard.ReplicationPositionInclusive; got.Compare(queue.PositionAt(7)) != 0 {
		t.Errorf("replication position = %v, want 7", got)
	}
	if got := shard.TruncationPositionInclusive; got.Compare(queue.PositionAt(2)) != 0 {
		t.Errorf("truncation position = %v, want 2", got)
	}
}

func TestEmptyQueuePurgedOnRecovery(t *testing.T) {
	dir := t.TempDir()
	seedWAL(t, dir, func(l *wal.Log) {
		if err := l.CreateQueue("idx:src:3"); err != nil {
			t.Fatalf("create queue: %v", err)
		}
	})
	state := loadForTest(t, dir, &mockControlPlane{}, Config{})

	full, err := state.LockFully()
	if err != nil {
		t.Fatalf("LockFully: %v", err)
	}
	defer full.Unlock()
	if len(full.Shards) != 0 {
		t.Errorf("shards = %v, want empty", full.Shards)
	}
	if queues := full.WAL.ListQueues(); len(queues) != 0 {
		t.Errorf("wal queues = %v, want empty", queues)
	}
}

func TestInspectRequestGrouping(t *testing.T) {
	dir := t.TempDir()
	seedWAL(t, dir, func(l *wal.Log) {
		for _, queueID := range []string{"idx:src:2", "idx:src:1", "idx:other:7", "not-a-queue-id"} {
			if err := l.CreateQueue(queueID); err != nil {
				t.Fatalf("create queue: %v", err)
			}
			if _, err := l.Append(queueID, []byte("doc")); err != nil {
				t.Fatalf("append: %v", err)
			}
		}
	})
	cp := &mockControlPlane{}
	state := loadForTest(t, dir, cp, Config{})

	// Ready is published before repair runs under the still-held full
	// lock; taking a lock waits for repair to finish.
	partial, err := state.LockPartially()
	if err != nil {
		t.Fatalf("LockPartially: %v", err)
	}
	partial.Unlock()

	if cp.gotReq == nil {
		t.Fatal("control plane was not consulted during recovery")
	}
	// One entry per (index, source); the unparseable queue ID is skipped.
	if len(cp.gotReq.ShardIDs) != 2 {
		t.Fatalf("request entries = %+v, want 2", cp.gotReq.ShardIDs)
	}
	first, second := cp.gotReq.ShardIDs[0], cp.gotReq.ShardIDs[1]
	if first.SourceID != "other" || !slices.Equal(first.ShardIDs, []uint64{7}) {
		t.Errorf("first entry = %+v", first)
	}
	if second.SourceID != "src" || !slices.Equal(second.ShardIDs, []uint64{1, 2}) {
		t.Errorf("second entry = %+v", second)
	}
	for _, entry := range cp.gotReq.ShardIDs {
		if len(entry.ShardPositions) != 0 {
			t.Errorf("shard positions should be empty, got %+v", entry.ShardPositions)
		}
	}
}

func TestRepairTruncate(t *testing.T) {
	dir := t.TempDir()
	seedWAL(t, dir, func(l *wal.Log) {
		if err := l.CreateQueue("idx:src:1"); err != nil {
			t.Fatalf("create queue: %v", err)
		}
		for i := 0; i < 5; i++ {
			if _, err := l.Append("idx:src:1", []byte("doc")); err != nil {
				t.Fatalf("append: %v", err)
			}
		}
	})
	cp := &mockControlPlane{
		res: &controlplane.InspectShardsResponse{
			ShardsToTruncate: []controlplane.ShardIDPositions{{
				IndexUID: "idx",
				SourceID: "src",
				ShardPositions: []controlplane.ShardIDPosition{
					{ShardID: 1, PublishPositionInclusive: queue.PositionAt(2)},
				},
			}},
		},
	}
	state := loadForTest(t, dir, cp, Config{})

	full, err := state.LockFully()
	if err != nil {
		t.Fatalf("LockFully: %v", err)
	}
	defer full.Unlock()

	shard := full.Shards["idx:src:1"]
	if shard == nil {
		t.Fatal("shard missing after repair")
	}
	if got := shard.TruncationPositionInclusive; got.Compare(queue.PositionAt(2)) != 0 {
		t.Errorf("truncation position = %v, want 2", got)
	}
	// Truncation stays bounded by replication.
	if shard.ReplicationPositionInclusive.Before(shard.TruncationPositionInclusive) {
		t.Error("truncation position exceeds replication position")
	}
	first, _, ok := full.WAL.PositionRange("idx:src:1")
	if !ok || first != 3 {
		t.Errorf("wal range first = %d (ok=%v), want 3", first, ok)
	}
}

func TestRepairDelete(t *testing.T) {
	dir := t.TempDir()
	seedWAL(t, dir, func(l *wal.Log) {
		if err := l.CreateQueue("idx:src:1"); err != nil {
			t.Fatalf("create queue: %v", err)
		}
		for i := 0; i < 5; i++ {
			if _, err := l.Append("idx:src:1", []byte("doc")); err != nil {
				t.Fatalf("append: %v", err)
			}
		}
	})
	cp := &mockControlPlane{
		res: &controlplane.InspectShardsResponse{
			ShardsToDelete: []controlplane.ShardIDs{
				{IndexUID: "idx", SourceID: "src", ShardIDs: []uint64{1}},
			},
		},
	}
	state := loadForTest(t, dir, cp, Config{})

	full, err := state.LockFully()
	if err != nil {
		t.Fatalf("LockFully: %v", err)
	}
	defer full.Unlock()
	if len(full.Shards) != 0 || len(full.RateTrackers) != 0 {
		t.Errorf("registry not emptied: %d shards, %d trackers", len(full.Shards), len(full.RateTrackers))
	}
	if queues := full.WAL.ListQueues(); len(queues) != 0 {
		t.Errorf("wal queues = %v, want empty", queues)
	}
}

func TestRepairSurvivesControlPlaneFailure(t *testing.T) {
	dir := t.TempDir()
	seedWAL(t, dir, func(l *wal.Log) {
		if err := l.CreateQueue("idx:src:1"); err != nil {
			t.Fatalf("create queue: %v", err)
		}
		if _, err := l.Append("idx:src:1", []byte("doc")); err != nil {
			t.Fatalf("append: %v", err)
		}
	})
	cp := &mockControlPlane{err: errors.New("control plane unavailable")}
	state := loadForTest(t, dir, cp, Config{})

	// Repair is deferred; local invariants hold and the state is usable.
	partial, err := state.LockPartially()
	if err != nil {
		t.Fatalf("LockPartially: %v", err)
	}
	defer partial.Unlock()
	if _, ok := partial.Shards["idx:src:1"]; !ok {
		t.Error("shard should survive a failed repair")
	}
}

func TestWALOpenFailure(t *testing.T) {
	// A plain file where the WAL directory should be makes open fail.
	dir := t.TempDir()
	path := filepath.Join(dir, "wal")
	if err := os.WriteFile(path, []byte("not a directory"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	state := Load(Config{WALDir: path, ControlPlane: &mockControlPlane{}})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := state.StatusWatcher().WaitFor(ctx, func(s Status) bool { return s != StatusInitializing })
	if err != nil {
		t.Fatalf("init did not finish: %v", err)
	}
	if status != StatusFailed {
		t.Fatalf("status = %v, want failed", status)
	}

	if _, err := state.LockPartially(); !errors.Is(err, ErrFailed) {
		t.Errorf("LockPartially err = %v, want ErrFailed", err)
	}
	if _, err := state.LockFully(); !errors.Is(err, ErrFailed) {
		t.Errorf("LockFully err = %v, want ErrFailed", err)
	}
}

func TestTruncateShardMonotone(t *testing.T) {
	dir := t.TempDir()
	seedWAL(t, dir, func(l *wal.Log) {
		if err := l.CreateQueue("idx:src:1"); err != nil {
			t.Fatalf("create queue: %v", err)
		}
		for i := 0; i < 5; i++ {
			if _, err := l.Append("idx:src:1", []byte("doc")); err != nil {
				t.Fatalf("append: %v", err)
			}
		}
	})
	state := loadForTest(t, dir, &mockControlPlane{}, Config{})

	full, err := state.LockFully()
	if err != nil {
		t.Fatalf("LockFully: %v", err)
	}
	defer full.Unlock()

	full.TruncateShard("idx:src:1", queue.PositionAt(2))
	shard := full.Shards["idx:src:1"]
	if got := shard.TruncationPositionInclusive; got.Compare(queue.PositionAt(2)) != 0 {
		t.Fatalf("truncation position = %v, want 2", got)
	}

	// A stale, lower instruction never regresses the position.
	full.TruncateShard("idx:src:1", queue.PositionAt(1))
	if got := shard.TruncationPositionInclusive; got.Compare(queue.PositionAt(2)) != 0 {
		t.Errorf("truncation position regressed to %v", got)
	}

	// Beginning has no offset projection: no-op.
	full.TruncateShard("idx:src:1", queue.Beginning)
	if got := shard.TruncationPositionInclusive; got.Compare(queue.PositionAt(2)) != 0 {
		t.Errorf("truncation position changed to %v on Beginning", got)
	}

	// Unknown shards are ignored.
	full.TruncateShard("idx:src:99", queue.PositionAt(4))
}

func TestDeleteShardIdempotent(t *testing.T) {
	dir := t.TempDir()
	seedWAL(t, dir, func(l *wal.Log) {
		if err := l.CreateQueue("idx:src:1"); err != nil {
			t.Fatalf("create queue: %v", err)
		}
		if _, err := l.Append("idx:src:1", []byte("doc")); err != nil {
			t.Fatalf("append: %v", err)
		}
	})
	state := loadForTest(t, dir, &mockControlPlane{}, Config{})

	full, err := state.LockFully()
	if err != nil {
		t.Fatalf("LockFully: %v", err)
	}
	defer full.Unlock()

	full.DeleteShard("idx:src:1")
	if len(full.Shards) != 0 || len(full.RateTrackers) != 0 {
		t.Fatalf("registry not emptied: %d shards, %d trackers", len(full.Shards), len(full.RateTrackers))
	}
	// Second delete is a no-op, not an error.
	full.DeleteShard("idx:src:1")
	if queues := full.WAL.ListQueues(); len(queues) != 0 {
		t.Errorf("wal queues = %v, want empty", queues)
	}
}

func TestTruncateShardDanglingQueue(t *testing.T) {
	dir := t.TempDir()
	seedWAL(t, dir, func(l *wal.Log) {
		if err := l.CreateQueue("idx:src:1"); err != nil {
			t.Fatalf("create queue: %v", err)
		}
		for i := 0; i < 3; i++ {
			if _, err := l.Append("idx:src:1", []byte("doc")); err != nil {
				t.Fatalf("append: %v", err)
			}
		}
	})
	var dangling []string
	state := loadForTest(t, dir, &mockControlPlane{}, Config{
		OnDanglingShard: func(queueID string) { dangling = append(dangling, queueID) },
	})

	full, err := state.LockFully()
	if err != nil {
		t.Fatalf("LockFully: %v", err)
	}
	defer full.Unlock()

	// Lose the queue behind the registry's back.
	if err := full.WAL.ForceDeleteQueue("idx:src:1"); err != nil {
		t.Fatalf("force delete: %v", err)
	}

	full.TruncateShard("idx:src:1", queue.PositionAt(1))
	if _, ok := full.Shards["idx:src:1"]; ok {
		t.Error("dangling shard should be removed")
	}
	if _, ok := full.RateTrackers["idx:src:1"]; ok {
		t.Error("dangling shard's rate tracker should be removed")
	}
	if len(dangling) != 1 || dangling[0] != "idx:src:1" {
		t.Errorf("dangling hook calls = %v, want [idx:src:1]", dangling)
	}
}

func TestRepairConvergence(t *testing.T) {
	// After recovery plus one repair cycle, the registry equals the
	// recovered set minus the deletions, and every truncation position
	// is at least the instructed one.
	dir := t.TempDir()
	seedWAL(t, dir, func(l *wal.Log) {
		for _, queueID := range []string{"idx:src:1", "idx:src:2", "idx:src:3"} {
			if err := l.CreateQueue(queueID); err != nil {
				t.Fatalf("create queue: %v", err)
			}
			for i := 0; i < 6; i++ {
				if _, err := l.Append(queueID, []byte("doc")); err != nil {
					t.Fatalf("append: %v", err)
				}
			}
		}
	})
	cp := &mockControlPlane{
		res: &controlplane.InspectShardsResponse{
			ShardsToDelete: []controlplane.ShardIDs{
				{IndexUID: "idx", SourceID: "src", ShardIDs: []uint64{2}},
			},
			ShardsToTruncate: []controlplane.ShardIDPositions{{
				IndexUID: "idx",
				SourceID: "src",
				ShardPositions: []controlplane.ShardIDPosition{
					{ShardID: 1, PublishPositionInclusive: queue.PositionAt(3)},
					{ShardID: 3, PublishPositionInclusive: queue.PositionAt(5)},
				},
			}},
		},
	}
	state := loadForTest(t, dir, cp, Config{})

	full, err := state.LockFully()
	if err != nil {
		t.Fatalf("LockFully: %v", err)
	}
	defer full.Unlock()

	if len(full.Shards) != 2 {
		t.Fatalf("shards = %d, want 2", len(full.Shards))
	}
	if _, ok := full.Shards["idx:src:2"]; ok {
		t.Error("deleted shard still registered")
	}
	// Map parity (shards and trackers hold the same keys).
	for queueID := range full.Shards {
		if _, ok := full.RateTrackers[queueID]; !ok {
			t.Errorf("no rate tracker for %s", queueID)
		}
	}
	if len(full.RateTrackers) != len(full.Shards) {
		t.Errorf("trackers = %d, shards = %d", len(full.RateTrackers), len(full.Shards))
	}

	if got := full.Shards["idx:src:1"].TruncationPositionInclusive; got.Before(queue.PositionAt(3)) {
		t.Errorf("idx:src:1 truncation = %v, want >= 3", got)
	}
	if got := full.Shards["idx:src:3"].TruncationPositionInclusive; got.Before(queue.PositionAt(5)) {
		t.Errorf("idx:src:3 truncation = %v, want >= 5", got)
	}
}
