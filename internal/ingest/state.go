// Package ingest implements the shared state core of an ingester node:
// the in-memory registry of shards, rate trackers, and replication
// handles, the handle to the on-disk write-ahead log, and the locking
// facade that keeps the two consistent.
//
// The state is shared by many concurrent tasks (persist, replicate,
// fetch, truncate, gossip). Deadlock freedom rests on a single rule
// that the facade enforces and never exposes a way around: the WAL
// lock is always acquired before the inner lock.
package ingest

import (
	"log/slog"
	"sync"
	"time"
	"weak"

	"driftlog/internal/controlplane"
	"driftlog/internal/logging"
	"driftlog/internal/wal"
)

// DefaultSyncDelay bounds how long an acknowledged append may remain
// unsynced in the WAL under normal operation.
const DefaultSyncDelay = 5 * time.Second

// Config configures a State.
type Config struct {
	// WALDir is the write-ahead log directory.
	WALDir string

	// ControlPlane is the authoritative control-plane client used to
	// reconcile recovered shards on startup.
	ControlPlane controlplane.Client

	// RateLimiter configures the per-shard rate trackers created for
	// recovered shards. Zero values take defaults.
	RateLimiter RateLimiterSettings

	// SyncDelay is the WAL sync policy. Defaults to DefaultSyncDelay.
	SyncDelay time.Duration

	// Logger for structured logging. If nil, logging is disabled.
	// The state scopes this logger with component="ingester-state".
	Logger *slog.Logger

	// OnDanglingShard, if set, is invoked (under the full lock) when a
	// truncation discovers that the WAL lost a shard's queue and the
	// shard is removed. Whether to notify the control plane about the
	// removal is the caller's policy, not the core's.
	OnDanglingShard func(queueID string)
}

// Inner is the in-memory half of the ingester state. All fields are
// unguarded; callers reach an Inner only through a lock guard handed
// out by the facade, and may then mutate the maps directly.
type Inner struct {
	Shards       map[string]*Shard
	RateTrackers map[string]*RateTracker

	// ReplicationStreams holds the outbound streams this node leads,
	// keyed by follower node ID. ReplicationTasks holds the inbound
	// replication work this node performs, keyed by leader node ID.
	ReplicationStreams map[string]*StreamHandle
	ReplicationTasks   map[string]*TaskHandle

	status  Status
	watcher *StatusWatcher

	logger     *slog.Logger
	onDangling func(queueID string)
}

// Status returns the lifecycle status recorded in the inner state.
func (inn *Inner) Status() Status {
	return inn.status
}

// SetStatus records and publishes a new lifecycle status. The watcher
// is owned by the inner state, so the publication cannot race its own
// teardown; because the caller holds the inner lock, observers see the
// new status only after the in-memory transition.
func (inn *Inner) SetStatus(status Status) {
	inn.status = status
	inn.watcher.publish(status)
}

// innerState couples the Inner data with its mutex. A plain mutex, not
// RWMutex: the registry is almost always accessed mutably, and a
// single coarse lock keeps the shard/tracker map parity trivial.
type innerState struct {
	mu sync.Mutex
	Inner
}

// WALSlot holds the write-ahead log behind a reader-writer lock. The
// slot is empty until recovery installs the log, exactly once. Writers
// take the exclusive side for any mutation; fetch tasks take the
// shared side for streaming reads.
type WALSlot struct {
	mu  sync.RWMutex
	log *wal.Log
}

// BeginRead acquires shared access to the WAL for streaming reads. It
// returns false if the log is not (or no longer) installed. Holders
// must call release when done and must not acquire the inner lock
// while holding the WAL lock.
func (s *WALSlot) BeginRead() (log *wal.Log, release func(), ok bool) {
	s.mu.RLock()
	if s.log == nil {
		s.mu.RUnlock()
		return nil, nil, false
	}
	return s.log, s.mu.RUnlock, true
}

// State is the shared ingester state. It is a small handle over
// reference-counted internals: copies of a State (and the results of
// Weak().Upgrade()) all address the same inner registry and WAL slot.
//
// Access is sanctioned through exactly two lock scopes. LockPartially
// grants exclusive access to the in-memory registry only; LockFully
// additionally grants exclusive access to the WAL, and always acquires
// the WAL lock first.
type State struct {
	inner   *innerState
	wal     *WALSlot
	watcher *StatusWatcher
	cfg     Config
}

// New constructs a State in the Initializing status without starting
// recovery. Callers normally use Load; New exists for composition and
// tests that drive init explicitly.
func New(cfg Config) *State {
	watcher := newStatusWatcher(StatusInitializing)
	inner := &innerState{
		Inner: Inner{
			Shards:             make(map[string]*Shard),
			RateTrackers:       make(map[string]*RateTracker),
			ReplicationStreams: make(map[string]*StreamHandle),
			ReplicationTasks:   make(map[string]*TaskHandle),
			status:             StatusInitializing,
			watcher:            watcher,
			logger:             logging.Default(cfg.Logger).With("component", "ingester-state"),
			onDangling:         cfg.OnDanglingShard,
		},
	}
	if cfg.SyncDelay <= 0 {
		cfg.SyncDelay = DefaultSyncDelay
	}
	return &State{
		inner:   inner,
		wal:     &WALSlot{},
		watcher: watcher,
		cfg:     cfg,
	}
}

// Load constructs a State and starts recovery in the background. The
// returned state is immediately shareable; callers observe recovery
// progress through the status watcher. Recovery is deliberately
// detached from any caller context: interrupting it would leave the
// state permanently Initializing, so teardown is left to process exit.
func Load(cfg Config) *State {
	state := New(cfg)
	go state.init()
	return state
}

// StatusWatcher returns the watcher broadcasting the lifecycle status.
func (s *State) StatusWatcher() *StatusWatcher {
	return s.watcher
}

// LockPartially grants exclusive access to the in-memory registry.
// Use it when no WAL access is needed.
func (s *State) LockPartially() (*PartialLock, error) {
	if s.watcher.Current() == StatusInitializing {
		return nil, ErrInitializing
	}
	s.inner.mu.Lock()
	if s.inner.Status() == StatusFailed {
		s.inner.mu.Unlock()
		return nil, ErrFailed
	}
	return &PartialLock{Inner: &s.inner.Inner, state: s}, nil
}

// LockFully grants exclusive access to both the WAL and the in-memory
// registry. The WAL lock is the more contended of the two (it is held
// across file I/O), so it is acquired first; every full-lock holder
// uses the same order, which rules out lock-order deadlocks.
func (s *State) LockFully() (*FullLock, error) {
	if s.watcher.Current() == StatusInitializing {
		return nil, ErrInitializing
	}
	s.wal.mu.Lock()
	s.inner.mu.Lock()
	if s.inner.Status() == StatusFailed {
		s.inner.mu.Unlock()
		s.wal.mu.Unlock()
		return nil, ErrFailed
	}
	// The status is Ready and the slot is installed before Ready is
	// ever published, so the log is present here unless Close has
	// emptied the slot.
	return &FullLock{Inner: &s.inner.Inner, WAL: s.wal.log, state: s}, nil
}

// WALHandle returns the WAL slot for fetch tasks, which stream from
// the WAL under the shared lock and never touch the inner registry.
func (s *State) WALHandle() *WALSlot {
	return s.wal
}

// Weak returns a weak handle on the state for long-running background
// tasks that must not prolong its lifetime.
func (s *State) Weak() WeakState {
	return WeakState{
		inner:   weak.Make(s.inner),
		wal:     weak.Make(s.wal),
		watcher: s.watcher,
	}
}

// Close releases the WAL. It is intended for orderly shutdown and
// tests; the core otherwise relies on process exit for teardown.
// Close is terminal: the WAL slot stays empty afterwards, and a full
// lock taken after Close exposes a nil WAL.
func (s *State) Close() error {
	s.wal.mu.Lock()
	defer s.wal.mu.Unlock()
	if s.wal.log == nil {
		return nil
	}
	err := s.wal.log.Close()
	s.wal.log = nil
	return err
}

// PartialLock is the guard returned by LockPartially. It exposes the
// inner registry; the underlying lock stays hidden so callers cannot
// subvert the acquisition order.
type PartialLock struct {
	*Inner
	state    *State
	released bool
}

// Unlock releases the inner lock. The guard must not be used afterwards.
func (g *PartialLock) Unlock() {
	if g.released {
		return
	}
	g.released = true
	g.state.inner.mu.Unlock()
}

// FullLock is the guard returned by LockFully. It exposes the inner
// registry and the WAL; locks are released together via Unlock.
type FullLock struct {
	*Inner
	WAL      *wal.Log
	state    *State
	released bool
}

// Unlock releases the inner lock, then the WAL lock. The guard must
// not be used afterwards.
func (g *FullLock) Unlock() {
	if g.released {
		return
	}
	g.released = true
	g.state.inner.mu.Unlock()
	g.state.wal.mu.Unlock()
}

// WeakState is a weak handle on a State. Upgrade fails once the
// backing state has been collected, letting detached tasks (fetch
// streams, gossip) notice disposal without keeping the state alive.
type WeakState struct {
	inner   weak.Pointer[innerState]
	wal     weak.Pointer[WALSlot]
	watcher *StatusWatcher
}

// Upgrade returns a strong State if the backing objects are still live.
func (w WeakState) Upgrade() (*State, bool) {
	inner := w.inner.Value()
	if inner == nil {
		return nil, false
	}
	slot := w.wal.Value()
	if slot == nil {
		return nil, false
	}
	return &State{inner: inner, wal: slot, watcher: w.watcher}, true
}
