// Package wal implements a durable multi-queue record log. Each queue
// is an append-only stream of length-prefixed records addressed by
// monotonically increasing offsets. Queues support truncation from the
// front: truncated offsets become unreadable and whole-dead segment
// files are reclaimed.
//
// On-disk layout:
//
//	<dir>/.lock              exclusive flock while the log is open
//	<dir>/meta.db            bbolt store: per-queue head and next offsets
//	<dir>/q/<queue>/seg-*.log segment files, named by first offset
//
// Logging:
//   - Logger is dependency-injected via Options.Logger
//   - The log owns its scoped logger (component="wal")
//   - No logging in hot paths (Append, cursor iteration)
package wal

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"driftlog/internal/logging"

	bolt "go.etcd.io/bbolt"
)

const (
	lockFileName = ".lock"
	metaFileName = "meta.db"
	queuesDir    = "q"

	segmentPrefix = "seg-"
	segmentSuffix = ".log"
)

var (
	// ErrMissingQueue is returned when an operation references a queue
	// that does not exist in the log.
	ErrMissingQueue = errors.New("missing queue")
	// ErrQueueExists is returned by CreateQueue when the queue already exists.
	ErrQueueExists = errors.New("queue already exists")
	// ErrClosed is returned for operations on a closed log.
	ErrClosed = errors.New("wal is closed")
	// ErrDirectoryLocked is returned when another process holds the WAL directory.
	ErrDirectoryLocked = errors.New("wal directory is locked by another process")
)

var metaQueuesBucket = []byte("queues")

// Options configures a Log.
type Options struct {
	// SyncDelay bounds how long an appended record may stay unsynced.
	// Zero syncs on every append.
	SyncDelay time.Duration

	// SegmentMaxBytes caps the size of a segment file before rotation.
	// Defaults to 16 MiB.
	SegmentMaxBytes int64

	// FileMode for created files. Defaults to 0o644.
	FileMode os.FileMode

	// Logger for structured logging. If nil, logging is disabled.
	// The log scopes this logger with component="wal".
	Logger *slog.Logger
}

// Log is a multi-queue record log rooted at a single directory. All
// methods are safe for concurrent use; a single mutex serializes
// mutations, matching the access pattern of the ingester core where
// contention is dominated by file I/O rather than bookkeeping.
type Log struct {
	mu       sync.Mutex
	dir      string
	opts     Options
	lockFile *os.File
	meta     *bolt.DB
	queues   map[string]*queueState
	closed   bool

	flushStop chan struct{}
	flushDone chan struct{}

	logger *slog.Logger
}

type queueState struct {
	id   string
	dir  string
	head uint64 // first live offset
	next uint64 // next offset to assign

	segments []segmentInfo
	active   *os.File // open handle on the last segment, nil until first append
	dirty    bool     // active has unsynced writes
}

type segmentInfo struct {
	start uint64 // offset of the first record in the segment
	size  int64  // bytes of valid frames
	path  string
}

// segmentEnd returns the last offset covered by segment i, given the queue's
// next offset.
func (q *queueState) segmentEnd(i int) uint64 {
	if i+1 < len(q.segments) {
		return q.segments[i+1].start - 1
	}
	return q.next - 1
}

// Open opens or creates the record log rooted at dir. The directory is
// exclusively flock-ed for the lifetime of the log. Existing queues
// are recovered from the metadata store and their segment files; a
// torn frame at the tail of a segment is discarded.
func Open(dir string, opts Options) (*Log, error) {
	opts.FileMode = cmp.Or(opts.FileMode, 0o644)
	if opts.SegmentMaxBytes <= 0 {
		opts.SegmentMaxBytes = 16 << 20
	}

	if err := os.MkdirAll(filepath.Join(dir, queuesDir), 0o750); err != nil {
		return nil, err
	}

	lockPath := filepath.Join(dir, lockFileName)
	lockFile, err := os.OpenFile(filepath.Clean(lockPath), os.O_CREATE|os.O_RDWR, opts.FileMode)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil { //nolint:gosec // G115: uintptr->int is safe on 64-bit
		_ = lockFile.Close()
		return nil, fmt.Errorf("%w: %s", ErrDirectoryLocked, dir)
	}

	meta, err := bolt.Open(filepath.Join(dir, metaFileName), opts.FileMode, &bolt.Options{Timeout: time.Second})
	if err != nil {
		_ = lockFile.Close()
		return nil, fmt.Errorf("open wal metadata: %w", err)
	}
	if err := meta.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(metaQueuesBucket)
		return err
	}); err != nil {
		_ = meta.Close()
		_ = lockFile.Close()
		return nil, fmt.Errorf("init wal metadata: %w", err)
	}

	l := &Log{
		dir:      dir,
		opts:     opts,
		lockFile: lockFile,
		meta:     meta,
		queues:   make(map[string]*queueState),
		logger:   logging.Default(opts.Logger).With("component", "wal"),
	}

	if err := l.recover(); err != nil {
		_ = meta.Close()
		_ = lockFile.Close()
		return nil, err
	}

	if opts.SyncDelay > 0 {
		l.flushStop = make(chan struct{})
		l.flushDone = make(chan struct{})
		go l.flushLoop()
	}
	return l, nil
}

// recover rebuilds the in-memory queue registry from the metadata
// store and the segment files on disk.
func (l *Log) recover() error {
	heads := make(map[string][2]uint64)
	err := l.meta.View(func(tx *bolt.Tx) error {
		return tx.Bucket(metaQueuesBucket).ForEach(func(k, v []byte) error {
			head, next, err := decodeQueueMeta(v)
			if err != nil {
				return fmt.Errorf("queue %q: %w", k, err)
			}
			heads[string(k)] = [2]uint64{head, next}
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("read wal metadata: %w", err)
	}

	// Queue directories on disk that lost their metadata entry are
	// adopted with a zero head.
	entries, err := os.ReadDir(filepath.Join(l.dir, queuesDir))
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		queueID, err := url.PathUnescape(entry.Name())
		if err != nil {
			l.logger.Warn("skipping unrecognized wal directory entry", "name", entry.Name())
			continue
		}
		if _, ok := heads[queueID]; !ok {
			heads[queueID] = [2]uint64{0, 0}
		}
	}

	for queueID, hn := range heads {
		q, err := l.recoverQueue(queueID, hn[0], hn[1])
		if err != nil {
			return fmt.Errorf("recover queue %q: %w", queueID, err)
		}
		l.queues[queueID] = q
	}
	return nil
}

func (l *Log) recoverQueue(queueID string, head, next uint64) (*queueState, error) {
	q := &queueState{
		id:   queueID,
		dir:  filepath.Join(l.dir, queuesDir, url.PathEscape(queueID)),
		head: head,
		next: next,
	}
	if err := os.MkdirAll(q.dir, 0o750); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		start, ok := parseSegmentName(entry.Name())
		if !ok {
			continue
		}
		q.segments = append(q.segments, segmentInfo{
			start: start,
			path:  filepath.Join(q.dir, entry.Name()),
		})
	}
	slices.SortFunc(q.segments, func(a, b segmentInfo) int {
		return cmp.Compare(a.start, b.start)
	})

	// Scan each segment to count valid frames and drop a torn tail.
	for i := range q.segments {
		seg := &q.segments[i]
		count, size, err := scanSegment(seg.path)
		if err != nil {
			return nil, err
		}
		seg.size = size
		if last := seg.start + uint64(count); last > q.next {
			q.next = last
		}
	}
	return q, nil
}

// CreateQueue registers a new empty queue.
func (l *Log) CreateQueue(queueID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if _, ok := l.queues[queueID]; ok {
		return fmt.Errorf("%w: %s", ErrQueueExists, queueID)
	}
	q := &queueState{
		id:  queueID,
		dir: filepath.Join(l.dir, queuesDir, url.PathEscape(queueID)),
	}
	if err := os.MkdirAll(q.dir, 0o750); err != nil {
		return err
	}
	if err := l.putQueueMeta(queueID, 0, 0); err != nil {
		return err
	}
	l.queues[queueID] = q
	return nil
}

// ListQueues returns the IDs of all registered queues, in no
// particular order.
func (l *Log) ListQueues() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	queueIDs := make([]string, 0, len(l.queues))
	for queueID := range l.queues {
		queueIDs = append(queueIDs, queueID)
	}
	return queueIDs
}

// PositionRange returns the inclusive offset range [first, last] of
// the live records in the queue. ok is false iff the queue is empty or
// does not exist.
func (l *Log) PositionRange(queueID string) (first, last uint64, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	q, found := l.queues[queueID]
	if !found || q.next == 0 || q.head >= q.next {
		return 0, 0, false
	}
	return q.head, q.next - 1, true
}

// Append writes a record to the queue and returns its offset. The
// record is synced according to the configured sync policy.
func (l *Log) Append(queueID string, payload []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}
	q, ok := l.queues[queueID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMissingQueue, queueID)
	}

	frame := encodeFrame(payload)
	if err := l.ensureActive(q, int64(len(frame))); err != nil {
		return 0, err
	}
	if _, err := q.active.Write(frame); err != nil {
		return 0, fmt.Errorf("append to queue %q: %w", queueID, err)
	}
	seg := &q.segments[len(q.segments)-1]
	seg.size += int64(len(frame))
	offset := q.next
	q.next++

	walAppends.Inc()
	walAppendedBytes.Add(float64(len(payload)))

	if l.opts.SyncDelay == 0 {
		if err := q.active.Sync(); err != nil {
			return 0, err
		}
	} else {
		q.dirty = true
	}
	return offset, nil
}

// ensureActive opens or rotates the active segment so that frameLen
// more bytes fit under the segment size cap.
func (l *Log) ensureActive(q *queueState, frameLen int64) error {
	if q.active != nil {
		seg := &q.segments[len(q.segments)-1]
		if seg.size+frameLen <= l.opts.SegmentMaxBytes {
			return nil
		}
		if err := l.closeActive(q); err != nil {
			return err
		}
		walSegmentRotations.Inc()
	}
	// Reopen the last on-disk segment only if it still has room;
	// otherwise start a fresh one named by the next offset.
	if n := len(q.segments); n > 0 && q.active == nil {
		seg := &q.segments[n-1]
		if seg.size+frameLen <= l.opts.SegmentMaxBytes {
			f, err := os.OpenFile(seg.path, os.O_WRONLY|os.O_APPEND, l.opts.FileMode)
			if err != nil {
				return err
			}
			q.active = f
			return nil
		}
	}
	path := filepath.Join(q.dir, segmentName(q.next))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_EXCL, l.opts.FileMode)
	if err != nil {
		return err
	}
	q.segments = append(q.segments, segmentInfo{start: q.next, path: path})
	q.active = f
	return nil
}

func (l *Log) closeActive(q *queueState) error {
	if q.active == nil {
		return nil
	}
	if q.dirty {
		if err := q.active.Sync(); err != nil {
			return err
		}
		q.dirty = false
	}
	err := q.active.Close()
	q.active = nil
	return err
}

// Truncate removes all records with offsets <= upTo from the queue.
// Truncation is idempotent and never moves the head backwards.
// Segment files that hold only truncated records are deleted.
func (l *Log) Truncate(queueID string, upTo uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	q, ok := l.queues[queueID]
	if !ok {
		walTruncations.WithLabelValues("missing_queue").Inc()
		return fmt.Errorf("%w: %s", ErrMissingQueue, queueID)
	}

	newHead := upTo + 1
	if newHead <= q.head {
		walTruncations.WithLabelValues("noop").Inc()
		return nil
	}
	q.head = newHead
	if err := l.putQueueMeta(queueID, q.head, q.next); err != nil {
		walTruncations.WithLabelValues("error").Inc()
		return err
	}

	// Reclaim segments that are entirely below the new head.
	kept := q.segments[:0]
	for i := range q.segments {
		if q.segmentEnd(i) < q.head && q.segments[i].start < q.next {
			if i == len(q.segments)-1 {
				if err := l.closeActive(q); err != nil {
					walTruncations.WithLabelValues("error").Inc()
					return err
				}
			}
			if err := os.Remove(q.segments[i].path); err != nil {
				walTruncations.WithLabelValues("error").Inc()
				return err
			}
			continue
		}
		kept = append(kept, q.segments[i])
	}
	q.segments = kept

	walTruncations.WithLabelValues("success").Inc()
	return nil
}

// DeleteQueue removes the queue and all of its records.
func (l *Log) DeleteQueue(queueID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	q, ok := l.queues[queueID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingQueue, queueID)
	}
	return l.removeQueue(q)
}

// ForceDeleteQueue removes the queue regardless of its registration
// state. Unknown queues are not an error; only I/O failures and
// ErrClosed on a closed log are reported. Used during recovery where
// queue state may be inconsistent.
func (l *Log) ForceDeleteQueue(queueID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	q, ok := l.queues[queueID]
	if !ok {
		q = &queueState{id: queueID, dir: filepath.Join(l.dir, queuesDir, url.PathEscape(queueID))}
	}
	return l.removeQueue(q)
}

func (l *Log) removeQueue(q *queueState) error {
	if err := l.closeActive(q); err != nil {
		return err
	}
	if err := os.RemoveAll(q.dir); err != nil {
		return err
	}
	if err := l.meta.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaQueuesBucket).Delete([]byte(q.id))
	}); err != nil {
		return fmt.Errorf("delete queue metadata %q: %w", q.id, err)
	}
	delete(l.queues, q.id)
	walQueueDeletions.Inc()
	return nil
}

// Sync flushes all unsynced appends to disk.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.syncLocked()
}

func (l *Log) syncLocked() error {
	var firstErr error
	for _, q := range l.queues {
		if q.dirty && q.active != nil {
			if err := q.active.Sync(); err != nil && firstErr == nil {
				firstErr = err
				continue
			}
			q.dirty = false
		}
	}
	return firstErr
}

func (l *Log) flushLoop() {
	defer close(l.flushDone)
	ticker := time.NewTicker(l.opts.SyncDelay)
	defer ticker.Stop()
	for {
		select {
		case <-l.flushStop:
			return
		case <-ticker.C:
			l.mu.Lock()
			if err := l.syncLocked(); err != nil {
				l.logger.Error("failed to sync wal", "error", err)
			}
			l.mu.Unlock()
		}
	}
}

// Dir returns the directory the log is rooted at.
func (l *Log) Dir() string {
	return l.dir
}

// Close syncs outstanding writes and releases the directory lock.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	flushStop := l.flushStop
	l.mu.Unlock()

	if flushStop != nil {
		close(flushStop)
		<-l.flushDone
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for _, q := range l.queues {
		if err := l.closeActive(q); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := l.meta.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := l.lockFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (l *Log) putQueueMeta(queueID string, head, next uint64) error {
	return l.meta.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaQueuesBucket).Put([]byte(queueID), encodeQueueMeta(head, next))
	})
}

func segmentName(start uint64) string {
	return fmt.Sprintf("%s%016x%s", segmentPrefix, start, segmentSuffix)
}

func parseSegmentName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
		return 0, false
	}
	hex := strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix)
	start, err := strconv.ParseUint(hex, 16, 64)
	if err != nil {
		return 0, false
	}
	return start, true
}
