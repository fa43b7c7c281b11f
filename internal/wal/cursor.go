package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
)

// Cursor iterates the live records of a queue in offset order. It
// holds a snapshot of the queue's segment list taken at Read time;
// records appended afterwards are not visible, and truncation while a
// cursor is open may surface I/O errors for reclaimed segments.
type Cursor struct {
	segments []segmentInfo
	want     uint64 // next offset to deliver
	end      uint64 // one past the last offset in the snapshot

	segIndex int
	pos      uint64 // offset of the next frame the reader will yield
	file     *os.File
	reader   *bufio.Reader
}

// Read opens a cursor over the queue starting at offset from (or the
// queue head, whichever is greater).
func (l *Log) Read(queueID string, from uint64) (*Cursor, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	q, ok := l.queues[queueID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingQueue, queueID)
	}
	if q.dirty && q.active != nil {
		// Readers must observe every appended record.
		if err := q.active.Sync(); err != nil {
			return nil, err
		}
		q.dirty = false
	}
	return &Cursor{
		segments: append([]segmentInfo(nil), q.segments...),
		want:     max(from, q.head),
		end:      q.next,
	}, nil
}

// Next returns the next record and its offset. It returns io.EOF once
// the snapshot is exhausted.
func (c *Cursor) Next() (uint64, []byte, error) {
	for {
		if c.want >= c.end {
			return 0, nil, io.EOF
		}
		if c.reader == nil {
			if err := c.openSegment(); err != nil {
				return 0, nil, err
			}
		}
		payload, err := readFrame(c.reader)
		if errors.Is(err, io.EOF) {
			// End of this segment file; move to the next one.
			c.closeFile()
			c.segIndex++
			continue
		}
		if err != nil {
			return 0, nil, err
		}
		offset := c.pos
		c.pos++
		if offset < c.want {
			continue // below the requested start, or truncated but not reclaimed
		}
		c.want = offset + 1
		return offset, payload, nil
	}
}

// openSegment advances segIndex to the segment containing c.want and
// opens its file. Frames below c.want are skipped by Next.
func (c *Cursor) openSegment() error {
	for c.segIndex < len(c.segments) {
		segEnd := c.end - 1
		if c.segIndex+1 < len(c.segments) {
			segEnd = c.segments[c.segIndex+1].start - 1
		}
		if c.want <= segEnd {
			break
		}
		c.segIndex++
	}
	if c.segIndex >= len(c.segments) {
		return io.EOF
	}
	seg := c.segments[c.segIndex]
	f, err := os.Open(seg.path)
	if err != nil {
		return err
	}
	c.file = f
	c.reader = bufio.NewReader(f)
	c.pos = seg.start
	return nil
}

func (c *Cursor) closeFile() {
	if c.file != nil {
		_ = c.file.Close()
		c.file = nil
		c.reader = nil
	}
}

// Close releases the cursor's file handle.
func (c *Cursor) Close() error {
	c.closeFile()
	return nil
}
