package ingest

import "context"

// StreamHandle tracks an outbound replication stream this node leads,
// keyed in the inner state by follower node ID. The core only stores
// and cancels handles; the replication layer owns their lifecycle.
type StreamHandle struct {
	FollowerID string
	cancel     context.CancelFunc
}

// NewStreamHandle wraps the cancel function of a replication stream task.
func NewStreamHandle(followerID string, cancel context.CancelFunc) *StreamHandle {
	return &StreamHandle{FollowerID: followerID, cancel: cancel}
}

// Close cancels the stream task. Safe to call more than once.
func (h *StreamHandle) Close() {
	if h.cancel != nil {
		h.cancel()
	}
}

// TaskHandle tracks an inbound replication task this node runs on
// behalf of a leader, keyed in the inner state by leader node ID.
type TaskHandle struct {
	LeaderID string
	cancel   context.CancelFunc
}

// NewTaskHandle wraps the cancel function of a replication task.
func NewTaskHandle(leaderID string, cancel context.CancelFunc) *TaskHandle {
	return &TaskHandle{LeaderID: leaderID, cancel: cancel}
}

// Close cancels the replication task. Safe to call more than once.
func (h *TaskHandle) Close() {
	if h.cancel != nil {
		h.cancel()
	}
}
