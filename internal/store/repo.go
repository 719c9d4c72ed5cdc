package store

import (
	"context"
	"time"
)

// KVRepo is an opaque string key/value store that survives restarts.
type KVRepo interface {
	// Get returns the value for key. ok is false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error

	// Delete removes the given keys. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error
}

// QueueEntry is a task id waiting to be acknowledged by the backend.
// Owner is the email of the user who completed the task, or "" when
// nobody was signed in.
type QueueEntry struct {
	Owner      string
	TaskID     int
	EnqueuedAt time.Time
}

// QueueRepo is a durable, ordered set of task ids per owner.
//
// Reads and removals for an owner also cover the unowned ("") entries,
// which belong to whoever signs in next.
type QueueRepo interface {
	// Add appends taskID for owner unless it is already queued for that
	// owner. added reports whether a new entry was written.
	Add(ctx context.Context, owner string, taskID int) (added bool, err error)

	// List returns the entries of owner and the unowned entries in
	// first-enqueued order.
	List(ctx context.Context, owner string) ([]QueueEntry, error)

	// Remove deletes the given task ids of owner and of the unowned set.
	Remove(ctx context.Context, owner string, taskIDs ...int) error

	// Discard deletes every entry of owner and every unowned entry.
	Discard(ctx context.Context, owner string) error

	// Clear deletes every entry of every owner.
	Clear(ctx context.Context) error
}

// QueryOpts configures event queries with filtering and pagination.
type QueryOpts struct {
	Limit     int       // max results (0 = unlimited)
	After     int64     // sequence > After
	Operation string    // exact match when set
	From      time.Time // timestamp >= From
}

// SnapshotLesson is one lesson as captured in a snapshot.
type SnapshotLesson struct {
	ID          int    `json:"id"`
	Title       string `json:"title"`
	NumTasks    int    `json:"num_tasks"`
	IsCompleted bool   `json:"is_completed"`
}

// SnapshotData captures the lesson list at a point in time.
type SnapshotData struct {
	Version int              `json:"version"`
	Email   string           `json:"email,omitempty"`
	Lessons []SnapshotLesson `json:"lessons"`
}

// Snapshot represents a point-in-time capture of the lesson list.
type Snapshot struct {
	ID        int
	Timestamp time.Time
	Data      SnapshotData
}

// SnapshotRepo manages lesson snapshots.
type SnapshotRepo interface {
	// Save stores a new snapshot.
	Save(ctx context.Context, snap *Snapshot) error

	// Latest returns the most recent snapshot, or nil if none exist.
	Latest(ctx context.Context) (*Snapshot, error)

	// Prune deletes all but the N most recent snapshots.
	Prune(ctx context.Context, keep int) error

	// Clear deletes every snapshot.
	Clear(ctx context.Context) error
}

// RequestEventData captures a single backend call.
type RequestEventData struct {
	Operation    string
	Status       int
	LatencyMs    int64
	Success      bool
	ErrorMessage string
}

// RequestEventRecord is a stored RequestEventData.
type RequestEventRecord struct {
	ID        int
	Sequence  int64
	Timestamp time.Time
	RequestEventData
}

// RequestStats aggregates request events per operation.
type RequestStats struct {
	Operation    string
	Total        int
	Failures     int
	AvgLatencyMs float64
}

// EventRepo provides append and query access to request events.
type EventRepo interface {
	// AppendRequest records a backend call.
	AppendRequest(ctx context.Context, data RequestEventData) error

	// QueryRequests returns events in sequence order.
	QueryRequests(ctx context.Context, opts QueryOpts) ([]RequestEventRecord, error)

	// RequestStats summarizes events per operation, ordered by operation.
	RequestStats(ctx context.Context) ([]RequestStats, error)
}
