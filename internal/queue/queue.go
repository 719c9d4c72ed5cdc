// Package queue holds task completions that the backend has not yet
// acknowledged. Entries survive restarts and belong to the user who
// completed them; a task id is queued at most once per user.
//
// Completions made while nobody is signed in are queued with an empty
// owner and are picked up by the next user to sync.
package queue

import (
	"context"
	"fmt"

	"github.com/abhisek/lessonsync/internal/store"
)

// Queue is the batch sync queue.
type Queue struct {
	repo store.QueueRepo
}

// New creates a Queue backed by repo.
func New(repo store.QueueRepo) *Queue {
	return &Queue{repo: repo}
}

// Enqueue adds taskID for owner if it is not already pending. added is
// false for a duplicate.
func (q *Queue) Enqueue(ctx context.Context, owner string, taskID int) (added bool, err error) {
	added, err = q.repo.Add(ctx, owner, taskID)
	if err != nil {
		return false, fmt.Errorf("queue: %w", err)
	}
	return added, nil
}

// DrainSnapshot returns the task ids pending for owner, unowned ones
// included, in first-enqueued order without removing them. An id queued
// both as owner and unowned appears once.
func (q *Queue) DrainSnapshot(ctx context.Context, owner string) ([]int, error) {
	entries, err := q.repo.List(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}
	ids := make([]int, 0, len(entries))
	seen := make(map[int]bool, len(entries))
	for _, e := range entries {
		if seen[e.TaskID] {
			continue
		}
		seen[e.TaskID] = true
		ids = append(ids, e.TaskID)
	}
	return ids, nil
}

// Ack removes exactly the given ids of owner, typically a snapshot the
// backend has processed. Ids enqueued after the snapshot was taken stay
// queued.
func (q *Queue) Ack(ctx context.Context, owner string, taskIDs []int) error {
	if err := q.repo.Remove(ctx, owner, taskIDs...); err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	return nil
}

// Discard drops everything pending for owner, unowned entries included.
// Other users' entries are kept.
func (q *Queue) Discard(ctx context.Context, owner string) error {
	if err := q.repo.Discard(ctx, owner); err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	return nil
}

// Clear removes every pending entry of every user.
func (q *Queue) Clear(ctx context.Context) error {
	if err := q.repo.Clear(ctx); err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	return nil
}

// Len returns the number of task ids pending for owner.
func (q *Queue) Len(ctx context.Context, owner string) (int, error) {
	ids, err := q.DrainSnapshot(ctx, owner)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}
