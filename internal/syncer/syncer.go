// Package syncer flushes the batch queue to the backend and reconciles
// the server's view of completions with the local cache.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/abhisek/lessonsync/internal/api"
	"github.com/abhisek/lessonsync/internal/logger"
	"github.com/abhisek/lessonsync/internal/queue"
)

// ErrNoUser is returned when there is something to sync but no signed-in
// user. The queue is left untouched.
var ErrNoUser = errors.New("sync: no signed-in user")

// ErrSessionChanged is returned when the user changed while a sync was in
// flight. Its result was not applied.
var ErrSessionChanged = errors.New("sync: session changed during sync")

// Cache is the part of the completion cache reconciliation needs.
type Cache interface {
	IsTaskCompleted(taskID int) bool
	IsLessonCompleted(lessonID int) bool
	LessonPendingVerification(lessonID int) bool
	MarkLessonsCompleted(ctx context.Context, lessonIDs ...int) error
}

// User yields the signed-in user's email, or "".
type User interface {
	Email() string
}

// Result describes one completed sync.
type Result struct {
	Sent                  []int
	NewlyCompletedTasks   []int
	NewlyCompletedLessons []int
}

// ReconciliationError reports server-confirmed completions that the local
// cache does not agree with. It points at a client bug and is surfaced,
// not corrected.
type ReconciliationError struct {
	TaskIDs   []int
	LessonIDs []int
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("reconciliation mismatch: tasks %v, lessons %v not completed locally", e.TaskIDs, e.LessonIDs)
}

// Options configures a Syncer.
type Options struct {
	Backend api.Backend
	Queue   *queue.Queue
	Cache   Cache
	User    User
	Logger  *logger.Logger
}

// Syncer runs at most one sync at a time.
type Syncer struct {
	backend api.Backend
	queue   *queue.Queue
	cache   Cache
	user    User
	log     *logger.Logger

	mu sync.Mutex
}

// New creates a Syncer.
func New(opts Options) *Syncer {
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	return &Syncer{
		backend: opts.Backend,
		queue:   opts.Queue,
		cache:   opts.Cache,
		user:    opts.User,
		log:     opts.Logger,
	}
}

// SyncCompletedTasks sends the task ids queued for the signed-in user,
// and those queued while nobody was signed in, in one batch. Other users'
// entries are never sent. An empty queue makes no request. On a network or server failure the queue is
// left as it was. Once the server has processed the batch, exactly the
// sent ids are removed from the queue, even when reconciliation then
// fails with a *ReconciliationError.
func (s *Syncer) SyncCompletedTasks(ctx context.Context) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := s.user.Email()
	ids, err := s.queue.DrainSnapshot(ctx, email)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return &Result{}, nil
	}
	if email == "" {
		return nil, ErrNoUser
	}

	resp, err := s.backend.MarkCompleted(ctx, email, ids)
	if err != nil {
		return nil, fmt.Errorf("sync completed tasks: %w", err)
	}
	if s.user.Email() != email {
		return nil, ErrSessionChanged
	}

	res := &Result{
		Sent:                  ids,
		NewlyCompletedTasks:   resp.NewlyCompletedTasks,
		NewlyCompletedLessons: resp.NewlyCompletedLessons,
	}
	mismatch := s.reconcile(ctx, res)

	if err := s.queue.Ack(ctx, email, ids); err != nil {
		return res, fmt.Errorf("acknowledge synced tasks: %w", err)
	}
	s.log.Debug("synced completed tasks", "sent", len(ids),
		"newly_completed_tasks", len(res.NewlyCompletedTasks),
		"newly_completed_lessons", len(res.NewlyCompletedLessons))

	if mismatch != nil {
		return res, mismatch
	}
	return res, nil
}

// reconcile checks that every confirmed or sent task, and every confirmed
// lesson, is completed locally. Lessons pending verification are marked
// completed by the confirmation.
func (s *Syncer) reconcile(ctx context.Context, res *Result) *ReconciliationError {
	var missingTasks, missingLessons, confirmed []int

	seen := make(map[int]bool)
	for _, id := range slices.Concat(res.NewlyCompletedTasks, res.Sent) {
		if seen[id] {
			continue
		}
		seen[id] = true
		if !s.cache.IsTaskCompleted(id) {
			missingTasks = append(missingTasks, id)
		}
	}

	for _, id := range res.NewlyCompletedLessons {
		switch {
		case s.cache.IsLessonCompleted(id):
		case s.cache.LessonPendingVerification(id):
			confirmed = append(confirmed, id)
		default:
			missingLessons = append(missingLessons, id)
		}
	}

	if err := s.cache.MarkLessonsCompleted(ctx, confirmed...); err != nil {
		s.log.Warn("record confirmed lessons", "error", err)
	}

	if len(missingTasks) == 0 && len(missingLessons) == 0 {
		return nil
	}
	slices.Sort(missingTasks)
	slices.Sort(missingLessons)
	return &ReconciliationError{TaskIDs: missingTasks, LessonIDs: missingLessons}
}
