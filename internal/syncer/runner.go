package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/abhisek/lessonsync/internal/logger"
)

// DefaultInterval is the periodic sync interval.
const DefaultInterval = 30 * time.Second

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	Interval time.Duration
	Logger   *logger.Logger

	// OnReconciliationError is called from the runner goroutine when a
	// background sync finds a mismatch.
	OnReconciliationError func(*ReconciliationError)
}

// Runner syncs once on Start, then on every interval tick and on every
// Trigger, until Stop.
type Runner struct {
	syncer      *Syncer
	interval    time.Duration
	log         *logger.Logger
	onReconcile func(*ReconciliationError)
	trigger     chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunner creates a stopped Runner.
func NewRunner(s *Syncer, opts RunnerOptions) *Runner {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	return &Runner{
		syncer:      s,
		interval:    opts.Interval,
		log:         opts.Logger,
		onReconcile: opts.OnReconciliationError,
		trigger:     make(chan struct{}, 1),
	}
}

// Start begins syncing in a background goroutine. It is a no-op when
// already running.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}

	// Drop a trigger left over from a previous run.
	select {
	case <-r.trigger:
	default:
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(ctx, r.done)
}

// Trigger requests an extra sync. Requests made while one is pending
// collapse into one; requests made while stopped are dropped.
func (r *Runner) Trigger() {
	if !r.Running() {
		return
	}
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Running reports whether the runner is started.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil
}

// Stop cancels the runner and waits for its goroutine to exit. A sync in
// flight is cancelled through its context.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *Runner) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	r.runOnce(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx)
		case <-r.trigger:
			r.runOnce(ctx)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context) {
	_, err := r.syncer.SyncCompletedTasks(ctx)
	if err == nil || ctx.Err() != nil {
		return
	}

	var re *ReconciliationError
	if errors.As(err, &re) {
		r.log.Error("completion state disagrees with server", "task_ids", re.TaskIDs, "lesson_ids", re.LessonIDs)
		if r.onReconcile != nil {
			r.onReconcile(re)
		}
		return
	}
	r.log.Debug("background sync failed, will retry", "error", err)
}
