// Package content is the local completion cache: the lesson list, the
// per-lesson task lists fetched so far, and optimistic completion flags.
package content

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/abhisek/lessonsync/internal/api"
	"github.com/abhisek/lessonsync/internal/logger"
	"github.com/abhisek/lessonsync/internal/queue"
	"github.com/abhisek/lessonsync/internal/store"
)

// ErrStale is returned when a fetch finished after the cache was reset
// and its result was discarded.
var ErrStale = errors.New("content: result discarded after reset")

const (
	snapshotVersion = 1
	snapshotKeep    = 3
)

// Lesson is a lesson with its completion flag.
type Lesson struct {
	ID          int
	Title       string
	NumTasks    int
	IsCompleted bool
}

// Task is a task with its completion flag.
type Task struct {
	ID          int
	LessonID    int
	Title       string
	Content     []ContentItem
	IsCompleted bool
}

// EmailSource yields the signed-in user's email, or "" when signed out.
type EmailSource interface {
	Email(ctx context.Context) (string, error)
}

// Options configures a Cache.
type Options struct {
	Backend   api.Backend
	Snapshots store.SnapshotRepo
	Queue     *queue.Queue
	Emails    EmailSource
	Logger    *logger.Logger

	// PrefetchConcurrency caps parallel fetches in PrefetchAll. Default 4.
	PrefetchConcurrency int
}

// Cache is safe for concurrent use. The mutex is never held across
// network or storage calls.
type Cache struct {
	backend   api.Backend
	snapshots store.SnapshotRepo
	queue     *queue.Queue
	emails    EmailSource
	log       *logger.Logger
	prefetch  int

	sf singleflight.Group

	mu               sync.Mutex
	gen              uint64
	lessons          []Lesson // sorted by id; IsCompleted is derived on read
	tasks            map[int][]Task
	completedTasks   map[int]bool
	completedLessons map[int]bool
	localLessons     map[int]bool // completed by this client in this generation
	pending          map[int]bool // lessons awaiting server-confirmed completion
	restored         bool
	serverTasks      bool // server completed-task list merged this generation
}

// New creates an empty Cache.
func New(opts Options) *Cache {
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.PrefetchConcurrency <= 0 {
		opts.PrefetchConcurrency = 4
	}
	c := &Cache{
		backend:   opts.Backend,
		snapshots: opts.Snapshots,
		queue:     opts.Queue,
		emails:    opts.Emails,
		log:       opts.Logger,
		prefetch:  opts.PrefetchConcurrency,
	}
	c.resetLocked()
	return c
}

func (c *Cache) resetLocked() {
	c.gen++
	c.lessons = nil
	c.tasks = make(map[int][]Task)
	c.completedTasks = make(map[int]bool)
	c.completedLessons = make(map[int]bool)
	c.localLessons = make(map[int]bool)
	c.pending = make(map[int]bool)
	c.restored = false
	c.serverTasks = false
}

func (c *Cache) generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

func (c *Cache) email(ctx context.Context) string {
	if c.emails == nil {
		return ""
	}
	email, err := c.emails.Email(ctx)
	if err != nil {
		c.log.Warn("read user email", "error", err)
		return ""
	}
	return email
}

// Restore marks every task still queued for the signed-in user as
// completed, so optimistic completions survive a restart. It runs once per
// generation.
func (c *Cache) Restore(ctx context.Context) error {
	c.mu.Lock()
	if c.restored {
		c.mu.Unlock()
		return nil
	}
	gen := c.gen
	c.mu.Unlock()

	ids, err := c.queue.DrainSnapshot(ctx, c.email(ctx))
	if err != nil {
		return fmt.Errorf("restore pending completions: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return ErrStale
	}
	for _, id := range ids {
		c.completedTasks[id] = true
	}
	c.restored = true
	return nil
}

// RetrieveFreeLessons fetches the lesson list and the server's completed
// lessons, sorts by id and replaces both the in-memory list and the
// persisted snapshot. Completion flags are rebuilt from the server list and
// the lessons completed locally since the last reset; flags hydrated from
// an older snapshot do not survive. If the completed list cannot be
// fetched the current flags are kept.
func (c *Cache) RetrieveFreeLessons(ctx context.Context) ([]Lesson, error) {
	gen := c.generation()

	dtos, err := c.backend.FreeLessons(ctx)
	if err != nil {
		return nil, fmt.Errorf("retrieve lessons: %w", err)
	}

	var confirmed []api.CompletedDTO
	rebuild := true
	if email := c.email(ctx); email != "" {
		confirmed, err = c.backend.CompletedFreeLessons(ctx, email)
		if err != nil {
			c.log.Warn("fetch completed lessons", "error", err)
			rebuild = false
		}
	}

	lessons := make([]Lesson, len(dtos))
	for i, d := range dtos {
		lessons[i] = Lesson{ID: d.ID, Title: d.LessonTitle, NumTasks: d.NumTasks}
	}
	slices.SortFunc(lessons, func(a, b Lesson) int { return a.ID - b.ID })

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return nil, ErrStale
	}
	if rebuild {
		c.completedLessons = maps.Clone(c.localLessons)
	}
	for _, d := range confirmed {
		c.completedLessons[d.ID] = true
		delete(c.pending, d.ID)
	}
	c.lessons = lessons
	out := c.lessonsLocked()
	c.mu.Unlock()

	if err := c.persist(ctx); err != nil {
		return out, err
	}
	return out, nil
}

// FreeLessonLoadInit hydrates from the latest snapshot and only fetches
// when there is none. The snapshot may be stale.
func (c *Cache) FreeLessonLoadInit(ctx context.Context) ([]Lesson, error) {
	if err := c.Restore(ctx); err != nil {
		return nil, err
	}

	gen := c.generation()
	snap, err := c.snapshots.Latest(ctx)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if snap == nil {
		return c.RetrieveFreeLessons(ctx)
	}
	if email := c.email(ctx); snap.Data.Email != "" && email != "" && snap.Data.Email != email {
		c.log.Info("ignoring snapshot of another user")
		return c.RetrieveFreeLessons(ctx)
	}

	lessons := make([]Lesson, len(snap.Data.Lessons))
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return nil, ErrStale
	}
	for i, l := range snap.Data.Lessons {
		lessons[i] = Lesson{ID: l.ID, Title: l.Title, NumTasks: l.NumTasks}
		if l.IsCompleted {
			c.completedLessons[l.ID] = true
		}
	}
	slices.SortFunc(lessons, func(a, b Lesson) int { return a.ID - b.ID })
	c.lessons = lessons
	return c.lessonsLocked(), nil
}

// GetFreeTasksByLesson returns the tasks of a lesson, fetching them at
// most once per session. Concurrent callers for the same lesson share one
// request.
func (c *Cache) GetFreeTasksByLesson(ctx context.Context, lessonID int) ([]Task, error) {
	c.mu.Lock()
	if tasks, ok := c.tasks[lessonID]; ok {
		out := c.tasksLocked(tasks)
		c.mu.Unlock()
		return out, nil
	}
	gen := c.gen
	c.mu.Unlock()

	key := fmt.Sprintf("tasks/%d/%d", gen, lessonID)
	_, err, _ := c.sf.Do(key, func() (any, error) {
		return nil, c.fetchTasks(ctx, gen, lessonID)
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return nil, ErrStale
	}
	return c.tasksLocked(c.tasks[lessonID]), nil
}

func (c *Cache) fetchTasks(ctx context.Context, gen uint64, lessonID int) error {
	// A caller that missed the cache may arrive just after an earlier
	// flight stored the result.
	c.mu.Lock()
	_, cached := c.tasks[lessonID]
	current := c.gen == gen
	c.mu.Unlock()
	if cached && current {
		return nil
	}

	dtos, err := c.backend.FreeTasksByLesson(ctx, lessonID)
	if err != nil {
		return fmt.Errorf("retrieve tasks of lesson %d: %w", lessonID, err)
	}

	tasks := make([]Task, 0, len(dtos))
	for _, d := range dtos {
		items, err := decodeItems(d.Content)
		if err != nil {
			return fmt.Errorf("decode content of task %d: %w", d.ID, err)
		}
		tasks = append(tasks, Task{ID: d.ID, LessonID: d.Lesson, Title: d.TaskTitle, Content: items})
	}

	confirmed := c.serverCompletedTasks(ctx, gen)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return ErrStale
	}
	if confirmed != nil {
		for _, d := range confirmed {
			c.completedTasks[d.ID] = true
		}
		c.serverTasks = true
	}
	if _, ok := c.tasks[lessonID]; !ok {
		c.tasks[lessonID] = tasks
	}
	return nil
}

// serverCompletedTasks fetches the server's completed-task list once per
// generation. It returns nil when already merged or unavailable.
func (c *Cache) serverCompletedTasks(ctx context.Context, gen uint64) []api.CompletedDTO {
	c.mu.Lock()
	done := c.serverTasks
	c.mu.Unlock()
	if done {
		return nil
	}
	email := c.email(ctx)
	if email == "" {
		return nil
	}

	v, err, _ := c.sf.Do(fmt.Sprintf("completed/%d", gen), func() (any, error) {
		return c.backend.CompletedFreeTasks(ctx, email)
	})
	if err != nil {
		c.log.Warn("fetch completed tasks", "error", err)
		return nil
	}
	confirmed, _ := v.([]api.CompletedDTO)
	if confirmed == nil {
		confirmed = []api.CompletedDTO{}
	}
	return confirmed
}

// CompleteFreeTask marks a task completed locally, enqueues it for sync
// and recomputes the lesson's completion against its server task count.
// The lesson's tasks are fetched if they are not cached yet; if that
// fails the lesson is left pending verification. lessonDone reports
// whether the lesson is now complete.
func (c *Cache) CompleteFreeTask(ctx context.Context, lessonID, taskID int) (lessonDone bool, err error) {
	c.mu.Lock()
	c.completedTasks[taskID] = true
	c.mu.Unlock()

	if _, err := c.queue.Enqueue(ctx, c.email(ctx), taskID); err != nil {
		return false, err
	}

	tasks, err := c.GetFreeTasksByLesson(ctx, lessonID)
	if errors.Is(err, ErrStale) {
		return false, err
	}
	if err != nil {
		c.log.Warn("lesson completion deferred to server", "lesson_id", lessonID, "error", err)
		c.mu.Lock()
		c.pending[lessonID] = true
		c.mu.Unlock()
		return false, nil
	}

	c.mu.Lock()
	total := len(tasks)
	if l, ok := c.lessonLocked(lessonID); ok {
		total = l.NumTasks
	}
	done := 0
	for _, t := range tasks {
		if t.LessonID == lessonID && c.completedTasks[t.ID] {
			done++
		}
	}
	changed := false
	if total > 0 && done >= total && !c.completedLessons[lessonID] {
		c.completedLessons[lessonID] = true
		c.localLessons[lessonID] = true
		delete(c.pending, lessonID)
		changed = true
	}
	lessonDone = c.completedLessons[lessonID]
	c.mu.Unlock()

	if changed {
		if err := c.persist(ctx); err != nil {
			c.log.Warn("persist snapshot", "error", err)
		}
	}
	return lessonDone, nil
}

// IsTaskCompleted reports the local completion flag of a task.
func (c *Cache) IsTaskCompleted(taskID int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completedTasks[taskID]
}

// IsLessonCompleted reports the local completion flag of a lesson.
func (c *Cache) IsLessonCompleted(lessonID int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completedLessons[lessonID]
}

// LessonPendingVerification reports whether the lesson's completion could
// not be computed locally and awaits the server.
func (c *Cache) LessonPendingVerification(lessonID int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending[lessonID]
}

// MarkLessonsCompleted records server-confirmed lesson completions.
func (c *Cache) MarkLessonsCompleted(ctx context.Context, lessonIDs ...int) error {
	if len(lessonIDs) == 0 {
		return nil
	}
	c.mu.Lock()
	changed := false
	for _, id := range lessonIDs {
		c.localLessons[id] = true
		if !c.completedLessons[id] {
			c.completedLessons[id] = true
			changed = true
		}
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !changed {
		return nil
	}
	return c.persist(ctx)
}

// PrefetchAll fetches the tasks of every known lesson with bounded
// parallelism.
func (c *Cache) PrefetchAll(ctx context.Context) error {
	lessons := c.Lessons()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.prefetch)
	for _, l := range lessons {
		g.Go(func() error {
			_, err := c.GetFreeTasksByLesson(gctx, l.ID)
			return err
		})
	}
	return g.Wait()
}

// Lessons returns a copy of the lesson list, sorted by id.
func (c *Cache) Lessons() []Lesson {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lessonsLocked()
}

// Lesson returns one lesson by id.
func (c *Cache) Lesson(id int) (Lesson, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lessonLocked(id)
}

// Invalidate drops all in-memory state. Persisted snapshots and the queue
// are kept. In-flight fetches started before Invalidate are discarded.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.resetLocked()
	c.mu.Unlock()
}

// Reset drops all in-memory state and deletes the persisted snapshots.
// The queue is not touched.
func (c *Cache) Reset(ctx context.Context) error {
	c.Invalidate()
	if err := c.snapshots.Clear(ctx); err != nil {
		return fmt.Errorf("clear snapshots: %w", err)
	}
	return nil
}

func (c *Cache) lessonLocked(id int) (Lesson, bool) {
	i, ok := slices.BinarySearchFunc(c.lessons, id, func(l Lesson, id int) int { return l.ID - id })
	if !ok {
		return Lesson{}, false
	}
	l := c.lessons[i]
	l.IsCompleted = c.completedLessons[l.ID]
	return l, true
}

func (c *Cache) lessonsLocked() []Lesson {
	out := make([]Lesson, len(c.lessons))
	for i, l := range c.lessons {
		l.IsCompleted = c.completedLessons[l.ID]
		out[i] = l
	}
	return out
}

func (c *Cache) tasksLocked(tasks []Task) []Task {
	out := make([]Task, len(tasks))
	for i, t := range tasks {
		t.IsCompleted = c.completedTasks[t.ID]
		out[i] = t
	}
	return out
}

// persist writes the current lesson list as a new snapshot.
func (c *Cache) persist(ctx context.Context) error {
	email := c.email(ctx)

	c.mu.Lock()
	gen := c.gen
	lessons := c.lessonsLocked()
	c.mu.Unlock()
	if len(lessons) == 0 {
		return nil
	}

	data := store.SnapshotData{Version: snapshotVersion, Email: email, Lessons: make([]store.SnapshotLesson, len(lessons))}
	for i, l := range lessons {
		data.Lessons[i] = store.SnapshotLesson{ID: l.ID, Title: l.Title, NumTasks: l.NumTasks, IsCompleted: l.IsCompleted}
	}

	if c.generation() != gen {
		return ErrStale
	}
	if err := c.snapshots.Save(ctx, &store.Snapshot{Timestamp: time.Now(), Data: data}); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	if err := c.snapshots.Prune(ctx, snapshotKeep); err != nil {
		c.log.Warn("prune snapshots", "error", err)
	}
	return nil
}
