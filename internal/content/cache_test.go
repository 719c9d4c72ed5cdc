package content

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abhisek/lessonsync/internal/api"
	"github.com/abhisek/lessonsync/internal/queue"
	"github.com/abhisek/lessonsync/internal/store"
)

type fixedEmail string

func (f fixedEmail) Email(context.Context) (string, error) { return string(f), nil }

type fixture struct {
	cache *Cache
	mock  *api.MockBackend
	store *store.Store
	queue *queue.Queue
	email string
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "content.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newFixture(t *testing.T, s *store.Store, email string) *fixture {
	t.Helper()
	mock := api.NewMockBackend()
	q := queue.New(s.QueueRepo())
	c := New(Options{
		Backend:   mock,
		Snapshots: s.SnapshotRepo(),
		Queue:     q,
		Emails:    fixedEmail(email),
	})
	return &fixture{cache: c, mock: mock, store: s, queue: q, email: email}
}

func lessonsResp(lessons ...api.LessonDTO) api.MockResponse {
	return api.MockResponse{Value: lessons}
}

func tasksResp(lessonID int, ids ...int) api.MockResponse {
	tasks := make([]api.TaskDTO, len(ids))
	for i, id := range ids {
		tasks[i] = api.TaskDTO{ID: id, Lesson: lessonID, TaskTitle: "task", Content: []byte(`[{"type":"paragraph","content":"read"}]`)}
	}
	return api.MockResponse{Value: tasks}
}

func (f *fixture) queued(t *testing.T) []int {
	t.Helper()
	ids, err := f.queue.DrainSnapshot(context.Background(), f.email)
	require.NoError(t, err)
	return ids
}

func TestRetrieveFreeLessonsSortsAndPersists(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, openStore(t), "")
	f.mock.On(api.OpFreeLessons, lessonsResp(
		api.LessonDTO{ID: 3, LessonTitle: "Three", NumTasks: 1},
		api.LessonDTO{ID: 1, LessonTitle: "One", NumTasks: 2},
		api.LessonDTO{ID: 2, LessonTitle: "Two", NumTasks: 3},
	))

	lessons, err := f.cache.RetrieveFreeLessons(ctx)
	require.NoError(t, err)
	require.Len(t, lessons, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{lessons[0].ID, lessons[1].ID, lessons[2].ID})

	snap, err := f.store.SnapshotRepo().Latest(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.Len(t, snap.Data.Lessons, 3)
	assert.Equal(t, 1, snap.Data.Lessons[0].ID)
	assert.Zero(t, f.mock.CallCount(api.OpCompletedLessons), "no email, no completed-lessons lookup")
}

func TestRetrieveMergesServerCompletedLessons(t *testing.T) {
	f := newFixture(t, openStore(t), "kid@example.com")
	f.mock.
		On(api.OpFreeLessons, lessonsResp(api.LessonDTO{ID: 1, NumTasks: 1}, api.LessonDTO{ID: 2, NumTasks: 1})).
		On(api.OpCompletedLessons, api.MockResponse{Value: []api.CompletedDTO{{ID: 2}}})

	lessons, err := f.cache.RetrieveFreeLessons(context.Background())
	require.NoError(t, err)
	assert.False(t, lessons[0].IsCompleted)
	assert.True(t, lessons[1].IsCompleted)
	assert.Equal(t, "kid@example.com", f.mock.CallsFor(api.OpCompletedLessons)[0].Email)
}

func TestLoadInitPrefersSnapshot(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	first := newFixture(t, s, "")
	first.mock.On(api.OpFreeLessons, lessonsResp(api.LessonDTO{ID: 5, LessonTitle: "Five", NumTasks: 2}))
	_, err := first.cache.RetrieveFreeLessons(ctx)
	require.NoError(t, err)

	second := newFixture(t, s, "")
	lessons, err := second.cache.FreeLessonLoadInit(ctx)
	require.NoError(t, err)
	require.Len(t, lessons, 1)
	assert.Equal(t, Lesson{ID: 5, Title: "Five", NumTasks: 2}, lessons[0])
	assert.Zero(t, second.mock.CallCount(api.OpFreeLessons))
}

func TestLoadInitFallsBackToFetch(t *testing.T) {
	f := newFixture(t, openStore(t), "")
	f.mock.On(api.OpFreeLessons, lessonsResp(api.LessonDTO{ID: 1, NumTasks: 1}))

	lessons, err := f.cache.FreeLessonLoadInit(context.Background())
	require.NoError(t, err)
	assert.Len(t, lessons, 1)
	assert.Equal(t, 1, f.mock.CallCount(api.OpFreeLessons))
}

func TestGetFreeTasksByLessonIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, openStore(t), "")
	f.mock.On(api.OpFreeTasksByLesson, tasksResp(2, 10, 11))

	first, err := f.cache.GetFreeTasksByLesson(ctx, 2)
	require.NoError(t, err)
	second, err := f.cache.GetFreeTasksByLesson(ctx, 2)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, f.mock.CallCount(api.OpFreeTasksByLesson))
	require.Len(t, first[0].Content, 1)
	assert.Equal(t, KindParagraph, first[0].Content[0].Kind)
}

func TestConcurrentTaskFetchSharesRequest(t *testing.T) {
	f := newFixture(t, openStore(t), "")
	release := make(chan struct{})
	resp := tasksResp(2, 10)
	resp.Wait = release
	f.mock.On(api.OpFreeTasksByLesson, resp)

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.cache.GetFreeTasksByLesson(context.Background(), 2)
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return f.mock.CallCount(api.OpFreeTasksByLesson) == 1 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, f.mock.CallCount(api.OpFreeTasksByLesson))
}

func TestCompletingAllTasksCompletesLesson(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, openStore(t), "")
	f.mock.
		On(api.OpFreeLessons, lessonsResp(api.LessonDTO{ID: 2, LessonTitle: "Two", NumTasks: 3})).
		On(api.OpFreeTasksByLesson, tasksResp(2, 10, 11, 12))

	_, err := f.cache.RetrieveFreeLessons(ctx)
	require.NoError(t, err)
	_, err = f.cache.GetFreeTasksByLesson(ctx, 2)
	require.NoError(t, err)

	done, err := f.cache.CompleteFreeTask(ctx, 2, 10)
	require.NoError(t, err)
	assert.False(t, done)
	done, err = f.cache.CompleteFreeTask(ctx, 2, 11)
	require.NoError(t, err)
	assert.False(t, done)
	done, err = f.cache.CompleteFreeTask(ctx, 2, 12)
	require.NoError(t, err)
	assert.True(t, done)

	assert.True(t, f.cache.IsLessonCompleted(2))
	l, ok := f.cache.Lesson(2)
	require.True(t, ok)
	assert.True(t, l.IsCompleted)

	tasks, err := f.cache.GetFreeTasksByLesson(ctx, 2)
	require.NoError(t, err)
	for _, task := range tasks {
		assert.True(t, task.IsCompleted, "task %d", task.ID)
	}
	assert.Equal(t, []int{10, 11, 12}, f.queued(t))

	snap, err := f.store.SnapshotRepo().Latest(ctx)
	require.NoError(t, err)
	assert.True(t, snap.Data.Lessons[0].IsCompleted)
}

func TestCompleteFetchesTasksWhenAbsent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, openStore(t), "")
	f.mock.
		On(api.OpFreeLessons, lessonsResp(api.LessonDTO{ID: 2, NumTasks: 2})).
		On(api.OpFreeTasksByLesson, tasksResp(2, 10, 11))

	_, err := f.cache.RetrieveFreeLessons(ctx)
	require.NoError(t, err)

	done, err := f.cache.CompleteFreeTask(ctx, 2, 10)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, 1, f.mock.CallCount(api.OpFreeTasksByLesson))

	done, err = f.cache.CompleteFreeTask(ctx, 2, 11)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, 1, f.mock.CallCount(api.OpFreeTasksByLesson))
}

func TestCompleteWithUnfetchableTasksIsPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, openStore(t), "")
	f.mock.On(api.OpFreeLessons, lessonsResp(api.LessonDTO{ID: 2, NumTasks: 1}))
	_, err := f.cache.RetrieveFreeLessons(ctx)
	require.NoError(t, err)

	// No task response queued: the mock fails like an offline backend.
	done, err := f.cache.CompleteFreeTask(ctx, 2, 10)
	require.NoError(t, err)
	assert.False(t, done)
	assert.True(t, f.cache.IsTaskCompleted(10))
	assert.False(t, f.cache.IsLessonCompleted(2))
	assert.True(t, f.cache.LessonPendingVerification(2))
	assert.Equal(t, []int{10}, f.queued(t))

	require.NoError(t, f.cache.MarkLessonsCompleted(ctx, 2))
	assert.True(t, f.cache.IsLessonCompleted(2))
	assert.False(t, f.cache.LessonPendingVerification(2))
}

func TestRepeatedCompletionQueuesOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, openStore(t), "")
	f.mock.On(api.OpFreeTasksByLesson, tasksResp(2, 10, 11))

	for range 3 {
		_, err := f.cache.CompleteFreeTask(ctx, 2, 10)
		require.NoError(t, err)
	}
	assert.True(t, f.cache.IsTaskCompleted(10))
	assert.Equal(t, []int{10}, f.queued(t))
}

func TestPendingCompletionsSurviveRestart(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	_, err := queue.New(s.QueueRepo()).Enqueue(ctx, "", 10)
	require.NoError(t, err)

	f := newFixture(t, s, "")
	f.mock.
		On(api.OpFreeLessons, lessonsResp(api.LessonDTO{ID: 2, NumTasks: 2})).
		On(api.OpFreeTasksByLesson, tasksResp(2, 10, 11))

	_, err = f.cache.FreeLessonLoadInit(ctx)
	require.NoError(t, err)
	assert.True(t, f.cache.IsTaskCompleted(10))

	tasks, err := f.cache.GetFreeTasksByLesson(ctx, 2)
	require.NoError(t, err)
	assert.True(t, tasks[0].IsCompleted)
	assert.False(t, tasks[1].IsCompleted)
}

func TestServerCompletedTasksMerged(t *testing.T) {
	f := newFixture(t, openStore(t), "kid@example.com")
	f.mock.
		On(api.OpFreeTasksByLesson, tasksResp(2, 10, 11), tasksResp(3, 20)).
		On(api.OpCompletedTasks, api.MockResponse{Value: []api.CompletedDTO{{ID: 11}}})

	tasks, err := f.cache.GetFreeTasksByLesson(context.Background(), 2)
	require.NoError(t, err)
	assert.False(t, tasks[0].IsCompleted)
	assert.True(t, tasks[1].IsCompleted)

	_, err = f.cache.GetFreeTasksByLesson(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, 1, f.mock.CallCount(api.OpCompletedTasks), "merged once per session")
}

func TestPrefetchAll(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, openStore(t), "")
	empty := api.MockResponse{Value: []api.TaskDTO{}}
	f.mock.
		On(api.OpFreeLessons, lessonsResp(api.LessonDTO{ID: 1}, api.LessonDTO{ID: 2}, api.LessonDTO{ID: 3})).
		On(api.OpFreeTasksByLesson, empty, empty, empty)

	_, err := f.cache.RetrieveFreeLessons(ctx)
	require.NoError(t, err)
	require.NoError(t, f.cache.PrefetchAll(ctx))
	assert.Equal(t, 3, f.mock.CallCount(api.OpFreeTasksByLesson))

	require.NoError(t, f.cache.PrefetchAll(ctx))
	assert.Equal(t, 3, f.mock.CallCount(api.OpFreeTasksByLesson), "second prefetch is served from memory")
}

func TestResetDiscardsInFlightFetch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, openStore(t), "")
	f.mock.On(api.OpFreeLessons, lessonsResp(api.LessonDTO{ID: 2, NumTasks: 1}))
	_, err := f.cache.RetrieveFreeLessons(ctx)
	require.NoError(t, err)
	_, err = f.queue.Enqueue(ctx, "", 99)
	require.NoError(t, err)

	release := make(chan struct{})
	resp := tasksResp(2, 10)
	resp.Wait = release
	f.mock.On(api.OpFreeTasksByLesson, resp)

	errCh := make(chan error, 1)
	go func() {
		_, err := f.cache.GetFreeTasksByLesson(ctx, 2)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return f.mock.CallCount(api.OpFreeTasksByLesson) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, f.cache.Reset(ctx))
	close(release)

	assert.ErrorIs(t, <-errCh, ErrStale)
	assert.Empty(t, f.cache.Lessons())
	assert.Equal(t, []int{99}, f.queued(t), "reset leaves the queue alone")

	snap, err := f.store.SnapshotRepo().Latest(ctx)
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestRetrieveReplacesSnapshotCompletion(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	require.NoError(t, s.SnapshotRepo().Save(ctx, &store.Snapshot{
		Timestamp: time.Now(),
		Data: store.SnapshotData{Version: snapshotVersion, Email: "kid@example.com", Lessons: []store.SnapshotLesson{
			{ID: 1, NumTasks: 1, IsCompleted: true},
			{ID: 2, NumTasks: 1},
		}},
	}))

	f := newFixture(t, s, "kid@example.com")
	_, err := f.cache.FreeLessonLoadInit(ctx)
	require.NoError(t, err)
	require.True(t, f.cache.IsLessonCompleted(1), "hydrated from the snapshot")

	f.mock.On(api.OpFreeTasksByLesson, tasksResp(2, 20))
	done, err := f.cache.CompleteFreeTask(ctx, 2, 20)
	require.NoError(t, err)
	require.True(t, done)

	f.mock.
		On(api.OpFreeLessons, lessonsResp(api.LessonDTO{ID: 1, NumTasks: 1}, api.LessonDTO{ID: 2, NumTasks: 1})).
		On(api.OpCompletedLessons, api.MockResponse{Value: []api.CompletedDTO{}})
	lessons, err := f.cache.RetrieveFreeLessons(ctx)
	require.NoError(t, err)
	assert.False(t, lessons[0].IsCompleted, "the server no longer lists lesson 1")
	assert.True(t, lessons[1].IsCompleted, "completed locally this session")

	snap, err := s.SnapshotRepo().Latest(ctx)
	require.NoError(t, err)
	assert.False(t, snap.Data.Lessons[0].IsCompleted)
}

func TestRetrieveKeepsFlagsWhenCompletedListFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, openStore(t), "kid@example.com")
	f.mock.
		On(api.OpFreeLessons,
			lessonsResp(api.LessonDTO{ID: 1, NumTasks: 1}),
			lessonsResp(api.LessonDTO{ID: 1, NumTasks: 1})).
		On(api.OpCompletedLessons, api.MockResponse{Value: []api.CompletedDTO{{ID: 1}}})

	_, err := f.cache.RetrieveFreeLessons(ctx)
	require.NoError(t, err)
	require.True(t, f.cache.IsLessonCompleted(1))

	// No second completed-lessons response: the lookup fails.
	lessons, err := f.cache.RetrieveFreeLessons(ctx)
	require.NoError(t, err)
	assert.True(t, lessons[0].IsCompleted)
}

func TestRestoreOnlySeesOwnCompletions(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	q := queue.New(s.QueueRepo())
	_, err := q.Enqueue(ctx, "other@example.com", 10)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "kid@example.com", 11)
	require.NoError(t, err)

	f := newFixture(t, s, "kid@example.com")
	require.NoError(t, f.cache.Restore(ctx))
	assert.False(t, f.cache.IsTaskCompleted(10))
	assert.True(t, f.cache.IsTaskCompleted(11))
}

func TestCompletionIsQueuedForSignedInUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, openStore(t), "kid@example.com")
	f.mock.On(api.OpFreeTasksByLesson, tasksResp(2, 10))

	_, err := f.cache.CompleteFreeTask(ctx, 2, 10)
	require.NoError(t, err)

	unowned, err := f.queue.DrainSnapshot(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, unowned)
	assert.Equal(t, []int{10}, f.queued(t))
}

func TestInvalidateKeepsPersistedState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, openStore(t), "")
	f.mock.On(api.OpFreeLessons, lessonsResp(api.LessonDTO{ID: 2, NumTasks: 1}))
	_, err := f.cache.RetrieveFreeLessons(ctx)
	require.NoError(t, err)
	_, err = f.queue.Enqueue(ctx, "", 10)
	require.NoError(t, err)
	require.NoError(t, f.cache.Restore(ctx))

	f.cache.Invalidate()

	assert.Empty(t, f.cache.Lessons())
	assert.False(t, f.cache.IsTaskCompleted(10))
	assert.Equal(t, []int{10}, f.queued(t))
	snap, err := f.store.SnapshotRepo().Latest(ctx)
	require.NoError(t, err)
	assert.NotNil(t, snap)
}
