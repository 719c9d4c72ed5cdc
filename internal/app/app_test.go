package app

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abhisek/lessonsync/internal/api"
	"github.com/abhisek/lessonsync/internal/config"
	"github.com/abhisek/lessonsync/internal/credentials"
	"github.com/abhisek/lessonsync/internal/credentials/credtest"
	"github.com/abhisek/lessonsync/internal/lifecycle"
	"github.com/abhisek/lessonsync/internal/session"
	"github.com/abhisek/lessonsync/internal/store"
)

const (
	email = "kid@example.com"
	other = "other@example.com"
)

type fixture struct {
	app   *App
	mock  *api.MockBackend
	store *store.Store
	creds *credentials.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "app.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cfg := config.DefaultConfig()
	cfg.SyncInterval = time.Hour
	cfg.Retry.MaxAttempts = 1

	mock := api.NewMockBackend()
	a, err := New(Options{Config: cfg, Store: s, Backend: mock})
	require.NoError(t, err)
	t.Cleanup(a.Close)

	return &fixture{
		app:   a,
		mock:  mock,
		store: s,
		creds: credentials.NewStore(s.KVRepo(), nil),
	}
}

// seed stores credentials as a previous run would have left them.
func (f *fixture) seed(t *testing.T, exp time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.creds.SaveTokens(ctx, credentials.TokenPair{
		Access:  credtest.AccessToken(exp, false),
		Refresh: "refresh-1",
	}))
	require.NoError(t, f.creds.SaveEmail(ctx, email))
}

func (f *fixture) expectLessons() {
	f.mock.On(api.OpFreeLessons, api.MockResponse{Value: []api.LessonDTO{
		{ID: 2, LessonTitle: "Fractions", NumTasks: 1},
		{ID: 1, LessonTitle: "Counting", NumTasks: 2},
	}})
	f.mock.On(api.OpCompletedLessons, api.MockResponse{Value: []api.CompletedDTO{}})
}

// expectTasks queues one task list. The completed-task lookup is left
// unanswered; the cache treats that as nothing confirmed yet.
func (f *fixture) expectTasks(lessonID int, ids ...int) {
	tasks := make([]api.TaskDTO, len(ids))
	for i, id := range ids {
		tasks[i] = api.TaskDTO{ID: id, Lesson: lessonID, TaskTitle: "task"}
	}
	f.mock.On(api.OpFreeTasksByLesson, api.MockResponse{Value: tasks})
}

func markResp(ids ...int) api.MockResponse {
	return api.MockResponse{Value: &api.MarkCompletedResult{NewlyCompletedTasks: ids}}
}

func (f *fixture) queued(t *testing.T) []int {
	t.Helper()
	return f.queuedFor(t, email)
}

func (f *fixture) queuedFor(t *testing.T, owner string) []int {
	t.Helper()
	ids, err := f.app.Queue().DrainSnapshot(context.Background(), owner)
	require.NoError(t, err)
	return ids
}

func loginResp() api.MockResponse {
	return api.MockResponse{Value: &api.Tokens{
		Access:  credtest.AccessToken(time.Now().Add(time.Hour), false),
		Refresh: "refresh-1",
	}}
}

func TestStartWithoutCredentials(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.app.Start(context.Background()))

	s := f.app.Session().Session()
	assert.Equal(t, session.Unauthenticated, s.State)
	assert.False(t, f.app.Runner().Running())
	assert.Empty(t, f.mock.Calls)
}

func TestStartWithStoredSession(t *testing.T) {
	f := newFixture(t)
	f.seed(t, time.Now().Add(time.Hour))
	f.expectLessons()

	require.NoError(t, f.app.Start(context.Background()))

	assert.True(t, f.app.Session().IsAuthenticated())
	assert.Equal(t, email, f.app.Session().Email())
	assert.True(t, f.app.Runner().Running())

	lessons := f.app.Content().Lessons()
	require.Len(t, lessons, 2)
	assert.Equal(t, 1, lessons[0].ID)
}

func TestLoginStartsAndLogoutStopsRunner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.app.Start(ctx))
	require.False(t, f.app.Runner().Running())

	// Completed while logged out; the first sync after login sends it.
	f.expectTasks(1, 10, 11)
	_, err := f.app.Content().CompleteFreeTask(ctx, 1, 10)
	require.NoError(t, err)
	f.mock.On(api.OpMarkCompleted, markResp(10), markResp(11))

	f.mock.On(api.OpLogin, loginResp())
	require.NoError(t, f.app.Session().Login(ctx, email, "pw"))
	assert.True(t, f.app.Runner().Running())
	require.Eventually(t, func() bool { return len(f.queued(t)) == 0 }, time.Second, time.Millisecond)
	require.Equal(t, 1, f.mock.CallCount(api.OpMarkCompleted))

	_, err = f.app.Content().CompleteFreeTask(ctx, 1, 11)
	require.NoError(t, err)

	require.NoError(t, f.app.Logout(ctx))

	assert.False(t, f.app.Runner().Running())
	assert.False(t, f.app.Session().IsAuthenticated())
	calls := f.mock.CallsFor(api.OpMarkCompleted)
	require.Len(t, calls, 2, "final sync before logout")
	assert.Equal(t, []int{11}, calls[1].TaskIDs)
	assert.Equal(t, email, calls[1].Email)
	assert.Empty(t, f.queued(t))
	assert.False(t, f.app.Content().IsTaskCompleted(10))

	c, err := f.creds.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, c.AccessToken)
}

func TestLogoutDiscardsUnsyncedWorkWhenOffline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, time.Now().Add(time.Hour))
	f.expectLessons()
	require.NoError(t, f.app.Start(ctx))

	_, err := f.app.Queue().Enqueue(ctx, email, 10)
	require.NoError(t, err)
	// No MarkCompleted response queued: the final sync fails.

	require.NoError(t, f.app.Logout(ctx))
	assert.Empty(t, f.queued(t))
	assert.Empty(t, f.app.Content().Lessons())
}

func TestResumeTriggersSync(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, time.Now().Add(time.Hour))
	f.expectLessons()
	_, err := f.app.Queue().Enqueue(ctx, email, 10)
	require.NoError(t, err)
	f.mock.On(api.OpMarkCompleted, markResp(10), markResp(11))

	require.NoError(t, f.app.Start(ctx))
	assert.True(t, f.app.Content().IsTaskCompleted(10), "restored from the queue")
	require.Eventually(t, func() bool { return len(f.queued(t)) == 0 }, time.Second, time.Millisecond)
	require.Equal(t, 1, f.mock.CallCount(api.OpMarkCompleted))

	f.expectTasks(1, 10, 11)
	_, err = f.app.Content().CompleteFreeTask(ctx, 1, 11)
	require.NoError(t, err)

	f.app.Lifecycle().Set(lifecycle.Background)
	assert.Equal(t, 1, f.mock.CallCount(api.OpMarkCompleted))
	f.app.Lifecycle().Set(lifecycle.Foreground)

	require.Eventually(t, func() bool { return f.mock.CallCount(api.OpMarkCompleted) == 2 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return len(f.queued(t)) == 0 }, time.Second, time.Millisecond)
}

func TestResumeWithExpiredSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, time.Now().Add(time.Hour))
	f.expectLessons()
	require.NoError(t, f.app.Start(ctx))
	require.True(t, f.app.Runner().Running())

	_, err := f.app.Queue().Enqueue(ctx, email, 10)
	require.NoError(t, err)

	// The token is now inside the refresh margin and the refresh fails.
	require.NoError(t, f.creds.SaveAccessToken(ctx, credtest.AccessToken(time.Now().Add(time.Second), false)))
	f.mock.On(api.OpRefresh, api.MockResponse{Err: &api.HTTPError{Op: api.OpRefresh, Status: 401}})

	f.app.Lifecycle().Set(lifecycle.Background)
	f.app.Lifecycle().Set(lifecycle.Foreground)

	assert.False(t, f.app.Session().IsAuthenticated())
	assert.False(t, f.app.Runner().Running())
	assert.Empty(t, f.app.Content().Lessons())
	assert.Equal(t, []int{10}, f.queued(t), "unsent work outlives the expired session")
}

func TestOfflineResumeKeepsQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, time.Now().Add(time.Hour))
	f.expectLessons()
	require.NoError(t, f.app.Start(ctx))

	_, err := f.app.Queue().Enqueue(ctx, email, 10)
	require.NoError(t, err)

	require.NoError(t, f.creds.SaveAccessToken(ctx, credtest.AccessToken(time.Now().Add(time.Second), false)))
	f.mock.On(api.OpRefresh, api.MockResponse{Err: &api.NetworkError{Op: api.OpRefresh, Err: errors.New("offline")}})

	f.app.Lifecycle().Set(lifecycle.Background)
	f.app.Lifecycle().Set(lifecycle.Foreground)

	assert.Equal(t, []int{10}, f.queued(t))
}

func TestStartupExpiryKeepsWorkForItsOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, time.Now().Add(-time.Minute))
	_, err := f.app.Queue().Enqueue(ctx, email, 10)
	require.NoError(t, err)
	f.mock.On(api.OpRefresh, api.MockResponse{Err: &api.HTTPError{Op: api.OpRefresh, Status: 401}})

	err = f.app.Start(ctx)
	require.ErrorIs(t, err, session.ErrSessionExpired)
	require.False(t, f.app.Session().IsAuthenticated())

	f.mock.On(api.OpLogin, loginResp())
	require.NoError(t, f.app.Session().Login(ctx, other, "pw"))
	res, err := f.app.Syncer().SyncCompletedTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Sent)
	assert.Zero(t, f.mock.CallCount(api.OpMarkCompleted), "another user's task is never sent")
	require.NoError(t, f.app.Logout(ctx))
	assert.Equal(t, []int{10}, f.queued(t))

	f.mock.On(api.OpLogin, loginResp())
	f.mock.On(api.OpMarkCompleted, markResp(10))
	require.NoError(t, f.app.Session().Login(ctx, email, "pw"))
	require.Eventually(t, func() bool { return len(f.queued(t)) == 0 }, time.Second, time.Millisecond)

	calls := f.mock.CallsFor(api.OpMarkCompleted)
	require.Len(t, calls, 1)
	assert.Equal(t, email, calls[0].Email)
	assert.Equal(t, []int{10}, calls[0].TaskIDs)
}

func TestUserSwitchDropsCachedContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, time.Now().Add(time.Hour))
	f.expectLessons()
	require.NoError(t, f.app.Start(ctx))
	require.Len(t, f.app.Content().Lessons(), 2)

	f.mock.On(api.OpLogin, loginResp())
	require.NoError(t, f.app.Session().Login(ctx, other, "pw"))

	assert.Empty(t, f.app.Content().Lessons())
	assert.True(t, f.app.Runner().Running())
}

func TestCloseDetachesListeners(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, time.Now().Add(time.Hour))
	f.expectLessons()
	require.NoError(t, f.app.Start(ctx))

	f.app.Close()
	assert.False(t, f.app.Runner().Running())

	f.app.Lifecycle().Set(lifecycle.Background)
	f.app.Lifecycle().Set(lifecycle.Foreground)
	assert.False(t, f.app.Runner().Running(), "resume after close does nothing")
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(Options{Config: config.DefaultConfig()})
	assert.Error(t, err)
}
