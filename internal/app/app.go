// Package app wires the session, content cache and sync components into
// one application and ties them to the session and app lifecycles.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/abhisek/lessonsync/internal/api"
	"github.com/abhisek/lessonsync/internal/config"
	"github.com/abhisek/lessonsync/internal/content"
	"github.com/abhisek/lessonsync/internal/credentials"
	"github.com/abhisek/lessonsync/internal/lifecycle"
	"github.com/abhisek/lessonsync/internal/logger"
	"github.com/abhisek/lessonsync/internal/queue"
	"github.com/abhisek/lessonsync/internal/session"
	"github.com/abhisek/lessonsync/internal/store"
	"github.com/abhisek/lessonsync/internal/syncer"
)

// Options holds the dependencies needed to build an App.
type Options struct {
	Config config.Config
	Store  *store.Store
	Logger *logger.Logger

	// Backend replaces the HTTP client. It is still wrapped with retries
	// and request logging.
	Backend api.Backend

	// OnReconciliationError is forwarded to the background runner.
	OnReconciliationError func(*syncer.ReconciliationError)
}

// App owns every long-lived component. The caller owns the Store.
type App struct {
	log     *logger.Logger
	session *session.Manager
	queue   *queue.Queue
	cache   *content.Cache
	syncer  *syncer.Syncer
	runner  *syncer.Runner
	monitor *lifecycle.Monitor

	mu       sync.Mutex
	started  bool
	runCtx   context.Context
	authed   bool
	owner    string // last signed-in email
	sessSub  *session.Subscription
	resumeSb *lifecycle.Subscription
}

// New builds an App from opts.
func New(opts Options) (*App, error) {
	if opts.Store == nil {
		return nil, errors.New("app: store is required")
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	cfg := opts.Config
	log := opts.Logger

	sealer, err := credentials.NewSealer(cfg.CredentialSecret)
	if err != nil {
		return nil, fmt.Errorf("credential sealer: %w", err)
	}
	creds := credentials.NewStore(opts.Store.KVRepo(), sealer)

	backend := opts.Backend
	if backend == nil {
		client, err := api.NewClient(cfg.BaseURL,
			api.WithTokenSource(creds),
			api.WithTimeout(cfg.HTTPTimeout),
		)
		if err != nil {
			return nil, fmt.Errorf("backend client: %w", err)
		}
		backend = client
	}
	backend = api.WithRetry(backend, api.RetryConfig{
		MaxAttempts: cfg.Retry.MaxAttempts,
		InitialWait: cfg.Retry.InitialWait,
		MaxWait:     cfg.Retry.MaxWait,
		Multiplier:  cfg.Retry.Multiplier,
	})
	backend = api.WithLogging(backend, opts.Store.EventRepo(), log.With("component", "api"))

	mgr := session.NewManager(session.Options{
		Backend:       backend,
		Credentials:   creds,
		Logger:        log.With("component", "session"),
		RefreshMargin: cfg.RefreshMargin,
	})
	q := queue.New(opts.Store.QueueRepo())
	cache := content.New(content.Options{
		Backend:             backend,
		Snapshots:           opts.Store.SnapshotRepo(),
		Queue:               q,
		Emails:              creds,
		Logger:              log.With("component", "content"),
		PrefetchConcurrency: cfg.PrefetchConcurrency,
	})
	s := syncer.New(syncer.Options{
		Backend: backend,
		Queue:   q,
		Cache:   cache,
		User:    mgr,
		Logger:  log.With("component", "syncer"),
	})
	runner := syncer.NewRunner(s, syncer.RunnerOptions{
		Interval:              cfg.SyncInterval,
		Logger:                log.With("component", "runner"),
		OnReconciliationError: opts.OnReconciliationError,
	})

	return &App{
		log:     log,
		session: mgr,
		queue:   q,
		cache:   cache,
		syncer:  s,
		runner:  runner,
		monitor: lifecycle.NewMonitor(),
	}, nil
}

// Session returns the session manager.
func (a *App) Session() *session.Manager { return a.session }

// Content returns the lesson and task cache.
func (a *App) Content() *content.Cache { return a.cache }

// Queue returns the batch sync queue.
func (a *App) Queue() *queue.Queue { return a.queue }

// Syncer returns the sync coordinator.
func (a *App) Syncer() *syncer.Syncer { return a.syncer }

// Runner returns the background sync runner.
func (a *App) Runner() *syncer.Runner { return a.runner }

// Lifecycle returns the foreground/background monitor.
func (a *App) Lifecycle() *lifecycle.Monitor { return a.monitor }

// Start restores the session from stored credentials, hydrates the
// lesson list when authenticated, and begins background sync. The runner
// follows the session from then on: it runs while authenticated and stops
// otherwise. Resuming the app rechecks the token and triggers a sync.
//
// A refresh failure during startup leaves the app unauthenticated and is
// returned; the App is still usable.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = true
	a.runCtx = context.WithoutCancel(ctx)
	a.mu.Unlock()

	checkErr := a.session.CheckAndRefreshAccessToken(ctx)
	if checkErr != nil {
		a.log.Warn("startup token check failed", "error", checkErr)
	}

	if a.session.IsAuthenticated() {
		if err := a.cache.Restore(ctx); err != nil {
			a.log.Warn("restore lesson snapshot", "error", err)
		}
		if _, err := a.cache.FreeLessonLoadInit(ctx); err != nil {
			a.log.Warn("initial lesson load", "error", err)
		}
	}

	a.mu.Lock()
	a.sessSub = a.session.Subscribe(a.onSession)
	a.resumeSb = a.monitor.OnResume(a.onResume)
	a.mu.Unlock()

	a.onSession(a.session.Session())
	return checkErr
}

// onSession starts the runner when the session becomes authenticated and
// stops it when it stops being authenticated. In-memory content of a
// previous user is dropped when someone else signs in.
func (a *App) onSession(s session.Session) {
	a.mu.Lock()
	was := a.authed
	a.authed = s.IsAuthenticated
	ctx := a.runCtx
	switched := false
	if s.UserEmail != "" {
		switched = a.owner != "" && a.owner != s.UserEmail
		a.owner = s.UserEmail
	}
	a.mu.Unlock()

	if switched {
		a.log.Debug("signed-in user changed, dropping cached content")
		a.cache.Invalidate()
	}

	switch {
	case s.IsAuthenticated && !was:
		a.log.Debug("session authenticated, starting sync runner")
		a.runner.Start(ctx)
	case !s.IsAuthenticated && was:
		a.log.Debug("session ended, stopping sync runner")
		a.runner.Stop()
	}
}

func (a *App) onResume() {
	a.mu.Lock()
	ctx := a.runCtx
	a.mu.Unlock()

	err := a.session.CheckAndRefreshAccessToken(ctx)
	if errors.Is(err, session.ErrSessionExpired) {
		// Queued completions stay with their owner until that user signs
		// in again.
		a.cache.Invalidate()
		return
	}
	if err != nil {
		a.log.Warn("token check on resume", "error", err)
	}
	a.runner.Trigger()
}

// Logout stops background sync, makes one best-effort attempt to flush
// pending completions, clears the session and discards the departing
// user's content state and unsent completions. Other users' queued
// completions are kept.
func (a *App) Logout(ctx context.Context) error {
	a.runner.Stop()
	owner := a.session.Email()

	if a.session.IsAuthenticated() {
		if _, err := a.syncer.SyncCompletedTasks(ctx); err != nil {
			a.log.Warn("final sync before logout", "error", err)
		}
	}

	logoutErr := a.session.Logout(ctx)
	resetErr := a.cache.Reset(ctx)
	if resetErr != nil {
		resetErr = fmt.Errorf("reset content: %w", resetErr)
	}
	discardErr := a.queue.Discard(ctx, owner)
	return errors.Join(logoutErr, resetErr, discardErr)
}

// Close stops the runner and detaches all listeners.
func (a *App) Close() {
	a.mu.Lock()
	sessSub, resumeSub := a.sessSub, a.resumeSb
	a.sessSub, a.resumeSb = nil, nil
	a.mu.Unlock()

	if sessSub != nil {
		sessSub.Stop()
	}
	if resumeSub != nil {
		resumeSub.Stop()
	}
	a.runner.Stop()
}
