package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/abhisek/lessonsync/internal/logger"
	"github.com/abhisek/lessonsync/internal/store"
)

// LoggingBackend is a decorator that records every backend call as a
// request event and a debug log line.
type LoggingBackend struct {
	inner     Backend
	eventRepo store.EventRepo
	log       *logger.Logger
}

// WithLogging wraps a Backend with event logging. repo may be nil.
func WithLogging(b Backend, repo store.EventRepo, log *logger.Logger) Backend {
	if log == nil {
		log = logger.Nop()
	}
	return &LoggingBackend{inner: b, eventRepo: repo, log: log}
}

func (l *LoggingBackend) observe(ctx context.Context, op string, start time.Time, err error) {
	data := store.RequestEventData{
		Operation: op,
		Status:    statusOf(err),
		LatencyMs: time.Since(start).Milliseconds(),
		Success:   err == nil,
	}
	if err != nil {
		data.ErrorMessage = err.Error()
		l.log.Debug("backend call failed", "op", op, "status", data.Status, "latency_ms", data.LatencyMs, "error", err)
	} else {
		l.log.Debug("backend call", "op", op, "status", data.Status, "latency_ms", data.LatencyMs)
	}

	if l.eventRepo == nil {
		return
	}
	// Recording must not fail the call, and must still happen when the
	// caller's context was cancelled.
	if logErr := l.eventRepo.AppendRequest(context.WithoutCancel(ctx), data); logErr != nil {
		l.log.Warn("failed to record request event", "op", op, "error", logErr)
	}
}

// statusOf returns the HTTP status for a call outcome: 0 when no response
// arrived.
func statusOf(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status
	}
	var invResp *ErrInvalidResponse
	if errors.As(err, &invResp) {
		return http.StatusOK
	}
	return 0
}

func (l *LoggingBackend) Login(ctx context.Context, email, password string) (*Tokens, error) {
	start := time.Now()
	t, err := l.inner.Login(ctx, email, password)
	l.observe(ctx, OpLogin, start, err)
	return t, err
}

func (l *LoggingBackend) Register(ctx context.Context, email, password string) error {
	start := time.Now()
	err := l.inner.Register(ctx, email, password)
	l.observe(ctx, OpRegister, start, err)
	return err
}

func (l *LoggingBackend) Refresh(ctx context.Context, refreshToken string) (string, error) {
	start := time.Now()
	access, err := l.inner.Refresh(ctx, refreshToken)
	l.observe(ctx, OpRefresh, start, err)
	return access, err
}

func (l *LoggingBackend) RequestPasswordReset(ctx context.Context, email string) error {
	start := time.Now()
	err := l.inner.RequestPasswordReset(ctx, email)
	l.observe(ctx, OpRequestPasswordReset, start, err)
	return err
}

func (l *LoggingBackend) VerifyResetCode(ctx context.Context, email, code string) error {
	start := time.Now()
	err := l.inner.VerifyResetCode(ctx, email, code)
	l.observe(ctx, OpVerifyResetCode, start, err)
	return err
}

func (l *LoggingBackend) SetNewPassword(ctx context.Context, email, code, password string) error {
	start := time.Now()
	err := l.inner.SetNewPassword(ctx, email, code, password)
	l.observe(ctx, OpSetNewPassword, start, err)
	return err
}

func (l *LoggingBackend) FreeLessons(ctx context.Context) ([]LessonDTO, error) {
	start := time.Now()
	v, err := l.inner.FreeLessons(ctx)
	l.observe(ctx, OpFreeLessons, start, err)
	return v, err
}

func (l *LoggingBackend) FreeTasksByLesson(ctx context.Context, lessonID int) ([]TaskDTO, error) {
	start := time.Now()
	v, err := l.inner.FreeTasksByLesson(ctx, lessonID)
	l.observe(ctx, OpFreeTasksByLesson, start, err)
	return v, err
}

func (l *LoggingBackend) CompletedFreeLessons(ctx context.Context, email string) ([]CompletedDTO, error) {
	start := time.Now()
	v, err := l.inner.CompletedFreeLessons(ctx, email)
	l.observe(ctx, OpCompletedLessons, start, err)
	return v, err
}

func (l *LoggingBackend) CompletedFreeTasks(ctx context.Context, email string) ([]CompletedDTO, error) {
	start := time.Now()
	v, err := l.inner.CompletedFreeTasks(ctx, email)
	l.observe(ctx, OpCompletedTasks, start, err)
	return v, err
}

func (l *LoggingBackend) MarkCompleted(ctx context.Context, email string, taskIDs []int) (*MarkCompletedResult, error) {
	start := time.Now()
	v, err := l.inner.MarkCompleted(ctx, email, taskIDs)
	l.observe(ctx, OpMarkCompleted, start, err)
	return v, err
}
