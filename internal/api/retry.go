package api

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// RetryConfig configures retry behavior for transient failures.
type RetryConfig struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	Multiplier  float64
}

// RetryBackend is a decorator that retries transient failures of
// idempotent reads with exponential backoff and jitter. Writes and auth
// calls pass through untouched.
type RetryBackend struct {
	Backend
	config RetryConfig
}

// WithRetry wraps a Backend with read retries.
func WithRetry(b Backend, cfg RetryConfig) Backend {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &RetryBackend{Backend: b, config: cfg}
}

func (r *RetryBackend) FreeLessons(ctx context.Context) ([]LessonDTO, error) {
	return retryRead(ctx, r, func() ([]LessonDTO, error) {
		return r.Backend.FreeLessons(ctx)
	})
}

func (r *RetryBackend) FreeTasksByLesson(ctx context.Context, lessonID int) ([]TaskDTO, error) {
	return retryRead(ctx, r, func() ([]TaskDTO, error) {
		return r.Backend.FreeTasksByLesson(ctx, lessonID)
	})
}

func (r *RetryBackend) CompletedFreeLessons(ctx context.Context, email string) ([]CompletedDTO, error) {
	return retryRead(ctx, r, func() ([]CompletedDTO, error) {
		return r.Backend.CompletedFreeLessons(ctx, email)
	})
}

func (r *RetryBackend) CompletedFreeTasks(ctx context.Context, email string) ([]CompletedDTO, error) {
	return retryRead(ctx, r, func() ([]CompletedDTO, error) {
		return r.Backend.CompletedFreeTasks(ctx, email)
	})
}

func retryRead[T any](ctx context.Context, r *RetryBackend, call func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	invalidRetried := false

	for attempt := range r.config.MaxAttempts {
		v, err := call()
		if err == nil {
			return v, nil
		}
		lastErr = err

		if !shouldRetry(err, &invalidRetried) {
			return zero, err
		}
		if attempt == r.config.MaxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(r.backoff(attempt)):
		}
	}
	return zero, lastErr
}

func shouldRetry(err error, invalidRetried *bool) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var invResp *ErrInvalidResponse
	if errors.As(err, &invResp) {
		if *invalidRetried {
			return false
		}
		*invalidRetried = true
		return true
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Temporary()
	}

	var netErr *NetworkError
	return errors.As(err, &netErr)
}

func (r *RetryBackend) backoff(attempt int) time.Duration {
	wait := float64(r.config.InitialWait) * math.Pow(r.config.Multiplier, float64(attempt))
	if wait > float64(r.config.MaxWait) {
		wait = float64(r.config.MaxWait)
	}

	// ±20% jitter.
	wait += wait * 0.2 * (2*rand.Float64() - 1)
	if wait < 0 {
		wait = 0
	}
	return time.Duration(wait)
}
