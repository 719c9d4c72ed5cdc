package api

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// MockResponse is a canned response for the MockBackend. Value must have
// the operation's result type: *Tokens, string, []LessonDTO, []TaskDTO,
// []CompletedDTO, *MarkCompletedResult, or nil.
type MockResponse struct {
	Value any
	Err   error

	// Wait, when set, blocks the call until it is closed or the context
	// is done.
	Wait <-chan struct{}
}

// MockCall records one call made to the MockBackend.
type MockCall struct {
	Op       string
	Email    string
	LessonID int
	TaskIDs  []int
	Token    string
}

// MockBackend is a deterministic Backend for testing. It returns canned
// responses per operation in FIFO order and records all calls.
type MockBackend struct {
	mu        sync.Mutex
	responses map[string][]MockResponse
	Calls     []MockCall
}

// NewMockBackend creates an empty MockBackend.
func NewMockBackend() *MockBackend {
	return &MockBackend{responses: make(map[string][]MockResponse)}
}

// On queues canned responses for op.
func (m *MockBackend) On(op string, resps ...MockResponse) *MockBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[op] = append(m.responses[op], resps...)
	return m
}

// CallCount returns how many calls were made to op.
func (m *MockBackend) CallCount(op string) int {
	return len(m.CallsFor(op))
}

// CallsFor returns the recorded calls to op.
func (m *MockBackend) CallsFor(op string) []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []MockCall
	for _, c := range m.Calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Pending returns how many canned responses for op are unused.
func (m *MockBackend) Pending(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.responses[op])
}

func (m *MockBackend) next(ctx context.Context, call MockCall) (any, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, call)
	queue := m.responses[call.Op]
	if len(queue) == 0 {
		m.mu.Unlock()
		return nil, &NetworkError{Op: call.Op, Err: errors.New("mock: no response queued")}
	}
	resp := queue[0]
	m.responses[call.Op] = queue[1:]
	m.mu.Unlock()

	if resp.Wait != nil {
		select {
		case <-resp.Wait:
		case <-ctx.Done():
			return nil, &NetworkError{Op: call.Op, Err: ctx.Err()}
		}
	}
	return resp.Value, resp.Err
}

func mockValue[T any](op string, v any, err error) (T, error) {
	var zero T
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("mock: %s response has type %T, want %T", op, v, zero)
	}
	return typed, nil
}

func (m *MockBackend) Login(ctx context.Context, email, _ string) (*Tokens, error) {
	v, err := m.next(ctx, MockCall{Op: OpLogin, Email: email})
	return mockValue[*Tokens](OpLogin, v, err)
}

func (m *MockBackend) Register(ctx context.Context, email, _ string) error {
	_, err := m.next(ctx, MockCall{Op: OpRegister, Email: email})
	return err
}

func (m *MockBackend) Refresh(ctx context.Context, refreshToken string) (string, error) {
	v, err := m.next(ctx, MockCall{Op: OpRefresh, Token: refreshToken})
	return mockValue[string](OpRefresh, v, err)
}

func (m *MockBackend) RequestPasswordReset(ctx context.Context, email string) error {
	_, err := m.next(ctx, MockCall{Op: OpRequestPasswordReset, Email: email})
	return err
}

func (m *MockBackend) VerifyResetCode(ctx context.Context, email, code string) error {
	_, err := m.next(ctx, MockCall{Op: OpVerifyResetCode, Email: email, Token: code})
	return err
}

func (m *MockBackend) SetNewPassword(ctx context.Context, email, code, _ string) error {
	_, err := m.next(ctx, MockCall{Op: OpSetNewPassword, Email: email, Token: code})
	return err
}

func (m *MockBackend) FreeLessons(ctx context.Context) ([]LessonDTO, error) {
	v, err := m.next(ctx, MockCall{Op: OpFreeLessons})
	return mockValue[[]LessonDTO](OpFreeLessons, v, err)
}

func (m *MockBackend) FreeTasksByLesson(ctx context.Context, lessonID int) ([]TaskDTO, error) {
	v, err := m.next(ctx, MockCall{Op: OpFreeTasksByLesson, LessonID: lessonID})
	return mockValue[[]TaskDTO](OpFreeTasksByLesson, v, err)
}

func (m *MockBackend) CompletedFreeLessons(ctx context.Context, email string) ([]CompletedDTO, error) {
	v, err := m.next(ctx, MockCall{Op: OpCompletedLessons, Email: email})
	return mockValue[[]CompletedDTO](OpCompletedLessons, v, err)
}

func (m *MockBackend) CompletedFreeTasks(ctx context.Context, email string) ([]CompletedDTO, error) {
	v, err := m.next(ctx, MockCall{Op: OpCompletedTasks, Email: email})
	return mockValue[[]CompletedDTO](OpCompletedTasks, v, err)
}

func (m *MockBackend) MarkCompleted(ctx context.Context, email string, taskIDs []int) (*MarkCompletedResult, error) {
	v, err := m.next(ctx, MockCall{Op: OpMarkCompleted, Email: email, TaskIDs: slices.Clone(taskIDs)})
	return mockValue[*MarkCompletedResult](OpMarkCompleted, v, err)
}
