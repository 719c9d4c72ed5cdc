package api

import (
	"context"
	"encoding/json"
)

// Operation names, used for logging and request events.
const (
	OpLogin                = "login"
	OpRegister             = "register"
	OpRefresh              = "refresh"
	OpRequestPasswordReset = "request_password_reset"
	OpVerifyResetCode      = "verify_reset_code"
	OpSetNewPassword       = "set_new_password"
	OpFreeLessons          = "free_lessons"
	OpFreeTasksByLesson    = "free_tasks_by_lesson"
	OpCompletedLessons     = "completed_free_lessons"
	OpCompletedTasks       = "completed_free_tasks"
	OpMarkCompleted        = "mark_completed"
)

// Backend is the remote lessons API as seen by the client core.
type Backend interface {
	// Login exchanges credentials for an access/refresh token pair.
	Login(ctx context.Context, email, password string) (*Tokens, error)

	// Register creates an account. It does not sign in.
	Register(ctx context.Context, email, password string) error

	// Refresh mints a new access token from a refresh token.
	Refresh(ctx context.Context, refreshToken string) (string, error)

	// RequestPasswordReset asks the backend to email a reset code.
	RequestPasswordReset(ctx context.Context, email string) error

	// VerifyResetCode checks a reset code without consuming it.
	VerifyResetCode(ctx context.Context, email, code string) error

	// SetNewPassword sets a new password using a reset code.
	SetNewPassword(ctx context.Context, email, code, password string) error

	// FreeLessons lists every free lesson. Order is not guaranteed.
	FreeLessons(ctx context.Context) ([]LessonDTO, error)

	// FreeTasksByLesson lists the tasks of one lesson.
	FreeTasksByLesson(ctx context.Context, lessonID int) ([]TaskDTO, error)

	// CompletedFreeLessons lists the lessons the user has completed.
	CompletedFreeLessons(ctx context.Context, email string) ([]CompletedDTO, error)

	// CompletedFreeTasks lists the tasks the user has completed.
	CompletedFreeTasks(ctx context.Context, email string) ([]CompletedDTO, error)

	// MarkCompleted reports a batch of completed tasks.
	MarkCompleted(ctx context.Context, email string, taskIDs []int) (*MarkCompletedResult, error)
}

// Tokens is the login response.
type Tokens struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// LessonDTO is one element of api/all-free-lessons/.
type LessonDTO struct {
	ID          int    `json:"id"`
	LessonTitle string `json:"lesson_title"`
	NumTasks    int    `json:"num_tasks"`
}

// TaskDTO is one element of api/free-tasks-by-lesson/{id}/. Content is
// decoded by the content package.
type TaskDTO struct {
	ID        int             `json:"id"`
	Lesson    int             `json:"lesson"`
	TaskTitle string          `json:"task_title"`
	Content   json.RawMessage `json:"content"`
}

// CompletedDTO is one element of the completed-lessons and completed-tasks
// lists. ID is the lesson or task id.
type CompletedDTO struct {
	ID          int    `json:"id"`
	LessonTitle string `json:"lesson_title,omitempty"`
	TaskTitle   string `json:"task_title,omitempty"`
}

// MarkCompletedResult lists ids the backend newly recorded as completed.
type MarkCompletedResult struct {
	NewlyCompletedTasks   []int `json:"newly_completed_tasks"`
	NewlyCompletedLessons []int `json:"newly_completed_lessons"`
}

// TokenSource supplies the bearer token for authenticated requests.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}
