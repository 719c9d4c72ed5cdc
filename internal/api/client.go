package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const maxResponseBytes = 8 << 20

// Client talks to the lessons backend over HTTP.
type Client struct {
	baseURL   string
	http      *http.Client
	tokens    TokenSource
	userAgent string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout bounds every request. Zero means no timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		hc := *c.http
		hc.Timeout = d
		c.http = &hc
	}
}

// WithTokenSource sets where bearer tokens come from. Without one,
// authenticated endpoints are called without an Authorization header.
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// NewClient creates a Client for baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base URL %q: scheme must be http or https", baseURL)
	}
	c := &Client{
		baseURL:   u.String(),
		http:      &http.Client{},
		userAgent: "lessonsync",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Login(ctx context.Context, email, password string) (*Tokens, error) {
	body := map[string]string{"email": email, "password": password}
	var out Tokens
	if err := c.do(ctx, OpLogin, http.MethodPost, false, body, tokensSchema, &out, "auth", "login"); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Register(ctx context.Context, email, password string) error {
	body := map[string]string{"email": email, "password": password}
	return c.do(ctx, OpRegister, http.MethodPost, false, body, nil, nil, "auth", "register")
}

func (c *Client) Refresh(ctx context.Context, refreshToken string) (string, error) {
	body := map[string]string{"refresh": refreshToken}
	var out struct {
		Access string `json:"access"`
	}
	if err := c.do(ctx, OpRefresh, http.MethodPost, true, body, refreshSchema, &out, "refresh"); err != nil {
		return "", err
	}
	return out.Access, nil
}

func (c *Client) RequestPasswordReset(ctx context.Context, email string) error {
	body := map[string]string{"email": email}
	return c.reset(ctx, OpRequestPasswordReset, http.MethodPost, body, "auth", "request-password-reset")
}

func (c *Client) VerifyResetCode(ctx context.Context, email, code string) error {
	return c.reset(ctx, OpVerifyResetCode, http.MethodGet, nil, "auth", "password-reset-confirm", email, code)
}

func (c *Client) SetNewPassword(ctx context.Context, email, code, password string) error {
	body := map[string]string{"email": email, "code": code, "password": password}
	return c.reset(ctx, OpSetNewPassword, http.MethodPatch, body, "auth", "set-new-password")
}

// reset calls a password-reset endpoint. These answer 200 with
// success=false for rejected codes, which is reported as an HTTPError.
func (c *Client) reset(ctx context.Context, op, method string, body any, segments ...string) error {
	var out struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := c.do(ctx, op, method, true, body, resetSchema, &out, segments...); err != nil {
		return err
	}
	if !out.Success {
		msg := out.Error
		if msg == "" {
			msg = out.Message
		}
		return &HTTPError{Op: op, Status: http.StatusOK, Message: msg}
	}
	return nil
}

func (c *Client) FreeLessons(ctx context.Context) ([]LessonDTO, error) {
	var out []LessonDTO
	if err := c.do(ctx, OpFreeLessons, http.MethodGet, true, nil, lessonsSchema, &out, "api", "all-free-lessons"); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) FreeTasksByLesson(ctx context.Context, lessonID int) ([]TaskDTO, error) {
	var out []TaskDTO
	err := c.do(ctx, OpFreeTasksByLesson, http.MethodGet, true, nil, tasksSchema, &out,
		"api", "free-tasks-by-lesson", strconv.Itoa(lessonID))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CompletedFreeLessons(ctx context.Context, email string) ([]CompletedDTO, error) {
	var out []CompletedDTO
	if err := c.do(ctx, OpCompletedLessons, http.MethodGet, true, nil, completedSchema, &out, "api", "free-completed-lessons", email); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CompletedFreeTasks(ctx context.Context, email string) ([]CompletedDTO, error) {
	var out []CompletedDTO
	if err := c.do(ctx, OpCompletedTasks, http.MethodGet, true, nil, completedSchema, &out, "api", "free-completed-tasks", email); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) MarkCompleted(ctx context.Context, email string, taskIDs []int) (*MarkCompletedResult, error) {
	if taskIDs == nil {
		taskIDs = []int{}
	}
	body := struct {
		Email   string `json:"email"`
		TaskIDs []int  `json:"task_ids"`
	}{email, taskIDs}
	var out MarkCompletedResult
	if err := c.do(ctx, OpMarkCompleted, http.MethodPost, true, body, markCompletedSchema, &out, "api", "mark-completed-lessons"); err != nil {
		return nil, err
	}
	return &out, nil
}

// endpoint joins path segments onto the base URL. Segments are escaped
// individually and every path ends in a slash, as the backend expects.
func (c *Client) endpoint(segments ...string) (string, error) {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	u, err := url.JoinPath(c.baseURL, escaped...)
	if err != nil {
		return "", err
	}
	return u + "/", nil
}

func (c *Client) do(ctx context.Context, op, method string, auth bool, body any, schema *Schema, out any, segments ...string) error {
	endpoint, err := c.endpoint(segments...)
	if err != nil {
		return fmt.Errorf("%s: build URL: %w", op, err)
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode body: %w", op, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("%s: new request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth && c.tokens != nil {
		token, err := c.tokens.AccessToken(ctx)
		if err != nil {
			return fmt.Errorf("%s: access token: %w", op, err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// http.Client wraps context errors in *url.Error; unwrap so callers
		// can match context.Canceled directly.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &NetworkError{Op: op, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{Op: op, Status: resp.StatusCode, Message: messageFromBody(resp.StatusCode, raw)}
	}

	if out == nil {
		return nil
	}
	if err := schema.check(op, raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &ErrInvalidResponse{Op: op, Content: raw, Err: err}
	}
	return nil
}
