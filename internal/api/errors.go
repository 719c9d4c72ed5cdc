package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// NetworkError indicates the request never produced an HTTP response:
// DNS, connect, TLS, reset, or context cancellation.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// HTTPError indicates the backend answered with a failure. Message is the
// server-provided message when the body carried one.
type HTTPError struct {
	Op      string
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.Status, e.Message)
}

// Temporary reports whether retrying may help.
func (e *HTTPError) Temporary() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// ErrInvalidResponse indicates a 2xx body that does not match the
// expected schema.
type ErrInvalidResponse struct {
	Op      string
	Content json.RawMessage
	Err     error
}

func (e *ErrInvalidResponse) Error() string {
	return fmt.Sprintf("%s: invalid response: %v", e.Op, e.Err)
}

func (e *ErrInvalidResponse) Unwrap() error { return e.Err }

// ServerMessage returns the message to show a user for err: the
// backend's message when there is one, otherwise the error text.
func ServerMessage(err error) string {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.Message != "" {
		return httpErr.Message
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return netErr.Err.Error()
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// errorBody is the set of fields Django REST framework and simplejwt use
// for error text.
type errorBody struct {
	Error   string `json:"error"`
	Detail  string `json:"detail"`
	Message string `json:"message"`
}

func messageFromBody(status int, body []byte) string {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil {
		switch {
		case eb.Error != "":
			return eb.Error
		case eb.Detail != "":
			return eb.Detail
		case eb.Message != "":
			return eb.Message
		}
	}
	// Field validation errors: {"email": ["user with this email already exists."]}
	var fields map[string][]string
	if err := json.Unmarshal(body, &fields); err == nil {
		for _, msgs := range fields {
			if len(msgs) > 0 {
				return msgs[0]
			}
		}
	}
	return http.StatusText(status)
}
