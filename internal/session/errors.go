package session

import (
	"errors"
	"fmt"
)

// ErrSuperseded is returned when the session changed (for example a
// logout) while a login or refresh was in flight. Its result was dropped.
var ErrSuperseded = errors.New("session changed while request was in flight")

// ErrSessionExpired is wrapped by the AuthError returned when a token
// refresh fails and the session is cleared.
var ErrSessionExpired = errors.New("session expired")

// genericMessage is shown when neither the backend nor the transport gave
// anything better.
const genericMessage = "Something went wrong"

// ValidationError is malformed local input. It is never sent to the
// backend.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// AuthError is a failed login, registration, refresh or password reset.
// Message is suitable for showing to the user.
type AuthError struct {
	Op      string
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *AuthError) Unwrap() error { return e.Err }
