package session

import (
	"regexp"
	"strings"
)

var (
	emailRe     = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	resetCodeRe = regexp.MustCompile(`^\d{6}$`)
)

// ValidateEmail checks the email format.
func ValidateEmail(email string) error {
	if strings.TrimSpace(email) == "" {
		return &ValidationError{Field: "email", Reason: "is required"}
	}
	if !emailRe.MatchString(email) {
		return &ValidationError{Field: "email", Reason: "is not a valid email address"}
	}
	return nil
}

// ValidateCredentials checks an email and password before they are sent.
func ValidateCredentials(email, password string) error {
	if err := ValidateEmail(email); err != nil {
		return err
	}
	if password == "" {
		return &ValidationError{Field: "password", Reason: "is required"}
	}
	return nil
}

// ValidateConfirmation checks that a password was typed the same twice.
func ValidateConfirmation(password, confirm string) error {
	if password != confirm {
		return &ValidationError{Field: "confirm", Reason: "passwords do not match"}
	}
	return nil
}

// ValidateResetCode checks a six digit password reset code.
func ValidateResetCode(code string) error {
	if !resetCodeRe.MatchString(code) {
		return &ValidationError{Field: "code", Reason: "must be six digits"}
	}
	return nil
}
