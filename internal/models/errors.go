package models

import (
	"fmt"
	"strings"
)

// ErrModelUnavailable signals that a provider could not be reached at all,
// as opposed to rejecting the request. Callers test with errors.As and may
// retry on another provider.
type ErrModelUnavailable struct {
	Provider string
	Cause    error
}

func (e *ErrModelUnavailable) Error() string {
	return fmt.Sprintf("model provider %q unavailable: %v", e.Provider, e.Cause)
}

func (e *ErrModelUnavailable) Unwrap() error {
	return e.Cause
}

// HandleError converts common SDK errors to user-friendly errors.
func HandleError(err error) error {
	if err == nil {
		return nil
	}

	errStr := strings.ToLower(err.Error())

	if containsAny(errStr, "401", "403", "unauthorized", "invalid api key", "api key", "forbidden") {
		return fmt.Errorf("authentication failed: %w", err)
	}

	if containsAny(errStr, "429", "rate limit", "quota", "too many requests") {
		return fmt.Errorf("rate limited: %w", err)
	}

	if containsAny(errStr, "context length", "too many tokens", "max tokens", "token limit") {
		return fmt.Errorf("context too long: %w", err)
	}

	if containsAny(errStr, "model not found", "404", "not found") {
		return fmt.Errorf("model not found: %w", err)
	}

	if containsAny(errStr, "connection", "eof", "timeout", "dial", "refused") {
		return fmt.Errorf("connection error: %w", err)
	}

	return err
}

// IsTransient reports whether an error is worth retrying on the same
// provider: rate limits and transport hiccups, not auth or schema errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return containsAny(errStr, "429", "rate limit", "too many requests",
		"connection", "eof", "timeout", "dial", "refused", "502", "503", "504")
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
