package remote

import (
	"errors"
	"fmt"
	"strings"
)

// RateLimitError means the remote side rejected the call because its quota was exceeded.
// It is retried and also starts the processor-wide cooldown.
type RateLimitError struct {
	StatusCode int
	Message    string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit (status %d): %s", e.StatusCode, e.Message)
}

// APIError is any other error reported in a response body or status. It is retried.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (status %d): %s", e.StatusCode, e.Message)
}

// TransientError wraps a transport failure: connection errors, timeouts, unreadable bodies.
// It is retried.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transport error: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError is a failure no retry can fix, e.g. a rejected credential or a
// malformed request. The task is abandoned without spending its other attempts.
type FatalError struct {
	StatusCode int
	Message    string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal error (status %d): %s", e.StatusCode, e.Message)
}

// Class names the failure class of an error for counters and metrics.
type Class string

const (
	ClassRateLimit Class = "rate_limit"
	ClassAPI       Class = "api"
	ClassTransient Class = "transient"
	ClassFatal     Class = "fatal"
)

// ClassOf returns the class of err. Errors of unknown type are transient.
func ClassOf(err error) Class {
	var rl *RateLimitError
	var api *APIError
	var fatal *FatalError
	switch {
	case errors.As(err, &rl):
		return ClassRateLimit
	case errors.As(err, &fatal):
		return ClassFatal
	case errors.As(err, &api):
		return ClassAPI
	}
	return ClassTransient
}

// Retryable reports whether another attempt could succeed.
func Retryable(err error) bool {
	return ClassOf(err) != ClassFatal
}

// Classifier reports whether an error message returned by the remote service
// signals a rate limit. Vendors word this differently, so it is pluggable.
type Classifier func(statusCode int, message string) bool

// DefaultClassifier matches "rate limit" anywhere in the message, ignoring case.
func DefaultClassifier(_ int, message string) bool {
	return strings.Contains(strings.ToLower(message), "rate limit")
}

// ContainsAny returns a classifier matching any of the given substrings, ignoring case.
func ContainsAny(markers ...string) Classifier {
	lowered := make([]string, len(markers))
	for i, m := range markers {
		lowered[i] = strings.ToLower(m)
	}
	return func(_ int, message string) bool {
		msg := strings.ToLower(message)
		for _, m := range lowered {
			if m != "" && strings.Contains(msg, m) {
				return true
			}
		}
		return false
	}
}
