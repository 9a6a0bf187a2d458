// Package llmerrors classifies turn executor failures so the retry layer
// can decide whether and how fast to try again.
package llmerrors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType is the retry-relevant category of an executor error.
type ErrorType int8

const (
	// ErrorTypeRateLimit covers 429s and quota exhaustion.
	ErrorTypeRateLimit ErrorType = iota
	// ErrorTypeTransient covers 5xx, EOF, connection resets, and timeouts.
	ErrorTypeTransient
	// ErrorTypeEmptyResponse covers a successful call that returned no content.
	ErrorTypeEmptyResponse

	// ErrorTypeAuth covers 401/403 and bad API keys. Never retried.
	ErrorTypeAuth
	// ErrorTypeBadPrompt covers malformed or rejected requests. Never retried.
	ErrorTypeBadPrompt
	// ErrorTypeUnknown is the fallback for unclassified errors.
	ErrorTypeUnknown
	// ErrorTypeServiceUnavailable marks a provider that stayed down through
	// every retry attempt. Terminal for the current run.
	ErrorTypeServiceUnavailable
)

func (et ErrorType) String() string {
	switch et {
	case ErrorTypeRateLimit:
		return "rate_limit"
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypeEmptyResponse:
		return "empty_response"
	case ErrorTypeAuth:
		return "auth"
	case ErrorTypeBadPrompt:
		return "bad_prompt"
	case ErrorTypeUnknown:
		return "unknown"
	case ErrorTypeServiceUnavailable:
		return "service_unavailable"
	default:
		return "invalid"
	}
}

// RetryConfig is the per-type backoff shape consulted by the retry layer.
// The overall attempt cap lives in the orchestrator configuration.
type RetryConfig struct {
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool
}

// DefaultRetryConfigs maps each error type to its backoff shape. Rate
// limits back off longest; transient blips retry quickly.
//
//nolint:gochecknoglobals // package-level defaults
var DefaultRetryConfigs = map[ErrorType]RetryConfig{
	ErrorTypeRateLimit: {
		InitialDelay:  1 * time.Second,
		MaxDelay:      60 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	},
	ErrorTypeTransient: {
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	},
	ErrorTypeEmptyResponse: {
		InitialDelay:  2 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	},
	ErrorTypeUnknown: {
		InitialDelay:  1 * time.Second,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	},
	ErrorTypeAuth:               {BackoffFactor: 1.0},
	ErrorTypeBadPrompt:          {BackoffFactor: 1.0},
	ErrorTypeServiceUnavailable: {BackoffFactor: 1.0},
}

// Error is a classified executor error.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Error struct {
	Type    ErrorType
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("LLM error (%s): %s", e.Type, e.Message)
	}
	return fmt.Sprintf("LLM error (%s): %v", e.Type, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether this error type is worth another attempt.
// Everything is retryable unless the type is known to be permanent.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeAuth, ErrorTypeBadPrompt, ErrorTypeServiceUnavailable:
		return false
	default:
		return true
	}
}

// Is reports whether err is a classified error of the given type.
func Is(err error, errorType ErrorType) bool {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type == errorType
	}
	return false
}

// TypeOf returns err's classification, ErrorTypeUnknown when unclassified.
func TypeOf(err error) ErrorType {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type
	}
	return ErrorTypeUnknown
}

// Retryable reports whether err should be retried. Unclassified errors are
// not retried; the caller decides how to surface them.
func Retryable(err error) bool {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.IsRetryable()
	}
	return false
}

// NewError creates a classified error with a message.
func NewError(errorType ErrorType, message string) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
	}
}

// NewErrorWithCause creates a classified error wrapping an underlying one.
func NewErrorWithCause(errorType ErrorType, cause error, message string) *Error {
	return &Error{
		Type:    errorType,
		Err:     cause,
		Message: message,
	}
}

// NewServiceUnavailableError marks a provider as down after the retry
// budget was spent on cause.
func NewServiceUnavailableError(cause error, attempts int) *Error {
	return &Error{
		Type:    ErrorTypeServiceUnavailable,
		Err:     cause,
		Message: fmt.Sprintf("service unavailable after %d retry attempts", attempts),
	}
}
