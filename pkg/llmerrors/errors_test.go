package llmerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRetryableByType(t *testing.T) {
	cases := []struct {
		errorType ErrorType
		retryable bool
	}{
		{ErrorTypeRateLimit, true},
		{ErrorTypeTransient, true},
		{ErrorTypeEmptyResponse, true},
		{ErrorTypeUnknown, true},
		{ErrorTypeAuth, false},
		{ErrorTypeBadPrompt, false},
		{ErrorTypeServiceUnavailable, false},
	}
	for _, tc := range cases {
		t.Run(tc.errorType.String(), func(t *testing.T) {
			err := NewError(tc.errorType, "test")
			assert.Equal(t, tc.retryable, err.IsRetryable())
			assert.Equal(t, tc.retryable, Retryable(err))
		})
	}
}

func TestRetryableRejectsUnclassified(t *testing.T) {
	assert.False(t, Retryable(errors.New("plain error")))
	assert.False(t, Retryable(nil))
}

func TestTypeOfUnwrapsThroughWrapping(t *testing.T) {
	base := NewError(ErrorTypeRateLimit, "slow down")
	wrapped := fmt.Errorf("turn 3: %w", base)

	assert.Equal(t, ErrorTypeRateLimit, TypeOf(wrapped))
	assert.True(t, Is(wrapped, ErrorTypeRateLimit))
	assert.False(t, Is(wrapped, ErrorTypeAuth))
	assert.Equal(t, ErrorTypeUnknown, TypeOf(errors.New("opaque")))
}

func TestErrorMessageForms(t *testing.T) {
	withMessage := NewError(ErrorTypeAuth, "bad key")
	assert.Contains(t, withMessage.Error(), "auth")
	assert.Contains(t, withMessage.Error(), "bad key")

	cause := errors.New("connection reset")
	withCause := &Error{Type: ErrorTypeTransient, Err: cause}
	assert.Contains(t, withCause.Error(), "connection reset")
	assert.ErrorIs(t, withCause, cause)
}

func TestRetryConfigShapes(t *testing.T) {
	// Every retryable type carries a usable backoff shape; permanent
	// types carry none.
	for _, et := range []ErrorType{ErrorTypeRateLimit, ErrorTypeTransient, ErrorTypeEmptyResponse, ErrorTypeUnknown} {
		cfg := DefaultRetryConfigs[et]
		assert.Positive(t, cfg.InitialDelay, et.String())
		assert.GreaterOrEqual(t, cfg.BackoffFactor, 1.0, et.String())
	}
	for _, et := range []ErrorType{ErrorTypeAuth, ErrorTypeBadPrompt, ErrorTypeServiceUnavailable} {
		assert.Zero(t, DefaultRetryConfigs[et].InitialDelay, et.String())
	}
}

func TestNewServiceUnavailableError(t *testing.T) {
	cause := NewError(ErrorTypeTransient, "flaky upstream")
	err := NewServiceUnavailableError(cause, 4)

	require.True(t, Is(err, ErrorTypeServiceUnavailable))
	assert.False(t, err.IsRetryable())
	assert.Contains(t, err.Error(), "4 retry attempts")
	assert.ErrorIs(t, err, cause)
}
