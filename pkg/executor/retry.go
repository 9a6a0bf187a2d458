package executor

import (
	"context"
	"math/rand"
	"time"

	"autobuildr/pkg/config"
	"autobuildr/pkg/executor/llm"
	"autobuildr/pkg/llmerrors"
	"autobuildr/pkg/logx"
)

// RetryingClient wraps an llm.Client with classified-error retries. The
// per-error-type backoff comes from llmerrors; the overall attempt cap and
// backoff ceiling come from the orchestrator retry config. Auth and bad
// prompt errors are never retried.
//
//nolint:govet // fieldalignment: logical grouping preferred
type RetryingClient struct {
	inner  llm.Client
	cfg    config.RetryConfig
	logger *logx.Logger
	sleep  func(context.Context, time.Duration) error
}

// NewRetryingClient wraps a client with retry behavior.
func NewRetryingClient(inner llm.Client, cfg config.RetryConfig) *RetryingClient {
	return &RetryingClient{
		inner:  inner,
		cfg:    cfg,
		logger: logx.NewLogger("llm-retry"),
		sleep:  sleepCtx,
	}
}

// Complete implements llm.Client. Retries consume wall-clock budget only;
// the caller's context bounds the total time spent.
//
//nolint:gocritic // CompletionRequest passed by value to match the interface
func (c *RetryingClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		resp, err := c.inner.Complete(ctx, in)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !llmerrors.Retryable(err) {
			return llm.CompletionResponse{}, err
		}
		if attempt >= c.cfg.MaxAttempts {
			break
		}

		delay := c.backoff(err, attempt)
		c.logger.Warn("completion attempt %d failed (%v), retrying in %s", attempt+1, err, delay)
		if err := c.sleep(ctx, delay); err != nil {
			return llm.CompletionResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "retry interrupted")
		}
	}
	return llm.CompletionResponse{}, llmerrors.NewServiceUnavailableError(lastErr, c.cfg.MaxAttempts)
}

// GetModelName implements llm.Client.
func (c *RetryingClient) GetModelName() string {
	return c.inner.GetModelName()
}

// backoff computes the delay before the next attempt: the error type's
// initial delay scaled exponentially, capped by both the error type's and
// the orchestrator's maximum.
func (c *RetryingClient) backoff(err error, attempt int) time.Duration {
	typeCfg := llmerrors.DefaultRetryConfigs[llmerrors.TypeOf(err)]

	delay := typeCfg.InitialDelay
	if delay <= 0 {
		delay = c.cfg.InitialBackoff
	}
	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * typeCfg.BackoffFactor)
	}
	if typeCfg.MaxDelay > 0 && delay > typeCfg.MaxDelay {
		delay = typeCfg.MaxDelay
	}
	if c.cfg.MaxBackoff > 0 && delay > c.cfg.MaxBackoff {
		delay = c.cfg.MaxBackoff
	}
	if typeCfg.Jitter && delay > 0 {
		//nolint:gosec // jitter does not need cryptographic randomness
		delay += time.Duration(rand.Int63n(int64(delay) / 4))
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
