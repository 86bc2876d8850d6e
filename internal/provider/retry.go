package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// RetryConfig controls RetryingBackend.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultRetryConfig returns the defaults used when only MaxRetries is
// configured.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     2,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
	}
}

// RetryingBackend retries transient backend failures with exponential
// backoff.
type RetryingBackend struct {
	inner  Backend
	config RetryConfig
	logger zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRetryingBackend wraps inner. inner must not be nil.
func NewRetryingBackend(inner Backend, cfg RetryConfig, logger zerolog.Logger) *RetryingBackend {
	if inner == nil {
		panic("provider: inner backend must not be nil")
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	return &RetryingBackend{inner: inner, config: cfg, logger: logger, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Complete returns the first successful response, or the last error once
// retries are exhausted.
func (b *RetryingBackend) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	var lastErr error
	backoff := b.config.InitialBackoff

	for attempt := 0; attempt <= b.config.MaxRetries; attempt++ {
		resp, err := b.inner.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return nil, err
		}
		if attempt == b.config.MaxRetries {
			break
		}

		b.logger.Warn().Err(err).Int("attempt", attempt+1).Dur("backoff", backoff).Msg("retrying backend call")
		if err := b.sleep(ctx, backoff); err != nil {
			return nil, err
		}

		next := time.Duration(float64(backoff) * b.config.Multiplier)
		if b.config.MaxBackoff > 0 && next > b.config.MaxBackoff {
			next = b.config.MaxBackoff
		}
		backoff = next
	}

	return nil, fmt.Errorf("retries exhausted after %d attempts: %w", b.config.MaxRetries+1, lastErr)
}

var _ Backend = (*RetryingBackend)(nil)
