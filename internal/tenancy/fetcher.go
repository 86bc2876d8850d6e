package tenancy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
)

// ErrCompartmentNotFound is wrapped in an UpstreamError when the source
// has no such compartment.
var ErrCompartmentNotFound = errors.New("compartment not found")

// Fetcher is the raw cloud API surface the tools depend on. A compartment
// id equal to the tenancy id covers every compartment.
type Fetcher interface {
	ListPublicIPs(ctx context.Context, compartmentID string) ([]PublicIP, error)
	ListUsage(ctx context.Context, compartmentID string, window Window) (*UsageReport, error)
}

// UpstreamError is a failed call to the data source.
type UpstreamError struct {
	Op            string
	CompartmentID string
	Retryable     bool
	Err           error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.CompartmentID, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transient upstream failure. Context
// errors are never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Retryable
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// RetryConfig controls RetryingFetcher backoff.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultRetryConfig returns the defaults used by the CLI.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     2,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2.0,
	}
}

// RetryingFetcher retries transient upstream failures with exponential
// backoff.
type RetryingFetcher struct {
	inner  Fetcher
	config RetryConfig
	logger zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRetryingFetcher wraps inner. inner must not be nil.
func NewRetryingFetcher(inner Fetcher, cfg RetryConfig, logger zerolog.Logger) *RetryingFetcher {
	if inner == nil {
		panic("tenancy: inner fetcher must not be nil")
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	return &RetryingFetcher{inner: inner, config: cfg, logger: logger, sleep: sleepCtx}
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

func (f *RetryingFetcher) ListPublicIPs(ctx context.Context, compartmentID string) ([]PublicIP, error) {
	var out []PublicIP
	err := f.do(ctx, "ListPublicIPs", func() error {
		var err error
		out, err = f.inner.ListPublicIPs(ctx, compartmentID)
		return err
	})
	return out, err
}

func (f *RetryingFetcher) ListUsage(ctx context.Context, compartmentID string, window Window) (*UsageReport, error) {
	var out *UsageReport
	err := f.do(ctx, "ListUsage", func() error {
		var err error
		out, err = f.inner.ListUsage(ctx, compartmentID, window)
		return err
	})
	return out, err
}

func (f *RetryingFetcher) do(ctx context.Context, op string, call func() error) error {
	backoff := f.config.InitialBackoff
	var lastErr error
	for attempt := 0; attempt <= f.config.MaxRetries; attempt++ {
		err := call()
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsRetryable(err) || attempt == f.config.MaxRetries {
			break
		}
		f.logger.Warn().Err(err).Str("op", op).Int("attempt", attempt+1).Dur("backoff", backoff).Msg("retrying upstream call")
		if err := f.sleep(ctx, backoff); err != nil {
			return err
		}
		backoff = time.Duration(float64(backoff) * f.config.Multiplier)
		if f.config.MaxBackoff > 0 && backoff > f.config.MaxBackoff {
			backoff = f.config.MaxBackoff
		}
	}
	return lastErr
}

var _ Fetcher = (*RetryingFetcher)(nil)
