package provider

import (
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Config mirrors the GenAI settings from internal/config so this package
// does not depend on it.
type Config struct {
	Endpoint      string
	APIKey        string
	CompartmentID string
	MaxRetries    int
	Timeout       time.Duration
}

// FromConfig builds the OpenAI-compatible backend, wrapped in a
// RetryingBackend when MaxRetries is positive.
func FromConfig(cfg Config, logger zerolog.Logger) (Backend, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("provider: endpoint is required")
	}
	opts := []OpenAIOption{WithCompartment(cfg.CompartmentID)}
	if cfg.Timeout > 0 {
		opts = append(opts, WithHTTPClient(&http.Client{Timeout: cfg.Timeout}))
	}
	var b Backend = NewOpenAIBackend(cfg.Endpoint, cfg.APIKey, opts...)
	if cfg.MaxRetries > 0 {
		rc := DefaultRetryConfig()
		rc.MaxRetries = cfg.MaxRetries
		b = NewRetryingBackend(b, rc, logger)
	}
	return b, nil
}
