package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/opentalon/tenancy-assistant/internal/config"
	"github.com/opentalon/tenancy-assistant/internal/observability"
	"github.com/opentalon/tenancy-assistant/internal/orchestrator"
	"github.com/opentalon/tenancy-assistant/internal/provider"
	"github.com/opentalon/tenancy-assistant/internal/snapshot"
	"github.com/opentalon/tenancy-assistant/internal/state"
	"github.com/opentalon/tenancy-assistant/internal/state/store"
	"github.com/opentalon/tenancy-assistant/internal/tenancy"
	"github.com/opentalon/tenancy-assistant/internal/toolserver"
)

// transcriptLog is what the commands need from the history backend.
type transcriptLog interface {
	orchestrator.Recorder
	Recent(ctx context.Context, n int) ([]state.Transcript, error)
}

// app wires the components from the environment. Resources it opens are
// released by close.
type app struct {
	rt      *config.Runtime
	logger  zerolog.Logger
	closers []func() error
}

func newApp() (*app, error) {
	rt, err := config.LoadRuntime()
	if err != nil {
		return nil, err
	}
	return &app{
		rt:     rt,
		logger: observability.NewLogger(rt.LogLevel, rt.LogPretty),
	}, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn().Err(err).Msg("close")
		}
	}
	a.closers = nil
}

// toolServer builds the in-process tool server over the fixture data
// source, with the retrying fetcher and an optional Redis tier.
func (a *app) toolServer(ctx context.Context) (*toolserver.Server, error) {
	path, err := a.rt.RequireFixture()
	if err != nil {
		return nil, err
	}
	src, err := tenancy.NewFixtureSource(path)
	if err != nil {
		return nil, &config.ConfigError{Key: "TENANCY_FIXTURE_FILE", Err: err}
	}
	rc := tenancy.DefaultRetryConfig()
	rc.MaxRetries = a.rt.FetchMaxRetries
	fetcher := tenancy.NewRetryingFetcher(src, rc, a.logger)

	opts := []snapshot.Option{snapshot.WithTTL(a.rt.CacheTTL), snapshot.WithLogger(a.logger)}
	if a.rt.RedisAddr != "" {
		rs, err := snapshot.DialRedis(ctx, a.rt.RedisAddr)
		if err != nil {
			return nil, &config.ConfigError{Key: "TENANCY_REDIS_ADDR", Err: err}
		}
		a.closers = append(a.closers, rs.Close)
		opts = append(opts, snapshot.WithStore(rs))
	}
	return toolserver.New(snapshot.New(opts...), fetcher, toolserver.WithLogger(a.logger)), nil
}

// tools returns a client for a remote tool server when endpoint is set,
// otherwise the in-process server.
func (a *app) tools(ctx context.Context, endpoint string) (orchestrator.Tools, error) {
	if endpoint == "" {
		return a.toolServer(ctx)
	}
	c, err := toolserver.Dial(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("connect to tool server %s: %w", endpoint, err)
	}
	a.closers = append(a.closers, c.Close)
	return c, nil
}

// history opens the transcript store, or returns nil when no data
// directory is configured.
func (a *app) history() (transcriptLog, error) {
	if a.rt.DataDir == "" {
		return nil, nil
	}
	db, err := store.Open(a.rt.DataDir)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db.Close)
	return store.NewTranscriptStore(db), nil
}

func (a *app) orchestrator(tools orchestrator.Tools, rec orchestrator.Recorder) (*orchestrator.Orchestrator, error) {
	g, err := config.LoadGenAI()
	if err != nil {
		return nil, err
	}
	profile, err := config.LoadProfile(g.ProfilePath(), g.Profile)
	if err != nil {
		return nil, err
	}
	backend, err := provider.FromConfig(provider.Config{
		Endpoint:      g.Endpoint,
		APIKey:        profile.APIKey,
		CompartmentID: g.CompartmentID,
		MaxRetries:    g.MaxRetries,
		Timeout:       g.Timeout,
	}, a.logger)
	if err != nil {
		return nil, &config.ConfigError{Key: "GENAI_ENDPOINT", Err: err}
	}

	temperature := g.Temperature
	opts := []orchestrator.Option{orchestrator.WithLogger(a.logger)}
	if rec != nil {
		opts = append(opts, orchestrator.WithRecorder(rec))
	}
	return orchestrator.New(backend, tools, orchestrator.Config{
		Model:       g.ModelID,
		MaxRounds:   a.rt.MaxRounds,
		MaxTokens:   g.MaxTokens,
		Temperature: &temperature,
		ToolTimeout: a.rt.ToolTimeout,
	}, opts...), nil
}
