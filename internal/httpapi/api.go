// Package httpapi serves the dashboard API: questions, raw tool calls,
// history, health and Prometheus metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/opentalon/tenancy-assistant/internal/orchestrator"
	"github.com/opentalon/tenancy-assistant/internal/provider"
	"github.com/opentalon/tenancy-assistant/internal/scheduler"
	"github.com/opentalon/tenancy-assistant/internal/state"
	"github.com/opentalon/tenancy-assistant/internal/toolserver"
	"github.com/opentalon/tenancy-assistant/pkg/toolrpc"
)

const maxAskBody = 64 * 1024

// Asker answers one question. *orchestrator.Orchestrator implements it.
type Asker interface {
	Run(ctx context.Context, question string) (*orchestrator.Result, error)
}

// History lists recent transcripts.
type History interface {
	Recent(ctx context.Context, n int) ([]state.Transcript, error)
}

// Snapshots controls the tool server's snapshot cache.
// *toolserver.Server implements it.
type Snapshots interface {
	InvalidateSnapshot(ctx context.Context, method toolserver.Method, compartmentID, period string) (bool, error)
	SnapshotCount() int
}

// JobLister reports warm job status.
type JobLister interface {
	Jobs() []scheduler.Status
}

type Option func(*API)

func WithAsker(a Asker) Option {
	return func(api *API) { api.asker = a }
}

func WithHistory(h History) Option {
	return func(api *API) { api.history = h }
}

func WithJobs(j JobLister) Option {
	return func(api *API) { api.jobs = j }
}

func WithSnapshots(s Snapshots) Option {
	return func(api *API) { api.snapshots = s }
}

func WithLogger(l zerolog.Logger) Option {
	return func(api *API) { api.logger = l }
}

// WithAskTimeout bounds each /api/ask question.
func WithAskTimeout(d time.Duration) Option {
	return func(api *API) { api.askTimeout = d }
}

// API holds the dependencies of the HTTP handlers. Only tools is required;
// routes whose dependency is missing answer 503.
type API struct {
	tools      orchestrator.Tools
	asker      Asker
	history    History
	jobs       JobLister
	snapshots  Snapshots
	logger     zerolog.Logger
	askTimeout time.Duration
}

func New(tools orchestrator.Tools, opts ...Option) *API {
	a := &API{tools: tools, logger: zerolog.Nop(), askTimeout: 5 * time.Minute}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Handler returns the route table.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/ask", a.handleAsk)
	mux.HandleFunc("POST /rpc", a.handleRPC)
	mux.HandleFunc("GET /api/tools", a.handleTools)
	mux.HandleFunc("GET /api/history", a.handleHistory)
	mux.HandleFunc("GET /api/jobs", a.handleJobs)
	mux.HandleFunc("POST /api/snapshots/invalidate", a.handleInvalidate)
	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (a *API) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return a.ServeListener(ctx, ln)
}

func (a *API) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", ln.Addr().String()).Msg("http api listening")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		a.logger.Info().Msg("http api stopped")
		return nil
	}
}

type askRequest struct {
	Question string `json:"question"`
}

type askResponse struct {
	RunID     string   `json:"runId"`
	Answer    string   `json:"answer"`
	Rounds    int      `json:"rounds"`
	ToolCalls []string `json:"toolCalls"`
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (a *API) handleAsk(w http.ResponseWriter, r *http.Request) {
	if a.asker == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "question answering is not configured"})
		return
	}
	var req askRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAskBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "question is required"})
		return
	}

	ctx := r.Context()
	if a.askTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.askTimeout)
		defer cancel()
	}
	res, err := a.asker.Run(ctx, req.Question)
	if err != nil {
		status, kind := classify(err)
		a.logger.Warn().Err(err).Str("kind", kind).Msg("ask failed")
		writeJSON(w, status, errorBody{Error: err.Error(), Kind: kind})
		return
	}

	out := askResponse{RunID: res.RunID, Answer: res.Answer, Rounds: res.Rounds, ToolCalls: []string{}}
	for _, c := range res.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, c.Method)
	}
	writeJSON(w, http.StatusOK, out)
}

// classify maps a failed run to an HTTP status and a short error kind.
func classify(err error) (int, string) {
	var oe *orchestrator.OrchestrationError
	switch {
	case errors.As(err, &oe):
		return http.StatusUnprocessableEntity, "orchestration"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, context.Canceled):
		return 499, "cancelled"
	case provider.IsRateLimitError(err):
		return http.StatusTooManyRequests, "rate_limited"
	}
	var pe *provider.ProviderError
	if errors.As(err, &pe) {
		return http.StatusBadGateway, "backend"
	}
	return http.StatusInternalServerError, "internal"
}

func (a *API) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req toolrpc.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, toolrpc.MaxMessageSize)).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, toolrpc.Failure(nil, toolrpc.Errorf(toolrpc.CodeParseError, "parse error: %v", err)))
		return
	}
	writeJSON(w, http.StatusOK, a.tools.Handle(r.Context(), req))
}

func (a *API) handleTools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.tools.Definitions())
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	if a.history == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "history is not configured"})
		return
	}
	n := 20
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "n must be a non-negative integer"})
			return
		}
		n = parsed
	}
	items, err := a.history.Recent(r.Context(), n)
	if err != nil {
		a.logger.Error().Err(err).Msg("list history")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "history unavailable"})
		return
	}
	if items == nil {
		items = []state.Transcript{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (a *API) handleJobs(w http.ResponseWriter, _ *http.Request) {
	if a.jobs == nil {
		writeJSON(w, http.StatusOK, []scheduler.Status{})
		return
	}
	writeJSON(w, http.StatusOK, a.jobs.Jobs())
}

type invalidateRequest struct {
	Method        string `json:"method"`
	CompartmentID string `json:"compartmentId"`
	Period        string `json:"period,omitempty"`
}

type invalidateResponse struct {
	invalidateRequest
	Dropped bool `json:"dropped"`
}

// handleInvalidate backs the dashboard's refresh button: the next tool call
// for the same arguments fetches fresh data.
func (a *API) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	if a.snapshots == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "snapshot cache is not available"})
		return
	}
	var req invalidateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAskBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return
	}
	dropped, err := a.snapshots.InvalidateSnapshot(r.Context(), toolserver.Method(req.Method), req.CompartmentID, req.Period)
	if err != nil {
		var te *toolrpc.Error
		if errors.As(err, &te) {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: te.Message, Kind: toolrpc.CodeName(te.Code)})
			return
		}
		a.logger.Error().Err(err).Msg("invalidate snapshot")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "invalidate failed"})
		return
	}
	writeJSON(w, http.StatusOK, invalidateResponse{invalidateRequest: req, Dropped: dropped})
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status": "ok",
		"tools":  len(a.tools.Definitions()),
	}
	if a.snapshots != nil {
		body["snapshots"] = a.snapshots.SnapshotCount()
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
