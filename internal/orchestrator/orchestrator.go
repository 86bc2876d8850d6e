// Package orchestrator drives one question through the model and the tool
// server until the model gives a final answer.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opentalon/tenancy-assistant/internal/observability"
	"github.com/opentalon/tenancy-assistant/internal/provider"
	"github.com/opentalon/tenancy-assistant/internal/state"
	"github.com/opentalon/tenancy-assistant/pkg/toolrpc"
)

// DefaultMaxRounds bounds the model round-trips of one run.
const DefaultMaxRounds = 5

// ErrEmptyQuestion is returned by Run for a blank question.
var ErrEmptyQuestion = errors.New("orchestrator: question is empty")

// Config holds the per-run model settings.
type Config struct {
	Model       string
	MaxRounds   int
	MaxTokens   int
	Temperature *float64
	// ToolTimeout bounds each tool call when no guard is supplied.
	ToolTimeout time.Duration
	Rules       []string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithRecorder stores a transcript of every run.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

func WithParser(p ToolCallParser) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.parser = p
		}
	}
}

func WithGuard(g *Guard) Option {
	return func(o *Orchestrator) {
		if g != nil {
			o.guard = g
		}
	}
}

// Orchestrator is shared by concurrent questions. Each Run owns its own
// conversation; the orchestrator itself holds no per-run state.
type Orchestrator struct {
	backend  provider.Backend
	tools    Tools
	cfg      Config
	parser   ToolCallParser
	guard    *Guard
	rules    *Rules
	recorder Recorder
	logger   zerolog.Logger
}

func New(backend provider.Backend, tools Tools, cfg Config, opts ...Option) *Orchestrator {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}
	guard := NewGuard()
	if cfg.ToolTimeout > 0 {
		guard.Timeout = cfg.ToolTimeout
	}
	o := &Orchestrator{
		backend: backend,
		tools:   tools,
		cfg:     cfg,
		parser:  DefaultParser,
		guard:   guard,
		rules:   NewRules(cfg.Rules),
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// MaxRounds returns the configured iteration bound.
func (o *Orchestrator) MaxRounds() int {
	return o.cfg.MaxRounds
}

// run is the state owned by a single Run call.
type run struct {
	id      string
	logger  zerolog.Logger
	conv    Conversation
	trace   []State
	rounds  int
	calls   []toolrpc.Request
	results []toolrpc.Response
}

func (r *run) enter(s State) {
	r.trace = append(r.trace, s)
	r.logger.Debug().Str("state", string(s)).Int("round", r.rounds).Msg("orchestrator state")
}

func (r *run) state() State {
	if len(r.trace) == 0 {
		return StateInit
	}
	return r.trace[len(r.trace)-1]
}

// Run answers question. It fails with *OrchestrationError when the model
// still requests tools in its last allowed round, and with a wrapped
// context error once ctx is done; in-flight cache fetches are not aborted.
func (o *Orchestrator) Run(ctx context.Context, question string) (*Result, error) {
	logger, runID := observability.WithRunID(o.logger, "")
	r := &run{id: runID, logger: logger}
	start := time.Now()

	res, err := o.loop(ctx, r, strings.TrimSpace(question))
	if err != nil {
		r.enter(StateFailed)
	}
	o.finish(ctx, r, question, res, err, time.Since(start))
	return res, err
}

func (o *Orchestrator) loop(ctx context.Context, r *run, question string) (*Result, error) {
	r.enter(StateInit)
	if question == "" {
		return nil, ErrEmptyQuestion
	}
	r.conv.Append(Turn{Role: provider.RoleUser, Content: question})

	defs := o.tools.Definitions()
	system := SystemPrompt(defs, o.rules)

	for {
		r.enter(StateAwaitingModel)
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("orchestrator: before round %d: %w", r.rounds+1, err)
		}
		r.rounds++
		resp, err := o.backend.Complete(ctx, &provider.CompletionRequest{
			Model:       o.cfg.Model,
			Messages:    r.conv.Messages(system),
			Tools:       defs,
			MaxTokens:   o.cfg.MaxTokens,
			Temperature: o.cfg.Temperature,
		})
		if err != nil {
			return nil, fmt.Errorf("backend round %d: %w", r.rounds, err)
		}

		calls := resp.ToolCalls
		if len(calls) == 0 {
			calls = o.parser.Parse(resp.Content)
		}
		if len(calls) == 0 {
			r.conv.Append(Turn{Role: provider.RoleAssistant, Content: resp.Content})
			r.enter(StateDone)
			return &Result{
				RunID:        r.id,
				Answer:       strings.TrimSpace(resp.Content),
				Rounds:       r.rounds,
				ToolCalls:    r.calls,
				ToolResults:  r.results,
				Trace:        r.trace,
				Conversation: r.conv,
			}, nil
		}

		r.enter(StateToolRequested)
		reqs := toRequests(calls)
		r.conv.Append(Turn{Role: provider.RoleAssistant, Content: resp.Content, ToolCalls: reqs})
		if r.rounds >= o.cfg.MaxRounds {
			return nil, &OrchestrationError{Limit: o.cfg.MaxRounds}
		}

		r.enter(StateExecutingTool)
		for _, req := range reqs {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("orchestrator: before %s: %w", req.Method, err)
			}
			out := o.guard.Execute(ctx, o.tools, req)
			if out.Error != nil {
				r.logger.Warn().Str("method", req.Method).Int("code", out.Error.Code).
					Str("error", out.Error.Message).Msg("tool call failed")
			}
			r.calls = append(r.calls, req)
			r.results = append(r.results, out)
			r.conv.Append(Turn{
				Role:       provider.RoleTool,
				Content:    o.guard.Content(out),
				ToolCallID: req.ID.String(),
			})
		}
	}
}

// toRequests turns model tool calls into JSON-RPC requests. Calls without
// an id get a fresh one so every result correlates with one request.
func toRequests(calls []provider.ToolCall) []toolrpc.Request {
	reqs := make([]toolrpc.Request, 0, len(calls))
	seen := make(map[string]bool, len(calls))
	for _, c := range calls {
		id := c.ID
		if id == "" || seen[id] {
			id = "call_" + uuid.NewString()
		}
		seen[id] = true
		params := c.Arguments
		if len(params) == 0 {
			params = json.RawMessage("{}")
		}
		reqs = append(reqs, toolrpc.Request{
			JSONRPC: toolrpc.Version,
			ID:      toolrpc.NewID(id),
			Method:  c.Name,
			Params:  params,
		})
	}
	return reqs
}

func (o *Orchestrator) finish(ctx context.Context, r *run, question string, res *Result, err error, took time.Duration) {
	final := r.state()
	observability.RecordRun(string(final), r.rounds)

	ev := r.logger.Info()
	if err != nil {
		ev = r.logger.Error().Err(err)
	}
	ev.Str("state", string(final)).Int("rounds", r.rounds).Int("tool_calls", len(r.calls)).
		Dur("took", took).Msg("question finished")

	if o.recorder == nil {
		return
	}
	t := &state.Transcript{
		ID:        r.id,
		Question:  question,
		Rounds:    r.rounds,
		Duration:  took,
		CreatedAt: time.Now(),
	}
	for _, c := range r.calls {
		t.ToolCalls = append(t.ToolCalls, c.Method)
	}
	if err != nil {
		t.Error = err.Error()
	} else {
		t.Answer = res.Answer
	}
	if rerr := o.recorder.Record(context.WithoutCancel(ctx), t); rerr != nil {
		r.logger.Warn().Err(rerr).Msg("record transcript")
	}
}
