// Package toolserver exposes the tenancy tools over JSON-RPC 2.0. The
// dispatch table is fixed at construction; the snapshot cache is the only
// shared state.
package toolserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/opentalon/tenancy-assistant/internal/observability"
	"github.com/opentalon/tenancy-assistant/internal/snapshot"
	"github.com/opentalon/tenancy-assistant/internal/tenancy"
	"github.com/opentalon/tenancy-assistant/pkg/toolrpc"
)

type handlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

type route struct {
	tool   *compiledTool
	handle handlerFunc
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithClock sets the time source used to resolve relative cost periods.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

const unknownMethodLabel = "unknown"

// Server dispatches tool calls. It is safe for concurrent use.
type Server struct {
	routes  map[Method]route
	cache   *snapshot.Cache
	fetcher tenancy.Fetcher
	now     func() time.Time
	logger  zerolog.Logger
}

// New builds a server backed by cache and fetcher.
func New(cache *snapshot.Cache, fetcher tenancy.Fetcher, opts ...Option) *Server {
	s := &Server{
		cache:   cache,
		fetcher: fetcher,
		now:     time.Now,
		logger:  zerolog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	s.routes = map[Method]route{
		MethodPublicIPSummary: {tool: compiledTools[MethodPublicIPSummary], handle: s.publicIPSummary},
		MethodCostSummary:     {tool: compiledTools[MethodCostSummary], handle: s.costSummary},
	}
	return s
}

// Definitions returns the tools this server dispatches.
func (s *Server) Definitions() []toolrpc.ToolDefinition {
	return Definitions()
}

// Cache returns the snapshot cache backing the tools.
func (s *Server) Cache() *snapshot.Cache {
	return s.cache
}

// Handle runs one request and always returns a response echoing req.ID.
func (s *Server) Handle(ctx context.Context, req toolrpc.Request) toolrpc.Response {
	start := time.Now()
	resp := s.handle(ctx, req)

	code := 0
	if resp.Error != nil {
		code = resp.Error.Code
	}
	observability.RecordRPC(s.metricMethod(req.Method), code, time.Since(start))

	ev := s.logger.Debug()
	if resp.Error != nil {
		ev = s.logger.Warn().Int("code", resp.Error.Code).Str("error", resp.Error.Message)
	}
	ev.Str("method", req.Method).
		Str("id", req.ID.String()).
		Dur("took", time.Since(start)).
		Msg("tool call handled")
	return resp
}

// metricMethod bounds the method label to the dispatch table.
func (s *Server) metricMethod(method string) string {
	if _, ok := s.routes[Method(method)]; ok {
		return method
	}
	return unknownMethodLabel
}

func (s *Server) handle(ctx context.Context, req toolrpc.Request) toolrpc.Response {
	if req.JSONRPC != "" && req.JSONRPC != toolrpc.Version {
		return toolrpc.Failure(req.ID, toolrpc.Errorf(toolrpc.CodeInvalidRequest, "unsupported jsonrpc version %q", req.JSONRPC))
	}
	if req.Method == "" {
		return toolrpc.Failure(req.ID, toolrpc.Errorf(toolrpc.CodeInvalidRequest, "method is required"))
	}
	r, ok := s.routes[Method(req.Method)]
	if !ok {
		return toolrpc.Failure(req.ID, toolrpc.Errorf(toolrpc.CodeMethodNotFound, "unknown method %q", req.Method))
	}

	params, rpcErr := validateParams(r.tool.schema, req.Params)
	if rpcErr != nil {
		return toolrpc.Failure(req.ID, rpcErr)
	}

	result, err := r.handle(ctx, params)
	if err != nil {
		var te *toolrpc.Error
		if errors.As(err, &te) {
			return toolrpc.Failure(req.ID, te)
		}
		return toolrpc.Failure(req.ID, toolrpc.Errorf(toolrpc.CodeInternalError, "%s failed: %v", req.Method, err))
	}
	return toolrpc.Success(req.ID, result)
}

// validateParams checks params against schema. Absent or null params are
// treated as an empty object.
func validateParams(schema *jsonschema.Schema, raw json.RawMessage) (json.RawMessage, *toolrpc.Error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		trimmed = []byte("{}")
	}
	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return nil, toolrpc.Errorf(toolrpc.CodeInvalidParams, "params are not valid JSON: %v", err)
	}
	if _, ok := v.(map[string]any); !ok {
		return nil, toolrpc.Errorf(toolrpc.CodeInvalidParams, "params must be a JSON object")
	}
	if err := schema.Validate(v); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return nil, toolrpc.Errorf(toolrpc.CodeInvalidParams, "%s", describeValidation(ve))
		}
		return nil, toolrpc.Errorf(toolrpc.CodeInvalidParams, "%v", err)
	}
	return trimmed, nil
}

// describeValidation flattens a validation error to its leaf messages.
func describeValidation(ve *jsonschema.ValidationError) string {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "params"
		}
		return loc + ": " + ve.Message
	}
	var buf bytes.Buffer
	for i, c := range ve.Causes {
		if i > 0 {
			buf.WriteString("; ")
		}
		buf.WriteString(describeValidation(c))
	}
	return buf.String()
}
