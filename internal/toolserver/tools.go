package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	invopop "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/opentalon/tenancy-assistant/internal/snapshot"
	"github.com/opentalon/tenancy-assistant/internal/tenancy"
	"github.com/opentalon/tenancy-assistant/pkg/toolrpc"
)

// Method is the closed set of tools the server dispatches.
type Method string

const (
	MethodPublicIPSummary Method = "getPublicIpSummary"
	MethodCostSummary     Method = "getCostSummary"
)

// PublicIPParams are the getPublicIpSummary parameters.
type PublicIPParams struct {
	CompartmentID string `json:"compartmentId" jsonschema:"minLength=1,description=OCID of the compartment or tenancy to inspect"`
	Scope         string `json:"scope,omitempty" jsonschema:"enum=ALL,enum=EPHEMERAL,enum=RESERVED,description=Lifetime filter (default ALL)"`
}

// CostParams are the getCostSummary parameters.
type CostParams struct {
	CompartmentID string `json:"compartmentId" jsonschema:"minLength=1,description=OCID of the compartment or tenancy to summarize"`
	Period        string `json:"period,omitempty" jsonschema:"description=MTD (default) or YYYY-MM or YYYY-MM-DD/YYYY-MM-DD"`
	GroupBy       string `json:"groupBy,omitempty" jsonschema:"enum=COMPARTMENT,enum=SERVICE,enum=RESOURCE,description=Aggregation dimension (default COMPARTMENT)"`
	Granularity   string `json:"granularity,omitempty" jsonschema:"enum=MONTHLY,enum=DAILY,description=MONTHLY totals the window (default) and DAILY reports each day"`
}

// PublicIPResult is returned by getPublicIpSummary.
type PublicIPResult struct {
	tenancy.PublicIPSummary
	CompartmentID string    `json:"compartmentId"`
	ComputedAt    time.Time `json:"computedAt"`
}

// CostResult is returned by getCostSummary.
type CostResult struct {
	tenancy.CostSummary
	CompartmentID string    `json:"compartmentId"`
	ComputedAt    time.Time `json:"computedAt"`
}

type toolSpec struct {
	method      Method
	description string
	params      any
}

var toolSpecs = []toolSpec{
	{
		method:      MethodPublicIPSummary,
		description: "Count and list the public IP addresses of a compartment, optionally filtered by lifetime (EPHEMERAL or RESERVED).",
		params:      &PublicIPParams{},
	},
	{
		method:      MethodCostSummary,
		description: "Summarize cost for a compartment over a period, grouped by compartment, service or resource, as window totals or per day.",
		params:      &CostParams{},
	},
}

type compiledTool struct {
	def    toolrpc.ToolDefinition
	schema *jsonschema.Schema
}

var (
	compiledTools = mustCompileTools()
	toolOrder     = func() []Method {
		out := make([]Method, len(toolSpecs))
		for i, s := range toolSpecs {
			out[i] = s.method
		}
		return out
	}()
)

// generateSchema reflects a parameter struct into a JSON Schema.
func generateSchema(params any) (json.RawMessage, error) {
	reflector := invopop.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	return json.Marshal(reflector.Reflect(params))
}

func mustCompileTools() map[Method]*compiledTool {
	out := make(map[Method]*compiledTool, len(toolSpecs))
	for _, spec := range toolSpecs {
		raw, err := generateSchema(spec.params)
		if err != nil {
			panic(fmt.Sprintf("toolserver: schema for %s: %v", spec.method, err))
		}
		schema, err := jsonschema.CompileString(string(spec.method)+".json", string(raw))
		if err != nil {
			panic(fmt.Sprintf("toolserver: compile schema for %s: %v", spec.method, err))
		}
		out[spec.method] = &compiledTool{
			def: toolrpc.ToolDefinition{
				Name:            string(spec.method),
				Description:     spec.description,
				ParameterSchema: raw,
			},
			schema: schema,
		}
	}
	return out
}

// Definitions returns the tool definitions in registration order. They
// are the same for every server instance.
func Definitions() []toolrpc.ToolDefinition {
	out := make([]toolrpc.ToolDefinition, 0, len(toolOrder))
	for _, m := range toolOrder {
		out = append(out, compiledTools[m].def)
	}
	return out
}

func (s *Server) publicIPSummary(ctx context.Context, raw json.RawMessage) (any, error) {
	var p PublicIPParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, toolrpc.Errorf(toolrpc.CodeInvalidParams, "%v", err)
	}
	scope, err := tenancy.ParseScope(p.Scope)
	if err != nil {
		return nil, toolrpc.Errorf(toolrpc.CodeInvalidParams, "%v", err)
	}

	key, _, err := s.snapshotKey(MethodPublicIPSummary, p.CompartmentID, "")
	if err != nil {
		return nil, err
	}
	snap, err := s.cache.GetOrCompute(ctx, key, func(ctx context.Context) (any, error) {
		return s.fetcher.ListPublicIPs(ctx, p.CompartmentID)
	})
	if err != nil {
		return nil, fmt.Errorf("public IP snapshot for %s: %w", p.CompartmentID, err)
	}
	ips, err := snapshot.Decode[[]tenancy.PublicIP](snap)
	if err != nil {
		return nil, err
	}
	return PublicIPResult{
		PublicIPSummary: tenancy.SummarizePublicIPs(ips, scope),
		CompartmentID:   p.CompartmentID,
		ComputedAt:      snap.ComputedAt,
	}, nil
}

func (s *Server) costSummary(ctx context.Context, raw json.RawMessage) (any, error) {
	var p CostParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, toolrpc.Errorf(toolrpc.CodeInvalidParams, "%v", err)
	}
	groupBy, err := tenancy.ParseGroupBy(p.GroupBy)
	if err != nil {
		return nil, toolrpc.Errorf(toolrpc.CodeInvalidParams, "%v", err)
	}
	granularity, err := tenancy.ParseGranularity(p.Granularity)
	if err != nil {
		return nil, toolrpc.Errorf(toolrpc.CodeInvalidParams, "%v", err)
	}
	key, window, err := s.snapshotKey(MethodCostSummary, p.CompartmentID, p.Period)
	if err != nil {
		return nil, err
	}
	snap, err := s.cache.GetOrCompute(ctx, key, func(ctx context.Context) (any, error) {
		return s.fetcher.ListUsage(ctx, p.CompartmentID, window)
	})
	if err != nil {
		return nil, fmt.Errorf("cost snapshot for %s: %w", p.CompartmentID, err)
	}
	report, err := snapshot.Decode[tenancy.UsageReport](snap)
	if err != nil {
		return nil, err
	}
	return CostResult{
		CostSummary:   tenancy.SummarizeCosts(&report, groupBy, granularity),
		CompartmentID: p.CompartmentID,
		ComputedAt:    snap.ComputedAt,
	}, nil
}

// snapshotKey returns the cache slot a call to method reads. period only
// applies to getCostSummary and is normalized to its UTC window.
func (s *Server) snapshotKey(method Method, compartmentID, period string) (snapshot.Key, tenancy.Window, error) {
	if compartmentID == "" {
		return snapshot.Key{}, tenancy.Window{}, toolrpc.Errorf(toolrpc.CodeInvalidParams, "compartmentId is required")
	}
	switch method {
	case MethodPublicIPSummary:
		return snapshot.Key{Kind: snapshot.KindPublicIP, CompartmentID: compartmentID}, tenancy.Window{}, nil
	case MethodCostSummary:
		window, err := tenancy.ParsePeriod(period, s.now())
		if err != nil {
			return snapshot.Key{}, tenancy.Window{}, toolrpc.Errorf(toolrpc.CodeInvalidParams, "%v", err)
		}
		return snapshot.Key{Kind: snapshot.KindCost, CompartmentID: compartmentID, Period: window.String()}, window, nil
	}
	return snapshot.Key{}, tenancy.Window{}, toolrpc.Errorf(toolrpc.CodeMethodNotFound, "unknown method %q", method)
}

// InvalidateSnapshot drops the snapshot a call to method with these
// arguments would read, so the next call fetches fresh data. It reports
// whether this process held an entry for it.
func (s *Server) InvalidateSnapshot(ctx context.Context, method Method, compartmentID, period string) (bool, error) {
	key, _, err := s.snapshotKey(method, compartmentID, period)
	if err != nil {
		return false, err
	}
	_, held := s.cache.Peek(key)
	if err := s.cache.Invalidate(ctx, key); err != nil {
		return held, fmt.Errorf("invalidate %s: %w", key, err)
	}
	s.logger.Info().Str("key", key.String()).Bool("held", held).Msg("snapshot invalidated")
	return held, nil
}

// SnapshotCount returns the number of snapshots held in memory.
func (s *Server) SnapshotCount() int {
	return s.cache.Len()
}
