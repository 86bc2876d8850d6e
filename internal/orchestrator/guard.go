package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/opentalon/tenancy-assistant/pkg/toolrpc"
)

const (
	DefaultMaxResponseBytes = 64 * 1024
	DefaultToolTimeout      = 60 * time.Second
)

var defaultForbiddenPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\[tool_call\]`),
	regexp.MustCompile(`\[/tool_call\]`),
	regexp.MustCompile(`<tool_call>`),
	regexp.MustCompile(`<function_call>`),
	regexp.MustCompile(`"type"\s*:\s*"function"`),
	regexp.MustCompile(`"tool_calls"\s*:\s*\[`),
	regexp.MustCompile(`"tool"\s*:\s*"`),
}

// Guard sits between a run and the tool server. It bounds each call in
// time, checks the response id and keeps tool output from reading like
// instructions to the model.
type Guard struct {
	MaxResponseBytes  int
	Timeout           time.Duration
	ForbiddenPatterns []*regexp.Regexp
}

func NewGuard() *Guard {
	return &Guard{
		MaxResponseBytes:  DefaultMaxResponseBytes,
		Timeout:           DefaultToolTimeout,
		ForbiddenPatterns: defaultForbiddenPatterns,
	}
}

// Execute runs req against tools, bounded by the guard timeout. On timeout
// the call is abandoned; a cache fetch it started keeps running.
func (g *Guard) Execute(ctx context.Context, tools Tools, req toolrpc.Request) toolrpc.Response {
	callCtx := ctx
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}

	done := make(chan toolrpc.Response, 1)
	go func() {
		done <- tools.Handle(callCtx, req)
	}()

	select {
	case resp := <-done:
		return g.Validate(req, resp)
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return toolrpc.Failure(req.ID, toolrpc.Errorf(toolrpc.CodeInternalError, "%s cancelled: %v", req.Method, ctx.Err()))
		}
		return toolrpc.Failure(req.ID, toolrpc.Errorf(toolrpc.CodeInternalError, "%s timed out after %s", req.Method, g.Timeout))
	}
}

// Validate replaces a response that does not answer req with an error
// response for req.ID.
func (g *Guard) Validate(req toolrpc.Request, resp toolrpc.Response) toolrpc.Response {
	if !resp.ID.Equal(req.ID) {
		return toolrpc.Failure(req.ID, toolrpc.Errorf(toolrpc.CodeInternalError,
			"tool server answered id %s for request %s", resp.ID.String(), req.ID.String()))
	}
	if resp.Error == nil && len(resp.Result) == 0 {
		return toolrpc.Failure(req.ID, toolrpc.Errorf(toolrpc.CodeInternalError, "%s returned neither result nor error", req.Method))
	}
	return resp
}

// Content renders resp as the body of a tool turn.
func (g *Guard) Content(resp toolrpc.Response) string {
	if resp.Error != nil {
		body, _ := json.Marshal(map[string]any{"error": resp.Error})
		return g.wrap(string(body))
	}
	return g.wrap(string(resp.Result))
}

func (g *Guard) wrap(s string) string {
	return fmt.Sprintf("[tool_output]\n%s\n[/tool_output]", g.sanitize(s))
}

func (g *Guard) sanitize(s string) string {
	if g.MaxResponseBytes > 0 && len(s) > g.MaxResponseBytes {
		cut := g.MaxResponseBytes
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "\n[truncated: response exceeded size limit]"
	}
	for _, pat := range g.ForbiddenPatterns {
		s = pat.ReplaceAllStringFunc(s, func(match string) string {
			return strings.Repeat("*", len(match))
		})
	}
	return s
}
