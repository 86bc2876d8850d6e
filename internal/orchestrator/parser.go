package orchestrator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/opentalon/tenancy-assistant/internal/provider"
)

// routerCall is the JSON a model answers with when it follows the router
// prompt instead of using native tool calls:
//
//	{"tool": "getPublicIpSummary", "arguments": {"compartmentId": "..."}}
//
// {"tool": null} means no tool applies.
type routerCall struct {
	Tool      *string         `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
	Args      json.RawMessage `json:"args"`
}

// DefaultParser reads [tool_call]...[/tool_call] blocks, or failing that a
// router JSON object spanning the first '{' to the last '}' of the text.
// It returns nil when the text is a final answer.
var DefaultParser ToolCallParser = routerParser{}

type routerParser struct{}

func (routerParser) Parse(response string) []provider.ToolCall {
	if calls := parseBlocks(response); len(calls) > 0 {
		return calls
	}
	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start < 0 || end <= start {
		return nil
	}
	call, ok := decodeRouterCall(response[start:end+1], 1)
	if !ok {
		return nil
	}
	return []provider.ToolCall{call}
}

func parseBlocks(response string) []provider.ToolCall {
	var calls []provider.ToolCall
	rest := response
	for {
		start := strings.Index(rest, "[tool_call]")
		if start < 0 {
			break
		}
		rest = rest[start+len("[tool_call]"):]
		end := strings.Index(rest, "[/tool_call]")
		if end < 0 {
			break
		}
		body := strings.TrimSpace(rest[:end])
		rest = rest[end+len("[/tool_call]"):]
		if call, ok := decodeRouterCall(body, len(calls)+1); ok {
			calls = append(calls, call)
		}
	}
	return calls
}

func decodeRouterCall(body string, n int) (provider.ToolCall, bool) {
	var rc routerCall
	if err := json.Unmarshal([]byte(body), &rc); err != nil {
		return provider.ToolCall{}, false
	}
	if rc.Tool == nil || strings.TrimSpace(*rc.Tool) == "" {
		return provider.ToolCall{}, false
	}
	args := rc.Arguments
	if len(bytes.TrimSpace(args)) == 0 {
		args = rc.Args
	}
	if len(bytes.TrimSpace(args)) == 0 || bytes.Equal(bytes.TrimSpace(args), []byte("null")) {
		args = json.RawMessage("{}")
	}
	return provider.ToolCall{
		ID:        fmt.Sprintf("call-%d", n),
		Name:      strings.TrimSpace(*rc.Tool),
		Arguments: args,
	}, true
}
