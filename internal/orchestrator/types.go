package orchestrator

import (
	"context"
	"fmt"

	"github.com/opentalon/tenancy-assistant/internal/provider"
	"github.com/opentalon/tenancy-assistant/internal/state"
	"github.com/opentalon/tenancy-assistant/pkg/toolrpc"
)

// State is a step of a run.
type State string

const (
	StateInit          State = "INIT"
	StateAwaitingModel State = "AWAITING_MODEL"
	StateToolRequested State = "TOOL_REQUESTED"
	StateExecutingTool State = "EXECUTING_TOOL"
	StateDone          State = "DONE"
	StateFailed        State = "FAILED"
)

// Turn is one entry of a conversation. Assistant turns may carry tool
// calls; tool turns answer exactly one of them via ToolCallID.
type Turn struct {
	Role       provider.Role     `json:"role"`
	Content    string            `json:"content"`
	ToolCalls  []toolrpc.Request `json:"toolCalls,omitempty"`
	ToolCallID string            `json:"toolCallId,omitempty"`
}

// Conversation is the ordered turn list of one run. It is never shared
// between runs.
type Conversation struct {
	Turns []Turn `json:"turns"`
}

func (c *Conversation) Append(t Turn) {
	c.Turns = append(c.Turns, t)
}

// Messages renders the conversation for the backend, prefixed with the
// system prompt when it is not empty.
func (c *Conversation) Messages(system string) []provider.Message {
	msgs := make([]provider.Message, 0, len(c.Turns)+1)
	if system != "" {
		msgs = append(msgs, provider.Message{Role: provider.RoleSystem, Content: system})
	}
	for _, t := range c.Turns {
		m := provider.Message{Role: t.Role, Content: t.Content, ToolCallID: t.ToolCallID}
		for _, req := range t.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, provider.ToolCall{
				ID:        req.ID.String(),
				Name:      req.Method,
				Arguments: req.Params,
			})
		}
		msgs = append(msgs, m)
	}
	return msgs
}

// OrchestrationError means the backend still wanted tools after Limit
// rounds.
type OrchestrationError struct {
	Limit int
}

func (e *OrchestrationError) Error() string {
	return fmt.Sprintf("orchestration: no final answer after %d model rounds", e.Limit)
}

// Result is the outcome of a successful run.
type Result struct {
	RunID        string             `json:"runId"`
	Answer       string             `json:"answer"`
	Rounds       int                `json:"rounds"`
	ToolCalls    []toolrpc.Request  `json:"toolCalls"`
	ToolResults  []toolrpc.Response `json:"toolResults"`
	Trace        []State            `json:"trace"`
	Conversation Conversation       `json:"conversation"`
}

// Tools is the tool server as seen by a run. Both the in-process
// toolserver.Server and the socket toolserver.Client satisfy it.
type Tools interface {
	Definitions() []toolrpc.ToolDefinition
	Handle(ctx context.Context, req toolrpc.Request) toolrpc.Response
}

// Recorder receives a transcript after every run.
type Recorder interface {
	Record(ctx context.Context, t *state.Transcript) error
}

// ToolCallParser extracts tool calls from response text when the backend
// does not return native tool calls.
type ToolCallParser interface {
	Parse(response string) []provider.ToolCall
}
