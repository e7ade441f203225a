// ABOUTME: Backend contract shared by the HTTP provider implementations
// ABOUTME: Request/Response carry the windowed thread, tools and usage

package provider

import (
	"context"
	"encoding/json"

	"github.com/biznet-io/coday/internal/thread"
	"github.com/biznet-io/coday/internal/tools"
)

// Default call parameters.
const (
	DefaultTemperature = 0.8
	DefaultMaxTokens   = 8192
	// DefaultCharsPerToken estimates context size for window trimming.
	DefaultCharsPerToken = 3.5
	// budgetSlack is reserved on top of system and tool lengths.
	budgetSlack = 20
)

// Request is one CALL of the protocol.
type Request struct {
	Model       string
	System      string
	Messages    []thread.Message
	Tools       []tools.Definition
	Temperature float64
	MaxTokens   int
	// CacheIndex is the index in Messages annotated for prompt caching, or -1.
	CacheIndex int
}

// ToolCall is a function call requested by the model.
type ToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// Response is the decoded result of one CALL.
type Response struct {
	Text       string
	ToolCalls  []ToolCall
	Usage      thread.Usage
	StopReason string
	// Snapshot is nil when the response carried no rate-limit headers.
	Snapshot *Snapshot
}

// Backend performs a single call against an AI API.
type Backend interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
}

// pendingRequests returns the call ids of tool requests without a response
// in msgs. Providers reject unanswered tool calls, so backends skip them.
func pendingRequests(msgs []thread.Message) map[string]bool {
	pending := make(map[string]bool)
	for _, m := range msgs {
		switch v := m.(type) {
		case *thread.ToolRequest:
			pending[v.CallID] = true
		case *thread.ToolResponse:
			delete(pending, v.CallID)
		}
	}
	return pending
}
