// ABOUTME: OpenAI-compatible chat completions backend over net/http
// ABOUTME: Maps thread messages to role/tool_calls format and x-ratelimit headers

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/biznet-io/coday/internal/thread"
)

// DefaultOpenAIURL is the base URL of the OpenAI API.
const DefaultOpenAIURL = "https://api.openai.com/v1"

// OpenAIConfig configures OpenAIBackend.
type OpenAIConfig struct {
	Name       string
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

// OpenAIBackend calls a chat completions endpoint.
type OpenAIBackend struct {
	name    string
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewOpenAIBackend creates a backend. Name defaults to "openai".
func NewOpenAIBackend(cfg OpenAIConfig) *OpenAIBackend {
	name := cfg.Name
	if name == "" {
		name = "openai"
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultOpenAIURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &OpenAIBackend{name: name, apiKey: cfg.APIKey, baseURL: baseURL, http: client}
}

// Name returns the configured provider name.
func (b *OpenAIBackend) Name() string { return b.name }

type openAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openAIFunctionCall `json:"function"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    *string          `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type openAITool struct {
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Tools       []openAITool    `json:"tools,omitempty"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens        int `json:"prompt_tokens"`
		CompletionTokens    int `json:"completion_tokens"`
		PromptTokensDetails struct {
			CachedTokens int `json:"cached_tokens"`
		} `json:"prompt_tokens_details"`
	} `json:"usage"`
}

// Complete sends one chat completions request.
func (b *OpenAIBackend) Complete(ctx context.Context, req Request) (*Response, error) {
	if b.apiKey == "" {
		return nil, fmt.Errorf("%s: %w", b.name, ErrNotConfigured)
	}

	body, err := json.Marshal(buildOpenAIRequest(req))
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", b.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", b.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)

	resp, err := b.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", b.name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", b.name, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &RateLimitError{
			RetryAfter: RetryAfter(resp.Header),
			Snapshot:   openAISnapshot(resp.Header),
			Message:    strings.TrimSpace(string(data)),
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ProviderError{Provider: b.name, Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}

	var decoded openAIResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", b.name, err)
	}
	if len(decoded.Choices) == 0 {
		return nil, &ProviderError{Provider: b.name, Status: resp.StatusCode, Message: "response has no choices"}
	}

	choice := decoded.Choices[0]
	cached := decoded.Usage.PromptTokensDetails.CachedTokens
	out := &Response{
		StopReason: choice.FinishReason,
		Snapshot:   openAISnapshot(resp.Header),
		Usage: thread.Usage{
			InputTokens:     decoded.Usage.PromptTokens - cached,
			OutputTokens:    decoded.Usage.CompletionTokens,
			CacheReadTokens: cached,
		},
	}
	if choice.Message.Content != nil {
		out.Text = *choice.Message.Content
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Args: json.RawMessage(tc.Function.Arguments)})
	}
	if choice.FinishReason == "length" {
		return out, ErrMaxTokens
	}
	return out, nil
}

// openAISnapshot maps x-ratelimit headers onto a Snapshot. Token limits
// are shared between input and output.
func openAISnapshot(h http.Header) *Snapshot {
	tokens, okTokens := headerInt(h, "x-ratelimit-remaining-tokens")
	requests, okRequests := headerInt(h, "x-ratelimit-remaining-requests")
	if !okTokens && !okRequests {
		return nil
	}
	s := &Snapshot{
		InputTokens:  Limit{Remaining: defaultRemaining, Limit: defaultInputTokensLimit},
		OutputTokens: Limit{Remaining: defaultRemaining, Limit: defaultOutputTokensLimit},
		Requests:     Limit{Remaining: defaultRemaining, Limit: defaultRequestsLimit},
	}
	if okTokens {
		limit, ok := headerInt(h, "x-ratelimit-limit-tokens")
		if !ok {
			limit = defaultInputTokensLimit
		}
		s.InputTokens = Limit{Remaining: tokens, Limit: limit}
		s.OutputTokens = Limit{Remaining: tokens, Limit: limit}
	}
	if okRequests {
		limit, ok := headerInt(h, "x-ratelimit-limit-requests")
		if !ok {
			limit = defaultRequestsLimit
		}
		s.Requests = Limit{Remaining: requests, Limit: limit}
	}
	return s
}

func buildOpenAIRequest(req Request) openAIRequest {
	out := openAIRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.System != "" {
		system := req.System
		out.Messages = append(out.Messages, openAIMessage{Role: "system", Content: &system})
	}
	out.Messages = append(out.Messages, toOpenAIMessages(req.Messages)...)
	for _, def := range req.Tools {
		params := def.InputSchema
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object"}`)
		}
		out.Tools = append(out.Tools, openAITool{
			Type:     "function",
			Function: openAIFunction{Name: def.Name, Description: def.Description, Parameters: params},
		})
	}
	return out
}

// toOpenAIMessages folds consecutive tool requests into the preceding
// assistant message so each assistant turn carries all of its tool_calls.
func toOpenAIMessages(msgs []thread.Message) []openAIMessage {
	pending := pendingRequests(msgs)
	var out []openAIMessage

	for _, m := range msgs {
		switch v := m.(type) {
		case *thread.Text:
			content := v.Content
			out = append(out, openAIMessage{Role: string(v.Role), Content: &content})
		case *thread.ToolRequest:
			if pending[v.CallID] {
				continue
			}
			call := openAIToolCall{
				ID:       v.CallID,
				Type:     "function",
				Function: openAIFunctionCall{Name: v.Name, Arguments: string(v.Args)},
			}
			if n := len(out); n > 0 && out[n-1].Role == string(thread.RoleAssistant) {
				out[n-1].ToolCalls = append(out[n-1].ToolCalls, call)
				continue
			}
			out = append(out, openAIMessage{Role: string(thread.RoleAssistant), ToolCalls: []openAIToolCall{call}})
		case *thread.ToolResponse:
			output := v.Output
			out = append(out, openAIMessage{Role: "tool", Content: &output, ToolCallID: v.CallID})
		}
	}
	return out
}
