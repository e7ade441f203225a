// ABOUTME: Anthropic Messages API backend built on anthropic-sdk-go
// ABOUTME: Places cache_control breakpoints and maps 429s to RateLimitError

package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/biznet-io/coday/internal/thread"
)

const (
	// maxResponseSize bounds the decoded response body.
	maxResponseSize = 10 * 1024 * 1024

	// DefaultHTTPTimeout bounds a single non-streamed call.
	DefaultHTTPTimeout = 5 * time.Minute
)

// AnthropicConfig configures AnthropicBackend.
type AnthropicConfig struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

// AnthropicBackend calls the Messages API.
type AnthropicBackend struct {
	apiKey string
	client anthropic.Client
}

// NewAnthropicBackend creates a backend. An empty BaseURL uses the public API.
// Retries are disabled: the Client owns the retry policy.
func NewAnthropicBackend(cfg AnthropicConfig) *AnthropicBackend {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	}
	if baseURL := strings.TrimRight(cfg.BaseURL, "/"); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL+"/"))
	}
	return &AnthropicBackend{apiKey: cfg.APIKey, client: anthropic.NewClient(opts...)}
}

// Name returns "anthropic".
func (b *AnthropicBackend) Name() string { return "anthropic" }

// Complete sends one Messages API request.
func (b *AnthropicBackend) Complete(ctx context.Context, req Request) (*Response, error) {
	if b.apiKey == "" {
		return nil, fmt.Errorf("anthropic: %w", ErrNotConfigured)
	}

	params, err := buildAnthropicParams(req)
	if err != nil {
		return nil, err
	}

	var httpResp *http.Response
	msg, err := b.client.Messages.New(ctx, params, option.WithResponseInto(&httpResp))
	if err != nil {
		return nil, b.mapError(err)
	}

	out := &Response{
		StopReason: string(msg.StopReason),
		Usage: thread.Usage{
			InputTokens:      int(msg.Usage.InputTokens),
			OutputTokens:     int(msg.Usage.OutputTokens),
			CacheWriteTokens: int(msg.Usage.CacheCreationInputTokens),
			CacheReadTokens:  int(msg.Usage.CacheReadInputTokens),
		},
	}
	if httpResp != nil {
		out.Snapshot = SnapshotFromHeaders(httpResp.Header)
	}
	var text []string
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				text = append(text, block.Text)
			}
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, ToolCall{ID: block.ID, Name: block.Name, Args: block.Input})
		}
	}
	out.Text = strings.Join(text, "\n")
	if out.StopReason == "max_tokens" {
		return out, ErrMaxTokens
	}
	return out, nil
}

func (b *AnthropicBackend) mapError(err error) error {
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("anthropic request: %w", err)
	}
	message := anthropicErrorMessage(apiErr.RawJSON())
	if message == "" {
		message = apiErr.Error()
	}
	var header http.Header
	if apiErr.Response != nil {
		header = apiErr.Response.Header
	}
	if apiErr.StatusCode == http.StatusTooManyRequests {
		return &RateLimitError{
			RetryAfter: RetryAfter(header),
			Snapshot:   SnapshotFromHeaders(header),
			Message:    message,
		}
	}
	return &ProviderError{Provider: b.Name(), Status: apiErr.StatusCode, Message: message}
}

type anthropicError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func anthropicErrorMessage(raw string) string {
	var e anthropicError
	if err := json.Unmarshal([]byte(raw), &e); err == nil && e.Error.Message != "" {
		return e.Error.Message
	}
	return strings.TrimSpace(raw)
}

func buildAnthropicParams(req Request) (anthropic.MessageNewParams, error) {
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(req.Model),
		MaxTokens:   int64(req.MaxTokens),
		Temperature: anthropic.Float(req.Temperature),
		Messages:    toAnthropicMessages(req.Messages, req.CacheIndex),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{
			Text:         req.System,
			CacheControl: anthropic.NewCacheControlEphemeralParam(),
		}}
	}
	for i, def := range req.Tools {
		schema, err := toolInputSchema(def.InputSchema)
		if err != nil {
			return params, fmt.Errorf("tool %s: %w", def.Name, err)
		}
		tool := &anthropic.ToolParam{
			Name:        def.Name,
			Description: anthropic.String(def.Description),
			InputSchema: schema,
		}
		if i == len(req.Tools)-1 {
			tool.CacheControl = anthropic.NewCacheControlEphemeralParam()
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: tool})
	}
	return params, nil
}

// toolInputSchema splits a JSON schema into the SDK's properties/required
// fields. Other keywords ride along as extra fields.
func toolInputSchema(raw json.RawMessage) (anthropic.ToolInputSchemaParam, error) {
	var schema anthropic.ToolInputSchemaParam
	if len(raw) == 0 {
		return schema, nil
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return schema, fmt.Errorf("decode input schema: %w", err)
	}
	if props, ok := fields["properties"]; ok {
		schema.Properties = props
	}
	if req, ok := fields["required"].([]any); ok {
		for _, r := range req {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	delete(fields, "type")
	delete(fields, "properties")
	delete(fields, "required")
	if len(fields) > 0 {
		schema.ExtraFields = fields
	}
	return schema, nil
}

// toAnthropicMessages groups consecutive same-role blocks into one message.
// Only the message at cacheIndex carries cache_control.
func toAnthropicMessages(msgs []thread.Message, cacheIndex int) []anthropic.MessageParam {
	pending := pendingRequests(msgs)
	var out []anthropic.MessageParam

	add := func(role anthropic.MessageParamRole, block anthropic.ContentBlockParamUnion) {
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, block)
			return
		}
		out = append(out, anthropic.MessageParam{Role: role, Content: []anthropic.ContentBlockParamUnion{block}})
	}

	for i, m := range msgs {
		var role anthropic.MessageParamRole
		var block anthropic.ContentBlockParamUnion
		switch v := m.(type) {
		case *thread.Text:
			if v.Content == "" {
				continue
			}
			role = anthropic.MessageParamRoleUser
			if v.Role == thread.RoleAssistant {
				role = anthropic.MessageParamRoleAssistant
			}
			block = anthropic.NewTextBlock(v.Content)
		case *thread.ToolRequest:
			if pending[v.CallID] {
				continue
			}
			args := v.Args
			if len(args) == 0 {
				args = json.RawMessage(`{}`)
			}
			role = anthropic.MessageParamRoleAssistant
			block = anthropic.NewToolUseBlock(v.CallID, args, v.Name)
		case *thread.ToolResponse:
			role = anthropic.MessageParamRoleUser
			block = anthropic.NewToolResultBlock(v.CallID, v.Output, false)
		default:
			continue
		}
		if i == cacheIndex {
			markCached(block)
		}
		add(role, block)
	}
	return out
}

func markCached(block anthropic.ContentBlockParamUnion) {
	cc := anthropic.NewCacheControlEphemeralParam()
	switch {
	case block.OfText != nil:
		block.OfText.CacheControl = cc
	case block.OfToolUse != nil:
		block.OfToolUse.CacheControl = cc
	case block.OfToolResult != nil:
		block.OfToolResult.CacheControl = cc
	}
}
