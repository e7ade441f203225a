// ABOUTME: Tests for the provider client state machine with a scripted backend
// ABOUTME: Covers tool loop, 429 single retry, throttling, cancellation and usage

package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biznet-io/coday/internal/events"
	"github.com/biznet-io/coday/internal/thread"
	"github.com/biznet-io/coday/internal/tools"
)

type scriptStep struct {
	resp *Response
	err  error
}

type scriptedBackend struct {
	mu       sync.Mutex
	steps    []scriptStep
	requests []Request
	onCall   func(n int)
}

func (b *scriptedBackend) Name() string { return "anthropic" }

func (b *scriptedBackend) Complete(ctx context.Context, req Request) (*Response, error) {
	b.mu.Lock()
	n := len(b.requests)
	b.requests = append(b.requests, req)
	var step scriptStep
	if n < len(b.steps) {
		step = b.steps[n]
	} else {
		step = scriptStep{resp: &Response{Text: "fallback"}}
	}
	hook := b.onCall
	b.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	return step.resp, step.err
}

func (b *scriptedBackend) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

type collector struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *collector) Emit(e events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *collector) ofType(typ events.Type) []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.Event
	for _, e := range c.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func setupClient(t *testing.T, backend Backend) (*Client, *sleepRecorder) {
	t.Helper()
	rec := &sleepRecorder{}
	c := NewClient(ClientConfig{
		Backend:          backend,
		Sleep:            rec.sleep,
		ThinkingInterval: time.Hour,
	})
	return c, rec
}

func newRun(th *thread.Thread, d *tools.Dispatcher, emit Emitter) RunRequest {
	return RunRequest{Thread: th, Speaker: "coday", Model: "BIG", System: "sys", Tools: d, Emitter: emit}
}

func TestClient_TextOnlyResponse(t *testing.T) {
	backend := &scriptedBackend{steps: []scriptStep{
		{resp: &Response{Text: "hi", Usage: thread.Usage{InputTokens: 1_000_000}}},
	}}
	c, rec := setupClient(t, backend)
	th := thread.New("", "alice")
	require.NoError(t, th.Append(thread.NewText(thread.RoleUser, "alice", "hello")))
	out := &collector{}

	require.NoError(t, c.Run(t.Context(), newRun(th, nil, out)))

	texts := out.ofType(events.TypeText)
	require.Len(t, texts, 1)
	assert.Equal(t, "hi", texts[0].Content)
	assert.Equal(t, 2, th.Len())
	assert.InDelta(t, 3.0, th.Usage.Price, 1e-9)
	assert.Empty(t, rec.delays)
	assert.Nil(t, c.Snapshot())

	req := backend.requests[0]
	assert.Equal(t, "claude-sonnet-4-20250514", req.Model)
	assert.InDelta(t, DefaultTemperature, req.Temperature, 1e-9)
	assert.Equal(t, DefaultMaxTokens, req.MaxTokens)
	assert.Equal(t, -1, req.CacheIndex)
}

func TestClient_ToolLoop(t *testing.T) {
	backend := &scriptedBackend{steps: []scriptStep{
		{resp: &Response{ToolCalls: []ToolCall{{ID: "c1", Name: "echo", Args: json.RawMessage(`["ping"]`)}}}},
		{resp: &Response{ToolCalls: []ToolCall{{ID: "c2", Name: "missing"}}}},
		{resp: &Response{Text: "done"}},
	}}
	c, _ := setupClient(t, backend)

	reg := tools.NewRegistry(nil)
	require.NoError(t, reg.Register("test", &tools.Tool{
		Definition: tools.Definition{Name: "echo"},
		Func: func(_ context.Context, args []any) (any, error) {
			return args[0], nil
		},
	}))
	d := tools.NewDispatcher(tools.DispatcherConfig{Registry: reg})

	th := thread.New("", "alice")
	require.NoError(t, th.Append(thread.NewText(thread.RoleUser, "alice", "go")))
	out := &collector{}

	require.NoError(t, c.Run(t.Context(), newRun(th, d, out)))

	assert.Equal(t, 3, backend.calls())
	responses := out.ofType(events.TypeToolResponse)
	require.Len(t, responses, 2)
	assert.Equal(t, "ping", responses[0].Output)
	assert.Equal(t, "Tool 'missing' not found", responses[1].Output)
	assert.Equal(t, "done", th.LastAssistantText())
	assert.Empty(t, th.PendingCallIDs())
	assert.Len(t, backend.requests[2].Tools, 1)
}

func TestClient_RetriesOnceOn429(t *testing.T) {
	snap := &Snapshot{
		InputTokens:  Limit{Remaining: 0, Limit: 100},
		OutputTokens: Limit{Remaining: 100, Limit: 100},
		Requests:     Limit{Remaining: 100, Limit: 100},
	}
	backend := &scriptedBackend{steps: []scriptStep{
		{err: &RateLimitError{RetryAfter: 5 * time.Second, Snapshot: snap}},
		{resp: &Response{Text: "ok"}},
	}}
	c, rec := setupClient(t, backend)
	th := thread.New("", "alice")
	require.NoError(t, th.Append(thread.NewText(thread.RoleUser, "alice", "go")))
	out := &collector{}

	require.NoError(t, c.Run(t.Context(), newRun(th, nil, out)))

	assert.Equal(t, 2, backend.calls())
	assert.Equal(t, []time.Duration{5 * time.Second}, rec.delays)
	assert.Nil(t, c.Snapshot(), "success without headers clears the snapshot")
	assert.NotEmpty(t, out.ofType(events.TypeWarn))
}

func TestClient_SecondRateLimitIsTerminal(t *testing.T) {
	backend := &scriptedBackend{steps: []scriptStep{
		{err: &RateLimitError{RetryAfter: time.Second}},
		{err: &RateLimitError{RetryAfter: time.Second}},
		{resp: &Response{Text: "never"}},
	}}
	c, _ := setupClient(t, backend)
	th := thread.New("", "alice")
	require.NoError(t, th.Append(thread.NewText(thread.RoleUser, "alice", "go")))

	err := c.Run(t.Context(), newRun(th, nil, nil))
	assert.True(t, IsRateLimited(err))
	assert.Equal(t, 2, backend.calls())
	assert.Equal(t, 1, th.Len())
}

func TestClient_ThrottlesFromSnapshot(t *testing.T) {
	h := http.Header{}
	h.Set("anthropic-ratelimit-input-tokens-remaining", "20")
	h.Set("anthropic-ratelimit-input-tokens-limit", "100")
	backend := &scriptedBackend{steps: []scriptStep{
		{resp: &Response{Text: "first", Snapshot: SnapshotFromHeaders(h)}},
		{resp: &Response{Text: "second"}},
		{resp: &Response{Text: "third"}},
	}}
	c, rec := setupClient(t, backend)
	th := thread.New("", "alice")

	for i := 0; i < 3; i++ {
		require.NoError(t, th.Append(thread.NewText(thread.RoleUser, "alice", "go")))
		require.NoError(t, c.Run(t.Context(), newRun(th, nil, nil)))
	}

	assert.Equal(t, []time.Duration{30 * time.Second}, rec.delays, "only the call after the low snapshot waits")
}

func TestClient_ProviderErrorEndsRun(t *testing.T) {
	backend := &scriptedBackend{steps: []scriptStep{
		{err: &ProviderError{Provider: "anthropic", Status: 500, Message: "boom"}},
	}}
	c, _ := setupClient(t, backend)
	th := thread.New("", "alice")
	require.NoError(t, th.Append(thread.NewText(thread.RoleUser, "alice", "go")))

	err := c.Run(t.Context(), newRun(th, nil, nil))
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 1, backend.calls())
}

func TestClient_MaxTokensStillAccountsUsage(t *testing.T) {
	backend := &scriptedBackend{steps: []scriptStep{
		{resp: &Response{Text: "partial", Usage: thread.Usage{InputTokens: 1_000_000}}, err: ErrMaxTokens},
	}}
	c, _ := setupClient(t, backend)
	th := thread.New("", "alice")
	require.NoError(t, th.Append(thread.NewText(thread.RoleUser, "alice", "go")))

	err := c.Run(t.Context(), newRun(th, nil, nil))
	require.ErrorIs(t, err, ErrMaxTokens)

	assert.Equal(t, 1_000_000, th.Usage.InputTokens)
	assert.InDelta(t, 3.0, th.Usage.Price, 1e-9)
	assert.Equal(t, 1_000_000, th.TotalUsage.InputTokens)
	assert.Equal(t, 1, th.Len(), "truncated text is not appended")
	assert.Equal(t, 1, backend.calls())
}

func TestClient_CancellationDiscardsResponse(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	backend := &scriptedBackend{
		steps: []scriptStep{
			{resp: &Response{ToolCalls: []ToolCall{{ID: "c1", Name: "x"}}}},
		},
		onCall: func(int) { cancel() },
	}
	c, _ := setupClient(t, backend)
	th := thread.New("", "alice")
	require.NoError(t, th.Append(thread.NewText(thread.RoleUser, "alice", "go")))

	err := c.Run(ctx, newRun(th, nil, nil))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, backend.calls(), "no further CALL after cancellation")
	assert.Equal(t, 1, th.Len(), "in-flight result discarded")
}

func TestClient_MaxIterations(t *testing.T) {
	steps := make([]scriptStep, 5)
	for i := range steps {
		steps[i] = scriptStep{resp: &Response{ToolCalls: []ToolCall{{ID: string(rune('a' + i)), Name: "x"}}}}
	}
	backend := &scriptedBackend{steps: steps}
	c := NewClient(ClientConfig{Backend: backend, MaxIterations: 3, ThinkingInterval: time.Hour})
	th := thread.New("", "alice")

	err := c.Run(t.Context(), newRun(th, nil, nil))
	assert.ErrorIs(t, err, ErrTooManyIterations)
	assert.Equal(t, 3, backend.calls())
}

func TestClient_CacheMarkerPersistedOnThread(t *testing.T) {
	backend := &scriptedBackend{}
	c, _ := setupClient(t, backend)
	th := thread.New("", "alice")
	for i := 0; i < 9; i++ {
		require.NoError(t, th.Append(thread.NewText(thread.RoleUser, "alice", "m")))
	}

	require.NoError(t, c.Run(t.Context(), newRun(th, nil, nil)))

	var state cacheState
	found, err := th.ProviderData("anthropic", &state)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, th.Messages[8].MessageID(), state.CacheMarkerMessageID)
	assert.Equal(t, 8, backend.requests[0].CacheIndex)
}

func TestClient_ThinkingEventsDuringCall(t *testing.T) {
	release := make(chan struct{})
	backend := &scriptedBackend{onCall: func(int) { <-release }}
	c := NewClient(ClientConfig{Backend: backend, ThinkingInterval: 5 * time.Millisecond})
	th := thread.New("", "alice")
	require.NoError(t, th.Append(thread.NewText(thread.RoleUser, "alice", "go")))
	out := &collector{}

	done := make(chan error, 1)
	go func() { done <- c.Run(t.Context(), newRun(th, nil, out)) }()

	require.Eventually(t, func() bool { return len(out.ofType(events.TypeThinking)) > 0 }, time.Second, 5*time.Millisecond)
	close(release)
	require.NoError(t, <-done)

	n := len(out.ofType(events.TypeThinking))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, len(out.ofType(events.TypeThinking)), "ticker stops with the call")
}

func TestClient_UsageResetsPerRun(t *testing.T) {
	backend := &scriptedBackend{steps: []scriptStep{
		{resp: &Response{Text: "a", Usage: thread.Usage{OutputTokens: 10}}},
		{resp: &Response{Text: "b", Usage: thread.Usage{OutputTokens: 4}}},
	}}
	c, _ := setupClient(t, backend)
	th := thread.New("", "alice")

	require.NoError(t, c.Run(t.Context(), newRun(th, nil, nil)))
	require.NoError(t, c.Run(t.Context(), newRun(th, nil, nil)))

	assert.Equal(t, 4, th.Usage.OutputTokens)
	assert.Equal(t, 14, th.TotalUsage.OutputTokens)
}

func TestIsRateLimited(t *testing.T) {
	assert.False(t, IsRateLimited(errors.New("x")))
	assert.True(t, IsRateLimited(&RateLimitError{}))
}
