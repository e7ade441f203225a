// ABOUTME: Tests for the agent runtime against a scripted provider backend
// ABOUTME: Covers run lifecycle, concurrency rejection, stop/kill, persistence and delegation

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biznet-io/coday/internal/conversation"
	"github.com/biznet-io/coday/internal/events"
	"github.com/biznet-io/coday/internal/provider"
	"github.com/biznet-io/coday/internal/store"
	"github.com/biznet-io/coday/internal/thread"
	"github.com/biznet-io/coday/internal/tools"
)

// scriptedBackend answers with a function of the request.
type scriptedBackend struct {
	mu    sync.Mutex
	calls []provider.Request
	reply func(ctx context.Context, req provider.Request, call int) (*provider.Response, error)
}

func (b *scriptedBackend) Name() string { return "fake" }

func (b *scriptedBackend) Complete(ctx context.Context, req provider.Request) (*provider.Response, error) {
	b.mu.Lock()
	b.calls = append(b.calls, req)
	n := len(b.calls)
	b.mu.Unlock()
	return b.reply(ctx, req, n)
}

func (b *scriptedBackend) Calls() []provider.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]provider.Request(nil), b.calls...)
}

type collector struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *collector) Deliver(e events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *collector) ofType(t events.Type) []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.Event
	for _, e := range c.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type usageSink struct {
	mu      sync.Mutex
	records []*store.UsageRecord
}

func (u *usageSink) Record(rec *store.UsageRecord) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.records = append(u.records, rec)
}

type fixture struct {
	runtime *Runtime
	backend *scriptedBackend
	events  *collector
	store   *store.MockStore
	usage   *usageSink
}

func newFixture(t *testing.T, depth int, reply func(ctx context.Context, req provider.Request, call int) (*provider.Response, error)) *fixture {
	t.Helper()

	catalog := NewCatalog(nil)
	require.NoError(t, catalog.Register(Definition{Name: "coday", Provider: "fake", Model: "m", Instructions: "main"}))
	require.NoError(t, catalog.Register(Definition{Name: "helper", Provider: "fake", Model: "m", Instructions: "helper"}))

	backend := &scriptedBackend{reply: reply}
	client := provider.NewClient(provider.ClientConfig{Backend: backend, ThinkingInterval: time.Hour})

	st := store.NewMockStore()
	ch := events.NewChannel(nil)
	col := &collector{}
	ch.Attach(col)
	usage := &usageSink{}

	rt := NewRuntime(RuntimeConfig{
		ClientID:        "client-1",
		Catalog:         catalog,
		Providers:       map[string]*provider.Client{"fake": client},
		Tools:           tools.NewRegistry(nil),
		Conversation:    conversation.New(st, "alice", nil),
		Events:          ch,
		Usage:           usage,
		DelegationDepth: depth,
	})
	return &fixture{runtime: rt, backend: backend, events: col, store: st, usage: usage}
}

func answer(text string) *provider.Response {
	return &provider.Response{Text: text, Usage: thread.Usage{InputTokens: 10, OutputTokens: 2}}
}

func delegateCall(id, task, agentName string) *provider.Response {
	args, _ := json.Marshal(map[string]string{"task": task, "agentName": agentName})
	return &provider.Response{ToolCalls: []provider.ToolCall{{ID: id, Name: delegateToolName, Args: args}}}
}

func TestRuntime_RunSavesThreadAndRecordsUsage(t *testing.T) {
	f := newFixture(t, 1, func(context.Context, provider.Request, int) (*provider.Response, error) {
		return answer("hi"), nil
	})

	require.NoError(t, f.runtime.Run(context.Background(), "hello"))

	texts := f.events.ofType(events.TypeText)
	require.Len(t, texts, 1, "user input is not echoed")
	assert.Equal(t, "hi", texts[0].Content)
	assert.Equal(t, "coday", texts[0].Speaker)

	done := f.events.ofType(events.TypeDone)
	require.Len(t, done, 1)
	require.NotEmpty(t, done[0].ThreadID)

	saved, err := f.store.GetThread(context.Background(), done[0].ThreadID)
	require.NoError(t, err)
	require.Equal(t, 2, saved.Len())
	assert.Equal(t, "hello", saved.Messages[0].(*thread.Text).Content)

	require.Len(t, f.usage.records, 1)
	rec := f.usage.records[0]
	assert.Equal(t, done[0].ThreadID, rec.ThreadID)
	assert.Equal(t, "client-1", rec.ClientID)
	assert.Equal(t, "alice", rec.Username)
	assert.Equal(t, 10, rec.InputTokens)
}

func TestRuntime_MentionSelectsAgent(t *testing.T) {
	f := newFixture(t, 1, func(_ context.Context, req provider.Request, _ int) (*provider.Response, error) {
		return answer(req.System), nil
	})

	require.NoError(t, f.runtime.Run(context.Background(), "@help can you?"))
	require.NoError(t, f.runtime.Run(context.Background(), "and again"))

	texts := f.events.ofType(events.TypeText)
	require.Len(t, texts, 2)
	assert.Equal(t, "helper", texts[0].Content)
	assert.Equal(t, "helper", texts[1].Content, "last used agent sticks")

	th := f.runtime.Conversation().Active()
	assert.Equal(t, "can you?", th.Messages[0].(*thread.Text).Content, "mention stripped")
}

func TestRuntime_UnknownMentionEmitsError(t *testing.T) {
	f := newFixture(t, 1, func(context.Context, provider.Request, int) (*provider.Response, error) {
		t.Fatal("no call expected")
		return nil, nil
	})

	err := f.runtime.Run(context.Background(), "@nobody hi")
	require.ErrorIs(t, err, ErrAgentNotFound)

	errs := f.events.ofType(events.TypeError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Content, "nobody")
	assert.Len(t, f.events.ofType(events.TypeDone), 1)
}

func TestRuntime_ProviderErrorBecomesEvent(t *testing.T) {
	f := newFixture(t, 1, func(context.Context, provider.Request, int) (*provider.Response, error) {
		return nil, &provider.ProviderError{Provider: "fake", Status: 500, Message: "boom"}
	})

	err := f.runtime.Run(context.Background(), "hello")
	require.Error(t, err)

	errs := f.events.ofType(events.TypeError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Content, "boom")

	done := f.events.ofType(events.TypeDone)
	require.Len(t, done, 1)
	saved, err := f.store.GetThread(context.Background(), done[0].ThreadID)
	require.NoError(t, err, "input is saved even when the run fails")
	assert.Equal(t, 1, saved.Len())
}

func TestRuntime_RejectsConcurrentRunAndStops(t *testing.T) {
	started := make(chan struct{})
	f := newFixture(t, 1, func(ctx context.Context, _ provider.Request, _ int) (*provider.Response, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	require.NoError(t, f.runtime.Start("first"))
	<-started
	assert.True(t, f.runtime.Running())

	assert.ErrorIs(t, f.runtime.Run(context.Background(), "second"), ErrRunActive)
	assert.ErrorIs(t, f.runtime.Start("third"), ErrRunActive)
	_, err := f.runtime.SelectThread(context.Background(), "")
	assert.ErrorIs(t, err, ErrRunActive)

	f.runtime.Stop()
	f.runtime.Wait()
	assert.False(t, f.runtime.Running())

	warns := f.events.ofType(events.TypeWarn)
	require.Len(t, warns, 1)
	assert.Equal(t, "Run stopped", warns[0].Content)
	assert.Empty(t, f.events.ofType(events.TypeError))
}

func TestRuntime_Kill(t *testing.T) {
	f := newFixture(t, 1, func(context.Context, provider.Request, int) (*provider.Response, error) {
		return answer("hi"), nil
	})

	f.runtime.Kill()
	f.runtime.Kill()

	assert.ErrorIs(t, f.runtime.Start("hello"), ErrRuntimeKilled)
	assert.ErrorIs(t, f.runtime.events.Emit(events.Text("x", "y")), events.ErrClosed)
}

func TestRuntime_DelegationRunsChildAndMerges(t *testing.T) {
	f := newFixture(t, 1, func(_ context.Context, req provider.Request, call int) (*provider.Response, error) {
		switch {
		case req.System == "helper":
			return answer("42"), nil
		case call == 1:
			return delegateCall("d1", "compute the answer", "help"), nil
		default:
			return answer("the helper says 42"), nil
		}
	})

	require.NoError(t, f.runtime.Run(context.Background(), "what is the answer?"))

	var speakers []string
	for _, e := range f.events.ofType(events.TypeText) {
		speakers = append(speakers, e.Speaker+": "+e.Content)
	}
	assert.Contains(t, speakers, "-> helper: 42")
	assert.Contains(t, speakers, "coday: the helper says 42")

	responses := f.events.ofType(events.TypeToolResponse)
	require.Len(t, responses, 1)
	assert.Equal(t, "42", responses[0].Output)

	th := f.runtime.Conversation().Active()
	assert.Empty(t, th.PendingCallIDs())
	var sawTask bool
	for _, m := range th.Messages {
		if txt, ok := m.(*thread.Text); ok && txt.Role == thread.RoleUser && txt.Content == thread.FormatTask("compute the answer") {
			sawTask = true
		}
	}
	assert.True(t, sawTask, "child messages merged into the parent")

	calls := f.backend.Calls()
	require.Len(t, calls, 3)
	followUp := calls[2]
	assert.Equal(t, "main", followUp.System)
	requireAnsweredInPlace(t, followUp.Messages)
	_, endsWithResponse := followUp.Messages[len(followUp.Messages)-1].(*thread.ToolResponse)
	assert.True(t, endsWithResponse, "delegate result is the last message sent")

	assert.Len(t, f.usage.records, 2, "one record per agent run")
}

// requireAnsweredInPlace checks that every run of tool requests is followed
// directly by the responses to all of them, which providers require.
func requireAnsweredInPlace(t *testing.T, msgs []thread.Message) {
	t.Helper()
	for i := 0; i < len(msgs); {
		if _, ok := msgs[i].(*thread.ToolRequest); !ok {
			i++
			continue
		}
		open := make(map[string]bool)
		for ; i < len(msgs); i++ {
			req, ok := msgs[i].(*thread.ToolRequest)
			if !ok {
				break
			}
			open[req.CallID] = true
		}
		for ; i < len(msgs); i++ {
			resp, ok := msgs[i].(*thread.ToolResponse)
			if !ok {
				break
			}
			delete(open, resp.CallID)
		}
		require.Empty(t, open, "tool requests not answered by the messages right after them")
	}
}

func TestRuntime_DelegationLookupFailuresAreResults(t *testing.T) {
	tests := []struct {
		name      string
		depth     int
		agentName string
		want      string
	}{
		{"budget exhausted", 0, "helper", thread.DelegationDenied},
		{"unknown agent", 1, "zzz", "Agent zzz not found."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.depth, func(_ context.Context, req provider.Request, call int) (*provider.Response, error) {
				if call == 1 {
					return delegateCall("d1", "task", tt.agentName), nil
				}
				return answer("ok"), nil
			})

			require.NoError(t, f.runtime.Run(context.Background(), "go"))

			responses := f.events.ofType(events.TypeToolResponse)
			require.Len(t, responses, 1)
			assert.Equal(t, tt.want, responses[0].Output)
			for _, req := range f.backend.Calls() {
				assert.NotEqual(t, "helper", req.System, "no child run")
			}
		})
	}
}

func TestRuntime_AmbiguousDelegation(t *testing.T) {
	f := newFixture(t, 1, func(_ context.Context, _ provider.Request, call int) (*provider.Response, error) {
		if call == 1 {
			return delegateCall("d1", "task", ""), nil
		}
		return answer("ok"), nil
	})
	require.NoError(t, f.runtime.catalog.Register(Definition{Name: "helpdesk", Provider: "fake"}))

	out, err := f.runtime.delegate(context.Background(), &runState{}, thread.New("", "alice"),
		&Definition{Name: "coday"}, thread.NewBudget(1), f.runtime.eventEmitter(), "task", "help")
	require.NoError(t, err)
	assert.Equal(t, "Multiple agents found for: 'help', possible matches: helper, helpdesk.", out)
}

func TestRuntime_MissingProvider(t *testing.T) {
	f := newFixture(t, 1, nil)
	require.NoError(t, f.runtime.catalog.Register(Definition{Name: "orphan", Provider: "nowhere"}))

	err := f.runtime.Run(context.Background(), "@orphan hi")
	assert.True(t, errors.Is(err, ErrProviderNotConfigured))
}
