// ABOUTME: Tests for the gateway HTTP API against a real session manager and agent runtime
// ABOUTME: Uses httptest servers, a scripted provider backend and the mock store

package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biznet-io/coday/internal/agent"
	"github.com/biznet-io/coday/internal/auth"
	"github.com/biznet-io/coday/internal/config"
	"github.com/biznet-io/coday/internal/conversation"
	"github.com/biznet-io/coday/internal/events"
	"github.com/biznet-io/coday/internal/provider"
	"github.com/biznet-io/coday/internal/session"
	"github.com/biznet-io/coday/internal/store"
	"github.com/biznet-io/coday/internal/thread"
	"github.com/biznet-io/coday/internal/usage"
)

const testSecret = "gateway-test-secret-0123456789abcdef"

// gatedBackend answers with reply, optionally waiting for gate first.
type gatedBackend struct {
	reply string
	gate  chan struct{}
}

func (b *gatedBackend) Name() string { return "fake" }

func (b *gatedBackend) Complete(ctx context.Context, _ provider.Request) (*provider.Response, error) {
	if b.gate != nil {
		select {
		case <-b.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &provider.Response{Text: b.reply, Usage: thread.Usage{InputTokens: 10, OutputTokens: 2}}, nil
}

type fixtureOptions struct {
	gate     chan struct{}
	verifier *auth.JWTVerifier
	ingress  config.IngressConfig
}

type fixture struct {
	srv      *httptest.Server
	gw       *Gateway
	sessions *session.Manager
	store    *store.MockStore
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()

	st := store.NewMockStore()
	catalog := agent.NewCatalog(nil)
	require.NoError(t, catalog.Register(agent.Definition{Name: "coday", Provider: "fake", Model: "m"}))
	client := provider.NewClient(provider.ClientConfig{
		Backend:          &gatedBackend{reply: "hi", gate: opts.gate},
		ThinkingInterval: time.Hour,
	})
	recorder := usage.NewRecorder(usage.Config{Sink: st, BatchSize: 1})

	sessions := session.NewManager(session.Config{
		NewRuntime: func(s *session.Session) (session.Runtime, error) {
			return agent.NewRuntime(agent.RuntimeConfig{
				ClientID:        s.ID(),
				Catalog:         catalog,
				Providers:       map[string]*provider.Client{"fake": client},
				Conversation:    conversation.New(st, s.Username(), nil),
				Events:          s.Events(),
				Usage:           recorder,
				DelegationDepth: 1,
			}), nil
		},
	})

	cfg := &config.Config{Ingress: opts.ingress}
	if cfg.Ingress.RatePerSecond == 0 {
		cfg.Ingress.RatePerSecond = 100
		cfg.Ingress.Burst = 100
	}

	gwOpts := Options{Config: cfg, Sessions: sessions, Catalog: catalog, Store: st, Usage: recorder}
	if opts.verifier != nil {
		gwOpts.Verifier = opts.verifier
	}
	gw, err := New(gwOpts)
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		srv.Close()
		gw.dedupe.Close()
		_ = recorder.Close(context.Background())
	})
	t.Cleanup(sessions.Close)

	return &fixture{srv: srv, gw: gw, sessions: sessions, store: st}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequestWithContext(t.Context(), method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// openStream connects an SSE client and returns its decoded events.
func (f *fixture) openStream(t *testing.T, clientID, token string) <-chan events.Event {
	t.Helper()
	url := f.srv.URL + "/api/events?clientId=" + clientID
	if token != "" {
		url += "&access_token=" + token
	}
	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	ch := make(chan events.Event, 64)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			data, ok := strings.CutPrefix(sc.Text(), "data: ")
			if !ok {
				continue
			}
			var e events.Event
			if json.Unmarshal([]byte(data), &e) == nil {
				ch <- e
			}
		}
	}()

	require.Eventually(t, func() bool {
		s, ok := f.sessions.Get(clientID)
		return ok && s.Connected()
	}, 2*time.Second, 5*time.Millisecond)
	return ch
}

func awaitEvent(t *testing.T, ch <-chan events.Event, typ events.Type) events.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			require.True(t, ok, "stream ended before %s", typ)
			if e.Type == typ {
				return e
			}
		case <-timeout:
			t.Fatalf("no %s event", typ)
		}
	}
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealth(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	resp := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMessage_RunsAndStreams(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	stream := f.openStream(t, "c1", "")

	resp := f.do(t, http.MethodPost, "/api/message", "", MessageRequest{ClientID: "c1", Content: "hello"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	text := awaitEvent(t, stream, events.TypeText)
	assert.Equal(t, "coday", text.Speaker)
	assert.Equal(t, "hi", text.Content)
	done := awaitEvent(t, stream, events.TypeDone)
	assert.NotEmpty(t, done.ThreadID)

	resp = f.do(t, http.MethodGet, "/api/threads?clientId=c1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list ThreadListResponse
	decodeBody(t, resp, &list)
	require.Len(t, list.Threads, 1)
	assert.Equal(t, done.ThreadID, list.Active)
	assert.Equal(t, "hello", list.Threads[0].Summary)

	require.Eventually(t, func() bool { return f.store.UsageCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	resp = f.do(t, http.MethodGet, "/api/usage", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var u UsageResponse
	decodeBody(t, resp, &u)
	assert.Equal(t, auth.AnonymousUser, u.Username)
	assert.Equal(t, int64(10), u.InputTokens)
	assert.Equal(t, int64(1), u.Requests)
}

func TestMessage_Validation(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	resp := f.do(t, http.MethodPost, "/api/message", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/message", "", MessageRequest{Content: "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/message", "", MessageRequest{ClientID: "nobody", Content: "x"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/message", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestMessage_ConcurrentRunRejected(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, fixtureOptions{gate: gate})
	stream := f.openStream(t, "c1", "")

	resp := f.do(t, http.MethodPost, "/api/message", "", MessageRequest{ClientID: "c1", Content: "one"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/message", "", MessageRequest{ClientID: "c1", Content: "two"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	close(gate)
	awaitEvent(t, stream, events.TypeDone)
}

func TestStop_CancelsRun(t *testing.T) {
	f := newFixture(t, fixtureOptions{gate: make(chan struct{})})
	stream := f.openStream(t, "c1", "")

	resp := f.do(t, http.MethodPost, "/api/message", "", MessageRequest{ClientID: "c1", Content: "one"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/stop", "", ClientRequest{ClientID: "c1"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	awaitEvent(t, stream, events.TypeDone)
	resp = f.do(t, http.MethodPost, "/api/message", "", MessageRequest{ClientID: "c1", Content: "again"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode, "a stopped runtime accepts new input")
}

func TestMessage_DuplicateIdempotencyKey(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	stream := f.openStream(t, "c1", "")

	req := MessageRequest{ClientID: "c1", Content: "hello", IdempotencyKey: "k-1"}
	resp := f.do(t, http.MethodPost, "/api/message", "", req)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	awaitEvent(t, stream, events.TypeDone)

	resp = f.do(t, http.MethodPost, "/api/message", "", req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Equal(t, "duplicate", body["status"])
}

func TestMessage_RateLimited(t *testing.T) {
	f := newFixture(t, fixtureOptions{ingress: config.IngressConfig{RatePerSecond: 0.001, Burst: 1}})
	stream := f.openStream(t, "c1", "")

	resp := f.do(t, http.MethodPost, "/api/message", "", MessageRequest{ClientID: "c1", Content: "one"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	awaitEvent(t, stream, events.TypeDone)

	resp = f.do(t, http.MethodPost, "/api/message", "", MessageRequest{ClientID: "c1", Content: "two"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestSelectThread(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	stream := f.openStream(t, "c1", "")

	resp := f.do(t, http.MethodPost, "/api/message", "", MessageRequest{ClientID: "c1", Content: "hello"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	done := awaitEvent(t, stream, events.TypeDone)

	resp = f.do(t, http.MethodPost, "/api/threads/select", "", SelectThreadRequest{ClientID: "c1", ThreadID: done.ThreadID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var summary thread.Summary
	decodeBody(t, resp, &summary)
	assert.Equal(t, done.ThreadID, summary.ID)

	resp = f.do(t, http.MethodPost, "/api/threads/select", "", SelectThreadRequest{ClientID: "c1", ThreadID: "missing"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteSession(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	stream := f.openStream(t, "c1", "")

	resp := f.do(t, http.MethodDelete, "/api/session?clientId=c1", "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, ok := f.sessions.Get("c1")
	assert.False(t, ok)
	for range stream {
	}

	resp = f.do(t, http.MethodDelete, "/api/session?clientId=c1", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReconnect_ReplaysRecentEvents(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	ctx, cancel := context.WithCancel(t.Context())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/api/events?clientId=c1", nil)
	require.NoError(t, err)
	first, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Eventually(t, func() bool { _, ok := f.sessions.Get("c1"); return ok }, 2*time.Second, 5*time.Millisecond)

	resp := f.do(t, http.MethodPost, "/api/message", "", MessageRequest{ClientID: "c1", Content: "hello"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	sess, _ := f.sessions.Get("c1")
	require.Eventually(t, func() bool { return len(sess.Events().Recent(10)) >= 2 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	_ = first.Body.Close()
	require.Eventually(t, func() bool { return !sess.Connected() }, 2*time.Second, 5*time.Millisecond)

	second := f.openStream(t, "c1", "")
	text := awaitEvent(t, second, events.TypeText)
	assert.Equal(t, "hi", text.Content)

	again, ok := f.sessions.Get("c1")
	require.True(t, ok)
	assert.Same(t, sess, again)
}

func TestAuth_ScopesSessionsToUser(t *testing.T) {
	verifier, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)
	f := newFixture(t, fixtureOptions{verifier: verifier})

	alice, err := verifier.Generate("alice", time.Hour)
	require.NoError(t, err)
	bob, err := verifier.Generate("bob", time.Hour)
	require.NoError(t, err)

	resp := f.do(t, http.MethodPost, "/api/message", "", MessageRequest{ClientID: "c1", Content: "x"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	f.openStream(t, "c1", alice)
	sess, _ := f.sessions.Get("c1")
	assert.Equal(t, "alice", sess.Username())

	resp = f.do(t, http.MethodPost, "/api/message", bob, MessageRequest{ClientID: "c1", Content: "x"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/events?clientId=c1", bob, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "health stays public")
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
