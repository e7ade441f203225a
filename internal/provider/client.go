// ABOUTME: Provider client protocol: throttle, call, single 429 retry, tool loop
// ABOUTME: Shares one rate-limit snapshot per backend across all sessions

package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/biznet-io/coday/internal/events"
	"github.com/biznet-io/coday/internal/thread"
	"github.com/biznet-io/coday/internal/tools"
)

const (
	// DefaultMaxIterations bounds the tool loop of one run.
	DefaultMaxIterations = 25
	// DefaultThinkingInterval is the period of thinking events during a call.
	DefaultThinkingInterval = 3 * time.Second
	// fallbackContextWindow is used for models missing from the catalog.
	fallbackContextWindow = 128000
)

// Emitter receives the events produced during a run.
type Emitter interface {
	Emit(events.Event) error
}

// ClientConfig contains configuration options for the Client.
type ClientConfig struct {
	Backend          Backend
	Catalog          *Catalog
	Throttle         Throttle
	Cache            CacheStrategy
	CharsPerToken    float64
	MaxIterations    int
	ThinkingInterval time.Duration
	Logger           *slog.Logger

	// Sleep waits for d or until ctx is done. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Client runs the protocol against one backend.
type Client struct {
	backend          Backend
	catalog          *Catalog
	throttle         Throttle
	cache            CacheStrategy
	charsPerToken    float64
	maxIterations    int
	thinkingInterval time.Duration
	sleep            func(ctx context.Context, d time.Duration) error
	logger           *slog.Logger

	mu       sync.Mutex
	snapshot *Snapshot
}

// NewClient creates a Client. Zero-valued options take their defaults.
func NewClient(cfg ClientConfig) *Client {
	c := &Client{
		backend:          cfg.Backend,
		catalog:          cfg.Catalog,
		throttle:         cfg.Throttle,
		cache:            cfg.Cache,
		charsPerToken:    cfg.CharsPerToken,
		maxIterations:    cfg.MaxIterations,
		thinkingInterval: cfg.ThinkingInterval,
		sleep:            cfg.Sleep,
		logger:           cfg.Logger,
	}
	if c.catalog == nil {
		c.catalog = NewCatalog(DefaultModels())
	}
	if c.throttle.Threshold == 0 && c.throttle.MaxDelay == 0 {
		c.throttle = DefaultThrottle()
	}
	if c.cache.Placement == 0 {
		c.cache = DefaultCacheStrategy()
	}
	if c.charsPerToken == 0 {
		c.charsPerToken = DefaultCharsPerToken
	}
	if c.maxIterations == 0 {
		c.maxIterations = DefaultMaxIterations
	}
	if c.thinkingInterval == 0 {
		c.thinkingInterval = DefaultThinkingInterval
	}
	if c.sleep == nil {
		c.sleep = sleepContext
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "provider", "provider", cfg.Backend.Name())
	return c
}

// Name returns the backend name.
func (c *Client) Name() string {
	return c.backend.Name()
}

// Snapshot returns the current rate-limit snapshot, or nil.
func (c *Client) Snapshot() *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

func (c *Client) setSnapshot(s *Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot = s
}

// RunRequest is one agent invocation against a thread.
type RunRequest struct {
	Thread  *thread.Thread
	Speaker string
	Model   string
	System  string
	// Temperature nil means DefaultTemperature.
	Temperature *float64
	MaxTokens   int
	Tools       *tools.Dispatcher
	Emitter     Emitter
}

// Run drives the thread until the model answers without tool calls. Usage
// is reset at the start and accumulated per call. Cancelling ctx stops the
// loop before the next call; a response that arrives after cancellation is
// discarded.
func (c *Client) Run(ctx context.Context, req RunRequest) error {
	th := req.Thread
	th.ResetUsageForRun()

	model := c.resolveModel(req.Model)
	emit := c.emitter(req.Emitter)

	for iter := 0; ; iter++ {
		if iter >= c.maxIterations {
			return fmt.Errorf("%w (%d)", ErrTooManyIterations, c.maxIterations)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		resp, err := c.call(ctx, req, model, emit)
		if errors.Is(err, ErrMaxTokens) && resp != nil {
			// A truncated answer ends the run but is still billed.
			c.account(th, model, resp.Usage)
		}
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			c.logger.Debug("discarding response after cancellation")
			return err
		}

		c.account(th, model, resp.Usage)

		if resp.Text != "" {
			if err := th.Append(thread.NewText(thread.RoleAssistant, req.Speaker, resp.Text)); err != nil {
				return err
			}
			emit(events.Text(req.Speaker, resp.Text))
		}

		if len(resp.ToolCalls) == 0 {
			return nil
		}

		if err := c.runTools(ctx, req, resp.ToolCalls, emit); err != nil {
			return err
		}
	}
}

func (c *Client) account(th *thread.Thread, model Model, usage thread.Usage) {
	usage.Price = model.Cost(usage)
	th.AddUsage(usage)
}

func (c *Client) runTools(ctx context.Context, req RunRequest, calls []ToolCall, emit func(events.Event)) error {
	th := req.Thread
	requests := make([]*thread.ToolRequest, 0, len(calls))
	for _, call := range calls {
		tr := thread.NewToolRequest(req.Speaker, call.ID, call.Name, call.Args)
		if err := th.Append(tr); err != nil {
			return err
		}
		emit(events.ToolRequest(req.Speaker, tr.CallID, tr.Name, tr.Args))
		requests = append(requests, tr)
	}

	for _, tr := range requests {
		if err := ctx.Err(); err != nil {
			return err
		}
		var out tools.Response
		if req.Tools == nil {
			out = tools.Response{ID: tr.CallID, Output: fmt.Sprintf("Tool '%s' not found", tr.Name)}
		} else {
			out = req.Tools.RunAsData(ctx, tools.Request{ID: tr.CallID, Name: tr.Name, Args: tr.Args})
		}
		if err := th.Append(thread.NewToolResponse(req.Speaker, tr.CallID, out.Output)); err != nil {
			return err
		}
		emit(events.ToolResponse(req.Speaker, tr.CallID, out.Output))
	}
	return nil
}

// call performs THROTTLE-WAIT, CALL and at most one RETRY-WAIT + CALL.
func (c *Client) call(ctx context.Context, req RunRequest, model Model, emit func(events.Event)) (*Response, error) {
	snap := c.Snapshot()
	if delay := c.throttle.Delay(snap); delay > 0 {
		c.logger.Info("throttling before call", "delay", delay, "min_ratio", snap.MinRatio())
		emit(events.Warn(fmt.Sprintf("Approaching rate limits, waiting %s before calling %s", delay, c.backend.Name())))
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	breq, err := c.buildRequest(req, model)
	if err != nil {
		return nil, err
	}

	resp, err := c.complete(ctx, breq, req.Speaker, emit)
	var rl *RateLimitError
	if errors.As(err, &rl) {
		c.setSnapshot(rl.Snapshot)
		c.logger.Warn("rate limited, retrying once", "retry_after", rl.RetryAfter)
		emit(events.Warn(fmt.Sprintf("Rate limited by %s, retrying in %s", c.backend.Name(), rl.RetryAfter)))
		if err := c.sleep(ctx, rl.RetryAfter); err != nil {
			return nil, err
		}
		resp, err = c.complete(ctx, breq, req.Speaker, emit)
		if errors.As(err, &rl) {
			c.setSnapshot(rl.Snapshot)
		}
	}
	if err != nil {
		if errors.Is(err, ErrMaxTokens) && resp != nil {
			c.setSnapshot(resp.Snapshot)
			return resp, err
		}
		return nil, err
	}

	c.setSnapshot(resp.Snapshot)
	return resp, nil
}

// complete runs one backend call while emitting thinking events.
func (c *Client) complete(ctx context.Context, breq Request, speaker string, emit func(events.Event)) (*Response, error) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(c.thinkingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				emit(events.Thinking(speaker))
			}
		}
	}()
	defer func() {
		close(done)
		wg.Wait()
	}()

	return c.backend.Complete(ctx, breq)
}

func (c *Client) buildRequest(req RunRequest, model Model) (Request, error) {
	th := req.Thread

	var defs []tools.Definition
	toolsLen := 0
	if req.Tools != nil {
		defs = req.Tools.Registry().Definitions()
		toolsLen = req.Tools.Registry().CharLength()
	}

	charBudget := int(math.Floor(float64(model.ContextWindow)*c.charsPerToken)) - (len(req.System) + toolsLen + budgetSlack)
	window := th.GetMessages(charBudget)

	var state cacheState
	if _, err := th.ProviderData(c.backend.Name(), &state); err != nil {
		c.logger.Warn("ignoring unreadable cache state", "error", err)
	}
	markerID, markerIdx := c.cache.Place(state.CacheMarkerMessageID, window)
	if markerID != state.CacheMarkerMessageID {
		state.CacheMarkerMessageID = markerID
		if err := th.SetProviderData(c.backend.Name(), state); err != nil {
			return Request{}, err
		}
	}

	temperature := DefaultTemperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = DefaultMaxTokens
	}

	return Request{
		Model:       model.Name,
		System:      req.System,
		Messages:    window,
		Tools:       defs,
		Temperature: temperature,
		MaxTokens:   maxTokens,
		CacheIndex:  markerIdx,
	}, nil
}

func (c *Client) resolveModel(name string) Model {
	m, err := c.catalog.Lookup(c.backend.Name(), name)
	if err == nil {
		return m
	}
	c.logger.Warn("model not in catalog, usage will not be priced", "model", name)
	return Model{Name: name, Provider: c.backend.Name(), ContextWindow: fallbackContextWindow}
}

func (c *Client) emitter(e Emitter) func(events.Event) {
	if e == nil {
		return func(events.Event) {}
	}
	return func(ev events.Event) {
		if err := e.Emit(ev); err != nil {
			c.logger.Debug("event not delivered", "type", ev.Type, "error", err)
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
