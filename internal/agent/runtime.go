// ABOUTME: Per-session agent runtime: one run at a time against the active thread
// ABOUTME: Selects the agent, drives the provider client, saves the thread and records usage

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/biznet-io/coday/internal/conversation"
	"github.com/biznet-io/coday/internal/events"
	"github.com/biznet-io/coday/internal/provider"
	"github.com/biznet-io/coday/internal/store"
	"github.com/biznet-io/coday/internal/thread"
	"github.com/biznet-io/coday/internal/tools"
)

// ErrRunActive is returned when input arrives while a run is in progress.
var ErrRunActive = errors.New("a run is already in progress")

// ErrRuntimeKilled is returned after Kill.
var ErrRuntimeKilled = errors.New("runtime killed")

// ErrProviderNotConfigured indicates an agent names an unknown provider.
var ErrProviderNotConfigured = errors.New("provider not configured")

const (
	// DefaultDelegationDepth allows one level of delegation.
	DefaultDelegationDepth = 1
	// DefaultReplayLimit bounds the events resent on reconnect.
	DefaultReplayLimit = 64
	// saveTimeout bounds the detached save after a run.
	saveTimeout = 5 * time.Second
)

// UsageRecorder receives one record per agent run.
type UsageRecorder interface {
	Record(rec *store.UsageRecord)
}

// RuntimeConfig contains configuration options for the Runtime.
type RuntimeConfig struct {
	ClientID        string
	Catalog         *Catalog
	PreferredAgent  string
	Providers       map[string]*provider.Client
	Tools           *tools.Registry
	ToolTimeout     time.Duration
	Conversation    *conversation.Service
	Events          *events.Channel
	Usage           UsageRecorder
	DelegationDepth int
	ReplayLimit     int
	Logger          *slog.Logger
}

// Runtime executes user input for one session.
type Runtime struct {
	clientID        string
	catalog         *Catalog
	selector        *Selector
	providers       map[string]*provider.Client
	tools           *tools.Registry
	toolTimeout     time.Duration
	conv            *conversation.Service
	events          *events.Channel
	usage           UsageRecorder
	delegationDepth int
	replayLimit     int
	logger          *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	killed bool
}

// NewRuntime creates a Runtime.
func NewRuntime(cfg RuntimeConfig) *Runtime {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := cfg.Tools
	if registry == nil {
		registry = tools.NewRegistry(logger)
	}
	depth := cfg.DelegationDepth
	if depth < 0 {
		depth = 0
	}
	replay := cfg.ReplayLimit
	if replay <= 0 {
		replay = DefaultReplayLimit
	}
	return &Runtime{
		clientID:        cfg.ClientID,
		catalog:         cfg.Catalog,
		selector:        NewSelector(cfg.Catalog, cfg.PreferredAgent),
		providers:       cfg.Providers,
		tools:           registry,
		toolTimeout:     cfg.ToolTimeout,
		conv:            cfg.Conversation,
		events:          cfg.Events,
		usage:           cfg.Usage,
		delegationDepth: depth,
		replayLimit:     replay,
		logger:          logger.With("component", "runtime", "client_id", cfg.ClientID),
	}
}

// Conversation returns the session's conversation service.
func (r *Runtime) Conversation() *conversation.Service {
	return r.conv
}

// Run executes input synchronously. It returns ErrRunActive when another
// run is in progress.
func (r *Runtime) Run(ctx context.Context, input string) error {
	ctx, finish, err := r.begin(ctx)
	if err != nil {
		return err
	}
	defer finish()
	return r.execute(ctx, input)
}

// Start executes input in the background. Only the admission error is
// returned; run errors are reported as events.
func (r *Runtime) Start(input string) error {
	ctx, finish, err := r.begin(context.Background())
	if err != nil {
		return err
	}
	go func() {
		defer finish()
		_ = r.execute(ctx, input)
	}()
	return nil
}

// Running reports whether a run is in progress.
func (r *Runtime) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done != nil
}

// Wait blocks until the current run, if any, finishes.
func (r *Runtime) Wait() {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Stop cancels the current run. The run ends at its next check.
func (r *Runtime) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		r.logger.Info("stopping current run")
		cancel()
	}
}

// Kill stops the current run, refuses further runs and closes the event
// channel.
func (r *Runtime) Kill() {
	r.mu.Lock()
	if r.killed {
		r.mu.Unlock()
		return
	}
	r.killed = true
	cancel := r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if r.events != nil {
		r.events.Close()
	}
	r.logger.Info("runtime killed")
}

// Replay resends recent events to the attached connection.
func (r *Runtime) Replay() {
	if r.events == nil {
		return
	}
	n, err := r.events.Replay(r.replayLimit)
	if err != nil {
		r.logger.Debug("replay incomplete", "sent", n, "error", err)
		return
	}
	r.logger.Debug("replayed events", "count", n)
}

// SelectThread activates thread id. It is refused while a run is active.
func (r *Runtime) SelectThread(ctx context.Context, id string) (*thread.Thread, error) {
	if r.Running() {
		return nil, ErrRunActive
	}
	return r.conv.Select(ctx, id)
}

func (r *Runtime) begin(parent context.Context) (context.Context, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.killed {
		return nil, nil, ErrRuntimeKilled
	}
	if r.done != nil {
		return nil, nil, ErrRunActive
	}

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done

	finish := func() {
		cancel()
		r.mu.Lock()
		r.cancel = nil
		r.done = nil
		r.mu.Unlock()
		close(done)
	}
	return ctx, finish, nil
}

// runState collects usage across the top-level run and its delegations.
type runState struct {
	mu    sync.Mutex
	usage []*store.UsageRecord
}

func (s *runState) add(rec *store.UsageRecord) {
	s.mu.Lock()
	s.usage = append(s.usage, rec)
	s.mu.Unlock()
}

func (r *Runtime) execute(ctx context.Context, input string) error {
	th := r.conv.Active()
	if th == nil {
		var err error
		if th, err = r.conv.Select(ctx, ""); err != nil {
			r.emit(events.Error(err.Error()))
			r.emit(events.Done(""))
			return err
		}
	}

	mention, text := parseMention(input)
	def, err := r.selector.Select(mention)
	if err != nil {
		r.emit(events.Error(err.Error()))
		r.emit(events.Done(th.ID))
		return err
	}
	if text == "" {
		r.emit(events.Done(th.ID))
		return nil
	}

	r.logger.Info("=== RUN STARTED ===", "agent", def.Name, "thread_id", th.ID)
	if err := th.Append(thread.NewText(thread.RoleUser, r.conv.Username(), text)); err != nil {
		r.emit(events.Error(err.Error()))
		r.emit(events.Done(th.ID))
		return err
	}

	state := &runState{}
	runErr := r.runAgent(ctx, state, th, def, thread.NewBudget(r.delegationDepth), r.eventEmitter())

	r.save()
	r.recordUsage(state, th.ID)

	switch {
	case runErr == nil:
	case errors.Is(runErr, context.Canceled):
		r.emit(events.Warn("Run stopped"))
	default:
		r.logger.Warn("run failed", "agent", def.Name, "error", runErr)
		r.emit(events.Error(runErr.Error()))
	}
	r.emit(events.Done(th.ID))
	r.logger.Info("=== RUN FINISHED ===", "agent", def.Name, "thread_id", th.ID, "error", runErr)
	return runErr
}

// runAgent runs def against th. Delegations re-enter here with a forked
// thread and a smaller budget.
func (r *Runtime) runAgent(ctx context.Context, state *runState, th *thread.Thread, def *Definition, budget thread.Budget, emit provider.Emitter) error {
	client, ok := r.providers[def.Provider]
	if !ok {
		return fmt.Errorf("%w: %s (agent %s)", ErrProviderNotConfigured, def.Provider, def.Name)
	}

	registry := r.tools.Subset(def.Tools)
	if err := registry.Register(delegatePackID, r.delegateTool(state, th, def, budget, emit)); err != nil {
		r.logger.Warn("delegate tool unavailable", "agent", def.Name, "error", err)
	}
	dispatcher := tools.NewDispatcher(tools.DispatcherConfig{
		Registry: registry,
		Logger:   r.logger,
		Timeout:  r.toolTimeout,
	})

	err := client.Run(ctx, provider.RunRequest{
		Thread:      th,
		Speaker:     def.Name,
		Model:       def.Model,
		System:      def.Instructions,
		Temperature: def.Temperature,
		MaxTokens:   def.MaxTokens,
		Tools:       dispatcher,
		Emitter:     emit,
	})

	u := th.Usage
	if u != (thread.Usage{}) {
		state.add(&store.UsageRecord{
			ClientID:         r.clientID,
			Username:         r.conv.Username(),
			Agent:            def.Name,
			Provider:         client.Name(),
			Model:            def.Model,
			InputTokens:      u.InputTokens,
			OutputTokens:     u.OutputTokens,
			CacheReadTokens:  u.CacheReadTokens,
			CacheWriteTokens: u.CacheWriteTokens,
			Cost:             u.Price,
			CreatedAt:        time.Now(),
		})
	}
	return err
}

// save persists the active thread on a detached context so a stopped run
// still keeps its input.
func (r *Runtime) save() {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := r.conv.Save(ctx, ""); err != nil {
		r.logger.Error("failed to save thread", "error", err)
		r.emit(events.Warn("Conversation could not be saved"))
	}
}

func (r *Runtime) recordUsage(state *runState, threadID string) {
	if r.usage == nil {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	for _, rec := range state.usage {
		rec.ThreadID = threadID
		r.usage.Record(rec)
	}
}

func (r *Runtime) emit(e events.Event) {
	if r.events == nil {
		return
	}
	if err := r.events.Emit(e); err != nil {
		r.logger.Debug("event not delivered", "type", e.Type, "error", err)
	}
}

type emitterFunc func(events.Event) error

func (f emitterFunc) Emit(e events.Event) error { return f(e) }

func (r *Runtime) eventEmitter() provider.Emitter {
	return emitterFunc(func(e events.Event) error {
		if r.events == nil {
			return nil
		}
		return r.events.Emit(e)
	})
}

// parseMention splits a leading "@name" from the input.
func parseMention(input string) (name, text string) {
	text = strings.TrimSpace(input)
	if !strings.HasPrefix(text, "@") {
		return "", text
	}
	rest := text[1:]
	idx := strings.IndexFunc(rest, func(r rune) bool { return r == ' ' || r == '\t' || r == '\n' })
	if idx < 0 {
		return rest, ""
	}
	if idx == 0 {
		return "", text
	}
	return rest[:idx], strings.TrimSpace(rest[idx:])
}
