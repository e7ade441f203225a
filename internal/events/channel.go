// ABOUTME: Single-consumer event channel with atomic sink hand-off on reconnect
// ABOUTME: Backlogs events while detached and keeps a ring of recent events for replay

package events

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultBacklogSize bounds events held while no sink is attached.
	DefaultBacklogSize = 64
	// DefaultRecentSize bounds the replay ring.
	DefaultRecentSize = 64
)

// ErrClosed is returned by Emit after Close.
var ErrClosed = errors.New("event channel closed")

// Sink receives events. Deliver is called with the channel lock held and
// must not call back into the channel.
type Sink interface {
	Deliver(Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event) error

// Deliver calls f.
func (f SinkFunc) Deliver(e Event) error { return f(e) }

// Channel delivers events to at most one current sink.
type Channel struct {
	mu      sync.Mutex
	sink    Sink
	sinkGen uint64
	backlog []Event
	recent  []Event
	closed  bool
	// paused holds emits in the backlog until Resume, so a reconnect can
	// replay and flush before live events flow.
	paused bool

	backlogSize int
	recentSize  int
	logger      *slog.Logger
}

// NewChannel creates a channel with default sizes. Pass nil logger for default.
func NewChannel(logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		backlogSize: DefaultBacklogSize,
		recentSize:  DefaultRecentSize,
		logger:      logger.With("component", "events"),
	}
}

// Attach makes s the current sink, replacing any previous one, and flushes
// the backlog to it. The returned detach func only detaches s if it is
// still current, so a stale connection cannot unhook its replacement.
func (c *Channel) Attach(s Sink) (detach func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return func() {}
	}
	detach = c.swapLocked(s)
	if err := c.flushLocked(); err != nil {
		c.logger.Debug("backlog flush interrupted", "error", err, "remaining", len(c.backlog))
	}
	return detach
}

// AttachPaused makes s the current sink without delivering anything. Emits
// are backlogged until Resume; Replay still reaches s and only covers
// events delivered before the swap.
func (c *Channel) AttachPaused(s Sink) (detach func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return func() {}
	}
	detach = c.swapLocked(s)
	c.paused = true
	return detach
}

// Resume flushes the backlog to the current sink and lets emits through
// again. A failed delivery keeps the undelivered tail backlogged.
func (c *Channel) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.paused = false
	if c.closed || c.sink == nil {
		return nil
	}
	return c.flushLocked()
}

func (c *Channel) swapLocked(s Sink) func() {
	c.sinkGen++
	gen := c.sinkGen
	c.sink = s
	c.paused = false

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.sinkGen == gen {
			c.sink = nil
			c.paused = false
		}
	}
}

// Attached reports whether a sink is currently attached.
func (c *Channel) Attached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sink != nil
}

// Emit delivers e to the current sink. With no sink attached the event is
// backlogged. A delivery failure backlogs the event too and is returned so
// the caller can treat it as a lost connection.
func (c *Channel) Emit(e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	if c.sink == nil || c.paused {
		c.pushBacklogLocked(e)
		return nil
	}

	if err := c.sink.Deliver(e); err != nil {
		c.pushBacklogLocked(e)
		return fmt.Errorf("deliver %s event: %w", e.Type, err)
	}
	c.rememberLocked(e)
	return nil
}

// Replay resends up to limit recent events to the current sink. Events are
// not recorded again. Returns the number of events delivered.
func (c *Channel) Replay(limit int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.sink == nil {
		return 0, nil
	}

	events := c.recent
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	for i, e := range events {
		if err := c.sink.Deliver(e); err != nil {
			return i, fmt.Errorf("replay: %w", err)
		}
	}
	return len(events), nil
}

// Recent returns a copy of up to n recently delivered events, oldest first.
func (c *Channel) Recent(n int) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	events := c.recent
	if n > 0 && len(events) > n {
		events = events[len(events)-n:]
	}
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

// Close detaches the sink and drops any buffered events. Idempotent.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.sink = nil
	c.paused = false
	c.backlog = nil
	c.recent = nil
	c.logger.Debug("event channel closed")
}

func (c *Channel) flushLocked() error {
	pending := c.backlog
	c.backlog = nil
	for i, e := range pending {
		if err := c.sink.Deliver(e); err != nil {
			c.backlog = append(c.backlog, pending[i:]...)
			return fmt.Errorf("flush backlog: %w", err)
		}
		c.rememberLocked(e)
	}
	return nil
}

func (c *Channel) pushBacklogLocked(e Event) {
	if e.Type == TypeHeartbeat {
		return
	}
	if len(c.backlog) >= c.backlogSize {
		c.backlog = c.backlog[1:]
	}
	c.backlog = append(c.backlog, e)
}

func (c *Channel) rememberLocked(e Event) {
	if e.Type == TypeHeartbeat {
		return
	}
	if len(c.recent) >= c.recentSize {
		c.recent = c.recent[1:]
	}
	c.recent = append(c.recent, e)
}
