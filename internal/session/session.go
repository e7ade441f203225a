// ABOUTME: One logical client session: event channel, live connection, timers and runtime
// ABOUTME: Connections are replaced on reconnect; graceful termination waits out the idle timeout

package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/biznet-io/coday/internal/events"
)

// sendTimeout bounds a single event delivery to a connection.
const sendTimeout = 10 * time.Second

// Connection is the live transport of a session.
type Connection interface {
	Send(ctx context.Context, e events.Event) error
	Close() error
	// Done is closed when the peer goes away.
	Done() <-chan struct{}
}

// Runtime is the agent runtime bound to a session.
type Runtime interface {
	Start(input string) error
	Stop()
	Kill()
	Replay()
}

// Session is the server side of one client id.
type Session struct {
	id       string
	username string
	manager  *Manager
	channel  *events.Channel
	clock    Clock
	logger   *slog.Logger

	// attachMu serializes attach so a stale connection never overrides a
	// newer one. The manager never takes it.
	attachMu sync.Mutex

	mu           sync.Mutex
	conn         Connection
	detach       func()
	lastActivity time.Time
	heartbeat    Timer
	termination  Timer
	runtime      Runtime
	terminated   bool
}

func newSession(m *Manager, id, username string) *Session {
	logger := m.logger.With("client_id", id, "username", username)
	return &Session{
		id:           id,
		username:     username,
		manager:      m,
		channel:      events.NewChannel(logger),
		clock:        m.clock,
		logger:       logger,
		lastActivity: m.clock.Now(),
	}
}

// ID returns the client id.
func (s *Session) ID() string { return s.id }

// Username returns the user the session belongs to.
func (s *Session) Username() string { return s.username }

// Events returns the session's event channel.
func (s *Session) Events() *events.Channel { return s.channel }

// Connected reports whether a live connection is attached.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Terminated reports whether the session was torn down.
func (s *Session) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

// LastActivity returns the time of the last connect, input or delivered
// heartbeat.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Touch records inbound activity.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = s.clock.Now()
	s.mu.Unlock()
}

// IsExpired reports whether the session has been idle for the timeout.
func (s *Session) IsExpired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock.Now().Sub(s.lastActivity) >= s.manager.timeout
}

// Runtime returns the bound runtime, creating it on first use.
func (s *Session) Runtime() (Runtime, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminated {
		return nil, ErrSessionTerminated
	}
	if s.runtime != nil {
		return s.runtime, nil
	}
	rt, err := s.manager.newRuntime(s)
	if err != nil {
		return nil, err
	}
	s.runtime = rt
	s.logger.Debug("runtime created")
	return rt, nil
}

// swap makes conn the live connection and returns the one it replaced with
// its channel detach func. It only touches memory so the manager can call it under its lock; attach
// does the delivery afterwards. It returns false when the session is
// already terminated and must be replaced.
func (s *Session) swap(conn Connection) (old Connection, oldDetach func(), ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminated {
		return nil, nil, false
	}
	old, oldDetach = s.conn, s.detach
	stopTimer(s.termination)
	s.termination = nil
	s.conn = conn
	s.detach = nil
	s.lastActivity = s.clock.Now()
	s.scheduleHeartbeatLocked()
	go s.watch(conn)
	return old, oldDetach, true
}

// attach hooks conn to the event channel. On a reconnect the runtime
// replays what the previous connection saw before the backlog is flushed.
// Must be called without s.mu held.
func (s *Session) attach(conn Connection, reconnected bool) {
	s.attachMu.Lock()
	defer s.attachMu.Unlock()

	if !s.isCurrent(conn) {
		return
	}
	detach := s.channel.AttachPaused(events.SinkFunc(func(e events.Event) error {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		return conn.Send(ctx, e)
	}))

	s.mu.Lock()
	if s.terminated || s.conn != conn {
		s.mu.Unlock()
		detach()
		return
	}
	s.detach = detach
	rt := s.runtime
	s.mu.Unlock()

	if reconnected && rt != nil {
		rt.Replay()
	}
	if err := s.channel.Resume(); err != nil {
		s.logger.Debug("backlog not fully delivered", "error", err)
	}
}

func (s *Session) isCurrent(conn Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.terminated && s.conn == conn
}

// watch turns a dropped connection into a graceful termination unless the
// connection was already replaced.
func (s *Session) watch(conn Connection) {
	<-conn.Done()

	if !s.isCurrent(conn) {
		return
	}
	s.logger.Info("connection lost")
	s.Terminate(false)
}

func (s *Session) scheduleHeartbeatLocked() {
	stopTimer(s.heartbeat)
	s.heartbeat = s.clock.AfterFunc(s.manager.heartbeatInterval, s.beat)
}

func (s *Session) beat() {
	s.mu.Lock()
	if s.terminated || s.conn == nil {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := s.channel.Emit(events.Heartbeat()); err != nil {
		s.logger.Info("heartbeat failed", "error", err)
		s.Terminate(false)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated || s.conn == nil {
		return
	}
	s.lastActivity = s.clock.Now()
	s.scheduleHeartbeatLocked()
}

// Terminate ends the session. Immediate termination tears everything down
// and removes the session from its manager. Otherwise the current run is
// stopped, the connection closed and the session kept until it has been
// idle for the timeout. Both forms are safe to repeat.
func (s *Session) Terminate(immediate bool) {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}

	stopTimer(s.heartbeat)
	s.heartbeat = nil
	conn, detach := s.conn, s.detach
	s.conn, s.detach = nil, nil
	rt := s.runtime

	if immediate {
		s.terminated = true
		stopTimer(s.termination)
		s.termination = nil
		s.runtime = nil
		s.mu.Unlock()

		closeConnection(conn, detach)
		if rt != nil {
			rt.Kill()
		}
		s.channel.Close()
		s.manager.forget(s)
		s.logger.Info("=== SESSION TERMINATED ===")
		return
	}

	stopTimer(s.termination)
	s.termination = s.clock.AfterFunc(s.manager.timeout, s.expire)
	s.mu.Unlock()

	closeConnection(conn, detach)
	if rt != nil {
		rt.Stop()
	}
	s.logger.Info("session detached, awaiting reconnect", "timeout", s.manager.timeout)
}

func (s *Session) expire() {
	if !s.IsExpired() {
		s.logger.Debug("session still active, skipping cleanup")
		return
	}
	s.logger.Info("session expired", "idle", s.clock.Now().Sub(s.LastActivity()))
	s.Terminate(true)
}

func closeConnection(conn Connection, detach func()) {
	if detach != nil {
		detach()
	}
	if conn != nil {
		_ = conn.Close()
	}
}
