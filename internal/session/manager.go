// ABOUTME: Session manager keyed by client id: get-or-create, reconnect, sweep and shutdown
// ABOUTME: Sessions live in memory only; expired ones are terminated by timer or sweep

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultHeartbeatInterval is the period of heartbeat events.
	DefaultHeartbeatInterval = 10 * time.Second
	// DefaultTimeout is how long a detached session is kept.
	DefaultTimeout = time.Hour
	// DefaultSweepInterval is the period of the expiry sweep.
	DefaultSweepInterval = time.Minute
)

// ErrSessionTerminated is returned for operations on a torn-down session.
var ErrSessionTerminated = errors.New("session terminated")

// ErrSessionOwned is returned when a client id is reused by another user.
var ErrSessionOwned = errors.New("session belongs to another user")

// ErrNoRuntime is returned when the manager has no runtime factory.
var ErrNoRuntime = errors.New("no runtime factory configured")

// RuntimeFactory builds the runtime of a session. It is called with the
// session lock held and must not call back into the session except for
// ID, Username and Events.
type RuntimeFactory func(s *Session) (Runtime, error)

// Config contains configuration options for the Manager.
type Config struct {
	HeartbeatInterval time.Duration
	Timeout           time.Duration
	SweepInterval     time.Duration
	Clock             Clock
	NewRuntime        RuntimeFactory
	Logger            *slog.Logger
}

// Manager owns every session of the process.
type Manager struct {
	heartbeatInterval time.Duration
	timeout           time.Duration
	sweepInterval     time.Duration
	clock             Clock
	factory           RuntimeFactory
	logger            *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a Manager. Zero-valued options take their defaults.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		heartbeatInterval: cfg.HeartbeatInterval,
		timeout:           cfg.Timeout,
		sweepInterval:     cfg.SweepInterval,
		clock:             cfg.Clock,
		factory:           cfg.NewRuntime,
		logger:            cfg.Logger,
		sessions:          make(map[string]*Session),
	}
	if m.heartbeatInterval <= 0 {
		m.heartbeatInterval = DefaultHeartbeatInterval
	}
	if m.timeout <= 0 {
		m.timeout = DefaultTimeout
	}
	if m.sweepInterval <= 0 {
		m.sweepInterval = DefaultSweepInterval
	}
	if m.clock == nil {
		m.clock = RealClock()
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "sessions")
	return m
}

// GetOrCreate attaches conn to the session of clientID. An existing session
// is reconnected: its connection is replaced, any pending termination is
// cancelled and its runtime replays recent events. created reports whether
// a new session was made. Event delivery to conn happens after the manager
// lock is released, so a slow client only delays its own session.
func (m *Manager) GetOrCreate(clientID, username string, conn Connection) (s *Session, created bool, err error) {
	s, created, old, oldDetach, err := m.bind(clientID, username, conn)
	if err != nil {
		return nil, false, err
	}

	if old != conn {
		closeConnection(old, oldDetach)
	}
	if !created {
		s.logger.Info("=== SESSION RECONNECTED ===")
	}
	s.attach(conn, !created)
	return s, created, nil
}

// bind registers conn as the connection of clientID's session without any
// I/O and returns the connection it replaced.
func (m *Manager) bind(clientID, username string, conn Connection) (s *Session, created bool, old Connection, oldDetach func(), err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sessions[clientID]; ok {
		if existing.username != username {
			return nil, false, nil, nil, fmt.Errorf("%w: %s", ErrSessionOwned, clientID)
		}
		if old, oldDetach, ok := existing.swap(conn); ok {
			return existing, false, old, oldDetach, nil
		}
		delete(m.sessions, clientID)
	}

	s = newSession(m, clientID, username)
	s.swap(conn)
	m.sessions[clientID] = s

	m.logger.Info("=== SESSION CREATED ===",
		"client_id", clientID,
		"username", username,
		"total_sessions", len(m.sessions),
	)
	return s, true, nil, nil, nil
}

// Get returns the session of clientID.
func (m *Manager) Get(clientID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[clientID]
	return s, ok
}

// Remove terminates the session of clientID immediately.
func (m *Manager) Remove(clientID string) bool {
	s, ok := m.Get(clientID)
	if !ok {
		return false
	}
	s.Terminate(true)
	return true
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sweep terminates every expired session and returns how many it removed.
func (m *Manager) Sweep() int {
	m.mu.RLock()
	var expired []*Session
	for _, s := range m.sessions {
		if s.IsExpired() {
			expired = append(expired, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range expired {
		s.Terminate(true)
	}
	if len(expired) > 0 {
		m.logger.Info("swept expired sessions", "count", len(expired), "remaining", m.Len())
	}
	return len(expired)
}

// Start runs Sweep periodically until ctx is done.
func (m *Manager) Start(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Close terminates every session immediately.
func (m *Manager) Close() {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	for _, s := range all {
		s.Terminate(true)
	}
	m.logger.Info("session manager closed", "terminated", len(all))
}

func (m *Manager) newRuntime(s *Session) (Runtime, error) {
	if m.factory == nil {
		return nil, ErrNoRuntime
	}
	return m.factory(s)
}

// forget drops s if it is still the registered session for its id.
func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.id] == s {
		delete(m.sessions, s.id)
	}
}
