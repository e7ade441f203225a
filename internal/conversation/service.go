// ABOUTME: Conversation service tracking the active thread of one user session
// ABOUTME: Create/select/save/delete/list over the thread store with ownership checks

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/biznet-io/coday/internal/store"
	"github.com/biznet-io/coday/internal/thread"
)

// ErrThreadNotFound is returned when a thread id does not resolve for the user.
var ErrThreadNotFound = errors.New("thread not found")

// summaryLength bounds the derived listing summary.
const summaryLength = 80

// ThreadStore defines what the service needs from storage
type ThreadStore interface {
	SaveThread(ctx context.Context, th *thread.Thread) error
	GetThread(ctx context.Context, id string) (*thread.Thread, error)
	ListThreads(ctx context.Context, username string) ([]thread.Summary, error)
	DeleteThread(ctx context.Context, id string) error
}

// Service tracks the active thread for one username.
type Service struct {
	store    ThreadStore
	username string
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.RWMutex
	active *thread.Thread
}

// New creates a Service for username.
func New(store ThreadStore, username string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		username: username,
		logger:   logger.With("component", "conversation", "username", username),
		now:      time.Now,
	}
}

// Username returns the owner of the service's threads.
func (s *Service) Username() string {
	return s.username
}

// Active returns the active thread, or nil before the first Create/Select.
func (s *Service) Active() *thread.Thread {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

func (s *Service) setActive(th *thread.Thread) {
	s.mu.Lock()
	s.active = th
	s.mu.Unlock()
}

// Create makes a new unsaved thread active and returns it.
func (s *Service) Create(name string) *thread.Thread {
	th := thread.New(name, s.username)
	s.setActive(th)
	s.logger.Debug("thread created", "name", th.Name)
	return th
}

// Select activates thread id. With an empty id it activates the most
// recently modified thread, or a new one when the user has none.
func (s *Service) Select(ctx context.Context, id string) (*thread.Thread, error) {
	if id == "" {
		summaries, err := s.store.ListThreads(ctx, s.username)
		if err != nil {
			return nil, fmt.Errorf("listing threads: %w", err)
		}
		if len(summaries) == 0 {
			return s.Create(""), nil
		}
		id = mostRecent(summaries).ID
	}

	th, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	s.setActive(th)
	s.logger.Debug("thread selected", "thread_id", th.ID)
	return th, nil
}

// Save persists the active thread. An unsaved thread gets a new id; a
// non-empty newName saves a renamed copy under a new id.
func (s *Service) Save(ctx context.Context, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	th := s.active
	if th == nil {
		return nil
	}

	if newName != "" {
		th.ID = uuid.New().String()
		th.Name = newName
	}
	if th.ID == "" {
		th.ID = uuid.New().String()
	}
	if th.Summary == "" {
		th.Summary = deriveSummary(th)
	}
	th.ModifiedAt = s.now()

	if err := s.store.SaveThread(ctx, th); err != nil {
		return fmt.Errorf("saving thread %s: %w", th.ID, err)
	}
	s.logger.Debug("thread saved", "thread_id", th.ID, "messages", th.Len())
	return nil
}

// Delete removes thread id. Deleting the active thread selects again.
func (s *Service) Delete(ctx context.Context, id string) error {
	if _, err := s.load(ctx, id); err != nil {
		return err
	}
	if err := s.store.DeleteThread(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrThreadNotFound, id)
		}
		return fmt.Errorf("deleting thread %s: %w", id, err)
	}
	s.logger.Info("thread deleted", "thread_id", id)

	if active := s.Active(); active != nil && active.ID == id {
		if _, err := s.Select(ctx, ""); err != nil {
			return err
		}
	}
	return nil
}

// List returns the user's thread summaries, newest first.
func (s *Service) List(ctx context.Context) ([]thread.Summary, error) {
	summaries, err := s.store.ListThreads(ctx, s.username)
	if err != nil {
		return nil, fmt.Errorf("listing threads: %w", err)
	}
	return summaries, nil
}

func (s *Service) load(ctx context.Context, id string) (*thread.Thread, error) {
	th, err := s.store.GetThread(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading thread %s: %w", id, err)
	}
	if th.Username != s.username {
		return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, id)
	}
	return th, nil
}

func mostRecent(summaries []thread.Summary) thread.Summary {
	latest := summaries[0]
	for _, sum := range summaries[1:] {
		if sum.ModifiedAt.After(latest.ModifiedAt) {
			latest = sum
		}
	}
	return latest
}

// deriveSummary uses the first user message, truncated.
func deriveSummary(th *thread.Thread) string {
	for _, m := range th.Messages {
		t, ok := m.(*thread.Text)
		if !ok || t.Role != thread.RoleUser {
			continue
		}
		text := strings.Join(strings.Fields(t.Content), " ")
		if r := []rune(text); len(r) > summaryLength {
			return string(r[:summaryLength]) + "..."
		}
		return text
	}
	return ""
}
