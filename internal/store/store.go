// ABOUTME: Store interfaces and record types for coday persistence
// ABOUTME: Threads are stored whole as JSON; usage records feed cost reporting

package store

import (
	"context"
	"errors"
	"time"

	"github.com/biznet-io/coday/internal/thread"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrMissingID is returned when saving a thread that has no id
var ErrMissingID = errors.New("thread id is required")

// timeFormat sorts lexically in chronological order (fixed width, UTC).
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// ThreadStore persists conversation threads.
type ThreadStore interface {
	// SaveThread inserts or replaces the thread with th.ID.
	SaveThread(ctx context.Context, th *thread.Thread) error
	GetThread(ctx context.Context, id string) (*thread.Thread, error)
	// ListThreads returns the user's threads, most recently modified first.
	ListThreads(ctx context.Context, username string) ([]thread.Summary, error)
	DeleteThread(ctx context.Context, id string) error
}

// UsageRecord is the cost of one agent run.
type UsageRecord struct {
	ID               string
	ClientID         string
	ThreadID         string
	Username         string
	Agent            string
	Provider         string
	Model            string
	InputTokens      int
	OutputTokens     int
	CacheReadTokens  int
	CacheWriteTokens int
	Cost             float64
	CreatedAt        time.Time
}

// UsageFilter narrows usage queries. Nil fields are ignored.
type UsageFilter struct {
	Username *string
	Agent    *string
	Since    *time.Time
	Until    *time.Time
}

// UsageStats aggregates usage records.
type UsageStats struct {
	TotalInput      int64
	TotalOutput     int64
	TotalCacheRead  int64
	TotalCacheWrite int64
	TotalCost       float64
	RequestCount    int64
}

// UsageStore persists usage records.
type UsageStore interface {
	SaveUsage(ctx context.Context, usage *UsageRecord) error
	SaveUsageBatch(ctx context.Context, usage []*UsageRecord) error
	// GetThreadUsage returns the thread's records, oldest first.
	GetThreadUsage(ctx context.Context, threadID string) ([]*UsageRecord, error)
	GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error)
}

// Store is the full persistence surface.
type Store interface {
	ThreadStore
	UsageStore
	Close() error
}

func matchesUsage(u *UsageRecord, f UsageFilter) bool {
	if f.Username != nil && u.Username != *f.Username {
		return false
	}
	if f.Agent != nil && u.Agent != *f.Agent {
		return false
	}
	if f.Since != nil && u.CreatedAt.Before(*f.Since) {
		return false
	}
	if f.Until != nil && !u.CreatedAt.Before(*f.Until) {
		return false
	}
	return true
}
