// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/biznet-io/coday/internal/thread"
)

// MockStore is an in-memory Store implementation for testing.
// Threads are held encoded so callers never share state with the store.
type MockStore struct {
	mu      sync.RWMutex
	threads map[string][]byte       // keyed by thread ID
	usage   map[string]*UsageRecord // keyed by usage ID
	order   []string                // usage IDs in insertion order

	// SaveErr, when set, is returned by SaveThread and the usage writes.
	SaveErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		threads: make(map[string][]byte),
		usage:   make(map[string]*UsageRecord),
	}
}

// SaveThread stores a copy of the thread.
func (m *MockStore) SaveThread(ctx context.Context, th *thread.Thread) error {
	if th.ID == "" {
		return ErrMissingID
	}
	data, err := json.Marshal(th)
	if err != nil {
		return fmt.Errorf("encoding thread: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.threads[th.ID] = data
	return nil
}

// GetThread retrieves a copy of a thread by ID.
func (m *MockStore) GetThread(ctx context.Context, id string) (*thread.Thread, error) {
	m.mu.RLock()
	data, ok := m.threads[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	var th thread.Thread
	if err := json.Unmarshal(data, &th); err != nil {
		return nil, fmt.Errorf("decoding thread %s: %w", id, err)
	}
	return &th, nil
}

// ListThreads returns the user's thread summaries, newest first.
func (m *MockStore) ListThreads(ctx context.Context, username string) ([]thread.Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []thread.Summary
	for id, data := range m.threads {
		var th thread.Thread
		if err := json.Unmarshal(data, &th); err != nil {
			return nil, fmt.Errorf("decoding thread %s: %w", id, err)
		}
		if th.Username != username {
			continue
		}
		out = append(out, th.Summarize())
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].ModifiedAt.After(out[j].ModifiedAt)
	})
	return out, nil
}

// DeleteThread removes a thread.
func (m *MockStore) DeleteThread(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.threads[id]; !ok {
		return ErrNotFound
	}
	delete(m.threads, id)
	return nil
}

// SaveUsage stores a usage record.
func (m *MockStore) SaveUsage(ctx context.Context, usage *UsageRecord) error {
	return m.SaveUsageBatch(ctx, []*UsageRecord{usage})
}

// SaveUsageBatch stores several usage records.
func (m *MockStore) SaveUsageBatch(ctx context.Context, usage []*UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	for _, u := range usage {
		cp := *u
		if _, exists := m.usage[cp.ID]; !exists {
			m.order = append(m.order, cp.ID)
		}
		m.usage[cp.ID] = &cp
	}
	return nil
}

// GetThreadUsage returns the thread's usage records in insertion order.
func (m *MockStore) GetThreadUsage(ctx context.Context, threadID string) ([]*UsageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*UsageRecord
	for _, id := range m.order {
		if u := m.usage[id]; u.ThreadID == threadID {
			cp := *u
			out = append(out, &cp)
		}
	}
	return out, nil
}

// GetUsageStats aggregates the records matching filter.
func (m *MockStore) GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats UsageStats
	for _, u := range m.usage {
		if !matchesUsage(u, filter) {
			continue
		}
		stats.TotalInput += int64(u.InputTokens)
		stats.TotalOutput += int64(u.OutputTokens)
		stats.TotalCacheRead += int64(u.CacheReadTokens)
		stats.TotalCacheWrite += int64(u.CacheWriteTokens)
		stats.TotalCost += u.Cost
		stats.RequestCount++
	}
	return &stats, nil
}

// UsageCount returns the number of stored usage records.
func (m *MockStore) UsageCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.usage)
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

var _ Store = (*MockStore)(nil)
