// ABOUTME: Tests for the buffered usage recorder
// ABOUTME: Covers batch-size flushes, interval flushes, error tolerance and Close

package usage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biznet-io/coday/internal/store"
)

type failingSink struct {
	mu    sync.Mutex
	calls int
}

func (f *failingSink) SaveUsageBatch(context.Context, []*store.UsageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return errors.New("disk full")
}

func (f *failingSink) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func record(threadID string) *store.UsageRecord {
	return &store.UsageRecord{ThreadID: threadID, Username: "alice", Agent: "coday", InputTokens: 10}
}

func TestRecorder_FlushesWhenBatchFills(t *testing.T) {
	sink := store.NewMockStore()
	r := NewRecorder(Config{Sink: sink, FlushInterval: time.Hour, BatchSize: 3})
	defer r.Close(context.Background())

	for range 3 {
		r.Record(record("t1"))
	}

	assert.Eventually(t, func() bool { return sink.UsageCount() == 3 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, r.Pending())
}

func TestRecorder_FlushesOnInterval(t *testing.T) {
	sink := store.NewMockStore()
	r := NewRecorder(Config{Sink: sink, FlushInterval: 20 * time.Millisecond})
	defer r.Close(context.Background())

	r.Record(record("t1"))

	assert.Eventually(t, func() bool { return sink.UsageCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRecorder_AssignsIDAndTimestamp(t *testing.T) {
	sink := store.NewMockStore()
	r := NewRecorder(Config{Sink: sink, FlushInterval: time.Hour})

	r.Record(record("t1"))
	require.NoError(t, r.Close(context.Background()))

	got, err := sink.GetThreadUsage(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.NotEmpty(t, got[0].ID)
	assert.False(t, got[0].CreatedAt.IsZero())
}

func TestRecorder_DropsBatchOnSinkError(t *testing.T) {
	sink := &failingSink{}
	r := NewRecorder(Config{Sink: sink, FlushInterval: time.Hour, BatchSize: 1})

	r.Record(record("t1"))
	assert.Eventually(t, func() bool { return sink.Calls() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, r.Pending(), "failed batch is not retried")

	require.NoError(t, r.Close(context.Background()))
}

func TestRecorder_CloseFlushesAndIsIdempotent(t *testing.T) {
	sink := store.NewMockStore()
	r := NewRecorder(Config{Sink: sink, FlushInterval: time.Hour})

	r.Record(record("t1"))
	r.Record(record("t2"))
	require.NoError(t, r.Close(context.Background()))
	assert.Equal(t, 2, sink.UsageCount())

	require.NoError(t, r.Close(context.Background()))
	r.Record(record("t3"))
	assert.Equal(t, 2, sink.UsageCount(), "records after Close are dropped")
	assert.Zero(t, r.Pending())
}
