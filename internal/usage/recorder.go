// ABOUTME: Buffered usage recorder that batches per-run usage records to the store
// ABOUTME: Flushes on an interval or when the batch fills; write errors are logged and dropped

package usage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/biznet-io/coday/internal/store"
)

const (
	// DefaultFlushInterval is how often buffered records are written.
	DefaultFlushInterval = 5 * time.Second
	// DefaultBatchSize triggers an early flush.
	DefaultBatchSize = 100
)

// Sink receives flushed batches.
type Sink interface {
	SaveUsageBatch(ctx context.Context, usage []*store.UsageRecord) error
}

// Config contains configuration options for the Recorder.
type Config struct {
	Sink          Sink
	FlushInterval time.Duration
	BatchSize     int
	Logger        *slog.Logger
}

// Recorder buffers usage records and writes them in batches.
type Recorder struct {
	sink      Sink
	interval  time.Duration
	batchSize int
	logger    *slog.Logger

	mu      sync.Mutex
	pending []*store.UsageRecord
	closed  bool

	kick chan struct{}
	stop chan struct{}
	done chan struct{}
}

// NewRecorder creates a Recorder and starts its flush loop.
func NewRecorder(cfg Config) *Recorder {
	r := &Recorder{
		sink:      cfg.Sink,
		interval:  cfg.FlushInterval,
		batchSize: cfg.BatchSize,
		logger:    cfg.Logger,
		kick:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	if r.interval <= 0 {
		r.interval = DefaultFlushInterval
	}
	if r.batchSize <= 0 {
		r.batchSize = DefaultBatchSize
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "usage")

	go r.loop()
	return r
}

// Record queues rec. It never blocks on the sink and never fails; records
// arriving after Close are dropped.
func (r *Recorder) Record(rec *store.UsageRecord) {
	if rec == nil {
		return
	}
	cp := *rec
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.logger.Debug("recorder closed, dropping usage", "thread_id", cp.ThreadID)
		return
	}
	r.pending = append(r.pending, &cp)
	full := len(r.pending) >= r.batchSize
	r.mu.Unlock()

	if full {
		select {
		case r.kick <- struct{}{}:
		default:
		}
	}
}

// Pending returns the number of buffered records.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Recorder) loop() {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
		case <-r.kick:
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.interval)
		r.flush(ctx)
		cancel()
	}
}

func (r *Recorder) flush(ctx context.Context) {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()

	if len(batch) == 0 || r.sink == nil {
		return
	}
	if err := r.sink.SaveUsageBatch(ctx, batch); err != nil {
		r.logger.Warn("dropping usage batch", "count", len(batch), "error", err)
		return
	}
	r.logger.Debug("flushed usage", "count", len(batch))
}

// Close stops the flush loop and writes whatever is still buffered.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	close(r.stop)
	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	r.flush(ctx)
	return nil
}
