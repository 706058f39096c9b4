package logs

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/narvanalabs/botrunner/internal/models"
)

const (
	DefaultFlushInterval = 500 * time.Millisecond
	DefaultBatchSize     = 200
)

// Sink stores log lines durably.
type Sink interface {
	Append(ctx context.Context, key models.DeploymentKey, lines []models.LogLine) error
	Clear(ctx context.Context, key models.DeploymentKey) error
}

type pendingBatch struct {
	clear bool
	lines []models.LogLine
}

// Batcher buffers journal events and writes them to a Sink on an interval or
// once enough lines are queued. A clear is applied before any line queued
// after it.
type Batcher struct {
	mu        sync.Mutex
	pending   map[models.DeploymentKey]*pendingBatch
	queued    int
	flushMu   sync.Mutex
	sink      Sink
	interval  time.Duration
	batchSize int
	logger    *slog.Logger

	kick      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	running   atomic.Bool
}

// NewBatcher creates a batcher writing to sink.
func NewBatcher(sink Sink, interval time.Duration, batchSize int, logger *slog.Logger) *Batcher {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Batcher{
		pending:   make(map[models.DeploymentKey]*pendingBatch),
		sink:      sink,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger,
		kick:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Observe queues a journal event. It satisfies Observer.
func (b *Batcher) Observe(ev Event) {
	b.mu.Lock()
	p := b.pending[ev.Key]
	if p == nil {
		p = &pendingBatch{}
		b.pending[ev.Key] = p
	}

	switch ev.Kind {
	case EventLine:
		p.lines = append(p.lines, ev.Line)
		b.queued++
	case EventClear:
		b.queued -= len(p.lines)
		p.lines = nil
		p.clear = true
	default:
		// QR output is ephemeral and never persisted.
	}
	full := b.queued >= b.batchSize
	b.mu.Unlock()

	if full {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
}

// Forget drops anything queued for a deployment that is being deleted.
func (b *Batcher) Forget(key models.DeploymentKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.pending[key]; ok {
		b.queued -= len(p.lines)
		delete(b.pending, key)
	}
}

// Start runs the flush loop until Shutdown.
func (b *Batcher) Start() {
	b.startOnce.Do(func() {
		b.running.Store(true)
		go b.run()
	})
}

func (b *Batcher) run() {
	defer close(b.done)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.Flush(context.Background())
		case <-b.kick:
			b.Flush(context.Background())
		case <-b.stop:
			b.Flush(context.Background())
			return
		}
	}
}

// Flush writes everything queued so far.
func (b *Batcher) Flush(ctx context.Context) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	batches := b.pending
	b.pending = make(map[models.DeploymentKey]*pendingBatch)
	b.queued = 0
	b.mu.Unlock()

	for key, p := range batches {
		if p.clear {
			if err := b.sink.Clear(ctx, key); err != nil {
				b.logger.Error("failed to clear persisted logs",
					"server_id", key.ServerID,
					"deployment_id", key.DeploymentID,
					"error", err,
				)
			}
		}
		if len(p.lines) == 0 {
			continue
		}
		if err := b.sink.Append(ctx, key, p.lines); err != nil {
			b.logger.Error("failed to persist log lines",
				"server_id", key.ServerID,
				"deployment_id", key.DeploymentID,
				"lines", len(p.lines),
				"error", err,
			)
		}
	}
}

// Name returns the component name.
func (b *Batcher) Name() string {
	return "log-batcher"
}

// Shutdown stops the loop after a final flush.
func (b *Batcher) Shutdown(ctx context.Context) error {
	b.stopOnce.Do(func() { close(b.stop) })

	if !b.running.Load() {
		b.Flush(ctx)
		return nil
	}

	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
