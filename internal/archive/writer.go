package archive

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/tickcast/internal/config"
)

// Writer drains the queue and writes batches to the configured store. One
// writer per subscriber; batches flush on size or on the flush interval,
// whichever comes first.
type Writer struct {
	cfg    config.ArchiveConfig
	logger *slog.Logger

	queue *Queue
	store Store

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Metrics
	mu      sync.Mutex
	metrics WriterMetrics
}

// WriterMetrics counts writer activity.
type WriterMetrics struct {
	Inserts int64
	Flushes int64
	Errors  int64
}

// NewWriter wires a writer to its queue and store.
func NewWriter(cfg config.ArchiveConfig, queue *Queue, store Store, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		cfg:    cfg,
		logger: logger,
		queue:  queue,
		store:  store,
	}
}

// Start opens the store and begins consuming the queue.
func (w *Writer) Start(ctx context.Context) error {
	if err := w.store.Init(ctx); err != nil {
		return err
	}

	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.consumeLoop()

	w.logger.Info("archive writer started",
		"backend", w.cfg.Backend,
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop drains what is left, flushes it and closes the store.
func (w *Writer) Stop(ctx context.Context) error {
	w.logger.Info("stopping archive writer")

	w.queue.Close()
	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("archive writer stop timed out")
	}

	// Final drain of whatever the consumer goroutine left behind.
	if rows := w.queue.TryDrain(0); len(rows) > 0 {
		w.flush(context.Background(), rows)
	}

	err := w.store.Close()
	w.logger.Info("archive writer stopped")
	return err
}

// Stats returns current metrics.
func (w *Writer) Stats() WriterMetrics {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.metrics
}

// consumeLoop batches rows from the queue. The flush timer bounds how stale
// a small batch may get.
func (w *Writer) consumeLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]Row, 0, w.cfg.BatchSize)
	for {
		select {
		case <-w.ctx.Done():
			if len(batch) > 0 {
				w.flush(context.Background(), batch)
			}
			return
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(w.ctx, batch)
				batch = batch[:0]
			}
		default:
			rows := w.queue.TryDrain(w.cfg.BatchSize - len(batch))
			if len(rows) == 0 {
				select {
				case <-w.ctx.Done():
					if len(batch) > 0 {
						w.flush(context.Background(), batch)
					}
					return
				case <-time.After(10 * time.Millisecond):
				}
				continue
			}
			batch = append(batch, rows...)
			if len(batch) >= w.cfg.BatchSize {
				w.flush(w.ctx, batch)
				batch = batch[:0]
			}
		}
	}
}

// flush writes one batch, counting rather than propagating failures: the
// archive is best-effort.
func (w *Writer) flush(ctx context.Context, rows []Row) {
	start := time.Now()
	if err := w.store.WriteBatch(ctx, rows); err != nil {
		w.mu.Lock()
		w.metrics.Errors++
		w.mu.Unlock()
		w.logger.Error("archive batch failed", "error", err, "count", len(rows))
		return
	}

	w.mu.Lock()
	w.metrics.Inserts += int64(len(rows))
	w.metrics.Flushes++
	w.mu.Unlock()

	w.logger.Debug("archived batch", "count", len(rows), "duration", time.Since(start))
}
