package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/rickgao/newmq/internal/broker"
	"github.com/rickgao/newmq/internal/queue"
)

// finalFlushTimeout bounds the last insert made by Stop.
const finalFlushTimeout = 5 * time.Second

// Writer is a broker.EventSink that persists events to broker_events in
// batches. Record never blocks; events that do not fit in the buffer are
// counted and dropped.
type Writer struct {
	cfg    Config
	logger *slog.Logger

	// Input from the broker
	input *queue.Queue[broker.Event]

	// Database
	db DB

	// Batching
	batch       []eventRow
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Metrics
	metrics  Metrics
	recorded atomic.Int64
	dropped  atomic.Int64
}

// NewWriter creates a new Writer.
func NewWriter(cfg Config, db DB, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	initial := cfg.BufferSize
	if initial > 1024 {
		initial = 1024
	}
	return &Writer{
		cfg:    cfg,
		db:     db,
		logger: logger,
		input:  queue.New[broker.Event](initial, cfg.BufferSize),
		batch:  make([]eventRow, 0, cfg.BatchSize),
	}
}

// Record implements broker.EventSink.
func (w *Writer) Record(e broker.Event) {
	if err := w.input.Send(e); err != nil {
		if w.dropped.Add(1) == 1 {
			w.logger.Warn("journal buffer rejected event, dropping", "error", err)
		}
		return
	}
	w.recorded.Add(1)
}

// Start begins consuming events and writing to the database.
func (w *Writer) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	// Consumer goroutine
	w.wg.Add(1)
	go w.consumeLoop()

	// Flush ticker goroutine
	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("journal writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop drains buffered events, writes them and shuts down.
func (w *Writer) Stop(ctx context.Context) error {
	w.logger.Info("stopping journal writer")

	// The consumer exits once the closed input is empty.
	w.input.Close()
	if w.cancel != nil {
		w.cancel()
	}
	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	// Wait for goroutines
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("journal writer stopped")
	case <-ctx.Done():
		w.logger.Warn("journal writer stop timed out")
	}

	// Events the consumer never reached, e.g. after a timed-out wait or
	// when the writer was never started.
	if left := w.input.DrainTo(0); len(left) > 0 {
		w.batchMu.Lock()
		for _, e := range left {
			w.batch = append(w.batch, w.transform(e))
		}
		w.batchMu.Unlock()
	}

	// Final flush runs on its own deadline; ctx may already be done.
	flushCtx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
	defer cancel()
	w.flush(flushCtx)

	return nil
}

// Stats returns current metrics.
func (w *Writer) Stats() Metrics {
	w.batchMu.Lock()
	m := w.metrics
	w.batchMu.Unlock()

	m.Recorded = w.recorded.Load()
	m.Dropped = w.dropped.Load()
	return m
}

// consumeLoop moves events from the input buffer into the batch.
func (w *Writer) consumeLoop() {
	defer w.wg.Done()

	for {
		e, ok := w.input.Receive()
		if !ok {
			return
		}
		w.handleEvent(e)
	}
}

// flushLoop periodically flushes the batch.
func (w *Writer) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flush(w.ctx)
		}
	}
}

// handleEvent transforms and adds an event to the batch. Once shutdown has
// begun, rows wait for the final flush in Stop.
func (w *Writer) handleEvent(e broker.Event) {
	row := w.transform(e)

	w.batchMu.Lock()
	w.batch = append(w.batch, row)
	shouldFlush := len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if shouldFlush && w.ctx.Err() == nil {
		w.flush(w.ctx)
	}
}

// transform converts a broker.Event to an eventRow.
func (w *Writer) transform(e broker.Event) eventRow {
	row := eventRow{
		InstanceID: w.cfg.InstanceID,
		Kind:       string(e.Kind),
		Bytes:      e.Bytes,
		Delivered:  e.Delivered,
		Failed:     e.Failed,
		OccurredAt: e.At.UnixMicro(),
	}
	if e.ConnID != (broker.ConnID{}) {
		row.ConnID = pgtype.UUID{Bytes: e.ConnID, Valid: true}
	}
	if e.Channel != "" {
		row.Channel = pgtype.Text{String: e.Channel, Valid: true}
	}
	return row
}

// flush writes the current batch to the database.
func (w *Writer) flush(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]eventRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	if err := w.batchInsert(ctx, batch); err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch))
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed broker events",
		"count", len(batch),
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch.
func (w *Writer) batchInsert(ctx context.Context, rows []eventRow) error {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertEventSQL,
			r.InstanceID, r.Kind, r.ConnID, r.Channel, r.Bytes, r.Delivered, r.Failed, r.OccurredAt)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}
