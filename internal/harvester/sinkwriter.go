package harvester

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/maltedev/floorsheet-harvester/internal/models"
)

const (
	DefaultSinkRetries         = 3
	DefaultSinkBackoff         = 200 * time.Millisecond
	DefaultSinkOutageThreshold = 5
	DefaultSinkWorkers         = 4
)

// SinkWriterConfig controls retries and concurrency of record writes.
type SinkWriterConfig struct {
	Retries         int
	Backoff         time.Duration
	OutageThreshold int
	// Workers bounds concurrent writes. Values below 2 write synchronously.
	// Append-only sinks are always written synchronously to keep row order.
	Workers int
}

func (c SinkWriterConfig) withDefaults() SinkWriterConfig {
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.Backoff <= 0 {
		c.Backoff = DefaultSinkBackoff
	}
	if c.OutageThreshold < 1 {
		c.OutageThreshold = DefaultSinkOutageThreshold
	}
	return c
}

// SinkStats counts write outcomes.
type SinkStats struct {
	Written        int
	AlreadyPresent int
	Failed         int
}

// SinkWriter writes records to exactly one of an append-only or an
// idempotent sink, with retry and outage detection.
type SinkWriter struct {
	appendSink AppendSink
	upsertSink UpsertSink
	cfg        SinkWriterConfig
	logger     *slog.Logger

	group *errgroup.Group

	mu          sync.Mutex
	consecutive int
	outage      error
	stats       SinkStats
}

func NewSinkWriter(appendSink AppendSink, upsertSink UpsertSink, cfg SinkWriterConfig, logger *slog.Logger) (*SinkWriter, error) {
	if (appendSink == nil) == (upsertSink == nil) {
		return nil, errors.New("exactly one of append sink or upsert sink must be set")
	}
	if logger == nil {
		logger = slog.Default()
	}

	w := &SinkWriter{
		appendSink: appendSink,
		upsertSink: upsertSink,
		cfg:        cfg.withDefaults(),
		logger:     logger.With("component", "sink_writer"),
	}
	if upsertSink != nil && w.cfg.Workers > 1 {
		w.group = new(errgroup.Group)
		w.group.SetLimit(w.cfg.Workers)
	}
	return w, nil
}

// Idempotent reports whether the underlying sink deduplicates by key.
func (w *SinkWriter) Idempotent() bool {
	return w.upsertSink != nil
}

// Submit hands a record to the sink. It returns an error wrapping
// ErrSinkOutage once the outage threshold is reached; individual record
// failures are counted but not returned.
func (w *SinkWriter) Submit(ctx context.Context, rec models.Record) error {
	if err := w.Err(); err != nil {
		return err
	}

	// In-flight writes finish even if the run is cancelled.
	writeCtx := context.WithoutCancel(ctx)

	if w.group == nil {
		w.write(writeCtx, rec)
		return w.Err()
	}

	w.group.Go(func() error {
		w.write(writeCtx, rec)
		return nil
	})
	return nil
}

// Flush waits for outstanding writes and flushes buffering sinks.
func (w *SinkWriter) Flush(ctx context.Context) error {
	if w.group != nil {
		_ = w.group.Wait()
	}

	var flusher Flusher
	if f, ok := w.appendSink.(Flusher); ok {
		flusher = f
	} else if f, ok := w.upsertSink.(Flusher); ok {
		flusher = f
	}
	if flusher != nil {
		if err := flusher.Flush(ctx); err != nil {
			return fmt.Errorf("failed to flush sink: %w", err)
		}
	}
	return w.Err()
}

// Err returns the outage error, if one has been detected.
func (w *SinkWriter) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.outage
}

func (w *SinkWriter) Stats() SinkStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *SinkWriter) write(ctx context.Context, rec models.Record) {
	attempts := 0
	var result UpsertResult

	operation := func() error {
		attempts++
		if w.appendSink != nil {
			return w.appendSink.Write(ctx, rec)
		}
		var err error
		result, err = w.upsertSink.Upsert(ctx, rec.Key, rec)
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.Backoff
	b.MaxInterval = 20 * w.cfg.Backoff
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(w.cfg.Retries)), ctx)

	err := backoff.RetryNotify(operation, policy, func(err error, next time.Duration) {
		w.logger.Warn("Sink write failed, retrying",
			"key", rec.Key,
			"attempt", attempts,
			"retry_in", next,
			"error", err)
	})

	w.mu.Lock()
	defer w.mu.Unlock()

	if err != nil {
		fault := &SinkFault{Key: rec.Key, Attempts: attempts, Err: err}
		w.stats.Failed++
		w.consecutive++
		w.logger.Error("Record dropped by sink", "page", rec.Page, "error", fault)
		if w.consecutive >= w.cfg.OutageThreshold && w.outage == nil {
			w.outage = fmt.Errorf("%w: %d consecutive records failed: %w", ErrSinkOutage, w.consecutive, fault)
		}
		return
	}

	w.consecutive = 0
	if w.upsertSink != nil && result == AlreadyPresent {
		w.stats.AlreadyPresent++
		return
	}
	w.stats.Written++
}
