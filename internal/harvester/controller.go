package harvester

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/maltedev/floorsheet-harvester/internal/models"
	"github.com/maltedev/floorsheet-harvester/internal/parser"
)

const (
	DefaultConfigureAttempts = 3
	DefaultFetchTimeout      = 60 * time.Second
	DefaultRetryBackoff      = 2 * time.Second
)

// Config tunes a Controller.
type Config struct {
	Evaluator         EvaluatorConfig
	Sink              SinkWriterConfig
	ConfigureAttempts int
	// FetchTimeout bounds a single source call. Zero disables it.
	FetchTimeout time.Duration
	// RetryBackoff is the delay before the single retry of a failed fetch
	// or advance.
	RetryBackoff time.Duration
}

// Dependencies are the collaborators of a Controller. Exactly one of
// AppendSink and UpsertSink must be set.
type Dependencies struct {
	Source     PageSource
	Normalizer parser.RowNormalizer
	Ledger     Ledger
	Store      CheckpointStore
	AppendSink AppendSink
	UpsertSink UpsertSink
	Pacer      Pacer
	Recorder   Recorder
}

// RunOptions select where a run begins.
type RunOptions struct {
	RunKey string
	// StartPage overrides a stored checkpoint when positive.
	StartPage int
}

// Result is what a finished run reports.
type Result struct {
	Status      RunStatus
	Termination Termination
	Checkpoint  *Checkpoint
	Sink        SinkStats
	Duration    time.Duration
	Err         error
}

// ExitCode maps the result to a process exit status: 0 for a normal
// completion, 2 for a suspected pagination loop and 1 for failures.
func (r Result) ExitCode() int {
	switch r.Status {
	case StatusCompletedNormal:
		return 0
	case StatusCompletedSuspectedLoop:
		return 2
	default:
		return 1
	}
}

// Progress is a point-in-time view of a running controller.
type Progress struct {
	RunKey     string      `json:"run_key"`
	State      string      `json:"state"`
	Checkpoint *Checkpoint `json:"checkpoint,omitempty"`
	LedgerSize int         `json:"ledger_size"`
	Sink       SinkStats   `json:"sink"`
}

// Controller drives a page source through the harvest state machine.
type Controller struct {
	source     PageSource
	normalizer parser.RowNormalizer
	ledger     Ledger
	store      CheckpointStore
	pacer      Pacer
	recorder   Recorder
	sink       *SinkWriter
	evaluator  *Evaluator
	cfg        Config
	logger     *slog.Logger

	mu    sync.RWMutex
	state State
	cp    *Checkpoint
}

func New(deps Dependencies, cfg Config, logger *slog.Logger) (*Controller, error) {
	if deps.Source == nil {
		return nil, errors.New("page source is required")
	}
	if deps.Normalizer == nil {
		return nil, errors.New("normalizer is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if deps.Store == nil {
		return nil, errors.New("checkpoint store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	sink, err := NewSinkWriter(deps.AppendSink, deps.UpsertSink, cfg.Sink, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create sink writer: %w", err)
	}

	if cfg.ConfigureAttempts < 1 {
		cfg.ConfigureAttempts = DefaultConfigureAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}

	c := &Controller{
		source:     deps.Source,
		normalizer: deps.Normalizer,
		ledger:     deps.Ledger,
		store:      deps.Store,
		pacer:      deps.Pacer,
		recorder:   deps.Recorder,
		sink:       sink,
		evaluator:  NewEvaluator(cfg.Evaluator),
		cfg:        cfg,
		logger:     logger.With("component", "controller"),
	}
	if c.pacer == nil {
		c.pacer = noopPacer{}
	}
	if c.recorder == nil {
		c.recorder = noopRecorder{}
	}
	return c, nil
}

// Snapshot returns the current progress. It is safe to call while Run is
// executing.
func (c *Controller) Snapshot() Progress {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p := Progress{
		State:      c.state.String(),
		Checkpoint: c.cp.Clone(),
		LedgerSize: c.ledger.Len(),
		Sink:       c.sink.Stats(),
	}
	if c.cp != nil {
		p.RunKey = c.cp.RunKey
	}
	return p
}

// run carries the per-run working set between states.
type run struct {
	cp       *Checkpoint
	resuming bool
	page     models.RawPage
	next     NextSignal
	records  []models.Record
	dropped  int
	outcome  PageOutcome
	term     Termination
	err      error

	// verifyResume is set until the first page after a resume is fetched.
	verifyResume bool
}

// Run harvests until a termination rule fires, an unrecoverable fault
// occurs or ctx is cancelled.
func (c *Controller) Run(ctx context.Context, opts RunOptions) Result {
	started := time.Now()
	r := &run{}
	state := StateInitializing

	for state != StateTerminated {
		if err := ctx.Err(); err != nil {
			c.logger.Warn("Run cancelled", "state", state.String())
			r.term = stop(StopError, ReasonCancelled)
			r.err = err
			break
		}

		c.setState(state, r.cp)

		switch state {
		case StateInitializing:
			state = c.initialize(ctx, opts, r)
		case StateFetching:
			state = c.fetch(ctx, r)
		case StateNormalizing:
			state = c.normalize(r)
		case StateDedupAndSink:
			state = c.ingest(ctx, r)
		case StateEvaluating:
			state = c.evaluate(r)
		case StateAdvancing:
			state = c.advance(ctx, r)
		}
	}

	return c.finish(ctx, r, time.Since(started))
}

func (c *Controller) initialize(ctx context.Context, opts RunOptions, r *run) State {
	stored, err := c.store.Load(ctx, opts.RunKey)
	if err != nil {
		r.term = stop(StopError, ReasonCheckpointFailure)
		r.err = fmt.Errorf("failed to load checkpoint: %w", err)
		return StateTerminated
	}

	switch {
	case opts.StartPage > 0:
		r.cp = NewCheckpoint(opts.RunKey, opts.StartPage)
		if stored != nil {
			c.logger.Info("Explicit start page overrides stored checkpoint",
				"run_key", opts.RunKey,
				"stored_page", stored.PageIndex,
				"start_page", opts.StartPage)
		}
	case stored != nil && stored.IsFinished():
		c.logger.Info("Stored checkpoint already completed, starting fresh",
			"run_key", opts.RunKey,
			"status", stored.Status)
		r.cp = NewCheckpoint(opts.RunKey, 1)
	case stored != nil:
		r.cp = stored.Clone()
		r.cp.Status = StatusRunning
		r.cp.Reason = ""
		c.logger.Info("Resuming from checkpoint",
			"run_key", opts.RunKey,
			"run_id", r.cp.RunID,
			"page", r.cp.PageIndex,
			"records_ingested", r.cp.RecordsIngested)
	default:
		r.cp = NewCheckpoint(opts.RunKey, 1)
	}
	r.resuming = r.cp.PageIndex > 1
	c.setState(StateInitializing, r.cp)

	c.configure(ctx)

	if r.resuming {
		if !c.driveTo(ctx, r) {
			return StateTerminated
		}
		r.verifyResume = true
	}

	c.logger.Info("Harvest started",
		"run_key", r.cp.RunKey,
		"run_id", r.cp.RunID,
		"page", r.cp.PageIndex,
		"page_size", c.evaluator.Config().PageSize)
	return StateFetching
}

func (c *Controller) configure(ctx context.Context) {
	pageSize := c.evaluator.Config().PageSize

	var lastErr error
	for attempt := 1; attempt <= c.cfg.ConfigureAttempts; attempt++ {
		result, err := c.source.Configure(ctx, pageSize)
		if err == nil && result == ConfigureOK {
			c.logger.Debug("Page size confirmed", "page_size", pageSize, "attempt", attempt)
			return
		}
		lastErr = err
		c.logger.Warn("Page size not confirmed",
			"page_size", pageSize,
			"attempt", attempt,
			"result", result.String(),
			"error", err)
		if ctx.Err() != nil {
			break
		}
	}

	fault := &ConfigurationFault{PageSize: pageSize, Attempts: c.cfg.ConfigureAttempts, Err: lastErr}
	c.logger.Warn("Continuing with source default page size", "error", fault)
}

// driveTo advances the source from page 1 to the checkpointed page.
func (c *Controller) driveTo(ctx context.Context, r *run) bool {
	target := r.cp.PageIndex
	c.logger.Info("Driving source to checkpointed page", "target", target)

	for current := 1; current < target; current++ {
		if err := ctx.Err(); err != nil {
			r.term = stop(StopError, ReasonCancelled)
			r.err = err
			return false
		}

		signal, err := c.source.HasNext(ctx)
		if err != nil {
			c.logger.Warn("Next-page check failed during resume", "page", current, "error", err)
		}
		if signal == NextNo {
			r.term = stop(StopError, ReasonResumeOutOfRange)
			r.err = fmt.Errorf("%w: source ended at page %d, checkpoint is at page %d", ErrResumeOutOfRange, current, target)
			return false
		}

		if err := c.retry(ctx, "advance", current, c.source.Advance); err != nil {
			r.term = stop(StopError, ReasonAdvanceFailed)
			r.err = err
			return false
		}

		if err := c.pacer.Wait(ctx); err != nil {
			r.term = stop(StopError, ReasonCancelled)
			r.err = err
			return false
		}
	}
	return true
}

func (c *Controller) fetch(ctx context.Context, r *run) State {
	index := r.cp.PageIndex

	err := c.retry(ctx, "fetch", index, func(ctx context.Context) error {
		page, err := c.source.FetchPage(ctx, index)
		if err != nil {
			return err
		}
		r.page = page
		return nil
	})
	if err != nil {
		r.term = c.faultTermination(ctx, ReasonFetchFailed)
		r.err = err
		return StateTerminated
	}
	r.page.Index = index
	if fb, ok := c.pacer.(PaceFeedback); ok {
		fb.RecordSuccess()
	}

	// Sources that cannot signal the end are driven past it blindly; an
	// empty page at the resumed index means the checkpoint is out of range.
	if r.verifyResume {
		r.verifyResume = false
		if r.page.Len() == 0 {
			r.term = stop(StopError, ReasonResumeOutOfRange)
			r.err = fmt.Errorf("%w: page %d is empty", ErrResumeOutOfRange, index)
			return StateTerminated
		}
	}

	signal, err := c.source.HasNext(ctx)
	if err != nil {
		c.logger.Warn("Next-page check failed", "page", index, "error", err)
		signal = NextUnknown
	}
	r.next = signal

	r.cp.PagesFetched++
	c.recorder.PageFetched(ctx, r.page.Len())
	c.logger.Debug("Page fetched", "page", index, "rows", r.page.Len(), "next", signal.String())
	return StateNormalizing
}

func (c *Controller) normalize(r *run) State {
	r.records = r.records[:0]
	r.dropped = 0

	for i, row := range r.page.Rows {
		rec, err := c.normalizer.Normalize(row)
		if err != nil {
			r.dropped++
			c.logger.Warn("Dropping invalid row", "page", r.page.Index, "row", i+1, "error", err)
			continue
		}
		rec.Page = r.page.Index
		r.records = append(r.records, rec)
	}
	return StateDedupAndSink
}

func (c *Controller) ingest(ctx context.Context, r *run) State {
	keys := make([]string, 0, len(r.records))
	seenBefore := make(map[string]bool, len(r.records))
	overlapCount := 0
	for _, rec := range r.records {
		if _, ok := seenBefore[rec.Key]; !ok {
			seenBefore[rec.Key] = c.ledger.Contains(rec.Key)
			keys = append(keys, rec.Key)
		}
		if seenBefore[rec.Key] {
			overlapCount++
		}
	}
	ratio := c.ledger.OverlapRatio(keys)

	ingested, suppressed := 0, 0
	for _, rec := range r.records {
		known := c.ledger.Contains(rec.Key)
		c.ledger.Add(rec.Key, rec.Page)
		if !known {
			ingested++
		}

		if known && !c.sink.Idempotent() {
			suppressed++
			continue
		}

		if err := c.sink.Submit(ctx, rec); err != nil {
			r.term = stop(StopError, ReasonSinkOutage)
			r.err = err
			return StateTerminated
		}
	}

	r.cp.RecordsIngested += ingested
	r.cp.DuplicatesSuppressed += suppressed
	r.cp.RowsDropped += r.dropped
	c.recorder.RecordsIngested(ctx, ingested)
	c.recorder.DuplicatesSuppressed(ctx, suppressed)
	c.recorder.RowsDropped(ctx, r.dropped)

	r.outcome = PageOutcome{
		Page:         r.page.Index,
		RowCount:     r.page.Len(),
		Normalized:   len(r.records),
		Dropped:      r.dropped,
		OverlapCount: overlapCount,
		OverlapRatio: ratio,
		Next:         r.next,
	}
	if len(r.records) > 0 {
		r.outcome.FirstKey = r.records[0].Key
	}

	c.logger.Info("Page ingested",
		"page", r.page.Index,
		"rows", r.outcome.RowCount,
		"new", ingested,
		"overlap", ratio,
		"dropped", r.dropped,
		"total", r.cp.RecordsIngested)
	return StateEvaluating
}

func (c *Controller) evaluate(r *run) State {
	decision := c.evaluator.Evaluate(r.outcome, r.cp.StagnantPages)
	if decision.Stagnant {
		r.cp.StagnantPages++
		c.logger.Warn("Page repeats already ingested records",
			"page", r.outcome.Page,
			"overlap", r.outcome.OverlapRatio,
			"stagnant_pages", r.cp.StagnantPages)
	} else {
		r.cp.StagnantPages = 0
	}

	if decision.Stopped() {
		r.term = decision.Termination
		if decision.Kind == StopSuspectedLoop {
			r.err = fmt.Errorf("%w: page %d repeated %d times", ErrSuspectedLoop, r.outcome.Page, r.cp.StagnantPages)
		}
		return StateTerminated
	}
	return StateAdvancing
}

func (c *Controller) advance(ctx context.Context, r *run) State {
	index := r.cp.PageIndex

	if err := c.retry(ctx, "advance", index, c.source.Advance); err != nil {
		r.term = c.faultTermination(ctx, ReasonAdvanceFailed)
		r.err = err
		return StateTerminated
	}

	if err := c.pacer.Wait(ctx); err != nil {
		r.term = stop(StopError, ReasonCancelled)
		r.err = err
		return StateTerminated
	}

	if err := c.sink.Flush(ctx); err != nil {
		if errors.Is(err, ErrSinkOutage) {
			r.term = stop(StopError, ReasonSinkOutage)
			r.err = err
			return StateTerminated
		}
		c.logger.Warn("Sink flush failed", "page", index, "error", err)
	}
	c.flushLedger(ctx)

	r.cp.PageIndex = index + 1
	c.saveCheckpoint(ctx, r.cp)
	c.setState(StateAdvancing, r.cp)
	return StateFetching
}

func (c *Controller) finish(ctx context.Context, r *run, elapsed time.Duration) Result {
	// Drain and persist even when ctx is cancelled.
	drainCtx := context.WithoutCancel(ctx)

	if err := c.sink.Flush(drainCtx); err != nil {
		c.logger.Error("Sink flush failed", "error", err)
		if errors.Is(err, ErrSinkOutage) && r.term.Kind != StopError {
			r.term = stop(StopError, ReasonSinkOutage)
			r.err = err
		}
	}
	c.flushLedger(drainCtx)

	status := StatusFailed
	switch r.term.Kind {
	case StopNormal:
		status = StatusCompletedNormal
	case StopSuspectedLoop:
		status = StatusCompletedSuspectedLoop
	}

	stats := c.sink.Stats()
	if r.cp != nil {
		r.cp.Status = status
		r.cp.Reason = string(r.term.Reason)
		r.cp.SinkFailures = stats.Failed
		c.saveCheckpoint(drainCtx, r.cp)
	}
	c.setState(StateTerminated, r.cp)
	c.recorder.RunFinished(drainCtx, status, r.term.Reason)

	result := Result{
		Status:      status,
		Termination: r.term,
		Checkpoint:  r.cp.Clone(),
		Sink:        stats,
		Duration:    elapsed,
		Err:         r.err,
	}

	attrs := []any{
		"status", status,
		"termination", r.term.String(),
		"duration", elapsed,
		"sink_written", stats.Written,
		"sink_failed", stats.Failed,
	}
	if r.cp != nil {
		attrs = append(attrs,
			"run_key", r.cp.RunKey,
			"pages", r.cp.PagesFetched,
			"records", r.cp.RecordsIngested,
			"dropped", r.cp.RowsDropped)
	}
	switch status {
	case StatusCompletedNormal:
		c.logger.Info("Harvest completed", attrs...)
	case StatusCompletedSuspectedLoop:
		c.logger.Warn("Harvest stopped on suspected pagination loop", attrs...)
	default:
		c.logger.Error("Harvest failed", append(attrs, "error", r.err)...)
	}
	return result
}

// retry runs op once more after a backoff delay if it fails.
func (c *Controller) retry(ctx context.Context, op string, page int, fn func(context.Context) error) error {
	attempts := 0
	operation := func() error {
		attempts++
		callCtx := ctx
		if c.cfg.FetchTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, c.cfg.FetchTimeout)
			defer cancel()
		}
		return fn(callCtx)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryBackoff
	policy := backoff.WithContext(backoff.WithMaxRetries(b, 1), ctx)

	err := backoff.RetryNotify(operation, policy, func(err error, next time.Duration) {
		c.recorder.Retried(ctx, op)
		if fb, ok := c.pacer.(PaceFeedback); ok {
			fb.RecordError()
		}
		c.logger.Warn("Source call failed, retrying",
			"op", op,
			"page", page,
			"retry_in", next,
			"error", err)
	})
	if err != nil {
		return &FetchFault{Op: op, Page: page, Attempts: attempts, Err: err}
	}
	return nil
}

func (c *Controller) faultTermination(ctx context.Context, reason Reason) Termination {
	if ctx.Err() != nil {
		return stop(StopError, ReasonCancelled)
	}
	return stop(StopError, reason)
}

func (c *Controller) saveCheckpoint(ctx context.Context, cp *Checkpoint) {
	cp.UpdatedAt = time.Now().UTC()
	if err := c.store.Save(ctx, cp); err != nil {
		c.logger.Warn("Failed to persist checkpoint", "run_key", cp.RunKey, "page", cp.PageIndex, "error", err)
	}
}

func (c *Controller) flushLedger(ctx context.Context) {
	f, ok := c.ledger.(Flusher)
	if !ok {
		return
	}
	if err := f.Flush(ctx); err != nil {
		c.logger.Warn("Failed to persist ledger", "error", err)
	}
}

func (c *Controller) setState(state State, cp *Checkpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
	c.cp = cp.Clone()
}
