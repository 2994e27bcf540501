package harvester

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/floorsheet-harvester/internal/ledger"
	"github.com/maltedev/floorsheet-harvester/internal/models"
	"github.com/maltedev/floorsheet-harvester/internal/parser"
)

func testConfig() Config {
	return Config{
		Evaluator:    EvaluatorConfig{PageSize: 500, OverlapThreshold: 0.9, RepeatLimit: 2},
		Sink:         SinkWriterConfig{Retries: 1, Backoff: time.Millisecond, OutageThreshold: 3},
		RetryBackoff: time.Millisecond,
	}
}

type harness struct {
	source *fakeSource
	store  *memoryStore
	ledger *ledger.Memory
	sink   *appendRecorder
	deps   Dependencies
}

func newHarness(source *fakeSource) *harness {
	h := &harness{
		source: source,
		store:  newMemoryStore(),
		ledger: ledger.NewMemory(),
		sink:   &appendRecorder{},
	}
	h.deps = Dependencies{
		Source:     source,
		Normalizer: parser.NewNormalizer(nil),
		Ledger:     h.ledger,
		Store:      h.store,
		AppendSink: h.sink,
	}
	return h
}

func (h *harness) run(t *testing.T, ctx context.Context, opts RunOptions) Result {
	t.Helper()
	c, err := New(h.deps, testConfig(), nil)
	require.NoError(t, err)
	return c.Run(ctx, opts)
}

func TestNew_Validation(t *testing.T) {
	h := newHarness(newFakeSource())

	deps := h.deps
	deps.Source = nil
	_, err := New(deps, testConfig(), nil)
	assert.Error(t, err)

	deps = h.deps
	deps.UpsertSink = newUpsertRecorder()
	_, err = New(deps, testConfig(), nil)
	assert.Error(t, err)
}

func TestController_StopsOnShortPage(t *testing.T) {
	h := newHarness(newFakeSource(makeRows(0, 500), makeRows(500, 500), makeRows(1000, 137)))

	result := h.run(t, context.Background(), RunOptions{RunKey: "2026-10-17"})

	require.NoError(t, result.Err)
	assert.Equal(t, StatusCompletedNormal, result.Status)
	assert.Equal(t, Termination{Kind: StopNormal, Reason: ReasonShortPage}, result.Termination)
	assert.Equal(t, 0, result.ExitCode())

	assert.Equal(t, 1137, h.sink.Len())
	assert.Equal(t, 1137, h.ledger.Len())
	assert.Equal(t, 1137, result.Checkpoint.RecordsIngested)
	assert.Equal(t, 3, result.Checkpoint.PagesFetched)
	assert.Equal(t, 3, result.Checkpoint.PageIndex)
	assert.Equal(t, 3, h.source.fetches)
	assert.Equal(t, 2, h.source.advances)

	stored, err := h.store.Load(context.Background(), "2026-10-17")
	require.NoError(t, err)
	assert.Equal(t, StatusCompletedNormal, stored.Status)
	assert.Equal(t, string(ReasonShortPage), stored.Reason)
}

func TestController_StopsOnExplicitEnd(t *testing.T) {
	source := newFakeSource(makeRows(0, 500), makeRows(500, 500))
	source.signals = true
	h := newHarness(source)

	result := h.run(t, context.Background(), RunOptions{RunKey: "run"})

	assert.Equal(t, Termination{Kind: StopNormal, Reason: ReasonExplicitEnd}, result.Termination)
	assert.Equal(t, 1000, h.sink.Len())
	assert.Equal(t, 1, source.advances)
}

func TestController_StopsOnEmptyPage(t *testing.T) {
	h := newHarness(newFakeSource(makeRows(0, 500), makeRows(500, 500)))

	result := h.run(t, context.Background(), RunOptions{RunKey: "run"})

	assert.Equal(t, Termination{Kind: StopNormal, Reason: ReasonEmptyPage}, result.Termination)
	assert.Equal(t, 1000, h.sink.Len())
	assert.Equal(t, 3, result.Checkpoint.PagesFetched)
}

func TestController_StuckPager(t *testing.T) {
	source := newFakeSource(makeRows(0, 500), makeRows(500, 500), makeRows(1000, 500))
	source.stuckAt = 1
	h := newHarness(source)

	result := h.run(t, context.Background(), RunOptions{RunKey: "run"})

	assert.Equal(t, StatusCompletedSuspectedLoop, result.Status)
	assert.Equal(t, Termination{Kind: StopSuspectedLoop, Reason: ReasonPagerStuck}, result.Termination)
	assert.ErrorIs(t, result.Err, ErrSuspectedLoop)
	assert.Equal(t, 2, result.ExitCode())

	assert.Equal(t, 500, h.sink.Len())
	assert.Equal(t, 500, result.Checkpoint.RecordsIngested)
	assert.Equal(t, 1000, result.Checkpoint.DuplicatesSuppressed)
	assert.Equal(t, 3, result.Checkpoint.PagesFetched)
}

func TestController_SuppressesDuplicatesForAppendSink(t *testing.T) {
	h := newHarness(newFakeSource(makeRows(0, 500), makeRows(400, 500), makeRows(900, 10)))

	result := h.run(t, context.Background(), RunOptions{RunKey: "run"})

	assert.Equal(t, StatusCompletedNormal, result.Status)
	assert.Equal(t, 910, h.sink.Len())
	assert.Equal(t, 910, result.Checkpoint.RecordsIngested)
	assert.Equal(t, 100, result.Checkpoint.DuplicatesSuppressed)

	seen := map[string]bool{}
	for _, rec := range h.sink.records {
		assert.False(t, seen[rec.Key], "duplicate key %s written", rec.Key)
		seen[rec.Key] = true
	}
}

func TestController_IdempotentSinkReceivesDuplicates(t *testing.T) {
	h := newHarness(newFakeSource(makeRows(0, 500), makeRows(400, 500), makeRows(900, 10)))
	upserts := newUpsertRecorder()
	h.deps.AppendSink = nil
	h.deps.UpsertSink = upserts

	result := h.run(t, context.Background(), RunOptions{RunKey: "run"})

	assert.Equal(t, StatusCompletedNormal, result.Status)
	assert.Equal(t, 910, upserts.Len())
	assert.Equal(t, 910, result.Sink.Written)
	assert.Equal(t, 100, result.Sink.AlreadyPresent)
	assert.Equal(t, 0, result.Checkpoint.DuplicatesSuppressed)
}

func TestController_DropsInvalidRows(t *testing.T) {
	first := makeRows(0, 500)
	first[10] = models.RawRow{"11", "broken"}
	first[20][models.ColQuantity] = "n/a"
	h := newHarness(newFakeSource(first, makeRows(500, 3)))

	result := h.run(t, context.Background(), RunOptions{RunKey: "run"})

	assert.Equal(t, StatusCompletedNormal, result.Status)
	assert.Equal(t, 2, result.Checkpoint.RowsDropped)
	assert.Equal(t, 501, h.sink.Len())
}

func TestController_RetriesFetchOnce(t *testing.T) {
	source := newFakeSource(makeRows(0, 500), makeRows(500, 20))
	source.fetchErrs[2] = 1
	h := newHarness(source)

	result := h.run(t, context.Background(), RunOptions{RunKey: "run"})

	require.NoError(t, result.Err)
	assert.Equal(t, StatusCompletedNormal, result.Status)
	assert.Equal(t, 520, h.sink.Len())
	assert.Equal(t, 3, source.fetches)
}

func TestController_FetchFailure(t *testing.T) {
	source := newFakeSource(makeRows(0, 500), makeRows(500, 500))
	source.fetchErrs[2] = 2
	h := newHarness(source)

	result := h.run(t, context.Background(), RunOptions{RunKey: "run"})

	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, Termination{Kind: StopError, Reason: ReasonFetchFailed}, result.Termination)
	assert.Equal(t, 1, result.ExitCode())

	var fault *FetchFault
	require.ErrorAs(t, result.Err, &fault)
	assert.Equal(t, "fetch", fault.Op)
	assert.Equal(t, 2, fault.Page)
	assert.Equal(t, 2, fault.Attempts)

	// Page 1 was committed before the failure.
	stored, err := h.store.Load(context.Background(), "run")
	require.NoError(t, err)
	assert.Equal(t, 2, stored.PageIndex)
	assert.Equal(t, 500, stored.RecordsIngested)
	assert.Equal(t, StatusFailed, stored.Status)
}

func TestController_AdvanceFailure(t *testing.T) {
	source := newFakeSource(makeRows(0, 500), makeRows(500, 500))
	source.advErrs[1] = 2
	h := newHarness(source)

	result := h.run(t, context.Background(), RunOptions{RunKey: "run"})

	assert.Equal(t, Termination{Kind: StopError, Reason: ReasonAdvanceFailed}, result.Termination)
	assert.Equal(t, 500, h.sink.Len())
}

func TestController_ResumesFromCheckpoint(t *testing.T) {
	source := newFakeSource(makeRows(0, 500), makeRows(500, 500), makeRows(1000, 137))
	h := newHarness(source)

	cp := NewCheckpoint("run", 3)
	cp.RecordsIngested = 1000
	require.NoError(t, h.store.Save(context.Background(), cp))

	result := h.run(t, context.Background(), RunOptions{RunKey: "run"})

	require.NoError(t, result.Err)
	assert.Equal(t, StatusCompletedNormal, result.Status)
	assert.Equal(t, cp.RunID, result.Checkpoint.RunID)
	assert.Equal(t, 1137, result.Checkpoint.RecordsIngested)
	assert.Equal(t, 137, h.sink.Len())
	assert.Equal(t, 1, source.fetches)
	assert.Equal(t, 2, source.advances)
}

func TestController_ResumeAfterInterruptionIsSuperset(t *testing.T) {
	pages := [][]models.RawRow{makeRows(0, 500), makeRows(500, 500), makeRows(1000, 137)}
	store := newMemoryStore()
	upserts := newUpsertRecorder()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := newHarness(newFakeSource(pages...))
	first.deps.Store = store
	first.deps.AppendSink = nil
	first.deps.UpsertSink = upserts
	first.deps.Pacer = &cancellingPacer{n: 2, cancel: cancel}

	interrupted := first.run(t, ctx, RunOptions{RunKey: "run"})
	assert.Equal(t, Termination{Kind: StopError, Reason: ReasonCancelled}, interrupted.Termination)
	assert.Equal(t, 1000, upserts.Len())

	second := newHarness(newFakeSource(pages...))
	second.deps.Store = store
	second.deps.AppendSink = nil
	second.deps.UpsertSink = upserts

	resumed := second.run(t, context.Background(), RunOptions{RunKey: "run"})
	require.NoError(t, resumed.Err)
	assert.Equal(t, StatusCompletedNormal, resumed.Status)
	assert.Equal(t, interrupted.Checkpoint.RunID, resumed.Checkpoint.RunID)
	assert.Equal(t, 1137, upserts.Len())
}

func TestController_ResumeOutOfRange(t *testing.T) {
	source := newFakeSource(makeRows(0, 500), makeRows(500, 500))
	source.signals = true
	h := newHarness(source)
	require.NoError(t, h.store.Save(context.Background(), NewCheckpoint("run", 5)))

	result := h.run(t, context.Background(), RunOptions{RunKey: "run"})

	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, Termination{Kind: StopError, Reason: ReasonResumeOutOfRange}, result.Termination)
	assert.ErrorIs(t, result.Err, ErrResumeOutOfRange)
	assert.Equal(t, 0, h.sink.Len())
}

func TestController_ResumeOutOfRangeWithoutSignals(t *testing.T) {
	source := newFakeSource(makeRows(0, 500), makeRows(500, 500))
	h := newHarness(source)
	require.NoError(t, h.store.Save(context.Background(), NewCheckpoint("run", 5)))

	result := h.run(t, context.Background(), RunOptions{RunKey: "run"})

	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, Termination{Kind: StopError, Reason: ReasonResumeOutOfRange}, result.Termination)
	assert.ErrorIs(t, result.Err, ErrResumeOutOfRange)
	assert.Equal(t, 1, result.ExitCode())
	assert.Equal(t, 0, h.sink.Len())
	assert.Equal(t, 4, source.advances)
}

func TestController_ShortFirstPageContinues(t *testing.T) {
	source := newFakeSource(makeRows(0, 200), makeRows(200, 200))
	h := newHarness(source)

	result := h.run(t, context.Background(), RunOptions{RunKey: "run"})

	require.NoError(t, result.Err)
	assert.Equal(t, Termination{Kind: StopNormal, Reason: ReasonShortPage}, result.Termination)
	assert.Equal(t, 400, result.Checkpoint.RecordsIngested)
	assert.Equal(t, 2, result.Checkpoint.PagesFetched)
	assert.Equal(t, 400, h.sink.Len())
}

func TestController_StagnationResetsOnFreshPage(t *testing.T) {
	source := newFakeSource(makeRows(0, 500), makeRows(0, 500), makeRows(500, 500), makeRows(1000, 10))
	h := newHarness(source)

	result := h.run(t, context.Background(), RunOptions{RunKey: "run"})

	require.NoError(t, result.Err)
	assert.Equal(t, StatusCompletedNormal, result.Status)
	assert.Equal(t, Termination{Kind: StopNormal, Reason: ReasonShortPage}, result.Termination)
	assert.Equal(t, 1010, result.Checkpoint.RecordsIngested)
	assert.Equal(t, 500, result.Checkpoint.DuplicatesSuppressed)
	assert.Equal(t, 0, result.Checkpoint.StagnantPages)
	assert.Equal(t, 4, result.Checkpoint.PagesFetched)
	assert.Equal(t, 1010, h.sink.Len())
}

func TestController_CompletedCheckpointStartsFresh(t *testing.T) {
	h := newHarness(newFakeSource(makeRows(0, 12)))

	done := NewCheckpoint("run", 7)
	done.Status = StatusCompletedNormal
	require.NoError(t, h.store.Save(context.Background(), done))

	result := h.run(t, context.Background(), RunOptions{RunKey: "run"})

	assert.Equal(t, StatusCompletedNormal, result.Status)
	assert.Equal(t, Termination{Kind: StopNormal, Reason: ReasonEmptyPage}, result.Termination)
	assert.NotEqual(t, done.RunID, result.Checkpoint.RunID)
	assert.Equal(t, 12, h.sink.Len())
}

func TestController_ExplicitStartPage(t *testing.T) {
	source := newFakeSource(makeRows(0, 500), makeRows(500, 500), makeRows(1000, 5))
	h := newHarness(source)

	result := h.run(t, context.Background(), RunOptions{RunKey: "run", StartPage: 2})

	assert.Equal(t, StatusCompletedNormal, result.Status)
	assert.Equal(t, 505, h.sink.Len())
	assert.Equal(t, 2, source.fetches)
}

func TestController_CancelledBeforeStart(t *testing.T) {
	h := newHarness(newFakeSource(makeRows(0, 500)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := h.run(t, ctx, RunOptions{RunKey: "run"})

	assert.Equal(t, Termination{Kind: StopError, Reason: ReasonCancelled}, result.Termination)
	assert.ErrorIs(t, result.Err, context.Canceled)
	assert.Equal(t, 0, h.source.fetches)
}

func TestController_SinkOutage(t *testing.T) {
	h := newHarness(newFakeSource(makeRows(0, 500), makeRows(500, 500)))
	h.sink.err = assert.AnError

	result := h.run(t, context.Background(), RunOptions{RunKey: "run"})

	assert.Equal(t, Termination{Kind: StopError, Reason: ReasonSinkOutage}, result.Termination)
	assert.ErrorIs(t, result.Err, ErrSinkOutage)
	assert.Equal(t, 3, result.Sink.Failed)
	assert.Equal(t, 3, result.Checkpoint.SinkFailures)
}

func TestController_DegradedConfigurationContinues(t *testing.T) {
	source := newFakeSource(makeRows(0, 50))
	source.configure = ConfigureDegraded
	h := newHarness(source)

	result := h.run(t, context.Background(), RunOptions{RunKey: "run"})

	assert.Equal(t, StatusCompletedNormal, result.Status)
	assert.Equal(t, Termination{Kind: StopNormal, Reason: ReasonEmptyPage}, result.Termination)
	assert.Equal(t, 50, h.sink.Len())
}

func TestController_Snapshot(t *testing.T) {
	h := newHarness(newFakeSource(makeRows(0, 30)))
	c, err := New(h.deps, testConfig(), nil)
	require.NoError(t, err)

	before := c.Snapshot()
	assert.Equal(t, "initializing", before.State)
	assert.Nil(t, before.Checkpoint)

	c.Run(context.Background(), RunOptions{RunKey: "run"})

	after := c.Snapshot()
	assert.Equal(t, "terminated", after.State)
	assert.Equal(t, "run", after.RunKey)
	assert.Equal(t, 30, after.LedgerSize)
	require.NotNil(t, after.Checkpoint)
	assert.Equal(t, StatusCompletedNormal, after.Checkpoint.Status)
}
