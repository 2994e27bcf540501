package commands

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/floorsheet-harvester/internal/config"
	"github.com/maltedev/floorsheet-harvester/internal/harvester"
	"github.com/maltedev/floorsheet-harvester/internal/models"
	"github.com/maltedev/floorsheet-harvester/internal/sink"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	c, err := config.Load()
	require.NoError(t, err)
	dir := t.TempDir()
	c.Sink.Dir = dir
	c.Checkpoint.Dir = filepath.Join(dir, "checkpoints")
	c.Checkpoint.SQLitePath = filepath.Join(dir, "checkpoints.db")
	return c
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDefaultRunKey(t *testing.T) {
	day := time.Date(2026, 10, 17, 15, 4, 0, 0, time.UTC)
	assert.Equal(t, "floorsheet-2026-10-17", defaultRunKey(day))
}

func TestApplyRunFlags(t *testing.T) {
	c := testConfig(t)
	runFlags.startPage = 4
	runFlags.sink = "memory"
	runFlags.checkpoint = "sqlite"
	t.Cleanup(func() {
		runFlags.startPage = 0
		runFlags.sink = ""
		runFlags.checkpoint = ""
	})

	applyRunFlags(c)

	assert.Equal(t, 4, c.Harvest.StartPage)
	assert.Equal(t, "memory", c.Sink.Kind)
	assert.Equal(t, "sqlite", c.Checkpoint.Kind)
	assert.Equal(t, "browser", c.Source.Kind)
}

func TestControllerConfig(t *testing.T) {
	c := testConfig(t)
	c.Harvest.OverlapThreshold = 0.8
	c.Sink.Workers = 3

	hc := controllerConfig(c)
	assert.Equal(t, 500, hc.Evaluator.PageSize)
	assert.Equal(t, 0.8, hc.Evaluator.OverlapThreshold)
	assert.Equal(t, 2, hc.Evaluator.RepeatLimit)
	assert.Equal(t, 3, hc.Sink.Workers)
	assert.Equal(t, c.Harvest.FetchTimeout, hc.FetchTimeout)
}

func TestApp_CheckpointStores(t *testing.T) {
	for _, kind := range []string{"file", "sqlite"} {
		t.Run(kind, func(t *testing.T) {
			c := testConfig(t)
			c.Checkpoint.Kind = kind
			a := newApp(c, discardLogger())
			defer a.Close()

			store, err := a.checkpointStore(context.Background())
			require.NoError(t, err)

			cp := harvester.NewCheckpoint("run", 0)
			cp.PageIndex = 7
			require.NoError(t, store.Save(context.Background(), cp))

			got, err := store.Load(context.Background(), "run")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, 7, got.PageIndex)
		})
	}
}

func TestApp_CSVSinkReadsExistingOutput(t *testing.T) {
	c := testConfig(t)
	a := newApp(c, discardLogger())
	defer a.Close()

	normalizer, err := a.normalizer()
	require.NoError(t, err)

	now := time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC)
	path := sink.DailyPath(c.Sink.Dir, now)

	prior, err := sink.OpenCSV(path, discardLogger())
	require.NoError(t, err)
	rec, err := normalizer.Normalize(models.RawRow{"1", "2026101701000001", "NABIL", "21", "42", "100", "500.00", "50000.00"})
	require.NoError(t, err)
	require.NoError(t, prior.Write(context.Background(), rec))
	require.NoError(t, prior.Close())

	sinks, err := a.sinks(context.Background(), "run", normalizer, now)
	require.NoError(t, err)
	require.NotNil(t, sinks.appendSink)
	assert.Nil(t, sinks.upsertSink)
	assert.Equal(t, path, sinks.csvPath)
	require.Len(t, sinks.existing, 1)
	assert.Equal(t, rec.Key, sinks.existing[0].Key)

	l, err := a.runLedger(context.Background(), "run", true, sinks)
	require.NoError(t, err)
	assert.True(t, l.Contains(rec.Key))

	fresh, err := a.runLedger(context.Background(), "run", false, sinks)
	require.NoError(t, err)
	assert.Equal(t, 0, fresh.Len())
}

func TestApp_ResumedLedgerSeedsFromStoredKeys(t *testing.T) {
	a := newApp(testConfig(t), discardLogger())
	defer a.Close()

	sinks := &runSinks{
		upsertSink: sink.NewMemory(),
		storedKeys: func(context.Context) (map[string]int, error) {
			return map[string]int{"k1": 1, "k2": 1, "k3": 2}, nil
		},
	}

	l, err := a.runLedger(context.Background(), "run", true, sinks)
	require.NoError(t, err)
	assert.Equal(t, 3, l.Len())
	assert.True(t, l.Contains("k3"))

	sinks.storedKeys = func(context.Context) (map[string]int, error) {
		return nil, errors.New("connection refused")
	}
	_, err = a.runLedger(context.Background(), "run", true, sinks)
	assert.Error(t, err)
}

func TestApp_ResumedLedgerWithoutStoredKeys(t *testing.T) {
	a := newApp(testConfig(t), discardLogger())
	defer a.Close()

	l, err := a.runLedger(context.Background(), "run", true, &runSinks{upsertSink: sink.NewMemory()})
	require.NoError(t, err)
	assert.Equal(t, 0, l.Len())
}

func TestApp_MemorySink(t *testing.T) {
	c := testConfig(t)
	c.Sink.Kind = "memory"
	a := newApp(c, discardLogger())
	defer a.Close()

	sinks, err := a.sinks(context.Background(), "run", nil, time.Now())
	require.NoError(t, err)
	assert.NotNil(t, sinks.upsertSink)
	assert.NotNil(t, sinks.memory)
	assert.Nil(t, sinks.appendSink)
	assert.Nil(t, sinks.storedKeys)
}

func TestApp_CloseRunsInReverse(t *testing.T) {
	a := newApp(testConfig(t), discardLogger())
	var order []int
	a.onClose(func() error { order = append(order, 1); return nil })
	a.onClose(func() error { order = append(order, 2); return errors.New("ignored") })
	a.onClose(func() error { order = append(order, 3); return nil })

	a.Close()
	assert.Equal(t, []int{3, 2, 1}, order)
}

func TestRenderResult(t *testing.T) {
	cp := harvester.NewCheckpoint("floorsheet-2026-10-17", 0)
	cp.PagesFetched = 3
	cp.RecordsIngested = 1137
	cp.Status = harvester.StatusCompletedNormal

	var buf bytes.Buffer
	renderResult(&buf, harvester.Result{
		Status:      harvester.StatusCompletedNormal,
		Termination: harvester.Termination{Kind: harvester.StopNormal, Reason: harvester.ReasonShortPage},
		Checkpoint:  cp,
		Sink:        harvester.SinkStats{Written: 1137},
		Duration:    90 * time.Second,
	})

	out := buf.String()
	assert.Contains(t, out, "floorsheet-2026-10-17")
	assert.Contains(t, out, "STOP_NORMAL(short_page)")
	assert.Contains(t, out, "1137")
	assert.Contains(t, out, "completed-normal")
}

func TestRenderCheckpoint(t *testing.T) {
	cp := harvester.NewCheckpoint("run", 0)
	cp.Status = harvester.StatusFailed
	cp.Reason = string(harvester.ReasonFetchFailed)

	var buf bytes.Buffer
	renderCheckpoint(&buf, cp)
	assert.Contains(t, buf.String(), "fetch_failed")
	assert.Contains(t, buf.String(), cp.RunID.String())
}
