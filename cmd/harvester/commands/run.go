package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/maltedev/floorsheet-harvester/internal/api"
	"github.com/maltedev/floorsheet-harvester/internal/config"
	"github.com/maltedev/floorsheet-harvester/internal/database"
	"github.com/maltedev/floorsheet-harvester/internal/events"
	"github.com/maltedev/floorsheet-harvester/internal/harvester"
	"github.com/maltedev/floorsheet-harvester/internal/ratelimit"
	"github.com/maltedev/floorsheet-harvester/internal/sink"
	"github.com/maltedev/floorsheet-harvester/internal/telemetry"
)

var runFlags struct {
	startPage  int
	runKey     string
	sink       string
	checkpoint string
	source     string
	ledger     string
}

func init() {
	f := runCmd.Flags()
	f.IntVar(&runFlags.startPage, "start-page", 0, "Page to start from, overriding a stored checkpoint when positive.")
	f.StringVar(&runFlags.runKey, "run-key", "", "Checkpoint key of the run. Defaults to floorsheet-<date>.")
	f.StringVar(&runFlags.sink, "sink", "", "Record sink: csv, postgres or memory.")
	f.StringVar(&runFlags.checkpoint, "checkpoint", "", "Checkpoint store: file, sqlite or postgres.")
	f.StringVar(&runFlags.source, "source", "", "Page source: browser or http.")
	f.StringVar(&runFlags.ledger, "ledger", "", "Ledger: memory or redis.")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run [--start-page N] [--run-key KEY] [--sink csv|postgres|memory]",
	Short: "Harvests the floor sheet until the last page, resuming an interrupted run.",
	RunE: func(cmd *cobra.Command, args []string) error {
		applyRunFlags(cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}

		result, err := harvest(cmd.Context(), cfg, time.Now())
		if err != nil {
			return err
		}

		renderResult(os.Stdout, result)
		exitCode = result.ExitCode()
		return nil
	},
}

func applyRunFlags(c *config.Config) {
	if runFlags.startPage > 0 {
		c.Harvest.StartPage = runFlags.startPage
	}
	if runFlags.runKey != "" {
		c.Harvest.RunKey = runFlags.runKey
	}
	if runFlags.sink != "" {
		c.Sink.Kind = runFlags.sink
	}
	if runFlags.checkpoint != "" {
		c.Checkpoint.Kind = runFlags.checkpoint
	}
	if runFlags.source != "" {
		c.Source.Kind = runFlags.source
	}
	if runFlags.ledger != "" {
		c.Ledger.Kind = runFlags.ledger
	}
}

// defaultRunKey names one run per trading day.
func defaultRunKey(now time.Time) string {
	return "floorsheet-" + now.Format("2006-01-02")
}

func harvest(ctx context.Context, cfg *config.Config, now time.Time) (harvester.Result, error) {
	a := newApp(cfg, log)
	defer a.Close()

	runKey := cfg.Harvest.RunKey
	if runKey == "" {
		runKey = defaultRunKey(now)
	}

	provider, shutdown, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:  cfg.Telemetry.ServiceName,
		Endpoint:     cfg.Telemetry.Endpoint,
		ExportPeriod: cfg.Telemetry.ExportPeriod,
	})
	if err != nil {
		return harvester.Result{}, err
	}
	a.onClose(func() error { return shutdown(context.Background()) })

	metrics, err := telemetry.NewMetrics(provider)
	if err != nil {
		return harvester.Result{}, err
	}

	normalizer, err := a.normalizer()
	if err != nil {
		return harvester.Result{}, err
	}

	store, err := a.checkpointStore(ctx)
	if err != nil {
		return harvester.Result{}, err
	}

	stored, err := store.Load(ctx, runKey)
	if err != nil {
		return harvester.Result{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	resuming := cfg.Harvest.StartPage == 0 && stored != nil && !stored.IsFinished()

	sinks, err := a.sinks(ctx, runKey, normalizer, now)
	if err != nil {
		return harvester.Result{}, err
	}
	if sinks.appendSink != nil && !resuming && len(sinks.existing) > 0 {
		log.Info("Skipping records already in output", "path", sinks.csvPath, "records", len(sinks.existing))
		sinks.appendSink = sink.NewSkipKnown(sinks.appendSink, sinks.existing)
	}

	l, err := a.runLedger(ctx, runKey, resuming, sinks)
	if err != nil {
		return harvester.Result{}, err
	}

	src, err := a.pageSource()
	if err != nil {
		return harvester.Result{}, err
	}

	controller, err := harvester.New(harvester.Dependencies{
		Source:     src,
		Normalizer: normalizer,
		Ledger:     l,
		Store:      store,
		AppendSink: sinks.appendSink,
		UpsertSink: sinks.upsertSink,
		Pacer:      ratelimit.NewAdaptivePacer(cfg.Harvest.PaceMin, cfg.Harvest.PaceMax),
		Recorder:   metrics,
	}, controllerConfig(cfg), log)
	if err != nil {
		return harvester.Result{}, err
	}

	var result harvester.Result
	g, gctx := errgroup.WithContext(ctx)
	statusCtx, stopStatus := context.WithCancel(gctx)

	if cfg.Status.Addr != "" {
		handlers := api.NewHandlers(controller, store, log)
		server := api.NewServer(cfg.Status.Addr, api.NewRouter(handlers, cfg.Status.AllowedOrigins), log)
		g.Go(func() error {
			return server.Run(statusCtx)
		})
	}

	g.Go(func() error {
		defer stopStatus()
		result = controller.Run(ctx, harvester.RunOptions{
			RunKey:    runKey,
			StartPage: cfg.Harvest.StartPage,
		})
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Warn("Status server stopped", "error", err)
	}

	if sinks.memory != nil {
		log.Info("Dry run finished", "records", sinks.memory.Len(), "symbols", len(sinks.memory.SymbolCounts()))
	}
	if sinks.records != nil {
		stored, err := sinks.records.CountByRunKey(context.WithoutCancel(ctx), runKey)
		if err != nil {
			log.Warn("Failed to count stored records", "error", err)
		} else {
			log.Info("Records stored for run", "run_key", runKey, "records", stored)
		}
	}

	if cfg.PostgresEnabled() {
		// The run already happened; notification problems only get logged.
		if err := a.notify(context.WithoutCancel(ctx), result); err != nil {
			log.Error("Failed to publish run result", "error", err)
		}
	}

	return result, nil
}

func controllerConfig(cfg *config.Config) harvester.Config {
	return harvester.Config{
		Evaluator: harvester.EvaluatorConfig{
			PageSize:         cfg.Harvest.PageSize,
			OverlapThreshold: cfg.Harvest.OverlapThreshold,
			RepeatLimit:      cfg.Harvest.RepeatLimit,
		},
		Sink: harvester.SinkWriterConfig{
			Retries:         cfg.Sink.Retries,
			Backoff:         cfg.Sink.RetryBackoff,
			OutageThreshold: cfg.Sink.OutageThreshold,
			Workers:         cfg.Sink.Workers,
		},
		ConfigureAttempts: cfg.Harvest.ConfigureAttempts,
		FetchTimeout:      cfg.Harvest.FetchTimeout,
		RetryBackoff:      cfg.Harvest.RetryBackoff,
	}
}

// notify stores a HARVEST_FINISHED event and, when redis is available,
// relays pending events right away.
func (a *app) notify(ctx context.Context, result harvester.Result) error {
	if result.Checkpoint == nil {
		return nil
	}

	db, err := a.database(ctx)
	if err != nil {
		return err
	}

	publisher := events.NewPublisher(db, a.cfg.Redis.Stream, a.logger)
	if err := publisher.PublishHarvestFinished(ctx, events.NewHarvestFinishedPayload(result)); err != nil {
		return err
	}

	if !a.cfg.RedisEnabled() {
		return nil
	}
	client, err := a.redisClient(ctx)
	if err != nil {
		return err
	}
	relay := database.NewRelay(database.NewOutboxRepository(db), client, a.logger, relayConfig(a.cfg))
	n, err := relay.RunOnce(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("Relayed outbox events", "count", n)
	return nil
}

func relayConfig(cfg *config.Config) database.RelayConfig {
	return database.RelayConfig{
		PollInterval: cfg.Redis.PollInterval,
		BatchSize:    cfg.Redis.BatchSize,
		StreamMaxLen: cfg.Redis.StreamMaxLen,
	}
}
