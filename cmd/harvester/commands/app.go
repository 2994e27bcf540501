package commands

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/maltedev/floorsheet-harvester/internal/browser"
	"github.com/maltedev/floorsheet-harvester/internal/checkpoint"
	"github.com/maltedev/floorsheet-harvester/internal/config"
	"github.com/maltedev/floorsheet-harvester/internal/database"
	"github.com/maltedev/floorsheet-harvester/internal/harvester"
	"github.com/maltedev/floorsheet-harvester/internal/ledger"
	"github.com/maltedev/floorsheet-harvester/internal/models"
	"github.com/maltedev/floorsheet-harvester/internal/parser"
	"github.com/maltedev/floorsheet-harvester/internal/sink"
	"github.com/maltedev/floorsheet-harvester/internal/source"
)

// app owns the long-lived resources a command opens and closes them in
// reverse order.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	db      *database.DB
	redis   *redis.Client
	closers []func() error
}

func newApp(cfg *config.Config, logger *slog.Logger) *app {
	return &app{cfg: cfg, logger: logger}
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("Failed to release resource", "error", err)
		}
	}
	a.closers = nil
}

// database connects once and applies the schema.
func (a *app) database(ctx context.Context) (*database.DB, error) {
	if a.db != nil {
		return a.db, nil
	}

	db, err := database.New(ctx, database.Config{
		DSN:      a.cfg.Database.DSN,
		Host:     a.cfg.Database.Host,
		Port:     a.cfg.Database.Port,
		User:     a.cfg.Database.User,
		Password: a.cfg.Database.Password,
		Database: a.cfg.Database.Name,
		MaxConns: a.cfg.Database.MaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.onClose(func() error { db.Close(); return nil })

	if err := db.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	a.db = db
	return db, nil
}

func (a *app) redisClient(ctx context.Context) (*redis.Client, error) {
	if a.redis != nil {
		return a.redis, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	a.onClose(client.Close)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	a.redis = client
	return client, nil
}

func (a *app) normalizer() (*parser.Normalizer, error) {
	key, ok := parser.KeyFuncByName(a.cfg.Harvest.KeyStrategy)
	if !ok {
		return nil, fmt.Errorf("unknown key strategy %q", a.cfg.Harvest.KeyStrategy)
	}
	return parser.NewNormalizer(key), nil
}

func (a *app) checkpointStore(ctx context.Context) (harvester.CheckpointStore, error) {
	switch a.cfg.Checkpoint.Kind {
	case "file":
		store, err := checkpoint.NewFileStore(a.cfg.Checkpoint.Dir)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "sqlite":
		store, err := checkpoint.OpenSQLite(ctx, a.cfg.Checkpoint.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.onClose(store.Close)
		return store, nil
	case "postgres":
		db, err := a.database(ctx)
		if err != nil {
			return nil, err
		}
		return database.NewCheckpointRepository(db), nil
	default:
		return nil, fmt.Errorf("unknown checkpoint store %q", a.cfg.Checkpoint.Kind)
	}
}

func (a *app) pageSource() (harvester.PageSource, error) {
	switch a.cfg.Source.Kind {
	case "http":
		return source.NewHTTPSource(source.HTTPConfig{
			URL:       a.cfg.Source.URL,
			PageParam: a.cfg.Source.HTTPPageParam,
			SizeParam: a.cfg.Source.HTTPSizeParam,
			Timeout:   a.cfg.Source.HTTPTimeout,
		}, a.logger), nil
	case "browser":
		opts := browser.DefaultOptions()
		opts.Headless = a.cfg.Browser.Headless
		opts.Timeout = a.cfg.Browser.Timeout
		opts.ViewportWidth = a.cfg.Browser.ViewportWidth
		opts.ViewportHeight = a.cfg.Browser.ViewportHeight
		opts.TimezoneID = a.cfg.Browser.TimezoneID
		opts.Locale = a.cfg.Browser.Locale
		opts.ProxyServer = a.cfg.Browser.ProxyServer
		opts.BlockResourceTypes = a.cfg.Browser.BlockResourceTypes
		if len(a.cfg.Browser.UserAgents) > 0 {
			opts.UserAgents = a.cfg.Browser.UserAgents
		}

		b, err := browser.New(opts, a.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize browser: %w", err)
		}
		a.onClose(b.Close)

		driver, err := source.NewPlaywrightDriver(b, a.cfg.Browser.NavigateRetries)
		if err != nil {
			return nil, fmt.Errorf("failed to open page: %w", err)
		}
		a.onClose(driver.Close)

		return source.NewBrowserSource(driver, source.BrowserConfig{
			URL:           a.cfg.Source.URL,
			RenderTimeout: a.cfg.Source.RenderTimeout,
		}, a.logger), nil
	default:
		return nil, fmt.Errorf("unknown source %q", a.cfg.Source.Kind)
	}
}

// runSinks holds whichever sink the configuration selected.
type runSinks struct {
	appendSink harvester.AppendSink
	upsertSink harvester.UpsertSink
	memory     *sink.Memory
	records    *database.RecordRepository
	csvPath    string
	// existing are the records already in the CSV file before the run.
	existing []models.Record
	// storedKeys returns the keys the sink already holds for the run, with
	// their first-seen page. Nil when the sink cannot tell.
	storedKeys func(ctx context.Context) (map[string]int, error)
}

func (a *app) sinks(ctx context.Context, runKey string, normalizer parser.RowNormalizer, now time.Time) (*runSinks, error) {
	switch a.cfg.Sink.Kind {
	case "memory":
		mem := sink.NewMemory()
		return &runSinks{upsertSink: mem, memory: mem}, nil
	case "postgres":
		db, err := a.database(ctx)
		if err != nil {
			return nil, err
		}
		repo := database.NewRecordRepository(db, runKey)
		return &runSinks{
			upsertSink: repo,
			records:    repo,
			storedKeys: func(ctx context.Context) (map[string]int, error) {
				return repo.Keys(ctx, runKey)
			},
		}, nil
	case "csv":
		path := sink.DailyPath(a.cfg.Sink.Dir, now)

		var existing []models.Record
		if a.cfg.Ledger.SeedFromSink {
			records, err := sink.ReadRecords(path, normalizer)
			if err != nil {
				return nil, fmt.Errorf("failed to read existing output: %w", err)
			}
			existing = records
		}

		csvSink, err := sink.OpenCSV(path, a.logger)
		if err != nil {
			return nil, err
		}
		a.onClose(csvSink.Close)
		return &runSinks{
			appendSink: csvSink,
			csvPath:    path,
			existing:   existing,
			storedKeys: func(context.Context) (map[string]int, error) {
				keys := make(map[string]int, len(existing))
				for _, rec := range existing {
					if _, ok := keys[rec.Key]; !ok {
						keys[rec.Key] = rec.Page
					}
				}
				return keys, nil
			},
		}, nil
	default:
		return nil, fmt.Errorf("unknown sink %q", a.cfg.Sink.Kind)
	}
}

// runLedger builds the run's ledger. A resumed run gets back the keys it
// already ingested, from redis or from the sink.
func (a *app) runLedger(ctx context.Context, runKey string, resuming bool, sinks *runSinks) (harvester.Ledger, error) {
	if a.cfg.Ledger.Kind == "redis" {
		client, err := a.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		l := ledger.NewRedis(client, runKey, a.logger)
		if !resuming {
			if err := l.Reset(ctx); err != nil {
				return nil, err
			}
			return l, nil
		}
		if err := l.Load(ctx); err != nil {
			return nil, err
		}
		return l, nil
	}

	l := ledger.NewMemory()
	if !resuming {
		return l, nil
	}
	if sinks.storedKeys == nil {
		a.logger.Warn("Resumed run starts with an empty ledger, the sink cannot list stored keys",
			"run_key", runKey,
			"sink", a.cfg.Sink.Kind)
		return l, nil
	}

	keys, err := sinks.storedKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to seed ledger: %w", err)
	}
	if added := l.Seed(keys); added > 0 {
		a.logger.Info("Ledger seeded from sink", "run_key", runKey, "sink", a.cfg.Sink.Kind, "keys", added)
	}
	return l, nil
}
