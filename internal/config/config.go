package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Source     SourceConfig
	Harvest    HarvestConfig
	Browser    BrowserConfig
	Sink       SinkConfig
	Checkpoint CheckpointConfig
	Ledger     LedgerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Status     StatusConfig
	Logging    LoggingConfig
	Telemetry  TelemetryConfig
}

type SourceConfig struct {
	// Kind is "browser" or "http".
	Kind          string
	URL           string
	RenderTimeout time.Duration
	HTTPPageParam string
	HTTPSizeParam string
	HTTPTimeout   time.Duration
}

type HarvestConfig struct {
	RunKey            string
	StartPage         int
	PageSize          int
	OverlapThreshold  float64
	RepeatLimit       int
	KeyStrategy       string
	ConfigureAttempts int
	FetchTimeout      time.Duration
	RetryBackoff      time.Duration
	PaceMin           time.Duration
	PaceMax           time.Duration
}

type BrowserConfig struct {
	Headless           bool
	Timeout            time.Duration
	NavigateRetries    int
	ViewportWidth      int
	ViewportHeight     int
	TimezoneID         string
	Locale             string
	UserAgents         []string
	ProxyServer        string
	BlockResourceTypes []string
}

type SinkConfig struct {
	// Kind is "csv", "postgres" or "memory".
	Kind            string
	Dir             string
	Retries         int
	RetryBackoff    time.Duration
	OutageThreshold int
	Workers         int
}

type CheckpointConfig struct {
	// Kind is "file", "sqlite" or "postgres".
	Kind       string
	Dir        string
	SQLitePath string
}

type LedgerConfig struct {
	// Kind is "memory" or "redis".
	Kind         string
	SeedFromSink bool
}

type DatabaseConfig struct {
	DSN      string
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	MaxConns int32
}

type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	Stream       string
	PollInterval time.Duration
	BatchSize    int
	StreamMaxLen int64
}

type StatusConfig struct {
	Addr           string
	AllowedOrigins []string
}

type LoggingConfig struct {
	Level  string
	Format string
}

type TelemetryConfig struct {
	ServiceName  string
	Endpoint     string
	ExportPeriod time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Source: SourceConfig{
			Kind:          getEnvOrDefault("SOURCE_KIND", "browser"),
			URL:           getEnvOrDefault("SOURCE_URL", "https://nepalstock.com.np/floor-sheet"),
			RenderTimeout: getDurationOrDefault("SOURCE_RENDER_TIMEOUT", 30*time.Second),
			HTTPPageParam: getEnvOrDefault("SOURCE_HTTP_PAGE_PARAM", "page"),
			HTTPSizeParam: getEnvOrDefault("SOURCE_HTTP_SIZE_PARAM", "size"),
			HTTPTimeout:   getDurationOrDefault("SOURCE_HTTP_TIMEOUT", 30*time.Second),
		},
		Harvest: HarvestConfig{
			RunKey:            getEnvOrDefault("HARVEST_RUN_KEY", ""),
			StartPage:         getIntOrDefault("HARVEST_START_PAGE", 0),
			PageSize:          getIntOrDefault("HARVEST_PAGE_SIZE", 500),
			OverlapThreshold:  getFloatOrDefault("HARVEST_OVERLAP_THRESHOLD", 0.9),
			RepeatLimit:       getIntOrDefault("HARVEST_REPEAT_LIMIT", 2),
			KeyStrategy:       getEnvOrDefault("HARVEST_KEY_STRATEGY", "composite"),
			ConfigureAttempts: getIntOrDefault("HARVEST_CONFIGURE_ATTEMPTS", 3),
			FetchTimeout:      getDurationOrDefault("HARVEST_FETCH_TIMEOUT", 60*time.Second),
			RetryBackoff:      getDurationOrDefault("HARVEST_RETRY_BACKOFF", 2*time.Second),
			PaceMin:           getDurationOrDefault("HARVEST_PACE_MIN", 1*time.Second),
			PaceMax:           getDurationOrDefault("HARVEST_PACE_MAX", 3*time.Second),
		},
		Browser: BrowserConfig{
			Headless:           getBoolOrDefault("BROWSER_HEADLESS", true),
			Timeout:            getDurationOrDefault("BROWSER_TIMEOUT", 30*time.Second),
			NavigateRetries:    getIntOrDefault("BROWSER_NAVIGATE_RETRIES", 3),
			ViewportWidth:      getIntOrDefault("BROWSER_VIEWPORT_WIDTH", 1920),
			ViewportHeight:     getIntOrDefault("BROWSER_VIEWPORT_HEIGHT", 1080),
			TimezoneID:         getEnvOrDefault("BROWSER_TIMEZONE", "Asia/Kathmandu"),
			Locale:             getEnvOrDefault("BROWSER_LOCALE", "en-US"),
			UserAgents:         getStringSliceOrDefault("BROWSER_USER_AGENTS", nil),
			ProxyServer:        getEnvOrDefault("BROWSER_PROXY", ""),
			BlockResourceTypes: getStringSliceOrDefault("BROWSER_BLOCK_RESOURCES", []string{"image", "stylesheet", "font", "media"}),
		},
		Sink: SinkConfig{
			Kind:            getEnvOrDefault("SINK_KIND", "csv"),
			Dir:             getEnvOrDefault("SINK_DIR", "data"),
			Retries:         getIntOrDefault("SINK_RETRIES", 3),
			RetryBackoff:    getDurationOrDefault("SINK_RETRY_BACKOFF", 500*time.Millisecond),
			OutageThreshold: getIntOrDefault("SINK_OUTAGE_THRESHOLD", 5),
			Workers:         getIntOrDefault("SINK_WORKERS", 1),
		},
		Checkpoint: CheckpointConfig{
			Kind:       getEnvOrDefault("CHECKPOINT_KIND", "file"),
			Dir:        getEnvOrDefault("CHECKPOINT_DIR", "data/checkpoints"),
			SQLitePath: getEnvOrDefault("CHECKPOINT_SQLITE_PATH", "data/checkpoints.db"),
		},
		Ledger: LedgerConfig{
			Kind:         getEnvOrDefault("LEDGER_KIND", "memory"),
			SeedFromSink: getBoolOrDefault("LEDGER_SEED_FROM_SINK", true),
		},
		Database: DatabaseConfig{
			DSN:      getEnvOrDefault("DATABASE_URL", ""),
			Host:     getEnvOrDefault("DB_HOST", "localhost"),
			Port:     getIntOrDefault("DB_PORT", 5432),
			User:     getEnvOrDefault("DB_USER", "postgres"),
			Password: getEnvOrDefault("DB_PASSWORD", ""),
			Name:     getEnvOrDefault("DB_NAME", "floorsheet"),
			MaxConns: int32(getIntOrDefault("DB_MAX_CONNS", 10)),
		},
		Redis: RedisConfig{
			Addr:         getEnvOrDefault("REDIS_ADDR", ""),
			Password:     getEnvOrDefault("REDIS_PASSWORD", ""),
			DB:           getIntOrDefault("REDIS_DB", 0),
			Stream:       getEnvOrDefault("REDIS_STREAM", "stream:floorsheet_harvest"),
			PollInterval: getDurationOrDefault("RELAY_POLL_INTERVAL", 5*time.Second),
			BatchSize:    getIntOrDefault("RELAY_BATCH_SIZE", 100),
			StreamMaxLen: int64(getIntOrDefault("RELAY_STREAM_MAX_LEN", 10000)),
		},
		Status: StatusConfig{
			Addr:           getEnvOrDefault("STATUS_ADDR", ""),
			AllowedOrigins: getStringSliceOrDefault("STATUS_ALLOWED_ORIGINS", nil),
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
		},
		Telemetry: TelemetryConfig{
			ServiceName:  getEnvOrDefault("OTEL_SERVICE_NAME", "floorsheet-harvester"),
			Endpoint:     getEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			ExportPeriod: getDurationOrDefault("OTEL_METRIC_EXPORT_INTERVAL", 10*time.Second),
		},
	}

	return cfg, nil
}

// PostgresEnabled reports whether a database connection is configured.
func (c *Config) PostgresEnabled() bool {
	return c.Database.DSN != "" || c.Database.Password != ""
}

// RedisEnabled reports whether a redis address is configured.
func (c *Config) RedisEnabled() bool {
	return c.Redis.Addr != ""
}

func (c *Config) Validate() error {
	switch c.Source.Kind {
	case "browser", "http":
	default:
		return fmt.Errorf("SOURCE_KIND must be browser or http, got %q", c.Source.Kind)
	}

	if c.Harvest.StartPage < 0 {
		return fmt.Errorf("HARVEST_START_PAGE cannot be negative")
	}
	if c.Harvest.PageSize < 1 {
		return fmt.Errorf("HARVEST_PAGE_SIZE must be at least 1")
	}
	if c.Harvest.OverlapThreshold <= 0 || c.Harvest.OverlapThreshold > 1 {
		return fmt.Errorf("HARVEST_OVERLAP_THRESHOLD must be in (0, 1]")
	}
	if c.Harvest.RepeatLimit < 1 {
		return fmt.Errorf("HARVEST_REPEAT_LIMIT must be at least 1")
	}
	if c.Harvest.PaceMin > c.Harvest.PaceMax {
		return fmt.Errorf("HARVEST_PACE_MIN cannot be greater than HARVEST_PACE_MAX")
	}
	switch strings.ToLower(c.Harvest.KeyStrategy) {
	case "composite", "contract":
	default:
		return fmt.Errorf("HARVEST_KEY_STRATEGY must be composite or contract, got %q", c.Harvest.KeyStrategy)
	}

	switch c.Sink.Kind {
	case "csv", "memory":
	case "postgres":
		if !c.PostgresEnabled() {
			return fmt.Errorf("SINK_KIND=postgres requires DATABASE_URL or DB_PASSWORD")
		}
	default:
		return fmt.Errorf("SINK_KIND must be csv, postgres or memory, got %q", c.Sink.Kind)
	}
	if c.Sink.Workers < 1 {
		return fmt.Errorf("SINK_WORKERS must be at least 1")
	}

	switch c.Checkpoint.Kind {
	case "file", "sqlite":
	case "postgres":
		if !c.PostgresEnabled() {
			return fmt.Errorf("CHECKPOINT_KIND=postgres requires DATABASE_URL or DB_PASSWORD")
		}
	default:
		return fmt.Errorf("CHECKPOINT_KIND must be file, sqlite or postgres, got %q", c.Checkpoint.Kind)
	}

	switch c.Ledger.Kind {
	case "memory":
	case "redis":
		if !c.RedisEnabled() {
			return fmt.Errorf("LEDGER_KIND=redis requires REDIS_ADDR")
		}
	default:
		return fmt.Errorf("LEDGER_KIND must be memory or redis, got %q", c.Ledger.Kind)
	}

	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getStringSliceOrDefault(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var out []string
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	}
	return defaultValue
}
