package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the subset of the redis client the ledger uses.
type RedisClient interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	Pipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Redis is a ledger whose keys survive the process. Lookups are served from
// memory; keys added since the last Flush are written to a redis hash
// (key -> first-seen page) in one pipeline.
type Redis struct {
	*Memory

	client RedisClient
	hash   string
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]int
}

func NewRedis(client RedisClient, runKey string, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{
		Memory:  NewMemory(),
		client:  client,
		hash:    "harvester:ledger:" + runKey,
		logger:  logger.With("component", "redis_ledger"),
		pending: make(map[string]int),
	}
}

// Load reads the persisted keys of a previous run into memory.
func (r *Redis) Load(ctx context.Context) error {
	entries, err := r.client.HGetAll(ctx, r.hash).Result()
	if err != nil {
		return fmt.Errorf("failed to load ledger %s: %w", r.hash, err)
	}

	for key, value := range entries {
		page, err := strconv.Atoi(value)
		if err != nil {
			page = 0
		}
		r.Memory.Add(key, page)
	}

	r.logger.Info("ledger loaded", "hash", r.hash, "keys", len(entries))
	return nil
}

func (r *Redis) Add(key string, page int) {
	if r.Memory.Contains(key) {
		return
	}
	r.Memory.Add(key, page)

	r.mu.Lock()
	r.pending[key] = page
	r.mu.Unlock()
}

// Flush persists keys added since the previous flush.
func (r *Redis) Flush(ctx context.Context) error {
	r.mu.Lock()
	batch := r.pending
	r.pending = make(map[string]int)
	r.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for key, page := range batch {
			p.HSetNX(ctx, r.hash, key, page)
		}
		return nil
	})
	if err != nil {
		r.mu.Lock()
		for key, page := range batch {
			r.pending[key] = page
		}
		r.mu.Unlock()
		return fmt.Errorf("failed to persist %d ledger keys: %w", len(batch), err)
	}

	r.logger.Debug("ledger flushed", "keys", len(batch))
	return nil
}

// Reset removes the persisted ledger, used when a finished run is started over.
func (r *Redis) Reset(ctx context.Context) error {
	if err := r.client.Del(ctx, r.hash).Err(); err != nil {
		return fmt.Errorf("failed to reset ledger %s: %w", r.hash, err)
	}
	return nil
}
