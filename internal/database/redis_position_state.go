package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"hilo-trend-engine/internal/position"
)

// PositionStateTTL bounds how long a cached position survives without a
// reconciliation refreshing it
const PositionStateTTL = 7 * 24 * time.Hour

// RedisPositionRepository caches reconciled positions in Redis so the
// operator API and standby processes see the same view. When Redis is
// unavailable it falls back to an in-memory cache.
type RedisPositionRepository struct {
	client         *redis.Client
	prefix         string
	fallback       *position.MemoryRepository
	redisAvailable atomic.Bool
	logger         zerolog.Logger
}

// NewRedisPositionRepository creates the repository. A nil client runs in
// memory-only mode.
func NewRedisPositionRepository(client *redis.Client, prefix string, logger zerolog.Logger) *RedisPositionRepository {
	repo := &RedisPositionRepository{
		client:   client,
		prefix:   keyPrefix(prefix),
		fallback: position.NewMemoryRepository(),
		logger:   logger.With().Str("component", "PositionCache").Logger(),
	}
	if client == nil {
		repo.logger.Info().Msg("No Redis client provided, using in-memory position cache only")
	}
	repo.redisAvailable.Store(client != nil)
	return repo
}

func (r *RedisPositionRepository) positionKey(asset string) string {
	return fmt.Sprintf("%s:position:%s", r.prefix, asset)
}

func (r *RedisPositionRepository) listKey() string {
	return r.prefix + ":positions"
}

func (r *RedisPositionRepository) useRedis() bool {
	return r.client != nil && r.redisAvailable.Load()
}

// markDown records a Redis failure; the next call probes again
func (r *RedisPositionRepository) markDown(op string, err error) {
	if r.redisAvailable.Swap(false) {
		r.logger.Warn().Err(err).Str("op", op).Msg("Redis unavailable, using in-memory position cache")
	}
}

// probe re-enables Redis after a failure once it answers again
func (r *RedisPositionRepository) probe(ctx context.Context) {
	if r.client == nil || r.redisAvailable.Load() {
		return
	}
	if err := r.client.Ping(ctx).Err(); err == nil {
		r.redisAvailable.Store(true)
		r.logger.Info().Msg("Redis position cache recovered")
	}
}

func (r *RedisPositionRepository) Get(ctx context.Context, asset string) (*position.Position, bool, error) {
	r.probe(ctx)
	if !r.useRedis() {
		return r.fallback.Get(ctx, asset)
	}

	data, err := r.client.Get(ctx, r.positionKey(asset)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		r.markDown("get", err)
		return r.fallback.Get(ctx, asset)
	}

	var p position.Position
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal position %s: %w", asset, err)
	}
	return &p, true, nil
}

// Save writes the in-memory cache first, then Redis
func (r *RedisPositionRepository) Save(ctx context.Context, p position.Position) error {
	if err := r.fallback.Save(ctx, p); err != nil {
		return err
	}
	if !r.useRedis() {
		return nil
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal position %s: %w", p.Asset, err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.positionKey(p.Asset), data, PositionStateTTL)
	pipe.SAdd(ctx, r.listKey(), p.Asset)
	pipe.Expire(ctx, r.listKey(), PositionStateTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		r.markDown("save", err)
	}
	return nil
}

func (r *RedisPositionRepository) Delete(ctx context.Context, asset string) error {
	if err := r.fallback.Delete(ctx, asset); err != nil {
		return err
	}
	if !r.useRedis() {
		return nil
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.positionKey(asset))
	pipe.SRem(ctx, r.listKey(), asset)
	if _, err := pipe.Exec(ctx); err != nil {
		r.markDown("delete", err)
	}
	return nil
}

func (r *RedisPositionRepository) All(ctx context.Context) ([]position.Position, error) {
	r.probe(ctx)
	if !r.useRedis() {
		return r.fallback.All(ctx)
	}

	assets, err := r.client.SMembers(ctx, r.listKey()).Result()
	if err != nil {
		r.markDown("list", err)
		return r.fallback.All(ctx)
	}

	out := make([]position.Position, 0, len(assets))
	for _, asset := range assets {
		p, ok, err := r.Get(ctx, asset)
		if err != nil {
			r.logger.Warn().Err(err).Str("asset", asset).Msg("Skipping unreadable cached position")
			continue
		}
		if ok {
			out = append(out, *p)
		}
	}
	return out, nil
}

// Replace swaps the whole cache for the reconciled set
func (r *RedisPositionRepository) Replace(ctx context.Context, positions []position.Position) error {
	if err := r.fallback.Replace(ctx, positions); err != nil {
		return err
	}
	if !r.useRedis() {
		return nil
	}

	previous, err := r.client.SMembers(ctx, r.listKey()).Result()
	if err != nil {
		r.markDown("replace", err)
		return nil
	}

	pipe := r.client.TxPipeline()
	for _, asset := range previous {
		pipe.Del(ctx, r.positionKey(asset))
	}
	pipe.Del(ctx, r.listKey())
	for _, p := range positions {
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to marshal position %s: %w", p.Asset, err)
		}
		pipe.Set(ctx, r.positionKey(p.Asset), data, PositionStateTTL)
		pipe.SAdd(ctx, r.listKey(), p.Asset)
	}
	if len(positions) > 0 {
		pipe.Expire(ctx, r.listKey(), PositionStateTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		r.markDown("replace", err)
	}
	return nil
}

// IsRedisAvailable reports whether the last Redis call succeeded
func (r *RedisPositionRepository) IsRedisAvailable() bool {
	return r.useRedis()
}

var _ position.Repository = (*RedisPositionRepository)(nil)
