package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrLockHeld is returned when another holder owns the asset lock
var ErrLockHeld = errors.New("asset lock held")

// DefaultLockTTL bounds how long a crashed holder blocks an asset
const DefaultLockTTL = 2 * time.Minute

// releaseScript deletes the key only while it still carries our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// AssetLocker serializes per-asset pipelines across processes with
// SET NX PX. Without Redis, or while Redis is failing, it degrades to a
// process-local lock; the ledger still rejects duplicate claims.
type AssetLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger zerolog.Logger

	mu    sync.Mutex
	local map[string]struct{}
}

// NewAssetLocker creates a locker. A nil client locks in-process only.
func NewAssetLocker(client *redis.Client, prefix string, ttl time.Duration, logger zerolog.Logger) *AssetLocker {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &AssetLocker{
		client: client,
		prefix: keyPrefix(prefix),
		ttl:    ttl,
		logger: logger.With().Str("component", "AssetLocker").Logger(),
		local:  make(map[string]struct{}),
	}
}

func (l *AssetLocker) lockKey(asset string) string {
	return fmt.Sprintf("%s:lock:%s", l.prefix, asset)
}

// Acquire takes the asset lock without waiting. The returned release is safe
// to call more than once.
func (l *AssetLocker) Acquire(ctx context.Context, asset string) (func(), error) {
	releaseLocal, err := l.acquireLocal(asset)
	if err != nil {
		return nil, err
	}
	if l.client == nil {
		return releaseLocal, nil
	}

	token := uuid.NewString()
	key := l.lockKey(asset)
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		l.logger.Warn().Err(err).Str("asset", asset).Msg("Redis lock unavailable, holding process-local lock only")
		return releaseLocal, nil
	}
	if !ok {
		releaseLocal()
		return nil, fmt.Errorf("%w: %s", ErrLockHeld, asset)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
				l.logger.Warn().Err(err).Str("asset", asset).Msg("Failed to release Redis lock, it expires with its TTL")
			}
			releaseLocal()
		})
	}, nil
}

func (l *AssetLocker) acquireLocal(asset string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, held := l.local[asset]; held {
		return nil, fmt.Errorf("%w: %s", ErrLockHeld, asset)
	}
	l.local[asset] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.local, asset)
			l.mu.Unlock()
		})
	}, nil
}
