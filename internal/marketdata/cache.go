package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// CachedProvider serves repeated fetches for the same series from memory
// until the entry's TTL expires
type CachedProvider struct {
	next  Provider
	cache *CandleCache
	now   func() time.Time
}

// CandleCache provides caching for bar series
type CandleCache struct {
	data map[string]*CacheEntry
	mu   sync.RWMutex
}

// CacheEntry represents a cached bar series
type CacheEntry struct {
	Bars      []PriceBar
	ExpiresAt time.Time
}

// NewCachedProvider wraps next with a TTL cache
func NewCachedProvider(next Provider) *CachedProvider {
	return &CachedProvider{
		next:  next,
		cache: NewCandleCache(),
		now:   time.Now,
	}
}

// NewCandleCache creates a new candle cache
func NewCandleCache() *CandleCache {
	return &CandleCache{
		data: make(map[string]*CacheEntry),
	}
}

// FetchBars implements Provider
func (p *CachedProvider) FetchBars(ctx context.Context, asset string, tf Timeframe, limit int) ([]PriceBar, error) {
	key := fmt.Sprintf("%s:%s:%d", asset, tf, limit)
	now := p.now()

	if cached := p.cache.Get(key, now); cached != nil {
		return cached, nil
	}

	bars, err := p.next.FetchBars(ctx, asset, tf, limit)
	if err != nil {
		return nil, err
	}

	p.cache.Clear(now)
	p.cache.Set(key, bars, now.Add(cacheTTL(tf)))
	return bars, nil
}

// cacheTTL keeps an entry for a fraction of one bar so a new close is picked up
func cacheTTL(tf Timeframe) time.Duration {
	switch tf {
	case TF15m:
		return 5 * time.Minute
	case TF30m:
		return 10 * time.Minute
	case TF1h:
		return 20 * time.Minute
	case TF4h, TF6h, TF8h:
		return time.Hour
	case TF12h:
		return 2 * time.Hour
	case TF1d:
		return 4 * time.Hour
	default:
		return time.Minute
	}
}

// Get retrieves cached bars if not expired. The returned slice is a copy.
func (c *CandleCache) Get(key string, now time.Time) []PriceBar {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, exists := c.data[key]
	if !exists || now.After(entry.ExpiresAt) {
		return nil
	}

	out := make([]PriceBar, len(entry.Bars))
	copy(out, entry.Bars)
	return out
}

// Set stores bars with an absolute expiry
func (c *CandleCache) Set(key string, bars []PriceBar, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored := make([]PriceBar, len(bars))
	copy(stored, bars)
	c.data[key] = &CacheEntry{
		Bars:      stored,
		ExpiresAt: expiresAt,
	}
}

// Clear removes expired entries from cache
func (c *CandleCache) Clear(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, entry := range c.data {
		if now.After(entry.ExpiresAt) {
			delete(c.data, key)
		}
	}
}
