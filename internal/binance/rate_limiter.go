package binance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const maxBanBackoff = 30 * time.Minute

// RateLimiter paces REST requests and blocks every request while an IP ban
// reported by Binance is in force
type RateLimiter struct {
	limiter *rate.Limiter
	logger  zerolog.Logger
	now     func() time.Time

	mu                sync.Mutex
	banUntil          time.Time
	consecutiveErrors int
}

// NewRateLimiter allows perSecond requests with the given burst
func NewRateLimiter(perSecond float64, burst int, logger zerolog.Logger) *RateLimiter {
	if perSecond <= 0 {
		perSecond = 10
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		logger:  logger.With().Str("component", "RateLimiter").Logger(),
		now:     time.Now,
	}
}

// Wait blocks until a request slot is free. A ban that outlasts the context
// deadline fails fast with ErrRateLimited.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if until := r.BannedUntil(); !until.IsZero() {
		if deadline, ok := ctx.Deadline(); ok && deadline.Before(until) {
			return fmt.Errorf("%w (until %s)", ErrRateLimited, until.Format(time.RFC3339))
		}
		timer := time.NewTimer(until.Sub(r.now()))
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return r.limiter.Wait(ctx)
}

// RecordRateLimitError opens the ban window. A zero until backs off
// exponentially on consecutive errors.
func (r *RateLimiter) RecordRateLimitError(until time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.consecutiveErrors++
	if until.IsZero() {
		backoff := time.Duration(1<<uint(r.consecutiveErrors)) * time.Minute
		if backoff > maxBanBackoff {
			backoff = maxBanBackoff
		}
		until = r.now().Add(backoff)
	}
	r.banUntil = until

	r.logger.Warn().
		Time("ban_until", until).
		Int("consecutive_errors", r.consecutiveErrors).
		Msg("Binance rate limit hit, requests blocked")
}

// RecordSuccess clears the error streak once the ban has expired
func (r *RateLimiter) RecordSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.now().After(r.banUntil) {
		r.consecutiveErrors = 0
		r.banUntil = time.Time{}
	}
}

// BannedUntil returns the active ban expiry, zero when not banned
func (r *RateLimiter) BannedUntil() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.banUntil.IsZero() || !r.now().Before(r.banUntil) {
		return time.Time{}
	}
	return r.banUntil
}
