package marketdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// Provider fetches closed bars for one (asset, timeframe), oldest first
type Provider interface {
	FetchBars(ctx context.Context, asset string, tf Timeframe, limit int) ([]PriceBar, error)
}

// RetryingProvider retries transient fetch failures with exponential backoff
type RetryingProvider struct {
	next       Provider
	maxRetries uint64
	newBackOff func() backoff.BackOff
	logger     zerolog.Logger
}

// NewRetryingProvider wraps next with up to maxRetries retries
func NewRetryingProvider(next Provider, maxRetries uint64, logger zerolog.Logger) *RetryingProvider {
	return &RetryingProvider{
		next:       next,
		maxRetries: maxRetries,
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		logger:     logger.With().Str("component", "MarketData").Logger(),
	}
}

// FetchBars implements Provider
func (p *RetryingProvider) FetchBars(ctx context.Context, asset string, tf Timeframe, limit int) ([]PriceBar, error) {
	var bars []PriceBar
	operation := func() error {
		b, err := p.next.FetchBars(ctx, asset, tf, limit)
		if err != nil {
			if isPermanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		if len(b) == 0 {
			return backoff.Permanent(fmt.Errorf("%w: %s %s returned no bars", ErrDataUnavailable, asset, tf))
		}
		if err := Validate(b); err != nil {
			return backoff.Permanent(err)
		}
		bars = b
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(p.newBackOff(), p.maxRetries), ctx)
	notify := func(err error, wait time.Duration) {
		p.logger.Warn().Err(err).
			Str("asset", asset).
			Str("timeframe", string(tf)).
			Dur("retry_in", wait).
			Msg("Bar fetch failed, retrying")
	}
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("fetch %s %s: %w", asset, tf, ctxErr)
		}
		if errors.Is(err, ErrDataUnavailable) || errors.Is(err, ErrNonMonotonic) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s %s: %v", ErrDataUnavailable, asset, tf, err)
	}
	return bars, nil
}

func isPermanent(err error) bool {
	return errors.Is(err, ErrUnknownTimeframe) ||
		errors.Is(err, ErrNonMonotonic) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
