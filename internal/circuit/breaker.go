package circuit

import (
	"fmt"
	"sync"
	"time"
)

// BreakerState represents the circuit breaker state
type BreakerState string

const (
	StateClosed   BreakerState = "closed"    // Normal operation
	StateOpen     BreakerState = "open"      // Orders halted
	StateHalfOpen BreakerState = "half_open" // Testing recovery
)

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Enabled                bool `json:"enabled" yaml:"enabled" default:"true"`
	MaxConsecutiveFailures int  `json:"max_consecutive_failures" yaml:"max_consecutive_failures" default:"3"`
	CooldownMinutes        int  `json:"cooldown_minutes" yaml:"cooldown_minutes" default:"30"`
	MaxOrdersPerMinute     int  `json:"max_orders_per_minute" yaml:"max_orders_per_minute" default:"10"`
	MaxDailyOrders         int  `json:"max_daily_orders" yaml:"max_daily_orders" default:"50"`
}

// DefaultCircuitBreakerConfig returns safe defaults
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Enabled:                true,
		MaxConsecutiveFailures: 3,
		CooldownMinutes:        30,
		MaxOrdersPerMinute:     10,
		MaxDailyOrders:         50,
	}
}

// Stats is a point-in-time view of the breaker
type Stats struct {
	State               BreakerState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	OrdersLastMinute    int          `json:"orders_last_minute"`
	DailyOrders         int          `json:"daily_orders"`
	TripReason          string       `json:"trip_reason,omitempty"`
	LastTripTime        time.Time    `json:"last_trip_time,omitempty"`
}

// CircuitBreaker halts order placement after repeated order failures or when
// the order rate caps are hit
type CircuitBreaker struct {
	config              CircuitBreakerConfig
	state               BreakerState
	consecutiveFailures int
	ordersLastMinute    int
	dailyOrders         int
	lastTripTime        time.Time
	dailyResetTime      time.Time
	minuteResetTime     time.Time
	tripReason          string
	mu                  sync.RWMutex
	onTrip              func(reason string)
	onReset             func()
	now                 func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	return newCircuitBreaker(config, time.Now)
}

func newCircuitBreaker(config CircuitBreakerConfig, now func() time.Time) *CircuitBreaker {
	defaults := DefaultCircuitBreakerConfig()
	if config.MaxConsecutiveFailures <= 0 {
		config.MaxConsecutiveFailures = defaults.MaxConsecutiveFailures
	}
	if config.CooldownMinutes <= 0 {
		config.CooldownMinutes = defaults.CooldownMinutes
	}
	if config.MaxOrdersPerMinute <= 0 {
		config.MaxOrdersPerMinute = defaults.MaxOrdersPerMinute
	}
	if config.MaxDailyOrders <= 0 {
		config.MaxDailyOrders = defaults.MaxDailyOrders
	}

	t := now()
	return &CircuitBreaker{
		config:          config,
		state:           StateClosed,
		dailyResetTime:  t.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour),
		minuteResetTime: t.Add(time.Minute),
		now:             now,
	}
}

// OnTrip sets callback for when breaker trips
func (cb *CircuitBreaker) OnTrip(handler func(reason string)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onTrip = handler
}

// OnReset sets callback for when breaker resets
func (cb *CircuitBreaker) OnReset(handler func()) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onReset = handler
}

// CanTrade checks if order placement is allowed
func (cb *CircuitBreaker) CanTrade() (bool, string) {
	if !cb.config.Enabled {
		return true, ""
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.resetCountersIfNeeded()

	if cb.state == StateOpen {
		elapsed := cb.now().Sub(cb.lastTripTime)
		cooldown := time.Duration(cb.config.CooldownMinutes) * time.Minute

		if elapsed < cooldown {
			remaining := cooldown - elapsed
			return false, fmt.Sprintf("circuit breaker open, cooldown remaining: %v (reason: %s)",
				remaining.Round(time.Second), cb.tripReason)
		}

		// Cooldown passed, allow one probe order
		cb.state = StateHalfOpen
	}

	if cb.ordersLastMinute >= cb.config.MaxOrdersPerMinute {
		return false, fmt.Sprintf("rate limit reached: %d orders/minute", cb.ordersLastMinute)
	}
	if cb.dailyOrders >= cb.config.MaxDailyOrders {
		return false, fmt.Sprintf("daily order limit reached: %d orders", cb.dailyOrders)
	}
	return true, ""
}

// RecordOrder records the result of one order attempt
func (cb *CircuitBreaker) RecordOrder(success bool) {
	if !cb.config.Enabled {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.resetCountersIfNeeded()
	cb.ordersLastMinute++
	cb.dailyOrders++

	if success {
		cb.consecutiveFailures = 0
		if cb.state == StateHalfOpen {
			cb.state = StateClosed
			cb.tripReason = ""
			if cb.onReset != nil {
				go cb.onReset()
			}
		}
		return
	}

	cb.consecutiveFailures++
	switch {
	case cb.state == StateHalfOpen:
		cb.trip("probe order failed after cooldown")
	case cb.consecutiveFailures >= cb.config.MaxConsecutiveFailures:
		cb.trip(fmt.Sprintf("consecutive order failures: %d", cb.consecutiveFailures))
	}
}

// trip opens the circuit breaker
func (cb *CircuitBreaker) trip(reason string) {
	cb.state = StateOpen
	cb.lastTripTime = cb.now()
	cb.tripReason = reason

	if cb.onTrip != nil {
		go cb.onTrip(reason)
	}
}

// resetCountersIfNeeded resets time-based counters
func (cb *CircuitBreaker) resetCountersIfNeeded() {
	now := cb.now()

	if now.After(cb.minuteResetTime) {
		cb.ordersLastMinute = 0
		cb.minuteResetTime = now.Add(time.Minute)
	}
	if now.After(cb.dailyResetTime) {
		cb.dailyOrders = 0
		cb.dailyResetTime = now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	}
}

// ForceReset manually resets the circuit breaker
func (cb *CircuitBreaker) ForceReset() {
	cb.mu.Lock()
	cb.state = StateClosed
	cb.consecutiveFailures = 0
	cb.tripReason = ""
	onReset := cb.onReset
	cb.mu.Unlock()

	if onReset != nil {
		go onReset()
	}
}

// GetState returns current breaker state
func (cb *CircuitBreaker) GetState() BreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// GetStats returns current statistics
func (cb *CircuitBreaker) GetStats() Stats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return Stats{
		State:               cb.state,
		ConsecutiveFailures: cb.consecutiveFailures,
		OrdersLastMinute:    cb.ordersLastMinute,
		DailyOrders:         cb.dailyOrders,
		TripReason:          cb.tripReason,
		LastTripTime:        cb.lastTripTime,
	}
}

// IsEnabled returns if circuit breaker is enabled
func (cb *CircuitBreaker) IsEnabled() bool {
	return cb.config.Enabled
}
