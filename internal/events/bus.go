package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the engine
type EventType string

const (
	EventCycleStarted   EventType = "CYCLE_STARTED"
	EventCycleCompleted EventType = "CYCLE_COMPLETED"
	EventVerdict        EventType = "VERDICT"
	EventOrderOutcome   EventType = "ORDER_OUTCOME"
	EventGateState      EventType = "GATE_STATE"
	EventPositionUpdate EventType = "POSITION_UPDATE"
	EventCircuitBreaker EventType = "CIRCUIT_BREAKER"
	EventLedgerRearmed  EventType = "LEDGER_REARMED"
	EventError          EventType = "ERROR"
)

// Event represents an engine event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
	now         func() time.Time
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		now:         time.Now,
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers. Each subscriber runs in its own
// goroutine so a slow websocket client never stalls a cycle.
func (eb *EventBus) Publish(event Event) {
	if eb == nil {
		return
	}
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = eb.now().UTC()
	}

	for _, sub := range eb.subscribers[event.Type] {
		go sub(event)
	}
	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishCycleStarted publishes a cycle start
func (eb *EventBus) PublishCycleStarted(cycleID string, cycleTime time.Time, assets []string) {
	eb.Publish(Event{
		Type: EventCycleStarted,
		Data: map[string]interface{}{
			"cycle_id":   cycleID,
			"cycle_time": cycleTime,
			"assets":     assets,
		},
	})
}

// PublishCycleCompleted publishes a finished cycle with its counters
func (eb *EventBus) PublishCycleCompleted(cycleID string, duration time.Duration, fired, failed int) {
	eb.Publish(Event{
		Type: EventCycleCompleted,
		Data: map[string]interface{}{
			"cycle_id":    cycleID,
			"duration_ms": duration.Milliseconds(),
			"fired":       fired,
			"failed":      failed,
		},
	})
}

// PublishVerdict publishes a gate decision for one asset
func (eb *EventBus) PublishVerdict(cycleID, asset, verdict, reason string) {
	eb.Publish(Event{
		Type: EventVerdict,
		Data: map[string]interface{}{
			"cycle_id": cycleID,
			"asset":    asset,
			"verdict":  verdict,
			"reason":   reason,
		},
	})
}

// PublishOrderOutcome publishes the position manager's result for one asset
func (eb *EventBus) PublishOrderOutcome(cycleID, asset, kind, side string, quantity float64, reason string) {
	eb.Publish(Event{
		Type: EventOrderOutcome,
		Data: map[string]interface{}{
			"cycle_id": cycleID,
			"asset":    asset,
			"kind":     kind,
			"side":     side,
			"quantity": quantity,
			"reason":   reason,
		},
	})
}

// PublishGateState publishes a gate state transition
func (eb *EventBus) PublishGateState(asset, state string) {
	eb.Publish(Event{
		Type: EventGateState,
		Data: map[string]interface{}{
			"asset": asset,
			"state": state,
		},
	})
}

// PublishPositionUpdate publishes a reconciled position
func (eb *EventBus) PublishPositionUpdate(asset, side string, quantity, entryPrice, unrealizedPnL float64) {
	eb.Publish(Event{
		Type: EventPositionUpdate,
		Data: map[string]interface{}{
			"asset":          asset,
			"side":           side,
			"quantity":       quantity,
			"entry_price":    entryPrice,
			"unrealized_pnl": unrealizedPnL,
		},
	})
}

// PublishCircuitBreaker publishes a breaker trip or reset
func (eb *EventBus) PublishCircuitBreaker(state, reason string) {
	eb.Publish(Event{
		Type: EventCircuitBreaker,
		Data: map[string]interface{}{
			"state":  state,
			"reason": reason,
		},
	})
}

// PublishLedgerRearmed publishes an operator rearm of a flip key
func (eb *EventBus) PublishLedgerRearmed(asset, timeframe string, flipTime time.Time, stage string) {
	eb.Publish(Event{
		Type: EventLedgerRearmed,
		Data: map[string]interface{}{
			"asset":     asset,
			"timeframe": timeframe,
			"flip_time": flipTime,
			"stage":     stage,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type: EventError,
		Data: data,
	})
}
