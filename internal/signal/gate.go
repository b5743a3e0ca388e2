// Package signal decides when a primary-timeframe trend flip is executed.
package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"hilo-trend-engine/internal/ai/ml"
	"hilo-trend-engine/internal/analysis"
	"hilo-trend-engine/internal/indicator"
)

var ErrIdempotenceViolation = errors.New("gate already fired for this asset")

// State is the per-asset gate state
type State string

const (
	StateIdle  State = "IDLE"
	StateArmed State = "ARMED"
	StateFired State = "FIRED"
)

// Decision explains a verdict
type Decision string

const (
	DecisionFired          Decision = "FIRED"
	DecisionNoFlip         Decision = "NO_FLIP"
	DecisionStaleFlip      Decision = "STALE_FLIP"
	DecisionAlreadyHandled Decision = "ALREADY_HANDLED"
	DecisionBelowThreshold Decision = "BELOW_THRESHOLD"
	DecisionNoConsensus    Decision = "NO_CONSENSUS"
	DecisionModelError     Decision = "MODEL_ERROR"
)

// Basis is what confirmed a fired verdict
type Basis string

const (
	BasisClassifier Basis = "classifier"
	BasisMajority   Basis = "majority"
	BasisReentry    Basis = "reentry"
)

// Observation is everything the gate needs for one asset and cycle
type Observation struct {
	CycleID  string
	Snapshot *analysis.Snapshot
	// Prediction is nil when PredictionErr is set
	Prediction    *ml.Prediction
	PredictionErr error
}

// Verdict is the gate output for one asset and cycle
type Verdict struct {
	Asset       string               `json:"asset"`
	CycleID     string               `json:"cycle_id"`
	Fired       bool                 `json:"fired"`
	Decision    Decision             `json:"decision"`
	Basis       Basis                `json:"basis,omitempty"`
	Direction   indicator.Trend      `json:"direction"`
	Key         FlipKey              `json:"key"`
	Flip        *indicator.FlipEvent `json:"flip,omitempty"`
	Probability *float64             `json:"probability,omitempty"`
	Agree       int                  `json:"agree"`
	Considered  int                  `json:"considered"`
	EvaluatedAt time.Time            `json:"evaluated_at"`
}

// Status is the externally visible gate state of one asset
type Status struct {
	Asset string    `json:"asset"`
	State State     `json:"state"`
	Key   *FlipKey  `json:"key,omitempty"`
	Since time.Time `json:"since"`
}

// GateConfig holds gate configuration
type GateConfig struct {
	MaxFlipAgeBars int
	ReentryEnabled bool
}

// Gate is the per-asset IDLE/ARMED/FIRED state machine backed by a durable ledger
type Gate struct {
	ledger Ledger
	cfg    GateConfig
	logger zerolog.Logger
	now    func() time.Time

	mu     sync.Mutex
	states map[string]*Status
}

// NewGate creates a gate. MaxFlipAgeBars defaults to 1 (flip on the latest bar).
func NewGate(ledger Ledger, cfg GateConfig, logger zerolog.Logger) *Gate {
	if cfg.MaxFlipAgeBars <= 0 {
		cfg.MaxFlipAgeBars = 1
	}
	return &Gate{
		ledger: ledger,
		cfg:    cfg,
		logger: logger.With().Str("component", "SignalGate").Logger(),
		now:    time.Now,
		states: make(map[string]*Status),
	}
}

// Status returns the gate state of asset
func (g *Gate) Status(asset string) Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.states[asset]; ok {
		return *s
	}
	return Status{Asset: asset, State: StateIdle}
}

// Statuses returns every asset the gate has seen
func (g *Gate) Statuses() []Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Status, 0, len(g.states))
	for _, s := range g.states {
		out = append(out, *s)
	}
	return out
}

func (g *Gate) setState(asset string, state State, key *FlipKey) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.states[asset] = &Status{Asset: asset, State: state, Key: key, Since: g.now().UTC()}
}

// Evaluate advances the gate for one asset. A FIRED verdict holds a ledger
// claim that must be settled with Complete or Abandon.
func (g *Gate) Evaluate(ctx context.Context, obs Observation) (Verdict, error) {
	snap := obs.Snapshot
	if snap == nil {
		return Verdict{}, fmt.Errorf("evaluate: nil snapshot")
	}
	asset := snap.Asset
	v := Verdict{Asset: asset, CycleID: obs.CycleID, EvaluatedAt: g.now().UTC()}

	if st := g.Status(asset); st.State == StateFired {
		g.logger.Error().
			Str("asset", asset).
			Str("cycle_id", obs.CycleID).
			Stringer("key", st.Key).
			Msg("Evaluate called while a verdict is unsettled")
		return v, fmt.Errorf("%w: %s holds %s", ErrIdempotenceViolation, asset, st.Key)
	}

	primary := snap.PrimaryReading()

	if g.cfg.ReentryEnabled {
		base := v
		fired, err := g.evaluateReentry(ctx, obs, primary, &v)
		if err != nil || fired {
			return v, err
		}
		v = base
	}

	flip := primary.LastFlip
	if flip == nil || primary.Err != nil {
		v.Decision = DecisionNoFlip
		g.setState(asset, StateIdle, nil)
		return v, nil
	}
	if primary.CandlesSinceFlip > g.cfg.MaxFlipAgeBars {
		v.Decision = DecisionStaleFlip
		g.setState(asset, StateIdle, nil)
		return v, nil
	}

	key := FlipKey{Asset: asset, Timeframe: primary.Timeframe, FlipTime: flip.Timestamp.UTC(), Stage: StageFlip}
	v.Key = key
	v.Flip = flip
	v.Direction = flip.To

	if _, err := g.ledger.Get(ctx, key); err == nil {
		v.Decision = DecisionAlreadyHandled
		g.setState(asset, StateIdle, nil)
		return v, nil
	} else if !errors.Is(err, ErrEntryNotFound) {
		return v, fmt.Errorf("ledger lookup %s: %w", key, err)
	}

	g.setState(asset, StateArmed, &key)

	confirmed, decision := g.confirm(obs, flip.To, &v)
	if !confirmed {
		v.Decision = decision
		g.logger.Info().
			Str("asset", asset).
			Str("cycle_id", obs.CycleID).
			Stringer("key", key).
			Str("decision", string(decision)).
			Int("agree", v.Agree).
			Int("considered", v.Considered).
			Msg("Flip armed, not confirmed")
		return v, nil
	}

	return g.fire(ctx, obs.CycleID, key, flip.To, v)
}

// confirm applies the classifier threshold, or the secondary-timeframe
// majority when no model is available
func (g *Gate) confirm(obs Observation, direction indicator.Trend, v *Verdict) (bool, Decision) {
	v.Agree, v.Considered = Agreement(obs.Snapshot, direction)

	if obs.PredictionErr == nil && obs.Prediction != nil {
		p := obs.Prediction.ProbabilityReverse
		v.Probability = &p
		if obs.Prediction.ExecuteHint {
			v.Basis = BasisClassifier
			return true, DecisionFired
		}
		return false, DecisionBelowThreshold
	}

	if obs.PredictionErr != nil && !errors.Is(obs.PredictionErr, ml.ErrModelUnavailable) {
		g.logger.Error().
			Err(obs.PredictionErr).
			Str("asset", obs.Snapshot.Asset).
			Str("cycle_id", obs.CycleID).
			Msg("Classifier failed, flip declined")
		return false, DecisionModelError
	}

	if v.Considered > 0 && v.Agree*2 > v.Considered {
		v.Basis = BasisMajority
		return true, DecisionFired
	}
	return false, DecisionNoConsensus
}

// Agreement counts non-borrowed secondary timeframes whose trend matches direction
func Agreement(snap *analysis.Snapshot, direction indicator.Trend) (agree, considered int) {
	for _, r := range snap.Secondary() {
		if r.Borrowed || r.Err != nil || !r.Trend.Defined() {
			continue
		}
		considered++
		if r.Trend == direction {
			agree++
		}
	}
	return agree, considered
}

func (g *Gate) fire(ctx context.Context, cycleID string, key FlipKey, direction indicator.Trend, v Verdict) (Verdict, error) {
	err := g.ledger.Claim(ctx, LedgerEntry{
		Key:       key,
		Direction: direction,
		CycleID:   cycleID,
		ClaimedAt: g.now().UTC(),
	})
	if errors.Is(err, ErrAlreadyClaimed) {
		v.Decision = DecisionAlreadyHandled
		v.Basis = ""
		g.setState(key.Asset, StateIdle, nil)
		return v, nil
	}
	if err != nil {
		g.setState(key.Asset, StateIdle, nil)
		return v, fmt.Errorf("claim %s: %w", key, err)
	}

	v.Fired = true
	v.Decision = DecisionFired
	g.setState(key.Asset, StateFired, &key)

	g.logger.Info().
		Str("asset", key.Asset).
		Str("cycle_id", cycleID).
		Stringer("key", key).
		Str("direction", direction.String()).
		Str("basis", string(v.Basis)).
		Msg("Verdict fired")
	return v, nil
}

// evaluateReentry fires the pending re-entry of a flip whose first verdict
// only closed a position. The pending mark is dropped once the trend changed.
func (g *Gate) evaluateReentry(ctx context.Context, obs Observation, primary analysis.TimeframeReading, v *Verdict) (bool, error) {
	asset := obs.Snapshot.Asset
	pending, err := g.ledger.PendingReentry(ctx, asset)
	if err != nil {
		return false, fmt.Errorf("pending reentry %s: %w", asset, err)
	}
	if pending == nil {
		return false, nil
	}

	if primary.Err != nil || primary.Trend != pending.Direction {
		g.logger.Info().
			Str("asset", asset).
			Str("cycle_id", obs.CycleID).
			Stringer("key", pending.Key).
			Msg("Trend changed, dropping pending re-entry")
		return false, g.ledger.ClearReentry(ctx, pending.Key)
	}

	key := pending.Key.WithStage(StageReentry)
	v.Key = key
	v.Direction = pending.Direction
	v.Basis = BasisReentry
	v.Agree, v.Considered = Agreement(obs.Snapshot, pending.Direction)

	if err := g.ledger.ClearReentry(ctx, pending.Key); err != nil {
		return false, fmt.Errorf("clear reentry %s: %w", pending.Key, err)
	}
	fired, err := g.fire(ctx, obs.CycleID, key, pending.Direction, *v)
	*v = fired
	if err != nil {
		return false, err
	}
	return fired.Fired, nil
}

// Complete settles a fired verdict after the position manager acted
func (g *Gate) Complete(ctx context.Context, v Verdict, outcome string, awaitingReentry bool) error {
	if !v.Fired {
		return nil
	}
	awaitingReentry = awaitingReentry && g.cfg.ReentryEnabled && v.Key.Stage == StageFlip
	err := g.ledger.Complete(ctx, v.Key, outcome, awaitingReentry)
	g.setState(v.Asset, StateIdle, nil)
	if err != nil {
		return fmt.Errorf("complete %s: %w", v.Key, err)
	}
	return nil
}

// Abandon releases the claim of a fired verdict that was not acted on, so
// the flip is reconsidered next cycle
func (g *Gate) Abandon(ctx context.Context, v Verdict, reason string) error {
	if !v.Fired {
		return nil
	}
	g.logger.Warn().
		Str("asset", v.Asset).
		Str("cycle_id", v.CycleID).
		Stringer("key", v.Key).
		Str("reason", reason).
		Msg("Verdict abandoned, claim released")

	// the claim must be released even when the cycle context is done
	err := g.ledger.Release(context.WithoutCancel(ctx), v.Key)
	g.setState(v.Asset, StateIdle, nil)
	if err != nil {
		return fmt.Errorf("release %s: %w", v.Key, err)
	}
	return nil
}

// Rearm deletes a ledger entry so its flip may fire again
func (g *Gate) Rearm(ctx context.Context, key FlipKey) error {
	if err := g.ledger.Delete(ctx, key); err != nil {
		return err
	}
	g.logger.Warn().Stringer("key", key).Msg("Flip re-armed")
	return nil
}

// Ledger exposes the backing ledger for inspection
func (g *Gate) Ledger() Ledger { return g.ledger }
