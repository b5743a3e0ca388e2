package autopilot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"hilo-trend-engine/internal/ai/ml"
	"hilo-trend-engine/internal/analysis"
	"hilo-trend-engine/internal/circuit"
	"hilo-trend-engine/internal/database"
	"hilo-trend-engine/internal/events"
	"hilo-trend-engine/internal/featurestore"
	"hilo-trend-engine/internal/logging"
	"hilo-trend-engine/internal/metrics"
	"hilo-trend-engine/internal/notification"
	"hilo-trend-engine/internal/position"
	"hilo-trend-engine/internal/signal"
)

var (
	// ErrCycleInProgress is returned when a cycle is requested while one runs
	ErrCycleInProgress = errors.New("cycle already in progress")
	// ErrAlreadyRunning is returned by Start on a running controller
	ErrAlreadyRunning = errors.New("controller already running")
)

// Config holds cycle configuration
type Config struct {
	Assets      []string
	Parallelism int
	Timeout     time.Duration
	Interval    time.Duration
}

// Aggregator produces the multi-timeframe snapshot of an asset
type Aggregator interface {
	Aggregate(ctx context.Context, asset string) (*analysis.Snapshot, error)
}

// Predictor scores a snapshot's features
type Predictor interface {
	Predict(ctx context.Context, asset string, features analysis.Features) (*ml.Prediction, error)
}

// Executor maps a fired verdict onto the exchange
type Executor interface {
	Apply(ctx context.Context, v signal.Verdict) position.OrderOutcome
}

// Locker serializes work on one asset across processes
type Locker interface {
	Acquire(ctx context.Context, asset string) (func(), error)
}

// CycleStore persists cycle summaries
type CycleStore interface {
	SaveCycle(ctx context.Context, rec database.CycleRecord) error
}

// FeatureSink receives each cycle's feature rows
type FeatureSink interface {
	Append(ctx context.Context, records []featurestore.Record) error
}

// Controller runs decision cycles: aggregate, predict, gate, execute, report
type Controller struct {
	config     Config
	aggregator Aggregator
	predictor  Predictor
	gate       *signal.Gate
	executor   Executor
	breaker    *circuit.CircuitBreaker
	locker     Locker
	cycles     CycleStore
	features   FeatureSink
	notifier   *notification.Manager
	bus        *events.EventBus
	metrics    *metrics.Recorder
	logger     zerolog.Logger
	now        func() time.Time

	cycleMu sync.Mutex

	mu          sync.RWMutex
	lastSummary *CycleSummary
	running     bool
	stopChan    chan struct{}
	done        chan struct{}
}

// NewController creates a cycle controller. Parallelism defaults to 4 and
// the cycle timeout to five minutes.
func NewController(config Config, aggregator Aggregator, gate *signal.Gate, executor Executor, logger zerolog.Logger) *Controller {
	if config.Parallelism <= 0 {
		config.Parallelism = 4
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Minute
	}
	if config.Interval <= 0 {
		config.Interval = time.Hour
	}
	return &Controller{
		config:     config,
		aggregator: aggregator,
		gate:       gate,
		executor:   executor,
		locker:     newLocalLocker(),
		logger:     logger.With().Str("component", "Autopilot").Logger(),
		now:        time.Now,
	}
}

// SetPredictor sets the reversal classifier. Without one every flip falls
// back to the secondary-timeframe majority.
func (c *Controller) SetPredictor(p Predictor) { c.predictor = p }

// SetCircuitBreaker sets the order circuit breaker
func (c *Controller) SetCircuitBreaker(cb *circuit.CircuitBreaker) { c.breaker = cb }

// SetLocker replaces the in-process asset lock
func (c *Controller) SetLocker(l Locker) {
	if l != nil {
		c.locker = l
	}
}

// SetCycleStore sets where summaries are persisted
func (c *Controller) SetCycleStore(s CycleStore) { c.cycles = s }

// SetFeatureSink sets the training corpus sink
func (c *Controller) SetFeatureSink(s FeatureSink) { c.features = s }

// SetNotifier sets the report sinks
func (c *Controller) SetNotifier(n *notification.Manager) { c.notifier = n }

// SetEventBus sets the live event bus
func (c *Controller) SetEventBus(b *events.EventBus) { c.bus = b }

// SetMetrics sets the Prometheus recorder
func (c *Controller) SetMetrics(m *metrics.Recorder) { c.metrics = m }

// Assets returns the configured asset list
func (c *Controller) Assets() []string { return c.config.Assets }

// LastSummary returns the most recent cycle report held in memory
func (c *Controller) LastSummary() *CycleSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSummary
}

// RunCycle runs one decision cycle over every configured asset. Cycles never
// overlap; a concurrent request fails with ErrCycleInProgress.
func (c *Controller) RunCycle(ctx context.Context) (*CycleSummary, error) {
	if !c.cycleMu.TryLock() {
		return nil, ErrCycleInProgress
	}
	defer c.cycleMu.Unlock()

	start := c.now()
	summary := &CycleSummary{
		CycleID:   uuid.NewString(),
		CycleTime: start.UTC(),
		Assets:    make([]AssetSummary, len(c.config.Assets)),
	}
	log := logging.CycleLogger(c.logger, summary.CycleID, summary.CycleTime, "")
	log.Info().Int("assets", len(c.config.Assets)).Msg("Cycle started")
	c.bus.PublishCycleStarted(summary.CycleID, summary.CycleTime, c.config.Assets)

	cycleCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	records := make([]*featurestore.Record, len(c.config.Assets))
	var g errgroup.Group
	g.SetLimit(c.config.Parallelism)
	for i, asset := range c.config.Assets {
		i, asset := i, asset
		g.Go(func() error {
			summary.Assets[i], records[i] = c.processAsset(cycleCtx, summary.CycleID, summary.CycleTime, asset)
			return nil
		})
	}
	_ = g.Wait()

	if errors.Is(cycleCtx.Err(), context.DeadlineExceeded) {
		summary.TimedOut = true
		log.Error().Dur("timeout", c.config.Timeout).Msg("Cycle timed out, unfinished assets abandoned")
	}
	summary.FinishedAt = c.now().UTC()
	summary.tally()

	c.mu.Lock()
	c.lastSummary = summary
	c.mu.Unlock()

	// reporting outlives the cycle deadline
	reportCtx, reportCancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer reportCancel()
	c.report(reportCtx, log, summary, records)

	duration := summary.FinishedAt.Sub(start)
	c.metrics.RecordCycle(summary.Result(), duration)
	c.bus.PublishCycleCompleted(summary.CycleID, duration, summary.Fired, summary.Failed)
	log.Info().
		Int("fired", summary.Fired).
		Int("failed", summary.Failed).
		Dur("duration", duration).
		Msg("Cycle completed")
	return summary, nil
}

// processAsset runs one asset's pipeline in isolation; failures land in the
// summary and never reach sibling assets
func (c *Controller) processAsset(ctx context.Context, cycleID string, cycleTime time.Time, asset string) (AssetSummary, *featurestore.Record) {
	start := c.now()
	log := logging.CycleLogger(c.logger, cycleID, cycleTime, asset)
	s := AssetSummary{Asset: asset}
	defer func() {
		d := c.now().Sub(start)
		s.DurationMs = d.Milliseconds()
		c.metrics.RecordAsset(asset, d)
	}()

	release, err := c.locker.Acquire(ctx, asset)
	if err != nil {
		s.Error = fmt.Sprintf("lock: %v", err)
		log.Warn().Err(err).Msg("Asset skipped, lock unavailable")
		return s, nil
	}
	defer release()

	snap, err := c.aggregator.Aggregate(ctx, asset)
	if snap != nil {
		for _, tf := range snap.Unavailable {
			c.metrics.RecordDataUnavailable(string(tf))
		}
	}
	if err != nil {
		s.Error = err.Error()
		log.Error().Err(err).Msg("Snapshot unavailable")
		c.bus.PublishError("aggregator", asset, err)
		return s, nil
	}
	primary := snap.PrimaryReading()
	s.OldTrend, s.NewTrend = primary.Trend, primary.Trend

	pred, predErr := c.predict(ctx, asset, snap)
	if errors.Is(predErr, ml.ErrModelUnavailable) {
		c.metrics.RecordModelUnavailable(asset)
	}

	verdict, err := c.gate.Evaluate(ctx, signal.Observation{
		CycleID:       cycleID,
		Snapshot:      snap,
		Prediction:    pred,
		PredictionErr: predErr,
	})
	c.publishGate(asset)
	if err != nil {
		s.Error = err.Error()
		log.Error().Err(err).Msg("Gate evaluation failed")
		c.bus.PublishError("gate", asset, err)
		return s, c.record(cycleID, cycleTime, snap, pred, "ERROR")
	}

	if verdict.Flip != nil {
		s.OldTrend = verdict.Flip.From
	}
	s.Verdict = verdict.Decision
	s.Fired = verdict.Fired
	s.Basis = verdict.Basis
	s.Probability = verdict.Probability
	c.metrics.RecordVerdict(string(verdict.Decision))
	c.bus.PublishVerdict(cycleID, asset, string(verdict.Decision), string(verdict.Basis))

	if verdict.Fired {
		c.execute(ctx, log, verdict, &s)
		c.publishGate(asset)
	}
	return s, c.record(cycleID, cycleTime, snap, pred, string(verdict.Decision))
}

func (c *Controller) predict(ctx context.Context, asset string, snap *analysis.Snapshot) (*ml.Prediction, error) {
	if c.predictor == nil {
		return nil, fmt.Errorf("%w: no classifier configured", ml.ErrModelUnavailable)
	}
	return c.predictor.Predict(ctx, asset, snap.Features)
}

// execute acts on a fired verdict and settles its ledger claim. The claim is
// released only when no exchange call was made. Once Apply ran, the key stays
// recorded, and a failed order needs an operator rearm before it fires again.
func (c *Controller) execute(ctx context.Context, log zerolog.Logger, v signal.Verdict, s *AssetSummary) {
	if c.breaker != nil {
		if ok, reason := c.breaker.CanTrade(); !ok {
			s.Error = "circuit breaker: " + reason
			c.abandon(ctx, log, v, s, reason)
			return
		}
	}
	if err := ctx.Err(); err != nil {
		s.Error = err.Error()
		c.abandon(ctx, log, v, s, "cycle deadline reached before execution")
		return
	}

	outcome := c.executor.Apply(ctx, v)
	s.OrderOutcome = &outcome
	c.metrics.RecordOrderOutcome(string(outcome.Kind))
	c.bus.PublishOrderOutcome(v.CycleID, v.Asset, string(outcome.Kind), string(outcome.Side), outcome.Quantity, outcome.Reason)

	switch outcome.Kind {
	case position.OutcomeOpened, position.OutcomeClosed:
		c.recordOrder(true)
	case position.OutcomeFailed:
		c.recordOrder(false)
		log.Error().
			Err(outcome.Err).
			Str("reason", outcome.Reason).
			Stringer("key", v.Key).
			Msg("Order failed, flip held until rearmed")
	}

	awaitingReentry := outcome.Kind == position.OutcomeClosed
	if err := c.gate.Complete(context.WithoutCancel(ctx), v, string(outcome.Kind), awaitingReentry); err != nil {
		s.Error = err.Error()
		log.Error().Err(err).Msg("Failed to settle verdict")
		return
	}
	if outcome.Kind == position.OutcomeFailed {
		s.Settlement = SettlementHeld
		return
	}
	s.Settlement = SettlementCompleted
}

func (c *Controller) abandon(ctx context.Context, log zerolog.Logger, v signal.Verdict, s *AssetSummary, reason string) {
	s.Settlement = SettlementAbandoned
	if err := c.gate.Abandon(ctx, v, reason); err != nil {
		log.Error().Err(err).Msg("Failed to release claim")
		if s.Error == "" {
			s.Error = err.Error()
		}
	}
}

func (c *Controller) recordOrder(success bool) {
	if c.breaker == nil {
		return
	}
	tripped := c.breaker.GetState() == circuit.StateOpen
	c.breaker.RecordOrder(success)
	if !tripped && c.breaker.GetState() == circuit.StateOpen {
		c.metrics.RecordBreakerTrip()
	}
}

func (c *Controller) publishGate(asset string) {
	st := c.gate.Status(asset)
	c.bus.PublishGateState(asset, string(st.State))
	c.metrics.SetGateState(asset, gateStateValue(st.State))
}

func gateStateValue(s signal.State) int {
	switch s {
	case signal.StateArmed:
		return 1
	case signal.StateFired:
		return 2
	default:
		return 0
	}
}

func (c *Controller) record(cycleID string, cycleTime time.Time, snap *analysis.Snapshot, pred *ml.Prediction, verdict string) *featurestore.Record {
	if c.features == nil {
		return nil
	}
	rec := featurestore.NewRecord(cycleID, cycleTime, snap, pred, verdict)
	return &rec
}

// report persists and publishes the summary. Sink failures are logged and
// never fail the cycle.
func (c *Controller) report(ctx context.Context, log zerolog.Logger, summary *CycleSummary, records []*featurestore.Record) {
	if c.cycles != nil {
		payload, err := json.Marshal(summary)
		if err != nil {
			log.Error().Err(err).Msg("Failed to encode cycle summary")
		} else if err := c.cycles.SaveCycle(ctx, database.CycleRecord{
			CycleID:    summary.CycleID,
			StartedAt:  summary.CycleTime,
			FinishedAt: summary.FinishedAt,
			Assets:     len(summary.Assets),
			Fired:      summary.Fired,
			Failed:     summary.Failed,
			Payload:    payload,
		}); err != nil {
			log.Error().Err(err).Msg("Failed to persist cycle summary")
		}
	}

	if c.features != nil {
		rows := make([]featurestore.Record, 0, len(records))
		for _, r := range records {
			if r != nil {
				rows = append(rows, *r)
			}
		}
		if err := c.features.Append(ctx, rows); err != nil {
			log.Warn().Err(err).Msg("Failed to append feature rows")
		}
	}

	if c.notifier != nil {
		if err := c.notifier.SendCycleSummary(ctx, summary.CycleID, len(summary.Assets), summary.Fired, summary.Failed, summary); err != nil {
			log.Warn().Err(err).Msg("Cycle summary delivery incomplete")
		}
	}
}

// Start runs a cycle immediately and then on every interval until Stop
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	c.stopChan = make(chan struct{})
	c.done = make(chan struct{})
	c.mu.Unlock()

	c.logger.Info().
		Dur("interval", c.config.Interval).
		Strs("assets", c.config.Assets).
		Msg("Autopilot started")

	go c.runLoop(ctx)
	return nil
}

// Stop halts the loop and waits for the running cycle to finish
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopChan)
	done := c.done
	c.mu.Unlock()

	<-done
	c.logger.Info().Msg("Autopilot stopped")
}

// IsRunning returns if the loop is running
func (c *Controller) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

func (c *Controller) runLoop(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	c.runScheduled(ctx)
	for {
		select {
		case <-ticker.C:
			c.runScheduled(ctx)
		case <-c.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Controller) runScheduled(ctx context.Context) {
	if _, err := c.RunCycle(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("Scheduled cycle skipped")
	}
}

// localLocker is the in-process keyed mutex used when no distributed lock
// is configured
type localLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newLocalLocker() *localLocker {
	return &localLocker{locks: make(map[string]*sync.Mutex)}
}

func (l *localLocker) Acquire(ctx context.Context, asset string) (func(), error) {
	l.mu.Lock()
	m, ok := l.locks[asset]
	if !ok {
		m = &sync.Mutex{}
		l.locks[asset] = m
	}
	l.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.Lock()
	return m.Unlock, nil
}
