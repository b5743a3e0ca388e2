// Package app assembles the engine from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"hilo-trend-engine/config"
	"hilo-trend-engine/internal/ai/ml"
	"hilo-trend-engine/internal/analysis"
	"hilo-trend-engine/internal/api"
	"hilo-trend-engine/internal/auth"
	"hilo-trend-engine/internal/autopilot"
	"hilo-trend-engine/internal/backtest"
	"hilo-trend-engine/internal/binance"
	"hilo-trend-engine/internal/circuit"
	"hilo-trend-engine/internal/database"
	"hilo-trend-engine/internal/events"
	"hilo-trend-engine/internal/featurestore"
	"hilo-trend-engine/internal/indicator"
	"hilo-trend-engine/internal/logging"
	"hilo-trend-engine/internal/marketdata"
	"hilo-trend-engine/internal/metrics"
	"hilo-trend-engine/internal/notification"
	"hilo-trend-engine/internal/optimizer"
	"hilo-trend-engine/internal/position"
	"hilo-trend-engine/internal/signal"
	"hilo-trend-engine/internal/vault"
)

// App holds every wired component of the engine
type App struct {
	cfg     *config.Config
	logger  zerolog.Logger
	closers []func()

	DB       *database.DB
	Redis    *redis.Client
	Vault    *vault.Client
	Bus      *events.EventBus
	Metrics  *metrics.Recorder
	Notifier *notification.Manager
	Breaker  *circuit.CircuitBreaker

	Market     marketdata.Provider
	Periods    *analysis.PeriodTable
	Aggregator *analysis.Aggregator
	Models     *ml.Registry
	Classifier *ml.Classifier
	Gate       *signal.Gate
	Positions  *position.Manager
	Backtester *backtest.Backtester
	Optimizer  *optimizer.Optimizer
	Controller *autopilot.Controller
	Features   *featurestore.Store
	JWT        *auth.JWTManager

	client      *binance.FuturesClientImpl
	bars        marketdata.Provider
	periodStore *database.PeriodRepository
	runStore    *database.OptimizerRunRepository
	cycleStore  *database.CycleRepository
	primary     marketdata.Timeframe
}

// Option customizes how New assembles the engine
type Option func(*App)

// WithMarketData replaces the exchange klines feed with provider. In dry-run
// mode the paper exchange fills at the provider's latest primary close.
func WithMarketData(provider marketdata.Provider) Option {
	return func(a *App) { a.bars = provider }
}

// New connects the configured stores and builds the engine. Optional stores
// that are disabled are skipped; an enabled store that cannot be reached is
// an error.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		logger:   logger.With().Str("component", "App").Logger(),
		Bus:      events.NewEventBus(),
		Metrics:  metrics.New(),
		Notifier: notification.NewManager(logger),
	}
	for _, opt := range opts {
		opt(a)
	}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"database", a.initDatabase},
		{"redis", a.initRedis},
		{"vault", a.initVault},
		{"notifications", a.initNotifications},
		{"feature store", a.initFeatureStore},
		{"engine", a.initEngine},
		{"exchange", a.initExchange},
		{"controller", a.initController},
		{"auth", a.initAuth},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("initialize %s: %w", step.name, err)
		}
	}
	return a, nil
}

// Config returns the loaded configuration
func (a *App) Config() *config.Config { return a.cfg }

// Close releases every connection in reverse order of creation
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) onClose(fn func()) { a.closers = append(a.closers, fn) }

func (a *App) initDatabase(ctx context.Context) error {
	if !a.cfg.Database.Enabled {
		a.logger.Warn().Msg("Database disabled, using the in-memory ledger")
		return nil
	}
	db, err := database.NewDB(ctx, DatabaseConfig(a.cfg.Database), a.logger)
	if err != nil {
		return err
	}
	a.onClose(db.Close)
	if err := db.RunMigrations(ctx); err != nil {
		return err
	}
	a.DB = db
	a.periodStore = database.NewPeriodRepository(db)
	a.runStore = database.NewOptimizerRunRepository(db)
	a.cycleStore = database.NewCycleRepository(db)
	return nil
}

func (a *App) initRedis(ctx context.Context) error {
	if !a.cfg.Redis.Enabled {
		return nil
	}
	client, err := database.NewRedisClient(ctx, RedisConfig(a.cfg.Redis))
	if err != nil {
		return err
	}
	a.onClose(func() { client.Close() })
	a.Redis = client
	return nil
}

func (a *App) initVault(ctx context.Context) error {
	client, err := vault.NewClient(a.cfg.Vault)
	if err != nil {
		return err
	}
	a.Vault = client
	if !client.IsEnabled() || a.cfg.Futures.DryRun {
		return nil
	}
	if a.cfg.Binance.APIKey != "" && a.cfg.Binance.SecretKey != "" {
		return nil
	}

	creds, err := client.GetCredentials(ctx, a.cfg.Binance.TestNet)
	if err != nil {
		return err
	}
	a.cfg.Binance.APIKey = creds.APIKey
	a.cfg.Binance.SecretKey = creds.SecretKey
	a.logger.Info().Bool("testnet", creds.IsTestnet).Msg("Exchange credentials loaded from Vault")
	return nil
}

func (a *App) initNotifications(ctx context.Context) error {
	if a.cfg.Notification.LogSummaries {
		a.Notifier.AddNotifier(notification.NewLogNotifier(a.logger))
	}
	if a.cfg.Notification.Webhook.Enabled {
		a.Notifier.AddNotifier(notification.NewWebhookNotifier(notification.WebhookConfig{
			URL:     a.cfg.Notification.Webhook.URL,
			Enabled: true,
		}))
	}
	if a.cfg.Kafka.Enabled {
		kn, err := notification.NewKafkaNotifier(KafkaConfig(a.cfg.Kafka))
		if err != nil {
			return err
		}
		a.onClose(func() { kn.Close() })
		a.Notifier.AddNotifier(kn)
	}
	return nil
}

func (a *App) initFeatureStore(ctx context.Context) error {
	if !a.cfg.ClickHouse.Enabled {
		return nil
	}
	store, err := featurestore.Open(ctx, FeatureStoreConfig(a.cfg.ClickHouse), a.logger)
	if err != nil {
		return err
	}
	a.onClose(func() { store.Close() })
	if err := store.InitSchema(ctx); err != nil {
		return err
	}
	a.Features = store
	return nil
}

func (a *App) initEngine(ctx context.Context) error {
	maType, err := indicator.ParseMAType(a.cfg.Engine.MAType)
	if err != nil {
		return err
	}
	engine := indicator.NewEngine(maType)

	aggCfg, err := AggregatorConfig(a.cfg.Engine)
	if err != nil {
		return err
	}
	a.primary = aggCfg.Primary

	byTimeframe, err := TimeframePeriods(a.cfg.Engine.TimeframePeriods)
	if err != nil {
		return err
	}
	a.Periods = analysis.NewPeriodTable(a.cfg.Engine.DefaultPeriod, upperKeys(a.cfg.Engine.PeriodByAsset), byTimeframe)
	if a.periodStore != nil {
		n, err := a.periodStore.LoadInto(ctx, a.Periods)
		if err != nil {
			return err
		}
		a.logger.Info().Int("periods", n).Msg("Loaded optimized periods")
	}

	feeModel, err := backtest.ParseFeeModel(a.cfg.Backtest.FeeModel)
	if err != nil {
		return err
	}
	a.Backtester, err = backtest.NewBacktester(engine, backtest.Config{
		Timeframe:          aggCfg.Primary,
		FeeModel:           feeModel,
		TradingDaysPerYear: a.cfg.Backtest.TradingDaysPerYear,
	})
	if err != nil {
		return err
	}

	var hints optimizer.ChainHints
	if len(a.cfg.Optimizer.Hints) > 0 {
		hints = append(hints, optimizer.StaticHints(upperKeys(a.cfg.Optimizer.Hints)))
	}
	if a.runStore != nil && a.cfg.Optimizer.HintsFromRuns {
		maxAge := time.Duration(a.cfg.Optimizer.HintMaxAgeHours) * time.Hour
		hints = append(hints, database.NewRunHints(a.runStore, a.cfg.Optimizer.HintTopN, maxAge))
	}
	var hintSource optimizer.HintSource
	if len(hints) > 0 {
		hintSource = hints
	}
	a.Optimizer = optimizer.New(a.Backtester, hintSource, OptimizerConfig(a.cfg.Optimizer, a.cfg.Backtest), a.logger)

	a.client = binance.NewFuturesClient(BinanceConfig(a.cfg.Binance), a.logger)
	if a.bars != nil {
		a.Market = marketdata.NewCachedProvider(a.bars)
	} else {
		a.Market = marketdata.NewCachedProvider(
			marketdata.NewRetryingProvider(binance.NewKlineProvider(a.client), uint64(a.cfg.Cycle.FetchRetries), a.logger),
		)
	}
	a.Aggregator = analysis.NewAggregator(a.Market, engine, a.Periods, aggCfg, a.logger)

	a.Models = ml.NewRegistry(a.cfg.Classifier.ModelsDir, a.cfg.Classifier.ONNXLibraryPath, a.logger)
	a.onClose(func() { a.Models.Close() })
	a.Classifier = ml.NewClassifier(a.Models, ml.ClassifierConfig{
		Enabled:   a.cfg.Classifier.Enabled,
		Threshold: a.cfg.Classifier.ReversalThreshold,
	}, a.logger)

	var ledger signal.Ledger = signal.NewMemoryLedger()
	if a.DB != nil {
		ledger = database.NewLedgerRepository(a.DB)
	}
	a.Gate = signal.NewGate(ledger, signal.GateConfig{
		MaxFlipAgeBars: a.cfg.Engine.MaxFlipAgeBars,
		ReentryEnabled: a.cfg.Cycle.ReentryEnabled,
	}, a.logger)
	return nil
}

func (a *App) initExchange(ctx context.Context) error {
	var market binance.MarketData = a.client
	if a.bars != nil {
		market = &barsMarket{provider: a.bars, priceTF: a.primary}
	}

	var client binance.FuturesClient = a.client
	if a.cfg.Futures.DryRun {
		client = binance.NewFuturesMockClient(a.cfg.Futures.PaperBalance, market)
		a.logger.Warn().Float64("balance", a.cfg.Futures.PaperBalance).Msg("Paper trading enabled")
	}
	exchange := binance.NewExchange(client)

	var repo position.Repository = position.NewMemoryRepository()
	if a.Redis != nil {
		repo = database.NewRedisPositionRepository(a.Redis, a.cfg.Redis.Prefix, a.logger)
	}

	sizer := position.NewSizer(SizerConfig(a.cfg.Futures))
	a.Positions = position.NewManager(exchange, exchange, sizer, repo, position.Config{
		Leverage:    a.cfg.Futures.Leverage,
		MarginType:  position.MarginType(a.cfg.Futures.MarginType),
		StopLossPct: a.cfg.Futures.StopLossPct,
	}, a.logger)
	return nil
}

func (a *App) initController(ctx context.Context) error {
	a.Breaker = circuit.NewCircuitBreaker(a.cfg.CircuitBreaker)
	a.Breaker.OnTrip(func(reason string) {
		a.Bus.PublishCircuitBreaker(string(circuit.StateOpen), reason)
		nctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.Notifier.SendCircuitBreaker(nctx, reason); err != nil {
			a.logger.Warn().Err(err).Msg("Circuit breaker notification failed")
		}
	})
	a.Breaker.OnReset(func() {
		a.Bus.PublishCircuitBreaker(string(circuit.StateClosed), "reset")
	})

	c := autopilot.NewController(autopilot.Config{
		Assets:      upperList(a.cfg.Engine.Assets),
		Parallelism: a.cfg.Cycle.Parallelism,
		Timeout:     a.cfg.CycleTimeout(),
		Interval:    a.cfg.CycleInterval(),
	}, a.Aggregator, a.Gate, a.Positions, a.logger)

	c.SetPredictor(a.Classifier)
	c.SetCircuitBreaker(a.Breaker)
	c.SetNotifier(a.Notifier)
	c.SetEventBus(a.Bus)
	c.SetMetrics(a.Metrics)
	if a.Redis != nil {
		ttl := time.Duration(a.cfg.Redis.LockTTLSecs) * time.Second
		c.SetLocker(database.NewAssetLocker(a.Redis, a.cfg.Redis.Prefix, ttl, a.logger))
	}
	if a.cycleStore != nil {
		c.SetCycleStore(a.cycleStore)
	}
	if a.Features != nil {
		c.SetFeatureSink(a.Features)
	}
	a.Controller = c
	return nil
}

func (a *App) initAuth(ctx context.Context) error {
	if !a.cfg.Auth.Enabled {
		return nil
	}
	a.JWT = NewJWTManager(a.cfg.Auth)
	return nil
}

// NewJWTManager builds the token manager for the operator API
func NewJWTManager(cfg config.AuthConfig) *auth.JWTManager {
	return auth.NewJWTManager(cfg.JWTSecret, cfg.Issuer, time.Duration(cfg.TokenDurationMin)*time.Minute)
}

// Server builds the operator API over the wired components
func (a *App) Server() *api.Server {
	deps := api.Dependencies{
		Cycles:    a.Controller,
		Gate:      a.Gate,
		Positions: a.Positions,
		Optimizer: a,
		Metrics:   a.Metrics,
		Bus:       a.Bus,
		JWT:       a.JWT,
	}
	if a.cycleStore != nil {
		deps.History = a.cycleStore
	}
	if a.DB != nil {
		deps.Health = append(deps.Health, api.HealthCheck{Name: "postgres", Check: a.DB.HealthCheck})
	}
	if a.Redis != nil {
		deps.Health = append(deps.Health, api.HealthCheck{Name: "redis", Check: func(ctx context.Context) error {
			return a.Redis.Ping(ctx).Err()
		}})
	}
	if a.Vault.IsEnabled() {
		deps.Health = append(deps.Health, api.HealthCheck{Name: "vault", Check: a.Vault.Health})
	}

	s := a.cfg.Server
	return api.NewServer(api.ServerConfig{
		Host:            s.Host,
		Port:            s.Port,
		AllowedOrigins:  s.AllowedOrigins,
		ReadTimeout:     time.Duration(s.ReadTimeoutSecs) * time.Second,
		WriteTimeout:    time.Duration(s.WriteTimeoutSecs) * time.Second,
		ShutdownTimeout: time.Duration(s.ShutdownTimeoutSecs) * time.Second,
	}, deps, a.logger)
}

// History fetches the primary-timeframe bars used for backtests
func (a *App) History(ctx context.Context, asset string) ([]marketdata.PriceBar, error) {
	return a.Market.FetchBars(ctx, strings.ToUpper(asset), a.primary, a.cfg.Optimizer.HistoryBars)
}

// OptimizeAsset searches the best period for asset without applying it
func (a *App) OptimizeAsset(ctx context.Context, asset string) (*optimizer.Outcome, error) {
	return a.Optimize(ctx, asset, false)
}

// Optimize searches the best period for asset, records the run and, when
// apply is set and the optimizer recommends it, activates the new period
func (a *App) Optimize(ctx context.Context, asset string, apply bool) (*optimizer.Outcome, error) {
	asset = strings.ToUpper(asset)
	bars, err := a.History(ctx, asset)
	if err != nil {
		return nil, err
	}

	outcome, err := a.Optimizer.Optimize(ctx, optimizer.Request{
		Asset:         asset,
		Bars:          bars,
		CurrentPeriod: a.Periods.AssetPeriod(asset),
	})
	if err != nil {
		return nil, err
	}

	if a.runStore != nil {
		if _, err := a.runStore.SaveRun(ctx, outcome); err != nil {
			a.logger.Warn().Err(err).Str("asset", asset).Msg("Failed to record optimizer run")
		}
	}

	if apply && outcome.Recommend {
		if err := a.applyPeriod(ctx, asset, outcome); err != nil {
			return outcome, err
		}
	}
	return outcome, nil
}

func (a *App) applyPeriod(ctx context.Context, asset string, outcome *optimizer.Outcome) error {
	a.Periods.Set(asset, outcome.RecommendedPeriod)
	a.logger.Info().
		Str("asset", asset).
		Int("from", outcome.CurrentPeriod).
		Int("to", outcome.RecommendedPeriod).
		Float64("improvement_pct", outcome.ImprovementPct).
		Msg("Applied optimized period")

	if a.periodStore == nil {
		return nil
	}
	score := outcome.BestScore
	return a.periodStore.SavePeriod(ctx, database.PeriodRecord{
		Asset:  asset,
		Period: outcome.RecommendedPeriod,
		Score:  &score,
		Source: "optimizer",
	})
}

// Backtest replays asset at period over its history
func (a *App) Backtest(ctx context.Context, asset string, period int) (backtest.Result, error) {
	asset = strings.ToUpper(asset)
	if period <= 0 {
		period = a.Periods.AssetPeriod(asset)
	}
	bars, err := a.History(ctx, asset)
	if err != nil {
		return backtest.Result{}, err
	}

	res := a.Backtester.Evaluate(bars, period, a.cfg.Backtest.FeeRate)
	logger := logging.BacktestContext(a.logger, asset, period, res.From, res.To)
	logger.Info().
		Int("trades", res.NumTrades).
		Float64("net_return", res.NetReturn).
		Float64("sharpe", res.Sharpe).
		Msg("Backtest complete")
	return res, nil
}

// Screen checks whether asset qualifies for the monitored universe
func (a *App) Screen(ctx context.Context, asset string) (*optimizer.ScreenResult, error) {
	asset = strings.ToUpper(asset)
	bars, err := a.History(ctx, asset)
	if err != nil && !errors.Is(err, marketdata.ErrDataUnavailable) {
		return nil, err
	}
	return a.Optimizer.Screen(ctx, asset, bars, optimizer.ScreenCriteria{
		MinBars:     a.cfg.Optimizer.ScreenMinBars,
		MinAccuracy: a.cfg.Optimizer.ScreenMinAccuracy,
		MinSharpe:   a.cfg.Optimizer.ScreenMinSharpe,
	})
}
