package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"hilo-trend-engine/config"
	"hilo-trend-engine/internal/analysis"
	"hilo-trend-engine/internal/binance"
	"hilo-trend-engine/internal/database"
	"hilo-trend-engine/internal/featurestore"
	"hilo-trend-engine/internal/marketdata"
	"hilo-trend-engine/internal/notification"
	"hilo-trend-engine/internal/optimizer"
	"hilo-trend-engine/internal/position"
)

// DatabaseConfig maps the postgres section onto the pool settings
func DatabaseConfig(c config.DatabaseConfig) database.Config {
	return database.Config{
		Host:     c.Host,
		Port:     c.Port,
		User:     c.User,
		Password: c.Password,
		Database: c.Database,
		SSLMode:  c.SSLMode,
		MaxConns: c.MaxConns,
	}
}

// RedisConfig maps the redis section onto the client settings
func RedisConfig(c config.RedisConfig) database.RedisConfig {
	return database.RedisConfig{
		Address:  c.Address,
		Password: c.Password,
		DB:       c.DB,
		PoolSize: c.PoolSize,
		Prefix:   c.Prefix,
	}
}

// KafkaConfig maps the kafka section onto the notifier settings
func KafkaConfig(c config.KafkaConfig) notification.KafkaConfig {
	return notification.KafkaConfig{
		Enabled:      c.Enabled,
		Brokers:      c.Brokers,
		Topic:        c.Topic,
		Compression:  c.Compression,
		RequiredAcks: c.RequiredAcks,
		MaxAttempts:  c.MaxAttempts,
		WriteTimeout: 10 * time.Second,
	}
}

// FeatureStoreConfig maps the clickhouse section onto the store settings
func FeatureStoreConfig(c config.ClickHouseConfig) featurestore.Config {
	return featurestore.Config{
		Enabled:      c.Enabled,
		Host:         c.Host,
		Port:         c.Port,
		Database:     c.Database,
		User:         c.User,
		Password:     c.Password,
		Table:        c.Table,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  30 * time.Second,
		MaxOpenConns: 4,
		AsyncInsert:  c.AsyncInsert,
	}
}

// BinanceConfig maps the exchange section onto the REST client settings
func BinanceConfig(c config.BinanceConfig) binance.ClientConfig {
	return binance.ClientConfig{
		APIKey:            c.APIKey,
		SecretKey:         c.SecretKey,
		Testnet:           c.TestNet,
		BaseURL:           c.BaseURL,
		Timeout:           time.Duration(c.TimeoutSecs) * time.Second,
		RecvWindow:        c.RecvWindow,
		MaxRetries:        uint64(c.MaxRetries),
		RequestsPerSecond: c.RequestsPerSecond,
		Burst:             c.Burst,
	}
}

// SizerConfig maps the futures section onto the tier allocation
func SizerConfig(c config.FuturesConfig) position.SizerConfig {
	return position.SizerConfig{
		TotalCapital:      c.TotalCapital,
		Leverage:          c.Leverage,
		TierAllocation:    c.TierAllocation,
		AssetTiers:        upperKeys(c.AssetTiers),
		DefaultTier:       c.DefaultTier,
		QuantityPrecision: upperKeys(c.QuantityPrecision),
		DefaultPrecision:  c.DefaultPrecision,
	}
}

// OptimizerConfig maps the optimizer section, taking the fee from the backtest section
func OptimizerConfig(c config.OptimizerConfig, bt config.BacktestConfig) optimizer.Config {
	cfg := optimizer.DefaultConfig()
	if len(c.CandidatePeriods) > 0 {
		cfg.CandidatePeriods = c.CandidatePeriods
	}
	cfg.Weights = optimizer.Weights{
		Accuracy: c.ScoreWeights.Accuracy,
		Sharpe:   c.ScoreWeights.Sharpe,
		Return:   c.ScoreWeights.Return,
	}
	cfg.Scales = optimizer.Scales{
		Accuracy: c.ScoreScales.Accuracy,
		Sharpe:   c.ScoreScales.Sharpe,
		Return:   c.ScoreScales.Return,
	}
	cfg.MinImprovementPct = c.MinImprovementPct
	cfg.Parallelism = c.Parallelism
	cfg.MinBars = c.MinBars
	cfg.FeeRate = bt.FeeRate
	return cfg
}

// AggregatorConfig parses the monitored timeframes
func AggregatorConfig(c config.EngineConfig) (analysis.AggregatorConfig, error) {
	tfs, err := marketdata.ParseTimeframes(c.Timeframes)
	if err != nil {
		return analysis.AggregatorConfig{}, err
	}
	return analysis.AggregatorConfig{
		Timeframes: tfs,
		Primary:    marketdata.Timeframe(c.PrimaryTimeframe),
		Fallback:   marketdata.Timeframe(c.FallbackTimeframe),
		BarLimit:   c.BarLimit,
	}, nil
}

// TimeframePeriods converts per-asset timeframe overrides
func TimeframePeriods(in map[string]map[string]int) (map[string]map[marketdata.Timeframe]int, error) {
	out := make(map[string]map[marketdata.Timeframe]int, len(in))
	for asset, byTF := range in {
		periods := make(map[marketdata.Timeframe]int, len(byTF))
		for raw, period := range byTF {
			tf := marketdata.Timeframe(raw)
			if _, err := tf.Duration(); err != nil {
				return nil, fmt.Errorf("timeframe_periods.%s: %w", asset, err)
			}
			periods[tf] = period
		}
		out[strings.ToUpper(asset)] = periods
	}
	return out, nil
}

func upperKeys[V any](in map[string]V) map[string]V {
	if in == nil {
		return nil
	}
	out := make(map[string]V, len(in))
	for k, v := range in {
		out[strings.ToUpper(k)] = v
	}
	return out
}

func upperList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, strings.ToUpper(strings.TrimSpace(s)))
	}
	return out
}

// barsMarket serves the exchange market-data surface from a bar provider,
// so paper trading can run on recorded series
type barsMarket struct {
	provider marketdata.Provider
	priceTF  marketdata.Timeframe
}

func (m *barsMarket) GetFuturesKlines(ctx context.Context, symbol, interval string, limit int) ([]binance.Kline, error) {
	tf := marketdata.Timeframe(interval)
	d, err := tf.Duration()
	if err != nil {
		return nil, err
	}
	bars, err := m.provider.FetchBars(ctx, symbol, tf, limit)
	if err != nil {
		return nil, err
	}
	klines := make([]binance.Kline, len(bars))
	for i, b := range bars {
		klines[i] = binance.Kline{
			OpenTime:  b.Timestamp.UnixMilli(),
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
			CloseTime: b.Timestamp.Add(d).UnixMilli() - 1,
		}
	}
	return klines, nil
}

func (m *barsMarket) GetFuturesCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	bars, err := m.provider.FetchBars(ctx, symbol, m.priceTF, 1)
	if err != nil {
		return 0, err
	}
	if len(bars) == 0 {
		return 0, fmt.Errorf("%w: no price for %s", marketdata.ErrDataUnavailable, symbol)
	}
	return bars[len(bars)-1].Close, nil
}
