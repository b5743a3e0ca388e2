package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"hilo-trend-engine/internal/circuit"
	"hilo-trend-engine/internal/logging"
)

// DefaultFiles are tried in order when no config path is given
var DefaultFiles = []string{"config.yaml", "config.yml", "config.json"}

type Config struct {
	Engine         EngineConfig                 `json:"engine" yaml:"engine"`
	Backtest       BacktestConfig               `json:"backtest" yaml:"backtest"`
	Optimizer      OptimizerConfig              `json:"optimizer" yaml:"optimizer"`
	Classifier     ClassifierConfig             `json:"classifier" yaml:"classifier"`
	Futures        FuturesConfig                `json:"futures" yaml:"futures"`
	Binance        BinanceConfig                `json:"binance" yaml:"binance"`
	Cycle          CycleConfig                  `json:"cycle" yaml:"cycle"`
	Database       DatabaseConfig               `json:"database" yaml:"database"`
	Redis          RedisConfig                  `json:"redis" yaml:"redis"`
	ClickHouse     ClickHouseConfig             `json:"clickhouse" yaml:"clickhouse"`
	Kafka          KafkaConfig                  `json:"kafka" yaml:"kafka"`
	Notification   NotificationConfig           `json:"notification" yaml:"notification"`
	Vault          VaultConfig                  `json:"vault" yaml:"vault"`
	Server         ServerConfig                 `json:"server" yaml:"server"`
	Auth           AuthConfig                   `json:"auth" yaml:"auth"`
	Logging        logging.Config               `json:"logging" yaml:"logging"`
	CircuitBreaker circuit.CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker"`
}

// EngineConfig selects the monitored assets and how their trends are read
type EngineConfig struct {
	Assets            []string                  `json:"assets" yaml:"assets" validate:"required,min=1,dive,required"`
	DefaultPeriod     int                       `json:"default_period" yaml:"default_period" default:"14" validate:"min=2"`
	PeriodByAsset     map[string]int            `json:"period_by_asset" yaml:"period_by_asset" validate:"dive,min=2"`
	TimeframePeriods  map[string]map[string]int `json:"timeframe_periods" yaml:"timeframe_periods"`
	Timeframes        []string                  `json:"timeframes" yaml:"timeframes" validate:"dive,oneof=15m 30m 1h 4h 6h 8h 12h 1d"`
	PrimaryTimeframe  string                    `json:"primary_timeframe" yaml:"primary_timeframe" default:"1d" validate:"oneof=15m 30m 1h 4h 6h 8h 12h 1d"`
	FallbackTimeframe string                    `json:"fallback_timeframe" yaml:"fallback_timeframe" default:"1d" validate:"oneof=15m 30m 1h 4h 6h 8h 12h 1d"`
	MAType            string                    `json:"ma_type" yaml:"ma_type" default:"SMA" validate:"oneof=SMA EMA sma ema"`
	BarLimit          int                       `json:"bar_limit" yaml:"bar_limit" default:"500" validate:"min=10,max=1500"`
	MaxFlipAgeBars    int                       `json:"max_flip_age_bars" yaml:"max_flip_age_bars" default:"1" validate:"min=1"`
}

type BacktestConfig struct {
	FeeRate            float64 `json:"fee_rate" yaml:"fee_rate" default:"0.0005" validate:"gte=0,lt=1"`
	FeeModel           string  `json:"fee_model" yaml:"fee_model" default:"per_flip" validate:"oneof=per_flip round_trip"`
	TradingDaysPerYear float64 `json:"trading_days_per_year" yaml:"trading_days_per_year" default:"252" validate:"gt=0"`
}

type ScoreWeights struct {
	Accuracy float64 `json:"accuracy" yaml:"accuracy" default:"0.4" validate:"gte=0"`
	Sharpe   float64 `json:"sharpe" yaml:"sharpe" default:"0.3" validate:"gte=0"`
	Return   float64 `json:"return" yaml:"return" default:"0.3" validate:"gte=0"`
}

type ScoreScales struct {
	Accuracy float64 `json:"accuracy" yaml:"accuracy" default:"0.7" validate:"gt=0"`
	Sharpe   float64 `json:"sharpe" yaml:"sharpe" default:"1.5" validate:"gt=0"`
	Return   float64 `json:"return" yaml:"return" default:"0.2" validate:"gt=0"`
}

type OptimizerConfig struct {
	CandidatePeriods  []int            `json:"candidate_periods" yaml:"candidate_periods" validate:"dive,min=2"`
	ScoreWeights      ScoreWeights     `json:"score_weights" yaml:"score_weights"`
	ScoreScales       ScoreScales      `json:"score_scales" yaml:"score_scales"`
	MinImprovementPct float64          `json:"min_improvement_pct" yaml:"min_improvement_pct" default:"5" validate:"gte=0"`
	Parallelism       int              `json:"parallelism" yaml:"parallelism" default:"4" validate:"min=1"`
	MinBars           int              `json:"min_bars" yaml:"min_bars" default:"100" validate:"min=2"`
	HistoryBars       int              `json:"history_bars" yaml:"history_bars" default:"1000" validate:"min=2,max=1500"`
	ScreenMinBars     int              `json:"screen_min_bars" yaml:"screen_min_bars" default:"252" validate:"min=1"`
	ScreenMinAccuracy float64          `json:"screen_min_accuracy" yaml:"screen_min_accuracy" default:"0.55"`
	ScreenMinSharpe   float64          `json:"screen_min_sharpe" yaml:"screen_min_sharpe" default:"0.5"`
	Hints             map[string][]int `json:"hints" yaml:"hints"`
	HintsFromRuns     bool             `json:"hints_from_runs" yaml:"hints_from_runs" default:"true"`
	HintTopN          int              `json:"hint_top_n" yaml:"hint_top_n" default:"5" validate:"min=1"`
	HintMaxAgeHours   int              `json:"hint_max_age_hours" yaml:"hint_max_age_hours" default:"720" validate:"min=0"`
}

type ClassifierConfig struct {
	Enabled           bool    `json:"enabled" yaml:"enabled" default:"true"`
	ModelsDir         string  `json:"models_dir" yaml:"models_dir" default:"models"`
	ReversalThreshold float64 `json:"reversal_threshold" yaml:"reversal_threshold" default:"0.7" validate:"gte=0,lte=1"`
	ONNXLibraryPath   string  `json:"onnx_library_path" yaml:"onnx_library_path"`
}

// FuturesConfig holds Binance Futures trading configuration
type FuturesConfig struct {
	Leverage          int             `json:"leverage" yaml:"leverage" default:"3" validate:"min=1,max=125"`
	MarginType        string          `json:"margin_type" yaml:"margin_type" default:"ISOLATED" validate:"oneof=ISOLATED CROSSED"`
	DryRun            bool            `json:"dry_run" yaml:"dry_run" default:"true"`
	PaperBalance      float64         `json:"paper_balance" yaml:"paper_balance" default:"10000" validate:"gt=0"`
	StopLossPct       float64         `json:"stop_loss_pct" yaml:"stop_loss_pct" default:"0" validate:"gte=0,lt=100"`
	TotalCapital      float64         `json:"total_capital" yaml:"total_capital" default:"2000" validate:"gt=0"`
	TierAllocation    map[int]float64 `json:"tier_allocation" yaml:"tier_allocation" validate:"dive,gt=0,lte=1"`
	AssetTiers        map[string]int  `json:"asset_tiers" yaml:"asset_tiers"`
	DefaultTier       int             `json:"default_tier" yaml:"default_tier" default:"3" validate:"min=1"`
	QuantityPrecision map[string]int  `json:"quantity_precision" yaml:"quantity_precision"`
	DefaultPrecision  int             `json:"default_precision" yaml:"default_precision" default:"3" validate:"min=0,max=8"`
}

type BinanceConfig struct {
	APIKey            string  `json:"api_key" yaml:"api_key"`
	SecretKey         string  `json:"secret_key" yaml:"secret_key"`
	BaseURL           string  `json:"base_url" yaml:"base_url"`
	TestNet           bool    `json:"testnet" yaml:"testnet"`
	TimeoutSecs       int     `json:"timeout_secs" yaml:"timeout_secs" default:"15" validate:"min=1"`
	RecvWindow        int     `json:"recv_window" yaml:"recv_window" default:"10000"`
	MaxRetries        int     `json:"max_retries" yaml:"max_retries" default:"3" validate:"min=0"`
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second" default:"10" validate:"gt=0"`
	Burst             int     `json:"burst" yaml:"burst" default:"5" validate:"min=1"`
}

type CycleConfig struct {
	Parallelism     int  `json:"parallelism" yaml:"parallelism" default:"4" validate:"min=1"`
	TimeoutSecs     int  `json:"timeout_secs" yaml:"timeout_secs" default:"300" validate:"min=1"`
	IntervalMinutes int  `json:"interval_minutes" yaml:"interval_minutes" default:"60" validate:"min=1"`
	ReentryEnabled  bool `json:"reentry_enabled" yaml:"reentry_enabled" default:"true"`
	FetchRetries    int  `json:"fetch_retries" yaml:"fetch_retries" default:"3" validate:"min=0"`
}

type DatabaseConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Host     string `json:"host" yaml:"host" default:"localhost" validate:"required_if=Enabled true"`
	Port     int    `json:"port" yaml:"port" default:"5432"`
	User     string `json:"user" yaml:"user" default:"hilo"`
	Password string `json:"password" yaml:"password"`
	Database string `json:"database" yaml:"database" default:"hilo"`
	SSLMode  string `json:"ssl_mode" yaml:"ssl_mode" default:"disable"`
	MaxConns int32  `json:"max_conns" yaml:"max_conns" default:"10"`
}

// RedisConfig holds Redis configuration for the asset lock and position cache
type RedisConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Address     string `json:"address" yaml:"address" default:"localhost:6379" validate:"required_if=Enabled true"`
	Password    string `json:"password" yaml:"password"`
	DB          int    `json:"db" yaml:"db"`
	PoolSize    int    `json:"pool_size" yaml:"pool_size" default:"10"`
	Prefix      string `json:"prefix" yaml:"prefix" default:"hilo"`
	LockTTLSecs int    `json:"lock_ttl_secs" yaml:"lock_ttl_secs" default:"120" validate:"min=1"`
}

type ClickHouseConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Host        string `json:"host" yaml:"host" validate:"required_if=Enabled true"`
	Port        int    `json:"port" yaml:"port" default:"9000"`
	Database    string `json:"database" yaml:"database" default:"default"`
	User        string `json:"user" yaml:"user" default:"default"`
	Password    string `json:"password" yaml:"password"`
	Table       string `json:"table" yaml:"table" default:"hilo_consensus_features"`
	AsyncInsert bool   `json:"async_insert" yaml:"async_insert"`
}

type KafkaConfig struct {
	Enabled      bool     `json:"enabled" yaml:"enabled"`
	Brokers      []string `json:"brokers" yaml:"brokers" validate:"required_if=Enabled true"`
	Topic        string   `json:"topic" yaml:"topic" default:"hilo.cycle-summaries"`
	Compression  string   `json:"compression" yaml:"compression" default:"gzip" validate:"oneof=gzip snappy lz4 zstd"`
	RequiredAcks int      `json:"required_acks" yaml:"required_acks" default:"-1"`
	MaxAttempts  int      `json:"max_attempts" yaml:"max_attempts" default:"3"`
}

type NotificationConfig struct {
	LogSummaries bool          `json:"log_summaries" yaml:"log_summaries" default:"true"`
	Webhook      WebhookConfig `json:"webhook" yaml:"webhook"`
}

type WebhookConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	URL     string `json:"url" yaml:"url" validate:"omitempty,url"`
}

type VaultConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Address    string `json:"address" yaml:"address" default:"http://localhost:8200"`
	Token      string `json:"token" yaml:"token"`
	MountPath  string `json:"mount_path" yaml:"mount_path" default:"secret"`
	SecretPath string `json:"secret_path" yaml:"secret_path" default:"hilo/binance"`
	TLSEnabled bool   `json:"tls_enabled" yaml:"tls_enabled"`
	CACert     string `json:"ca_cert" yaml:"ca_cert"`
}

type ServerConfig struct {
	Host                string   `json:"host" yaml:"host" default:"0.0.0.0"`
	Port                int      `json:"port" yaml:"port" default:"8080" validate:"min=1,max=65535"`
	AllowedOrigins      []string `json:"allowed_origins" yaml:"allowed_origins"`
	ReadTimeoutSecs     int      `json:"read_timeout_secs" yaml:"read_timeout_secs" default:"30"`
	WriteTimeoutSecs    int      `json:"write_timeout_secs" yaml:"write_timeout_secs" default:"30"`
	ShutdownTimeoutSecs int      `json:"shutdown_timeout_secs" yaml:"shutdown_timeout_secs" default:"10"`
}

type AuthConfig struct {
	Enabled          bool   `json:"enabled" yaml:"enabled"`
	JWTSecret        string `json:"jwt_secret" yaml:"jwt_secret" validate:"omitempty,min=32"`
	Issuer           string `json:"issuer" yaml:"issuer" default:"hilo-trend-engine"`
	TokenDurationMin int    `json:"token_duration_min" yaml:"token_duration_min" default:"60" validate:"min=1"`
}

// Load reads the configuration file (YAML or JSON by extension), fills
// defaults, applies .env and environment overrides and validates the result.
// An empty path tries DefaultFiles; no file at all is an empty config.
func Load(path string) (*Config, error) {
	// a missing .env is normal
	_ = godotenv.Load()

	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}

	if path == "" {
		path = findDefaultFile()
	}
	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)
	applyCollectionDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findDefaultFile() string {
	for _, f := range DefaultFiles {
		if _, err := os.Stat(f); err == nil {
			return f
		}
	}
	return ""
}

func loadFromFile(filename string, cfg *Config) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".json":
		err = json.Unmarshal(data, cfg)
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(filename))
	}
	if err != nil {
		return fmt.Errorf("error parsing config file %s: %w", filename, err)
	}
	return nil
}

// applyCollectionDefaults fills slice and map settings a file left empty
func applyCollectionDefaults(cfg *Config) {
	if len(cfg.Engine.Timeframes) == 0 {
		cfg.Engine.Timeframes = []string{"15m", "30m", "1h", "6h", "8h", "12h", "1d"}
	}
	if len(cfg.Futures.TierAllocation) == 0 {
		cfg.Futures.TierAllocation = map[int]float64{1: 0.25, 2: 0.125, 3: 0.0625}
	}
	if len(cfg.Server.AllowedOrigins) == 0 {
		cfg.Server.AllowedOrigins = []string{"*"}
	}
}

// applyEnvOverrides applies environment variable overrides to the config
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HILO_ASSETS"); v != "" {
		cfg.Engine.Assets = splitList(v)
	}
	cfg.Engine.MAType = getEnvOrDefault("HILO_MA_TYPE", cfg.Engine.MAType)

	// Binance credentials may come from the environment or Vault
	cfg.Binance.APIKey = getEnvOrDefault("BINANCE_API_KEY", cfg.Binance.APIKey)
	cfg.Binance.SecretKey = getEnvOrDefault("BINANCE_SECRET_KEY", cfg.Binance.SecretKey)
	cfg.Binance.BaseURL = getEnvOrDefault("BINANCE_BASE_URL", cfg.Binance.BaseURL)
	cfg.Binance.TestNet = getEnvBoolOrDefault("BINANCE_TESTNET", cfg.Binance.TestNet)

	cfg.Futures.Leverage = getEnvIntOrDefault("FUTURES_LEVERAGE", cfg.Futures.Leverage)
	cfg.Futures.DryRun = getEnvBoolOrDefault("TRADING_DRY_RUN", cfg.Futures.DryRun)
	cfg.Futures.StopLossPct = getEnvFloatOrDefault("FUTURES_STOP_LOSS_PCT", cfg.Futures.StopLossPct)
	cfg.Futures.TotalCapital = getEnvFloatOrDefault("FUTURES_TOTAL_CAPITAL", cfg.Futures.TotalCapital)

	cfg.Backtest.FeeRate = getEnvFloatOrDefault("HILO_FEE_RATE", cfg.Backtest.FeeRate)
	cfg.Classifier.Enabled = getEnvBoolOrDefault("CLASSIFIER_ENABLED", cfg.Classifier.Enabled)
	cfg.Classifier.ModelsDir = getEnvOrDefault("CLASSIFIER_MODELS_DIR", cfg.Classifier.ModelsDir)
	cfg.Classifier.ReversalThreshold = getEnvFloatOrDefault("CLASSIFIER_REVERSAL_THRESHOLD", cfg.Classifier.ReversalThreshold)
	cfg.Classifier.ONNXLibraryPath = getEnvOrDefault("ONNXRUNTIME_LIB", cfg.Classifier.ONNXLibraryPath)

	cfg.Database.Enabled = getEnvBoolOrDefault("DB_ENABLED", cfg.Database.Enabled)
	cfg.Database.Host = getEnvOrDefault("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = getEnvIntOrDefault("DB_PORT", cfg.Database.Port)
	cfg.Database.User = getEnvOrDefault("DB_USER", cfg.Database.User)
	cfg.Database.Password = getEnvOrDefault("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.Database = getEnvOrDefault("DB_NAME", cfg.Database.Database)
	cfg.Database.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.Database.SSLMode)

	cfg.Redis.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.Redis.Enabled)
	cfg.Redis.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.Redis.Address)
	cfg.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.Redis.Password)

	cfg.ClickHouse.Enabled = getEnvBoolOrDefault("CLICKHOUSE_ENABLED", cfg.ClickHouse.Enabled)
	cfg.ClickHouse.Host = getEnvOrDefault("CLICKHOUSE_HOST", cfg.ClickHouse.Host)
	cfg.ClickHouse.Password = getEnvOrDefault("CLICKHOUSE_PASSWORD", cfg.ClickHouse.Password)

	cfg.Kafka.Enabled = getEnvBoolOrDefault("KAFKA_ENABLED", cfg.Kafka.Enabled)
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}
	cfg.Kafka.Topic = getEnvOrDefault("KAFKA_TOPIC", cfg.Kafka.Topic)

	cfg.Notification.Webhook.URL = getEnvOrDefault("NOTIFY_WEBHOOK_URL", cfg.Notification.Webhook.URL)

	cfg.Vault.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.Vault.Enabled)
	cfg.Vault.Address = getEnvOrDefault("VAULT_ADDR", cfg.Vault.Address)
	cfg.Vault.Token = getEnvOrDefault("VAULT_TOKEN", cfg.Vault.Token)

	cfg.Server.Port = getEnvIntOrDefault("WEB_PORT", cfg.Server.Port)
	cfg.Server.Host = getEnvOrDefault("WEB_HOST", cfg.Server.Host)

	cfg.Auth.Enabled = getEnvBoolOrDefault("AUTH_ENABLED", cfg.Auth.Enabled)
	cfg.Auth.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.Auth.JWTSecret)

	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Output = getEnvOrDefault("LOG_OUTPUT", cfg.Logging.Output)
	cfg.Logging.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.Logging.JSONFormat)

	cfg.CircuitBreaker.Enabled = getEnvBoolOrDefault("CIRCUIT_BREAKER_ENABLED", cfg.CircuitBreaker.Enabled)
}

var validate = validator.New()

// Validate checks field constraints and the cross-field rules tags cannot express
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if !containsString(c.Engine.Timeframes, c.Engine.PrimaryTimeframe) {
		return fmt.Errorf("invalid config: primary timeframe %s not in engine.timeframes", c.Engine.PrimaryTimeframe)
	}
	if c.Notification.Webhook.Enabled && c.Notification.Webhook.URL == "" {
		return fmt.Errorf("invalid config: webhook enabled without url")
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("invalid config: auth enabled without jwt_secret")
	}
	w := c.Optimizer.ScoreWeights
	if w.Accuracy+w.Sharpe+w.Return <= 0 {
		return fmt.Errorf("invalid config: score weights must not all be zero")
	}
	if !c.Futures.DryRun && (c.Binance.APIKey == "" || c.Binance.SecretKey == "") && !c.Vault.Enabled {
		return fmt.Errorf("invalid config: live trading needs binance credentials or vault")
	}
	return nil
}

// CycleTimeout returns the cycle deadline
func (c *Config) CycleTimeout() time.Duration {
	return time.Duration(c.Cycle.TimeoutSecs) * time.Second
}

// CycleInterval returns the scheduled cycle spacing
func (c *Config) CycleInterval() time.Duration {
	return time.Duration(c.Cycle.IntervalMinutes) * time.Minute
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// GenerateSampleConfig writes a commented-free sample YAML configuration
func GenerateSampleConfig(filename string) error {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return err
	}
	applyCollectionDefaults(cfg)
	cfg.Engine.Assets = []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}
	cfg.Engine.PeriodByAsset = map[string]int{"BTCUSDT": 20, "ETHUSDT": 14, "SOLUSDT": 10}
	cfg.Futures.AssetTiers = map[string]int{"BTCUSDT": 1, "ETHUSDT": 1, "SOLUSDT": 2}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0o644)
}
