package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

const (
	// FuturesBaseURL is the production Binance Futures API URL
	FuturesBaseURL = "https://fapi.binance.com"
	// FuturesTestnetURL is the testnet Binance Futures API URL
	FuturesTestnetURL = "https://testnet.binancefuture.com"
)

// FuturesClient is the USDⓈ-M futures surface the engine uses
type FuturesClient interface {
	SetLeverage(ctx context.Context, symbol string, leverage int) (*LeverageResponse, error)
	SetMarginType(ctx context.Context, symbol string, marginType MarginType) error
	GetPositions(ctx context.Context) ([]FuturesPosition, error)
	PlaceFuturesOrder(ctx context.Context, params FuturesOrderParams) (*FuturesOrderResponse, error)
	CancelAllFuturesOrders(ctx context.Context, symbol string) error
	GetFuturesKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)
	GetFuturesCurrentPrice(ctx context.Context, symbol string) (float64, error)
}

// ClientConfig configures the REST client
type ClientConfig struct {
	APIKey            string
	SecretKey         string
	Testnet           bool
	BaseURL           string
	Timeout           time.Duration
	RecvWindow        int
	MaxRetries        uint64
	RequestsPerSecond float64
	Burst             int
}

// FuturesClientImpl implements the FuturesClient interface over REST
type FuturesClientImpl struct {
	apiKey     string
	secretKey  string
	baseURL    string
	recvWindow string
	httpClient *http.Client
	limiter    *RateLimiter
	maxRetries uint64
	newBackOff func() backoff.BackOff
	logger     zerolog.Logger
	now        func() time.Time
}

// NewFuturesClient creates a new FuturesClient instance
func NewFuturesClient(cfg ClientConfig, logger zerolog.Logger) *FuturesClientImpl {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = FuturesBaseURL
		if cfg.Testnet {
			baseURL = FuturesTestnetURL
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RecvWindow <= 0 {
		cfg.RecvWindow = 10000
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}

	// Trim any whitespace from keys - critical for signature generation
	return &FuturesClientImpl{
		apiKey:     strings.TrimSpace(cfg.APIKey),
		secretKey:  strings.TrimSpace(cfg.SecretKey),
		baseURL:    strings.TrimRight(baseURL, "/"),
		recvWindow: strconv.Itoa(cfg.RecvWindow),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    NewRateLimiter(cfg.RequestsPerSecond, cfg.Burst, logger),
		maxRetries: cfg.MaxRetries,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
		logger: logger.With().Str("component", "BinanceFutures").Logger(),
		now:    time.Now,
	}
}

// ==================== LEVERAGE & MARGIN ====================

// SetLeverage sets the leverage for a symbol
func (c *FuturesClientImpl) SetLeverage(ctx context.Context, symbol string, leverage int) (*LeverageResponse, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))

	resp, err := c.signed(ctx, http.MethodPost, "/fapi/v1/leverage", params)
	if err != nil {
		return nil, fmt.Errorf("error setting leverage: %w", err)
	}

	var leverageResp LeverageResponse
	if err := json.Unmarshal(resp, &leverageResp); err != nil {
		return nil, fmt.Errorf("error parsing leverage response: %w", err)
	}
	return &leverageResp, nil
}

// SetMarginType sets the margin type (ISOLATED or CROSSED). Binance rejects
// an unchanged margin type with code -4046, returned as an *APIError.
func (c *FuturesClientImpl) SetMarginType(ctx context.Context, symbol string, marginType MarginType) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("marginType", string(marginType))

	if _, err := c.signed(ctx, http.MethodPost, "/fapi/v1/marginType", params); err != nil {
		return fmt.Errorf("error setting margin type: %w", err)
	}
	return nil
}

// ==================== POSITIONS ====================

// GetPositions retrieves position risk for every symbol
func (c *FuturesClientImpl) GetPositions(ctx context.Context) ([]FuturesPosition, error) {
	resp, err := c.signed(ctx, http.MethodGet, "/fapi/v2/positionRisk", url.Values{})
	if err != nil {
		return nil, fmt.Errorf("error getting positions: %w", err)
	}

	var positions []FuturesPosition
	if err := json.Unmarshal(resp, &positions); err != nil {
		return nil, fmt.Errorf("error parsing positions: %w", err)
	}
	return positions, nil
}

// ==================== TRADING ====================

// PlaceFuturesOrder places a new futures order
func (c *FuturesClientImpl) PlaceFuturesOrder(ctx context.Context, params FuturesOrderParams) (*FuturesOrderResponse, error) {
	reqParams := url.Values{}
	reqParams.Set("symbol", params.Symbol)
	reqParams.Set("side", params.Side)
	reqParams.Set("type", string(params.Type))

	if params.ClosePosition {
		reqParams.Set("closePosition", "true")
	} else {
		reqParams.Set("quantity", strconv.FormatFloat(params.Quantity, 'f', -1, 64))
	}
	// reduceOnly cannot be combined with closePosition
	if params.ReduceOnly && !params.ClosePosition {
		reqParams.Set("reduceOnly", "true")
	}
	if params.StopPrice > 0 {
		reqParams.Set("stopPrice", strconv.FormatFloat(params.StopPrice, 'f', -1, 64))
	}
	if params.WorkingType != "" {
		reqParams.Set("workingType", string(params.WorkingType))
	}
	if params.NewClientOrderId != "" {
		reqParams.Set("newClientOrderId", params.NewClientOrderId)
	}

	resp, err := c.signed(ctx, http.MethodPost, "/fapi/v1/order", reqParams)
	if err != nil {
		return nil, fmt.Errorf("error placing order: %w", err)
	}

	var orderResp FuturesOrderResponse
	if err := json.Unmarshal(resp, &orderResp); err != nil {
		return nil, fmt.Errorf("error parsing order response: %w", err)
	}
	return &orderResp, nil
}

// CancelAllFuturesOrders cancels all open orders for a symbol
func (c *FuturesClientImpl) CancelAllFuturesOrders(ctx context.Context, symbol string) error {
	params := url.Values{}
	params.Set("symbol", symbol)

	if _, err := c.signed(ctx, http.MethodDelete, "/fapi/v1/allOpenOrders", params); err != nil {
		return fmt.Errorf("error canceling all orders: %w", err)
	}
	return nil
}

// ==================== MARKET DATA ====================

// GetFuturesKlines retrieves candlestick data for futures, oldest first
func (c *FuturesClientImpl) GetFuturesKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))

	resp, err := c.public(ctx, "/fapi/v1/klines", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching klines: %w", err)
	}
	return parseKlines(resp)
}

// GetFuturesCurrentPrice retrieves the last traded price for a symbol
func (c *FuturesClientImpl) GetFuturesCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	resp, err := c.public(ctx, "/fapi/v1/ticker/price", params)
	if err != nil {
		return 0, fmt.Errorf("error fetching price: %w", err)
	}

	var priceResp struct {
		Symbol string  `json:"symbol"`
		Price  float64 `json:"price,string"`
	}
	if err := json.Unmarshal(resp, &priceResp); err != nil {
		return 0, fmt.Errorf("error parsing price: %w", err)
	}
	if priceResp.Price <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrNoPrice, symbol)
	}
	return priceResp.Price, nil
}

func parseKlines(body []byte) ([]Kline, error) {
	var rawKlines [][]json.RawMessage
	if err := json.Unmarshal(body, &rawKlines); err != nil {
		return nil, fmt.Errorf("error parsing klines: %w", err)
	}

	klines := make([]Kline, 0, len(rawKlines))
	for i, raw := range rawKlines {
		if len(raw) < 7 {
			return nil, fmt.Errorf("error parsing klines: row %d has %d fields", i, len(raw))
		}
		var k Kline
		var err error
		if k.OpenTime, err = parseInt(raw[0]); err != nil {
			return nil, fmt.Errorf("error parsing klines: row %d open time: %w", i, err)
		}
		fields := []*float64{&k.Open, &k.High, &k.Low, &k.Close, &k.Volume}
		for j, dst := range fields {
			if *dst, err = parseFloat(raw[j+1]); err != nil {
				return nil, fmt.Errorf("error parsing klines: row %d field %d: %w", i, j+1, err)
			}
		}
		if k.CloseTime, err = parseInt(raw[6]); err != nil {
			return nil, fmt.Errorf("error parsing klines: row %d close time: %w", i, err)
		}
		klines = append(klines, k)
	}
	return klines, nil
}

// parseFloat accepts both quoted and bare numbers
func parseFloat(raw json.RawMessage) (float64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strconv.ParseFloat(s, 64)
	}
	var f float64
	err := json.Unmarshal(raw, &f)
	return f, err
}

func parseInt(raw json.RawMessage) (int64, error) {
	var n int64
	err := json.Unmarshal(raw, &n)
	return n, err
}

// ==================== HTTP HELPERS ====================

// sign creates a signature for the given query string
func (c *FuturesClientImpl) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// signed performs an authenticated request. The timestamp is refreshed on
// every attempt.
func (c *FuturesClientImpl) signed(ctx context.Context, method, endpoint string, params url.Values) ([]byte, error) {
	return c.do(ctx, method, endpoint, func() string {
		params.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
		params.Set("recvWindow", c.recvWindow)
		query := params.Encode()
		return query + "&signature=" + c.sign(query)
	})
}

// public performs an unauthenticated GET request
func (c *FuturesClientImpl) public(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	return c.do(ctx, http.MethodGet, endpoint, params.Encode)
}

// do runs one request with rate limiting and retries on transient failures
func (c *FuturesClientImpl) do(ctx context.Context, method, endpoint string, query func() string) ([]byte, error) {
	var body []byte
	attempt := 0

	operation := func() error {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		reqURL := c.baseURL + endpoint
		if q := query(); q != "" {
			reqURL += "?" + q
		}
		req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		if c.apiKey != "" {
			req.Header.Set("X-MBX-APIKEY", c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			c.limiter.RecordSuccess()
			body = data
			return nil
		}

		apiErr := parseAPIError(resp.StatusCode, data)
		if apiErr.IsRateLimit() {
			c.limiter.RecordRateLimitError(ParseBanUntil(apiErr.Msg, c.now()))
			return backoff.Permanent(apiErr)
		}
		if apiErr.Retryable() {
			return apiErr
		}
		return backoff.Permanent(apiErr)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), c.maxRetries), ctx)
	notify := func(err error, wait time.Duration) {
		c.logger.Warn().Err(err).
			Str("method", method).
			Str("endpoint", endpoint).
			Int("attempt", attempt).
			Dur("retry_in", wait).
			Msg("Binance request failed, retrying")
	}
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		if _, ok := AsAPIError(err); ok || errors.Is(err, ErrRateLimited) {
			return nil, err
		}
		return nil, fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	return body, nil
}

// Ensure FuturesClientImpl implements FuturesClient
var _ FuturesClient = (*FuturesClientImpl)(nil)
