package binance

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"
)

// Binance error codes the engine reacts to
const (
	CodeDisconnected         = -1001
	CodeTooManyRequests      = -1003
	CodeTooManyOrders        = -1015
	CodeServiceShuttingDown  = -1016
	CodeReduceOnlyRejected   = -2022
	CodeMarginTypeUnchanged  = -4046
	CodeNoNeedToChangeMargin = -4048
)

var (
	ErrRateLimited = errors.New("binance rate limit: requests blocked until ban expires")
	ErrNoPrice     = errors.New("no price available")
)

// APIError is a non-2xx response from the Binance REST API
type APIError struct {
	Status int    `json:"-"`
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance api error (status %d, code %d): %s", e.Status, e.Code, e.Msg)
}

// IsMarginTypeUnchanged reports the "No need to change margin type" rejection
func (e *APIError) IsMarginTypeUnchanged() bool {
	return e.Code == CodeMarginTypeUnchanged
}

// IsRateLimit reports a 429/418 or a -1003 response
func (e *APIError) IsRateLimit() bool {
	return e.Status == http.StatusTooManyRequests || e.Status == http.StatusTeapot || e.Code == CodeTooManyRequests
}

// Retryable reports transient failures worth another attempt
func (e *APIError) Retryable() bool {
	if e.Status >= 500 || e.Status == http.StatusTooManyRequests {
		return true
	}
	switch e.Code {
	case CodeDisconnected, CodeTooManyRequests, CodeTooManyOrders, CodeServiceShuttingDown:
		return true
	}
	return false
}

// AsAPIError unwraps err into an *APIError
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Msg == "" {
		apiErr.Msg = string(body)
	}
	return apiErr
}

var banUntilPattern = regexp.MustCompile(`banned until (\d+)`)

// ParseBanUntil extracts the ban expiry from a -1003 message, zero when absent
// or implausible
func ParseBanUntil(msg string, now time.Time) time.Time {
	m := banUntilPattern.FindStringSubmatch(msg)
	if m == nil {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return time.Time{}
	}
	until := time.UnixMilli(ms)
	if !until.After(now) || until.After(now.Add(24*time.Hour)) {
		return time.Time{}
	}
	return until
}
