package logging

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type contextKey string

const traceIDKey contextKey = "trace_id"

// TraceHeader carries the request trace id
const TraceHeader = "X-Trace-ID"

// GenerateTraceID generates a new trace ID
func GenerateTraceID() string {
	return uuid.NewString()
}

// FromContext retrieves the logger from context, falling back to the
// zerolog default context logger
func FromContext(ctx context.Context) *zerolog.Logger {
	return zerolog.Ctx(ctx)
}

// TraceID returns the trace id stored by WithTraceContext, if any
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey).(string)
	return id
}

// WithTraceContext adds a trace ID to the context and returns a logger with it
func WithTraceContext(ctx context.Context, base zerolog.Logger) (context.Context, zerolog.Logger) {
	traceID := GenerateTraceID()
	l := base.With().Str("trace_id", traceID).Logger()
	ctx = context.WithValue(ctx, traceIDKey, traceID)
	return l.WithContext(ctx), l
}

// CycleLogger tags every line with the cycle identity so surfaced failures
// carry asset, cycle id and cycle time
func CycleLogger(base zerolog.Logger, cycleID string, cycleTime time.Time, asset string) zerolog.Logger {
	ctx := base.With().Str("cycle_id", cycleID).Time("cycle_time", cycleTime)
	if asset != "" {
		ctx = ctx.Str("asset", asset)
	}
	return ctx.Logger()
}

// BacktestContext creates a logger context for backtesting
func BacktestContext(base zerolog.Logger, asset string, period int, startDate, endDate time.Time) zerolog.Logger {
	return base.With().
		Str("component", "backtest").
		Str("asset", asset).
		Int("period", period).
		Str("start_date", startDate.Format("2006-01-02")).
		Str("end_date", endDate.Format("2006-01-02")).
		Logger()
}

// GinMiddleware logs each request with a trace id and stores the request
// logger in the request context
func GinMiddleware(base zerolog.Logger) gin.HandlerFunc {
	httpLogger := base.With().Str("component", "http").Logger()
	return func(c *gin.Context) {
		start := time.Now()
		traceID := c.GetHeader(TraceHeader)
		if traceID == "" {
			traceID = GenerateTraceID()
		}
		c.Header(TraceHeader, traceID)

		l := httpLogger.With().
			Str("trace_id", traceID).
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Logger()
		ctx := context.WithValue(c.Request.Context(), traceIDKey, traceID)
		c.Request = c.Request.WithContext(l.WithContext(ctx))

		c.Next()

		event := l.Info()
		if c.Writer.Status() >= 500 {
			event = l.Error()
		}
		event.
			Int("status_code", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Str("remote_addr", c.ClientIP()).
			Msg("Request completed")
	}
}
