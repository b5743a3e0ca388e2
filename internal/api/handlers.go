package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"hilo-trend-engine/internal/auth"
	"hilo-trend-engine/internal/autopilot"
	"hilo-trend-engine/internal/logging"
	"hilo-trend-engine/internal/marketdata"
	"hilo-trend-engine/internal/optimizer"
	"hilo-trend-engine/internal/position"
	"hilo-trend-engine/internal/signal"
)

const (
	defaultLedgerLimit = 50
	defaultCycleLimit  = 20
)

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := "healthy"
	checks := make(map[string]string, len(s.deps.Health))
	for _, hc := range s.deps.Health {
		if err := hc.Check(ctx); err != nil {
			checks[hc.Name] = err.Error()
			status = "unhealthy"
			continue
		}
		checks[hc.Name] = "healthy"
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status": status,
		"checks": checks,
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleGetPositions(c *gin.Context) {
	if s.deps.Positions == nil {
		errorResponse(c, http.StatusServiceUnavailable, "position manager not configured")
		return
	}
	positions, err := s.deps.Positions.Positions(c.Request.Context())
	if err != nil {
		logging.FromContext(c.Request.Context()).Error().Err(err).Msg("Failed to list positions")
		errorResponse(c, http.StatusBadGateway, err.Error())
		return
	}
	if s.deps.Bus != nil {
		for _, p := range positions {
			s.deps.Bus.PublishPositionUpdate(p.Asset, string(p.Side), p.Quantity, p.EntryPrice, p.UnrealizedPnL)
		}
	}
	successResponse(c, positions)
}

func (s *Server) handleClosePosition(c *gin.Context) {
	if s.deps.Positions == nil {
		errorResponse(c, http.StatusServiceUnavailable, "position manager not configured")
		return
	}
	asset := assetParam(c)

	log := logging.FromContext(c.Request.Context())
	log.Warn().Str("asset", asset).Str("operator", auth.GetOperator(c)).Msg("Manual close requested")

	// an order in flight must not be cut off by a dropped connection
	outcome := s.deps.Positions.Close(context.WithoutCancel(c.Request.Context()), asset)
	if s.deps.Bus != nil {
		s.deps.Bus.PublishOrderOutcome("manual", asset, string(outcome.Kind), string(outcome.Side), outcome.Quantity, outcome.Reason)
	}
	if outcome.Kind == position.OutcomeFailed {
		errorResponse(c, http.StatusBadGateway, outcome.Reason)
		return
	}
	successResponse(c, outcome)
}

func (s *Server) handleRunCycle(c *gin.Context) {
	if s.deps.Cycles == nil {
		errorResponse(c, http.StatusServiceUnavailable, "cycle controller not configured")
		return
	}

	summary, err := s.deps.Cycles.RunCycle(context.WithoutCancel(c.Request.Context()))
	if err != nil {
		if errors.Is(err, autopilot.ErrCycleInProgress) {
			errorResponse(c, http.StatusConflict, err.Error())
			return
		}
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, summary)
}

func (s *Server) handleListCycles(c *gin.Context) {
	if s.deps.History == nil {
		errorResponse(c, http.StatusServiceUnavailable, "cycle history not configured")
		return
	}
	limit, ok := limitParam(c, defaultCycleLimit)
	if !ok {
		return
	}
	records, err := s.deps.History.ListCycles(c.Request.Context(), limit)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, records)
}

func (s *Server) handleLastCycle(c *gin.Context) {
	if s.deps.Cycles != nil {
		if summary := s.deps.Cycles.LastSummary(); summary != nil {
			successResponse(c, summary)
			return
		}
	}

	if s.deps.History != nil {
		rec, err := s.deps.History.LatestCycle(c.Request.Context())
		if err != nil {
			errorResponse(c, http.StatusInternalServerError, err.Error())
			return
		}
		if rec != nil && len(rec.Payload) == 0 {
			successResponse(c, rec)
			return
		}
		if rec != nil {
			// the stored payload is the marshalled summary
			c.Data(http.StatusOK, "application/json; charset=utf-8",
				append(append([]byte(`{"success":true,"data":`), rec.Payload...), '}'))
			return
		}
	}

	errorResponse(c, http.StatusNotFound, "no cycle has run yet")
}

func (s *Server) handleGateStatuses(c *gin.Context) {
	if s.deps.Gate == nil {
		errorResponse(c, http.StatusServiceUnavailable, "signal gate not configured")
		return
	}
	successResponse(c, s.deps.Gate.Statuses())
}

func (s *Server) handleGateStatus(c *gin.Context) {
	if s.deps.Gate == nil {
		errorResponse(c, http.StatusServiceUnavailable, "signal gate not configured")
		return
	}
	asset := assetParam(c)
	if !s.knownAsset(asset) {
		errorResponse(c, http.StatusNotFound, "asset is not monitored")
		return
	}
	successResponse(c, s.deps.Gate.Status(asset))
}

func (s *Server) handleLedger(c *gin.Context) {
	if s.deps.Gate == nil {
		errorResponse(c, http.StatusServiceUnavailable, "signal gate not configured")
		return
	}

	limit, ok := limitParam(c, defaultLedgerLimit)
	if !ok {
		return
	}

	entries, err := s.deps.Gate.Ledger().List(c.Request.Context(), assetParam(c), limit)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, entries)
}

// RearmRequest identifies the ledger entry to delete
type RearmRequest struct {
	Asset     string    `json:"asset" binding:"required"`
	Timeframe string    `json:"timeframe" binding:"required,oneof=15m 30m 1h 4h 6h 8h 12h 1d"`
	FlipTime  time.Time `json:"flip_time" binding:"required"`
	Stage     string    `json:"stage" binding:"omitempty,oneof=flip reentry"`
}

func (s *Server) handleRearm(c *gin.Context) {
	if s.deps.Gate == nil {
		errorResponse(c, http.StatusServiceUnavailable, "signal gate not configured")
		return
	}

	var req RearmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	stage := signal.StageFlip
	if req.Stage != "" {
		stage = signal.Stage(req.Stage)
	}
	key := signal.FlipKey{
		Asset:     strings.ToUpper(req.Asset),
		Timeframe: marketdata.Timeframe(req.Timeframe),
		FlipTime:  req.FlipTime.UTC(),
		Stage:     stage,
	}

	if err := s.deps.Gate.Rearm(c.Request.Context(), key); err != nil {
		if errors.Is(err, signal.ErrEntryNotFound) {
			errorResponse(c, http.StatusNotFound, err.Error())
			return
		}
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	logging.FromContext(c.Request.Context()).Warn().
		Stringer("key", key).
		Str("operator", auth.GetOperator(c)).
		Msg("Ledger entry re-armed by operator")
	if s.deps.Bus != nil {
		s.deps.Bus.PublishLedgerRearmed(key.Asset, string(key.Timeframe), key.FlipTime, string(key.Stage))
	}
	successResponse(c, key)
}

func (s *Server) handleOptimize(c *gin.Context) {
	if s.deps.Optimizer == nil {
		errorResponse(c, http.StatusServiceUnavailable, "optimizer not configured")
		return
	}

	outcome, err := s.deps.Optimizer.OptimizeAsset(c.Request.Context(), assetParam(c))
	if err != nil {
		switch {
		case errors.Is(err, optimizer.ErrInsufficientData):
			errorResponse(c, http.StatusUnprocessableEntity, err.Error())
		default:
			errorResponse(c, http.StatusBadGateway, err.Error())
		}
		return
	}
	successResponse(c, outcome)
}

// limitParam reads ?limit, writing a 400 when it is not a positive integer
func limitParam(c *gin.Context, def int) (int, bool) {
	v := c.Query("limit")
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		errorResponse(c, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	return n, true
}

func assetParam(c *gin.Context) string {
	return strings.ToUpper(strings.TrimSpace(c.Param("asset")))
}

func (s *Server) knownAsset(asset string) bool {
	if s.deps.Cycles == nil {
		return true
	}
	for _, a := range s.deps.Cycles.Assets() {
		if a == asset {
			return true
		}
	}
	return false
}
