package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/marianozunino/opshub/internal/cleanup"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status                string           `json:"status"`
	Environment           string           `json:"environment"`
	Production            bool             `json:"is_production"`
	CleanupServiceRunning bool             `json:"cleanup_service_running"`
	LastCleanup           *cleanup.Summary `json:"last_cleanup"`
	Database              string           `json:"database"`
	Timestamp             time.Time        `json:"timestamp"`
}

// HandleHealth reports liveness of the cleanup service and the registry.
func (h *Handler) HandleHealth(c echo.Context) error {
	resp := HealthResponse{
		Status:                "healthy",
		Environment:           h.cfg.Env,
		Production:            h.cfg.IsProduction(),
		CleanupServiceRunning: h.cleanup.Running(),
		Database:              "ok",
		Timestamp:             h.now().UTC(),
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		h.log.Error("Health check database ping failed", zap.Error(err))
		resp.Status = "degraded"
		resp.Database = "unavailable"
	}

	if last, ok := h.cleanup.LastRun(); ok {
		resp.LastCleanup = &last
	} else if resp.Database == "ok" {
		resp.LastCleanup = h.persistedCleanup(ctx)
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, resp)
}

// persistedCleanup loads the last run recorded before a restart.
func (h *Handler) persistedCleanup(ctx context.Context) *cleanup.Summary {
	run, ok, err := h.db.LatestCleanupRun(ctx)
	if err != nil {
		h.log.Warn("Failed to load last cleanup run", zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}
	var summary cleanup.Summary
	if err := json.Unmarshal(run.Summary, &summary); err != nil {
		h.log.Warn("Stored cleanup summary is not valid JSON", zap.Error(err))
		return nil
	}
	return &summary
}
