package handler

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/marianozunino/opshub/internal/apperr"
	"github.com/marianozunino/opshub/internal/cleanup"
	"github.com/marianozunino/opshub/internal/logging"
	"github.com/marianozunino/opshub/internal/middleware"
	"github.com/marianozunino/opshub/internal/model"
)

// CleanupResponse is the body of /system/cleanup.
type CleanupResponse struct {
	Status  string          `json:"status"`
	Summary cleanup.Summary `json:"summary"`
}

// HandleCleanup runs the cleanup rules immediately.
func (h *Handler) HandleCleanup(c echo.Context) error {
	h.log.Info("Manual cleanup requested",
		logging.Operation("manual_cleanup"),
		logging.User(middleware.UserID(c)),
	)
	summary := h.cleanup.Run(c.Request().Context(), cleanup.TriggerManual)
	return c.JSON(http.StatusOK, CleanupResponse{Status: "success", Summary: summary})
}

// HandleListFiles lists registry records, newest first.
func (h *Handler) HandleListFiles(c echo.Context) error {
	category := c.QueryParam("category")
	if category != "" {
		cat, ok := h.validator.Category(category)
		if !ok {
			return apperr.Validation(apperr.CodeUnknownCategory, "Unknown upload category: %s", category)
		}
		category = cat.Name
	}

	limit := 100
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return apperr.Validation("INVALID_LIMIT", "limit must be a positive integer")
		}
		limit = n
	}

	files, err := h.db.ListFiles(c.Request().Context(), category, limit)
	if err != nil {
		h.log.Error("Failed to list stored files", zap.Error(err))
		return err
	}

	out := make([]model.StoredFileView, 0, len(files))
	for _, f := range files {
		out = append(out, view(f))
	}
	return c.JSON(http.StatusOK, map[string]any{"files": out, "count": len(out)})
}

// HandleCategories lists the accepted upload categories and extensions.
func (h *Handler) HandleCategories(c echo.Context) error {
	out := map[string][]string{}
	for _, cat := range h.validator.Categories() {
		out[cat.Name] = cat.Extensions()
	}
	return c.JSON(http.StatusOK, out)
}
