package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"relay/internal/server/progress"
	"relay/internal/server/service"

	"github.com/labstack/echo/v4"
)

// HealthChecker reports whether a backing store is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Handler contains the HTTP handlers for the relay API.
type Handler struct {
	svc *service.RelayService
	db  HealthChecker
}

// NewHandler creates a new handler. db may be nil when sessions are kept
// in memory.
func NewHandler(svc *service.RelayService, db HealthChecker) *Handler {
	return &Handler{svc: svc, db: db}
}

// StartRequest is the body of POST /api/transfers.
type StartRequest struct {
	UserID int64  `json:"user_id"`
	Folder string `json:"folder"`
}

// HandleStartTransfer handles POST /api/transfers.
// Starts or resumes the transfer of a folder to a user.
func (h *Handler) HandleStartTransfer(c echo.Context) error {
	var req StartRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error": "invalid request body",
		})
	}

	result, err := h.svc.StartTransfer(c.Request().Context(), req.UserID, req.Folder)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusAccepted, result)
}

// HandleStatus handles GET /api/transfers/:user.
func (h *Handler) HandleStatus(c echo.Context) error {
	userID, err := userParam(c)
	if err != nil {
		return mapServiceError(c, err)
	}

	report, err := h.svc.Status(c.Request().Context(), userID)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, report)
}

// HandleCancel handles DELETE /api/transfers/:user.
// The run stops after the file in progress.
func (h *Handler) HandleCancel(c echo.Context) error {
	userID, err := userParam(c)
	if err != nil {
		return mapServiceError(c, err)
	}

	if err := h.svc.CancelTransfer(userID); err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusAccepted, echo.Map{
		"message": "cancellation requested, the current file will finish first",
	})
}

// HandleInterrupted handles GET /api/sessions/interrupted.
func (h *Handler) HandleInterrupted(c echo.Context) error {
	sessions, err := h.svc.Interrupted(c.Request().Context())
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"count":    len(sessions),
		"sessions": sessions,
	})
}

// HandleHealth handles GET /health.
// Returns the health status of the server, including database connectivity.
func (h *Handler) HandleHealth(c echo.Context) error {
	status := "healthy"
	dbStatus := "in-memory"

	if h.db != nil {
		dbStatus = "connected"
		if err := h.db.HealthCheck(c.Request().Context()); err != nil {
			status = "degraded"
			dbStatus = fmt.Sprintf("error: %v", err)
		}
	}

	return c.JSON(http.StatusOK, echo.Map{
		"status":   status,
		"database": dbStatus,
	})
}

// HandleStats handles GET /api/stats.
// Returns aggregate relay statistics.
func (h *Handler) HandleStats(c echo.Context) error {
	stats, err := h.svc.GetStats(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error": "failed to retrieve stats",
		})
	}

	return c.JSON(http.StatusOK, echo.Map{
		"total_sessions":        stats.TotalSessions,
		"active_sessions":       stats.ActiveSessions,
		"completed_sessions":    stats.CompletedSessions,
		"cancelled_sessions":    stats.CancelledSessions,
		"files_processed":       stats.FilesProcessed,
		"bytes_processed":       stats.BytesProcessed,
		"bytes_processed_human": progress.HumanizeBytes(stats.BytesProcessed),
	})
}

func userParam(c echo.Context) (int64, error) {
	userID, err := strconv.ParseInt(c.Param("user"), 10, 64)
	if err != nil || userID <= 0 {
		return 0, service.ErrInvalidUser
	}
	return userID, nil
}

// mapServiceError translates service-layer errors into appropriate HTTP responses.
func mapServiceError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrInvalidUser):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid user id"})
	case errors.Is(err, service.ErrInvalidReference):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "unsupported or malformed folder reference"})
	case errors.Is(err, service.ErrTransferActive):
		return c.JSON(http.StatusConflict, echo.Map{
			"error": "a transfer is already active for this user, check its status or cancel it",
		})
	case errors.Is(err, service.ErrNoTransfer):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "no active transfer"})
	default:
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal server error"})
	}
}
