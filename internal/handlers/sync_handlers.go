package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"waresync/internal/common"
	syncsvc "waresync/internal/sync"
)

// SyncHandlers exposes the offline queue and connectivity state.
type SyncHandlers struct {
	hub *syncsvc.Hub
}

// NewSyncHandlers creates a new sync handlers instance
func NewSyncHandlers(hub *syncsvc.Hub) *SyncHandlers {
	return &SyncHandlers{hub: hub}
}

// Status handles GET /sync/status
func (h *SyncHandlers) Status(c echo.Context) error {
	pending, err := h.hub.PendingWrites(c.Request().Context())
	if err != nil {
		return common.SendDomainError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"online":        h.hub.Online(),
		"pendingWrites": pending,
	})
}

// Drain handles POST /sync/drain, forcing a queue replay attempt.
func (h *SyncHandlers) Drain(c echo.Context) error {
	result, err := h.hub.Drain(c.Request().Context())
	if err != nil {
		return common.SendDomainError(c, err)
	}

	return c.JSON(http.StatusOK, result)
}
