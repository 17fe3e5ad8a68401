package handlers

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"waresync/internal/gateway"
	syncsvc "waresync/internal/sync"
)

// HealthHandlers handles health check endpoints
type HealthHandlers struct {
	gw  gateway.RemoteGateway
	hub *syncsvc.Hub
}

// NewHealthHandlers creates a new health handlers instance
func NewHealthHandlers(gw gateway.RemoteGateway, hub *syncsvc.Hub) *HealthHandlers {
	return &HealthHandlers{gw: gw, hub: hub}
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Services  map[string]string `json:"services"`
}

// HealthCheck handles GET /health. The remote store being down degrades the
// report but the service keeps running from the local cache.
func (h *HealthHandlers) HealthCheck(c echo.Context) error {
	health := &HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Services:  make(map[string]string),
	}

	if err := h.gw.Ping(c.Request().Context()); err != nil {
		health.Services["remote"] = "unhealthy"
		health.Status = "degraded"
	} else {
		health.Services["remote"] = "healthy"
	}

	if h.hub.Online() {
		health.Services["sync"] = "online"
	} else {
		health.Services["sync"] = "offline"
	}

	statusCode := http.StatusOK
	if health.Status == "degraded" {
		statusCode = http.StatusPartialContent
	}
	return c.JSON(statusCode, health)
}

// LivenessCheck handles GET /health/live
func (h *HealthHandlers) LivenessCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":    "alive",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
