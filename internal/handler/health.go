package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"ollama-relay/internal/config"
	"ollama-relay/internal/relay"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	hub     *relay.Hub
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, hub *relay.Hub) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, hub: hub}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// RelayStatus is the body of GET /relay/status.
type RelayStatus struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	UpstreamURL string `json:"upstream_url"`
	Sessions    int    `json:"sessions"`
}

// Status returns relay status information.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, RelayStatus{
		Status:      "ok",
		Version:     string(h.version),
		UpstreamURL: h.cfg.Upstream.BaseURL,
		Sessions:    h.hub.Active(),
	})
}
