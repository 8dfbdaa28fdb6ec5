package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ollama-relay/internal/config"
	"ollama-relay/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance. The
// metrics route is added only when metrics are enabled; static files are
// served at / when server.static_dir is set.
func RegisterRoutes(
	e *echo.Echo,
	cfg *config.Config,
	m *metrics.Metrics,
	chat *ChatHandler,
	models *ModelsHandler,
	socket *SocketHandler,
	health *HealthHandler,
) {
	e.GET("/healthz", health.Healthz)
	e.GET("/relay/status", health.Status)

	e.GET("/api/models", models.List)
	e.POST("/api/chat", chat.Complete)
	e.GET("/ws", socket.Handle)

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	if cfg.Server.StaticDir != "" {
		e.Static("/", cfg.Server.StaticDir)
	}
}
