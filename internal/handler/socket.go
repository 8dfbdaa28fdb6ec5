package handler

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"ollama-relay/internal/config"
	"ollama-relay/internal/relay"
)

// SocketHandler upgrades browser connections and hands them to the relay hub.
type SocketHandler struct {
	hub      *relay.Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewSocketHandler creates a SocketHandler. Origins are checked against
// server.allowed_origins.
func NewSocketHandler(hub *relay.Hub, cfg *config.Config, logger *slog.Logger) *SocketHandler {
	allowed := cfg.Server
	return &SocketHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return allowed.AllowsOrigin(r.Header.Get("Origin"))
			},
		},
		logger: logger.With("component", "socket_handler"),
	}
}

// Handle serves GET /ws. It blocks for the lifetime of the connection.
func (h *SocketHandler) Handle(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the error response.
		h.logger.Debug("websocket upgrade failed",
			"err", err,
			"origin", c.Request().Header.Get("Origin"),
		)
		return nil
	}
	h.hub.Serve(conn)
	return nil
}
