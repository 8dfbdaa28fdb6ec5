package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/labstack/echo/v4"

	"ollama-relay/internal/model"
	"ollama-relay/internal/service"
)

// msgCompletionFailed is the only upstream failure detail sent to clients.
const msgCompletionFailed = "Failed to generate chat completion"

// ChatHandler serves the non-streaming chat endpoint.
type ChatHandler struct {
	service *service.ChatService
	logger  *slog.Logger
}

// NewChatHandler creates a ChatHandler.
func NewChatHandler(svc *service.ChatService, logger *slog.Logger) *ChatHandler {
	return &ChatHandler{
		service: svc,
		logger:  logger.With("component", "chat_handler"),
	}
}

// Complete answers POST /api/chat with the upstream completion, verbatim.
func (h *ChatHandler) Complete(c echo.Context) error {
	var req model.ChatRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		h.logger.Debug("undecodable chat request", "err", err)
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request body",
		})
	}

	body, err := h.service.Complete(c.Request().Context(), req)
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSONBlob(http.StatusOK, body)
}

func (h *ChatHandler) mapError(c echo.Context, err error) error {
	var ve *model.ValidationError
	if errors.As(err, &ve) {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": ve.Reason,
		})
	}

	h.logger.Error("chat completion failed",
		"err", err,
		"path", c.Request().URL.Path,
	)

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": msgCompletionFailed,
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": msgCompletionFailed,
	})
}
