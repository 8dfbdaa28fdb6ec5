package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"ollama-relay/internal/service"
)

// ModelsHandler serves the model list.
type ModelsHandler struct {
	service *service.ModelService
}

// NewModelsHandler creates a ModelsHandler.
func NewModelsHandler(svc *service.ModelService) *ModelsHandler {
	return &ModelsHandler{service: svc}
}

// List answers GET /api/models. It always responds 200 with a JSON array;
// an unreachable upstream yields [].
func (h *ModelsHandler) List(c echo.Context) error {
	return c.JSON(http.StatusOK, h.service.List(c.Request().Context()))
}
