// Package service implements the request/response paths in front of Ollama.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"ollama-relay/internal/client"
	"ollama-relay/internal/config"
	"ollama-relay/internal/model"
)

// ErrInvalidUpstreamBody is returned when a 2xx upstream reply is not JSON.
var ErrInvalidUpstreamBody = errors.New("upstream returned a non-JSON body")

// maxCompletionBody caps a non-streaming completion read from upstream.
const maxCompletionBody = 32 << 20

// ChatService performs non-streaming chat completions.
type ChatService struct {
	client      *client.OllamaClient
	temperature float64
	logger      *slog.Logger
}

// NewChatService creates a ChatService.
func NewChatService(c *client.OllamaClient, cfg *config.Config, logger *slog.Logger) *ChatService {
	return &ChatService{
		client:      c,
		temperature: cfg.Relay.Temperature(),
		logger:      logger.With("component", "chat_service"),
	}
}

// Complete sends one blocking chat request and returns the upstream JSON
// reply verbatim. Validation failures are returned as *model.ValidationError
// before any upstream call; a non-2xx reply is a *client.StatusError.
func (s *ChatService) Complete(ctx context.Context, req model.ChatRequest) (json.RawMessage, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	resp, err := s.client.Call(ctx, http.MethodPost, client.PathChat, req.UpstreamBody(false, s.temperature))
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if err := client.CheckStatus(resp); err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxCompletionBody))
	if err != nil {
		return nil, fmt.Errorf("read chat completion: %w", err)
	}
	if !json.Valid(data) {
		return nil, ErrInvalidUpstreamBody
	}

	s.logger.Debug("chat completion", "model", req.Model, "bytes", len(data))
	return data, nil
}
