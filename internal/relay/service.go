package relay

import (
	"context"
	"log/slog"
	"net/http"

	"ollama-relay/internal/client"
	"ollama-relay/internal/config"
	"ollama-relay/internal/metrics"
	"ollama-relay/internal/model"
)

// Upstream opens streaming calls against the inference backend.
type Upstream interface {
	Stream(ctx context.Context, method, path string, payload any) (*model.UpstreamResponse, error)
}

// Service opens relay streams for chat requests.
type Service struct {
	upstream    Upstream
	temperature float64
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// NewService creates a Service. The metrics parameter may be nil.
func NewService(up *client.OllamaClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Service {
	return newService(up, cfg.Relay.Temperature(), logger, m)
}

func newService(up Upstream, temperature float64, logger *slog.Logger, m *metrics.Metrics) *Service {
	return &Service{
		upstream:    up,
		temperature: temperature,
		logger:      logger.With("component", "relay"),
		metrics:     m,
	}
}

// Open validates req and starts one streaming upstream call.
//
// A validation failure is returned as a *model.ValidationError and no
// upstream call is made. If ctx is already done, ctx.Err() is returned.
// Upstream failures are not errors here: the returned stream yields a single
// Error event instead.
func (s *Service) Open(ctx context.Context, req model.ChatRequest) (*Stream, error) {
	if err := req.Validate(); err != nil {
		if s.metrics != nil {
			s.metrics.RelayStreams.WithLabelValues(metrics.OutcomeInvalid).Inc()
		}
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	logger := s.logger.With("model", req.Model)
	streamCtx, cancel := context.WithCancel(ctx)

	resp, err := s.upstream.Stream(streamCtx, http.MethodPost, client.PathChat, req.UpstreamBody(true, s.temperature))
	if err == nil {
		err = client.CheckStatus(resp)
	}
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Error("open upstream stream", "err", err)
		return failedStream(err, logger, s.metrics), nil
	}

	logger.Debug("upstream stream opened", "messages", len(req.Messages))
	return newStream(streamCtx, cancel, resp.Body, logger, s.metrics), nil
}
