// Package client provides the upstream HTTP client for the Ollama API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"ollama-relay/internal/config"
	"ollama-relay/internal/metrics"
	"ollama-relay/internal/model"
)

// Ollama API paths.
const (
	PathChat = "/api/chat"
	PathTags = "/api/tags"
)

const userAgent = "ollama-relay/1.0"

// maxErrorBody caps how much of a non-2xx body is kept for logging.
const maxErrorBody = 4 << 10

// StatusError is returned when the upstream answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Body)
}

// OllamaClient sends requests to the upstream Ollama API.
type OllamaClient struct {
	baseURL string
	// httpClient enforces upstream.timeout_seconds; streamClient has no
	// overall deadline so long generations are never cut off.
	httpClient   *http.Client
	streamClient *http.Client
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

// NewOllamaClient creates an OllamaClient with connection pooling.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewOllamaClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *OllamaClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	return &OllamaClient{
		baseURL: cfg.Upstream.BaseURL,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		},
		streamClient: &http.Client{Transport: transport},
		logger:       logger.With("component", "ollama_client"),
		metrics:      m,
	}
}

// BaseURL returns the configured upstream base URL.
func (c *OllamaClient) BaseURL() string {
	return c.baseURL
}

// Call performs a bounded request and returns the raw response. payload, when
// non-nil, is sent as a JSON body. The caller is responsible for closing the
// response body.
func (c *OllamaClient) Call(ctx context.Context, method, path string, payload any) (*model.UpstreamResponse, error) {
	req, err := c.newRequest(ctx, method, path, payload)
	if err != nil {
		return nil, err
	}
	return c.do(c.httpClient, req)
}

// Stream performs a request whose body is consumed incrementally. The context
// controls the lifetime of the upstream request: cancelling it (for example
// when the client disconnects) aborts the upstream call and its body.
func (c *OllamaClient) Stream(ctx context.Context, method, path string, payload any) (*model.UpstreamResponse, error) {
	req, err := c.newRequest(ctx, method, path, payload)
	if err != nil {
		return nil, err
	}
	return c.do(c.streamClient, req)
}

func (c *OllamaClient) newRequest(ctx context.Context, method, path string, payload any) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode upstream request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json, application/x-ndjson")
	req.Header.Set("User-Agent", userAgent)
	return req, nil
}

func (c *OllamaClient) do(hc *http.Client, req *http.Request) (*model.UpstreamResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := hc.Do(req) //nolint:bodyclose // body ownership transfers to caller via UpstreamResponse
	duration := time.Since(start).Seconds()
	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return &model.UpstreamResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// CheckStatus returns nil for 2xx responses. Otherwise it reads a bounded
// prefix of the body, closes it, and returns a *StatusError.
func CheckStatus(resp *model.UpstreamResponse) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	defer func() { _ = resp.Body.Close() }()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
}
