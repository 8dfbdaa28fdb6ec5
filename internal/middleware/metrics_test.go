package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	dto "github.com/prometheus/client_model/go"

	"ollama-relay/internal/metrics"
)

// findMetric returns the first sample of family name whose labels include
// every pair in want, or nil.
func findMetric(t *testing.T, m *metrics.Metrics, name string, want map[string]string) *dto.Metric {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	next:
		for _, metric := range f.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue next
				}
			}
			return metric
		}
	}
	return nil
}

func serve(e *echo.Echo, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestMetricsMiddleware_IncrementsCounter(t *testing.T) {
	m := metrics.New()
	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.POST("/api/chat", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	rec := serve(e, httptest.NewRequest(http.MethodPost, "/api/chat", http.NoBody))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	metric := findMetric(t, m, "ollama_relay_http_requests_total", map[string]string{
		"method": "POST", "status_code": "200", "path_prefix": "/api/chat",
	})
	if metric == nil {
		t.Fatal("expected ollama_relay_http_requests_total{POST,200,/api/chat}")
	}
	if v := metric.GetCounter().GetValue(); v != 1 {
		t.Errorf("counter value = %v, want 1", v)
	}
}

func TestMetricsMiddleware_RecordsDuration(t *testing.T) {
	m := metrics.New()
	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	serve(e, httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))

	metric := findMetric(t, m, "ollama_relay_http_request_duration_seconds", map[string]string{"path_prefix": "/healthz"})
	if metric == nil || metric.GetHistogram().GetSampleCount() == 0 {
		t.Error("expected ollama_relay_http_request_duration_seconds with at least one sample")
	}
}

func TestMetricsMiddleware_StatusLabels(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		path       string
		register   func(e *echo.Echo)
		wantLabels map[string]string
	}{
		{
			name:   "HTTPError status",
			method: http.MethodGet,
			path:   "/api/models",
			register: func(e *echo.Echo) {
				e.GET("/api/models", func(c echo.Context) error {
					return echo.NewHTTPError(http.StatusServiceUnavailable, "down")
				})
			},
			wantLabels: map[string]string{"path_prefix": "/api/models", "status_code": "503"},
		},
		{
			name:   "unknown method normalized",
			method: "XYZZY",
			path:   "/api/chat",
			register: func(e *echo.Echo) {
				e.Any("/api/chat", func(c echo.Context) error {
					return c.String(http.StatusOK, "ok")
				})
			},
			wantLabels: map[string]string{"path_prefix": "/api/chat", "method": "other"},
		},
		{
			name:       "router not found",
			method:     http.MethodGet,
			path:       "/nonexistent",
			register:   func(*echo.Echo) {},
			wantLabels: map[string]string{"path_prefix": "other", "method": "GET", "status_code": "404"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.New()
			e := echo.New()
			e.Use(MetricsMiddleware(m))
			tt.register(e)

			serve(e, httptest.NewRequest(tt.method, tt.path, http.NoBody))

			if findMetric(t, m, "ollama_relay_http_requests_total", tt.wantLabels) == nil {
				t.Errorf("expected ollama_relay_http_requests_total with %v", tt.wantLabels)
			}
		})
	}
}

func TestMetricsMiddleware_WebSocketUpgrade(t *testing.T) {
	m := metrics.New()
	e := echo.New()
	e.Use(MetricsMiddleware(m))
	// A hijacked connection leaves the Echo response uncommitted.
	e.GET("/ws", func(c echo.Context) error {
		return nil
	})

	req := httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	serve(e, req)

	if findMetric(t, m, "ollama_relay_http_requests_total", map[string]string{"path_prefix": "/ws", "status_code": "101"}) == nil {
		t.Error("expected ollama_relay_http_requests_total with path_prefix=/ws, status_code=101")
	}
	if findMetric(t, m, "ollama_relay_http_request_duration_seconds", map[string]string{"path_prefix": "/ws"}) != nil {
		t.Error("upgraded request should not be observed in the latency histogram")
	}
}

func TestMetricsMiddleware_FailedUpgradeKeepsStatus(t *testing.T) {
	m := metrics.New()
	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.GET("/ws", func(c echo.Context) error {
		return c.String(http.StatusForbidden, "origin not allowed")
	})

	req := httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	serve(e, req)

	if findMetric(t, m, "ollama_relay_http_requests_total", map[string]string{"path_prefix": "/ws", "status_code": "403"}) == nil {
		t.Error("expected ollama_relay_http_requests_total with path_prefix=/ws, status_code=403")
	}
}
