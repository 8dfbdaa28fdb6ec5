package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"ollama-relay/internal/client"
	"ollama-relay/internal/config"
	"ollama-relay/internal/service"
)

func newChatHandler(cfg *config.Config) *ChatHandler {
	logger := testLogger()
	oc := client.NewOllamaClient(cfg, logger, nil)
	return NewChatHandler(service.NewChatService(oc, cfg, logger), logger)
}

func serveChat(t *testing.T, h *ChatHandler, body string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	if err := h.Complete(e.NewContext(req, rec)); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	return rec
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal %q: %v", rec.Body.String(), err)
	}
	return body["error"]
}

func TestChat_ReturnsUpstreamVerbatim(t *testing.T) {
	const reply = `{"message":{"role":"assistant","content":"hi"},"done":true}`
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(reply))
	}))
	defer upstream.Close()

	rec := serveChat(t, newChatHandler(testConfig(upstream.URL)),
		`{"model":"llama3","messages":[{"role":"user","content":"hello"}]}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != reply {
		t.Errorf("body = %q, want %q", rec.Body.String(), reply)
	}
}

func TestChat_ErrorMapping(t *testing.T) {
	upstreamErr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "internal detail: /var/lib/ollama", http.StatusInternalServerError)
	}))
	defer upstreamErr.Close()

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer slow.Close()

	slowCfg := testConfig(slow.URL)
	slowCfg.Upstream.TimeoutSeconds = 1

	valid := `{"model":"llama3","messages":[{"role":"user","content":"hello"}]}`

	tests := []struct {
		name       string
		handler    *ChatHandler
		body       string
		wantStatus int
		wantError  string
	}{
		{
			name:       "missing model",
			handler:    newChatHandler(testConfig(upstreamErr.URL)),
			body:       `{"messages":[{"role":"user","content":"hello"}]}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "Model and messages are required",
		},
		{
			name:       "missing messages",
			handler:    newChatHandler(testConfig(upstreamErr.URL)),
			body:       `{"model":"llama3"}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "Model and messages are required",
		},
		{
			name:       "temperature out of range",
			handler:    newChatHandler(testConfig(upstreamErr.URL)),
			body:       `{"model":"llama3","messages":[{"role":"user","content":"x"}],"temperature":1.5}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "temperature must be between 0 and 1",
		},
		{
			name:       "malformed body",
			handler:    newChatHandler(testConfig(upstreamErr.URL)),
			body:       `{"model":`,
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid request body",
		},
		{
			name:       "upstream 500",
			handler:    newChatHandler(testConfig(upstreamErr.URL)),
			body:       valid,
			wantStatus: http.StatusBadGateway,
			wantError:  msgCompletionFailed,
		},
		{
			name:       "upstream unreachable",
			handler:    newChatHandler(testConfig("http://127.0.0.1:1")),
			body:       valid,
			wantStatus: http.StatusBadGateway,
			wantError:  msgCompletionFailed,
		},
		{
			name:       "upstream timeout",
			handler:    newChatHandler(slowCfg),
			body:       valid,
			wantStatus: http.StatusGatewayTimeout,
			wantError:  msgCompletionFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serveChat(t, tt.handler, tt.body)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := errorBody(t, rec); got != tt.wantError {
				t.Errorf("error = %q, want %q", got, tt.wantError)
			}
			if strings.Contains(rec.Body.String(), "/var/lib") {
				t.Errorf("body leaks upstream detail: %s", rec.Body.String())
			}
		})
	}
}
