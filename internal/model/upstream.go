// Package model defines shared types for the relay.
package model

import (
	"io"
	"net/http"
)

// UpstreamResponse is a raw Ollama response whose body the caller must close.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
