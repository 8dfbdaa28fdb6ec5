package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ErrInvalidRequest is matched by every ValidationError.
var ErrInvalidRequest = errors.New("invalid chat request")

// Message roles accepted from the client.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a conversation transcript.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the inbound chat request shared by the WebSocket and HTTP paths.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
}

// ValidationError describes why a ChatRequest was rejected. Reason is safe to
// show to the client.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid chat request: " + e.Reason
}

// Unwrap lets errors.Is(err, ErrInvalidRequest) match.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidRequest
}

// Validate checks the request before any upstream call is made.
func (r *ChatRequest) Validate() error {
	if r.Model == "" || len(r.Messages) == 0 {
		return &ValidationError{Reason: "Model and messages are required"}
	}
	for i, m := range r.Messages {
		if m.Role != RoleUser && m.Role != RoleAssistant {
			return &ValidationError{Reason: fmt.Sprintf("message %d: role must be %q or %q", i, RoleUser, RoleAssistant)}
		}
	}
	if t := r.Temperature; t != nil && (math.IsNaN(*t) || *t < 0 || *t > 1) {
		return &ValidationError{Reason: "temperature must be between 0 and 1"}
	}
	return nil
}

// UpstreamBody builds the Ollama /api/chat request body. def is used when the
// client did not send a temperature.
func (r *ChatRequest) UpstreamBody(stream bool, def float64) UpstreamChatRequest {
	t := def
	if r.Temperature != nil {
		t = *r.Temperature
	}
	return UpstreamChatRequest{
		Model:    r.Model,
		Messages: r.Messages,
		Stream:   stream,
		Options:  UpstreamOptions{Temperature: t},
	}
}

// UpstreamChatRequest is the body POSTed to Ollama's /api/chat.
type UpstreamChatRequest struct {
	Model    string          `json:"model"`
	Messages []Message       `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  UpstreamOptions `json:"options"`
}

// UpstreamOptions holds sampling parameters.
type UpstreamOptions struct {
	Temperature float64 `json:"temperature"`
}

// ModelDescriptor is one entry of the model list. It serializes flat:
// {"name": ..., <metadata fields>}.
type ModelDescriptor struct {
	Name     string
	Metadata map[string]json.RawMessage
}

// MarshalJSON implements json.Marshaler.
func (d ModelDescriptor) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(d.Metadata)+1)
	for k, v := range d.Metadata {
		out[k] = v
	}
	name, err := json.Marshal(d.Name)
	if err != nil {
		return nil, err
	}
	out["name"] = name
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *ModelDescriptor) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	d.Name = ""
	if raw, ok := fields["name"]; ok {
		if err := json.Unmarshal(raw, &d.Name); err != nil {
			return fmt.Errorf("model name: %w", err)
		}
		delete(fields, "name")
	}
	d.Metadata = fields
	return nil
}
