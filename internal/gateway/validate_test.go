package gateway

import (
	"strings"
	"testing"

	"github.com/relaypoint/model-gateway/internal/catalog"
	"github.com/relaypoint/model-gateway/internal/upstream"
	"github.com/relaypoint/model-gateway/pkg/apierr"
)

func chatReq(model string) *upstream.ModelRequest {
	return &upstream.ModelRequest{
		Model:    model,
		Messages: []upstream.ChatMessage{{Role: "user", Content: "hello"}},
	}
}

func TestValidateRequest(t *testing.T) {
	cat := catalog.Default()

	tests := []struct {
		name    string
		mut     func(*upstream.ModelRequest)
		wantErr string // substring of the message; empty means valid
	}{
		{"minimal", func(*upstream.ModelRequest) {}, ""},
		{"auto model", func(r *upstream.ModelRequest) { r.Model = catalog.ModelAuto }, ""},
		{"missing model", func(r *upstream.ModelRequest) { r.Model = "" }, "model is required"},
		{"unknown model", func(r *upstream.ModelRequest) { r.Model = "acme/gpt-99" }, "unknown model"},
		{"no messages", func(r *upstream.ModelRequest) { r.Messages = nil }, "messages must not be empty"},
		{"unknown role", func(r *upstream.ModelRequest) { r.Messages[0].Role = "narrator" }, "unknown role"},
		{"tool role", func(r *upstream.ModelRequest) { r.Messages[0].Role = "tool" }, ""},
		{"temperature at upper bound", func(r *upstream.ModelRequest) { r.Temperature = upstream.Ptr(2.0) }, ""},
		{"temperature too high", func(r *upstream.ModelRequest) { r.Temperature = upstream.Ptr(2.01) }, "temperature"},
		{"temperature negative", func(r *upstream.ModelRequest) { r.Temperature = upstream.Ptr(-0.1) }, "temperature"},
		{"top_p at upper bound", func(r *upstream.ModelRequest) { r.TopP = upstream.Ptr(1.0) }, ""},
		{"top_p too high", func(r *upstream.ModelRequest) { r.TopP = upstream.Ptr(1.01) }, "top_p"},
		{
			"penalties at bounds",
			func(r *upstream.ModelRequest) {
				r.FrequencyPenalty = upstream.Ptr(-2.0)
				r.PresencePenalty = upstream.Ptr(2.0)
			},
			"",
		},
		{"frequency_penalty too low", func(r *upstream.ModelRequest) { r.FrequencyPenalty = upstream.Ptr(-2.5) }, "frequency_penalty"},
		{"presence_penalty too high", func(r *upstream.ModelRequest) { r.PresencePenalty = upstream.Ptr(2.5) }, "presence_penalty"},
		{"zero max_tokens", func(r *upstream.ModelRequest) { r.MaxTokens = upstream.Ptr(0) }, "max_tokens"},
		{"negative max_tokens", func(r *upstream.ModelRequest) { r.MaxTokens = upstream.Ptr(-5) }, "max_tokens"},
		{"unknown route", func(r *upstream.ModelRequest) { r.Route = "cheapest" }, "route strategy"},
		{"lowest_cost route", func(r *upstream.ModelRequest) { r.Route = upstream.RouteLowestCost }, ""},
		{"bad response_format", func(r *upstream.ModelRequest) { r.ResponseFormat = &upstream.ResponseFormat{Type: "xml"} }, "response_format"},
		{"json_object response_format", func(r *upstream.ModelRequest) { r.ResponseFormat = &upstream.ResponseFormat{Type: "json_object"} }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := chatReq("openai/gpt-4o")
			tt.mut(req)

			err := validateRequest(cat, req)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("validateRequest: %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("validateRequest = nil, want error containing %q", tt.wantErr)
			}
			if !apierr.IsKind(err, apierr.KindInvalidRequest) {
				t.Errorf("kind = %s, want INVALID_REQUEST", apierr.KindOf(err))
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateRequest_NilRequest(t *testing.T) {
	err := validateRequest(catalog.Default(), nil)
	if !apierr.IsKind(err, apierr.KindInvalidRequest) {
		t.Fatalf("err = %v, want INVALID_REQUEST", err)
	}
}
