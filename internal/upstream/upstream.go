// Package upstream defines the provider-neutral request model and the
// Adapter capability implemented by each upstream provider (OpenAI,
// Anthropic, Google, Meta-hosted).
//
// Each adapter lives in its own sub-package and translates the neutral types
// into provider-native payloads and back. The rest of the gateway never sees
// an SDK type.
package upstream

import (
	"context"
	"time"
)

// DefaultTimeout bounds a single upstream completion call.
const DefaultTimeout = 30 * time.Second

type (
	// StreamChunk is a single delta delivered during a streaming response.
	StreamChunk struct {
		Content      string
		FinishReason string
	}

	// Request is the provider-bound call, already translated to the
	// provider-native model identifier by the catalog. Knobs a provider
	// does not support are dropped by its adapter.
	Request struct {
		Model            string // provider-native name, e.g. "gpt-4o"
		Messages         []ChatMessage
		Temperature      *float64
		TopP             *float64
		FrequencyPenalty *float64
		PresencePenalty  *float64
		MaxTokens        *int
		Stop             []string
		ResponseFormat   *ResponseFormat
		Owner            string
		RequestID        string
	}

	// Result is the provider-neutral completion result.
	Result struct {
		ID           string
		Content      string
		FinishReason string
		Usage        Usage
	}
)

// Adapter is the per-provider capability.
//
// Available answers health probes and must honor ctx deadlines; Complete and
// Stream perform the actual dispatch. Stream's channel is closed when the
// upstream finishes or ctx is cancelled.
type Adapter interface {
	Name() string
	Available(ctx context.Context, model string) bool
	Complete(ctx context.Context, req *Request) (*Result, error)
	Stream(ctx context.Context, req *Request) (<-chan StreamChunk, error)
}

// StatusCoder exposes the HTTP status of a provider failure. Adapter errors
// implement it so the gateway can classify retriability.
type StatusCoder interface {
	HTTPStatus() int
}
