// Package anthropic adapts the neutral request model to the Anthropic
// Messages API via the official SDK.
//
// System and developer messages are folded into the system prompt, since
// the Messages API carries the system turn out of band. Knobs Anthropic
// has no equivalent for (penalties, response_format) are dropped.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	anthropicSDK "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/relaypoint/model-gateway/internal/upstream"
)

const (
	providerName = "anthropic"

	// The Messages API requires max_tokens; applied when the caller set none.
	defaultMaxTokens = 4096
)

// Adapter implements upstream.Adapter against the Anthropic API.
type Adapter struct {
	apiKey  string
	baseURL string
	client  anthropicSDK.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = u }
}

// New creates an Anthropic adapter.
func New(apiKey string, opts ...Option) *Adapter {
	a := &Adapter{apiKey: apiKey}
	for _, o := range opts {
		o(a)
	}

	clientOpts := []option.RequestOption{
		option.WithAPIKey(a.apiKey),
		option.WithHTTPClient(&http.Client{Timeout: upstream.DefaultTimeout}),
	}
	if a.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(a.baseURL))
	}

	a.client = anthropicSDK.NewClient(clientOpts...)
	return a
}

func (a *Adapter) Name() string { return providerName }

// Available probes connectivity and auth with a one-item model listing.
// Every Anthropic model shares the endpoint, so the probe does not need to
// resolve the specific model.
func (a *Adapter) Available(ctx context.Context, model string) bool {
	_, err := a.client.Models.List(ctx, anthropicSDK.ModelListParams{
		Limit: anthropicSDK.Int(1),
	})
	return err == nil
}

func (a *Adapter) Complete(ctx context.Context, req *upstream.Request) (*upstream.Result, error) {
	msg, err := a.client.Messages.New(ctx, buildParams(req))
	if err != nil {
		return nil, toProviderError(err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropicSDK.TextBlock:
			sb.WriteString(v.Text)
		case *anthropicSDK.TextBlock:
			sb.WriteString(v.Text)
		}
	}

	return &upstream.Result{
		ID:           msg.ID,
		Content:      sb.String(),
		FinishReason: finishReason(string(msg.StopReason)),
		Usage: upstream.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}, nil
}

func (a *Adapter) Stream(ctx context.Context, req *upstream.Request) (<-chan upstream.StreamChunk, error) {
	ch := make(chan upstream.StreamChunk, 64)
	stream := a.client.Messages.NewStreaming(ctx, buildParams(req))

	go func() {
		defer close(ch)

		for stream.Next() {
			ev := stream.Current()

			switch eventVariant := ev.AsAny().(type) {
			case anthropicSDK.ContentBlockDeltaEvent:
				switch deltaVariant := eventVariant.Delta.AsAny().(type) {
				case anthropicSDK.TextDelta:
					if deltaVariant.Text != "" {
						ch <- upstream.StreamChunk{Content: deltaVariant.Text}
					}
				case *anthropicSDK.TextDelta:
					if deltaVariant.Text != "" {
						ch <- upstream.StreamChunk{Content: deltaVariant.Text}
					}
				}
			case anthropicSDK.MessageDeltaEvent:
				if eventVariant.Delta.StopReason != "" {
					ch <- upstream.StreamChunk{
						FinishReason: finishReason(string(eventVariant.Delta.StopReason)),
					}
				}
			}
		}

		if err := stream.Err(); err != nil && ctx.Err() == nil {
			ch <- upstream.StreamChunk{
				Content:      fmt.Sprintf("[stream error] %v", err),
				FinishReason: "error",
			}
		}
	}()

	return ch, nil
}

func buildParams(req *upstream.Request) anthropicSDK.MessageNewParams {
	var systemPrompt string
	msgs := make([]anthropicSDK.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Text()
		default:
			msgs = append(msgs, toSDKMessage(m.Role, m.Text()))
		}
	}

	maxTokens := defaultMaxTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}

	params := anthropicSDK.MessageNewParams{
		Model:     anthropicSDK.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}

	if systemPrompt != "" {
		params.System = []anthropicSDK.TextBlockParam{{Text: systemPrompt}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropicSDK.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = anthropicSDK.Float(*req.TopP)
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}

	return params
}

func toSDKMessage(role, content string) anthropicSDK.MessageParam {
	r := anthropicSDK.MessageParamRoleUser
	if strings.ToLower(role) == "assistant" {
		r = anthropicSDK.MessageParamRoleAssistant
	}
	return anthropicSDK.MessageParam{
		Role: r,
		Content: []anthropicSDK.ContentBlockParamUnion{
			{OfText: &anthropicSDK.TextBlockParam{Text: content}},
		},
	}
}

// finishReason maps Anthropic stop reasons onto the OpenAI vocabulary the
// wire format uses.
func finishReason(stop string) string {
	switch stop {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	case "":
		return ""
	}
	return stop
}

// ProviderError is a structured error returned by the Anthropic API.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("anthropic: %s (status=%d)", e.Message, e.StatusCode)
}

// HTTPStatus implements upstream.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var apiErr *anthropicSDK.Error
	if errors.As(err, &apiErr) {
		return &ProviderError{
			StatusCode: apiErr.StatusCode,
			Message:    apiErr.Error(),
		}
	}
	return err
}
