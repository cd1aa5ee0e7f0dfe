// Package meta serves Meta's Llama models through an OpenAI-compatible
// hosting API (Together by default). Any host that implements the OpenAI
// chat completions surface works via WithBaseURL.
package meta

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/relaypoint/model-gateway/internal/upstream"
)

const (
	providerName   = "meta"
	defaultBaseURL = "https://api.together.xyz/v1"
)

// Adapter implements upstream.Adapter against an OpenAI-compatible Llama
// host.
type Adapter struct {
	apiKey  string
	baseURL string
	client  openaiSDK.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the hosting API base URL.
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = u }
}

// New creates a Llama adapter.
func New(apiKey string, opts ...Option) *Adapter {
	a := &Adapter{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(a)
	}

	a.client = openaiSDK.NewClient(
		option.WithAPIKey(a.apiKey),
		option.WithBaseURL(a.baseURL),
		option.WithHTTPClient(&http.Client{Timeout: upstream.DefaultTimeout}),
	)
	return a
}

func (a *Adapter) Name() string { return providerName }

// Available probes connectivity and auth with a model listing. Hosted
// model identifiers vary by deployment, so the probe does not resolve the
// specific model.
func (a *Adapter) Available(ctx context.Context, model string) bool {
	_, err := a.client.Models.List(ctx)
	return err == nil
}

func (a *Adapter) Complete(ctx context.Context, req *upstream.Request) (*upstream.Result, error) {
	resp, err := a.client.Chat.Completions.New(ctx, buildParams(req))
	if err != nil {
		return nil, toProviderError(err)
	}

	res := &upstream.Result{
		ID: resp.ID,
		Usage: upstream.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
	if len(resp.Choices) > 0 {
		res.Content = resp.Choices[0].Message.Content
		res.FinishReason = resp.Choices[0].FinishReason
	}
	return res, nil
}

func (a *Adapter) Stream(ctx context.Context, req *upstream.Request) (<-chan upstream.StreamChunk, error) {
	ch := make(chan upstream.StreamChunk, 64)
	stream := a.client.Chat.Completions.NewStreaming(ctx, buildParams(req))

	go func() {
		defer close(ch)

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			c := chunk.Choices[0]

			if c.Delta.Content != "" {
				ch <- upstream.StreamChunk{
					Content:      c.Delta.Content,
					FinishReason: c.FinishReason,
				}
				continue
			}
			if c.FinishReason != "" {
				ch <- upstream.StreamChunk{FinishReason: c.FinishReason}
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

func buildParams(req *upstream.Request) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Text()))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    req.Model,
	}

	if req.Temperature != nil {
		params.Temperature = openaiSDK.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = openaiSDK.Float(*req.TopP)
	}
	if req.FrequencyPenalty != nil {
		params.FrequencyPenalty = openaiSDK.Float(*req.FrequencyPenalty)
	}
	if req.PresencePenalty != nil {
		params.PresencePenalty = openaiSDK.Float(*req.PresencePenalty)
	}
	if req.MaxTokens != nil {
		params.MaxCompletionTokens = openaiSDK.Int(int64(*req.MaxTokens))
	}
	if len(req.Stop) > 0 {
		params.Stop = openaiSDK.ChatCompletionNewParamsStopUnion{
			OfStringArray: req.Stop,
		}
	}

	return params
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case "system", "developer":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}

// ProviderError is a structured error returned by the hosting API.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("meta: %s (status=%d)", e.Message, e.StatusCode)
}

// HTTPStatus implements upstream.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var apiErr *openaiSDK.Error
	if errors.As(err, &apiErr) {
		return &ProviderError{
			StatusCode: apiErr.StatusCode,
			Message:    apiErr.Error(),
		}
	}
	return err
}
