// Package google adapts the neutral request model to the Gemini API via the
// official GenAI SDK.
//
// System and developer messages become the system instruction; assistant
// turns map to the model role. A json_object response format is expressed
// as the application/json response MIME type.
package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/relaypoint/model-gateway/internal/upstream"
)

const providerName = "google"

// Adapter implements upstream.Adapter against the Gemini API.
type Adapter struct {
	apiKey  string
	baseURL string
	client  *genai.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = u }
}

// New creates a Gemini adapter. The context is used only for client
// construction.
func New(ctx context.Context, apiKey string, opts ...Option) (*Adapter, error) {
	a := &Adapter{apiKey: apiKey}
	for _, o := range opts {
		o(a)
	}

	cfg := &genai.ClientConfig{
		APIKey:     a.apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: upstream.DefaultTimeout},
	}
	if a.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: a.baseURL}
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("google: client: %w", err)
	}
	a.client = client
	return a, nil
}

func (a *Adapter) Name() string { return providerName }

// Available probes connectivity and auth with a one-item model listing.
func (a *Adapter) Available(ctx context.Context, model string) bool {
	_, err := a.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	return err == nil
}

func (a *Adapter) Complete(ctx context.Context, req *upstream.Request) (*upstream.Result, error) {
	contents, cfg := buildContents(req)

	resp, err := a.client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, toProviderError(err)
	}

	res := &upstream.Result{}
	if resp != nil {
		res.ID = resp.ResponseID
		res.Content = resp.Text()
		if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
			res.FinishReason = finishReason(resp.Candidates[0].FinishReason)
		}
		if resp.UsageMetadata != nil {
			res.Usage = upstream.Usage{
				PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
				CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
				TotalTokens:      int(resp.UsageMetadata.PromptTokenCount + resp.UsageMetadata.CandidatesTokenCount),
			}
		}
	}
	return res, nil
}

func (a *Adapter) Stream(ctx context.Context, req *upstream.Request) (<-chan upstream.StreamChunk, error) {
	contents, cfg := buildContents(req)
	ch := make(chan upstream.StreamChunk, 64)

	go func() {
		defer close(ch)

		for resp, err := range a.client.Models.GenerateContentStream(ctx, req.Model, contents, cfg) {
			if err != nil {
				if ctx.Err() == nil {
					ch <- upstream.StreamChunk{
						Content:      fmt.Sprintf("[stream error] %v", err),
						FinishReason: "error",
					}
				}
				return
			}
			if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
				continue
			}

			c := resp.Candidates[0]
			text := candidateText(c)
			finish := finishReason(c.FinishReason)
			if text != "" || finish != "" {
				ch <- upstream.StreamChunk{Content: text, FinishReason: finish}
			}
		}
	}()

	return ch, nil
}

func buildContents(req *upstream.Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	var systemPrompt string
	contents := make([]*genai.Content, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Text()
		case "assistant", "model":
			contents = append(contents, genai.NewContentFromText(m.Text(), genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Text(), genai.RoleUser))
		}
	}

	cfg := &genai.GenerateContentConfig{}
	if systemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemPrompt}},
		}
	}
	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if req.TopP != nil {
		cfg.TopP = genai.Ptr(float32(*req.TopP))
	}
	if req.FrequencyPenalty != nil {
		cfg.FrequencyPenalty = genai.Ptr(float32(*req.FrequencyPenalty))
	}
	if req.PresencePenalty != nil {
		cfg.PresencePenalty = genai.Ptr(float32(*req.PresencePenalty))
	}
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(*req.MaxTokens)
	}
	if len(req.Stop) > 0 {
		cfg.StopSequences = req.Stop
	}
	if req.ResponseFormat != nil && req.ResponseFormat.Type == "json_object" {
		cfg.ResponseMIMEType = "application/json"
	}

	return contents, cfg
}

func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil || len(c.Content.Parts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil && p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// finishReason maps Gemini finish reasons onto the OpenAI vocabulary the
// wire format uses.
func finishReason(r genai.FinishReason) string {
	switch r {
	case "":
		return ""
	case genai.FinishReasonStop:
		return "stop"
	case genai.FinishReasonMaxTokens:
		return "length"
	case genai.FinishReasonSafety, genai.FinishReasonRecitation:
		return "content_filter"
	}
	return strings.ToLower(string(r))
}

// ProviderError is a structured error returned by the Gemini API.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("google: %s (status=%d)", e.Message, e.StatusCode)
}

// HTTPStatus implements upstream.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
		}
	}
	return err
}
