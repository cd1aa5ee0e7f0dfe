package upstream

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// RouteStrategy selects how the router orders candidate models.
type RouteStrategy string

const (
	RouteDefault        RouteStrategy = "default"
	RouteFallback       RouteStrategy = "fallback"
	RouteLowestCost     RouteStrategy = "lowest_cost"
	RouteFastest        RouteStrategy = "fastest"
	RouteHighestQuality RouteStrategy = "highest_quality"
)

// Valid reports whether s is a known strategy. The empty string is valid and
// means RouteDefault.
func (s RouteStrategy) Valid() bool {
	switch s {
	case "", RouteDefault, RouteFallback, RouteLowestCost, RouteFastest, RouteHighestQuality:
		return true
	}
	return false
}

// ImageURL is the image half of a multimodal content part.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// ContentPart is one element of a multimodal message.
type ContentPart struct {
	Type     string    `json:"type"` // "text" | "image_url"
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ChatMessage is a single conversation turn. Content carries plain text;
// Parts carries the multimodal form. At most one of the two is set.
type ChatMessage struct {
	Role       string
	Content    string
	Parts      []ContentPart
	Name       string
	ToolCallID string
}

type chatMessageWire struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

func (m ChatMessage) MarshalJSON() ([]byte, error) {
	var content any = m.Content
	if m.Parts != nil {
		content = m.Parts
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(chatMessageWire{
		Role:       m.Role,
		Content:    raw,
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
	})
}

func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	var w chatMessageWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	m.Role, m.Name, m.ToolCallID = w.Role, w.Name, w.ToolCallID
	m.Content, m.Parts = "", nil

	c := bytes.TrimSpace(w.Content)
	if len(c) == 0 || bytes.Equal(c, []byte("null")) {
		return nil
	}
	switch c[0] {
	case '"':
		return json.Unmarshal(c, &m.Content)
	case '[':
		return json.Unmarshal(c, &m.Parts)
	}
	return fmt.Errorf("upstream: message content must be a string or a part list")
}

// Text flattens the message to plain text. Image parts are skipped.
func (m ChatMessage) Text() string {
	if m.Parts == nil {
		return m.Content
	}
	var b bytes.Buffer
	for _, p := range m.Parts {
		if p.Type == "text" && p.Text != "" {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// HasImage reports whether the message carries an image part.
func (m ChatMessage) HasImage() bool {
	for _, p := range m.Parts {
		if p.Type == "image_url" {
			return true
		}
	}
	return false
}

// StopList accepts both the string and the list JSON forms of "stop".
type StopList []string

func (s *StopList) UnmarshalJSON(data []byte) error {
	b := bytes.TrimSpace(data)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*s = nil
		return nil
	}
	if b[0] == '"' {
		var one string
		if err := json.Unmarshal(b, &one); err != nil {
			return err
		}
		*s = StopList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// FunctionDef declares a callable function (legacy OpenAI shape).
type FunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolDef declares a tool; only type "function" is defined today.
type ToolDef struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

// ResponseFormat requests a constrained output shape ("text" | "json_object").
type ResponseFormat struct {
	Type string `json:"type"`
}

// ModelRequest is the gateway-level request. Sampling knobs are pointers so
// the endpoint rewriter can distinguish "absent" from an explicit zero.
type ModelRequest struct {
	Model            string          `json:"model"`
	Messages         []ChatMessage   `json:"messages"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	Stop             StopList        `json:"stop,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
	Functions        []FunctionDef   `json:"functions,omitempty"`
	FunctionCall     json.RawMessage `json:"function_call,omitempty"`
	Tools            []ToolDef       `json:"tools,omitempty"`
	ToolChoice       json.RawMessage `json:"tool_choice,omitempty"`
	ResponseFormat   *ResponseFormat `json:"response_format,omitempty"`

	// Routing controls.
	Route     RouteStrategy `json:"route,omitempty"`
	Fallbacks []string      `json:"fallbacks,omitempty"`
}

// Clone returns a deep copy safe to mutate independently.
func (r *ModelRequest) Clone() *ModelRequest {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Messages = make([]ChatMessage, len(r.Messages))
	copy(cp.Messages, r.Messages)
	for i := range cp.Messages {
		if r.Messages[i].Parts != nil {
			cp.Messages[i].Parts = append([]ContentPart(nil), r.Messages[i].Parts...)
		}
	}
	cp.Temperature = clonePtr(r.Temperature)
	cp.TopP = clonePtr(r.TopP)
	cp.FrequencyPenalty = clonePtr(r.FrequencyPenalty)
	cp.PresencePenalty = clonePtr(r.PresencePenalty)
	cp.MaxTokens = clonePtr(r.MaxTokens)
	if r.Stop != nil {
		cp.Stop = append(StopList(nil), r.Stop...)
	}
	if r.Fallbacks != nil {
		cp.Fallbacks = append([]string(nil), r.Fallbacks...)
	}
	if r.Functions != nil {
		cp.Functions = append([]FunctionDef(nil), r.Functions...)
	}
	if r.Tools != nil {
		cp.Tools = append([]ToolDef(nil), r.Tools...)
	}
	if r.FunctionCall != nil {
		cp.FunctionCall = append(json.RawMessage(nil), r.FunctionCall...)
	}
	if r.ToolChoice != nil {
		cp.ToolChoice = append(json.RawMessage(nil), r.ToolChoice...)
	}
	if r.ResponseFormat != nil {
		rf := *r.ResponseFormat
		cp.ResponseFormat = &rf
	}
	return &cp
}

// HasSystemMessage reports whether any message carries the system role.
func (r *ModelRequest) HasSystemMessage() bool {
	for _, m := range r.Messages {
		if m.Role == "system" {
			return true
		}
	}
	return false
}

// HasImage reports whether any message carries an image part.
func (r *ModelRequest) HasImage() bool {
	for _, m := range r.Messages {
		if m.HasImage() {
			return true
		}
	}
	return false
}

// Usage — token usage stats, OpenAI-shaped.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Choice is one completion alternative.
type Choice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// ModelResponse is the OpenAI-shaped response envelope. Model is the model
// that actually served the request; RoutedThrough echoes it as the one
// extension the gateway guarantees.
type ModelResponse struct {
	ID            string   `json:"id"`
	Object        string   `json:"object"`
	Created       int64    `json:"created"`
	Model         string   `json:"model"`
	Choices       []Choice `json:"choices"`
	Usage         Usage    `json:"usage"`
	RoutedThrough string   `json:"routed_through,omitempty"`
}

// Ptr returns a pointer to v. Convenience for building requests.
func Ptr[T any](v T) *T { return &v }

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
