package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"github.com/relaypoint/model-gateway/internal/upstream"
)

// Fingerprint returns the 256-bit cache key for a request under the given
// policy, as 64 hex characters.
//
// The request is reduced to a canonical JSON document first: map keys sort
// lexicographically (encoding/json does this for maps), stream is dropped,
// and temperature / top_p are dropped when the policy ignores them. The
// exact strategy keeps every message, order-normalized by (role, canonical
// JSON); the semantic strategy keeps only user messages, lowercased and
// whitespace-trimmed.
func Fingerprint(req *upstream.ModelRequest, p Policy) string {
	payload := map[string]any{
		"model": req.Model,
	}

	switch p.strategy() {
	case KeySemantic:
		payload["messages"] = semanticMessages(req.Messages)
	default:
		payload["messages"] = exactMessages(req.Messages)
	}

	if req.Temperature != nil && !p.IgnoreTemperature {
		payload["temperature"] = *req.Temperature
	}
	if req.TopP != nil && !p.IgnoreTopP {
		payload["top_p"] = *req.TopP
	}
	if req.FrequencyPenalty != nil {
		payload["frequency_penalty"] = *req.FrequencyPenalty
	}
	if req.PresencePenalty != nil {
		payload["presence_penalty"] = *req.PresencePenalty
	}
	if req.MaxTokens != nil {
		payload["max_tokens"] = *req.MaxTokens
	}
	if len(req.Stop) > 0 {
		payload["stop"] = []string(req.Stop)
	}
	if req.ResponseFormat != nil {
		payload["response_format"] = req.ResponseFormat.Type
	}
	if len(req.Functions) > 0 {
		payload["functions"] = canonicalValue(mustJSON(req.Functions))
	}
	if len(req.Tools) > 0 {
		payload["tools"] = canonicalValue(mustJSON(req.Tools))
	}
	if len(req.FunctionCall) > 0 {
		payload["function_call"] = canonicalValue(req.FunctionCall)
	}
	if len(req.ToolChoice) > 0 {
		payload["tool_choice"] = canonicalValue(req.ToolChoice)
	}
	if req.Route != "" {
		payload["route"] = string(req.Route)
	}
	if len(req.Fallbacks) > 0 {
		payload["fallbacks"] = req.Fallbacks
	}

	b, _ := json.Marshal(payload)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// exactMessages canonicalizes every message and sorts the list by
// (role, canonical JSON) so logically identical requests collide.
func exactMessages(msgs []upstream.ChatMessage) []any {
	type keyed struct {
		role string
		raw  string
		val  map[string]any
	}
	ks := make([]keyed, 0, len(msgs))
	for _, m := range msgs {
		cm := canonicalMessage(m)
		b, _ := json.Marshal(cm)
		ks = append(ks, keyed{role: m.Role, raw: string(b), val: cm})
	}
	sort.Slice(ks, func(i, j int) bool {
		if ks[i].role != ks[j].role {
			return ks[i].role < ks[j].role
		}
		return ks[i].raw < ks[j].raw
	})
	out := make([]any, len(ks))
	for i, k := range ks {
		out[i] = k.val
	}
	return out
}

// semanticMessages keeps user turns only. Text is lowercased and trimmed;
// image URLs are kept verbatim so distinct images never collide.
func semanticMessages(msgs []upstream.ChatMessage) []any {
	var out []any
	for _, m := range msgs {
		if m.Role != "user" {
			continue
		}
		norm := strings.ToLower(strings.TrimSpace(m.Text()))
		if !m.HasImage() {
			out = append(out, norm)
			continue
		}
		var urls []string
		for _, p := range m.Parts {
			if p.Type == "image_url" && p.ImageURL != nil {
				urls = append(urls, p.ImageURL.URL)
			}
		}
		out = append(out, map[string]any{"text": norm, "images": urls})
	}
	return out
}

func canonicalMessage(m upstream.ChatMessage) map[string]any {
	cm := map[string]any{"role": m.Role}
	if m.Parts != nil {
		parts := make([]any, 0, len(m.Parts))
		for _, p := range m.Parts {
			pm := map[string]any{"type": p.Type}
			if p.Text != "" {
				pm["text"] = p.Text
			}
			if p.ImageURL != nil {
				im := map[string]any{"url": p.ImageURL.URL}
				if p.ImageURL.Detail != "" {
					im["detail"] = p.ImageURL.Detail
				}
				pm["image_url"] = im
			}
			parts = append(parts, pm)
		}
		cm["content"] = parts
	} else {
		cm["content"] = m.Content
	}
	if m.Name != "" {
		cm["name"] = m.Name
	}
	if m.ToolCallID != "" {
		cm["tool_call_id"] = m.ToolCallID
	}
	return cm
}

// canonicalValue round-trips raw JSON through any so nested object keys end
// up sorted when re-marshalled.
func canonicalValue(raw json.RawMessage) any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
