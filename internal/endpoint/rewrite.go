package endpoint

import (
	"github.com/relaypoint/model-gateway/internal/upstream"
)

// Rewrite merges an endpoint preset into a request and returns a new
// request; the input is never mutated. Merge rules, caller beats preset
// except where noted:
//
//  1. model and route always come from the endpoint.
//  2. The endpoint fallback chain applies only when the caller sent none.
//  3. The endpoint system prompt is prepended only when the caller's
//     messages contain no system turn.
//  4. Each sampling knob keeps the caller's value when present, otherwise
//     takes the endpoint default.
//
// Rewrite is idempotent: Rewrite(Rewrite(r)) == Rewrite(r).
func Rewrite(req *upstream.ModelRequest, ep *Endpoint) *upstream.ModelRequest {
	out := req.Clone()

	out.Model = ep.BaseModel
	out.Route = ep.RoutingStrategy

	if len(out.Fallbacks) == 0 && len(ep.Fallbacks) > 0 {
		out.Fallbacks = append([]string(nil), ep.Fallbacks...)
	}

	if ep.SystemPrompt != "" && !out.HasSystemMessage() {
		sys := upstream.ChatMessage{Role: "system", Content: ep.SystemPrompt}
		out.Messages = append([]upstream.ChatMessage{sys}, out.Messages...)
	}

	if out.Temperature == nil {
		out.Temperature = clonePtr(ep.Temperature)
	}
	if out.TopP == nil {
		out.TopP = clonePtr(ep.TopP)
	}
	if out.FrequencyPenalty == nil {
		out.FrequencyPenalty = clonePtr(ep.FrequencyPenalty)
	}
	if out.PresencePenalty == nil {
		out.PresencePenalty = clonePtr(ep.PresencePenalty)
	}
	if out.MaxTokens == nil {
		out.MaxTokens = clonePtr(ep.MaxTokens)
	}

	return out
}
