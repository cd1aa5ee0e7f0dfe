package endpoint

import (
	"reflect"
	"testing"

	"github.com/relaypoint/model-gateway/internal/upstream"
)

func presetEndpoint() *Endpoint {
	return &Endpoint{
		ID:              "ep-1",
		Owner:           "acct-1",
		Name:            "support-bot",
		BaseModel:       "anthropic/claude-3-sonnet",
		Fallbacks:       []string{"openai/gpt-4o", "openai/gpt-3.5-turbo"},
		RoutingStrategy: upstream.RouteFallback,
		SystemPrompt:    "You are a support assistant.",
		Temperature:     upstream.Ptr(0.4),
		MaxTokens:       upstream.Ptr(512),
	}
}

func baseRequest() *upstream.ModelRequest {
	return &upstream.ModelRequest{
		Model: "openai/gpt-4o",
		Messages: []upstream.ChatMessage{
			{Role: "user", Content: "my order is late"},
		},
	}
}

func TestRewrite_ModelAndRouteAlwaysFromEndpoint(t *testing.T) {
	req := baseRequest()
	req.Route = upstream.RouteLowestCost

	out := Rewrite(req, presetEndpoint())

	if out.Model != "anthropic/claude-3-sonnet" {
		t.Errorf("model = %s, want endpoint base model", out.Model)
	}
	if out.Route != upstream.RouteFallback {
		t.Errorf("route = %s, want endpoint strategy", out.Route)
	}
}

func TestRewrite_FallbacksOnlyWhenCallerOmits(t *testing.T) {
	out := Rewrite(baseRequest(), presetEndpoint())
	if len(out.Fallbacks) != 2 || out.Fallbacks[0] != "openai/gpt-4o" {
		t.Errorf("fallbacks = %v, want endpoint chain", out.Fallbacks)
	}

	req := baseRequest()
	req.Fallbacks = []string{"google/gemini-1.5-pro"}
	out = Rewrite(req, presetEndpoint())
	if len(out.Fallbacks) != 1 || out.Fallbacks[0] != "google/gemini-1.5-pro" {
		t.Errorf("fallbacks = %v, caller chain must win", out.Fallbacks)
	}
}

func TestRewrite_SystemPromptPrepend(t *testing.T) {
	out := Rewrite(baseRequest(), presetEndpoint())

	if len(out.Messages) != 2 {
		t.Fatalf("messages = %d, want prepended system + user", len(out.Messages))
	}
	if out.Messages[0].Role != "system" || out.Messages[0].Content != "You are a support assistant." {
		t.Errorf("first message = %+v", out.Messages[0])
	}

	// A caller-supplied system turn blocks the prepend.
	req := baseRequest()
	req.Messages = append([]upstream.ChatMessage{{Role: "system", Content: "caller prompt"}}, req.Messages...)
	out = Rewrite(req, presetEndpoint())
	if len(out.Messages) != 2 {
		t.Fatalf("messages = %d, want unchanged count", len(out.Messages))
	}
	if out.Messages[0].Content != "caller prompt" {
		t.Errorf("caller system prompt replaced: %+v", out.Messages[0])
	}
}

func TestRewrite_KnobsCallerFirst(t *testing.T) {
	req := baseRequest()
	req.Temperature = upstream.Ptr(0.9)

	out := Rewrite(req, presetEndpoint())

	if *out.Temperature != 0.9 {
		t.Errorf("temperature = %v, caller value must win", *out.Temperature)
	}
	if out.MaxTokens == nil || *out.MaxTokens != 512 {
		t.Errorf("max_tokens = %v, endpoint default must fill the gap", out.MaxTokens)
	}
	if out.TopP != nil {
		t.Errorf("top_p = %v, unset on both sides must stay unset", out.TopP)
	}
}

func TestRewrite_ZeroValueKnobKept(t *testing.T) {
	req := baseRequest()
	req.Temperature = upstream.Ptr(0.0) // explicit zero, not absence

	out := Rewrite(req, presetEndpoint())
	if out.Temperature == nil || *out.Temperature != 0.0 {
		t.Errorf("explicit temperature 0 overridden: %v", out.Temperature)
	}
}

func TestRewrite_DoesNotMutateInput(t *testing.T) {
	req := baseRequest()
	before := req.Clone()

	_ = Rewrite(req, presetEndpoint())

	if !reflect.DeepEqual(req, before) {
		t.Error("Rewrite mutated its input")
	}
}

func TestRewrite_Idempotent(t *testing.T) {
	ep := presetEndpoint()
	variants := []*upstream.ModelRequest{
		baseRequest(),
		func() *upstream.ModelRequest {
			r := baseRequest()
			r.Temperature = upstream.Ptr(1.2)
			r.Fallbacks = []string{"meta/llama-3-70b"}
			return r
		}(),
		func() *upstream.ModelRequest {
			r := baseRequest()
			r.Messages = append([]upstream.ChatMessage{{Role: "system", Content: "mine"}}, r.Messages...)
			return r
		}(),
	}

	for i, req := range variants {
		once := Rewrite(req, ep)
		twice := Rewrite(once, ep)
		if !reflect.DeepEqual(once, twice) {
			t.Errorf("variant %d: Rewrite not idempotent\nonce:  %+v\ntwice: %+v", i, once, twice)
		}
	}
}
