package cache

import (
	"testing"

	"github.com/relaypoint/model-gateway/internal/upstream"
)

func chatReq(model string, msgs ...upstream.ChatMessage) *upstream.ModelRequest {
	return &upstream.ModelRequest{Model: model, Messages: msgs}
}

func userMsg(text string) upstream.ChatMessage {
	return upstream.ChatMessage{Role: "user", Content: text}
}

func TestFingerprint_Deterministic(t *testing.T) {
	req := chatReq("openai/gpt-4o", userMsg("hello"))
	req.Temperature = upstream.Ptr(0.7)

	a := Fingerprint(req, DefaultPolicy())
	b := Fingerprint(req.Clone(), DefaultPolicy())

	if a != b {
		t.Fatalf("same request hashed differently: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("fingerprint length = %d, want 64 hex chars", len(a))
	}
}

func TestFingerprint_ModelChangesKey(t *testing.T) {
	p := DefaultPolicy()
	a := Fingerprint(chatReq("openai/gpt-4o", userMsg("hello")), p)
	b := Fingerprint(chatReq("anthropic/claude-3-opus", userMsg("hello")), p)
	if a == b {
		t.Fatal("different models must hash differently")
	}
}

func TestFingerprint_StreamIgnored(t *testing.T) {
	p := DefaultPolicy()
	plain := chatReq("openai/gpt-4o", userMsg("hello"))
	streamed := plain.Clone()
	streamed.Stream = true

	if Fingerprint(plain, p) != Fingerprint(streamed, p) {
		t.Fatal("stream flag must not affect the fingerprint")
	}
}

func TestFingerprint_IgnoreTemperature(t *testing.T) {
	warm := chatReq("openai/gpt-4o", userMsg("hello"))
	warm.Temperature = upstream.Ptr(0.9)
	cold := chatReq("openai/gpt-4o", userMsg("hello"))
	cold.Temperature = upstream.Ptr(0.1)

	strict := DefaultPolicy()
	if Fingerprint(warm, strict) == Fingerprint(cold, strict) {
		t.Fatal("temperature should matter by default")
	}

	loose := DefaultPolicy()
	loose.IgnoreTemperature = true
	if Fingerprint(warm, loose) != Fingerprint(cold, loose) {
		t.Fatal("temperature should be dropped when ignored")
	}
}

func TestFingerprint_IgnoreTopP(t *testing.T) {
	a := chatReq("openai/gpt-4o", userMsg("hello"))
	a.TopP = upstream.Ptr(0.9)
	b := chatReq("openai/gpt-4o", userMsg("hello"))
	b.TopP = upstream.Ptr(0.5)

	loose := DefaultPolicy()
	loose.IgnoreTopP = true
	if Fingerprint(a, loose) != Fingerprint(b, loose) {
		t.Fatal("top_p should be dropped when ignored")
	}
}

func TestFingerprint_ExactOrderNormalized(t *testing.T) {
	p := DefaultPolicy()
	ab := chatReq("openai/gpt-4o",
		upstream.ChatMessage{Role: "user", Content: "alpha"},
		upstream.ChatMessage{Role: "user", Content: "beta"},
	)
	ba := chatReq("openai/gpt-4o",
		upstream.ChatMessage{Role: "user", Content: "beta"},
		upstream.ChatMessage{Role: "user", Content: "alpha"},
	)
	if Fingerprint(ab, p) != Fingerprint(ba, p) {
		t.Fatal("exact keying sorts messages, reordering must collide")
	}
}

func TestFingerprint_SemanticNormalization(t *testing.T) {
	p := DefaultPolicy()
	p.KeyStrategy = KeySemantic

	a := chatReq("openai/gpt-4o",
		upstream.ChatMessage{Role: "system", Content: "be brief"},
		userMsg("  What Is GO?  "),
	)
	b := chatReq("openai/gpt-4o",
		upstream.ChatMessage{Role: "system", Content: "be VERY verbose"},
		userMsg("what is go?"),
	)
	if Fingerprint(a, p) != Fingerprint(b, p) {
		t.Fatal("semantic keying should ignore system turns and text casing")
	}

	c := chatReq("openai/gpt-4o", userMsg("what is rust?"))
	if Fingerprint(a, p) == Fingerprint(c, p) {
		t.Fatal("different user text must not collide")
	}
}

func TestFingerprint_SemanticKeepsImages(t *testing.T) {
	p := DefaultPolicy()
	p.KeyStrategy = KeySemantic

	withImage := func(url string) *upstream.ModelRequest {
		return chatReq("openai/gpt-4o", upstream.ChatMessage{
			Role: "user",
			Parts: []upstream.ContentPart{
				{Type: "text", Text: "describe this"},
				{Type: "image_url", ImageURL: &upstream.ImageURL{URL: url}},
			},
		})
	}

	a := Fingerprint(withImage("https://example.com/a.png"), p)
	b := Fingerprint(withImage("https://example.com/b.png"), p)
	if a == b {
		t.Fatal("distinct images must not collide under semantic keying")
	}
}

func TestFingerprint_ToolsChangeKey(t *testing.T) {
	p := DefaultPolicy()
	bare := chatReq("openai/gpt-4o", userMsg("weather in oslo"))
	tooled := bare.Clone()
	tooled.Tools = []upstream.ToolDef{{
		Type:     "function",
		Function: upstream.FunctionDef{Name: "get_weather"},
	}}

	if Fingerprint(bare, p) == Fingerprint(tooled, p) {
		t.Fatal("tool declarations must affect the fingerprint")
	}
}
