package catalog

import (
	"strings"
	"testing"
)

func TestDefault_EntriesWellFormed(t *testing.T) {
	c := Default()
	if c.Len() == 0 {
		t.Fatal("default catalog is empty")
	}
	for _, m := range c.List() {
		if !strings.Contains(m.ID, "/") {
			t.Errorf("model %q: id is not provider-namespaced", m.ID)
		}
		if m.Provider == "" {
			t.Errorf("model %q: missing provider", m.ID)
		}
		if m.InputPrice <= 0 || m.OutputPrice <= 0 {
			t.Errorf("model %q: non-positive price (%f/%f)", m.ID, m.InputPrice, m.OutputPrice)
		}
		if m.ContextWindow <= 0 {
			t.Errorf("model %q: non-positive context window", m.ID)
		}
		if m.MaxOutputTokens <= 0 {
			t.Errorf("model %q: non-positive max output tokens", m.ID)
		}
	}
}

func TestDefault_HaikuIsCheapest(t *testing.T) {
	c := Default()
	haiku, ok := c.Get("anthropic/claude-3-haiku")
	if !ok {
		t.Fatal("claude-3-haiku missing from default catalog")
	}
	for _, m := range c.List() {
		if m.ID == haiku.ID {
			continue
		}
		if m.CombinedPrice() <= haiku.CombinedPrice() {
			t.Errorf("model %q combined price %.2f undercuts haiku's %.2f",
				m.ID, m.CombinedPrice(), haiku.CombinedPrice())
		}
	}
}

func TestGet_UnknownModel(t *testing.T) {
	c := Default()
	if _, ok := c.Get("acme/unicorn-9000"); ok {
		t.Error("expected miss for unknown model")
	}
	if c.Has("acme/unicorn-9000") {
		t.Error("Has should be false for unknown model")
	}
}

func TestList_StableOrder(t *testing.T) {
	c := Default()
	a := c.IDs()
	b := c.IDs()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("id order not stable at index %d: %q vs %q", i, a[i], b[i])
		}
	}
	for i := 1; i < len(a); i++ {
		if a[i-1] >= a[i] {
			t.Fatalf("ids not sorted: %q before %q", a[i-1], a[i])
		}
	}
}

func TestFeatures_Covers(t *testing.T) {
	tests := []struct {
		name     string
		have     Features
		required Features
		want     bool
	}{
		{"empty requirement", Features{}, Features{}, true},
		{"full model covers vision", Features{Vision: true, FunctionCalling: true, ToolUse: true, JSONMode: true}, Features{Vision: true}, true},
		{"missing vision", Features{FunctionCalling: true}, Features{Vision: true}, false},
		{"missing json mode", Features{Vision: true, ToolUse: true}, Features{JSONMode: true}, false},
		{"exact match", Features{ToolUse: true}, Features{ToolUse: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.have.Covers(tt.required); got != tt.want {
				t.Errorf("Covers() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEligible_FiltersByFeatures(t *testing.T) {
	c := Default()
	vision := c.Eligible(Features{Vision: true})
	if len(vision) == 0 {
		t.Fatal("expected at least one vision model")
	}
	for _, m := range vision {
		if !m.Features.Vision {
			t.Errorf("model %q returned as vision-eligible without the flag", m.ID)
		}
	}

	// gpt-4-turbo ships without vision; it must not appear.
	for _, m := range vision {
		if m.ID == "openai/gpt-4-turbo" {
			t.Error("gpt-4-turbo must not be vision-eligible")
		}
	}
}

func TestFallbacks_OnlyKnownModels(t *testing.T) {
	c := Default()
	for _, id := range c.IDs() {
		for _, fb := range c.Fallbacks(id) {
			if !c.Has(fb) {
				t.Errorf("fallback %q for %q not in catalog", fb, id)
			}
			if fb == id {
				t.Errorf("model %q lists itself as fallback", id)
			}
		}
	}
}

func TestRanks(t *testing.T) {
	if SpeedRank("anthropic/claude-3-haiku") >= SpeedRank("anthropic/claude-3-opus") {
		t.Error("haiku must rank faster than opus")
	}
	if QualityRank("anthropic/claude-3-opus") >= QualityRank("anthropic/claude-3-haiku") {
		t.Error("opus must rank higher quality than haiku")
	}
	if SpeedRank("acme/unknown") != rankUnknown {
		t.Errorf("unknown model should get rankUnknown, got %d", SpeedRank("acme/unknown"))
	}
}

func TestNative_StripsNamespace(t *testing.T) {
	c := Default()
	m, _ := c.Get("openai/gpt-4o")
	if m.Native() != "gpt-4o" {
		t.Errorf("expected native name gpt-4o, got %q", m.Native())
	}

	llama, _ := c.Get("meta/llama-3-70b")
	if llama.Native() != "meta-llama/Meta-Llama-3-70B-Instruct-Turbo" {
		t.Errorf("expected UpstreamName override, got %q", llama.Native())
	}
}
