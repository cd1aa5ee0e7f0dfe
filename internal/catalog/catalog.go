// Package catalog holds the read-only model catalog: every model the gateway
// can route to, with its provider, pricing, context limits, and feature flags.
//
// The catalog is built once at startup and never mutated afterwards, so all
// lookups are safe for concurrent use without locking. Model ids are
// namespaced "provider/name"; the provider segment selects the upstream
// adapter and the name segment (or UpstreamName when set) is what the
// provider API actually receives.
package catalog

import (
	"sort"
	"strings"
)

// ModelAuto is the reserved model id that lets the router pick a model
// purely from the requested strategy.
const ModelAuto = "auto"

// Features flags what a model can do. A request is routable to a model only
// when the model's features cover everything the request needs.
type Features struct {
	Vision          bool `json:"vision"`
	FunctionCalling bool `json:"function_calling"`
	ToolUse         bool `json:"tool_use"`
	JSONMode        bool `json:"json_mode"`
}

// Covers reports whether f is a superset of required.
func (f Features) Covers(required Features) bool {
	if required.Vision && !f.Vision {
		return false
	}
	if required.FunctionCalling && !f.FunctionCalling {
		return false
	}
	if required.ToolUse && !f.ToolUse {
		return false
	}
	if required.JSONMode && !f.JSONMode {
		return false
	}
	return true
}

// ModelInfo is an immutable catalog entry.
type ModelInfo struct {
	ID            string `json:"id"`       // namespaced, e.g. "anthropic/claude-3-opus"
	Provider      string `json:"provider"` // adapter key: openai | anthropic | google | meta
	Name          string `json:"name"`
	ContextWindow int    `json:"context_window"`

	// Prices are USD per 1e6 tokens.
	InputPrice  float64 `json:"input_price"`
	OutputPrice float64 `json:"output_price"`

	Strengths       []string `json:"strengths,omitempty"`
	Features        Features `json:"features"`
	MaxOutputTokens int      `json:"max_output_tokens"`

	// UpstreamName overrides the provider-native model identifier when it
	// differs from the name segment of ID (e.g. Together-hosted Llama).
	UpstreamName string `json:"upstream_name,omitempty"`
}

// CombinedPrice is the sort key for lowest_cost routing.
func (m ModelInfo) CombinedPrice() float64 { return m.InputPrice + m.OutputPrice }

// Native returns the identifier to send to the provider API.
func (m ModelInfo) Native() string {
	if m.UpstreamName != "" {
		return m.UpstreamName
	}
	if i := strings.IndexByte(m.ID, '/'); i >= 0 {
		return m.ID[i+1:]
	}
	return m.ID
}

// Catalog is the process-wide model registry.
type Catalog struct {
	models map[string]ModelInfo
	ids    []string // sorted for deterministic iteration
}

// New builds a catalog from the given entries. Later duplicates win.
func New(models []ModelInfo) *Catalog {
	c := &Catalog{models: make(map[string]ModelInfo, len(models))}
	for _, m := range models {
		c.models[m.ID] = m
	}
	c.ids = make([]string, 0, len(c.models))
	for id := range c.models {
		c.ids = append(c.ids, id)
	}
	sort.Strings(c.ids)
	return c
}

// Get returns the entry for id.
func (c *Catalog) Get(id string) (ModelInfo, bool) {
	m, ok := c.models[id]
	return m, ok
}

// Has reports whether id is a known model.
func (c *Catalog) Has(id string) bool {
	_, ok := c.models[id]
	return ok
}

// Len returns the number of models.
func (c *Catalog) Len() int { return len(c.ids) }

// IDs returns all model ids in stable sorted order.
func (c *Catalog) IDs() []string {
	out := make([]string, len(c.ids))
	copy(out, c.ids)
	return out
}

// List returns all entries in stable id order.
func (c *Catalog) List() []ModelInfo {
	out := make([]ModelInfo, 0, len(c.ids))
	for _, id := range c.ids {
		out = append(out, c.models[id])
	}
	return out
}

// Eligible returns, in stable id order, every model whose features cover the
// required set.
func (c *Catalog) Eligible(required Features) []ModelInfo {
	var out []ModelInfo
	for _, id := range c.ids {
		if m := c.models[id]; m.Features.Covers(required) {
			out = append(out, m)
		}
	}
	return out
}

// Fallbacks returns the recommended fallback chain for id, filtered to models
// present in this catalog.
func (c *Catalog) Fallbacks(id string) []string {
	var out []string
	for _, fb := range recommendedFallbacks[id] {
		if c.Has(fb) {
			out = append(out, fb)
		}
	}
	return out
}

// ─── Rank tables ─────────────────────────────────────────────────────────────

// rankUnknown sorts models absent from a rank table after every ranked one;
// stable id order breaks the resulting ties.
const rankUnknown = 100

// speedRank orders models fastest-first. Covers a few ids beyond the default
// catalog so deployment-extended catalogs still rank sensibly.
var speedRank = map[string]int{
	"anthropic/claude-3-haiku":  1,
	"openai/gpt-3.5-turbo":      2,
	"google/gemini-1.5-flash":   3,
	"google/gemini-pro":         4,
	"meta/llama-3-70b":          5,
	"openai/gpt-4o":             6,
	"anthropic/claude-3-sonnet": 7,
	"google/gemini-1.5-pro":     8,
	"openai/gpt-4-turbo":        9,
	"anthropic/claude-3-opus":   10,
}

// qualityRank orders models best-first.
var qualityRank = map[string]int{
	"anthropic/claude-3-opus":   1,
	"openai/gpt-4o":             2,
	"google/gemini-1.5-pro":     3,
	"openai/gpt-4-turbo":        4,
	"anthropic/claude-3-sonnet": 5,
	"meta/llama-3-70b":          6,
	"google/gemini-pro":         7,
	"google/gemini-1.5-flash":   8,
	"openai/gpt-3.5-turbo":      9,
	"anthropic/claude-3-haiku":  10,
}

// SpeedRank returns the fixed speed rank for id (lower is faster).
func SpeedRank(id string) int {
	if r, ok := speedRank[id]; ok {
		return r
	}
	return rankUnknown
}

// QualityRank returns the fixed quality rank for id (lower is better).
func QualityRank(id string) int {
	if r, ok := qualityRank[id]; ok {
		return r
	}
	return rankUnknown
}

// recommendedFallbacks pairs each model with cross-provider peers of a
// similar tier, used by the default routing strategy.
var recommendedFallbacks = map[string][]string{
	"anthropic/claude-3-opus":   {"openai/gpt-4o", "google/gemini-1.5-pro"},
	"anthropic/claude-3-sonnet": {"openai/gpt-4o", "google/gemini-1.5-pro"},
	"anthropic/claude-3-haiku":  {"openai/gpt-3.5-turbo", "google/gemini-pro"},
	"openai/gpt-4o":             {"anthropic/claude-3-sonnet", "google/gemini-1.5-pro"},
	"openai/gpt-4-turbo":        {"openai/gpt-4o", "anthropic/claude-3-sonnet"},
	"openai/gpt-3.5-turbo":      {"anthropic/claude-3-haiku", "google/gemini-pro"},
	"google/gemini-1.5-pro":     {"openai/gpt-4o", "anthropic/claude-3-sonnet"},
	"google/gemini-pro":         {"anthropic/claude-3-haiku", "openai/gpt-3.5-turbo"},
	"meta/llama-3-70b":          {"openai/gpt-3.5-turbo", "anthropic/claude-3-haiku"},
}

// Default returns the built-in catalog.
//
// Prices are USD per million tokens at the providers' published list rates;
// claude-3-haiku carries the lowest combined price of the set, which the
// lowest_cost strategy relies on being stable.
func Default() *Catalog {
	return New([]ModelInfo{
		{
			ID:            "anthropic/claude-3-opus",
			Provider:      "anthropic",
			Name:          "Claude 3 Opus",
			ContextWindow: 200_000,
			InputPrice:    15.0,
			OutputPrice:   75.0,
			Strengths:     []string{"reasoning", "writing", "analysis"},
			Features: Features{
				Vision:          true,
				FunctionCalling: true,
				ToolUse:         true,
			},
			MaxOutputTokens: 4096,
		},
		{
			ID:            "anthropic/claude-3-sonnet",
			Provider:      "anthropic",
			Name:          "Claude 3 Sonnet",
			ContextWindow: 200_000,
			InputPrice:    3.0,
			OutputPrice:   15.0,
			Strengths:     []string{"balanced", "coding"},
			Features: Features{
				Vision:          true,
				FunctionCalling: true,
				ToolUse:         true,
			},
			MaxOutputTokens: 4096,
		},
		{
			ID:            "anthropic/claude-3-haiku",
			Provider:      "anthropic",
			Name:          "Claude 3 Haiku",
			ContextWindow: 200_000,
			InputPrice:    0.25,
			OutputPrice:   1.25,
			Strengths:     []string{"speed", "cost"},
			Features: Features{
				Vision:          true,
				FunctionCalling: true,
				ToolUse:         true,
			},
			MaxOutputTokens: 4096,
		},
		{
			ID:            "openai/gpt-4o",
			Provider:      "openai",
			Name:          "GPT-4o",
			ContextWindow: 128_000,
			InputPrice:    5.0,
			OutputPrice:   15.0,
			Strengths:     []string{"reasoning", "multimodal", "coding"},
			Features: Features{
				Vision:          true,
				FunctionCalling: true,
				ToolUse:         true,
				JSONMode:        true,
			},
			MaxOutputTokens: 4096,
		},
		{
			ID:            "openai/gpt-4-turbo",
			Provider:      "openai",
			Name:          "GPT-4 Turbo",
			ContextWindow: 128_000,
			InputPrice:    10.0,
			OutputPrice:   30.0,
			Strengths:     []string{"reasoning", "long-context"},
			Features: Features{
				FunctionCalling: true,
				ToolUse:         true,
				JSONMode:        true,
			},
			MaxOutputTokens: 4096,
		},
		{
			ID:            "openai/gpt-3.5-turbo",
			Provider:      "openai",
			Name:          "GPT-3.5 Turbo",
			ContextWindow: 16_385,
			InputPrice:    0.5,
			OutputPrice:   1.5,
			Strengths:     []string{"speed", "cost"},
			Features: Features{
				FunctionCalling: true,
				ToolUse:         true,
				JSONMode:        true,
			},
			MaxOutputTokens: 4096,
		},
		{
			ID:            "google/gemini-1.5-pro",
			Provider:      "google",
			Name:          "Gemini 1.5 Pro",
			ContextWindow: 1_048_576,
			InputPrice:    3.5,
			OutputPrice:   10.5,
			Strengths:     []string{"long-context", "multimodal"},
			Features: Features{
				Vision:          true,
				FunctionCalling: true,
				ToolUse:         true,
				JSONMode:        true,
			},
			MaxOutputTokens: 8192,
		},
		{
			ID:            "google/gemini-pro",
			Provider:      "google",
			Name:          "Gemini Pro",
			ContextWindow: 32_760,
			InputPrice:    0.5,
			OutputPrice:   1.5,
			Strengths:     []string{"balanced", "cost"},
			Features: Features{
				FunctionCalling: true,
				ToolUse:         true,
			},
			MaxOutputTokens: 2048,
		},
		{
			ID:              "meta/llama-3-70b",
			Provider:        "meta",
			Name:            "Llama 3 70B",
			ContextWindow:   8192,
			InputPrice:      0.9,
			OutputPrice:     0.9,
			Strengths:       []string{"open-weights", "coding"},
			Features:        Features{},
			MaxOutputTokens: 4096,
			UpstreamName:    "meta-llama/Meta-Llama-3-70B-Instruct-Turbo",
		},
	})
}
