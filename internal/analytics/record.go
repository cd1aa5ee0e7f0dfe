// Package analytics records per-request usage and serves queries and
// aggregate metrics over it.
//
// LogUsage appends synchronously to the in-memory store so a record is
// queryable the moment the originating request finishes. An optional
// ClickHouse sink exports records asynchronously for long-term analysis;
// the export never blocks the request path.
package analytics

import (
	"context"
	"time"

	"github.com/relaypoint/model-gateway/internal/catalog"
)

// ModelPair names the model the caller asked for and the one that actually
// served. They differ when the router fell back.
type ModelPair struct {
	Requested string `json:"requested"`
	Actual    string `json:"actual"`
}

// TokenCounts breaks usage into prompt and completion tokens.
type TokenCounts struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// CacheInfo records whether the response came from the cache.
type CacheInfo struct {
	Hit        bool `json:"hit"`
	TTLSeconds int  `json:"ttl,omitempty"`
}

// UsageRecord is the per-request audit row.
type UsageRecord struct {
	ID              string      `json:"id"`
	TS              time.Time   `json:"ts"`
	Owner           string      `json:"owner"`
	Model           ModelPair   `json:"model"`
	Tokens          TokenCounts `json:"tokens"`
	CostUSD         float64     `json:"cost_usd"`
	LatencyMS       int64       `json:"latency_ms"`
	Success         bool        `json:"success"`
	ErrorKind       string      `json:"error_kind,omitempty"`
	RoutingStrategy string      `json:"routing_strategy,omitempty"`
	EndpointID      string      `json:"endpoint_id,omitempty"`
	Cache           CacheInfo   `json:"cache"`
}

// FellBack reports whether the request was served by a different model than
// requested. An "auto" request pins nothing, so whatever served it is not a
// fallback.
func (r *UsageRecord) FellBack() bool {
	if r.Model.Requested == catalog.ModelAuto {
		return false
	}
	return r.Model.Actual != "" && r.Model.Requested != r.Model.Actual
}

// Recorder is the narrow capability handed to components that only write
// usage. The concrete store implements it.
type Recorder interface {
	LogUsage(ctx context.Context, rec *UsageRecord)
}

// Pricing supplies the per-million-token rates used when the actual model
// is not in the catalog.
type Pricing struct {
	DefaultInputPrice  float64
	DefaultOutputPrice float64
}

// Cost computes the USD cost of a request from the actual model's catalog
// rates, falling back to the deployment default rates for unknown models.
// Rates are USD per 1e6 tokens.
func Cost(cat *catalog.Catalog, actualModel string, tokens TokenCounts, fallback Pricing) float64 {
	in, out := fallback.DefaultInputPrice, fallback.DefaultOutputPrice
	if cat != nil {
		if info, ok := cat.Get(actualModel); ok {
			in, out = info.InputPrice, info.OutputPrice
		}
	}
	return (float64(tokens.Input)*in + float64(tokens.Output)*out) / 1e6
}
