package analytics

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Query pagination bounds.
const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

// QueryFilter selects records. Zero fields match everything; Start/End
// bound the window inclusively at Start, exclusively at End.
type QueryFilter struct {
	Owner      string
	Start      time.Time
	End        time.Time
	Models     []string
	EndpointID string
	Limit      int
	Offset     int
}

func (f *QueryFilter) limit() int {
	switch {
	case f.Limit <= 0:
		return DefaultQueryLimit
	case f.Limit > MaxQueryLimit:
		return MaxQueryLimit
	}
	return f.Limit
}

func (f *QueryFilter) matches(r *UsageRecord) bool {
	if f.Owner != "" && r.Owner != f.Owner {
		return false
	}
	if !f.Start.IsZero() && r.TS.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && !r.TS.Before(f.End) {
		return false
	}
	if f.EndpointID != "" && r.EndpointID != f.EndpointID {
		return false
	}
	if len(f.Models) > 0 {
		found := false
		for _, m := range f.Models {
			if r.Model.Actual == m || r.Model.Requested == m {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Metrics aggregates usage over a filter window.
type Metrics struct {
	TotalRequests    int            `json:"total_requests"`
	Successful       int            `json:"successful"`
	Failed           int            `json:"failed"`
	Tokens           TokenCounts    `json:"tokens"`
	TotalCostUSD     float64        `json:"total_cost_usd"`
	AverageLatencyMS float64        `json:"average_latency_ms"`
	RequestsByModel  map[string]int `json:"requests_by_model"`
	Fallbacks        int            `json:"fallbacks"`
	CacheHits        int            `json:"cache_hits"`
}

// Sink receives a copy of every logged record for asynchronous export.
type Sink interface {
	Write(rec UsageRecord)
}

// Store keeps usage records in memory. Appends are synchronous; queries
// filter server-side and never expose internal record pointers.
type Store struct {
	mu      sync.RWMutex
	records []*UsageRecord

	sink Sink
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithSink forwards every logged record to an export sink.
func WithSink(s Sink) StoreOption {
	return func(st *Store) { st.sink = s }
}

// NewStore creates an empty usage store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LogUsage appends rec. A missing id or timestamp is filled in. The record
// is visible to QueryUsage and GetMetrics as soon as this returns.
func (s *Store) LogUsage(_ context.Context, rec *UsageRecord) {
	if rec == nil {
		return
	}

	cp := *rec
	if cp.ID == "" {
		cp.ID = "usage-" + uuid.NewString()
	}
	if cp.TS.IsZero() {
		cp.TS = time.Now().UTC()
	}
	cp.Tokens.Total = cp.Tokens.Input + cp.Tokens.Output

	s.mu.Lock()
	s.records = append(s.records, &cp)
	s.mu.Unlock()

	if s.sink != nil {
		s.sink.Write(cp)
	}
}

// QueryUsage returns the records matching f sorted by timestamp descending,
// plus the total match count before pagination.
func (s *Store) QueryUsage(f QueryFilter) ([]*UsageRecord, int) {
	s.mu.RLock()
	matched := make([]*UsageRecord, 0, len(s.records))
	for _, r := range s.records {
		if f.matches(r) {
			matched = append(matched, r)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].TS.Equal(matched[j].TS) {
			return matched[i].TS.After(matched[j].TS)
		}
		return matched[i].ID > matched[j].ID
	})

	total := len(matched)
	start := f.Offset
	if start > total {
		start = total
	}
	end := start + f.limit()
	if end > total {
		end = total
	}

	page := make([]*UsageRecord, 0, end-start)
	for _, r := range matched[start:end] {
		cp := *r
		page = append(page, &cp)
	}
	return page, total
}

// GetMetrics aggregates every record matching f.
func (s *Store) GetMetrics(f QueryFilter) Metrics {
	m := Metrics{RequestsByModel: make(map[string]int)}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var latencySum int64
	for _, r := range s.records {
		if !f.matches(r) {
			continue
		}

		m.TotalRequests++
		if r.Success {
			m.Successful++
		} else {
			m.Failed++
		}
		m.Tokens.Input += r.Tokens.Input
		m.Tokens.Output += r.Tokens.Output
		m.Tokens.Total += r.Tokens.Total
		m.TotalCostUSD += r.CostUSD
		latencySum += r.LatencyMS
		if r.Model.Actual != "" {
			m.RequestsByModel[r.Model.Actual]++
		}
		if r.FellBack() {
			m.Fallbacks++
		}
		if r.Cache.Hit {
			m.CacheHits++
		}
	}

	if m.TotalRequests > 0 {
		m.AverageLatencyMS = float64(latencySum) / float64(m.TotalRequests)
	}
	return m
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
