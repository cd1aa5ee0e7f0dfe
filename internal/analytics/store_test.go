package analytics

import (
	"context"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/relaypoint/model-gateway/internal/catalog"
)

var (
	_ Recorder = (*Store)(nil)
	_ Sink     = (*captureSink)(nil)
)

type captureSink struct {
	mu   sync.Mutex
	recs []UsageRecord
}

func (c *captureSink) Write(rec UsageRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, rec)
}

func (c *captureSink) all() []UsageRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]UsageRecord(nil), c.recs...)
}

func testRecord(owner, requested, actual string) *UsageRecord {
	return &UsageRecord{
		Owner:     owner,
		Model:     ModelPair{Requested: requested, Actual: actual},
		Tokens:    TokenCounts{Input: 100, Output: 50},
		LatencyMS: 120,
		Success:   true,
	}
}

func TestLogUsage_FillsDefaults(t *testing.T) {
	s := NewStore()

	s.LogUsage(context.Background(), testRecord("acme", "openai/gpt-4o", "openai/gpt-4o"))

	page, total := s.QueryUsage(QueryFilter{})
	if total != 1 || len(page) != 1 {
		t.Fatalf("QueryUsage = %d records (total %d), want 1", len(page), total)
	}
	got := page[0]
	if !strings.HasPrefix(got.ID, "usage-") {
		t.Errorf("ID = %q, want usage- prefix", got.ID)
	}
	if got.TS.IsZero() {
		t.Error("TS not filled in")
	}
	if got.Tokens.Total != 150 {
		t.Errorf("Tokens.Total = %d, want 150", got.Tokens.Total)
	}
}

func TestLogUsage_KeepsCallerValues(t *testing.T) {
	s := NewStore()
	ts := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

	rec := testRecord("acme", "openai/gpt-4o", "openai/gpt-4o")
	rec.ID = "usage-fixed"
	rec.TS = ts
	s.LogUsage(context.Background(), rec)

	page, _ := s.QueryUsage(QueryFilter{})
	if page[0].ID != "usage-fixed" {
		t.Errorf("ID = %q, want usage-fixed", page[0].ID)
	}
	if !page[0].TS.Equal(ts) {
		t.Errorf("TS = %v, want %v", page[0].TS, ts)
	}
}

func TestQueryUsage_Filters(t *testing.T) {
	s := NewStore()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	seed := []*UsageRecord{
		testRecord("acme", "anthropic/claude-3-opus", "anthropic/claude-3-opus"),
		testRecord("acme", "anthropic/claude-3-opus", "openai/gpt-4o"),
		testRecord("globex", "openai/gpt-4o", "openai/gpt-4o"),
	}
	seed[1].EndpointID = "ep-1"
	for i, r := range seed {
		r.TS = base.Add(time.Duration(i) * time.Hour)
		s.LogUsage(context.Background(), r)
	}

	tests := []struct {
		name   string
		filter QueryFilter
		want   int
	}{
		{"all", QueryFilter{}, 3},
		{"by owner", QueryFilter{Owner: "acme"}, 2},
		{"owner with no records", QueryFilter{Owner: "initech"}, 0},
		{"by endpoint", QueryFilter{EndpointID: "ep-1"}, 1},
		{"model matches requested or actual", QueryFilter{Models: []string{"openai/gpt-4o"}}, 2},
		{"several models", QueryFilter{Models: []string{"openai/gpt-4o", "anthropic/claude-3-opus"}}, 3},
		{"window start inclusive", QueryFilter{Start: base.Add(time.Hour)}, 2},
		{"window end exclusive", QueryFilter{End: base.Add(2 * time.Hour)}, 2},
		{"window both", QueryFilter{Start: base.Add(time.Hour), End: base.Add(2 * time.Hour)}, 1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, total := s.QueryUsage(tc.filter)
			if total != tc.want {
				t.Errorf("total = %d, want %d", total, tc.want)
			}
		})
	}
}

func TestQueryUsage_OrderAndPagination(t *testing.T) {
	s := NewStore()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		r := testRecord("acme", "openai/gpt-4o", "openai/gpt-4o")
		r.TS = base.Add(time.Duration(i) * time.Minute)
		s.LogUsage(context.Background(), r)
	}

	page, total := s.QueryUsage(QueryFilter{})
	if total != 5 {
		t.Fatalf("total = %d, want 5", total)
	}
	for i := 1; i < len(page); i++ {
		if page[i].TS.After(page[i-1].TS) {
			t.Fatalf("records not sorted newest first at index %d", i)
		}
	}

	page, total = s.QueryUsage(QueryFilter{Limit: 2, Offset: 2})
	if total != 5 {
		t.Errorf("paginated total = %d, want 5", total)
	}
	if len(page) != 2 {
		t.Fatalf("page size = %d, want 2", len(page))
	}
	if !page[0].TS.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("page[0].TS = %v, want %v", page[0].TS, base.Add(2*time.Minute))
	}

	page, _ = s.QueryUsage(QueryFilter{Offset: 99})
	if len(page) != 0 {
		t.Errorf("out-of-range offset returned %d records, want 0", len(page))
	}
}

func TestQueryUsage_ReturnsCopies(t *testing.T) {
	s := NewStore()
	s.LogUsage(context.Background(), testRecord("acme", "openai/gpt-4o", "openai/gpt-4o"))

	page, _ := s.QueryUsage(QueryFilter{})
	page[0].Owner = "mutated"

	again, _ := s.QueryUsage(QueryFilter{})
	if again[0].Owner != "acme" {
		t.Errorf("store record mutated through query result: owner = %q", again[0].Owner)
	}
}

func TestGetMetrics_Aggregates(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	ok := testRecord("acme", "anthropic/claude-3-opus", "anthropic/claude-3-opus")
	ok.CostUSD = 0.05
	ok.LatencyMS = 100
	s.LogUsage(ctx, ok)

	fell := testRecord("acme", "anthropic/claude-3-opus", "openai/gpt-4o")
	fell.CostUSD = 0.02
	fell.LatencyMS = 300
	s.LogUsage(ctx, fell)

	cached := testRecord("acme", "openai/gpt-4o", "openai/gpt-4o")
	cached.Cache = CacheInfo{Hit: true}
	cached.CostUSD = 0
	cached.Tokens = TokenCounts{}
	cached.LatencyMS = 2
	s.LogUsage(ctx, cached)

	failed := testRecord("acme", "openai/gpt-4o", "")
	failed.Success = false
	failed.ErrorKind = "upstream_error"
	failed.Tokens = TokenCounts{}
	failed.LatencyMS = 50
	s.LogUsage(ctx, failed)

	other := testRecord("globex", "openai/gpt-4o", "openai/gpt-4o")
	s.LogUsage(ctx, other)

	m := s.GetMetrics(QueryFilter{Owner: "acme"})

	if m.TotalRequests != 4 {
		t.Errorf("TotalRequests = %d, want 4", m.TotalRequests)
	}
	if m.Successful != 3 || m.Failed != 1 {
		t.Errorf("Successful/Failed = %d/%d, want 3/1", m.Successful, m.Failed)
	}
	if m.Tokens.Input != 200 || m.Tokens.Output != 100 || m.Tokens.Total != 300 {
		t.Errorf("Tokens = %+v, want 200/100/300", m.Tokens)
	}
	if math.Abs(m.TotalCostUSD-0.07) > 1e-9 {
		t.Errorf("TotalCostUSD = %v, want 0.07", m.TotalCostUSD)
	}
	if want := (100.0 + 300 + 2 + 50) / 4; math.Abs(m.AverageLatencyMS-want) > 1e-9 {
		t.Errorf("AverageLatencyMS = %v, want %v", m.AverageLatencyMS, want)
	}
	if m.RequestsByModel["anthropic/claude-3-opus"] != 1 || m.RequestsByModel["openai/gpt-4o"] != 2 {
		t.Errorf("RequestsByModel = %v", m.RequestsByModel)
	}
	if m.Fallbacks != 1 {
		t.Errorf("Fallbacks = %d, want 1", m.Fallbacks)
	}
	if m.CacheHits != 1 {
		t.Errorf("CacheHits = %d, want 1", m.CacheHits)
	}
}

func TestGetMetrics_Empty(t *testing.T) {
	s := NewStore()
	m := s.GetMetrics(QueryFilter{})
	if m.TotalRequests != 0 || m.AverageLatencyMS != 0 {
		t.Errorf("metrics over empty store = %+v, want zeros", m)
	}
}

func TestStore_SinkReceivesRecords(t *testing.T) {
	sink := &captureSink{}
	s := NewStore(WithSink(sink))

	s.LogUsage(context.Background(), testRecord("acme", "openai/gpt-4o", "openai/gpt-4o"))

	got := sink.all()
	if len(got) != 1 {
		t.Fatalf("sink received %d records, want 1", len(got))
	}
	if got[0].ID == "" {
		t.Error("sink record missing generated id")
	}
	if got[0].Owner != "acme" {
		t.Errorf("sink record owner = %q, want acme", got[0].Owner)
	}
}

func TestStore_ConcurrentLogging(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				s.LogUsage(ctx, testRecord("acme", "openai/gpt-4o", "openai/gpt-4o"))
			}
		}()
	}
	wg.Wait()

	if s.Len() != 200 {
		t.Errorf("Len = %d, want 200", s.Len())
	}
}

func TestFellBack(t *testing.T) {
	tests := []struct {
		name string
		pair ModelPair
		want bool
	}{
		{"same model", ModelPair{Requested: "a", Actual: "a"}, false},
		{"different model", ModelPair{Requested: "a", Actual: "b"}, true},
		{"no actual model", ModelPair{Requested: "a", Actual: ""}, false},
		{"auto routed", ModelPair{Requested: "auto", Actual: "b"}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := &UsageRecord{Model: tc.pair}
			if got := r.FellBack(); got != tc.want {
				t.Errorf("FellBack() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestCost(t *testing.T) {
	cat := catalog.Default()
	fallback := Pricing{DefaultInputPrice: 1.0, DefaultOutputPrice: 2.0}

	tests := []struct {
		name   string
		model  string
		tokens TokenCounts
		want   float64
	}{
		{"known model", "anthropic/claude-3-opus", TokenCounts{Input: 1000, Output: 500}, (1000*15.0 + 500*75.0) / 1e6},
		{"unknown model uses defaults", "acme/mystery", TokenCounts{Input: 1000, Output: 1000}, (1000*1.0 + 1000*2.0) / 1e6},
		{"zero tokens", "anthropic/claude-3-opus", TokenCounts{}, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Cost(cat, tc.model, tc.tokens, fallback)
			if math.Abs(got-tc.want) > 1e-12 {
				t.Errorf("Cost = %v, want %v", got, tc.want)
			}
		})
	}

	if got := Cost(nil, "anthropic/claude-3-opus", TokenCounts{Input: 100, Output: 100}, fallback); math.Abs(got-(100*1.0+100*2.0)/1e6) > 1e-12 {
		t.Errorf("nil catalog Cost = %v, want default rates", got)
	}
}

// Cost must stay exactly linear in both token counts for every model.
func TestCost_LinearInTokens(t *testing.T) {
	cat := catalog.Default()
	rng := rand.New(rand.NewPCG(1, 2))

	for _, info := range cat.List() {
		for i := 0; i < 50; i++ {
			in := rng.IntN(1_000_000)
			out := rng.IntN(1_000_000)
			want := (float64(in)*info.InputPrice + float64(out)*info.OutputPrice) / 1e6
			got := Cost(cat, info.ID, TokenCounts{Input: in, Output: out}, Pricing{})
			if math.Abs(got-want) > 1e-9 {
				t.Fatalf("Cost(%s, %d, %d) = %v, want %v", info.ID, in, out, got, want)
			}
		}
	}
}
