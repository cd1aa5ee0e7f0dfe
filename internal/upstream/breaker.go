package upstream

import (
	"sync"
	"time"
)

// Breaker defaults. Zero-valued BreakerConfig fields fall back to these.
const (
	BreakerErrorThreshold  = 5
	BreakerTimeWindow      = 60 * time.Second
	BreakerHalfOpenTimeout = 30 * time.Second
)

// BreakerState is the operational state of a per-model breaker.
//
//	BreakerClosed   — normal operation; requests pass through.
//	BreakerOpen     — model is failing; requests are rejected immediately.
//	BreakerHalfOpen — recovery probe; a single request is allowed through.
type BreakerState int

const (
	BreakerClosed   BreakerState = 0
	BreakerOpen     BreakerState = 1
	BreakerHalfOpen BreakerState = 2
)

// BreakerConfig holds breaker tuning parameters.
type BreakerConfig struct {
	// ErrorThreshold is the number of failures within TimeWindow that trips
	// the breaker.
	ErrorThreshold int

	// TimeWindow is the rolling window for counting errors.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe request.
	HalfOpenTimeout time.Duration
}

func (c *BreakerConfig) errorThreshold() int {
	if c.ErrorThreshold > 0 {
		return c.ErrorThreshold
	}
	return BreakerErrorThreshold
}

func (c *BreakerConfig) timeWindow() time.Duration {
	if c.TimeWindow > 0 {
		return c.TimeWindow
	}
	return BreakerTimeWindow
}

func (c *BreakerConfig) halfOpenTimeout() time.Duration {
	if c.HalfOpenTimeout > 0 {
		return c.HalfOpenTimeout
	}
	return BreakerHalfOpenTimeout
}

type modelBreaker struct {
	mu sync.Mutex

	state         BreakerState
	errorCount    int
	windowStart   time.Time // start of the current error-counting window
	openedAt      time.Time // when the breaker tripped (for the half-open timer)
	probeInflight bool      // true while a half-open probe is in flight
}

// Breaker tracks failure state per model id so the router can skip models
// that recently failed without waiting out a dispatch timeout each time.
// Entries are created lazily on first use. Safe for concurrent use.
type Breaker struct {
	mu     sync.Mutex
	models map[string]*modelBreaker
	cfg    BreakerConfig
}

// NewBreaker creates a Breaker with default thresholds.
func NewBreaker() *Breaker {
	return NewBreakerWithConfig(BreakerConfig{})
}

// NewBreakerWithConfig creates a Breaker with custom thresholds, typically
// loaded from configuration.
func NewBreakerWithConfig(cfg BreakerConfig) *Breaker {
	return &Breaker{
		models: make(map[string]*modelBreaker),
		cfg:    cfg,
	}
}

// Allow reports whether model should receive the next request.
//
//   - Closed   → always true.
//   - Open     → false, unless the half-open timeout has elapsed, in which
//     case the breaker transitions to HalfOpen and allows one probe.
//   - HalfOpen → true only if no probe is currently in flight.
func (b *Breaker) Allow(model string) bool {
	mb := b.get(model)

	mb.mu.Lock()
	defer mb.mu.Unlock()

	switch mb.state {
	case BreakerClosed:
		return true

	case BreakerOpen:
		if time.Since(mb.openedAt) >= b.cfg.halfOpenTimeout() {
			mb.state = BreakerHalfOpen
			mb.probeInflight = true
			return true
		}
		return false

	case BreakerHalfOpen:
		if mb.probeInflight {
			return false
		}
		mb.probeInflight = true
		return true
	}

	return true
}

// RecordSuccess marks a successful response for model and resets the breaker
// to Closed regardless of its previous state.
func (b *Breaker) RecordSuccess(model string) {
	mb := b.get(model)

	mb.mu.Lock()
	defer mb.mu.Unlock()

	mb.state = BreakerClosed
	mb.errorCount = 0
	mb.probeInflight = false
	mb.windowStart = time.Now()
}

// RecordFailure increments the error counter for model. When the counter
// reaches ErrorThreshold within TimeWindow the breaker opens.
func (b *Breaker) RecordFailure(model string) {
	mb := b.get(model)

	mb.mu.Lock()
	defer mb.mu.Unlock()

	now := time.Now()

	if now.Sub(mb.windowStart) > b.cfg.timeWindow() {
		mb.errorCount = 0
		mb.windowStart = now
	}

	mb.errorCount++
	mb.probeInflight = false

	if mb.errorCount >= b.cfg.errorThreshold() {
		mb.state = BreakerOpen
		mb.openedAt = now
	}
}

// State returns the current BreakerState for model.
func (b *Breaker) State(model string) BreakerState {
	mb := b.get(model)
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.state
}

// StateLabel returns "closed", "open", or "half_open" for metrics export.
func (b *Breaker) StateLabel(model string) string {
	switch b.State(model) {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Snapshot returns the state label of every tracked model.
func (b *Breaker) Snapshot() map[string]string {
	b.mu.Lock()
	names := make([]string, 0, len(b.models))
	for name := range b.models {
		names = append(names, name)
	}
	b.mu.Unlock()

	out := make(map[string]string, len(names))
	for _, name := range names {
		out[name] = b.StateLabel(name)
	}
	return out
}

func (b *Breaker) get(model string) *modelBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	mb, ok := b.models[model]
	if !ok {
		mb = &modelBreaker{state: BreakerClosed, windowStart: time.Now()}
		b.models[model] = mb
	}
	return mb
}
