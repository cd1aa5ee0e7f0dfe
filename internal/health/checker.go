// Package health runs background reachability probes for upstream providers
// and backing stores, and exposes the latest results to the HTTP health and
// readiness handlers.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/relaypoint/model-gateway/internal/catalog"
	"github.com/relaypoint/model-gateway/internal/metrics"
	"github.com/relaypoint/model-gateway/internal/upstream"
)

const (
	probeInterval = 30 * time.Second
	probeTimeout  = 5 * time.Second
)

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "degraded" | "down"
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// Checker runs background probes and exposes the latest results. Provider
// probes call Available with a representative catalog model, so a provider
// reads "ok" exactly when the router would consider it usable.
type Checker struct {
	adapters    map[string]upstream.Adapter
	probeModels map[string]string
	cacheProbe  func() bool
	redisProbe  func() bool
	baseCtx     context.Context
	metrics     *metrics.Registry

	providerStatuses map[string]*componentStatus
	cacheStatus      componentStatus
	redisStatus      componentStatus

	startTime time.Time
	done      chan struct{}
	wg        sync.WaitGroup
}

// Option configures a Checker.
type Option func(*Checker)

// WithCacheProbe installs a readiness probe for the response cache backend.
// A nil probe means "not configured" and always reads ok.
func WithCacheProbe(fn func() bool) Option {
	return func(c *Checker) { c.cacheProbe = fn }
}

// WithRedisProbe installs a readiness probe for the Redis backend used by
// the rate limiter. A nil probe means "not configured" and always reads ok.
func WithRedisProbe(fn func() bool) Option {
	return func(c *Checker) { c.redisProbe = fn }
}

// WithMetrics feeds probe results into the provider health gauge.
func WithMetrics(m *metrics.Registry) Option {
	return func(c *Checker) { c.metrics = m }
}

// New creates a Checker and immediately starts background probes. The first
// probe runs synchronously so health is never "unknown" right after startup.
func New(ctx context.Context, adapters map[string]upstream.Adapter, cat *catalog.Catalog, opts ...Option) *Checker {
	if ctx == nil {
		panic("health: context must not be nil")
	}

	c := &Checker{
		adapters:         adapters,
		probeModels:      make(map[string]string, len(adapters)),
		baseCtx:          ctx,
		providerStatuses: make(map[string]*componentStatus),
		startTime:        time.Now(),
		done:             make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}

	for name := range adapters {
		c.providerStatuses[name] = &componentStatus{status: "unknown"}
	}
	if cat != nil {
		// First catalog model per provider, in catalog order. Probes carry
		// the provider-native identifier, same as the router's dispatch path.
		for _, m := range cat.List() {
			if _, ok := adapters[m.Provider]; !ok {
				continue
			}
			if _, ok := c.probeModels[m.Provider]; !ok {
				c.probeModels[m.Provider] = m.Native()
			}
		}
	}

	c.probe()

	c.wg.Add(1)
	go c.run()

	return c
}

// Snapshot is the current health state for all components.
type Snapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Providers     map[string]string `json:"providers"`
	Cache         string            `json:"cache"`
	Redis         string            `json:"redis"`
}

// Snapshot builds a snapshot from the latest probe results.
func (c *Checker) Snapshot() Snapshot {
	overall := "ok"

	provs := make(map[string]string, len(c.providerStatuses))
	for name, s := range c.providerStatuses {
		st := s.get()
		provs[name] = st
		if st != "ok" {
			overall = "degraded"
		}
	}

	redis := c.redisStatus.get()
	if redis == "down" {
		overall = "degraded"
	}

	return Snapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
		Providers:     provs,
		Cache:         c.cacheStatus.get(),
		Redis:         redis,
	}
}

// ReadinessOK reports whether the gateway should accept traffic. Degraded
// providers do not fail readiness: routing falls back around them. Only a
// down Redis backend blocks, since both limiter scopes depend on it.
func (c *Checker) ReadinessOK() bool {
	return c.redisStatus.get() != "down"
}

// Close stops the background probe goroutine.
func (c *Checker) Close() {
	close(c.done)
	c.wg.Wait()
}

func (c *Checker) run() {
	defer c.wg.Done()
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.probe()
		case <-c.done:
			return
		}
	}
}

func (c *Checker) probe() {
	ctx, cancel := context.WithTimeout(c.baseCtx, probeTimeout)
	defer cancel()

	var wg sync.WaitGroup

	// Provider probes run in parallel; a provider with no catalog model
	// stays "unknown".
	for name, ad := range c.adapters {
		model, ok := c.probeModels[name]
		if !ok {
			continue
		}
		s := c.providerStatuses[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			up := ad.Available(ctx, model)
			if up {
				s.set("ok")
			} else {
				s.set("degraded")
			}
			if c.metrics != nil {
				c.metrics.SetProviderHealth(name, up)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if c.cacheProbe == nil || c.cacheProbe() {
			c.cacheStatus.set("ok")
		} else {
			c.cacheStatus.set("degraded")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if c.redisProbe == nil || c.redisProbe() {
			c.redisStatus.set("ok")
		} else {
			c.redisStatus.set("down")
		}
	}()

	wg.Wait()
}
