// Package endpoint stores custom endpoint presets and rewrites incoming
// requests against them.
//
// A custom endpoint pins a base model, routing strategy, fallback chain,
// default sampling parameters, and an optional system prompt under a stable
// id. Owners manage their endpoints; other callers can read an endpoint only
// when it is public.
package endpoint

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaypoint/model-gateway/internal/upstream"
	"github.com/relaypoint/model-gateway/pkg/apierr"
)

// Endpoint is a stored preset. Sampling defaults are pointers so "unset"
// stays distinguishable from an explicit zero.
type Endpoint struct {
	ID               string                 `json:"id"`
	Owner            string                 `json:"owner"`
	Name             string                 `json:"name"`
	BaseModel        string                 `json:"base_model"`
	Fallbacks        []string               `json:"fallbacks,omitempty"`
	RoutingStrategy  upstream.RouteStrategy `json:"routing_strategy"`
	SystemPrompt     string                 `json:"system_prompt,omitempty"`
	Temperature      *float64               `json:"temperature,omitempty"`
	TopP             *float64               `json:"top_p,omitempty"`
	FrequencyPenalty *float64               `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64               `json:"presence_penalty,omitempty"`
	MaxTokens        *int                   `json:"max_tokens,omitempty"`
	IsPublic         bool                   `json:"is_public"`
	RateLimitRPM     int                    `json:"rate_limit_rpm,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

func (e *Endpoint) clone() *Endpoint {
	cp := *e
	if e.Fallbacks != nil {
		cp.Fallbacks = append([]string(nil), e.Fallbacks...)
	}
	cp.Temperature = clonePtr(e.Temperature)
	cp.TopP = clonePtr(e.TopP)
	cp.FrequencyPenalty = clonePtr(e.FrequencyPenalty)
	cp.PresencePenalty = clonePtr(e.PresencePenalty)
	cp.MaxTokens = clonePtr(e.MaxTokens)
	return &cp
}

// visibleTo reports whether caller may read this endpoint.
func (e *Endpoint) visibleTo(caller string) bool {
	return e.Owner == caller || e.IsPublic
}

// CreateParams carries the caller-settable endpoint fields.
type CreateParams struct {
	Name             string                 `json:"name"`
	BaseModel        string                 `json:"base_model"`
	Fallbacks        []string               `json:"fallbacks,omitempty"`
	RoutingStrategy  upstream.RouteStrategy `json:"routing_strategy,omitempty"`
	SystemPrompt     string                 `json:"system_prompt,omitempty"`
	Temperature      *float64               `json:"temperature,omitempty"`
	TopP             *float64               `json:"top_p,omitempty"`
	FrequencyPenalty *float64               `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64               `json:"presence_penalty,omitempty"`
	MaxTokens        *int                   `json:"max_tokens,omitempty"`
	IsPublic         bool                   `json:"is_public,omitempty"`
	RateLimitRPM     int                    `json:"rate_limit_rpm,omitempty"`
}

// UpdateParams carries a partial update; nil fields are left unchanged.
type UpdateParams struct {
	Name             *string                 `json:"name,omitempty"`
	BaseModel        *string                 `json:"base_model,omitempty"`
	Fallbacks        []string                `json:"fallbacks,omitempty"`
	RoutingStrategy  *upstream.RouteStrategy `json:"routing_strategy,omitempty"`
	SystemPrompt     *string                 `json:"system_prompt,omitempty"`
	Temperature      *float64                `json:"temperature,omitempty"`
	TopP             *float64                `json:"top_p,omitempty"`
	FrequencyPenalty *float64                `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64                `json:"presence_penalty,omitempty"`
	MaxTokens        *int                    `json:"max_tokens,omitempty"`
	IsPublic         *bool                   `json:"is_public,omitempty"`
	RateLimitRPM     *int                    `json:"rate_limit_rpm,omitempty"`
}

// Store holds endpoints in memory, keyed by id. Safe for concurrent use.
// All returned endpoints are copies; callers may mutate them freely.
type Store struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
}

// NewStore creates an empty endpoint store.
func NewStore() *Store {
	return &Store{endpoints: make(map[string]*Endpoint)}
}

// Create validates p and stores a new endpoint owned by owner.
func (s *Store) Create(owner string, p CreateParams) (*Endpoint, error) {
	if owner == "" {
		return nil, apierr.New(apierr.KindInvalidRequest, "owner is required")
	}
	if p.Name == "" {
		return nil, apierr.New(apierr.KindInvalidRequest, "endpoint name is required")
	}
	if p.BaseModel == "" {
		return nil, apierr.New(apierr.KindInvalidRequest, "base_model is required")
	}
	if !p.RoutingStrategy.Valid() {
		return nil, apierr.Newf(apierr.KindInvalidRequest, "unknown routing_strategy %q", p.RoutingStrategy)
	}
	if p.RateLimitRPM < 0 {
		return nil, apierr.New(apierr.KindInvalidRequest, "rate_limit_rpm must not be negative")
	}

	strategy := p.RoutingStrategy
	if strategy == "" {
		strategy = upstream.RouteDefault
	}

	now := time.Now().UTC()
	ep := &Endpoint{
		ID:               "ep-" + uuid.NewString(),
		Owner:            owner,
		Name:             p.Name,
		BaseModel:        p.BaseModel,
		Fallbacks:        append([]string(nil), p.Fallbacks...),
		RoutingStrategy:  strategy,
		SystemPrompt:     p.SystemPrompt,
		Temperature:      clonePtr(p.Temperature),
		TopP:             clonePtr(p.TopP),
		FrequencyPenalty: clonePtr(p.FrequencyPenalty),
		PresencePenalty:  clonePtr(p.PresencePenalty),
		MaxTokens:        clonePtr(p.MaxTokens),
		IsPublic:         p.IsPublic,
		RateLimitRPM:     p.RateLimitRPM,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	s.mu.Lock()
	s.endpoints[ep.ID] = ep
	s.mu.Unlock()

	return ep.clone(), nil
}

// Get returns the endpoint iff caller may read it. Missing and inaccessible
// endpoints are indistinguishable to the caller.
func (s *Store) Get(id, caller string) (*Endpoint, error) {
	s.mu.RLock()
	ep, ok := s.endpoints[id]
	s.mu.RUnlock()

	if !ok || !ep.visibleTo(caller) {
		return nil, apierr.Newf(apierr.KindNotFound, "endpoint %s not found", id)
	}
	return ep.clone(), nil
}

// List returns every endpoint visible to caller, oldest first.
func (s *Store) List(caller string) []*Endpoint {
	s.mu.RLock()
	out := make([]*Endpoint, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		if ep.visibleTo(caller) {
			out = append(out, ep.clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Update applies a partial update. Only the owner may mutate; anyone else
// gets the same not-found error a missing endpoint would produce.
func (s *Store) Update(id, caller string, p UpdateParams) (*Endpoint, error) {
	if p.RoutingStrategy != nil && !p.RoutingStrategy.Valid() {
		return nil, apierr.Newf(apierr.KindInvalidRequest, "unknown routing_strategy %q", *p.RoutingStrategy)
	}
	if p.BaseModel != nil && *p.BaseModel == "" {
		return nil, apierr.New(apierr.KindInvalidRequest, "base_model must not be empty")
	}
	if p.RateLimitRPM != nil && *p.RateLimitRPM < 0 {
		return nil, apierr.New(apierr.KindInvalidRequest, "rate_limit_rpm must not be negative")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ep, ok := s.endpoints[id]
	if !ok || ep.Owner != caller {
		return nil, apierr.Newf(apierr.KindNotFound, "endpoint %s not found", id)
	}

	if p.Name != nil {
		ep.Name = *p.Name
	}
	if p.BaseModel != nil {
		ep.BaseModel = *p.BaseModel
	}
	if p.Fallbacks != nil {
		ep.Fallbacks = append([]string(nil), p.Fallbacks...)
	}
	if p.RoutingStrategy != nil {
		ep.RoutingStrategy = *p.RoutingStrategy
	}
	if p.SystemPrompt != nil {
		ep.SystemPrompt = *p.SystemPrompt
	}
	if p.Temperature != nil {
		ep.Temperature = clonePtr(p.Temperature)
	}
	if p.TopP != nil {
		ep.TopP = clonePtr(p.TopP)
	}
	if p.FrequencyPenalty != nil {
		ep.FrequencyPenalty = clonePtr(p.FrequencyPenalty)
	}
	if p.PresencePenalty != nil {
		ep.PresencePenalty = clonePtr(p.PresencePenalty)
	}
	if p.MaxTokens != nil {
		ep.MaxTokens = clonePtr(p.MaxTokens)
	}
	if p.IsPublic != nil {
		ep.IsPublic = *p.IsPublic
	}
	if p.RateLimitRPM != nil {
		ep.RateLimitRPM = *p.RateLimitRPM
	}
	ep.UpdatedAt = time.Now().UTC()

	return ep.clone(), nil
}

// Delete removes the endpoint. Only the owner may delete.
func (s *Store) Delete(id, caller string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ep, ok := s.endpoints[id]
	if !ok || ep.Owner != caller {
		return apierr.Newf(apierr.KindNotFound, "endpoint %s not found", id)
	}

	delete(s.endpoints, id)
	return nil
}

// Len returns the number of stored endpoints across all owners.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.endpoints)
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
