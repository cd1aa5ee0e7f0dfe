package webhook

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaypoint/model-gateway/pkg/apierr"
)

// CreateParams carries the caller-settable webhook fields. Retries defaults
// to DefaultRetries when nil; Active defaults to true when nil.
type CreateParams struct {
	URL     string            `json:"url"`
	Name    string            `json:"name"`
	Events  []EventType       `json:"events"`
	Secret  string            `json:"secret,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Retries *int              `json:"retries,omitempty"`
	Active  *bool             `json:"active,omitempty"`
}

// UpdateParams carries a partial update; nil fields are left unchanged.
type UpdateParams struct {
	URL     *string           `json:"url,omitempty"`
	Name    *string           `json:"name,omitempty"`
	Events  []EventType       `json:"events,omitempty"`
	Secret  *string           `json:"secret,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Retries *int              `json:"retries,omitempty"`
	Active  *bool             `json:"active,omitempty"`
}

func validateEvents(events []EventType) error {
	if len(events) == 0 {
		return apierr.New(apierr.KindInvalidRequest, "at least one event type is required")
	}
	for _, e := range events {
		if !e.Valid() {
			return apierr.Newf(apierr.KindInvalidRequest, "unknown event type %q", e)
		}
	}
	return nil
}

func validateRetries(r int) error {
	if r < 0 || r > MaxRetries {
		return apierr.Newf(apierr.KindInvalidRequest, "retries must be between 0 and %d", MaxRetries)
	}
	return nil
}

// Store holds webhook configs in memory, keyed by id. Webhooks are strictly
// per-owner: no caller ever sees another owner's webhooks. All returned
// configs are copies.
type Store struct {
	mu       sync.RWMutex
	webhooks map[string]*Config
}

// NewStore creates an empty webhook store.
func NewStore() *Store {
	return &Store{webhooks: make(map[string]*Config)}
}

// Create validates p and stores a new webhook owned by owner.
func (s *Store) Create(owner string, p CreateParams) (*Config, error) {
	if owner == "" {
		return nil, apierr.New(apierr.KindInvalidRequest, "owner is required")
	}
	if p.URL == "" {
		return nil, apierr.New(apierr.KindInvalidRequest, "webhook url is required")
	}
	if p.Name == "" {
		return nil, apierr.New(apierr.KindInvalidRequest, "webhook name is required")
	}
	if err := validateEvents(p.Events); err != nil {
		return nil, err
	}

	retries := DefaultRetries
	if p.Retries != nil {
		if err := validateRetries(*p.Retries); err != nil {
			return nil, err
		}
		retries = *p.Retries
	}
	active := true
	if p.Active != nil {
		active = *p.Active
	}

	now := time.Now().UTC()
	wh := &Config{
		ID:        "wh-" + uuid.NewString(),
		Owner:     owner,
		URL:       p.URL,
		Name:      p.Name,
		Events:    append([]EventType(nil), p.Events...),
		Secret:    p.Secret,
		Retries:   retries,
		Active:    active,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if p.Headers != nil {
		wh.Headers = make(map[string]string, len(p.Headers))
		for k, v := range p.Headers {
			wh.Headers[k] = v
		}
	}

	s.mu.Lock()
	s.webhooks[wh.ID] = wh
	s.mu.Unlock()

	return wh.clone(), nil
}

// Get returns the webhook iff owner owns it.
func (s *Store) Get(id, owner string) (*Config, error) {
	s.mu.RLock()
	wh, ok := s.webhooks[id]
	s.mu.RUnlock()

	if !ok || wh.Owner != owner {
		return nil, apierr.Newf(apierr.KindNotFound, "webhook %s not found", id)
	}
	return wh.clone(), nil
}

// List returns every webhook belonging to owner, oldest first.
func (s *Store) List(owner string) []*Config {
	s.mu.RLock()
	out := make([]*Config, 0, len(s.webhooks))
	for _, wh := range s.webhooks {
		if wh.Owner == owner {
			out = append(out, wh.clone())
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

// Update applies a partial update. Only the owner may mutate.
func (s *Store) Update(id, owner string, p UpdateParams) (*Config, error) {
	if p.URL != nil && *p.URL == "" {
		return nil, apierr.New(apierr.KindInvalidRequest, "webhook url must not be empty")
	}
	if p.Events != nil {
		if err := validateEvents(p.Events); err != nil {
			return nil, err
		}
	}
	if p.Retries != nil {
		if err := validateRetries(*p.Retries); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	wh, ok := s.webhooks[id]
	if !ok || wh.Owner != owner {
		return nil, apierr.Newf(apierr.KindNotFound, "webhook %s not found", id)
	}

	if p.URL != nil {
		wh.URL = *p.URL
	}
	if p.Name != nil {
		wh.Name = *p.Name
	}
	if p.Events != nil {
		wh.Events = append([]EventType(nil), p.Events...)
	}
	if p.Secret != nil {
		wh.Secret = *p.Secret
	}
	if p.Headers != nil {
		wh.Headers = make(map[string]string, len(p.Headers))
		for k, v := range p.Headers {
			wh.Headers[k] = v
		}
	}
	if p.Retries != nil {
		wh.Retries = *p.Retries
	}
	if p.Active != nil {
		wh.Active = *p.Active
	}
	wh.UpdatedAt = time.Now().UTC()

	return wh.clone(), nil
}

// Delete removes the webhook. Only the owner may delete.
func (s *Store) Delete(id, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wh, ok := s.webhooks[id]
	if !ok || wh.Owner != owner {
		return apierr.Newf(apierr.KindNotFound, "webhook %s not found", id)
	}

	delete(s.webhooks, id)
	return nil
}

// Len returns the number of stored webhooks.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.webhooks)
}

// subscribers returns clones of owner's active webhooks subscribed to t.
func (s *Store) subscribers(owner string, t EventType) []*Config {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Config
	for _, wh := range s.webhooks {
		if wh.Owner == owner && wh.Active && wh.subscribes(t) {
			out = append(out, wh.clone())
		}
	}
	return out
}

// recordStatus stores the status of the latest delivery attempt.
func (s *Store) recordStatus(id string, status int) {
	s.mu.Lock()
	if wh, ok := s.webhooks[id]; ok {
		wh.LastStatus = status
	}
	s.mu.Unlock()
}
