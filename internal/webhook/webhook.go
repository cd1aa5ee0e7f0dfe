// Package webhook implements event subscriptions and delivery: per-owner
// webhook CRUD, an append-only event log, and a dispatcher that fans events
// out to subscribed URLs with HMAC signing and per-webhook ordered delivery.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// EventType names a lifecycle event. The set is closed; TriggerEvent rejects
// anything else.
type EventType string

const (
	EventRequestCreated   EventType = "request.created"
	EventRequestCompleted EventType = "request.completed"
	EventRequestFailed    EventType = "request.failed"
	EventModelUnavailable EventType = "model.unavailable"
	EventModelFallback    EventType = "model.fallback"
	EventEndpointCreated  EventType = "endpoint.created"
	EventEndpointUpdated  EventType = "endpoint.updated"
	EventEndpointDeleted  EventType = "endpoint.deleted"
	EventCreditLow        EventType = "credit.low"
	EventBatchCompleted   EventType = "batch.completed"
	EventError            EventType = "error"
)

var eventTypes = map[EventType]struct{}{
	EventRequestCreated:   {},
	EventRequestCompleted: {},
	EventRequestFailed:    {},
	EventModelUnavailable: {},
	EventModelFallback:    {},
	EventEndpointCreated:  {},
	EventEndpointUpdated:  {},
	EventEndpointDeleted:  {},
	EventCreditLow:        {},
	EventBatchCompleted:   {},
	EventError:            {},
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	_, ok := eventTypes[t]
	return ok
}

// Retry bounds for a webhook config.
const (
	DefaultRetries = 3
	MaxRetries     = 10
)

// Config is a registered webhook subscription.
type Config struct {
	ID      string            `json:"id"`
	Owner   string            `json:"owner"`
	URL     string            `json:"url"`
	Name    string            `json:"name"`
	Events  []EventType       `json:"events"`
	Secret  string            `json:"secret,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Retries int               `json:"retries"`
	Active  bool              `json:"active"`

	// LastStatus is the HTTP status of the most recent delivery attempt;
	// 0 means no attempt yet or a transport failure.
	LastStatus int `json:"last_status,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (c *Config) subscribes(t EventType) bool {
	for _, e := range c.Events {
		if e == t {
			return true
		}
	}
	return false
}

func (c *Config) clone() *Config {
	cp := *c
	cp.Events = append([]EventType(nil), c.Events...)
	if c.Headers != nil {
		cp.Headers = make(map[string]string, len(c.Headers))
		for k, v := range c.Headers {
			cp.Headers[k] = v
		}
	}
	return &cp
}

// Event is an immutable record of something that happened. Events are
// appended once and never mutated; consumers deduplicate by ID.
type Event struct {
	ID    string         `json:"id"`
	TS    time.Time      `json:"ts"`
	Owner string         `json:"owner"`
	Type  EventType      `json:"type"`
	Data  map[string]any `json:"data,omitempty"`
}

// Delivery tracks the attempts to send one event to one webhook. A single
// record is kept per (webhook, event) pair and updated on every attempt.
type Delivery struct {
	ID           string     `json:"id"`
	WebhookID    string     `json:"webhook_id"`
	EventID      string     `json:"event_id"`
	Attempt      int        `json:"attempt"`
	TS           time.Time  `json:"ts"`
	Success      bool       `json:"success"`
	StatusCode   int        `json:"status_code,omitempty"`
	ResponseBody string     `json:"response_body,omitempty"`
	NextRetry    *time.Time `json:"next_retry,omitempty"`
}

// Sign computes the X-Signature value for a delivery body:
// hex(HMAC-SHA256(secret, body)).
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
