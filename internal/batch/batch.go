// Package batch queues groups of chat requests for asynchronous processing
// with bounded concurrency and priority scheduling.
package batch

import (
	"time"

	"github.com/relaypoint/model-gateway/internal/upstream"
)

// State is a batch lifecycle state.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Priority orders batches in the queue.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 2
	}
	return 3
}

// Result is one child outcome, stored at the same index as its request.
// Exactly one of Response and Error is set.
type Result struct {
	Response *upstream.ModelResponse `json:"response,omitempty"`
	Error    string                  `json:"error,omitempty"`
}

// InvalidRequest reports a child rejected at intake. Index refers to the
// caller's original request list.
type InvalidRequest struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// Batch is a group of requests processed together. Counters never decrease
// and completed + failed never exceeds the request count.
type Batch struct {
	ID             string                   `json:"id"`
	Owner          string                   `json:"owner"`
	Requests       []*upstream.ModelRequest `json:"requests"`
	State          State                    `json:"state"`
	Priority       Priority                 `json:"priority"`
	RequestCount   int                      `json:"request_count"`
	CompletedCount int                      `json:"completed_count"`
	FailedCount    int                      `json:"failed_count"`
	Results        []*Result                `json:"results,omitempty"`
	CallbackURL    string                   `json:"callback_url,omitempty"`
	Metadata       map[string]string        `json:"metadata,omitempty"`
	Error          string                   `json:"error,omitempty"`
	CreatedAt      time.Time                `json:"created_at"`
	CompletedAt    *time.Time               `json:"completed_at,omitempty"`
}

func (b *Batch) clone() *Batch {
	cp := *b
	cp.Requests = make([]*upstream.ModelRequest, len(b.Requests))
	for i, r := range b.Requests {
		cp.Requests[i] = r.Clone()
	}
	cp.Results = make([]*Result, len(b.Results))
	for i, r := range b.Results {
		if r != nil {
			rc := *r
			cp.Results[i] = &rc
		}
	}
	if b.Metadata != nil {
		cp.Metadata = make(map[string]string, len(b.Metadata))
		for k, v := range b.Metadata {
			cp.Metadata[k] = v
		}
	}
	if b.CompletedAt != nil {
		at := *b.CompletedAt
		cp.CompletedAt = &at
	}
	return &cp
}

// summary is the payload of a batch.completed event: counts only, never the
// raw results.
func (b *Batch) summary() map[string]any {
	return map[string]any{
		"batch_id":        b.ID,
		"state":           string(b.State),
		"priority":        string(b.Priority),
		"request_count":   b.RequestCount,
		"completed_count": b.CompletedCount,
		"failed_count":    b.FailedCount,
	}
}
