package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/relaypoint/model-gateway/internal/upstream"
	"github.com/relaypoint/model-gateway/internal/webhook"
	"github.com/relaypoint/model-gateway/pkg/apierr"
)

// DefaultMaxConcurrent bounds in-flight child dispatches across the process.
const DefaultMaxConcurrent = 5

// Dispatcher validates and executes a single chat request. The gateway
// service implements it.
type Dispatcher interface {
	Validate(req *upstream.ModelRequest) error
	Dispatch(ctx context.Context, owner string, req *upstream.ModelRequest) (*upstream.ModelResponse, error)
}

// EventEmitter emits lifecycle events. The webhook dispatcher implements it.
type EventEmitter interface {
	TriggerEvent(ctx context.Context, owner string, typ webhook.EventType, data map[string]any) (*webhook.Event, error)
}

// Observer receives child dispatch outcomes, e.g. for metrics.
type Observer interface {
	BatchChild(success bool)
}

// CreateOptions carries the optional batch parameters.
type CreateOptions struct {
	Priority    Priority          `json:"priority,omitempty"`
	CallbackURL string            `json:"callback_url,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Processor owns the batch store, the priority queue, and the scheduler
// goroutine that drains it. A single scheduler processes one batch at a
// time; its children run concurrently, bounded by a process-wide semaphore.
type Processor struct {
	dispatcher Dispatcher
	events     EventEmitter
	observer   Observer
	maxConc    int
	sem        *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	wake   chan struct{}

	mu      sync.Mutex
	batches map[string]*Batch
	q       *queue
}

// Option configures a Processor.
type Option func(*Processor)

// WithMaxConcurrent overrides the child dispatch concurrency bound.
func WithMaxConcurrent(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.maxConc = n
		}
	}
}

// WithEvents wires lifecycle event emission (batch.completed).
func WithEvents(e EventEmitter) Option {
	return func(p *Processor) { p.events = e }
}

// WithObserver wires child outcome observation.
func WithObserver(o Observer) Option {
	return func(p *Processor) { p.observer = o }
}

// NewProcessor creates a processor and starts its scheduler.
func NewProcessor(ctx context.Context, d Dispatcher, opts ...Option) (*Processor, error) {
	if ctx == nil {
		return nil, fmt.Errorf("batch: context must not be nil")
	}
	if d == nil {
		return nil, fmt.Errorf("batch: dispatcher must not be nil")
	}

	pctx, cancel := context.WithCancel(ctx)
	p := &Processor{
		dispatcher: d,
		maxConc:    DefaultMaxConcurrent,
		ctx:        pctx,
		cancel:     cancel,
		wake:       make(chan struct{}, 1),
		batches:    make(map[string]*Batch),
		q:          newQueue(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.sem = semaphore.NewWeighted(int64(p.maxConc))

	p.wg.Add(1)
	go p.run()

	return p, nil
}

// Close stops the scheduler. The batch being processed is marked failed.
func (p *Processor) Close() error {
	p.cancel()
	p.wg.Wait()
	return nil
}

// QueueDepth returns the number of batches waiting to be picked up.
func (p *Processor) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.q.len()
}

// ── Intake and queries ────────────────────────────────────────────────────────

// CreateBatch validates every child independently and enqueues the valid
// ones as a new pending batch. Invalid children are reported back with
// their original indices; the batch is rejected only when every child is
// invalid.
func (p *Processor) CreateBatch(owner string, requests []*upstream.ModelRequest, opts CreateOptions) (*Batch, []InvalidRequest, error) {
	if owner == "" {
		return nil, nil, apierr.New(apierr.KindInvalidRequest, "owner is required")
	}
	if len(requests) == 0 {
		return nil, nil, apierr.New(apierr.KindInvalidRequest, "batch must contain at least one request")
	}
	priority := opts.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	if !priority.Valid() {
		return nil, nil, apierr.Newf(apierr.KindInvalidRequest, "unknown priority %q", opts.Priority)
	}

	var (
		valid   []*upstream.ModelRequest
		invalid []InvalidRequest
	)
	for i, req := range requests {
		if req == nil {
			invalid = append(invalid, InvalidRequest{Index: i, Error: "request must not be null"})
			continue
		}
		if err := p.dispatcher.Validate(req); err != nil {
			invalid = append(invalid, InvalidRequest{Index: i, Error: err.Error()})
			continue
		}
		valid = append(valid, req.Clone())
	}
	if len(valid) == 0 {
		return nil, invalid, apierr.New(apierr.KindInvalidRequest, "all batch requests are invalid")
	}

	b := &Batch{
		ID:           "batch-" + uuid.NewString(),
		Owner:        owner,
		Requests:     valid,
		State:        StatePending,
		Priority:     priority,
		RequestCount: len(valid),
		Results:      make([]*Result, len(valid)),
		CallbackURL:  opts.CallbackURL,
		CreatedAt:    time.Now().UTC(),
	}
	if opts.Metadata != nil {
		b.Metadata = make(map[string]string, len(opts.Metadata))
		for k, v := range opts.Metadata {
			b.Metadata[k] = v
		}
	}

	p.mu.Lock()
	p.batches[b.ID] = b
	p.q.push(b)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}

	slog.Info("batch_created",
		slog.String("batch_id", b.ID),
		slog.String("owner", owner),
		slog.String("priority", string(priority)),
		slog.Int("accepted", len(valid)),
		slog.Int("rejected", len(invalid)),
	)
	return b.clone(), invalid, nil
}

// GetBatch returns the batch iff owner owns it.
func (p *Processor) GetBatch(id, owner string) (*Batch, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.batches[id]
	if !ok || b.Owner != owner {
		return nil, apierr.Newf(apierr.KindNotFound, "batch %s not found", id)
	}
	return b.clone(), nil
}

// ListBatches returns owner's batches, oldest first.
func (p *Processor) ListBatches(owner string) []*Batch {
	p.mu.Lock()
	out := make([]*Batch, 0, len(p.batches))
	for _, b := range p.batches {
		if b.Owner == owner {
			out = append(out, b.clone())
		}
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// CancelBatch cancels a still-pending batch: it leaves the queue and lands
// in state failed with error "cancelled". A batch already picked up by the
// scheduler cannot be cancelled.
func (p *Processor) CancelBatch(id, owner string) (*Batch, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.batches[id]
	if !ok || b.Owner != owner {
		return nil, apierr.Newf(apierr.KindNotFound, "batch %s not found", id)
	}
	if b.State != StatePending || !p.q.remove(id) {
		return nil, apierr.Newf(apierr.KindInvalidRequest, "batch %s is %s and cannot be cancelled", id, b.State)
	}

	now := time.Now().UTC()
	b.State = StateFailed
	b.Error = "cancelled"
	b.CompletedAt = &now
	return b.clone(), nil
}

// ── Scheduler ─────────────────────────────────────────────────────────────────

func (p *Processor) run() {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		b := p.q.pop()
		p.mu.Unlock()

		if b == nil {
			select {
			case <-p.wake:
				continue
			case <-p.ctx.Done():
				return
			}
		}
		p.process(p.ctx, b)
	}
}

// process runs every child of b in chunks of maxConc, then finalizes the
// batch. Child failures land in Results; they never abort the batch.
func (p *Processor) process(ctx context.Context, b *Batch) {
	defer func() {
		if r := recover(); r != nil {
			p.finalize(ctx, b, fmt.Sprintf("scheduler panic: %v", r))
			slog.ErrorContext(ctx, "batch_scheduler_panic",
				slog.String("batch_id", b.ID),
				slog.Any("panic", r),
			)
		}
	}()

	p.mu.Lock()
	b.State = StateProcessing
	n := len(b.Requests)
	p.mu.Unlock()

	for start := 0; start < n; start += p.maxConc {
		end := start + p.maxConc
		if end > n {
			end = n
		}

		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			idx := i
			req := b.Requests[idx]
			g.Go(func() error {
				if err := p.sem.Acquire(gctx, 1); err != nil {
					p.storeResult(b, idx, nil, err)
					return nil
				}
				defer p.sem.Release(1)

				resp, err := p.dispatcher.Dispatch(gctx, b.Owner, req)
				p.storeResult(b, idx, resp, err)
				return nil
			})
		}
		_ = g.Wait()

		if ctx.Err() != nil {
			p.finalize(ctx, b, "scheduler stopped before batch finished")
			return
		}
	}

	p.finalize(ctx, b, "")
}

// storeResult records one child outcome and bumps the matching counter.
func (p *Processor) storeResult(b *Batch, i int, resp *upstream.ModelResponse, err error) {
	p.mu.Lock()
	if err != nil {
		b.Results[i] = &Result{Error: err.Error()}
		b.FailedCount++
	} else {
		b.Results[i] = &Result{Response: resp}
		b.CompletedCount++
	}
	p.mu.Unlock()

	if p.observer != nil {
		p.observer.BatchChild(err == nil)
	}
}

// finalize moves b to its terminal state and emits batch.completed when a
// callback is configured.
func (p *Processor) finalize(ctx context.Context, b *Batch, faultErr string) {
	now := time.Now().UTC()

	p.mu.Lock()
	if b.State.Terminal() {
		p.mu.Unlock()
		return
	}
	if faultErr != "" {
		b.State = StateFailed
		b.Error = faultErr
	} else {
		b.State = StateCompleted
	}
	b.CompletedAt = &now
	state := b.State
	completedCount, failedCount := b.CompletedCount, b.FailedCount
	callback := b.CallbackURL
	owner := b.Owner
	summary := b.summary()
	p.mu.Unlock()

	slog.InfoContext(ctx, "batch_finished",
		slog.String("batch_id", b.ID),
		slog.String("state", string(state)),
		slog.Int("completed", completedCount),
		slog.Int("failed", failedCount),
	)

	if state == StateCompleted && callback != "" && p.events != nil {
		if _, err := p.events.TriggerEvent(ctx, owner, webhook.EventBatchCompleted, summary); err != nil {
			slog.WarnContext(ctx, "batch_callback_error",
				slog.String("batch_id", b.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}
