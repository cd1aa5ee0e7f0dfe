package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaypoint/model-gateway/pkg/apierr"
)

const (
	// DefaultDeliveryTimeout bounds a single delivery attempt.
	DefaultDeliveryTimeout = 10 * time.Second

	maxResponseBody = 4 << 10
)

// defaultBackoff waits 2^attempt seconds after the given failed attempt.
func defaultBackoff(attempt int) time.Duration {
	return time.Duration(1<<attempt) * time.Second
}

// Observer counts delivery outcomes. The metrics registry implements it.
type Observer interface {
	WebhookDelivery(success bool)
}

// Dispatcher appends events and delivers them to subscribed webhooks.
//
// Each webhook gets its own worker goroutine fed by an ordered queue, so
// deliveries to one webhook happen in trigger order while distinct webhooks
// proceed independently. Delivery is at-least-once; consumers deduplicate
// by event id. A failed delivery never propagates to the caller of
// TriggerEvent.
type Dispatcher struct {
	store    *Store
	client   *http.Client
	timeout  time.Duration
	backoff  func(attempt int) time.Duration
	observer Observer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	workers    map[string]*worker
	events     []*Event
	eventsByID map[string]*Event
	deliveries []*Delivery
	byID       map[string]*Delivery
	closed     bool
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithHTTPClient replaces the delivery HTTP client.
func WithHTTPClient(c *http.Client) DispatcherOption {
	return func(d *Dispatcher) { d.client = c }
}

// WithDeliveryTimeout bounds each delivery attempt.
func WithDeliveryTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.timeout = t }
}

// WithBackoff replaces the retry backoff schedule.
func WithBackoff(fn func(attempt int) time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.backoff = fn }
}

// WithObserver reports every delivery attempt outcome to o.
func WithObserver(o Observer) DispatcherOption {
	return func(d *Dispatcher) { d.observer = o }
}

// NewDispatcher creates a dispatcher over the given webhook store. The
// context bounds all background delivery work.
func NewDispatcher(ctx context.Context, store *Store, opts ...DispatcherOption) (*Dispatcher, error) {
	if ctx == nil {
		return nil, fmt.Errorf("webhook: context must not be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("webhook: store must not be nil")
	}

	dctx, cancel := context.WithCancel(ctx)
	d := &Dispatcher{
		store:      store,
		client:     &http.Client{Timeout: DefaultDeliveryTimeout},
		timeout:    DefaultDeliveryTimeout,
		backoff:    defaultBackoff,
		ctx:        dctx,
		cancel:     cancel,
		workers:    make(map[string]*worker),
		eventsByID: make(map[string]*Event),
		byID:       make(map[string]*Delivery),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Close stops all delivery workers. In-flight attempts are abandoned.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
	return nil
}

// ── Event emission ────────────────────────────────────────────────────────────

// TriggerEvent appends an event and fans it out to every active webhook of
// owner subscribed to typ. The event is recorded even when no webhook
// matches. Delivery happens in the background.
func (d *Dispatcher) TriggerEvent(ctx context.Context, owner string, typ EventType, data map[string]any) (*Event, error) {
	if !typ.Valid() {
		return nil, apierr.Newf(apierr.KindInvalidRequest, "unknown event type %q", typ)
	}
	if owner == "" {
		return nil, apierr.New(apierr.KindInvalidRequest, "owner is required")
	}

	ev := &Event{
		ID:    "evt-" + uuid.NewString(),
		TS:    time.Now().UTC(),
		Owner: owner,
		Type:  typ,
		Data:  data,
	}
	subs := d.store.subscribers(owner, typ)

	// Appending and enqueueing under one lock keeps each webhook's queue in
	// event-log order even when triggers race.
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, fmt.Errorf("webhook: dispatcher closed")
	}
	d.events = append(d.events, ev)
	d.eventsByID[ev.ID] = ev
	for _, wh := range subs {
		d.enqueueLocked(wh, ev)
	}
	d.mu.Unlock()

	slog.DebugContext(ctx, "event_triggered",
		slog.String("event_id", ev.ID),
		slog.String("type", string(typ)),
		slog.String("owner", owner),
		slog.Int("webhooks", len(subs)),
	)
	return cloneEvent(ev), nil
}

// Events returns owner's events in trigger order.
func (d *Dispatcher) Events(owner string) []*Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []*Event
	for _, ev := range d.events {
		if ev.Owner == owner {
			out = append(out, cloneEvent(ev))
		}
	}
	return out
}

// Deliveries returns the delivery history for one webhook, oldest first.
func (d *Dispatcher) Deliveries(webhookID, owner string) ([]*Delivery, error) {
	if _, err := d.store.Get(webhookID, owner); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var out []*Delivery
	for _, del := range d.deliveries {
		if del.WebhookID == webhookID {
			cp := *del
			out = append(out, &cp)
		}
	}
	return out, nil
}

// RetryDelivery re-attempts one delivery synchronously, incrementing its
// attempt counter. The webhook must still belong to owner.
func (d *Dispatcher) RetryDelivery(deliveryID, owner string) (*Delivery, error) {
	d.mu.Lock()
	del, ok := d.byID[deliveryID]
	var ev *Event
	if ok {
		ev = d.eventsByID[del.EventID]
	}
	d.mu.Unlock()

	if !ok || ev == nil || ev.Owner != owner {
		return nil, apierr.Newf(apierr.KindNotFound, "delivery %s not found", deliveryID)
	}
	wh, err := d.store.Get(del.WebhookID, owner)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("webhook: encode event: %w", err)
	}
	status, respBody, sendErr := d.send(d.ctx, wh, body)
	success := sendErr == nil

	d.mu.Lock()
	del.Attempt++
	del.TS = time.Now().UTC()
	del.Success = success
	del.StatusCode = status
	del.ResponseBody = respBody
	del.NextRetry = nil
	cp := *del
	d.mu.Unlock()

	d.store.recordStatus(wh.ID, status)
	if d.observer != nil {
		d.observer.WebhookDelivery(success)
	}
	return &cp, nil
}

// ── Ordered per-webhook workers ───────────────────────────────────────────────

type job struct {
	webhook *Config
	event   *Event
}

// worker is an unbounded FIFO queue drained by one goroutine, so deliveries
// to a single webhook keep trigger order without ever blocking TriggerEvent.
type worker struct {
	mu      sync.Mutex
	pending []job
	wake    chan struct{}
}

func (w *worker) push(j job) {
	w.mu.Lock()
	w.pending = append(w.pending, j)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *worker) pop() (job, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) == 0 {
		return job{}, false
	}
	j := w.pending[0]
	w.pending = w.pending[1:]
	return j, true
}

// enqueueLocked hands a job to wh's worker, starting one on first use.
// Caller holds d.mu.
func (d *Dispatcher) enqueueLocked(wh *Config, ev *Event) {
	w, ok := d.workers[wh.ID]
	if !ok {
		w = &worker{wake: make(chan struct{}, 1)}
		d.workers[wh.ID] = w
		d.wg.Add(1)
		go d.runWorker(w)
	}
	w.push(job{webhook: wh, event: ev})
}

func (d *Dispatcher) runWorker(w *worker) {
	defer d.wg.Done()

	for {
		j, ok := w.pop()
		if !ok {
			select {
			case <-w.wake:
				continue
			case <-d.ctx.Done():
				return
			}
		}
		d.deliver(d.ctx, j.webhook, j.event)
	}
}

// ── Delivery ──────────────────────────────────────────────────────────────────

// deliver sends ev to wh, retrying up to wh.Retries times. One Delivery
// record tracks all attempts.
func (d *Dispatcher) deliver(ctx context.Context, wh *Config, ev *Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		slog.WarnContext(ctx, "webhook_encode_error",
			slog.String("event_id", ev.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	del := &Delivery{
		ID:        "dlv-" + uuid.NewString(),
		WebhookID: wh.ID,
		EventID:   ev.ID,
	}
	d.mu.Lock()
	d.deliveries = append(d.deliveries, del)
	d.byID[del.ID] = del
	d.mu.Unlock()

	maxAttempts := wh.Retries + 1
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		status, respBody, sendErr := d.send(ctx, wh, body)
		success := sendErr == nil
		now := time.Now().UTC()

		d.mu.Lock()
		del.Attempt = attempt
		del.TS = now
		del.Success = success
		del.StatusCode = status
		del.ResponseBody = respBody
		del.NextRetry = nil
		d.mu.Unlock()

		d.store.recordStatus(wh.ID, status)
		if d.observer != nil {
			d.observer.WebhookDelivery(success)
		}

		if success {
			slog.DebugContext(ctx, "webhook_delivered",
				slog.String("webhook_id", wh.ID),
				slog.String("event_id", ev.ID),
				slog.Int("attempt", attempt),
			)
			return
		}

		slog.WarnContext(ctx, "webhook_delivery_failed",
			slog.String("webhook_id", wh.ID),
			slog.String("event_id", ev.ID),
			slog.Int("attempt", attempt),
			slog.Int("status", status),
			slog.String("error", sendErr.Error()),
		)

		if attempt == maxAttempts {
			return
		}

		delay := d.backoff(attempt)
		next := now.Add(delay)
		d.mu.Lock()
		del.NextRetry = &next
		d.mu.Unlock()

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// send performs one HTTP delivery attempt. Success is a 2xx response within
// the delivery timeout.
func (d *Dispatcher) send(ctx context.Context, wh *Config, body []byte) (status int, responseBody string, err error) {
	reqCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, wh.URL, bytes.NewReader(body))
	if err != nil {
		return 0, "", fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range wh.Headers {
		req.Header.Set(k, v)
	}
	if wh.Secret != "" {
		req.Header.Set("X-Signature", Sign(wh.Secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("webhook: send: %w", err)
	}
	defer resp.Body.Close()

	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, string(b), fmt.Errorf("webhook: http %d", resp.StatusCode)
	}
	return resp.StatusCode, string(b), nil
}

func cloneEvent(ev *Event) *Event {
	cp := *ev
	if ev.Data != nil {
		cp.Data = make(map[string]any, len(ev.Data))
		for k, v := range ev.Data {
			cp.Data[k] = v
		}
	}
	return &cp
}
