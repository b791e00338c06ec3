// ABOUTME: Request router for the Core remote-control protocol
// ABOUTME: Owns the pending-request table, subscription table, and inbound dispatch
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/Ramblurr/roon-go/internal/wire"
)

// ErrStale is delivered to a pending Completion the sweep loop reaps
// because no terminal response arrived within its max age.
var ErrStale = errors.New("router: request abandoned (stale)")

// firstClientRequestID is the first id the client's own counter allocates;
// ids below it are reserved.
const firstClientRequestID = 10

// Failure carries a non-success terminal response so callers can inspect
// the Core's reported name/body.
type Failure struct {
	Name string
	Body json.RawMessage
}

func (f *Failure) Error() string {
	return fmt.Sprintf("request failed: %s", f.Name)
}

// Completion is a single-assignment result sink for one outbound request.
// A Registered CONTINUE completes it without removing it from the pending
// table (the spec's "do not remove" registration carve-out), so a later
// FailPending or SweepStale pass can still reach the same entry — complete
// must tolerate being called more than once.
type Completion struct {
	once      sync.Once
	done      chan struct{}
	body      json.RawMessage
	err       error
	createdAt time.Time
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{}), createdAt: time.Now()}
}

// Done returns a channel that is closed exactly once the request
// completes (successfully or with an error).
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Result returns the completion's outcome. Must only be read after Done
// has fired.
func (c *Completion) Result() (json.RawMessage, error) {
	return c.body, c.err
}

// complete assigns the outcome and closes done on the first call only;
// later calls (a stale sweep or FailPending reaching an entry a Registered
// continuation already resolved) are no-ops.
func (c *Completion) complete(body json.RawMessage, err error) {
	c.once.Do(func() {
		c.body = body
		c.err = err
		close(c.done)
	})
}

// Subscription tracks one outbound consumed subscription.
type Subscription struct {
	Topic     string
	RequestID uint64
}

// EventKind identifies a dispatched subscription event.
type EventKind string

const (
	ZonesSubscribed   EventKind = "ZonesSubscribed"
	ZonesChanged      EventKind = "ZonesChanged"
	ZonesAdded        EventKind = "ZonesAdded"
	ZonesRemoved      EventKind = "ZonesRemoved"
	ZonesSeekChanged  EventKind = "ZonesSeekChanged"
	OutputsSubscribed EventKind = "OutputsSubscribed"
	OutputsChanged    EventKind = "OutputsChanged"
	OutputsAdded      EventKind = "OutputsAdded"
	OutputsRemoved    EventKind = "OutputsRemoved"
	QueueSubscribed   EventKind = "QueueSubscribed"
	QueueChanged      EventKind = "QueueChanged"
)

// SubscriptionEvent is delivered to the events sink for every CONTINUE
// frame that matches an active subscription's request_id.
type SubscriptionEvent struct {
	Kind EventKind
	Body json.RawMessage
}

// Sender enqueues an already-encoded outbound frame. The router never
// writes to the transport directly; it goes through this indirection so
// it can be tested without a live socket.
type Sender interface {
	Send(data []byte) error
}

// InboundHandler dispatches an inbound REQUEST frame to provided services
//. The router calls this for every REQUEST it receives.
type InboundHandler interface {
	Dispatch(requestID uint64, uri string, body json.RawMessage) (respFrame []byte, ok bool)
}

// Router owns request-id/subscription-key allocation, the pending-request
// table, the subscription table, and inbound REQUEST dispatch.
type Router struct {
	sender  Sender
	inbound InboundHandler

	nextRequestID uint64
	nextSubKey    uint64

	mu            sync.Mutex
	pending       map[uint64]*Completion
	subscriptions map[uint64]Subscription

	events chan SubscriptionEvent
}

// New creates a Router. events is the bounded, drop-oldest sink for
// subscription events.
func New(sender Sender, inbound InboundHandler, events chan SubscriptionEvent) *Router {
	return &Router{
		sender:        sender,
		inbound:       inbound,
		nextRequestID: firstClientRequestID - 1,
		pending:       make(map[uint64]*Completion),
		subscriptions: make(map[uint64]Subscription),
		events:        events,
	}
}

// Request encodes and sends a REQUEST frame and returns a Completion the
// caller can wait on. The pending entry persists until a terminal frame
// arrives or the connection fails — a caller-side timeout does not remove
// it.
func (r *Router) Request(uri string, body interface{}) (uint64, *Completion, error) {
	reqID := atomic.AddUint64(&r.nextRequestID, 1)

	completion := newCompletion()
	r.mu.Lock()
	r.pending[reqID] = completion
	r.mu.Unlock()

	data, err := wire.EncodeRequest(reqID, uri, body)
	if err != nil {
		r.mu.Lock()
		delete(r.pending, reqID)
		r.mu.Unlock()
		return 0, nil, fmt.Errorf("router: encode request: %w", err)
	}

	if err := r.sender.Send(data); err != nil {
		r.mu.Lock()
		delete(r.pending, reqID)
		r.mu.Unlock()
		return 0, nil, fmt.Errorf("router: send request: %w", err)
	}

	return reqID, completion, nil
}

// Subscribe sends a "subscribe_<topic>" request and installs a
// subscription entry keyed by a freshly allocated subscription key
//. It does not wait for a response; subsequent CONTINUE
// frames sharing the request_id are translated into typed events.
func (r *Router) Subscribe(service, topic string, extra map[string]interface{}) error {
	reqID := atomic.AddUint64(&r.nextRequestID, 1)
	subKey := atomic.AddUint64(&r.nextSubKey, 1) - 1

	r.mu.Lock()
	r.subscriptions[subKey] = Subscription{Topic: topic, RequestID: reqID}
	r.mu.Unlock()

	body := map[string]interface{}{"subscription_key": subKey}
	for k, v := range extra {
		body[k] = v
	}

	uri := fmt.Sprintf("%s/subscribe_%s", service, topic)
	data, err := wire.EncodeRequest(reqID, uri, body)
	if err != nil {
		r.mu.Lock()
		delete(r.subscriptions, subKey)
		r.mu.Unlock()
		return fmt.Errorf("router: encode subscribe: %w", err)
	}

	if err := r.sender.Send(data); err != nil {
		r.mu.Lock()
		delete(r.subscriptions, subKey)
		r.mu.Unlock()
		return fmt.Errorf("router: send subscribe: %w", err)
	}

	return nil
}

// HandleFrame dispatches one decoded inbound frame by verb: terminal
// responses, subscription continuations, and inbound requests from the
// Core.
func (r *Router) HandleFrame(f *wire.Frame) {
	switch f.Verb {
	case wire.VerbComplete:
		r.handleComplete(f)
	case wire.VerbContinue:
		r.handleContinue(f)
	case wire.VerbRequest:
		r.handleInboundRequest(f)
	}
}

func (r *Router) handleComplete(f *wire.Frame) {
	r.mu.Lock()
	completion, ok := r.pending[f.RequestID]
	if ok {
		delete(r.pending, f.RequestID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	if f.Name == "Success" || f.Name == "Registered" {
		completion.complete(frameBody(f), nil)
	} else {
		completion.complete(nil, &Failure{Name: f.Name, Body: frameBody(f)})
	}
}

func (r *Router) handleContinue(f *wire.Frame) {
	if f.Name == "Registered" {
		r.mu.Lock()
		completion := r.pending[f.RequestID]
		r.mu.Unlock()
		if completion != nil {
			completion.complete(frameBody(f), nil)
		}
	}

	r.mu.Lock()
	var matches []Subscription
	for _, sub := range r.subscriptions {
		if sub.RequestID == f.RequestID {
			matches = append(matches, sub)
		}
	}
	r.mu.Unlock()

	for _, sub := range matches {
		kind, ok := classify(sub.Topic, f.Name, frameBody(f))
		if !ok {
			continue
		}
		r.emit(SubscriptionEvent{Kind: kind, Body: frameBody(f)})
	}
}

func (r *Router) handleInboundRequest(f *wire.Frame) {
	if r.inbound == nil {
		return
	}
	data, ok := r.inbound.Dispatch(f.RequestID, f.Name, frameBody(f))
	if !ok {
		return
	}
	_ = r.sender.Send(data)
}

// FailPending completes every pending entry with a disconnect error and
// clears the table. Subscriptions are left intact — the spec does not
// automatically re-arm them across a reconnect.
func (r *Router) FailPending(err error) {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[uint64]*Completion)
	r.mu.Unlock()

	for _, completion := range pending {
		completion.complete(nil, err)
	}
}

// PendingCount reports the number of in-flight requests, for tests and
// diagnostics.
func (r *Router) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// SweepStale completes and evicts every pending entry older than maxAge
// with ErrStale, and reports how many it reaped. A caller that already
// gave up waiting on a Completion never sees this; it exists so the
// pending table doesn't grow unbounded when a Core drops a request on
// the floor without ever sending a terminal response.
func (r *Router) SweepStale(maxAge time.Duration) int {
	now := time.Now()

	r.mu.Lock()
	var stale []*Completion
	for id, c := range r.pending {
		if now.Sub(c.createdAt) > maxAge {
			stale = append(stale, c)
			delete(r.pending, id)
		}
	}
	r.mu.Unlock()

	for _, c := range stale {
		c.complete(nil, ErrStale)
	}
	return len(stale)
}

// RunSweepLoop periodically calls SweepStale until ctx is done. Sweep
// executions are paced by a rate.Limiter rather than a bare ticker so a
// short interval can be used for responsiveness without the sweep itself
// running any more often than once per interval.
func (r *Router) RunSweepLoop(ctx context.Context, interval, maxAge time.Duration) {
	limiter := rate.NewLimiter(rate.Every(interval), 1)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if limiter.Allow() {
				r.SweepStale(maxAge)
			}
		}
	}
}

func (r *Router) emit(ev SubscriptionEvent) {
	select {
	case r.events <- ev:
	default:
		// Bounded drop-oldest: make room for the newest event rather than
		// stall the receive pump.
		select {
		case <-r.events:
		default:
		}
		select {
		case r.events <- ev:
		default:
		}
	}
}

func frameBody(f *wire.Frame) json.RawMessage {
	if f.Body != nil {
		return f.Body
	}
	return nil
}

// classify maps a subscription topic and response name to a typed event
// kind.
func classify(topic, name string, body json.RawMessage) (EventKind, bool) {
	switch topic {
	case "zones":
		if name == "Subscribed" {
			return ZonesSubscribed, true
		}
		return classifyByKey(body, map[string]EventKind{
			"zones_changed":      ZonesChanged,
			"zones_added":        ZonesAdded,
			"zones_removed":      ZonesRemoved,
			"zones_seek_changed": ZonesSeekChanged,
		}, ZonesChanged), true

	case "outputs":
		if name == "Subscribed" {
			return OutputsSubscribed, true
		}
		return classifyByKey(body, map[string]EventKind{
			"outputs_changed": OutputsChanged,
			"outputs_added":   OutputsAdded,
			"outputs_removed": OutputsRemoved,
		}, OutputsChanged), true

	case "queue":
		if name == "Subscribed" {
			return QueueSubscribed, true
		}
		return QueueChanged, true

	default:
		return "", false
	}
}

// classifyByKey inspects which well-known key is present in a JSON object
// body and returns the matching event kind, falling back to def.
func classifyByKey(body json.RawMessage, byKey map[string]EventKind, def EventKind) EventKind {
	if body == nil {
		return def
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return def
	}
	for key, kind := range byKey {
		if _, ok := obj[key]; ok {
			return kind
		}
	}
	return def
}
