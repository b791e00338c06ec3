package router

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Ramblurr/roon-go/internal/wire"
)

type fakeSender struct {
	sent [][]byte
}

func (f *fakeSender) Send(data []byte) error {
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeSender) lastFrame(t *testing.T) *wire.Frame {
	t.Helper()
	if len(f.sent) == 0 {
		t.Fatal("no frame sent")
	}
	fr, ok := wire.Parse(f.sent[len(f.sent)-1])
	if !ok {
		t.Fatal("could not parse sent frame")
	}
	return fr
}

func waitCompletion(t *testing.T, c *Completion) (json.RawMessage, error) {
	t.Helper()
	select {
	case <-c.Done():
		return c.Result()
	case <-time.After(time.Second):
		t.Fatal("completion never fired")
		return nil, nil
	}
}

func TestRequestAllocatesIncreasingIDsAboveReservedRange(t *testing.T) {
	sender := &fakeSender{}
	r := New(sender, nil, make(chan SubscriptionEvent, 4))

	id1, _, err := r.Request("svc/method", nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	id2, _, err := r.Request("svc/method", nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	if id1 <= firstClientRequestID-1 {
		t.Errorf("id1 = %d, want > %d", id1, firstClientRequestID-1)
	}
	if id2 <= id1 {
		t.Errorf("id2 = %d, want > id1 (%d)", id2, id1)
	}
}

func TestCompleteSuccessResolvesCompletion(t *testing.T) {
	sender := &fakeSender{}
	r := New(sender, nil, make(chan SubscriptionEvent, 4))

	reqID, completion, err := r.Request("svc/method", map[string]int{"x": 1})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	data, err := wire.EncodeResponse(wire.VerbComplete, "Success", reqID, map[string]string{"ok": "yes"})
	if err != nil {
		t.Fatalf("EncodeResponse: %v", err)
	}
	frame, ok := wire.Parse(data)
	if !ok {
		t.Fatal("Parse failed")
	}

	r.HandleFrame(frame)

	body, err := waitCompletion(t, completion)
	if err != nil {
		t.Fatalf("completion error: %v", err)
	}
	if string(body) != `{"ok":"yes"}` {
		t.Errorf("body = %s", body)
	}
	if r.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d, want 0 after completion", r.PendingCount())
	}
}

func TestCompleteFailureSurfacesAsFailureError(t *testing.T) {
	sender := &fakeSender{}
	r := New(sender, nil, make(chan SubscriptionEvent, 4))

	reqID, completion, err := r.Request("svc/method", nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	data, _ := wire.EncodeResponse(wire.VerbComplete, "InvalidRequest", reqID, map[string]string{"detail": "bad"})
	frame, _ := wire.Parse(data)
	r.HandleFrame(frame)

	_, err = waitCompletion(t, completion)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var fail *Failure
	if !errors.As(err, &fail) {
		t.Fatalf("error is not *Failure: %v", err)
	}
	if fail.Name != "InvalidRequest" {
		t.Errorf("Name = %q", fail.Name)
	}
}

func TestUnknownRequestIDCompleteIsIgnored(t *testing.T) {
	sender := &fakeSender{}
	r := New(sender, nil, make(chan SubscriptionEvent, 4))

	data, _ := wire.EncodeResponse(wire.VerbComplete, "Success", 9999, nil)
	frame, _ := wire.Parse(data)

	r.HandleFrame(frame) // must not panic, must be a no-op
}

func TestSubscribeSubscribedContinueEmitsZonesSubscribed(t *testing.T) {
	sender := &fakeSender{}
	r := New(sender, nil, make(chan SubscriptionEvent, 4))

	if err := r.Subscribe("com.roonlabs.transport:2", "zones", nil); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	sentFrame := sender.lastFrame(t)
	if sentFrame.Name != "com.roonlabs.transport:2/subscribe_zones" {
		t.Errorf("Name = %q", sentFrame.Name)
	}

	data, _ := wire.EncodeResponse(wire.VerbContinue, "Subscribed", sentFrame.RequestID, map[string]string{"zones": "[]"})
	frame, _ := wire.Parse(data)
	r.HandleFrame(frame)
	// Subscribed continuations with no matching pending entry are a no-op;
	// the main assertion here is that dispatch does not panic and an event
	// is emitted below.

	events := r.events
	select {
	case ev := <-events:
		if ev.Kind != ZonesSubscribed {
			t.Errorf("Kind = %v, want ZonesSubscribed", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestZonesChangedEventClassification(t *testing.T) {
	sender := &fakeSender{}
	r := New(sender, nil, make(chan SubscriptionEvent, 4))

	r.Subscribe("com.roonlabs.transport:2", "zones", nil)
	sentFrame := sender.lastFrame(t)

	data, _ := wire.EncodeResponse(wire.VerbContinue, "Changed", sentFrame.RequestID, map[string]interface{}{
		"zones_changed": []interface{}{},
	})
	frame, _ := wire.Parse(data)
	r.HandleFrame(frame)

	select {
	case ev := <-r.events:
		if ev.Kind != ZonesChanged {
			t.Errorf("Kind = %v, want ZonesChanged", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestFailPendingDeliversToEveryEntryExactlyOnceAndClearsTable(t *testing.T) {
	sender := &fakeSender{}
	r := New(sender, nil, make(chan SubscriptionEvent, 4))

	_, c1, _ := r.Request("svc/a", nil)
	_, c2, _ := r.Request("svc/b", nil)

	disconnectErr := errors.New("disconnected")
	r.FailPending(disconnectErr)

	for _, c := range []*Completion{c1, c2} {
		_, err := waitCompletion(t, c)
		if !errors.Is(err, disconnectErr) {
			t.Errorf("err = %v, want %v", err, disconnectErr)
		}
	}

	if r.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d, want 0", r.PendingCount())
	}

	// A second FailPending call must not double-deliver (the table is
	// already empty, so there is nothing left to complete).
	r.FailPending(disconnectErr)
}

func TestFailPendingLeavesSubscriptionsIntact(t *testing.T) {
	sender := &fakeSender{}
	r := New(sender, nil, make(chan SubscriptionEvent, 4))

	r.Subscribe("com.roonlabs.transport:2", "zones", nil)
	if len(r.subscriptions) != 1 {
		t.Fatalf("expected one subscription before FailPending")
	}

	r.FailPending(errors.New("disconnected"))

	if len(r.subscriptions) != 1 {
		t.Errorf("subscriptions = %d, want 1 (unaffected by FailPending)", len(r.subscriptions))
	}
}

type fakeInbound struct {
	respond []byte
	ok      bool
	called  bool
}

func (f *fakeInbound) Dispatch(requestID uint64, uri string, body json.RawMessage) ([]byte, bool) {
	f.called = true
	return f.respond, f.ok
}

func TestInboundRequestDispatchedToServiceRegistry(t *testing.T) {
	sender := &fakeSender{}
	resp, _ := wire.EncodeResponse(wire.VerbComplete, "Success", 42, nil)
	inbound := &fakeInbound{respond: resp, ok: true}
	r := New(sender, inbound, make(chan SubscriptionEvent, 4))

	data, _ := wire.EncodeRequest(42, "com.roonlabs.ping:1/ping", nil)
	frame, _ := wire.Parse(data)
	r.HandleFrame(frame)

	if !inbound.called {
		t.Fatal("inbound handler was not called")
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected the dispatch response to be sent, got %d sends", len(sender.sent))
	}
}

func TestSweepStaleReapsOldEntriesOnly(t *testing.T) {
	sender := &fakeSender{}
	r := New(sender, nil, make(chan SubscriptionEvent, 4))

	_, oldCompletion, _ := r.Request("svc/old", nil)
	oldCompletion.createdAt = time.Now().Add(-time.Hour)

	_, freshCompletion, _ := r.Request("svc/fresh", nil)

	n := r.SweepStale(time.Minute)
	if n != 1 {
		t.Fatalf("SweepStale reaped %d entries, want 1", n)
	}

	_, err := waitCompletion(t, oldCompletion)
	if !errors.Is(err, ErrStale) {
		t.Errorf("old completion err = %v, want ErrStale", err)
	}

	select {
	case <-freshCompletion.Done():
		t.Fatal("fresh completion should not have been reaped")
	default:
	}

	if r.PendingCount() != 1 {
		t.Errorf("PendingCount() = %d, want 1 (fresh entry survives)", r.PendingCount())
	}
}

func TestRegisteredContinueLeavesEntryPendingAndCompleteIsIdempotent(t *testing.T) {
	sender := &fakeSender{}
	r := New(sender, nil, make(chan SubscriptionEvent, 4))

	reqID, completion, err := r.Request("com.roonlabs.registry:1/register", nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	data, _ := wire.EncodeResponse(wire.VerbContinue, "Registered", reqID, map[string]string{"core_id": "abc"})
	frame, _ := wire.Parse(data)
	r.HandleFrame(frame)

	body, err := waitCompletion(t, completion)
	if err != nil {
		t.Fatalf("completion error: %v", err)
	}
	if string(body) != `{"core_id":"abc"}` {
		t.Errorf("body = %s", body)
	}

	// A Registered CONTINUE must not remove the entry from pending (the
	// caller may still be registered against a later disconnect).
	if r.PendingCount() != 1 {
		t.Fatalf("PendingCount() = %d, want 1 (Registered leaves the entry pending)", r.PendingCount())
	}

	// FailPending reaching an already-completed entry must not panic on a
	// double close, and must not overwrite the original result.
	r.FailPending(errors.New("disconnected"))

	body, err = completion.Result()
	if err != nil {
		t.Fatalf("completion result after FailPending changed: %v", err)
	}
	if string(body) != `{"core_id":"abc"}` {
		t.Errorf("body after FailPending = %s, want unchanged", body)
	}
}

func TestSweepStaleOnAlreadyCompletedEntryDoesNotPanic(t *testing.T) {
	sender := &fakeSender{}
	r := New(sender, nil, make(chan SubscriptionEvent, 4))

	reqID, completion, _ := r.Request("com.roonlabs.registry:1/register", nil)

	data, _ := wire.EncodeResponse(wire.VerbContinue, "Registered", reqID, map[string]string{"core_id": "abc"})
	frame, _ := wire.Parse(data)
	r.HandleFrame(frame)

	if _, err := waitCompletion(t, completion); err != nil {
		t.Fatalf("completion error: %v", err)
	}

	completion.createdAt = time.Now().Add(-time.Hour)
	n := r.SweepStale(time.Minute)
	if n != 1 {
		t.Fatalf("SweepStale reaped %d entries, want 1", n)
	}

	body, err := completion.Result()
	if err != nil {
		t.Fatalf("completion result after SweepStale changed: %v", err)
	}
	if string(body) != `{"core_id":"abc"}` {
		t.Errorf("body after SweepStale = %s, want unchanged", body)
	}
}

func TestRunSweepLoopStopsWhenContextDone(t *testing.T) {
	sender := &fakeSender{}
	r := New(sender, nil, make(chan SubscriptionEvent, 4))

	_, completion, _ := r.Request("svc/old", nil)
	completion.createdAt = time.Now().Add(-time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		r.RunSweepLoop(ctx, 10*time.Millisecond, time.Minute)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunSweepLoop did not return after ctx expired")
	}

	if _, err := waitCompletion(t, completion); !errors.Is(err, ErrStale) {
		t.Errorf("err = %v, want ErrStale", err)
	}
}
