// ABOUTME: Connection supervisor composing the codec, transport, router, and provided-service registry
// ABOUTME: Owns the registration handshake, send/receive pumps, and auto-reconnect loop
package roon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Ramblurr/roon-go/internal/config"
	"github.com/Ramblurr/roon-go/internal/coreinfo"
	"github.com/Ramblurr/roon-go/internal/discovery"
	"github.com/Ramblurr/roon-go/internal/persist"
	"github.com/Ramblurr/roon-go/internal/router"
	"github.com/Ramblurr/roon-go/internal/services"
	"github.com/Ramblurr/roon-go/internal/transport"
	"github.com/Ramblurr/roon-go/internal/wire"
	"github.com/Ramblurr/roon-go/internal/xlog"
)

// Sentinel errors surfaced to callers.
var (
	ErrDisconnected       = errors.New("roon: disconnected")
	ErrNotConnected       = errors.New("roon: not connected")
	ErrTimeout            = errors.New("roon: request timed out")
	ErrRegistrationFailed = errors.New("roon: registration failed")
)

// RequestFailure carries a non-success terminal response for
// errors.As-based inspection.
type RequestFailure = router.Failure

// Status is the connection lifecycle state.
type Status string

const (
	StatusDisconnected  Status = "Disconnected"
	StatusConnecting    Status = "Connecting"
	StatusConnected     Status = "Connected"
	StatusDisconnecting Status = "Disconnecting"
)

// EventKind enumerates every tagged value the events sink can deliver.
type EventKind string

const (
	EventRegistered        EventKind = "Registered"
	EventReconnecting      EventKind = "Reconnecting"
	EventReconnected       EventKind = "Reconnected"
	EventDisconnected      EventKind = "Disconnected"
	EventZonesSubscribed   EventKind = EventKind(router.ZonesSubscribed)
	EventZonesChanged      EventKind = EventKind(router.ZonesChanged)
	EventZonesAdded        EventKind = EventKind(router.ZonesAdded)
	EventZonesRemoved      EventKind = EventKind(router.ZonesRemoved)
	EventZonesSeekChanged  EventKind = EventKind(router.ZonesSeekChanged)
	EventOutputsSubscribed EventKind = EventKind(router.OutputsSubscribed)
	EventOutputsChanged    EventKind = EventKind(router.OutputsChanged)
	EventOutputsAdded      EventKind = EventKind(router.OutputsAdded)
	EventOutputsRemoved    EventKind = EventKind(router.OutputsRemoved)
	EventQueueSubscribed   EventKind = EventKind(router.QueueSubscribed)
	EventQueueChanged      EventKind = EventKind(router.QueueChanged)
	EventCoreFound         EventKind = "CoreFound"
	EventCoreLost          EventKind = "CoreLost"
	EventCorePaired        EventKind = "CorePaired"
	EventPairingChanged    EventKind = "PairingChanged"
)

// Event is one tagged value delivered on the events sink.
type Event struct {
	Kind EventKind
	Data interface{}
}

// RegisteredData is the payload for Registered/Reconnected events.
type RegisteredData struct {
	CoreID         string
	DisplayName    string
	DisplayVersion string
}

// DisconnectedData is the payload for a Disconnected event.
type DisconnectedData struct {
	Reason string
	Code   int
}

// ReconnectingData is the payload for a Reconnecting event.
type ReconnectingData struct {
	Attempt   int
	BackoffMS int64
}

const eventsSinkCapacity = 32
const sendQueueCapacity = 64

// defaultSweepMaxAge bounds the pending-request sweep when the caller
// leaves cfg.Timeout unset; defaultSweepInterval is used then too, and also
// caps the sweep interval when cfg.Timeout is longer than it.
const defaultSweepMaxAge = 60 * time.Second
const defaultSweepInterval = 5 * time.Second

// txSender adapts the connection's current outbound queue (replaced on
// every reconnect, since it belongs to that connection attempt's send
// pump) into the stable router.Sender/services.Sender interface the
// router and service registry hold for the connection's lifetime.
type txSender struct {
	mu    sync.RWMutex
	queue chan []byte
}

func (s *txSender) set(queue chan []byte) {
	s.mu.Lock()
	s.queue = queue
	s.mu.Unlock()
}

func (s *txSender) Send(data []byte) error {
	s.mu.RLock()
	q := s.queue
	s.mu.RUnlock()
	if q == nil {
		return ErrNotConnected
	}
	select {
	case q <- data:
		return nil
	default:
		return errors.New("roon: send queue full")
	}
}

// disconnectError carries a close reason/code from the receive pump
// through errgroup.Wait to the pump supervisor.
type disconnectError struct {
	reason string
	code   int
}

func (e *disconnectError) Error() string { return e.reason }

// Connection is the public supervisor: it owns one logical connection to a
// Core, reconnecting as needed, and exposes request/subscribe/broadcast on
// top of the wire protocol.
type Connection struct {
	cfg config.Config
	log *xlog.Logger

	sender  *txSender
	router  *router.Router
	svcs    *services.Registry
	pairing *services.Pairing

	events chan Event

	mu                     sync.RWMutex
	status                 Status
	tx                     *transport.Transport
	cancelPumps            context.CancelFunc
	coreInfo               coreinfo.Info
	token                  string
	explicitlyDisconnected bool

	reconnecting atomic.Bool

	rootCtx    context.Context
	rootCancel context.CancelFunc

	state *persist.State

	onCoreLost func(coreID string)
}

// Option configures a Connection at construction time.
type Option func(*Connection)

// WithOnCoreLost installs the callback invoked when pair() replaces a
// different, already-paired core.
func WithOnCoreLost(fn func(coreID string)) Option {
	return func(c *Connection) { c.onCoreLost = fn }
}

// WithPersistedState seeds the connection with previously saved tokens and
// pairing state (see internal/persist).
func WithPersistedState(state *persist.State) Option {
	return func(c *Connection) { c.state = state }
}

// New builds a Connection with the built-in Ping and Pairing services
// registered. It does not connect; call Start.
func New(cfg config.Config, opts ...Option) *Connection {
	rootCtx, rootCancel := context.WithCancel(context.Background())

	c := &Connection{
		cfg:        cfg,
		log:        xlog.New("roon"),
		sender:     &txSender{},
		events:     make(chan Event, eventsSinkCapacity),
		status:     StatusDisconnected,
		state:      persist.New(),
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.svcs = services.New(c.sender)
	c.svcs.Register(services.NewPing())
	pairingSvc, pairing := services.NewPairing(func(previous string) {
		if c.onCoreLost != nil {
			c.onCoreLost(previous)
		}
		c.emit(Event{Kind: EventPairingChanged, Data: previous})
	})
	c.pairing = pairing
	c.svcs.Register(pairingSvc)

	c.router = router.New(c.sender, dispatcherFunc(c.svcs.Dispatch), routerEventsAdapter(c))

	sweepMaxAge := 2 * cfg.Timeout
	if sweepMaxAge <= 0 {
		sweepMaxAge = defaultSweepMaxAge
	}
	sweepInterval := cfg.Timeout
	if sweepInterval <= 0 || sweepInterval > defaultSweepInterval {
		sweepInterval = defaultSweepInterval
	}
	go c.router.RunSweepLoop(c.rootCtx, sweepInterval, sweepMaxAge)

	return c
}

// dispatcherFunc adapts a plain function to router.InboundHandler.
type dispatcherFunc func(requestID uint64, uri string, body json.RawMessage) ([]byte, bool)

func (f dispatcherFunc) Dispatch(requestID uint64, uri string, body json.RawMessage) ([]byte, bool) {
	return f(requestID, uri, body)
}

// routerEventsAdapter builds the subscription-event channel the router
// writes to, fanning each one into the connection's typed Events sink.
func routerEventsAdapter(c *Connection) chan router.SubscriptionEvent {
	ch := make(chan router.SubscriptionEvent, eventsSinkCapacity)
	go func() {
		for ev := range ch {
			c.emit(Event{Kind: EventKind(ev.Kind), Data: ev.Body})
		}
	}()
	return ch
}

// RegisterProvidedService installs a service at any time, before or after
// connecting.
func (c *Connection) RegisterProvidedService(svc *services.Service) {
	c.svcs.Register(svc)
}

// GetServiceInstance retrieves a registered provided-service spec by name.
func (c *Connection) GetServiceInstance(name string) (*services.Service, bool) {
	return c.svcs.Lookup(name)
}

// Broadcast pushes body to every current subscriber of the named
// provided-service subscription.
func (c *Connection) Broadcast(subscriptionName string, body interface{}) {
	c.svcs.Broadcast(subscriptionName, body)
}

// Events returns the connection's single tagged-event stream.
func (c *Connection) Events() <-chan Event {
	return c.events
}

// Status reports the current lifecycle state.
func (c *Connection) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Connected reports whether the connection is currently usable.
func (c *Connection) Connected() bool {
	return c.Status() == StatusConnected
}

func (c *Connection) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

func (c *Connection) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		select {
		case <-c.events:
		default:
		}
		select {
		case c.events <- ev:
		default:
		}
	}
}

// Start opens the socket, registers, and begins the send/receive pumps. On
// failure the supervisor does not itself retry the initial attempt; the
// caller decides whether to call Start again.
func (c *Connection) Start(ctx context.Context) error {
	c.mu.Lock()
	c.explicitlyDisconnected = false
	c.mu.Unlock()

	return c.connectAndRegister(ctx)
}

func (c *Connection) connectAndRegister(ctx context.Context) error {
	c.setStatus(StatusConnecting)

	tx, err := transport.Connect(ctx, c.cfg.Host, c.cfg.Port)
	if err != nil {
		c.setStatus(StatusDisconnected)
		return fmt.Errorf("roon: connect: %w", err)
	}

	outbox := make(chan []byte, sendQueueCapacity)
	pumpCtx, cancelPumps := context.WithCancel(context.Background())

	c.mu.Lock()
	c.tx = tx
	c.cancelPumps = cancelPumps
	c.mu.Unlock()
	c.sender.set(outbox)

	// One errgroup per connection attempt supervises the send/receive pump
	// pair's joint lifecycle: either pump returning ends the attempt, and
	// the other is cancelled via gctx rather than left running against a
	// dead socket.
	g, gctx := errgroup.WithContext(pumpCtx)
	g.Go(func() error { return c.sendPump(gctx, tx, outbox) })
	g.Go(func() error { return c.receivePump(gctx, tx) })
	go func() { c.onPumpsDone(g.Wait()) }()

	if err := c.register(); err != nil {
		cancelPumps()
		tx.Abort()
		c.setStatus(StatusDisconnected)
		return err
	}

	c.setStatus(StatusConnected)
	return nil
}

func (c *Connection) register() error {
	identity := c.buildIdentity()

	reqID, completion, err := c.router.Request("com.roonlabs.registry:1/register", identity)
	_ = reqID
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}

	select {
	case <-completion.Done():
	case <-time.After(c.cfg.Timeout):
		return ErrTimeout
	}

	body, err := completion.Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}

	info := coreinfo.FromRegistered(body)
	c.mu.Lock()
	c.coreInfo = info
	c.mu.Unlock()

	var tokenBody struct {
		Token string `json:"token"`
	}
	_ = json.Unmarshal(body, &tokenBody)
	if tokenBody.Token != "" {
		c.mu.Lock()
		c.token = tokenBody.Token
		c.state = persist.Extract(c.state, info.CoreID, tokenBody.Token, c.state.PairedCoreID)
		c.mu.Unlock()
	}

	c.emit(Event{Kind: EventRegistered, Data: RegisteredData{
		CoreID:         info.CoreID,
		DisplayName:    info.DisplayName,
		DisplayVersion: info.DisplayVersion,
	}})

	return nil
}

func (c *Connection) buildIdentity() map[string]interface{} {
	extensionID := c.cfg.ExtensionID
	if extensionID == "" {
		extensionID = uuid.New().String()
		c.cfg.ExtensionID = extensionID
		c.log.Printf("no extension id configured, generated %s", extensionID)
	}

	identity := map[string]interface{}{
		"extension_id":      extensionID,
		"display_name":      c.cfg.DisplayName,
		"display_version":   c.cfg.DisplayVersion,
		"publisher":         c.cfg.Publisher,
		"email":             c.cfg.Email,
		"required_services": []string{},
		"optional_services": []string{},
		"provided_services": []string{"com.roonlabs.ping:1", "com.roonlabs.pairing:1"},
	}

	// A token learned from a prior successful registration with the same
	// Core lets the Core skip the pairing prompt. The Core isn't known
	// until the first Registered reply, so this only helps from the
	// second connection onward, keyed by the previously paired core id.
	token := c.cfg.Token
	c.mu.RLock()
	state := c.state
	c.mu.RUnlock()
	if token == "" && state.PairedCoreID != nil {
		if t, ok := persist.ApplyToken(state, *state.PairedCoreID); ok {
			token = t
		}
	}
	if token != "" {
		identity["token"] = token
	}

	return identity
}

// sendPump drains outbox onto the wire for one connection attempt. It
// returns nil on graceful cancellation (reconnect or explicit disconnect)
// and a non-nil error if the socket write itself fails.
func (c *Connection) sendPump(ctx context.Context, tx *transport.Transport, outbox <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case data := <-outbox:
			if err := tx.Send(data); err != nil {
				return err
			}
		}
	}
}

// receivePump decodes inbound frames for one connection attempt. It
// returns nil on graceful cancellation and a *disconnectError describing
// the close/error otherwise.
func (c *Connection) receivePump(ctx context.Context, tx *transport.Transport) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-tx.Events():
			if !ok {
				return nil
			}
			switch ev.Kind {
			case transport.EventMessage:
				frame, ok := wire.Parse(ev.Data)
				if !ok {
					c.log.Printf("dropping undecodable frame")
					continue
				}
				c.router.HandleFrame(frame)

			case transport.EventClosed:
				return &disconnectError{reason: ev.CloseText, code: ev.CloseCode}

			case transport.EventError:
				reason := "connection error"
				if ev.Err != nil {
					reason = ev.Err.Error()
				}
				return &disconnectError{reason: reason}
			}
		}
	}
}

// onPumpsDone runs once the send/receive pump pair for one connection
// attempt both exit. A nil error means the pumps were cancelled on
// purpose (explicit disconnect, or cleanup after a failed registration)
// and there is nothing further to do.
func (c *Connection) onPumpsDone(err error) {
	if err == nil {
		return
	}
	reason, code := err.Error(), 0
	var de *disconnectError
	if errors.As(err, &de) {
		reason, code = de.reason, de.code
	}
	c.handleDisconnect(reason, code)
}

// handleDisconnect implements the auto-reconnect state transition: fail
// all pending requests, emit Disconnected, and start a reconnect loop
// unless the disconnect was explicit or auto-reconnect is disabled.
func (c *Connection) handleDisconnect(reason string, code int) {
	c.mu.Lock()
	explicit := c.explicitlyDisconnected
	c.mu.Unlock()

	// An explicit disconnect already transitioned status and emitted its
	// own Disconnected event; the socket closing as a result is not a
	// second lifecycle event.
	if explicit {
		return
	}

	c.setStatus(StatusDisconnected)
	c.router.FailPending(ErrDisconnected)
	c.emit(Event{Kind: EventDisconnected, Data: DisconnectedData{Reason: reason, Code: code}})

	if !c.cfg.AutoReconnect {
		return
	}

	if c.reconnecting.CompareAndSwap(false, true) {
		go c.reconnectLoop()
	}
}

func (c *Connection) reconnectLoop() {
	defer c.reconnecting.Store(false)

	for attempt := 1; ; attempt++ {
		c.mu.RLock()
		explicit := c.explicitlyDisconnected
		c.mu.RUnlock()
		if explicit {
			return
		}

		backoff := backoffFor(attempt, c.cfg.BackoffInitial, c.cfg.BackoffMax)
		time.Sleep(backoff)

		c.mu.RLock()
		explicit = c.explicitlyDisconnected
		c.mu.RUnlock()
		if explicit {
			return
		}

		c.emit(Event{Kind: EventReconnecting, Data: ReconnectingData{Attempt: attempt, BackoffMS: backoff.Milliseconds()}})

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
		err := c.connectAndRegister(ctx)
		cancel()
		if err == nil {
			c.mu.RLock()
			info := c.coreInfo
			c.mu.RUnlock()
			c.emit(Event{Kind: EventReconnected, Data: RegisteredData{
				CoreID:         info.CoreID,
				DisplayName:    info.DisplayName,
				DisplayVersion: info.DisplayVersion,
			}})
			return
		}
		c.log.Printf("reconnect attempt %d failed: %v", attempt, err)
	}
}

// backoffFor computes the delay before the given attempt, doubling from
// initial and capping at max.
func backoffFor(attempt int, initial, max time.Duration) time.Duration {
	d := initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Request sends a REQUEST and blocks until the Core replies or cfg.Timeout
// elapses. A caller-side timeout does not cancel the wire request or
// remove the pending entry; a late response is simply delivered to no one.
// A call made while Disconnected is still accepted rather than rejected
// outright: the pending entry is installed and either resolved by a
// future reconnect's traffic, failed by FailPending on the next
// disconnect, or reaped by the stale sweep — it only fails fast here if
// the connection has never been started at all (the sender has no queue
// to enqueue onto yet).
func (c *Connection) Request(uri string, body interface{}) (json.RawMessage, error) {
	_, completion, err := c.router.Request(uri, body)
	if err != nil {
		return nil, err
	}

	select {
	case <-completion.Done():
		return completion.Result()
	case <-time.After(c.cfg.Timeout):
		return nil, ErrTimeout
	}
}

// Subscribe fires a subscribe_<topic> request; events arrive via Events().
func (c *Connection) Subscribe(service, topic string, extra map[string]interface{}) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	return c.router.Subscribe(service, topic, extra)
}

// Disconnect closes the socket, suppresses auto-reconnect, and emits a
// final Disconnected event.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	c.explicitlyDisconnected = true
	tx := c.tx
	cancelPumps := c.cancelPumps
	c.mu.Unlock()

	c.setStatus(StatusDisconnecting)
	if cancelPumps != nil {
		cancelPumps()
	}
	if tx != nil {
		_ = tx.Close(1000, "client disconnect")
	}
	c.rootCancel()
	c.setStatus(StatusDisconnected)
	c.router.FailPending(ErrDisconnected)
	c.emit(Event{Kind: EventDisconnected, Data: DisconnectedData{Reason: "Explicitly disconnected"}})
}

// PersistedState returns a snapshot of the state to serialize (see
// internal/persist), including the currently paired core id if a Core has
// paired.
func (c *Connection) PersistedState() *persist.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	paired := c.state.PairedCoreID
	if id := c.pairing.PairedCoreID(); id != "" {
		paired = &id
	}
	return persist.Extract(c.state, "", "", paired)
}

// PairedCoreID returns the currently paired core id, or "" if unpaired.
func (c *Connection) PairedCoreID() string {
	return c.pairing.PairedCoreID()
}

// WatchDiscovery mirrors discovery.Watch's found/lost diffs onto this
// connection's own Events() sink as CoreFound/CoreLost, so a caller that
// wants both connection state and Core discovery state reads one channel
// instead of two. It runs until ctx is done.
func (c *Connection) WatchDiscovery(ctx context.Context, interval time.Duration) {
	go func() {
		for change := range discovery.Watch(ctx, interval) {
			switch change.Kind {
			case discovery.ChangeFound:
				c.emit(Event{Kind: EventCoreFound, Data: change.Core})
			case discovery.ChangeLost:
				c.emit(Event{Kind: EventCoreLost, Data: change.Core})
			}
		}
	}()
}
