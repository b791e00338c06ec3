// ABOUTME: WebSocket transport for the Core remote-control protocol
// ABOUTME: Owns socket lifecycle and inbound fragment reassembly
package transport

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// HandshakeTimeout bounds the initial connect/upgrade.
const HandshakeTimeout = 10 * time.Second

// EventKind distinguishes the lifecycle events a Transport delivers.
type EventKind int

const (
	EventMessage EventKind = iota
	EventClosed
	EventError
)

// Event is delivered on Transport.Events for every inbound message or
// lifecycle change.
type Event struct {
	Kind      EventKind
	Data      []byte // set for EventMessage: one reassembled logical frame
	CloseCode int    // set for EventClosed
	CloseText string // set for EventClosed
	Err       error  // set for EventError
}

// Transport wraps a single outbound WebSocket connection. The remote may
// deliver one logical message as several fragments; Transport owns the
// per-connection byte accumulator that concatenates fragment payloads
// until the final flag is observed before emitting EventMessage.
type Transport struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool

	events chan Event
}

// Connect dials the Core's WebSocket endpoint at ws://host:port/api.
func Connect(ctx context.Context, host string, port int) (*Transport, error) {
	dialCtx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()

	u := url.URL{Scheme: "ws", Host: fmt.Sprintf("%s:%d", host, port), Path: "/api"}

	dialer := websocket.Dialer{HandshakeTimeout: HandshakeTimeout}
	conn, _, err := dialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", u.String(), err)
	}

	t := &Transport{
		conn:   conn,
		events: make(chan Event, 8),
	}

	go t.readLoop()

	return t, nil
}

// Events returns the channel of inbound lifecycle events. It is closed
// once the read loop exits (after a close or error event has been sent).
func (t *Transport) Events() <-chan Event {
	return t.events
}

// Send enqueues exactly one WebSocket binary message. It does not itself
// fragment the outbound frame.
func (t *Transport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("transport: send on closed connection")
	}
	return t.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Close performs a graceful close handshake.
func (t *Transport) Close(code int, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	deadline := time.Now().Add(2 * time.Second)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	return t.conn.Close()
}

// Abort forces immediate teardown without a close handshake.
func (t *Transport) Abort() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}

// readLoop reads each inbound message through its own Accumulator so that
// even a reader delivering a message across several partial Read calls
// yields exactly one EventMessage. Text frames are converted to their
// UTF-8 bytes so the codec always sees a uniform byte stream.
func (t *Transport) readLoop() {
	defer close(t.events)

	readBuf := make([]byte, 32*1024)

	for {
		messageType, r, err := t.conn.NextReader()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				t.emit(Event{Kind: EventClosed, CloseCode: ce.Code, CloseText: ce.Text})
			} else {
				t.emit(Event{Kind: EventError, Err: err})
			}
			return
		}

		if messageType != websocket.BinaryMessage && messageType != websocket.TextMessage {
			continue
		}

		var acc Accumulator
		var readErr error
	readMessage:
		for {
			var n int
			n, readErr = r.Read(readBuf)
			if n > 0 {
				acc.Feed(readBuf[:n], false)
			}
			if readErr != nil {
				break readMessage
			}
		}

		if readErr != nil && readErr != io.EOF {
			t.emit(Event{Kind: EventError, Err: readErr})
			return
		}

		if buf, ok := acc.Feed(nil, true); ok {
			t.emit(Event{Kind: EventMessage, Data: buf})
		}
	}
}

func (t *Transport) emit(e Event) {
	t.events <- e
}
