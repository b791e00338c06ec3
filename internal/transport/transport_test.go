package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func startEchoServer(t *testing.T) *httptest.Server {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dialTarget(srv *httptest.Server) (string, int) {
	u, _ := url.Parse(srv.URL)
	port, _ := strconv.Atoi(u.Port())
	return u.Hostname(), port
}

func TestConnectSendReceive(t *testing.T) {
	srv := startEchoServer(t)
	host, port := dialTarget(srv)

	tr, err := Connect(context.Background(), host, port)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tr.Abort()

	payload := []byte("MOO/1 REQUEST com.roonlabs.ping:1/ping\nRequest-Id: 1\n\n")
	if err := tr.Send(payload); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case ev := <-tr.Events():
		if ev.Kind != EventMessage {
			t.Fatalf("got event kind %v, want EventMessage", ev.Kind)
		}
		if string(ev.Data) != string(payload) {
			t.Errorf("echoed data = %q, want %q", ev.Data, payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echo")
	}
}

func TestConnectBadHostFails(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	_, err := Connect(ctx, "127.0.0.1", 1)
	if err == nil {
		t.Fatal("expected connect to a closed port to fail")
	}
	if !strings.Contains(err.Error(), "transport: dial") {
		t.Errorf("error = %v, want wrapped dial error", err)
	}
}

func TestCloseStopsReadLoop(t *testing.T) {
	srv := startEchoServer(t)
	host, port := dialTarget(srv)

	tr, err := Connect(context.Background(), host, port)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := tr.Close(websocket.CloseNormalClosure, "bye"); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case _, ok := <-tr.Events():
		if ok {
			// a closed/error event is acceptable before the channel closes
			<-tr.Events()
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for events channel to close")
	}
}
