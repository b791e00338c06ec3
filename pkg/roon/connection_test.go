package roon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Ramblurr/roon-go/internal/config"
	"github.com/Ramblurr/roon-go/internal/wire"
)

func TestBackoffSequenceDoublesAndCaps(t *testing.T) {
	initial := time.Second
	max := 60 * time.Second

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		60 * time.Second, // would be 64s, capped
		60 * time.Second, // stays capped
	}

	for i, w := range want {
		attempt := i + 1
		got := backoffFor(attempt, initial, max)
		if got != w {
			t.Errorf("backoffFor(%d) = %v, want %v", attempt, got, w)
		}
	}
}

func TestBuildIdentityGeneratesExtensionIDWhenAbsent(t *testing.T) {
	c := New(config.Config{Host: "core.local", Port: 9330, DisplayName: "Test", Timeout: time.Second})

	identity := c.buildIdentity()
	id, ok := identity["extension_id"].(string)
	if !ok || id == "" {
		t.Errorf("extension_id = %v, want a generated non-empty string", identity["extension_id"])
	}
}

func TestBuildIdentityUsesConfiguredExtensionID(t *testing.T) {
	c := New(config.Config{Host: "core.local", Port: 9330, ExtensionID: "fixed-id", Timeout: time.Second})

	identity := c.buildIdentity()
	if identity["extension_id"] != "fixed-id" {
		t.Errorf("extension_id = %v, want fixed-id", identity["extension_id"])
	}
}

// startFakeCore runs an httptest server that upgrades to a WebSocket and
// replies Registered to any register request, mirroring scenario 1 in the
// testable-properties table.
func startFakeCore(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frame, ok := wire.Parse(data)
		if !ok {
			return
		}

		resp, _ := wire.EncodeResponse(wire.VerbContinue, "Registered", frame.RequestID, map[string]string{
			"core_id":      "core-abc",
			"display_name": "Fake Core",
			"token":        "tok-xyz",
		})
		conn.WriteMessage(websocket.BinaryMessage, resp)

		// Keep the connection open until the test closes it.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	return srv
}

func targetHostPort(t *testing.T, srv *httptest.Server) (string, int) {
	t.Helper()
	u := strings.TrimPrefix(srv.URL, "http://")
	parts := strings.Split(u, ":")
	port, err := strconv.Atoi(parts[1])
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return parts[0], port
}

func TestStartRegistersAndEmitsRegisteredEvent(t *testing.T) {
	srv := startFakeCore(t)
	defer srv.Close()

	host, port := targetHostPort(t, srv)
	c := New(config.Config{Host: host, Port: port, DisplayName: "Test", Timeout: 2 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Disconnect()

	if !c.Connected() {
		t.Fatal("expected Connected() to be true after successful registration")
	}

	select {
	case ev := <-c.Events():
		if ev.Kind != EventRegistered {
			t.Fatalf("first event kind = %v, want Registered", ev.Kind)
		}
		data, ok := ev.Data.(RegisteredData)
		if !ok || data.CoreID != "core-abc" {
			t.Errorf("event data = %+v", ev.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no Registered event delivered")
	}
}
