package broadcast

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestHub_ServeWS(t *testing.T) {
	cache := newCache()
	speed(t, cache, "D1", "E7", 42, t0)
	hub := NewHub(cache)
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	read := func() received {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var m received
		if err := conn.ReadJSON(&m); err != nil {
			t.Fatalf("ReadJSON() error = %v", err)
		}
		return m
	}
	write := func(v any) {
		t.Helper()
		if err := conn.WriteJSON(v); err != nil {
			t.Fatalf("WriteJSON() error = %v", err)
		}
	}

	if m := read(); m.Type != TypeInitialState {
		t.Fatalf("first message type = %q, want %q", m.Type, TypeInitialState)
	}

	write(map[string]string{"type": ControlPing})
	if m := read(); m.Type != TypePong {
		t.Errorf("reply to ping = %q, want %q", m.Type, TypePong)
	}

	write(map[string]string{"type": ControlSubscribe})
	if m := read(); m.Type != TypeError {
		t.Errorf("reply to a subscription without district = %q, want %q", m.Type, TypeError)
	}

	write(map[string]string{"type": ControlSubscribe, "districtId": "D1"})
	if m := read(); m.Type != TypeSubscribed || m.DistrictID != "D1" {
		t.Errorf("reply to subscription = %+v", m)
	}

	speed(t, cache, "D1", "E7", 38, t0.Add(time.Minute))
	if err := hub.Broadcast(context.Background()); err != nil {
		t.Fatal(err)
	}
	m := read()
	if m.Type != TypeStateUpdate {
		t.Fatalf("message type = %q, want %q", m.Type, TypeStateUpdate)
	}
	if patch := decodeData[Patch](t, m); len(patch) != 2 {
		t.Errorf("patch has %d ops, want 2: %+v", len(patch), patch)
	}

	// Closing the hub closes the connection.
	hub.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNoStatusReceived, websocket.CloseNormalClosure) {
		t.Errorf("ReadMessage() after Close error = %v, want a close error", err)
	}
}
