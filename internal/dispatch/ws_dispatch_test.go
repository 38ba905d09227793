package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-relay/internal/logging"
)

func newTestServer(t *testing.T, reg *WSRegistry, onMessage MessageHandler, closed chan<- string) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		reg.Serve(conn, onMessage, func(id string) {
			if closed != nil {
				closed <- id
			}
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func readEnvelope(t *testing.T, c *websocket.Conn) Envelope {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	if err := c.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	return env
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSendRoutesToConnection(t *testing.T) {
	reg := NewWSRegistry(8, logging.Discard())
	srv := newTestServer(t, reg, func(connID string, raw []byte) {
		reg.Send(connID, "echo", json.RawMessage(raw))
	}, nil)
	c := dial(t, srv)

	if err := c.WriteJSON(map[string]any{"event": "hello", "data": 1}); err != nil {
		t.Fatal(err)
	}
	env := readEnvelope(t, c)
	if env.Event != "echo" {
		t.Fatalf("expected echo, got %q", env.Event)
	}
	var inner Envelope
	if err := json.Unmarshal(env.Data, &inner); err != nil || inner.Event != "hello" {
		t.Fatalf("unexpected payload %s", env.Data)
	}
}

func TestBroadcastReachesEverySession(t *testing.T) {
	reg := NewWSRegistry(8, logging.Discard())
	srv := newTestServer(t, reg, func(string, []byte) {}, nil)
	a, b := dial(t, srv), dial(t, srv)
	waitFor(t, func() bool { return reg.Len() == 2 })

	if n := reg.Broadcast("updateDrivers", map[string]int{"x": 1}); n != 2 {
		t.Fatalf("expected 2 deliveries, got %d", n)
	}
	for _, c := range []*websocket.Conn{a, b} {
		if env := readEnvelope(t, c); env.Event != "updateDrivers" {
			t.Fatalf("unexpected event %q", env.Event)
		}
	}
}

func TestCloseRunsHandlerAndForgetsSession(t *testing.T) {
	reg := NewWSRegistry(8, logging.Discard())
	closed := make(chan string, 1)
	srv := newTestServer(t, reg, func(string, []byte) {}, closed)
	c := dial(t, srv)
	waitFor(t, func() bool { return reg.Len() == 1 })

	_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	select {
	case id := <-closed:
		if err := reg.Offer(id, "late", nil); err != ErrNoSession {
			t.Fatalf("expected ErrNoSession after close, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("close handler not called")
	}
	if reg.Len() != 0 {
		t.Fatalf("session not removed")
	}
}

func TestOfferUnknownConnection(t *testing.T) {
	reg := NewWSRegistry(0, logging.Discard())
	if err := reg.Offer("nope", "x", nil); err != ErrNoSession {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
	reg.Send("nope", "x", nil)
}

func TestCloseAllWaitsForCloseHandlers(t *testing.T) {
	reg := NewWSRegistry(8, logging.Discard())
	var mu sync.Mutex
	handled := 0
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		reg.Serve(conn, func(string, []byte) {}, func(string) {
			time.Sleep(50 * time.Millisecond)
			mu.Lock()
			handled++
			mu.Unlock()
		})
	}))
	t.Cleanup(srv.Close)
	dial(t, srv)
	dial(t, srv)
	waitFor(t, func() bool { return reg.Len() == 2 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := reg.CloseAll(ctx); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if handled != 2 {
		t.Fatalf("expected both close handlers to finish, got %d", handled)
	}
}
