package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ehr/medledger/internal/ledger"
)

type handlerFunc func(conn *websocket.Conn, req request)

func reply(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Errorf("marshal reply: %v", err)
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Logf("write reply: %v", err)
	}
}

func startNode(t *testing.T, handle handlerFunc) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req request
			if err := json.Unmarshal(data, &req); err != nil {
				t.Errorf("decode request: %v", err)
				return
			}
			handle(conn, req)
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *Client {
	t.Helper()
	c, err := Dial(context.Background(), url, zerolog.Nop())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClient_Call(t *testing.T) {
	url := startNode(t, func(conn *websocket.Conn, req request) {
		switch req.Method {
		case "system_health":
			reply(t, conn, map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": map[string]any{"peers": 3}})
		case "echo":
			reply(t, conn, map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": req.Params[0]})
		default:
			reply(t, conn, map[string]any{"jsonrpc": "2.0", "id": req.ID,
				"error": map[string]any{"code": -32601, "message": "Method not found"}})
		}
	})
	c := dial(t, url)
	ctx := context.Background()

	var health struct {
		Peers int `json:"peers"`
	}
	if err := c.Call(ctx, "system_health", nil, &health); err != nil {
		t.Fatalf("call: %v", err)
	}
	if health.Peers != 3 {
		t.Errorf("expected 3 peers, got %d", health.Peers)
	}

	var echoed string
	if err := c.Call(ctx, "echo", []any{"Nguyễn"}, &echoed); err != nil {
		t.Fatalf("echo: %v", err)
	}
	if echoed != "Nguyễn" {
		t.Errorf("expected echo, got %q", echoed)
	}

	err := c.Call(ctx, "nope", nil, nil)
	var rpcErr *Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if rpcErr.Code != -32601 {
		t.Errorf("expected code -32601, got %d", rpcErr.Code)
	}
}

func TestClient_ConcurrentCalls(t *testing.T) {
	url := startNode(t, func(conn *websocket.Conn, req request) {
		reply(t, conn, map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": req.Params[0]})
	})
	c := dial(t, url)

	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		go func(i int) {
			var got int
			if err := c.Call(context.Background(), "echo", []any{i}, &got); err != nil {
				errs <- err
				return
			}
			if got != i {
				errs <- errors.New("response routed to the wrong caller")
				return
			}
			errs <- nil
		}(i)
	}
	for i := 0; i < 20; i++ {
		if err := <-errs; err != nil {
			t.Error(err)
		}
	}
}

func TestClient_SubscribeReceivesEarlyNotifications(t *testing.T) {
	unsubscribed := make(chan string, 1)
	url := startNode(t, func(conn *websocket.Conn, req request) {
		switch req.Method {
		case "author_submitAndWatchExtrinsic":
			reply(t, conn, map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": "sub-1"})
			// Sent back to back with the subscription response.
			for _, status := range []any{"ready", map[string]any{"inBlock": "0xabc"}} {
				reply(t, conn, map[string]any{"jsonrpc": "2.0", "method": "author_extrinsicUpdate",
					"params": map[string]any{"subscription": "sub-1", "result": status}})
			}
		case "author_unwatchExtrinsic":
			unsubscribed <- req.Params[0].(string)
			reply(t, conn, map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": true})
		}
	})
	c := dial(t, url)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := c.Subscribe(ctx, "author_submitAndWatchExtrinsic", []any{"0x00"}, "author_unwatchExtrinsic")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if sub.ID() != "sub-1" {
		t.Errorf("expected sub-1, got %q", sub.ID())
	}

	var got []string
	for i := 0; i < 2; i++ {
		select {
		case n := <-sub.Notifications():
			got = append(got, string(n))
		case <-ctx.Done():
			t.Fatal("timed out waiting for notification")
		}
	}
	if got[0] != `"ready"` || !strings.Contains(got[1], "inBlock") {
		t.Errorf("unexpected notifications %v", got)
	}

	if err := sub.Unsubscribe(ctx); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if id := <-unsubscribed; id != "sub-1" {
		t.Errorf("expected unwatch for sub-1, got %q", id)
	}
	if _, open := <-sub.Notifications(); open {
		t.Error("expected notifications channel to be closed")
	}
	if sub.Err() != nil {
		t.Errorf("expected nil error after unsubscribe, got %v", sub.Err())
	}
}

func TestClient_ConnectionLost(t *testing.T) {
	url := startNode(t, func(conn *websocket.Conn, req request) {
		switch req.Method {
		case "author_submitAndWatchExtrinsic":
			reply(t, conn, map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": 7})
		case "drop":
			conn.Close()
		}
	})
	c := dial(t, url)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := c.Subscribe(ctx, "author_submitAndWatchExtrinsic", nil, "")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if sub.ID() != "7" {
		t.Errorf("expected numeric id normalized to 7, got %q", sub.ID())
	}

	err = c.Call(ctx, "drop", nil, nil)
	if !errors.Is(err, ledger.ErrConnectionLost) {
		t.Fatalf("expected ConnectionLost, got %v", err)
	}

	select {
	case <-c.Done():
	case <-ctx.Done():
		t.Fatal("expected client to be done")
	}
	for range sub.Notifications() {
	}
	if !errors.Is(sub.Err(), ledger.ErrConnectionLost) {
		t.Errorf("expected subscription to end with ConnectionLost, got %v", sub.Err())
	}
	if err := c.Call(ctx, "system_health", nil, nil); !errors.Is(err, ledger.ErrConnectionLost) {
		t.Errorf("expected ConnectionLost after drop, got %v", err)
	}
}

func TestClient_Timeout(t *testing.T) {
	url := startNode(t, func(*websocket.Conn, request) {})
	c := dial(t, url)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Call(ctx, "hang", nil, nil)
	if !errors.Is(err, ledger.ErrTimeout) {
		t.Fatalf("expected Timeout, got %v", err)
	}
}

func TestClient_Close(t *testing.T) {
	url := startNode(t, func(*websocket.Conn, request) {})
	c, err := Dial(context.Background(), url, zerolog.Nop())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c.Close()

	err = c.Call(context.Background(), "system_health", nil, nil)
	if !errors.Is(err, ledger.ErrConnectionLost) || !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ConnectionLost wrapping ErrClosed, got %v", err)
	}
}

func TestDial_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	_, err := Dial(context.Background(), url, zerolog.Nop())
	if !errors.Is(err, ledger.ErrConnectionLost) {
		t.Fatalf("expected ConnectionLost, got %v", err)
	}
}

func TestClient_AbandonedSubscription(t *testing.T) {
	unsubscribed := make(chan string, 1)
	url := startNode(t, func(conn *websocket.Conn, req request) {
		if req.Method == "author_unwatchExtrinsic" {
			unsubscribed <- req.Params[0].(string)
			reply(t, conn, map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": true})
		}
	})
	c := dial(t, url)

	register := func(sub *Subscription) uint64 {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.nextID++
		c.pending[c.nextID] = &pendingCall{ch: make(chan result, 1), sub: sub}
		return c.nextID
	}
	subscribed := func(id uint64, subID string) {
		c.handleResponse(id, &message{ID: &id, Result: json.RawMessage(`"` + subID + `"`)})
	}

	t.Run("response arrived before the deadline", func(t *testing.T) {
		sub := newSubscription(c, "author_unwatchExtrinsic")
		id := register(sub)
		subscribed(id, "sub-late")
		c.abandon(id, sub)

		c.mu.Lock()
		_, live := c.subs["sub-late"]
		c.mu.Unlock()
		if live {
			t.Error("expected the subscription to be removed")
		}
		if _, open := <-sub.Notifications(); open {
			t.Error("expected notifications channel to be closed")
		}
		select {
		case got := <-unsubscribed:
			if got != "sub-late" {
				t.Errorf("expected unwatch for sub-late, got %q", got)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("expected the node to be asked to drop the subscription")
		}
	})

	t.Run("response arrived after the deadline", func(t *testing.T) {
		sub := newSubscription(c, "author_unwatchExtrinsic")
		id := register(sub)
		c.abandon(id, sub)
		subscribed(id, "sub-orphan")

		c.mu.Lock()
		_, live := c.subs["sub-orphan"]
		c.mu.Unlock()
		if live {
			t.Error("a response for an abandoned call must not register a subscription")
		}
		select {
		case got := <-unsubscribed:
			t.Errorf("unexpected unwatch for %q", got)
		case <-time.After(100 * time.Millisecond):
		}
	})
}
