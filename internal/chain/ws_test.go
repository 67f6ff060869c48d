package chain

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestParseEscrowEvent(t *testing.T) {
	msg := []byte(`{"result":{"data":{"escrowId":"esc-1","type":"EscrowDelivered","status":1,"txHash":"0xabc"}}}`)
	ev, ok, err := ParseEscrowEvent(msg)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !ok {
		t.Fatal("expected an event")
	}
	if ev.EscrowID != "esc-1" || ev.Type != "EscrowDelivered" || ev.Status != ContractDelivered {
		t.Fatalf("event = %+v", ev)
	}
}

func TestParseEscrowEventSkipsAcks(t *testing.T) {
	for _, msg := range []string{
		`{"jsonrpc":"2.0","id":1,"result":{}}`,
		`{"result":{"data":{"type":"heartbeat"}}}`,
	} {
		ev, ok, err := ParseEscrowEvent([]byte(msg))
		if err != nil {
			t.Fatalf("parse %s: %v", msg, err)
		}
		if ok || ev != nil {
			t.Fatalf("expected no event for %s", msg)
		}
	}
}

func TestWatcherStopsPromptlyOnCancel(t *testing.T) {
	var subscribed atomic.Bool
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Consume the subscribe request, then send nothing: the watcher
		// stays blocked on its next read until the client side closes.
		if _, _, err := conn.ReadMessage(); err == nil {
			subscribed.Store(true)
		}
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		Endpoint: "ws" + strings.TrimPrefix(srv.URL, "http"),
		Contract: "contract-addr",
	}

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !subscribed.Load() {
		if time.Now().After(deadline) {
			t.Fatal("watcher never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel while blocked on read")
	}
}

func TestParseEscrowEventError(t *testing.T) {
	if _, _, err := ParseEscrowEvent([]byte(`{"error":{"code":-32600,"message":"bad subscription"}}`)); err == nil {
		t.Fatal("expected error from error envelope")
	}
	if _, _, err := ParseEscrowEvent([]byte(`not json`)); err == nil {
		t.Fatal("expected error for malformed message")
	}
}
