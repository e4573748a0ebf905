package wsfeed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/tickcast/internal/config"
	"github.com/rickgao/tickcast/internal/protocol"
)

func startHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	h := NewHub(config.LiveFeedConfig{Path: "/feed"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	t.Cleanup(func() {
		srv.Close()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		h.Stop(stopCtx)
		cancel()
	})
	return h, srv
}

func dialFeed(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHub_BroadcastsDeliveredTicks(t *testing.T) {
	h, srv := startHub(t)
	conn := dialFeed(t, srv)

	tick := protocol.Tick{
		Sequence:  42,
		Timestamp: 123456789,
		Price:     101.25,
		Quantity:  117,
		Symbol:    protocol.MakeSymbol("NVDA"),
	}

	// The registration races the first publish; retry briefly.
	deadline := time.Now().Add(2 * time.Second)
	conn.SetReadDeadline(deadline)

	var ev TickEvent
	received := false
	for !received && time.Now().Before(deadline) {
		h.Publish(tick, true)

		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			continue
		}
		if err := json.Unmarshal(payload, &ev); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		received = true
	}
	if !received {
		t.Fatal("no tick event received")
	}

	if ev.Sequence != 42 || ev.Symbol != "NVDA" || ev.Price != 101.25 || ev.Quantity != 117 || !ev.Recovered {
		t.Errorf("event = %+v, want seq 42 NVDA 101.25 x117 recovered", ev)
	}
}

func TestHub_PublishWithoutClientsDoesNotBlock(t *testing.T) {
	h, _ := startHub(t)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			h.Publish(protocol.Tick{Sequence: uint64(i)}, false)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Publish blocked with no clients connected")
	}
}
