// Package wsfeed mirrors the delivered tick stream to websocket clients.
// Observability only: the hub never blocks delivery, and a client that
// cannot keep up is disconnected rather than buffered without bound.
package wsfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/tickcast/internal/config"
	"github.com/rickgao/tickcast/internal/protocol"
)

// TickEvent is the JSON shape sent to feed clients.
type TickEvent struct {
	Sequence  uint64  `json:"seq"`
	Timestamp uint64  `json:"ts"`
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Quantity  uint32  `json:"quantity"`
	Recovered bool    `json:"recovered,omitempty"`
}

// clientSendBuffer is per-client; overflow disconnects the client.
const clientSendBuffer = 256

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans delivered ticks out to websocket subscribers.
type Hub struct {
	cfg    config.LiveFeedConfig
	logger *slog.Logger

	upgrader websocket.Upgrader

	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	clients    map[*client]struct{}

	server *http.Server
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHub creates a hub for the given feed settings.
func NewHub(cfg config.LiveFeedConfig, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		cfg:        cfg,
		logger:     logger,
		upgrader:   websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 1024),
		clients:    make(map[*client]struct{}),
	}
}

// Start launches the hub loop and, when a port is configured, the HTTP
// server that upgrades feed clients.
func (h *Hub) Start(ctx context.Context) error {
	ctx, h.cancel = context.WithCancel(ctx)

	h.wg.Add(1)
	go h.run(ctx)

	if h.cfg.Port > 0 {
		mux := http.NewServeMux()
		mux.HandleFunc(h.cfg.Path, h.HandleWS)
		h.server = &http.Server{
			Addr:    fmt.Sprintf(":%d", h.cfg.Port),
			Handler: mux,
		}
		go func() {
			h.logger.Info("live feed listening", "port", h.cfg.Port, "path", h.cfg.Path)
			if err := h.server.ListenAndServe(); err != http.ErrServerClosed {
				h.logger.Error("live feed server error", "error", err)
			}
		}()
	}
	return nil
}

// Stop shuts the server down and disconnects every client.
func (h *Hub) Stop(ctx context.Context) error {
	if h.server != nil {
		h.server.Shutdown(ctx)
	}
	if h.cancel != nil {
		h.cancel()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		h.logger.Warn("live feed stop timed out")
	}
	return nil
}

// Publish queues one delivered tick for broadcast. Never blocks; when the
// hub is saturated the event is dropped.
func (h *Hub) Publish(tick protocol.Tick, recovered bool) {
	payload, err := json.Marshal(TickEvent{
		Sequence:  tick.Sequence,
		Timestamp: tick.Timestamp,
		Symbol:    tick.SymbolString(),
		Price:     tick.Price,
		Quantity:  tick.Quantity,
		Recovered: recovered,
	})
	if err != nil {
		return
	}
	select {
	case h.broadcast <- payload:
	default:
	}
}

// HandleWS upgrades one HTTP request into a feed client.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientSendBuffer)}
	h.register <- c

	go h.writePump(c)
	go h.readPump(c)
}

// run is the hub loop: registrations, unregistrations, broadcast fan-out.
func (h *Hub) run(ctx context.Context) {
	defer h.wg.Done()

	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.logger.Debug("feed client connected", "clients", len(h.clients))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}

		case payload := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- payload:
				default:
					// Client too slow; prune it so the hub never stalls.
					delete(h.clients, c)
					close(c.send)
				}
			}
		}
	}
}

// writePump drains one client's send queue onto its connection.
func (h *Hub) writePump(c *client) {
	defer c.conn.Close()

	for payload := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.drop(c)
			return
		}
	}
	// Send channel closed by the hub: say goodbye.
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

// readPump discards inbound frames; it exists to surface client closes.
func (h *Hub) readPump(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.drop(c)
			return
		}
	}
}

// drop asks the hub loop to forget a client without blocking if the loop is
// already gone.
func (h *Hub) drop(c *client) {
	select {
	case h.unregister <- c:
	default:
	}
}
