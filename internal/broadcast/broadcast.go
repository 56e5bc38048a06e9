// Package broadcast fans FMDM snapshots out to WebSocket clients (spec
// §4.7, §6 "WebSocket channel"): full snapshot on connect, then one message
// per subsequent change.
package broadcast

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/folder-mcp/daemon/internal/fleet"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The daemon is addressed from a local UI/CLI client; cross-origin
	// checks are not meaningful for a loopback control channel.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Message is the envelope written to every client: a full FMDM snapshot.
// §4.7 permits coalescing; this implementation always sends full snapshots
// rather than computing structural deltas, which trivially satisfies the
// monotonic-observation guarantee since each message is self-contained.
type Message struct {
	Type     string         `json:"type"`
	Snapshot fleet.Snapshot `json:"snapshot"`
}

// Hub upgrades incoming HTTP requests to WebSocket connections and keeps
// each one fed from the fleet Aggregator's subscription feed.
type Hub struct {
	aggregator *fleet.Aggregator
	logger     *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn   *websocket.Conn
	send   chan fleet.Snapshot
	cancel func()
}

// NewHub constructs a broadcaster bound to the given fleet aggregator.
func NewHub(aggregator *fleet.Aggregator, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		aggregator: aggregator,
		logger:     logger,
		clients:    make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request to a WebSocket connection, sends the
// current FMDM snapshot immediately, then streams every subsequent change
// until the client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	updates, cancel := h.aggregator.Subscribe()
	c := &client{conn: conn, send: make(chan fleet.Snapshot, 8), cancel: cancel}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	c.send <- h.aggregator.Snapshot()

	go h.pump(c, updates)
	go h.readLoop(c)
}

// pump serializes writes to the connection: the snapshot feed plus the
// initial snapshot queued in c.send, with periodic pings to detect dead
// peers.
func (h *Hub) pump(c *client, updates <-chan fleet.Snapshot) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.cancel()
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		_ = c.conn.Close()
	}()

	for {
		select {
		case snap, ok := <-c.send:
			if !ok {
				return
			}
			if err := h.write(c, snap); err != nil {
				return
			}
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if err := h.write(c, snap); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) write(c *client, snap fleet.Snapshot) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	payload, err := json.Marshal(Message{Type: "fmdm", Snapshot: snap})
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// readLoop drains (and discards, beyond structural logging) inbound
// control frames and detects disconnects; the folder add/remove and model
// operations §6 mentions are applied through the configuration
// collaborator, not this channel, so no inbound message is acted on here.
func (h *Hub) readLoop(c *client) {
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// ClientCount reports the number of currently connected WebSocket clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
