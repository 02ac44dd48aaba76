package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/condorbot/internal/domain"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096

	// sendBufferSize is the channel buffer for outgoing messages per client.
	sendBufferSize = 256

	// maxReplay keeps the replay plus snapshot inside the send buffer.
	maxReplay = sendBufferSize - 16
)

// upgrader configures the WebSocket upgrade parameters. Origins are checked
// by the CORS and auth middleware in front of the hub.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// SnapshotFunc builds the message sent to a client right after it connects.
type SnapshotFunc func(ctx context.Context) (any, error)

// client represents a single WebSocket connection.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub manages a set of connected WebSocket clients and broadcasts position
// events from the signal bus to every one of them.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{}
	bus        domain.SignalBus
	channel    string
	snapshot   SnapshotFunc
	replay     replayConfig
	mu         sync.RWMutex
	logger     *slog.Logger
}

// replayConfig selects the stream history sent to a client after the
// snapshot. An empty stream disables replay.
type replayConfig struct {
	stream string
	window time.Duration
	max    int
	now    func() time.Time
}

// NewHub creates a hub that relays messages published on channel. snapshot
// may be nil.
func NewHub(bus domain.SignalBus, channel string, snapshot SnapshotFunc, logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		bus:        bus,
		channel:    channel,
		snapshot:   snapshot,
		logger:     logger.With(slog.String("component", "ws")),
	}
}

// WithReplay sends each new client the events appended to stream during the
// last window, at most max of them. A client that passes ?since=<stream id>
// receives the events after that id instead, so a reconnecting dashboard can
// fill its gap.
func (h *Hub) WithReplay(stream string, window time.Duration, max int) *Hub {
	if max <= 0 || max > maxReplay {
		max = maxReplay
	}
	h.replay = replayConfig{stream: stream, window: window, max: max, now: time.Now}
	return h
}

// Run subscribes to the bus and serves client registration and broadcasts
// until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	if h.bus != nil {
		go h.relay(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.logger.Info("client connected", slog.Int("total_clients", h.ClientCount()))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Info("client disconnected", slog.Int("total_clients", h.ClientCount()))

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					h.logger.Warn("dropping message for slow client")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast queues msg for every connected client. It drops the message when
// the hub is backed up.
func (h *Hub) Broadcast(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("broadcast queue full, dropping message")
	}
}

// relay forwards bus messages to the broadcast queue.
func (h *Hub) relay(ctx context.Context) {
	msgCh, err := h.bus.Subscribe(ctx, h.channel)
	if err != nil {
		h.logger.Error("subscribe failed",
			slog.String("channel", h.channel),
			slog.String("error", err.Error()),
		)
		return
	}
	h.logger.Info("subscribed to channel", slog.String("channel", h.channel))

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgCh:
			if !ok {
				h.logger.Warn("channel subscription closed", slog.String("channel", h.channel))
				return
			}
			h.Broadcast(data)
		}
	}
}

// HandleWS upgrades an HTTP request to a WebSocket connection and registers
// the client with the hub.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}
	c.sendSnapshot(r.Context())
	c.sendReplay(r.Context(), r.URL.Query().Get("since"))

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// ClientCount returns the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// sendSnapshot queues the initial state so a dashboard can render before the
// next position event arrives.
func (c *client) sendSnapshot(ctx context.Context) {
	if c.hub.snapshot == nil {
		return
	}
	payload, err := c.hub.snapshot(ctx)
	if err != nil {
		c.hub.logger.Warn("snapshot failed", slog.String("error", err.Error()))
		return
	}
	msg, err := json.Marshal(map[string]any{"type": "snapshot", "payload": payload})
	if err != nil {
		return
	}
	c.send <- msg
}

// sendReplay queues stream history as {"type":"replay","id","payload"}
// messages, oldest first.
func (c *client) sendReplay(ctx context.Context, since string) {
	rc := c.hub.replay
	if rc.stream == "" || c.hub.bus == nil {
		return
	}
	if since == "" {
		// Stream ids start with the append time in milliseconds.
		since = fmt.Sprintf("%d-0", rc.now().Add(-rc.window).UnixMilli())
	}
	msgs, err := c.hub.bus.StreamRead(ctx, rc.stream, since, rc.max)
	if err != nil {
		c.hub.logger.Warn("replay failed",
			slog.String("stream", rc.stream),
			slog.String("error", err.Error()),
		)
		return
	}
	for _, m := range msgs {
		msg, err := json.Marshal(map[string]any{"type": "replay", "id": m.ID, "payload": json.RawMessage(m.Payload)})
		if err != nil {
			continue
		}
		c.send <- msg
	}
}

// readPump drains client frames so control messages are processed. The
// stream is one-way; client payloads are ignored.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close error", slog.String("error", err.Error()))
			}
			return
		}
	}
}

// writePump sends queued messages as JSON text frames and periodic pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
