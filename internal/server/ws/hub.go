// Package ws pushes committed ledger events to WebSocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/poolledger/internal/domain"
	"github.com/alanyoungcy/poolledger/internal/event"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10 // must stay below pongWait
	maxMessageSize = 4096
	sendBufferSize = 256

	// replayLimit caps the backlog sent for one replay request.
	replayLimit = 500
)

// Config captures runtime metadata sent to clients on connect and the
// optional pieces the hub can use.
type Config struct {
	Mode      string
	Operator  common.Address
	StartedAt time.Time

	// Backlog, when set, serves {"action":"replay"} requests.
	Backlog domain.EventStream
	// AllowedOrigins restricts browser upgrades. Empty or "*" allows all.
	AllowedOrigins []string
}

// clientMsg is a control frame sent by a client, e.g.
// {"action":"subscribe","channels":["ledger:pool:0xabc..."]} or
// {"action":"replay","since":"0"}.
type clientMsg struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels,omitempty"`
	Since    string   `json:"since,omitempty"`
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	subs map[string]bool
	mu   sync.RWMutex
	// closed is set under mu when send is closed.
	closed bool
}

// frame is an encoded event and the channels it was routed on.
type frame struct {
	channels []string
	data     []byte
}

// Hub relays events from the signal bus to connected clients. Every event is
// published on event.ChannelAll; a client receives it when subscribed to that
// channel or to the event's pool channel.
type Hub struct {
	bus      domain.SignalBus
	backlog  domain.EventStream
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mode      string
	operator  common.Address
	startedAt time.Time

	mu         sync.RWMutex
	clients    map[*client]bool
	broadcast  chan frame
	register   chan *client
	unregister chan *client
	done       chan struct{}
}

// NewHub creates a hub fed by bus.
func NewHub(bus domain.SignalBus, logger *slog.Logger, cfg Config) *Hub {
	mode := strings.TrimSpace(strings.ToLower(cfg.Mode))
	if mode == "" {
		mode = "unknown"
	}
	startedAt := cfg.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}

	h := &Hub{
		bus:        bus,
		backlog:    cfg.Backlog,
		logger:     logger.With(slog.String("component", "ws_hub")),
		mode:       mode,
		operator:   cfg.Operator,
		startedAt:  startedAt,
		clients:    make(map[*client]bool),
		broadcast:  make(chan frame, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// Non-browser clients send no Origin.
		return origin == "" || slices.Contains(allowed, origin)
	}
}

// Run drives the hub until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	go h.forward(ctx)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				c.close()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client connected", slog.Int("total_clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				delete(h.clients, c)
				c.close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected", slog.Int("total_clients", n))

		case f := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if c.isSubscribed(f.channels...) {
					c.offer(f.data)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// forward subscribes to the all-events channel and tags each frame with its
// pool channel.
func (h *Hub) forward(ctx context.Context) {
	msgs, err := h.bus.Subscribe(ctx, event.ChannelAll)
	if err != nil {
		h.logger.Error("ws: subscribe failed",
			slog.String("channel", event.ChannelAll),
			slog.String("error", err.Error()),
		)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgs:
			if !ok {
				h.logger.Warn("ws: event subscription closed")
				return
			}
			select {
			case h.broadcast <- frame{channels: routes(data), data: data}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// routes returns the channels an encoded event belongs to.
func routes(data []byte) []string {
	channels := []string{event.ChannelAll}
	if e, err := event.Decode(data); err == nil && e.Pool != (common.Address{}) {
		channels = append(channels, event.PoolChannel(e.Pool))
	}
	return channels
}

// HandleWS upgrades the request and registers the client, subscribed to
// every event.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: map[string]bool{event.ChannelAll: true},
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	c.sendStatus()

	go c.writePump()
	go c.readPump()
}

// replay sends backlog events after since that match c's subscriptions.
func (h *Hub) replay(c *client, since string) {
	if h.backlog == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	msgs, err := h.backlog.StreamRead(ctx, event.StreamName, since, replayLimit)
	if err != nil {
		h.logger.Warn("ws: replay failed", slog.String("since", since), slog.String("error", err.Error()))
		return
	}
	for _, m := range msgs {
		if c.isSubscribed(routes(m.Payload)...) {
			c.offer(m.Payload)
		}
	}
}

// validChannel reports whether name is a channel the hub can route.
func validChannel(name string) bool {
	return name == event.ChannelAll || strings.HasPrefix(name, event.ChannelPrefix)
}

// offer queues data without blocking; slow clients lose frames. It is a
// no-op once the hub has closed the client.
func (c *client) offer(data []byte) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.hub.logger.Warn("ws: dropping message for slow client")
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

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
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close", slog.String("error", err.Error()))
			}
			return
		}

		var msg clientMsg
		if json.Unmarshal(message, &msg) != nil {
			continue
		}
		switch msg.Action {
		case "subscribe", "unsubscribe":
			c.setSubscriptions(msg)
		case "replay":
			c.hub.replay(c, msg.Since)
		}
	}
}

func (c *client) setSubscriptions(msg clientMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range msg.Channels {
		if msg.Action == "unsubscribe" {
			delete(c.subs, ch)
		} else if validChannel(ch) {
			c.subs[ch] = true
		}
	}
}

// sendStatus writes a JSON text frame so clients can mark the connection
// healthy before any event flows.
func (c *client) sendStatus() {
	uptime := max(int64(time.Since(c.hub.startedAt).Seconds()), 0)
	msg, err := json.Marshal(map[string]any{
		"type": "hub_status",
		"payload": map[string]any{
			"mode":           c.hub.mode,
			"operator":       c.hub.operator.Hex(),
			"uptime_seconds": uptime,
			"channels":       []string{event.ChannelAll, event.ChannelPrefix + "<pool>"},
			"replay":         c.hub.backlog != nil,
		},
	})
	if err != nil {
		return
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.TextMessage, msg)
}

// isSubscribed reports whether the client follows any of the channels. A
// trailing '*' in a subscription matches by prefix.
func (c *client) isSubscribed(channels ...string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, channel := range channels {
		if c.subs[channel] {
			return true
		}
		for sub := range c.subs {
			if prefix, ok := strings.CutSuffix(sub, "*"); ok && strings.HasPrefix(channel, prefix) {
				return true
			}
		}
	}
	return false
}

// writePump sends event frames as binary protobuf messages and pings the
// peer on an interval.
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
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
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
