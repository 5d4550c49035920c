// Package ws fans event bus messages out to browser clients over WebSocket.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/parimutuel/internal/domain"
	"github.com/gorilla/websocket"
)

// Channels are the bus channels the hub relays.
var Channels = []string{
	domain.ChannelBets,
	domain.ChannelMarkets,
	domain.ChannelSync,
}

// envelope is the frame sent to clients. Payload is the bus message as-is.
type envelope struct {
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

// Config controls which browser origins may connect. An empty list allows
// every origin.
type Config struct {
	AllowedOrigins []string
	StartedAt      time.Time
}

// Hub relays event bus messages to connected WebSocket clients. Each bus
// channel has its own forwarding goroutine; delivery to a client never
// blocks, so a slow reader loses frames instead of stalling the rest.
type Hub struct {
	bus       domain.EventBus
	upgrader  websocket.Upgrader
	logger    *slog.Logger
	startedAt time.Time

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

// NewHub creates a hub that relays the given bus.
func NewHub(bus domain.EventBus, logger *slog.Logger, cfg Config) *Hub {
	h := &Hub{
		bus:       bus,
		logger:    logger.With(slog.String("component", "ws")),
		startedAt: cfg.StartedAt,
		clients:   make(map[*client]struct{}),
	}
	if h.startedAt.IsZero() {
		h.startedAt = time.Now().UTC()
	}
	origins := cfg.AllowedOrigins
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(origins, r.Header.Get("Origin"))
		},
	}
	return h
}

func originAllowed(allowed []string, origin string) bool {
	if origin == "" || len(allowed) == 0 {
		return true
	}
	for _, o := range allowed {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// Run forwards every relayed bus channel until ctx is cancelled, then
// disconnects all clients.
func (h *Hub) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, ch := range Channels {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.forward(ctx, ch)
		}()
	}
	<-ctx.Done()
	wg.Wait()

	h.mu.Lock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	return ctx.Err()
}

func (h *Hub) forward(ctx context.Context, channel string) {
	msgs, err := h.bus.Subscribe(ctx, channel)
	if err != nil {
		h.logger.Error("ws: subscribe failed",
			slog.String("channel", channel),
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
				h.logger.Warn("ws: bus subscription ended", slog.String("channel", channel))
				return
			}
			if !json.Valid(data) {
				data, _ = json.Marshal(string(data))
			}
			h.fanout(envelope{Channel: channel, Payload: data})
		}
	}
}

func (h *Hub) fanout(env envelope) {
	frame, err := json.Marshal(env)
	if err != nil {
		h.logger.Warn("ws: dropping unencodable message",
			slog.String("channel", env.Channel),
			slog.String("error", err.Error()),
		)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.isSubscribed(env.Channel) {
			continue
		}
		select {
		case c.send <- frame:
		default:
			h.logger.Warn("ws: client buffer full, frame dropped", slog.String("channel", env.Channel))
		}
	}
}

// HandleWS upgrades the request and attaches a client subscribed to every
// relayed channel. The first frame is a status greeting.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := newClient(h, conn)
	c.send <- h.greeting()
	if !h.attach(c) {
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (h *Hub) attach(c *client) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("ws: client connected", slog.Int("total_clients", n))
	return true
}

func (h *Hub) detach(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("ws: client disconnected", slog.Int("total_clients", n))
}

func (h *Hub) greeting() []byte {
	frame, _ := json.Marshal(map[string]any{
		"channel": "status",
		"payload": map[string]any{
			"connected":      true,
			"channels":       Channels,
			"uptime_seconds": max(0, int64(time.Since(h.startedAt).Seconds())),
		},
	})
	return frame
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
