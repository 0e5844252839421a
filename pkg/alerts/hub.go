package alerts

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/HatiCode/vigil/pkg/severity"
)

const (
	hubClientBuffer = 64
	hubWriteTimeout = 10 * time.Second
)

// ErrHubClosed is returned by Hub.Send after Close.
var ErrHubClosed = errors.New("alert hub closed")

// Hub broadcasts records to websocket subscribers. Clients may pass
// ?stream=<name> to receive a single stream. A client that falls more than
// hubClientBuffer records behind is disconnected.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[*hubClient]struct{}
	closed  bool
}

type hubClient struct {
	conn   *websocket.Conn
	stream string
	send   chan severity.Record
}

// NewHub returns an empty hub; a nil logger uses slog.Default().
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:  logger,
		clients: make(map[*hubClient]struct{}),
	}
}

// ServeHTTP upgrades the request and streams records until the client goes
// away or the hub closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		http.Error(w, ErrHubClosed.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &hubClient{
		conn:   conn,
		stream: r.URL.Query().Get("stream"),
		send:   make(chan severity.Record, hubClientBuffer),
	}
	if !h.add(c) {
		_ = conn.Close()
		return
	}
	h.logger.Debug("alert subscriber connected", "remote", r.RemoteAddr, "stream", c.stream)

	go h.writeLoop(c)

	// Subscribers never send anything meaningful; reading detects closure.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("alert subscriber read error", "error", err)
			}
			break
		}
	}
	h.remove(c)
	_ = conn.Close()
}

func (h *Hub) writeLoop(c *hubClient) {
	for rec := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(hubWriteTimeout))
		if err := c.conn.WriteJSON(rec); err != nil {
			h.logger.Debug("alert subscriber write failed", "error", err)
			_ = c.conn.Close()
			// Keep draining until remove closes the channel.
			for range c.send {
			}
			return
		}
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = c.conn.Close()
}

func (h *Hub) add(c *hubClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *hubClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Send queues rec for every matching subscriber without blocking.
func (h *Hub) Send(_ context.Context, rec severity.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	for c := range h.clients {
		if c.stream != "" && c.stream != rec.Stream {
			continue
		}
		select {
		case c.send <- rec:
		default:
			h.logger.Warn("dropping slow alert subscriber", "stream", c.stream)
			h.removeLocked(c)
			_ = c.conn.Close()
		}
	}
	return nil
}

// Close disconnects every subscriber. It is safe to call more than once.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
	return nil
}
