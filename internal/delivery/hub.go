package delivery

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	hubMaxClients    = 256
	hubWriteTimeout  = 10 * time.Second
	hubPongTimeout   = 60 * time.Second
	hubPingInterval  = 30 * time.Second
	hubClientBacklog = 64
)

// Hub keeps the websocket subscribers of the primary streaming channel.
type Hub struct {
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu      sync.RWMutex
	clients map[*hubClient]struct{}
	closed  bool
}

type hubClient struct {
	conn *websocket.Conn
	send chan hubFrame
}

// hubFrame is one queued message; the write pump reports the write result
// on ack exactly once.
type hubFrame struct {
	msg      []byte
	deadline time.Time
	ack      chan<- error
}

// NewHub builds an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:  logger.With().Str("component", "stream_hub").Logger(),
		clients: make(map[*hubClient]struct{}),
	}
}

// ServeHTTP upgrades the request and registers the subscriber.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &hubClient{conn: conn, send: make(chan hubFrame, hubClientBacklog)}
	h.mu.Lock()
	if h.closed || len(h.clients) >= hubMaxClients {
		h.mu.Unlock()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "hub at capacity"))
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Info().Int("subscribers", total).Str("remote", r.RemoteAddr).Msg("stream subscriber connected")

	go h.writePump(c)
	go h.readPump(c)
}

// Broadcast queues msg to every subscriber and waits until one socket write
// succeeds. It returns the writes confirmed by then; a frame that only sits
// in a backlog is not counted. Subscribers with a full backlog are dropped.
func (h *Hub) Broadcast(ctx context.Context, msg []byte) (int, error) {
	deadline := time.Now().Add(hubWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	h.mu.Lock()
	acks := make(chan error, len(h.clients))
	queued := 0
	for c := range h.clients {
		select {
		case c.send <- hubFrame{msg: msg, deadline: deadline, ack: acks}:
			queued++
		default:
			h.removeLocked(c)
		}
	}
	h.mu.Unlock()
	if queued == 0 {
		return 0, ErrNoSubscriber
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	var lastErr error
	for pending := queued; pending > 0; pending-- {
		select {
		case err := <-acks:
			if err != nil {
				lastErr = err
				continue
			}
			return 1 + confirmedNow(acks), nil
		case <-ctx.Done():
			return 0, fmt.Errorf("%w: %v", ErrNotConfirmed, ctx.Err())
		case <-timer.C:
			return 0, fmt.Errorf("%w: no write before deadline", ErrNotConfirmed)
		}
	}
	return 0, fmt.Errorf("%w: %v", ErrNotConfirmed, lastErr)
}

// confirmedNow counts successful acks already reported without waiting.
func confirmedNow(acks <-chan error) int {
	n := 0
	for {
		select {
		case err := <-acks:
			if err == nil {
				n++
			}
		default:
			return n
		}
	}
}

// Subscribers returns the connected subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
}

func (h *Hub) remove(c *hubClient) {
	h.mu.Lock()
	_, present := h.clients[c]
	h.removeLocked(c)
	total := len(h.clients)
	h.mu.Unlock()
	if present {
		h.logger.Info().Int("subscribers", total).Msg("stream subscriber disconnected")
	}
}

func (h *Hub) removeLocked(c *hubClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

func (h *Hub) writePump(c *hubClient) {
	ticker := time.NewTicker(hubPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case f, ok := <-c.send:
			if !ok {
				_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(f.deadline)
			err := c.conn.WriteMessage(websocket.TextMessage, f.msg)
			f.ack <- err
			if err != nil {
				h.logger.Warn().Err(err).Msg("stream write failed, dropping subscriber")
				h.fail(c, err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(hubWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.fail(c, err)
				return
			}
		}
	}
}

// fail unregisters c and fails every frame still queued for it.
func (h *Hub) fail(c *hubClient, err error) {
	h.remove(c)
	for f := range c.send {
		f.ack <- err
	}
}

// readPump only services control frames; subscribers do not send data.
func (h *Hub) readPump(c *hubClient) {
	defer h.remove(c)
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(hubPongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(hubPongTimeout))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
