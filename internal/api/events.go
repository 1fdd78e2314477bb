package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/internal/transcript"
)

// Event types sent to WebSocket clients.
const (
	EventSession   = "session"
	EventInterim   = "interim"
	EventCommitted = "committed"
)

const (
	defaultClientBuffer = 64
	writeTimeout        = 5 * time.Second
)

// Event is one transcript change as sent to WebSocket clients.
type Event struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text"`
}

// Hub streams transcript events to connected WebSocket clients. It is a
// [transcript.Listener]: register it with the reconciler and serve it on the
// events route.
//
// Broadcasting never blocks the reconciler. A client whose buffer is full is
// disconnected with [websocket.StatusPolicyViolation] and has to reconnect and
// fetch the transcript snapshot.
type Hub struct {
	buffer int
	accept *websocket.AcceptOptions

	mu      sync.Mutex
	clients map[*client]struct{}
	session string
	closed  bool
}

var (
	_ transcript.Listener        = (*Hub)(nil)
	_ transcript.SessionObserver = (*Hub)(nil)
	_ http.Handler               = (*Hub)(nil)
)

// HubOption configures a [Hub].
type HubOption func(*Hub)

// WithClientBuffer sets how many events may queue per client before it is
// considered too slow. Default 64.
func WithClientBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithOriginPatterns allows cross-origin WebSocket connections from hosts
// matching patterns (see [websocket.AcceptOptions]).
func WithOriginPatterns(patterns ...string) HubOption {
	return func(h *Hub) {
		h.accept.OriginPatterns = append(h.accept.OriginPatterns, patterns...)
	}
}

// NewHub returns a Hub without clients.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		buffer:  defaultClientBuffer,
		accept:  &websocket.AcceptOptions{},
		clients: make(map[*client]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

type client struct {
	events chan Event
	conn   *websocket.Conn
}

// ServeHTTP upgrades the request to a WebSocket and streams events until the
// client goes away. Messages from the client are ignored.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())
	conn, err := websocket.Accept(w, r, h.accept)
	if err != nil {
		log.Debug("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	c := &client{events: make(chan Event, h.buffer), conn: conn}
	session, ok := h.add(c)
	if !ok {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer h.remove(c)

	ctx := conn.CloseRead(r.Context())
	if session != "" {
		if err := write(ctx, conn, Event{Type: EventSession, SessionID: session}); err != nil {
			return
		}
	}

	log.Debug("transcript client connected", "remote", r.RemoteAddr)
	for {
		select {
		case ev := <-c.events:
			if err := write(ctx, conn, ev); err != nil {
				log.Debug("transcript client write failed", "err", err)
				return
			}
		case <-ctx.Done():
			log.Debug("transcript client disconnected", "remote", r.RemoteAddr)
			return
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, ev Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}

func (h *Hub) add(c *client) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return "", false
	}
	h.clients[c] = struct{}{}
	return h.session, true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// SessionStarted implements [transcript.SessionObserver].
func (h *Hub) SessionStarted(id string) {
	h.mu.Lock()
	h.session = id
	h.mu.Unlock()
	h.broadcast(Event{Type: EventSession, SessionID: id})
}

// InterimUpdated implements [transcript.Listener].
func (h *Hub) InterimUpdated(text string) {
	h.broadcast(Event{Type: EventInterim, Text: text})
}

// CommittedAppended implements [transcript.Listener].
func (h *Hub) CommittedAppended(text string) {
	h.broadcast(Event{Type: EventCommitted, Text: text})
}

func (h *Hub) broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ev.SessionID == "" {
		ev.SessionID = h.session
	}
	for c := range h.clients {
		select {
		case c.events <- ev:
		default:
			delete(h.clients, c)
			go c.conn.Close(websocket.StatusPolicyViolation, "connection too slow to keep up with transcript")
		}
	}
}

// Close disconnects every client and refuses new ones. Hijacked connections
// are not closed by [http.Server.Shutdown].
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		go c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}
