// Package bus publishes transcript events to NATS so that other processes can
// follow a recording session live.
//
// Events are JSON encoded [Event] values on three subjects below a
// configurable prefix:
//
//	<prefix>.session    a new recording session started
//	<prefix>.interim    the interim hypothesis changed ("" clears it)
//	<prefix>.committed  an utterance was committed
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/MrWong99/livescribe/internal/transcript"
)

// Event types, also used as the last subject token.
const (
	EventSession   = "session"
	EventInterim   = "interim"
	EventCommitted = "committed"
)

// ErrNotConnected is returned by [Publisher.Check] while the connection to the
// server is down.
var ErrNotConnected = errors.New("bus: not connected")

// Event is the payload of every published message.
type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Seq       int       `json:"seq,omitempty"`
	Text      string    `json:"text"`
	Time      time.Time `json:"time"`
}

// Publisher implements [transcript.Listener] by publishing every change. It
// never blocks on the network: the NATS client buffers outgoing messages and
// keeps reconnecting in the background.
type Publisher struct {
	conn   *nats.Conn
	prefix string
	owned  bool
	now    func() time.Time

	mu        sync.Mutex
	sessionID string
	seq       int
}

var (
	_ transcript.Listener        = (*Publisher)(nil)
	_ transcript.SessionObserver = (*Publisher)(nil)
)

// Connect dials the NATS server at url and returns a Publisher owning the
// connection.
func Connect(url, prefix string) (*Publisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("livescribe"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("bus: disconnected from NATS", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("bus: reconnected to NATS", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("bus: connect to %s: %w", url, err)
	}
	slog.Info("bus: connected to NATS", "url", conn.ConnectedUrl(), "prefix", prefix)
	p := NewPublisher(conn, prefix)
	p.owned = true
	return p, nil
}

// NewPublisher publishes on an existing connection. The caller keeps
// ownership of conn.
func NewPublisher(conn *nats.Conn, prefix string) *Publisher {
	return &Publisher{conn: conn, prefix: prefix, now: time.Now}
}

// Subject returns the subject events of the given type are published on.
func (p *Publisher) Subject(eventType string) string {
	return p.prefix + "." + eventType
}

// SessionStarted implements [transcript.SessionObserver].
func (p *Publisher) SessionStarted(id string) {
	p.mu.Lock()
	p.sessionID = id
	p.seq = 0
	p.mu.Unlock()
	p.publish(Event{Type: EventSession, SessionID: id})
}

// InterimUpdated implements [transcript.Listener].
func (p *Publisher) InterimUpdated(text string) {
	p.mu.Lock()
	id := p.sessionID
	p.mu.Unlock()
	p.publish(Event{Type: EventInterim, SessionID: id, Text: text})
}

// CommittedAppended implements [transcript.Listener].
func (p *Publisher) CommittedAppended(text string) {
	p.mu.Lock()
	p.seq++
	ev := Event{Type: EventCommitted, SessionID: p.sessionID, Seq: p.seq, Text: text}
	p.mu.Unlock()
	p.publish(ev)
}

func (p *Publisher) publish(ev Event) {
	ev.Time = p.now().UTC()
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("bus: encode event", "type", ev.Type, "err", err)
		return
	}
	if err := p.conn.Publish(p.Subject(ev.Type), data); err != nil {
		slog.Warn("bus: publish failed", "subject", p.Subject(ev.Type), "err", err)
	}
}

// Check reports [ErrNotConnected] unless the connection is up.
func (p *Publisher) Check(context.Context) error {
	if s := p.conn.Status(); s != nats.CONNECTED {
		return fmt.Errorf("%w (%s)", ErrNotConnected, s)
	}
	return nil
}

// Close flushes pending messages and closes the connection if the Publisher
// owns it.
func (p *Publisher) Close() error {
	if !p.owned {
		return p.conn.FlushTimeout(2 * time.Second)
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return fmt.Errorf("bus: drain: %w", err)
	}
	return nil
}
