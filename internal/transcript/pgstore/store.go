package pgstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/livescribe/internal/transcript"
)

const (
	defaultQueueSize    = 256
	defaultWriteTimeout = 5 * time.Second
)

// ErrClosed is returned by [Store.Write] after [Store.Close].
var ErrClosed = errors.New("pgstore: store closed")

// Entry is one committed utterance.
type Entry struct {
	SessionID string
	Seq       int
	Text      string
	CreatedAt time.Time
}

// Option is a functional option for configuring a [Store].
type Option func(*Store)

// WithQueueSize sets how many utterances may wait for the database before
// new ones are dropped. Default 256.
func WithQueueSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// WithWriteTimeout bounds each insert. Default 5s.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// Store appends committed utterances to PostgreSQL. Listener callbacks only
// enqueue; a background writer performs the inserts so that a slow database
// never holds up result processing.
//
// All methods are safe for concurrent use.
type Store struct {
	pool         *pgxpool.Pool
	queueSize    int
	writeTimeout time.Duration

	queue chan Entry
	done  chan struct{}

	mu        sync.Mutex
	closed    bool
	sessionID string
	seq       int
	dropped   int
}

var (
	_ transcript.Listener        = (*Store)(nil)
	_ transcript.SessionObserver = (*Store)(nil)
)

// New connects to the database at dsn, runs [Migrate] and starts the writer.
func New(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgstore: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	s := &Store{
		pool:         pool,
		queueSize:    defaultQueueSize,
		writeTimeout: defaultWriteTimeout,
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.queue = make(chan Entry, s.queueSize)
	go s.run()
	return s, nil
}

// SessionStarted implements [transcript.SessionObserver].
func (s *Store) SessionStarted(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = id
	s.seq = 0
}

// InterimUpdated implements [transcript.Listener]. Interim text is not stored.
func (s *Store) InterimUpdated(string) {}

// CommittedAppended implements [transcript.Listener]. The utterance is queued
// for the writer; when the queue is full it is dropped and a warning logged.
func (s *Store) CommittedAppended(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.seq++
	e := Entry{SessionID: s.sessionID, Seq: s.seq, Text: text, CreatedAt: time.Now().UTC()}
	select {
	case s.queue <- e:
	default:
		s.dropped++
		slog.Warn("pgstore: write queue full, dropping utterance",
			"session_id", e.SessionID,
			"seq", e.Seq,
			"dropped", s.dropped,
		)
	}
}

func (s *Store) run() {
	defer close(s.done)
	for e := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
		err := s.Write(ctx, e)
		cancel()
		if err != nil {
			slog.Error("pgstore: failed to store utterance",
				"session_id", e.SessionID,
				"seq", e.Seq,
				"err", err,
			)
		}
	}
}

// Write inserts e immediately. Writing the same session and sequence number
// twice keeps the first text.
func (s *Store) Write(ctx context.Context, e Entry) error {
	const q = `
		INSERT INTO transcript_entries (session_id, seq, text, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id, seq) DO NOTHING`

	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if _, err := s.pool.Exec(ctx, q, e.SessionID, e.Seq, e.Text, e.CreatedAt); err != nil {
		return fmt.Errorf("pgstore: write entry: %w", err)
	}
	return nil
}

// Session returns the utterances of one session in order.
func (s *Store) Session(ctx context.Context, sessionID string) ([]Entry, error) {
	const q = `
		SELECT session_id, seq, text, created_at
		FROM   transcript_entries
		WHERE  session_id = $1
		ORDER  BY seq`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: session: %w", err)
	}
	return collectEntries(rows)
}

// Search returns utterances matching the full-text query, newest first.
// limit <= 0 means no limit.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]Entry, error) {
	q := `
		SELECT session_id, seq, text, created_at
		FROM   transcript_entries
		WHERE  to_tsvector('simple', text) @@ plainto_tsquery('simple', $1)
		ORDER  BY created_at DESC`
	args := []any{query}
	if limit > 0 {
		q += "\n\t\tLIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("pgstore: search: %w", err)
	}
	return collectEntries(rows)
}

func collectEntries(rows pgx.Rows) ([]Entry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var e Entry
		err := row.Scan(&e.SessionID, &e.Seq, &e.Text, &e.CreatedAt)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("pgstore: scan entries: %w", err)
	}
	return entries, nil
}

// Check pings the database. It has the signature of a health checker.
func (s *Store) Check(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("pgstore: ping: %w", err)
	}
	return nil
}

// Close stops accepting utterances, waits for queued ones to be written and
// releases the connection pool.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	<-s.done
	s.pool.Close()
}
