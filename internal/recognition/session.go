// Package recognition runs a streaming speech-recognition session: it forwards
// captured frames to an [stt.Provider] stream, delivers results as they
// arrive and transparently reopens the stream after transient failures.
package recognition

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livescribe/internal/framebuf"
	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// Default reconnection parameters.
const (
	defaultMaxRetries   = 5
	defaultBackoff      = 500 * time.Millisecond
	defaultMaxBackoff   = 10 * time.Second
	defaultDrainTimeout = 5 * time.Second
)

// ErrRetriesExhausted is returned by [Session.Run] when the stream kept failing
// after the configured number of consecutive reconnection attempts.
var ErrRetriesExhausted = errors.New("recognition: reconnection attempts exhausted")

// errEndedEarly marks a stream the provider ended before it was half-closed.
var errEndedEarly = fmt.Errorf("recognition: stream ended before half-close: %w", stt.ErrServiceUnavailable)

// TransientError wraps a recoverable stream failure together with the number of
// consecutive failures so far.
type TransientError struct {
	Attempt int
	Err     error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("recognition: transient stream error (attempt %d): %v", e.Attempt, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Config configures a [Session].
type Config struct {
	// Stream is passed to [stt.Provider.StartStream] on every (re)open.
	Stream stt.StreamConfig

	// ProviderName labels logs and metrics.
	ProviderName string

	// MaxRetries is the number of consecutive failed stream attempts tolerated
	// before giving up. Defaults to 5 if zero.
	MaxRetries int

	// Backoff is the initial wait before reopening a failed stream. Doubles each
	// attempt up to MaxBackoff. Defaults to 500ms if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on backoff duration. Defaults to 10s if zero.
	MaxBackoff time.Duration

	// DrainTimeout bounds how long results are awaited after the half-close.
	// Defaults to 5s if zero.
	DrainTimeout time.Duration
}

// Option is a functional option for configuring a [Session].
type Option func(*Session)

// WithOnReconnect registers fn to be called before every reconnection attempt
// with the failure that caused it.
func WithOnReconnect(fn func(err *TransientError)) Option {
	return func(s *Session) {
		s.onReconnect = fn
	}
}

// WithOnOpen registers fn to be called with the outcome of every attempt to
// open a stream: nil once the stream is open, before any of its results are
// delivered, or the dial error.
func WithOnOpen(fn func(err error)) Option {
	return func(s *Session) {
		s.onOpen = fn
	}
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

// Session owns the lifetime of the recognition stream for one recording
// session. A Session is not reusable: call Run once.
type Session struct {
	provider    stt.Provider
	cfg         Config
	metrics     *observe.Metrics
	onReconnect func(err *TransientError)
	onOpen      func(err error)
}

// New creates a recognition session for provider.
func New(provider stt.Provider, cfg Config, opts ...Option) *Session {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = "stt"
	}
	s := &Session{
		provider: provider,
		cfg:      cfg,
		metrics:  observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run streams frames to the provider and calls out for every result until
// ctx is cancelled or frames reaches end-of-stream. On either, the stream is
// half-closed and results are drained so that the final result of the last
// utterance is still delivered; Run then returns nil.
//
// Authentication and configuration errors end Run immediately. Other failures
// reopen the stream with exponential backoff, discarding frames that queued up
// in the meantime; frames already sent are never resent. After MaxRetries
// consecutive failures Run returns an error wrapping [ErrRetriesExhausted].
// A stream that delivered at least one result resets the failure count.
//
// out is called from a single goroutine, in result order.
func (s *Session) Run(ctx context.Context, frames *framebuf.Queue, out func(stt.Result)) error {
	log := observe.Logger(ctx)
	failures := 0
	backoff := s.cfg.Backoff

	for {
		delivered, err := s.attempt(ctx, frames, out)
		if err == nil {
			return nil
		}
		if stt.IsFatal(err) {
			s.metrics.RecordProviderError(ctx, s.cfg.ProviderName, "fatal")
			log.Error("recognition stream failed permanently", "provider", s.cfg.ProviderName, "err", err)
			return fmt.Errorf("recognition: %w", err)
		}
		if ctx.Err() != nil {
			return nil
		}
		s.metrics.RecordProviderError(ctx, s.cfg.ProviderName, "transient")

		if delivered {
			failures = 0
			backoff = s.cfg.Backoff
		}
		failures++
		if failures > s.cfg.MaxRetries {
			log.Error("reconnection failed after max retries",
				"provider", s.cfg.ProviderName,
				"max_retries", s.cfg.MaxRetries,
				"err", err,
			)
			return fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
		}

		terr := &TransientError{Attempt: failures, Err: err}
		log.Warn("recognition stream interrupted, reconnecting",
			"provider", s.cfg.ProviderName,
			"attempt", failures,
			"max_retries", s.cfg.MaxRetries,
			"backoff", backoff,
			"err", err,
		)
		s.metrics.RecordReconnect(ctx, s.cfg.ProviderName)
		if s.onReconnect != nil {
			s.onReconnect(terr)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, s.cfg.MaxBackoff)

		// Frames captured while the stream was down are stale.
		if n := frames.Flush(); n > 0 {
			s.metrics.RecordDropped(ctx, "reconnect", n)
			log.Debug("discarded stale frames before reconnect", "frames", n)
		}
	}
}

// attempt opens one stream and runs the send and receive workers until the
// stream ends. It returns nil after an orderly half-close and drain, and
// reports whether any result was delivered.
func (s *Session) attempt(ctx context.Context, frames *framebuf.Queue, out func(stt.Result)) (bool, error) {
	ctx, span := observe.StartSpan(ctx, "recognition.stream")
	defer span.End()

	start := time.Now()
	stream, err := s.provider.StartStream(ctx, s.cfg.Stream)
	if s.onOpen != nil {
		s.onOpen(err)
	}
	if err != nil {
		s.metrics.RecordStreamOpen(ctx, s.cfg.ProviderName, "error", time.Since(start).Seconds())
		span.RecordError(err)
		return false, fmt.Errorf("open stream: %w", err)
	}
	s.metrics.RecordStreamOpen(ctx, s.cfg.ProviderName, "ok", time.Since(start).Seconds())
	defer stream.Close()

	var (
		delivered  atomic.Bool
		halfClosed atomic.Bool
		sendErr    atomic.Pointer[error]
		recvDone   = make(chan struct{})
	)

	g, gctx := errgroup.WithContext(ctx)

	// Send worker: forward frames until cancellation or end-of-stream, then
	// half-close. A send failure tears the stream down so that the receive
	// worker can report the cause.
	g.Go(func() error {
		for {
			f, err := frames.Pop(gctx)
			if err != nil {
				break
			}
			if err := stream.SendAudio(gctx, f.Data); err != nil {
				if gctx.Err() != nil {
					break
				}
				sendErr.Store(&err)
				_ = stream.Close()
				return nil
			}
			s.metrics.FramesSent.Add(gctx, 1)
		}

		halfClosed.Store(true)
		if err := stream.CloseSend(); err != nil {
			observe.Logger(ctx).Debug("half-close failed", "err", err)
			_ = stream.Close()
			return nil
		}
		drain := time.AfterFunc(s.cfg.DrainTimeout, func() {
			observe.Logger(ctx).Warn("timed out waiting for final results", "timeout", s.cfg.DrainTimeout)
			_ = stream.Close()
		})
		<-recvDone
		drain.Stop()
		return nil
	})

	// Receive worker: deliver results until the provider ends the stream.
	g.Go(func() error {
		defer close(recvDone)
		for r := range stream.Results() {
			delivered.Store(true)
			out(r)
		}
		if err := stream.Err(); err != nil {
			return err
		}
		if p := sendErr.Load(); p != nil {
			return *p
		}
		if !halfClosed.Load() {
			return errEndedEarly
		}
		return nil
	})

	err = g.Wait()
	if err != nil {
		span.RecordError(err)
	}
	return delivered.Load(), err
}
