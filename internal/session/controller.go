// Package session coordinates one recording session at a time: it owns the
// microphone, the frame fan-out, the recognition stream and the optional
// playback monitor, and tears all of them down in order on stop.
//
// A recording session is started with [Controller.Start] and ended with
// [Controller.Stop]. Playback can be toggled independently with
// [Controller.StartPlayback] and [Controller.StopPlayback]; when enabled while
// no session is recording it attaches to the next session.
//
// All exported methods are safe for concurrent use.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livescribe/internal/capture"
	"github.com/MrWong99/livescribe/internal/framebuf"
	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/internal/playback"
	"github.com/MrWong99/livescribe/internal/recognition"
	"github.com/MrWong99/livescribe/internal/transcript"
	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// Consumer names on the session fan-out.
const (
	consumerRecognition = "recognition"
	consumerPlayback    = "playback"
)

const (
	defaultBufferCapacity   = 256
	defaultPlaybackCapacity = 64
	errorEventBuffer        = 16
)

var (
	// ErrAlreadyRecording is returned by [Controller.Start] while a session is
	// recording. The running session is left untouched.
	ErrAlreadyRecording = errors.New("session: already recording")

	// ErrPlaybackUnavailable is returned by [Controller.StartPlayback] when no
	// output device is configured.
	ErrPlaybackUnavailable = errors.New("session: no playback device configured")

	// ErrUnsupportedLanguage is returned by [Controller.SetLanguage] for a
	// language outside the configured set.
	ErrUnsupportedLanguage = errors.New("session: unsupported language")
)

// Handle is a running recording session. It is created by [Controller.Start]
// and destroyed once every worker has returned.
type Handle struct {
	// ID uniquely identifies the session.
	ID string

	// StartedAt is when the session was started.
	StartedAt time.Time

	// Language is the recognition language of the session.
	Language string

	ctx    context.Context
	cancel context.CancelFunc
	source *capture.Source
	fanout *framebuf.Fanout
	done   chan struct{}
}

// Status is a point-in-time view of the controller.
type Status struct {
	Recording bool
	Playing   bool
	SessionID string
	StartedAt time.Time
	Language  string
	// Sensitivity is the input sensitivity on the 0..100 scale.
	Sensitivity int
	// LastError is the error that ended the most recent session, if any.
	LastError error
}

// ControllerConfig holds all dependencies for a [Controller].
type ControllerConfig struct {
	// Input is the microphone. Required.
	Input audio.InputDevice

	// Capture describes how Input is opened.
	Capture audio.DeviceConfig

	// Output is the playback device. When nil, playback is unavailable.
	Output audio.OutputDevice

	// Playback describes how Output is opened.
	Playback audio.DeviceConfig

	// Provider is the streaming recognition backend. Required.
	Provider stt.Provider

	// Recognition is the template for every session's recognition stream. Its
	// Stream.Language is replaced by the controller's current language.
	Recognition recognition.Config

	// Reconciler receives every recognition result. It is reset on Start.
	// Defaults to a reconciler without listeners.
	Reconciler *transcript.Reconciler

	// BufferCapacity bounds the capture and recognition queues. Default 256.
	BufferCapacity int

	// PlaybackCapacity bounds the playback queue. Default 64.
	PlaybackCapacity int

	// PlaybackPolicy is the overflow policy of the playback queue.
	PlaybackPolicy framebuf.Policy

	// Sensitivity is the initial input sensitivity (0..100, 50 is unity).
	Sensitivity int

	// Languages restricts [Controller.SetLanguage]. Empty allows any code.
	Languages []string

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// OnError, if set, is called for every error event in addition to the
	// [Controller.Errors] channel.
	OnError func(error)
}

// Controller runs recording sessions.
type Controller struct {
	cfg     ControllerConfig
	metrics *observe.Metrics
	sink    *playback.Sink
	errs    chan error

	// opMu serialises Start, Stop and the playback toggles so that a new
	// session never opens the device before the previous one released it.
	opMu sync.Mutex

	mu          sync.Mutex
	active      *Handle
	playing     bool
	language    string
	keywords    []stt.KeywordBoost
	sensitivity int
	lastErr     error
}

// NewController creates a Controller. No device is opened until Start.
func NewController(cfg ControllerConfig) *Controller {
	if cfg.BufferCapacity <= 0 {
		cfg.BufferCapacity = defaultBufferCapacity
	}
	if cfg.PlaybackCapacity <= 0 {
		cfg.PlaybackCapacity = defaultPlaybackCapacity
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Reconciler == nil {
		cfg.Reconciler = transcript.NewReconciler(transcript.WithMetrics(cfg.Metrics))
	}
	c := &Controller{
		cfg:         cfg,
		metrics:     cfg.Metrics,
		errs:        make(chan error, errorEventBuffer),
		language:    cfg.Recognition.Stream.Language,
		keywords:    cfg.Recognition.Stream.Keywords,
		sensitivity: cfg.Sensitivity,
	}
	if cfg.Output != nil {
		c.sink = playback.New(cfg.Output, cfg.Playback,
			playback.WithMetrics(cfg.Metrics),
			playback.WithOnError(c.playbackFailed),
		)
	}
	return c
}

// Start begins a recording session: it opens the microphone and starts the
// capture, dispatch and recognition workers (and playback when enabled).
//
// It returns [ErrAlreadyRecording] when a session is running, an error
// wrapping [audio.ErrDeviceUnavailable] when the microphone cannot be opened
// and an error wrapping [stt.ErrAuth] or [stt.ErrConfig] when the first
// recognition stream is rejected. In those cases nothing is left running.
// Start waits for the first stream attempt; a transient failure there does
// not fail Start, the session keeps reconnecting. ctx bounds opening the
// devices and the stream; the session runs until [Controller.Stop] or a fatal
// worker error.
func (c *Controller) Start(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.active != nil {
		id := c.active.ID
		c.mu.Unlock()
		return fmt.Errorf("%w (id=%s)", ErrAlreadyRecording, id)
	}
	language, keywords, sensitivity, playing := c.language, c.keywords, c.sensitivity, c.playing
	c.mu.Unlock()

	id := uuid.NewString()
	sctx := observe.ContextWithSession(context.WithoutCancel(ctx), id)
	sctx, span := observe.StartSpan(sctx, "session.record")
	sctx, cancel := context.WithCancel(sctx)

	src, err := capture.Open(ctx, c.cfg.Input, c.cfg.Capture,
		capture.WithSensitivity(sensitivity),
		capture.WithMetrics(c.metrics),
	)
	if err != nil {
		cancel()
		span.RecordError(err)
		span.End()
		return fmt.Errorf("session: start: %w", err)
	}

	upstream := framebuf.New(c.cfg.BufferCapacity, framebuf.Backpressure)
	fanout := framebuf.NewFanout(upstream, framebuf.WithDropHook(func(consumer string) {
		c.metrics.RecordDropped(sctx, consumer, 1)
	}))
	recQ := framebuf.New(c.cfg.BufferCapacity, framebuf.Backpressure)
	fanout.Attach(consumerRecognition, recQ)

	h := &Handle{
		ID:        id,
		StartedAt: time.Now().UTC(),
		Language:  language,
		ctx:       sctx,
		cancel:    cancel,
		source:    src,
		fanout:    fanout,
		done:      make(chan struct{}),
	}

	if playing {
		if err := c.attachPlayback(h); err != nil {
			// Recording does not depend on monitoring.
			observe.Logger(sctx).Warn("playback unavailable for session", "err", err)
			c.emit(err)
			c.mu.Lock()
			c.playing = false
			c.mu.Unlock()
		}
	}

	recCfg := c.cfg.Recognition
	recCfg.Stream.Language = language
	recCfg.Stream.Keywords = keywords
	// opened receives the outcome of the first stream attempt. The session is
	// announced from inside that attempt, before any of its results arrive.
	opened := make(chan error, 1)
	var openOnce sync.Once
	firstOpen := func(err error) {
		openOnce.Do(func() {
			if !stt.IsFatal(err) {
				c.cfg.Reconciler.Begin(id)
			}
			opened <- err
		})
	}
	rec := recognition.New(c.cfg.Provider, recCfg,
		recognition.WithMetrics(c.metrics),
		recognition.WithOnReconnect(func(err *recognition.TransientError) { c.emit(err) }),
		recognition.WithOnOpen(firstOpen),
	)

	g, gctx := errgroup.WithContext(sctx)
	g.Go(func() error {
		return src.Run(gctx, upstream)
	})
	g.Go(func() error {
		if err := fanout.Run(gctx); err != nil && gctx.Err() == nil {
			return fmt.Errorf("session: dispatch: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		// Closing the queue unblocks the dispatcher if recognition gave up.
		defer recQ.Close()
		err := rec.Run(gctx, recQ, func(r stt.Result) {
			c.cfg.Reconciler.Apply(sctx, r)
		})
		firstOpen(err)
		return err
	})

	// Wait for the first stream attempt; a rejected backend aborts the start.
	var openErr error
	select {
	case openErr = <-opened:
	case <-ctx.Done():
		openErr = ctx.Err()
	}
	if openErr != nil && (stt.IsFatal(openErr) || ctx.Err() != nil) {
		cancel()
		_ = g.Wait()
		if cerr := src.Close(); cerr != nil {
			observe.Logger(sctx).Warn("closing input device failed", "err", cerr)
		}
		if c.sink != nil {
			_ = c.sink.Stop()
		}
		span.RecordError(openErr)
		span.End()
		return fmt.Errorf("session: start: %w", openErr)
	}

	c.mu.Lock()
	c.active = h
	c.lastErr = nil
	c.mu.Unlock()

	c.metrics.ActiveSessions.Add(sctx, 1)
	observe.Logger(sctx).Info("session started",
		"language", language,
		"device", c.cfg.Capture.Device,
		"sample_rate", c.cfg.Capture.SampleRate,
		"playback", playing,
	)

	go c.finish(h, g, span)
	return nil
}

// finish waits for the session's workers, releases the devices and clears
// the active session. Worker errors are reported as error events.
func (c *Controller) finish(h *Handle, g *errgroup.Group, span trace.Span) {
	defer close(h.done)
	defer span.End()

	err := g.Wait()
	h.cancel()

	if cerr := h.source.Close(); cerr != nil {
		observe.Logger(h.ctx).Warn("closing input device failed", "err", cerr)
	}
	if c.sink != nil {
		if perr := c.sink.Stop(); perr != nil {
			observe.Logger(h.ctx).Warn("closing playback device failed", "err", perr)
		}
	}

	elapsed := time.Since(h.StartedAt)
	c.metrics.ActiveSessions.Add(h.ctx, -1)
	c.metrics.SessionDuration.Record(h.ctx, elapsed.Seconds())

	c.mu.Lock()
	if c.active == h {
		c.active = nil
	}
	if err != nil {
		c.lastErr = err
	}
	c.mu.Unlock()

	if err != nil {
		span.RecordError(err)
		observe.Logger(h.ctx).Error("session ended with error", "err", err, "duration", elapsed)
		c.emit(err)
		return
	}
	observe.Logger(h.ctx).Info("session stopped", "duration", elapsed)
}

// Stop ends the recording session: capture stops, the recognition stream is
// half-closed and drained so the last utterance is still committed, and the
// devices are released. Stop is a no-op when no session is recording.
//
// If ctx ends first, Stop returns its error while the shutdown completes in
// the background.
func (c *Controller) Stop(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	h := c.active
	c.mu.Unlock()
	if h == nil {
		return nil
	}

	observe.Logger(h.ctx).Debug("stopping session")
	h.cancel()
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session: stop: %w", ctx.Err())
	}
}

// Wait blocks until the current session (if any) has ended on its own or
// through Stop, or ctx is done.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	h := c.active
	c.mu.Unlock()
	if h == nil {
		return nil
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartPlayback enables monitoring. While a session is recording the output
// device is opened immediately; otherwise playback starts with the next
// session. It returns [ErrPlaybackUnavailable] without an output device and
// [playback.ErrAlreadyPlaying] when already enabled.
func (c *Controller) StartPlayback(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.sink == nil {
		return ErrPlaybackUnavailable
	}

	c.mu.Lock()
	if c.playing {
		c.mu.Unlock()
		return playback.ErrAlreadyPlaying
	}
	h := c.active
	c.mu.Unlock()

	if h != nil {
		if err := c.attachPlayback(h); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.playing = true
	c.mu.Unlock()
	observe.Logger(ctx).Info("playback enabled", "recording", h != nil)
	return nil
}

// StopPlayback disables monitoring and releases the output device. It is
// idempotent.
func (c *Controller) StopPlayback() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	wasPlaying := c.playing
	c.playing = false
	h := c.active
	c.mu.Unlock()

	if !wasPlaying || c.sink == nil {
		return nil
	}
	if h != nil {
		h.fanout.Detach(consumerPlayback)
	}
	if err := c.sink.Stop(); err != nil {
		return fmt.Errorf("session: stop playback: %w", err)
	}
	return nil
}

// attachPlayback opens the output device and attaches a playback queue to
// the session fan-out.
func (c *Controller) attachPlayback(h *Handle) error {
	q := framebuf.New(c.cfg.PlaybackCapacity, c.cfg.PlaybackPolicy)
	if err := c.sink.Start(h.ctx, q); err != nil {
		return fmt.Errorf("session: start playback: %w", err)
	}
	h.fanout.Attach(consumerPlayback, q)
	return nil
}

// playbackFailed handles an output device failure reported by the sink.
func (c *Controller) playbackFailed(err error) {
	c.mu.Lock()
	c.playing = false
	h := c.active
	c.mu.Unlock()
	if h != nil {
		h.fanout.Detach(consumerPlayback)
	}
	c.emit(err)
}

// SetLanguage sets the recognition language used by the next session.
func (c *Controller) SetLanguage(code string) error {
	if code == "" || (len(c.cfg.Languages) > 0 && !slices.Contains(c.cfg.Languages, code)) {
		return fmt.Errorf("%w: %q", ErrUnsupportedLanguage, code)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.language = code
	return nil
}

// SetKeywords replaces the recognition keyword hints used by the next session.
func (c *Controller) SetKeywords(keywords []stt.KeywordBoost) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keywords = slices.Clone(keywords)
}

// Languages returns the selectable languages.
func (c *Controller) Languages() []string {
	return slices.Clone(c.cfg.Languages)
}

// SetSensitivity changes the input sensitivity (0..100, 50 is unity). It
// applies to the running session immediately and to later sessions.
func (c *Controller) SetSensitivity(sensitivity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sensitivity = sensitivity
	if c.active != nil {
		c.active.source.SetSensitivity(sensitivity)
	}
}

// State returns the current status.
func (c *Controller) State() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		Playing:     c.playing,
		Language:    c.language,
		Sensitivity: c.sensitivity,
		LastError:   c.lastErr,
	}
	if c.active != nil {
		st.Recording = true
		st.SessionID = c.active.ID
		st.StartedAt = c.active.StartedAt
		st.Language = c.active.Language
	}
	return st
}

// Transcript returns the reconciler shared by all sessions.
func (c *Controller) Transcript() *transcript.Reconciler {
	return c.cfg.Reconciler
}

// Errors returns the channel of error events: reconnection attempts
// (*[recognition.TransientError]), device failures and errors that ended a
// session. Events are dropped when nobody drains the channel.
func (c *Controller) Errors() <-chan error {
	return c.errs
}

func (c *Controller) emit(err error) {
	if c.cfg.OnError != nil {
		c.cfg.OnError(err)
	}
	select {
	case c.errs <- err:
	default:
	}
}
