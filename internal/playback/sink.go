// Package playback monitors captured audio by writing frames to an output
// device while they are being recognised.
package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/livescribe/internal/framebuf"
	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/pkg/audio"
)

// ErrAlreadyPlaying is returned by [Sink.Start] while a previous Start is
// still running.
var ErrAlreadyPlaying = errors.New("playback: already playing")

// Option is a functional option for configuring a [Sink].
type Option func(*Sink)

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Sink) {
		s.metrics = m
	}
}

// WithOnError registers fn to be called when the playback worker stops
// because the output device failed.
func WithOnError(fn func(error)) Option {
	return func(s *Sink) {
		s.onError = fn
	}
}

// Sink writes frames to an output device. Frames are converted to the device
// format when it differs from the capture format; the source frames are
// never modified.
type Sink struct {
	device  audio.OutputDevice
	cfg     audio.DeviceConfig
	metrics *observe.Metrics
	onError func(error)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	// closeErr is written by the worker before done is closed.
	closeErr error
}

// New creates a sink for device. cfg describes the format the device is
// opened with.
func New(device audio.OutputDevice, cfg audio.DeviceConfig, opts ...Option) *Sink {
	s := &Sink{
		device:  device,
		cfg:     cfg,
		metrics: observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start opens the output device and starts a worker that plays frames in
// order until [Sink.Stop] is called or frames reaches end-of-stream.
//
// ctx bounds opening the device; its values (logger, trace) are kept for the
// worker. Start returns an error wrapping [audio.ErrDeviceUnavailable] when the
// device cannot be opened and [ErrAlreadyPlaying] while already running.
func (s *Sink) Start(ctx context.Context, frames *framebuf.Queue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.runningLocked() {
		return ErrAlreadyPlaying
	}

	stream, err := s.device.OpenOutput(ctx, s.cfg)
	if err != nil {
		if !errors.Is(err, audio.ErrDeviceUnavailable) {
			err = errors.Join(audio.ErrDeviceUnavailable, err)
		}
		return fmt.Errorf("playback: open: %w", err)
	}

	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.closeErr = nil
	s.metrics.ActivePlayback.Add(ctx, 1)

	go func() {
		defer close(done)
		defer s.metrics.ActivePlayback.Add(wctx, -1)
		err := s.play(wctx, stream, frames)
		if err != nil && s.onError != nil {
			s.onError(err)
		}
	}()

	observe.Logger(ctx).Info("playback started", "device", s.cfg.Device)
	return nil
}

// play is the playback worker. The stream is closed exactly once on return;
// cancelling ctx closes it early so that a blocked write returns.
func (s *Sink) play(ctx context.Context, stream audio.OutputStream, frames *framebuf.Queue) error {
	var closeOnce sync.Once
	closeStream := func() {
		closeOnce.Do(func() {
			if err := stream.Close(); err != nil {
				s.closeErr = fmt.Errorf("playback: close: %w", err)
			}
		})
	}
	stop := context.AfterFunc(ctx, closeStream)
	defer func() {
		stop()
		closeStream()
	}()

	conv := &audio.FormatConverter{Target: s.cfg.Format()}
	for {
		f, err := frames.Pop(ctx)
		if err != nil {
			// End-of-stream or Stop.
			return nil
		}
		out := conv.Convert(f)
		if len(out.Data) == 0 {
			continue
		}
		if _, err := stream.Write(out.Data); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			observe.Logger(ctx).Error("playback device failed", "err", err)
			if !errors.Is(err, audio.ErrDeviceFailed) {
				err = errors.Join(audio.ErrDeviceFailed, err)
			}
			return fmt.Errorf("playback: write: %w", err)
		}
		s.metrics.FramesPlayed.Add(ctx, 1)
	}
}

// Stop stops the worker, waits for it and releases the output device. It is
// idempotent and a no-op when the sink is not playing.
func (s *Sink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel, s.done = nil, nil
	return s.closeErr
}

// Playing reports whether the worker is running. It turns false on its own
// when frames reached end-of-stream or the device failed.
func (s *Sink) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runningLocked()
}

// runningLocked reports whether a worker is active, reaping one that already
// finished. s.mu must be held.
func (s *Sink) runningLocked() bool {
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		s.cancel()
		s.cancel, s.done = nil, nil
		return false
	default:
		return true
	}
}
