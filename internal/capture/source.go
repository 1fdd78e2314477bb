// Package capture reads fixed-size PCM frames from an input device and feeds
// them into the frame pipeline.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/livescribe/internal/framebuf"
	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/pkg/audio"
)

// ErrClosed is returned when reading from a closed source.
var ErrClosed = errors.New("capture: source closed")

// Option is a functional option for configuring a [Source].
type Option func(*Source)

// WithSensitivity sets the initial input sensitivity on the 0..100 scale
// (see [audio.GainFromSensitivity]). The default is unity.
func WithSensitivity(s int) Option {
	return func(src *Source) {
		src.SetSensitivity(s)
	}
}

// WithMetrics sets the metrics instance used to count captured frames.
func WithMetrics(m *observe.Metrics) Option {
	return func(src *Source) {
		src.metrics = m
	}
}

// WithLevelHook registers fn to receive the peak level (0..1) of every
// captured frame, e.g. to drive an input meter.
func WithLevelHook(fn func(level float64)) Option {
	return func(src *Source) {
		src.onLevel = fn
	}
}

// Source is an open microphone yielding [audio.AudioFrame] values of a fixed
// sample count. Reads are sequential; Close may be called from any goroutine
// and unblocks a pending read.
type Source struct {
	stream  audio.InputStream
	cfg     audio.DeviceConfig
	metrics *observe.Metrics
	onLevel func(float64)

	gain atomic.Uint64 // math.Float64bits of the linear gain factor

	seq atomic.Uint64
	// started is only touched by the reading goroutine.
	started time.Time

	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool
}

// Open acquires the input device. It returns an error wrapping
// [audio.ErrDeviceUnavailable] when the device cannot be opened.
func Open(ctx context.Context, dev audio.InputDevice, cfg audio.DeviceConfig, opts ...Option) (*Source, error) {
	if cfg.FrameBytes() <= 0 {
		return nil, fmt.Errorf("capture: open: invalid frame size %d samples x %d channels", cfg.FrameSamples, cfg.Channels)
	}
	stream, err := dev.OpenInput(ctx, cfg)
	if err != nil {
		if !errors.Is(err, audio.ErrDeviceUnavailable) {
			err = errors.Join(audio.ErrDeviceUnavailable, err)
		}
		return nil, fmt.Errorf("capture: open: %w", err)
	}
	s := &Source{
		stream:  stream,
		cfg:     cfg,
		metrics: observe.DefaultMetrics(),
	}
	s.gain.Store(math.Float64bits(1))
	for _, o := range opts {
		o(s)
	}
	slog.Debug("capture source opened",
		"device", cfg.Device,
		"sample_rate", cfg.SampleRate,
		"channels", cfg.Channels,
		"frame_samples", cfg.FrameSamples,
	)
	return s, nil
}

// Config returns the device configuration the source was opened with.
func (s *Source) Config() audio.DeviceConfig { return s.cfg }

// SetSensitivity changes the input gain on the 0..100 scale. Safe to call
// while frames are being read; it applies from the next frame on.
func (s *Source) SetSensitivity(sensitivity int) {
	s.gain.Store(math.Float64bits(audio.GainFromSensitivity(sensitivity)))
}

// ReadFrame blocks until one full frame has been read from the device.
// It returns ctx.Err() once ctx is done, [ErrClosed] after Close, and an error
// wrapping [audio.ErrDeviceFailed] when the device fails.
func (s *Source) ReadFrame(ctx context.Context) (audio.AudioFrame, error) {
	if err := ctx.Err(); err != nil {
		return audio.AudioFrame{}, err
	}
	if s.closed.Load() {
		return audio.AudioFrame{}, ErrClosed
	}
	if s.started.IsZero() {
		s.started = time.Now()
	}

	buf := make([]byte, s.cfg.FrameBytes())
	if _, err := io.ReadFull(s.stream, buf); err != nil {
		switch {
		case ctx.Err() != nil:
			return audio.AudioFrame{}, ctx.Err()
		case s.closed.Load():
			return audio.AudioFrame{}, ErrClosed
		case errors.Is(err, audio.ErrDeviceFailed):
			return audio.AudioFrame{}, fmt.Errorf("capture: read: %w", err)
		default:
			return audio.AudioFrame{}, fmt.Errorf("capture: read: %w", errors.Join(audio.ErrDeviceFailed, err))
		}
	}

	f := audio.AudioFrame{
		Data:       audio.ApplyGain(buf, math.Float64frombits(s.gain.Load())),
		SampleRate: s.cfg.SampleRate,
		Channels:   s.cfg.Channels,
		Seq:        s.seq.Add(1) - 1,
		Timestamp:  time.Since(s.started),
	}
	s.metrics.FramesCaptured.Add(ctx, 1)
	if s.onLevel != nil {
		s.onLevel(audio.PeakLevel(f.Data))
	}
	return f, nil
}

// Frames returns a lazy, unbounded sequence of frames read while ctx is live.
// The sequence ends silently when ctx is done or the source is closed; a
// device failure is yielded once as an error and ends the sequence.
//
// Cancelling ctx closes the source so that a blocked device read returns.
func (s *Source) Frames(ctx context.Context) iter.Seq2[audio.AudioFrame, error] {
	return func(yield func(audio.AudioFrame, error) bool) {
		stop := context.AfterFunc(ctx, func() { _ = s.Close() })
		defer func() {
			if !stop() {
				// The device is being released; wait for it.
				_ = s.Close()
			}
		}()

		for {
			f, err := s.ReadFrame(ctx)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, ErrClosed) {
					return
				}
				yield(audio.AudioFrame{}, err)
				return
			}
			if !yield(f, nil) {
				return
			}
		}
	}
}

// Run is the capture worker. It pushes every frame into q in capture order
// until ctx is done, the source is closed or the device fails. q is closed on
// return so that downstream consumers observe end-of-stream. Run returns nil
// on cancellation and the device error otherwise.
func (s *Source) Run(ctx context.Context, q *framebuf.Queue) error {
	defer q.Close()
	for f, err := range s.Frames(ctx) {
		if err != nil {
			observe.Logger(ctx).Error("capture device failed", "err", err)
			return err
		}
		if err := q.Push(ctx, f); err != nil {
			if ctx.Err() != nil || errors.Is(err, framebuf.ErrClosed) {
				return nil
			}
			return fmt.Errorf("capture: push: %w", err)
		}
	}
	return nil
}

// Close releases the input device. It is idempotent and safe for concurrent
// use; the device is closed exactly once.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeErr = s.stream.Close()
		if s.closeErr != nil {
			s.closeErr = fmt.Errorf("capture: close: %w", s.closeErr)
		}
		slog.Debug("capture source closed", "frames", s.seq.Load())
	})
	return s.closeErr
}
