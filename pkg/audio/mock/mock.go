// Package mock provides in-memory mock implementations of the [audio.InputDevice]
// and [audio.OutputDevice] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every open and close so that
// tests can assert that a device was acquired and released exactly once, and they
// expose exported fields that the test can set to control return values.
//
// Typical usage:
//
//	in := mock.NewInputStream(8)
//	dev := &mock.InputDevice{Stream: in}
//	in.Feed(make([]byte, 2048))
//	stream, err := dev.OpenInput(ctx, audio.DefaultDeviceConfig())
package mock

import (
	"context"
	"errors"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/livescribe/pkg/audio"
)

// ErrStreamClosed is returned by Read and Write after Close.
var ErrStreamClosed = errors.New("mock: stream closed")

// ─── InputStream ──────────────────────────────────────────────────────────────

// InputStream is a mock [audio.InputStream]. Data handed to [InputStream.Feed]
// is returned by Read in order. When Silence is set and no data is queued,
// Read produces zero samples every Interval instead of blocking.
type InputStream struct {
	// Silence makes Read return zeroed buffers when no fed data is pending.
	Silence bool

	// Interval paces silent reads. Zero means no delay.
	Interval time.Duration

	mu         sync.Mutex
	pending    []byte
	readErr    error
	closeCount int

	chunks    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

// NewInputStream returns an open InputStream whose feed channel holds up to
// buffer chunks.
func NewInputStream(buffer int) *InputStream {
	return &InputStream{
		chunks: make(chan []byte, buffer),
		closed: make(chan struct{}),
	}
}

// Feed queues raw PCM for subsequent reads. It blocks while the feed buffer is
// full and is a no-op after Close.
func (s *InputStream) Feed(pcm []byte) {
	select {
	case s.chunks <- slices.Clone(pcm):
	case <-s.closed:
	}
}

// FailWith makes every subsequent Read return err, simulating a device failure
// such as an unplugged microphone.
func (s *InputStream) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readErr = err
}

// Read implements [audio.InputStream].
func (s *InputStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	if s.readErr != nil {
		err := s.readErr
		s.mu.Unlock()
		return 0, err
	}
	if len(s.pending) > 0 {
		n := copy(p, s.pending)
		s.pending = s.pending[n:]
		s.mu.Unlock()
		return n, nil
	}
	s.mu.Unlock()

	select {
	case <-s.closed:
		return 0, ErrStreamClosed
	default:
	}

	if s.Silence {
		select {
		case chunk := <-s.chunks:
			return s.consume(p, chunk), nil
		case <-s.closed:
			return 0, ErrStreamClosed
		case <-time.After(s.Interval):
			clear(p)
			return len(p), nil
		}
	}

	select {
	case chunk := <-s.chunks:
		return s.consume(p, chunk), nil
	case <-s.closed:
		return 0, ErrStreamClosed
	}
}

func (s *InputStream) consume(p, chunk []byte) int {
	n := copy(p, chunk)
	if n < len(chunk) {
		s.mu.Lock()
		s.pending = append(s.pending, chunk[n:]...)
		s.mu.Unlock()
	}
	return n
}

// Close implements [audio.InputStream]. Every call is counted; only the first
// one unblocks readers.
func (s *InputStream) Close() error {
	s.mu.Lock()
	s.closeCount++
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// CloseCount returns how many times Close was called.
func (s *InputStream) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}

// Closed reports whether Close has been called.
func (s *InputStream) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// ─── InputDevice ──────────────────────────────────────────────────────────────

// InputDevice is a mock implementation of [audio.InputDevice].
// Set the exported fields before use; inspect the call records after.
type InputDevice struct {
	mu sync.Mutex

	// Stream is returned by OpenInput. When nil, a fresh silent stream is
	// created for every successful call.
	Stream *InputStream

	// OpenErr is returned by OpenInput when non-nil. It is wrapped with
	// [audio.ErrDeviceUnavailable].
	OpenErr error

	// OpenCalls records the config of every OpenInput call.
	OpenCalls []audio.DeviceConfig

	// Opened holds every stream handed out, in order.
	Opened []*InputStream
}

// OpenInput implements [audio.InputDevice].
func (d *InputDevice) OpenInput(_ context.Context, cfg audio.DeviceConfig) (audio.InputStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls = append(d.OpenCalls, cfg)
	if d.OpenErr != nil {
		return nil, errors.Join(audio.ErrDeviceUnavailable, d.OpenErr)
	}
	s := d.Stream
	if s == nil {
		s = NewInputStream(0)
		s.Silence = true
		s.Interval = time.Millisecond
	}
	d.Opened = append(d.Opened, s)
	return s, nil
}

// OpenCount returns the number of successful and failed OpenInput calls.
func (d *InputDevice) OpenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.OpenCalls)
}

// Streams returns a snapshot of the streams handed out so far.
func (d *InputDevice) Streams() []*InputStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.Opened)
}

// ─── OutputStream ─────────────────────────────────────────────────────────────

// OutputStream is a mock [audio.OutputStream] that records every write.
type OutputStream struct {
	mu         sync.Mutex
	writes     [][]byte
	writeErr   error
	closeCount int
	notify     chan struct{}
}

// NewOutputStream returns an empty OutputStream.
func NewOutputStream() *OutputStream {
	return &OutputStream{notify: make(chan struct{}, 1)}
}

// FailWith makes every subsequent Write return err.
func (s *OutputStream) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

// Write implements [audio.OutputStream]. The buffer is copied.
func (s *OutputStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeCount > 0 {
		return 0, ErrStreamClosed
	}
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	s.writes = append(s.writes, slices.Clone(p))
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return len(p), nil
}

// Close implements [audio.OutputStream].
func (s *OutputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCount++
	return nil
}

// Writes returns a copy of every buffer written so far.
func (s *OutputStream) Writes() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.writes)
}

// CloseCount returns how many times Close was called.
func (s *OutputStream) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}

// WaitWrites blocks until at least n writes were recorded or ctx is done.
func (s *OutputStream) WaitWrites(ctx context.Context, n int) error {
	for {
		s.mu.Lock()
		got := len(s.writes)
		s.mu.Unlock()
		if got >= n {
			return nil
		}
		select {
		case <-s.notify:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ─── OutputDevice ─────────────────────────────────────────────────────────────

// OutputDevice is a mock implementation of [audio.OutputDevice].
type OutputDevice struct {
	mu sync.Mutex

	// Stream is returned by OpenOutput. When nil a new stream is created per call.
	Stream *OutputStream

	// OpenErr is returned (wrapped with [audio.ErrDeviceUnavailable]) when non-nil.
	OpenErr error

	// OpenCalls records the config of every OpenOutput call.
	OpenCalls []audio.DeviceConfig

	// Opened holds every stream handed out, in order.
	Opened []*OutputStream
}

// OpenOutput implements [audio.OutputDevice].
func (d *OutputDevice) OpenOutput(_ context.Context, cfg audio.DeviceConfig) (audio.OutputStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls = append(d.OpenCalls, cfg)
	if d.OpenErr != nil {
		return nil, errors.Join(audio.ErrDeviceUnavailable, d.OpenErr)
	}
	s := d.Stream
	if s == nil {
		s = NewOutputStream()
	}
	d.Opened = append(d.Opened, s)
	return s, nil
}

// Streams returns a snapshot of the streams handed out so far.
func (d *OutputDevice) Streams() []*OutputStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.Opened)
}

var (
	_ audio.InputDevice  = (*InputDevice)(nil)
	_ audio.OutputDevice = (*OutputDevice)(nil)
	_ io.ReadCloser      = (*InputStream)(nil)
	_ io.WriteCloser     = (*OutputStream)(nil)
)
