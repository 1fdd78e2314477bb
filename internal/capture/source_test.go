package capture_test

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/livescribe/internal/capture"
	"github.com/MrWong99/livescribe/internal/framebuf"
	"github.com/MrWong99/livescribe/pkg/audio"
	audiomock "github.com/MrWong99/livescribe/pkg/audio/mock"
)

// testConfig uses 4-sample mono frames (8 bytes) to keep fixtures small.
var testConfig = audio.DeviceConfig{Device: "test", SampleRate: 44100, Channels: 1, FrameSamples: 4}

func pcm(samples ...int16) []byte {
	b := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
	}
	return b
}

func openTestSource(t *testing.T, opts ...capture.Option) (*capture.Source, *audiomock.InputStream) {
	t.Helper()
	stream := audiomock.NewInputStream(16)
	src, err := capture.Open(t.Context(), &audiomock.InputDevice{Stream: stream}, testConfig, opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = src.Close() })
	return src, stream
}

func TestOpen_DeviceUnavailable(t *testing.T) {
	t.Parallel()

	dev := &audiomock.InputDevice{OpenErr: errors.New("no microphone")}
	_, err := capture.Open(t.Context(), dev, testConfig)
	if !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("err = %v, want ErrDeviceUnavailable", err)
	}
	if len(dev.Streams()) != 0 {
		t.Error("no stream should be handed out on failure")
	}
}

func TestOpen_InvalidFrameSize(t *testing.T) {
	t.Parallel()

	dev := &audiomock.InputDevice{}
	if _, err := capture.Open(t.Context(), dev, audio.DeviceConfig{SampleRate: 44100, Channels: 1}); err == nil {
		t.Fatal("expected error for zero frame size")
	}
	if dev.OpenCount() != 0 {
		t.Error("device should not be opened with an invalid config")
	}
}

func TestReadFrame_AssemblesFixedSizeFramesInOrder(t *testing.T) {
	t.Parallel()

	src, stream := openTestSource(t)
	// 12 samples arrive in uneven chunks; they must come out as 3 frames of 4.
	stream.Feed(pcm(1, 2, 3))
	stream.Feed(pcm(4, 5, 6, 7, 8, 9))
	stream.Feed(pcm(10, 11, 12))

	for i := range 3 {
		f, err := src.ReadFrame(t.Context())
		if err != nil {
			t.Fatalf("ReadFrame %d: %v", i, err)
		}
		if f.Seq != uint64(i) {
			t.Errorf("frame %d Seq = %d", i, f.Seq)
		}
		if len(f.Data) != testConfig.FrameBytes() {
			t.Errorf("frame %d has %d bytes, want %d", i, len(f.Data), testConfig.FrameBytes())
		}
		if first := int16(binary.LittleEndian.Uint16(f.Data)); first != int16(i*4+1) {
			t.Errorf("frame %d first sample = %d, want %d", i, first, i*4+1)
		}
		if f.SampleRate != 44100 || f.Channels != 1 {
			t.Errorf("frame %d format = %dHz %dch", i, f.SampleRate, f.Channels)
		}
	}
}

func TestReadFrame_AppliesSensitivity(t *testing.T) {
	t.Parallel()

	var level float64
	src, stream := openTestSource(t, capture.WithSensitivity(100), capture.WithLevelHook(func(l float64) { level = l }))
	stream.Feed(pcm(100, -100, 16384, 0))

	f, err := src.ReadFrame(t.Context())
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got := int16(binary.LittleEndian.Uint16(f.Data)); got != 200 {
		t.Errorf("first sample = %d, want 200 at double gain", got)
	}
	if level < 0.99 {
		t.Errorf("level = %v, want ~1", level)
	}

	src.SetSensitivity(0)
	stream.Feed(pcm(100, 100, 100, 100))
	f, _ = src.ReadFrame(t.Context())
	if got := int16(binary.LittleEndian.Uint16(f.Data)); got != 0 {
		t.Errorf("first sample after muting = %d, want 0", got)
	}
}

func TestReadFrame_DeviceFailure(t *testing.T) {
	t.Parallel()

	src, stream := openTestSource(t)
	stream.FailWith(errors.New("unplugged"))

	_, err := src.ReadFrame(t.Context())
	if !errors.Is(err, audio.ErrDeviceFailed) {
		t.Fatalf("err = %v, want ErrDeviceFailed", err)
	}
}

func TestFrames_StopsOnCancelAndClosesDevice(t *testing.T) {
	t.Parallel()

	src, stream := openTestSource(t)
	stream.Feed(pcm(1, 2, 3, 4))

	ctx, cancel := context.WithCancel(t.Context())
	var got int
	done := make(chan struct{})
	go func() {
		defer close(done)
		for f, err := range src.Frames(ctx) {
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			got++
			_ = f
			cancel()
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Frames did not stop after cancel")
	}
	if got != 1 {
		t.Errorf("got %d frames, want 1", got)
	}
	if !stream.Closed() {
		t.Error("cancelling the sequence should close the device")
	}
}

func TestRun_PushesFramesAndClosesQueue(t *testing.T) {
	t.Parallel()

	src, stream := openTestSource(t)
	q := framebuf.New(8, framebuf.Backpressure)

	ctx, cancel := context.WithCancel(t.Context())
	runErr := make(chan error, 1)
	go func() { runErr <- src.Run(ctx, q) }()

	for i := range 3 {
		stream.Feed(pcm(int16(i), 0, 0, 0))
	}
	for i := range 3 {
		f, err := q.Pop(t.Context())
		if err != nil {
			t.Fatalf("Pop: %v", err)
		}
		if f.Seq != uint64(i) {
			t.Errorf("Seq = %d, want %d", f.Seq, i)
		}
	}

	cancel()
	if err := <-runErr; err != nil {
		t.Errorf("Run after cancel = %v, want nil", err)
	}
	if !q.Closed() {
		t.Error("Run should close the queue")
	}
}

func TestRun_ReportsDeviceFailure(t *testing.T) {
	t.Parallel()

	src, stream := openTestSource(t)
	stream.FailWith(errors.New("unplugged"))
	q := framebuf.New(1, framebuf.Backpressure)

	if err := src.Run(t.Context(), q); !errors.Is(err, audio.ErrDeviceFailed) {
		t.Fatalf("Run err = %v, want ErrDeviceFailed", err)
	}
	if !q.Closed() {
		t.Error("Run should close the queue on failure")
	}
}

func TestClose_ReleasesDeviceExactlyOnce(t *testing.T) {
	t.Parallel()

	src, stream := openTestSource(t)
	for range 3 {
		if err := src.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	if got := stream.CloseCount(); got != 1 {
		t.Errorf("device closed %d times, want 1", got)
	}
	if _, err := src.ReadFrame(t.Context()); !errors.Is(err, capture.ErrClosed) {
		t.Errorf("ReadFrame after Close err = %v, want ErrClosed", err)
	}
}
