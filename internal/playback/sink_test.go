package playback_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/livescribe/internal/framebuf"
	"github.com/MrWong99/livescribe/internal/playback"
	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/audio/mock"
)

func monoConfig() audio.DeviceConfig {
	return audio.DeviceConfig{Device: "test", SampleRate: 44100, Channels: 1, FrameSamples: 2}
}

func frame(seq uint64, samples ...byte) audio.AudioFrame {
	return audio.AudioFrame{Data: samples, SampleRate: 44100, Channels: 1, Seq: seq}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSink_PlaysInOrder(t *testing.T) {
	t.Parallel()

	out := mock.NewOutputStream()
	dev := &mock.OutputDevice{Stream: out}
	sink := playback.New(dev, monoConfig())
	q := framebuf.New(8, framebuf.DropOldest)

	if err := sink.Start(t.Context(), q); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := range 3 {
		_ = q.Push(t.Context(), frame(uint64(i), byte(i), 0, byte(i), 0))
	}
	if err := out.WaitWrites(t.Context(), 3); err != nil {
		t.Fatalf("WaitWrites: %v", err)
	}
	if err := sink.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	writes := out.Writes()
	for i, w := range writes {
		if w[0] != byte(i) {
			t.Errorf("write %d starts with %d, want %d", i, w[0], i)
		}
	}
	if n := out.CloseCount(); n != 1 {
		t.Errorf("device closed %d times, want 1", n)
	}
}

func TestSink_ConvertsWithoutMutatingFrames(t *testing.T) {
	t.Parallel()

	out := mock.NewOutputStream()
	cfg := monoConfig()
	cfg.Channels = 2
	sink := playback.New(&mock.OutputDevice{Stream: out}, cfg)
	q := framebuf.New(4, framebuf.Backpressure)

	src := []byte{1, 0, 2, 0}
	f := frame(0, src...)
	if err := sink.Start(t.Context(), q); err != nil {
		t.Fatalf("Start: %v", err)
	}
	_ = q.Push(t.Context(), f)
	_ = out.WaitWrites(t.Context(), 1)
	_ = sink.Stop()

	if got, want := out.Writes()[0], []byte{1, 0, 1, 0, 2, 0, 2, 0}; !bytes.Equal(got, want) {
		t.Errorf("wrote %v, want %v", got, want)
	}
	if !bytes.Equal(f.Data, src) || len(f.Data) != 4 {
		t.Errorf("source frame modified: %v", f.Data)
	}
}

func TestSink_StartTwice(t *testing.T) {
	t.Parallel()

	dev := &mock.OutputDevice{}
	sink := playback.New(dev, monoConfig())
	q := framebuf.New(1, framebuf.DropOldest)
	if err := sink.Start(t.Context(), q); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sink.Stop()

	if err := sink.Start(t.Context(), q); !errors.Is(err, playback.ErrAlreadyPlaying) {
		t.Fatalf("second Start = %v, want ErrAlreadyPlaying", err)
	}
	if n := len(dev.Streams()); n != 1 {
		t.Errorf("device opened %d times, want 1", n)
	}
}

func TestSink_StopIdempotent(t *testing.T) {
	t.Parallel()

	out := mock.NewOutputStream()
	sink := playback.New(&mock.OutputDevice{Stream: out}, monoConfig())
	if err := sink.Stop(); err != nil {
		t.Fatalf("Stop before Start: %v", err)
	}
	if err := sink.Start(t.Context(), framebuf.New(1, framebuf.DropOldest)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for range 3 {
		if err := sink.Stop(); err != nil {
			t.Fatalf("Stop: %v", err)
		}
	}
	if sink.Playing() {
		t.Error("Playing after Stop")
	}
	if n := out.CloseCount(); n != 1 {
		t.Errorf("device closed %d times, want 1", n)
	}
}

func TestSink_OpenFailure(t *testing.T) {
	t.Parallel()

	sink := playback.New(&mock.OutputDevice{OpenErr: errors.New("no sink")}, monoConfig())
	err := sink.Start(t.Context(), framebuf.New(1, framebuf.DropOldest))
	if !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("Start = %v, want ErrDeviceUnavailable", err)
	}
	if sink.Playing() {
		t.Error("Playing after failed Start")
	}
}

func TestSink_WriteFailure(t *testing.T) {
	t.Parallel()

	out := mock.NewOutputStream()
	out.FailWith(errors.New("unplugged"))

	var (
		mu     sync.Mutex
		failed error
	)
	sink := playback.New(&mock.OutputDevice{Stream: out}, monoConfig(), playback.WithOnError(func(err error) {
		mu.Lock()
		defer mu.Unlock()
		failed = err
	}))
	q := framebuf.New(2, framebuf.DropOldest)
	if err := sink.Start(t.Context(), q); err != nil {
		t.Fatalf("Start: %v", err)
	}
	_ = q.Push(t.Context(), frame(0, 1, 0, 1, 0))

	waitUntil(t, func() bool { return !sink.Playing() })
	mu.Lock()
	err := failed
	mu.Unlock()
	if !errors.Is(err, audio.ErrDeviceFailed) {
		t.Errorf("OnError got %v, want ErrDeviceFailed", err)
	}
	if n := out.CloseCount(); n != 1 {
		t.Errorf("device closed %d times, want 1", n)
	}

	// A failed sink can be started again.
	if err := sink.Start(t.Context(), framebuf.New(1, framebuf.DropOldest)); err != nil {
		t.Fatalf("restart: %v", err)
	}
	_ = sink.Stop()
}

func TestSink_EndOfFrames(t *testing.T) {
	t.Parallel()

	out := mock.NewOutputStream()
	sink := playback.New(&mock.OutputDevice{Stream: out}, monoConfig())
	q := framebuf.New(2, framebuf.Backpressure)
	if err := sink.Start(t.Context(), q); err != nil {
		t.Fatalf("Start: %v", err)
	}
	_ = q.Push(t.Context(), frame(0, 1, 0, 1, 0))
	q.Close()

	waitUntil(t, func() bool { return !sink.Playing() })
	if len(out.Writes()) != 1 || out.CloseCount() != 1 {
		t.Errorf("writes = %d, closes = %d; want 1, 1", len(out.Writes()), out.CloseCount())
	}
}

func TestSink_OutlivesStartContext(t *testing.T) {
	t.Parallel()

	out := mock.NewOutputStream()
	sink := playback.New(&mock.OutputDevice{Stream: out}, monoConfig())
	q := framebuf.New(2, framebuf.Backpressure)

	ctx, cancel := context.WithCancel(t.Context())
	if err := sink.Start(ctx, q); err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()

	_ = q.Push(t.Context(), frame(0, 1, 0, 1, 0))
	if err := out.WaitWrites(t.Context(), 1); err != nil {
		t.Fatalf("WaitWrites: %v", err)
	}
	_ = sink.Stop()
}
