package framebuf_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/livescribe/internal/framebuf"
	"github.com/MrWong99/livescribe/pkg/audio"
)

func frame(seq uint64) audio.AudioFrame {
	return audio.AudioFrame{Data: []byte{byte(seq), byte(seq >> 8)}, SampleRate: 44100, Channels: 1, Seq: seq}
}

func TestQueue_FIFO(t *testing.T) {
	t.Parallel()

	q := framebuf.New(8, framebuf.Backpressure)
	for i := range uint64(5) {
		if err := q.Push(t.Context(), frame(i)); err != nil {
			t.Fatalf("Push(%d): %v", i, err)
		}
	}
	for want := range uint64(5) {
		got, err := q.Pop(t.Context())
		if err != nil {
			t.Fatalf("Pop: %v", err)
		}
		if got.Seq != want {
			t.Fatalf("Pop Seq = %d, want %d", got.Seq, want)
		}
	}
}

func TestQueue_BackpressureBlocksUntilPop(t *testing.T) {
	t.Parallel()

	q := framebuf.New(1, framebuf.Backpressure)
	if err := q.Push(t.Context(), frame(0)); err != nil {
		t.Fatalf("Push: %v", err)
	}

	pushed := make(chan error, 1)
	go func() { pushed <- q.Push(t.Context(), frame(1)) }()

	select {
	case err := <-pushed:
		t.Fatalf("Push on full queue returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	if f, err := q.Pop(t.Context()); err != nil || f.Seq != 0 {
		t.Fatalf("Pop = %d, %v; want 0, nil", f.Seq, err)
	}
	select {
	case err := <-pushed:
		if err != nil {
			t.Fatalf("blocked Push: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Push did not unblock after Pop")
	}
	if f, _ := q.Pop(t.Context()); f.Seq != 1 {
		t.Errorf("second Pop Seq = %d, want 1", f.Seq)
	}
}

func TestQueue_PushHonoursContext(t *testing.T) {
	t.Parallel()

	q := framebuf.New(1, framebuf.Backpressure)
	_ = q.Push(t.Context(), frame(0))

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	if err := q.Push(ctx, frame(1)); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Push err = %v, want DeadlineExceeded", err)
	}
}

func TestQueue_DropOldest(t *testing.T) {
	t.Parallel()

	q := framebuf.New(3, framebuf.DropOldest)
	for i := range uint64(5) {
		if err := q.Push(t.Context(), frame(i)); err != nil {
			t.Fatalf("Push(%d): %v", i, err)
		}
	}
	if got := q.Dropped(); got != 2 {
		t.Errorf("Dropped() = %d, want 2", got)
	}
	for _, want := range []uint64{2, 3, 4} {
		got, err := q.Pop(t.Context())
		if err != nil || got.Seq != want {
			t.Fatalf("Pop = %d, %v; want %d", got.Seq, err, want)
		}
	}
}

func TestQueue_CloseDrainsThenSignalsEnd(t *testing.T) {
	t.Parallel()

	q := framebuf.New(4, framebuf.Backpressure)
	_ = q.Push(t.Context(), frame(7))
	q.Close()
	q.Close()

	if err := q.Push(t.Context(), frame(8)); !errors.Is(err, framebuf.ErrClosed) {
		t.Errorf("Push after Close err = %v, want ErrClosed", err)
	}
	if f, err := q.Pop(t.Context()); err != nil || f.Seq != 7 {
		t.Fatalf("Pop = %d, %v; want 7, nil", f.Seq, err)
	}
	if _, err := q.Pop(t.Context()); !errors.Is(err, framebuf.ErrClosed) {
		t.Errorf("Pop on drained closed queue err = %v, want ErrClosed", err)
	}
}

func TestQueue_CloseWakesBlockedPop(t *testing.T) {
	t.Parallel()

	q := framebuf.New(1, framebuf.Backpressure)
	done := make(chan error, 1)
	go func() {
		_, err := q.Pop(t.Context())
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-done:
		if !errors.Is(err, framebuf.ErrClosed) {
			t.Errorf("err = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake on Close")
	}
}

func TestQueue_Flush(t *testing.T) {
	t.Parallel()

	q := framebuf.New(4, framebuf.Backpressure)
	for i := range uint64(3) {
		_ = q.Push(t.Context(), frame(i))
	}
	if n := q.Flush(); n != 3 {
		t.Errorf("Flush() = %d, want 3", n)
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d after Flush", q.Len())
	}
	_ = q.Push(t.Context(), frame(9))
	if f, _ := q.Pop(t.Context()); f.Seq != 9 {
		t.Errorf("Pop after Flush Seq = %d, want 9", f.Seq)
	}
}

func TestParsePolicy(t *testing.T) {
	t.Parallel()

	if got := framebuf.DropOldest.String(); got != "drop_oldest" {
		t.Errorf("DropOldest.String() = %q", got)
	}

	tests := []struct {
		in      string
		want    framebuf.Policy
		wantErr bool
	}{
		{"", framebuf.Backpressure, false},
		{"backpressure", framebuf.Backpressure, false},
		{"drop_oldest", framebuf.DropOldest, false},
		{"lossy", 0, true},
	}
	for _, tt := range tests {
		got, err := framebuf.ParsePolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePolicy(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParsePolicy(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
