package framebuf_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/livescribe/internal/framebuf"
)

// collect pops q until end-of-stream and returns the sequence numbers seen.
func collect(t *testing.T, q *framebuf.Queue) <-chan []uint64 {
	t.Helper()
	out := make(chan []uint64, 1)
	go func() {
		var seqs []uint64
		for {
			f, err := q.Pop(context.Background())
			if err != nil {
				out <- seqs
				return
			}
			seqs = append(seqs, f.Seq)
		}
	}()
	return out
}

func TestFanout_EveryConsumerSeesEveryFrameInOrder(t *testing.T) {
	t.Parallel()

	src := framebuf.New(16, framebuf.Backpressure)
	a := framebuf.New(4, framebuf.Backpressure)
	b := framebuf.New(4, framebuf.Backpressure)

	f := framebuf.NewFanout(src)
	f.Attach("recognition", a)
	f.Attach("playback", b)
	gotA, gotB := collect(t, a), collect(t, b)

	runErr := make(chan error, 1)
	go func() { runErr <- f.Run(t.Context()) }()

	const n = 100
	for i := range uint64(n) {
		if err := src.Push(t.Context(), frame(i)); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	src.Close()

	if err := <-runErr; err != nil {
		t.Fatalf("Run: %v", err)
	}
	for name, ch := range map[string]<-chan []uint64{"a": gotA, "b": gotB} {
		seqs := <-ch
		if len(seqs) != n {
			t.Fatalf("consumer %s got %d frames, want %d", name, len(seqs), n)
		}
		for i, s := range seqs {
			if s != uint64(i) {
				t.Fatalf("consumer %s frame %d has Seq %d", name, i, s)
			}
		}
	}
}

func TestFanout_DetachClosesConsumer(t *testing.T) {
	t.Parallel()

	src := framebuf.New(4, framebuf.Backpressure)
	keep := framebuf.New(4, framebuf.Backpressure)
	drop := framebuf.New(4, framebuf.DropOldest)

	f := framebuf.NewFanout(src)
	f.Attach("keep", keep)
	f.Attach("drop", drop)
	go func() { _ = f.Run(t.Context()) }()

	if !f.Detach("drop") {
		t.Fatal("Detach reported no consumer")
	}
	if f.Detach("drop") {
		t.Error("second Detach reported a consumer")
	}
	if !drop.Closed() {
		t.Error("detached queue not closed")
	}
	if got := f.Consumers(); len(got) != 1 || got[0] != "keep" {
		t.Errorf("Consumers() = %v, want [keep]", got)
	}

	_ = src.Push(t.Context(), frame(1))
	if fr, err := keep.Pop(t.Context()); err != nil || fr.Seq != 1 {
		t.Errorf("Pop = %d, %v; want 1, nil", fr.Seq, err)
	}
	src.Close()
}

func TestFanout_SlowLossyConsumerDoesNotStallOthers(t *testing.T) {
	t.Parallel()

	src := framebuf.New(4, framebuf.Backpressure)
	fast := framebuf.New(64, framebuf.Backpressure)
	slow := framebuf.New(2, framebuf.DropOldest)

	var drops atomic.Int64
	f := framebuf.NewFanout(src, framebuf.WithDropHook(func(string) { drops.Add(1) }))
	f.Attach("fast", fast)
	f.Attach("slow", slow)

	var wg sync.WaitGroup
	wg.Go(func() { _ = f.Run(t.Context()) })

	for i := range uint64(20) {
		_ = src.Push(t.Context(), frame(i))
	}
	src.Close()
	wg.Wait()

	if fast.Len() != 20 {
		t.Errorf("fast consumer holds %d frames, want 20", fast.Len())
	}
	if got := drops.Load(); got != 18 {
		t.Errorf("drop hook called %d times, want 18", got)
	}
	if !slow.Closed() || !fast.Closed() {
		t.Error("consumers should be closed when upstream ends")
	}
}

func TestFanout_CancelClosesConsumers(t *testing.T) {
	t.Parallel()

	src := framebuf.New(1, framebuf.Backpressure)
	c := framebuf.New(1, framebuf.Backpressure)
	f := framebuf.NewFanout(src)
	f.Attach("c", c)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run err = %v, want Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return on cancel")
	}
	if !c.Closed() {
		t.Error("consumer not closed after cancel")
	}

	late := framebuf.New(1, framebuf.Backpressure)
	f.Attach("late", late)
	if !late.Closed() {
		t.Error("attaching after Run returned should close the queue")
	}
}

func TestFanout_FullBlockingConsumerDoesNotStarveLossyOnes(t *testing.T) {
	t.Parallel()

	src := framebuf.New(4, framebuf.Backpressure)
	stuck := framebuf.New(1, framebuf.Backpressure)
	monitor := framebuf.New(8, framebuf.DropOldest)

	f := framebuf.NewFanout(src)
	// Attached first, but served last.
	f.Attach("recognition", stuck)
	f.Attach("playback", monitor)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	for i := range uint64(3) {
		_ = src.Push(t.Context(), frame(i))
	}

	// stuck holds frame 0 and blocks the dispatcher on frame 1, after the
	// monitor already received it.
	deadline := time.Now().Add(2 * time.Second)
	for monitor.Len() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("monitor holds %d frames, want 2 while recognition is full", monitor.Len())
		}
		time.Sleep(time.Millisecond)
	}
	if stuck.Len() != 1 {
		t.Errorf("recognition holds %d frames, want 1", stuck.Len())
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want context.Canceled", err)
	}
}
