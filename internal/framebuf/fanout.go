package framebuf

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/MrWong99/livescribe/pkg/audio"
)

// FanoutOption configures a [Fanout].
type FanoutOption func(*Fanout)

// WithDropHook registers fn to be called for every frame a consumer queue
// evicted under [DropOldest].
func WithDropHook(fn func(consumer string)) FanoutOption {
	return func(f *Fanout) {
		f.onDrop = fn
	}
}

// Fanout is the single reader of an upstream queue. It delivers every frame to
// each attached consumer queue in upstream order. Consumers can be attached and
// detached while the fan-out is running; a consumer only sees frames
// dispatched while it was attached.
type Fanout struct {
	src    *Queue
	onDrop func(consumer string)

	mu        sync.Mutex
	consumers map[string]*Queue
	order     []string
	stopped   bool
}

// NewFanout returns a fan-out reading from src.
func NewFanout(src *Queue, opts ...FanoutOption) *Fanout {
	f := &Fanout{
		src:       src,
		consumers: make(map[string]*Queue),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Attach registers q under name. An existing consumer with the same name is
// detached and closed first. Attaching after Run returned closes q
// immediately.
func (f *Fanout) Attach(name string, q *Queue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		q.Close()
		return
	}
	if old, ok := f.consumers[name]; ok {
		old.Close()
	} else {
		f.order = append(f.order, name)
	}
	f.consumers[name] = q
}

// Detach removes and closes the consumer registered under name. It reports
// whether a consumer was attached.
func (f *Fanout) Detach(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.consumers[name]
	if !ok {
		return false
	}
	delete(f.consumers, name)
	f.order = slices.DeleteFunc(f.order, func(n string) bool { return n == name })
	q.Close()
	return true
}

// Consumers returns the names of the attached consumers in attach order.
func (f *Fanout) Consumers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.order)
}

// Run dispatches frames until the upstream queue is closed and drained or ctx
// is done. On return every attached consumer queue is closed so that
// consumers observe end-of-stream. Run returns nil on an orderly end and the
// context error on cancellation.
func (f *Fanout) Run(ctx context.Context) error {
	defer f.closeAll()
	for {
		frame, err := f.src.Pop(ctx)
		if errors.Is(err, ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := f.deliver(ctx, frame); err != nil {
			return err
		}
	}
}

type consumer struct {
	name string
	q    *Queue
}

// deliver pushes frame into every consumer. Lossy consumers are served before
// those that apply backpressure, so a full blocking queue never starves them.
// The consumer set is snapshotted so that a blocked Push never holds the lock
// against Attach or Detach.
func (f *Fanout) deliver(ctx context.Context, frame audio.AudioFrame) error {
	f.mu.Lock()
	targets := make([]consumer, 0, len(f.order))
	for _, n := range f.order {
		targets = append(targets, consumer{name: n, q: f.consumers[n]})
	}
	f.mu.Unlock()
	slices.SortStableFunc(targets, func(a, b consumer) int {
		return blocking(a.q) - blocking(b.q)
	})

	for _, c := range targets {
		before := c.q.Dropped()
		err := c.q.Push(ctx, frame)
		if errors.Is(err, ErrClosed) {
			// Detached concurrently.
			continue
		}
		if err != nil {
			return err
		}
		if f.onDrop != nil && c.q.Dropped() > before {
			f.onDrop(c.name)
		}
	}
	return nil
}

func blocking(q *Queue) int {
	if q.Policy() == Backpressure {
		return 1
	}
	return 0
}

func (f *Fanout) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	for _, name := range f.order {
		f.consumers[name].Close()
	}
	slog.Debug("frame fan-out stopped", "consumers", len(f.order))
}
