// Package framebuf provides the bounded audio frame queues that decouple the
// capture, recognition and playback workers.
//
// A [Queue] is a bounded FIFO with a per-queue overflow [Policy]. A [Fanout]
// reads one upstream queue and delivers every frame to each attached consumer
// queue, so consumers never compete for frames.
package framebuf

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/livescribe/pkg/audio"
)

// ErrClosed is returned by Push after Close, and by Pop once a closed queue
// has been drained. For consumers it is the end-of-stream signal.
var ErrClosed = errors.New("framebuf: queue closed")

// Policy selects what Push does when the queue is full.
type Policy int

const (
	// Backpressure blocks the producer until space frees up.
	Backpressure Policy = iota

	// DropOldest discards the frame at the head of the queue to make room.
	// Push never blocks. Used for latency-sensitive consumers like playback.
	DropOldest
)

// String returns the configuration name of the policy.
func (p Policy) String() string {
	switch p {
	case Backpressure:
		return "backpressure"
	case DropOldest:
		return "drop_oldest"
	default:
		return "unknown"
	}
}

// ParsePolicy converts a configuration name into a Policy. The empty string
// selects [Backpressure].
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "backpressure":
		return Backpressure, nil
	case "drop_oldest":
		return DropOldest, nil
	default:
		return 0, errors.New("framebuf: unknown policy " + s)
	}
}

// Queue is a bounded FIFO of audio frames. It is safe for concurrent use by
// any number of producers and consumers; FIFO order is preserved for each
// producer.
type Queue struct {
	policy Policy

	mu      sync.Mutex
	buf     []audio.AudioFrame
	head    int
	n       int
	closed  bool
	dropped uint64
	// changed is closed and replaced whenever the queue content or state
	// changes, waking every blocked Push and Pop.
	changed chan struct{}
}

// New returns an empty queue holding at most capacity frames. A capacity
// below 1 is raised to 1.
func New(capacity int, policy Policy) *Queue {
	return &Queue{
		policy:  policy,
		buf:     make([]audio.AudioFrame, max(capacity, 1)),
		changed: make(chan struct{}),
	}
}

// Push appends f to the queue. With [Backpressure] it blocks while the queue
// is full until space frees up, ctx is done or the queue is closed. With
// [DropOldest] it never blocks and evicts the oldest frame instead.
func (q *Queue) Push(ctx context.Context, f audio.AudioFrame) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}
		if q.n < len(q.buf) {
			q.buf[(q.head+q.n)%len(q.buf)] = f
			q.n++
			q.broadcastLocked()
			q.mu.Unlock()
			return nil
		}
		if q.policy == DropOldest {
			q.buf[q.head] = f
			q.head = (q.head + 1) % len(q.buf)
			q.dropped++
			q.broadcastLocked()
			q.mu.Unlock()
			return nil
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// Pop removes and returns the oldest frame. It blocks until a frame is
// available or ctx is done. Once the queue is closed, Pop keeps returning the
// remaining frames and then [ErrClosed].
func (q *Queue) Pop(ctx context.Context) (audio.AudioFrame, error) {
	for {
		q.mu.Lock()
		if q.n > 0 {
			f := q.buf[q.head]
			q.buf[q.head] = audio.AudioFrame{}
			q.head = (q.head + 1) % len(q.buf)
			q.n--
			q.broadcastLocked()
			q.mu.Unlock()
			return f, nil
		}
		if q.closed {
			q.mu.Unlock()
			return audio.AudioFrame{}, ErrClosed
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return audio.AudioFrame{}, ctx.Err()
		case <-wait:
		}
	}
}

// Flush discards every queued frame and returns how many were removed.
func (q *Queue) Flush() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.n
	clear(q.buf)
	q.head, q.n = 0, 0
	if n > 0 {
		q.broadcastLocked()
	}
	return n
}

// Close marks the queue closed and wakes all waiters. Frames already queued
// can still be popped. Close is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcastLocked()
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len returns the number of queued frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return len(q.buf) }

// Policy returns the overflow policy of the queue.
func (q *Queue) Policy() Policy { return q.policy }

// Dropped returns how many frames [DropOldest] has evicted so far.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *Queue) broadcastLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}
