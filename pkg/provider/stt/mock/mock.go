// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller starts streams with the expected
// StreamConfig and to script a sequence of streams or dial failures. Use Stream
// to feed controlled Result values, end a stream with a chosen error and inspect
// which audio chunks were delivered.
//
// Example:
//
//	s := mock.NewStream()
//	p := &mock.Provider{Streams: []*mock.Stream{s}}
//	handle, _ := p.StartStream(ctx, cfg)
//	s.Emit(stt.Result{IsFinal: true, Alternatives: []stt.Alternative{{Transcript: "hi"}}})
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
//
// Each StartStream call consumes the next entry of Errs (if any entries are
// left and the entry is non-nil, it is returned as the error) and otherwise
// the next entry of Streams. When Streams is exhausted a fresh [Stream] that
// ends gracefully on CloseSend is returned.
type Provider struct {
	mu sync.Mutex

	// Streams are handed out in order.
	Streams []*Stream

	// Errs scripts dial failures: Errs[i] is returned by the i-th call when non-nil.
	Errs []error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall

	// Started records every stream handed out, including defaults.
	Started []*Stream

	// OnStart, if set, is called after every successful StartStream.
	OnStart func(*Stream)
}

var _ stt.Provider = (*Provider)(nil)

// StartStream records the call and returns the next scripted stream or error.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	call := len(p.StartStreamCalls)
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Cfg: cfg})
	if call < len(p.Errs) && p.Errs[call] != nil {
		err := p.Errs[call]
		p.mu.Unlock()
		return nil, err
	}
	var s *Stream
	if len(p.Streams) > 0 {
		s = p.Streams[0]
		p.Streams = p.Streams[1:]
	} else {
		s = NewStream()
		s.FinishOnCloseSend = true
	}
	p.Started = append(p.Started, s)
	hook := p.OnStart
	p.mu.Unlock()

	if hook != nil {
		hook(s)
	}
	return s, nil
}

// CallCount returns how many times StartStream was called.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartStreamCalls)
}

// StartedStreams returns a snapshot of the streams handed out so far.
func (p *Provider) StartedStreams() []*Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.Started)
}

// Stream is a mock implementation of stt.Stream.
type Stream struct {
	// FinishOnCloseSend ends the stream with a nil error as soon as CloseSend
	// is called, after any FinalOnCloseSend result was emitted.
	FinishOnCloseSend bool

	// FinalOnCloseSend, when non-nil, is emitted in response to CloseSend
	// before the stream finishes.
	FinalOnCloseSend *stt.Result

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	mu             sync.Mutex
	audio          [][]byte
	closeSendCount int
	closeCount     int
	sendClosed     bool
	err            error

	emitMu     sync.Mutex
	results    chan stt.Result
	finished   chan struct{}
	finishOnce sync.Once
	audioSig   chan struct{}
}

var _ stt.Stream = (*Stream)(nil)

// NewStream returns an open Stream with a buffered results channel.
func NewStream() *Stream {
	return &Stream{
		results:  make(chan stt.Result, 64),
		finished: make(chan struct{}),
		audioSig: make(chan struct{}, 1),
	}
}

// SendAudio records a copy of chunk.
func (s *Stream) SendAudio(ctx context.Context, chunk []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	if s.sendClosed || s.isFinished() {
		return stt.ErrStreamClosed
	}
	s.audio = append(s.audio, slices.Clone(chunk))
	select {
	case s.audioSig <- struct{}{}:
	default:
	}
	return nil
}

// CloseSend records the half-close and, depending on the configuration,
// emits a final result and finishes the stream.
func (s *Stream) CloseSend() error {
	s.mu.Lock()
	s.closeSendCount++
	first := !s.sendClosed
	s.sendClosed = true
	final := s.FinalOnCloseSend
	finish := s.FinishOnCloseSend
	s.mu.Unlock()

	if first && final != nil {
		s.Emit(*final)
	}
	if first && finish {
		s.Finish(nil)
	}
	return nil
}

// Results implements stt.Stream.
func (s *Stream) Results() <-chan stt.Result { return s.results }

// Err implements stt.Stream.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close finishes the stream with a nil error if it is still open.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.closeCount++
	s.mu.Unlock()
	s.Finish(nil)
	return nil
}

// Emit delivers r on the results channel, blocking while it is full. It is a
// no-op once the stream finished.
func (s *Stream) Emit(r stt.Result) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.isFinished() {
		return
	}
	select {
	case s.results <- r:
	case <-s.finished:
	}
}

// Finish ends the stream: err becomes the value of Err and the results channel
// is closed. Only the first call has an effect.
func (s *Stream) Finish(err error) {
	s.finishOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.finished)

		s.emitMu.Lock()
		close(s.results)
		s.emitMu.Unlock()
	})
}

func (s *Stream) isFinished() bool {
	select {
	case <-s.finished:
		return true
	default:
		return false
	}
}

// Audio returns copies of all chunks received so far, in order.
func (s *Stream) Audio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.audio)
}

// WaitAudio blocks until at least n chunks were received or ctx is done.
func (s *Stream) WaitAudio(ctx context.Context, n int) error {
	for {
		s.mu.Lock()
		got := len(s.audio)
		s.mu.Unlock()
		if got >= n {
			return nil
		}
		select {
		case <-s.audioSig:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// CloseSendCount returns how many times CloseSend was called.
func (s *Stream) CloseSendCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeSendCount
}

// CloseCount returns how many times Close was called.
func (s *Stream) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}

// Final returns a final result carrying text.
func Final(text string) stt.Result {
	return stt.Result{IsFinal: true, Stability: 1, Alternatives: []stt.Alternative{{Transcript: text, Confidence: 1}}}
}

// Interim returns an interim result carrying text.
func Interim(text string) stt.Result {
	return stt.Result{Alternatives: []stt.Alternative{{Transcript: text}}}
}
