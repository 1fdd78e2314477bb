// Package stt defines the Provider interface for streaming Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram) and
// exposes a uniform duplex streaming interface. The central abstraction is
// [Stream]: once opened, a stream accepts raw PCM audio chunks and emits
// [Result] values, zero or more interim hypotheses followed by exactly one
// final result per utterance. Sending and receiving are independent: callers
// typically feed audio from one goroutine and range over Results from another.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
)

// Encoding names the PCM encoding of audio sent on a stream.
type Encoding string

// EncodingLinear16 is 16-bit signed little-endian PCM.
const EncodingLinear16 Encoding = "linear16"

// StreamConfig describes the audio format and recognition options for a new
// stream. All fields must be compatible with what the underlying provider
// supports; see each provider's documentation for valid ranges.
type StreamConfig struct {
	// Encoding of the audio chunks. Defaults to [EncodingLinear16].
	Encoding Encoding

	// SampleRate is the audio sample rate in Hz (44100 for default capture).
	SampleRate int

	// Channels is the number of audio channels. Capture is mono.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "ru-RU", "en-US").
	Language string

	// InterimResults requests low-latency interim hypotheses in addition to
	// final results.
	InterimResults bool

	// Punctuate enables automatic punctuation of transcripts.
	Punctuate bool

	// Keywords is a list of vocabulary hints that increase recognition probability
	// for uncommon words.
	Keywords []KeywordBoost
}

// Stream represents an open duplex recognition stream. It is an interface so
// that test code can provide mock implementations without a live connection.
//
// Callers must call Close when the stream is no longer needed. All methods must
// be safe for concurrent use.
type Stream interface {
	// SendAudio delivers a chunk of raw PCM audio matching the StreamConfig.
	// It blocks while the provider's send buffer is full or until ctx is done.
	// Calling SendAudio after CloseSend or Close returns [ErrStreamClosed].
	SendAudio(ctx context.Context, chunk []byte) error

	// CloseSend half-closes the stream: no more audio will be sent, but results
	// for audio already delivered keep arriving on Results until the provider
	// finishes. Calling CloseSend more than once is safe.
	CloseSend() error

	// Results returns the channel of recognition results. The channel is closed
	// when the provider ends the stream, either after CloseSend was honoured
	// or because the connection failed. Check Err after it closes.
	Results() <-chan Result

	// Err returns the terminal error of the stream once Results is closed.
	// A stream that ended after CloseSend returns nil. A stream that ended on its
	// own returns an error; see [ErrAuth], [ErrConfig], [ErrServiceUnavailable]
	// for the classified cases.
	Err() error

	// Close tears the stream down immediately and releases all resources. After
	// Close returns, Results is closed. Calling Close more than once is safe.
	Close() error
}

// Provider is the abstraction over any streaming STT backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// StartStream opens a new streaming recognition session with the given audio
	// format and recognition configuration. The returned Stream is ready to
	// accept audio immediately.
	//
	// Errors wrap [ErrAuth] for rejected credentials, [ErrConfig] for a rejected
	// configuration and [ErrServiceUnavailable] when the service cannot be
	// reached. The caller owns the Stream and must call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (Stream, error)
}
