// Package audio defines the device interfaces and PCM helpers used by the
// livescribe capture and playback pipeline.
//
// The two primary abstractions are:
//
//   - [InputDevice] opens an [InputStream] that yields raw PCM from a microphone.
//   - [OutputDevice] opens an [OutputStream] that accepts PCM for a speaker.
//
// Implementations live in backend packages (e.g. audio/ffmpeg). The interfaces
// are intentionally narrow so the pipeline stays decoupled from the backend.
package audio

import (
	"context"
	"io"
)

// InputStream is an open capture stream delivering 16-bit PCM in the format
// the device was opened with.
//
// Read blocks until data is available. Close releases the device and must
// unblock any pending Read, which then returns an error.
type InputStream interface {
	io.ReadCloser
}

// OutputStream is an open playback stream accepting 16-bit PCM.
//
// Write blocks while the device buffer is full. Close releases the device.
type OutputStream interface {
	io.WriteCloser
}

// InputDevice opens capture streams.
//
// Implementations must be safe for concurrent use.
type InputDevice interface {
	// OpenInput opens the device described by cfg. A device that cannot be opened
	// yields an error wrapping [ErrDeviceUnavailable].
	OpenInput(ctx context.Context, cfg DeviceConfig) (InputStream, error)
}

// OutputDevice opens playback streams.
//
// Implementations must be safe for concurrent use.
type OutputDevice interface {
	// OpenOutput opens the device described by cfg. A device that cannot be
	// opened yields an error wrapping [ErrDeviceUnavailable].
	OpenOutput(ctx context.Context, cfg DeviceConfig) (OutputStream, error)
}
