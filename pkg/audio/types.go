package audio

import (
	"errors"
	"time"
)

// Errors reported by audio devices. Implementations wrap them so callers can
// classify failures with [errors.Is].
var (
	// ErrDeviceUnavailable is returned when an input or output device cannot be
	// opened (missing hardware, permission denied, backend not installed).
	ErrDeviceUnavailable = errors.New("audio: device unavailable")

	// ErrDeviceFailed is returned when an already open device stops delivering
	// or accepting audio.
	ErrDeviceFailed = errors.New("audio: device failed")
)

// AudioFrame represents a single frame of audio data flowing through the pipeline.
// Frames are the atomic unit of audio transport. They are produced by the capture
// worker, fanned out to the recognition and playback consumers, and never
// modified after creation: consumers must treat Data as read-only and copy it
// before transforming.
type AudioFrame struct {
	// PCM audio data, 16-bit little-endian signed samples, interleaved when
	// Channels > 1.
	Data []byte

	// SampleRate in Hz (44100 for the default microphone configuration).
	SampleRate int

	// Channels: 1 for mono capture, 2 for stereo playback devices.
	Channels int

	// Seq is the capture order of the frame within a session, starting at 0.
	Seq uint64

	// Timestamp marks when this frame was captured, relative to session start.
	Timestamp time.Duration
}

// Samples returns the number of samples per channel contained in the frame.
func (f AudioFrame) Samples() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Data) / (2 * f.Channels)
}

// DeviceConfig describes how an audio device should be opened.
type DeviceConfig struct {
	// Device is the backend-specific device name ("default" when empty).
	Device string

	// SampleRate in Hz.
	SampleRate int

	// Channels is the channel count of the PCM stream.
	Channels int

	// FrameSamples is the number of samples per channel in one captured frame.
	FrameSamples int
}

// Format returns the sample format of the device stream.
func (c DeviceConfig) Format() Format {
	return Format{SampleRate: c.SampleRate, Channels: c.Channels}
}

// FrameBytes returns the size in bytes of one frame of 16-bit PCM.
func (c DeviceConfig) FrameBytes() int {
	return c.FrameSamples * c.Channels * 2
}

// FrameDuration returns the playback length of one frame.
func (c DeviceConfig) FrameDuration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(c.FrameSamples) * time.Second / time.Duration(c.SampleRate)
}

// DefaultDeviceConfig returns the microphone defaults: 44.1 kHz mono in
// frames of 1024 samples.
func DefaultDeviceConfig() DeviceConfig {
	return DeviceConfig{
		Device:       "default",
		SampleRate:   44100,
		Channels:     1,
		FrameSamples: 1024,
	}
}
