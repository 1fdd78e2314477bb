package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

func (f Format) String() string {
	switch {
	case f.Channels == 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case f.Channels == 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}

// FormatConverter adapts captured frames to the format an output device
// expects. The source frame is never modified. Not safe for concurrent use;
// create one per playback stream.
type FormatConverter struct {
	Target Format

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert returns frame in the target format. A frame already in the target
// format is returned as is. Channels are reduced before resampling and added
// after it, so interpolation always runs on the narrower layout.
//
// Frames whose PCM is not a whole number of int16 samples are dropped: the
// result carries the target format and frame's Seq but no data.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	from := Format{SampleRate: frame.SampleRate, Channels: frame.Channels}
	if len(frame.Data)%2 != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("playback: dropping frame with odd PCM length", "bytes", len(frame.Data), "format", from)
		})
		return AudioFrame{SampleRate: c.Target.SampleRate, Channels: c.Target.Channels, Seq: frame.Seq, Timestamp: frame.Timestamp}
	}
	if from == c.Target {
		return frame
	}
	c.warnedMismatch.Do(func() {
		slog.Warn("playback: converting audio format", "from", from, "to", c.Target)
	})

	pcm, cur := frame.Data, from
	if c.Target.Channels < cur.Channels {
		pcm = Remix(pcm, cur.Channels, c.Target.Channels)
		cur.Channels = c.Target.Channels
	}
	if cur.SampleRate != c.Target.SampleRate {
		pcm = Resample(pcm, cur.Channels, cur.SampleRate, c.Target.SampleRate)
		cur.SampleRate = c.Target.SampleRate
	}
	if c.Target.Channels > cur.Channels {
		pcm = Remix(pcm, cur.Channels, c.Target.Channels)
		cur.Channels = c.Target.Channels
	}

	return AudioFrame{
		Data:       pcm,
		SampleRate: cur.SampleRate,
		Channels:   cur.Channels,
		Seq:        frame.Seq,
		Timestamp:  frame.Timestamp,
	}
}

// Remix converts interleaved int16 PCM from one channel count to another.
// Downmixing to mono averages all channels; any other reduction keeps the
// leading channels. Added channels carry the average of the source channels.
// A trailing partial frame is dropped.
func Remix(pcm []byte, from, to int) []byte {
	if from == to || from <= 0 || to <= 0 {
		return pcm
	}
	frames := len(pcm) / (2 * from)
	out := make([]byte, frames*2*to)
	for i := range frames {
		var sum int32
		for ch := range from {
			sum += int32(sampleAt(pcm, i*from+ch))
		}
		mix := int16(sum / int32(from))
		for ch := range to {
			v := mix
			if to > 1 && ch < from {
				v = sampleAt(pcm, i*from+ch)
			}
			putSample(out, i*to+ch, v)
		}
	}
	return out
}

// MonoToStereo duplicates each mono sample into an L+R pair.
func MonoToStereo(pcm []byte) []byte { return Remix(pcm, 1, 2) }

// StereoToMono averages each L+R pair.
func StereoToMono(pcm []byte) []byte { return Remix(pcm, 2, 1) }

// Resample converts interleaved int16 PCM with the given channel count from
// srcRate to dstRate using linear interpolation between neighbouring frames.
// Equal or invalid rates return pcm unchanged.
func Resample(pcm []byte, channels, srcRate, dstRate int) []byte {
	if channels <= 0 || srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return pcm
	}
	srcFrames := len(pcm) / (2 * channels)
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*2*channels)
	step := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)
		next := min(idx+1, srcFrames-1)
		for ch := range channels {
			s0 := float64(sampleAt(pcm, idx*channels+ch))
			s1 := float64(sampleAt(pcm, next*channels+ch))
			putSample(out, i*channels+ch, int16(s0*(1-frac)+s1*frac))
		}
	}
	return out
}

// ResampleMono16 is [Resample] for single-channel PCM.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	return Resample(pcm, 1, srcRate, dstRate)
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[i*2:]))
}

func putSample(pcm []byte, i int, v int16) {
	binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
}
