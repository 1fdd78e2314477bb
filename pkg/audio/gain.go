package audio

import "math"

// SensitivityUnity is the sensitivity value at which [GainFromSensitivity]
// returns a factor of 1.
const SensitivityUnity = 50

// GainFromSensitivity maps a microphone sensitivity on a 0..100 scale to a
// linear gain factor. 0 mutes, 50 is unity and 100 doubles the amplitude.
// Out-of-range values are clamped.
func GainFromSensitivity(sensitivity int) float64 {
	sensitivity = min(max(sensitivity, 0), 100)
	return float64(sensitivity) / SensitivityUnity
}

// ApplyGain returns a copy of the little-endian int16 PCM in pcm scaled by
// factor, clamping each sample to the int16 range. A factor of exactly 1
// returns pcm itself. A trailing odd byte is dropped.
func ApplyGain(pcm []byte, factor float64) []byte {
	if factor == 1 {
		return pcm
	}
	samples := len(pcm) / 2
	out := make([]byte, samples*2)
	for i := range samples {
		v := math.Round(float64(sampleAt(pcm, i)) * factor)
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		putSample(out, i, int16(v))
	}
	return out
}

// PeakLevel returns the absolute peak of the int16 PCM in pcm normalised to
// the range 0..1.
func PeakLevel(pcm []byte) float64 {
	var peak int32
	for i := range len(pcm) / 2 {
		s := int32(sampleAt(pcm, i))
		if s < 0 {
			s = -s
		}
		peak = max(peak, s)
	}
	return min(float64(peak)/math.MaxInt16, 1)
}
