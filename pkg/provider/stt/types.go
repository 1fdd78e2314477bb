package stt

import "time"

// Result is one recognition result for the utterance currently being spoken.
// Interim results may be revised; the final result for an utterance is
// authoritative and is followed by results for the next utterance.
type Result struct {
	// IsFinal is set on the authoritative result that ends an utterance.
	IsFinal bool

	// Stability estimates how likely an interim result is to change (0.0–1.0).
	// Zero if the provider does not report it.
	Stability float64

	// Alternatives are the recognition hypotheses, most likely first. A result
	// without alternatives carries no text.
	Alternatives []Alternative

	// Start marks when the utterance started, relative to stream start.
	Start time.Duration

	// Duration is the length of audio covered by the result.
	Duration time.Duration
}

// Transcript returns the text of the most likely alternative, or "" when the
// result has no alternatives.
func (r Result) Transcript() string {
	if len(r.Alternatives) == 0 {
		return ""
	}
	return r.Alternatives[0].Transcript
}

// Alternative is a single recognition hypothesis.
type Alternative struct {
	// Transcript is the recognised text.
	Transcript string

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the
	// provider does not report confidence.
	Confidence float64

	// Words contains per-word detail when available. May be nil.
	Words []WordDetail
}

// WordDetail holds per-word metadata from providers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// KeywordBoost represents a keyword to boost in recognition.
type KeywordBoost struct {
	// Keyword is the text to boost.
	Keyword string

	// Boost is the intensity of the boost (provider-specific scale).
	Boost float64
}
