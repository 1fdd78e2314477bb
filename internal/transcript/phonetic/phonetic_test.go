package phonetic_test

import (
	"testing"

	"github.com/MrWong99/livescribe/internal/transcript/phonetic"
)

func TestMatcher_Match(t *testing.T) {
	t.Parallel()

	vocabulary := []string{"Deepgram", "Kubernetes", "Tower of Whispers"}

	tests := []struct {
		name     string
		phrase   string
		want     string
		matched  bool
		minScore float64
	}{
		{name: "split word", phrase: "deep gram", want: "Deepgram", matched: true, minScore: 0.99},
		{name: "case insensitive", phrase: "DEEPGRAM", want: "Deepgram", matched: true, minScore: 0.99},
		{name: "one letter off", phrase: "deepgrem", want: "Deepgram", matched: true, minScore: 0.9},
		{name: "multi-word term", phrase: "tower of wispers", want: "Tower of Whispers", matched: true, minScore: 0.9},
		{name: "unrelated word", phrase: "hello", want: "hello", matched: false},
		{name: "prefix only", phrase: "deep", want: "deep", matched: false},
		{name: "neighbouring word", phrase: "use deep", want: "use deep", matched: false},
	}
	m := phonetic.New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, score, ok := m.Match(tt.phrase, vocabulary)
			if ok != tt.matched || got != tt.want {
				t.Fatalf("Match(%q) = %q, %v; want %q, %v", tt.phrase, got, ok, tt.want, tt.matched)
			}
			if !ok && score != 0 {
				t.Errorf("score = %f, want 0 without a match", score)
			}
			if ok && score < tt.minScore {
				t.Errorf("score = %f, want >= %f", score, tt.minScore)
			}
		})
	}
}

func TestMatcher_Thresholds(t *testing.T) {
	t.Parallel()

	m := phonetic.New(
		phonetic.WithPhoneticThreshold(0.99),
		phonetic.WithFuzzyThreshold(0.99),
	)
	if _, _, ok := m.Match("deepgrem", []string{"Deepgram"}); ok {
		t.Error("near match accepted above strict thresholds")
	}
	if got, _, ok := m.Match("deepgram", []string{"Deepgram"}); !ok || got != "Deepgram" {
		t.Errorf("exact match = %q, %v; want Deepgram, true", got, ok)
	}
}

func TestMatcher_EmptyInputs(t *testing.T) {
	t.Parallel()

	m := phonetic.New()
	if got, score, ok := m.Match("deepgram", nil); ok || got != "deepgram" || score != 0 {
		t.Errorf("Match with no terms = %q, %f, %v", got, score, ok)
	}
	if got, _, ok := m.Match("  ", []string{"Deepgram"}); ok || got != "  " {
		t.Errorf("Match with blank phrase = %q, %v", got, ok)
	}
	if _, _, ok := m.Match("deepgram", []string{"", "   "}); ok {
		t.Error("blank terms must never match")
	}
}
