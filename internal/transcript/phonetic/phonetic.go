// Package phonetic matches misrecognised phrases against a vocabulary of
// known terms using Double Metaphone phonetic encoding combined with
// Jaro-Winkler string similarity.
//
// Matching proceeds in two stages:
//
//  1. Phonetic candidates: Double Metaphone codes are computed for every token
//     of the phrase and of each term. A term whose codes overlap with the
//     phrase's codes is a phonetic candidate.
//
//  2. Ranking: among phonetic candidates the term with the highest
//     Jaro-Winkler similarity above the phonetic threshold wins. When there is
//     no phonetic candidate, pure Jaro-Winkler similarity against every term
//     is tested with the stricter fuzzy threshold (default 0.85).
//
// Speech recognisers often split an unfamiliar word in two ("deep gram" for
// "Deepgram"), so phrases are also compared with their spaces removed.
package phonetic

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85

	// minLengthRatio rejects phrases much shorter or longer than a term,
	// compared without spaces. Jaro-Winkler rewards shared prefixes, so "deep"
	// would otherwise match "Deepgram".
	minLengthRatio = 0.75
)

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically matched term to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic candidate exists. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// Matcher is a phonetic vocabulary matcher. It is read-only after
// construction and safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a [Matcher] configured with the supplied options.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Match returns the term from terms that phrase most likely stands for.
//
// phrase may hold one or more whitespace-separated tokens. When matched is
// false, corrected equals phrase unchanged and confidence is 0. The returned
// term keeps the casing it has in terms.
func (m *Matcher) Match(phrase string, terms []string) (corrected string, confidence float64, matched bool) {
	if len(terms) == 0 || strings.TrimSpace(phrase) == "" {
		return phrase, 0, false
	}

	lower := strings.ToLower(strings.TrimSpace(phrase))
	tokens := strings.Fields(lower)
	codes := codesForTokens(tokens)

	var (
		best         string
		bestScore    float64
		bestPhonetic bool
	)
	for _, term := range terms {
		termLower := strings.ToLower(strings.TrimSpace(term))
		if termLower == "" {
			continue
		}
		termTokens := strings.Fields(termLower)
		if !comparableLength(tokens, termTokens) {
			continue
		}
		score := similarity(tokens, termTokens, lower, termLower)

		if codesOverlap(codes, codesForTokens(termTokens)) {
			if score >= m.phoneticThreshold && (!bestPhonetic || score > bestScore) {
				best, bestScore, bestPhonetic = term, score, true
			}
			continue
		}
		if !bestPhonetic && score >= m.fuzzyThreshold && score > bestScore {
			best, bestScore = term, score
		}
	}

	if best == "" {
		return phrase, 0, false
	}
	return best, bestScore, true
}

func comparableLength(a, b []string) bool {
	la, lb := compactLen(a), compactLen(b)
	if la == 0 || lb == 0 {
		return false
	}
	return float64(min(la, lb))/float64(max(la, lb)) >= minLengthRatio
}

func compactLen(tokens []string) int {
	n := 0
	for _, t := range tokens {
		n += len([]rune(t))
	}
	return n
}

// codesForTokens returns the union of the Double Metaphone codes of tokens.
// Empty codes are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// similarity returns the best Jaro-Winkler score between phrase and term
// across the full strings, the space-stripped strings and, for multi-word
// terms that are at least as long as the phrase, the best token pair.
//
// Token pairs are not compared when the phrase has more tokens than the term;
// otherwise "use deep" would match "Deepgram" on the strength of "deep" alone
// and swallow the neighbouring word.
func similarity(phraseTokens, termTokens []string, phrase, term string) float64 {
	score := matchr.JaroWinkler(phrase, term, false)

	if len(phraseTokens) > 1 || len(termTokens) > 1 {
		joined := strings.Join(phraseTokens, "")
		if s := matchr.JaroWinkler(joined, strings.Join(termTokens, ""), false); s > score {
			score = s
		}
	}

	if len(termTokens) > 1 && len(phraseTokens) <= len(termTokens) {
		for _, pt := range phraseTokens {
			for _, tt := range termTokens {
				if s := matchr.JaroWinkler(pt, tt, false); s > score {
					score = s
				}
			}
		}
	}
	return score
}
