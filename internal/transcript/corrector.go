package transcript

import (
	"slices"
	"strings"
	"sync/atomic"
	"unicode"
)

// Correction captures a single phrase-level substitution.
type Correction struct {
	// Original is the phrase as produced by the recognition backend.
	Original string

	// Corrected is the vocabulary term that replaced it.
	Corrected string

	// Confidence is the matcher's similarity score (0.0–1.0).
	Confidence float64
}

// Corrector rewrites committed text before it is appended to the transcript.
//
// Implementations must be safe for concurrent use.
type Corrector interface {
	// Correct returns the corrected text and the substitutions applied. When
	// nothing changed, the text is returned unchanged with no corrections.
	Correct(text string) (string, []Correction)
}

// PhoneticMatcher resolves a phrase to a vocabulary term based on
// pronunciation similarity. It must be fast enough to run for every final
// result: no network calls.
//
// When matched is false, corrected must equal phrase and confidence must be 0.
type PhoneticMatcher interface {
	Match(phrase string, terms []string) (corrected string, confidence float64, matched bool)
}

// VocabularyCorrector replaces phrases that sound like a vocabulary term
// (product names, jargon, proper nouns) with the term's canonical spelling.
// The vocabulary can be swapped at runtime with [VocabularyCorrector.SetVocabulary].
type VocabularyCorrector struct {
	matcher PhoneticMatcher
	vocab   atomic.Pointer[[]string]
}

var _ Corrector = (*VocabularyCorrector)(nil)

// NewVocabularyCorrector returns a corrector matching against vocabulary.
func NewVocabularyCorrector(matcher PhoneticMatcher, vocabulary []string) *VocabularyCorrector {
	c := &VocabularyCorrector{matcher: matcher}
	c.SetVocabulary(vocabulary)
	return c
}

// SetVocabulary replaces the vocabulary used by subsequent Correct calls.
func (c *VocabularyCorrector) SetVocabulary(vocabulary []string) {
	v := slices.Clone(vocabulary)
	c.vocab.Store(&v)
}

// Vocabulary returns a copy of the current vocabulary.
func (c *VocabularyCorrector) Vocabulary() []string {
	return slices.Clone(*c.vocab.Load())
}

// Correct scans text left to right. At each token it tries windows from the
// longest term's word count plus one down to a single token and accepts the
// first (longest) window that matches, so multi-word terms and terms the
// recogniser split in two take precedence over partial matches. Trailing
// punctuation of the last token in a window is kept.
func (c *VocabularyCorrector) Correct(text string) (string, []Correction) {
	vocab := *c.vocab.Load()
	tokens := strings.Fields(text)
	if len(vocab) == 0 || len(tokens) == 0 {
		return text, nil
	}
	maxWindow := maxWordCount(vocab) + 1

	cores := make([]string, len(tokens))
	suffixes := make([]string, len(tokens))
	for i, tok := range tokens {
		cores[i], suffixes[i] = splitPunct(tok)
	}

	var (
		out         []string
		corrections []Correction
	)
	for i := 0; i < len(tokens); {
		n := min(maxWindow, len(tokens)-i)
		matched := false
		for ; n >= 1; n-- {
			if !plainWindow(cores[i:i+n], suffixes[i:i+n-1]) {
				continue
			}
			window := strings.Join(cores[i:i+n], " ")
			term, conf, ok := c.matcher.Match(window, vocab)
			if !ok {
				continue
			}
			if term != window {
				corrections = append(corrections, Correction{Original: window, Corrected: term, Confidence: conf})
			}
			out = append(out, term+suffixes[i+n-1])
			i += n
			matched = true
			break
		}
		if !matched {
			out = append(out, tokens[i])
			i++
		}
	}
	if len(corrections) == 0 {
		return text, nil
	}
	return strings.Join(out, " "), corrections
}

// plainWindow reports whether a window can be matched as one phrase: every
// token has letters and no punctuation separates the tokens.
func plainWindow(cores, innerSuffixes []string) bool {
	for _, c := range cores {
		if c == "" {
			return false
		}
	}
	for _, s := range innerSuffixes {
		if s != "" {
			return false
		}
	}
	return true
}

// splitPunct splits trailing punctuation off tok.
func splitPunct(tok string) (core, suffix string) {
	core = strings.TrimRightFunc(tok, unicode.IsPunct)
	return core, tok[len(core):]
}

// maxWordCount returns the maximum number of words in any term; 1 when
// terms is empty.
func maxWordCount(terms []string) int {
	n := 1
	for _, t := range terms {
		n = max(n, len(strings.Fields(t)))
	}
	return n
}
