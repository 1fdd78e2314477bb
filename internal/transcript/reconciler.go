// Package transcript turns the stream of recognition results into a stable
// transcript.
//
// Recognition backends report every utterance as zero or more interim
// hypotheses followed by exactly one final result. The [Reconciler] keeps the
// latest interim text separate from the committed transcript, appends each
// final result once and notifies [Listener] implementations of both kinds of
// change so that presentation adapters never have to reason about the raw
// result stream.
//
// Final results can optionally be passed through a [Corrector] that fixes the
// spelling of domain vocabulary before they are committed.
package transcript

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// Result kinds recorded on the results metric.
const (
	KindInterim   = "interim"
	KindFinal     = "final"
	KindDuplicate = "duplicate"
	KindEmpty     = "empty"
)

// State is a point-in-time copy of the transcript.
type State struct {
	// Committed holds the final text of every utterance, in order.
	Committed []string

	// Interim is the uncommitted hypothesis for the utterance in progress.
	Interim string
}

// Text returns the committed utterances joined by newlines.
func (s State) Text() string {
	return strings.Join(s.Committed, "\n")
}

// Listener observes transcript changes. Calls are made from the goroutine
// that applies results, one at a time and in order. Implementations must not
// block for long: they hold up result processing.
type Listener interface {
	// InterimUpdated replaces the displayed interim text. An empty text clears it.
	InterimUpdated(text string)

	// CommittedAppended appends one utterance to the committed transcript.
	CommittedAppended(text string)
}

// SessionObserver is implemented by listeners that label what they record
// with the recording session. [Reconciler.Begin] calls SessionStarted before
// any event of the new session.
type SessionObserver interface {
	SessionStarted(id string)
}

// Listeners fans events out to every element in order.
type Listeners []Listener

var (
	_ Listener        = Listeners(nil)
	_ SessionObserver = Listeners(nil)
)

// SessionStarted forwards to every element implementing [SessionObserver].
func (ls Listeners) SessionStarted(id string) {
	for _, l := range ls {
		if o, ok := l.(SessionObserver); ok {
			o.SessionStarted(id)
		}
	}
}

// InterimUpdated implements [Listener].
func (ls Listeners) InterimUpdated(text string) {
	for _, l := range ls {
		l.InterimUpdated(text)
	}
}

// CommittedAppended implements [Listener].
func (ls Listeners) CommittedAppended(text string) {
	for _, l := range ls {
		l.CommittedAppended(text)
	}
}

// ListenerFuncs adapts plain functions to [Listener]. Nil fields are skipped.
type ListenerFuncs struct {
	OnInterim   func(text string)
	OnCommitted func(text string)
}

// InterimUpdated implements [Listener].
func (f ListenerFuncs) InterimUpdated(text string) {
	if f.OnInterim != nil {
		f.OnInterim(text)
	}
}

// CommittedAppended implements [Listener].
func (f ListenerFuncs) CommittedAppended(text string) {
	if f.OnCommitted != nil {
		f.OnCommitted(text)
	}
}

// Option is a functional option for configuring a [Reconciler].
type Option func(*Reconciler)

// WithListener adds l to the listeners notified of every change.
func WithListener(l Listener) Option {
	return func(r *Reconciler) {
		r.listeners = append(r.listeners, l)
	}
}

// WithCorrector sets the corrector applied to final text before it is
// committed. Duplicate detection always compares the uncorrected text.
func WithCorrector(c Corrector) Option {
	return func(r *Reconciler) {
		r.corrector = c
	}
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Reconciler) {
		r.metrics = m
	}
}

// Reconciler merges recognition results into a transcript. It is safe for
// concurrent use; results are expected from a single goroutine.
type Reconciler struct {
	listeners Listeners
	corrector Corrector
	metrics   *observe.Metrics

	// applyMu serialises Apply and Reset including listener notification so
	// that events are delivered in result order. mu guards the state only, so
	// listeners may call Snapshot.
	applyMu sync.Mutex

	mu        sync.Mutex
	committed []string
	interim   string
	lastFinal string
}

// NewReconciler returns an empty Reconciler.
func NewReconciler(opts ...Option) *Reconciler {
	r := &Reconciler{metrics: observe.DefaultMetrics()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Apply merges one result.
//
//   - An interim result replaces the interim text.
//   - A final result is committed unless its text equals the previous final
//     result's text exactly, which some backends repeat after a reconnect. In
//     both cases the interim text is cleared.
//   - Results without text are dropped. An empty final result still ends the
//     utterance and clears the interim text.
func (r *Reconciler) Apply(ctx context.Context, res stt.Result) {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()

	text := strings.TrimSpace(res.Transcript())
	if text == "" {
		r.metrics.RecordResult(ctx, KindEmpty)
		observe.Logger(ctx).Debug("ignoring recognition result without text",
			"final", res.IsFinal,
			"alternatives", len(res.Alternatives),
		)
		if res.IsFinal && r.clearInterim() {
			r.listeners.InterimUpdated("")
		}
		return
	}

	if !res.IsFinal {
		r.metrics.RecordResult(ctx, KindInterim)
		r.mu.Lock()
		changed := r.interim != text
		r.interim = text
		r.mu.Unlock()
		if changed {
			r.listeners.InterimUpdated(text)
		}
		return
	}

	r.mu.Lock()
	duplicate := text == r.lastFinal
	r.mu.Unlock()

	if duplicate {
		r.metrics.RecordResult(ctx, KindDuplicate)
		observe.Logger(ctx).Debug("suppressed duplicate final result", "text", text)
		if r.clearInterim() {
			r.listeners.InterimUpdated("")
		}
		return
	}

	r.metrics.RecordResult(ctx, KindFinal)
	committed := text
	if r.corrector != nil {
		var corrections []Correction
		committed, corrections = r.corrector.Correct(text)
		for _, c := range corrections {
			observe.Logger(ctx).Debug("corrected vocabulary term",
				"original", c.Original,
				"corrected", c.Corrected,
				"confidence", c.Confidence,
			)
		}
	}

	r.mu.Lock()
	hadInterim := r.interim != ""
	r.interim = ""
	r.lastFinal = text
	r.committed = append(r.committed, committed)
	r.mu.Unlock()

	if hadInterim {
		r.listeners.InterimUpdated("")
	}
	r.listeners.CommittedAppended(committed)
}

// clearInterim empties the interim text and reports whether it was set.
func (r *Reconciler) clearInterim() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	had := r.interim != ""
	r.interim = ""
	return had
}

// Snapshot returns a copy of the current state.
func (r *Reconciler) Snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return State{
		Committed: slices.Clone(r.committed),
		Interim:   r.interim,
	}
}

// Begin clears the transcript and announces session id to listeners
// implementing [SessionObserver].
func (r *Reconciler) Begin(id string) {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()
	r.reset()
	r.listeners.SessionStarted(id)
}

// Reset clears the transcript. Listeners are told to clear the interim text
// if one was showing.
func (r *Reconciler) Reset() {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()
	r.reset()
}

func (r *Reconciler) reset() {
	r.mu.Lock()
	hadInterim := r.interim != ""
	r.committed = nil
	r.interim = ""
	r.lastFinal = ""
	r.mu.Unlock()

	if hadInterim {
		r.listeners.InterimUpdated("")
	}
}
