package resilience

import (
	"context"
	"errors"
	"strings"

	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] with automatic failover across multiple
// STT backends. Each backend has its own circuit breaker. Failover happens
// when a stream is opened; an established stream is never moved to another
// backend.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

// Compile-time interface assertion.
var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
// Authentication and configuration failures count as permanent, so the
// returned error is only fatal in the [stt.IsFatal] sense when no backend can
// be expected to recover. Breaker transitions are counted in
// [observe.DefaultMetrics] unless cfg supplies its own OnStateChange.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	if cfg.Permanent == nil {
		cfg.Permanent = stt.IsFatal
	}
	if cfg.CircuitBreaker.OnStateChange == nil {
		m := observe.DefaultMetrics()
		cfg.CircuitBreaker.OnStateChange = func(name string, _, to State) {
			m.RecordBreakerTransition(context.Background(), name, to.String())
		}
	}
	return &STTFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional STT provider as a fallback.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// Name returns the provider names joined in failover order, for logs and
// metric labels.
func (f *STTFallback) Name() string {
	return strings.Join(f.group.Names(), ",")
}

// StartStream opens a streaming transcription session against the first healthy
// provider. If the primary fails to start the stream, subsequent fallbacks are
// tried.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	s, err := ExecuteWithResult(ctx, f.group, func(ctx context.Context, p stt.Provider) (stt.Stream, error) {
		return p.StartStream(ctx, cfg)
	})
	if err != nil && errors.Is(err, ErrCircuitOpen) && !stt.IsFatal(err) {
		// Open breakers heal with time, so report them as a service outage.
		return nil, errors.Join(stt.ErrServiceUnavailable, err)
	}
	return s, err
}

// Check reports an error when every backend's circuit breaker is open. It
// has the signature of a health checker.
func (f *STTFallback) Check(context.Context) error {
	if f.group.Available() {
		return nil
	}
	return errors.Join(stt.ErrServiceUnavailable, ErrCircuitOpen)
}
