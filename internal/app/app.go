// Package app wires all livescribe subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the API and reports session errors, Reload applies
// hot-reloadable configuration changes, and Shutdown tears everything down
// in order.
//
// For testing, inject listeners and metrics via functional options. Devices
// and the recognition backend always come from [Providers].
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livescribe/internal/api"
	"github.com/MrWong99/livescribe/internal/bus"
	"github.com/MrWong99/livescribe/internal/config"
	"github.com/MrWong99/livescribe/internal/framebuf"
	"github.com/MrWong99/livescribe/internal/health"
	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/internal/recognition"
	"github.com/MrWong99/livescribe/internal/session"
	"github.com/MrWong99/livescribe/internal/transcript"
	"github.com/MrWong99/livescribe/internal/transcript/pgstore"
	"github.com/MrWong99/livescribe/internal/transcript/phonetic"
	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// Providers holds the devices and the recognition backend. Output may be nil.
// Populated by main.go via the config registry.
type Providers struct {
	Input  audio.InputDevice
	Output audio.OutputDevice
	STT    stt.Provider

	// STTName labels logs and metrics. Defaults to the configured provider name.
	STTName string
}

// checker is implemented by providers that can report their own health,
// such as the fallback wrapper.
type checker interface {
	Check(ctx context.Context) error
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics
	level     *slog.LevelVar

	corrector  *transcript.VocabularyCorrector
	reconciler *transcript.Reconciler
	ctrl       *session.Controller
	health     *health.Handler
	server     *api.Server
	embedded   *bus.EmbeddedServer
	publisher  *bus.Publisher
	store      *pgstore.Store

	listeners      transcript.Listeners
	metricsHandler http.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	// reloadMu serialises Reload calls from the config watcher.
	reloadMu sync.Mutex

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithListener adds a transcript listener, e.g. the console presenter.
func WithListener(l transcript.Listener) Option {
	return func(a *App) { a.listeners = append(a.listeners, l) }
}

// WithLevelVar lets Reload change the log level of the handler using lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Outputs configured in
// cfg are connected synchronously; a failure to connect one is an error.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Input == nil || providers.STT == nil {
		return nil, errors.New("app: input device and recognition provider are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
	}
	if providers.STTName == "" {
		providers.STTName = cfg.Recognition.Provider.Name
	}

	// ── 1. Outputs ───────────────────────────────────────────────────────
	if err := a.initBus(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init bus: %w", err)
	}
	if err := a.initStore(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init transcript store: %w", err)
	}

	// ── 2. Transcript ────────────────────────────────────────────────────
	hub := api.NewHub()
	a.corrector = transcript.NewVocabularyCorrector(phonetic.New(), cfg.Recognition.Vocabulary)
	listeners := transcript.Listeners{logListener{}, hub}
	if a.publisher != nil {
		listeners = append(listeners, a.publisher)
	}
	if a.store != nil {
		listeners = append(listeners, a.store)
	}
	listeners = append(listeners, a.listeners...)
	a.reconciler = transcript.NewReconciler(
		transcript.WithListener(listeners),
		transcript.WithCorrector(a.corrector),
		transcript.WithMetrics(a.metrics),
	)

	// ── 3. Session controller ────────────────────────────────────────────
	a.ctrl = session.NewController(a.controllerConfig())

	// ── 4. Health + API ──────────────────────────────────────────────────
	a.initHealth()
	apiOpts := []api.Option{
		api.WithHub(hub),
		api.WithHealth(a.health),
		api.WithMetrics(a.metrics),
	}
	if a.metricsHandler != nil {
		apiOpts = append(apiOpts, api.WithMetricsHandler(a.metricsHandler))
	}
	if a.store != nil {
		apiOpts = append(apiOpts, api.WithArchive(a.store))
	}
	a.server = api.New(a.ctrl, apiOpts...)

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initBus starts the embedded NATS server if requested and connects the
// transcript publisher.
func (a *App) initBus() error {
	nc := a.cfg.Outputs.NATS
	url := nc.URL
	if nc.Embedded {
		srv, err := bus.StartEmbedded("127.0.0.1", nc.Port)
		if err != nil {
			return err
		}
		a.embedded = srv
		a.closers = append(a.closers, func() error {
			srv.Shutdown()
			return nil
		})
		url = srv.ClientURL()
	}
	if url == "" {
		return nil
	}

	pub, err := bus.Connect(url, nc.SubjectPrefix)
	if err != nil {
		return err
	}
	a.publisher = pub
	// Drain the publisher before the embedded server goes away.
	a.closers = append([]func() error{pub.Close}, a.closers...)
	slog.Info("publishing transcript events", "url", url, "prefix", nc.SubjectPrefix)
	return nil
}

// initStore opens the committed-transcript log when a DSN is configured.
func (a *App) initStore(ctx context.Context) error {
	dsn := a.cfg.Outputs.Postgres.DSN
	if dsn == "" {
		return nil
	}
	store, err := pgstore.New(ctx, dsn)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	slog.Info("recording transcripts to postgres")
	return nil
}

// initHealth registers the readiness checks. Transcript outputs are optional:
// recording continues while they are down.
func (a *App) initHealth() {
	a.health = health.New()
	if c, ok := a.providers.STT.(checker); ok {
		a.health.Add(health.Checker{Name: "recognition", Check: c.Check})
	}
	if a.publisher != nil {
		a.health.Add(health.Checker{Name: "nats", Check: a.publisher.Check, Optional: true})
	}
	if a.store != nil {
		a.health.Add(health.Checker{Name: "postgres", Check: a.store.Check, Optional: true})
	}
}

// controllerConfig translates the configuration into the controller's
// dependencies.
func (a *App) controllerConfig() session.ControllerConfig {
	ac, rc := a.cfg.Audio, a.cfg.Recognition

	capture := audio.DeviceConfig{
		Device:       ac.Input.Device,
		SampleRate:   ac.SampleRate,
		Channels:     ac.Channels,
		FrameSamples: ac.FrameSamples,
	}
	play := capture
	play.Device = ac.Output.Device
	if ac.Output.SampleRate > 0 {
		play.SampleRate = ac.Output.SampleRate
	}
	if ac.Output.Channels > 0 {
		play.Channels = ac.Output.Channels
	}

	policy := framebuf.DropOldest
	if a.cfg.Buffer.PlaybackPolicy == config.PolicyBackpressure {
		policy = framebuf.Backpressure
	}

	cc := session.ControllerConfig{
		Input:    a.providers.Input,
		Capture:  capture,
		Playback: play,
		Provider: a.providers.STT,
		Recognition: recognition.Config{
			Stream: stt.StreamConfig{
				Encoding:       stt.EncodingLinear16,
				SampleRate:     ac.SampleRate,
				Channels:       ac.Channels,
				Language:       rc.Language,
				InterimResults: boolOr(rc.InterimResults, true),
				Punctuate:      boolOr(rc.Punctuate, true),
				Keywords:       Keywords(rc.Vocabulary, rc.KeywordBoost),
			},
			ProviderName: a.providers.STTName,
			MaxRetries:   rc.MaxRetries,
			Backoff:      rc.Backoff,
			MaxBackoff:   rc.MaxBackoff,
			DrainTimeout: rc.DrainTimeout,
		},
		Reconciler:       a.reconciler,
		BufferCapacity:   a.cfg.Buffer.Capacity,
		PlaybackCapacity: a.cfg.Buffer.PlaybackCapacity,
		PlaybackPolicy:   policy,
		Sensitivity:      ac.Sensitivity(),
		Languages:        rc.Languages,
		Metrics:          a.metrics,
	}
	if a.providers.Output != nil {
		cc.Output = a.providers.Output
	}
	return cc
}

// Keywords turns the vocabulary into recognition keyword hints.
func Keywords(vocabulary []string, boost float64) []stt.KeywordBoost {
	if len(vocabulary) == 0 {
		return nil
	}
	out := make([]stt.KeywordBoost, 0, len(vocabulary))
	for _, term := range vocabulary {
		out = append(out, stt.KeywordBoost{Keyword: term, Boost: boost})
	}
	return out
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Controller returns the session controller.
func (a *App) Controller() *session.Controller { return a.ctrl }

// Handler returns the HTTP handler of the API.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// Health returns the readiness handler.
func (a *App) Health() *health.Handler { return a.health }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the HTTP API (when a listen address is configured) and reports
// session error events until ctx is cancelled. It returns ctx's error.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if addr := a.cfg.Server.ListenAddr; addr != "" {
		var cert, key string
		if tls := a.cfg.Server.TLS; tls != nil {
			cert, key = tls.CertFile, tls.KeyFile
		}
		g.Go(func() error {
			return a.server.ListenAndServe(gctx, addr, cert, key)
		})
	}

	g.Go(func() error {
		a.reportErrors(gctx)
		return nil
	})

	slog.Info("app running",
		"listen_addr", a.cfg.Server.ListenAddr,
		"provider", a.providers.STTName,
		"playback", a.providers.Output != nil,
	)
	if err := g.Wait(); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	return ctx.Err()
}

// reportErrors logs the controller's error events.
func (a *App) reportErrors(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-a.ctrl.Errors():
			var terr *recognition.TransientError
			switch {
			case errors.As(err, &terr):
				slog.Warn("recognition reconnecting", "attempt", terr.Attempt, "err", terr.Err)
			case errors.Is(err, audio.ErrDeviceFailed), errors.Is(err, audio.ErrDeviceUnavailable):
				slog.Error("audio device failed", "err", err)
			default:
				slog.Error("session error", "err", err)
			}
		}
	}
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable differences between the running and the
// new configuration. Language and keyword changes take effect with the next
// recording session; gain and vocabulary corrections apply immediately.
func (a *App) Reload(newCfg *config.Config) {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	d := config.Diff(a.cfg, newCfg)
	if !d.Changed() {
		return
	}
	if d.LogLevelChanged {
		a.level.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.LanguageChanged {
		if err := a.ctrl.SetLanguage(d.NewLanguage); err != nil {
			slog.Warn("ignoring language change", "language", d.NewLanguage, "err", err)
		} else {
			slog.Info("recognition language changed", "language", d.NewLanguage)
		}
	}
	if d.VocabularyChanged {
		a.corrector.SetVocabulary(d.NewVocabulary)
		a.ctrl.SetKeywords(Keywords(d.NewVocabulary, newCfg.Recognition.KeywordBoost))
		slog.Info("vocabulary changed", "terms", len(d.NewVocabulary))
	}
	if d.GainChanged {
		a.ctrl.SetSensitivity(d.NewGain)
		slog.Info("input gain changed", "gain", d.NewGain)
	}
	a.cfg = newCfg
}

// SlogLevel converts a config log level to its slog counterpart.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the recording session (draining the last utterance) and then
// closes the outputs. It respects the context deadline: if ctx expires before
// all closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.ctrl.Stop(ctx); err != nil {
			slog.Warn("stopping session", "err", err)
			shutdownErr = err
			return
		}
		_ = a.ctrl.StopPlayback()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers of a partially constructed App.
func (a *App) closeAll() {
	for _, closer := range a.closers {
		_ = closer()
	}
	a.closers = nil
}

// logListener writes transcript events to the structured log: committed
// utterances at info, interim text at debug.
type logListener struct {
	log *slog.Logger // nil means slog.Default()
}

func (l logListener) logger() *slog.Logger {
	if l.log != nil {
		return l.log
	}
	return slog.Default()
}

func (l logListener) InterimUpdated(text string) {
	// An empty interim only means the utterance was committed or abandoned.
	if text == "" {
		return
	}
	l.logger().Debug("interim transcript", "text", text)
}

func (l logListener) CommittedAppended(text string) {
	l.logger().Info("utterance committed", "text", text)
}
