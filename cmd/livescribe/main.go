// Command livescribe records from a microphone and shows a live transcript.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/livescribe/internal/app"
	"github.com/MrWong99/livescribe/internal/config"
	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/internal/resilience"
	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/audio/ffmpeg"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
	"github.com/MrWong99/livescribe/pkg/provider/stt/deepgram"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	headless := flag.Bool("headless", false, "do not read commands from stdin or print the transcript")
	autostart := flag.Bool("start", false, "start recording immediately")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "livescribe: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "livescribe: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("livescribe starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:      cfg.Telemetry.ServiceName,
		ServiceVersion:   cfg.Telemetry.ServiceVersion,
		OTLPEndpoint:     cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:     cfg.Telemetry.OTLPInsecure,
		StdoutTraces:     cfg.Telemetry.StdoutTraces,
		TraceSampleRatio: cfg.Telemetry.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg.Recognition.Language)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Application ───────────────────────────────────────────────────────────
	opts := []app.Option{
		app.WithLevelVar(level),
		app.WithMetricsHandler(promhttp.Handler()),
	}
	// The console drives the controller that New creates, so the listener is
	// registered first and pointed at the console afterwards.
	var fwd consoleListener
	if !*headless {
		opts = append(opts, app.WithListener(&fwd))
	}
	application, err := app.New(ctx, cfg, providers, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	var console *app.Console
	if !*headless {
		console = app.NewConsole(application.Controller(), os.Stdout)
		fwd.target.Store(console)
	}

	printStartupSummary(cfg, providers)
	return serve(ctx, application, console, *configPath, *autostart)
}

// serve runs the application until a signal arrives or the console quits,
// then shuts it down.
func serve(ctx context.Context, application *app.App, console *app.Console, configPath string, autostart bool) int {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(configPath, func(_, newCfg *config.Config) {
		application.Reload(newCfg)
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	if autostart {
		if err := application.Controller().Start(ctx); err != nil {
			slog.Error("failed to start recording", "err", err)
			return 1
		}
	}

	if console != nil {
		go func() {
			if err := console.Run(ctx, os.Stdin); err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("console error", "err", err)
			}
			// quit or end of input
			cancel()
		}()
	}

	slog.Info("ready, press Ctrl+C to shut down")
	exit := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		exit = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return exit
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in factories into reg.
func registerBuiltinProviders(reg *config.Registry, language string) {
	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		opts := []deepgram.Option{deepgram.WithLanguage(language)}
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── Audio ─────────────────────────────────────────────────────────────────

	reg.RegisterInput("ffmpeg", func(entry config.DeviceEntry) (audio.InputDevice, error) {
		return ffmpeg.New(ffmpegOptions(entry)...), nil
	})
	reg.RegisterOutput("ffmpeg", func(entry config.DeviceEntry) (audio.OutputDevice, error) {
		return ffmpeg.New(ffmpegOptions(entry)...), nil
	})

	for kind, names := range config.ValidProviderNames {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

func ffmpegOptions(entry config.DeviceEntry) []ffmpeg.Option {
	var opts []ffmpeg.Option
	if entry.Command != "" {
		opts = append(opts, ffmpeg.WithCommand(entry.Command))
	}
	if entry.Format != "" {
		opts = append(opts, ffmpeg.WithFormat(entry.Format))
	}
	return opts
}

// buildProviders instantiates the devices and recognition backends named in
// cfg. Fallback backends are combined with the primary behind per-backend
// circuit breakers.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	in, err := reg.CreateInput(cfg.Audio.Input)
	if err != nil {
		return nil, fmt.Errorf("create input device %q: %w", cfg.Audio.Input.Name, err)
	}
	ps.Input = in
	slog.Info("provider created", "kind", "input", "name", cfg.Audio.Input.Name, "device", cfg.Audio.Input.Device)

	if name := cfg.Audio.Output.Name; name != "" {
		out, err := reg.CreateOutput(cfg.Audio.Output)
		if err != nil {
			return nil, fmt.Errorf("create output device %q: %w", name, err)
		}
		ps.Output = out
		slog.Info("provider created", "kind", "output", "name", name, "device", cfg.Audio.Output.Device)
	}

	primary, err := reg.CreateSTT(cfg.Recognition.Provider)
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", cfg.Recognition.Provider.Name, err)
	}
	slog.Info("provider created", "kind", "stt", "name", cfg.Recognition.Provider.Name)

	fb := resilience.NewSTTFallback(primary, cfg.Recognition.Provider.Name, resilience.FallbackConfig{})
	for _, entry := range cfg.Recognition.Fallbacks {
		p, err := reg.CreateSTT(entry)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("fallback provider not available, skipping", "kind", "stt", "name", entry.Name)
			continue
		} else if err != nil {
			return nil, fmt.Errorf("create fallback stt provider %q: %w", entry.Name, err)
		}
		fb.AddFallback(entry.Name, p)
		slog.Info("fallback provider added", "kind", "stt", "name", entry.Name)
	}
	ps.STT = fb
	ps.STTName = fb.Name()

	return ps, nil
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// consoleListener forwards transcript events to the console once it exists.
type consoleListener struct {
	target atomic.Pointer[app.Console]
}

func (l *consoleListener) InterimUpdated(text string) {
	if c := l.target.Load(); c != nil {
		c.InterimUpdated(text)
	}
}

func (l *consoleListener) CommittedAppended(text string) {
	if c := l.target.Load(); c != nil {
		c.CommittedAppended(text)
	}
}

// printStartupSummary logs a compact overview of the active configuration.
func printStartupSummary(cfg *config.Config, ps *app.Providers) {
	output := cfg.Audio.Output.Name
	if output == "" {
		output = "(disabled)"
	}
	listen := cfg.Server.ListenAddr
	if listen == "" {
		listen = "(disabled)"
	}
	fmt.Fprintln(os.Stderr, "╔══════════════════════════════════════════╗")
	fmt.Fprintln(os.Stderr, "║          livescribe ready                ║")
	fmt.Fprintln(os.Stderr, "╠══════════════════════════════════════════╣")
	fmt.Fprintf(os.Stderr, "║  Input       : %-26s║\n", cfg.Audio.Input.Name+"/"+cfg.Audio.Input.Device)
	fmt.Fprintf(os.Stderr, "║  Output      : %-26s║\n", output)
	fmt.Fprintf(os.Stderr, "║  STT         : %-26s║\n", ps.STTName)
	fmt.Fprintf(os.Stderr, "║  Language    : %-26s║\n", cfg.Recognition.Language)
	fmt.Fprintf(os.Stderr, "║  Sample rate : %-26d║\n", cfg.Audio.SampleRate)
	fmt.Fprintf(os.Stderr, "║  Listen addr : %-26s║\n", listen)
	fmt.Fprintln(os.Stderr, "╚══════════════════════════════════════════╝")
}

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}
