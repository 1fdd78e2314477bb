package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	defaultSampleRate       = 44100
	defaultChannels         = 1
	defaultFrameSamples     = 1024
	defaultGain             = 50
	defaultCapacity         = 256
	defaultPlaybackCapacity = 64
	defaultLanguage         = "ru-RU"
	defaultMaxRetries       = 5
	defaultBackoff          = 500 * time.Millisecond
	defaultMaxBackoff       = 10 * time.Second
	defaultDrainTimeout     = 5 * time.Second
	defaultKeywordBoost     = 1.5
	defaultSubjectPrefix    = "livescribe"
	defaultNATSPort         = 4222
	defaultServiceName      = "livescribe"
)

// Playback queue policies accepted in buffer.playback_policy.
const (
	PolicyDropOldest   = "drop_oldest"
	PolicyBackpressure = "backpressure"
)

// DefaultLanguages is the language menu used when recognition.languages is empty.
var DefaultLanguages = []string{"ru-RU", "en-US", "nl-NL"}

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":   {"deepgram"},
	"audio": {"ffmpeg"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands environment references
// in API keys, fills in defaults and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	expandSecrets(cfg)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandSecrets resolves ${VAR} references in provider API keys so that keys
// need not be stored in the file.
func expandSecrets(cfg *Config) {
	expand := func(e *ProviderEntry) {
		if strings.Contains(e.APIKey, "$") {
			e.APIKey = os.ExpandEnv(e.APIKey)
		}
	}
	expand(&cfg.Recognition.Provider)
	for i := range cfg.Recognition.Fallbacks {
		expand(&cfg.Recognition.Fallbacks[i])
	}
}

// ApplyDefaults fills every zero value that has a documented default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	a := &cfg.Audio
	if a.SampleRate == 0 {
		a.SampleRate = defaultSampleRate
	}
	if a.Channels == 0 {
		a.Channels = defaultChannels
	}
	if a.FrameSamples == 0 {
		a.FrameSamples = defaultFrameSamples
	}
	if a.Gain == nil {
		g := defaultGain
		a.Gain = &g
	}
	if a.Input.Device == "" {
		a.Input.Device = "default"
	}
	if a.Output.Name != "" && a.Output.Device == "" {
		a.Output.Device = "default"
	}

	b := &cfg.Buffer
	if b.Capacity == 0 {
		b.Capacity = defaultCapacity
	}
	if b.PlaybackCapacity == 0 {
		b.PlaybackCapacity = defaultPlaybackCapacity
	}
	if b.PlaybackPolicy == "" {
		b.PlaybackPolicy = PolicyDropOldest
	}

	rc := &cfg.Recognition
	if rc.Language == "" {
		rc.Language = defaultLanguage
	}
	if len(rc.Languages) == 0 {
		rc.Languages = slices.Clone(DefaultLanguages)
	}
	if rc.InterimResults == nil {
		t := true
		rc.InterimResults = &t
	}
	if rc.Punctuate == nil {
		t := true
		rc.Punctuate = &t
	}
	if rc.MaxRetries == 0 {
		rc.MaxRetries = defaultMaxRetries
	}
	if rc.Backoff == 0 {
		rc.Backoff = defaultBackoff
	}
	if rc.MaxBackoff == 0 {
		rc.MaxBackoff = defaultMaxBackoff
	}
	if rc.DrainTimeout == 0 {
		rc.DrainTimeout = defaultDrainTimeout
	}
	if rc.KeywordBoost == 0 {
		rc.KeywordBoost = defaultKeywordBoost
	}

	if cfg.Outputs.NATS.SubjectPrefix == "" {
		cfg.Outputs.NATS.SubjectPrefix = defaultSubjectPrefix
	}
	if cfg.Outputs.NATS.Embedded && cfg.Outputs.NATS.Port == 0 {
		cfg.Outputs.NATS.Port = defaultNATSPort
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = defaultServiceName
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Audio
	a := cfg.Audio
	if a.Input.Name == "" {
		errs = append(errs, errors.New("audio.input.name is required"))
	}
	validateProviderName("audio", a.Input.Name)
	validateProviderName("audio", a.Output.Name)
	if a.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", a.SampleRate))
	}
	if a.Channels != 0 && a.Channels != 1 && a.Channels != 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d is invalid; valid values: 1, 2", a.Channels))
	}
	if a.Output.Channels != 0 && a.Output.Channels != 1 && a.Output.Channels != 2 {
		errs = append(errs, fmt.Errorf("audio.output.channels %d is invalid; valid values: 1, 2", a.Output.Channels))
	}
	if a.FrameSamples < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_samples %d must be positive", a.FrameSamples))
	}
	if a.Gain != nil && (*a.Gain < 0 || *a.Gain > 100) {
		errs = append(errs, fmt.Errorf("audio.gain %d is out of range [0, 100]", *a.Gain))
	}

	// Buffer
	if cfg.Buffer.Capacity < 0 {
		errs = append(errs, fmt.Errorf("buffer.capacity %d must be positive", cfg.Buffer.Capacity))
	}
	if cfg.Buffer.PlaybackCapacity < 0 {
		errs = append(errs, fmt.Errorf("buffer.playback_capacity %d must be positive", cfg.Buffer.PlaybackCapacity))
	}
	switch cfg.Buffer.PlaybackPolicy {
	case "", PolicyDropOldest, PolicyBackpressure:
	default:
		errs = append(errs, fmt.Errorf("buffer.playback_policy %q is invalid; valid values: %s, %s",
			cfg.Buffer.PlaybackPolicy, PolicyDropOldest, PolicyBackpressure))
	}

	// Recognition
	rc := cfg.Recognition
	if rc.Provider.Name == "" {
		errs = append(errs, errors.New("recognition.provider.name is required"))
	}
	validateProviderName("stt", rc.Provider.Name)
	for i, fb := range rc.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("recognition.fallbacks[%d].name is required", i))
		}
		validateProviderName("stt", fb.Name)
	}
	if rc.Language != "" && len(rc.Languages) > 0 && !slices.Contains(rc.Languages, rc.Language) {
		errs = append(errs, fmt.Errorf("recognition.language %q is not listed in recognition.languages", rc.Language))
	}
	if rc.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("recognition.max_retries %d must not be negative", rc.MaxRetries))
	}
	if rc.Backoff < 0 || rc.MaxBackoff < 0 || rc.DrainTimeout < 0 {
		errs = append(errs, errors.New("recognition durations must not be negative"))
	}
	if rc.Backoff > 0 && rc.MaxBackoff > 0 && rc.MaxBackoff < rc.Backoff {
		errs = append(errs, fmt.Errorf("recognition.max_backoff %s is shorter than recognition.backoff %s", rc.MaxBackoff, rc.Backoff))
	}
	seen := make(map[string]int, len(rc.Vocabulary))
	for i, term := range rc.Vocabulary {
		key := strings.ToLower(strings.TrimSpace(term))
		if key == "" {
			errs = append(errs, fmt.Errorf("recognition.vocabulary[%d] is empty", i))
			continue
		}
		if prev, ok := seen[key]; ok {
			errs = append(errs, fmt.Errorf("recognition.vocabulary[%d] %q is a duplicate of recognition.vocabulary[%d]", i, term, prev))
		}
		seen[key] = i
	}

	// Outputs
	if n := cfg.Outputs.NATS; n.Port < 0 || n.Port > 65535 {
		errs = append(errs, fmt.Errorf("outputs.nats.port %d is out of range", n.Port))
	}
	if strings.ContainsAny(cfg.Outputs.NATS.SubjectPrefix, " *>") {
		errs = append(errs, fmt.Errorf("outputs.nats.subject_prefix %q must not contain spaces or wildcards", cfg.Outputs.NATS.SubjectPrefix))
	}
	// Telemetry
	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %g is out of range [0, 1]", r))
	}

	if cfg.Outputs.Postgres.DSN == "" {
		slog.Debug("outputs.postgres.dsn is empty; committed transcripts will not be stored")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
