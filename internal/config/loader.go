package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults] to fields left unset.
const (
	DefaultHumor         = 75
	DefaultHonesty       = 90
	DefaultCacheSize     = 100
	DefaultPollInterval  = 500 * time.Millisecond
	DefaultTemperature   = 0.7
	DefaultMaxTokens     = 1024
	DefaultHistoryWindow = 20
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":   {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq"},
	"tts":   {"elevenlabs", "gptsovits"},
	"audio": {"malgo", "discard"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r, fills in defaults and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields with their defaults. Explicit values,
// including an explicit zero for pointer fields, are kept.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Personality.Humor == nil {
		cfg.Personality.Humor = ptr(DefaultHumor)
	}
	if cfg.Personality.Honesty == nil {
		cfg.Personality.Honesty = ptr(DefaultHonesty)
	}
	if cfg.Cache.Enabled == nil {
		cfg.Cache.Enabled = ptr(true)
	}
	if cfg.Cache.MaxSize == 0 {
		cfg.Cache.MaxSize = DefaultCacheSize
	}
	if cfg.Speech.PollInterval == 0 {
		cfg.Speech.PollInterval = DefaultPollInterval
	}
	if cfg.Generation.Temperature == nil {
		cfg.Generation.Temperature = ptr(DefaultTemperature)
	}
	if cfg.Generation.MaxTokens == 0 {
		cfg.Generation.MaxTokens = DefaultMaxTokens
	}
	if cfg.Generation.HistoryWindow == nil {
		cfg.Generation.HistoryWindow = ptr(DefaultHistoryWindow)
	}
	if cfg.History.Backend == "" {
		cfg.History.Backend = HistoryMemory
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

	// Providers
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("audio", cfg.Providers.Audio.Name)
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
		}
		validateProviderName("llm", fb.Name)
	}
	for i, fb := range cfg.Providers.TTSFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.tts_fallbacks[%d].name is required", i))
		}
		validateProviderName("tts", fb.Name)
	}
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	if cfg.Providers.TTS.Name == "" {
		slog.Warn("providers.tts is not configured; responses will be text only")
	}

	// Personality
	if h := cfg.Personality.Humor; h != nil && (*h < 0 || *h > 100) {
		errs = append(errs, fmt.Errorf("personality.humor %d is out of range [0, 100]", *h))
	}
	if h := cfg.Personality.Honesty; h != nil && (*h < 0 || *h > 100) {
		errs = append(errs, fmt.Errorf("personality.honesty %d is out of range [0, 100]", *h))
	}

	// Voice
	if s := cfg.Voice.SpeedFactor; s != 0 && (s < 0.5 || s > 2.0) {
		errs = append(errs, fmt.Errorf("voice.speed_factor %.2f is out of range [0.5, 2.0]", s))
	}

	// Generation
	if t := cfg.Generation.Temperature; t != nil && (*t < 0 || *t > 2) {
		errs = append(errs, fmt.Errorf("generation.temperature %.2f is out of range [0, 2]", *t))
	}
	if cfg.Generation.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("generation.max_tokens %d must not be negative", cfg.Generation.MaxTokens))
	}
	if w := cfg.Generation.HistoryWindow; w != nil && *w < 0 {
		errs = append(errs, fmt.Errorf("generation.history_window %d must not be negative", *w))
	}

	// Cache
	if cfg.Cache.MaxSize < 0 {
		errs = append(errs, fmt.Errorf("cache.max_size %d must be positive", cfg.Cache.MaxSize))
	}

	// Speech
	if cfg.Speech.QueueCapacity < 0 {
		errs = append(errs, fmt.Errorf("speech.queue_capacity %d must not be negative", cfg.Speech.QueueCapacity))
	}
	for name, d := range map[string]time.Duration{
		"poll_interval":     cfg.Speech.PollInterval,
		"idle_timeout":      cfg.Speech.IdleTimeout,
		"utterance_timeout": cfg.Speech.UtteranceTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("speech.%s %s must not be negative", name, d))
		}
	}

	// History
	if cfg.History.Backend != "" && !cfg.History.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("history.backend %q is invalid; valid values: memory, postgres", cfg.History.Backend))
	}
	if cfg.History.Backend == HistoryPostgres && cfg.History.PostgresDSN == "" {
		errs = append(errs, errors.New("history.postgres_dsn is required when history.backend is postgres"))
	}
	if cfg.History.MaxExchanges < 0 {
		errs = append(errs, fmt.Errorf("history.max_exchanges %d must not be negative", cfg.History.MaxExchanges))
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

func ptr[T any](v T) *T { return &v }
