package config_test

import (
	"log/slog"
	"strings"
	"testing"

	"github.com/MrWong99/tarsvoice/internal/config"
)

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		mention string
	}{
		{"log level", "server:\n  log_level: verbose\n", "log_level"},
		{"humor high", "personality:\n  humor: 101\n", "personality.humor"},
		{"honesty negative", "personality:\n  honesty: -1\n", "personality.honesty"},
		{"speed factor", "voice:\n  speed_factor: 5.0\n", "speed_factor"},
		{"temperature", "generation:\n  temperature: 3\n", "temperature"},
		{"max tokens", "generation:\n  max_tokens: -5\n", "max_tokens"},
		{"history window", "generation:\n  history_window: -1\n", "history_window"},
		{"cache size", "cache:\n  max_size: -1\n", "cache.max_size"},
		{"queue capacity", "speech:\n  queue_capacity: -1\n", "queue_capacity"},
		{"negative duration", "speech:\n  idle_timeout: -1s\n", "idle_timeout"},
		{"history backend", "history:\n  backend: redis\n", "history.backend"},
		{"postgres dsn", "history:\n  backend: postgres\n", "postgres_dsn"},
		{"max exchanges", "history:\n  max_exchanges: -3\n", "max_exchanges"},
		{"fallback name", "providers:\n  llm:\n    name: openai\n  llm_fallbacks:\n    - model: x\n", "llm_fallbacks[0]"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			doc := tc.yaml
			if !strings.Contains(doc, "providers:") {
				doc = minimalYAML + doc
			}
			_, err := config.LoadFromReader(strings.NewReader(doc))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tc.mention) {
				t.Errorf("error should mention %q, got: %v", tc.mention, err)
			}
		})
	}
}

func TestValidate_MultipleErrorsJoined(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server:  config.ServerConfig{LogLevel: "loud"},
		Voice:   config.VoiceConfig{SpeedFactor: 9},
		History: config.HistoryConfig{Backend: "tape"},
	}
	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"log_level", "speed_factor", "history.backend", "providers.llm.name"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error missing %q: %v", want, err)
		}
	}
}

func TestValidate_UnknownProviderNameIsWarning(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(`
providers:
  llm:
    name: my-private-llm
  tts:
    name: my-private-tts
`))
	if err != nil {
		t.Fatalf("unknown provider names should only warn, got: %v", err)
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()
	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	if config.LogLevel("trace").IsValid() {
		t.Error("trace should be invalid")
	}
}

func TestApplyDefaults_KeepsExplicitValues(t *testing.T) {
	t.Parallel()
	off := false
	humor := 10
	cfg := &config.Config{
		Cache:       config.CacheConfig{Enabled: &off, MaxSize: 7},
		Personality: config.PersonalityConfig{Humor: &humor},
	}
	config.ApplyDefaults(cfg)

	if cfg.Cache.IsEnabled() || cfg.Cache.MaxSize != 7 {
		t.Errorf("cache overwritten: %+v", cfg.Cache)
	}
	if cfg.Personality.HumorOr(-1) != 10 {
		t.Errorf("humor overwritten: %d", cfg.Personality.HumorOr(-1))
	}
	if cfg.Personality.HonestyOr(-1) != config.DefaultHonesty {
		t.Errorf("honesty default not applied: %d", cfg.Personality.HonestyOr(-1))
	}
}

func TestLogLevel_SlogLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		level config.LogLevel
		want  slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tc := range tests {
		if got := tc.level.SlogLevel(); got != tc.want {
			t.Errorf("%q.SlogLevel() = %v, want %v", tc.level, got, tc.want)
		}
	}
}
