package config

import "fmt"

// ConfigDiff describes what changed between two configs.
// Hot-reloadable fields are reported individually; anything else that
// differs sets RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	PersonalityChanged bool
	NewHumor           int
	NewHonesty         int

	CacheEnabledChanged bool
	NewCacheEnabled     bool

	// RestartRequired lists the sections whose changes only take effect
	// after a restart (providers, voice, generation, speech, history, cache size).
	RestartRequired []string
}

// HasHotChanges reports whether any hot-reloadable field changed.
func (d ConfigDiff) HasHotChanges() bool {
	return d.LogLevelChanged || d.PersonalityChanged || d.CacheEnabledChanged
}

// Diff compares old and new configs and returns what changed.
// Both configs are expected to have had [ApplyDefaults] applied.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oh, nh := old.Personality.HumorOr(DefaultHumor), new.Personality.HumorOr(DefaultHumor)
	ot, nt := old.Personality.HonestyOr(DefaultHonesty), new.Personality.HonestyOr(DefaultHonesty)
	if oh != nh || ot != nt {
		d.PersonalityChanged = true
		d.NewHumor = nh
		d.NewHonesty = nt
	}

	if old.Cache.IsEnabled() != new.Cache.IsEnabled() {
		d.CacheEnabledChanged = true
		d.NewCacheEnabled = new.Cache.IsEnabled()
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !providersEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Voice != new.Voice {
		d.RestartRequired = append(d.RestartRequired, "voice")
	}
	if !generationEqual(old.Generation, new.Generation) {
		d.RestartRequired = append(d.RestartRequired, "generation")
	}
	if old.Cache.MaxSize != new.Cache.MaxSize {
		d.RestartRequired = append(d.RestartRequired, "cache.max_size")
	}
	if old.Speech != new.Speech {
		d.RestartRequired = append(d.RestartRequired, "speech")
	}
	if old.History != new.History {
		d.RestartRequired = append(d.RestartRequired, "history")
	}
	return d
}

func providersEqual(a, b ProvidersConfig) bool {
	if !entryEqual(a.LLM, b.LLM) || !entryEqual(a.TTS, b.TTS) || !entryEqual(a.Audio, b.Audio) {
		return false
	}
	return entriesEqual(a.LLMFallbacks, b.LLMFallbacks) && entriesEqual(a.TTSFallbacks, b.TTSFallbacks)
}

func entriesEqual(a, b []ProviderEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !entryEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

// entryEqual compares provider entries. Options are compared by their
// formatted values since they may hold arbitrary YAML.
func entryEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, av := range a.Options {
		bv, ok := b.Options[k]
		if !ok || fmt.Sprint(av) != fmt.Sprint(bv) {
			return false
		}
	}
	return true
}

func generationEqual(a, b GenerationConfig) bool {
	return derefOr(a.Temperature, DefaultTemperature) == derefOr(b.Temperature, DefaultTemperature) &&
		a.MaxTokens == b.MaxTokens &&
		derefOr(a.HistoryWindow, DefaultHistoryWindow) == derefOr(b.HistoryWindow, DefaultHistoryWindow)
}

func derefOr[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}
