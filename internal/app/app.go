// Package app wires the TARS subsystems into a running assistant.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the interactive console loop, ApplyConfig applies
// hot-reloadable config changes and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithHistoryStore,
// WithSpeaker, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/tarsvoice/internal/cache"
	"github.com/MrWong99/tarsvoice/internal/config"
	"github.com/MrWong99/tarsvoice/internal/generation"
	"github.com/MrWong99/tarsvoice/internal/health"
	"github.com/MrWong99/tarsvoice/internal/history"
	"github.com/MrWong99/tarsvoice/internal/observe"
	"github.com/MrWong99/tarsvoice/internal/personality"
	"github.com/MrWong99/tarsvoice/internal/pipeline"
	"github.com/MrWong99/tarsvoice/internal/speech"
	"github.com/MrWong99/tarsvoice/pkg/audio"
	"github.com/MrWong99/tarsvoice/pkg/provider/llm"
	"github.com/MrWong99/tarsvoice/pkg/provider/tts"
)

// ErrShuttingDown is reported by the speech readiness check once Shutdown
// has started.
var ErrShuttingDown = errors.New("app: shutting down")

// Providers holds one value per provider slot. Populated by main.go via the
// config registry.
type Providers struct {
	// LLM is required.
	LLM llm.Provider

	// TTS may be nil, in which case responses are text only.
	TTS tts.Provider

	// Audio plays synthesised speech. Nil selects [audio.Discard].
	Audio audio.Player

	// LLMName and TTSName label the providers in metrics and logs.
	LLMName string
	TTSName string
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	log       *slog.Logger
	metrics   *observe.Metrics
	levelVar  *slog.LevelVar

	persona   *personality.State
	responses *cache.ResponseCache
	store     history.Store
	gen       *generation.Client
	speaker   pipeline.Speaker
	pipe      *pipeline.Pipeline

	// closers are called last to first during Shutdown.
	closers []func(context.Context) error

	closing  atomic.Bool
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithHistoryStore injects a history store instead of creating one from config.
// Shutdown does not close an injected store.
func WithHistoryStore(s history.Store) Option {
	return func(a *App) { a.store = s }
}

// WithSpeaker injects the sentence sink instead of building a speech queue
// from the TTS and audio providers.
func WithSpeaker(s pipeline.Speaker) Option {
	return func(a *App) { a.speaker = s }
}

// WithLogger sets the logger handed to every subsystem.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) {
		if l != nil {
			a.log = l
		}
	}
}

// WithMetrics sets the metrics recorder handed to every subsystem.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) {
		if m != nil {
			a.metrics = m
		}
	}
}

// WithLevelVar lets ApplyConfig change the log level at runtime.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil {
		return nil, errors.New("app: an LLM provider is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		log:       slog.Default(),
		metrics:   observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Personality ───────────────────────────────────────────────────
	a.persona = personality.New(
		cfg.Personality.HumorOr(config.DefaultHumor),
		cfg.Personality.HonestyOr(config.DefaultHonesty),
	)

	// ── 2. Response cache ────────────────────────────────────────────────
	size := cfg.Cache.MaxSize
	if size == 0 {
		size = config.DefaultCacheSize
	}
	responses, err := cache.New(size,
		cache.WithEnabled(cfg.Cache.IsEnabled()),
		cache.WithLogger(a.log),
		cache.WithMetrics(a.metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("app: init cache: %w", err)
	}
	a.responses = responses

	// ── 3. History ───────────────────────────────────────────────────────
	if err := a.initHistory(ctx); err != nil {
		return nil, fmt.Errorf("app: init history: %w", err)
	}

	// ── 4. Generation ────────────────────────────────────────────────────
	a.gen = generation.NewClient(providers.LLM, a.store, a.generationOptions()...)

	// ── 5. Speech ────────────────────────────────────────────────────────
	a.initSpeech()

	// ── 6. Pipeline ──────────────────────────────────────────────────────
	a.pipe = pipeline.New(a.gen, a.speaker, a.persona, a.responses,
		pipeline.WithLogger(a.log),
		pipeline.WithMetrics(a.metrics),
	)

	a.log.Info("tars ready",
		"personality", a.persona.Summary(),
		"llm", providers.LLMName,
		"tts", providers.TTSName,
		"cache_enabled", a.responses.Enabled(),
		"history", string(cfg.History.Backend),
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initHistory(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	switch a.cfg.History.Backend {
	case config.HistoryPostgres:
		var opts []history.PostgresOption
		if c := a.cfg.History.Conversation; c != "" {
			opts = append(opts, history.WithConversation(c))
		}
		store, err := history.NewPostgresStore(ctx, a.cfg.History.PostgresDSN, opts...)
		if err != nil {
			return err
		}
		a.store = store
	default:
		a.store = history.NewMemoryStore(a.cfg.History.MaxExchanges)
	}
	store := a.store
	a.closers = append(a.closers, func(context.Context) error { return store.Close() })
	return nil
}

func (a *App) generationOptions() []generation.Option {
	g := a.cfg.Generation
	opts := []generation.Option{
		generation.WithLogger(a.log),
		generation.WithMetrics(a.metrics),
	}
	if a.providers.LLMName != "" {
		opts = append(opts, generation.WithProviderName(a.providers.LLMName))
	}
	if g.Temperature != nil {
		opts = append(opts, generation.WithTemperature(*g.Temperature))
	}
	if g.MaxTokens > 0 {
		opts = append(opts, generation.WithMaxTokens(g.MaxTokens))
	}
	if g.HistoryWindow != nil {
		opts = append(opts, generation.WithHistoryWindow(*g.HistoryWindow))
	}
	return opts
}

// initSpeech builds the speech queue on top of the TTS provider and audio
// player. Without a TTS provider the assistant answers in text only.
func (a *App) initSpeech() {
	if a.speaker != nil {
		return
	}
	if a.providers.TTS == nil {
		a.speaker = textOnly{}
		return
	}

	player := a.providers.Audio
	if player == nil {
		player = audio.Discard{}
	}
	voice := tts.VoiceProfile{
		ID:          a.cfg.Voice.VoiceID,
		Provider:    a.providers.TTSName,
		SpeedFactor: a.cfg.Voice.SpeedFactor,
		Emotion:     a.cfg.Voice.Emotion,
	}
	var renderOpts []speech.TTSOption
	renderOpts = append(renderOpts, speech.WithTTSMetrics(a.metrics))
	if a.providers.TTSName != "" {
		renderOpts = append(renderOpts, speech.WithProviderName(a.providers.TTSName))
	}
	renderer := speech.NewTTSRenderer(a.providers.TTS, player, voice, renderOpts...)

	s := a.cfg.Speech
	queueOpts := []speech.Option{
		speech.WithLogger(a.log),
		speech.WithMetrics(a.metrics),
	}
	if s.QueueCapacity > 0 {
		queueOpts = append(queueOpts, speech.WithCapacity(s.QueueCapacity))
	}
	if s.PollInterval > 0 {
		queueOpts = append(queueOpts, speech.WithPollInterval(s.PollInterval))
	}
	if s.IdleTimeout > 0 {
		queueOpts = append(queueOpts, speech.WithIdleTimeout(s.IdleTimeout))
	}
	if s.UtteranceTimeout > 0 {
		queueOpts = append(queueOpts, speech.WithUtteranceTimeout(s.UtteranceTimeout))
	}
	queue := speech.NewQueue(renderer, queueOpts...)
	a.speaker = queue

	// Closers run in reverse, so the queue drains before the player closes.
	if c, ok := player.(interface{ Close() error }); ok {
		a.closers = append(a.closers, func(context.Context) error { return c.Close() })
	}
	a.closers = append(a.closers, queue.Close)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Pipeline returns the streaming pipeline.
func (a *App) Pipeline() *pipeline.Pipeline { return a.pipe }

// Personality returns the live personality state.
func (a *App) Personality() *personality.State { return a.persona }

// Cache returns the response cache.
func (a *App) Cache() *cache.ResponseCache { return a.responses }

// Generation returns the generation client.
func (a *App) Generation() *generation.Client { return a.gen }

// Checkers returns the readiness checks for the ops server: the TTS backend
// and the history store when they support pinging, and the speech path.
func (a *App) Checkers() []health.Checker {
	var out []health.Checker
	if p, ok := a.providers.TTS.(health.Pinger); ok {
		out = append(out, health.PingChecker("tts", p))
	}
	if p, ok := a.store.(health.Pinger); ok {
		out = append(out, health.PingChecker("history", p))
	}
	out = append(out, health.Checker{Name: "speech", Check: func(context.Context) error {
		if a.closing.Load() {
			return ErrShuttingDown
		}
		return nil
	}})
	return out
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable differences between old and new:
// personality levels, cache toggle and log level. Other changes are logged
// as requiring a restart.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(d.NewLogLevel.SlogLevel())
		a.log.Info("log level changed", "level", string(d.NewLogLevel))
	}
	if d.PersonalityChanged {
		a.persona.SetHumor(d.NewHumor)
		a.persona.SetHonesty(d.NewHonesty)
		a.log.Info("personality reloaded", "personality", a.persona.Summary())
	}
	if d.CacheEnabledChanged {
		a.responses.SetEnabled(d.NewCacheEnabled)
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changes require a restart to take effect", "sections", d.RestartRequired)
	}
	a.cfg = new
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops any in-flight run and tears down subsystems in reverse init
// order.
// If ctx expires before all closers finish, the remaining closers are skipped
// and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.closing.Store(true)
		a.log.Info("shutting down", "closers", len(a.closers))

		if n := a.pipe.Stop(); n > 0 {
			a.log.Debug("dropped queued speech on shutdown", "sentences", n)
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := ctx.Err(); err != nil {
				a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = err
				return
			}
			if err := a.closers[i](ctx); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// textOnly is the speaker used without a TTS provider: every sentence counts
// as spoken the moment it is enqueued.
type textOnly struct{}

func (textOnly) Enqueue(_ string, done func()) bool {
	if done != nil {
		done()
	}
	return true
}

func (textOnly) StopAndClear() int { return 0 }

var _ pipeline.Speaker = textOnly{}
