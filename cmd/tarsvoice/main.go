// Command tarsvoice runs the TARS voice assistant: an interactive console
// whose answers are streamed sentence by sentence into speech.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/tarsvoice/internal/app"
	"github.com/MrWong99/tarsvoice/internal/config"
	"github.com/MrWong99/tarsvoice/internal/health"
	"github.com/MrWong99/tarsvoice/internal/observe"
	"github.com/MrWong99/tarsvoice/internal/resilience"
	"github.com/MrWong99/tarsvoice/pkg/audio"
	"github.com/MrWong99/tarsvoice/pkg/audio/malgo"
	"github.com/MrWong99/tarsvoice/pkg/provider/llm"
	"github.com/MrWong99/tarsvoice/pkg/provider/llm/anyllm"
	"github.com/MrWong99/tarsvoice/pkg/provider/llm/openai"
	"github.com/MrWong99/tarsvoice/pkg/provider/tts"
	"github.com/MrWong99/tarsvoice/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/tarsvoice/pkg/provider/tts/gptsovits"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "tarsvoice: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "tarsvoice: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.SlogLevel())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	slog.Info("tarsvoice starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "tarsvoice",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	application, err := app.New(ctx, cfg, providers,
		app.WithLogger(logger),
		app.WithMetrics(metrics),
		app.WithLevelVar(&level),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config watcher ────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, application.ApplyConfig,
		config.WithWatcherLogger(logger))
	if err != nil {
		slog.Error("failed to watch config", "err", err)
		return 1
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	if addr := cfg.Server.ListenAddr; addr != "" {
		srv := newOpsServer(addr, telemetry, application, metrics, logger)
		g.Go(func() error {
			slog.Info("ops server listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("ops server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error { return watcher.Run(gctx) })

	// The console ending (/quit or end of input) ends the process.
	g.Go(func() error {
		fmt.Fprintln(os.Stdout, "TARS online. Type a question, or /help.")
		err := application.Run(gctx, os.Stdin, os.Stdout)
		stop()
		return err
	})

	runErr := g.Wait()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	return 0
}

// newOpsServer serves /metrics, /healthz and /readyz.
func newOpsServer(addr string, telemetry *observe.Telemetry, a *app.App, m *observe.Metrics, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", telemetry.Handler())
	health.New(a.Checkers()...).Register(mux)

	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(m, log)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// anyllmBackends are the LLM names served through any-llm-go. "openai" has
// its own client.
var anyllmBackends = []string{"anthropic", "gemini", "deepseek", "mistral", "groq", "ollama", "llamacpp", "llamafile"}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		p, err := openai.New(entry.APIKey, entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	for _, name := range anyllmBackends {
		reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			p, err := anyllm.New(name, entry.Model, opts...)
			if err != nil {
				return nil, err
			}
			return p, nil
		})
	}

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		p, err := elevenlabs.New(entry.APIKey, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	reg.RegisterTTS("gptsovits", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []gptsovits.Option
		if rate := optInt(entry.Options, "sample_rate"); rate > 0 {
			opts = append(opts, gptsovits.WithOutputFormat(audio.Format{SampleRate: rate, Channels: 1}))
		}
		if n := optInt(entry.Options, "lookahead"); n > 0 {
			opts = append(opts, gptsovits.WithLookahead(n))
		}
		p, err := gptsovits.New(entry.BaseURL, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	// ── Audio ─────────────────────────────────────────────────────────────────

	reg.RegisterAudio("malgo", func(entry config.ProviderEntry) (audio.Player, error) {
		format := audio.DefaultFormat
		if rate := optInt(entry.Options, "sample_rate"); rate > 0 {
			format.SampleRate = rate
		}
		p, err := malgo.New(format, malgo.WithLogger(slog.Default()))
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	reg.RegisterAudio("discard", func(config.ProviderEntry) (audio.Player, error) {
		return audio.Discard{}, nil
	})

	slog.Debug("registered providers",
		"llm", reg.LLMNames(),
		"tts", reg.TTSNames(),
		"audio", reg.AudioNames(),
	)
}

// buildProviders instantiates the providers named in cfg. Fallback entries
// wrap the primary in a circuit-breaker failover group.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{
		LLMName: cfg.Providers.LLM.Name,
		TTSName: cfg.Providers.TTS.Name,
	}
	fbCfg := resilience.FallbackConfig{Logger: slog.Default()}

	primary, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	ps.LLM = primary
	slog.Info("provider created", "kind", "llm", "name", cfg.Providers.LLM.Name)

	if len(cfg.Providers.LLMFallbacks) > 0 {
		group := resilience.NewLLMFallback(primary, cfg.Providers.LLM.Name, fbCfg)
		for _, entry := range cfg.Providers.LLMFallbacks {
			p, err := reg.CreateLLM(entry)
			if err != nil {
				return nil, fmt.Errorf("create llm fallback %q: %w", entry.Name, err)
			}
			group.AddFallback(entry.Name, p)
		}
		ps.LLM = group
		slog.Info("llm failover enabled", "order", group.Names())
	}

	if name := cfg.Providers.TTS.Name; name != "" {
		primary, err := reg.CreateTTS(cfg.Providers.TTS)
		if err != nil {
			return nil, fmt.Errorf("create tts provider %q: %w", name, err)
		}
		ps.TTS = primary
		slog.Info("provider created", "kind", "tts", "name", name)

		if len(cfg.Providers.TTSFallbacks) > 0 {
			group := resilience.NewTTSFallback(primary, name, fbCfg)
			for _, entry := range cfg.Providers.TTSFallbacks {
				p, err := reg.CreateTTS(entry)
				if err != nil {
					return nil, fmt.Errorf("create tts fallback %q: %w", entry.Name, err)
				}
				group.AddFallback(entry.Name, p)
			}
			ps.TTS = group
			slog.Info("tts failover enabled", "order", group.Names())
		}
	} else {
		slog.Warn("no tts provider configured, answers are text only")
	}

	if name := cfg.Providers.Audio.Name; name != "" {
		p, err := reg.CreateAudio(cfg.Providers.Audio)
		if err != nil {
			return nil, fmt.Errorf("create audio provider %q: %w", name, err)
		}
		ps.Audio = p
		slog.Info("provider created", "kind", "audio", "name", name)
	}

	return ps, nil
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer value from a provider Options map. YAML decodes
// whole numbers as int; other types yield 0.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
