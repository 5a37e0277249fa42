package speech

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/tarsvoice/internal/observe"
	"github.com/MrWong99/tarsvoice/pkg/audio"
	"github.com/MrWong99/tarsvoice/pkg/provider/tts"
)

// TTSOption configures a [TTSRenderer].
type TTSOption func(*TTSRenderer)

// WithProviderName sets the provider label used in metrics. Defaults to "tts".
func WithProviderName(name string) TTSOption {
	return func(r *TTSRenderer) { r.name = name }
}

// WithTTSMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithTTSMetrics(m *observe.Metrics) TTSOption {
	return func(r *TTSRenderer) { r.metrics = m }
}

// TTSRenderer is a [Renderer] that synthesises each sentence with a
// tts.Provider and plays the resulting PCM on an audio.Player.
type TTSRenderer struct {
	provider tts.Provider
	player   audio.Player
	voice    tts.VoiceProfile
	name     string
	metrics  *observe.Metrics
}

// NewTTSRenderer wires provider to player using voice for every utterance.
func NewTTSRenderer(provider tts.Provider, player audio.Player, voice tts.VoiceProfile, opts ...TTSOption) *TTSRenderer {
	r := &TTSRenderer{
		provider: provider,
		player:   player,
		voice:    voice,
		name:     "tts",
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// Speak implements [Renderer]. It returns once the player has finished.
func (r *TTSRenderer) Speak(ctx context.Context, text string) (err error) {
	ctx, span := observe.StartSpan(ctx, "speech.utterance",
		trace.WithAttributes(
			attribute.String("tts.provider", r.name),
			attribute.Int("text.length", len(text)),
		),
	)
	defer func() { observe.EndSpan(span, err) }()

	in := make(chan string, 1)
	in <- text
	close(in)

	pcm, err := r.provider.SynthesizeStream(ctx, in, r.voice)
	if err != nil {
		r.metrics.RecordProviderRequest(ctx, r.name, "tts", "error")
		r.metrics.RecordProviderError(ctx, r.name, "tts")
		return fmt.Errorf("speech: synthesize: %w", err)
	}

	if fr, ok := r.provider.(tts.FormatReporter); ok {
		from, to := fr.OutputFormat(), r.player.Format()
		if from != (audio.Format{}) && from != to {
			pcm = audio.ConvertStream(pcm, from, to)
		}
	}

	if err := r.player.Play(ctx, pcm); err != nil {
		status := "error"
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			status = "cancelled"
		} else {
			r.metrics.RecordProviderError(ctx, r.name, "tts")
		}
		r.metrics.RecordProviderRequest(ctx, r.name, "tts", status)
		return fmt.Errorf("speech: play: %w", err)
	}
	r.metrics.RecordProviderRequest(ctx, r.name, "tts", "ok")
	return nil
}
