package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/tarsvoice/pkg/audio"
	"github.com/MrWong99/tarsvoice/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with failover across several TTS
// backends, each behind its own circuit breaker.
//
// Only stream setup fails over: once a backend has accepted the text channel
// the text is consumed and cannot be replayed. Audio from a fallback whose
// output format differs from the primary's is converted, so consumers can
// rely on [TTSFallback.OutputFormat] for every stream.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

var (
	_ tts.Provider       = (*TTSFallback)(nil)
	_ tts.Pinger         = (*TTSFallback)(nil)
	_ tts.FormatReporter = (*TTSFallback)(nil)
)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional TTS backend.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// Names returns the backend names in failover order.
func (f *TTSFallback) Names() []string { return f.group.Names() }

// SynthesizeStream starts synthesis on the first healthy backend.
func (f *TTSFallback) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	target := f.OutputFormat()
	return ExecuteWithResult(ctx, f.group, func(p tts.Provider) (<-chan []byte, error) {
		pcm, err := p.SynthesizeStream(ctx, text, voice)
		if err != nil {
			return nil, err
		}
		if from := formatOf(p); target != (audio.Format{}) && from != (audio.Format{}) && from != target {
			pcm = audio.ConvertStream(pcm, from, target)
		}
		return pcm, nil
	})
}

// ListVoices returns the voices of the first healthy backend.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	return ExecuteWithResult(ctx, f.group, func(p tts.Provider) ([]tts.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
}

// OutputFormat reports the primary's PCM format, or the zero Format when the
// primary does not know it.
func (f *TTSFallback) OutputFormat() audio.Format {
	return formatOf(f.group.Primary())
}

// Ping succeeds when at least one backend is reachable. Backends without a
// Ping method are assumed reachable.
func (f *TTSFallback) Ping(ctx context.Context) error {
	var errs []error
	for _, e := range f.group.entries {
		p, ok := e.value.(tts.Pinger)
		if !ok {
			return nil
		}
		err := p.Ping(ctx)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func formatOf(p tts.Provider) audio.Format {
	if fr, ok := p.(tts.FormatReporter); ok {
		return fr.OutputFormat()
	}
	return audio.Format{}
}
