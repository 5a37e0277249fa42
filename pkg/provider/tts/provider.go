// Package tts defines the Provider interface for text-to-speech backends.
//
// A provider turns a stream of text fragments into a stream of raw PCM. The
// speech queue feeds it one sentence at a time and pipes the audio straight
// into an audio.Player, so the first words play while later sentences are
// still being generated.
package tts

import (
	"context"

	"github.com/MrWong99/tarsvoice/pkg/audio"
)

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// SynthesizeStream consumes text fragments until text is closed and
	// returns a channel emitting 16-bit little-endian PCM in the provider's
	// output format.
	//
	// The audio channel is closed when all text has been synthesised, when
	// synthesis fails, or when ctx is cancelled. The caller must drain it.
	// A non-nil error is returned only if the stream cannot be started.
	SynthesizeStream(ctx context.Context, text <-chan string, voice VoiceProfile) (<-chan []byte, error)

	// ListVoices returns the voices the backend currently offers.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}

// Pinger is implemented by providers that can cheaply check that their
// backend is reachable. Health checks use it when available.
type Pinger interface {
	Ping(ctx context.Context) error
}

// FormatReporter is implemented by providers that know the PCM format they
// emit. Consumers convert to the player's format when the two differ. Audio
// from providers without it, or reporting the zero Format, is assumed to
// already match.
type FormatReporter interface {
	OutputFormat() audio.Format
}
