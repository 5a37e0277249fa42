// Package audio holds the PCM plumbing between TTS providers and the local
// speaker: the stream [Format], sample conversion, WAV decoding and the
// [Player] abstraction.
//
// All PCM handled here is signed 16-bit little-endian, interleaved when
// there is more than one channel.
package audio

import (
	"fmt"
	"time"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// DefaultFormat is 16 kHz mono, the native output of ElevenLabs' pcm_16000.
var DefaultFormat = Format{SampleRate: 16000, Channels: 1}

// BytesPerFrame returns the size of one interleaved sample frame.
func (f Format) BytesPerFrame() int {
	return 2 * f.Channels
}

// Duration returns how long n bytes of PCM in this format take to play.
func (f Format) Duration(n int) time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	frames := n / f.BytesPerFrame()
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// Validate reports whether f can be played.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("audio: sample rate must be positive, got %d", f.SampleRate)
	}
	if f.Channels != 1 && f.Channels != 2 {
		return fmt.Errorf("audio: channels must be 1 or 2, got %d", f.Channels)
	}
	return nil
}

// String renders the format as e.g. "48000Hz stereo".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}
