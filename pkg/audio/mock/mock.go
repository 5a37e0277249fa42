// Package mock provides an in-memory [audio.Player] for unit tests.
//
// Player records the bytes of every Play call so tests can assert on what
// would have been heard, and exposes fields to inject errors and to hold a
// call open until the test releases it.
//
//	p := &mock.Player{}
//	err := p.Play(ctx, pcm)
//	if got := p.PlayCount(); got != 1 { ... }
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/tarsvoice/pkg/audio"
)

// Player is a mock implementation of [audio.Player]. It is safe for
// concurrent use.
type Player struct {
	mu sync.Mutex

	// PlayErr, if non-nil, is returned from Play after the stream is drained.
	PlayErr error

	// Block, if non-nil, holds every Play call open after the stream is
	// drained until Block is closed or ctx is cancelled.
	Block chan struct{}

	// Started, if non-nil, receives one value when a Play call begins.
	Started chan struct{}

	// AudioFormat is returned by Format. The zero value reports
	// [audio.DefaultFormat].
	AudioFormat audio.Format

	// Played holds the concatenated bytes of each completed Play call.
	Played [][]byte
}

// Play drains pcm, records the bytes, then honours Block and PlayErr.
func (p *Player) Play(ctx context.Context, pcm <-chan []byte) error {
	p.mu.Lock()
	started, block, playErr := p.Started, p.Block, p.PlayErr
	p.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		case <-ctx.Done():
		}
	}

	var buf []byte
	for chunk := range pcm {
		buf = append(buf, chunk...)
	}

	p.mu.Lock()
	p.Played = append(p.Played, buf)
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if playErr != nil {
		return playErr
	}
	if len(buf) == 0 {
		return audio.ErrNoAudio
	}
	return nil
}

// Format implements [audio.Player].
func (p *Player) Format() audio.Format {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.AudioFormat == (audio.Format{}) {
		return audio.DefaultFormat
	}
	return p.AudioFormat
}

// PlayCount returns the number of completed Play calls.
func (p *Player) PlayCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Played)
}

// PlayedText returns each recorded Play payload as a string. Tests that feed
// text-as-audio through a mock TTS provider use it to check ordering.
func (p *Player) PlayedText() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Played))
	for i, b := range p.Played {
		out[i] = string(b)
	}
	return out
}

var _ audio.Player = (*Player)(nil)
