package audio

import (
	"context"
	"errors"
)

// ErrNoAudio is returned by a [Player] when the stream it was given closed
// without delivering a single byte.
var ErrNoAudio = errors.New("audio: stream produced no audio")

// Player renders a PCM stream on an output device.
//
// Play blocks until every chunk received from pcm has been heard, pcm is
// closed and drained, or ctx is cancelled. Implementations must drain pcm
// before returning so the producer never blocks on a send. Play calls are
// serialised by the caller; implementations need not support overlapping
// calls.
type Player interface {
	Play(ctx context.Context, pcm <-chan []byte) error
	Format() Format
}

// Discard is a [Player] that consumes audio without output. It is used in
// text-only mode and by tests.
type Discard struct {
	F Format
}

// Play drains pcm and reports [ErrNoAudio] when nothing arrived.
func (d Discard) Play(ctx context.Context, pcm <-chan []byte) error {
	var n int
	for {
		select {
		case chunk, ok := <-pcm:
			if !ok {
				if n == 0 {
					return ErrNoAudio
				}
				return nil
			}
			n += len(chunk)
		case <-ctx.Done():
			go Drain(pcm)
			return ctx.Err()
		}
	}
}

// Format implements Player.
func (d Discard) Format() Format {
	if d.F == (Format{}) {
		return DefaultFormat
	}
	return d.F
}

var _ Player = Discard{}
