// Package malgo plays PCM on the default output device through miniaudio
// (github.com/gen2brain/malgo).
//
// The device is opened once and runs for the life of the Player. Its data
// callback pulls from an internal buffer and writes silence when the buffer
// is empty, so back-to-back utterances play without reopening the device.
package malgo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	ma "github.com/gen2brain/malgo"

	"github.com/MrWong99/tarsvoice/pkg/audio"
)

const (
	defaultPeriodFrames = 480
	defaultMaxBuffered  = 2 * time.Second
)

// Option configures a Player.
type Option func(*Player)

// WithPeriodFrames sets the device period size. Smaller periods lower latency
// at the cost of more callbacks.
func WithPeriodFrames(n uint32) Option {
	return func(p *Player) { p.periodFrames = n }
}

// WithMaxBuffered bounds how much audio Play queues ahead of the device.
func WithMaxBuffered(d time.Duration) Option {
	return func(p *Player) { p.maxBuffered = d }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Player) { p.log = l }
}

// Player implements [audio.Player] on a miniaudio playback device.
type Player struct {
	format       audio.Format
	periodFrames uint32
	maxBuffered  time.Duration
	log          *slog.Logger

	ctx    *ma.AllocatedContext
	device *ma.Device

	mu      sync.Mutex
	buf     []byte
	drained chan struct{}
	closed  bool
}

// New opens the default playback device in format f and starts it.
func New(f audio.Format, opts ...Option) (*Player, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	p := &Player{
		format:       f,
		periodFrames: defaultPeriodFrames,
		maxBuffered:  defaultMaxBuffered,
		log:          slog.Default(),
		drained:      make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(p)
	}

	mctx, err := ma.InitContext(nil, ma.ContextConfig{}, func(msg string) {
		p.log.Debug("miniaudio", "msg", msg)
	})
	if err != nil {
		return nil, fmt.Errorf("malgo: init context: %w", err)
	}

	cfg := ma.DefaultDeviceConfig(ma.Playback)
	cfg.Playback.Format = ma.FormatS16
	cfg.Playback.Channels = uint32(f.Channels)
	cfg.SampleRate = uint32(f.SampleRate)
	cfg.PeriodSizeInFrames = p.periodFrames

	dev, err := ma.InitDevice(mctx.Context, cfg, ma.DeviceCallbacks{Data: p.fill})
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("malgo: init playback device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("malgo: start playback device: %w", err)
	}

	p.ctx, p.device = mctx, dev
	p.log.Info("audio output opened", "format", f.String(), "period_frames", p.periodFrames)
	return p, nil
}

// fill is the device data callback. It runs on miniaudio's audio thread.
func (p *Player) fill(out, _ []byte, _ uint32) {
	p.mu.Lock()
	n := copy(out, p.buf)
	p.buf = p.buf[n:]
	empty := len(p.buf) == 0
	p.mu.Unlock()

	clear(out[n:])
	if empty && n > 0 {
		select {
		case p.drained <- struct{}{}:
		default:
		}
	}
}

// Play implements [audio.Player]. It returns once the device has consumed
// every byte received from pcm.
func (p *Player) Play(ctx context.Context, pcm <-chan []byte) error {
	limit := p.format.SampleRate * p.format.BytesPerFrame() * int(p.maxBuffered/time.Millisecond) / 1000

	var total int
	for {
		select {
		case chunk, ok := <-pcm:
			if !ok {
				if total == 0 {
					return audio.ErrNoAudio
				}
				return p.waitDrained(ctx)
			}
			total += len(chunk)
			if err := p.push(ctx, chunk, limit); err != nil {
				go audio.Drain(pcm)
				return err
			}
		case <-ctx.Done():
			p.reset()
			go audio.Drain(pcm)
			return ctx.Err()
		}
	}
}

// push appends chunk once the buffer has room for it.
func (p *Player) push(ctx context.Context, chunk []byte, limit int) error {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return errors.New("malgo: player closed")
		}
		if len(p.buf) == 0 || len(p.buf)+len(chunk) <= limit {
			p.buf = append(p.buf, chunk...)
			p.mu.Unlock()
			return nil
		}
		p.mu.Unlock()

		select {
		case <-p.drained:
		case <-time.After(10 * time.Millisecond):
		case <-ctx.Done():
			p.reset()
			return ctx.Err()
		}
	}
}

func (p *Player) waitDrained(ctx context.Context) error {
	for {
		p.mu.Lock()
		empty := len(p.buf) == 0
		p.mu.Unlock()
		if empty {
			return nil
		}
		select {
		case <-p.drained:
		case <-time.After(10 * time.Millisecond):
		case <-ctx.Done():
			p.reset()
			return ctx.Err()
		}
	}
}

// reset drops buffered audio so a cancelled utterance stops immediately.
func (p *Player) reset() {
	p.mu.Lock()
	p.buf = nil
	p.mu.Unlock()
}

// Format implements [audio.Player].
func (p *Player) Format() audio.Format {
	return p.format
}

// Close stops the device and releases miniaudio resources.
func (p *Player) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.buf = nil
	p.mu.Unlock()

	err := p.device.Stop()
	p.device.Uninit()
	if uerr := p.ctx.Uninit(); uerr != nil {
		err = errors.Join(err, uerr)
	}
	p.ctx.Free()
	if err != nil {
		return fmt.Errorf("malgo: close: %w", err)
	}
	return nil
}

var _ audio.Player = (*Player)(nil)
