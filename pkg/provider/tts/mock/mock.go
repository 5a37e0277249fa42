// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio to consumers and to verify which text
// fragments and VoiceProfile reach the TTS backend.
//
// Example:
//
//	p := &mock.Provider{EchoText: true}
//	ch, _ := p.SynthesizeStream(ctx, textCh, voice)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/tarsvoice/pkg/provider/tts"
)

// SynthesizeStreamCall records a single invocation of SynthesizeStream.
type SynthesizeStreamCall struct {
	Ctx   context.Context
	Voice tts.VoiceProfile
}

// Provider is a mock implementation of tts.Provider and tts.Pinger.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// SynthesizeChunks is emitted after the text channel closes.
	SynthesizeChunks [][]byte

	// EchoText, if true, emits every received text fragment as its bytes.
	// Combined with an audio mock this makes spoken order observable.
	EchoText bool

	// SynthesizeErr, if non-nil, is returned from SynthesizeStream instead
	// of a channel.
	SynthesizeErr error

	// ListVoicesResult and ListVoicesErr are returned by ListVoices.
	ListVoicesResult []tts.VoiceProfile
	ListVoicesErr    error

	// PingErr is returned by Ping.
	PingErr error

	// --- Call records ---

	SynthesizeStreamCalls []SynthesizeStreamCall
	// Texts holds every text fragment received, across calls, in order.
	Texts          []string
	ListVoiceCalls int
	PingCalls      int
}

// SynthesizeStream records the call and returns a channel that emits the
// echoed text (if enabled) followed by SynthesizeChunks.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	p.mu.Lock()
	p.SynthesizeStreamCalls = append(p.SynthesizeStreamCalls, SynthesizeStreamCall{Ctx: ctx, Voice: voice})
	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := make([][]byte, len(p.SynthesizeChunks))
	copy(chunks, p.SynthesizeChunks)
	echo := p.EchoText
	p.mu.Unlock()

	ch := make(chan []byte, len(chunks)+1)
	go func() {
		defer close(ch)
		for {
			select {
			case s, ok := <-text:
				if !ok {
					for _, c := range chunks {
						select {
						case ch <- c:
						case <-ctx.Done():
							return
						}
					}
					return
				}
				p.mu.Lock()
				p.Texts = append(p.Texts, s)
				p.mu.Unlock()
				if echo {
					select {
					case ch <- []byte(s):
					case <-ctx.Done():
						return
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// ListVoices records the call and returns ListVoicesResult, ListVoicesErr.
func (p *Provider) ListVoices(_ context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ListVoiceCalls++
	return p.ListVoicesResult, p.ListVoicesErr
}

// Ping records the call and returns PingErr.
func (p *Provider) Ping(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.PingCalls++
	return p.PingErr
}

// ReceivedTexts returns a copy of every text fragment received so far.
func (p *Provider) ReceivedTexts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.Texts...)
}

// CallCount returns the number of SynthesizeStream calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.SynthesizeStreamCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeStreamCalls = nil
	p.Texts = nil
	p.ListVoiceCalls = 0
	p.PingCalls = 0
}

var (
	_ tts.Provider = (*Provider)(nil)
	_ tts.Pinger   = (*Provider)(nil)
)
