// Package gptsovits provides a TTS provider for a GPT-SoVITS inference server,
// the HTTP service that hosts the fine-tuned TARS voice (typically on a
// Raspberry Pi next to the speaker).
//
// The server exposes two endpoints:
//
//	GET  /            {"status":"running","models_loaded":true}
//	POST /synthesize  {"text":"...","speed":1.0,"emotion":null} → audio/wav
//
// Each text fragment is one synthesis request. Up to a configurable number of
// requests run concurrently while the audio is emitted in fragment order.
package gptsovits

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/tarsvoice/pkg/audio"
	"github.com/MrWong99/tarsvoice/pkg/provider/tts"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultLookahead = 2
	pcmChunkSize     = 4096

	synthesizePath = "/synthesize"
	statusPath     = "/"
)

// DefaultVoice is the single voice a GPT-SoVITS server hosts.
var DefaultVoice = tts.VoiceProfile{ID: "tars", Name: "TARS", Provider: "gptsovits"}

// Option is a functional option for Provider.
type Option func(*Provider)

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// WithOutputFormat resamples and re-channels server audio into f. Without it
// audio is emitted in whatever format the server's WAV declares.
func WithOutputFormat(f audio.Format) Option {
	return func(p *Provider) { p.output = f }
}

// WithLookahead sets how many synthesis requests may be in flight at once.
func WithLookahead(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.lookahead = n
		}
	}
}

// WithHTTPClient replaces the HTTP client. Its timeout is kept as given.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider implements tts.Provider against a GPT-SoVITS server. It is safe
// for concurrent use.
type Provider struct {
	serverURL  string
	httpClient *http.Client
	output     audio.Format
	lookahead  int
}

// New creates a Provider for the server at serverURL (e.g.
// "http://raspberrypi.local:8000").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("gptsovits: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
		lookahead:  defaultLookahead,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// synthesizeRequest is the JSON body of POST /synthesize.
type synthesizeRequest struct {
	Text    string  `json:"text"`
	Speed   float64 `json:"speed"`
	Emotion *string `json:"emotion"`
}

// statusResponse is the JSON body of GET /.
type statusResponse struct {
	Status       string `json:"status"`
	ModelsLoaded bool   `json:"models_loaded"`
}

type result struct {
	pcm []byte
	err error
}

// SynthesizeStream implements tts.Provider. Synthesis stops at the first
// failed request; the error is logged and the channel closed.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	ctx, cancel := context.WithCancel(ctx)
	audioCh := make(chan []byte, 64)
	pending := make(chan chan result, p.lookahead)

	// Dispatcher: one request per fragment, results queued in order.
	go func() {
		defer close(pending)
		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					return
				}
				fragment = strings.TrimSpace(fragment)
				if fragment == "" {
					continue
				}
				out := make(chan result, 1)
				select {
				case pending <- out:
				case <-ctx.Done():
					return
				}
				go func() {
					pcm, err := p.synthesize(ctx, fragment, voice)
					out <- result{pcm: pcm, err: err}
				}()
			case <-ctx.Done():
				return
			}
		}
	}()

	// Collector: drain results in order, emit fixed-size PCM chunks.
	go func() {
		defer close(audioCh)
		defer cancel()
		for out := range pending {
			var r result
			select {
			case r = <-out:
			case <-ctx.Done():
				return
			}
			if r.err != nil {
				if ctx.Err() == nil {
					slog.Warn("gptsovits: synthesis failed", "err", r.err)
				}
				return
			}
			for pcm := r.pcm; len(pcm) > 0; {
				end := min(pcmChunkSize, len(pcm))
				select {
				case audioCh <- pcm[:end]:
				case <-ctx.Done():
					return
				}
				pcm = pcm[end:]
			}
		}
	}()

	return audioCh, nil
}

// synthesize performs one POST /synthesize and returns PCM in the output format.
func (p *Provider) synthesize(ctx context.Context, text string, voice tts.VoiceProfile) ([]byte, error) {
	body := synthesizeRequest{Text: text, Speed: voice.Speed()}
	if voice.Emotion != "" {
		body.Emotion = &voice.Emotion
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("gptsovits: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+synthesizePath, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gptsovits: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/wav")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gptsovits: POST %s: %w", synthesizePath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("gptsovits: POST %s returned status %d: %s", synthesizePath, resp.StatusCode, bytes.TrimSpace(detail))
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("gptsovits: read WAV: %w", err)
	}
	pcm, f, err := audio.DecodeWAV(wav)
	if err != nil {
		return nil, fmt.Errorf("gptsovits: %w", err)
	}
	if p.output != (audio.Format{}) {
		pcm = audio.Convert(pcm, f, p.output)
	}
	return pcm, nil
}

// ListVoices implements tts.Provider. A GPT-SoVITS server hosts exactly one
// fine-tuned voice.
func (p *Provider) ListVoices(_ context.Context) ([]tts.VoiceProfile, error) {
	return []tts.VoiceProfile{DefaultVoice}, nil
}

// Ping checks that the server is up and has its models loaded.
func (p *Provider) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+statusPath, nil)
	if err != nil {
		return fmt.Errorf("gptsovits: ping: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gptsovits: ping: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gptsovits: ping: unexpected status %d", resp.StatusCode)
	}
	var st statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return fmt.Errorf("gptsovits: ping decode: %w", err)
	}
	if !st.ModelsLoaded {
		return fmt.Errorf("gptsovits: server %q has no models loaded", st.Status)
	}
	return nil
}

// OutputFormat implements tts.FormatReporter. It is the zero Format unless
// WithOutputFormat was given.
func (p *Provider) OutputFormat() audio.Format {
	return p.output
}

var (
	_ tts.Provider       = (*Provider)(nil)
	_ tts.Pinger         = (*Provider)(nil)
	_ tts.FormatReporter = (*Provider)(nil)
)
