package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/tarsvoice/pkg/audio"
	"github.com/MrWong99/tarsvoice/pkg/provider/tts"
	ttsmock "github.com/MrWong99/tarsvoice/pkg/provider/tts/mock"
)

// formatted gives the TTS mock a fixed output format.
type formatted struct {
	*ttsmock.Provider
	format audio.Format
}

func (f formatted) OutputFormat() audio.Format { return f.format }

func oneSentence(s string) <-chan string {
	ch := make(chan string, 1)
	ch <- s
	close(ch)
	return ch
}

func readAudio(ch <-chan []byte) [][]byte {
	var out [][]byte
	for c := range ch {
		out = append(out, c)
	}
	return out
}

func TestTTSFallback_SynthesizeStream_PrimarySuccess(t *testing.T) {
	t.Parallel()
	primary := &ttsmock.Provider{SynthesizeChunks: [][]byte{[]byte("audio1"), []byte("audio2")}}
	secondary := &ttsmock.Provider{SynthesizeChunks: [][]byte{[]byte("fallback-audio")}}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	audioCh, err := fb.SynthesizeStream(context.Background(), oneSentence("hello"), tts.VoiceProfile{ID: "v1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	chunks := readAudio(audioCh)
	if len(chunks) != 2 || string(chunks[0]) != "audio1" {
		t.Fatalf("chunks = %q", chunks)
	}
	if primary.CallCount() != 1 || secondary.CallCount() != 0 {
		t.Errorf("calls primary=%d secondary=%d, want 1/0", primary.CallCount(), secondary.CallCount())
	}
}

func TestTTSFallback_SynthesizeStream_Failover(t *testing.T) {
	t.Parallel()
	primary := &ttsmock.Provider{SynthesizeErr: errors.New("primary down")}
	secondary := &ttsmock.Provider{SynthesizeChunks: [][]byte{[]byte("fallback-audio")}}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	audioCh, err := fb.SynthesizeStream(context.Background(), oneSentence("hello"), tts.VoiceProfile{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chunks := readAudio(audioCh); len(chunks) != 1 || string(chunks[0]) != "fallback-audio" {
		t.Errorf("chunks = %q", chunks)
	}
}

func TestTTSFallback_SynthesizeStream_AllFail(t *testing.T) {
	t.Parallel()
	fb := NewTTSFallback(&ttsmock.Provider{SynthesizeErr: errors.New("a")}, "primary", FallbackConfig{})
	fb.AddFallback("secondary", &ttsmock.Provider{SynthesizeErr: errors.New("b")})

	if _, err := fb.SynthesizeStream(context.Background(), oneSentence("x"), tts.VoiceProfile{}); !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestTTSFallback_ConvertsFallbackFormat(t *testing.T) {
	t.Parallel()
	primary := formatted{
		Provider: &ttsmock.Provider{SynthesizeErr: errors.New("offline")},
		format:   audio.Format{SampleRate: 16000, Channels: 2},
	}
	secondary := formatted{
		Provider: &ttsmock.Provider{SynthesizeChunks: [][]byte{make([]byte, 8)}},
		format:   audio.Format{SampleRate: 16000, Channels: 1},
	}
	fb := NewTTSFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	if fb.OutputFormat() != primary.format {
		t.Errorf("OutputFormat = %s, want %s", fb.OutputFormat(), primary.format)
	}
	audioCh, err := fb.SynthesizeStream(context.Background(), oneSentence("x"), tts.VoiceProfile{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chunks := readAudio(audioCh); len(chunks) != 1 || len(chunks[0]) != 16 {
		t.Errorf("got %d chunks, want one 16-byte stereo chunk", len(chunks))
	}
}

func TestTTSFallback_ListVoices(t *testing.T) {
	t.Parallel()
	primary := &ttsmock.Provider{ListVoicesErr: errors.New("unauthorized")}
	secondary := &ttsmock.Provider{ListVoicesResult: []tts.VoiceProfile{{ID: "tars", Name: "TARS"}}}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	voices, err := fb.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(voices) != 1 || voices[0].ID != "tars" {
		t.Errorf("voices = %+v", voices)
	}
}

func TestTTSFallback_Ping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		primary   error
		secondary error
		wantErr   bool
	}{
		{"primary healthy", nil, errors.New("down"), false},
		{"secondary healthy", errors.New("down"), nil, false},
		{"both down", errors.New("a down"), errors.New("b down"), true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fb := NewTTSFallback(&ttsmock.Provider{PingErr: tc.primary}, "primary", FallbackConfig{})
			fb.AddFallback("secondary", &ttsmock.Provider{PingErr: tc.secondary})
			if err := fb.Ping(context.Background()); (err != nil) != tc.wantErr {
				t.Errorf("Ping = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}
