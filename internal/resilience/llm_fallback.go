package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/tarsvoice/pkg/audio"
	"github.com/MrWong99/tarsvoice/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] with failover across several LLM
// backends, each behind its own circuit breaker.
//
// A stream counts as started once its first chunk arrives. A backend whose
// stream fails before that is treated like one that refused to start, so the
// next backend takes over without the caller seeing the failed attempt.
// Failures after the first chunk are delivered to the caller unchanged.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional LLM backend.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Names returns the backend names in failover order.
func (f *LLMFallback) Names() []string { return f.group.Names() }

// Complete sends req to the first healthy backend.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(ctx, f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// StreamCompletion opens a stream on the first backend that produces a first
// chunk.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return ExecuteWithResult(ctx, f.group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		ch, err := p.StreamCompletion(ctx, req)
		if err != nil {
			return nil, err
		}
		return awaitFirstChunk(ctx, ch)
	})
}

// Capabilities reports the primary's static model metadata.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	return f.group.Primary().Capabilities()
}

// awaitFirstChunk blocks until ch yields its first chunk. An error chunk in
// first position becomes a returned error; otherwise the chunk is re-emitted
// ahead of the rest of the stream.
func awaitFirstChunk(ctx context.Context, ch <-chan llm.Chunk) (<-chan llm.Chunk, error) {
	var first llm.Chunk
	select {
	case c, ok := <-ch:
		if !ok {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			empty := make(chan llm.Chunk)
			close(empty)
			return empty, nil
		}
		first = c
	case <-ctx.Done():
		go audio.Drain(ch)
		return nil, ctx.Err()
	}

	if first.FinishReason == llm.FinishReasonError {
		go audio.Drain(ch)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, errors.New(first.Text)
	}

	out := make(chan llm.Chunk)
	go func() {
		defer close(out)
		for c := first; ; {
			select {
			case out <- c:
			case <-ctx.Done():
				audio.Drain(ch)
				return
			}
			next, ok := <-ch
			if !ok {
				return
			}
			c = next
		}
	}()
	return out, nil
}
