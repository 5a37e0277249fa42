// Package generation turns user prompts into streamed model replies.
//
// A [Client] wraps an llm.Provider with the assistant's conversational state:
// the current system instruction, the sampling parameters and the running
// conversation history. Every successful reply is appended to the history
// store so follow-up questions carry context.
package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/tarsvoice/internal/history"
	"github.com/MrWong99/tarsvoice/internal/observe"
	"github.com/MrWong99/tarsvoice/pkg/provider/llm"
)

const (
	DefaultTemperature   = 0.7
	DefaultMaxTokens     = 1024
	DefaultHistoryWindow = 20
)

// ErrEmptyPrompt is returned when a request carries no prompt text.
var ErrEmptyPrompt = errors.New("generation: empty prompt")

// Request is one generation request.
type Request struct {
	// Prompt is the user's query.
	Prompt string

	// Humor and Honesty are recorded alongside the exchange in history.
	Humor   int
	Honesty int

	// Metadata is copied into the stored exchange.
	Metadata map[string]string
}

// Option configures a [Client].
type Option func(*Client)

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(c *Client) { c.temperature = t }
}

// WithMaxTokens caps the reply length.
func WithMaxTokens(n int) Option {
	return func(c *Client) { c.maxTokens = n }
}

// WithHistoryWindow sets how many past exchanges are replayed to the model.
// Zero disables history replay; exchanges are still recorded.
func WithHistoryWindow(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.window = n
		}
	}
}

// WithSystemInstruction sets the initial system instruction.
func WithSystemInstruction(s string) Option {
	return func(c *Client) { c.instruction = s }
}

// WithProviderName sets the provider label used in metrics and spans.
func WithProviderName(name string) Option {
	return func(c *Client) { c.name = name }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// Client produces replies from an llm.Provider. It is safe for concurrent use.
type Client struct {
	provider    llm.Provider
	store       history.Store
	temperature float64
	maxTokens   int
	window      int
	name        string
	log         *slog.Logger
	metrics     *observe.Metrics

	mu          sync.RWMutex
	instruction string
}

// NewClient creates a Client. store receives every completed exchange; a nil
// store selects an in-memory one.
func NewClient(p llm.Provider, store history.Store, opts ...Option) *Client {
	c := &Client{
		provider:    p,
		store:       store,
		temperature: DefaultTemperature,
		maxTokens:   DefaultMaxTokens,
		window:      DefaultHistoryWindow,
		name:        "llm",
		log:         slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.store == nil {
		c.store = history.NewMemoryStore(0)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// UpdateSystemInstruction replaces the system instruction used for later
// requests. It reports whether the instruction actually changed; an identical
// instruction is a no-op.
func (c *Client) UpdateSystemInstruction(s string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s == c.instruction {
		return false
	}
	c.instruction = s
	c.log.Debug("system instruction updated", "length", len(s))
	return true
}

// SystemInstruction returns the current system instruction.
func (c *Client) SystemInstruction() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.instruction
}

// buildRequest assembles the completion request from history and prompt.
func (c *Client) buildRequest(ctx context.Context, prompt string) (llm.CompletionRequest, error) {
	var msgs []llm.Message
	if c.window > 0 {
		past, err := c.store.Recent(ctx, c.window)
		if err != nil {
			return llm.CompletionRequest{}, fmt.Errorf("generation: load history: %w", err)
		}
		msgs = make([]llm.Message, 0, len(past)*2+1)
		for _, e := range past {
			msgs = append(msgs,
				llm.Message{Role: llm.RoleUser, Content: e.User},
				llm.Message{Role: llm.RoleAssistant, Content: e.Assistant},
			)
		}
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: prompt})
	return llm.CompletionRequest{
		Messages:     msgs,
		SystemPrompt: c.SystemInstruction(),
		Temperature:  c.temperature,
		MaxTokens:    c.maxTokens,
	}, nil
}

// Stream starts a streamed reply to req. The returned error is non-nil only
// if the request could not be sent; later failures surface through
// [Stream.Err] once [Stream.Chunks] is closed.
func (c *Client) Stream(ctx context.Context, req Request) (*Stream, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	llmReq, err := c.buildRequest(ctx, req.Prompt)
	if err != nil {
		return nil, err
	}

	ctx, span := observe.StartSpan(ctx, "generation.stream",
		trace.WithAttributes(
			attribute.String("llm.provider", c.name),
			attribute.Int("llm.history_messages", len(llmReq.Messages)-1),
		),
	)

	start := time.Now()
	chunks, err := c.provider.StreamCompletion(ctx, llmReq)
	if err != nil {
		c.metrics.RecordProviderRequest(ctx, c.name, "llm", "error")
		c.metrics.RecordProviderError(ctx, c.name, "llm")
		err = fmt.Errorf("generation: start stream: %w", err)
		observe.EndSpan(span, err)
		return nil, err
	}

	s := &Stream{chunks: make(chan string, 16)}
	go c.pump(ctx, span, start, req, chunks, s)
	return s, nil
}

// pump forwards provider chunks to s and records the exchange on success.
func (c *Client) pump(ctx context.Context, span trace.Span, start time.Time, req Request, in <-chan llm.Chunk, s *Stream) {
	var (
		full  strings.Builder
		err   error
		first = true
	)
	defer func() {
		s.err = err
		close(s.chunks)
		observe.EndSpan(span, err)
	}()

loop:
	for chunk := range in {
		if chunk.FinishReason == llm.FinishReasonError {
			err = fmt.Errorf("generation: %s", chunk.Text)
			break
		}
		if chunk.Text == "" {
			continue
		}
		if first {
			first = false
			c.metrics.LLMFirstChunk.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(attribute.String("provider", c.name)))
		}
		full.WriteString(chunk.Text)
		select {
		case s.chunks <- chunk.Text:
		case <-ctx.Done():
			break loop
		}
	}
	if err == nil {
		err = ctx.Err()
	}
	// The provider closes its channel once ctx is done; drain whatever is
	// left so its goroutine can exit.
	go func() {
		for range in {
		}
	}()

	status := "ok"
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = "cancelled"
	case err != nil:
		status = "error"
		c.metrics.RecordProviderError(ctx, c.name, "llm")
	}
	c.metrics.RecordProviderRequest(ctx, c.name, "llm", status)
	c.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("provider", c.name), attribute.String("status", status)))

	if err != nil {
		return
	}
	c.record(ctx, req, full.String())
}

// record appends a finished exchange. Storage failures are logged, not
// returned: a reply that was already spoken stays valid.
func (c *Client) record(ctx context.Context, req Request, reply string) {
	meta := make(map[string]string, len(req.Metadata)+2)
	for k, v := range req.Metadata {
		meta[k] = v
	}
	meta["provider"] = c.name
	meta["length"] = strconv.Itoa(len(reply))

	err := c.store.Add(context.WithoutCancel(ctx), history.Exchange{
		User:      req.Prompt,
		Assistant: reply,
		Humor:     req.Humor,
		Honesty:   req.Honesty,
		Metadata:  meta,
	})
	if err != nil {
		c.log.Warn("failed to record exchange", "err", err)
	}
}

// Complete returns the full reply to req without streaming and records the
// exchange.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return "", ErrEmptyPrompt
	}
	llmReq, err := c.buildRequest(ctx, req.Prompt)
	if err != nil {
		return "", err
	}

	start := time.Now()
	resp, err := c.provider.Complete(ctx, llmReq)
	c.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("provider", c.name)))
	if err != nil {
		c.metrics.RecordProviderRequest(ctx, c.name, "llm", "error")
		c.metrics.RecordProviderError(ctx, c.name, "llm")
		return "", fmt.Errorf("generation: complete: %w", err)
	}
	c.metrics.RecordProviderRequest(ctx, c.name, "llm", "ok")
	if resp == nil {
		return "", errors.New("generation: complete: empty response")
	}
	c.record(ctx, req, resp.Content)
	return resp.Content, nil
}

// History returns up to limit of the most recent exchanges, oldest first.
func (c *Client) History(ctx context.Context, limit int) ([]history.Exchange, error) {
	return c.store.Recent(ctx, limit)
}

// ClearHistory forgets every recorded exchange.
func (c *Client) ClearHistory(ctx context.Context) error {
	if err := c.store.Clear(ctx); err != nil {
		return fmt.Errorf("generation: clear history: %w", err)
	}
	c.log.Info("conversation history cleared")
	return nil
}

// Stream is an in-flight reply.
type Stream struct {
	chunks chan string
	err    error
}

// Chunks returns the reply fragments in arrival order. The channel is closed
// when generation ends, fails or is cancelled.
func (s *Stream) Chunks() <-chan string { return s.chunks }

// Err returns the reason the stream ended, or nil on a clean finish. It is
// only meaningful after Chunks has been closed.
func (s *Stream) Err() error { return s.err }
