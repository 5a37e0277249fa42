// Package pipeline turns a user query into spoken sentences.
//
// For every query the [Pipeline] first consults the response cache under the
// current personality fingerprint. On a miss it streams a reply from the
// generator, cuts the stream into sentences as they complete, and hands each
// sentence to the caller and to the speech queue while the model is still
// generating. The finished reply is cached for the next identical query.
//
// The pipeline assumes one active query at a time. Concurrent runs are
// allowed but their sentences interleave on the shared speech queue in
// enqueue order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/tarsvoice/internal/cache"
	"github.com/MrWong99/tarsvoice/internal/generation"
	"github.com/MrWong99/tarsvoice/internal/observe"
	"github.com/MrWong99/tarsvoice/internal/personality"
	"github.com/MrWong99/tarsvoice/internal/segment"
)

const defaultSentenceBuffer = 16

var (
	// ErrStopped is returned by [Run.Err] for runs ended by [Pipeline.Stop]
	// or by cancellation of the caller's context.
	ErrStopped = errors.New("pipeline: stopped")

	// ErrEmptyQuery is returned by [Run.Err] for a blank query.
	ErrEmptyQuery = errors.New("pipeline: empty query")
)

// Generator produces streamed replies. *generation.Client implements it.
type Generator interface {
	// UpdateSystemInstruction replaces the system instruction and reports
	// whether it changed.
	UpdateSystemInstruction(s string) bool

	// Stream starts a reply. Failures after the start surface through the
	// returned stream's Err.
	Stream(ctx context.Context, req generation.Request) (*generation.Stream, error)
}

// Speaker plays sentences in order. *speech.Queue implements it.
type Speaker interface {
	Enqueue(text string, done func()) bool
	StopAndClear() int
}

// Hooks are optional notifications for a single run. Every non-nil hook is
// called from the run's goroutine. A blank query only triggers OnStart and
// OnComplete.
type Hooks struct {
	// OnStart fires once before the cache is consulted.
	OnStart func()

	// OnSentence fires for each sentence after it was sent to
	// [Run.Sentences] and before it is queued for speech.
	OnSentence func(sentence string)

	// OnComplete fires exactly once when the run ends, whatever the outcome.
	// For failed runs it fires before the error becomes visible through
	// [Run.Err].
	OnComplete func()
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithSentenceBuffer sets the buffer size of each run's sentence channel.
func WithSentenceBuffer(n int) Option {
	return func(p *Pipeline) {
		if n >= 0 {
			p.sentenceBuf = n
		}
	}
}

// Pipeline orchestrates cache, generator, segmenter and speech queue.
// It is safe for concurrent use.
type Pipeline struct {
	gen     Generator
	speech  Speaker
	persona *personality.State
	cache   *cache.ResponseCache

	log         *slog.Logger
	metrics     *observe.Metrics
	sentenceBuf int

	mu   sync.Mutex
	runs map[*Run]struct{}

	// enqueueMu orders a run's final cancellation check and its Enqueue
	// against Stop's queue clearing.
	enqueueMu sync.Mutex
}

// New creates a Pipeline. responses may be nil to disable caching entirely.
func New(gen Generator, speech Speaker, persona *personality.State, responses *cache.ResponseCache, opts ...Option) *Pipeline {
	p := &Pipeline{
		gen:         gen,
		speech:      speech,
		persona:     persona,
		cache:       responses,
		log:         slog.Default(),
		sentenceBuf: defaultSentenceBuffer,
		runs:        make(map[*Run]struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Process starts answering query in the background and returns immediately.
// A query that is empty or only whitespace ends the run with [ErrEmptyQuery]
// without consulting the cache or the generator; OnComplete still fires.
// The caller must drain [Run.Sentences] (or call [Run.Wait]) so the run can
// make progress. Cancelling ctx stops the run like [Pipeline.Stop] would,
// without touching the speech queue.
func (p *Pipeline) Process(ctx context.Context, query string, hooks Hooks) *Run {
	ctx, cancel := context.WithCancelCause(ctx)
	r := &Run{
		ID:        uuid.NewString(),
		Query:     query,
		sentences: make(chan string, p.sentenceBuf),
		done:      make(chan struct{}),
		cancel:    cancel,
	}

	p.mu.Lock()
	p.runs[r] = struct{}{}
	p.mu.Unlock()
	p.metrics.ActiveRuns.Add(ctx, 1)

	go p.execute(ctx, r, hooks)
	return r
}

// Stop ends every active run. Pending speech is discarded; the sentence
// being spoken right now finishes. Stop returns the number of discarded
// utterances.
func (p *Pipeline) Stop() int {
	p.mu.Lock()
	runs := make([]*Run, 0, len(p.runs))
	for r := range p.runs {
		runs = append(runs, r)
		delete(p.runs, r)
	}
	p.mu.Unlock()

	for _, r := range runs {
		r.cancel(ErrStopped)
	}

	// The first clear makes room for an Enqueue blocked on a full queue; the
	// second, under enqueueMu, catches anything that passed its cancellation
	// check before the runs were cancelled.
	dropped := p.speech.StopAndClear()
	p.enqueueMu.Lock()
	dropped += p.speech.StopAndClear()
	p.enqueueMu.Unlock()

	if len(runs) > 0 || dropped > 0 {
		p.log.Info("pipeline stopped", "runs", len(runs), "dropped", dropped)
	}
	return dropped
}

// IsProcessing reports whether any run is active.
func (p *Pipeline) IsProcessing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.runs) > 0
}

// execute drives one run from cache check to a terminal state.
func (p *Pipeline) execute(ctx context.Context, r *Run, hooks Hooks) {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "pipeline.process",
		trace.WithAttributes(attribute.String("run.id", r.ID)),
	)
	log := observe.Logger(ctx, p.log).With("run_id", r.ID)

	if hooks.OnStart != nil {
		hooks.OnStart()
	}

	state, err := p.answer(ctx, r, hooks, start, span, log)

	p.mu.Lock()
	delete(p.runs, r)
	p.mu.Unlock()

	r.state.Store(int32(state))

	status := observe.StatusComplete
	switch state {
	case Error:
		status = observe.StatusError
		log.Warn("pipeline run failed", "err", err)
	case Stopped:
		status = observe.StatusStopped
		log.Debug("pipeline run stopped", "err", err)
	default:
		span.SetAttributes(attribute.Bool("cache.hit", r.cached.Load()))
		if r.cached.Load() {
			status = observe.StatusCached
		}
		log.Debug("pipeline run complete", "cached", r.cached.Load(), "duration", time.Since(start))
	}
	p.metrics.RecordRun(context.WithoutCancel(ctx), status)
	p.metrics.ActiveRuns.Add(context.WithoutCancel(ctx), -1)
	if state == Stopped {
		observe.EndSpan(span, nil)
	} else {
		observe.EndSpan(span, err)
	}

	if hooks.OnComplete != nil {
		hooks.OnComplete()
	}
	r.err = err
	close(r.sentences)
	close(r.done)
	r.cancel(nil)
}

// answer produces the reply and returns the terminal state with its error.
func (p *Pipeline) answer(ctx context.Context, r *Run, hooks Hooks, start time.Time, span trace.Span, log *slog.Logger) (State, error) {
	if strings.TrimSpace(r.Query) == "" {
		return Error, ErrEmptyQuery
	}

	r.state.Store(int32(CacheCheck))
	traits := p.persona.Snapshot()
	fingerprint := traits.Fingerprint()

	if p.cache != nil {
		// An empty cached reply counts as a miss.
		if reply, ok := p.cache.Get(r.Query, fingerprint); ok && strings.TrimSpace(reply) != "" {
			r.cached.Store(true)
			if !p.emit(ctx, r, hooks, reply, start) {
				return Stopped, stopCause(ctx)
			}
			return Complete, nil
		}
	}

	r.state.Store(int32(Streaming))
	if p.gen.UpdateSystemInstruction(traits.SystemInstruction()) {
		log.Debug("system instruction refreshed", "fingerprint", fingerprint)
	}

	stream, err := p.gen.Stream(ctx, generation.Request{
		Prompt:   r.Query,
		Humor:    traits.Humor,
		Honesty:  traits.Honesty,
		Metadata: map[string]string{"run_id": r.ID, "fingerprint": fingerprint},
	})
	if err != nil {
		if ctx.Err() != nil {
			return Stopped, stopCause(ctx)
		}
		return Error, fmt.Errorf("pipeline: generate: %w", err)
	}

	var (
		seg     segment.Segmenter
		full    strings.Builder
		stopped bool
	)
	for chunk := range stream.Chunks() {
		if stopped {
			continue
		}
		full.WriteString(chunk)
		for _, sentence := range seg.Feed(chunk) {
			if !p.emit(ctx, r, hooks, sentence, start) {
				stopped = true
				break
			}
		}
	}
	if stopped || ctx.Err() != nil {
		return Stopped, stopCause(ctx)
	}
	if err := stream.Err(); err != nil {
		return Error, fmt.Errorf("pipeline: generate: %w", err)
	}

	r.state.Store(int32(Flushing))
	if rest, ok := seg.Flush(); ok {
		if !p.emit(ctx, r, hooks, rest, start) {
			return Stopped, stopCause(ctx)
		}
	}

	if p.cache != nil && strings.TrimSpace(full.String()) != "" {
		p.cache.Set(r.Query, fingerprint, full.String())
	}
	span.SetAttributes(attribute.Int("response.length", full.Len()))
	return Complete, nil
}

// emit delivers one sentence to the caller, the sentence hook and the speech
// queue, in that order. It returns false once the run has been cancelled.
func (p *Pipeline) emit(ctx context.Context, r *Run, hooks Hooks, sentence string, start time.Time) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case r.sentences <- sentence:
	case <-ctx.Done():
		return false
	}
	// Stop may have landed while the send was ready; nothing after the
	// cancellation reaches the hook or the queue.
	if ctx.Err() != nil {
		return false
	}
	if r.emitted.Add(1) == 1 {
		p.metrics.FirstSentence.Record(ctx, time.Since(start).Seconds())
	}
	p.metrics.Sentences.Add(ctx, 1)

	if hooks.OnSentence != nil {
		hooks.OnSentence(sentence)
	}

	p.enqueueMu.Lock()
	defer p.enqueueMu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	p.speech.Enqueue(sentence, nil)
	return true
}

// stopCause converts a cancelled run context into the run's error.
func stopCause(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause == nil || errors.Is(cause, ErrStopped) {
		return ErrStopped
	}
	return fmt.Errorf("%w: %w", ErrStopped, cause)
}

// Run is one query being answered.
type Run struct {
	// ID uniquely identifies the run in logs and traces.
	ID string

	// Query is the text the run answers.
	Query string

	sentences chan string
	done      chan struct{}
	cancel    context.CancelCauseFunc
	state     atomic.Int32
	cached    atomic.Bool
	emitted   atomic.Int64
	err       error
}

// Sentences returns the reply's sentences as they complete. The channel is
// closed when the run ends.
func (r *Run) Sentences() <-chan string { return r.sentences }

// Done is closed when the run has ended.
func (r *Run) Done() <-chan struct{} { return r.done }

// Err returns why the run failed or was stopped. It is nil for completed
// runs and for runs that have not ended yet.
func (r *Run) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// State returns the run's current lifecycle state.
func (r *Run) State() State { return State(r.state.Load()) }

// Cached reports whether the reply came from the response cache.
func (r *Run) Cached() bool { return r.cached.Load() }

// Wait discards unread sentences, blocks until the run ends and returns
// [Run.Err].
func (r *Run) Wait() error {
	for range r.sentences {
	}
	<-r.done
	return r.err
}
