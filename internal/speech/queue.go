// Package speech serialises utterances onto the single local speaker.
//
// A [Queue] accepts sentences from any goroutine and renders them one at a
// time, strictly in enqueue order, on one background worker. Overlapping
// speech never happens: the worker calls [Renderer.Speak] synchronously and
// only dequeues the next sentence once the previous one has finished.
package speech

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/tarsvoice/internal/observe"
)

const (
	// DefaultCapacity is the number of utterances that may wait before
	// Enqueue blocks.
	DefaultCapacity = 64

	// DefaultPollInterval bounds how long the worker waits for an item
	// before re-checking for cancellation and idleness.
	DefaultPollInterval = 500 * time.Millisecond
)

// Renderer turns one sentence into audible speech. Speak returns once
// playback has finished or failed. The queue never calls Speak concurrently.
type Renderer interface {
	Speak(ctx context.Context, text string) error
}

// RendererFunc adapts a plain function to [Renderer].
type RendererFunc func(ctx context.Context, text string) error

// Speak implements Renderer.
func (f RendererFunc) Speak(ctx context.Context, text string) error { return f(ctx, text) }

// task is one queued utterance. A task with stop set is the sentinel that
// retires the worker.
type task struct {
	text string
	done func()
	stop bool
}

// Option configures a [Queue].
type Option func(*Queue)

// WithCapacity sets the queue buffer size. Values below 1 are ignored.
func WithCapacity(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.capacity = n
		}
	}
}

// WithPollInterval sets how often an idle worker wakes up.
func WithPollInterval(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.poll = d
		}
	}
}

// WithIdleTimeout lets the worker exit after d without work. The next
// Enqueue starts a fresh one. Zero keeps the worker alive until Close.
func WithIdleTimeout(d time.Duration) Option {
	return func(q *Queue) { q.idle = d }
}

// WithUtteranceTimeout bounds a single Speak call. Zero means no limit.
func WithUtteranceTimeout(d time.Duration) Option {
	return func(q *Queue) { q.utteranceTimeout = d }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.log = l }
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// Queue is a multi-producer, single-consumer FIFO of utterances.
//
// All exported methods are safe for concurrent use.
type Queue struct {
	renderer         Renderer
	capacity         int
	poll             time.Duration
	idle             time.Duration
	utteranceTimeout time.Duration
	log              *slog.Logger
	metrics          *observe.Metrics

	items chan task

	// ctx bounds every worker; cancel is called when Close gives up waiting.
	ctx    context.Context
	cancel context.CancelFunc

	// inflight counts Enqueue calls that passed the closed check; Close waits
	// for them so no task lands behind the sentinel.
	inflight sync.WaitGroup

	mu         sync.Mutex
	running    bool
	speaking   bool
	closed     bool
	closing    chan struct{}
	workerDone chan struct{}
}

// NewQueue creates a Queue that renders through r. No goroutine is started
// until the first Enqueue.
func NewQueue(r Renderer, opts ...Option) *Queue {
	q := &Queue{
		renderer: r,
		capacity: DefaultCapacity,
		poll:     DefaultPollInterval,
		log:      slog.Default(),
		closing:  make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	if q.metrics == nil {
		q.metrics = observe.DefaultMetrics()
	}
	q.items = make(chan task, q.capacity)
	q.ctx, q.cancel = context.WithCancel(context.Background())
	return q
}

// Enqueue schedules text for playback after everything queued before it.
// done, if non-nil, runs exactly once after the utterance finished or failed.
// It is not called for tasks discarded by StopAndClear.
//
// Enqueue ignores blank text and returns false without calling done. It
// blocks while the queue is full and returns false if the queue is closed.
func (q *Queue) Enqueue(text string, done func()) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.inflight.Add(1)
	q.mu.Unlock()
	defer q.inflight.Done()

	q.ensureWorker()
	select {
	case q.items <- task{text: text, done: done}:
	case <-q.closing:
		return false
	}
	q.metrics.SpeechQueueDepth.Add(q.ctx, 1)
	// The worker may have retired between ensureWorker and the send.
	q.ensureWorker()
	return true
}

// StopAndClear discards every queued utterance that has not started playing
// and returns how many were dropped. The utterance currently playing, if any,
// runs to completion. The worker keeps running.
func (q *Queue) StopAndClear() int {
	var (
		dropped  int
		sentinel bool
	)
	for {
		select {
		case t := <-q.items:
			if t.stop {
				sentinel = true
				continue
			}
			dropped++
		default:
			if sentinel {
				// Close is waiting on the worker; give the sentinel back.
				select {
				case q.items <- task{stop: true}:
				case <-q.ctx.Done():
				}
			}
			if dropped > 0 {
				q.metrics.SpeechQueueDepth.Add(q.ctx, int64(-dropped))
				q.log.Debug("speech queue cleared", "dropped", dropped)
			}
			return dropped
		}
	}
}

// Pending returns the number of utterances waiting to be played.
func (q *Queue) Pending() int {
	return len(q.items)
}

// Running reports whether a worker goroutine is active.
func (q *Queue) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Speaking reports whether an utterance is being rendered right now.
func (q *Queue) Speaking() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.speaking
}

// Close stops accepting work, lets everything already queued play, and waits
// for the worker to exit. If ctx expires first, the in-flight utterance is
// cancelled and Close returns ctx.Err(). Close is idempotent.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.closing)
	q.mu.Unlock()

	defer q.cancel()

	if !q.waitInflight(ctx) {
		return q.abort(ctx)
	}

	q.ensureWorker()
	select {
	case q.items <- task{stop: true}:
	case <-ctx.Done():
		return q.abort(ctx)
	}

	q.mu.Lock()
	done := q.workerDone
	q.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return q.abort(ctx)
	}
}

// waitInflight waits for Enqueue calls still sending. They finish promptly:
// the worker keeps draining and closing unblocks a full queue.
func (q *Queue) waitInflight(ctx context.Context) bool {
	drained := make(chan struct{})
	go func() {
		q.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return true
	case <-ctx.Done():
		return false
	}
}

// abort cancels the worker after Close timed out and waits for it to exit.
func (q *Queue) abort(ctx context.Context) error {
	q.cancel()
	q.mu.Lock()
	done := q.workerDone
	q.mu.Unlock()
	if done != nil {
		<-done
	}
	return ctx.Err()
}

// ensureWorker starts a worker unless one is already running.
func (q *Queue) ensureWorker() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}
	q.running = true
	done := make(chan struct{})
	q.workerDone = done
	go q.run(done)
}

// run is the worker loop. It waits for an item bounded by the poll interval
// so cancellation and idleness are noticed without a dedicated wakeup.
func (q *Queue) run(done chan struct{}) {
	defer close(done)
	q.log.Debug("speech worker started")

	timer := time.NewTimer(q.poll)
	defer timer.Stop()
	lastWork := time.Now()

	for {
		timer.Reset(q.poll)

		select {
		case t := <-q.items:
			if t.stop {
				q.retire("closed")
				return
			}
			q.metrics.SpeechQueueDepth.Add(q.ctx, -1)
			q.speak(t)
			lastWork = time.Now()

		case <-timer.C:
			if q.ctx.Err() != nil {
				q.retire("cancelled")
				return
			}
			if q.idle > 0 && time.Since(lastWork) >= q.idle && q.retireIfEmpty() {
				q.log.Debug("speech worker exited", "reason", "idle")
				return
			}
		}
	}
}

func (q *Queue) retire(reason string) {
	q.mu.Lock()
	q.running = false
	q.mu.Unlock()
	q.log.Debug("speech worker exited", "reason", reason)
}

// retireIfEmpty marks the worker as stopped unless work arrived meanwhile.
func (q *Queue) retireIfEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) > 0 {
		return false
	}
	q.running = false
	return true
}

// speak renders one task. Failures and panics are logged and swallowed; the
// task's done callback always runs.
func (q *Queue) speak(t task) {
	if t.done != nil {
		defer t.done()
	}

	q.mu.Lock()
	q.speaking = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.speaking = false
		q.mu.Unlock()
	}()

	ctx := q.ctx
	if q.utteranceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.utteranceTimeout)
		defer cancel()
	}

	start := time.Now()
	err := q.render(ctx, t.text)
	q.metrics.RecordUtterance(q.ctx, time.Since(start), err)
	if err != nil {
		q.log.Warn("utterance failed", "err", err, "text", t.text)
	}
}

func (q *Queue) render(ctx context.Context, text string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("speech: renderer panic: %v", r)
		}
	}()
	return q.renderer.Speak(ctx, text)
}
