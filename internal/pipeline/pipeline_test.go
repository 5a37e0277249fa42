package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/tarsvoice/internal/cache"
	"github.com/MrWong99/tarsvoice/internal/generation"
	"github.com/MrWong99/tarsvoice/internal/observe"
	"github.com/MrWong99/tarsvoice/internal/personality"
	"github.com/MrWong99/tarsvoice/internal/speech"
	"github.com/MrWong99/tarsvoice/pkg/provider/llm"
	"github.com/MrWong99/tarsvoice/pkg/provider/llm/mock"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// fakeSpeaker records every enqueued sentence without playing anything.
type fakeSpeaker struct {
	mu       sync.Mutex
	enqueued []string
	clears   int
}

func (s *fakeSpeaker) Enqueue(text string, done func()) bool {
	s.mu.Lock()
	s.enqueued = append(s.enqueued, text)
	s.mu.Unlock()
	if done != nil {
		done()
	}
	return true
}

func (s *fakeSpeaker) StopAndClear() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clears++
	return 0
}

func (s *fakeSpeaker) Enqueued() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.enqueued...)
}

type fixture struct {
	llm     *mock.Provider
	gen     *generation.Client
	speaker *fakeSpeaker
	persona *personality.State
	cache   *cache.ResponseCache
	p       *Pipeline
}

func newFixture(t *testing.T, chunks ...llm.Chunk) *fixture {
	t.Helper()
	f := &fixture{
		llm:     &mock.Provider{StreamChunks: chunks},
		speaker: &fakeSpeaker{},
		persona: personality.New(75, 90),
	}
	var err error
	f.cache, err = cache.New(10)
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	f.gen = generation.NewClient(f.llm, nil)
	f.p = New(f.gen, f.speaker, f.persona, f.cache)
	return f
}

func textChunks(parts ...string) []llm.Chunk {
	out := make([]llm.Chunk, len(parts))
	for i, p := range parts {
		out[i] = llm.Chunk{Text: p}
	}
	out[len(out)-1].FinishReason = "stop"
	return out
}

// collect reads every sentence of r and returns them with the run's error.
func collect(t *testing.T, r *Run) ([]string, error) {
	t.Helper()
	var out []string
	timeout := time.After(3 * time.Second)
	for {
		select {
		case s, ok := <-r.Sentences():
			if !ok {
				return out, r.Err()
			}
			out = append(out, s)
		case <-timeout:
			t.Fatal("run never finished")
		}
	}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ── Cache ─────────────────────────────────────────────────────────────────────

func TestPipeline_CacheHit(t *testing.T) {
	t.Parallel()

	f := newFixture(t, textChunks("should not be used")...)
	f.cache.Set("What is your name?", "75_90", "I am TARS.")

	completes := 0
	r := f.p.Process(context.Background(), "What is your name?", Hooks{OnComplete: func() { completes++ }})
	got, err := collect(t, r)
	if err != nil {
		t.Fatalf("Err = %v", err)
	}
	if !equal(got, []string{"I am TARS."}) {
		t.Errorf("sentences = %q", got)
	}
	if n := f.llm.StreamCallCount(); n != 0 {
		t.Errorf("generator called %d times on cache hit, want 0", n)
	}
	if spoken := f.speaker.Enqueued(); !equal(spoken, []string{"I am TARS."}) {
		t.Errorf("spoken = %q", spoken)
	}
	if completes != 1 {
		t.Errorf("OnComplete fired %d times, want 1", completes)
	}
	if r.State() != Complete || !r.Cached() {
		t.Errorf("state = %v cached = %v", r.State(), r.Cached())
	}
}

func TestPipeline_CacheMissStreamsAndCaches(t *testing.T) {
	t.Parallel()

	f := newFixture(t, textChunks("Hello there. I am", " TARS. Honesty", " setting: ninety percent")...)

	got, err := collect(t, f.p.Process(context.Background(), "Who are you?", Hooks{}))
	if err != nil {
		t.Fatalf("Err = %v", err)
	}
	want := []string{"Hello there.", "I am TARS.", "Honesty setting: ninety percent"}
	if !equal(got, want) {
		t.Errorf("sentences = %q, want %q", got, want)
	}
	if spoken := f.speaker.Enqueued(); !equal(spoken, want) {
		t.Errorf("spoken = %q, want %q", spoken, want)
	}

	cached, ok := f.cache.Get("who are you?", "75_90")
	if !ok || cached != "Hello there. I am TARS. Honesty setting: ninety percent" {
		t.Errorf("cached = %q, %v", cached, ok)
	}

	// The same query again is answered from the cache.
	r := f.p.Process(context.Background(), "  WHO ARE YOU?  ", Hooks{})
	again, _ := collect(t, r)
	if len(again) != 1 || !r.Cached() {
		t.Errorf("second run sentences = %q cached = %v", again, r.Cached())
	}
	if n := f.llm.StreamCallCount(); n != 1 {
		t.Errorf("generator called %d times, want 1", n)
	}
}

func TestPipeline_PersonalityChangeMisses(t *testing.T) {
	t.Parallel()

	f := newFixture(t, textChunks("Fresh answer.")...)
	f.cache.Set("What is your name?", "75_90", "I am TARS.")
	f.persona.SetHumor(20)
	f.persona.SetHonesty(30)

	r := f.p.Process(context.Background(), "What is your name?", Hooks{})
	got, _ := collect(t, r)
	if !equal(got, []string{"Fresh answer."}) {
		t.Errorf("sentences = %q", got)
	}
	if r.Cached() || f.llm.StreamCallCount() != 1 {
		t.Errorf("cached = %v, generator calls = %d; want a miss under 20_30", r.Cached(), f.llm.StreamCallCount())
	}
	if v, ok := f.cache.Get("What is your name?", "20_30"); !ok || v != "Fresh answer." {
		t.Errorf("20_30 entry = %q, %v", v, ok)
	}
	if v, _ := f.cache.Get("What is your name?", "75_90"); v != "I am TARS." {
		t.Errorf("75_90 entry overwritten: %q", v)
	}
}

func TestPipeline_NilCache(t *testing.T) {
	t.Parallel()

	llmMock := &mock.Provider{StreamChunks: textChunks("Same.")}
	p := New(generation.NewClient(llmMock, nil), &fakeSpeaker{}, personality.NewDefault(), nil)

	for range 2 {
		if _, err := collect(t, p.Process(context.Background(), "q", Hooks{})); err != nil {
			t.Fatalf("Err = %v", err)
		}
	}
	if n := llmMock.StreamCallCount(); n != 2 {
		t.Errorf("generator called %d times, want 2 without a cache", n)
	}
}

func TestPipeline_EmptyReplyNotCached(t *testing.T) {
	t.Parallel()

	f := newFixture(t, llm.Chunk{FinishReason: "stop"})

	var hooked []string
	for range 2 {
		r := f.p.Process(context.Background(), "Say nothing.", Hooks{
			OnSentence: func(s string) { hooked = append(hooked, s) },
		})
		got, err := collect(t, r)
		if err != nil {
			t.Fatalf("Err = %v", err)
		}
		if len(got) != 0 {
			t.Errorf("sentences = %q, want none", got)
		}
		if r.Cached() {
			t.Error("empty reply served from cache")
		}
	}
	if n := f.llm.StreamCallCount(); n != 2 {
		t.Errorf("generator called %d times, want 2", n)
	}
	if len(hooked) != 0 {
		t.Errorf("OnSentence got %q, want nothing", hooked)
	}
	if n := f.cache.Len(); n != 0 {
		t.Errorf("cache holds %d entries, want 0", n)
	}
}

func TestPipeline_BlankCachedReplyIsMiss(t *testing.T) {
	t.Parallel()

	f := newFixture(t, textChunks("Fresh answer.")...)
	f.cache.Set("Anything?", "75_90", "   ")

	got, err := collect(t, f.p.Process(context.Background(), "Anything?", Hooks{}))
	if err != nil {
		t.Fatalf("Err = %v", err)
	}
	if !equal(got, []string{"Fresh answer."}) {
		t.Errorf("sentences = %q", got)
	}
	if n := f.llm.StreamCallCount(); n != 1 {
		t.Errorf("generator called %d times, want 1", n)
	}
}

// ── System instruction ────────────────────────────────────────────────────────

// countingGenerator counts how often the system instruction really changed.
type countingGenerator struct {
	*generation.Client
	mu      sync.Mutex
	calls   int
	changes int
}

func (g *countingGenerator) UpdateSystemInstruction(s string) bool {
	changed := g.Client.UpdateSystemInstruction(s)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if changed {
		g.changes++
	}
	return changed
}

func TestPipeline_SystemInstructionOnlyOnChange(t *testing.T) {
	t.Parallel()

	llmMock := &mock.Provider{StreamChunks: textChunks("Ok.")}
	gen := &countingGenerator{Client: generation.NewClient(llmMock, nil)}
	persona := personality.New(75, 90)
	p := New(gen, &fakeSpeaker{}, persona, nil)

	run := func(q string) {
		t.Helper()
		if _, err := collect(t, p.Process(context.Background(), q, Hooks{})); err != nil {
			t.Fatalf("Err = %v", err)
		}
	}
	run("one")
	run("two")
	persona.SetHumor(10)
	run("three")

	gen.mu.Lock()
	defer gen.mu.Unlock()
	if gen.changes != 2 {
		t.Errorf("instruction changed %d times, want 2", gen.changes)
	}
	req, _ := llmMock.LastStreamRequest()
	if req.SystemPrompt != personality.New(10, 90).SystemInstruction() {
		t.Errorf("last system prompt does not match current personality")
	}
}

// ── Hooks ─────────────────────────────────────────────────────────────────────

func TestPipeline_HookOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t, textChunks("One. Two", ". Three")...)

	var events []string
	r := f.p.Process(context.Background(), "count", Hooks{
		OnStart:    func() { events = append(events, "start") },
		OnSentence: func(s string) { events = append(events, "sentence:"+s) },
		OnComplete: func() { events = append(events, "complete") },
	})
	if err := r.Wait(); err != nil {
		t.Fatalf("Wait = %v", err)
	}

	want := []string{"start", "sentence:One.", "sentence:Two.", "sentence:Three", "complete"}
	if !equal(events, want) {
		t.Errorf("events = %q, want %q", events, want)
	}
}

// ── Failures ──────────────────────────────────────────────────────────────────

func TestPipeline_GeneratorErrorMidStream(t *testing.T) {
	t.Parallel()

	f := newFixture(t,
		llm.Chunk{Text: "Partial answer. And"},
		llm.Chunk{Text: "upstream 500", FinishReason: llm.FinishReasonError},
	)

	var (
		completes       int
		processingAtEnd bool
	)
	r := f.p.Process(context.Background(), "fail please", Hooks{
		OnComplete: func() {
			completes++
			processingAtEnd = f.p.IsProcessing()
		},
	})
	got, err := collect(t, r)

	if err == nil || !strings.Contains(err.Error(), "upstream 500") {
		t.Fatalf("Err = %v, want generator error", err)
	}
	if !equal(got, []string{"Partial answer."}) {
		t.Errorf("sentences = %q", got)
	}
	if r.State() != Error {
		t.Errorf("state = %v, want error", r.State())
	}
	if completes != 1 {
		t.Errorf("OnComplete fired %d times, want 1", completes)
	}
	if processingAtEnd {
		t.Error("pipeline still processing when OnComplete fired")
	}
	if f.cache.Len() != 0 {
		t.Error("partial response must not be cached")
	}
}

func TestPipeline_GeneratorStartError(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.llm.StreamErr = errors.New("no route to host")

	completes := 0
	r := f.p.Process(context.Background(), "hello", Hooks{OnComplete: func() { completes++ }})
	if err := r.Wait(); err == nil || !strings.Contains(err.Error(), "no route to host") {
		t.Errorf("Wait = %v", err)
	}
	if completes != 1 || r.State() != Error {
		t.Errorf("completes = %d state = %v", completes, r.State())
	}
}

func TestPipeline_EmptyQuery(t *testing.T) {
	t.Parallel()

	f := newFixture(t, textChunks("x")...)
	var starts, sentences, completes int
	r := f.p.Process(context.Background(), "   ", Hooks{
		OnStart:    func() { starts++ },
		OnSentence: func(string) { sentences++ },
		OnComplete: func() { completes++ },
	})
	if err := r.Wait(); !errors.Is(err, ErrEmptyQuery) {
		t.Errorf("Wait = %v, want ErrEmptyQuery", err)
	}
	if f.llm.StreamCallCount() != 0 {
		t.Error("generator called for blank query")
	}
	if starts != 1 || sentences != 0 || completes != 1 {
		t.Errorf("hooks: start=%d sentence=%d complete=%d, want 1/0/1", starts, sentences, completes)
	}
	if r.State() != Error {
		t.Errorf("state = %v, want Error", r.State())
	}
}

// ── Cancellation ──────────────────────────────────────────────────────────────

func TestPipeline_Stop(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	defer close(gate)
	f := newFixture(t, textChunks("First. ", "Second. ", "Third.")...)
	f.llm.Gate, f.llm.GateAfter = gate, 1

	completes := 0
	r := f.p.Process(context.Background(), "long answer", Hooks{OnComplete: func() { completes++ }})

	select {
	case s := <-r.Sentences():
		if s != "First." {
			t.Fatalf("first sentence = %q", s)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no sentence before stop")
	}
	if !f.p.IsProcessing() {
		t.Error("IsProcessing = false during a run")
	}

	f.p.Stop()
	if f.p.IsProcessing() {
		t.Error("IsProcessing = true right after Stop")
	}

	rest, err := collect(t, r)
	if !errors.Is(err, ErrStopped) {
		t.Errorf("Err = %v, want ErrStopped", err)
	}
	if len(rest) != 0 {
		t.Errorf("sentences after stop = %q", rest)
	}
	if r.State() != Stopped {
		t.Errorf("state = %v, want stopped", r.State())
	}
	if completes != 1 {
		t.Errorf("OnComplete fired %d times, want 1", completes)
	}
	if spoken := f.speaker.Enqueued(); !equal(spoken, []string{"First."}) {
		t.Errorf("spoken = %q", spoken)
	}
	if f.speaker.clears == 0 {
		t.Error("Stop did not clear the speech queue")
	}
	if f.cache.Len() != 0 {
		t.Error("stopped response must not be cached")
	}
}

// cancelledAfterCheck reports no error on its first Err call and is
// cancelled from then on, while Done is already closed. It reproduces a Stop
// landing between emit's cancellation check and its channel send.
type cancelledAfterCheck struct {
	context.Context
	checks atomic.Int32
	done   chan struct{}
}

func newCancelledAfterCheck() *cancelledAfterCheck {
	c := &cancelledAfterCheck{Context: context.Background(), done: make(chan struct{})}
	close(c.done)
	return c
}

func (c *cancelledAfterCheck) Done() <-chan struct{} { return c.done }

func (c *cancelledAfterCheck) Err() error {
	if c.checks.Add(1) == 1 {
		return nil
	}
	return context.Canceled
}

func TestPipeline_EmitAfterStopReachesNoHook(t *testing.T) {
	t.Parallel()

	f := newFixture(t, textChunks("unused")...)
	for i := range 50 {
		r := &Run{sentences: make(chan string, 1)}
		hooked := false
		hooks := Hooks{OnSentence: func(string) { hooked = true }}

		if f.p.emit(newCancelledAfterCheck(), r, hooks, "Too late.", time.Now()) {
			t.Fatalf("iteration %d: emit = true after cancellation", i)
		}
		if hooked {
			t.Fatalf("iteration %d: OnSentence fired after cancellation", i)
		}
	}
	if spoken := f.speaker.Enqueued(); len(spoken) != 0 {
		t.Errorf("spoken = %q, want nothing", spoken)
	}
}

func TestPipeline_ContextCancel(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	defer close(gate)
	f := newFixture(t, textChunks("First. ", "Second.")...)
	f.llm.Gate, f.llm.GateAfter = gate, 1

	ctx, cancel := context.WithCancel(context.Background())
	r := f.p.Process(ctx, "q", Hooks{})
	<-r.Sentences()
	cancel()

	err := r.Wait()
	if !errors.Is(err, ErrStopped) || !errors.Is(err, context.Canceled) {
		t.Errorf("Wait = %v, want ErrStopped wrapping context.Canceled", err)
	}
	if f.speaker.clears != 0 {
		t.Error("caller cancellation must not clear the shared speech queue")
	}
}

// TestPipeline_StopWithSpeechQueue streams five sentences into a real speech
// queue whose renderer blocks on the first one, then stops the pipeline.
func TestPipeline_StopWithSpeechQueue(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var (
		mu     sync.Mutex
		played []string
	)
	q := speech.NewQueue(speech.RendererFunc(func(ctx context.Context, text string) error {
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
		mu.Lock()
		played = append(played, text)
		mu.Unlock()
		return nil
	}), speech.WithPollInterval(10*time.Millisecond))

	gate := make(chan struct{})
	defer close(gate)
	llmMock := &mock.Provider{
		StreamChunks: textChunks("One. ", "Two. ", "Three. ", "Four. ", "Five. ", "Six."),
		Gate:         gate,
		GateAfter:    5,
	}
	p := New(generation.NewClient(llmMock, nil), q, personality.NewDefault(), nil)

	r := p.Process(context.Background(), "count to five", Hooks{})
	for range 5 {
		<-r.Sentences()
	}
	<-started
	deadline := time.Now().Add(3 * time.Second)
	for q.Pending() < 4 {
		if time.Now().After(deadline) {
			t.Fatalf("pending = %d, want 4", q.Pending())
		}
		time.Sleep(time.Millisecond)
	}

	if dropped := p.Stop(); dropped != 4 {
		t.Errorf("Stop dropped %d utterances, want 4", dropped)
	}
	close(release)
	if err := r.Wait(); !errors.Is(err, ErrStopped) {
		t.Errorf("Wait = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := q.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(played) > 1 {
		t.Errorf("played %q, want at most the in-flight sentence", played)
	}
}

// ── Metrics ───────────────────────────────────────────────────────────────────

func TestPipeline_Metrics(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	f := newFixture(t, textChunks("One. Two.")...)
	f.p = New(f.gen, f.speaker, f.persona, f.cache, WithMetrics(m))

	_ = f.p.Process(context.Background(), "q", Hooks{}).Wait()
	_ = f.p.Process(context.Background(), "q", Hooks{}).Wait()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	runs := sumByAttr(t, rm, "tarsvoice.pipeline.runs", "status")
	if runs[observe.StatusComplete] != 1 || runs[observe.StatusCached] != 1 {
		t.Errorf("runs by status = %v", runs)
	}
	if got := sumByAttr(t, rm, "tarsvoice.pipeline.sentences", "")[""]; got != 3 {
		t.Errorf("sentences = %d, want 3 (two streamed, one cached)", got)
	}
	if got := sumByAttr(t, rm, "tarsvoice.pipeline.active_runs", "")[""]; got != 0 {
		t.Errorf("active runs = %d, want 0", got)
	}
}

// sumByAttr sums an int64 metric per value of attribute key. With key == ""
// everything is summed under "".
func sumByAttr(t *testing.T, rm metricdata.ResourceMetrics, name, key string) map[string]int64 {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != name {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not an int64 sum", name)
			}
			out := make(map[string]int64)
			for _, dp := range sum.DataPoints {
				v := ""
				if key != "" {
					attr, _ := dp.Attributes.Value(attribute.Key(key))
					v = attr.AsString()
				}
				out[v] += dp.Value
			}
			return out
		}
	}
	t.Fatalf("metric %q not found", name)
	return nil
}

// ── State ─────────────────────────────────────────────────────────────────────

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		s        State
		want     string
		terminal bool
	}{
		{Idle, "idle", false},
		{CacheCheck, "cache_check", false},
		{Streaming, "streaming", false},
		{Flushing, "flushing", false},
		{Complete, "complete", true},
		{Error, "error", true},
		{Stopped, "stopped", true},
		{State(42), "unknown", false},
	}
	for _, tc := range tests {
		if got := tc.s.String(); got != tc.want {
			t.Errorf("State(%d).String() = %q, want %q", tc.s, got, tc.want)
		}
		if got := tc.s.Terminal(); got != tc.terminal {
			t.Errorf("State(%d).Terminal() = %v, want %v", tc.s, got, tc.terminal)
		}
	}
}
