package cache

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func newCache(t *testing.T, size int) *ResponseCache {
	t.Helper()
	c, err := New(size)
	if err != nil {
		t.Fatalf("New(%d): %v", size, err)
	}
	return c
}

func TestNew_InvalidSize(t *testing.T) {
	t.Parallel()

	for _, size := range []int{0, -1} {
		if _, err := New(size); !errors.Is(err, ErrInvalidSize) {
			t.Errorf("New(%d) error = %v, want ErrInvalidSize", size, err)
		}
	}
}

func TestSetGet_RoundTrip(t *testing.T) {
	t.Parallel()

	c := newCache(t, 10)
	c.Set("What is your name?", "75_90", "I am TARS.")

	got, ok := c.Get("What is your name?", "75_90")
	if !ok || got != "I am TARS." {
		t.Fatalf("Get = (%q, %v), want (%q, true)", got, ok, "I am TARS.")
	}
}

func TestGet_NormalizesQuery(t *testing.T) {
	t.Parallel()

	c := newCache(t, 10)
	c.Set("What is your name?", "75_90", "I am TARS.")

	for _, q := range []string{"what is your name?", "  WHAT IS YOUR NAME?\n", "What Is Your Name?"} {
		if _, ok := c.Get(q, "75_90"); !ok {
			t.Errorf("Get(%q) missed, want hit", q)
		}
	}
}

func TestGet_FingerprintPartitions(t *testing.T) {
	t.Parallel()

	c := newCache(t, 10)
	c.Set("What is your name?", "75_90", "I am TARS.")

	if got, ok := c.Get("What is your name?", "20_30"); ok {
		t.Errorf("Get under different fingerprint = (%q, true), want miss", got)
	}
}

func TestSet_Overwrites(t *testing.T) {
	t.Parallel()

	c := newCache(t, 2)
	c.Set("q", "fp", "first")
	c.Set("q", "fp", "second")

	if got, _ := c.Get("q", "fp"); got != "second" {
		t.Errorf("Get after overwrite = %q, want %q", got, "second")
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}
}

func TestEviction_LeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	c := newCache(t, 3)
	c.Set("a", "fp", "A")
	c.Set("b", "fp", "B")
	c.Set("c", "fp", "C")
	c.Set("d", "fp", "D")

	if _, ok := c.Get("a", "fp"); ok {
		t.Error("oldest entry a survived eviction")
	}
	for _, q := range []string{"b", "c", "d"} {
		if _, ok := c.Get(q, "fp"); !ok {
			t.Errorf("entry %q was evicted, want kept", q)
		}
	}
	if c.Len() != 3 {
		t.Errorf("Len() = %d, want 3", c.Len())
	}
	if got := c.Stats().Evictions; got != 1 {
		t.Errorf("Stats().Evictions = %d, want 1", got)
	}
}

func TestEviction_GetShieldsEntry(t *testing.T) {
	t.Parallel()

	c := newCache(t, 3)
	c.Set("a", "fp", "A")
	c.Set("b", "fp", "B")
	c.Set("c", "fp", "C")

	// Touch a so b becomes the least recently used.
	if _, ok := c.Get("a", "fp"); !ok {
		t.Fatal("Get(a) missed")
	}
	c.Set("d", "fp", "D")

	if _, ok := c.Get("b", "fp"); ok {
		t.Error("b survived, want it evicted")
	}
	if _, ok := c.Get("a", "fp"); !ok {
		t.Error("a was evicted despite recent access")
	}
}

func TestDisabled_KeepsEntries(t *testing.T) {
	t.Parallel()

	c := newCache(t, 5)
	c.Set("q", "fp", "stored")
	c.SetEnabled(false)

	if _, ok := c.Get("q", "fp"); ok {
		t.Error("disabled cache returned a hit")
	}
	c.Set("other", "fp", "ignored")
	if c.Len() != 1 {
		t.Errorf("Len() while disabled = %d, want 1", c.Len())
	}

	c.SetEnabled(true)
	if got, ok := c.Get("q", "fp"); !ok || got != "stored" {
		t.Errorf("Get after re-enable = (%q, %v), want (%q, true)", got, ok, "stored")
	}
	if _, ok := c.Get("other", "fp"); ok {
		t.Error("Set while disabled stored an entry")
	}
}

func TestClear(t *testing.T) {
	t.Parallel()

	c := newCache(t, 5)
	c.Set("a", "fp", "A")
	c.Set("b", "fp", "B")
	c.Clear()

	if c.Len() != 0 {
		t.Errorf("Len() after Clear = %d, want 0", c.Len())
	}
	if _, ok := c.Get("a", "fp"); ok {
		t.Error("Get after Clear returned a hit")
	}
	if got := c.Stats().Evictions; got != 0 {
		t.Errorf("Clear counted %d evictions, want 0", got)
	}
}

func TestStats(t *testing.T) {
	t.Parallel()

	c := newCache(t, 4)
	c.Set("a", "fp", "A")
	c.Get("a", "fp")
	c.Get("missing", "fp")

	s := c.Stats()
	want := Stats{Size: 1, MaxSize: 4, Enabled: true, Hits: 1, Misses: 1}
	if s != want {
		t.Errorf("Stats() = %+v, want %+v", s, want)
	}
}

func TestKey(t *testing.T) {
	t.Parallel()

	if Key(" Hello ", "1_2") != Key("hello", "1_2") {
		t.Error("Key does not normalise the query")
	}
	if Key("hello", "1_2") == Key("hello", "1_3") {
		t.Error("Key ignores the fingerprint")
	}
	// The separator keeps query and fingerprint from running together.
	if Key("a1", "_2") == Key("a", "1_2") {
		t.Error("Key collides across the query/fingerprint boundary")
	}
}

func TestConcurrentAccess(t *testing.T) {
	t.Parallel()

	c := newCache(t, 16)
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 100 {
				q := fmt.Sprintf("q-%d-%d", i, j%20)
				c.Set(q, "fp", q)
				c.Get(q, "fp")
			}
		}()
	}
	wg.Wait()

	if c.Len() > 16 {
		t.Errorf("Len() = %d exceeds capacity 16", c.Len())
	}
}
