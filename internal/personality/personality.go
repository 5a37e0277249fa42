// Package personality holds the assistant's adjustable character traits and
// derives the system instruction and cache fingerprint from them.
//
// Both traits are integers clamped to [MinTrait, MaxTrait]. Every derived
// value is a pure function of the two traits, so two [State] values with the
// same traits always produce the same instruction and fingerprint.
package personality

import (
	"fmt"
	"strings"
	"sync"
)

const (
	// MinTrait and MaxTrait bound both humor and honesty.
	MinTrait = 0
	MaxTrait = 100

	// DefaultHumor and DefaultHonesty are the traits a fresh assistant starts with.
	DefaultHumor   = 75
	DefaultHonesty = 90
)

const basePersona = "You are TARS, a robotic assistant from the movie Interstellar. "

const fixedTraits = "You are helpful, reliable, and have a matter-of-fact way of speaking. " +
	"You speak in a robotic but friendly tone. " +
	"You are practical and solution-oriented. " +
	"When asked about your humor or honesty settings, you can report them accurately. "

// band maps a lower threshold to the text used at or above it. Bands are
// checked in order, the last one has threshold MinTrait.
type band struct {
	min   int
	text  string
	label string
}

var humorBands = []band{
	{80, "You are very witty, sarcastic, and make jokes frequently. ", "Very High"},
	{60, "You have a good sense of humor and make occasional witty remarks. ", "High"},
	{40, "You have a subtle sense of humor. ", "Medium"},
	{MinTrait, "You are serious and rarely make jokes. ", "Low"},
}

var honestyBands = []band{
	{90, "You are brutally honest and direct, even if it might be uncomfortable. ", "Maximum"},
	{70, "You are mostly honest but can be diplomatic when necessary. ", "High"},
	{50, "You balance honesty with diplomacy. ", "Medium"},
	{MinTrait, "You are very diplomatic and avoid saying things that might upset others. ", "Diplomatic"},
}

func lookup(bands []band, v int) band {
	for _, b := range bands {
		if v >= b.min {
			return b
		}
	}
	return bands[len(bands)-1]
}

// Clamp limits v to [MinTrait, MaxTrait].
func Clamp(v int) int {
	return min(max(v, MinTrait), MaxTrait)
}

// Traits is a point-in-time copy of both trait values.
type Traits struct {
	Humor   int
	Honesty int
}

// Fingerprint returns the cache partition key for t, "{humor}_{honesty}".
func (t Traits) Fingerprint() string {
	return fmt.Sprintf("%d_%d", t.Humor, t.Honesty)
}

// SystemInstruction returns the prompt that conditions generation for t.
func (t Traits) SystemInstruction() string {
	var b strings.Builder
	b.WriteString(basePersona)
	b.WriteString(lookup(humorBands, t.Humor).text)
	b.WriteString(lookup(honestyBands, t.Honesty).text)
	b.WriteString(fixedTraits)
	return b.String()
}

// Summary returns a short human readable description such as
// "Humor: Very High (80%), Honesty: Maximum (90%)".
func (t Traits) Summary() string {
	return fmt.Sprintf("Humor: %s (%d%%), Honesty: %s (%d%%)",
		lookup(humorBands, t.Humor).label, t.Humor,
		lookup(honestyBands, t.Honesty).label, t.Honesty,
	)
}

// State is the mutable personality shared by the pipeline and whatever
// adjusts it at runtime (console commands, config reload). It is safe for
// concurrent use.
type State struct {
	mu     sync.RWMutex
	traits Traits
}

// New returns a State with the given traits, clamped into range.
func New(humor, honesty int) *State {
	return &State{traits: Traits{Humor: Clamp(humor), Honesty: Clamp(honesty)}}
}

// NewDefault returns a State with [DefaultHumor] and [DefaultHonesty].
func NewDefault() *State {
	return New(DefaultHumor, DefaultHonesty)
}

// SetHumor clamps v and stores it. It returns the stored value.
func (s *State) SetHumor(v int) int {
	v = Clamp(v)
	s.mu.Lock()
	s.traits.Humor = v
	s.mu.Unlock()
	return v
}

// SetHonesty clamps v and stores it. It returns the stored value.
func (s *State) SetHonesty(v int) int {
	v = Clamp(v)
	s.mu.Lock()
	s.traits.Honesty = v
	s.mu.Unlock()
	return v
}

// Humor returns the current humor level.
func (s *State) Humor() int { return s.Snapshot().Humor }

// Honesty returns the current honesty level.
func (s *State) Honesty() int { return s.Snapshot().Honesty }

// Snapshot returns both traits read under a single lock.
func (s *State) Snapshot() Traits {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.traits
}

// SystemInstruction is shorthand for s.Snapshot().SystemInstruction().
func (s *State) SystemInstruction() string { return s.Snapshot().SystemInstruction() }

// Fingerprint is shorthand for s.Snapshot().Fingerprint().
func (s *State) Fingerprint() string { return s.Snapshot().Fingerprint() }

// Summary is shorthand for s.Snapshot().Summary().
func (s *State) Summary() string { return s.Snapshot().Summary() }
