// Package segment splits a stream of generated text into speakable sentences.
//
// A [Segmenter] accumulates chunks in a pending buffer and releases every
// sentence whose end has been seen. A sentence ends at '.', '!' or '?' when
// the terminator is followed by whitespace or is the last byte currently in
// the buffer. The second rule is provisional on purpose: a chunk that ends
// in "3." releases "3." even if the next chunk starts with "14".
package segment

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Segmenter is a stateful sentence splitter. The zero value is ready to use.
// A Segmenter is not safe for concurrent use.
type Segmenter struct {
	buf strings.Builder
}

// Feed appends chunk to the pending buffer and returns the sentences it
// completed, in order. Returned sentences are trimmed and never empty.
func (s *Segmenter) Feed(chunk string) []string {
	if chunk == "" {
		return nil
	}
	s.buf.WriteString(chunk)

	text := s.buf.String()
	var (
		out   []string
		start int
	)
	for i := 0; i < len(text); i++ {
		if !isTerminator(text[i]) {
			continue
		}
		next := i + 1
		if next < len(text) {
			r, _ := utf8.DecodeRuneInString(text[next:])
			if !unicode.IsSpace(r) {
				continue
			}
		}
		if sentence := strings.TrimSpace(text[start:next]); sentence != "" {
			out = append(out, sentence)
		}
		start = skipSpace(text, next)
		i = start - 1
	}

	if start > 0 {
		rest := text[start:]
		s.buf.Reset()
		s.buf.WriteString(rest)
	}
	return out
}

// Flush returns the trimmed residue of the buffer and clears it. ok is false
// when nothing but whitespace was pending.
func (s *Segmenter) Flush() (sentence string, ok bool) {
	sentence = strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	return sentence, sentence != ""
}

// Pending returns the text that has not yet been released as a sentence.
func (s *Segmenter) Pending() string {
	return s.buf.String()
}

// Reset discards any pending text.
func (s *Segmenter) Reset() {
	s.buf.Reset()
}

func isTerminator(b byte) bool {
	return b == '.' || b == '!' || b == '?'
}

// skipSpace returns the index of the first non-space rune at or after i.
func skipSpace(text string, i int) int {
	for i < len(text) {
		r, size := utf8.DecodeRuneInString(text[i:])
		if !unicode.IsSpace(r) {
			break
		}
		i += size
	}
	return i
}
