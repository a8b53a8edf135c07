// Package segmenter turns an incremental stream of generated text into spans
// that are ready to be spoken.
//
// A span is emitted as soon as the buffer either reaches the length threshold
// or ends with a terminator character. Flush must be called once at the end
// of every generation so trailing text is never lost.
package segmenter

import (
	"strings"
	"unicode/utf8"
)

const (
	// DefaultThreshold is the buffer length, in characters, that forces emission
	DefaultThreshold = 64

	// DefaultTerminators end a sentence or clause
	DefaultTerminators = ".?!;:\n"
)

// Segment is a contiguous span of generated text ready for synthesis
type Segment = string

// Option configures a Segmenter
type Option func(*Segmenter)

// WithThreshold sets the emission length threshold. Values below 1 are ignored.
func WithThreshold(n int) Option {
	return func(s *Segmenter) {
		if n > 0 {
			s.threshold = n
		}
	}
}

// WithTerminators sets the characters that trigger early emission.
// An empty string disables terminator-based emission.
func WithTerminators(chars string) Option {
	return func(s *Segmenter) {
		s.terminators = chars
	}
}

// Segmenter buffers text deltas. It is not safe for concurrent use.
type Segmenter struct {
	threshold   int
	terminators string

	buf   strings.Builder
	runes int
}

// New creates a Segmenter with the defaults overridden by opts
func New(opts ...Option) *Segmenter {
	s := &Segmenter{
		threshold:   DefaultThreshold,
		terminators: DefaultTerminators,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Feed appends delta and returns the buffered span if it became ready.
// At most one segment is returned because emission empties the buffer.
func (s *Segmenter) Feed(delta string) []Segment {
	if delta == "" {
		return nil
	}
	s.buf.WriteString(delta)
	s.runes += utf8.RuneCountInString(delta)

	if s.runes >= s.threshold || s.endsWithTerminator() {
		return []Segment{s.take()}
	}
	return nil
}

// Flush returns whatever is buffered, if anything, and empties the buffer
func (s *Segmenter) Flush() []Segment {
	if s.runes == 0 {
		return nil
	}
	return []Segment{s.take()}
}

// Reset discards the buffer without emitting it
func (s *Segmenter) Reset() {
	s.buf.Reset()
	s.runes = 0
}

// Buffered returns the text waiting for a trigger
func (s *Segmenter) Buffered() string {
	return s.buf.String()
}

// Threshold returns the configured length threshold
func (s *Segmenter) Threshold() int {
	return s.threshold
}

func (s *Segmenter) endsWithTerminator() bool {
	if s.terminators == "" {
		return false
	}
	last, _ := utf8.DecodeLastRuneInString(s.buf.String())
	return last != utf8.RuneError && strings.ContainsRune(s.terminators, last)
}

func (s *Segmenter) take() Segment {
	seg := s.buf.String()
	s.Reset()
	return seg
}
