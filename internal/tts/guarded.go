package tts

import (
	"context"
	"errors"
	"io"

	"github.com/lexiqai/voice-agent/internal/resilience"
	"github.com/lexiqai/voice-agent/internal/turnerr"
)

// ErrEmptyText is returned when asked to synthesize an empty segment
var ErrEmptyText = errors.New("empty text")

// Guarded wraps a provider Synthesizer with a circuit breaker and retries on
// stream setup. Errors from Stream and Recv are classified as synthesis
// errors or timeouts.
type Guarded struct {
	name    string
	next    Synthesizer
	breaker *resilience.CircuitBreaker
	retry   *resilience.RetryConfig
}

// NewGuarded wraps next. A nil breaker or retry config disables that layer.
func NewGuarded(name string, next Synthesizer, breaker *resilience.CircuitBreaker, retry *resilience.RetryConfig) *Guarded {
	return &Guarded{name: name, next: next, breaker: breaker, retry: retry}
}

// Stream implements Synthesizer
func (g *Guarded) Stream(ctx context.Context, text string) (AudioStream, error) {
	if text == "" {
		return nil, turnerr.New(turnerr.Synthesis, g.name, ErrEmptyText)
	}

	var stream AudioStream
	open := func(ctx context.Context) error {
		var err error
		stream, err = g.next.Stream(ctx, text)
		return err
	}

	call := func(ctx context.Context) error {
		if g.retry == nil {
			return open(ctx)
		}
		return resilience.RetryContext(ctx, open, g.retry, resilience.IsRetryableNetworkError, nil)
	}

	var err error
	if g.breaker != nil {
		err = g.breaker.CallContext(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return nil, turnerr.Classify(turnerr.Synthesis, g.name, err)
	}
	return &guardedStream{name: g.name, AudioStream: stream}, nil
}

type guardedStream struct {
	name string
	AudioStream
}

func (s *guardedStream) Recv(ctx context.Context) ([]byte, error) {
	data, err := s.AudioStream.Recv(ctx)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, turnerr.Classify(turnerr.Synthesis, s.name, err)
	}
	return data, err
}
