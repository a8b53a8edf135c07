package llm

import (
	"context"
	"errors"
	"io"

	"github.com/lexiqai/voice-agent/internal/resilience"
	"github.com/lexiqai/voice-agent/internal/turnerr"
)

// Guarded wraps a provider Generator with a circuit breaker and retries on
// stream setup. Errors from Stream and Recv are classified as generation
// errors or timeouts.
type Guarded struct {
	name    string
	next    Generator
	breaker *resilience.CircuitBreaker
	retry   *resilience.RetryConfig
}

// NewGuarded wraps next. A nil breaker or retry config disables that layer.
func NewGuarded(name string, next Generator, breaker *resilience.CircuitBreaker, retry *resilience.RetryConfig) *Guarded {
	return &Guarded{name: name, next: next, breaker: breaker, retry: retry}
}

// Stream implements Generator
func (g *Guarded) Stream(ctx context.Context, req Request) (DeltaStream, error) {
	var stream DeltaStream
	open := func(ctx context.Context) error {
		var err error
		stream, err = g.next.Stream(ctx, req)
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
		return nil, turnerr.Classify(turnerr.Generation, g.name, err)
	}
	return &guardedStream{name: g.name, DeltaStream: stream}, nil
}

type guardedStream struct {
	name string
	DeltaStream
}

func (s *guardedStream) Recv(ctx context.Context) (string, error) {
	text, err := s.DeltaStream.Recv(ctx)
	if err != nil && !errors.Is(err, io.EOF) {
		return "", turnerr.Classify(turnerr.Generation, s.name, err)
	}
	return text, err
}
