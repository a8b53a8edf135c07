// Package stt turns one complete spoken utterance into text
package stt

import (
	"context"
	"errors"
	"strings"

	"github.com/lexiqai/voice-agent/internal/audio"
	"github.com/lexiqai/voice-agent/internal/resilience"
	"github.com/lexiqai/voice-agent/internal/turnerr"
)

// ErrEmptyTranscript is returned when the provider recognised no words
var ErrEmptyTranscript = errors.New("empty transcript")

// Recognizer transcribes a complete utterance
type Recognizer interface {
	Transcribe(ctx context.Context, utterance []byte) (string, error)
}

// Guarded wraps a provider Recognizer with input checks, a circuit breaker
// and retries. Every error it returns is classified as a transcription error
// or a timeout.
type Guarded struct {
	name             string
	next             Recognizer
	breaker          *resilience.CircuitBreaker
	retry            *resilience.RetryConfig
	silenceThreshold float64
}

// NewGuarded wraps next. A nil breaker or retry config disables that layer.
func NewGuarded(name string, next Recognizer, breaker *resilience.CircuitBreaker, retry *resilience.RetryConfig, silenceThreshold float64) *Guarded {
	return &Guarded{
		name:             name,
		next:             next,
		breaker:          breaker,
		retry:            retry,
		silenceThreshold: silenceThreshold,
	}
}

// Transcribe implements Recognizer
func (g *Guarded) Transcribe(ctx context.Context, utterance []byte) (string, error) {
	if err := audio.InspectUtterance(utterance, g.silenceThreshold); err != nil {
		return "", turnerr.New(turnerr.Transcription, g.name, err)
	}

	var text string
	call := func(ctx context.Context) error {
		var err error
		text, err = g.next.Transcribe(ctx, utterance)
		return err
	}

	err := g.withBreaker(ctx, func(ctx context.Context) error {
		if g.retry == nil {
			return call(ctx)
		}
		return resilience.RetryContext(ctx, call, g.retry, resilience.IsRetryableNetworkError, nil)
	})
	if err != nil {
		return "", turnerr.Classify(turnerr.Transcription, g.name, err)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", turnerr.New(turnerr.Transcription, g.name, ErrEmptyTranscript)
	}
	return text, nil
}

func (g *Guarded) withBreaker(ctx context.Context, fn func(context.Context) error) error {
	if g.breaker == nil {
		return fn(ctx)
	}
	return g.breaker.CallContext(ctx, fn)
}
