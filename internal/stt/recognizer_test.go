package stt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lexiqai/voice-agent/internal/audio"
	"github.com/lexiqai/voice-agent/internal/resilience"
	"github.com/lexiqai/voice-agent/internal/turnerr"
)

type fakeRecognizer struct {
	texts []string
	errs  []error
	calls int
}

func (f *fakeRecognizer) Transcribe(ctx context.Context, _ []byte) (string, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return "", f.errs[i]
	}
	if i < len(f.texts) {
		return f.texts[i], nil
	}
	return "", nil
}

var utterance = []byte{0x01, 0x02, 0x03, 0x04}

func TestGuarded_TrimsTranscript(t *testing.T) {
	g := NewGuarded("test", &fakeRecognizer{texts: []string{"  hello \n"}}, nil, nil, 0)

	text, err := g.Transcribe(context.Background(), utterance)
	if err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}
	if text != "hello" {
		t.Errorf("Expected 'hello', got %q", text)
	}
}

func TestGuarded_Errors(t *testing.T) {
	tests := []struct {
		name      string
		input     []byte
		rec       *fakeRecognizer
		wantKind  turnerr.Kind
		wantCause error
	}{
		{"empty utterance", nil, &fakeRecognizer{}, turnerr.Transcription, audio.ErrEmptyUtterance},
		{"empty transcript", utterance, &fakeRecognizer{texts: []string{"   "}}, turnerr.Transcription, ErrEmptyTranscript},
		{"provider failure", utterance, &fakeRecognizer{errs: []error{errors.New("invalid api key")}}, turnerr.Transcription, nil},
		{"deadline", utterance, &fakeRecognizer{errs: []error{context.DeadlineExceeded}}, turnerr.Timeout, context.DeadlineExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGuarded("test", tt.rec, nil, nil, 0).Transcribe(context.Background(), tt.input)
			if err == nil {
				t.Fatal("Expected error")
			}
			if got := turnerr.KindOf(err); got != tt.wantKind {
				t.Errorf("Expected kind %v, got %v", tt.wantKind, got)
			}
			if tt.wantCause != nil && !errors.Is(err, tt.wantCause) {
				t.Errorf("Expected %v in chain, got %v", tt.wantCause, err)
			}
		})
	}
}

func TestGuarded_RetriesTransientErrors(t *testing.T) {
	rec := &fakeRecognizer{
		errs:  []error{errors.New("503 service unavailable"), nil},
		texts: []string{"", "hello"},
	}
	retry := &resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 1}

	text, err := NewGuarded("test", rec, nil, retry, 0).Transcribe(context.Background(), utterance)
	if err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}
	if text != "hello" || rec.calls != 2 {
		t.Errorf("Expected success on 2nd call, got %q after %d calls", text, rec.calls)
	}
}

func TestGuarded_CircuitOpen(t *testing.T) {
	breaker := resilience.NewCircuitBreaker("stt", 1, time.Minute)
	breaker.RecordResult(false)
	rec := &fakeRecognizer{texts: []string{"hello"}}

	_, err := NewGuarded("test", rec, breaker, nil, 0).Transcribe(context.Background(), utterance)
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}
	if rec.calls != 0 {
		t.Error("Expected provider not to be called")
	}
}

func TestGuarded_CancellationDoesNotTripBreaker(t *testing.T) {
	breaker := resilience.NewCircuitBreaker("stt", 2, time.Minute)
	rec := &fakeRecognizer{
		errs:  []error{context.Canceled, context.Canceled, context.Canceled, context.Canceled, context.Canceled},
		texts: []string{"", "", "", "", "", "hello"},
	}
	g := NewGuarded("test", rec, breaker, nil, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 5; i++ {
		if _, err := g.Transcribe(ctx, utterance); !errors.Is(err, context.Canceled) {
			t.Fatalf("Expected context.Canceled, got %v", err)
		}
	}

	text, err := g.Transcribe(context.Background(), utterance)
	if err != nil {
		t.Fatalf("Expected healthy session to transcribe, got %v", err)
	}
	if text != "hello" {
		t.Errorf("Expected 'hello', got %q", text)
	}
	if breaker.GetState() != resilience.StateClosed {
		t.Errorf("Expected breaker to stay closed, got %s", breaker.GetState())
	}
}

func TestGuarded_DeadlineTripsBreaker(t *testing.T) {
	breaker := resilience.NewCircuitBreaker("stt", 2, time.Minute)
	rec := &fakeRecognizer{errs: []error{context.DeadlineExceeded, context.DeadlineExceeded}}
	g := NewGuarded("test", rec, breaker, nil, 0)

	g.Transcribe(context.Background(), utterance)
	g.Transcribe(context.Background(), utterance)

	if breaker.GetState() != resilience.StateOpen {
		t.Errorf("Expected timeouts to open the breaker, got %s", breaker.GetState())
	}
}
