package tts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lexiqai/voice-agent/internal/audio"
	"github.com/lexiqai/voice-agent/internal/resilience"
)

func newCartesiaServer(t *testing.T, pcm []byte, got *cartesiaRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "test-key" {
			t.Errorf("Missing API key header")
		}
		if r.Header.Get("Cartesia-Version") == "" {
			t.Errorf("Missing version header")
		}
		json.NewDecoder(r.Body).Decode(got)
		w.Write(pcm)
	}))
}

func TestCartesiaSynthesizer_PCM(t *testing.T) {
	pcm := audio.SamplesToBytes(make([]int16, 4800)) // 9600 bytes
	var got cartesiaRequest
	srv := newCartesiaServer(t, pcm, &got)
	defer srv.Close()

	synth, err := NewCartesiaSynthesizer(CartesiaConfig{APIKey: "test-key", URL: srv.URL, VoiceID: "v1", ModelID: "sonic"}, srv.Client())
	if err != nil {
		t.Fatalf("NewCartesiaSynthesizer failed: %v", err)
	}

	s, err := synth.Stream(context.Background(), "Hello.")
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	defer s.Close()

	chunks := drain(t, s)
	if len(chunks) != 2 || len(chunks[0]) != 4800 {
		t.Errorf("Expected two 4800-byte chunks, got %d", len(chunks))
	}
	if got.Transcript != "Hello." || got.Voice.ID != "v1" || got.OutputFormat.SampleRate != 24000 {
		t.Errorf("Unexpected request %+v", got)
	}
}

func TestCartesiaSynthesizer_Mulaw(t *testing.T) {
	pcm := audio.SamplesToBytes(make([]int16, 2400)) // 100ms at 24kHz
	var got cartesiaRequest
	srv := newCartesiaServer(t, pcm, &got)
	defer srv.Close()

	synth, _ := NewCartesiaSynthesizer(CartesiaConfig{APIKey: "test-key", URL: srv.URL, Encoding: "mulaw"}, srv.Client())
	s, err := synth.Stream(context.Background(), "Hello.")
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	defer s.Close()

	total := 0
	for _, c := range drain(t, s) {
		total += len(c)
	}
	if total != 800 {
		t.Errorf("Expected 800 μ-law bytes (100ms at 8kHz), got %d", total)
	}
}

func TestCartesiaSynthesizer_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	synth, _ := NewCartesiaSynthesizer(CartesiaConfig{APIKey: "k", URL: srv.URL}, srv.Client())
	_, err := synth.Stream(context.Background(), "Hello.")
	if err == nil {
		t.Fatal("Expected error for 401")
	}
	if resilience.IsRetryableNetworkError(err) {
		t.Errorf("Expected 401 not to be retried, got %v", err)
	}
}

func TestCartesiaSynthesizer_RetryableStatus(t *testing.T) {
	for _, status := range []int{http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "try later", status)
		}))

		synth, _ := NewCartesiaSynthesizer(CartesiaConfig{APIKey: "k", URL: srv.URL}, srv.Client())
		_, err := synth.Stream(context.Background(), "Hello.")
		if !resilience.IsRetryable(err) {
			t.Errorf("Expected status %d to be marked retryable, got %v", status, err)
		}
		srv.Close()
	}
}

func TestCartesiaSynthesizer_GuardedRetriesServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "internal", http.StatusInternalServerError)
			return
		}
		w.Write(audio.SamplesToBytes(make([]int16, 100)))
	}))
	defer srv.Close()

	synth, _ := NewCartesiaSynthesizer(CartesiaConfig{APIKey: "k", URL: srv.URL}, srv.Client())
	retry := &resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 1}

	s, err := NewGuarded("cartesia", synth, nil, retry).Stream(context.Background(), "Hello.")
	if err != nil {
		t.Fatalf("Expected retry to recover, got %v", err)
	}
	s.Close()
	if n := calls.Load(); n != 2 {
		t.Errorf("Expected 2 requests, got %d", n)
	}
}

func TestNewCartesiaSynthesizer_Validation(t *testing.T) {
	if _, err := NewCartesiaSynthesizer(CartesiaConfig{}, nil); err == nil {
		t.Error("Expected error for missing key")
	}
	if _, err := NewCartesiaSynthesizer(CartesiaConfig{APIKey: "k", Encoding: "opus"}, nil); err == nil {
		t.Error("Expected error for unsupported encoding")
	}
}
