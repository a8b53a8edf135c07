package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/lexiqai/voice-agent/internal/audio"
	"github.com/lexiqai/voice-agent/internal/resilience"
)

const (
	cartesiaURL        = "https://api.cartesia.ai/tts/bytes"
	cartesiaVersion    = "2024-06-10"
	cartesiaSampleRate = 24000
	mulawSampleRate    = 8000
)

// CartesiaConfig configures a CartesiaSynthesizer
type CartesiaConfig struct {
	APIKey    string
	URL       string // defaults to the public endpoint
	VoiceID   string
	ModelID   string
	Encoding  string // pcm (16-bit LE at 24kHz) or mulaw (G.711 at 8kHz)
	ChunkSize int
}

// CartesiaSynthesizer streams raw speech from Cartesia's bytes endpoint
type CartesiaSynthesizer struct {
	cfg        CartesiaConfig
	httpClient *http.Client
}

type cartesiaRequest struct {
	ModelID      string               `json:"model_id"`
	Transcript   string               `json:"transcript"`
	Voice        cartesiaVoice        `json:"voice"`
	OutputFormat cartesiaOutputFormat `json:"output_format"`
}

type cartesiaVoice struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

// NewCartesiaSynthesizer creates a synthesizer. A nil httpClient uses http.DefaultClient.
func NewCartesiaSynthesizer(cfg CartesiaConfig, httpClient *http.Client) (*CartesiaSynthesizer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("cartesia: apiKey must not be empty")
	}
	if cfg.URL == "" {
		cfg.URL = cartesiaURL
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "pcm"
	}
	if cfg.Encoding != "pcm" && cfg.Encoding != "mulaw" {
		return nil, fmt.Errorf("cartesia: unsupported encoding %q", cfg.Encoding)
	}
	if cfg.ChunkSize <= 0 {
		// a multiple of 6 keeps 24kHz→8kHz resampling on sample boundaries
		cfg.ChunkSize = 4800
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &CartesiaSynthesizer{cfg: cfg, httpClient: httpClient}, nil
}

// Stream implements Synthesizer
func (c *CartesiaSynthesizer) Stream(ctx context.Context, text string) (AudioStream, error) {
	body, err := json.Marshal(cartesiaRequest{
		ModelID:    c.cfg.ModelID,
		Transcript: text,
		Voice:      cartesiaVoice{Mode: "id", ID: c.cfg.VoiceID},
		OutputFormat: cartesiaOutputFormat{
			Container:  "raw",
			Encoding:   "pcm_s16le",
			SampleRate: cartesiaSampleRate,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("cartesia: marshal request: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("cartesia: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.cfg.APIKey)
	req.Header.Set("Cartesia-Version", cartesiaVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("cartesia: request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		cancel()
		err := fmt.Errorf("cartesia: API returned status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, resilience.NewRetryableError(err)
		}
		return nil, err
	}

	var transform TransformFunc
	if c.cfg.Encoding == "mulaw" {
		transform = toMulaw
	}
	return newBodyStream(resp.Body, cancel, c.cfg.ChunkSize, transform), nil
}

// toMulaw converts one chunk of 24kHz PCM to 8kHz μ-law. A trailing odd
// byte can only occur on the final chunk and is dropped.
func toMulaw(pcm []byte) ([]byte, error) {
	pcm = pcm[:len(pcm)&^1]
	if len(pcm) == 0 {
		return nil, nil
	}
	return audio.ConvertPCMToPCMU(pcm, cartesiaSampleRate, mulawSampleRate)
}
