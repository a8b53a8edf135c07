package tts

import (
	"context"
	"fmt"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIConfig configures an OpenAISynthesizer
type OpenAIConfig struct {
	APIKey    string
	BaseURL   string
	Model     string  // tts-1
	Voice     string  // echo
	Format    string  // aac, mp3, opus, wav, pcm
	Speed     float64 // 1.0
	ChunkSize int
}

// OpenAISynthesizer streams speech from the OpenAI /audio/speech endpoint
type OpenAISynthesizer struct {
	client    oai.Client
	model     string
	voice     string
	format    string
	speed     float64
	chunkSize int
}

// NewOpenAISynthesizer creates a synthesizer
func NewOpenAISynthesizer(cfg OpenAIConfig, opts ...option.RequestOption) (*OpenAISynthesizer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai tts: apiKey must not be empty")
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	reqOpts = append(reqOpts, opts...)

	s := &OpenAISynthesizer{
		client:    oai.NewClient(reqOpts...),
		model:     cfg.Model,
		voice:     cfg.Voice,
		format:    cfg.Format,
		speed:     cfg.Speed,
		chunkSize: cfg.ChunkSize,
	}
	if s.model == "" {
		s.model = "tts-1"
	}
	if s.voice == "" {
		s.voice = "echo"
	}
	if s.format == "" {
		s.format = "aac"
	}
	if s.speed == 0 {
		s.speed = 1.0
	}
	return s, nil
}

// Stream implements Synthesizer. Audio is forwarded as it arrives, in
// chunks of the configured size.
func (s *OpenAISynthesizer) Stream(ctx context.Context, text string) (AudioStream, error) {
	streamCtx, cancel := context.WithCancel(ctx)

	resp, err := s.client.Audio.Speech.New(streamCtx, oai.AudioSpeechNewParams{
		Input:          text,
		Model:          oai.SpeechModel(s.model),
		Voice:          oai.AudioSpeechNewParamsVoice(s.voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormat(s.format),
		Speed:          oai.Float(s.speed),
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("openai tts: speech: %w", err)
	}

	return newBodyStream(resp.Body, cancel, s.chunkSize, nil), nil
}
