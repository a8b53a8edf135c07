package stt

import (
	"bytes"
	"context"
	"fmt"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// WhisperRecognizer transcribes through an OpenAI-compatible
// /audio/transcriptions endpoint (Groq by default)
type WhisperRecognizer struct {
	client   oai.Client
	model    string
	language string
}

// WhisperConfig configures a WhisperRecognizer
type WhisperConfig struct {
	APIKey   string
	BaseURL  string // empty uses the OpenAI default
	Model    string
	Language string
}

// NewWhisperRecognizer creates a recognizer. The request options are
// appended after the defaults, mainly for tests.
func NewWhisperRecognizer(cfg WhisperConfig, opts ...option.RequestOption) (*WhisperRecognizer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("whisper: apiKey must not be empty")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("whisper: model must not be empty")
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	reqOpts = append(reqOpts, opts...)

	return &WhisperRecognizer{
		client:   oai.NewClient(reqOpts...),
		model:    cfg.Model,
		language: cfg.Language,
	}, nil
}

// Transcribe implements Recognizer. The utterance is uploaded as audio.wav;
// the provider sniffs the real container format.
func (w *WhisperRecognizer) Transcribe(ctx context.Context, utterance []byte) (string, error) {
	params := oai.AudioTranscriptionNewParams{
		File:        oai.File(bytes.NewReader(utterance), "audio.wav", "audio/wav"),
		Model:       oai.AudioModel(w.model),
		Temperature: oai.Float(0),
	}
	if w.language != "" {
		params.Language = oai.String(w.language)
	}

	resp, err := w.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("whisper: transcribe: %w", err)
	}
	return resp.Text, nil
}
