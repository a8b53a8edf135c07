package stt

import (
	"bytes"
	"context"
	"fmt"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/rest"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

// DeepgramRecognizer transcribes whole utterances with Deepgram's
// pre-recorded API
type DeepgramRecognizer struct {
	client   *api.Client
	model    string
	language string
}

// DeepgramConfig configures a DeepgramRecognizer
type DeepgramConfig struct {
	APIKey   string
	Model    string // nova-2, enhanced, base
	Language string
	Host     string // empty uses api.deepgram.com
}

// NewDeepgramRecognizer creates a recognizer
func NewDeepgramRecognizer(cfg DeepgramConfig) (*DeepgramRecognizer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("deepgram: apiKey must not be empty")
	}

	c := listenClient.NewREST(cfg.APIKey, &interfaces.ClientOptions{Host: cfg.Host})
	return &DeepgramRecognizer{
		client:   api.New(c),
		model:    cfg.Model,
		language: cfg.Language,
	}, nil
}

// Transcribe implements Recognizer
func (d *DeepgramRecognizer) Transcribe(ctx context.Context, utterance []byte) (string, error) {
	opts := &interfaces.PreRecordedTranscriptionOptions{
		Model:       d.model,
		Language:    d.language,
		Punctuate:   true,
		SmartFormat: true,
	}

	res, err := d.client.FromStream(ctx, bytes.NewReader(utterance), opts)
	if err != nil {
		return "", fmt.Errorf("deepgram: transcribe: %w", err)
	}
	if res == nil || res.Results == nil || len(res.Results.Channels) == 0 {
		return "", nil
	}

	alts := res.Results.Channels[0].Alternatives
	if len(alts) == 0 {
		return "", nil
	}
	return alts[0].Transcript, nil
}
