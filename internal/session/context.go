// Package session runs voice conversations over a WebSocket, one turn at a
// time: transcribe the utterance, stream a reply, speak it segment by
// segment and record both sides of the exchange.
package session

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-agent/internal/config"
	"github.com/lexiqai/voice-agent/internal/conversation"
	"github.com/lexiqai/voice-agent/internal/llm"
	"github.com/lexiqai/voice-agent/internal/observability"
	"github.com/lexiqai/voice-agent/internal/stt"
	"github.com/lexiqai/voice-agent/internal/tts"
)

// Adapters are the providers a session talks to. They are shared by every
// session and must be safe for concurrent use.
type Adapters struct {
	Recognizer  stt.Recognizer
	Generator   llm.Generator
	Synthesizer tts.Synthesizer
	Store       conversation.Store
}

// Settings tune turn handling. A zero timeout disables that bound.
type Settings struct {
	SystemPrompt        string
	SegmentThreshold    int
	SegmentTerminators  string
	QueueSize           int
	MaxUtteranceBytes   int64
	TranscribeTimeout   time.Duration
	DeltaTimeout        time.Duration
	ChunkTimeout        time.Duration
	PersistDrainTimeout time.Duration
}

// SettingsFromConfig extracts the session settings from cfg
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		SystemPrompt:        cfg.SystemPrompt,
		SegmentThreshold:    cfg.SegmentThreshold,
		SegmentTerminators:  cfg.SegmentTerminators,
		QueueSize:           cfg.UtteranceQueueSize,
		MaxUtteranceBytes:   cfg.MaxUtteranceBytes,
		TranscribeTimeout:   cfg.TranscribeTimeout(),
		DeltaTimeout:        cfg.DeltaTimeout(),
		ChunkTimeout:        cfg.ChunkTimeout(),
		PersistDrainTimeout: cfg.PersistDrainTimeout(),
	}
}

// Context is everything that belongs to one accepted connection. It is
// created on accept and discarded when the connection ends.
type Context struct {
	ID         string // also the conversation id
	RemoteAddr string
	CreatedAt  time.Time
	Logger     zerolog.Logger
	Metrics    *observability.SessionMetrics
	Journal    *conversation.Journal
	Adapters   Adapters
}

// NewContext creates a session with a fresh id and starts its journal
func NewContext(remoteAddr string, adapters Adapters) *Context {
	id := uuid.New().String()
	logger := observability.SessionLogger(id, remoteAddr)
	metrics := observability.NewSessionMetrics(id)

	journal := conversation.NewJournal(adapters.Store, id, logger, nil, conversation.JournalHooks{
		OnRetry: func(err error) {
			observability.RecordPersistRetry()
			metrics.RecordError("persistence_error", "store")
		},
		OnBacklog: observability.AddPersistBacklog,
	})

	return &Context{
		ID:         id,
		RemoteAddr: remoteAddr,
		CreatedAt:  time.Now(),
		Logger:     logger,
		Metrics:    metrics,
		Journal:    journal,
		Adapters:   adapters,
	}
}
