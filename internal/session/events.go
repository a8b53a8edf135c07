package session

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/lexiqai/voice-agent/internal/turnerr"
)

// Control event types sent as text frames
const (
	EventSessionCreated = "session.created"
	EventTurnError      = "turn.error"
	EventProtocolError  = "protocol.error"
)

// Protocol error codes
const (
	CodeUnexpectedText = "unexpected_text_frame"
	CodeEmptyUtterance = "empty_utterance"
	CodeQueueFull      = "queue_full"
)

// Event is a JSON control message for the client
type Event struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Conn is the part of *websocket.Conn a session uses
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// writer serializes writes; gorilla connections allow one concurrent writer
type writer struct {
	mu   sync.Mutex
	conn Conn
}

func newWriter(conn Conn) *writer {
	return &writer{conn: conn}
}

func (w *writer) audio(chunk []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.BinaryMessage, chunk)
}

func (w *writer) event(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func turnErrorEvent(err error) Event {
	kind := turnerr.KindOf(err)
	return Event{Type: EventTurnError, Code: kind.String(), Message: turnErrorMessage(kind)}
}

func turnErrorMessage(kind turnerr.Kind) string {
	switch kind {
	case turnerr.Transcription:
		return "could not transcribe the utterance"
	case turnerr.Generation:
		return "could not generate a reply"
	case turnerr.Synthesis:
		return "could not synthesize the reply"
	case turnerr.Timeout:
		return "a provider took too long to respond"
	default:
		return "the turn failed"
	}
}
