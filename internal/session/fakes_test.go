package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lexiqai/voice-agent/internal/conversation"
	"github.com/lexiqai/voice-agent/internal/llm"
	"github.com/lexiqai/voice-agent/internal/tts"
)

type frame struct {
	mt   int
	data []byte
}

// fakeConn is an in-memory WebSocket; tests push client frames into in
type fakeConn struct {
	in     chan frame
	closed chan struct{}
	once   sync.Once

	mu  sync.Mutex
	out []frame
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan frame, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case f, ok := <-c.in:
		if !ok {
			return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
		}
		return f.mt, f.data, nil
	case <-c.closed:
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (c *fakeConn) WriteMessage(mt int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("use of closed network connection")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = append(c.out, frame{mt: mt, data: append([]byte(nil), data...)})
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) audio() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, f := range c.out {
		if f.mt == websocket.BinaryMessage {
			out = append(out, string(f.data))
		}
	}
	return out
}

func (c *fakeConn) events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, f := range c.out {
		if f.mt != websocket.TextMessage {
			continue
		}
		var ev Event
		if err := json.Unmarshal(f.data, &ev); err == nil {
			out = append(out, ev)
		}
	}
	return out
}

func (c *fakeConn) eventsOfType(typ string) []Event {
	var out []Event
	for _, ev := range c.events() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type fakeRecognizer struct {
	text    string
	err     error
	started chan struct{} // signalled when a transcription begins
	release chan struct{} // when set, transcription waits for it
}

func (r *fakeRecognizer) Transcribe(ctx context.Context, utterance []byte) (string, error) {
	if r.started != nil {
		select {
		case r.started <- struct{}{}:
		default:
		}
	}
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if r.err != nil {
		return "", r.err
	}
	if r.text != "" {
		return r.text, nil
	}
	return string(utterance), nil
}

type fakeGenerator struct {
	deltas  []string
	err     error // returned after the deltas
	block   bool  // after the deltas, wait for the context
	openErr error

	mu       sync.Mutex
	requests []llm.Request
	streams  []*fakeDeltaStream
}

func (g *fakeGenerator) Stream(ctx context.Context, req llm.Request) (llm.DeltaStream, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.openErr != nil {
		return nil, g.openErr
	}
	s := &fakeDeltaStream{deltas: append([]string(nil), g.deltas...), err: g.err, block: g.block}
	g.streams = append(g.streams, s)
	return s, nil
}

func (g *fakeGenerator) lastRequest() llm.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests[len(g.requests)-1]
}

type fakeDeltaStream struct {
	deltas []string
	err    error
	block  bool

	mu     sync.Mutex
	closed bool
}

func (s *fakeDeltaStream) Recv(ctx context.Context) (string, error) {
	if len(s.deltas) > 0 {
		d := s.deltas[0]
		s.deltas = s.deltas[1:]
		return d, nil
	}
	if s.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *fakeDeltaStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeDeltaStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fakeSynth emits chunks named "<text>#<n>"
type fakeSynth struct {
	chunks  int
	failOn  string
	recvErr error // returned instead of the second chunk

	mu      sync.Mutex
	texts   []string
	open    int
	maxOpen int
}

func (s *fakeSynth) Stream(ctx context.Context, text string) (tts.AudioStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	if text == s.failOn {
		return nil, errors.New("voice not found")
	}
	s.open++
	if s.open > s.maxOpen {
		s.maxOpen = s.open
	}
	n := s.chunks
	if n == 0 {
		n = 2
	}
	return &fakeAudio{synth: s, text: text, n: n}, nil
}

func (s *fakeSynth) segments() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

type fakeAudio struct {
	synth *fakeSynth
	text  string
	n, i  int
	once  sync.Once
}

func (a *fakeAudio) Recv(ctx context.Context) ([]byte, error) {
	if a.i == 1 && a.synth.recvErr != nil {
		return nil, a.synth.recvErr
	}
	if a.i >= a.n {
		return nil, io.EOF
	}
	chunk := fmt.Sprintf("%s#%d", a.text, a.i)
	a.i++
	return []byte(chunk), nil
}

func (a *fakeAudio) Close() error {
	a.once.Do(func() {
		a.synth.mu.Lock()
		a.synth.open--
		a.synth.mu.Unlock()
	})
	return nil
}

// flakyStore fails every Append while failing is set
type flakyStore struct {
	*conversation.MemoryStore

	mu      sync.Mutex
	failing bool
}

func (s *flakyStore) setFailing(v bool) {
	s.mu.Lock()
	s.failing = v
	s.mu.Unlock()
}

func (s *flakyStore) Append(ctx context.Context, conversationID string, role conversation.Role, content string) (conversation.Turn, error) {
	s.mu.Lock()
	failing := s.failing
	s.mu.Unlock()
	if failing {
		return conversation.Turn{}, errors.New("connection refused")
	}
	return s.MemoryStore.Append(ctx, conversationID, role, content)
}

func testSettings() Settings {
	return Settings{
		SystemPrompt:        "You are a helpful assistant.",
		SegmentThreshold:    64,
		SegmentTerminators:  ".?!;:\n",
		QueueSize:           8,
		TranscribeTimeout:   time.Second,
		DeltaTimeout:        time.Second,
		ChunkTimeout:        time.Second,
		PersistDrainTimeout: 100 * time.Millisecond,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}
