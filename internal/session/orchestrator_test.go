package session

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/lexiqai/voice-agent/internal/conversation"
	"github.com/lexiqai/voice-agent/internal/turnerr"
)

type harness struct {
	conn  *fakeConn
	sess  *Context
	orch  *Orchestrator
	store conversation.Store
}

func newHarness(t *testing.T, adapters Adapters, settings Settings) *harness {
	t.Helper()
	if adapters.Store == nil {
		adapters.Store = conversation.NewMemoryStore()
	}
	conn := newFakeConn()
	sess := NewContext("127.0.0.1:5000", adapters)
	t.Cleanup(func() { sess.Journal.Close(0) })
	return &harness{
		conn:  conn,
		sess:  sess,
		orch:  NewOrchestrator(sess, settings, newWriter(conn)),
		store: adapters.Store,
	}
}

func (h *harness) stored(t *testing.T) []string {
	t.Helper()
	turns, err := h.store.List(context.Background(), h.sess.ID)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	var out []string
	for _, turn := range turns {
		out = append(out, string(turn.Role)+":"+turn.Content)
	}
	return out
}

func TestRunTurn_EndToEnd(t *testing.T) {
	synth := &fakeSynth{}
	gen := &fakeGenerator{deltas: []string{"Hi", " there!"}}
	h := newHarness(t, Adapters{
		Recognizer:  &fakeRecognizer{text: "hello"},
		Generator:   gen,
		Synthesizer: synth,
	}, testSettings())

	if err := h.orch.RunTurn(context.Background(), []byte("audio")); err != nil {
		t.Fatalf("RunTurn failed: %v", err)
	}

	// empty prior history: the prompt holds only the new user turn
	req := gen.lastRequest()
	if len(req.Messages) != 1 || req.Messages[0].Role != "user" || req.Messages[0].Content != "hello" {
		t.Errorf("Expected only the user turn in the prompt, got %+v", req.Messages)
	}

	if got := synth.segments(); !reflect.DeepEqual(got, []string{"Hi there!"}) {
		t.Errorf("Expected one segment \"Hi there!\", got %q", got)
	}
	if got := h.conn.audio(); !reflect.DeepEqual(got, []string{"Hi there!#0", "Hi there!#1"}) {
		t.Errorf("Unexpected audio frames %q", got)
	}
	if got := h.stored(t); !reflect.DeepEqual(got, []string{"user:hello", "agent:Hi there!"}) {
		t.Errorf("Unexpected stored turns %q", got)
	}
	if len(h.conn.events()) != 0 {
		t.Errorf("Expected no control events, got %v", h.conn.events())
	}
	if h.orch.State() != StateIdle {
		t.Errorf("Expected idle, got %s", h.orch.State())
	}
}

func TestRunTurn_SplitDeltasFormOneSegment(t *testing.T) {
	synth := &fakeSynth{}
	h := newHarness(t, Adapters{
		Recognizer:  &fakeRecognizer{text: "hello"},
		Generator:   &fakeGenerator{deltas: []string{"Hi", " there", "!"}},
		Synthesizer: synth,
	}, testSettings())

	if err := h.orch.RunTurn(context.Background(), []byte("audio")); err != nil {
		t.Fatalf("RunTurn failed: %v", err)
	}
	if got := synth.segments(); !reflect.DeepEqual(got, []string{"Hi there!"}) {
		t.Errorf("Expected one segment \"Hi there!\", got %q", got)
	}
}

func TestRunTurn_SegmentAudioIsOrdered(t *testing.T) {
	synth := &fakeSynth{chunks: 3}
	h := newHarness(t, Adapters{
		Recognizer:  &fakeRecognizer{text: "count"},
		Generator:   &fakeGenerator{deltas: []string{"One.", " Two", ".", " Three"}},
		Synthesizer: synth,
	}, testSettings())

	if err := h.orch.RunTurn(context.Background(), []byte("audio")); err != nil {
		t.Fatalf("RunTurn failed: %v", err)
	}

	expectedSegments := []string{"One.", " Two.", " Three"}
	if got := synth.segments(); !reflect.DeepEqual(got, expectedSegments) {
		t.Fatalf("Expected segments %q, got %q", expectedSegments, got)
	}

	var expectedAudio []string
	for _, seg := range expectedSegments {
		for i := 0; i < 3; i++ {
			expectedAudio = append(expectedAudio, seg+"#"+string(rune('0'+i)))
		}
	}
	if got := h.conn.audio(); !reflect.DeepEqual(got, expectedAudio) {
		t.Errorf("Expected audio %q, got %q", expectedAudio, got)
	}
	if synth.maxOpen != 1 {
		t.Errorf("Expected one audio stream at a time, saw %d", synth.maxOpen)
	}
	if got := h.stored(t); got[1] != "agent:One. Two. Three" {
		t.Errorf("Expected full reply stored, got %q", got[1])
	}
}

func TestRunTurn_HistoryReachesGenerator(t *testing.T) {
	gen := &fakeGenerator{deltas: []string{"Sure."}}
	h := newHarness(t, Adapters{
		Recognizer:  &fakeRecognizer{},
		Generator:   gen,
		Synthesizer: &fakeSynth{},
	}, testSettings())

	h.orch.RunTurn(context.Background(), []byte("first"))
	h.orch.RunTurn(context.Background(), []byte("second"))

	req := gen.lastRequest()
	if req.SystemPrompt != "You are a helpful assistant." {
		t.Errorf("Unexpected system prompt %q", req.SystemPrompt)
	}
	var got []string
	for _, m := range req.Messages {
		got = append(got, m.Role+":"+m.Content)
	}
	expected := []string{"user:first", "assistant:Sure.", "user:second"}
	if !reflect.DeepEqual(got, expected) {
		t.Errorf("Expected messages %q, got %q", expected, got)
	}
}

func TestRunTurn_TranscriptionFailure(t *testing.T) {
	gen := &fakeGenerator{deltas: []string{"never"}}
	h := newHarness(t, Adapters{
		Recognizer:  &fakeRecognizer{err: turnerr.New(turnerr.Transcription, "whisper", errors.New("bad audio"))},
		Generator:   gen,
		Synthesizer: &fakeSynth{},
	}, testSettings())

	err := h.orch.RunTurn(context.Background(), []byte("noise"))
	if !turnerr.Is(err, turnerr.Transcription) {
		t.Fatalf("Expected transcription error, got %v", err)
	}

	if len(gen.requests) != 0 {
		t.Error("Expected generation to be skipped")
	}
	if got := h.stored(t); len(got) != 0 {
		t.Errorf("Expected nothing stored, got %q", got)
	}
	evs := h.conn.eventsOfType(EventTurnError)
	if len(evs) != 1 || evs[0].Code != "transcription_error" {
		t.Errorf("Expected one transcription_error event, got %v", evs)
	}
	if h.orch.State() != StateIdle {
		t.Errorf("Expected idle after failure, got %s", h.orch.State())
	}
}

func TestRunTurn_UnclassifiedRecognizerErrorIsTranscription(t *testing.T) {
	h := newHarness(t, Adapters{
		Recognizer:  &fakeRecognizer{err: errors.New("boom")},
		Generator:   &fakeGenerator{},
		Synthesizer: &fakeSynth{},
	}, testSettings())

	if err := h.orch.RunTurn(context.Background(), []byte("x")); !turnerr.Is(err, turnerr.Transcription) {
		t.Errorf("Expected transcription error, got %v", err)
	}
}

func TestRunTurn_GenerationFailureKeepsPartialReply(t *testing.T) {
	h := newHarness(t, Adapters{
		Recognizer:  &fakeRecognizer{text: "tell me"},
		Generator:   &fakeGenerator{deltas: []string{"Hello.", " And"}, err: errors.New("stream reset")},
		Synthesizer: &fakeSynth{},
	}, testSettings())

	err := h.orch.RunTurn(context.Background(), []byte("audio"))
	if !turnerr.Is(err, turnerr.Generation) {
		t.Fatalf("Expected generation error, got %v", err)
	}

	// audio already sent stands
	if got := h.conn.audio(); !reflect.DeepEqual(got, []string{"Hello.#0", "Hello.#1"}) {
		t.Errorf("Unexpected audio %q", got)
	}
	if got := h.stored(t); !reflect.DeepEqual(got, []string{"user:tell me", "agent:Hello. And"}) {
		t.Errorf("Expected partial reply stored, got %q", got)
	}
	evs := h.conn.eventsOfType(EventTurnError)
	if len(evs) != 1 || evs[0].Code != "generation_error" {
		t.Errorf("Expected generation_error event, got %v", evs)
	}
}

func TestRunTurn_GenerationOpenFailure(t *testing.T) {
	h := newHarness(t, Adapters{
		Recognizer:  &fakeRecognizer{text: "hi"},
		Generator:   &fakeGenerator{openErr: errors.New("401 unauthorized")},
		Synthesizer: &fakeSynth{},
	}, testSettings())

	if err := h.orch.RunTurn(context.Background(), []byte("audio")); !turnerr.Is(err, turnerr.Generation) {
		t.Fatalf("Expected generation error, got %v", err)
	}
	if got := h.stored(t); !reflect.DeepEqual(got, []string{"user:hi"}) {
		t.Errorf("Expected only the user turn, got %q", got)
	}
}

func TestRunTurn_SynthesisFailure(t *testing.T) {
	gen := &fakeGenerator{deltas: []string{"First.", " Second."}}
	synth := &fakeSynth{failOn: " Second."}
	h := newHarness(t, Adapters{
		Recognizer:  &fakeRecognizer{text: "go"},
		Generator:   gen,
		Synthesizer: synth,
	}, testSettings())

	err := h.orch.RunTurn(context.Background(), []byte("audio"))
	if !turnerr.Is(err, turnerr.Synthesis) {
		t.Fatalf("Expected synthesis error, got %v", err)
	}
	if got := h.conn.audio(); !reflect.DeepEqual(got, []string{"First.#0", "First.#1"}) {
		t.Errorf("Expected first segment audio only, got %q", got)
	}
	if !gen.streams[0].isClosed() {
		t.Error("Expected delta stream to be closed")
	}
	if got := h.stored(t); got[len(got)-1] != "agent:First. Second." {
		t.Errorf("Expected partial reply stored, got %q", got)
	}
}

func TestRunTurn_AudioRecvFailureClosesStream(t *testing.T) {
	synth := &fakeSynth{recvErr: errors.New("connection reset by peer")}
	h := newHarness(t, Adapters{
		Recognizer:  &fakeRecognizer{text: "go"},
		Generator:   &fakeGenerator{deltas: []string{"Hi."}},
		Synthesizer: synth,
	}, testSettings())

	if err := h.orch.RunTurn(context.Background(), []byte("audio")); !turnerr.Is(err, turnerr.Synthesis) {
		t.Fatalf("Expected synthesis error, got %v", err)
	}
	if synth.open != 0 {
		t.Errorf("Expected every audio stream closed, %d still open", synth.open)
	}
}

func TestRunTurn_DeltaTimeout(t *testing.T) {
	settings := testSettings()
	settings.DeltaTimeout = 20 * time.Millisecond
	h := newHarness(t, Adapters{
		Recognizer:  &fakeRecognizer{text: "slow"},
		Generator:   &fakeGenerator{deltas: []string{"Thinking"}, block: true},
		Synthesizer: &fakeSynth{},
	}, settings)

	err := h.orch.RunTurn(context.Background(), []byte("audio"))
	if !turnerr.Is(err, turnerr.Timeout) {
		t.Fatalf("Expected timeout, got %v", err)
	}

	evs := h.conn.eventsOfType(EventTurnError)
	if len(evs) != 1 || evs[0].Code != "timeout" {
		t.Errorf("Expected timeout event, got %v", evs)
	}
	// the buffered text was never spoken but is still part of the reply
	if len(h.conn.audio()) != 0 {
		t.Errorf("Expected no audio, got %q", h.conn.audio())
	}
	if got := h.stored(t); got[len(got)-1] != "agent:Thinking" {
		t.Errorf("Expected partial reply stored, got %q", got)
	}
}

func TestRunTurn_TranscribeTimeout(t *testing.T) {
	settings := testSettings()
	settings.TranscribeTimeout = 20 * time.Millisecond
	h := newHarness(t, Adapters{
		Recognizer:  &fakeRecognizer{release: make(chan struct{})},
		Generator:   &fakeGenerator{},
		Synthesizer: &fakeSynth{},
	}, settings)

	if err := h.orch.RunTurn(context.Background(), []byte("audio")); !turnerr.Is(err, turnerr.Timeout) {
		t.Errorf("Expected timeout, got %v", err)
	}
}

func TestRunTurn_AtMostOneInFlight(t *testing.T) {
	rec := &fakeRecognizer{text: "wait", started: make(chan struct{}, 1), release: make(chan struct{})}
	h := newHarness(t, Adapters{
		Recognizer:  rec,
		Generator:   &fakeGenerator{deltas: []string{"ok."}},
		Synthesizer: &fakeSynth{},
	}, testSettings())

	errc := make(chan error, 1)
	go func() { errc <- h.orch.RunTurn(context.Background(), []byte("one")) }()
	<-rec.started

	if h.orch.State() != StateTranscribing {
		t.Errorf("Expected transcribing, got %s", h.orch.State())
	}
	if err := h.orch.RunTurn(context.Background(), []byte("two")); !errors.Is(err, ErrTurnInFlight) {
		t.Errorf("Expected ErrTurnInFlight, got %v", err)
	}

	close(rec.release)
	if err := <-errc; err != nil {
		t.Fatalf("First turn failed: %v", err)
	}
	if err := h.orch.RunTurn(context.Background(), []byte("three")); err != nil {
		t.Errorf("Expected a new turn to start once idle, got %v", err)
	}
}

func TestRunTurn_CancelledTurnStoresNoReply(t *testing.T) {
	gen := &fakeGenerator{deltas: []string{"Partial"}, block: true}
	settings := testSettings()
	settings.DeltaTimeout = 0
	h := newHarness(t, Adapters{
		Recognizer:  &fakeRecognizer{text: "bye"},
		Generator:   gen,
		Synthesizer: &fakeSynth{},
	}, settings)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.orch.RunTurn(ctx, []byte("audio")) }()

	waitFor(t, "generation to start", func() bool { return h.orch.State() == StateGenerating })
	cancel()

	err := <-errc
	if !turnerr.Is(err, turnerr.Connection) {
		t.Fatalf("Expected connection error, got %v", err)
	}
	if got := h.stored(t); !reflect.DeepEqual(got, []string{"user:bye"}) {
		t.Errorf("Expected only the user turn, got %q", got)
	}
	if evs := h.conn.eventsOfType(EventTurnError); len(evs) != 0 {
		t.Errorf("Expected no turn.error on disconnect, got %v", evs)
	}
	if !gen.streams[0].isClosed() {
		t.Error("Expected delta stream to be closed")
	}
}

func TestRunTurn_PersistenceFailureIsNotFatal(t *testing.T) {
	store := &flakyStore{MemoryStore: conversation.NewMemoryStore(), failing: true}
	gen := &fakeGenerator{deltas: []string{"Still here."}}
	h := newHarness(t, Adapters{
		Recognizer:  &fakeRecognizer{text: "are you there"},
		Generator:   gen,
		Synthesizer: &fakeSynth{},
		Store:       store,
	}, testSettings())

	if err := h.orch.RunTurn(context.Background(), []byte("audio")); err != nil {
		t.Fatalf("Expected turn to succeed despite store failure, got %v", err)
	}
	if len(h.conn.audio()) != 2 {
		t.Errorf("Expected reply audio, got %q", h.conn.audio())
	}
	if len(h.conn.events()) != 0 {
		t.Errorf("Expected no error events, got %v", h.conn.events())
	}

	req := gen.lastRequest()
	if len(req.Messages) != 1 || req.Messages[0].Content != "are you there" {
		t.Errorf("Expected prompt built from local history, got %+v", req.Messages)
	}

	// once the store recovers the backlog is written in order
	store.setFailing(false)
	waitFor(t, "backlog to drain", func() bool { return h.sess.Journal.Backlog() == 0 })
	if got := h.stored(t); !reflect.DeepEqual(got, []string{"user:are you there", "agent:Still here."}) {
		t.Errorf("Unexpected stored turns %q", got)
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateIdle:         "idle",
		StateTranscribing: "transcribing",
		StateGenerating:   "generating",
		StateFinalizing:   "finalizing",
		StateFaulted:      "faulted",
		State(42):         "unknown",
	}
	for state, expected := range tests {
		if state.String() != expected {
			t.Errorf("Expected %q, got %q", expected, state.String())
		}
	}
}
