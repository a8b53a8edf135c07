package session

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/lexiqai/voice-agent/internal/conversation"
	"github.com/lexiqai/voice-agent/internal/llm"
	"github.com/lexiqai/voice-agent/internal/observability"
	"github.com/lexiqai/voice-agent/internal/segmenter"
	"github.com/lexiqai/voice-agent/internal/tts"
	"github.com/lexiqai/voice-agent/internal/turnerr"
)

// State is the phase of the turn currently in flight
type State int

const (
	StateIdle State = iota
	StateTranscribing
	StateGenerating
	StateFinalizing
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTranscribing:
		return "transcribing"
	case StateGenerating:
		return "generating"
	case StateFinalizing:
		return "finalizing"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// ErrTurnInFlight is returned by RunTurn while another turn is running
var ErrTurnInFlight = errors.New("turn already in flight")

// Orchestrator drives the turns of one session. Turns never overlap.
type Orchestrator struct {
	sess     *Context
	settings Settings
	out      *writer
	seg      *segmenter.Segmenter

	mu       sync.Mutex
	state    State
	inFlight bool
}

// NewOrchestrator creates an orchestrator that writes to out
func NewOrchestrator(sess *Context, settings Settings, out *writer) *Orchestrator {
	var opts []segmenter.Option
	if settings.SegmentThreshold > 0 {
		opts = append(opts, segmenter.WithThreshold(settings.SegmentThreshold))
	}
	if settings.SegmentTerminators != "" {
		opts = append(opts, segmenter.WithTerminators(settings.SegmentTerminators))
	}
	return &Orchestrator{
		sess:     sess,
		settings: settings,
		out:      out,
		seg:      segmenter.New(opts...),
	}
}

// State returns the current turn phase
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	prev := o.state
	o.state = s
	o.mu.Unlock()
	o.sess.Logger.Debug().Str("from", prev.String()).Str("to", s.String()).Msg("Turn state changed")
}

func (o *Orchestrator) acquire() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inFlight {
		return false
	}
	o.inFlight = true
	return true
}

func (o *Orchestrator) done() {
	o.mu.Lock()
	o.inFlight = false
	o.state = StateIdle
	o.mu.Unlock()
}

// RunTurn handles one utterance end to end. Provider failures are reported
// to the client and returned; the orchestrator is idle again either way.
// A Connection or context error means the session cannot continue.
func (o *Orchestrator) RunTurn(ctx context.Context, utterance []byte) error {
	if !o.acquire() {
		return ErrTurnInFlight
	}
	defer o.done()

	m := o.sess.Metrics
	m.RecordTurnStart()
	turnStart := time.Now()

	o.setState(StateTranscribing)
	text, err := o.transcribe(ctx, utterance)
	if err != nil {
		return o.fail(ctx, err, "")
	}
	o.sess.Logger.Info().Str("transcript", text).Msg("Utterance transcribed")

	o.persist(ctx, conversation.RoleUser, text)
	history, err := o.sess.Journal.History(ctx)
	if err != nil {
		o.sess.Logger.Warn().Err(err).Msg("Listing history failed, using local copy")
		m.RecordError(turnerr.Persistence.String(), "store")
	}

	o.setState(StateGenerating)
	reply, err := o.respond(ctx, history, turnStart)
	if err != nil {
		return o.fail(ctx, err, reply)
	}

	o.setState(StateFinalizing)
	o.persist(ctx, conversation.RoleAgent, reply)

	m.RecordTurnEnd(observability.OutcomeCompleted)
	o.sess.Logger.Info().
		Int("reply_chars", len(reply)).
		Dur("duration", time.Since(turnStart)).
		Msg("Turn completed")
	return nil
}

func (o *Orchestrator) transcribe(ctx context.Context, utterance []byte) (string, error) {
	start := time.Now()
	tctx, cancel := withTimeout(ctx, o.settings.TranscribeTimeout)
	defer cancel()

	text, err := o.sess.Adapters.Recognizer.Transcribe(tctx, utterance)
	o.sess.Metrics.ObservePhase(observability.PhaseTranscribe, time.Since(start))
	if err != nil {
		return "", turnerr.Classify(turnerr.Transcription, "transcribe", err)
	}
	return text, nil
}

// respond streams the reply and speaks it. On failure it returns the text
// generated so far along with the error.
func (o *Orchestrator) respond(ctx context.Context, history []conversation.Turn, turnStart time.Time) (string, error) {
	stream, err := o.sess.Adapters.Generator.Stream(ctx, llm.Request{
		SystemPrompt: o.settings.SystemPrompt,
		Messages:     llm.FromHistory(history),
	})
	if err != nil {
		return "", turnerr.Classify(turnerr.Generation, "open reply stream", err)
	}
	defer stream.Close()

	sp := o.openSpeech(turnStart)
	defer sp.release()

	var reply strings.Builder
	first := true
	for {
		delta, err := o.recvDelta(ctx, stream)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return reply.String(), err
		}
		if first {
			first = false
			o.sess.Metrics.ObservePhase(observability.PhaseFirstDelta, time.Since(turnStart))
		}

		reply.WriteString(delta)
		for _, seg := range sp.seg.Feed(delta) {
			if err := sp.speak(ctx, seg); err != nil {
				return reply.String(), err
			}
		}
	}

	o.setState(StateFinalizing)
	for _, seg := range sp.seg.Flush() {
		if err := sp.speak(ctx, seg); err != nil {
			return reply.String(), err
		}
	}
	return reply.String(), nil
}

func (o *Orchestrator) recvDelta(ctx context.Context, stream llm.DeltaStream) (string, error) {
	rctx, cancel := withTimeout(ctx, o.settings.DeltaTimeout)
	defer cancel()

	delta, err := stream.Recv(rctx)
	if err != nil && !errors.Is(err, io.EOF) {
		return "", turnerr.Classify(turnerr.Generation, "receive delta", err)
	}
	return delta, err
}

// fail ends a turn that could not complete. Unless the session itself is
// going away, the client is told and any partial reply is kept.
func (o *Orchestrator) fail(ctx context.Context, err error, partial string) error {
	m := o.sess.Metrics
	logger := o.sess.Logger

	if ctx.Err() != nil || turnerr.Is(err, turnerr.Connection) {
		m.RecordTurnEnd(observability.OutcomeCancelled)
		logger.Info().Err(err).Msg("Turn abandoned, connection closed")
		if ctx.Err() != nil {
			return turnerr.New(turnerr.Connection, "turn", errors.Join(ctx.Err(), err))
		}
		return err
	}

	o.setState(StateFaulted)
	kind := turnerr.KindOf(err)
	m.RecordError(kind.String(), "turn")
	m.RecordTurnEnd(observability.OutcomeFaulted)
	logger.Error().Err(err).Str("kind", kind.String()).Int("partial_chars", len(partial)).Msg("Turn failed")

	if partial != "" {
		o.persist(ctx, conversation.RoleAgent, partial)
	}
	if werr := o.out.event(turnErrorEvent(err)); werr != nil {
		logger.Warn().Err(werr).Msg("Failed to send turn error")
	}
	return err
}

// persist records a turn. Store failures never fail the turn; the journal
// keeps retrying in the background.
func (o *Orchestrator) persist(ctx context.Context, role conversation.Role, content string) {
	start := time.Now()
	t, err := o.sess.Journal.Append(ctx, role, content)
	o.sess.Metrics.ObservePhase(observability.PhasePersist, time.Since(start))
	if err != nil {
		o.sess.Metrics.RecordError(turnerr.Persistence.String(), "store")
		o.sess.Logger.Warn().Err(err).Str("role", string(role)).Msg("Turn not stored yet")
		return
	}
	o.sess.Logger.Debug().Int64("turn_id", t.ID).Str("role", string(role)).Msg("Turn stored")
}

// speech is the synthesis scope of one reply. release must run on every
// exit path so no buffered text or open audio stream outlives the turn.
type speech struct {
	o         *Orchestrator
	seg       *segmenter.Segmenter
	stream    tts.AudioStream
	turnStart time.Time
}

func (o *Orchestrator) openSpeech(turnStart time.Time) *speech {
	o.seg.Reset()
	return &speech{o: o, seg: o.seg, turnStart: turnStart}
}

func (s *speech) release() {
	s.seg.Reset()
	if s.stream != nil {
		s.stream.Close()
		s.stream = nil
	}
}

// speak synthesizes one segment and sends all of its audio before returning
func (s *speech) speak(ctx context.Context, text string) error {
	o := s.o
	m := o.sess.Metrics
	m.RecordSegment()

	start := time.Now()
	stream, err := o.sess.Adapters.Synthesizer.Stream(ctx, text)
	if err != nil {
		return turnerr.Classify(turnerr.Synthesis, "open audio stream", err)
	}
	s.stream = stream
	defer func() {
		stream.Close()
		s.stream = nil
	}()

	first := true
	for {
		chunk, err := o.recvChunk(ctx, stream)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if len(chunk) == 0 {
			continue
		}

		if err := o.out.audio(chunk); err != nil {
			return turnerr.New(turnerr.Connection, "send audio", err)
		}
		if first {
			first = false
			m.ObservePhase(observability.PhaseFirstAudioChunk, time.Since(start))
			m.RecordFirstAudio()
		}
		m.RecordAudioBytes("out", int64(len(chunk)))
	}
}

func (o *Orchestrator) recvChunk(ctx context.Context, stream tts.AudioStream) ([]byte, error) {
	rctx, cancel := withTimeout(ctx, o.settings.ChunkTimeout)
	defer cancel()

	chunk, err := stream.Recv(rctx)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, turnerr.Classify(turnerr.Synthesis, "receive audio", err)
	}
	return chunk, err
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
