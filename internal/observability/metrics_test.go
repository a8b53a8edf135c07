package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSessionMetrics_Turns(t *testing.T) {
	m := NewSessionMetrics("s1")

	// first audio before any turn is ignored
	m.RecordFirstAudio()

	m.RecordTurnStart()
	m.RecordFirstAudio()
	m.RecordFirstAudio()
	m.RecordTurnEnd(OutcomeCompleted)
	m.RecordTurnStart()

	if m.Turns() != 2 {
		t.Errorf("Expected 2 turns, got %d", m.Turns())
	}
}

func TestSessionMetrics_TurnOutcome(t *testing.T) {
	m := NewSessionMetrics("s2")
	before := testutil.ToFloat64(turnsTotal.WithLabelValues(OutcomeFaulted))

	m.RecordTurnStart()
	m.ObservePhase(PhaseTranscribe, 20*time.Millisecond)
	m.RecordTurnEnd(OutcomeFaulted)

	if got := testutil.ToFloat64(turnsTotal.WithLabelValues(OutcomeFaulted)); got != before+1 {
		t.Errorf("Expected faulted counter %v, got %v", before+1, got)
	}
}

func TestSessionMetrics_AudioBytes(t *testing.T) {
	m := NewSessionMetrics("s3")
	before := testutil.ToFloat64(audioBytesProcessed.WithLabelValues("out"))

	m.RecordAudioBytes("out", 5120)

	if got := testutil.ToFloat64(audioBytesProcessed.WithLabelValues("out")); got != before+5120 {
		t.Errorf("Expected %v bytes, got %v", before+5120, got)
	}
}
