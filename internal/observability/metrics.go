package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline phases observed by PhaseLatency
const (
	PhaseTranscribe      = "transcribe"
	PhaseFirstDelta      = "first_delta"
	PhaseFirstAudioChunk = "first_audio_chunk"
	PhasePersist         = "persist"
)

// Turn outcomes
const (
	OutcomeCompleted = "completed"
	OutcomeFaulted   = "faulted"
	OutcomeCancelled = "cancelled"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_agent_active_sessions",
		Help: "Number of open voice sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_agent_sessions_total",
		Help: "Total number of sessions accepted",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_agent_session_duration_seconds",
		Help:    "Duration of voice sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	// Turn metrics
	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_agent_turns_total",
		Help: "Total number of turns by outcome",
	}, []string{"outcome"})

	turnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_agent_turn_duration_seconds",
		Help:    "Time from utterance receipt to the end of the reply",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40},
	})

	timeToFirstAudio = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_agent_time_to_first_audio_seconds",
		Help:    "Time from utterance receipt to the first audio chunk sent",
		Buckets: []float64{0.25, 0.5, 0.75, 1.0, 1.5, 2.0, 3.0, 5.0},
	})

	phaseLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voice_agent_phase_latency_seconds",
		Help:    "Latency of individual pipeline phases",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	}, []string{"phase"})

	segmentsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_agent_segments_total",
		Help: "Total number of text segments sent to synthesis",
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_agent_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Persistence metrics
	persistRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_agent_persist_retries_total",
		Help: "Total number of conversation writes retried in the background",
	})

	persistBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_agent_persist_backlog",
		Help: "Conversation writes waiting for the store across all sessions",
	})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_agent_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_agent_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_agent_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"
)

// SessionMetrics tracks metrics for a single connection
type SessionMetrics struct {
	sessionID string
	startTime time.Time

	mu         sync.Mutex
	turnStart  time.Time
	firstAudio bool
	turns      int
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *SessionMetrics {
	return &SessionMetrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a session
func (m *SessionMetrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a session
func (m *SessionMetrics) RecordSessionEnd() {
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordTurnStart marks receipt of an utterance
func (m *SessionMetrics) RecordTurnStart() {
	m.mu.Lock()
	m.turnStart = time.Now()
	m.firstAudio = false
	m.turns++
	m.mu.Unlock()
}

// RecordFirstAudio observes time-to-first-audio once per turn
func (m *SessionMetrics) RecordFirstAudio() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.firstAudio || m.turnStart.IsZero() {
		return
	}
	m.firstAudio = true
	timeToFirstAudio.Observe(time.Since(m.turnStart).Seconds())
}

// RecordTurnEnd records the outcome of the current turn
func (m *SessionMetrics) RecordTurnEnd(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.turnStart.IsZero() {
		turnDuration.Observe(time.Since(m.turnStart).Seconds())
	}
	turnsTotal.WithLabelValues(outcome).Inc()
}

// ObservePhase records how long one pipeline phase took
func (m *SessionMetrics) ObservePhase(phase string, d time.Duration) {
	phaseLatency.WithLabelValues(phase).Observe(d.Seconds())
}

// RecordSegment counts a segment handed to synthesis
func (m *SessionMetrics) RecordSegment() {
	segmentsTotal.Inc()
}

// RecordError records an error
func (m *SessionMetrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAudioBytes records audio bytes processed
func (m *SessionMetrics) RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// Turns returns the number of turns started on this session
func (m *SessionMetrics) Turns() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.turns
}

// RecordPersistRetry counts a background store retry
func RecordPersistRetry() {
	persistRetries.Inc()
}

// AddPersistBacklog adjusts the pending write gauge by delta
func AddPersistBacklog(delta int) {
	persistBacklog.Add(float64(delta))
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
