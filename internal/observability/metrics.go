package observability

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "speaker_gateway_active_sessions",
		Help: "Number of transcription sessions currently active",
	})

	totalSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speaker_gateway_sessions_total",
		Help: "Total number of sessions by termination reason",
	}, []string{"reason"})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "speaker_gateway_session_duration_seconds",
		Help:    "Duration of transcription sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	})

	speechSegments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speaker_gateway_speech_activity_total",
		Help: "Voice activity transitions on live audio",
	}, []string{"event"}) // event: "start" or "end"

	// Transcript metrics
	utterancesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speaker_gateway_utterances_total",
		Help: "Total utterances processed",
	}, []string{"kind"}) // kind: "interim" or "final"

	speakersResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speaker_gateway_speakers_resolved_total",
		Help: "Speakers added to a session registry",
	}, []string{"source"}) // source: "introduction" or "placeholder"

	malformedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speaker_gateway_malformed_messages_total",
		Help: "Inbound messages or events dropped as malformed",
	}, []string{"component"})

	relayMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speaker_gateway_relay_messages_total",
		Help: "Relay messages received by kind",
	}, []string{"kind"})

	subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "speaker_gateway_subscribers",
		Help: "Downstream subscribers currently connected",
	})

	// Call control metrics
	commandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speaker_gateway_call_commands_total",
		Help: "Call control commands by outcome",
	}, []string{"command", "status"})

	commandLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "speaker_gateway_call_command_latency_seconds",
		Help:    "Call control command latency in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	}, []string{"command"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speaker_gateway_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "speaker_gateway_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speaker_gateway_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speaker_gateway_audio_bytes_total",
		Help: "Total audio bytes sent to the speech backend",
	}, []string{"source"}) // source: "file", "trigger" or "live"
)

// Mirrors of the connection gauges for the health endpoint
var (
	activeSessionCount atomic.Int64
	subscriberCount    atomic.Int64
)

// SessionMetrics tracks metrics for a single session
type SessionMetrics struct {
	sessionID      string
	startTime      time.Time
	started        bool
	ended          bool
	speechSegments int
	mu             sync.Mutex
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *SessionMetrics {
	return &SessionMetrics{sessionID: sessionID}
}

// RecordSessionStart records the start of a session
func (m *SessionMetrics) RecordSessionStart() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	m.startTime = time.Now()
	activeSessions.Inc()
	activeSessionCount.Add(1)
}

// RecordSessionEnd records the end of a session. Sessions that never started
// only count toward the total.
func (m *SessionMetrics) RecordSessionEnd(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ended {
		return
	}
	m.ended = true
	totalSessions.WithLabelValues(reason).Inc()
	if m.started {
		activeSessions.Dec()
		activeSessionCount.Add(-1)
		sessionDuration.Observe(time.Since(m.startTime).Seconds())
	}
}

// RecordUtterance records one processed utterance
func (m *SessionMetrics) RecordUtterance(final bool) {
	kind := "interim"
	if final {
		kind = "final"
	}
	utterancesTotal.WithLabelValues(kind).Inc()
}

// RecordSpeakerResolved records a new registry entry
func (m *SessionMetrics) RecordSpeakerResolved(inferred bool) {
	source := "placeholder"
	if inferred {
		source = "introduction"
	}
	speakersResolved.WithLabelValues(source).Inc()
}

// RecordSpeechActivity records a voice activity transition. A completed
// start/end pair counts as one speech segment.
func (m *SessionMetrics) RecordSpeechActivity(started bool) {
	if started {
		speechSegments.WithLabelValues("start").Inc()
		return
	}
	speechSegments.WithLabelValues("end").Inc()
	m.mu.Lock()
	m.speechSegments++
	m.mu.Unlock()
}

// SpeechSegments returns the number of completed speech segments
func (m *SessionMetrics) SpeechSegments() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.speechSegments
}

// RecordMalformed records a dropped malformed message or event
func (m *SessionMetrics) RecordMalformed(component string) {
	RecordMalformed(component)
}

// RecordError records an error
func (m *SessionMetrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordMalformed records a dropped malformed message outside of a session
func RecordMalformed(component string) {
	malformedTotal.WithLabelValues(component).Inc()
}

// RecordRelayMessage records one relay message by kind
func RecordRelayMessage(kind string) {
	relayMessages.WithLabelValues(kind).Inc()
}

// RecordCommand records the outcome and latency of a call control command
func RecordCommand(command string, success bool, latency time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	commandsTotal.WithLabelValues(command, status).Inc()
	commandLatency.WithLabelValues(command).Observe(latency.Seconds())
}

// RecordError records an error outside of a session
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAudioBytes records audio bytes sent to the backend
func RecordAudioBytes(source string, bytes int64) {
	audioBytesProcessed.WithLabelValues(source).Add(float64(bytes))
}

// SubscriberConnected updates the subscriber gauge
func SubscriberConnected() {
	subscribers.Inc()
	subscriberCount.Add(1)
}

// SubscriberDisconnected updates the subscriber gauge
func SubscriberDisconnected() {
	subscribers.Dec()
	subscriberCount.Add(-1)
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
