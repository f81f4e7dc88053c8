package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_engine_active_sessions",
		Help: "Number of active voice sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_engine_sessions_total",
		Help: "Total number of voice sessions",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_engine_session_duration_seconds",
		Help:    "Duration of voice sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	conversationTurns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_engine_turns_total",
		Help: "Total conversation turns",
	}, []string{"outcome"}) // completed, interrupted, failed

	// Interruption metrics
	interruptions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_engine_interruptions_total",
		Help: "Total barge-in interruptions",
	}, []string{"trigger"}) // voice, manual

	interruptionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_engine_interruption_latency_seconds",
		Help:    "Latency from capture-active to playback stop",
		Buckets: []float64{0.005, 0.01, 0.02, 0.05, 0.1, 0.25},
	})

	// STT metrics
	sttRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_engine_stt_requests_total",
		Help: "Total number of STT requests",
	}, []string{"provider", "status"})

	sttLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_engine_stt_latency_seconds",
		Help:    "STT processing latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	transcriptEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_engine_transcript_events_total",
		Help: "Transcript events emitted by the streaming transcriber",
	}, []string{"kind"}) // partial, final, suppressed

	// TTS metrics
	ttsRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_engine_tts_requests_total",
		Help: "Total number of TTS synthesis requests",
	}, []string{"status"})

	ttsLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_engine_tts_latency_seconds",
		Help:    "TTS synthesis latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	playbackUnits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_engine_playback_units_total",
		Help: "Sentence-level playback units by terminal state",
	}, []string{"state"}) // played, cancelled

	// LLM channel metrics
	llmRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_engine_llm_requests_total",
		Help: "Total number of LLM requests",
	}, []string{"status"})

	llmLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_engine_llm_latency_seconds",
		Help:    "LLM request latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	})

	channelReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_engine_channel_reconnects_total",
		Help: "Reconnection attempts made by the LLM channel",
	})

	channelFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_engine_channel_fallbacks_total",
		Help: "Connections established through a fallback endpoint",
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_engine_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Health check metrics
	healthRepairs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_engine_health_repairs_total",
		Help: "Automatic state repairs performed by the health check",
	})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_engine_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_engine_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_engine_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // "in" or "out"
)

// Metrics tracks metrics for a single session
type Metrics struct {
	sessionID    string
	startTime    time.Time
	sttStartTime time.Time
	ttsStartTime time.Time
	llmStartTime time.Time
	mu           sync.Mutex
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *Metrics {
	return &Metrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a session
func (m *Metrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a session
func (m *Metrics) RecordSessionEnd() {
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordTurn records a finished conversation turn
func (m *Metrics) RecordTurn(outcome string) {
	conversationTurns.WithLabelValues(outcome).Inc()
}

// RecordInterruption records a barge-in with its detection-to-stop latency
func (m *Metrics) RecordInterruption(trigger string, latency time.Duration) {
	interruptions.WithLabelValues(trigger).Inc()
	if latency > 0 {
		interruptionLatency.Observe(latency.Seconds())
	}
}

// RecordSTTStart records the start of STT processing
func (m *Metrics) RecordSTTStart() {
	m.mu.Lock()
	m.sttStartTime = time.Now()
	m.mu.Unlock()
}

// RecordSTTEnd records the end of STT processing
func (m *Metrics) RecordSTTEnd(provider string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.sttStartTime.IsZero() {
		sttLatency.Observe(time.Since(m.sttStartTime).Seconds())
	}
	sttRequests.WithLabelValues(provider, statusLabel(success)).Inc()
}

// RecordTranscriptEvent counts a partial, final, or suppressed transcript event
func (m *Metrics) RecordTranscriptEvent(kind string) {
	transcriptEvents.WithLabelValues(kind).Inc()
}

// RecordTTSStart records the start of TTS synthesis
func (m *Metrics) RecordTTSStart() {
	m.mu.Lock()
	m.ttsStartTime = time.Now()
	m.mu.Unlock()
}

// RecordTTSEnd records the end of TTS synthesis
func (m *Metrics) RecordTTSEnd(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.ttsStartTime.IsZero() {
		ttsLatency.Observe(time.Since(m.ttsStartTime).Seconds())
	}
	ttsRequests.WithLabelValues(statusLabel(success)).Inc()
}

// RecordPlaybackUnit counts a playback unit reaching a terminal state
func (m *Metrics) RecordPlaybackUnit(state string) {
	playbackUnits.WithLabelValues(state).Inc()
}

// RecordLLMStart records the start of an LLM request
func (m *Metrics) RecordLLMStart() {
	m.mu.Lock()
	m.llmStartTime = time.Now()
	m.mu.Unlock()
}

// RecordLLMEnd records the end of an LLM request
func (m *Metrics) RecordLLMEnd(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.llmStartTime.IsZero() {
		llmLatency.Observe(time.Since(m.llmStartTime).Seconds())
	}
	llmRequests.WithLabelValues(statusLabel(success)).Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAudioBytes records audio bytes processed
func (m *Metrics) RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// RecordHealthRepair counts one automatic state repair
func RecordHealthRepair() {
	healthRepairs.Inc()
}

// RecordChannelReconnect counts one reconnection attempt
func RecordChannelReconnect() {
	channelReconnects.Inc()
}

// RecordChannelFallback counts a connection won by a fallback endpoint
func RecordChannelFallback() {
	channelFallbacks.Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
