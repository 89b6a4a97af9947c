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
		Name: "voice_agent_active_sessions",
		Help: "Number of active voice sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_agent_sessions_total",
		Help: "Total number of voice sessions created",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_agent_session_duration_seconds",
		Help:    "Duration of voice sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	})

	reapedSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_agent_sessions_reaped_total",
		Help: "Total number of sessions destroyed by the inactivity reaper",
	})

	// Provider metrics
	sttRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_agent_stt_requests_total",
		Help: "Total number of STT requests",
	}, []string{"status"})

	sttLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_agent_stt_latency_seconds",
		Help:    "STT processing latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	llmRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_agent_llm_requests_total",
		Help: "Total number of LLM streaming requests",
	}, []string{"status"})

	llmFirstTokenLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_agent_llm_first_token_latency_seconds",
		Help:    "Latency until the first LLM token arrives",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	})

	ttsRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_agent_tts_requests_total",
		Help: "Total number of TTS synthesis requests",
	}, []string{"status"})

	ttsLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_agent_tts_latency_seconds",
		Help:    "TTS synthesis latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	// Pipeline metrics
	bargeIns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_agent_barge_ins_total",
		Help: "Total number of barge-in interruptions processed",
	})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_agent_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_agent_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_agent_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_agent_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// Metrics tracks metrics for a single voice session
type Metrics struct {
	sessionID    string
	startTime    time.Time
	sttStartTime time.Time
	llmStartTime time.Time
	ttsStartTime time.Time
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

// RecordSTTStart records the start of STT processing
func (m *Metrics) RecordSTTStart() {
	m.mu.Lock()
	m.sttStartTime = time.Now()
	m.mu.Unlock()
}

// RecordSTTEnd records the end of STT processing
func (m *Metrics) RecordSTTEnd(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.sttStartTime.IsZero() {
		sttLatency.Observe(time.Since(m.sttStartTime).Seconds())
	}
	sttRequests.WithLabelValues(statusLabel(success)).Inc()
}

// RecordLLMStart records the start of an LLM streaming request
func (m *Metrics) RecordLLMStart() {
	m.mu.Lock()
	m.llmStartTime = time.Now()
	m.mu.Unlock()
}

// RecordLLMFirstToken records the arrival of the first LLM token
func (m *Metrics) RecordLLMFirstToken() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.llmStartTime.IsZero() {
		llmFirstTokenLatency.Observe(time.Since(m.llmStartTime).Seconds())
	}
}

// RecordLLMEnd records the end of an LLM streaming request
func (m *Metrics) RecordLLMEnd(success bool) {
	llmRequests.WithLabelValues(statusLabel(success)).Inc()
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

// RecordBargeIn records a processed barge-in interruption
func (m *Metrics) RecordBargeIn() {
	bargeIns.Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAudioBytes records audio bytes processed
func (m *Metrics) RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// RecordReapedSession records a session destroyed by the reaper
func RecordReapedSession() {
	reapedSessions.Inc()
}

// UpdateCircuitBreakerState updates the circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments the circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
