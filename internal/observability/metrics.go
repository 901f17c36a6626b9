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
		Name: "blurt_active_sessions",
		Help: "Number of live voice sessions",
	})

	sessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blurt_sessions_total",
		Help: "Total number of voice sessions created",
	})

	sessionTeardowns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blurt_session_teardowns_total",
		Help: "Voice session teardowns by reason",
	}, []string{"reason"})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "blurt_session_duration_seconds",
		Help:    "Lifetime of voice sessions in seconds",
		Buckets: []float64{10, 30, 60, 300, 900, 3600, 14400},
	})

	// Playback metrics
	playbackTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blurt_playback_tasks_total",
		Help: "Playback tasks by outcome",
	}, []string{"status"})

	playbackDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "blurt_playback_duration_seconds",
		Help:    "Time from a task reaching the front of its queue to a terminal state",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	// Queue metrics
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "blurt_queue_depth",
		Help: "Utterances waiting across all session queues",
	})

	queueRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blurt_queue_rejections_total",
		Help: "Speak requests rejected because a session queue was full",
	})

	// Synthesis metrics
	synthesisRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blurt_synthesis_requests_total",
		Help: "Total number of synthesis requests",
	}, []string{"status"})

	synthesisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "blurt_synthesis_latency_seconds",
		Help:    "Synthesis provider latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 15.0},
	})

	synthesisAudioBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blurt_synthesis_audio_bytes_total",
		Help: "Total synthesized audio bytes received",
	})

	// Command metrics
	commandsHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blurt_commands_total",
		Help: "Commands handled by name",
	}, []string{"command"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blurt_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "blurt_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blurt_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// SessionMetrics tracks metrics for a single voice session. Playback
// phases within a session are serial, so one tracker per session is
// enough.
type SessionMetrics struct {
	guildID       string
	startTime     time.Time
	playbackStart time.Time
	mu            sync.Mutex
}

// NewSessionMetrics creates a metrics tracker for one session.
func NewSessionMetrics(guildID string) *SessionMetrics {
	return &SessionMetrics{
		guildID:   guildID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the session being registered.
func (m *SessionMetrics) RecordSessionStart() {
	activeSessions.Inc()
	sessionsTotal.Inc()
}

// RecordSessionEnd records the session's teardown and its reason.
func (m *SessionMetrics) RecordSessionEnd(reason string) {
	activeSessions.Dec()
	sessionTeardowns.WithLabelValues(reason).Inc()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordPlaybackStart marks a task reaching the front of the queue.
func (m *SessionMetrics) RecordPlaybackStart() {
	m.mu.Lock()
	m.playbackStart = time.Now()
	m.mu.Unlock()
}

// RecordPlaybackEnd records the task's outcome and how long it held
// the queue.
func (m *SessionMetrics) RecordPlaybackEnd(status string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.playbackStart.IsZero() {
		playbackDuration.Observe(time.Since(m.playbackStart).Seconds())
	}
	playbackTasks.WithLabelValues(status).Inc()
}

// RecordSynthesis records one synthesis call's latency and outcome.
func RecordSynthesis(latency time.Duration, success bool, audioBytes int) {
	status := "success"
	if !success {
		status = "error"
	}
	synthesisRequests.WithLabelValues(status).Inc()
	synthesisLatency.Observe(latency.Seconds())
	if audioBytes > 0 {
		synthesisAudioBytes.Add(float64(audioBytes))
	}
}

// QueueEnqueued bumps the cross-session queue depth gauge.
func QueueEnqueued() {
	queueDepth.Inc()
}

// QueueDequeued drops the cross-session queue depth gauge.
func QueueDequeued() {
	queueDepth.Dec()
}

// RecordQueueRejected counts a speak request refused on a full queue.
func RecordQueueRejected() {
	queueRejections.Inc()
}

// RecordCommand counts one handled command.
func RecordCommand(name string) {
	commandsHandled.WithLabelValues(name).Inc()
}

// RecordError records an error by type and component.
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// UpdateCircuitBreakerState updates the circuit breaker state metric.
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments the circuit breaker
// failure counter.
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
