package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the chat daemon.
type Metrics struct {
	registry      *prometheus.Registry
	ChatRequests  *prometheus.CounterVec
	ChatDuration  *prometheus.HistogramVec
	CreditsTotal  *prometheus.CounterVec
	LLMDuration   *prometheus.HistogramVec
	ToolDuration  *prometheus.HistogramVec
	ActiveStreams *prometheus.GaugeVec
	TransportErrs *prometheus.CounterVec
}

// NewMetrics constructs a metrics registry with chat collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	reqs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "publisheriq_chat_requests_total",
		Help: "Total chat turns by terminal state",
	}, []string{"terminal"})

	durs := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "publisheriq_chat_duration_seconds",
		Help:    "Chat turn duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"terminal"})

	creditsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "publisheriq_credits_charged_total",
		Help: "Credits settled against user balances",
	}, []string{"terminal"})

	llmDurs := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "publisheriq_llm_call_duration_seconds",
		Help:    "Model call duration in seconds by provider",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})

	toolDurs := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "publisheriq_tool_duration_seconds",
		Help:    "Tool execution duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"tool", "outcome"})

	active := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "publisheriq_transport_active_streams",
		Help: "Active streaming chat connections by transport",
	}, []string{"transport"})

	trErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "publisheriq_transport_errors_total",
		Help: "Transport-level errors by transport and reason",
	}, []string{"transport", "reason"})

	reg.MustRegister(reqs, durs, creditsTotal, llmDurs, toolDurs, active, trErrors)

	return &Metrics{
		registry:      reg,
		ChatRequests:  reqs,
		ChatDuration:  durs,
		CreditsTotal:  creditsTotal,
		LLMDuration:   llmDurs,
		ToolDuration:  toolDurs,
		ActiveStreams: active,
		TransportErrs: trErrors,
	}
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordChatRun records terminal state, duration, and settled credits.
func (m *Metrics) RecordChatRun(terminal string, duration time.Duration, creditsCharged int) {
	if m == nil {
		return
	}
	if terminal == "" {
		terminal = "unknown"
	}
	m.ChatRequests.WithLabelValues(terminal).Inc()
	m.ChatDuration.WithLabelValues(terminal).Observe(duration.Seconds())
	m.CreditsTotal.WithLabelValues(terminal).Add(float64(creditsCharged))
}

// RecordLLMCall records one model call's duration.
func (m *Metrics) RecordLLMCall(provider string, duration time.Duration) {
	if m == nil {
		return
	}
	if provider == "" {
		provider = "unknown"
	}
	m.LLMDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordToolExecution records one tool call's duration and outcome.
func (m *Metrics) RecordToolExecution(name string, duration time.Duration, success bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !success {
		outcome = "failed"
	}
	m.ToolDuration.WithLabelValues(name, outcome).Observe(duration.Seconds())
}

// IncActiveStreams increments the active stream gauge.
func (m *Metrics) IncActiveStreams(transport string) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(transport).Inc()
}

// DecActiveStreams decrements the active stream gauge.
func (m *Metrics) DecActiveStreams(transport string) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(transport).Dec()
}

// RecordTransportError records a transport-level error.
func (m *Metrics) RecordTransportError(transport, reason string) {
	if m == nil {
		return
	}
	if transport == "" {
		transport = "unknown"
	}
	if reason == "" {
		reason = "unknown"
	}
	m.TransportErrs.WithLabelValues(transport, reason).Inc()
}
