// Package metrics exposes Prometheus collectors for the chat pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "madera"

// Chat request outcomes.
const (
	OutcomeOK              = "ok"
	OutcomeInvalid         = "invalid"
	OutcomeNotConfigured   = "not_configured"
	OutcomeProviderStatus  = "provider_status"
	OutcomeProviderFailure = "provider_failure"
)

type Metrics struct {
	registry         *prometheus.Registry
	chatRequests     *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	replyFallbacks   prometheus.Counter
	notifications    *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		chatRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_requests_total",
			Help:      "Chat requests by outcome.",
		}, []string{"outcome"}),
		providerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Latency of upstream LLM calls.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
		}, []string{"provider"}),
		replyFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reply_fallbacks_total",
			Help:      "Provider replies that could not be parsed as structured JSON.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lead_notifications_total",
			Help:      "Hot lead deliveries by sink and result.",
		}, []string{"sink", "result"}),
	}
	reg.MustRegister(
		m.chatRequests,
		m.providerDuration,
		m.replyFallbacks,
		m.notifications,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ChatRequest(outcome string) {
	if m == nil {
		return
	}
	m.chatRequests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ProviderLatency(provider string, d time.Duration) {
	if m == nil {
		return
	}
	m.providerDuration.WithLabelValues(provider).Observe(d.Seconds())
}

func (m *Metrics) ReplyFallback() {
	if m == nil {
		return
	}
	m.replyFallbacks.Inc()
}

func (m *Metrics) Notification(sink string, err error) {
	if m == nil {
		return
	}
	result := "delivered"
	if err != nil {
		result = "failed"
	}
	m.notifications.WithLabelValues(sink, result).Inc()
}

// ChatRequests returns the counter for outcome, for tests.
func (m *Metrics) ChatRequests(outcome string) prometheus.Counter {
	return m.chatRequests.WithLabelValues(outcome)
}

// Notifications returns the counter for sink and result, for tests.
func (m *Metrics) Notifications(sink, result string) prometheus.Counter {
	return m.notifications.WithLabelValues(sink, result)
}

// ReplyFallbacks returns the fallback counter, for tests.
func (m *Metrics) ReplyFallbacks() prometheus.Counter {
	return m.replyFallbacks
}
