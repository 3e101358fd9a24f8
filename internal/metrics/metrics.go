// Package metrics keeps Prometheus counters and histograms fed from eventbus
// events.
package metrics

import (
	"context"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	eventbus "github.com/hanpama/modelquery/internal/eventbus"
	events "github.com/hanpama/modelquery/internal/events"
)

const namespace = "modelquery"

type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	chatCalls    *prometheus.CounterVec
	chatDuration *prometheus.HistogramVec
	chatTokens   *prometheus.CounterVec

	serializeCalls    *prometheus.CounterVec
	serializeDuration prometheus.Histogram
	serializeRows     prometheus.Histogram
	serializeBytes    prometheus.Histogram
}

// New creates the metrics on a private registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		chatCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "calls_total",
			Help:      "Language model calls by purpose and outcome.",
		}, []string{"purpose", "outcome"}),
		chatDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "call_duration_seconds",
			Help:      "Language model call latency.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"purpose"}),
		chatTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "tokens_total",
			Help:      "Tokens reported by the language model.",
		}, []string{"purpose", "kind"}),
		serializeCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "serializer",
			Name:      "calls_total",
			Help:      "Serialize calls by outcome.",
		}, []string{"outcome"}),
		serializeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "serializer",
			Name:      "duration_seconds",
			Help:      "Time spent rendering rows.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		serializeRows: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "serializer",
			Name:      "rows",
			Help:      "Rows per serialize call.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
		serializeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "serializer",
			Name:      "output_bytes",
			Help:      "Size of the rendered text.",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests, m.httpDuration,
		m.chatCalls, m.chatDuration, m.chatTokens,
		m.serializeCalls, m.serializeDuration, m.serializeRows, m.serializeBytes,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Subscribe attaches the metrics to the global event bus.
func (m *Metrics) Subscribe() (unsubscribe func()) {
	unsubs := []func(){
		eventbus.Subscribe(func(_ context.Context, e events.HTTPFinish) {
			m.httpRequests.WithLabelValues(e.Route, strconv.Itoa(e.Status)).Inc()
			m.httpDuration.WithLabelValues(e.Route).Observe(e.Duration.Seconds())
		}),
		eventbus.Subscribe(func(_ context.Context, e events.ChatFinish) {
			m.chatCalls.WithLabelValues(e.Purpose, outcome(e.Err)).Inc()
			m.chatDuration.WithLabelValues(e.Purpose).Observe(e.Duration.Seconds())
			m.chatTokens.WithLabelValues(e.Purpose, "prompt").Add(float64(e.PromptTokens))
			m.chatTokens.WithLabelValues(e.Purpose, "completion").Add(float64(e.CompletionTokens))
		}),
		eventbus.Subscribe(func(_ context.Context, e events.SerializeFinish) {
			m.serializeCalls.WithLabelValues(outcome(e.Err)).Inc()
			m.serializeDuration.Observe(e.Duration.Seconds())
			m.serializeRows.Observe(float64(e.Rows))
			if e.Err == nil {
				m.serializeBytes.Observe(float64(e.Bytes))
			}
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
