// Package metrics defines the Prometheus collectors exported by the engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "recete"

// Metrics holds every collector. Construct once at startup and pass it to
// the services that record into it.
type Metrics struct {
	registry *prometheus.Registry

	EmbeddingTokens    prometheus.Counter
	EmbeddingLatency   prometheus.Histogram
	EmbeddingFailures  prometheus.Counter
	RAGQueries         *prometheus.CounterVec
	RAGLatency         prometheus.Histogram
	RAGResults         prometheus.Histogram
	ChunksIndexed      prometheus.Counter
	IndexFailures      prometheus.Counter
	EventsIngested     *prometheus.CounterVec
	MessagesScheduled  *prometheus.CounterVec
	MessagesSent       *prometheus.CounterVec
	GuardrailHits      *prometheus.CounterVec
	AgentResponses     *prometheus.CounterVec
	GenerationFailures prometheus.Counter
	Escalations        *prometheus.CounterVec
	QueueTasks         *prometheus.CounterVec
	QueueRunning       *prometheus.GaugeVec
	HTTPRequests       *prometheus.CounterVec
	HTTPLatency        *prometheus.HistogramVec
}

// New registers all collectors on a fresh registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		EmbeddingTokens: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "embedding", Name: "tokens_total",
			Help: "Tokens sent to the embedding provider.",
		}),
		EmbeddingLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "embedding", Name: "request_duration_seconds",
			Help:    "Latency of embedding provider calls.",
			Buckets: prometheus.DefBuckets,
		}),
		EmbeddingFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "embedding", Name: "failures_total",
			Help: "Embedding provider calls that failed.",
		}),
		RAGQueries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rag", Name: "queries_total",
			Help: "Knowledge queries by result-cache outcome.",
		}, []string{"cache"}),
		RAGLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "rag", Name: "query_duration_seconds",
			Help:    "End-to-end knowledge query latency.",
			Buckets: prometheus.DefBuckets,
		}),
		RAGResults: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "rag", Name: "results",
			Help:    "Number of chunks returned per query.",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 13},
		}),
		ChunksIndexed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "indexer", Name: "chunks_total",
			Help: "Knowledge chunks written.",
		}),
		IndexFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "indexer", Name: "failures_total",
			Help: "Product indexing runs that failed.",
		}),
		EventsIngested: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "ingested_total",
			Help: "Commerce events by source and outcome.",
		}, []string{"source", "outcome"}),
		MessagesScheduled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "messages", Name: "scheduled_total",
			Help: "Scheduled outbound messages by task type.",
		}, []string{"task_type"}),
		MessagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "messages", Name: "sent_total",
			Help: "Outbound WhatsApp messages by kind and outcome.",
		}, []string{"kind", "outcome"}),
		GuardrailHits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "guardrails", Name: "violations_total",
			Help: "Guardrail violations by rule source, target and action.",
		}, []string{"source", "target", "action"}),
		AgentResponses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "agent", Name: "responses_total",
			Help: "Agent responses by classified intent.",
		}, []string{"intent"}),
		GenerationFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "agent", Name: "generation_failures_total",
			Help: "Final response generations that failed.",
		}),
		Escalations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "conversations", Name: "escalations_total",
			Help: "Conversations handed to a human, by reason.",
		}, []string{"reason"}),
		QueueTasks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "workqueue", Name: "tasks_total",
			Help: "Finished background tasks by lane and final status.",
		}, []string{"lane", "status"}),
		QueueRunning: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "workqueue", Name: "running",
			Help: "Background tasks currently running, by lane.",
		}, []string{"lane"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "Served HTTP requests by route pattern and status code.",
		}, []string{"route", "code"}),
		HTTPLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request latency by route pattern.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
