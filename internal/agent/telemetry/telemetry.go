package telemetry

import (
	"log"
	"net/http"
	"time"

	"github.com/mohammad-safakhou/sitrep/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const namespace = "sitrep"

// Telemetry owns the process metrics registry and the pipeline tracer.
// A nil or disabled Telemetry accepts every call and records nothing.
type Telemetry struct {
	enabled  bool
	logger   *log.Logger
	registry *prometheus.Registry
	tracer   trace.Tracer

	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	modelCalls    *prometheus.CounterVec
	modelLatency  *prometheus.HistogramVec
	searches      *prometheus.CounterVec
	storeSize     *prometheus.GaugeVec
	analyses      prometheus.Counter
}

// NewTelemetry builds collectors on a private registry.
func NewTelemetry(cfg config.TelemetryConfig) *Telemetry {
	t := &Telemetry{
		enabled:  cfg.Enabled,
		logger:   log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		registry: prometheus.NewRegistry(),
		tracer:   otel.Tracer("sitrep/internal/agent"),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_cycles_total",
			Help:      "Ingestion cycles by trigger and outcome.",
		}, []string{"trigger", "outcome"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_cycle_duration_seconds",
			Help:      "Wall-clock duration of ingestion cycles.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		}),
		modelCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_calls_total",
			Help:      "Model attempts by model and outcome.",
		}, []string{"model", "outcome"}),
		modelLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_call_duration_seconds",
			Help:      "Latency of model attempts.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"model"}),
		searches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_requests_total",
			Help:      "News searches by outcome.",
		}, []string{"outcome"}),
		storeSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_sitreps",
			Help:      "Sitreps held in the store by population.",
		}, []string{"population"}),
		analyses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analyses_total",
			Help:      "Deep analyses computed (cache misses).",
		}),
	}
	t.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		t.cycles, t.cycleDuration, t.modelCalls, t.modelLatency, t.searches, t.storeSize, t.analyses,
	)
	return t
}

func (t *Telemetry) on() bool { return t != nil && t.enabled }

// Handler exposes the registry in the Prometheus text format.
func (t *Telemetry) Handler() http.Handler {
	if t == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{Registry: t.registry})
}

// Registry returns the private registry.
func (t *Telemetry) Registry() *prometheus.Registry {
	if t == nil {
		return nil
	}
	return t.registry
}

// Tracer returns the pipeline tracer. Without an installed SDK provider
// spans are no-ops.
func (t *Telemetry) Tracer() trace.Tracer {
	if t == nil {
		return otel.Tracer("sitrep/internal/agent")
	}
	return t.tracer
}

// RecordCycle counts one ingestion cycle.
func (t *Telemetry) RecordCycle(trigger, outcome string, took time.Duration) {
	if !t.on() {
		return
	}
	t.cycles.WithLabelValues(trigger, outcome).Inc()
	t.cycleDuration.Observe(took.Seconds())
}

// ObserveModelCall matches the model chain observer signature.
func (t *Telemetry) ObserveModelCall(model, outcome string, took time.Duration) {
	if !t.on() {
		return
	}
	t.modelCalls.WithLabelValues(model, outcome).Inc()
	t.modelLatency.WithLabelValues(model).Observe(took.Seconds())
}

// RecordSearch counts one news search.
func (t *Telemetry) RecordSearch(outcome string) {
	if !t.on() {
		return
	}
	t.searches.WithLabelValues(outcome).Inc()
}

// RecordAnalysis counts one computed analysis.
func (t *Telemetry) RecordAnalysis() {
	if !t.on() {
		return
	}
	t.analyses.Inc()
}

// SetStoreSize publishes store population sizes.
func (t *Telemetry) SetStoreSize(confirmed, prophet int) {
	if !t.on() {
		return
	}
	t.storeSize.WithLabelValues("confirmed").Set(float64(confirmed))
	t.storeSize.WithLabelValues("prophet").Set(float64(prophet))
}
