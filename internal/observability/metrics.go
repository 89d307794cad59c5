package observability

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/push"
)

const metricsNamespace = "batch_relay"

// Metrics stores Prometheus collectors used by the pipeline stages.
type Metrics struct {
	registry *prometheus.Registry

	stageRunsTotal          *prometheus.CounterVec
	stageDuration           *prometheus.HistogramVec
	batchTransitionsTotal   *prometheus.CounterVec
	controlDiscardedTotal   *prometheus.CounterVec
	controlLegacyLoadsTotal prometheus.Counter
	resultItemsTotal        *prometheus.CounterVec
	batchAPIRequestDuration *prometheus.HistogramVec
	payloadWritesInflight   prometheus.Gauge
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		stageRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "stage_runs_total",
				Help:      "Total number of stage invocations by stage and result.",
			},
			[]string{"stage", "result"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "stage_duration_seconds",
				Help:      "Wall-clock duration of a stage invocation in seconds.",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
			},
			[]string{"stage"},
		),
		batchTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "batch_transitions_total",
				Help:      "Total number of batch records written with a new status, by stage and status.",
			},
			[]string{"stage", "status"},
		),
		controlDiscardedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "control_document_discarded_total",
				Help:      "Total number of malformed control documents replaced by an empty collection.",
			},
			[]string{"reason"},
		),
		controlLegacyLoadsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "control_document_legacy_loads_total",
				Help:      "Total number of control documents loaded from the legacy bare-array shape.",
			},
		),
		resultItemsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "result_items_total",
				Help:      "Total number of batch result lines processed, by outcome.",
			},
			[]string{"outcome"},
		),
		batchAPIRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "batch_api_request_duration_seconds",
				Help:      "Batch API call duration in seconds grouped by operation.",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"operation"},
		),
		payloadWritesInflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "payload_writes_inflight",
				Help:      "Current number of in-flight result payload writes.",
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.stageRunsTotal,
		m.stageDuration,
		m.batchTransitionsTotal,
		m.controlDiscardedTotal,
		m.controlLegacyLoadsTotal,
		m.resultItemsTotal,
		m.batchAPIRequestDuration,
		m.payloadWritesInflight,
	)

	return m
}

// Registry exposes the private registry for gathering in tests and pushes.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Push sends the registry to a Pushgateway. Stages exit before any scrape could happen.
func (m *Metrics) Push(ctx context.Context, gatewayURL string, stage string) error {
	if m == nil || m.registry == nil {
		return nil
	}
	gatewayURL = strings.TrimSpace(gatewayURL)
	if gatewayURL == "" {
		return nil
	}

	err := push.New(gatewayURL, metricsNamespace).
		Gatherer(m.registry).
		Grouping("stage", normalizeLabel(stage)).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to push metrics: %w", err)
	}
	return nil
}

func (m *Metrics) ObserveStageRun(stage string, success bool, duration time.Duration) {
	if m == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	m.stageRunsTotal.WithLabelValues(normalizeLabel(stage), result).Inc()

	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.stageDuration.WithLabelValues(normalizeLabel(stage)).Observe(seconds)
}

func (m *Metrics) IncBatchTransition(stage string, status string) {
	if m == nil {
		return
	}
	m.batchTransitionsTotal.WithLabelValues(normalizeLabel(stage), normalizeLabel(status)).Inc()
}

func (m *Metrics) IncControlDocumentDiscarded(reason string) {
	if m == nil {
		return
	}
	m.controlDiscardedTotal.WithLabelValues(normalizeLabel(reason)).Inc()
}

func (m *Metrics) IncControlDocumentLegacyLoad() {
	if m == nil {
		return
	}
	m.controlLegacyLoadsTotal.Inc()
}

func (m *Metrics) IncResultItem(outcome string) {
	if m == nil {
		return
	}
	m.resultItemsTotal.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *Metrics) ObserveBatchAPIRequest(operation string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.batchAPIRequestDuration.WithLabelValues(normalizeLabel(operation)).Observe(seconds)
}

func (m *Metrics) IncPayloadWritesInFlight() {
	if m == nil {
		return
	}
	m.payloadWritesInflight.Inc()
}

func (m *Metrics) DecPayloadWritesInFlight() {
	if m == nil {
		return
	}
	m.payloadWritesInflight.Dec()
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
