// Package metrics exposes Prometheus instrumentation for the ingestion pipeline.
// A nil *Pipeline is valid and records nothing, so components can be built
// without instrumentation in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "hpx_dashboard"

// Pipeline holds the collectors for every pipeline stage.
type Pipeline struct {
	registry *prometheus.Registry

	connectionsTotal  prometheus.Counter
	connectionsActive prometheus.Gauge
	connectionErrors  prometheus.Counter

	recordsReceived *prometheus.CounterVec
	decodeErrors    prometheus.Counter
	samplesAppended prometheus.Counter
	appendErrors    prometheus.Counter

	flushDuration prometheus.Histogram
	flushErrors   prometheus.Counter
	rowsFlushed   prometheus.Counter

	notifications prometheus.Counter
	subscriptions prometheus.Gauge
}

// New registers the pipeline collectors on a fresh registry.
func New() *Pipeline {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Pipeline{
		registry: reg,

		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_connections_total",
			Help:      "Total number of accepted agent connections",
		}),
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_connections_active",
			Help:      "Number of open agent connections",
		}),
		connectionErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_connection_errors_total",
			Help:      "Agent connections closed because of a read error",
		}),
		recordsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_received_total",
			Help:      "Raw records received per ingestion source",
		}, []string{"source"}),
		decodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Records dropped because they could not be decoded",
		}),
		samplesAppended: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_appended_total",
			Help:      "Samples appended to the active collection",
		}),
		appendErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "append_errors_total",
			Help:      "Decoded samples rejected by the session store",
		}),
		flushDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_duration_seconds",
			Help:      "Duration of incremental session flushes",
			Buckets:   prometheus.DefBuckets,
		}),
		flushErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flush_errors_total",
			Help:      "Session flushes that failed and will be retried",
		}),
		rowsFlushed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_flushed_total",
			Help:      "Sample rows written to session files",
		}),
		notifications: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Updates delivered to subscribers",
		}),
		subscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscriptions",
			Help:      "Live subscriptions in the registry",
		}),
	}
}

// Registry returns the registry the collectors are registered on.
func (p *Pipeline) Registry() *prometheus.Registry {
	if p == nil {
		return nil
	}
	return p.registry
}

// RegisterQueueDepth exposes the current ingestion queue length.
func (p *Pipeline) RegisterQueueDepth(depth func() int) {
	if p == nil || depth == nil {
		return
	}
	promauto.With(p.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Raw records waiting in the ingestion queue",
	}, func() float64 { return float64(depth()) })
}

func (p *Pipeline) ConnectionOpened() {
	if p == nil {
		return
	}
	p.connectionsTotal.Inc()
	p.connectionsActive.Inc()
}

func (p *Pipeline) ConnectionClosed(err error) {
	if p == nil {
		return
	}
	p.connectionsActive.Dec()
	if err != nil {
		p.connectionErrors.Inc()
	}
}

func (p *Pipeline) RecordReceived(source string) {
	if p == nil {
		return
	}
	p.recordsReceived.WithLabelValues(source).Inc()
}

func (p *Pipeline) DecodeFailed() {
	if p == nil {
		return
	}
	p.decodeErrors.Inc()
}

func (p *Pipeline) SampleAppended() {
	if p == nil {
		return
	}
	p.samplesAppended.Inc()
}

func (p *Pipeline) AppendFailed() {
	if p == nil {
		return
	}
	p.appendErrors.Inc()
}

// FlushDone records one flush attempt.
func (p *Pipeline) FlushDone(started time.Time, rows int, err error) {
	if p == nil {
		return
	}
	p.flushDuration.Observe(time.Since(started).Seconds())
	p.rowsFlushed.Add(float64(rows))
	if err != nil {
		p.flushErrors.Inc()
	}
}

func (p *Pipeline) Notified(n int) {
	if p == nil || n == 0 {
		return
	}
	p.notifications.Add(float64(n))
}

func (p *Pipeline) SubscriptionsChanged(delta int) {
	if p == nil {
		return
	}
	p.subscriptions.Add(float64(delta))
}
