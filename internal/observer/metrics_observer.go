package observer

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsObserver exports analysis events as Prometheus metrics
type MetricsObserver struct {
	analysesTotal   *prometheus.CounterVec
	failuresTotal   *prometheus.CounterVec
	queuedTotal     prometheus.Counter
	drainsTotal     prometheus.Counter
	durationSeconds *prometheus.HistogramVec
	queuePending    prometheus.Gauge
	connected       prometheus.Gauge
}

// NewMetricsObserver creates the collectors and registers them on reg
func NewMetricsObserver(reg prometheus.Registerer) (*MetricsObserver, error) {
	o := &MetricsObserver{
		analysesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leak_analyses_total",
				Help: "Total number of completed leak analyses by verdict and source",
			},
			[]string{"verdict", "source"},
		),
		failuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leak_analysis_failures_total",
				Help: "Total number of failed leak analyses by error type",
			},
			[]string{"error_type"},
		),
		queuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "leak_analyses_queued_total",
				Help: "Total number of analyses deferred to the offline queue",
			},
		),
		drainsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "leak_queue_drains_total",
				Help: "Total number of reconciliation passes that emptied the due queue",
			},
		),
		durationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "leak_analysis_duration_seconds",
				Help:    "Duration of leak analyses",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"source"},
		),
		queuePending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "leak_queue_pending",
				Help: "Pending analyses left after the last reconciliation pass",
			},
		),
		connected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "leak_store_connected",
				Help: "1 when the image store is reachable",
			},
		),
	}

	for _, c := range []prometheus.Collector{
		o.analysesTotal, o.failuresTotal, o.queuedTotal, o.drainsTotal,
		o.durationSeconds, o.queuePending, o.connected,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// OnEvent handles analysis events by updating the collectors
func (o *MetricsObserver) OnEvent(ctx context.Context, event AnalysisEvent) {
	source := event.Source
	if source == "" {
		source = "online"
	}

	switch event.EventType {
	case AnalysisCompleted:
		o.analysesTotal.WithLabelValues(string(event.Verdict), source).Inc()
		o.durationSeconds.WithLabelValues(source).Observe(event.Duration.Seconds())
	case AnalysisFailed:
		o.failuresTotal.WithLabelValues(event.ErrorType).Inc()
	case AnalysisQueued:
		o.queuedTotal.Inc()
	case QueueDrained:
		o.drainsTotal.Inc()
		o.queuePending.Set(float64(event.Pending))
	case ConnectivityChanged:
		if event.Connected {
			o.connected.Set(1)
		} else {
			o.connected.Set(0)
		}
	}
}

// GetObserverName returns the observer name
func (o *MetricsObserver) GetObserverName() string {
	return "metrics_observer"
}
