package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/custodia-labs/bidmatch/internal/core/domain"
	"github.com/custodia-labs/bidmatch/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.PipelineObserver = (*Observer)(nil)

const namespace = "bidmatch"

// Observer records pipeline telemetry as Prometheus metrics.
type Observer struct {
	stageDuration *prometheus.HistogramVec
	stageErrors   *prometheus.CounterVec
	items         *prometheus.CounterVec
	itemDuration  prometheus.Histogram
	retries       *prometheus.CounterVec
	snippets      prometheus.Histogram
	queueDepth    *prometheus.GaugeVec
}

// NewObserver registers the pipeline metrics with reg.
// Pass prometheus.DefaultRegisterer to expose them on promhttp.Handler().
func NewObserver(reg prometheus.Registerer) *Observer {
	factory := promauto.With(reg)
	return &Observer{
		stageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of pipeline stages in seconds",
				Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"stage"},
		),
		stageErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_errors_total",
				Help:      "Total number of stage failures by error kind",
			},
			[]string{"stage", "kind"},
		),
		items: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "items_total",
				Help:      "Total number of processed items",
			},
			[]string{"category", "status"},
		),
		itemDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "item_duration_seconds",
				Help:      "End-to-end duration of one item in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
		),
		retries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "call_retries_total",
				Help:      "Total number of retried external calls",
			},
			[]string{"operation"},
		),
		snippets: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "retrieved_snippets",
				Help:      "Number of knowledge snippets returned per retrieval",
				Buckets:   []float64{0, 1, 2, 3, 5, 10, 20},
			},
		),
		queueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_items",
				Help:      "Work items in the queue by state",
			},
			[]string{"state"},
		),
	}
}

// StageCompleted observes a stage duration and counts failures by kind.
func (o *Observer) StageCompleted(stage domain.Stage, duration time.Duration, kind domain.ErrorKind) {
	o.stageDuration.WithLabelValues(string(stage)).Observe(duration.Seconds())
	if kind != "" {
		o.stageErrors.WithLabelValues(string(stage), string(kind)).Inc()
	}
}

// ItemCompleted counts an item by category and outcome.
func (o *Observer) ItemCompleted(category domain.Category, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "failed"
	}
	o.items.WithLabelValues(string(category), status).Inc()
	o.itemDuration.Observe(duration.Seconds())
}

// CallRetried counts one retry of operation.
func (o *Observer) CallRetried(operation string) {
	o.retries.WithLabelValues(operation).Inc()
}

// SnippetsRetrieved observes a retrieval result size.
func (o *Observer) SnippetsRetrieved(count int) {
	o.snippets.Observe(float64(count))
}

// QueueStats publishes a queue snapshot.
func (o *Observer) QueueStats(stats *driven.QueueStats) {
	if stats == nil {
		return
	}
	o.queueDepth.WithLabelValues("pending").Set(float64(stats.PendingCount))
	o.queueDepth.WithLabelValues("processing").Set(float64(stats.ProcessingCount))
	o.queueDepth.WithLabelValues("scheduled").Set(float64(stats.ScheduledCount))
	o.queueDepth.WithLabelValues("dead").Set(float64(stats.DeadCount))
}
