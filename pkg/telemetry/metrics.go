package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
)

// Metrics exposes Prometheus observability primitives for the track pipeline.
type Metrics struct {
	outboxDispatch     *prometheus.CounterVec
	outboxDispatchTime *prometheus.HistogramVec
	outboxBacklog      prometheus.Gauge
	outboxDeadLetters  prometheus.Counter
	ingestResults      *prometheus.CounterVec
	processingResults  *prometheus.CounterVec
	processingTime     prometheus.Histogram
	sweepTracks        *prometheus.CounterVec
	sweepDuration      prometheus.Histogram
	cacheInvalidations *prometheus.CounterVec
}

// NewMetrics registers and returns Prometheus metrics for the pipeline.
func NewMetrics() *Metrics {
	outboxDispatch := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "soundrail_outbox_dispatch_total",
		Help: "Outbox messages dispatched by outcome.",
	}, []string{"status"})

	outboxDispatchTime := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "soundrail_outbox_dispatch_duration_seconds",
		Help:    "Outbox publish roundtrip latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"status"})

	outboxBacklog := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "soundrail_outbox_backlog",
		Help: "Number of pending messages in the outbox.",
	})

	outboxDeadLetters := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "soundrail_outbox_dead_letters_total",
		Help: "Outbox messages that exhausted retries and require operator attention.",
	})

	ingestResults := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "soundrail_ingest_results_total",
		Help: "Upload notification ingestion outcomes.",
	}, []string{"result"})

	processingResults := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "soundrail_processing_results_total",
		Help: "Track processing outcomes.",
	}, []string{"result"})

	processingTime := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "soundrail_processing_duration_seconds",
		Help:    "End-to-end track processing duration.",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
	})

	sweepTracks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "soundrail_sweep_tracks_total",
		Help: "Tracks physically deleted by the sweep, by outcome.",
	}, []string{"status"})

	sweepDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "soundrail_sweep_duration_seconds",
		Help:    "Deletion sweep batch durations.",
		Buckets: prometheus.DefBuckets,
	})

	cacheInvalidations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "soundrail_cache_invalidations_total",
		Help: "Access-artifact cache invalidations by origin.",
	}, []string{"origin"})

	prometheus.MustRegister(
		outboxDispatch,
		outboxDispatchTime,
		outboxBacklog,
		outboxDeadLetters,
		ingestResults,
		processingResults,
		processingTime,
		sweepTracks,
		sweepDuration,
		cacheInvalidations,
	)

	return &Metrics{
		outboxDispatch:     outboxDispatch,
		outboxDispatchTime: outboxDispatchTime,
		outboxBacklog:      outboxBacklog,
		outboxDeadLetters:  outboxDeadLetters,
		ingestResults:      ingestResults,
		processingResults:  processingResults,
		processingTime:     processingTime,
		sweepTracks:        sweepTracks,
		sweepDuration:      sweepDuration,
		cacheInvalidations: cacheInvalidations,
	}
}

// RecordOutboxDispatch registers a publish attempt outcome.
func (m *Metrics) RecordOutboxDispatch(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.outboxDispatch.WithLabelValues(status).Inc()
	m.outboxDispatchTime.WithLabelValues(status).Observe(duration.Seconds())
}

// SetOutboxBacklog updates the backlog gauge.
func (m *Metrics) SetOutboxBacklog(value float64) {
	if m == nil {
		return
	}
	m.outboxBacklog.Set(value)
}

// RecordDeadLetter counts an outbox message moved to the failed state.
func (m *Metrics) RecordDeadLetter() {
	if m == nil {
		return
	}
	m.outboxDeadLetters.Inc()
}

// RecordIngest counts an ingestion outcome.
func (m *Metrics) RecordIngest(result string) {
	if m == nil {
		return
	}
	m.ingestResults.WithLabelValues(result).Inc()
}

// RecordProcessing counts a processing outcome and its duration.
func (m *Metrics) RecordProcessing(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.processingResults.WithLabelValues(result).Inc()
	m.processingTime.Observe(duration.Seconds())
}

// RecordSweep counts a swept track by outcome.
func (m *Metrics) RecordSweep(status string) {
	if m == nil {
		return
	}
	m.sweepTracks.WithLabelValues(status).Inc()
}

// ObserveSweepDuration records the duration of one sweep batch.
func (m *Metrics) ObserveSweepDuration(duration time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(duration.Seconds())
}

// RecordCacheInvalidation counts an access-cache invalidation.
func (m *Metrics) RecordCacheInvalidation(origin string) {
	if m == nil {
		return
	}
	m.cacheInvalidations.WithLabelValues(origin).Inc()
}

var Module = fx.Module("telemetry",
	fx.Provide(NewMetrics),
)
