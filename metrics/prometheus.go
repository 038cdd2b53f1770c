package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the mirror process. One instance
// serves every pipeline; the pipeline name is a label.
type Metrics struct {
	// Engine metrics
	AppliedTotal         prometheus.CounterVec
	ApplyErrorsTotal     prometheus.CounterVec
	CheckpointSavesTotal prometheus.CounterVec
	ReplicationLagSeconds prometheus.GaugeVec
	EngineRunning        prometheus.GaugeVec

	// Feed metrics
	FeedRecordsTotal prometheus.CounterVec
	FeedPollsTotal   prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
// Call it once per process; collectors register on the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		AppliedTotal: *promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oplogmirror",
			Subsystem: "engine",
			Name:      "applied_total",
			Help:      "Total number of change records applied, by pipeline and operation",
		}, []string{"pipeline", "op"}),
		ApplyErrorsTotal: *promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oplogmirror",
			Subsystem: "engine",
			Name:      "apply_errors_total",
			Help:      "Total number of failed applies, by pipeline",
		}, []string{"pipeline"}),
		CheckpointSavesTotal: *promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oplogmirror",
			Subsystem: "engine",
			Name:      "checkpoint_saves_total",
			Help:      "Total number of checkpoint saves, by pipeline",
		}, []string{"pipeline"}),
		ReplicationLagSeconds: *promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "oplogmirror",
			Subsystem: "engine",
			Name:      "replication_lag_seconds",
			Help:      "Seconds between now and the last applied record's commit time",
		}, []string{"pipeline"}),
		EngineRunning: *promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "oplogmirror",
			Subsystem: "engine",
			Name:      "running",
			Help:      "1 while the pipeline's replay loop is running",
		}, []string{"pipeline"}),
		FeedRecordsTotal: *promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oplogmirror",
			Subsystem: "feed",
			Name:      "records_total",
			Help:      "Total number of records read from the change feed, by pipeline",
		}, []string{"pipeline"}),
		FeedPollsTotal: *promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oplogmirror",
			Subsystem: "feed",
			Name:      "polls_total",
			Help:      "Total number of feed poll rounds, by pipeline",
		}, []string{"pipeline"}),
	}
}

// RecordApplied records a successfully applied change record.
func (m *Metrics) RecordApplied(pipeline, op string, lagSeconds float64) {
	m.AppliedTotal.WithLabelValues(pipeline, op).Inc()
	m.ReplicationLagSeconds.WithLabelValues(pipeline).Set(lagSeconds)
}

// RecordApplyError records a failed apply.
func (m *Metrics) RecordApplyError(pipeline string) {
	m.ApplyErrorsTotal.WithLabelValues(pipeline).Inc()
}

// RecordCheckpointSave records a checkpoint write.
func (m *Metrics) RecordCheckpointSave(pipeline string) {
	m.CheckpointSavesTotal.WithLabelValues(pipeline).Inc()
}

// SetRunning flips the running gauge for a pipeline.
func (m *Metrics) SetRunning(pipeline string, running bool) {
	v := 0.0
	if running {
		v = 1.0
	}
	m.EngineRunning.WithLabelValues(pipeline).Set(v)
}

// RecordFeedRecord counts a record handed out by the feed.
func (m *Metrics) RecordFeedRecord(pipeline string) {
	m.FeedRecordsTotal.WithLabelValues(pipeline).Inc()
}

// RecordFeedPoll counts a feed poll round.
func (m *Metrics) RecordFeedPoll(pipeline string) {
	m.FeedPollsTotal.WithLabelValues(pipeline).Inc()
}
