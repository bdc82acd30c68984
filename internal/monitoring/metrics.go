// Package monitoring exposes the engine's acceptance-gate numbers: per-run
// counters updated by the stages and gauges refreshed from store summaries.
package monitoring

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics holds the prometheus instruments for the ingestion engine.
type EngineMetrics struct {
	snapshotsIngested *prometheus.CounterVec
	rowsAdmitted      prometheus.Counter
	parseErrors       prometheus.Counter
	missingKeyDrops   prometheus.Counter
	missingVINRows    prometheus.Counter
	eventsEmitted     *prometheus.CounterVec
	outcomesResolved  *prometheus.CounterVec

	stagingBacklog  prometheus.Gauge
	missingVINRate  prometheus.Gauge
	conflictBacklog prometheus.Gauge
}

var (
	engineMetricsOnce sync.Once
	engineMetrics     *EngineMetrics
)

// Engine returns the process-wide engine metrics, registering them on first use.
func Engine() *EngineMetrics {
	engineMetricsOnce.Do(func() {
		engineMetrics = newEngineMetrics(prometheus.DefaultRegisterer)
	})
	return engineMetrics
}

func newEngineMetrics(registerer prometheus.Registerer) *EngineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	snapshotsIngested := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lotsync_snapshots_ingested_total",
			Help: "Snapshot files processed by the capture stage.",
		},
		[]string{"result"}, // admitted | skipped | failed
	)
	rowsAdmitted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lotsync_rows_admitted_total",
		Help: "Raw rows admitted into the snapshot store.",
	})
	parseErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lotsync_parse_errors_total",
		Help: "Rows that failed structural parsing and were skipped.",
	})
	missingKeyDrops := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lotsync_missing_key_drops_total",
		Help: "Rows dropped because the external lot id was absent.",
	})
	missingVINRows := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lotsync_missing_vin_rows_total",
		Help: "Rows admitted without a vehicle identifier.",
	})
	eventsEmitted := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lotsync_events_emitted_total",
			Help: "Auction events appended by the diff stage.",
		},
		[]string{"type"},
	)
	outcomesResolved := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lotsync_outcomes_resolved_total",
			Help: "Outcome determinations written by the resolver.",
		},
		[]string{"outcome"},
	)

	stagingBacklog := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lotsync_staging_backlog",
		Help: "Staging records not yet reconciled into vehicles and lots.",
	})
	missingVINRate := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lotsync_missing_vin_rate",
		Help: "Fraction of staging rows without a vehicle identifier.",
	})
	conflictBacklog := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lotsync_unresolved_conflicts",
		Help: "Conflict log entries awaiting manual review.",
	})

	registerer.MustRegister(
		snapshotsIngested,
		rowsAdmitted,
		parseErrors,
		missingKeyDrops,
		missingVINRows,
		eventsEmitted,
		outcomesResolved,
		stagingBacklog,
		missingVINRate,
		conflictBacklog,
	)

	return &EngineMetrics{
		snapshotsIngested: snapshotsIngested,
		rowsAdmitted:      rowsAdmitted,
		parseErrors:       parseErrors,
		missingKeyDrops:   missingKeyDrops,
		missingVINRows:    missingVINRows,
		eventsEmitted:     eventsEmitted,
		outcomesResolved:  outcomesResolved,
		stagingBacklog:    stagingBacklog,
		missingVINRate:    missingVINRate,
		conflictBacklog:   conflictBacklog,
	}
}

func (m *EngineMetrics) IncSnapshotIngested(result string) {
	if m == nil {
		return
	}
	m.snapshotsIngested.WithLabelValues(result).Inc()
}

func (m *EngineMetrics) AddRowsAdmitted(n int64) {
	if m == nil {
		return
	}
	m.rowsAdmitted.Add(float64(n))
}

func (m *EngineMetrics) AddParseErrors(n int64) {
	if m == nil {
		return
	}
	m.parseErrors.Add(float64(n))
}

func (m *EngineMetrics) AddMissingKeyDrops(n int64) {
	if m == nil {
		return
	}
	m.missingKeyDrops.Add(float64(n))
}

func (m *EngineMetrics) AddMissingVINRows(n int64) {
	if m == nil {
		return
	}
	m.missingVINRows.Add(float64(n))
}

func (m *EngineMetrics) AddEventsEmitted(eventType string, n int) {
	if m == nil {
		return
	}
	m.eventsEmitted.WithLabelValues(eventType).Add(float64(n))
}

func (m *EngineMetrics) IncOutcomeResolved(outcome string) {
	if m == nil {
		return
	}
	m.outcomesResolved.WithLabelValues(outcome).Inc()
}
