package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lake_loader_build_info",
			Help: "Build information of the loader",
		},
		[]string{"version", "commit", "date"},
	)

	TaskExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lake_loader_task_executions_total",
			Help: "Maintenance tasks executed, by kind and status",
		},
		[]string{"task", "status"},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lake_loader_task_duration_seconds",
			Help:    "Duration of maintenance tasks, by kind",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"task"},
	)

	StageTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lake_loader_stage_transitions_total",
			Help: "Track table stage transitions, by destination stage",
		},
		[]string{"stage"},
	)

	MaintenanceRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lake_loader_maintenance_runs_total",
			Help: "Maintenance runs, by result",
		},
		[]string{"result"},
	)

	MaintenanceRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lake_loader_maintenance_run_duration_seconds",
			Help:    "Duration of maintenance runs",
			Buckets: prometheus.DefBuckets,
		},
	)

	WarehouseSlotsAvailable = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lake_loader_warehouse_slots_available",
			Help: "Free warehouse query slots at the last check",
		},
	)

	UnfinishedTracks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lake_loader_unfinished_tracks",
			Help: "Tracks not yet finished",
		},
	)

	SinkErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lake_loader_metric_sink_errors_total",
			Help: "Points the metrics sink failed to write",
		},
	)
)
