package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PollInterval is the adaptive polling interval currently in effect.
	PollInterval = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "poll_interval_seconds",
			Help: "Current adaptive polling interval per device",
		},
		[]string{"device_id"},
	)

	// ReadingsAcquired counts successful live-reading acquisitions by path.
	ReadingsAcquired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "readings_acquired_total",
			Help: "Total live readings acquired, by transport path",
		},
		[]string{"device_id", "path"},
	)

	// AcquisitionFailures counts fully failed per-device acquisitions.
	AcquisitionFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acquisition_failures_total",
			Help: "Total failed live-reading acquisitions",
		},
		[]string{"device_id"},
	)

	// ThresholdEvents counts detected pump on/off calibration events.
	ThresholdEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threshold_events_total",
			Help: "Total pump threshold events detected",
		},
		[]string{"device_id", "kind"},
	)

	// StatBucketsEmitted counts hour buckets emitted to the statistics sink.
	StatBucketsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stat_buckets_emitted_total",
			Help: "Total statistic hour-buckets emitted",
		},
		[]string{"device_id"},
	)

	// ActiveDevices is the number of devices in the fleet registry.
	ActiveDevices = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_devices",
			Help: "Number of devices currently tracked",
		},
	)

	// TickDuration observes full fleet tick durations.
	TickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleet_tick_duration_seconds",
			Help:    "Duration of full fleet update ticks",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)
)
