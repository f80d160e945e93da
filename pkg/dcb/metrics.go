package dcb

import "github.com/prometheus/client_golang/prometheus"

// Metrics are registered lazily via RegisterMetrics rather than on
// package init, so embedding applications that run several stores (or
// none) control registration themselves and don't collide on duplicate
// registration against a shared prometheus.Registry.
var (
	eventsAppendedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dcb_events_appended_total",
		Help: "Total events successfully appended, labeled by context.",
	}, []string{"context"})

	eventsReadTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dcb_events_read_total",
		Help: "Total events returned from Read and ReadLast, labeled by context.",
	}, []string{"context"})

	conditionViolationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dcb_append_condition_violations_total",
		Help: "Total Append calls rejected by an AppendCondition, labeled by context.",
	}, []string{"context"})

	lockWaitSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dcb_lock_wait_seconds",
		Help:    "Time spent waiting to acquire the cross-process write lock.",
		Buckets: prometheus.DefBuckets,
	}, []string{"context"})

	// projectionRebuildsTotal and projectionCheckpointPosition are
	// registered by RegisterMetrics, but no code in this module updates
	// them: they stay at zero.
	projectionRebuildsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dcb_projection_rebuilds_total",
		Help: "Total projection rebuilds started, labeled by projection and outcome.",
	}, []string{"projection", "outcome"})

	projectionCheckpointPosition = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dcb_projection_checkpoint_position",
		Help: "Last committed checkpoint position per projection.",
	}, []string{"projection"})
)

// RegisterMetrics registers the store's and projection engine's metrics
// with reg. Call it once per process per registry; a nil reg registers
// with prometheus.DefaultRegisterer.
func RegisterMetrics(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	collectors := []prometheus.Collector{
		eventsAppendedTotal,
		eventsReadTotal,
		conditionViolationsTotal,
		lockWaitSeconds,
		projectionRebuildsTotal,
		projectionCheckpointPosition,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}
