// Package metrics holds the Prometheus counters shared by the session and
// shm packages for the drop-silently-but-count cases: paths that must never
// tear a healthy connection down just to report a rare, benign race.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// ResponsesDroppedAfterCancel counts late Responses discarded after a
	// local deadline or user Cancel already resolved the call.
	ResponsesDroppedAfterCancel = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rapace_responses_dropped_after_cancel_total",
		Help: "Responses received for a request_id already resolved locally by deadline or Cancel.",
	})

	// FramesDroppedAfterReset counts Data frames for a stream already in the
	// Reset state, whichever side reset it.
	FramesDroppedAfterReset = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rapace_frames_dropped_after_reset_total",
		Help: "Data messages dropped for a stream already in the Reset state.",
	})

	// ShmStaleDescriptors counts SHM descriptors dropped because their
	// payload_generation did not match the slot's current generation.
	ShmStaleDescriptors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rapace_shm_stale_descriptors_total",
		Help: "SHM descriptors dropped due to a slot generation mismatch.",
	})

	// ShmCrashRecoveries counts completed per-guest crash recovery passes.
	ShmCrashRecoveries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rapace_shm_crash_recoveries_total",
		Help: "Guest crash recovery passes completed by the host.",
	})
)

func init() {
	prometheus.MustRegister(
		ResponsesDroppedAfterCancel,
		FramesDroppedAfterReset,
		ShmStaleDescriptors,
		ShmCrashRecoveries,
	)
}
