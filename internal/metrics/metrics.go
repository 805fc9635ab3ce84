// Package metrics holds the engine's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// TicksDropped counts ticks discarded because the tick queue was full.
	TicksDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lotexec_ticks_dropped_total",
		Help: "Ticks dropped because the tick queue was full",
	})

	// NotificationsDropped counts log-queue events discarded on overflow.
	NotificationsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lotexec_notifications_dropped_total",
		Help: "Notifications dropped because the log queue was full",
	})

	// TickQueueDepth is the current occupancy of the tick queue.
	TickQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lotexec_tick_queue_depth",
		Help: "Current tick queue occupancy",
	})

	// UnmatchedConfirmations counts confirmations that found no candidate group.
	UnmatchedConfirmations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lotexec_unmatched_confirmations_total",
		Help: "Confirmations dropped because no outstanding group matched",
	}, []string{"side"})

	// RetriesSubmitted counts chase-price re-submissions by side.
	RetriesSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lotexec_retries_submitted_total",
		Help: "Chase-price re-submissions",
	}, []string{"side"})

	// RetriesRejected counts retries refused by eligibility or slippage checks.
	RetriesRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lotexec_retries_rejected_total",
		Help: "Retries refused, labelled by reason",
	}, []string{"reason"})

	// PersistFallbacks counts synchronous writes taken because the async
	// persister was full or unhealthy.
	PersistFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lotexec_persist_fallbacks_total",
		Help: "Synchronous persistence fallbacks",
	})

	// PersistQueueDepth is the current occupancy of the persister queue.
	PersistQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lotexec_persist_queue_depth",
		Help: "Current async persister queue occupancy",
	})

	// GroupsCompleted counts groups that reached their full fill count.
	GroupsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lotexec_groups_completed_total",
		Help: "Groups that reached completion",
	}, []string{"side"})
)

func init() {
	prometheus.MustRegister(
		TicksDropped,
		NotificationsDropped,
		TickQueueDepth,
		UnmatchedConfirmations,
		RetriesSubmitted,
		RetriesRejected,
		PersistFallbacks,
		PersistQueueDepth,
		GroupsCompleted,
	)
}
