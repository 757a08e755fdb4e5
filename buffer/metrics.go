package buffer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	enqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_buffer_enqueued_total",
		Help: "Messages durably enqueued, by route.",
	}, []string{"source", "destination"})

	completedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_buffer_completed_total",
		Help: "Messages acknowledged as delivered.",
	})

	failedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_buffer_failed_total",
		Help: "Messages which exhausted their retries.",
	})

	expiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_buffer_expired_total",
		Help: "Messages expired past their time-to-live.",
	})

	rejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_buffer_rejected_total",
		Help: "Enqueues rejected by capacity or priority limits.",
	})

	deadLettersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_buffer_dead_letters_total",
		Help: "Dead-letter records written.",
	})
)
