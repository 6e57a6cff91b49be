package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// lockDenials and lockWaitSeconds are the only two coordinator metrics
// called for in spec.md §4.F's lottery-arbitrated operation lock: how
// often a requester loses the lottery or finds the lock already held,
// and how long AcquireLock takes to settle one way or the other.
var (
	lockDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aura_coordinator_lock_denials_total",
		Help: "Operation lock acquisitions that found the lock held or lost the lottery, by operation type.",
	}, []string{"operation"})

	lockWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "aura_coordinator_lock_wait_seconds",
		Help: "Time spent inside AcquireLock before a grant or denial was decided, by operation type.",
	}, []string{"operation"})
)
