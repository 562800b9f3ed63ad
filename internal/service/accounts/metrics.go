package accounts

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	createCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "accountd_account_creations_total",
		Help: "Account creations by kind: new, re-registration, recently-deleted.",
	}, []string{"type"})

	deleteCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "accountd_account_deletions_total",
		Help: "Account deletions by country calling code and reason.",
	}, []string{"country", "reason"})

	opDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "accountd_operation_duration_seconds",
		Help:    "Coordinator operation latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(createCounter, deleteCounter, opDuration)
}

// timeOp observes the duration of one coordinator operation:
//
//	defer timeOp("create")()
func timeOp(op string) func() {
	start := time.Now()
	return func() {
		opDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}
