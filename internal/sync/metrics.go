package sync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "issuebridge_sync_operations_total",
		Help: "Sink operations performed by the sync engine",
	}, []string{"op", "result"})

	passesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "issuebridge_sync_passes_total",
		Help: "Reconciliation passes by outcome",
	}, []string{"result"})

	passDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "issuebridge_sync_duration_seconds",
		Help:    "Duration of a reconciliation pass",
		Buckets: prometheus.DefBuckets,
	})

	bulkRemovedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "issuebridge_bulk_removed_total",
		Help: "Artifacts removed by bulk retirement",
	})
)

func observeOp(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	operationsTotal.WithLabelValues(op, result).Inc()
}
