package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	syncBatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "healthshield_sync_batches_total",
		Help: "Client sync batches processed.",
	})

	syncRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "healthshield_sync_records_total",
		Help: "Records reconciled during sync, by type and action.",
	}, []string{"record_type", "action"})

	syncConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "healthshield_sync_conflicts_total",
		Help: "Records rejected during sync, by type.",
	}, []string{"record_type"})
)
