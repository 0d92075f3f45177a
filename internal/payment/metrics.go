package payment

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeSuccess  = "success"
	outcomeFailed   = "failed"
	outcomeRejected = "rejected"
)

var (
	// SettlementsTotal counts settlement attempts. "rejected" attempts
	// stopped before any transfer was dispatched.
	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stableflow",
			Subsystem: "payment",
			Name:      "settlements_total",
			Help:      "Settlement attempts by outcome.",
		},
		[]string{"outcome"},
	)

	SettlementDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "stableflow",
			Subsystem: "payment",
			Name:      "settlement_duration_seconds",
			Help:      "Settlement duration including chain confirmation.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"outcome"},
	)

	SettledAmount = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "stableflow",
		Subsystem: "payment",
		Name:      "settled_usdc_total",
		Help:      "USDC paid out to employees.",
	})

	BatchItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stableflow",
			Subsystem: "payment",
			Name:      "batch_items_total",
			Help:      "Batch settlement items by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(SettlementsTotal, SettlementDuration, SettledAmount, BatchItemsTotal)
}

func observeSettlement(outcome string, start time.Time) {
	SettlementsTotal.WithLabelValues(outcome).Inc()
	SettlementDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}
