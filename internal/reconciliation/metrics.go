package reconciliation

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	claimsCount = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "stableflow",
		Subsystem: "claims",
		Name:      "count",
		Help:      "Claims per lifecycle bucket.",
	}, []string{"bucket"})

	claimsAmount = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "stableflow",
		Subsystem: "claims",
		Name:      "amount_usdc",
		Help:      "Claimed USDC per lifecycle bucket.",
	}, []string{"bucket"})

	statsRecomputeDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "stableflow",
		Subsystem: "reconciliation",
		Name:      "stats_recompute_duration_seconds",
		Help:      "Duration of claim statistics updates by mode.",
		Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	}, []string{"mode"})

	approvedOutstanding = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "stableflow",
		Subsystem: "reconciliation",
		Name:      "approved_outstanding_usdc",
		Help:      "USDC owed on APPROVED claims at the last coverage check.",
	})

	treasuryUSDC = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "stableflow",
		Subsystem: "reconciliation",
		Name:      "treasury_usdc",
		Help:      "Treasury USDC balance at the last coverage check.",
	})

	coverageShortfall = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "stableflow",
		Subsystem: "reconciliation",
		Name:      "coverage_shortfall_usdc",
		Help:      "USDC the treasury lacks to pay every APPROVED claim. Zero when covered.",
	})

	coverageDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "stableflow",
		Subsystem: "reconciliation",
		Name:      "coverage_check_duration_seconds",
		Help:      "Duration of coverage checks in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	coverageErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "stableflow",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total coverage check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		claimsCount,
		claimsAmount,
		statsRecomputeDuration,
		approvedOutstanding,
		treasuryUSDC,
		coverageShortfall,
		coverageDuration,
		coverageErrors,
	)
}

func observeRecompute(mode string, start time.Time) {
	statsRecomputeDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
}

func publishStats(s Statistics) {
	for _, b := range s.Buckets() {
		claimsCount.WithLabelValues(b.Name).Set(float64(b.Count))
		claimsAmount.WithLabelValues(b.Name).Set(b.Amount.InexactFloat64())
	}
}
