package lease

import "github.com/prometheus/client_golang/prometheus"

var leaseAcquireTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "stableflow",
	Subsystem: "lease",
	Name:      "acquire_total",
	Help:      "Lease acquisitions by backend and result.",
}, []string{"backend", "result"})

func init() {
	prometheus.MustRegister(leaseAcquireTotal)
}

func observeAcquire(backend string, ok bool) {
	result := "acquired"
	if !ok {
		result = "abandoned"
	}
	leaseAcquireTotal.WithLabelValues(backend, result).Inc()
}
