package pool

import "github.com/prometheus/client_golang/prometheus"

var (
	acquireWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "agentvmd_pool_acquire_wait_seconds",
		Help:    "Time spent waiting inside Pool.Acquire, including provisioning.",
		Buckets: prometheus.DefBuckets,
	})

	activeVMs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agentvmd_pool_active_vms",
		Help: "Number of VMs currently provisioned by the pool.",
	})

	poisonedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agentvmd_pool_poisoned_total",
		Help: "Number of VMs evicted after a failed golden-snapshot revert.",
	})
)

func init() {
	prometheus.MustRegister(acquireWaitSeconds, activeVMs, poisonedTotal)
}
