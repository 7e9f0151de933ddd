package metrics

// Process-local instrumentation counters. Nothing here is registered by
// default; embedders that want scraping call Register with their own
// registry. Unregistered counters are plain atomics, cheap enough for the commit
// path.

import "github.com/prometheus/client_golang/prometheus"

var (
	// GrainsCommitted counts discrete grain commits, including fabric
	// ingress deliveries.
	GrainsCommitted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mxl",
		Name:      "grains_committed_total",
		Help:      "Discrete grain commits published to local readers.",
	})

	// SamplesCommitted counts continuous sample-range commits.
	SamplesCommitted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mxl",
		Name:      "sample_commits_total",
		Help:      "Continuous sample range commits.",
	})

	// ReaderWakes counts futex wake syscalls issued to readers.
	ReaderWakes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mxl",
		Name:      "reader_wakes_total",
		Help:      "Futex wake_all calls issued after commits.",
	})

	// FlowsCollected counts flow directories removed by garbage collection.
	FlowsCollected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mxl",
		Name:      "flows_collected_total",
		Help:      "Flow directories removed by garbage collection.",
	})

	// FabricTransfers counts grain transfers enqueued by fabric initiators.
	FabricTransfers = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mxl",
		Name:      "fabric_transfers_total",
		Help:      "Grain transfers enqueued towards fabric targets.",
	})

	// FabricDeliveries counts grain completions surfaced by fabric targets.
	FabricDeliveries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mxl",
		Name:      "fabric_deliveries_total",
		Help:      "Grain completions surfaced by fabric targets.",
	})
)

// Register attaches all MXL collectors to r.
func Register(r prometheus.Registerer) {
	r.MustRegister(GrainsCommitted, SamplesCommitted, ReaderWakes,
		FlowsCollected, FabricTransfers, FabricDeliveries)
}
