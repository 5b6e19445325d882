/*
Package metrics exports babyfs activity to Prometheus.

The Collector owns a private registry with counters and gauges for the
inode pool (allocations, frees, reclamations, carved slabs, slots by
state), the block buffer cache (hits, misses, pinned references), block
device operations and mounts. Errors are counted by their babyfs error
code.

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      9469,
		Path:      "/metrics",
		Namespace: "babyfs",
	})
	if err != nil {
		return err
	}
	if err := collector.Start(ctx); err != nil {
		return err
	}

Start serves Path, /health and /debug/operations. The Collector satisfies
the observer interfaces of the slab, buffer and vfs packages, so it can be
handed to each of them directly. A nil *Collector is valid and records
nothing.
*/
package metrics
