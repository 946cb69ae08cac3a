/*
Package metrics exposes the broker's status counters as Prometheus collectors.

# Usage

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	broker, err := ipc.New(cfg, log, ipc.WithMetrics(m))

	http.Handle("/metrics", metrics.Handler(reg))

Collectors are registered on the registerer handed to New, never on the
process-wide default registry, so several brokers can coexist in one test
binary.
*/
package metrics
