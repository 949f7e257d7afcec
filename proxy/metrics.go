package proxy

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposed for an external scrape endpoint (the admin API itself is
// out of scope, but the counters are core-owned state produced by the
// forwarding task). Registration is left to the caller: cmd/taxyd calls
// registry.MustRegister(proxy.Collectors()...) on its own *prometheus.Registry,
// matching how the teacher exposes its own *prometheus.Registry per
// instance (caddy.Context.GetMetricsRegistry) rather than using the global
// default registry.
var (
	connectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taxy",
		Subsystem: "proxy",
		Name:      "connections_total",
		Help:      "Total forwarded TCP connections, by port listen address.",
	}, []string{"listen"})

	bytesForwardedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taxy",
		Subsystem: "proxy",
		Name:      "bytes_forwarded_total",
		Help:      "Total bytes copied between client and upstream, by direction.",
	}, []string{"listen", "direction"})

	forwardErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taxy",
		Subsystem: "proxy",
		Name:      "forward_errors_total",
		Help:      "Forwarding task failures, by stage.",
	}, []string{"listen", "stage"})
)

// Collectors returns every prometheus.Collector this package owns, for the
// caller to register against its own registry.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{connectionsTotal, bytesForwardedTotal, forwardErrorsTotal}
}
