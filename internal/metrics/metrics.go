// Package metrics exposes the tunnel mesh's Prometheus instrumentation:
// the counters and gauges spec §7's error-propagation policy calls for
// ("errors ... are counted in metrics") and spec §4.10's health classifier
// transitions, collected via github.com/prometheus/client_golang and served
// on the operator surface's /metrics endpoint.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// ConnectionResets counts per-connection RESETs by reason (spec §7:
	// "recoverable errors on a single connection ... surface as a RESET on
	// that connection only and are counted in metrics").
	ConnectionResets = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tunnelmesh",
		Name:      "connection_resets_total",
		Help:      "Connections torn down with RESET, by reason.",
	}, []string{"reason"})

	// ReplayRejections counts C5 rejections of a previously-seen nonce or
	// frame UUID (spec §4.5).
	ReplayRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tunnelmesh",
		Name:      "replay_rejections_total",
		Help:      "check_and_insert calls that found a duplicate key, by store kind.",
	}, []string{"kind"})

	// AuthFailures counts C6 handshake/redemption rejections by failure
	// mode (spec §4.6's UNAUTH_* kinds).
	AuthFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tunnelmesh",
		Name:      "auth_failures_total",
		Help:      "Auth handshake or token redemption rejections, by failure kind.",
	}, []string{"kind"})

	// ExitHealthTransitions counts C10 health-state transitions, by
	// resulting state, feeding alerting on flapping exits.
	ExitHealthTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tunnelmesh",
		Name:      "exit_health_transitions_total",
		Help:      "Exit node health classifier transitions, by resulting state.",
	}, []string{"state"})

	// TunnelBackpressureBytes gauges the current buffered-but-unsent bytes
	// across all live tunnel sessions (spec §8's back-pressure invariant).
	TunnelBackpressureBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tunnelmesh",
		Name:      "tunnel_backpressure_bytes",
		Help:      "Sum of outbound-buffered bytes across all live tunnel sessions.",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionResets,
		ReplayRejections,
		AuthFailures,
		ExitHealthTransitions,
		TunnelBackpressureBytes,
	)
}
