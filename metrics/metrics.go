// Package metrics exposes prometheus counters and gauges for the acceptor and session lifecycle: connections
// accepted and rejected, sessions currently in flight, PROXY protocol preamble outcomes, and messages accepted or
// rejected by the host's MessageHandler. Registration is gated on misc.EnablePrometheusIntegration, the same switch
// the teacher's performance metrics use, so a host that never turns on the integration pays no prometheus cost.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/smtpgate/smtpgate/misc"
)

// Collectors groups every metric this library publishes. A nil *Collectors is safe to use: every method on it is a
// no-op, so callers that do not want metrics can simply leave the field unset rather than branching on it.
type Collectors struct {
	sessionsInFlight prometheus.Gauge
	connectionsTotal *prometheus.CounterVec
	proxyHeadersTotal *prometheus.CounterVec
	messagesTotal    *prometheus.CounterVec
}

// NewCollectors constructs a fresh, unregistered set of collectors labelled with namespace (typically the host
// binary's name), so that two acceptors in the same process do not collide in the default registry.
func NewCollectors(namespace string) *Collectors {
	return &Collectors{
		sessionsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "smtp_sessions_in_flight",
			Help:      "Number of SMTP sessions currently being served.",
		}),
		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "smtp_connections_total",
			Help:      "Connections handled by the acceptor, partitioned by outcome.",
		}, []string{"outcome"}),
		proxyHeadersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "smtp_proxy_headers_total",
			Help:      "PROXY protocol preambles encountered, partitioned by outcome.",
		}, []string{"outcome"}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "smtp_messages_total",
			Help:      "Messages handed to the MessageHandler, partitioned by whether they were accepted.",
		}, []string{"outcome"}),
	}
}

// RegisterGlobally registers every collector with the default prometheus registry, the same pattern as the
// teacher's ProcessExplorerMetrics.RegisterGlobally. It is a no-op, returning nil, unless
// misc.EnablePrometheusIntegration is set.
func (c *Collectors) RegisterGlobally() error {
	if c == nil || !misc.EnablePrometheusIntegration {
		return nil
	}
	for _, metric := range []prometheus.Collector{
		c.sessionsInFlight,
		c.connectionsTotal,
		c.proxyHeadersTotal,
		c.messagesTotal,
	} {
		if err := prometheus.Register(metric); err != nil {
			return err
		}
	}
	return nil
}

// SessionStarted increments the in-flight session gauge.
func (c *Collectors) SessionStarted() {
	if c == nil {
		return
	}
	c.sessionsInFlight.Inc()
}

// SessionEnded decrements the in-flight session gauge.
func (c *Collectors) SessionEnded() {
	if c == nil {
		return
	}
	c.sessionsInFlight.Dec()
}

// ConnectionAccepted records a connection that was handed off to a session.
func (c *Collectors) ConnectionAccepted() {
	if c == nil {
		return
	}
	c.connectionsTotal.WithLabelValues("accepted").Inc()
}

// ConnectionRejected records a connection turned away because the concurrency limit was reached.
func (c *Collectors) ConnectionRejected() {
	if c == nil {
		return
	}
	c.connectionsTotal.WithLabelValues("rejected_at_capacity").Inc()
}

// ProxyHeaderOutcome records the result of the PROXY protocol dispatch step: "absent" (no preamble, permitted),
// "parsed", or "rejected" (malformed, or required but missing).
func (c *Collectors) ProxyHeaderOutcome(outcome string) {
	if c == nil {
		return
	}
	c.proxyHeadersTotal.WithLabelValues(outcome).Inc()
}

// MessageOutcome records whether a delivered envelope was accepted or rejected by the MessageHandler.
func (c *Collectors) MessageOutcome(accepted bool) {
	if c == nil {
		return
	}
	outcome := "rejected"
	if accepted {
		outcome = "accepted"
	}
	c.messagesTotal.WithLabelValues(outcome).Inc()
}
