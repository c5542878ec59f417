// Package metrics exports engine measurements to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/subplex/subplex-go/pkg/rpc"
	"github.com/subplex/subplex-go/pkg/subscription"
)

const namespace = "subplex"

// Metrics implements the correlator and registry observers on top of
// Prometheus collectors.
type Metrics struct {
	requests       *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	pending        prometheus.Gauge
	unmatched      prometheus.Counter

	targets        *prometheus.GaugeVec
	retries        *prometheus.CounterVec
	delivered      *prometheus.CounterVec
	stale          *prometheus.CounterVec
	decodeFailures *prometheus.CounterVec
	unknown        prometheus.Counter
	dropped        *prometheus.CounterVec

	protocolViolations prometheus.Counter
	reconnects         prometheus.Counter
	connected          prometheus.Gauge
	resubscribe        prometheus.Histogram
	resubscribeFailed  prometheus.Counter
}

var (
	_ rpc.Observer          = (*Metrics)(nil)
	_ subscription.Observer = (*Metrics)(nil)
)

// New creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Requests by method and outcome",
		}, []string{"method", "outcome"}),
		requestLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "confirmation_seconds",
			Help:      "Time from request to confirmation",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"method"}),
		pending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "pending_requests",
			Help:      "Requests awaiting confirmation",
		}),
		unmatched: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "unmatched_responses_total",
			Help:      "Responses with no pending request (late, stale generation, unknown id)",
		}),
		targets: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "targets",
			Help:      "Targets by state",
		}, []string{"state"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "subscribe_retries_total",
			Help:      "Subscribes resent after a confirmation timeout",
		}, []string{"subject"}),
		delivered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "updates_total",
			Help:      "Pushes applied to a logical key",
		}, []string{"subject"}),
		stale: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "stale_pushes_total",
			Help:      "Pushes discarded for an older slot",
		}, []string{"subject"}),
		decodeFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "decode_failures_total",
			Help:      "Pushes a key's decoder rejected",
		}, []string{"subject"}),
		unknown: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "unknown_subscription_pushes_total",
			Help:      "Pushes for subscription ids with no bound target",
		}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "dropped_pushes_total",
			Help:      "Pushes dropped from a full key queue",
		}, []string{"subject"}),
		protocolViolations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "protocol_violations_total",
			Help:      "Malformed frames dropped",
		}),
		reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "reconnects_total",
			Help:      "Connections established after a loss",
		}),
		connected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "connected",
			Help:      "1 while a connection is up",
		}),
		resubscribe: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "resubscribe_seconds",
			Help:      "Time to resubscribe all targets after a reconnect",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		resubscribeFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "resubscribe_failures_total",
			Help:      "Targets that failed to resubscribe after a reconnect",
		}),
	}
}

// ObserveRequest implements rpc.Observer.
func (m *Metrics) ObserveRequest(method, outcome string, latency time.Duration) {
	m.requests.WithLabelValues(method, outcome).Inc()
	if outcome == rpc.OutcomeOK || outcome == rpc.OutcomeRPCError {
		m.requestLatency.WithLabelValues(method).Observe(latency.Seconds())
	}
}

// ObservePending implements rpc.Observer.
func (m *Metrics) ObservePending(n int) { m.pending.Set(float64(n)) }

// ObserveUnmatched implements rpc.Observer.
func (m *Metrics) ObserveUnmatched() { m.unmatched.Inc() }

// ObserveTransition implements subscription.Observer.
func (m *Metrics) ObserveTransition(_ subscription.Target, from, to subscription.State) {
	if from != subscription.StateUnbound {
		m.targets.WithLabelValues(from.String()).Dec()
	}
	if to != subscription.StateUnbound {
		m.targets.WithLabelValues(to.String()).Inc()
	}
}

// ObserveRetry implements subscription.Observer.
func (m *Metrics) ObserveRetry(t subscription.Target) {
	m.retries.WithLabelValues(t.Subject).Inc()
}

// ObserveDelivered implements subscription.Observer.
func (m *Metrics) ObserveDelivered(t subscription.Target) {
	m.delivered.WithLabelValues(t.Subject).Inc()
}

// ObserveStale implements subscription.Observer.
func (m *Metrics) ObserveStale(t subscription.Target) {
	m.stale.WithLabelValues(t.Subject).Inc()
}

// ObserveDecodeFailure implements subscription.Observer.
func (m *Metrics) ObserveDecodeFailure(t subscription.Target) {
	m.decodeFailures.WithLabelValues(t.Subject).Inc()
}

// ObserveUnknown implements subscription.Observer.
func (m *Metrics) ObserveUnknown() { m.unknown.Inc() }

// ObserveDropped implements subscription.Observer.
func (m *Metrics) ObserveDropped(t subscription.Target) {
	m.dropped.WithLabelValues(t.Subject).Inc()
}

// ObserveProtocolViolation counts a dropped malformed frame.
func (m *Metrics) ObserveProtocolViolation() { m.protocolViolations.Inc() }

// ObserveConnection tracks connection state; reconnect is set for every
// connection after the first.
func (m *Metrics) ObserveConnection(up, reconnect bool) {
	if !up {
		m.connected.Set(0)
		return
	}
	m.connected.Set(1)
	if reconnect {
		m.reconnects.Inc()
	}
}

// ObserveResubscribe records a completed resubscribe pass.
func (m *Metrics) ObserveResubscribe(elapsed time.Duration, failed int) {
	m.resubscribe.Observe(elapsed.Seconds())
	m.resubscribeFailed.Add(float64(failed))
}
