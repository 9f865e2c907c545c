package opcua

import (
	lib "github.com/prometheus/client_golang/prometheus"
)

// metricsSet is the small, fixed set of instruments the core itself
// produces (spec §6 "added"). It is optional: a Client built without
// WithMetrics uses a no-op set that still satisfies every call site
// without ever touching a real registry.
type metricsSet struct {
	clientState          *lib.GaugeVec
	publishInflight       lib.Gauge
	publishErrors         lib.Counter
	subscriptionsActive   lib.Gauge
}

// newMetricsSet builds and registers a live instrument set against reg. It
// mirrors the collector-construction style used throughout the bryk.io
// toolbox's own prometheus integration.
func newMetricsSet(reg *lib.Registry) *metricsSet {
	m := &metricsSet{
		clientState: lib.NewGaugeVec(lib.GaugeOpts{
			Name: "opcua_client_state",
			Help: "Current channel lifecycle state, one gauge series per state label set to 1.",
		}, []string{"state"}),
		publishInflight: lib.NewGauge(lib.GaugeOpts{
			Name: "opcua_publish_inflight",
			Help: "Number of Publish requests currently awaiting a response.",
		}),
		publishErrors: lib.NewCounter(lib.CounterOpts{
			Name: "opcua_publish_errors_total",
			Help: "Total number of Publish requests that completed with an error.",
		}),
		subscriptionsActive: lib.NewGauge(lib.GaugeOpts{
			Name: "opcua_subscriptions_active",
			Help: "Number of subscriptions currently tracked by the registry.",
		}),
	}
	reg.MustRegister(m.clientState, m.publishInflight, m.publishErrors, m.subscriptionsActive)
	return m
}

// newNoopMetricsSet builds an unregistered instrument set: every method
// call is cheap and side-effect-free outside the instrument itself, so
// call sites never need a nil check.
func newNoopMetricsSet() *metricsSet {
	return &metricsSet{
		clientState:         lib.NewGaugeVec(lib.GaugeOpts{Name: "opcua_client_state_noop", Help: "unused"}, []string{"state"}),
		publishInflight:     lib.NewGauge(lib.GaugeOpts{Name: "opcua_publish_inflight_noop", Help: "unused"}),
		publishErrors:       lib.NewCounter(lib.CounterOpts{Name: "opcua_publish_errors_total_noop", Help: "unused"}),
		subscriptionsActive: lib.NewGauge(lib.GaugeOpts{Name: "opcua_subscriptions_active_noop", Help: "unused"}),
	}
}
