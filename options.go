package opcua

import (
	lib "github.com/prometheus/client_golang/prometheus"
	xlog "go.bryk.io/pkg/log"
)

// Option provides a functional-style configuration mechanism for new
// Client instances, following the same pattern used throughout this
// toolbox's other constructors.
type Option func(c *Client) error

// WithLogger sets the logger instance used by the supervisor loop and its
// components. If not provided, a discard logger is used.
func WithLogger(log xlog.Logger) Option {
	return func(c *Client) error {
		c.log = log
		return nil
	}
}

// WithMetrics registers the core's prometheus instruments against reg. If
// not provided, metrics are collected into an unregistered no-op set.
func WithMetrics(reg *lib.Registry) Option {
	return func(c *Client) error {
		c.metrics = newMetricsSet(reg)
		return nil
	}
}

// WithEndpoint pins the Client to a specific, already-selected endpoint,
// skipping discovery entirely (spec §4.3).
func WithEndpoint(ep Endpoint) Option {
	return func(c *Client) error {
		c.endpoint = &ep
		return nil
	}
}

// WithDiscoveryURL enables discovery-based endpoint selection: GetEndpoints
// is called against url at the start of every connection attempt, and the
// result is passed through SelectEndpoint (spec §4.3/§6.5).
func WithDiscoveryURL(url string) Option {
	return func(c *Client) error {
		c.discoveryURL = url
		return nil
	}
}

// WithDiscoverer overrides the discovery helper used when an endpoint is
// resolved from a discovery URL. Mainly useful for tests.
func WithDiscoverer(d Discoverer) Option {
	return func(c *Client) error {
		c.discoverer = d
		return nil
	}
}

// WithIdentity sets the user identity presented at ActivateSession. If
// omitted, an anonymous identity is used.
func WithIdentity(identity UserIdentity) Option {
	return func(c *Client) error {
		c.identity = identity
		return nil
	}
}

// WithSessionConfig overrides the default session configuration.
func WithSessionConfig(config SessionConfiguration) Option {
	return func(c *Client) error {
		c.config = config
		return nil
	}
}
