// Package monitoring provides Prometheus metrics for the relay: HTTP
// request instrumentation plus broker, event-channel, and live-connection
// collectors, exposed on /metrics.
package monitoring
