// Package observability builds the process logger and the Prometheus
// counters for session and versioning activity.
package observability
