// Package observability provides structured logging and metrics for the
// reward governance control plane.
//
// This package implements:
//   - zap logger construction from configuration
//   - A Metrics interface with a Prometheus-backed Collector and a no-op variant
//
// Every service accepts a *zap.Logger and a Metrics value; nil selects the
// no-op implementation.
package observability
