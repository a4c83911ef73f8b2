// Package observability provides structured logging and Prometheus metrics
// for the OpenBracket analytics engine.
//
// The Logger wraps stdlib slog with a JSON handler and carries tenant and
// job identifiers through context. Metrics covers the cache layer
// (hits/misses/sets/errors), aggregation runs, forecast requests, and
// scheduled report deliveries.
package observability
