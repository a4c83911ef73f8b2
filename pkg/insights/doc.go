// Package insights is the analytics façade: cached, tenant-scoped queries
// over the cohort, forecast, and tournament analyzers, plus the composite
// dashboard summary, the freshness health report, cache warming, and
// tenant-wide invalidation. Cache-key and TTL policy lives here and nowhere
// else.
package insights
