// Package analytics holds the shared analytics data model, the typed error
// taxonomy, the SQL store for aggregate and raw tables, and the aggregation
// pipeline that turns raw payments, players, and tournaments into
// period-bucketed aggregate rows.
//
// Every aggregate write is an upsert keyed by its natural key, so re-running
// aggregation for a tenant+period is idempotent. Analyzer packages consume
// this package's types and store; they never write aggregates themselves.
package analytics
