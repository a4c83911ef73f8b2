// Package tournaments analyzes tournament performance from aggregates and
// completed-tournament history: format market share, period-over-period
// comparisons, attendance prediction, and benchmarking against fixed
// reference values.
package tournaments
