// Package cohorts analyzes signup-cohort retention from aggregated cohort
// rows: per-cohort retention curves and lifetime value, cross-cohort
// comparison, exponential-decay retention prediction, and benchmarking
// against fixed industry reference rates.
package cohorts
