// Package forecast fits simple closed-form statistical models to monthly
// revenue aggregates: an ordinary least-squares trendline, multiplicative
// calendar-month seasonality factors, and Normal-approximation confidence
// intervals. There is no trained model here; every projection is derivable
// by hand from the aggregate series.
package forecast
