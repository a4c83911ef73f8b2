package forecast

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/openbracket/openbracket/pkg/analytics"
	"github.com/openbracket/openbracket/pkg/observability"
)

// Forecast horizons are bounded; anything outside is a validation error.
const (
	MinHorizonMonths = 1
	MaxHorizonMonths = 12
)

// Historical window and minimum signal for revenue prediction.
const (
	historyMonths    = 12
	minNonZeroMonths = 3
)

// Trendline is an ordinary least-squares fit over an index-valued x axis.
type Trendline struct {
	Slope     float64 `json:"slope"`
	Intercept float64 `json:"intercept"`
	RSquared  float64 `json:"r_squared"`
	Equation  string  `json:"equation"`
}

// CalculateTrendline fits y = mx + b over x = 0..len(values)-1. It fails
// with ErrInsufficientData for fewer than 2 points. RSquared is clamped to
// [0, 1]; a constant series is a perfect horizontal fit.
func CalculateTrendline(values []float64) (*Trendline, error) {
	n := len(values)
	if n < 2 {
		return nil, analytics.InsufficientDataf("trendline requires at least 2 points, got %d", n)
	}

	var sumX, sumY, sumXY, sumXX float64
	for i, y := range values {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}

	fn := float64(n)
	denom := fn*sumXX - sumX*sumX
	slope := (fn*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / fn

	meanY := sumY / fn
	var ssRes, ssTot float64
	for i, y := range values {
		predicted := slope*float64(i) + intercept
		ssRes += (y - predicted) * (y - predicted)
		ssTot += (y - meanY) * (y - meanY)
	}

	rSquared := 1.0
	if ssTot > 0 {
		rSquared = 1 - ssRes/ssTot
	}
	rSquared = math.Max(0, math.Min(1, rSquared))

	return &Trendline{
		Slope:     slope,
		Intercept: intercept,
		RSquared:  rSquared,
		Equation:  fmt.Sprintf("y = %.2fx + %.2f", slope, intercept),
	}, nil
}

// MonthValue pairs a calendar month with an observed value.
type MonthValue struct {
	Month time.Time `json:"month"`
	Value float64   `json:"value"`
}

// DetectSeasonality computes a multiplicative factor per calendar month:
// that month's average divided by the overall average, 1.0 meaning no
// seasonal effect. Fewer than 12 points returns an empty map, which callers
// must treat as "no seasonality", not an error.
func DetectSeasonality(series []MonthValue) map[time.Month]float64 {
	factors := make(map[time.Month]float64)
	if len(series) < 12 {
		return factors
	}

	var total float64
	sums := make(map[time.Month]float64)
	counts := make(map[time.Month]int)
	for _, point := range series {
		month := point.Month.UTC().Month()
		sums[month] += point.Value
		counts[month]++
		total += point.Value
	}

	overall := total / float64(len(series))
	if overall == 0 {
		return map[time.Month]float64{}
	}

	for month, sum := range sums {
		factors[month] = (sum / float64(counts[month])) / overall
	}
	return factors
}

// ConfidenceInterval brackets a point estimate at a stated confidence level.
type ConfidenceInterval struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// CalculateConfidenceInterval computes a Normal-approximation bound around
// prediction using the standard error of the historical series. Confidence
// level 90 uses z = 1.645; anything else uses the 95% z = 1.96.
func CalculateConfidenceInterval(prediction float64, history []float64, confidenceLevel int) ConfidenceInterval {
	if len(history) == 0 {
		return ConfidenceInterval{Low: prediction, High: prediction}
	}

	z := 1.96
	if confidenceLevel == 90 {
		z = 1.645
	}

	margin := z * stdDev(history) / math.Sqrt(float64(len(history)))
	return ConfidenceInterval{
		Low:  math.Max(0, prediction-margin),
		High: prediction + margin,
	}
}

// stdDev is the population standard deviation.
func stdDev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var variance float64
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	return math.Sqrt(variance / float64(len(values)))
}

// Store is the aggregate access the forecaster needs.
type Store interface {
	ListRevenueAggregates(ctx context.Context, tenantID int64, periodType analytics.PeriodType, from, to time.Time) ([]analytics.RevenueAggregate, error)
	CountActivePlayers(ctx context.Context, tenantID int64, from, to time.Time) (int, error)
}

// Forecaster projects future revenue and user counts from monthly aggregates
// using closed-form statistics: an OLS trendline, calendar-month seasonality
// factors, and Normal-approximation confidence intervals.
type Forecaster struct {
	store   Store
	logger  *observability.Logger
	metrics *observability.Metrics

	// Overridable for deterministic tests.
	now func() time.Time
}

// NewForecaster creates a forecaster over an aggregate store.
func NewForecaster(store Store, logger *observability.Logger, metrics *observability.Metrics) *Forecaster {
	return &Forecaster{
		store:   store,
		logger:  logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// RevenuePrediction is one projected month of MRR, in dollars.
type RevenuePrediction struct {
	Month          time.Time          `json:"month"`
	PredictedMRR   float64            `json:"predicted_mrr"`
	SeasonalFactor float64            `json:"seasonal_factor"`
	Confidence     ConfidenceInterval `json:"confidence_interval"`
}

// RevenueForecast is the full projection for a tenant.
type RevenueForecast struct {
	TenantID    int64               `json:"tenant_id"`
	Horizon     int                 `json:"horizon_months"`
	Trendline   Trendline           `json:"trendline"`
	Confidence  string              `json:"confidence"`
	Seasonal    bool                `json:"seasonality_applied"`
	Predictions []RevenuePrediction `json:"predictions"`
}

// PredictRevenue projects MRR for the next `months` months from the last 12
// months of monthly revenue aggregates. Months between the tenant's first
// aggregate and now with no row count as zero; months before the first
// aggregate are not part of the series. At least 3 non-zero months are
// required. Confidence: trendline R-squared >= 0.8 high, >= 0.6 medium,
// else low.
func (f *Forecaster) PredictRevenue(ctx context.Context, tenantID int64, months int) (*RevenueForecast, error) {
	if months < MinHorizonMonths || months > MaxHorizonMonths {
		f.metrics.ForecastRequestsTotal.WithLabelValues("revenue", "error").Inc()
		return nil, analytics.Validationf("forecast horizon must be %d-%d months, got %d",
			MinHorizonMonths, MaxHorizonMonths, months)
	}

	currentMonth := analytics.NormalizeToMonth(f.now())
	windowStart := currentMonth.AddDate(0, -(historyMonths - 1), 0)

	aggs, err := f.store.ListRevenueAggregates(ctx, tenantID, analytics.PeriodMonth, windowStart, currentMonth.AddDate(0, 1, 0))
	if err != nil {
		f.metrics.ForecastRequestsTotal.WithLabelValues("revenue", "error").Inc()
		return nil, err
	}
	if len(aggs) == 0 {
		f.metrics.ForecastRequestsTotal.WithLabelValues("revenue", "error").Inc()
		return nil, analytics.NotFoundf("no monthly revenue aggregates for tenant %d", tenantID)
	}

	byMonth := make(map[time.Time]float64, len(aggs))
	for _, agg := range aggs {
		byMonth[analytics.NormalizeToMonth(agg.PeriodStart)] = analytics.CentsToDollars(agg.MRRCents)
	}

	// Zero-fill interior gaps from the first observed month through now.
	firstMonth := analytics.NormalizeToMonth(aggs[0].PeriodStart)
	var series []MonthValue
	nonZero := 0
	for m := firstMonth; !m.After(currentMonth); m = m.AddDate(0, 1, 0) {
		value := byMonth[m]
		if value != 0 {
			nonZero++
		}
		series = append(series, MonthValue{Month: m, Value: value})
	}

	if nonZero < minNonZeroMonths {
		f.metrics.ForecastRequestsTotal.WithLabelValues("revenue", "error").Inc()
		return nil, analytics.InsufficientDataf("revenue prediction requires %d non-zero months, got %d",
			minNonZeroMonths, nonZero)
	}

	values := make([]float64, len(series))
	for i, point := range series {
		values[i] = point.Value
	}

	trend, err := CalculateTrendline(values)
	if err != nil {
		f.metrics.ForecastRequestsTotal.WithLabelValues("revenue", "error").Inc()
		return nil, err
	}

	seasonality := DetectSeasonality(series)

	forecast := &RevenueForecast{
		TenantID:  tenantID,
		Horizon:   months,
		Trendline: *trend,
		Seasonal:  len(seasonality) > 0,
	}

	switch {
	case trend.RSquared >= 0.8:
		forecast.Confidence = "high"
	case trend.RSquared >= 0.6:
		forecast.Confidence = "medium"
	default:
		forecast.Confidence = "low"
	}

	lastIndex := len(values) - 1
	for i := 1; i <= months; i++ {
		month := currentMonth.AddDate(0, i, 0)

		factor := 1.0
		if seasonal, ok := seasonality[month.Month()]; ok && seasonal > 0 {
			factor = seasonal
		}

		predicted := (trend.Slope*float64(lastIndex+i) + trend.Intercept) * factor
		predicted = math.Max(0, predicted)

		forecast.Predictions = append(forecast.Predictions, RevenuePrediction{
			Month:          month,
			PredictedMRR:   predicted,
			SeasonalFactor: factor,
			Confidence:     CalculateConfidenceInterval(predicted, values, 95),
		})
	}

	f.metrics.ForecastRequestsTotal.WithLabelValues("revenue", "success").Inc()
	return forecast, nil
}

// Defaults for the user growth model.
const (
	minGrowthRate    = 0.05
	defaultChurnRate = 0.20
	growthBandWidth  = 0.20
)

// UserGrowthPrediction is one projected month of active users.
type UserGrowthPrediction struct {
	Month          time.Time          `json:"month"`
	PredictedUsers float64            `json:"predicted_users"`
	Confidence     ConfidenceInterval `json:"confidence_interval"`
}

// UserGrowthForecast projects active user counts forward.
type UserGrowthForecast struct {
	TenantID      int64                  `json:"tenant_id"`
	CurrentUsers  int                    `json:"current_users"`
	AvgGrowthRate float64                `json:"avg_growth_rate"`
	ChurnRate     float64                `json:"churn_rate"`
	Confidence    string                 `json:"confidence"`
	Predictions   []UserGrowthPrediction `json:"predictions"`
}

// PredictUserGrowth projects monthly active users with an exponential model:
// the historical average month-over-month growth rate (floored at 5% to
// avoid stagnation artifacts) net of churn, propagated forward with a fixed
// +/-20% band. Pass churnRate <= 0 to use the 20% default when no measured
// churn is available. Confidence derives from the standard deviation of the
// historical growth rates: < 0.1 high, < 0.2 medium, else low.
func (f *Forecaster) PredictUserGrowth(ctx context.Context, tenantID int64, months int, churnRate float64) (*UserGrowthForecast, error) {
	if months < MinHorizonMonths || months > MaxHorizonMonths {
		f.metrics.ForecastRequestsTotal.WithLabelValues("user_growth", "error").Inc()
		return nil, analytics.Validationf("forecast horizon must be %d-%d months, got %d",
			MinHorizonMonths, MaxHorizonMonths, months)
	}
	if churnRate <= 0 {
		churnRate = defaultChurnRate
	}

	currentMonth := analytics.NormalizeToMonth(f.now())

	var counts []float64
	for i := historyMonths - 1; i >= 0; i-- {
		monthStart := currentMonth.AddDate(0, -i, 0)
		count, err := f.store.CountActivePlayers(ctx, tenantID, monthStart, monthStart.AddDate(0, 1, 0))
		if err != nil {
			f.metrics.ForecastRequestsTotal.WithLabelValues("user_growth", "error").Inc()
			return nil, err
		}
		counts = append(counts, float64(count))
	}

	var growthRates []float64
	for i := 1; i < len(counts); i++ {
		if counts[i-1] > 0 {
			growthRates = append(growthRates, (counts[i]-counts[i-1])/counts[i-1])
		}
	}
	if len(growthRates) < 2 {
		f.metrics.ForecastRequestsTotal.WithLabelValues("user_growth", "error").Inc()
		return nil, analytics.InsufficientDataf("user growth requires at least 2 month-over-month samples, got %d",
			len(growthRates))
	}

	var sum float64
	for _, r := range growthRates {
		sum += r
	}
	avgGrowth := math.Max(minGrowthRate, sum/float64(len(growthRates)))

	forecast := &UserGrowthForecast{
		TenantID:      tenantID,
		CurrentUsers:  int(counts[len(counts)-1]),
		AvgGrowthRate: avgGrowth,
		ChurnRate:     churnRate,
	}

	volatility := stdDev(growthRates)
	switch {
	case volatility < 0.1:
		forecast.Confidence = "high"
	case volatility < 0.2:
		forecast.Confidence = "medium"
	default:
		forecast.Confidence = "low"
	}

	projected := counts[len(counts)-1]
	for i := 1; i <= months; i++ {
		projected *= 1 + avgGrowth - churnRate
		projected = math.Max(0, projected)

		forecast.Predictions = append(forecast.Predictions, UserGrowthPrediction{
			Month:          currentMonth.AddDate(0, i, 0),
			PredictedUsers: projected,
			Confidence: ConfidenceInterval{
				Low:  math.Max(0, projected*(1-growthBandWidth)),
				High: projected * (1 + growthBandWidth),
			},
		})
	}

	f.metrics.ForecastRequestsTotal.WithLabelValues("user_growth", "success").Inc()
	return forecast, nil
}
