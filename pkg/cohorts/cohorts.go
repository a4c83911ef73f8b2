package cohorts

import (
	"context"
	"math"
	"time"

	"github.com/openbracket/openbracket/pkg/analytics"
	"github.com/openbracket/openbracket/pkg/forecast"
	"github.com/openbracket/openbracket/pkg/observability"
)

// Store is the cohort row access the analyzer needs.
type Store interface {
	GetCohort(ctx context.Context, tenantID int64, cohortMonth time.Time) ([]analytics.UserCohort, error)
	ListCohortMonths(ctx context.Context, tenantID int64) ([]time.Time, error)
}

// Analyzer derives retention curves, lifetime value, comparisons, and
// retention predictions from aggregated cohort rows. It never touches raw
// records; the aggregation pipeline owns those.
type Analyzer struct {
	store  Store
	logger *observability.Logger
}

// NewAnalyzer creates a cohort analyzer over a cohort store.
func NewAnalyzer(store Store, logger *observability.Logger) *Analyzer {
	return &Analyzer{store: store, logger: logger}
}

// RetentionPoint is one month of a cohort's retention curve. Month 0 has no
// churn by definition.
type RetentionPoint struct {
	MonthNumber   int     `json:"month_number"`
	RetainedUsers int     `json:"retained_users"`
	RetentionRate float64 `json:"retention_rate"`
	ChurnedUsers  int     `json:"churned_users"`
	ChurnRate     float64 `json:"churn_rate"`
}

// CohortAnalysis is the derived view of one signup cohort. Checkpoint fields
// are nil until that many months have elapsed.
type CohortAnalysis struct {
	TenantID    int64     `json:"tenant_id"`
	CohortMonth time.Time `json:"cohort_month"`
	CohortSize  int       `json:"cohort_size"`

	// new (<=3 months of data), maturing (<=6), mature (>6)
	Maturity string `json:"maturity"`

	RetentionCurve       []RetentionPoint `json:"retention_curve"`
	AverageRetentionRate float64          `json:"average_retention_rate"`

	Month1Retention  *float64 `json:"month_1_retention,omitempty"`
	Month3Retention  *float64 `json:"month_3_retention,omitempty"`
	Month6Retention  *float64 `json:"month_6_retention,omitempty"`
	Month12Retention *float64 `json:"month_12_retention,omitempty"`

	TotalRevenueCents          int64 `json:"total_revenue_cents"`
	AverageRevenuePerUserCents int64 `json:"average_revenue_per_user_cents"`
	CurrentLTVCents            int64 `json:"current_ltv_cents"`
}

// AnalyzeCohort loads one cohort's full retention series and derives its
// curve, checkpoints, revenue metrics, and maturity. It fails with
// ErrNotFound when the cohort has never been aggregated.
func (a *Analyzer) AnalyzeCohort(ctx context.Context, tenantID int64, cohortMonth time.Time) (*CohortAnalysis, error) {
	cohortMonth = analytics.NormalizeToMonth(cohortMonth)

	rows, err := a.store.GetCohort(ctx, tenantID, cohortMonth)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, analytics.NotFoundf("cohort %s for tenant %d", cohortMonth.Format("2006-01"), tenantID)
	}

	analysis := &CohortAnalysis{
		TenantID:    tenantID,
		CohortMonth: cohortMonth,
		CohortSize:  rows[0].CohortSize,
	}

	var rateSum float64
	byMonth := make(map[int]analytics.UserCohort, len(rows))
	for _, row := range rows {
		byMonth[row.MonthNumber] = row

		point := RetentionPoint{
			MonthNumber:   row.MonthNumber,
			RetainedUsers: row.RetainedUsers,
			RetentionRate: row.RetentionRate,
		}
		if row.MonthNumber > 0 {
			point.ChurnedUsers = row.CohortSize - row.RetainedUsers
			point.ChurnRate = 100 - row.RetentionRate
		}
		analysis.RetentionCurve = append(analysis.RetentionCurve, point)

		rateSum += row.RetentionRate
		analysis.TotalRevenueCents += row.RevenueCents
	}

	analysis.AverageRetentionRate = rateSum / float64(len(rows))
	analysis.Month1Retention = checkpointRate(byMonth, 1)
	analysis.Month3Retention = checkpointRate(byMonth, 3)
	analysis.Month6Retention = checkpointRate(byMonth, 6)
	analysis.Month12Retention = checkpointRate(byMonth, 12)

	if analysis.CohortSize > 0 {
		analysis.AverageRevenuePerUserCents = analysis.TotalRevenueCents / int64(analysis.CohortSize)
	}

	// Latest month's LTV, falling back to average revenue per user when the
	// series carries no LTV yet.
	latest := rows[len(rows)-1]
	if latest.LTVCents > 0 {
		analysis.CurrentLTVCents = latest.LTVCents
	} else {
		analysis.CurrentLTVCents = analysis.AverageRevenuePerUserCents
	}

	switch {
	case len(rows) <= 3:
		analysis.Maturity = "new"
	case len(rows) <= 6:
		analysis.Maturity = "maturing"
	default:
		analysis.Maturity = "mature"
	}

	return analysis, nil
}

func checkpointRate(byMonth map[int]analytics.UserCohort, month int) *float64 {
	row, ok := byMonth[month]
	if !ok {
		return nil
	}
	rate := row.RetentionRate
	return &rate
}

// CohortRank is one entry of a comparison ranking, ordered by month-1
// retention.
type CohortRank struct {
	CohortMonth     time.Time `json:"cohort_month"`
	Month1Retention float64   `json:"month_1_retention"`
}

// CohortComparison ranks cohorts by month-1 retention and summarizes the
// trend across them.
type CohortComparison struct {
	TenantID int64            `json:"tenant_id"`
	Cohorts  []CohortAnalysis `json:"cohorts"`
	Rankings []CohortRank     `json:"rankings"`

	BestCohort  *time.Time `json:"best_cohort,omitempty"`
	WorstCohort *time.Time `json:"worst_cohort,omitempty"`

	// improving / declining / stable from the regression slope of the
	// month-1 series in cohort-month order.
	Trend string `json:"trend"`

	// Population standard deviation of month-1 retention rates.
	RetentionVolatility float64 `json:"retention_volatility"`
}

// CompareCohortsRetention analyzes each cohort and compares them on month-1
// retention. Cohorts younger than one month carry no month-1 rate and are
// excluded from the ranking, trend, and volatility figures.
func (a *Analyzer) CompareCohortsRetention(ctx context.Context, tenantID int64, cohortMonths []time.Time) (*CohortComparison, error) {
	if len(cohortMonths) == 0 {
		return nil, analytics.Validationf("at least one cohort month is required")
	}

	comparison := &CohortComparison{TenantID: tenantID, Trend: "stable"}

	var month1Series []float64
	for _, month := range cohortMonths {
		analysis, err := a.AnalyzeCohort(ctx, tenantID, month)
		if err != nil {
			return nil, err
		}
		comparison.Cohorts = append(comparison.Cohorts, *analysis)

		if analysis.Month1Retention == nil {
			continue
		}
		month1Series = append(month1Series, *analysis.Month1Retention)
		comparison.Rankings = append(comparison.Rankings, CohortRank{
			CohortMonth:     analysis.CohortMonth,
			Month1Retention: *analysis.Month1Retention,
		})
	}

	if len(comparison.Rankings) == 0 {
		return comparison, nil
	}

	best := comparison.Rankings[0]
	worst := comparison.Rankings[0]
	for _, rank := range comparison.Rankings[1:] {
		if rank.Month1Retention > best.Month1Retention {
			best = rank
		}
		if rank.Month1Retention < worst.Month1Retention {
			worst = rank
		}
	}
	bestMonth, worstMonth := best.CohortMonth, worst.CohortMonth
	comparison.BestCohort = &bestMonth
	comparison.WorstCohort = &worstMonth

	comparison.RetentionVolatility = populationStdDev(month1Series)

	if trend, err := forecast.CalculateTrendline(month1Series); err == nil {
		switch {
		case trend.Slope > 0.5:
			comparison.Trend = "improving"
		case trend.Slope < -0.5:
			comparison.Trend = "declining"
		}
	}

	return comparison, nil
}

func populationStdDev(values []float64) float64 {
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

// Prediction band bounds: the width grows with the horizon from +/-10% of
// the predicted rate to a capped +/-30%.
const (
	minBandWidth  = 0.10
	maxBandWidth  = 0.30
	bandWidthStep = 0.02
)

// RetentionPrediction is one projected future month of a cohort's retention.
type RetentionPrediction struct {
	MonthNumber   int     `json:"month_number"`
	RetentionRate float64 `json:"retention_rate"`
	Low           float64 `json:"low"`
	High          float64 `json:"high"`
}

// RetentionForecast projects a cohort's retention decay forward.
type RetentionForecast struct {
	TenantID    int64                 `json:"tenant_id"`
	CohortMonth time.Time             `json:"cohort_month"`
	DecayRate   float64               `json:"decay_rate"`
	Confidence  string                `json:"confidence"`
	Predictions []RetentionPrediction `json:"predictions"`
}

// PredictFutureRetention fits an exponential decay rate from the cohort's
// consecutive-month log-ratios and projects retention(t) = last x e^(-decay
// x dt) for each future month. It requires at least 3 historical points.
// Confidence: >= 6 points high, >= 4 medium, else low.
func (a *Analyzer) PredictFutureRetention(ctx context.Context, tenantID int64, cohortMonth time.Time, months int) (*RetentionForecast, error) {
	if months < forecast.MinHorizonMonths || months > forecast.MaxHorizonMonths {
		return nil, analytics.Validationf("forecast horizon must be %d-%d months, got %d",
			forecast.MinHorizonMonths, forecast.MaxHorizonMonths, months)
	}

	cohortMonth = analytics.NormalizeToMonth(cohortMonth)
	rows, err := a.store.GetCohort(ctx, tenantID, cohortMonth)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, analytics.NotFoundf("cohort %s for tenant %d", cohortMonth.Format("2006-01"), tenantID)
	}
	if len(rows) < 3 {
		return nil, analytics.InsufficientDataf("retention prediction requires 3 months of history, got %d", len(rows))
	}

	// Average absolute decay over consecutive months with positive rates.
	var decaySum float64
	decayCount := 0
	for i := 1; i < len(rows); i++ {
		prev, cur := rows[i-1].RetentionRate, rows[i].RetentionRate
		if prev > 0 && cur > 0 {
			decaySum += math.Abs(math.Log(cur / prev))
			decayCount++
		}
	}

	var decay float64
	if decayCount > 0 {
		decay = decaySum / float64(decayCount)
	}

	result := &RetentionForecast{
		TenantID:    tenantID,
		CohortMonth: cohortMonth,
		DecayRate:   decay,
	}

	switch {
	case len(rows) >= 6:
		result.Confidence = "high"
	case len(rows) >= 4:
		result.Confidence = "medium"
	default:
		result.Confidence = "low"
	}

	last := rows[len(rows)-1]
	for i := 1; i <= months; i++ {
		rate := last.RetentionRate * math.Exp(-decay*float64(i))

		width := minBandWidth + bandWidthStep*float64(i-1)
		if width > maxBandWidth {
			width = maxBandWidth
		}

		result.Predictions = append(result.Predictions, RetentionPrediction{
			MonthNumber:   last.MonthNumber + i,
			RetentionRate: rate,
			Low:           math.Max(0, rate*(1-width)),
			High:          math.Min(100, rate*(1+width)),
		})
	}

	return result, nil
}

// Industry reference retention rates per checkpoint, in percentage points,
// with a +/-2 point "at target" tolerance.
var benchmarkTargets = []struct {
	name   string
	month  int
	target float64
}{
	{"month_1", 1, 40},
	{"month_3", 3, 25},
	{"month_6", 6, 20},
	{"month_12", 12, 15},
}

const benchmarkTolerance = 2.0

// BenchmarkResult compares one retention checkpoint against its industry
// reference value.
type BenchmarkResult struct {
	Checkpoint     string   `json:"checkpoint"`
	Actual         *float64 `json:"actual,omitempty"`
	Target         float64  `json:"target"`
	Status         string   `json:"status"`
	Recommendation string   `json:"recommendation,omitempty"`
}

// RetentionBenchmarks is the latest cohort's standing against industry
// reference retention.
type RetentionBenchmarks struct {
	TenantID    int64             `json:"tenant_id"`
	CohortMonth time.Time         `json:"cohort_month"`
	Results     []BenchmarkResult `json:"results"`
}

// GetRetentionBenchmarks compares the latest aggregated cohort's checkpoint
// rates to fixed industry reference values (40/25/20/15%). Checkpoints not
// yet elapsed are reported as pending.
func (a *Analyzer) GetRetentionBenchmarks(ctx context.Context, tenantID int64) (*RetentionBenchmarks, error) {
	months, err := a.store.ListCohortMonths(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if len(months) == 0 {
		return nil, analytics.NotFoundf("no cohorts aggregated for tenant %d", tenantID)
	}

	latest := months[len(months)-1]
	analysis, err := a.AnalyzeCohort(ctx, tenantID, latest)
	if err != nil {
		return nil, err
	}

	checkpoints := map[int]*float64{
		1:  analysis.Month1Retention,
		3:  analysis.Month3Retention,
		6:  analysis.Month6Retention,
		12: analysis.Month12Retention,
	}

	benchmarks := &RetentionBenchmarks{TenantID: tenantID, CohortMonth: analysis.CohortMonth}
	for _, b := range benchmarkTargets {
		result := BenchmarkResult{Checkpoint: b.name, Target: b.target}

		actual := checkpoints[b.month]
		if actual == nil {
			result.Status = "pending"
			benchmarks.Results = append(benchmarks.Results, result)
			continue
		}

		result.Actual = actual
		switch {
		case *actual >= b.target+benchmarkTolerance:
			result.Status = "above_target"
		case *actual >= b.target-benchmarkTolerance:
			result.Status = "at_target"
		default:
			result.Status = "below_target"
			result.Recommendation = benchmarkRecommendation(b.month)
		}
		benchmarks.Results = append(benchmarks.Results, result)
	}

	return benchmarks, nil
}

func benchmarkRecommendation(month int) string {
	switch month {
	case 1:
		return "Month-1 retention is below the industry reference; review onboarding and first-tournament experience."
	case 3:
		return "Month-3 retention is below the industry reference; consider re-engagement campaigns for players inactive 30+ days."
	case 6:
		return "Month-6 retention is below the industry reference; evaluate mid-term engagement loops such as leagues or seasons."
	default:
		return "Month-12 retention is below the industry reference; long-term loyalty programs may help."
	}
}
