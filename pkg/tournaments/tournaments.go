package tournaments

import (
	"context"
	"math"
	"time"

	"github.com/openbracket/openbracket/pkg/analytics"
	"github.com/openbracket/openbracket/pkg/observability"
)

// Store is the aggregate and raw tournament access the analyzer needs.
type Store interface {
	GetTournamentAggregate(ctx context.Context, tenantID int64, periodType analytics.PeriodType, periodStart time.Time) (*analytics.TournamentAggregate, error)
	ListTournamentAggregates(ctx context.Context, tenantID int64, periodType analytics.PeriodType, from, to time.Time) ([]analytics.TournamentAggregate, error)
	ListCompletedTournaments(ctx context.Context, tenantID int64, limit int) ([]analytics.Tournament, error)
	CountActivePlayers(ctx context.Context, tenantID int64, from, to time.Time) (int, error)
}

// How much completed-tournament history feeds format popularity and
// attendance prediction.
const historyLimit = 200

// Analyzer derives format popularity, period-over-period comparisons,
// attendance predictions, and benchmark standings from tournament aggregates
// and completed-tournament history.
type Analyzer struct {
	store  Store
	logger *observability.Logger

	// Overridable for deterministic tests.
	now func() time.Time
}

// NewAnalyzer creates a tournament performance analyzer.
func NewAnalyzer(store Store, logger *observability.Logger) *Analyzer {
	return &Analyzer{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// FormatPopularity is one format's share of the tournament market.
type FormatPopularity struct {
	Format      string  `json:"format"`
	Count       int     `json:"count"`
	MarketShare float64 `json:"market_share"`
}

// MetricChange is a period-over-period comparison of one metric. Direction
// is up/down/flat with a +/-1% deadband on the percentage change.
type MetricChange struct {
	Metric        string  `json:"metric"`
	Current       float64 `json:"current"`
	Previous      float64 `json:"previous"`
	PercentChange float64 `json:"percent_change"`
	Direction     string  `json:"direction"`
}

// PerformanceReport is the derived tournament view for one tenant period.
type PerformanceReport struct {
	TenantID    int64                `json:"tenant_id"`
	PeriodType  analytics.PeriodType `json:"period_type"`
	PeriodStart time.Time            `json:"period_start"`

	Aggregate        analytics.TournamentAggregate `json:"aggregate"`
	FormatPopularity []FormatPopularity            `json:"format_popularity"`

	// Comparison against the immediately preceding period; empty when the
	// previous period was never aggregated.
	Changes []MetricChange `json:"changes,omitempty"`
}

// AnalyzePeriod loads one period's tournament aggregate, derives format
// market share from completed-tournament history, and compares the period
// against its predecessor when one exists. It fails with ErrNotFound when
// the requested period was never aggregated.
func (a *Analyzer) AnalyzePeriod(ctx context.Context, tenantID int64, periodType analytics.PeriodType, periodStart time.Time) (*PerformanceReport, error) {
	current, err := a.store.GetTournamentAggregate(ctx, tenantID, periodType, periodStart)
	if err != nil {
		return nil, err
	}

	popularity, err := a.formatPopularity(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	report := &PerformanceReport{
		TenantID:         tenantID,
		PeriodType:       periodType,
		PeriodStart:      current.PeriodStart,
		Aggregate:        *current,
		FormatPopularity: popularity,
	}

	previousStart, _, err := analytics.PeriodBounds(periodType, previousPeriodAnchor(periodType, current.PeriodStart))
	if err != nil {
		return nil, err
	}
	previous, err := a.store.GetTournamentAggregate(ctx, tenantID, periodType, previousStart)
	if analytics.IsNotFound(err) {
		return report, nil
	}
	if err != nil {
		return nil, err
	}

	report.Changes = []MetricChange{
		compareMetric("tournament_count", float64(current.TournamentCount), float64(previous.TournamentCount)),
		compareMetric("completion_rate", current.CompletionRate, previous.CompletionRate),
		compareMetric("average_players", current.AveragePlayers, previous.AveragePlayers),
		compareMetric("revenue", analytics.CentsToDollars(current.RevenueCents), analytics.CentsToDollars(previous.RevenueCents)),
	}
	return report, nil
}

func previousPeriodAnchor(periodType analytics.PeriodType, periodStart time.Time) time.Time {
	switch periodType {
	case analytics.PeriodDay:
		return periodStart.AddDate(0, 0, -1)
	case analytics.PeriodWeek:
		return periodStart.AddDate(0, 0, -7)
	case analytics.PeriodMonth:
		return periodStart.AddDate(0, -1, 0)
	case analytics.PeriodQuarter:
		return periodStart.AddDate(0, -3, 0)
	default:
		return periodStart.AddDate(-1, 0, 0)
	}
}

// flatDeadband is the +/- percentage-change band reported as "flat".
const flatDeadband = 1.0

func compareMetric(name string, current, previous float64) MetricChange {
	change := MetricChange{Metric: name, Current: current, Previous: previous}

	switch {
	case previous == 0 && current == 0:
		change.Direction = "flat"
		return change
	case previous == 0:
		change.PercentChange = 100
	default:
		change.PercentChange = (current - previous) / previous * 100
	}

	switch {
	case change.PercentChange > flatDeadband:
		change.Direction = "up"
	case change.PercentChange < -flatDeadband:
		change.Direction = "down"
	default:
		change.Direction = "flat"
	}
	return change
}

func (a *Analyzer) formatPopularity(ctx context.Context, tenantID int64) ([]FormatPopularity, error) {
	history, err := a.store.ListCompletedTournaments(ctx, tenantID, historyLimit)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, nil
	}

	counts := make(map[string]int)
	var order []string
	for _, t := range history {
		if _, seen := counts[t.Format]; !seen {
			order = append(order, t.Format)
		}
		counts[t.Format]++
	}

	popularity := make([]FormatPopularity, 0, len(order))
	for _, format := range order {
		popularity = append(popularity, FormatPopularity{
			Format:      format,
			Count:       counts[format],
			MarketShare: float64(counts[format]) / float64(len(history)) * 100,
		})
	}
	return popularity, nil
}

// Attendance prediction signal weights. They sum to 1.
const (
	weightHistorical = 0.30
	weightFormat     = 0.30
	weightDayOfWeek  = 0.25
	weightMonth      = 0.15
)

// AttendancePrediction is a predicted headcount for a planned tournament.
type AttendancePrediction struct {
	TenantID    int64     `json:"tenant_id"`
	Format      string    `json:"format"`
	ScheduledAt time.Time `json:"scheduled_at"`

	PredictedPlayers float64 `json:"predicted_players"`
	Low              float64 `json:"low"`
	High             float64 `json:"high"`
	Confidence       string  `json:"confidence"`

	SampleSize int `json:"sample_size"`
}

// PredictTournamentAttendance blends four signals from completed-tournament
// history into one predicted headcount: overall average attendance (0.30),
// same-format average (0.30), same day-of-week average (0.25), and same
// calendar-month average (0.15). A signal with no samples falls back to the
// overall average. The confidence band narrows as same-format history grows:
// >= 10 tournaments +/-15%, >= 5 +/-25%, else +/-40%.
func (a *Analyzer) PredictTournamentAttendance(ctx context.Context, tenantID int64, format string, scheduledAt time.Time) (*AttendancePrediction, error) {
	history, err := a.store.ListCompletedTournaments(ctx, tenantID, historyLimit)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, analytics.InsufficientDataf("no completed tournaments for tenant %d", tenantID)
	}

	scheduledAt = scheduledAt.UTC()

	var overall, formatAvg, dowAvg, monthAvg signalAverage
	for _, t := range history {
		players := float64(t.PlayerCount)
		overall.add(players)
		if t.Format == format {
			formatAvg.add(players)
		}
		started := t.CreatedAt
		if t.StartedAt != nil {
			started = *t.StartedAt
		}
		if started.UTC().Weekday() == scheduledAt.Weekday() {
			dowAvg.add(players)
		}
		if started.UTC().Month() == scheduledAt.Month() {
			monthAvg.add(players)
		}
	}

	base := overall.value(0)
	predicted := weightHistorical*base +
		weightFormat*formatAvg.value(base) +
		weightDayOfWeek*dowAvg.value(base) +
		weightMonth*monthAvg.value(base)

	prediction := &AttendancePrediction{
		TenantID:         tenantID,
		Format:           format,
		ScheduledAt:      scheduledAt,
		PredictedPlayers: predicted,
		SampleSize:       formatAvg.count,
	}

	var band float64
	switch {
	case formatAvg.count >= 10:
		band, prediction.Confidence = 0.15, "high"
	case formatAvg.count >= 5:
		band, prediction.Confidence = 0.25, "medium"
	default:
		band, prediction.Confidence = 0.40, "low"
	}
	prediction.Low = math.Max(0, predicted*(1-band))
	prediction.High = predicted * (1 + band)

	return prediction, nil
}

type signalAverage struct {
	sum   float64
	count int
}

func (s *signalAverage) add(v float64) {
	s.sum += v
	s.count++
}

func (s *signalAverage) value(fallback float64) float64 {
	if s.count == 0 {
		return fallback
	}
	return s.sum / float64(s.count)
}

// Fixed benchmark reference values.
const (
	targetCompletionRate  = 80.0  // percent
	targetAveragePlayers  = 16.0  // players per tournament
	targetDurationMinutes = 120.0 // minutes
	targetPlayerRetention = 40.0  // percent of last month's actives still active
)

// Benchmark is one metric's standing against its reference value, bucketed
// into a percentile by ratio-to-target.
type Benchmark struct {
	Metric     string  `json:"metric"`
	Actual     float64 `json:"actual"`
	Target     float64 `json:"target"`
	Percentile int     `json:"percentile"`
}

// TournamentBenchmarks is a tenant's standing against fixed reference
// values for its latest aggregated period.
type TournamentBenchmarks struct {
	TenantID    int64       `json:"tenant_id"`
	PeriodStart time.Time   `json:"period_start"`
	Results     []Benchmark `json:"results"`
}

// GetTournamentBenchmarks compares the latest monthly aggregate against
// fixed reference values for completion rate, average players, duration,
// and month-over-month player retention. Percentile buckets by
// ratio-to-target: 1.2x -> 90th, 1.1x -> 75th, 1.0x -> 60th, 0.9x -> 40th,
// 0.8x -> 25th, else 10th.
func (a *Analyzer) GetTournamentBenchmarks(ctx context.Context, tenantID int64) (*TournamentBenchmarks, error) {
	currentMonth := analytics.NormalizeToMonth(a.now())
	aggs, err := a.store.ListTournamentAggregates(ctx, tenantID, analytics.PeriodMonth,
		currentMonth.AddDate(-1, 0, 0), currentMonth.AddDate(0, 1, 0))
	if err != nil {
		return nil, err
	}
	if len(aggs) == 0 {
		return nil, analytics.NotFoundf("no monthly tournament aggregates for tenant %d", tenantID)
	}
	latest := aggs[len(aggs)-1]

	retention, err := a.playerRetention(ctx, tenantID, currentMonth)
	if err != nil {
		return nil, err
	}

	return &TournamentBenchmarks{
		TenantID:    tenantID,
		PeriodStart: latest.PeriodStart,
		Results: []Benchmark{
			benchmark("completion_rate", latest.CompletionRate, targetCompletionRate),
			benchmark("average_players", latest.AveragePlayers, targetAveragePlayers),
			benchmark("average_duration_minutes", latest.AverageDurationMinutes, targetDurationMinutes),
			benchmark("player_retention", retention, targetPlayerRetention),
		},
	}, nil
}

// playerRetention is the share of the previous month's active players still
// active this month, in percent.
func (a *Analyzer) playerRetention(ctx context.Context, tenantID int64, currentMonth time.Time) (float64, error) {
	previousMonth := currentMonth.AddDate(0, -1, 0)
	previous, err := a.store.CountActivePlayers(ctx, tenantID, previousMonth, currentMonth)
	if err != nil {
		return 0, err
	}
	if previous == 0 {
		return 0, nil
	}
	current, err := a.store.CountActivePlayers(ctx, tenantID, currentMonth, currentMonth.AddDate(0, 1, 0))
	if err != nil {
		return 0, err
	}
	return math.Min(100, float64(current)/float64(previous)*100), nil
}

func benchmark(metric string, actual, target float64) Benchmark {
	b := Benchmark{Metric: metric, Actual: actual, Target: target}

	ratio := 0.0
	if target > 0 {
		ratio = actual / target
	}
	switch {
	case ratio >= 1.2:
		b.Percentile = 90
	case ratio >= 1.1:
		b.Percentile = 75
	case ratio >= 1.0:
		b.Percentile = 60
	case ratio >= 0.9:
		b.Percentile = 40
	case ratio >= 0.8:
		b.Percentile = 25
	default:
		b.Percentile = 10
	}
	return b
}
