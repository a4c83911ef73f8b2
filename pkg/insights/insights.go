package insights

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openbracket/openbracket/pkg/analytics"
	"github.com/openbracket/openbracket/pkg/cache"
	"github.com/openbracket/openbracket/pkg/cohorts"
	"github.com/openbracket/openbracket/pkg/forecast"
	"github.com/openbracket/openbracket/pkg/observability"
	"github.com/openbracket/openbracket/pkg/tournaments"
)

// Service is the analytics façade: it composes the analyzers behind cached,
// tenant-scoped queries and owns cache-key and TTL policy. A nil cache
// client disables caching; every query then computes directly.
type Service struct {
	store       *analytics.Store
	cache       *cache.Client
	cohorts     *cohorts.Analyzer
	forecaster  *forecast.Forecaster
	tournaments *tournaments.Analyzer
	logger      *observability.Logger
	metrics     *observability.Metrics
}

// NewService wires the analyzers over a shared store. cacheClient may be nil
// when caching is disabled.
func NewService(store *analytics.Store, cacheClient *cache.Client, logger *observability.Logger, metrics *observability.Metrics) *Service {
	return &Service{
		store:       store,
		cache:       cacheClient,
		cohorts:     cohorts.NewAnalyzer(store, logger),
		forecaster:  forecast.NewForecaster(store, logger, metrics),
		tournaments: tournaments.NewAnalyzer(store, logger),
		logger:      logger,
		metrics:     metrics,
	}
}

// cached runs compute behind the cache's get-or-set helper, or directly when
// caching is disabled.
func cached[T any](ctx context.Context, s *Service, key string, ttl time.Duration, compute func(context.Context) (T, error)) (T, error) {
	if s.cache == nil {
		return compute(ctx)
	}
	return cache.GetOrSet(ctx, s.cache, key, ttl, compute)
}

// CohortAnalysis returns the cached retention analysis for one cohort.
func (s *Service) CohortAnalysis(ctx context.Context, tenantID int64, cohortMonth time.Time) (*cohorts.CohortAnalysis, error) {
	key := fmt.Sprintf("cohort:%d:%s", tenantID, analytics.NormalizeToMonth(cohortMonth).Format("2006-01"))
	return cached(ctx, s, key, cache.TTLMedium, func(ctx context.Context) (*cohorts.CohortAnalysis, error) {
		return s.cohorts.AnalyzeCohort(ctx, tenantID, cohortMonth)
	})
}

// CompareCohorts returns the cached cross-cohort retention comparison. The
// key carries every requested month, sorted, so two comparisons over the
// same number of cohorts never share an entry.
func (s *Service) CompareCohorts(ctx context.Context, tenantID int64, cohortMonths []time.Time) (*cohorts.CohortComparison, error) {
	months := make([]string, len(cohortMonths))
	for i, m := range cohortMonths {
		months[i] = analytics.NormalizeToMonth(m).Format("2006-01")
	}
	sort.Strings(months)
	key := fmt.Sprintf("cohort:%d:compare:%s", tenantID, strings.Join(months, ","))
	return cached(ctx, s, key, cache.TTLMedium, func(ctx context.Context) (*cohorts.CohortComparison, error) {
		return s.cohorts.CompareCohortsRetention(ctx, tenantID, cohortMonths)
	})
}

// RetentionForecast returns the cached retention projection for one cohort.
func (s *Service) RetentionForecast(ctx context.Context, tenantID int64, cohortMonth time.Time, months int) (*cohorts.RetentionForecast, error) {
	key := fmt.Sprintf("retention:%d:%s:%d", tenantID, analytics.NormalizeToMonth(cohortMonth).Format("2006-01"), months)
	return cached(ctx, s, key, cache.TTLLong, func(ctx context.Context) (*cohorts.RetentionForecast, error) {
		return s.cohorts.PredictFutureRetention(ctx, tenantID, cohortMonth, months)
	})
}

// RetentionBenchmarks returns the cached benchmark standing of the latest
// cohort.
func (s *Service) RetentionBenchmarks(ctx context.Context, tenantID int64) (*cohorts.RetentionBenchmarks, error) {
	key := fmt.Sprintf("benchmarks:%d:retention", tenantID)
	return cached(ctx, s, key, cache.TTLVeryLong, func(ctx context.Context) (*cohorts.RetentionBenchmarks, error) {
		return s.cohorts.GetRetentionBenchmarks(ctx, tenantID)
	})
}

// RevenueForecast returns the cached revenue projection.
func (s *Service) RevenueForecast(ctx context.Context, tenantID int64, months int) (*forecast.RevenueForecast, error) {
	key := fmt.Sprintf("forecast:%d:revenue:%d", tenantID, months)
	return cached(ctx, s, key, cache.TTLLong, func(ctx context.Context) (*forecast.RevenueForecast, error) {
		return s.forecaster.PredictRevenue(ctx, tenantID, months)
	})
}

// UserGrowthForecast returns the cached user growth projection. Measured
// churn from the latest cohort's month-1 rate feeds the model when
// available; the forecaster's default applies otherwise.
func (s *Service) UserGrowthForecast(ctx context.Context, tenantID int64, months int) (*forecast.UserGrowthForecast, error) {
	key := fmt.Sprintf("forecast:%d:growth:%d", tenantID, months)
	return cached(ctx, s, key, cache.TTLLong, func(ctx context.Context) (*forecast.UserGrowthForecast, error) {
		return s.forecaster.PredictUserGrowth(ctx, tenantID, months, s.measuredChurnRate(ctx, tenantID))
	})
}

// measuredChurnRate derives a churn fraction from the latest cohort's
// month-1 retention, or 0 (meaning "use the default") when no cohort data
// exists.
func (s *Service) measuredChurnRate(ctx context.Context, tenantID int64) float64 {
	benchmarks, err := s.cohorts.GetRetentionBenchmarks(ctx, tenantID)
	if err != nil {
		return 0
	}
	for _, result := range benchmarks.Results {
		if result.Checkpoint == "month_1" && result.Actual != nil {
			return (100 - *result.Actual) / 100
		}
	}
	return 0
}

// TournamentReport returns the cached tournament performance report for one
// period.
func (s *Service) TournamentReport(ctx context.Context, tenantID int64, periodType analytics.PeriodType, periodStart time.Time) (*tournaments.PerformanceReport, error) {
	key := fmt.Sprintf("tournaments:%d:%s:%s", tenantID, periodType, periodStart.UTC().Format("2006-01-02"))
	return cached(ctx, s, key, cache.TTLMedium, func(ctx context.Context) (*tournaments.PerformanceReport, error) {
		return s.tournaments.AnalyzePeriod(ctx, tenantID, periodType, periodStart)
	})
}

// AttendancePrediction returns the cached headcount prediction for a planned
// tournament.
func (s *Service) AttendancePrediction(ctx context.Context, tenantID int64, format string, scheduledAt time.Time) (*tournaments.AttendancePrediction, error) {
	key := fmt.Sprintf("attendance:%d:%s:%s", tenantID, format, scheduledAt.UTC().Format("2006-01-02"))
	return cached(ctx, s, key, cache.TTLLong, func(ctx context.Context) (*tournaments.AttendancePrediction, error) {
		return s.tournaments.PredictTournamentAttendance(ctx, tenantID, format, scheduledAt)
	})
}

// TournamentBenchmarks returns the cached benchmark standing of the latest
// monthly tournament aggregate.
func (s *Service) TournamentBenchmarks(ctx context.Context, tenantID int64) (*tournaments.TournamentBenchmarks, error) {
	key := fmt.Sprintf("benchmarks:%d:tournaments", tenantID)
	return cached(ctx, s, key, cache.TTLVeryLong, func(ctx context.Context) (*tournaments.TournamentBenchmarks, error) {
		return s.tournaments.GetTournamentBenchmarks(ctx, tenantID)
	})
}

// Alert thresholds for the dashboard summary.
const (
	churnAlertThreshold      = 70.0 // percent month-1 churn
	completionAlertThreshold = 50.0 // percent completion rate
)

// Alert is a threshold-triggered dashboard warning.
type Alert struct {
	Severity string `json:"severity"`
	Metric   string `json:"metric"`
	Message  string `json:"message"`
}

// RevenueSummary is the dashboard's revenue block.
type RevenueSummary struct {
	MRRCents       int64   `json:"mrr_cents"`
	ARRCents       int64   `json:"arr_cents"`
	GrowthRate     float64 `json:"growth_rate"`
	TrendDirection string  `json:"trend_direction"`
}

// RetentionSummary is the dashboard's retention block.
type RetentionSummary struct {
	Month1Retention float64 `json:"month_1_retention"`
	ChurnRate       float64 `json:"churn_rate"`
	AverageLTVCents int64   `json:"average_ltv_cents"`
}

// TournamentSummary is the dashboard's tournament block.
type TournamentSummary struct {
	Count             int     `json:"count"`
	Completed         int     `json:"completed"`
	CompletionRate    float64 `json:"completion_rate"`
	MostPopularFormat string  `json:"most_popular_format"`
}

// DashboardSummary is the composite tenant overview. Revenue is the primary
// metric: its absence fails the summary. The other blocks degrade to nil
// when their sub-analysis fails, so one broken analyzer never takes the
// whole dashboard down.
type DashboardSummary struct {
	TenantID    int64     `json:"tenant_id"`
	GeneratedAt time.Time `json:"generated_at"`

	Revenue     RevenueSummary     `json:"revenue"`
	ActiveUsers *int               `json:"active_users,omitempty"`
	Retention   *RetentionSummary  `json:"retention,omitempty"`
	Tournaments *TournamentSummary `json:"tournaments,omitempty"`

	Alerts []Alert `json:"alerts,omitempty"`
}

// GetDashboardSummary builds the cached composite overview for a tenant.
// Sub-analyses run concurrently; only a missing current-month revenue
// aggregate fails the call.
func (s *Service) GetDashboardSummary(ctx context.Context, tenantID int64) (*DashboardSummary, error) {
	key := fmt.Sprintf("dashboard:%d:summary", tenantID)
	return cached(ctx, s, key, cache.TTLShort, func(ctx context.Context) (*DashboardSummary, error) {
		return s.buildDashboardSummary(ctx, tenantID)
	})
}

func (s *Service) buildDashboardSummary(ctx context.Context, tenantID int64) (*DashboardSummary, error) {
	currentMonth := analytics.NormalizeToMonth(time.Now().UTC())
	logger := s.logger.WithTenant(tenantID)

	summary := &DashboardSummary{
		TenantID:    tenantID,
		GeneratedAt: time.Now().UTC(),
	}

	g, gctx := errgroup.WithContext(ctx)

	// Primary metric: current month's revenue aggregate. NotFound propagates.
	g.Go(func() error {
		current, err := s.store.GetRevenueAggregate(gctx, tenantID, analytics.PeriodMonth, currentMonth)
		if err != nil {
			return err
		}
		summary.Revenue = RevenueSummary{
			MRRCents:       current.MRRCents,
			ARRCents:       current.ARRCents,
			TrendDirection: "flat",
		}

		previous, err := s.store.GetRevenueAggregate(gctx, tenantID, analytics.PeriodMonth, currentMonth.AddDate(0, -1, 0))
		if analytics.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if previous.MRRCents > 0 {
			summary.Revenue.GrowthRate = float64(current.MRRCents-previous.MRRCents) / float64(previous.MRRCents) * 100
		} else if current.MRRCents > 0 {
			summary.Revenue.GrowthRate = 100
		}
		switch {
		case summary.Revenue.GrowthRate > 1:
			summary.Revenue.TrendDirection = "up"
		case summary.Revenue.GrowthRate < -1:
			summary.Revenue.TrendDirection = "down"
		}
		return nil
	})

	// Optional blocks: failures degrade to absent fields.
	g.Go(func() error {
		count, err := s.store.CountActivePlayers(gctx, tenantID, currentMonth, currentMonth.AddDate(0, 1, 0))
		if err != nil {
			logger.WithError(err).Warn("dashboard active users unavailable")
			return nil
		}
		summary.ActiveUsers = &count
		return nil
	})

	g.Go(func() error {
		months, err := s.store.ListCohortMonths(gctx, tenantID)
		if err != nil || len(months) == 0 {
			if err != nil {
				logger.WithError(err).Warn("dashboard retention unavailable")
			}
			return nil
		}
		analysis, err := s.cohorts.AnalyzeCohort(gctx, tenantID, months[len(months)-1])
		if err != nil {
			logger.WithError(err).Warn("dashboard retention unavailable")
			return nil
		}

		retention := &RetentionSummary{AverageLTVCents: analysis.CurrentLTVCents}
		if analysis.Month1Retention != nil {
			retention.Month1Retention = *analysis.Month1Retention
			retention.ChurnRate = 100 - *analysis.Month1Retention
		}
		summary.Retention = retention
		return nil
	})

	g.Go(func() error {
		agg, err := s.store.GetTournamentAggregate(gctx, tenantID, analytics.PeriodMonth, currentMonth)
		if err != nil {
			if !analytics.IsNotFound(err) {
				logger.WithError(err).Warn("dashboard tournaments unavailable")
			}
			return nil
		}
		summary.Tournaments = &TournamentSummary{
			Count:             agg.TournamentCount,
			Completed:         agg.CompletedCount,
			CompletionRate:    agg.CompletionRate,
			MostPopularFormat: agg.MostPopularFormat,
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	if summary.Retention != nil && summary.Retention.ChurnRate > churnAlertThreshold {
		summary.Alerts = append(summary.Alerts, Alert{
			Severity: "critical",
			Metric:   "churn_rate",
			Message:  fmt.Sprintf("Month-1 churn is %.1f%%, above the %.0f%% threshold", summary.Retention.ChurnRate, churnAlertThreshold),
		})
	}
	if summary.Tournaments != nil && summary.Tournaments.Count > 0 && summary.Tournaments.CompletionRate < completionAlertThreshold {
		summary.Alerts = append(summary.Alerts, Alert{
			Severity: "warning",
			Metric:   "completion_rate",
			Message:  fmt.Sprintf("Tournament completion is %.1f%%, below the %.0f%% threshold", summary.Tournaments.CompletionRate, completionAlertThreshold),
		})
	}

	return summary, nil
}

// Freshness thresholds for the health report.
const (
	healthyMaxAge = 24 * time.Hour
	staleMaxAge   = 72 * time.Hour
)

// AnalyticsHealth reports aggregate freshness and cache performance for a
// tenant.
type AnalyticsHealth struct {
	TenantID int64 `json:"tenant_id"`

	// healthy (< 24h since last aggregate), stale (< 72h), missing
	Status           string     `json:"status"`
	LastAggregatedAt *time.Time `json:"last_aggregated_at,omitempty"`
	HoursSinceUpdate *float64   `json:"hours_since_update,omitempty"`

	CacheHitRate float64 `json:"cache_hit_rate"`
}

// GetAnalyticsHealth reports how fresh a tenant's aggregates are and the
// current cache hit rate. Never cached: a health probe through a stale cache
// would defeat itself.
func (s *Service) GetAnalyticsHealth(ctx context.Context, tenantID int64) (*AnalyticsHealth, error) {
	health := &AnalyticsHealth{TenantID: tenantID, Status: "missing"}

	last, err := s.store.LastAggregateUpdatedAt(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if last != nil {
		age := time.Since(*last)
		hours := age.Hours()
		health.LastAggregatedAt = last
		health.HoursSinceUpdate = &hours
		switch {
		case age < healthyMaxAge:
			health.Status = "healthy"
		case age < staleMaxAge:
			health.Status = "stale"
		}
	}

	if s.cache != nil {
		health.CacheHitRate = s.cache.Stats().HitRate
	}
	return health, nil
}

// WarmCache precomputes a tenant's hot queries so the first dashboard view
// after an aggregation run hits warm entries. Individual failures are logged
// and skipped; warming is best-effort.
func (s *Service) WarmCache(ctx context.Context, tenantID int64) {
	logger := s.logger.WithTenant(tenantID)

	warmers := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"dashboard", func(ctx context.Context) error {
			_, err := s.GetDashboardSummary(ctx, tenantID)
			return err
		}},
		{"revenue forecast", func(ctx context.Context) error {
			_, err := s.RevenueForecast(ctx, tenantID, 3)
			return err
		}},
		{"tournament benchmarks", func(ctx context.Context) error {
			_, err := s.TournamentBenchmarks(ctx, tenantID)
			return err
		}},
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range warmers {
		w := w
		g.Go(func() error {
			if err := w.fn(gctx); err != nil {
				logger.WithError(err).WithField("query", w.name).Debug("cache warm skipped")
			}
			return nil
		})
	}
	g.Wait()
}

// Cache key namespaces owned by this service, used for tenant-wide
// invalidation.
var keyNamespaces = []string{
	"dashboard", "cohort", "retention", "forecast",
	"tournaments", "attendance", "benchmarks",
}

// InvalidateTenant drops every cached query for a tenant. Called after an
// aggregation run so readers see the recomputed values.
func (s *Service) InvalidateTenant(ctx context.Context, tenantID int64) error {
	if s.cache == nil {
		return nil
	}
	for _, ns := range keyNamespaces {
		if err := s.cache.Invalidate(ctx, fmt.Sprintf("%s:%d:*", ns, tenantID)); err != nil {
			return err
		}
	}
	return nil
}
