package analytics

import (
	"context"
	"time"

	"github.com/openbracket/openbracket/pkg/async"
	"github.com/openbracket/openbracket/pkg/observability"
)

// ProgressFunc receives fractional progress (0-100) as an aggregation run
// passes its milestones. Runners use it for external timeout and cancellation
// policy; a nil callback is ignored.
type ProgressFunc func(percent int)

// How many months of cohorts a tenant run refreshes. Older cohorts only gain
// new month rows, and anything beyond a year is refreshed by the monthly
// full run.
const cohortRefreshMonths = 12

// Aggregator is the aggregation pipeline: it reads raw tenant records for a
// period, computes summary metrics in memory, and idempotently upserts one
// aggregate row per natural key. Zero-activity periods still produce a
// zero-valued row so consumers can distinguish "no activity" from "not yet
// aggregated" by row absence alone.
type Aggregator struct {
	store   *Store
	logger  *observability.Logger
	metrics *observability.Metrics

	// Overridable for deterministic tests.
	now func() time.Time
}

// NewAggregator creates an aggregation pipeline over a store.
func NewAggregator(store *Store, logger *observability.Logger, metrics *observability.Metrics) *Aggregator {
	return &Aggregator{
		store:   store,
		logger:  logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// AggregateRevenue computes and upserts the revenue aggregate for one
// tenant+period. MRR is net revenue for month periods, net/3 for quarters,
// net/12 for years, and zero for day/week periods where a recurring-revenue
// reading is not meaningful; ARR is always MRR x 12.
func (a *Aggregator) AggregateRevenue(ctx context.Context, tenantID int64, periodType PeriodType, periodStart time.Time) (*RevenueAggregate, error) {
	start, end, err := PeriodBounds(periodType, periodStart)
	if err != nil {
		return nil, err
	}

	payments, err := a.store.ListPayments(ctx, tenantID, start, end)
	if err != nil {
		return nil, err
	}

	agg := &RevenueAggregate{
		TenantID:    tenantID,
		PeriodType:  periodType,
		PeriodStart: start,
		PeriodEnd:   end,
	}

	for _, p := range payments {
		agg.PaymentCount++
		switch p.Status {
		case PaymentStatusSucceeded:
			agg.SuccessfulPaymentCount++
			agg.TotalRevenueCents += p.AmountCents
		case PaymentStatusRefunded:
			agg.RefundCount++
			agg.RefundAmountCents += p.AmountCents
		}
	}

	net := agg.NetRevenueCents()
	switch periodType {
	case PeriodMonth:
		agg.MRRCents = net
	case PeriodQuarter:
		agg.MRRCents = net / 3
	case PeriodYear:
		agg.MRRCents = net / 12
	}
	agg.ARRCents = agg.MRRCents * 12

	if err := a.store.UpsertRevenueAggregate(ctx, agg); err != nil {
		return nil, err
	}
	a.metrics.AggregatesWrittenTotal.WithLabelValues("revenue").Inc()
	return agg, nil
}

// AggregateCohort recomputes the full retention series for one signup
// cohort: one row per elapsed month from signup through the current month.
// A player counts as retained in month N when their last activity falls in
// that month's window; players with no recorded activity count as retained
// in month 0 only. An empty cohort writes no rows.
func (a *Aggregator) AggregateCohort(ctx context.Context, tenantID int64, cohortMonth time.Time) ([]UserCohort, error) {
	cohortMonth = NormalizeToMonth(cohortMonth)
	cohortEnd := cohortMonth.AddDate(0, 1, 0)

	players, err := a.store.ListPlayersJoined(ctx, tenantID, cohortMonth, cohortEnd)
	if err != nil {
		return nil, err
	}
	if len(players) == 0 {
		return nil, nil
	}

	monthsElapsed := MonthsBetween(cohortMonth, a.now())
	if monthsElapsed < 0 {
		return nil, Validationf("cohort month %s is in the future", cohortMonth.Format("2006-01"))
	}

	memberIDs := make(map[int64]bool, len(players))
	for _, p := range players {
		memberIDs[p.ID] = true
	}

	// One payments fetch covers every month window; revenue is bucketed by
	// month index in memory and accumulated for the LTV series.
	seriesEnd := cohortMonth.AddDate(0, monthsElapsed+1, 0)
	payments, err := a.store.ListPayments(ctx, tenantID, cohortMonth, seriesEnd)
	if err != nil {
		return nil, err
	}

	revenueByMonth := make(map[int]int64)
	for _, p := range payments {
		if p.Status != PaymentStatusSucceeded || p.PlayerID == nil || !memberIDs[*p.PlayerID] {
			continue
		}
		revenueByMonth[MonthsBetween(cohortMonth, p.CreatedAt)] += p.AmountCents
	}

	cohortSize := len(players)
	var cumulativeRevenue int64
	rows := make([]UserCohort, 0, monthsElapsed+1)

	for n := 0; n <= monthsElapsed; n++ {
		windowStart := cohortMonth.AddDate(0, n, 0)
		windowEnd := cohortMonth.AddDate(0, n+1, 0)

		retained := 0
		for _, p := range players {
			if p.LastActiveAt == nil {
				if n == 0 {
					retained++
				}
				continue
			}
			last := p.LastActiveAt.UTC()
			if !last.Before(windowStart) && last.Before(windowEnd) {
				retained++
			}
		}

		cumulativeRevenue += revenueByMonth[n]

		row := UserCohort{
			TenantID:      tenantID,
			CohortMonth:   cohortMonth,
			MonthNumber:   n,
			CohortSize:    cohortSize,
			RetainedUsers: retained,
			RetentionRate: float64(retained) / float64(cohortSize) * 100,
			RevenueCents:  revenueByMonth[n],
			LTVCents:      cumulativeRevenue / int64(cohortSize),
		}
		if err := a.store.UpsertCohortRow(ctx, &row); err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}

	a.metrics.AggregatesWrittenTotal.WithLabelValues("cohort").Add(float64(len(rows)))
	return rows, nil
}

// AggregateTournaments computes and upserts the tournament aggregate for one
// tenant+period. Average duration only covers tournaments with both start
// and completion timestamps; format popularity ties break toward the format
// encountered first; revenue is the sum of succeeded payments in the period
// attributed to the period's tournaments.
func (a *Aggregator) AggregateTournaments(ctx context.Context, tenantID int64, periodType PeriodType, periodStart time.Time) (*TournamentAggregate, error) {
	start, end, err := PeriodBounds(periodType, periodStart)
	if err != nil {
		return nil, err
	}

	tournaments, err := a.store.ListTournamentsCreated(ctx, tenantID, start, end)
	if err != nil {
		return nil, err
	}

	agg := &TournamentAggregate{
		TenantID:    tenantID,
		PeriodType:  periodType,
		PeriodStart: start,
		PeriodEnd:   end,
	}

	formatCounts := make(map[string]int)
	var formatOrder []string
	tournamentIDs := make(map[int64]bool, len(tournaments))
	var durationTotal float64
	durationCount := 0

	for _, t := range tournaments {
		agg.TournamentCount++
		agg.TotalPlayers += t.PlayerCount
		tournamentIDs[t.ID] = true

		if t.CompletedAt != nil {
			agg.CompletedCount++
		}
		if minutes, ok := t.DurationMinutes(); ok {
			durationTotal += minutes
			durationCount++
		}
		if _, seen := formatCounts[t.Format]; !seen {
			formatOrder = append(formatOrder, t.Format)
		}
		formatCounts[t.Format]++
	}

	if agg.TournamentCount > 0 {
		agg.CompletionRate = float64(agg.CompletedCount) / float64(agg.TournamentCount) * 100
		agg.AveragePlayers = float64(agg.TotalPlayers) / float64(agg.TournamentCount)
	}
	if durationCount > 0 {
		agg.AverageDurationMinutes = durationTotal / float64(durationCount)
	}

	best := 0
	for _, format := range formatOrder {
		if formatCounts[format] > best {
			best = formatCounts[format]
			agg.MostPopularFormat = format
		}
	}

	if len(tournamentIDs) > 0 {
		payments, err := a.store.ListPayments(ctx, tenantID, start, end)
		if err != nil {
			return nil, err
		}
		for _, p := range payments {
			if p.Status == PaymentStatusSucceeded && p.TournamentID != nil && tournamentIDs[*p.TournamentID] {
				agg.RevenueCents += p.AmountCents
			}
		}
	}

	if err := a.store.UpsertTournamentAggregate(ctx, agg); err != nil {
		return nil, err
	}
	a.metrics.AggregatesWrittenTotal.WithLabelValues("tournament").Inc()
	return agg, nil
}

// AggregateTenant runs the full pipeline for one tenant+period: revenue,
// tournaments, then a refresh of recent cohorts. The first internal step
// failure aborts the tenant's run and reports upward; nothing is swallowed.
// Progress milestones: 0 start, 10 validated, 50 revenue written, 80
// tournaments written, 90 cohorts refreshed, 100 done.
func (a *Aggregator) AggregateTenant(ctx context.Context, tenantID int64, periodType PeriodType, periodStart time.Time, progress ProgressFunc) error {
	report := func(pct int) {
		if progress != nil {
			progress(pct)
		}
	}

	kind := string(periodType)
	timer := time.Now()
	logger := a.logger.WithTenant(tenantID).WithField("period_type", kind)

	report(0)
	if !periodType.Valid() {
		a.metrics.AggregationRunsTotal.WithLabelValues(kind, "error").Inc()
		return Validationf("unknown period type %q", periodType)
	}
	report(10)

	if _, err := a.AggregateRevenue(ctx, tenantID, periodType, periodStart); err != nil {
		a.recordFailure(kind, logger, err, "revenue aggregation failed")
		return err
	}
	report(50)

	if _, err := a.AggregateTournaments(ctx, tenantID, periodType, periodStart); err != nil {
		a.recordFailure(kind, logger, err, "tournament aggregation failed")
		return err
	}
	report(80)

	currentMonth := NormalizeToMonth(a.now())
	for i := cohortRefreshMonths - 1; i >= 0; i-- {
		cohortMonth := currentMonth.AddDate(0, -i, 0)
		if _, err := a.AggregateCohort(ctx, tenantID, cohortMonth); err != nil {
			a.recordFailure(kind, logger, err, "cohort aggregation failed")
			return err
		}
	}
	report(90)

	a.metrics.AggregationRunsTotal.WithLabelValues(kind, "success").Inc()
	a.metrics.AggregationDuration.WithLabelValues(kind).Observe(time.Since(timer).Seconds())
	logger.WithField("duration_ms", time.Since(timer).Milliseconds()).Info("tenant aggregation complete")
	report(100)
	return nil
}

func (a *Aggregator) recordFailure(kind string, logger *observability.Logger, err error, message string) {
	a.metrics.AggregationRunsTotal.WithLabelValues(kind, "error").Inc()
	a.metrics.AggregationErrorsTotal.WithLabelValues(kind).Inc()
	logger.WithError(err).Error(message)
}

// AggregateAllTenants fans the pipeline out across every active tenant with
// a bounded worker pool. One tenant's failure never stops the others;
// per-tenant errors are collected and returned for the caller to report.
func (a *Aggregator) AggregateAllTenants(ctx context.Context, periodType PeriodType, periodStart time.Time, workers int, tenantTimeout time.Duration) ([]async.TaskError[int64], error) {
	tenantIDs, err := a.store.ListTenantIDs(ctx)
	if err != nil {
		return nil, err
	}

	a.logger.WithFields(map[string]interface{}{
		"tenants":     len(tenantIDs),
		"period_type": string(periodType),
		"workers":     workers,
	}).Info("starting batch aggregation")

	errs := async.Batch(ctx, tenantIDs, workers, "tenant aggregation", tenantTimeout,
		func(ctx context.Context, tenantID int64) error {
			ctx = observability.WithTenantID(ctx, tenantID)
			return a.AggregateTenant(ctx, tenantID, periodType, periodStart, nil)
		})

	if len(errs) > 0 {
		a.logger.WithFields(map[string]interface{}{
			"failed": len(errs),
			"total":  len(tenantIDs),
		}).Warn("batch aggregation finished with tenant failures")
	}
	return errs, nil
}
