package analytics

import (
	"context"
	"database/sql"
	"time"

	"github.com/openbracket/openbracket/pkg/observability"
)

// Store provides access to aggregate tables and the raw transactional tables
// the pipeline reads. Aggregate writes are upserts keyed by their natural key
// so re-running aggregation for the same tenant+period is idempotent.
type Store struct {
	db     *sql.DB
	logger *observability.Logger
}

// NewStore creates a store over an established database connection.
func NewStore(db *sql.DB, logger *observability.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// DB exposes the underlying handle for pool gauge sampling.
func (s *Store) DB() *sql.DB {
	return s.db
}

// UpsertRevenueAggregate writes one revenue aggregate row keyed by
// (tenant, period type, period start), updating in place when the row exists.
func (s *Store) UpsertRevenueAggregate(ctx context.Context, agg *RevenueAggregate) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revenue_aggregates (
			tenant_id, period_type, period_start, period_end,
			mrr_cents, arr_cents,
			new_revenue_cents, churned_revenue_cents, expansion_revenue_cents,
			total_revenue_cents, payment_count, successful_payment_count,
			refund_count, refund_amount_cents, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (tenant_id, period_type, period_start) DO UPDATE SET
			period_end = excluded.period_end,
			mrr_cents = excluded.mrr_cents,
			arr_cents = excluded.arr_cents,
			new_revenue_cents = excluded.new_revenue_cents,
			churned_revenue_cents = excluded.churned_revenue_cents,
			expansion_revenue_cents = excluded.expansion_revenue_cents,
			total_revenue_cents = excluded.total_revenue_cents,
			payment_count = excluded.payment_count,
			successful_payment_count = excluded.successful_payment_count,
			refund_count = excluded.refund_count,
			refund_amount_cents = excluded.refund_amount_cents,
			updated_at = excluded.updated_at`,
		agg.TenantID, string(agg.PeriodType), agg.PeriodStart, agg.PeriodEnd,
		agg.MRRCents, agg.ARRCents,
		agg.NewRevenueCents, agg.ChurnedRevenueCents, agg.ExpansionRevenueCents,
		agg.TotalRevenueCents, agg.PaymentCount, agg.SuccessfulPaymentCount,
		agg.RefundCount, agg.RefundAmountCents, now, now,
	)
	if err != nil {
		return Upstreamf(err, "upsert revenue aggregate tenant %d %s %s",
			agg.TenantID, agg.PeriodType, agg.PeriodStart.Format("2006-01-02"))
	}
	return nil
}

// GetRevenueAggregate loads a single revenue aggregate by natural key. It
// returns ErrNotFound when no row exists for the period.
func (s *Store) GetRevenueAggregate(ctx context.Context, tenantID int64, periodType PeriodType, periodStart time.Time) (*RevenueAggregate, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, period_type, period_start, period_end,
			mrr_cents, arr_cents,
			new_revenue_cents, churned_revenue_cents, expansion_revenue_cents,
			total_revenue_cents, payment_count, successful_payment_count,
			refund_count, refund_amount_cents, created_at, updated_at
		FROM revenue_aggregates
		WHERE tenant_id = $1 AND period_type = $2 AND period_start = $3`,
		tenantID, string(periodType), periodStart,
	)

	agg, err := scanRevenueAggregate(row)
	if err == sql.ErrNoRows {
		return nil, NotFoundf("revenue aggregate tenant %d %s %s",
			tenantID, periodType, periodStart.Format("2006-01-02"))
	}
	if err != nil {
		return nil, Upstreamf(err, "get revenue aggregate")
	}
	return agg, nil
}

// ListRevenueAggregates returns all revenue aggregates of a period type for a
// tenant whose period start falls within [from, to), ordered by period start.
func (s *Store) ListRevenueAggregates(ctx context.Context, tenantID int64, periodType PeriodType, from, to time.Time) ([]RevenueAggregate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, period_type, period_start, period_end,
			mrr_cents, arr_cents,
			new_revenue_cents, churned_revenue_cents, expansion_revenue_cents,
			total_revenue_cents, payment_count, successful_payment_count,
			refund_count, refund_amount_cents, created_at, updated_at
		FROM revenue_aggregates
		WHERE tenant_id = $1 AND period_type = $2 AND period_start >= $3 AND period_start < $4
		ORDER BY period_start`,
		tenantID, string(periodType), from, to,
	)
	if err != nil {
		return nil, Upstreamf(err, "list revenue aggregates")
	}
	defer rows.Close()

	var aggs []RevenueAggregate
	for rows.Next() {
		agg, err := scanRevenueAggregate(rows)
		if err != nil {
			return nil, Upstreamf(err, "scan revenue aggregate")
		}
		aggs = append(aggs, *agg)
	}
	if err := rows.Err(); err != nil {
		return nil, Upstreamf(err, "iterate revenue aggregates")
	}
	return aggs, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRevenueAggregate(row rowScanner) (*RevenueAggregate, error) {
	var agg RevenueAggregate
	var periodType string
	err := row.Scan(
		&agg.ID, &agg.TenantID, &periodType, &agg.PeriodStart, &agg.PeriodEnd,
		&agg.MRRCents, &agg.ARRCents,
		&agg.NewRevenueCents, &agg.ChurnedRevenueCents, &agg.ExpansionRevenueCents,
		&agg.TotalRevenueCents, &agg.PaymentCount, &agg.SuccessfulPaymentCount,
		&agg.RefundCount, &agg.RefundAmountCents, &agg.CreatedAt, &agg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	agg.PeriodType = PeriodType(periodType)
	return &agg, nil
}

// UpsertCohortRow writes one cohort row keyed by
// (tenant, cohort month, month number).
func (s *Store) UpsertCohortRow(ctx context.Context, row *UserCohort) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_cohorts (
			tenant_id, cohort_month, month_number,
			cohort_size, retained_users, retention_rate,
			revenue_cents, ltv_cents, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tenant_id, cohort_month, month_number) DO UPDATE SET
			cohort_size = excluded.cohort_size,
			retained_users = excluded.retained_users,
			retention_rate = excluded.retention_rate,
			revenue_cents = excluded.revenue_cents,
			ltv_cents = excluded.ltv_cents,
			updated_at = excluded.updated_at`,
		row.TenantID, row.CohortMonth, row.MonthNumber,
		row.CohortSize, row.RetainedUsers, row.RetentionRate,
		row.RevenueCents, row.LTVCents, now, now,
	)
	if err != nil {
		return Upstreamf(err, "upsert cohort row tenant %d %s month %d",
			row.TenantID, row.CohortMonth.Format("2006-01"), row.MonthNumber)
	}
	return nil
}

// GetCohort returns all rows for one cohort ordered by month number. An empty
// slice means the cohort was never aggregated.
func (s *Store) GetCohort(ctx context.Context, tenantID int64, cohortMonth time.Time) ([]UserCohort, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, cohort_month, month_number,
			cohort_size, retained_users, retention_rate,
			revenue_cents, ltv_cents, created_at, updated_at
		FROM user_cohorts
		WHERE tenant_id = $1 AND cohort_month = $2
		ORDER BY month_number`,
		tenantID, NormalizeToMonth(cohortMonth),
	)
	if err != nil {
		return nil, Upstreamf(err, "get cohort")
	}
	defer rows.Close()

	var cohort []UserCohort
	for rows.Next() {
		var c UserCohort
		if err := rows.Scan(
			&c.ID, &c.TenantID, &c.CohortMonth, &c.MonthNumber,
			&c.CohortSize, &c.RetainedUsers, &c.RetentionRate,
			&c.RevenueCents, &c.LTVCents, &c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, Upstreamf(err, "scan cohort row")
		}
		cohort = append(cohort, c)
	}
	if err := rows.Err(); err != nil {
		return nil, Upstreamf(err, "iterate cohort rows")
	}
	return cohort, nil
}

// ListCohortMonths returns the distinct cohort months aggregated for a
// tenant, oldest first.
func (s *Store) ListCohortMonths(ctx context.Context, tenantID int64) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT cohort_month
		FROM user_cohorts
		WHERE tenant_id = $1
		ORDER BY cohort_month`,
		tenantID,
	)
	if err != nil {
		return nil, Upstreamf(err, "list cohort months")
	}
	defer rows.Close()

	var months []time.Time
	for rows.Next() {
		var m time.Time
		if err := rows.Scan(&m); err != nil {
			return nil, Upstreamf(err, "scan cohort month")
		}
		months = append(months, m)
	}
	if err := rows.Err(); err != nil {
		return nil, Upstreamf(err, "iterate cohort months")
	}
	return months, nil
}

// UpsertTournamentAggregate writes one tournament aggregate row keyed by
// (tenant, period type, period start).
func (s *Store) UpsertTournamentAggregate(ctx context.Context, agg *TournamentAggregate) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tournament_aggregates (
			tenant_id, period_type, period_start, period_end,
			tournament_count, completed_count, completion_rate,
			total_players, average_players, average_duration_minutes,
			most_popular_format, revenue_cents, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (tenant_id, period_type, period_start) DO UPDATE SET
			period_end = excluded.period_end,
			tournament_count = excluded.tournament_count,
			completed_count = excluded.completed_count,
			completion_rate = excluded.completion_rate,
			total_players = excluded.total_players,
			average_players = excluded.average_players,
			average_duration_minutes = excluded.average_duration_minutes,
			most_popular_format = excluded.most_popular_format,
			revenue_cents = excluded.revenue_cents,
			updated_at = excluded.updated_at`,
		agg.TenantID, string(agg.PeriodType), agg.PeriodStart, agg.PeriodEnd,
		agg.TournamentCount, agg.CompletedCount, agg.CompletionRate,
		agg.TotalPlayers, agg.AveragePlayers, agg.AverageDurationMinutes,
		agg.MostPopularFormat, agg.RevenueCents, now, now,
	)
	if err != nil {
		return Upstreamf(err, "upsert tournament aggregate tenant %d %s %s",
			agg.TenantID, agg.PeriodType, agg.PeriodStart.Format("2006-01-02"))
	}
	return nil
}

// GetTournamentAggregate loads a single tournament aggregate by natural key.
// It returns ErrNotFound when no row exists for the period.
func (s *Store) GetTournamentAggregate(ctx context.Context, tenantID int64, periodType PeriodType, periodStart time.Time) (*TournamentAggregate, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, period_type, period_start, period_end,
			tournament_count, completed_count, completion_rate,
			total_players, average_players, average_duration_minutes,
			most_popular_format, revenue_cents, created_at, updated_at
		FROM tournament_aggregates
		WHERE tenant_id = $1 AND period_type = $2 AND period_start = $3`,
		tenantID, string(periodType), periodStart,
	)

	agg, err := scanTournamentAggregate(row)
	if err == sql.ErrNoRows {
		return nil, NotFoundf("tournament aggregate tenant %d %s %s",
			tenantID, periodType, periodStart.Format("2006-01-02"))
	}
	if err != nil {
		return nil, Upstreamf(err, "get tournament aggregate")
	}
	return agg, nil
}

// ListTournamentAggregates returns all tournament aggregates of a period type
// for a tenant whose period start falls within [from, to), ordered by period
// start.
func (s *Store) ListTournamentAggregates(ctx context.Context, tenantID int64, periodType PeriodType, from, to time.Time) ([]TournamentAggregate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, period_type, period_start, period_end,
			tournament_count, completed_count, completion_rate,
			total_players, average_players, average_duration_minutes,
			most_popular_format, revenue_cents, created_at, updated_at
		FROM tournament_aggregates
		WHERE tenant_id = $1 AND period_type = $2 AND period_start >= $3 AND period_start < $4
		ORDER BY period_start`,
		tenantID, string(periodType), from, to,
	)
	if err != nil {
		return nil, Upstreamf(err, "list tournament aggregates")
	}
	defer rows.Close()

	var aggs []TournamentAggregate
	for rows.Next() {
		agg, err := scanTournamentAggregate(rows)
		if err != nil {
			return nil, Upstreamf(err, "scan tournament aggregate")
		}
		aggs = append(aggs, *agg)
	}
	if err := rows.Err(); err != nil {
		return nil, Upstreamf(err, "iterate tournament aggregates")
	}
	return aggs, nil
}

func scanTournamentAggregate(row rowScanner) (*TournamentAggregate, error) {
	var agg TournamentAggregate
	var periodType string
	err := row.Scan(
		&agg.ID, &agg.TenantID, &periodType, &agg.PeriodStart, &agg.PeriodEnd,
		&agg.TournamentCount, &agg.CompletedCount, &agg.CompletionRate,
		&agg.TotalPlayers, &agg.AveragePlayers, &agg.AverageDurationMinutes,
		&agg.MostPopularFormat, &agg.RevenueCents, &agg.CreatedAt, &agg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	agg.PeriodType = PeriodType(periodType)
	return &agg, nil
}

// ListPayments returns all payments for a tenant created within [from, to),
// ordered by creation time. The pipeline filters by status and attribution in
// memory.
func (s *Store) ListPayments(ctx context.Context, tenantID int64, from, to time.Time) ([]Payment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, player_id, tournament_id, amount_cents, status, created_at
		FROM payments
		WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at`,
		tenantID, from, to,
	)
	if err != nil {
		return nil, Upstreamf(err, "list payments")
	}
	defer rows.Close()

	var payments []Payment
	for rows.Next() {
		var p Payment
		if err := rows.Scan(&p.ID, &p.TenantID, &p.PlayerID, &p.TournamentID,
			&p.AmountCents, &p.Status, &p.CreatedAt); err != nil {
			return nil, Upstreamf(err, "scan payment")
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, Upstreamf(err, "iterate payments")
	}
	return payments, nil
}

// ListPlayersJoined returns all players who joined a tenant within [from, to).
func (s *Store) ListPlayersJoined(ctx context.Context, tenantID int64, from, to time.Time) ([]Player, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, joined_at, last_active_at
		FROM players
		WHERE tenant_id = $1 AND joined_at >= $2 AND joined_at < $3
		ORDER BY joined_at`,
		tenantID, from, to,
	)
	if err != nil {
		return nil, Upstreamf(err, "list players joined")
	}
	defer rows.Close()

	var players []Player
	for rows.Next() {
		var p Player
		if err := rows.Scan(&p.ID, &p.TenantID, &p.JoinedAt, &p.LastActiveAt); err != nil {
			return nil, Upstreamf(err, "scan player")
		}
		players = append(players, p)
	}
	if err := rows.Err(); err != nil {
		return nil, Upstreamf(err, "iterate players")
	}
	return players, nil
}

// CountActivePlayers counts players whose last activity falls within
// [from, to).
func (s *Store) CountActivePlayers(ctx context.Context, tenantID int64, from, to time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM players
		WHERE tenant_id = $1 AND last_active_at >= $2 AND last_active_at < $3`,
		tenantID, from, to,
	).Scan(&count)
	if err != nil {
		return 0, Upstreamf(err, "count active players")
	}
	return count, nil
}

// ListTournamentsCreated returns all tournaments created within [from, to).
func (s *Store) ListTournamentsCreated(ctx context.Context, tenantID int64, from, to time.Time) ([]Tournament, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, format, player_count, created_at, started_at, completed_at
		FROM tournaments
		WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at`,
		tenantID, from, to,
	)
	if err != nil {
		return nil, Upstreamf(err, "list tournaments")
	}
	defer rows.Close()

	return collectTournaments(rows)
}

// ListCompletedTournaments returns the most recently completed tournaments
// for a tenant, newest first, for use as attendance prediction history.
func (s *Store) ListCompletedTournaments(ctx context.Context, tenantID int64, limit int) ([]Tournament, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, format, player_count, created_at, started_at, completed_at
		FROM tournaments
		WHERE tenant_id = $1 AND completed_at IS NOT NULL
		ORDER BY completed_at DESC
		LIMIT $2`,
		tenantID, limit,
	)
	if err != nil {
		return nil, Upstreamf(err, "list completed tournaments")
	}
	defer rows.Close()

	return collectTournaments(rows)
}

func collectTournaments(rows *sql.Rows) ([]Tournament, error) {
	var tournaments []Tournament
	for rows.Next() {
		var t Tournament
		if err := rows.Scan(&t.ID, &t.TenantID, &t.Format, &t.PlayerCount,
			&t.CreatedAt, &t.StartedAt, &t.CompletedAt); err != nil {
			return nil, Upstreamf(err, "scan tournament")
		}
		tournaments = append(tournaments, t)
	}
	if err := rows.Err(); err != nil {
		return nil, Upstreamf(err, "iterate tournaments")
	}
	return tournaments, nil
}

// ListTenantIDs returns the IDs of all active tenants, for batch aggregation
// fan-out.
func (s *Store) ListTenantIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM tenants WHERE active ORDER BY id`)
	if err != nil {
		return nil, Upstreamf(err, "list tenants")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, Upstreamf(err, "scan tenant id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, Upstreamf(err, "iterate tenants")
	}
	return ids, nil
}

// LastAggregateUpdatedAt returns the most recent updated_at across all three
// aggregate tables for a tenant, or nil when the tenant has never been
// aggregated. Feeds the analytics freshness report.
func (s *Store) LastAggregateUpdatedAt(ctx context.Context, tenantID int64) (*time.Time, error) {
	queries := []string{
		`SELECT updated_at FROM revenue_aggregates WHERE tenant_id = $1 ORDER BY updated_at DESC LIMIT 1`,
		`SELECT updated_at FROM user_cohorts WHERE tenant_id = $1 ORDER BY updated_at DESC LIMIT 1`,
		`SELECT updated_at FROM tournament_aggregates WHERE tenant_id = $1 ORDER BY updated_at DESC LIMIT 1`,
	}

	var latest *time.Time
	for _, q := range queries {
		var ts time.Time
		err := s.db.QueryRowContext(ctx, q, tenantID).Scan(&ts)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, Upstreamf(err, "last aggregate updated at")
		}
		if latest == nil || ts.After(*latest) {
			t := ts
			latest = &t
		}
	}
	return latest, nil
}
