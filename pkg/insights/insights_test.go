package insights

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	_ "github.com/mattn/go-sqlite3"

	"github.com/openbracket/openbracket/pkg/analytics"
	"github.com/openbracket/openbracket/pkg/cache"
	"github.com/openbracket/openbracket/pkg/observability"
	"github.com/openbracket/openbracket/pkg/storage"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE revenue_aggregates (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tenant_id INTEGER NOT NULL,
			period_type TEXT NOT NULL,
			period_start TIMESTAMP NOT NULL,
			period_end TIMESTAMP NOT NULL,
			mrr_cents INTEGER NOT NULL DEFAULT 0,
			arr_cents INTEGER NOT NULL DEFAULT 0,
			new_revenue_cents INTEGER,
			churned_revenue_cents INTEGER,
			expansion_revenue_cents INTEGER,
			total_revenue_cents INTEGER NOT NULL DEFAULT 0,
			payment_count INTEGER NOT NULL DEFAULT 0,
			successful_payment_count INTEGER NOT NULL DEFAULT 0,
			refund_count INTEGER NOT NULL DEFAULT 0,
			refund_amount_cents INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE(tenant_id, period_type, period_start)
		);

		CREATE TABLE user_cohorts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tenant_id INTEGER NOT NULL,
			cohort_month TIMESTAMP NOT NULL,
			month_number INTEGER NOT NULL,
			cohort_size INTEGER NOT NULL DEFAULT 0,
			retained_users INTEGER NOT NULL DEFAULT 0,
			retention_rate REAL NOT NULL DEFAULT 0,
			revenue_cents INTEGER NOT NULL DEFAULT 0,
			ltv_cents INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE(tenant_id, cohort_month, month_number)
		);

		CREATE TABLE tournament_aggregates (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tenant_id INTEGER NOT NULL,
			period_type TEXT NOT NULL,
			period_start TIMESTAMP NOT NULL,
			period_end TIMESTAMP NOT NULL,
			tournament_count INTEGER NOT NULL DEFAULT 0,
			completed_count INTEGER NOT NULL DEFAULT 0,
			completion_rate REAL NOT NULL DEFAULT 0,
			total_players INTEGER NOT NULL DEFAULT 0,
			average_players REAL NOT NULL DEFAULT 0,
			average_duration_minutes REAL NOT NULL DEFAULT 0,
			most_popular_format TEXT NOT NULL DEFAULT '',
			revenue_cents INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE(tenant_id, period_type, period_start)
		);

		CREATE TABLE payments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tenant_id INTEGER NOT NULL,
			player_id INTEGER,
			tournament_id INTEGER,
			amount_cents INTEGER NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		);

		CREATE TABLE players (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tenant_id INTEGER NOT NULL,
			joined_at TIMESTAMP NOT NULL,
			last_active_at TIMESTAMP
		);

		CREATE TABLE tournaments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tenant_id INTEGER NOT NULL,
			format TEXT NOT NULL,
			player_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			completed_at TIMESTAMP
		);
	`)
	if err != nil {
		t.Fatalf("Failed to create test schema: %v", err)
	}
	return db
}

// testService builds an uncached service; every query computes directly
// against the backing store.
func testService(t *testing.T) (*Service, *sql.DB) {
	t.Helper()
	db := setupTestDB(t)
	logger := observability.NewLogger(observability.ErrorLevel, os.Stderr)
	store := analytics.NewStore(db, logger)
	return NewService(store, nil, logger, observability.NewTestMetrics()), db
}

// cachedService builds a service over a miniredis-backed cache so cached
// query behavior is observable.
func cachedService(t *testing.T) (*Service, *sql.DB) {
	t.Helper()
	db := setupTestDB(t)

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	cfg := storage.DefaultConfig()
	cfg.RedisURL = "redis://" + mr.Addr()
	cfg.L1CacheSize = 128

	logger := observability.NewLogger(observability.ErrorLevel, os.Stderr)
	metrics := observability.NewTestMetrics()
	cacheClient, err := cache.NewClient(cfg, logger, metrics)
	if err != nil {
		t.Fatalf("Failed to build cache client: %v", err)
	}
	t.Cleanup(func() { cacheClient.Close() })

	store := analytics.NewStore(db, logger)
	return NewService(store, cacheClient, logger, metrics), db
}

func mustExec(t *testing.T, db *sql.DB, query string, args ...interface{}) {
	t.Helper()
	if _, err := db.Exec(query, args...); err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
}

func seedRevenueMonth(t *testing.T, db *sql.DB, tenantID int64, month time.Time, mrrCents int64, updatedAt time.Time) {
	t.Helper()
	mustExec(t, db, `
		INSERT INTO revenue_aggregates (tenant_id, period_type, period_start, period_end, mrr_cents, arr_cents, total_revenue_cents, created_at, updated_at)
		VALUES ($1, 'month', $2, $3, $4, $5, $4, $6, $6)`,
		tenantID, month, month.AddDate(0, 1, 0), mrrCents, mrrCents*12, updatedAt)
}

func seedCohortRow(t *testing.T, db *sql.DB, tenantID int64, cohortMonth time.Time, monthNumber, size, retained int, rate float64) {
	t.Helper()
	now := time.Now().UTC()
	mustExec(t, db, `
		INSERT INTO user_cohorts (tenant_id, cohort_month, month_number, cohort_size, retained_users, retention_rate, revenue_cents, ltv_cents, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 1000, 500, $7, $7)`,
		tenantID, cohortMonth, monthNumber, size, retained, rate, now)
}

func TestGetDashboardSummaryNoRevenue(t *testing.T) {
	svc, _ := testService(t)

	_, err := svc.GetDashboardSummary(context.Background(), 1)
	if !analytics.IsNotFound(err) {
		t.Fatalf("expected ErrNotFound without a current revenue aggregate, got %v", err)
	}
}

func TestGetDashboardSummary(t *testing.T) {
	svc, db := testService(t)
	ctx := context.Background()
	now := time.Now().UTC()
	currentMonth := analytics.NormalizeToMonth(now)

	seedRevenueMonth(t, db, 1, currentMonth, 11000, now)
	seedRevenueMonth(t, db, 1, currentMonth.AddDate(0, -1, 0), 10000, now)

	// Month-1 retention of 25% means 75% churn, over the alert threshold.
	cohortMonth := currentMonth.AddDate(0, -2, 0)
	seedCohortRow(t, db, 1, cohortMonth, 0, 100, 100, 100)
	seedCohortRow(t, db, 1, cohortMonth, 1, 100, 25, 25)

	// Completion at 40% sits under the alert threshold.
	mustExec(t, db, `
		INSERT INTO tournament_aggregates (tenant_id, period_type, period_start, period_end, tournament_count, completed_count, completion_rate, most_popular_format, created_at, updated_at)
		VALUES (1, 'month', $1, $2, 10, 4, 40, 'swiss', $3, $3)`,
		currentMonth, currentMonth.AddDate(0, 1, 0), now)

	mustExec(t, db, `INSERT INTO players (tenant_id, joined_at, last_active_at) VALUES (1, $1, $2)`, cohortMonth, now)
	mustExec(t, db, `INSERT INTO players (tenant_id, joined_at, last_active_at) VALUES (1, $1, $2)`, cohortMonth, now)

	summary, err := svc.GetDashboardSummary(ctx, 1)
	if err != nil {
		t.Fatalf("dashboard failed: %v", err)
	}

	if summary.Revenue.MRRCents != 11000 || summary.Revenue.ARRCents != 132000 {
		t.Errorf("revenue = %+v", summary.Revenue)
	}
	if summary.Revenue.TrendDirection != "up" {
		t.Errorf("trend = %q, want up", summary.Revenue.TrendDirection)
	}
	if summary.Revenue.GrowthRate < 9.9 || summary.Revenue.GrowthRate > 10.1 {
		t.Errorf("growth = %.2f, want 10", summary.Revenue.GrowthRate)
	}

	if summary.ActiveUsers == nil || *summary.ActiveUsers != 2 {
		t.Errorf("active users = %v, want 2", summary.ActiveUsers)
	}
	if summary.Retention == nil || summary.Retention.Month1Retention != 25 || summary.Retention.ChurnRate != 75 {
		t.Errorf("retention = %+v", summary.Retention)
	}
	if summary.Tournaments == nil || summary.Tournaments.MostPopularFormat != "swiss" {
		t.Errorf("tournaments = %+v", summary.Tournaments)
	}

	alertMetrics := map[string]string{}
	for _, a := range summary.Alerts {
		alertMetrics[a.Metric] = a.Severity
	}
	if alertMetrics["churn_rate"] != "critical" {
		t.Errorf("expected critical churn alert, got %v", alertMetrics)
	}
	if alertMetrics["completion_rate"] != "warning" {
		t.Errorf("expected completion warning, got %v", alertMetrics)
	}
}

func TestGetDashboardSummaryOptionalBlocksDegrade(t *testing.T) {
	svc, db := testService(t)
	now := time.Now().UTC()
	currentMonth := analytics.NormalizeToMonth(now)

	// Only revenue exists: the dashboard still renders with the optional
	// blocks absent.
	seedRevenueMonth(t, db, 1, currentMonth, 5000, now)

	summary, err := svc.GetDashboardSummary(context.Background(), 1)
	if err != nil {
		t.Fatalf("dashboard failed: %v", err)
	}
	if summary.Revenue.MRRCents != 5000 {
		t.Errorf("revenue = %+v", summary.Revenue)
	}
	if summary.Retention != nil || summary.Tournaments != nil {
		t.Error("optional blocks should be absent without data")
	}
	if summary.ActiveUsers == nil || *summary.ActiveUsers != 0 {
		t.Errorf("active users = %v, want 0", summary.ActiveUsers)
	}
	if len(summary.Alerts) != 0 {
		t.Errorf("alerts = %v, want none", summary.Alerts)
	}
}

func TestGetAnalyticsHealth(t *testing.T) {
	svc, db := testService(t)
	ctx := context.Background()

	// No aggregates at all.
	health, err := svc.GetAnalyticsHealth(ctx, 1)
	if err != nil {
		t.Fatalf("health failed: %v", err)
	}
	if health.Status != "missing" || health.LastAggregatedAt != nil {
		t.Errorf("health = %+v, want missing", health)
	}

	// Fresh aggregate within the last day.
	month := analytics.NormalizeToMonth(time.Now().UTC())
	seedRevenueMonth(t, db, 1, month, 1000, time.Now().UTC().Add(-time.Hour))

	health, err = svc.GetAnalyticsHealth(ctx, 1)
	if err != nil {
		t.Fatalf("health failed: %v", err)
	}
	if health.Status != "healthy" {
		t.Errorf("status = %q, want healthy", health.Status)
	}
	if health.HoursSinceUpdate == nil || *health.HoursSinceUpdate < 0.9 || *health.HoursSinceUpdate > 1.1 {
		t.Errorf("hours since update = %v, want ~1", health.HoursSinceUpdate)
	}
}

func TestGetAnalyticsHealthStale(t *testing.T) {
	svc, db := testService(t)

	month := analytics.NormalizeToMonth(time.Now().UTC())
	seedRevenueMonth(t, db, 1, month, 1000, time.Now().UTC().Add(-48*time.Hour))

	health, err := svc.GetAnalyticsHealth(context.Background(), 1)
	if err != nil {
		t.Fatalf("health failed: %v", err)
	}
	if health.Status != "stale" {
		t.Errorf("status = %q, want stale", health.Status)
	}
}

func TestInvalidateTenantWithoutCache(t *testing.T) {
	svc, _ := testService(t)

	if err := svc.InvalidateTenant(context.Background(), 1); err != nil {
		t.Fatalf("uncached invalidation must be a no-op, got %v", err)
	}
}

func TestCompareCohortsCachedPerMonthSet(t *testing.T) {
	svc, db := cachedService(t)
	ctx := context.Background()

	january := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	february := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	seedCohortRow(t, db, 1, january, 0, 100, 100, 100)
	seedCohortRow(t, db, 1, january, 1, 100, 80, 80)
	seedCohortRow(t, db, 1, february, 0, 100, 100, 100)
	seedCohortRow(t, db, 1, february, 1, 100, 20, 20)

	first, err := svc.CompareCohorts(ctx, 1, []time.Time{january})
	if err != nil {
		t.Fatalf("compare january failed: %v", err)
	}
	if len(first.Rankings) != 1 || first.Rankings[0].Month1Retention != 80 {
		t.Fatalf("january comparison = %+v", first.Rankings)
	}

	// A second comparison over a different cohort set must compute its own
	// result, not read the first one back from the cache.
	second, err := svc.CompareCohorts(ctx, 1, []time.Time{february})
	if err != nil {
		t.Fatalf("compare february failed: %v", err)
	}
	if len(second.Rankings) != 1 || second.Rankings[0].Month1Retention != 20 {
		t.Fatalf("february comparison = %+v, want month-1 retention 20", second.Rankings)
	}
	if !second.Rankings[0].CohortMonth.Equal(february) {
		t.Errorf("cohort month = %v, want %v", second.Rankings[0].CohortMonth, february)
	}

	both, err := svc.CompareCohorts(ctx, 1, []time.Time{january, february})
	if err != nil {
		t.Fatalf("compare both failed: %v", err)
	}
	if len(both.Rankings) != 2 {
		t.Fatalf("rankings = %d, want 2", len(both.Rankings))
	}
}

func TestRevenueForecastUncached(t *testing.T) {
	svc, db := testService(t)
	now := time.Now().UTC()
	currentMonth := analytics.NormalizeToMonth(now)

	for i := 0; i < 4; i++ {
		seedRevenueMonth(t, db, 1, currentMonth.AddDate(0, -i, 0), 100000, now)
	}

	result, err := svc.RevenueForecast(context.Background(), 1, 2)
	if err != nil {
		t.Fatalf("forecast failed: %v", err)
	}
	if len(result.Predictions) != 2 {
		t.Fatalf("predictions = %d, want 2", len(result.Predictions))
	}
}
