package analytics

import (
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/openbracket/openbracket/pkg/observability"
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

		CREATE TABLE tenants (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1
		);
	`)
	if err != nil {
		t.Fatalf("Failed to create test schema: %v", err)
	}
	return db
}

func testStore(t *testing.T) *Store {
	t.Helper()
	logger := observability.NewLogger(observability.ErrorLevel, os.Stderr)
	return NewStore(setupTestDB(t), logger)
}

func testAggregator(t *testing.T, store *Store) *Aggregator {
	t.Helper()
	logger := observability.NewLogger(observability.ErrorLevel, os.Stderr)
	return NewAggregator(store, logger, observability.NewTestMetrics())
}

func mustExec(t *testing.T, db *sql.DB, query string, args ...interface{}) {
	t.Helper()
	if _, err := db.Exec(query, args...); err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
}

func ts(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}
