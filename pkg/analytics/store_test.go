package analytics

import (
	"context"
	"testing"
	"time"
)

func TestUpsertRevenueAggregateIdempotent(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	agg := &RevenueAggregate{
		TenantID:          1,
		PeriodType:        PeriodMonth,
		PeriodStart:       ts(2026, time.July, 1),
		PeriodEnd:         ts(2026, time.August, 1),
		MRRCents:          100000,
		ARRCents:          1200000,
		TotalRevenueCents: 100000,
		PaymentCount:      5,
	}

	if err := store.UpsertRevenueAggregate(ctx, agg); err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	if err := store.UpsertRevenueAggregate(ctx, agg); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	aggs, err := store.ListRevenueAggregates(ctx, 1, PeriodMonth, ts(2026, time.January, 1), ts(2027, time.January, 1))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(aggs) != 1 {
		t.Fatalf("expected 1 row after duplicate upsert, got %d", len(aggs))
	}
	if aggs[0].MRRCents != 100000 {
		t.Errorf("MRRCents = %d, want 100000", aggs[0].MRRCents)
	}
}

func TestUpsertRevenueAggregateUpdatesInPlace(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	agg := &RevenueAggregate{
		TenantID:    1,
		PeriodType:  PeriodMonth,
		PeriodStart: ts(2026, time.July, 1),
		PeriodEnd:   ts(2026, time.August, 1),
		MRRCents:    50000,
	}
	if err := store.UpsertRevenueAggregate(ctx, agg); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	agg.MRRCents = 75000
	if err := store.UpsertRevenueAggregate(ctx, agg); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	got, err := store.GetRevenueAggregate(ctx, 1, PeriodMonth, ts(2026, time.July, 1))
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.MRRCents != 75000 {
		t.Errorf("MRRCents = %d, want 75000", got.MRRCents)
	}
}

func TestGetRevenueAggregateNotFound(t *testing.T) {
	store := testStore(t)

	_, err := store.GetRevenueAggregate(context.Background(), 99, PeriodMonth, ts(2026, time.July, 1))
	if !IsNotFound(err) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRevenueAggregateNullableBreakdown(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	agg := &RevenueAggregate{
		TenantID:    1,
		PeriodType:  PeriodMonth,
		PeriodStart: ts(2026, time.July, 1),
		PeriodEnd:   ts(2026, time.August, 1),
	}
	if err := store.UpsertRevenueAggregate(ctx, agg); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	got, err := store.GetRevenueAggregate(ctx, 1, PeriodMonth, ts(2026, time.July, 1))
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.NewRevenueCents != nil || got.ChurnedRevenueCents != nil || got.ExpansionRevenueCents != nil {
		t.Error("revenue breakdown fields must stay NULL, not zero")
	}
}

func TestUpsertCohortRowIdempotent(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	row := &UserCohort{
		TenantID:      1,
		CohortMonth:   ts(2026, time.May, 1),
		MonthNumber:   0,
		CohortSize:    20,
		RetainedUsers: 20,
		RetentionRate: 100,
	}
	for i := 0; i < 2; i++ {
		if err := store.UpsertCohortRow(ctx, row); err != nil {
			t.Fatalf("upsert %d failed: %v", i, err)
		}
	}

	cohort, err := store.GetCohort(ctx, 1, ts(2026, time.May, 1))
	if err != nil {
		t.Fatalf("get cohort failed: %v", err)
	}
	if len(cohort) != 1 {
		t.Fatalf("expected 1 row, got %d", len(cohort))
	}
}

func TestGetCohortOrdersByMonthNumber(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	for _, n := range []int{2, 0, 1} {
		row := &UserCohort{
			TenantID:    1,
			CohortMonth: ts(2026, time.May, 1),
			MonthNumber: n,
			CohortSize:  10,
		}
		if err := store.UpsertCohortRow(ctx, row); err != nil {
			t.Fatalf("upsert failed: %v", err)
		}
	}

	cohort, err := store.GetCohort(ctx, 1, ts(2026, time.May, 1))
	if err != nil {
		t.Fatalf("get cohort failed: %v", err)
	}
	for i, row := range cohort {
		if row.MonthNumber != i {
			t.Errorf("row %d has month number %d", i, row.MonthNumber)
		}
	}
}

func TestListCohortMonths(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	for _, m := range []time.Time{ts(2026, time.June, 1), ts(2026, time.April, 1)} {
		row := &UserCohort{TenantID: 1, CohortMonth: m, MonthNumber: 0, CohortSize: 5}
		if err := store.UpsertCohortRow(ctx, row); err != nil {
			t.Fatalf("upsert failed: %v", err)
		}
	}

	months, err := store.ListCohortMonths(ctx, 1)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(months) != 2 {
		t.Fatalf("expected 2 months, got %d", len(months))
	}
	if !months[0].Equal(ts(2026, time.April, 1)) {
		t.Errorf("months not ordered oldest first: %v", months)
	}
}

func TestListTenantIDsSkipsInactive(t *testing.T) {
	store := testStore(t)
	mustExec(t, store.DB(), `INSERT INTO tenants (name, active) VALUES ('alpha', 1), ('beta', 0), ('gamma', 1)`)

	ids, err := store.ListTenantIDs(context.Background())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 active tenants, got %d", len(ids))
	}
}

func TestLastAggregateUpdatedAt(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	last, err := store.LastAggregateUpdatedAt(ctx, 1)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if last != nil {
		t.Fatal("expected nil for never-aggregated tenant")
	}

	agg := &RevenueAggregate{
		TenantID:    1,
		PeriodType:  PeriodMonth,
		PeriodStart: ts(2026, time.July, 1),
		PeriodEnd:   ts(2026, time.August, 1),
	}
	if err := store.UpsertRevenueAggregate(ctx, agg); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	last, err = store.LastAggregateUpdatedAt(ctx, 1)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if last == nil {
		t.Fatal("expected a timestamp after aggregation")
	}
	if time.Since(*last) > time.Minute {
		t.Errorf("timestamp too old: %v", *last)
	}
}
