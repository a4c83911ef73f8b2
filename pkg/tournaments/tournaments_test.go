package tournaments

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/openbracket/openbracket/pkg/analytics"
	"github.com/openbracket/openbracket/pkg/observability"
)

type fakeStore struct {
	aggregates map[time.Time]*analytics.TournamentAggregate
	completed  []analytics.Tournament
	active     map[time.Time]int
}

func (f *fakeStore) GetTournamentAggregate(_ context.Context, _ int64, _ analytics.PeriodType, periodStart time.Time) (*analytics.TournamentAggregate, error) {
	agg, ok := f.aggregates[periodStart]
	if !ok {
		return nil, analytics.NotFoundf("tournament aggregate %s", periodStart.Format("2006-01-02"))
	}
	return agg, nil
}

func (f *fakeStore) ListTournamentAggregates(_ context.Context, _ int64, _ analytics.PeriodType, from, to time.Time) ([]analytics.TournamentAggregate, error) {
	var out []analytics.TournamentAggregate
	for m := from; m.Before(to); m = m.AddDate(0, 1, 0) {
		if agg, ok := f.aggregates[m]; ok {
			out = append(out, *agg)
		}
	}
	return out, nil
}

func (f *fakeStore) ListCompletedTournaments(_ context.Context, _ int64, limit int) ([]analytics.Tournament, error) {
	if len(f.completed) > limit {
		return f.completed[:limit], nil
	}
	return f.completed, nil
}

func (f *fakeStore) CountActivePlayers(_ context.Context, _ int64, from, _ time.Time) (int, error) {
	return f.active[from], nil
}

func testAnalyzer(store Store, now time.Time) *Analyzer {
	logger := observability.NewLogger(observability.ErrorLevel, os.Stderr)
	a := NewAnalyzer(store, logger)
	a.now = func() time.Time { return now }
	return a
}

func month(y int, m time.Month) time.Time {
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}

func completedTournament(format string, players int, started time.Time) analytics.Tournament {
	completed := started.Add(2 * time.Hour)
	return analytics.Tournament{
		TenantID:    1,
		Format:      format,
		PlayerCount: players,
		CreatedAt:   started,
		StartedAt:   &started,
		CompletedAt: &completed,
	}
}

func monthlyAggregate(m time.Time, count, completed int, avgPlayers float64) *analytics.TournamentAggregate {
	completionRate := 0.0
	if count > 0 {
		completionRate = float64(completed) / float64(count) * 100
	}
	return &analytics.TournamentAggregate{
		TenantID:        1,
		PeriodType:      analytics.PeriodMonth,
		PeriodStart:     m,
		PeriodEnd:       m.AddDate(0, 1, 0),
		TournamentCount: count,
		CompletedCount:  completed,
		CompletionRate:  completionRate,
		AveragePlayers:  avgPlayers,
		TotalPlayers:    int(avgPlayers * float64(count)),
	}
}

func TestAnalyzePeriodNotFound(t *testing.T) {
	analyzer := testAnalyzer(&fakeStore{aggregates: map[time.Time]*analytics.TournamentAggregate{}}, month(2026, time.August))

	_, err := analyzer.AnalyzePeriod(context.Background(), 1, analytics.PeriodMonth, month(2026, time.July))
	if !analytics.IsNotFound(err) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAnalyzePeriodComparesToPrevious(t *testing.T) {
	store := &fakeStore{aggregates: map[time.Time]*analytics.TournamentAggregate{
		month(2026, time.June): monthlyAggregate(month(2026, time.June), 10, 8, 16),
		month(2026, time.July): monthlyAggregate(month(2026, time.July), 12, 9, 16.05),
	}}

	report, err := testAnalyzer(store, month(2026, time.August)).AnalyzePeriod(context.Background(), 1, analytics.PeriodMonth, month(2026, time.July))
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	if len(report.Changes) == 0 {
		t.Fatal("expected period-over-period changes")
	}

	byMetric := map[string]MetricChange{}
	for _, c := range report.Changes {
		byMetric[c.Metric] = c
	}

	// 10 -> 12 tournaments is a 20% rise.
	if byMetric["tournament_count"].Direction != "up" {
		t.Errorf("tournament_count direction = %q, want up", byMetric["tournament_count"].Direction)
	}
	// 16 -> 16.05 average players is a 0.3% move, inside the flat deadband.
	if byMetric["average_players"].Direction != "flat" {
		t.Errorf("average_players direction = %q, want flat", byMetric["average_players"].Direction)
	}
}

func TestAnalyzePeriodNoPreviousPeriod(t *testing.T) {
	store := &fakeStore{aggregates: map[time.Time]*analytics.TournamentAggregate{
		month(2026, time.July): monthlyAggregate(month(2026, time.July), 5, 4, 8),
	}}

	report, err := testAnalyzer(store, month(2026, time.August)).AnalyzePeriod(context.Background(), 1, analytics.PeriodMonth, month(2026, time.July))
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	if report.Changes != nil {
		t.Error("no previous aggregate: changes should be absent")
	}
}

func TestFormatMarketShare(t *testing.T) {
	start := month(2026, time.June)
	store := &fakeStore{
		aggregates: map[time.Time]*analytics.TournamentAggregate{
			month(2026, time.July): monthlyAggregate(month(2026, time.July), 4, 4, 12),
		},
		completed: []analytics.Tournament{
			completedTournament("swiss", 8, start),
			completedTournament("swiss", 10, start.AddDate(0, 0, 1)),
			completedTournament("swiss", 12, start.AddDate(0, 0, 2)),
			completedTournament("round_robin", 6, start.AddDate(0, 0, 3)),
		},
	}

	report, err := testAnalyzer(store, month(2026, time.August)).AnalyzePeriod(context.Background(), 1, analytics.PeriodMonth, month(2026, time.July))
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}

	if len(report.FormatPopularity) != 2 {
		t.Fatalf("expected 2 formats, got %d", len(report.FormatPopularity))
	}
	if report.FormatPopularity[0].Format != "swiss" || report.FormatPopularity[0].MarketShare != 75 {
		t.Errorf("swiss share = %+v, want 75%%", report.FormatPopularity[0])
	}
}

func TestPredictTournamentAttendance(t *testing.T) {
	// 12 swiss tournaments averaging 20 players, all on the same weekday and
	// month as the planned one: every signal agrees on 20.
	base := time.Date(2026, time.August, 3, 18, 0, 0, 0, time.UTC) // a Monday
	var history []analytics.Tournament
	for i := 0; i < 12; i++ {
		history = append(history, completedTournament("swiss", 20, base.AddDate(0, 0, 7*i%28)))
	}
	store := &fakeStore{completed: history}

	prediction, err := testAnalyzer(store, month(2026, time.August)).PredictTournamentAttendance(
		context.Background(), 1, "swiss", base.AddDate(0, 0, 28))
	if err != nil {
		t.Fatalf("predict failed: %v", err)
	}

	if prediction.PredictedPlayers < 19.99 || prediction.PredictedPlayers > 20.01 {
		t.Errorf("predicted = %.2f, want 20", prediction.PredictedPlayers)
	}
	// 12 same-format tournaments: the tight +/-15% band.
	if prediction.Confidence != "high" {
		t.Errorf("confidence = %q, want high", prediction.Confidence)
	}
	if prediction.Low < 16.99 || prediction.High > 23.01 {
		t.Errorf("band = [%.2f, %.2f], want [17, 23]", prediction.Low, prediction.High)
	}
}

func TestPredictTournamentAttendanceWideBandForSparseHistory(t *testing.T) {
	base := time.Date(2026, time.August, 3, 18, 0, 0, 0, time.UTC)
	store := &fakeStore{completed: []analytics.Tournament{
		completedTournament("swiss", 10, base),
		completedTournament("round_robin", 30, base.AddDate(0, 0, 1)),
	}}

	prediction, err := testAnalyzer(store, month(2026, time.August)).PredictTournamentAttendance(
		context.Background(), 1, "swiss", base.AddDate(0, 0, 7))
	if err != nil {
		t.Fatalf("predict failed: %v", err)
	}
	if prediction.Confidence != "low" {
		t.Errorf("confidence = %q, want low for 1 same-format tournament", prediction.Confidence)
	}
}

func TestPredictTournamentAttendanceNoHistory(t *testing.T) {
	analyzer := testAnalyzer(&fakeStore{}, month(2026, time.August))

	_, err := analyzer.PredictTournamentAttendance(context.Background(), 1, "swiss", time.Now())
	if !analytics.IsInsufficientData(err) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
}

func TestBenchmarkPercentileBuckets(t *testing.T) {
	tests := []struct {
		actual float64
		want   int
	}{
		{96, 90}, // 1.2x of 80
		{88, 75}, // 1.1x
		{80, 60}, // 1.0x
		{72, 40}, // 0.9x
		{64, 25}, // 0.8x
		{50, 10}, // below all thresholds
	}

	for _, tt := range tests {
		got := benchmark("completion_rate", tt.actual, targetCompletionRate)
		if got.Percentile != tt.want {
			t.Errorf("actual %.0f: percentile = %d, want %d", tt.actual, got.Percentile, tt.want)
		}
	}
}

func TestGetTournamentBenchmarks(t *testing.T) {
	now := time.Date(2026, time.August, 25, 0, 0, 0, 0, time.UTC)
	store := &fakeStore{
		aggregates: map[time.Time]*analytics.TournamentAggregate{
			month(2026, time.July): monthlyAggregate(month(2026, time.July), 10, 9, 18),
		},
		active: map[time.Time]int{
			month(2026, time.July):   100,
			month(2026, time.August): 45,
		},
	}

	benchmarks, err := testAnalyzer(store, now).GetTournamentBenchmarks(context.Background(), 1)
	if err != nil {
		t.Fatalf("benchmarks failed: %v", err)
	}
	if len(benchmarks.Results) != 4 {
		t.Fatalf("expected 4 benchmarks, got %d", len(benchmarks.Results))
	}

	byMetric := map[string]Benchmark{}
	for _, b := range benchmarks.Results {
		byMetric[b.Metric] = b
	}

	// 90% completion against an 80% target is the 1.1x bucket.
	if byMetric["completion_rate"].Percentile != 75 {
		t.Errorf("completion percentile = %d, want 75", byMetric["completion_rate"].Percentile)
	}
	// 45 of last month's 100 actives is 45% against a 40% target: 1.1x.
	if byMetric["player_retention"].Percentile != 75 {
		t.Errorf("retention percentile = %d, want 75", byMetric["player_retention"].Percentile)
	}
}

func TestGetTournamentBenchmarksNoAggregates(t *testing.T) {
	now := time.Date(2026, time.August, 25, 0, 0, 0, 0, time.UTC)
	analyzer := testAnalyzer(&fakeStore{aggregates: map[time.Time]*analytics.TournamentAggregate{}}, now)

	_, err := analyzer.GetTournamentBenchmarks(context.Background(), 1)
	if !analytics.IsNotFound(err) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
