package reports

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/openbracket/openbracket/pkg/analytics"
	"github.com/openbracket/openbracket/pkg/cohorts"
	"github.com/openbracket/openbracket/pkg/forecast"
	"github.com/openbracket/openbracket/pkg/insights"
	"github.com/openbracket/openbracket/pkg/observability"
	"github.com/openbracket/openbracket/pkg/tournaments"
)

// ReportData is the structured analytics payload handed to the exporter.
// Sections the report disabled, or whose analysis failed softly, are nil.
type ReportData struct {
	TenantID    int64     `json:"tenant_id"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	GeneratedAt time.Time `json:"generated_at"`

	Dashboard   *insights.DashboardSummary        `json:"dashboard,omitempty"`
	Forecast    *forecast.RevenueForecast         `json:"forecast,omitempty"`
	Retention   *cohorts.RetentionBenchmarks      `json:"retention,omitempty"`
	Tournaments *tournaments.TournamentBenchmarks `json:"tournaments,omitempty"`
}

// Exporter renders a report's analytics payload into the configured format.
type Exporter interface {
	Render(ctx context.Context, report *ScheduledReport, data *ReportData) ([]byte, error)
}

// Mailer delivers a rendered report to its recipients.
type Mailer interface {
	Send(ctx context.Context, report *ScheduledReport, content []byte) error
}

// RetryPolicy bounds delivery retries: MaxAttempts tries with exponential
// backoff starting at InitialDelay.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
}

// DefaultRetryPolicy is 3 attempts backing off from 5 seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialDelay: 5 * time.Second}
}

// Runner drives the scheduled report workflow: find due reports, gather
// analytics, render, deliver with bounded retries, and record the outcome.
// Every run produces a delivery record, failed runs included.
type Runner struct {
	store    *Store
	insights *insights.Service
	exporter Exporter
	mailer   Mailer
	retry    RetryPolicy
	logger   *observability.Logger
	metrics  *observability.Metrics

	// Overridable for deterministic tests.
	now func() time.Time
}

// NewRunner wires the report workflow.
func NewRunner(store *Store, svc *insights.Service, exporter Exporter, mailer Mailer, retry RetryPolicy, logger *observability.Logger, metrics *observability.Metrics) *Runner {
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryPolicy()
	}
	return &Runner{
		store:    store,
		insights: svc,
		exporter: exporter,
		mailer:   mailer,
		retry:    retry,
		logger:   logger,
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RunDueReports fires every report that is due. One report's failure never
// stops the others; the first store-level error listing due reports aborts.
func (r *Runner) RunDueReports(ctx context.Context) error {
	due, err := r.store.GetReportsDueToRun(ctx, r.now())
	if err != nil {
		return err
	}
	r.metrics.ReportsDueGauge.Set(float64(len(due)))
	if len(due) == 0 {
		return nil
	}

	r.logger.WithField("count", len(due)).Info("running due reports")
	for i := range due {
		report := due[i]
		if err := r.RunReport(ctx, &report, nil); err != nil {
			r.logger.WithError(err).WithTenant(report.TenantID).
				WithField("report", report.Name).Warn("report run failed")
		}
	}
	return nil
}

// RunReport executes one report end to end. Progress milestones: 0 start,
// 10 date range resolved, 50 analytics gathered, 80 rendered, 90 delivery
// attempted, 100 done. The delivery record is created in `processing` before
// anything can fail and finalized as `sent` or `failed`; every failure,
// a misconfigured date range included, leaves its record for audit, and
// only a successful run advances NextRunAt.
func (r *Runner) RunReport(ctx context.Context, report *ScheduledReport, progress analytics.ProgressFunc) error {
	milestone := func(pct int) {
		if progress != nil {
			progress(pct)
		}
	}
	logger := r.logger.WithTenant(report.TenantID).WithField("report", report.Name)
	milestone(0)

	delivery := &ReportDelivery{
		ID:         uuid.New().String(),
		ReportID:   report.ID,
		TenantID:   report.TenantID,
		Status:     StatusProcessing,
		Format:     report.Format,
		Recipients: report.Recipients,
	}
	if err := r.store.CreateDelivery(ctx, delivery); err != nil {
		return err
	}

	start, end, err := ResolveDateRange(report, r.now())
	if err != nil {
		return r.failDelivery(ctx, delivery, err, logger, milestone)
	}
	milestone(10)

	data := r.gatherAnalytics(ctx, report, start, end)
	milestone(50)

	renderStart := time.Now()
	content, deliverErr := r.exporter.Render(ctx, report, data)
	r.metrics.ReportRenderDuration.Observe(time.Since(renderStart).Seconds())
	milestone(80)

	if deliverErr == nil {
		delivery.FileSizeBytes = int64(len(content))
		deliverErr = r.deliverWithRetry(ctx, report, content, delivery)
	}
	milestone(90)

	if deliverErr != nil {
		return r.failDelivery(ctx, delivery, deliverErr, logger, milestone)
	}

	deliveredAt := r.now()
	delivery.Status = StatusSent
	delivery.DeliveredAt = &deliveredAt
	r.metrics.ReportDeliveriesTotal.WithLabelValues(string(StatusSent)).Inc()
	if err := r.store.UpdateDelivery(ctx, delivery); err != nil {
		return err
	}

	nextRun, err := NextRunAt(report, deliveredAt)
	if err != nil {
		return err
	}
	if err := r.store.UpdateReportRun(ctx, report.ID, deliveredAt, nextRun); err != nil {
		return err
	}

	logger.WithFields(map[string]interface{}{
		"size_bytes": delivery.FileSizeBytes,
		"next_run":   nextRun,
	}).Info("report delivered")
	milestone(100)
	return nil
}

// failDelivery finalizes a delivery as failed, keeping the record for audit,
// and returns the cause so the caller surfaces the original error.
func (r *Runner) failDelivery(ctx context.Context, delivery *ReportDelivery, cause error, logger *observability.Logger, milestone func(int)) error {
	delivery.Status = StatusFailed
	delivery.ErrorMessage = cause.Error()
	r.metrics.ReportDeliveriesTotal.WithLabelValues(string(StatusFailed)).Inc()
	if err := r.store.UpdateDelivery(ctx, delivery); err != nil {
		logger.WithError(err).Error("failed to record failed delivery")
	}
	milestone(100)
	return cause
}

// gatherAnalytics assembles the enabled sections. A section whose analysis
// fails is logged and omitted rather than failing the report; an empty
// report body is still a deliverable report.
func (r *Runner) gatherAnalytics(ctx context.Context, report *ScheduledReport, start, end time.Time) *ReportData {
	logger := r.logger.WithTenant(report.TenantID).WithField("report", report.Name)

	data := &ReportData{
		TenantID:    report.TenantID,
		PeriodStart: start,
		PeriodEnd:   end,
		GeneratedAt: r.now(),
	}

	if report.HasSection(SectionDashboard) {
		if dashboard, err := r.insights.GetDashboardSummary(ctx, report.TenantID); err == nil {
			data.Dashboard = dashboard
		} else {
			logger.WithError(err).Warn("dashboard section unavailable")
		}
	}
	if report.HasSection(SectionRevenueForecast) {
		if projection, err := r.insights.RevenueForecast(ctx, report.TenantID, 3); err == nil {
			data.Forecast = projection
		} else {
			logger.WithError(err).Warn("forecast section unavailable")
		}
	}
	if report.HasSection(SectionRetention) {
		if retention, err := r.insights.RetentionBenchmarks(ctx, report.TenantID); err == nil {
			data.Retention = retention
		} else {
			logger.WithError(err).Warn("retention section unavailable")
		}
	}
	if report.HasSection(SectionTournaments) {
		if benchmarks, err := r.insights.TournamentBenchmarks(ctx, report.TenantID); err == nil {
			data.Tournaments = benchmarks
		} else {
			logger.WithError(err).Warn("tournaments section unavailable")
		}
	}
	return data
}

// deliverWithRetry attempts delivery up to the retry policy's bound, backing
// off exponentially between attempts. AttemptCount records how many tries
// the delivery took.
func (r *Runner) deliverWithRetry(ctx context.Context, report *ScheduledReport, content []byte, delivery *ReportDelivery) error {
	delay := r.retry.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= r.retry.MaxAttempts; attempt++ {
		delivery.AttemptCount = attempt

		lastErr = r.mailer.Send(ctx, report, content)
		if lastErr == nil {
			return nil
		}

		r.logger.WithError(lastErr).WithTenant(report.TenantID).WithFields(map[string]interface{}{
			"report":  report.Name,
			"attempt": attempt,
		}).Warn("delivery attempt failed")

		if attempt == r.retry.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return lastErr
}
