package reports

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/openbracket/openbracket/pkg/analytics"
	"github.com/openbracket/openbracket/pkg/observability"
)

// Store persists scheduled reports and their delivery records. Recipients
// and section toggles are stored as JSON text so the schema stays flat.
type Store struct {
	db     *sql.DB
	logger *observability.Logger
}

// NewStore creates a report store over an established database connection.
func NewStore(db *sql.DB, logger *observability.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// FindOrCreateReport returns the report named (tenant, name), creating it
// from the given configuration when absent. The insert is a conflict-free
// upsert on the natural key, so concurrent callers converge on one row.
func (s *Store) FindOrCreateReport(ctx context.Context, report *ScheduledReport) (*ScheduledReport, error) {
	recipients, err := json.Marshal(report.Recipients)
	if err != nil {
		return nil, analytics.Validationf("invalid recipients: %v", err)
	}
	sections, err := json.Marshal(report.Sections)
	if err != nil {
		return nil, analytics.Validationf("invalid sections: %v", err)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scheduled_reports (
			tenant_id, name, enabled, frequency, schedule, time_of_day, timezone,
			recipients, format, sections, date_range, custom_start, custom_end,
			last_run_at, next_run_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (tenant_id, name) DO NOTHING`,
		report.TenantID, report.Name, report.Enabled, string(report.Frequency),
		report.Schedule, report.TimeOfDay, report.Timezone,
		string(recipients), string(report.Format), string(sections),
		string(report.DateRange), report.CustomStart, report.CustomEnd,
		report.LastRunAt, report.NextRunAt, now, now,
	)
	if err != nil {
		return nil, analytics.Upstreamf(err, "create scheduled report %q tenant %d", report.Name, report.TenantID)
	}

	return s.getReportByName(ctx, report.TenantID, report.Name)
}

const reportColumns = `
	id, tenant_id, name, enabled, frequency, schedule, time_of_day, timezone,
	recipients, format, sections, date_range, custom_start, custom_end,
	last_run_at, next_run_at, created_at, updated_at`

// GetReport loads one scheduled report by ID.
func (s *Store) GetReport(ctx context.Context, id int64) (*ScheduledReport, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+reportColumns+` FROM scheduled_reports WHERE id = $1`, id)
	report, err := scanReport(row)
	if err == sql.ErrNoRows {
		return nil, analytics.NotFoundf("scheduled report %d", id)
	}
	if err != nil {
		return nil, analytics.Upstreamf(err, "get scheduled report %d", id)
	}
	return report, nil
}

func (s *Store) getReportByName(ctx context.Context, tenantID int64, name string) (*ScheduledReport, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+reportColumns+` FROM scheduled_reports WHERE tenant_id = $1 AND name = $2`,
		tenantID, name)
	report, err := scanReport(row)
	if err == sql.ErrNoRows {
		return nil, analytics.NotFoundf("scheduled report %q tenant %d", name, tenantID)
	}
	if err != nil {
		return nil, analytics.Upstreamf(err, "get scheduled report %q", name)
	}
	return report, nil
}

// GetReportsDueToRun returns every enabled report whose next run is unset or
// at or before now, oldest due first.
func (s *Store) GetReportsDueToRun(ctx context.Context, now time.Time) ([]ScheduledReport, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+reportColumns+`
		FROM scheduled_reports
		WHERE enabled AND (next_run_at IS NULL OR next_run_at <= $1)
		ORDER BY next_run_at`,
		now.UTC(),
	)
	if err != nil {
		return nil, analytics.Upstreamf(err, "list due reports")
	}
	defer rows.Close()

	var due []ScheduledReport
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return nil, analytics.Upstreamf(err, "scan scheduled report")
		}
		due = append(due, *report)
	}
	if err := rows.Err(); err != nil {
		return nil, analytics.Upstreamf(err, "iterate due reports")
	}
	return due, nil
}

// UpdateReportRun records a completed run: last run time and the next
// scheduled occurrence.
func (s *Store) UpdateReportRun(ctx context.Context, id int64, lastRunAt, nextRunAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_reports
		SET last_run_at = $1, next_run_at = $2, updated_at = $3
		WHERE id = $4`,
		lastRunAt.UTC(), nextRunAt.UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return analytics.Upstreamf(err, "update report run %d", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanReport(row rowScanner) (*ScheduledReport, error) {
	var r ScheduledReport
	var frequency, format, dateRange string
	var recipients, sections string
	err := row.Scan(
		&r.ID, &r.TenantID, &r.Name, &r.Enabled, &frequency, &r.Schedule,
		&r.TimeOfDay, &r.Timezone, &recipients, &format, &sections,
		&dateRange, &r.CustomStart, &r.CustomEnd,
		&r.LastRunAt, &r.NextRunAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Frequency = ReportFrequency(frequency)
	r.Format = ReportFormat(format)
	r.DateRange = DateRangePolicy(dateRange)
	if err := json.Unmarshal([]byte(recipients), &r.Recipients); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(sections), &r.Sections); err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateDelivery inserts a new delivery record. The caller assigns the UUID.
func (s *Store) CreateDelivery(ctx context.Context, d *ReportDelivery) error {
	recipients, err := json.Marshal(d.Recipients)
	if err != nil {
		return analytics.Validationf("invalid recipients: %v", err)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO report_deliveries (
			id, report_id, tenant_id, status, format, recipients,
			delivered_at, error_message, file_size_bytes, attempt_count,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		d.ID, d.ReportID, d.TenantID, string(d.Status), string(d.Format),
		string(recipients), d.DeliveredAt, d.ErrorMessage, d.FileSizeBytes,
		d.AttemptCount, now, now,
	)
	if err != nil {
		return analytics.Upstreamf(err, "create delivery for report %d", d.ReportID)
	}
	return nil
}

// UpdateDelivery persists a delivery's outcome fields. Status changes are
// checked against the pending -> processing -> {sent | failed} state machine;
// an illegal move is a validation error and leaves the row untouched.
// Same-status updates are allowed so in-flight attempt counts can persist.
func (s *Store) UpdateDelivery(ctx context.Context, d *ReportDelivery) error {
	var current string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM report_deliveries WHERE id = $1`, d.ID).Scan(&current)
	if err == sql.ErrNoRows {
		return analytics.NotFoundf("delivery %s", d.ID)
	}
	if err != nil {
		return analytics.Upstreamf(err, "get delivery %s status", d.ID)
	}
	if DeliveryStatus(current) != d.Status && !DeliveryStatus(current).CanTransitionTo(d.Status) {
		return analytics.Validationf("delivery %s cannot move from %s to %s", d.ID, current, d.Status)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE report_deliveries
		SET status = $1, delivered_at = $2, error_message = $3,
			file_size_bytes = $4, attempt_count = $5, updated_at = $6
		WHERE id = $7`,
		string(d.Status), d.DeliveredAt, d.ErrorMessage,
		d.FileSizeBytes, d.AttemptCount, time.Now().UTC(), d.ID,
	)
	if err != nil {
		return analytics.Upstreamf(err, "update delivery %s", d.ID)
	}
	return nil
}

// ListDeliveries returns a report's delivery history, newest first.
func (s *Store) ListDeliveries(ctx context.Context, reportID int64) ([]ReportDelivery, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, report_id, tenant_id, status, format, recipients,
			delivered_at, error_message, file_size_bytes, attempt_count,
			created_at, updated_at
		FROM report_deliveries
		WHERE report_id = $1
		ORDER BY created_at DESC`,
		reportID,
	)
	if err != nil {
		return nil, analytics.Upstreamf(err, "list deliveries for report %d", reportID)
	}
	defer rows.Close()

	var deliveries []ReportDelivery
	for rows.Next() {
		var d ReportDelivery
		var status, format, recipients string
		if err := rows.Scan(&d.ID, &d.ReportID, &d.TenantID, &status, &format,
			&recipients, &d.DeliveredAt, &d.ErrorMessage, &d.FileSizeBytes,
			&d.AttemptCount, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, analytics.Upstreamf(err, "scan delivery")
		}
		d.Status = DeliveryStatus(status)
		d.Format = ReportFormat(format)
		if err := json.Unmarshal([]byte(recipients), &d.Recipients); err != nil {
			return nil, analytics.Upstreamf(err, "decode delivery recipients")
		}
		deliveries = append(deliveries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, analytics.Upstreamf(err, "iterate deliveries")
	}
	return deliveries, nil
}
