package reports

import (
	"time"
)

// ReportFrequency is how often a scheduled report fires.
type ReportFrequency string

const (
	FrequencyDaily   ReportFrequency = "daily"
	FrequencyWeekly  ReportFrequency = "weekly"
	FrequencyMonthly ReportFrequency = "monthly"
	// FrequencyCustom uses the report's cron expression.
	FrequencyCustom ReportFrequency = "custom"
)

// ReportFormat is the rendered output format.
type ReportFormat string

const (
	FormatPDF  ReportFormat = "pdf"
	FormatCSV  ReportFormat = "csv"
	FormatXLSX ReportFormat = "xlsx"
)

// DateRangePolicy resolves a report run's analysis window.
type DateRangePolicy string

const (
	RangeLast7Days   DateRangePolicy = "last7days"
	RangeLast30Days  DateRangePolicy = "last30days"
	RangeLastMonth   DateRangePolicy = "lastMonth"
	RangeLastQuarter DateRangePolicy = "lastQuarter"
	RangeCustom      DateRangePolicy = "custom"
)

// Report section names toggled per report.
const (
	SectionDashboard       = "dashboard"
	SectionRevenueForecast = "revenue_forecast"
	SectionRetention       = "retention"
	SectionTournaments     = "tournaments"
)

// ScheduledReport is a tenant's recurring report configuration. A report is
// due when NextRunAt is nil (never run) or at or before now.
type ScheduledReport struct {
	ID       int64  `json:"id"`
	TenantID int64  `json:"tenant_id"`
	Name     string `json:"name"`
	Enabled  bool   `json:"enabled"`

	Frequency ReportFrequency `json:"frequency"`
	// Cron expression, only consulted for FrequencyCustom.
	Schedule  string `json:"schedule,omitempty"`
	TimeOfDay string `json:"time_of_day"` // "15:04"
	Timezone  string `json:"timezone"`

	Recipients []string     `json:"recipients"`
	Format     ReportFormat `json:"format"`
	Sections   []string     `json:"sections"`

	DateRange   DateRangePolicy `json:"date_range"`
	CustomStart *time.Time      `json:"custom_start,omitempty"`
	CustomEnd   *time.Time      `json:"custom_end,omitempty"`

	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasSection reports whether a section is enabled for this report.
func (r *ScheduledReport) HasSection(name string) bool {
	for _, s := range r.Sections {
		if s == name {
			return true
		}
	}
	return false
}

// DeliveryStatus is the state of one report run attempt.
type DeliveryStatus string

const (
	StatusPending    DeliveryStatus = "pending"
	StatusProcessing DeliveryStatus = "processing"
	StatusSent       DeliveryStatus = "sent"
	StatusFailed     DeliveryStatus = "failed"
)

// Legal state transitions: pending -> processing -> {sent | failed}.
var validTransitions = map[DeliveryStatus][]DeliveryStatus{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusSent, StatusFailed},
	StatusSent:       {},
	StatusFailed:     {},
}

// CanTransitionTo reports whether a status change is legal.
func (s DeliveryStatus) CanTransitionTo(next DeliveryStatus) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ReportDelivery records one run attempt of a scheduled report. Failed runs
// keep their record for audit.
type ReportDelivery struct {
	ID       string `json:"id"`
	ReportID int64  `json:"report_id"`
	TenantID int64  `json:"tenant_id"`

	Status     DeliveryStatus `json:"status"`
	Format     ReportFormat   `json:"format"`
	Recipients []string       `json:"recipients"`

	DeliveredAt   *time.Time `json:"delivered_at,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	FileSizeBytes int64      `json:"file_size_bytes"`
	AttemptCount  int        `json:"attempt_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
