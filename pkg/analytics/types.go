package analytics

import (
	"fmt"
	"time"
)

// PeriodType is the time bucket granularity for aggregate rows.
type PeriodType string

const (
	PeriodDay     PeriodType = "day"
	PeriodWeek    PeriodType = "week"
	PeriodMonth   PeriodType = "month"
	PeriodQuarter PeriodType = "quarter"
	PeriodYear    PeriodType = "year"
)

// Valid reports whether the period type is one of the known granularities.
func (p PeriodType) Valid() bool {
	switch p {
	case PeriodDay, PeriodWeek, PeriodMonth, PeriodQuarter, PeriodYear:
		return true
	}
	return false
}

// PeriodBounds returns the [start, end) window of the period containing t,
// normalized to UTC. Weeks start on Monday; quarters on Jan/Apr/Jul/Oct 1.
func PeriodBounds(p PeriodType, t time.Time) (time.Time, time.Time, error) {
	t = t.UTC()
	switch p {
	case PeriodDay:
		start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 0, 1), nil
	case PeriodWeek:
		weekday := int(t.Weekday())
		if weekday == 0 {
			weekday = 7
		}
		start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -(weekday - 1))
		return start, start.AddDate(0, 0, 7), nil
	case PeriodMonth:
		start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0), nil
	case PeriodQuarter:
		quarterMonth := time.Month(((int(t.Month())-1)/3)*3 + 1)
		start := time.Date(t.Year(), quarterMonth, 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 3, 0), nil
	case PeriodYear:
		start := time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(1, 0, 0), nil
	default:
		return time.Time{}, time.Time{}, Validationf("unknown period type %q", p)
	}
}

// NormalizeToMonth truncates t to the first of its calendar month in UTC.
// Cohort months are always stored in this form.
func NormalizeToMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// MonthsBetween returns the number of whole calendar months from a to b,
// after normalizing both to the first of their month. Negative when b is
// before a.
func MonthsBetween(a, b time.Time) int {
	a = NormalizeToMonth(a)
	b = NormalizeToMonth(b)
	return (b.Year()-a.Year())*12 + int(b.Month()) - int(a.Month())
}

// RevenueAggregate is the period-bucketed revenue summary for a tenant.
// Money fields are int64 cents. The new/churned/expansion breakdown is
// carried as nullable fields that the pipeline does not populate; consumers
// must treat nil as "unavailable", never as zero.
type RevenueAggregate struct {
	ID          int64      `json:"id"`
	TenantID    int64      `json:"tenant_id"`
	PeriodType  PeriodType `json:"period_type"`
	PeriodStart time.Time  `json:"period_start"`
	PeriodEnd   time.Time  `json:"period_end"`

	MRRCents int64 `json:"mrr_cents"`
	ARRCents int64 `json:"arr_cents"`

	NewRevenueCents       *int64 `json:"new_revenue_cents,omitempty"`
	ChurnedRevenueCents   *int64 `json:"churned_revenue_cents,omitempty"`
	ExpansionRevenueCents *int64 `json:"expansion_revenue_cents,omitempty"`

	TotalRevenueCents      int64 `json:"total_revenue_cents"`
	PaymentCount           int   `json:"payment_count"`
	SuccessfulPaymentCount int   `json:"successful_payment_count"`
	RefundCount            int   `json:"refund_count"`
	RefundAmountCents      int64 `json:"refund_amount_cents"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NetRevenueCents is total successful revenue minus refunds.
func (r *RevenueAggregate) NetRevenueCents() int64 {
	return r.TotalRevenueCents - r.RefundAmountCents
}

// UserCohort is one row of a cohort's retention series: the state of the
// signup cohort CohortMonth at MonthNumber months after signup. Month 0 fixes
// the cohort size; later months append as time passes.
type UserCohort struct {
	ID          int64     `json:"id"`
	TenantID    int64     `json:"tenant_id"`
	CohortMonth time.Time `json:"cohort_month"`
	MonthNumber int       `json:"month_number"`

	CohortSize    int     `json:"cohort_size"`
	RetainedUsers int     `json:"retained_users"`
	RetentionRate float64 `json:"retention_rate"`

	RevenueCents int64 `json:"revenue_cents"`
	LTVCents     int64 `json:"ltv_cents"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TournamentAggregate is the period-bucketed tournament activity summary for
// a tenant.
type TournamentAggregate struct {
	ID          int64      `json:"id"`
	TenantID    int64      `json:"tenant_id"`
	PeriodType  PeriodType `json:"period_type"`
	PeriodStart time.Time  `json:"period_start"`
	PeriodEnd   time.Time  `json:"period_end"`

	TournamentCount int     `json:"tournament_count"`
	CompletedCount  int     `json:"completed_count"`
	CompletionRate  float64 `json:"completion_rate"`

	TotalPlayers           int     `json:"total_players"`
	AveragePlayers         float64 `json:"average_players"`
	AverageDurationMinutes float64 `json:"average_duration_minutes"`

	MostPopularFormat string `json:"most_popular_format"`
	RevenueCents      int64  `json:"revenue_cents"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Payment statuses recognized by the pipeline. Other statuses (pending,
// disputed) are counted in PaymentCount but contribute no revenue.
const (
	PaymentStatusSucceeded = "succeeded"
	PaymentStatusRefunded  = "refunded"
)

// Payment is a raw transactional record read by the pipeline. PlayerID and
// TournamentID are optional attributions.
type Payment struct {
	ID           int64     `json:"id"`
	TenantID     int64     `json:"tenant_id"`
	PlayerID     *int64    `json:"player_id,omitempty"`
	TournamentID *int64    `json:"tournament_id,omitempty"`
	AmountCents  int64     `json:"amount_cents"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

// Player is a raw participation record. LastActiveAt is nil when no activity
// has ever been recorded for the player.
type Player struct {
	ID           int64      `json:"id"`
	TenantID     int64      `json:"tenant_id"`
	JoinedAt     time.Time  `json:"joined_at"`
	LastActiveAt *time.Time `json:"last_active_at,omitempty"`
}

// Tournament is a raw tournament record. StartedAt/CompletedAt are nil until
// the corresponding lifecycle event happens.
type Tournament struct {
	ID          int64      `json:"id"`
	TenantID    int64      `json:"tenant_id"`
	Format      string     `json:"format"`
	PlayerCount int        `json:"player_count"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// DurationMinutes returns the tournament's run time, or false when either
// lifecycle timestamp is missing.
func (t *Tournament) DurationMinutes() (float64, bool) {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return 0, false
	}
	return t.CompletedAt.Sub(*t.StartedAt).Minutes(), true
}

// CentsToDollars converts int64 cents to a float64 dollar amount for use in
// the regression math. Stored values stay in cents.
func CentsToDollars(cents int64) float64 {
	return float64(cents) / 100
}

// FormatMoney renders cents as a dollar string for logs and report bodies.
func FormatMoney(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s$%d.%02d", sign, cents/100, cents%100)
}
