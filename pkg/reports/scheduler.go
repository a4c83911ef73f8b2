package reports

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/openbracket/openbracket/pkg/analytics"
)

// ResolveDateRange turns a report's date-range policy into a concrete
// [start, end) analysis window relative to now.
func ResolveDateRange(report *ScheduledReport, now time.Time) (time.Time, time.Time, error) {
	now = now.UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	switch report.DateRange {
	case RangeLast7Days:
		return today.AddDate(0, 0, -7), today, nil
	case RangeLast30Days:
		return today.AddDate(0, 0, -30), today, nil
	case RangeLastMonth:
		thisMonth := analytics.NormalizeToMonth(now)
		return thisMonth.AddDate(0, -1, 0), thisMonth, nil
	case RangeLastQuarter:
		quarterMonth := time.Month(((int(now.Month())-1)/3)*3 + 1)
		thisQuarter := time.Date(now.Year(), quarterMonth, 1, 0, 0, 0, 0, time.UTC)
		return thisQuarter.AddDate(0, -3, 0), thisQuarter, nil
	case RangeCustom:
		if report.CustomStart == nil || report.CustomEnd == nil {
			return time.Time{}, time.Time{}, analytics.Validationf("custom date range requires start and end")
		}
		if !report.CustomStart.Before(*report.CustomEnd) {
			return time.Time{}, time.Time{}, analytics.Validationf("custom date range start must precede end")
		}
		return report.CustomStart.UTC(), report.CustomEnd.UTC(), nil
	default:
		return time.Time{}, time.Time{}, analytics.Validationf("unknown date range policy %q", report.DateRange)
	}
}

// NextRunAt computes a report's next occurrence, always strictly after now.
// A report that has run before advances from its prior occurrence by its
// frequency interval, so an on-time weekly report's next run lands exactly 7
// days after the previous one. A report that never ran anchors on the next
// configured time of day in its timezone.
func NextRunAt(report *ScheduledReport, now time.Time) (time.Time, error) {
	now = now.UTC()

	if report.Frequency == FrequencyCustom {
		schedule, err := cron.ParseStandard(report.Schedule)
		if err != nil {
			return time.Time{}, analytics.Validationf("invalid cron schedule %q: %v", report.Schedule, err)
		}
		return schedule.Next(now).UTC(), nil
	}

	anchor := report.NextRunAt
	if anchor == nil {
		first, err := firstOccurrence(report, now)
		if err != nil {
			return time.Time{}, err
		}
		anchor = &first
	}

	next := anchor.UTC()
	for !next.After(now) {
		switch report.Frequency {
		case FrequencyDaily:
			next = next.AddDate(0, 0, 1)
		case FrequencyWeekly:
			next = next.AddDate(0, 0, 7)
		case FrequencyMonthly:
			next = next.AddDate(0, 1, 0)
		default:
			return time.Time{}, analytics.Validationf("unknown report frequency %q", report.Frequency)
		}
	}
	return next, nil
}

// firstOccurrence anchors a never-run report at its configured time of day
// in its timezone, today or as soon as that time is still ahead.
func firstOccurrence(report *ScheduledReport, now time.Time) (time.Time, error) {
	loc := time.UTC
	if report.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(report.Timezone)
		if err != nil {
			return time.Time{}, analytics.Validationf("invalid timezone %q", report.Timezone)
		}
	}

	timeOfDay := report.TimeOfDay
	if timeOfDay == "" {
		timeOfDay = "08:00"
	}
	at, err := time.Parse("15:04", timeOfDay)
	if err != nil {
		return time.Time{}, analytics.Validationf("invalid time of day %q", report.TimeOfDay)
	}

	local := now.In(loc)
	first := time.Date(local.Year(), local.Month(), local.Day(), at.Hour(), at.Minute(), 0, 0, loc)
	return first.UTC(), nil
}
