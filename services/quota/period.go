package quota

import (
	"time"

	"github.com/upb/gateway-dataplane/models"
)

var fixedStepSeconds = map[models.TimeUnit]int64{
	models.TimeUnitMinute: 60,
	models.TimeUnitHour:   3600,
	models.TimeUnitDay:    86400,
	models.TimeUnitWeek:   7 * 86400,
}

// PeriodBounds returns the quota period [start, end) containing now.
// Periods are aligned to anchor, the plan start date. A zero anchor
// (0001-01-01, a Monday) yields calendar-aligned periods. Month and year
// periods keep the anchor's day of month, clamped to the month end.
func PeriodBounds(unit models.TimeUnit, anchor, now time.Time) (time.Time, time.Time) {
	anchor = anchor.UTC().Truncate(time.Second)
	now = now.UTC()

	if step, ok := fixedStepSeconds[unit]; ok {
		n := floorDiv(now.Unix()-anchor.Unix(), step)
		start := time.Unix(anchor.Unix()+n*step, 0).UTC()
		return start, time.Unix(start.Unix()+step, 0).UTC()
	}

	months := 1
	if unit == models.TimeUnitYear {
		months = 12
	}
	elapsed := (now.Year()-anchor.Year())*12 + int(now.Month()-anchor.Month())
	n := floorDivInt(elapsed, months)
	start := addMonths(anchor, n*months)
	for start.After(now) {
		n--
		start = addMonths(anchor, n*months)
	}
	return start, addMonths(anchor, (n+1)*months)
}

// PeriodKey formats the identity of the period starting at start.
func PeriodKey(unit models.TimeUnit, start time.Time) string {
	start = start.UTC()
	switch unit {
	case models.TimeUnitMinute:
		return start.Format("2006-01-02T15:04")
	case models.TimeUnitHour:
		return start.Format("2006-01-02T15")
	case models.TimeUnitDay, models.TimeUnitWeek:
		return start.Format("2006-01-02")
	case models.TimeUnitYear:
		return start.Format("2006")
	default:
		return start.Format("2006-01")
	}
}

// CurrentPeriod returns the key and end of the period containing now.
func CurrentPeriod(facts *models.PlanFacts, now time.Time) (string, time.Time) {
	start, end := PeriodBounds(facts.TimeUnit, facts.PeriodAnchor, now)
	return PeriodKey(facts.TimeUnit, start), end
}

func addMonths(t time.Time, n int) time.Time {
	first := time.Date(t.Year(), t.Month()+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
	day := t.Day()
	if last := daysIn(first); day > last {
		day = last
	}
	return first.AddDate(0, 0, day-1)
}

func daysIn(t time.Time) int {
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

func floorDivInt(a, b int) int {
	return int(floorDiv(int64(a), int64(b)))
}
