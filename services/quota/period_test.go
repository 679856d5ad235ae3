package quota

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/upb/gateway-dataplane/models"
)

func date(y int, m time.Month, d, h, min, s int) time.Time {
	return time.Date(y, m, d, h, min, s, 0, time.UTC)
}

func TestPeriodBounds(t *testing.T) {
	tests := []struct {
		name      string
		unit      models.TimeUnit
		anchor    time.Time
		now       time.Time
		wantStart time.Time
		wantEnd   time.Time
		wantKey   string
	}{
		{
			name:      "calendar minute",
			unit:      models.TimeUnitMinute,
			now:       date(2024, 3, 5, 10, 15, 42),
			wantStart: date(2024, 3, 5, 10, 15, 0),
			wantEnd:   date(2024, 3, 5, 10, 16, 0),
			wantKey:   "2024-03-05T10:15",
		},
		{
			name:      "hour aligned to anchor",
			unit:      models.TimeUnitHour,
			anchor:    date(2024, 1, 1, 0, 30, 0),
			now:       date(2024, 3, 5, 10, 15, 0),
			wantStart: date(2024, 3, 5, 9, 30, 0),
			wantEnd:   date(2024, 3, 5, 10, 30, 0),
			wantKey:   "2024-03-05T09",
		},
		{
			name:      "calendar day",
			unit:      models.TimeUnitDay,
			now:       date(2024, 3, 5, 23, 59, 59),
			wantStart: date(2024, 3, 5, 0, 0, 0),
			wantEnd:   date(2024, 3, 6, 0, 0, 0),
			wantKey:   "2024-03-05",
		},
		{
			name:      "calendar week starts monday",
			unit:      models.TimeUnitWeek,
			now:       date(2024, 3, 5, 12, 0, 0),
			wantStart: date(2024, 3, 4, 0, 0, 0),
			wantEnd:   date(2024, 3, 11, 0, 0, 0),
			wantKey:   "2024-03-04",
		},
		{
			name:      "month clamps to month end",
			unit:      models.TimeUnitMonth,
			anchor:    date(2024, 1, 31, 0, 0, 0),
			now:       date(2024, 2, 29, 12, 0, 0),
			wantStart: date(2024, 2, 29, 0, 0, 0),
			wantEnd:   date(2024, 3, 31, 0, 0, 0),
			wantKey:   "2024-02",
		},
		{
			name:      "month before clamped start",
			unit:      models.TimeUnitMonth,
			anchor:    date(2024, 1, 31, 0, 0, 0),
			now:       date(2024, 2, 15, 0, 0, 0),
			wantStart: date(2024, 1, 31, 0, 0, 0),
			wantEnd:   date(2024, 2, 29, 0, 0, 0),
			wantKey:   "2024-01",
		},
		{
			name:      "year aligned to anchor",
			unit:      models.TimeUnitYear,
			anchor:    date(2023, 6, 15, 0, 0, 0),
			now:       date(2024, 3, 1, 0, 0, 0),
			wantStart: date(2023, 6, 15, 0, 0, 0),
			wantEnd:   date(2024, 6, 15, 0, 0, 0),
			wantKey:   "2023",
		},
		{
			name:      "now before anchor",
			unit:      models.TimeUnitDay,
			anchor:    date(2024, 3, 10, 0, 0, 0),
			now:       date(2024, 3, 5, 10, 0, 0),
			wantStart: date(2024, 3, 5, 0, 0, 0),
			wantEnd:   date(2024, 3, 6, 0, 0, 0),
			wantKey:   "2024-03-05",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end := PeriodBounds(tt.unit, tt.anchor, tt.now)
			assert.Equal(t, tt.wantStart, start)
			assert.Equal(t, tt.wantEnd, end)
			assert.Equal(t, tt.wantKey, PeriodKey(tt.unit, start))
		})
	}
}

func TestPeriodBounds_ContainsNow(t *testing.T) {
	anchor := date(2023, 11, 30, 8, 0, 0)
	now := anchor
	for i := 0; i < 500; i++ {
		now = now.Add(37*time.Hour + 11*time.Minute)
		for _, unit := range []models.TimeUnit{models.TimeUnitDay, models.TimeUnitWeek, models.TimeUnitMonth, models.TimeUnitYear} {
			start, end := PeriodBounds(unit, anchor, now)
			assert.False(t, now.Before(start), "%s start %s after %s", unit, start, now)
			assert.True(t, now.Before(end), "%s end %s not after %s", unit, end, now)
		}
	}
}
