package calendar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hkt() *time.Location {
	loc, err := time.LoadLocation("Asia/Hong_Kong")
	if err != nil {
		return time.FixedZone("HKT", 8*3600)
	}
	return loc
}

func TestDayKey_FormatsInConfiguredLocation(t *testing.T) {
	c := New(hkt(), nil, nil)
	when := time.Date(2026, 7, 31, 23, 30, 0, 0, time.UTC) // 2026-08-01 07:30 HKT
	assert.Equal(t, "2026-08-01", c.DayKey(when))
}

func TestIsTradingDay_WeekendsAreNotTradingDays(t *testing.T) {
	c := New(hkt(), nil, nil)
	assert.True(t, c.IsTradingDay(time.Date(2026, 7, 31, 10, 0, 0, 0, hkt())))  // Friday
	assert.False(t, c.IsTradingDay(time.Date(2026, 8, 1, 10, 0, 0, 0, hkt())))  // Saturday
	assert.False(t, c.IsTradingDay(time.Date(2026, 8, 2, 10, 0, 0, 0, hkt())))  // Sunday
	assert.True(t, c.IsTradingDay(time.Date(2026, 8, 3, 10, 0, 0, 0, hkt())))   // Monday
}

func TestIsTradingDay_ConfiguredHolidayIsExcluded(t *testing.T) {
	c := New(hkt(), map[string]bool{"2026-08-03": true}, nil)
	assert.False(t, c.IsTradingDay(time.Date(2026, 8, 3, 10, 0, 0, 0, hkt())))
	assert.True(t, c.IsTradingDay(time.Date(2026, 8, 4, 10, 0, 0, 0, hkt())))
}

func TestIsHalfDay_OnlyConfiguredDatesAreHalfDays(t *testing.T) {
	c := New(hkt(), nil, map[string]bool{"2026-08-03": true})
	assert.True(t, c.IsHalfDay(time.Date(2026, 8, 3, 10, 0, 0, 0, hkt())))
	assert.False(t, c.IsHalfDay(time.Date(2026, 8, 4, 10, 0, 0, 0, hkt())))
}

func TestIsContinuousHKSession_MorningAndAfternoonWindows(t *testing.T) {
	c := New(hkt(), nil, nil)
	day := func(h, m int) time.Time { return time.Date(2026, 8, 3, h, m, 0, 0, hkt()) }

	assert.False(t, c.IsContinuousHKSession(day(9, 29), false))
	assert.True(t, c.IsContinuousHKSession(day(9, 30), false))
	assert.True(t, c.IsContinuousHKSession(day(11, 59), false))
	assert.False(t, c.IsContinuousHKSession(day(12, 0), false)) // lunch break starts
	assert.False(t, c.IsContinuousHKSession(day(12, 30), false))
	assert.True(t, c.IsContinuousHKSession(day(13, 0), false))
	assert.True(t, c.IsContinuousHKSession(day(15, 59), false))
	assert.False(t, c.IsContinuousHKSession(day(16, 0), false))
}

func TestIsContinuousHKSession_HalfDayCollapsesToMorningOnly(t *testing.T) {
	c := New(hkt(), nil, nil)
	day := func(h, m int) time.Time { return time.Date(2026, 8, 3, h, m, 0, 0, hkt()) }

	assert.True(t, c.IsContinuousHKSession(day(10, 0), true))
	assert.False(t, c.IsContinuousHKSession(day(13, 30), true))
}

func TestIsContinuousHKSession_NonTradingDayIsAlwaysFalse(t *testing.T) {
	c := New(hkt(), nil, nil)
	saturday := time.Date(2026, 8, 1, 10, 0, 0, 0, hkt())
	assert.False(t, c.IsContinuousHKSession(saturday, false))
}

func TestElapsedTradingMinutes_WithinSingleMorningSession(t *testing.T) {
	c := New(hkt(), nil, nil)
	from := time.Date(2026, 8, 3, 9, 30, 0, 0, hkt())
	to := time.Date(2026, 8, 3, 10, 30, 0, 0, hkt())
	assert.InDelta(t, 60, c.ElapsedTradingMinutes(from, to), 0.001)
}

func TestElapsedTradingMinutes_SpansLunchBreakExcludesIt(t *testing.T) {
	c := New(hkt(), nil, nil)
	from := time.Date(2026, 8, 3, 11, 30, 0, 0, hkt())
	to := time.Date(2026, 8, 3, 13, 30, 0, 0, hkt())
	// 11:30-12:00 (30m) + 13:00-13:30 (30m), lunch break excluded.
	assert.InDelta(t, 60, c.ElapsedTradingMinutes(from, to), 0.001)
}

func TestElapsedTradingMinutes_HalfDaySkipsAfternoon(t *testing.T) {
	c := New(hkt(), nil, map[string]bool{"2026-08-03": true})
	from := time.Date(2026, 8, 3, 9, 30, 0, 0, hkt())
	to := time.Date(2026, 8, 3, 16, 0, 0, 0, hkt())
	assert.InDelta(t, 150, c.ElapsedTradingMinutes(from, to), 0.001) // morning only
}

func TestElapsedTradingMinutes_SkipsWeekendEntirely(t *testing.T) {
	c := New(hkt(), nil, nil)
	from := time.Date(2026, 7, 31, 15, 0, 0, 0, hkt())  // Friday afternoon
	to := time.Date(2026, 8, 3, 10, 0, 0, 0, hkt())     // Monday morning
	// Friday 15:00-16:00 (60m) + Monday 09:30-10:00 (30m); weekend contributes 0.
	assert.InDelta(t, 90, c.ElapsedTradingMinutes(from, to), 0.001)
}

func TestElapsedTradingMinutes_NonPositiveRangeIsZero(t *testing.T) {
	c := New(hkt(), nil, nil)
	now := time.Date(2026, 8, 3, 10, 0, 0, 0, hkt())
	assert.Equal(t, 0.0, c.ElapsedTradingMinutes(now, now))
	assert.Equal(t, 0.0, c.ElapsedTradingMinutes(now, now.Add(-time.Hour)))
}

func TestNew_NilMapsAndLocationDefaultToSafeValues(t *testing.T) {
	c := New(nil, nil, nil)
	require.NotNil(t, c.holidays)
	require.NotNil(t, c.halfDays)
	assert.Equal(t, time.UTC, c.loc)
}
