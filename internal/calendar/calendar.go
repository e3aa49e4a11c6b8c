// Package calendar answers HK trading-calendar questions: weekday
// continuous-session/half-day classification with a caller-supplied
// holiday/half-day override map. No HK Observatory holiday table is
// bundled; it drives the engine's session logic, it is not a source of
// holiday truth.
package calendar

import (
	"time"
)

// Calendar answers HK session/day-key questions for the orchestrator and
// the ledger's smart-close stage-2 timeout.
type Calendar struct {
	holidays map[string]bool // "2006-01-02" -> true for a non-trading day
	halfDays map[string]bool // "2006-01-02" -> true for a half trading day
	loc      *time.Location
}

// New returns a calendar using loc (HK local time) for all classification,
// with the given holiday and half-day date sets (each a "2006-01-02" key).
func New(loc *time.Location, holidays, halfDays map[string]bool) *Calendar {
	if loc == nil {
		loc = time.UTC
	}
	if holidays == nil {
		holidays = make(map[string]bool)
	}
	if halfDays == nil {
		halfDays = make(map[string]bool)
	}
	return &Calendar{holidays: holidays, halfDays: halfDays, loc: loc}
}

// DayKey returns the trading-day key ("2006-01-02" in the calendar's
// location) for now.
func (c *Calendar) DayKey(now time.Time) string {
	return now.In(c.loc).Format("2006-01-02")
}

// IsTradingDay reports whether the day is a weekday and not a configured
// holiday.
func (c *Calendar) IsTradingDay(now time.Time) bool {
	t := now.In(c.loc)
	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		return false
	}
	return !c.holidays[t.Format("2006-01-02")]
}

// IsHalfDay reports whether the day is a configured half trading day
// (typically HK Lunar New Year's eve / Christmas eve).
func (c *Calendar) IsHalfDay(now time.Time) bool {
	return c.halfDays[c.DayKey(now)]
}

// IsContinuousHKSession reports whether now falls within the continuous
// 09:30-12:00 / 13:00-16:00 HK session, collapsing to 09:30-12:00 only on a
// half day.
func (c *Calendar) IsContinuousHKSession(now time.Time, isHalfDay bool) bool {
	if !c.IsTradingDay(now) {
		return false
	}
	t := now.In(c.loc)
	morningOpen := time.Date(t.Year(), t.Month(), t.Day(), 9, 30, 0, 0, c.loc)
	morningClose := time.Date(t.Year(), t.Month(), t.Day(), 12, 0, 0, 0, c.loc)
	if !t.Before(morningOpen) && t.Before(morningClose) {
		return true
	}
	if isHalfDay {
		return false
	}
	afternoonOpen := time.Date(t.Year(), t.Month(), t.Day(), 13, 0, 0, 0, c.loc)
	afternoonClose := time.Date(t.Year(), t.Month(), t.Day(), 16, 0, 0, 0, c.loc)
	return !t.Before(afternoonOpen) && t.Before(afternoonClose)
}

// ElapsedTradingMinutes approximates the trading minutes between from and
// to by summing each day's in-session minutes, clipping weekends/holidays
// to zero and half days to the morning session only. Good enough for the
// ledger's stage-2 smart-close timeout, not a certified time-and-sales
// reconciliation tool.
func (c *Calendar) ElapsedTradingMinutes(from, to time.Time) float64 {
	if !to.After(from) {
		return 0
	}
	from, to = from.In(c.loc), to.In(c.loc)
	total := 0.0
	cursor := from
	for cursor.Before(to) {
		dayEnd := time.Date(cursor.Year(), cursor.Month(), cursor.Day(), 23, 59, 59, 0, c.loc)
		segEnd := dayEnd
		if to.Before(segEnd) {
			segEnd = to
		}
		if c.IsTradingDay(cursor) {
			halfDay := c.IsHalfDay(cursor)
			total += sessionMinutesBetween(cursor, segEnd, halfDay, c.loc)
		}
		cursor = time.Date(cursor.Year(), cursor.Month(), cursor.Day()+1, 0, 0, 0, 0, c.loc)
		if cursor.Before(from) {
			cursor = from
		}
	}
	return total
}

func sessionMinutesBetween(day, segEnd time.Time, isHalfDay bool, loc *time.Location) float64 {
	morningOpen := time.Date(day.Year(), day.Month(), day.Day(), 9, 30, 0, 0, loc)
	morningClose := time.Date(day.Year(), day.Month(), day.Day(), 12, 0, 0, 0, loc)
	afternoonOpen := time.Date(day.Year(), day.Month(), day.Day(), 13, 0, 0, 0, loc)
	afternoonClose := time.Date(day.Year(), day.Month(), day.Day(), 16, 0, 0, 0, loc)

	overlap := func(start, end time.Time) float64 {
		s, e := start, end
		if day.After(s) {
			s = day
		}
		if segEnd.Before(e) {
			e = segEnd
		}
		if e.Before(s) {
			return 0
		}
		return e.Sub(s).Minutes()
	}

	mins := overlap(morningOpen, morningClose)
	if !isHalfDay {
		mins += overlap(afternoonOpen, afternoonClose)
	}
	return mins
}
