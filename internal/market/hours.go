// Package market provides the trading-calendar gate used by the scheduler and
// the scan engine: session window checks, next-open computation and trading
// date resolution.
package market

import (
	"fmt"
	"time"
)

// SessionWindow represents the daily trading period.
type SessionWindow struct {
	OpenHour    int
	OpenMinute  int
	CloseHour   int
	CloseMinute int
}

// Calendar defines trading hours and holidays for the market the platform
// tracks. Holiday checks are date-only; no recurring-rule engine.
type Calendar struct {
	Timezone *time.Location
	Session  SessionWindow
	Holidays []time.Time
}

// DefaultHolidays returns the fixed US-market holiday set for the current
// calendar year window.
func DefaultHolidays(loc *time.Location) []time.Time {
	return []time.Time{
		time.Date(2026, 1, 1, 0, 0, 0, 0, loc),   // New Year's Day
		time.Date(2026, 1, 19, 0, 0, 0, 0, loc),  // MLK Day
		time.Date(2026, 2, 16, 0, 0, 0, 0, loc),  // Presidents Day
		time.Date(2026, 4, 3, 0, 0, 0, 0, loc),   // Good Friday
		time.Date(2026, 5, 25, 0, 0, 0, 0, loc),  // Memorial Day
		time.Date(2026, 6, 19, 0, 0, 0, 0, loc),  // Juneteenth
		time.Date(2026, 7, 3, 0, 0, 0, 0, loc),   // Independence Day (observed)
		time.Date(2026, 9, 7, 0, 0, 0, 0, loc),   // Labor Day
		time.Date(2026, 11, 26, 0, 0, 0, 0, loc), // Thanksgiving
		time.Date(2026, 12, 25, 0, 0, 0, 0, loc), // Christmas
	}
}

// NewCalendar builds a calendar for the given timezone name and session window.
func NewCalendar(timezone string, session SessionWindow) (*Calendar, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load market timezone %q: %w", timezone, err)
	}
	return &Calendar{
		Timezone: loc,
		Session:  session,
		Holidays: DefaultHolidays(loc),
	}, nil
}

// IsOpen reports whether the market is open at the given instant.
func (c *Calendar) IsOpen(now time.Time) bool {
	now = now.In(c.Timezone)

	if now.Weekday() == time.Saturday || now.Weekday() == time.Sunday {
		return false
	}
	if c.isHoliday(now) {
		return false
	}

	currentMinutes := now.Hour()*60 + now.Minute()
	openMinutes := c.Session.OpenHour*60 + c.Session.OpenMinute
	closeMinutes := c.Session.CloseHour*60 + c.Session.CloseMinute
	return currentMinutes >= openMinutes && currentMinutes < closeMinutes
}

// NextOpen returns the next instant the market opens, rolling forward across
// weekends and holidays.
func (c *Calendar) NextOpen(now time.Time) time.Time {
	now = now.In(c.Timezone)

	candidate := time.Date(now.Year(), now.Month(), now.Day(),
		c.Session.OpenHour, c.Session.OpenMinute, 0, 0, c.Timezone)
	if !now.Before(candidate) {
		candidate = candidate.AddDate(0, 0, 1)
	}

	for !c.isTradingDay(candidate) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

// TradingDate resolves the effective trading date for an end-of-day scan at
// the given instant. Before the session close the most recent finished
// session is used (Monday maps back to Friday); after close the current day
// counts. Weekends and holidays roll back to the last trading day.
func (c *Calendar) TradingDate(now time.Time) time.Time {
	now = now.In(c.Timezone)

	closeMinutes := c.Session.CloseHour*60 + c.Session.CloseMinute
	currentMinutes := now.Hour()*60 + now.Minute()

	candidate := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, c.Timezone)
	if currentMinutes < closeMinutes {
		candidate = candidate.AddDate(0, 0, -1)
	}

	for !c.isTradingDay(candidate) {
		candidate = candidate.AddDate(0, 0, -1)
	}
	return candidate
}

func (c *Calendar) isTradingDay(day time.Time) bool {
	if day.Weekday() == time.Saturday || day.Weekday() == time.Sunday {
		return false
	}
	return !c.isHoliday(day)
}

func (c *Calendar) isHoliday(day time.Time) bool {
	today := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, c.Timezone)
	for _, holiday := range c.Holidays {
		if holiday.Equal(today) {
			return true
		}
	}
	return false
}
