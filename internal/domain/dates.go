package domain

import (
	"fmt"
	"time"
)

// DateLayout is the canonical calendar-date format
const DateLayout = "2006-01-02"

// DateOf truncates t to its UTC calendar date
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// FormatDate renders a calendar date
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// ParseDate parses a YYYY-MM-DD calendar date
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD): %w", s, err)
	}
	return t, nil
}

// PriorWeekday returns the most recent Monday-Friday strictly before day
func PriorWeekday(day time.Time) time.Time {
	d := DateOf(day).AddDate(0, 0, -1)
	for d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
		d = d.AddDate(0, 0, -1)
	}
	return d
}

// Stamp is the UTC timestamp used in artifact names and alert ids
func Stamp(t time.Time) string {
	return t.UTC().Format("20060102T150405Z")
}
