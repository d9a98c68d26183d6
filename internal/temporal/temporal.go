// Package temporal maps the dashboard scrubber onto calendar time. Every
// other package derives dates and windows from here.
package temporal

import (
	"math"
	"time"
)

// Start is the fixed beginning of the historical window.
var Start = time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)

const isoDayLayout = "2006-01-02"

// DateFromSliderPosition maps position (0..100) linearly onto [Start, now].
// Out-of-range positions are clamped; NaN is treated as 0.
func DateFromSliderPosition(position float64, now time.Time) time.Time {
	position = ClampPosition(position)
	now = now.UTC()
	if !now.After(Start) {
		return Start
	}
	if position == 100 {
		return now
	}
	span := now.Sub(Start)
	offset := time.Duration(float64(span) * position / 100)
	return Start.Add(offset)
}

// ClampPosition bounds a scrubber position to [0,100].
func ClampPosition(position float64) float64 {
	switch {
	case math.IsNaN(position), position < 0:
		return 0
	case position > 100:
		return 100
	default:
		return position
	}
}

// ISODay renders t as YYYY-MM-DD in UTC.
func ISODay(t time.Time) string {
	return t.UTC().Format(isoDayLayout)
}

// ParseISODay parses a YYYY-MM-DD string, also accepting full RFC 3339
// instants which are truncated to their UTC day.
func ParseISODay(s string) (time.Time, error) {
	if t, err := time.Parse(isoDayLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
}

// Midnight returns the RFC 3339 instant at the start of an ISO day.
func Midnight(day string) string {
	return day + "T00:00:00Z"
}

// DateWindow is an inclusive [Start, End] range of ISO days.
type DateWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Window returns the full historical window ending at now.
func Window(now time.Time) DateWindow {
	return DateWindow{Start: ISODay(Start), End: ISODay(now)}
}

// WindowUntil returns the historical window ending at the given ISO day.
// An unparsable day falls back to now.
func WindowUntil(day string, now time.Time) DateWindow {
	if t, err := ParseISODay(day); err == nil {
		return DateWindow{Start: ISODay(Start), End: ISODay(t)}
	}
	return Window(now)
}
