package authgate

import "time"

// WindowBounds returns the calendar-aligned window containing t for the
// given unit, truncated in UTC. The returned interval is half-open:
// start <= t < end, and windows of the same unit tile without gaps.
func WindowBounds(t time.Time, unit WindowUnit) (start, end time.Time, err error) {
	tt := t.UTC()
	switch unit {
	case WindowSecond:
		start = tt.Truncate(time.Second)
		end = start.Add(time.Second)
	case WindowMinute:
		start = tt.Truncate(time.Minute)
		end = start.Add(time.Minute)
	case WindowHour:
		start = tt.Truncate(time.Hour)
		end = start.Add(time.Hour)
	case WindowDay:
		start = startOfDayUTC(tt)
		end = start.Add(24 * time.Hour)
	default:
		return time.Time{}, time.Time{}, ErrInvalidWindowUnit
	}
	return start, end, nil
}

// startOfDayUTC returns the start of day (00:00:00) in UTC for the given time.
func startOfDayUTC(t time.Time) time.Time {
	tt := t.UTC()
	return time.Date(tt.Year(), tt.Month(), tt.Day(), 0, 0, 0, 0, time.UTC)
}
