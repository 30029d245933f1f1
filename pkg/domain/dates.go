package domain

import "time"

// Day truncates t to midnight UTC. Every simulated date is normalised through
// Day before it is compared or persisted.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the number of whole days from a to b.
func DaysBetween(a, b time.Time) int {
	return int(Day(b).Sub(Day(a)).Hours() / 24)
}

// EndOfDay returns the exclusive upper bound of the day containing t.
func EndOfDay(t time.Time) time.Time {
	return Day(t).AddDate(0, 0, 1)
}

// DatePtr returns a pointer to the day containing t.
func DatePtr(t time.Time) *time.Time {
	d := Day(t)
	return &d
}
