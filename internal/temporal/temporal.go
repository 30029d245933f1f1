// Package temporal gates facts on the window of the assignment they belong to.
package temporal

import (
	"aquasim/pkg/domain"
	"time"
)

// Validate returns a *domain.TemporalError when ts falls outside the window of
// a. Windows are day granular: a start day S admits timestamps from S onward
// and an end day E admits timestamps before E+24h. Open assignments admit
// timestamps up to the end of the current simulated day now.
func Validate(a domain.Assignment, ts, now time.Time) error {
	start := domain.Day(a.StartDate)
	fail := func(reason string) error {
		return &domain.TemporalError{
			AssignmentID: a.ID,
			At:           ts,
			Start:        start,
			End:          a.EndDate,
			Reason:       reason,
		}
	}
	if ts.Before(start) {
		return fail("before assignment start")
	}
	if a.EndDate != nil {
		if !ts.Before(domain.EndOfDay(*a.EndDate)) {
			return fail("after assignment end")
		}
		return nil
	}
	if !ts.Before(domain.EndOfDay(now)) {
		return fail("after current simulated day")
	}
	return nil
}
