package reconcile

import "time"

// Window is the [Start, End] range used to fetch events and detect deletions.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t lies within the window, bounds included.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// WeekWindow returns the notification horizon for now: the window starts at
// now and ends at 23:59:59 of the upcoming Friday in loc. On weekends the
// horizon is the Friday of the following week.
func WeekWindow(now time.Time, loc *time.Location) Window {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)

	// Saturday (6) -> 6 days, Sunday (0) -> 5 days, Monday..Friday -> 4..0.
	days := (int(time.Friday) - int(local.Weekday()) + 7) % 7
	friday := local.AddDate(0, 0, days)
	end := time.Date(friday.Year(), friday.Month(), friday.Day(), 23, 59, 59, 0, loc)

	return Window{Start: now, End: end}
}
