package caldav

import (
	"time"

	"github.com/macjediwizard/calpush/internal/db"
)

// windowPad widens both bounds to absorb timezone slop at day boundaries.
const windowPad = 24 * time.Hour

// Window is a bounded time range used to limit a listing query.
type Window struct {
	Start time.Time
	End   time.Time
}

// PlanWindow computes the query window covering every timed activity,
// padded by a day on each side. It returns nil when no activity is timed.
func PlanWindow(activities []*db.Activity) *Window {
	var w *Window
	for _, a := range activities {
		start, end, ok := activitySpan(a)
		if !ok {
			continue
		}
		if w == nil {
			w = &Window{Start: start, End: end}
			continue
		}
		if start.Before(w.Start) {
			w.Start = start
		}
		if end.After(w.End) {
			w.End = end
		}
	}
	if w == nil {
		return nil
	}
	w.Start = w.Start.Add(-windowPad)
	w.End = w.End.Add(windowPad)
	return w
}
