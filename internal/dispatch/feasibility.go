package dispatch

import (
	"time"

	"github.com/turfline/backend/internal/models"
)

const (
	ReasonCapacityExceeded  = "CAPACITY_EXCEEDED"
	ReasonNotWorkingThatDay = "NOT_AVAILABLE_ON_DAY"
	ReasonOutsideWindow     = "OUTSIDE_AVAILABILITY"
	ReasonTimeOff           = "TIME_OFF"
	ReasonVisitOverlap      = "OVERLAPS_VISIT"
)

type Feasibility struct {
	Feasible         bool     `json:"feasible"`
	Reasons          []string `json:"reasons,omitempty"`
	ScheduledMinutes int      `json:"scheduled_minutes"`
	RemainingMinutes int      `json:"remaining_minutes"`
	StartMinute      int      `json:"start_minute"`
	EndMinute        int      `json:"end_minute"`
}

// EvaluateFeasibility checks whether the job fits on the crew's calendar for
// date. visits are the crew's existing visits on that date. The proposed
// start is the job's preferred start when set, otherwise right after the
// last visit plus travel, but never before the crew's window opens.
func EvaluateFeasibility(job models.JobRequest, crew models.Crew, date time.Time, visits []models.ScheduledVisit, travelMinutes int) Feasibility {
	labor := LaborMidpoint(job)
	f := Feasibility{}

	lastEnd := 0
	for _, v := range visits {
		f.ScheduledMinutes += v.Minutes
		if end := v.StartMinute + v.Minutes; end > lastEnd {
			lastEnd = end
		}
	}
	f.RemainingMinutes = crew.DailyCapacityMinutes - f.ScheduledMinutes - labor
	if f.RemainingMinutes < 0 {
		f.Reasons = append(f.Reasons, ReasonCapacityExceeded)
	}

	window, ok := windowFor(crew.Availability, date.Weekday())
	start := job.PreferredStartMinute
	if start <= 0 {
		start = lastEnd + travelMinutes
		if ok && start < window.StartMinute {
			start = window.StartMinute
		}
	}
	f.StartMinute = start
	f.EndMinute = start + labor

	switch {
	case !ok:
		f.Reasons = append(f.Reasons, ReasonNotWorkingThatDay)
	case f.StartMinute < window.StartMinute || f.EndMinute > window.EndMinute:
		f.Reasons = append(f.Reasons, ReasonOutsideWindow)
	}

	for _, v := range visits {
		if v.StartMinute < f.EndMinute && f.StartMinute < v.StartMinute+v.Minutes {
			f.Reasons = append(f.Reasons, ReasonVisitOverlap)
			break
		}
	}

	day := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	slotStart := day.Add(time.Duration(f.StartMinute) * time.Minute)
	slotEnd := day.Add(time.Duration(f.EndMinute) * time.Minute)
	for _, off := range crew.TimeOff {
		if off.Start.Before(slotEnd) && slotStart.Before(off.End) {
			f.Reasons = append(f.Reasons, ReasonTimeOff)
			break
		}
	}

	f.Feasible = len(f.Reasons) == 0
	return f
}

// windowFor returns the widest window the crew works on weekday.
func windowFor(windows []models.AvailabilityWindow, weekday time.Weekday) (models.AvailabilityWindow, bool) {
	var best models.AvailabilityWindow
	found := false
	for _, w := range windows {
		if w.Weekday != weekday || w.EndMinute <= w.StartMinute {
			continue
		}
		if !found || w.EndMinute-w.StartMinute > best.EndMinute-best.StartMinute {
			best = w
			found = true
		}
	}
	return best, found
}
