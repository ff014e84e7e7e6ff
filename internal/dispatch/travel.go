package dispatch

import (
	"math"

	"github.com/turfline/backend/internal/models"
	"github.com/turfline/backend/internal/utils"
)

const DefaultAvgSpeedMPH = 30

type TravelEstimate struct {
	Miles   float64 `json:"miles"`
	Minutes int     `json:"minutes"`
}

// TravelEstimator turns two points into a drive estimate. A routing service
// can replace the haversine implementation without touching the scorer.
type TravelEstimator interface {
	EstimateTravel(from, to models.LatLng) TravelEstimate
}

// HaversineEstimator uses great-circle distance at a fixed average speed.
// It ignores roads entirely, so it undercounts in dense or water-bound areas.
type HaversineEstimator struct {
	AvgSpeedMPH float64
}

func (h HaversineEstimator) EstimateTravel(from, to models.LatLng) TravelEstimate {
	speed := h.AvgSpeedMPH
	if speed <= 0 {
		speed = DefaultAvgSpeedMPH
	}
	miles := utils.HaversineMiles(from.Lat, from.Lng, to.Lat, to.Lng)
	return TravelEstimate{
		Miles:   utils.Round(miles, 2),
		Minutes: int(math.Ceil(miles / speed * 60)),
	}
}

// CrewToJobTravel estimates the drive to the job from the stop the crew
// leaves just before it: the latest visit ending by the job's preferred
// start, or the day's last visit when there is none. An empty morning starts
// from home base.
func CrewToJobTravel(est TravelEstimator, crew models.Crew, job models.JobRequest, visits []models.ScheduledVisit) TravelEstimate {
	return est.EstimateTravel(lastStop(crew, visits, job.PreferredStartMinute), job.Location)
}

// lastStop picks the latest visit ending at or before the minute before.
// before <= 0 means the whole day.
func lastStop(crew models.Crew, visits []models.ScheduledVisit, before int) models.LatLng {
	origin := crew.HomeBase
	lastEnd, lastID := -1, ""
	for _, v := range visits {
		end := v.StartMinute + v.Minutes
		if before > 0 && end > before {
			continue
		}
		if end > lastEnd || (end == lastEnd && v.ID > lastID) {
			lastEnd, lastID = end, v.ID
			origin = v.Location
		}
	}
	return origin
}
