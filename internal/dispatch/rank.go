package dispatch

import (
	"math"
	"sort"
	"time"

	"github.com/turfline/backend/internal/models"
	"github.com/turfline/backend/internal/utils"
)

// travelHorizonMinutes is the drive time at which the travel score bottoms out.
const travelHorizonMinutes = 120

type Weights struct {
	Travel float64 `json:"travel"`
	Margin float64 `json:"margin"`
	Risk   float64 `json:"risk"`
}

func DefaultWeights() Weights {
	return Weights{Travel: 0.35, Margin: 0.5, Risk: 0.15}
}

// CompositeScore combines shorter travel, better margin and lower risk into
// one number; higher is better.
func CompositeScore(travelMinutes int, marginScore float64, risk models.MarginRisk, w Weights) float64 {
	travel := 1 - math.Min(float64(travelMinutes)/travelHorizonMinutes, 1)
	score := w.Travel*travel + w.Margin*marginScore - w.Risk*riskPenalty(risk)
	return utils.Round(score, 4)
}

func riskPenalty(r models.MarginRisk) float64 {
	switch r {
	case models.RiskHigh:
		return 1
	case models.RiskMedium:
		return 0.5
	default:
		return 0
	}
}

// Evaluation is the full scoring of one (crew, date) pair.
type Evaluation struct {
	Candidate   models.SimulationCandidate `json:"candidate"`
	Travel      TravelEstimate             `json:"travel"`
	Margin      MarginResult               `json:"margin"`
	Feasibility Feasibility                `json:"feasibility"`
}

// ScoreCandidate runs travel, margin and feasibility for one crew on one date.
// The returned candidate has no id, run id or rank yet.
func ScoreCandidate(job models.JobRequest, ec EligibleCrew, date time.Time, visits []models.ScheduledVisit, est TravelEstimator, w Weights) Evaluation {
	travel := CrewToJobTravel(est, ec.Crew, job, visits)
	margin := ComputeMargin(job, travel.Minutes, ec.Crew)
	feas := EvaluateFeasibility(job, ec.Crew, date, visits, travel.Minutes)

	return Evaluation{
		Candidate: models.SimulationCandidate{
			BusinessID:               job.BusinessID,
			JobRequestID:             job.ID,
			CrewID:                   ec.Crew.ID,
			Date:                     date.Format(models.DateLayout),
			StartMinute:              feas.StartMinute,
			EndMinute:                feas.EndMinute,
			TravelMiles:              travel.Miles,
			TravelMinutes:            travel.Minutes,
			LaborMinutes:             margin.LaborMinutes,
			ExpectedRevenue:          margin.ExpectedRevenue,
			EstimatedCost:            margin.EstimatedCost,
			MarginScore:              margin.Score,
			MarginBurn:               margin.Burn,
			MarginRisk:               margin.Risk,
			RemainingCapacityMinutes: feas.RemainingMinutes,
			SkillCoverage:            ec.SkillCoverage,
			EquipmentCoverage:        ec.EquipmentCoverage,
			CompositeScore:           CompositeScore(travel.Minutes, margin.Score, margin.Risk, w),
		},
		Travel:      travel,
		Margin:      margin,
		Feasibility: feas,
	}
}

// RankCandidates sorts best first and assigns 1-based ranks. Ties go to the
// crew with more slack that day, then the lower crew id, then the earlier date.
func RankCandidates(cands []models.SimulationCandidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.CompositeScore != b.CompositeScore {
			return a.CompositeScore > b.CompositeScore
		}
		if a.RemainingCapacityMinutes != b.RemainingCapacityMinutes {
			return a.RemainingCapacityMinutes > b.RemainingCapacityMinutes
		}
		if a.CrewID != b.CrewID {
			return a.CrewID < b.CrewID
		}
		return a.Date < b.Date
	})
	for i := range cands {
		cands[i].Rank = i + 1
	}
}

// CandidateDates lists the calendar days [today, today+days) in today's location.
func CandidateDates(today time.Time, days int) []time.Time {
	start := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, today.Location())
	out := make([]time.Time, 0, days)
	for i := 0; i < days; i++ {
		out = append(out, start.AddDate(0, 0, i))
	}
	return out
}

// SearchDates is CandidateDates narrowed to the customer's chosen day. A
// preference that is empty, malformed or already past searches the full range.
func SearchDates(today time.Time, days int, preferred string) []time.Time {
	all := CandidateDates(today, days)
	if preferred == "" || len(all) == 0 {
		return all
	}
	d, err := time.ParseInLocation(models.DateLayout, preferred, today.Location())
	if err != nil || d.Before(all[0]) {
		return all
	}
	return []time.Time{d}
}
