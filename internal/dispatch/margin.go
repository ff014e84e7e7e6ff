package dispatch

import (
	"github.com/turfline/backend/internal/models"
	"github.com/turfline/backend/internal/utils"
)

const (
	highRiskSpread   = 0.5
	mediumRiskSpread = 0.25
)

type MarginResult struct {
	ExpectedRevenue float64           `json:"expected_revenue"`
	EstimatedCost   float64           `json:"estimated_cost"`
	LaborMinutes    int               `json:"labor_minutes"`
	Score           float64           `json:"score"`
	Burn            float64           `json:"burn"`
	LaborSpread     float64           `json:"labor_spread"`
	Risk            models.MarginRisk `json:"risk"`
}

// LaborMidpoint is the point estimate used for cost and capacity.
func LaborMidpoint(job models.JobRequest) int {
	low, high := job.LaborLowMinutes, job.LaborHighMinutes
	if high < low {
		low, high = high, low
	}
	return (low + high + 1) / 2
}

// ComputeMargin prices travel plus on-site time at the crew's hourly cost and
// compares it with the middle of the job's price range. Score is
// (revenue-cost)/revenue clamped to [-1, 1]; Burn is the share of revenue
// consumed by cost.
func ComputeMargin(job models.JobRequest, travelMinutes int, crew models.Crew) MarginResult {
	labor := LaborMidpoint(job)
	revenue := (job.PriceLow + job.PriceHigh) / 2
	cost := float64(travelMinutes+labor) / 60 * crew.HourlyCost

	res := MarginResult{
		ExpectedRevenue: utils.Round(revenue, 2),
		EstimatedCost:   utils.Round(cost, 2),
		LaborMinutes:    labor,
		LaborSpread:     utils.Round(laborSpread(job), 4),
	}
	switch {
	case revenue > 0:
		res.Score = clamp((revenue-cost)/revenue, -1, 1)
		res.Burn = cost / revenue
	case cost > 0:
		res.Score = -1
		res.Burn = 1
	}
	res.Score = utils.Round(res.Score, 4)
	res.Burn = utils.Round(res.Burn, 4)
	res.Risk = marginRisk(res.LaborSpread, res.Score)
	return res
}

// laborSpread is the width of the labor range relative to its midpoint.
func laborSpread(job models.JobRequest) float64 {
	low, high := job.LaborLowMinutes, job.LaborHighMinutes
	if high < low {
		low, high = high, low
	}
	mid := float64(low+high) / 2
	if mid <= 0 {
		return 0
	}
	return float64(high-low) / mid
}

func marginRisk(spread, score float64) models.MarginRisk {
	switch {
	case spread > highRiskSpread || score < 0:
		return models.RiskHigh
	case spread > mediumRiskSpread:
		return models.RiskMedium
	default:
		return models.RiskLow
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
