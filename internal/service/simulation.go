package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/turfline/backend/internal/apperr"
	"github.com/turfline/backend/internal/dispatch"
	"github.com/turfline/backend/internal/models"
)

const defaultSimulationConcurrency = 8

type SimulationConfig struct {
	DateRangeDays        int     `json:"date_range_days"`
	SkillMatchMinPct     float64 `json:"skill_match_min_pct"`
	EquipmentMatchMinPct float64 `json:"equipment_match_min_pct"`
	PersistTopN          int     `json:"persist_top_n"`
	ReturnTopN           int     `json:"return_top_n"`
}

func DefaultSimulationConfig() SimulationConfig {
	return SimulationConfig{
		DateRangeDays:        7,
		SkillMatchMinPct:     100,
		EquipmentMatchMinPct: 100,
		PersistTopN:          10,
		ReturnTopN:           5,
	}
}

func (c SimulationConfig) validate() error {
	if c.DateRangeDays < 1 || c.DateRangeDays > 60 {
		return apperr.Invalid("date_range_days must be between 1 and 60")
	}
	if c.SkillMatchMinPct < 0 || c.SkillMatchMinPct > 100 {
		return apperr.Invalid("skill_match_min_pct must be between 0 and 100")
	}
	if c.EquipmentMatchMinPct < 0 || c.EquipmentMatchMinPct > 100 {
		return apperr.Invalid("equipment_match_min_pct must be between 0 and 100")
	}
	if c.PersistTopN < 0 || c.ReturnTopN < 0 {
		return apperr.Invalid("top-n limits must not be negative")
	}
	return nil
}

type SimulationResult struct {
	RunID               string                         `json:"run_id,omitempty"`
	Simulations         []models.SimulationCandidate   `json:"simulations"`
	EligibleCrews       []dispatch.EligibleCrew        `json:"eligible_crews"`
	Evaluated           []dispatch.EligibleCrew        `json:"evaluated"`
	Stages              []dispatch.EligibilityStage    `json:"stages"`
	ThresholdsUsed      dispatch.Thresholds            `json:"thresholds_used"`
	CandidatesGenerated int                            `json:"candidates_generated"`
	CandidatesPersisted int                            `json:"candidates_persisted"`
	ReasonCode          string                         `json:"reason_code,omitempty"`
	Excluded            map[string][]string            `json:"excluded,omitempty"`
	Infeasible          map[string]map[string][]string `json:"infeasible,omitempty"`
}

type SimulationService struct {
	Store       Store
	Travel      dispatch.TravelEstimator
	Weights     dispatch.Weights
	Defaults    SimulationConfig
	Concurrency int
	Logger      zerolog.Logger
	Now         func() time.Time
}

// Eligibility evaluates the roster for a job without scoring or persisting anything.
func (s *SimulationService) Eligibility(ctx context.Context, businessID, jobRequestID string, th dispatch.Thresholds) (dispatch.EligibilityResult, error) {
	job, err := s.Store.GetJobRequest(ctx, businessID, jobRequestID)
	if err != nil {
		return dispatch.EligibilityResult{}, err
	}
	crews, err := s.Store.ListCrews(ctx, businessID)
	if err != nil {
		return dispatch.EligibilityResult{}, err
	}
	return dispatch.FilterEligibleCrews(job, crews, th), nil
}

// RunSimulations scores every feasible (crew, date) pair for the job, ranks
// them, persists the top PersistTopN atomically and returns the top ReturnTopN.
// A job no crew can serve is a normal outcome: empty lists, nothing persisted.
func (s *SimulationService) RunSimulations(ctx context.Context, businessID, jobRequestID string, cfg SimulationConfig) (SimulationResult, error) {
	if err := cfg.validate(); err != nil {
		return SimulationResult{}, err
	}
	job, err := s.Store.GetJobRequest(ctx, businessID, jobRequestID)
	if err != nil {
		return SimulationResult{}, err
	}
	if !job.Status.Simulatable() {
		return SimulationResult{}, apperr.Conflict("job request %s is %s and cannot be simulated", job.ID, job.Status)
	}
	crews, err := s.Store.ListCrews(ctx, businessID)
	if err != nil {
		return SimulationResult{}, err
	}

	th := dispatch.Thresholds{SkillMatchMinPct: cfg.SkillMatchMinPct, EquipmentMatchMinPct: cfg.EquipmentMatchMinPct}
	elig := dispatch.FilterEligibleCrews(job, crews, th)
	result := SimulationResult{
		Simulations:    []models.SimulationCandidate{},
		EligibleCrews:  elig.Eligible,
		Evaluated:      elig.Evaluated,
		Stages:         elig.Stages,
		ThresholdsUsed: th,
		ReasonCode:     elig.ReasonCode,
		Excluded:       map[string][]string{},
	}
	if result.EligibleCrews == nil {
		result.EligibleCrews = []dispatch.EligibleCrew{}
	}
	for _, ec := range elig.Evaluated {
		if !ec.Eligible {
			result.Excluded[ec.Crew.ID] = ec.Reasons
		}
	}
	if len(elig.Eligible) == 0 {
		s.Logger.Info().
			Str("job_request_id", job.ID).
			Str("reason_code", elig.ReasonCode).
			Int("crews", len(crews)).
			Msg("no eligible crew for job request")
		return result, nil
	}

	now := s.now()
	dates := dispatch.SearchDates(now, cfg.DateRangeDays, job.PreferredDate)
	from := dates[0].Format(models.DateLayout)
	to := dates[len(dates)-1].AddDate(0, 0, 1).Format(models.DateLayout)

	perCrew := make([][]models.SimulationCandidate, len(elig.Eligible))
	infeasible := make([]map[string][]string, len(elig.Eligible))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency())
	for i, ec := range elig.Eligible {
		i, ec := i, ec
		g.Go(func() error {
			visits, err := s.Store.ListScheduledVisits(gctx, ec.Crew.ID, from, to)
			if err != nil {
				return err
			}
			byDate := map[string][]models.ScheduledVisit{}
			for _, v := range visits {
				byDate[v.Date] = append(byDate[v.Date], v)
			}
			var out []models.SimulationCandidate
			skipped := map[string][]string{}
			for _, d := range dates {
				key := d.Format(models.DateLayout)
				ev := dispatch.ScoreCandidate(job, ec, d, byDate[key], s.Travel, s.Weights)
				if !ev.Feasibility.Feasible {
					skipped[key] = ev.Feasibility.Reasons
					continue
				}
				out = append(out, ev.Candidate)
			}
			perCrew[i] = out
			infeasible[i] = skipped
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return SimulationResult{}, err
	}

	var all []models.SimulationCandidate
	result.Infeasible = map[string]map[string][]string{}
	for i, cands := range perCrew {
		all = append(all, cands...)
		if len(infeasible[i]) > 0 {
			result.Infeasible[elig.Eligible[i].Crew.ID] = infeasible[i]
		}
	}
	dispatch.RankCandidates(all)

	runID := uuid.NewString()
	persist := all[:min(cfg.PersistTopN, len(all))]
	for i := range persist {
		persist[i].ID = uuid.NewString()
		persist[i].SimulationRunID = runID
		persist[i].BusinessID = businessID
		persist[i].JobRequestID = job.ID
		persist[i].CreatedAt = now
	}

	rawCfg, err := json.Marshal(map[string]any{
		"config":     cfg,
		"weights":    s.Weights,
		"thresholds": th,
		"dates":      []string{from, to},
	})
	if err != nil {
		return SimulationResult{}, err
	}
	run := models.SimulationRun{
		ID:                  runID,
		BusinessID:          businessID,
		JobRequestID:        job.ID,
		Config:              rawCfg,
		CandidatesGenerated: len(all),
		CandidatesPersisted: len(persist),
		CreatedAt:           now,
	}
	if err := s.Store.SaveSimulation(ctx, run, persist); err != nil {
		return SimulationResult{}, err
	}

	result.RunID = runID
	result.CandidatesGenerated = len(all)
	result.CandidatesPersisted = len(persist)
	result.Simulations = append(result.Simulations, persist[:min(cfg.ReturnTopN, len(persist))]...)

	s.Logger.Info().
		Str("job_request_id", job.ID).
		Str("run_id", runID).
		Int("eligible_crews", len(elig.Eligible)).
		Int("generated", len(all)).
		Int("persisted", len(persist)).
		Msg("simulation completed")
	return result, nil
}

func (s *SimulationService) concurrency() int {
	if s.Concurrency > 0 {
		return s.Concurrency
	}
	return defaultSimulationConcurrency
}

func (s *SimulationService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}
