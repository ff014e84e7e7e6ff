package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/turfline/backend/internal/apperr"
	"github.com/turfline/backend/internal/db"
	"github.com/turfline/backend/internal/models"
	"github.com/turfline/backend/internal/writeback"
)

type ApprovalConfig struct {
	AllowCrewLeadApprove bool `json:"allow_crew_lead_approve"`
}

// CanPropose reports whether a role may turn a simulation candidate into a decision.
func CanPropose(r models.Role) bool {
	switch r {
	case models.RoleOwner, models.RoleAdmin, models.RoleDispatcher:
		return true
	}
	return false
}

// CanApprove reports whether a role may approve or reject a pending decision.
func CanApprove(r models.Role, cfg ApprovalConfig) bool {
	switch r {
	case models.RoleOwner, models.RoleAdmin:
		return true
	case models.RoleCrewLead:
		return cfg.AllowCrewLeadApprove
	}
	return false
}

type DecisionService struct {
	Store   Store
	Emitter writeback.Emitter
	Logger  zerolog.Logger
	Now     func() time.Time
}

// reasoning is frozen into the decision so later changes to crews, visits or
// the job do not alter what the approver was shown.
type reasoning struct {
	Candidate models.SimulationCandidate `json:"candidate"`
	Job       jobSnapshot                `json:"job"`
	Summary   string                     `json:"summary"`
}

type jobSnapshot struct {
	ServiceType       string        `json:"service_type"`
	Address           string        `json:"address"`
	Location          models.LatLng `json:"location"`
	RequiredSkills    []string      `json:"required_skills"`
	RequiredEquipment []string      `json:"required_equipment"`
	CrewSizeMin       int           `json:"crew_size_min"`
	LaborLowMinutes   int           `json:"labor_low_minutes"`
	LaborHighMinutes  int           `json:"labor_high_minutes"`
	PriceLow          float64       `json:"price_low"`
	PriceHigh         float64       `json:"price_high"`
	SnapshotAt        time.Time     `json:"snapshot_at"`
}

func (s *DecisionService) CreateDecision(ctx context.Context, businessID, jobRequestID, simulationID, userID string) (models.Decision, error) {
	if jobRequestID == "" || simulationID == "" {
		return models.Decision{}, apperr.Invalid("job_request_id and simulation_id are required")
	}
	user, err := s.member(ctx, businessID, userID)
	if err != nil {
		return models.Decision{}, err
	}
	if !CanPropose(user.Role) {
		return models.Decision{}, apperr.Forbidden("role %s cannot propose decisions", user.Role)
	}

	cand, err := s.Store.GetCandidate(ctx, businessID, simulationID)
	if err != nil {
		return models.Decision{}, err
	}
	if cand.JobRequestID != jobRequestID {
		return models.Decision{}, apperr.Invalid("simulation %s does not belong to job request %s", simulationID, jobRequestID)
	}
	job, err := s.Store.GetJobRequest(ctx, businessID, jobRequestID)
	if err != nil {
		return models.Decision{}, err
	}
	if job.Status != models.JobSimulated {
		return models.Decision{}, apperr.Conflict("job request %s is %s, expected simulated", job.ID, job.Status)
	}
	if job.LatestRunID != "" && cand.SimulationRunID != job.LatestRunID {
		return models.Decision{}, apperr.Conflict("simulation %s is from superseded run %s", cand.ID, cand.SimulationRunID)
	}

	now := s.now()
	raw, err := json.Marshal(reasoning{
		Candidate: cand,
		Job: jobSnapshot{
			ServiceType:       job.ServiceType,
			Address:           job.Address,
			Location:          job.Location,
			RequiredSkills:    job.RequiredSkills,
			RequiredEquipment: job.RequiredEquipment,
			CrewSizeMin:       job.CrewSizeMin,
			LaborLowMinutes:   job.LaborLowMinutes,
			LaborHighMinutes:  job.LaborHighMinutes,
			PriceLow:          job.PriceLow,
			PriceHigh:         job.PriceHigh,
			SnapshotAt:        now,
		},
		Summary: summarize(cand),
	})
	if err != nil {
		return models.Decision{}, err
	}

	d := models.Decision{
		ID:              uuid.NewString(),
		BusinessID:      businessID,
		JobRequestID:    job.ID,
		SimulationID:    cand.ID,
		CrewID:          cand.CrewID,
		Date:            cand.Date,
		CreatedByUserID: user.ID,
		Reasoning:       raw,
		Status:          models.DecisionPending,
		CreatedAt:       now,
	}
	if err := s.Store.InsertDecision(ctx, d); err != nil {
		return models.Decision{}, err
	}
	s.Logger.Info().Str("decision_id", d.ID).Str("job_request_id", job.ID).Str("crew_id", d.CrewID).Msg("decision proposed")
	return d, nil
}

// ApproveDecision moves a pending decision to approved, assigns the job, books
// the visit on the crew's day and queues a writeback. A decision that is no longer pending is a conflict.
func (s *DecisionService) ApproveDecision(ctx context.Context, businessID, decisionID, userID string, cfg ApprovalConfig) (models.Decision, error) {
	user, err := s.member(ctx, businessID, userID)
	if err != nil {
		return models.Decision{}, err
	}
	if !CanApprove(user.Role, cfg) {
		return models.Decision{}, apperr.Forbidden("role %s cannot approve decisions", user.Role)
	}
	d, err := s.Store.GetDecision(ctx, businessID, decisionID)
	if err != nil {
		return models.Decision{}, err
	}
	if d.Status != models.DecisionPending {
		return models.Decision{}, apperr.Conflict("decision %s is already %s", d.ID, d.Status)
	}
	cand, err := s.Store.GetCandidate(ctx, businessID, d.SimulationID)
	if err != nil {
		return models.Decision{}, err
	}
	biz, err := s.Store.GetBusiness(ctx, businessID)
	if err != nil {
		return models.Decision{}, err
	}
	job, err := s.Store.GetJobRequest(ctx, businessID, d.JobRequestID)
	if err != nil {
		return models.Decision{}, err
	}

	now := s.now()
	visit := models.ScheduledVisit{
		ID:          d.ID,
		CrewID:      d.CrewID,
		Date:        d.Date,
		StartMinute: cand.StartMinute,
		Minutes:     cand.LaborMinutes,
		Location:    job.Location,
	}
	wb := models.WritebackRequest{
		ID:                uuid.NewString(),
		BusinessID:        businessID,
		DecisionID:        d.ID,
		JobRequestID:      d.JobRequestID,
		CrewID:            d.CrewID,
		Date:              d.Date,
		StartMinute:       cand.StartMinute,
		ExternalAccountID: biz.JobberAccountID,
		Status:            db.WritebackPending,
		CreatedAt:         now,
	}
	resolved, err := s.Store.ResolveDecision(ctx, db.DecisionResolution{
		BusinessID: businessID,
		DecisionID: d.ID,
		Status:     models.DecisionApproved,
		UserID:     user.ID,
		At:         now,
		JobStatus:  models.JobAssigned,
		Visit:      &visit,
		Writeback:  &wb,
	})
	if err != nil {
		return models.Decision{}, err
	}

	// the outbox row is committed; a failed emit leaves it pending for a retry
	if err := s.Emitter.Emit(ctx, wb); err != nil {
		s.Logger.Warn().Err(err).Str("writeback_id", wb.ID).Msg("writeback emit failed")
	} else if err := s.Store.MarkWritebackSent(ctx, wb.ID); err != nil {
		s.Logger.Warn().Err(err).Str("writeback_id", wb.ID).Msg("writeback mark sent failed")
	}

	s.Logger.Info().Str("decision_id", d.ID).Str("approved_by", user.ID).Msg("decision approved")
	return resolved, nil
}

// RejectDecision closes a pending decision and sends the job back for re-simulation.
func (s *DecisionService) RejectDecision(ctx context.Context, businessID, decisionID, userID, reason string, cfg ApprovalConfig) (models.Decision, error) {
	user, err := s.member(ctx, businessID, userID)
	if err != nil {
		return models.Decision{}, err
	}
	if !CanApprove(user.Role, cfg) {
		return models.Decision{}, apperr.Forbidden("role %s cannot reject decisions", user.Role)
	}
	resolved, err := s.Store.ResolveDecision(ctx, db.DecisionResolution{
		BusinessID:   businessID,
		DecisionID:   decisionID,
		Status:       models.DecisionRejected,
		UserID:       user.ID,
		At:           s.now(),
		RejectReason: strings.TrimSpace(reason),
		JobStatus:    models.JobNeedsResimulation,
	})
	if err != nil {
		return models.Decision{}, err
	}
	s.Logger.Info().Str("decision_id", decisionID).Str("rejected_by", user.ID).Msg("decision rejected")
	return resolved, nil
}

func (s *DecisionService) GetDecision(ctx context.Context, businessID, decisionID string) (models.Decision, error) {
	return s.Store.GetDecision(ctx, businessID, decisionID)
}

func (s *DecisionService) member(ctx context.Context, businessID, userID string) (models.User, error) {
	if userID == "" {
		return models.User{}, apperr.Forbidden("no user")
	}
	u, err := s.Store.GetUser(ctx, businessID, userID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return models.User{}, apperr.Forbidden("user %s is not a member of this business", userID)
		}
		return models.User{}, err
	}
	return u, nil
}

func summarize(c models.SimulationCandidate) string {
	return fmt.Sprintf("rank %d: crew %s on %s, %d min travel, margin %.2f (%s risk)",
		c.Rank, c.CrewID, c.Date, c.TravelMinutes, c.MarginScore, c.MarginRisk)
}

func (s *DecisionService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}
