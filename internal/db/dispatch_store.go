package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/turfline/backend/internal/apperr"
	"github.com/turfline/backend/internal/models"
)

func (s *Store) UpsertCrew(ctx context.Context, c models.Crew) error {
	zones, err := json.Marshal(c.Zones)
	if err != nil {
		return err
	}
	avail, err := json.Marshal(c.Availability)
	if err != nil {
		return err
	}
	timeOff, err := json.Marshal(c.TimeOff)
	if err != nil {
		return err
	}
	_, err = s.Pool.Exec(ctx, `
		INSERT INTO crews (id, business_id, name, skills, equipment, home_lat, home_lng, service_radius_miles,
			daily_capacity_minutes, crew_size, hourly_cost, zones, availability, time_off, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			skills = EXCLUDED.skills,
			equipment = EXCLUDED.equipment,
			home_lat = EXCLUDED.home_lat,
			home_lng = EXCLUDED.home_lng,
			service_radius_miles = EXCLUDED.service_radius_miles,
			daily_capacity_minutes = EXCLUDED.daily_capacity_minutes,
			crew_size = EXCLUDED.crew_size,
			hourly_cost = EXCLUDED.hourly_cost,
			zones = EXCLUDED.zones,
			availability = EXCLUDED.availability,
			time_off = EXCLUDED.time_off,
			updated_at = EXCLUDED.updated_at
		WHERE crews.business_id = EXCLUDED.business_id
	`, c.ID, c.BusinessID, c.Name, nonNil(c.Skills), nonNil(c.Equipment), c.HomeBase.Lat, c.HomeBase.Lng, c.ServiceRadiusMiles,
		c.DailyCapacityMinutes, c.CrewSize, c.HourlyCost, zones, avail, timeOff, c.CreatedAt, c.UpdatedAt)
	return err
}

func (s *Store) ListCrews(ctx context.Context, businessID string) ([]models.Crew, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, business_id, name, skills, equipment, home_lat, home_lng, service_radius_miles,
			daily_capacity_minutes, crew_size, hourly_cost, zones, availability, time_off, created_at, updated_at
		FROM crews WHERE business_id = $1 ORDER BY id ASC
	`, businessID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.Crew{}
	for rows.Next() {
		var (
			c                     models.Crew
			zones, avail, timeOff []byte
		)
		if err := rows.Scan(&c.ID, &c.BusinessID, &c.Name, &c.Skills, &c.Equipment, &c.HomeBase.Lat, &c.HomeBase.Lng, &c.ServiceRadiusMiles,
			&c.DailyCapacityMinutes, &c.CrewSize, &c.HourlyCost, &zones, &avail, &timeOff, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(zones, &c.Zones); err != nil {
			return nil, fmt.Errorf("crew %s zones: %w", c.ID, err)
		}
		if err := json.Unmarshal(avail, &c.Availability); err != nil {
			return nil, fmt.Errorf("crew %s availability: %w", c.ID, err)
		}
		if err := json.Unmarshal(timeOff, &c.TimeOff); err != nil {
			return nil, fmt.Errorf("crew %s time off: %w", c.ID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const insertVisitSQL = `
	INSERT INTO scheduled_visits (id, crew_id, visit_date, start_minute, minutes, lat, lng)
	VALUES ($1,$2,$3::date,$4,$5,$6,$7)
	ON CONFLICT (id) DO NOTHING`

func (s *Store) AddScheduledVisit(ctx context.Context, v models.ScheduledVisit) error {
	_, err := s.Pool.Exec(ctx, insertVisitSQL, v.ID, v.CrewID, v.Date, v.StartMinute, v.Minutes, v.Location.Lat, v.Location.Lng)
	return err
}

// ListScheduledVisits returns the crew's visits with from <= date < to.
func (s *Store) ListScheduledVisits(ctx context.Context, crewID, from, to string) ([]models.ScheduledVisit, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, crew_id, visit_date::text, start_minute, minutes, lat, lng
		FROM scheduled_visits
		WHERE crew_id = $1 AND visit_date >= $2::date AND visit_date < $3::date
		ORDER BY visit_date ASC, start_minute ASC, id ASC
	`, crewID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.ScheduledVisit{}
	for rows.Next() {
		var v models.ScheduledVisit
		if err := rows.Scan(&v.ID, &v.CrewID, &v.Date, &v.StartMinute, &v.Minutes, &v.Location.Lat, &v.Location.Lng); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) CreateJobRequest(ctx context.Context, j models.JobRequest) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		return insertJobRequest(ctx, tx, j)
	})
}

func insertJobRequest(ctx context.Context, tx pgx.Tx, j models.JobRequest) error {
	var sessionID *string
	if j.SessionID != "" {
		sessionID = &j.SessionID
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO job_requests (id, business_id, customer_name, customer_phone, session_id, address, lat, lng, zip,
			service_type, required_skills, required_equipment, crew_size_min, labor_low_minutes, labor_high_minutes,
			price_low, price_high, preferred_start_minute, preferred_date, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,NULLIF($19, '')::date,$20,$21,$22)
	`, j.ID, j.BusinessID, j.CustomerName, j.CustomerPhone, sessionID, j.Address, j.Location.Lat, j.Location.Lng, j.Zip,
		j.ServiceType, nonNil(j.RequiredSkills), nonNil(j.RequiredEquipment), j.CrewSizeMin, j.LaborLowMinutes, j.LaborHighMinutes,
		j.PriceLow, j.PriceHigh, j.PreferredStartMinute, j.PreferredDate, j.Status, j.CreatedAt, j.UpdatedAt)
	if isUniqueViolation(err) {
		return apperr.Conflict("job request %s already exists", j.ID)
	}
	return err
}

func (s *Store) GetJobRequest(ctx context.Context, businessID, id string) (models.JobRequest, error) {
	var (
		j             models.JobRequest
		sessionID     *string
		preferredDate *string
		latestRunID   *string
	)
	err := s.Pool.QueryRow(ctx, `
		SELECT id, business_id, customer_name, customer_phone, session_id, address, lat, lng, zip,
			service_type, required_skills, required_equipment, crew_size_min, labor_low_minutes, labor_high_minutes,
			price_low, price_high, preferred_start_minute, preferred_date::text, status, latest_run_id, created_at, updated_at
		FROM job_requests WHERE id = $1 AND business_id = $2
	`, id, businessID).Scan(&j.ID, &j.BusinessID, &j.CustomerName, &j.CustomerPhone, &sessionID, &j.Address, &j.Location.Lat, &j.Location.Lng, &j.Zip,
		&j.ServiceType, &j.RequiredSkills, &j.RequiredEquipment, &j.CrewSizeMin, &j.LaborLowMinutes, &j.LaborHighMinutes,
		&j.PriceLow, &j.PriceHigh, &j.PreferredStartMinute, &preferredDate, &j.Status, &latestRunID, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return models.JobRequest{}, notFound(err, "job request %s", id)
	}
	if sessionID != nil {
		j.SessionID = *sessionID
	}
	if preferredDate != nil {
		j.PreferredDate = *preferredDate
	}
	if latestRunID != nil {
		j.LatestRunID = *latestRunID
	}
	return j, nil
}

// advanceJob moves a job to status only if it is currently in one of from.
func advanceJob(ctx context.Context, tx pgx.Tx, businessID, jobID string, to models.JobStatus, from ...models.JobStatus) error {
	allowed := make([]string, 0, len(from))
	for _, f := range from {
		allowed = append(allowed, string(f))
	}
	tag, err := tx.Exec(ctx, `
		UPDATE job_requests SET status = $1, updated_at = NOW()
		WHERE id = $2 AND business_id = $3 AND status = ANY($4)
	`, to, jobID, businessID, allowed)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.Conflict("job request %s cannot move to %s", jobID, to)
	}
	return nil
}

// SaveSimulation stores a run and its top candidates, marks the job
// simulated and makes the run the job's latest. Either all of it lands or
// none of it does.
func (s *Store) SaveSimulation(ctx context.Context, run models.SimulationRun, cands []models.SimulationCandidate) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		if err := advanceJob(ctx, tx, run.BusinessID, run.JobRequestID, models.JobSimulated,
			models.JobNew, models.JobSimulated, models.JobNeedsResimulation); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO simulation_runs (id, business_id, job_request_id, config, candidates_generated, candidates_persisted, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, run.ID, run.BusinessID, run.JobRequestID, []byte(run.Config), run.CandidatesGenerated, run.CandidatesPersisted, run.CreatedAt); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE job_requests SET latest_run_id = $1 WHERE id = $2 AND business_id = $3`,
			run.ID, run.JobRequestID, run.BusinessID); err != nil {
			return err
		}
		rows := make([][]any, 0, len(cands))
		for _, c := range cands {
			day, err := time.Parse(models.DateLayout, c.Date)
			if err != nil {
				return fmt.Errorf("candidate %s date: %w", c.ID, err)
			}
			rows = append(rows, []any{c.ID, c.SimulationRunID, c.BusinessID, c.JobRequestID, c.CrewID, day,
				c.StartMinute, c.EndMinute, c.TravelMiles, c.TravelMinutes, c.LaborMinutes, c.ExpectedRevenue, c.EstimatedCost,
				c.MarginScore, c.MarginBurn, string(c.MarginRisk), c.RemainingCapacityMinutes, c.SkillCoverage, c.EquipmentCoverage,
				c.CompositeScore, c.Rank, c.CreatedAt})
		}
		_, err := tx.CopyFrom(ctx, pgx.Identifier{"simulation_candidates"}, []string{
			"id", "simulation_run_id", "business_id", "job_request_id", "crew_id", "candidate_date",
			"start_minute", "end_minute", "travel_miles", "travel_minutes", "labor_minutes", "expected_revenue", "estimated_cost",
			"margin_score", "margin_burn", "margin_risk", "remaining_capacity_minutes", "skill_coverage", "equipment_coverage",
			"composite_score", "rank", "created_at",
		}, pgx.CopyFromRows(rows))
		return err
	})
}

func (s *Store) GetCandidate(ctx context.Context, businessID, id string) (models.SimulationCandidate, error) {
	var c models.SimulationCandidate
	err := s.Pool.QueryRow(ctx, `
		SELECT id, simulation_run_id, business_id, job_request_id, crew_id, candidate_date::text,
			start_minute, end_minute, travel_miles, travel_minutes, labor_minutes, expected_revenue, estimated_cost,
			margin_score, margin_burn, margin_risk, remaining_capacity_minutes, skill_coverage, equipment_coverage,
			composite_score, rank, created_at
		FROM simulation_candidates WHERE id = $1 AND business_id = $2
	`, id, businessID).Scan(&c.ID, &c.SimulationRunID, &c.BusinessID, &c.JobRequestID, &c.CrewID, &c.Date,
		&c.StartMinute, &c.EndMinute, &c.TravelMiles, &c.TravelMinutes, &c.LaborMinutes, &c.ExpectedRevenue, &c.EstimatedCost,
		&c.MarginScore, &c.MarginBurn, &c.MarginRisk, &c.RemainingCapacityMinutes, &c.SkillCoverage, &c.EquipmentCoverage,
		&c.CompositeScore, &c.Rank, &c.CreatedAt)
	return c, notFound(err, "simulation candidate %s", id)
}

// InsertDecision records a pending decision and marks its job decided. A job
// that is no longer simulated yields a conflict.
func (s *Store) InsertDecision(ctx context.Context, d models.Decision) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		if err := advanceJob(ctx, tx, d.BusinessID, d.JobRequestID, models.JobDecided, models.JobSimulated); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO decisions (id, business_id, job_request_id, simulation_id, crew_id, decision_date, created_by_user_id, reasoning, status, created_at)
			VALUES ($1,$2,$3,$4,$5,$6::date,$7,$8,$9,$10)
		`, d.ID, d.BusinessID, d.JobRequestID, d.SimulationID, d.CrewID, d.Date, d.CreatedByUserID, []byte(d.Reasoning), d.Status, d.CreatedAt)
		return err
	})
}

const decisionColumns = `id, business_id, job_request_id, simulation_id, crew_id, decision_date::text, created_by_user_id, reasoning, status,
	approved_by_user_id, approved_at, rejected_by_user_id, rejected_at, reject_reason, created_at`

func scanDecision(row pgx.Row) (models.Decision, error) {
	var (
		d         models.Decision
		reasoning []byte
	)
	err := row.Scan(&d.ID, &d.BusinessID, &d.JobRequestID, &d.SimulationID, &d.CrewID, &d.Date, &d.CreatedByUserID, &reasoning, &d.Status,
		&d.ApprovedByUserID, &d.ApprovedAt, &d.RejectedByUserID, &d.RejectedAt, &d.RejectReason, &d.CreatedAt)
	d.Reasoning = reasoning
	return d, err
}

func (s *Store) GetDecision(ctx context.Context, businessID, id string) (models.Decision, error) {
	d, err := scanDecision(s.Pool.QueryRow(ctx, `SELECT `+decisionColumns+` FROM decisions WHERE id = $1 AND business_id = $2`, id, businessID))
	return d, notFound(err, "decision %s", id)
}

// ResolveDecision is a compare-and-set on status: only a pending decision can
// be resolved, so of two racing calls exactly one commits.
func (s *Store) ResolveDecision(ctx context.Context, r DecisionResolution) (models.Decision, error) {
	var out models.Decision
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		var query string
		switch r.Status {
		case models.DecisionApproved:
			query = `UPDATE decisions SET status = $1, approved_by_user_id = $2, approved_at = $3
				WHERE id = $4 AND business_id = $5 AND status = 'pending_approval' RETURNING ` + decisionColumns
		case models.DecisionRejected:
			query = `UPDATE decisions SET status = $1, rejected_by_user_id = $2, rejected_at = $3, reject_reason = $6
				WHERE id = $4 AND business_id = $5 AND status = 'pending_approval' RETURNING ` + decisionColumns
		default:
			return apperr.Invalid("cannot resolve decision to %s", r.Status)
		}
		args := []any{r.Status, r.UserID, r.At, r.DecisionID, r.BusinessID}
		if r.Status == models.DecisionRejected {
			args = append(args, r.RejectReason)
		}
		d, err := scanDecision(tx.QueryRow(ctx, query, args...))
		if errors.Is(err, pgx.ErrNoRows) {
			var status models.DecisionStatus
			if err := tx.QueryRow(ctx, `SELECT status FROM decisions WHERE id = $1 AND business_id = $2`, r.DecisionID, r.BusinessID).Scan(&status); err != nil {
				return notFound(err, "decision %s", r.DecisionID)
			}
			return apperr.Conflict("decision %s is already %s", r.DecisionID, status)
		}
		if err != nil {
			return err
		}
		if err := advanceJob(ctx, tx, d.BusinessID, d.JobRequestID, r.JobStatus, models.JobDecided); err != nil {
			return err
		}
		if v := r.Visit; v != nil {
			if _, err := tx.Exec(ctx, insertVisitSQL, v.ID, v.CrewID, v.Date, v.StartMinute, v.Minutes, v.Location.Lat, v.Location.Lng); err != nil {
				return err
			}
		}
		if w := r.Writeback; w != nil {
			if _, err := tx.Exec(ctx, `
				INSERT INTO writeback_requests (id, business_id, decision_id, job_request_id, crew_id, visit_date, start_minute, external_account_id, status, created_at)
				VALUES ($1,$2,$3,$4,$5,$6::date,$7,$8,$9,$10)
			`, w.ID, w.BusinessID, w.DecisionID, w.JobRequestID, w.CrewID, w.Date, w.StartMinute, w.ExternalAccountID, w.Status, w.CreatedAt); err != nil {
				return err
			}
		}
		out = d
		return nil
	})
	return out, err
}

func (s *Store) MarkWritebackSent(ctx context.Context, id string) error {
	_, err := s.Pool.Exec(ctx, `UPDATE writeback_requests SET status = $1 WHERE id = $2`, WritebackSent, id)
	return err
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
