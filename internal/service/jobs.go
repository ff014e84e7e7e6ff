package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/turfline/backend/internal/apperr"
	"github.com/turfline/backend/internal/models"
)

// JobService manages the crew roster and job requests entered by operators.
type JobService struct {
	Store Store
	Now   func() time.Time
}

func (s *JobService) SaveCrew(ctx context.Context, businessID string, c models.Crew) (models.Crew, error) {
	c.BusinessID = businessID
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if strings.TrimSpace(c.Name) == "" {
		return models.Crew{}, apperr.Invalid("crew name is required")
	}
	if c.CrewSize < 1 {
		return models.Crew{}, apperr.Invalid("crew_size must be at least 1")
	}
	if c.DailyCapacityMinutes < 0 || c.HourlyCost < 0 || c.ServiceRadiusMiles < 0 {
		return models.Crew{}, apperr.Invalid("capacity, cost and radius must not be negative")
	}
	for _, w := range c.Availability {
		if w.Weekday < time.Sunday || w.Weekday > time.Saturday {
			return models.Crew{}, apperr.Invalid("availability weekday %d out of range", w.Weekday)
		}
		if w.StartMinute < 0 || w.EndMinute > 24*60 || w.StartMinute >= w.EndMinute {
			return models.Crew{}, apperr.Invalid("availability window %d-%d is invalid", w.StartMinute, w.EndMinute)
		}
	}
	for _, off := range c.TimeOff {
		if !off.End.After(off.Start) {
			return models.Crew{}, apperr.Invalid("time off must end after it starts")
		}
	}
	now := s.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if err := s.Store.UpsertCrew(ctx, c); err != nil {
		return models.Crew{}, err
	}
	return c, nil
}

func (s *JobService) ListCrews(ctx context.Context, businessID string) ([]models.Crew, error) {
	return s.Store.ListCrews(ctx, businessID)
}

// CreateJobRequest stores an operator-entered job in status new.
func (s *JobService) CreateJobRequest(ctx context.Context, businessID string, j models.JobRequest) (models.JobRequest, error) {
	j.BusinessID = businessID
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if strings.TrimSpace(j.ServiceType) == "" {
		return models.JobRequest{}, apperr.Invalid("service_type is required")
	}
	if j.LaborLowMinutes <= 0 || j.LaborHighMinutes < j.LaborLowMinutes {
		return models.JobRequest{}, apperr.Invalid("labor range %d-%d is invalid", j.LaborLowMinutes, j.LaborHighMinutes)
	}
	if j.PriceLow < 0 || j.PriceHigh < j.PriceLow {
		return models.JobRequest{}, apperr.Invalid("price range is invalid")
	}
	if j.CrewSizeMin < 0 {
		return models.JobRequest{}, apperr.Invalid("crew_size_min must not be negative")
	}
	if j.PreferredStartMinute < 0 || j.PreferredStartMinute >= 24*60 {
		return models.JobRequest{}, apperr.Invalid("preferred_start_minute out of range")
	}
	if j.PreferredDate != "" {
		if _, err := time.Parse(models.DateLayout, j.PreferredDate); err != nil {
			return models.JobRequest{}, apperr.Invalid("preferred_date %q is not YYYY-MM-DD", j.PreferredDate)
		}
	}
	now := s.now()
	j.Status = models.JobNew
	j.CreatedAt = now
	j.UpdatedAt = now
	if err := s.Store.CreateJobRequest(ctx, j); err != nil {
		return models.JobRequest{}, err
	}
	return j, nil
}

// AddVisit books work the crew already has on a day so simulations see the load.
func (s *JobService) AddVisit(ctx context.Context, businessID, crewID string, v models.ScheduledVisit) (models.ScheduledVisit, error) {
	crews, err := s.Store.ListCrews(ctx, businessID)
	if err != nil {
		return models.ScheduledVisit{}, err
	}
	found := false
	for _, c := range crews {
		if c.ID == crewID {
			found = true
			break
		}
	}
	if !found {
		return models.ScheduledVisit{}, apperr.NotFound("crew %s", crewID)
	}
	if _, err := time.Parse(models.DateLayout, v.Date); err != nil {
		return models.ScheduledVisit{}, apperr.Invalid("date must be YYYY-MM-DD")
	}
	if v.Minutes <= 0 || v.StartMinute < 0 || v.StartMinute+v.Minutes > 24*60 {
		return models.ScheduledVisit{}, apperr.Invalid("visit %d+%d does not fit in a day", v.StartMinute, v.Minutes)
	}
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	v.CrewID = crewID
	if err := s.Store.AddScheduledVisit(ctx, v); err != nil {
		return models.ScheduledVisit{}, err
	}
	return v, nil
}

func (s *JobService) GetJobRequest(ctx context.Context, businessID, id string) (models.JobRequest, error) {
	return s.Store.GetJobRequest(ctx, businessID, id)
}

func (s *JobService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}
