package service

import (
	"context"
	"time"

	"github.com/turfline/backend/internal/db"
	"github.com/turfline/backend/internal/models"
)

// Store is the persistence surface the services need. Both db.Store and
// db.MemoryStore satisfy it.
type Store interface {
	UpsertBusiness(ctx context.Context, b models.Business, phones []string) error
	ResolveBusinessByPhone(ctx context.Context, phone string) (models.Business, error)
	GetBusiness(ctx context.Context, id string) (models.Business, error)
	GetUser(ctx context.Context, businessID, userID string) (models.User, error)
	SaveOAuthState(ctx context.Context, st models.OAuthState) error
	ConsumeOAuthState(ctx context.Context, state string, now time.Time) (models.OAuthState, error)

	GetSessionByPhone(ctx context.Context, businessID, phone string) (*models.SmsSession, error)
	GetSession(ctx context.Context, businessID, sessionID string) (models.SmsSession, error)
	EventExists(ctx context.Context, eventID string) (bool, error)
	SaveTurn(ctx context.Context, t db.Turn) error
	ListEvents(ctx context.Context, businessID, sessionID string) ([]models.SmsEvent, error)
	ListHandoffTickets(ctx context.Context, businessID string, status models.TicketStatus) ([]models.HandoffTicket, error)
	UpdateHandoffTicket(ctx context.Context, businessID, ticketID string, upd db.TicketUpdate) (models.HandoffTicket, error)

	UpsertCrew(ctx context.Context, c models.Crew) error
	ListCrews(ctx context.Context, businessID string) ([]models.Crew, error)
	AddScheduledVisit(ctx context.Context, v models.ScheduledVisit) error
	ListScheduledVisits(ctx context.Context, crewID, from, to string) ([]models.ScheduledVisit, error)
	CreateJobRequest(ctx context.Context, j models.JobRequest) error
	GetJobRequest(ctx context.Context, businessID, id string) (models.JobRequest, error)
	SaveSimulation(ctx context.Context, run models.SimulationRun, cands []models.SimulationCandidate) error
	GetCandidate(ctx context.Context, businessID, id string) (models.SimulationCandidate, error)
	InsertDecision(ctx context.Context, d models.Decision) error
	GetDecision(ctx context.Context, businessID, id string) (models.Decision, error)
	ResolveDecision(ctx context.Context, r db.DecisionResolution) (models.Decision, error)
	MarkWritebackSent(ctx context.Context, id string) error
}

var (
	_ Store = (*db.Store)(nil)
	_ Store = (*db.MemoryStore)(nil)
)
