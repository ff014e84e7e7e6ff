package db

import (
	"time"

	"github.com/turfline/backend/internal/models"
)

// Turn is everything one inbound SMS produces. It is written atomically.
type Turn struct {
	Session    models.SmsSession
	Events     []models.SmsEvent
	Tickets    []models.HandoffTicket
	Tokens     []models.CallbackToken
	JobRequest *models.JobRequest
}

// DecisionResolution moves a pending decision to approved or rejected, moves
// its job request to JobStatus, and optionally books the visit on the crew's
// day and queues a writeback.
type DecisionResolution struct {
	BusinessID   string
	DecisionID   string
	Status       models.DecisionStatus
	UserID       string
	At           time.Time
	RejectReason string
	JobStatus    models.JobStatus
	Visit        *models.ScheduledVisit
	Writeback    *models.WritebackRequest
}

type TicketUpdate struct {
	Status         *models.TicketStatus
	AssigneeUserID *string
	At             time.Time
}

const (
	WritebackPending = "pending"
	WritebackSent    = "sent"
)
