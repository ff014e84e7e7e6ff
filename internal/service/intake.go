package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/turfline/backend/internal/apperr"
	"github.com/turfline/backend/internal/db"
	"github.com/turfline/backend/internal/lock"
	"github.com/turfline/backend/internal/models"
	"github.com/turfline/backend/internal/sms"
)

type IntakeService struct {
	Store     Store
	Engine    *sms.Engine
	Templates *sms.TemplateSet
	Sender    sms.Sender
	Locker    lock.Locker
	Logger    zerolog.Logger
	Now       func() time.Time

	// TurnTimeout bounds the engine call so a slow extractor cannot outlive
	// the session lock. Zero means no bound.
	TurnTimeout time.Duration
}

type InboundRequest struct {
	FromPhone         string          `json:"from_phone" validate:"required"`
	ToPhone           string          `json:"to_phone" validate:"required"`
	Text              string          `json:"text" validate:"required"`
	ProviderMessageID string          `json:"provider_message_id"`
	ProviderPayload   json.RawMessage `json:"provider_payload,omitempty" swaggertype:"object"`
}

type IntakeOutcome struct {
	SessionID        string                `json:"session_id"`
	EventID          string                `json:"event_id"`
	Duplicate        bool                  `json:"duplicate"`
	State            models.SessionState   `json:"state"`
	Transition       sms.Transition        `json:"transition"`
	OutboundMessages []sms.OutboundMessage `json:"outbound_messages"`
	Actions          []sms.ActionType      `json:"actions"`
	Delivered        int                   `json:"delivered"`
	JobRequestID     string                `json:"job_request_id,omitempty"`
}

// HandleInbound runs one inbound SMS end to end: tenant lookup, per-session
// lock, dedup, engine turn, atomic persistence, then best-effort delivery.
func (s *IntakeService) HandleInbound(ctx context.Context, req InboundRequest) (IntakeOutcome, error) {
	from := strings.TrimSpace(req.FromPhone)
	to := strings.TrimSpace(req.ToPhone)
	if from == "" {
		return IntakeOutcome{}, apperr.Invalid("from_phone is required")
	}
	if strings.TrimSpace(req.Text) == "" {
		return IntakeOutcome{}, apperr.Invalid("text is required")
	}
	if to == "" {
		return IntakeOutcome{}, apperr.Invalid("to_phone is required")
	}

	biz, err := s.Store.ResolveBusinessByPhone(ctx, to)
	if err != nil {
		return IntakeOutcome{}, err
	}

	release, err := s.Locker.Acquire(ctx, "sms:"+to+":"+from)
	if err != nil {
		return IntakeOutcome{}, err
	}
	defer release()

	sessionID := sms.SessionIDFor(biz.ID, from)
	if sid := strings.TrimSpace(req.ProviderMessageID); sid != "" {
		eventID := sms.EventIDFor(sid)
		exists, err := s.Store.EventExists(ctx, eventID)
		if err != nil {
			return IntakeOutcome{}, err
		}
		if exists {
			s.Logger.Info().Str("event_id", eventID).Str("business_id", biz.ID).Msg("duplicate inbound sms ignored")
			return IntakeOutcome{SessionID: sessionID, EventID: eventID, Duplicate: true}, nil
		}
	}

	prior, err := s.Store.GetSessionByPhone(ctx, biz.ID, from)
	if err != nil {
		return IntakeOutcome{}, err
	}

	now := s.now()
	turnCtx := ctx
	if s.TurnTimeout > 0 {
		var cancel context.CancelFunc
		turnCtx, cancel = context.WithTimeout(ctx, s.TurnTimeout)
		defer cancel()
	}
	res, err := s.Engine.HandleInbound(turnCtx, sms.InboundMessage{
		AccountID:         biz.AccountID,
		BusinessID:        biz.ID,
		FromPhone:         from,
		ToPhone:           to,
		Text:              req.Text,
		ProviderMessageID: strings.TrimSpace(req.ProviderMessageID),
		ProviderPayload:   req.ProviderPayload,
		ReceivedAt:        now,
	}, prior, sms.BusinessContext{
		Name:               biz.Name,
		ServiceTemplateID:  biz.ServiceTemplateID,
		ClickToCallEnabled: biz.ClickToCallEnabled,
	})
	if err != nil {
		return IntakeOutcome{}, err
	}

	turn := db.Turn{Session: res.Session, Events: res.Events}
	out := IntakeOutcome{
		SessionID:        res.Session.SessionID,
		EventID:          res.Session.Audit.LastEventID,
		State:            res.Session.State,
		Transition:       res.Transition,
		OutboundMessages: res.OutboundMessages,
		Actions:          make([]sms.ActionType, 0, len(res.Actions)),
	}
	for _, a := range res.Actions {
		out.Actions = append(out.Actions, a.Type)
		switch a.Type {
		case sms.ActionCreateHandoffTicket:
			if a.Ticket != nil {
				turn.Tickets = append(turn.Tickets, *a.Ticket)
			}
		case sms.ActionGenerateClickToCallToken:
			if a.Token != nil {
				turn.Tokens = append(turn.Tokens, *a.Token)
			}
		}
	}
	if res.Transition.To == models.StateBooked && res.Transition.From != models.StateBooked {
		job, err := s.jobFromSession(res.Session, now)
		if err != nil {
			// the booking stands; an operator can enter the job by hand
			s.Logger.Error().Err(err).Str("session_id", res.Session.SessionID).Msg("job request from booking failed")
		} else {
			turn.JobRequest = &job
			out.JobRequestID = job.ID
		}
	}

	if err := s.Store.SaveTurn(ctx, turn); err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			s.Logger.Info().Str("event_id", out.EventID).Msg("inbound sms raced with a duplicate")
			return IntakeOutcome{SessionID: out.SessionID, EventID: out.EventID, Duplicate: true}, nil
		}
		return IntakeOutcome{}, err
	}

	if res.Transition.To == models.StateHandoff && res.Transition.From != models.StateHandoff {
		s.Logger.Info().
			Str("session_id", out.SessionID).
			Str("business_id", biz.ID).
			Str("reason", res.Transition.Reason).
			Msg("sms session handed off")
	}

	for _, m := range res.OutboundMessages {
		sent, err := s.Sender.Send(ctx, to, m.To, m.Text)
		if err != nil {
			s.Logger.Warn().Err(err).Str("session_id", out.SessionID).Str("to", m.To).Msg("outbound sms failed")
			continue
		}
		out.Delivered++
		s.Logger.Debug().Str("provider_id", sent.ProviderID).Str("session_id", out.SessionID).Msg("outbound sms sent")
	}
	return out, nil
}

func (s *IntakeService) jobFromSession(sess models.SmsSession, now time.Time) (models.JobRequest, error) {
	if sess.Scheduling == nil || sess.Scheduling.JobRequestID == "" || sess.Quote == nil {
		return models.JobRequest{}, apperr.Invalid("session %s has no booking", sess.SessionID)
	}
	tpl, ok := s.Templates.Get(sess.ServiceTemplateID)
	if !ok {
		return models.JobRequest{}, apperr.NotFound("service template %q", sess.ServiceTemplateID)
	}
	service := sess.Collected["service"]
	spec, ok := tpl.Services[service]
	if !ok {
		return models.JobRequest{}, apperr.Invalid("unknown service %q", service)
	}
	low, high, err := sms.LaborRange(tpl, service, sess.Quote.LotSqft)
	if err != nil {
		return models.JobRequest{}, err
	}
	start, date := 0, ""
	if sel := sess.Scheduling.Selected; sel != nil {
		start, date = sel.StartMinute, sel.Date
	}
	return models.JobRequest{
		ID:                   sess.Scheduling.JobRequestID,
		BusinessID:           sess.BusinessID,
		CustomerPhone:        sess.FromPhone,
		SessionID:            sess.SessionID,
		Address:              sess.Derived.AddressLine,
		Location:             models.LatLng{Lat: sess.Derived.Lat, Lng: sess.Derived.Lng},
		ServiceType:          service,
		RequiredSkills:       append([]string(nil), spec.Skills...),
		RequiredEquipment:    append([]string(nil), spec.Equipment...),
		CrewSizeMin:          spec.CrewSize,
		LaborLowMinutes:      low,
		LaborHighMinutes:     high,
		PriceLow:             sess.Quote.PriceLow,
		PriceHigh:            sess.Quote.PriceHigh,
		PreferredStartMinute: start,
		PreferredDate:        date,
		Status:               models.JobNew,
		CreatedAt:            now,
		UpdatedAt:            now,
	}, nil
}

func (s *IntakeService) GetSession(ctx context.Context, businessID, sessionID string) (models.SmsSession, error) {
	return s.Store.GetSession(ctx, businessID, sessionID)
}

func (s *IntakeService) ListEvents(ctx context.Context, businessID, sessionID string) ([]models.SmsEvent, error) {
	if _, err := s.Store.GetSession(ctx, businessID, sessionID); err != nil {
		return nil, err
	}
	return s.Store.ListEvents(ctx, businessID, sessionID)
}

func (s *IntakeService) ListHandoffs(ctx context.Context, businessID string, status models.TicketStatus) ([]models.HandoffTicket, error) {
	switch status {
	case "", models.TicketOpen, models.TicketAssigned, models.TicketClosed:
	default:
		return nil, apperr.Invalid("unknown ticket status %q", status)
	}
	return s.Store.ListHandoffTickets(ctx, businessID, status)
}

type HandoffUpdate struct {
	Status         *models.TicketStatus `json:"status"`
	AssigneeUserID *string              `json:"assignee_user_id"`
}

// UpdateHandoff changes a ticket's status or assignee. Assigning an open
// ticket without an explicit status moves it to assigned.
func (s *IntakeService) UpdateHandoff(ctx context.Context, businessID, ticketID string, upd HandoffUpdate) (models.HandoffTicket, error) {
	if upd.Status == nil && upd.AssigneeUserID == nil {
		return models.HandoffTicket{}, apperr.Invalid("nothing to update")
	}
	if upd.Status != nil {
		switch *upd.Status {
		case models.TicketOpen, models.TicketAssigned, models.TicketClosed:
		default:
			return models.HandoffTicket{}, apperr.Invalid("unknown ticket status %q", *upd.Status)
		}
	}
	if upd.AssigneeUserID != nil && *upd.AssigneeUserID != "" {
		if _, err := s.Store.GetUser(ctx, businessID, *upd.AssigneeUserID); err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				return models.HandoffTicket{}, apperr.Invalid("assignee %s is not a member of this business", *upd.AssigneeUserID)
			}
			return models.HandoffTicket{}, err
		}
		if upd.Status == nil {
			st := models.TicketAssigned
			upd.Status = &st
		}
	}
	return s.Store.UpdateHandoffTicket(ctx, businessID, ticketID, db.TicketUpdate{
		Status:         upd.Status,
		AssigneeUserID: upd.AssigneeUserID,
		At:             s.now(),
	})
}

func (s *IntakeService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}
