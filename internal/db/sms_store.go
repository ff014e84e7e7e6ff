package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/turfline/backend/internal/apperr"
	"github.com/turfline/backend/internal/models"
)

func (s *Store) GetSessionByPhone(ctx context.Context, businessID, phone string) (*models.SmsSession, error) {
	sess, err := s.scanSession(s.Pool.QueryRow(ctx, `SELECT body FROM sms_sessions WHERE business_id = $1 AND from_phone = $2`, businessID, phone))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *Store) GetSession(ctx context.Context, businessID, sessionID string) (models.SmsSession, error) {
	sess, err := s.scanSession(s.Pool.QueryRow(ctx, `SELECT body FROM sms_sessions WHERE business_id = $1 AND session_id = $2`, businessID, sessionID))
	return sess, notFound(err, "session %s", sessionID)
}

func (s *Store) scanSession(row pgx.Row) (models.SmsSession, error) {
	var body []byte
	if err := row.Scan(&body); err != nil {
		return models.SmsSession{}, err
	}
	var sess models.SmsSession
	if err := json.Unmarshal(body, &sess); err != nil {
		return models.SmsSession{}, fmt.Errorf("decode session: %w", err)
	}
	return sess, nil
}

func (s *Store) EventExists(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sms_events WHERE event_id = $1)`, eventID).Scan(&exists)
	return exists, err
}

// SaveTurn persists a processed message in one transaction. A duplicate
// event id means another delivery of the same message won the race; it is
// reported as a conflict and nothing is written.
func (s *Store) SaveTurn(ctx context.Context, t Turn) error {
	body, err := json.Marshal(t.Session)
	if err != nil {
		return err
	}
	err = s.WithTx(ctx, func(tx pgx.Tx) error {
		sess := t.Session
		if _, err := tx.Exec(ctx, `
			INSERT INTO sms_sessions (session_id, business_id, from_phone, state, status, body, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			ON CONFLICT (session_id) DO UPDATE SET
				state = EXCLUDED.state,
				status = EXCLUDED.status,
				body = EXCLUDED.body,
				updated_at = EXCLUDED.updated_at
		`, sess.SessionID, sess.BusinessID, sess.FromPhone, sess.State, sess.Status, body, sess.CreatedAt, sess.UpdatedAt); err != nil {
			return err
		}
		for _, e := range t.Events {
			var payload []byte
			if len(e.ProviderPayload) > 0 {
				payload = e.ProviderPayload
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO sms_events (event_id, session_id, business_id, direction, text, provider_message_id, provider_payload, state_before, state_after, created_at)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			`, e.EventID, e.SessionID, e.BusinessID, e.Direction, e.Text, e.ProviderMessageID, payload, e.StateBefore, e.StateAfter, e.CreatedAt); err != nil {
				return err
			}
		}
		for _, tk := range t.Tickets {
			if _, err := tx.Exec(ctx, `
				INSERT INTO handoff_tickets (ticket_id, business_id, session_id, status, priority, reason_codes, summary, assignee_user_id, created_at, updated_at)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			`, tk.TicketID, tk.BusinessID, tk.SessionID, tk.Status, tk.Priority, tk.ReasonCodes, tk.Summary, tk.AssigneeUserID, tk.CreatedAt, tk.UpdatedAt); err != nil {
				return err
			}
		}
		for _, tok := range t.Tokens {
			if _, err := tx.Exec(ctx, `
				INSERT INTO callback_tokens (token, business_id, session_id, phone, expires_at, created_at)
				VALUES ($1,$2,$3,$4,$5,$6)
			`, tok.Token, tok.BusinessID, tok.SessionID, tok.Phone, tok.ExpiresAt, tok.CreatedAt); err != nil {
				return err
			}
		}
		if t.JobRequest != nil {
			return insertJobRequest(ctx, tx, *t.JobRequest)
		}
		return nil
	})
	if isUniqueViolation(err) {
		return apperr.Conflict("message already processed")
	}
	return err
}

func (s *Store) ListEvents(ctx context.Context, businessID, sessionID string) ([]models.SmsEvent, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT event_id, session_id, business_id, direction, text, provider_message_id, provider_payload, state_before, state_after, created_at
		FROM sms_events
		WHERE business_id = $1 AND session_id = $2
		ORDER BY created_at ASC, seq ASC
	`, businessID, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.SmsEvent{}
	for rows.Next() {
		var (
			e       models.SmsEvent
			payload []byte
		)
		if err := rows.Scan(&e.EventID, &e.SessionID, &e.BusinessID, &e.Direction, &e.Text, &e.ProviderMessageID, &payload, &e.StateBefore, &e.StateAfter, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			e.ProviderPayload = payload
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const ticketColumns = `ticket_id, business_id, session_id, status, priority, reason_codes, summary, assignee_user_id, created_at, updated_at`

func scanTicket(row pgx.Row) (models.HandoffTicket, error) {
	var t models.HandoffTicket
	err := row.Scan(&t.TicketID, &t.BusinessID, &t.SessionID, &t.Status, &t.Priority, &t.ReasonCodes, &t.Summary, &t.AssigneeUserID, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func (s *Store) ListHandoffTickets(ctx context.Context, businessID string, status models.TicketStatus) ([]models.HandoffTicket, error) {
	query := `SELECT ` + ticketColumns + ` FROM handoff_tickets`
	args := []any{businessID}
	wheres := []string{"business_id = $1"}
	if status != "" {
		args = append(args, status)
		wheres = append(wheres, fmt.Sprintf("status = $%d", len(args)))
	}
	query += " WHERE " + strings.Join(wheres, " AND ") + " ORDER BY created_at DESC, ticket_id ASC"

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.HandoffTicket{}
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) UpdateHandoffTicket(ctx context.Context, businessID, ticketID string, upd TicketUpdate) (models.HandoffTicket, error) {
	sets := []string{"updated_at = $3"}
	args := []any{ticketID, businessID, upd.At}
	if upd.Status != nil {
		args = append(args, *upd.Status)
		sets = append(sets, fmt.Sprintf("status = $%d", len(args)))
	}
	if upd.AssigneeUserID != nil {
		args = append(args, *upd.AssigneeUserID)
		sets = append(sets, fmt.Sprintf("assignee_user_id = $%d", len(args)))
	}
	t, err := scanTicket(s.Pool.QueryRow(ctx, `
		UPDATE handoff_tickets SET `+strings.Join(sets, ", ")+`
		WHERE ticket_id = $1 AND business_id = $2
		RETURNING `+ticketColumns, args...))
	return t, notFound(err, "handoff ticket %s", ticketID)
}
