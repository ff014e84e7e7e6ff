package models

import (
	"encoding/json"
	"time"
)

type SessionState string

const (
	StateIntent     SessionState = "INTENT"
	StateCollecting SessionState = "COLLECTING"
	StateQuoteReady SessionState = "QUOTE_READY"
	StateScheduling SessionState = "SCHEDULING"
	StateBooked     SessionState = "BOOKED"
	StateHandoff    SessionState = "HANDOFF"
)

// IsTerminal reports whether no further automated transitions leave s.
func (s SessionState) IsTerminal() bool {
	return s == StateBooked || s == StateHandoff
}

type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionHandoff   SessionStatus = "handoff"
)

type SmsSession struct {
	SessionID         string             `json:"session_id"`
	AccountID         string             `json:"account_id"`
	BusinessID        string             `json:"business_id"`
	FromPhone         string             `json:"from_phone"`
	ToPhone           string             `json:"to_phone"`
	Status            SessionStatus      `json:"status"`
	ServiceTemplateID string             `json:"service_template_id"`
	State             SessionState       `json:"state"`
	CurrentField      string             `json:"current_field,omitempty"`
	AttemptCounters   map[string]int     `json:"attempt_counters"`
	Confidence        map[string]float64 `json:"confidence"`
	Collected         map[string]string  `json:"collected"`
	Derived           Derived            `json:"derived"`
	Quote             *Quote             `json:"quote,omitempty"`
	Scheduling        *Scheduling        `json:"scheduling,omitempty"`
	Handoff           *HandoffInfo       `json:"handoff,omitempty"`
	Audit             SessionAudit       `json:"audit"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

type Derived struct {
	AddressLine       string  `json:"address_line,omitempty"`
	LotSqft           int     `json:"lot_sqft,omitempty"`
	Lat               float64 `json:"lat,omitempty"`
	Lng               float64 `json:"lng,omitempty"`
	GeocodeConfidence float64 `json:"geocode_confidence,omitempty"`
}

type Quote struct {
	Service   string    `json:"service"`
	Frequency string    `json:"frequency"`
	LotSqft   int       `json:"lot_sqft"`
	PriceLow  float64   `json:"price_low"`
	PriceHigh float64   `json:"price_high"`
	Currency  string    `json:"currency"`
	PerVisit  bool      `json:"per_visit"`
	QuotedAt  time.Time `json:"quoted_at"`
}

type Slot struct {
	Date        string `json:"date"`
	StartMinute int    `json:"start_minute"`
	Label       string `json:"label"`
}

type Scheduling struct {
	ProposedSlots []Slot     `json:"proposed_slots"`
	Selected      *Slot      `json:"selected,omitempty"`
	BookedAt      *time.Time `json:"booked_at,omitempty"`
	JobRequestID  string     `json:"job_request_id,omitempty"`
}

type HandoffInfo struct {
	ReasonCodes []string  `json:"reason_codes"`
	TicketID    string    `json:"ticket_id"`
	At          time.Time `json:"at"`
}

type AuditEntry struct {
	EventID string       `json:"event_id"`
	From    SessionState `json:"from"`
	To      SessionState `json:"to"`
	Field   string       `json:"field,omitempty"`
	Note    string       `json:"note,omitempty"`
	At      time.Time    `json:"at"`
}

type SessionAudit struct {
	LastEventID  string       `json:"last_event_id,omitempty"`
	InboundCount int          `json:"inbound_count"`
	Transitions  []AuditEntry `json:"transitions,omitempty"`
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type SmsEvent struct {
	EventID           string          `json:"event_id"`
	SessionID         string          `json:"session_id"`
	BusinessID        string          `json:"business_id"`
	Direction         Direction       `json:"direction"`
	Text              string          `json:"text"`
	ProviderMessageID string          `json:"provider_message_id,omitempty"`
	ProviderPayload   json.RawMessage `json:"provider_payload,omitempty"`
	StateBefore       SessionState    `json:"state_before"`
	StateAfter        SessionState    `json:"state_after"`
	CreatedAt         time.Time       `json:"created_at"`
}

type TicketStatus string

const (
	TicketOpen     TicketStatus = "open"
	TicketAssigned TicketStatus = "assigned"
	TicketClosed   TicketStatus = "closed"
)

type TicketPriority string

const (
	PriorityLow    TicketPriority = "low"
	PriorityNormal TicketPriority = "normal"
	PriorityHigh   TicketPriority = "high"
)

type HandoffTicket struct {
	TicketID       string         `json:"ticket_id"`
	BusinessID     string         `json:"business_id"`
	SessionID      string         `json:"session_id"`
	Status         TicketStatus   `json:"status"`
	Priority       TicketPriority `json:"priority"`
	ReasonCodes    []string       `json:"reason_codes"`
	Summary        string         `json:"summary"`
	AssigneeUserID *string        `json:"assignee_user_id"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

type CallbackToken struct {
	Token      string    `json:"token"`
	BusinessID string    `json:"business_id"`
	SessionID  string    `json:"session_id"`
	Phone      string    `json:"phone"`
	ExpiresAt  time.Time `json:"expires_at"`
	CreatedAt  time.Time `json:"created_at"`
}

type Business struct {
	ID                 string `json:"id"`
	AccountID          string `json:"account_id"`
	Name               string `json:"name"`
	ServiceTemplateID  string `json:"service_template_id"`
	ClickToCallEnabled bool   `json:"click_to_call_enabled"`
	JobberAccountID    string `json:"jobber_account_id,omitempty"`
}

type Role string

const (
	RoleOwner      Role = "owner"
	RoleAdmin      Role = "admin"
	RoleDispatcher Role = "dispatcher"
	RoleCrewLead   Role = "crew_lead"
	RoleStaff      Role = "staff"
)

type User struct {
	ID         string `json:"id"`
	BusinessID string `json:"business_id"`
	Name       string `json:"name"`
	Role       Role   `json:"role"`
}

type OAuthState struct {
	State      string    `json:"state"`
	BusinessID string    `json:"business_id"`
	UserID     string    `json:"user_id"`
	Provider   string    `json:"provider"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}
