package db

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/turfline/backend/internal/apperr"
	"github.com/turfline/backend/internal/models"
)

// MemoryStore implements the same operations as Store in process memory. It
// backs local runs without DATABASE_URL and the service tests. Sessions are
// kept as JSON so callers never share maps with the store.
type MemoryStore struct {
	mu          sync.Mutex
	businesses  map[string]models.Business
	phones      map[string]string
	users       map[string]models.User
	sessions    map[string][]byte
	sessionKeys map[string]string
	events      []models.SmsEvent
	eventIDs    map[string]struct{}
	tickets     map[string]models.HandoffTicket
	tokens      map[string]models.CallbackToken
	crews       map[string]models.Crew
	visits      []models.ScheduledVisit
	jobs        map[string]models.JobRequest
	runs        map[string]models.SimulationRun
	candidates  map[string]models.SimulationCandidate
	decisions   map[string]models.Decision
	writebacks  map[string]models.WritebackRequest
	oauth       map[string]models.OAuthState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		businesses:  map[string]models.Business{},
		phones:      map[string]string{},
		users:       map[string]models.User{},
		sessions:    map[string][]byte{},
		sessionKeys: map[string]string{},
		eventIDs:    map[string]struct{}{},
		tickets:     map[string]models.HandoffTicket{},
		tokens:      map[string]models.CallbackToken{},
		crews:       map[string]models.Crew{},
		jobs:        map[string]models.JobRequest{},
		runs:        map[string]models.SimulationRun{},
		candidates:  map[string]models.SimulationCandidate{},
		decisions:   map[string]models.Decision{},
		writebacks:  map[string]models.WritebackRequest{},
		oauth:       map[string]models.OAuthState{},
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() {}

func (m *MemoryStore) UpsertBusiness(ctx context.Context, b models.Business, phones []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.businesses[b.ID] = b
	for _, p := range phones {
		m.phones[p] = b.ID
	}
	return nil
}

func (m *MemoryStore) ResolveBusinessByPhone(ctx context.Context, phone string) (models.Business, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.phones[phone]
	if !ok {
		return models.Business{}, apperr.ErrNoTenant
	}
	return m.businesses[id], nil
}

func (m *MemoryStore) GetBusiness(ctx context.Context, id string) (models.Business, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.businesses[id]
	if !ok {
		return models.Business{}, apperr.NotFound("business %s", id)
	}
	return b, nil
}

func (m *MemoryStore) UpsertUser(ctx context.Context, u models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	return nil
}

func (m *MemoryStore) GetUser(ctx context.Context, businessID, userID string) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok || u.BusinessID != businessID {
		return models.User{}, apperr.NotFound("user %s", userID)
	}
	return u, nil
}

func (m *MemoryStore) SaveOAuthState(ctx context.Context, st models.OAuthState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.oauth[st.State] = st
	return nil
}

func (m *MemoryStore) ConsumeOAuthState(ctx context.Context, state string, now time.Time) (models.OAuthState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, st := range m.oauth {
		if !st.ExpiresAt.After(now) {
			delete(m.oauth, k)
		}
	}
	st, ok := m.oauth[state]
	if !ok {
		return models.OAuthState{}, apperr.NotFound("oauth state")
	}
	delete(m.oauth, state)
	return st, nil
}

func sessionKey(businessID, phone string) string {
	return businessID + "|" + phone
}

func (m *MemoryStore) decodeSession(id string) (models.SmsSession, bool, error) {
	body, ok := m.sessions[id]
	if !ok {
		return models.SmsSession{}, false, nil
	}
	var s models.SmsSession
	if err := json.Unmarshal(body, &s); err != nil {
		return models.SmsSession{}, false, err
	}
	return s, true, nil
}

func (m *MemoryStore) GetSessionByPhone(ctx context.Context, businessID, phone string) (*models.SmsSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.sessionKeys[sessionKey(businessID, phone)]
	if !ok {
		return nil, nil
	}
	s, _, err := m.decodeSession(id)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (m *MemoryStore) GetSession(ctx context.Context, businessID, sessionID string) (models.SmsSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok, err := m.decodeSession(sessionID)
	if err != nil {
		return models.SmsSession{}, err
	}
	if !ok || s.BusinessID != businessID {
		return models.SmsSession{}, apperr.NotFound("session %s", sessionID)
	}
	return s, nil
}

func (m *MemoryStore) EventExists(ctx context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.eventIDs[eventID]
	return ok, nil
}

func (m *MemoryStore) SaveTurn(ctx context.Context, t Turn) error {
	body, err := json.Marshal(t.Session)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range t.Events {
		if _, dup := m.eventIDs[e.EventID]; dup {
			return apperr.Conflict("message already processed")
		}
	}
	if t.JobRequest != nil {
		if _, dup := m.jobs[t.JobRequest.ID]; dup {
			return apperr.Conflict("job request %s already exists", t.JobRequest.ID)
		}
	}

	m.sessions[t.Session.SessionID] = body
	m.sessionKeys[sessionKey(t.Session.BusinessID, t.Session.FromPhone)] = t.Session.SessionID
	for _, e := range t.Events {
		m.eventIDs[e.EventID] = struct{}{}
		m.events = append(m.events, e)
	}
	for _, tk := range t.Tickets {
		m.tickets[tk.TicketID] = tk
	}
	for _, tok := range t.Tokens {
		m.tokens[tok.Token] = tok
	}
	if t.JobRequest != nil {
		m.jobs[t.JobRequest.ID] = *t.JobRequest
	}
	return nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, businessID, sessionID string) ([]models.SmsEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.SmsEvent{}
	for _, e := range m.events {
		if e.BusinessID == businessID && e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListHandoffTickets(ctx context.Context, businessID string, status models.TicketStatus) ([]models.HandoffTicket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.HandoffTicket{}
	for _, t := range m.tickets {
		if t.BusinessID == businessID && (status == "" || t.Status == status) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].TicketID < out[j].TicketID
	})
	return out, nil
}

func (m *MemoryStore) UpdateHandoffTicket(ctx context.Context, businessID, ticketID string, upd TicketUpdate) (models.HandoffTicket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[ticketID]
	if !ok || t.BusinessID != businessID {
		return models.HandoffTicket{}, apperr.NotFound("handoff ticket %s", ticketID)
	}
	if upd.Status != nil {
		t.Status = *upd.Status
	}
	if upd.AssigneeUserID != nil {
		a := *upd.AssigneeUserID
		t.AssigneeUserID = &a
	}
	t.UpdatedAt = upd.At
	m.tickets[ticketID] = t
	return t, nil
}

// Tokens returns the callback tokens issued for a session.
func (m *MemoryStore) Tokens(sessionID string) []models.CallbackToken {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.CallbackToken
	for _, t := range m.tokens {
		if t.SessionID == sessionID {
			out = append(out, t)
		}
	}
	return out
}

func (m *MemoryStore) UpsertCrew(ctx context.Context, c models.Crew) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.crews[c.ID]; ok && prev.BusinessID != c.BusinessID {
		return apperr.Conflict("crew %s belongs to another business", c.ID)
	}
	m.crews[c.ID] = c
	return nil
}

func (m *MemoryStore) ListCrews(ctx context.Context, businessID string) ([]models.Crew, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Crew{}
	for _, c := range m.crews {
		if c.BusinessID == businessID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) AddScheduledVisit(ctx context.Context, v models.ScheduledVisit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.visits = append(m.visits, v)
	return nil
}

func (m *MemoryStore) ListScheduledVisits(ctx context.Context, crewID, from, to string) ([]models.ScheduledVisit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.ScheduledVisit{}
	for _, v := range m.visits {
		if v.CrewID == crewID && v.Date >= from && v.Date < to {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		if out[i].StartMinute != out[j].StartMinute {
			return out[i].StartMinute < out[j].StartMinute
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) CreateJobRequest(ctx context.Context, j models.JobRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.jobs[j.ID]; dup {
		return apperr.Conflict("job request %s already exists", j.ID)
	}
	m.jobs[j.ID] = j
	return nil
}

func (m *MemoryStore) GetJobRequest(ctx context.Context, businessID, id string) (models.JobRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.BusinessID != businessID {
		return models.JobRequest{}, apperr.NotFound("job request %s", id)
	}
	return j, nil
}

// advanceJob mirrors the SQL compare-and-set. Callers hold m.mu.
func (m *MemoryStore) advanceJob(businessID, jobID string, to models.JobStatus, at time.Time, from ...models.JobStatus) error {
	j, ok := m.jobs[jobID]
	if !ok || j.BusinessID != businessID {
		return apperr.NotFound("job request %s", jobID)
	}
	for _, f := range from {
		if j.Status == f {
			j.Status = to
			j.UpdatedAt = at
			m.jobs[jobID] = j
			return nil
		}
	}
	return apperr.Conflict("job request %s cannot move to %s", jobID, to)
}

func (m *MemoryStore) SaveSimulation(ctx context.Context, run models.SimulationRun, cands []models.SimulationCandidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.advanceJob(run.BusinessID, run.JobRequestID, models.JobSimulated, run.CreatedAt,
		models.JobNew, models.JobSimulated, models.JobNeedsResimulation); err != nil {
		return err
	}
	j := m.jobs[run.JobRequestID]
	j.LatestRunID = run.ID
	m.jobs[run.JobRequestID] = j
	m.runs[run.ID] = run
	for _, c := range cands {
		m.candidates[c.ID] = c
	}
	return nil
}

func (m *MemoryStore) GetCandidate(ctx context.Context, businessID, id string) (models.SimulationCandidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.candidates[id]
	if !ok || c.BusinessID != businessID {
		return models.SimulationCandidate{}, apperr.NotFound("simulation candidate %s", id)
	}
	return c, nil
}

func (m *MemoryStore) InsertDecision(ctx context.Context, d models.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.decisions[d.ID]; dup {
		return apperr.Conflict("decision %s already exists", d.ID)
	}
	if err := m.advanceJob(d.BusinessID, d.JobRequestID, models.JobDecided, d.CreatedAt, models.JobSimulated); err != nil {
		return err
	}
	m.decisions[d.ID] = d
	return nil
}

func (m *MemoryStore) GetDecision(ctx context.Context, businessID, id string) (models.Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decisions[id]
	if !ok || d.BusinessID != businessID {
		return models.Decision{}, apperr.NotFound("decision %s", id)
	}
	return d, nil
}

func (m *MemoryStore) ResolveDecision(ctx context.Context, r DecisionResolution) (models.Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decisions[r.DecisionID]
	if !ok || d.BusinessID != r.BusinessID {
		return models.Decision{}, apperr.NotFound("decision %s", r.DecisionID)
	}
	if d.Status != models.DecisionPending {
		return models.Decision{}, apperr.Conflict("decision %s is already %s", r.DecisionID, d.Status)
	}
	user, at := r.UserID, r.At
	switch r.Status {
	case models.DecisionApproved:
		d.ApprovedByUserID, d.ApprovedAt = &user, &at
	case models.DecisionRejected:
		d.RejectedByUserID, d.RejectedAt = &user, &at
		d.RejectReason = r.RejectReason
	default:
		return models.Decision{}, apperr.Invalid("cannot resolve decision to %s", r.Status)
	}
	if err := m.advanceJob(d.BusinessID, d.JobRequestID, r.JobStatus, r.At, models.JobDecided); err != nil {
		return models.Decision{}, err
	}
	d.Status = r.Status
	m.decisions[d.ID] = d
	if r.Visit != nil {
		m.visits = append(m.visits, *r.Visit)
	}
	if r.Writeback != nil {
		m.writebacks[r.Writeback.ID] = *r.Writeback
	}
	return d, nil
}

func (m *MemoryStore) MarkWritebackSent(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.writebacks[id]
	if !ok {
		return apperr.NotFound("writeback %s", id)
	}
	w.Status = WritebackSent
	m.writebacks[id] = w
	return nil
}

// Writebacks returns every queued writeback, oldest first.
func (m *MemoryStore) Writebacks() []models.WritebackRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.WritebackRequest, 0, len(m.writebacks))
	for _, w := range m.writebacks {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
