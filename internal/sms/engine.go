// Package sms runs the inbound SMS intake conversation: a per-session state
// machine that collects the fields a service template asks for, quotes,
// proposes times, and hands off to a person when automation stops helping.
//
// Engine.HandleInbound is a pure function of (prior session, message): every
// id and timestamp it produces is derived from its inputs, so replaying a
// message against the same prior session yields identical output.
package sms

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/turfline/backend/internal/apperr"
	"github.com/turfline/backend/internal/geocode"
	"github.com/turfline/backend/internal/models"
	"github.com/turfline/backend/internal/nlu"
	"github.com/turfline/backend/internal/utils"
)

const (
	ReasonExplicitRequest       = "explicit_request"
	ReasonRepeatedFailurePrefix = "repeated_failure:"
	ReasonLowConfidenceAddress  = "low_confidence_address"
	ReasonQuoteDeclined         = "quote_declined"

	DefaultHandoffCeiling = 2
	humanRequestThreshold = 0.8
	maxAuditTransitions   = 50
)

var idNamespace = uuid.MustParse("3b4f6a2e-8c1d-5e7f-9a0b-1c2d3e4f5a6b")

type ActionType string

const (
	ActionCreateHandoffTicket      ActionType = "create_handoff_ticket"
	ActionGenerateClickToCallToken ActionType = "generate_click_to_call_token"
)

type Action struct {
	Type   ActionType            `json:"type"`
	Ticket *models.HandoffTicket `json:"ticket,omitempty"`
	Token  *models.CallbackToken `json:"token,omitempty"`
}

type InboundMessage struct {
	AccountID         string          `json:"account_id"`
	BusinessID        string          `json:"business_id"`
	FromPhone         string          `json:"from_phone"`
	ToPhone           string          `json:"to_phone"`
	Text              string          `json:"text"`
	ProviderMessageID string          `json:"provider_message_id,omitempty"`
	ProviderPayload   json.RawMessage `json:"provider_payload,omitempty"`
	ReceivedAt        time.Time       `json:"received_at"`
}

type BusinessContext struct {
	Name               string
	ServiceTemplateID  string
	ClickToCallEnabled bool
}

type OutboundMessage struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

type Transition struct {
	From      models.SessionState `json:"from"`
	To        models.SessionState `json:"to"`
	FromField string              `json:"from_field,omitempty"`
	ToField   string              `json:"to_field,omitempty"`
	Reason    string              `json:"reason,omitempty"`
}

// Changed reports whether the session moved to a new node.
func (t Transition) Changed() bool {
	return t.From != t.To || t.FromField != t.ToField
}

type Result struct {
	Session          models.SmsSession `json:"session"`
	Events           []models.SmsEvent `json:"events"`
	OutboundMessages []OutboundMessage `json:"outbound_messages"`
	Transition       Transition        `json:"transition"`
	Actions          []Action          `json:"actions"`
}

type Options struct {
	HandoffCeiling int
	ClickToCallTTL time.Duration
}

type Engine struct {
	templates      *TemplateSet
	extractor      nlu.Extractor
	geocoder       geocode.Geocoder
	ceiling        int
	clickToCallTTL time.Duration
}

func NewEngine(templates *TemplateSet, extractor nlu.Extractor, geocoder geocode.Geocoder, opts Options) *Engine {
	if opts.HandoffCeiling <= 0 {
		opts.HandoffCeiling = DefaultHandoffCeiling
	}
	if opts.ClickToCallTTL <= 0 {
		opts.ClickToCallTTL = 30 * time.Minute
	}
	return &Engine{
		templates:      templates,
		extractor:      extractor,
		geocoder:       geocoder,
		ceiling:        opts.HandoffCeiling,
		clickToCallTTL: opts.ClickToCallTTL,
	}
}

// SessionIDFor derives the session id for a customer phone within a business.
func SessionIDFor(businessID, phone string) string {
	return uuid.NewSHA1(idNamespace, []byte("session|"+businessID+"|"+phone)).String()
}

// EventIDFor derives the idempotency key for a provider message.
func EventIDFor(providerMessageID string) string {
	return "provider_sms_" + providerMessageID
}

// HandleInbound applies one inbound message to prior (nil for a new
// conversation). prior is never modified. Malformed input is rejected with
// apperr.ErrInvalidInput; extraction problems are handled by reprompting.
func (e *Engine) HandleInbound(ctx context.Context, in InboundMessage, prior *models.SmsSession, biz BusinessContext) (Result, error) {
	in.FromPhone = strings.TrimSpace(in.FromPhone)
	text := strings.TrimSpace(in.Text)
	if in.FromPhone == "" {
		return Result{}, apperr.Invalid("fromPhone is required")
	}
	if text == "" {
		return Result{}, apperr.Invalid("text is required")
	}
	if in.ReceivedAt.IsZero() {
		return Result{}, apperr.Invalid("receivedAt is required")
	}

	var s models.SmsSession
	if prior != nil {
		s = cloneSession(*prior)
	} else {
		s = newSession(in, biz)
	}
	tpl, ok := e.templates.Get(s.ServiceTemplateID)
	if !ok {
		return Result{}, fmt.Errorf("unknown service template %q", s.ServiceTemplateID)
	}

	eventID := e.eventID(in, s, text)
	before, beforeField := s.State, s.CurrentField
	s.Audit.InboundCount++
	s.Audit.LastEventID = eventID
	s.UpdatedAt = in.ReceivedAt

	t := &turn{
		engine:  e,
		s:       &s,
		tpl:     tpl,
		in:      in,
		text:    text,
		biz:     biz,
		eventID: eventID,
	}
	if err := t.run(ctx); err != nil {
		return Result{}, err
	}
	if !canTransition(before, s.State) {
		return Result{}, fmt.Errorf("illegal session transition %s -> %s", before, s.State)
	}

	tr := Transition{From: before, To: s.State, FromField: beforeField, ToField: s.CurrentField, Reason: t.reason}
	if tr.Changed() || t.reason != "" {
		s.Audit.Transitions = append(s.Audit.Transitions, models.AuditEntry{
			EventID: eventID,
			From:    before,
			To:      s.State,
			Field:   s.CurrentField,
			Note:    t.reason,
			At:      in.ReceivedAt,
		})
		if n := len(s.Audit.Transitions); n > maxAuditTransitions {
			s.Audit.Transitions = s.Audit.Transitions[n-maxAuditTransitions:]
		}
	}

	events := make([]models.SmsEvent, 0, 1+len(t.out))
	events = append(events, models.SmsEvent{
		EventID:           eventID,
		SessionID:         s.SessionID,
		BusinessID:        s.BusinessID,
		Direction:         models.DirectionInbound,
		Text:              in.Text,
		ProviderMessageID: in.ProviderMessageID,
		ProviderPayload:   in.ProviderPayload,
		StateBefore:       before,
		StateAfter:        s.State,
		CreatedAt:         in.ReceivedAt,
	})
	for i, m := range t.out {
		events = append(events, models.SmsEvent{
			EventID:     fmt.Sprintf("%s:out:%d", eventID, i+1),
			SessionID:   s.SessionID,
			BusinessID:  s.BusinessID,
			Direction:   models.DirectionOutbound,
			Text:        m.Text,
			StateBefore: s.State,
			StateAfter:  s.State,
			CreatedAt:   in.ReceivedAt,
		})
	}

	return Result{
		Session:          s,
		Events:           events,
		OutboundMessages: t.out,
		Transition:       tr,
		Actions:          t.actions,
	}, nil
}

func (e *Engine) eventID(in InboundMessage, s models.SmsSession, text string) string {
	if id := strings.TrimSpace(in.ProviderMessageID); id != "" {
		return EventIDFor(id)
	}
	seq := strconv.Itoa(s.Audit.InboundCount + 1)
	return "sms_" + uuid.NewSHA1(idNamespace, []byte(s.SessionID+"|"+seq+"|"+text)).String()
}

var allowedTransitions = map[models.SessionState][]models.SessionState{
	models.StateIntent:     {models.StateCollecting, models.StateQuoteReady, models.StateHandoff},
	models.StateCollecting: {models.StateQuoteReady, models.StateHandoff},
	models.StateQuoteReady: {models.StateScheduling, models.StateHandoff},
	models.StateScheduling: {models.StateBooked, models.StateHandoff},
}

// canTransition reports whether from -> to is an edge of the intake graph.
// Staying in place is always allowed.
func canTransition(from, to models.SessionState) bool {
	if from == to {
		return true
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type turn struct {
	engine  *Engine
	s       *models.SmsSession
	tpl     Template
	in      InboundMessage
	text    string
	biz     BusinessContext
	eventID string
	greet   bool

	out     []OutboundMessage
	actions []Action
	reason  string
}

func (t *turn) run(ctx context.Context) error {
	switch {
	case t.s.State == models.StateHandoff:
		// a person owns the conversation now
		return nil
	case t.s.State == models.StateBooked:
		t.replyBooked()
		return nil
	case t.wantsHuman(ctx):
		t.handoff(ReasonExplicitRequest)
		return nil
	}

	switch t.s.State {
	case models.StateIntent:
		t.greet = true
		t.captureAll(ctx, "")
		return t.advance(ctx)
	case models.StateCollecting:
		return t.collect(ctx)
	case models.StateQuoteReady:
		return t.quoteReply(ctx)
	case models.StateScheduling:
		return t.slotReply(ctx)
	default:
		return fmt.Errorf("unknown session state %q", t.s.State)
	}
}

func (t *turn) extract(ctx context.Context, field string, options []string) nlu.Extraction {
	collected := make(map[string]string, len(t.s.Collected))
	for k, v := range t.s.Collected {
		collected[k] = v
	}
	return t.engine.extractor.Extract(ctx, field, t.text, nlu.ExtractContext{
		TemplateID: t.tpl.ID,
		Options:    options,
		Collected:  collected,
	})
}

func (t *turn) wantsHuman(ctx context.Context) bool {
	ex := t.extract(ctx, nlu.FieldHumanRequest, nil)
	return ex.Value == "yes" && ex.Confidence >= humanRequestThreshold
}

// acceptable checks the threshold and that the value is one the template can price.
func (t *turn) acceptable(field string, ex nlu.Extraction) bool {
	if !ex.Found(t.tpl.Threshold(field)) {
		return false
	}
	switch field {
	case nlu.FieldService:
		_, ok := t.tpl.Services[ex.Value]
		return ok
	case nlu.FieldFrequency:
		if len(t.tpl.FrequencyAdjustments) == 0 {
			return true
		}
		_, ok := t.tpl.FrequencyAdjustments[ex.Value]
		return ok
	case nlu.FieldPropertySize:
		return nlu.ParseLotSqft(ex.Value) > 0
	}
	return true
}

func (t *turn) record(field string, ex nlu.Extraction) {
	t.s.Collected[field] = ex.Value
	t.s.Confidence[field] = utils.Round(ex.Confidence, 4)
	if _, ok := t.s.AttemptCounters[field]; ok {
		t.s.AttemptCounters[field] = 0
	}
	switch field {
	case nlu.FieldAddress:
		t.s.Derived.AddressLine = ex.Value
	case nlu.FieldPropertySize:
		t.s.Derived.LotSqft = nlu.ParseLotSqft(ex.Value)
	}
}

// captureAll records any not-yet-collected template field the message
// answers with enough confidence, except skip.
func (t *turn) captureAll(ctx context.Context, skip string) {
	fields := make([]string, 0, len(t.tpl.Required)+len(t.tpl.Capture))
	fields = append(fields, t.tpl.Required...)
	fields = append(fields, t.tpl.Capture...)
	for _, f := range fields {
		if f == skip {
			continue
		}
		if _, ok := t.s.Collected[f]; ok {
			continue
		}
		if ex := t.extract(ctx, f, nil); t.acceptable(f, ex) {
			t.record(f, ex)
		}
	}
}

func (t *turn) collect(ctx context.Context) error {
	f := t.s.CurrentField
	ex := t.extract(ctx, f, nil)
	if !t.acceptable(f, ex) {
		t.fail(f)
		return nil
	}
	t.record(f, ex)
	t.captureAll(ctx, f)
	return t.advance(ctx)
}

// fail counts a missed answer for field and either reprompts or hands off
// once the count passes the ceiling.
func (t *turn) fail(field string) {
	t.s.AttemptCounters[field]++
	if t.s.AttemptCounters[field] > t.engine.ceiling {
		t.handoff(ReasonRepeatedFailurePrefix + field)
		return
	}
	t.reason = "reprompt:" + field
	t.reply(t.tpl.Clarify(field))
}

func (t *turn) advance(ctx context.Context) error {
	for _, f := range t.tpl.Required {
		if _, ok := t.s.Collected[f]; ok {
			continue
		}
		t.s.State = models.StateCollecting
		t.s.CurrentField = f
		if _, ok := t.s.AttemptCounters[f]; !ok {
			t.s.AttemptCounters[f] = 0
		}
		msg := t.tpl.Prompt(f)
		if t.greet {
			msg = t.greeting() + " " + msg
		}
		t.reply(msg)
		return nil
	}
	return t.enterQuote(ctx)
}

func (t *turn) enterQuote(ctx context.Context) error {
	res, err := t.engine.geocoder.Geocode(ctx, geocode.BuildGeocodeQuery(t.s.Collected[nlu.FieldAddress], "", ""))
	if err != nil || res.Confidence < t.tpl.GeocodeMinConfidence {
		t.s.Derived.GeocodeConfidence = utils.Round(res.Confidence, 4)
		t.handoff(ReasonLowConfidenceAddress)
		return nil
	}
	t.s.Derived.Lat = res.Lat
	t.s.Derived.Lng = res.Lng
	t.s.Derived.GeocodeConfidence = utils.Round(res.Confidence, 4)
	if t.s.Derived.LotSqft <= 0 {
		t.s.Derived.LotSqft = t.tpl.DefaultLotSqft
	}

	q, err := buildQuote(t.tpl, t.s.Collected, t.s.Derived.LotSqft, t.in.ReceivedAt)
	if err != nil {
		return err
	}
	t.s.Quote = q
	t.s.State = models.StateQuoteReady
	t.s.CurrentField = ""
	if _, ok := t.s.AttemptCounters[nlu.FieldQuoteAcceptance]; !ok {
		t.s.AttemptCounters[nlu.FieldQuoteAcceptance] = 0
	}
	t.reason = "quoted"

	per := "per visit"
	if !q.PerVisit {
		per = "for the visit"
	}
	msg := fmt.Sprintf("For %s %s at %s we estimate %s-%s %s. Reply YES to pick a time or NO if it's not a fit.",
		frequencyLabel(q.Frequency), q.Service, t.s.Derived.AddressLine, money(q.PriceLow), money(q.PriceHigh), per)
	if t.greet {
		msg = t.greeting() + " " + msg
	}
	t.reply(msg)
	return nil
}

func (t *turn) quoteReply(ctx context.Context) error {
	f := nlu.FieldQuoteAcceptance
	ex := t.extract(ctx, f, nil)
	if !t.acceptable(f, ex) || (ex.Value != "yes" && ex.Value != "no") {
		t.fail(f)
		return nil
	}
	t.record(f, ex)
	if ex.Value == "no" {
		t.handoff(ReasonQuoteDeclined)
		return nil
	}
	t.enterScheduling()
	return nil
}

func (t *turn) enterScheduling() {
	slots := proposeSlots(t.tpl, t.in.ReceivedAt)
	t.s.Scheduling = &models.Scheduling{ProposedSlots: slots}
	t.s.State = models.StateScheduling
	t.s.CurrentField = ""
	if _, ok := t.s.AttemptCounters[nlu.FieldSlotChoice]; !ok {
		t.s.AttemptCounters[nlu.FieldSlotChoice] = 0
	}
	t.reason = "quote_accepted"

	var b strings.Builder
	b.WriteString("Great! Here are our next openings:")
	for i, sl := range slots {
		fmt.Fprintf(&b, "\n%d) %s", i+1, sl.Label)
	}
	b.WriteString("\nReply with the number that works best.")
	t.reply(b.String())
}

func (t *turn) slotReply(ctx context.Context) error {
	f := nlu.FieldSlotChoice
	if t.s.Scheduling == nil || len(t.s.Scheduling.ProposedSlots) == 0 {
		t.enterScheduling()
		return nil
	}
	slots := t.s.Scheduling.ProposedSlots
	labels := make([]string, len(slots))
	for i, sl := range slots {
		labels[i] = sl.Label
	}
	ex := t.extract(ctx, f, labels)
	idx, err := strconv.Atoi(ex.Value)
	if !t.acceptable(f, ex) || err != nil || idx < 1 || idx > len(slots) {
		t.fail(f)
		return nil
	}
	t.record(f, ex)
	selected := slots[idx-1]
	bookedAt := t.in.ReceivedAt
	t.s.Scheduling.Selected = &selected
	t.s.Scheduling.BookedAt = &bookedAt
	t.s.Scheduling.JobRequestID = uuid.NewSHA1(idNamespace, []byte("job|"+t.s.SessionID+"|"+t.eventID)).String()
	t.s.State = models.StateBooked
	t.s.Status = models.SessionCompleted
	t.reason = "booked"
	t.reply(fmt.Sprintf("You're booked for %s. We'll text a reminder the day before. Reply here if anything changes.", selected.Label))
	return nil
}

func (t *turn) replyBooked() {
	if t.s.Scheduling != nil && t.s.Scheduling.Selected != nil {
		t.reply(fmt.Sprintf("You're all set for %s. A team member will follow up if anything changes.", t.s.Scheduling.Selected.Label))
		return
	}
	t.reply("You're all set. A team member will follow up if anything changes.")
}

func (t *turn) handoff(reason string) {
	at := t.in.ReceivedAt
	ticketID := uuid.NewSHA1(idNamespace, []byte("ticket|"+t.s.SessionID+"|"+t.eventID)).String()
	reasons := []string{reason}

	t.s.State = models.StateHandoff
	t.s.Status = models.SessionHandoff
	t.s.CurrentField = ""
	t.s.Handoff = &models.HandoffInfo{ReasonCodes: reasons, TicketID: ticketID, At: at}
	t.reason = reason

	t.actions = append(t.actions, Action{
		Type: ActionCreateHandoffTicket,
		Ticket: &models.HandoffTicket{
			TicketID:    ticketID,
			BusinessID:  t.s.BusinessID,
			SessionID:   t.s.SessionID,
			Status:      models.TicketOpen,
			Priority:    priorityFor(reason),
			ReasonCodes: append([]string(nil), reasons...),
			Summary:     t.summary(reason),
			CreatedAt:   at,
			UpdatedAt:   at,
		},
	})

	msg := "Thanks for your patience. Someone from our team will follow up with you shortly."
	if t.biz.Name != "" {
		msg = fmt.Sprintf("Thanks for your patience. Someone from %s will follow up with you shortly.", t.biz.Name)
	}
	if t.biz.ClickToCallEnabled {
		t.actions = append(t.actions, Action{
			Type: ActionGenerateClickToCallToken,
			Token: &models.CallbackToken{
				Token:      uuid.NewSHA1(idNamespace, []byte("c2c|"+ticketID)).String(),
				BusinessID: t.s.BusinessID,
				SessionID:  t.s.SessionID,
				Phone:      t.s.FromPhone,
				ExpiresAt:  at.Add(t.engine.clickToCallTTL),
				CreatedAt:  at,
			},
		})
		msg += " We'll give you a call at this number."
	}
	t.reply(msg)
}

func (t *turn) summary(reason string) string {
	keys := make([]string, 0, len(t.s.Collected))
	for k := range t.s.Collected {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+t.s.Collected[k])
	}
	collected := "nothing yet"
	if len(parts) > 0 {
		collected = strings.Join(parts, ", ")
	}
	return fmt.Sprintf("Customer %s needs follow-up (%s). Collected: %s. Last message: %q", t.s.FromPhone, reason, collected, t.text)
}

func (t *turn) greeting() string {
	if t.biz.Name == "" {
		return "Thanks for reaching out!"
	}
	return fmt.Sprintf("Thanks for reaching out to %s!", t.biz.Name)
}

func (t *turn) reply(text string) {
	t.out = append(t.out, OutboundMessage{To: t.s.FromPhone, Text: text})
}

func priorityFor(reason string) models.TicketPriority {
	switch {
	case reason == ReasonExplicitRequest:
		return models.PriorityHigh
	case reason == ReasonQuoteDeclined:
		return models.PriorityLow
	default:
		return models.PriorityNormal
	}
}

func frequencyLabel(f string) string {
	switch f {
	case "biweekly":
		return "every-other-week"
	case "one_time":
		return "one-time"
	default:
		return f
	}
}

func newSession(in InboundMessage, biz BusinessContext) models.SmsSession {
	tplID := biz.ServiceTemplateID
	if tplID == "" {
		tplID = DefaultTemplateID
	}
	return models.SmsSession{
		SessionID:         SessionIDFor(in.BusinessID, in.FromPhone),
		AccountID:         in.AccountID,
		BusinessID:        in.BusinessID,
		FromPhone:         in.FromPhone,
		ToPhone:           in.ToPhone,
		Status:            models.SessionActive,
		ServiceTemplateID: tplID,
		State:             models.StateIntent,
		AttemptCounters:   map[string]int{},
		Confidence:        map[string]float64{},
		Collected:         map[string]string{},
		CreatedAt:         in.ReceivedAt,
		UpdatedAt:         in.ReceivedAt,
	}
}

func cloneSession(s models.SmsSession) models.SmsSession {
	out := s
	out.AttemptCounters = make(map[string]int, len(s.AttemptCounters))
	for k, v := range s.AttemptCounters {
		out.AttemptCounters[k] = v
	}
	out.Confidence = make(map[string]float64, len(s.Confidence))
	for k, v := range s.Confidence {
		out.Confidence[k] = v
	}
	out.Collected = make(map[string]string, len(s.Collected))
	for k, v := range s.Collected {
		out.Collected[k] = v
	}
	if s.Quote != nil {
		q := *s.Quote
		out.Quote = &q
	}
	if s.Scheduling != nil {
		sc := *s.Scheduling
		sc.ProposedSlots = append([]models.Slot(nil), s.Scheduling.ProposedSlots...)
		if s.Scheduling.Selected != nil {
			sel := *s.Scheduling.Selected
			sc.Selected = &sel
		}
		if s.Scheduling.BookedAt != nil {
			b := *s.Scheduling.BookedAt
			sc.BookedAt = &b
		}
		out.Scheduling = &sc
	}
	if s.Handoff != nil {
		h := *s.Handoff
		h.ReasonCodes = append([]string(nil), s.Handoff.ReasonCodes...)
		out.Handoff = &h
	}
	out.Audit.Transitions = append([]models.AuditEntry(nil), s.Audit.Transitions...)
	return out
}
