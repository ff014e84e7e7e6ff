package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/turfline/backend/internal/apperr"
	"github.com/turfline/backend/internal/db"
	"github.com/turfline/backend/internal/dispatch"
	"github.com/turfline/backend/internal/geocode"
	"github.com/turfline/backend/internal/lock"
	"github.com/turfline/backend/internal/models"
	"github.com/turfline/backend/internal/nlu"
	"github.com/turfline/backend/internal/sms"
)

const (
	bizID      = "biz-1"
	bizPhone   = "+15125550199"
	custPhone  = "+15125550100"
	ownerID    = "u-owner"
	staffID    = "u-staff"
	leadID     = "u-lead"
	dispatcher = "u-dispatch"
	otherBizID = "biz-2"
	outsiderID = "u-outsider"
)

var monday = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return monday }

func weekdays(start, end int) []models.AvailabilityWindow {
	var out []models.AvailabilityWindow
	for d := time.Monday; d <= time.Friday; d++ {
		out = append(out, models.AvailabilityWindow{Weekday: d, StartMinute: start, EndMinute: end})
	}
	return out
}

func crew(id string, skills []string, lat, lng float64) models.Crew {
	return models.Crew{
		ID:                   id,
		BusinessID:           bizID,
		Name:                 "Crew " + id,
		Skills:               skills,
		Equipment:            []string{"mower", "trimmer"},
		HomeBase:             models.LatLng{Lat: lat, Lng: lng},
		ServiceRadiusMiles:   20,
		DailyCapacityMinutes: 480,
		CrewSize:             2,
		HourlyCost:           60,
		Availability:         weekdays(480, 1020),
	}
}

func job(id string, skills ...string) models.JobRequest {
	return models.JobRequest{
		ID:                id,
		BusinessID:        bizID,
		Location:          models.LatLng{Lat: 30.2672, Lng: -97.7431},
		ServiceType:       "mowing",
		RequiredSkills:    skills,
		RequiredEquipment: []string{"mower"},
		CrewSizeMin:       1,
		LaborLowMinutes:   55,
		LaborHighMinutes:  65,
		PriceLow:          80,
		PriceHigh:         100,
		Status:            models.JobNew,
		CreatedAt:         monday,
	}
}

func seedStore(t *testing.T) *db.MemoryStore {
	t.Helper()
	ctx := context.Background()
	st := db.NewMemoryStore()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	must(st.UpsertBusiness(ctx, models.Business{
		ID:                 bizID,
		AccountID:          "acct-1",
		Name:               "Green Acres",
		ServiceTemplateID:  sms.DefaultTemplateID,
		ClickToCallEnabled: true,
		JobberAccountID:    "jobber-123",
	}, []string{bizPhone}))
	must(st.UpsertBusiness(ctx, models.Business{ID: otherBizID, Name: "Other"}, nil))
	for _, u := range []models.User{
		{ID: ownerID, BusinessID: bizID, Role: models.RoleOwner},
		{ID: staffID, BusinessID: bizID, Role: models.RoleStaff},
		{ID: leadID, BusinessID: bizID, Role: models.RoleCrewLead},
		{ID: dispatcher, BusinessID: bizID, Role: models.RoleDispatcher},
		{ID: outsiderID, BusinessID: otherBizID, Role: models.RoleOwner},
	} {
		must(st.UpsertUser(ctx, u))
	}
	must(st.UpsertCrew(ctx, crew("crew-a", []string{"mowing"}, 30.30, -97.75)))
	must(st.UpsertCrew(ctx, crew("crew-b", []string{"mowing", "aeration"}, 30.25, -97.70)))
	must(st.UpsertCrew(ctx, crew("crew-c", []string{"aeration"}, 30.27, -97.74)))
	return st
}

func newSimulationService(st Store) *SimulationService {
	return &SimulationService{
		Store:   st,
		Travel:  dispatch.HaversineEstimator{AvgSpeedMPH: dispatch.DefaultAvgSpeedMPH},
		Weights: dispatch.DefaultWeights(),
		Logger:  zerolog.Nop(),
		Now:     fixedNow,
	}
}

type recordingEmitter struct {
	mu   sync.Mutex
	reqs []models.WritebackRequest
	err  error
}

func (r *recordingEmitter) Emit(_ context.Context, req models.WritebackRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	return r.err
}

func newDecisionService(st Store, em *recordingEmitter) *DecisionService {
	return &DecisionService{Store: st, Emitter: em, Logger: zerolog.Nop(), Now: fixedNow}
}

// simulated returns a store holding job-1 in status simulated and its top candidate.
func simulated(t *testing.T) (*db.MemoryStore, models.SimulationCandidate) {
	t.Helper()
	st := seedStore(t)
	ctx := context.Background()
	if err := st.CreateJobRequest(ctx, job("job-1", "mowing")); err != nil {
		t.Fatalf("create job: %v", err)
	}
	res, err := newSimulationService(st).RunSimulations(ctx, bizID, "job-1", DefaultSimulationConfig())
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if len(res.Simulations) == 0 {
		t.Fatalf("expected candidates")
	}
	return st, res.Simulations[0]
}

func TestRunSimulationsNoEligibleCrew(t *testing.T) {
	st := seedStore(t)
	ctx := context.Background()
	if err := st.CreateJobRequest(ctx, job("job-irr", "irrigation_install")); err != nil {
		t.Fatalf("create job: %v", err)
	}
	res, err := newSimulationService(st).RunSimulations(ctx, bizID, "job-irr", DefaultSimulationConfig())
	if err != nil {
		t.Fatalf("expected no error for an unservable job, got %v", err)
	}
	if len(res.Simulations) != 0 || len(res.EligibleCrews) != 0 {
		t.Fatalf("expected empty results, got %+v", res)
	}
	if res.CandidatesGenerated != 0 || res.CandidatesPersisted != 0 {
		t.Fatalf("expected zero counts, got %d/%d", res.CandidatesGenerated, res.CandidatesPersisted)
	}
	if res.Simulations == nil || res.EligibleCrews == nil {
		t.Fatalf("expected empty slices rather than nil")
	}
	j, _ := st.GetJobRequest(ctx, bizID, "job-irr")
	if j.Status != models.JobNew {
		t.Fatalf("expected job to stay new, got %s", j.Status)
	}
}

func TestRunSimulationsRanksAndPersists(t *testing.T) {
	st := seedStore(t)
	ctx := context.Background()
	if err := st.CreateJobRequest(ctx, job("job-1", "mowing")); err != nil {
		t.Fatalf("create job: %v", err)
	}
	cfg := DefaultSimulationConfig()
	cfg.PersistTopN = 4
	cfg.ReturnTopN = 3
	res, err := newSimulationService(st).RunSimulations(ctx, bizID, "job-1", cfg)
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if len(res.EligibleCrews) != 2 {
		t.Fatalf("expected crew-a and crew-b eligible, got %d", len(res.EligibleCrews))
	}
	// two crews, five weekdays in a 7 day window starting Monday
	if res.CandidatesGenerated != 10 {
		t.Fatalf("expected 10 feasible candidates, got %d", res.CandidatesGenerated)
	}
	if res.CandidatesPersisted != 4 || len(res.Simulations) != 3 {
		t.Fatalf("expected 4 persisted and 3 returned, got %d/%d", res.CandidatesPersisted, len(res.Simulations))
	}
	for i, c := range res.Simulations {
		if c.Rank != i+1 || c.ID == "" || c.SimulationRunID != res.RunID {
			t.Fatalf("unexpected candidate %d: %+v", i, c)
		}
		if i > 0 && c.CompositeScore > res.Simulations[i-1].CompositeScore {
			t.Fatalf("candidates not sorted by score")
		}
		if _, err := st.GetCandidate(ctx, bizID, c.ID); err != nil {
			t.Fatalf("candidate %s not persisted: %v", c.ID, err)
		}
	}
	if _, ok := res.Excluded["crew-c"]; !ok {
		t.Fatalf("expected crew-c excluded, got %+v", res.Excluded)
	}
	j, _ := st.GetJobRequest(ctx, bizID, "job-1")
	if j.Status != models.JobSimulated {
		t.Fatalf("expected simulated, got %s", j.Status)
	}
}

func TestRunSimulationsDeterministic(t *testing.T) {
	st := seedStore(t)
	ctx := context.Background()
	if err := st.CreateJobRequest(ctx, job("job-1", "mowing")); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := st.AddScheduledVisit(ctx, models.ScheduledVisit{
		ID: "v1", CrewID: "crew-a", Date: "2026-03-03", StartMinute: 480, Minutes: 300,
		Location: models.LatLng{Lat: 30.40, Lng: -97.80},
	}); err != nil {
		t.Fatalf("add visit: %v", err)
	}
	svc := newSimulationService(st)
	svc.Concurrency = 1
	first, err := svc.RunSimulations(ctx, bizID, "job-1", DefaultSimulationConfig())
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	svc.Concurrency = 4
	second, err := svc.RunSimulations(ctx, bizID, "job-1", DefaultSimulationConfig())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(first.Simulations) != len(second.Simulations) {
		t.Fatalf("length mismatch %d vs %d", len(first.Simulations), len(second.Simulations))
	}
	for i := range first.Simulations {
		a, b := first.Simulations[i], second.Simulations[i]
		if a.CrewID != b.CrewID || a.Date != b.Date || a.CompositeScore != b.CompositeScore || a.Rank != b.Rank {
			t.Fatalf("rank %d differs: %+v vs %+v", i+1, a, b)
		}
	}
}

func TestRunSimulationsRejectsUnsimulatableJob(t *testing.T) {
	st := seedStore(t)
	ctx := context.Background()
	j := job("job-done", "mowing")
	j.Status = models.JobAssigned
	if err := st.CreateJobRequest(ctx, j); err != nil {
		t.Fatalf("create job: %v", err)
	}
	_, err := newSimulationService(st).RunSimulations(ctx, bizID, "job-done", DefaultSimulationConfig())
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	bad := DefaultSimulationConfig()
	bad.DateRangeDays = 0
	if _, err := newSimulationService(st).RunSimulations(ctx, bizID, "job-done", bad); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestCreateDecisionRequiresProposeRole(t *testing.T) {
	st, cand := simulated(t)
	ctx := context.Background()
	svc := newDecisionService(st, &recordingEmitter{})

	if _, err := svc.CreateDecision(ctx, bizID, "job-1", cand.ID, staffID); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden for staff, got %v", err)
	}
	if _, err := svc.CreateDecision(ctx, bizID, "job-1", cand.ID, outsiderID); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden for another business's user, got %v", err)
	}
	if _, err := svc.CreateDecision(ctx, bizID, "job-other", cand.ID, dispatcher); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("expected invalid input for mismatched job, got %v", err)
	}

	d, err := svc.CreateDecision(ctx, bizID, "job-1", cand.ID, dispatcher)
	if err != nil {
		t.Fatalf("create decision: %v", err)
	}
	if d.Status != models.DecisionPending || d.CrewID != cand.CrewID || len(d.Reasoning) == 0 {
		t.Fatalf("unexpected decision %+v", d)
	}
	j, _ := st.GetJobRequest(ctx, bizID, "job-1")
	if j.Status != models.JobDecided {
		t.Fatalf("expected decided, got %s", j.Status)
	}
	if _, err := svc.CreateDecision(ctx, bizID, "job-1", cand.ID, dispatcher); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict for an already decided job, got %v", err)
	}
}

func TestCreateDecisionRejectsSupersededCandidate(t *testing.T) {
	st, stale := simulated(t)
	ctx := context.Background()
	rerun, err := newSimulationService(st).RunSimulations(ctx, bizID, "job-1", DefaultSimulationConfig())
	if err != nil {
		t.Fatalf("re-simulate: %v", err)
	}
	if rerun.RunID == stale.SimulationRunID || len(rerun.Simulations) == 0 {
		t.Fatalf("expected a fresh run, got %+v", rerun)
	}
	j, _ := st.GetJobRequest(ctx, bizID, "job-1")
	if j.LatestRunID != rerun.RunID {
		t.Fatalf("expected latest run %s, got %s", rerun.RunID, j.LatestRunID)
	}

	svc := newDecisionService(st, &recordingEmitter{})
	if _, err := svc.CreateDecision(ctx, bizID, "job-1", stale.ID, dispatcher); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict for a candidate from the old run, got %v", err)
	}
	if _, err := svc.CreateDecision(ctx, bizID, "job-1", rerun.Simulations[0].ID, dispatcher); err != nil {
		t.Fatalf("current candidate: %v", err)
	}
}

func TestApproveDecisionRBAC(t *testing.T) {
	st, cand := simulated(t)
	ctx := context.Background()
	em := &recordingEmitter{}
	svc := newDecisionService(st, em)
	d, err := svc.CreateDecision(ctx, bizID, "job-1", cand.ID, ownerID)
	if err != nil {
		t.Fatalf("create decision: %v", err)
	}

	strict := ApprovalConfig{AllowCrewLeadApprove: false}
	if _, err := svc.ApproveDecision(ctx, bizID, d.ID, staffID, strict); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden for staff, got %v", err)
	}
	if _, err := svc.ApproveDecision(ctx, bizID, d.ID, leadID, strict); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden for crew lead, got %v", err)
	}
	got, _ := st.GetDecision(ctx, bizID, d.ID)
	if got.Status != models.DecisionPending {
		t.Fatalf("expected decision to remain pending, got %s", got.Status)
	}
	if len(em.reqs) != 0 {
		t.Fatalf("expected no writeback, got %d", len(em.reqs))
	}

	approved, err := svc.ApproveDecision(ctx, bizID, d.ID, leadID, ApprovalConfig{AllowCrewLeadApprove: true})
	if err != nil {
		t.Fatalf("crew lead approve with flag: %v", err)
	}
	if approved.Status != models.DecisionApproved || approved.ApprovedByUserID == nil || *approved.ApprovedByUserID != leadID {
		t.Fatalf("unexpected approved decision %+v", approved)
	}
	j, _ := st.GetJobRequest(ctx, bizID, "job-1")
	if j.Status != models.JobAssigned {
		t.Fatalf("expected assigned, got %s", j.Status)
	}
	if len(em.reqs) != 1 || em.reqs[0].ExternalAccountID != "jobber-123" || em.reqs[0].StartMinute != cand.StartMinute {
		t.Fatalf("unexpected writebacks %+v", em.reqs)
	}
	wbs := st.Writebacks()
	if len(wbs) != 1 || wbs[0].Status != db.WritebackSent {
		t.Fatalf("expected one sent writeback, got %+v", wbs)
	}
	visits, err := st.ListScheduledVisits(ctx, cand.CrewID, cand.Date, "9999-12-31")
	if err != nil || len(visits) != 1 || visits[0].StartMinute != cand.StartMinute || visits[0].Minutes != cand.LaborMinutes {
		t.Fatalf("expected the approved slot booked on the crew's day, got %+v (%v)", visits, err)
	}

	if _, err := svc.ApproveDecision(ctx, bizID, d.ID, ownerID, strict); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict on second approval, got %v", err)
	}
}

func TestApproveLeavesWritebackPendingWhenEmitFails(t *testing.T) {
	st, cand := simulated(t)
	ctx := context.Background()
	em := &recordingEmitter{err: errors.New("redis down")}
	svc := newDecisionService(st, em)
	d, err := svc.CreateDecision(ctx, bizID, "job-1", cand.ID, ownerID)
	if err != nil {
		t.Fatalf("create decision: %v", err)
	}
	if _, err := svc.ApproveDecision(ctx, bizID, d.ID, ownerID, ApprovalConfig{}); err != nil {
		t.Fatalf("approve should succeed when emit fails: %v", err)
	}
	wbs := st.Writebacks()
	if len(wbs) != 1 || wbs[0].Status != db.WritebackPending {
		t.Fatalf("expected pending writeback, got %+v", wbs)
	}
}

func TestRejectDecisionAllowsResimulation(t *testing.T) {
	st, cand := simulated(t)
	ctx := context.Background()
	svc := newDecisionService(st, &recordingEmitter{})
	d, err := svc.CreateDecision(ctx, bizID, "job-1", cand.ID, ownerID)
	if err != nil {
		t.Fatalf("create decision: %v", err)
	}
	rejected, err := svc.RejectDecision(ctx, bizID, d.ID, ownerID, " crew is on vacation ", ApprovalConfig{})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != models.DecisionRejected || rejected.RejectReason != "crew is on vacation" {
		t.Fatalf("unexpected rejected decision %+v", rejected)
	}
	j, _ := st.GetJobRequest(ctx, bizID, "job-1")
	if j.Status != models.JobNeedsResimulation {
		t.Fatalf("expected needs_resimulation, got %s", j.Status)
	}
	if len(st.Writebacks()) != 0 {
		t.Fatalf("rejection must not queue a writeback")
	}
	if _, err := newSimulationService(st).RunSimulations(ctx, bizID, "job-1", DefaultSimulationConfig()); err != nil {
		t.Fatalf("expected re-simulation to be allowed: %v", err)
	}
}

func TestConcurrentApproveAndRejectHaveOneWinner(t *testing.T) {
	for round := 0; round < 20; round++ {
		st, cand := simulated(t)
		ctx := context.Background()
		em := &recordingEmitter{}
		svc := newDecisionService(st, em)
		d, err := svc.CreateDecision(ctx, bizID, "job-1", cand.ID, ownerID)
		if err != nil {
			t.Fatalf("create decision: %v", err)
		}

		var wg sync.WaitGroup
		errs := make([]error, 4)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if i%2 == 0 {
					_, errs[i] = svc.ApproveDecision(ctx, bizID, d.ID, ownerID, ApprovalConfig{})
				} else {
					_, errs[i] = svc.RejectDecision(ctx, bizID, d.ID, ownerID, "", ApprovalConfig{})
				}
			}(i)
		}
		wg.Wait()

		wins := 0
		for _, err := range errs {
			switch {
			case err == nil:
				wins++
			case errors.Is(err, apperr.ErrConflict):
			default:
				t.Fatalf("unexpected error %v", err)
			}
		}
		if wins != 1 {
			t.Fatalf("round %d: expected exactly one winner, got %d", round, wins)
		}
		final, _ := st.GetDecision(ctx, bizID, d.ID)
		if final.Status == models.DecisionApproved {
			if len(st.Writebacks()) != 1 || len(em.reqs) != 1 {
				t.Fatalf("expected a single writeback, got %d", len(st.Writebacks()))
			}
			if final.RejectedAt != nil {
				t.Fatalf("approved decision carries rejection fields")
			}
		} else if len(st.Writebacks()) != 0 {
			t.Fatalf("rejected decision queued a writeback")
		}
	}
}

type recordingSender struct {
	mu   sync.Mutex
	sent []string
	fail bool
}

func (r *recordingSender) Send(_ context.Context, from, to, text string) (sms.SendResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return sms.SendResult{}, errors.New("provider unavailable")
	}
	r.sent = append(r.sent, text)
	return sms.SendResult{ProviderID: "SM-out"}, nil
}

type stepClock struct {
	mu sync.Mutex
	at time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.at = c.at.Add(time.Minute)
	return c.at
}

func newIntake(st Store, sender sms.Sender) *IntakeService {
	templates := sms.MustLoadBuiltin()
	clock := &stepClock{at: monday}
	return &IntakeService{
		Store:     st,
		Engine:    sms.NewEngine(templates, nlu.HeuristicExtractor{}, geocode.MockGeocoder{CenterLat: 30.27, CenterLng: -97.74}, sms.Options{}),
		Templates: templates,
		Sender:    sender,
		Locker:    lock.NewLocalLocker(),
		Logger:    zerolog.Nop(),
		Now:       clock.Now,
	}
}

func TestIntakeDeduplicatesProviderMessage(t *testing.T) {
	st := seedStore(t)
	sender := &recordingSender{}
	svc := newIntake(st, sender)
	ctx := context.Background()
	req := InboundRequest{FromPhone: custPhone, ToPhone: bizPhone, Text: "Hi, I need weekly mowing at 123 Oak St", ProviderMessageID: "SM1"}

	first, err := svc.HandleInbound(ctx, req)
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if first.Duplicate || first.State != models.StateCollecting || first.Delivered != 1 {
		t.Fatalf("unexpected first outcome %+v", first)
	}
	second, err := svc.HandleInbound(ctx, req)
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if !second.Duplicate || second.EventID != "provider_sms_SM1" {
		t.Fatalf("expected duplicate, got %+v", second)
	}
	events, err := st.ListEvents(ctx, bizID, first.SessionID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected inbound and one outbound event, got %d", len(events))
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected one message sent, got %d", len(sender.sent))
	}
}

func TestIntakeConcurrentDuplicatesProcessOnce(t *testing.T) {
	st := seedStore(t)
	svc := newIntake(st, &recordingSender{})
	ctx := context.Background()
	req := InboundRequest{FromPhone: custPhone, ToPhone: bizPhone, Text: "I need mowing", ProviderMessageID: "SM-race"}

	var wg sync.WaitGroup
	outs := make([]IntakeOutcome, 8)
	for i := range outs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := svc.HandleInbound(ctx, req)
			if err != nil {
				t.Errorf("delivery %d: %v", i, err)
			}
			outs[i] = out
		}(i)
	}
	wg.Wait()
	processed := 0
	for _, o := range outs {
		if !o.Duplicate {
			processed++
		}
	}
	if processed != 1 {
		t.Fatalf("expected a single processed delivery, got %d", processed)
	}
	sess, err := st.GetSessionByPhone(ctx, bizID, custPhone)
	if err != nil || sess == nil {
		t.Fatalf("expected session, got %v", err)
	}
	if sess.Audit.InboundCount != 1 {
		t.Fatalf("expected one inbound counted, got %d", sess.Audit.InboundCount)
	}
}

// deadlineExtractor records whether each extraction ran under a deadline.
type deadlineExtractor struct {
	mu        sync.Mutex
	calls     int
	deadlines []time.Time
}

func (x *deadlineExtractor) Extract(ctx context.Context, field, text string, ec nlu.ExtractContext) nlu.Extraction {
	x.mu.Lock()
	x.calls++
	if d, ok := ctx.Deadline(); ok {
		x.deadlines = append(x.deadlines, d)
	}
	x.mu.Unlock()
	return nlu.HeuristicExtractor{}.Extract(ctx, field, text, ec)
}

func TestIntakeTurnRunsUnderDeadline(t *testing.T) {
	st := seedStore(t)
	x := &deadlineExtractor{}
	svc := newIntake(st, &recordingSender{})
	svc.Engine = sms.NewEngine(sms.MustLoadBuiltin(), x, geocode.MockGeocoder{CenterLat: 30.27, CenterLng: -97.74}, sms.Options{})
	svc.TurnTimeout = 5 * time.Second
	ctx := context.Background()

	started := time.Now()
	out, err := svc.HandleInbound(ctx, InboundRequest{FromPhone: custPhone, ToPhone: bizPhone, Text: "Hi, I need weekly mowing at 123 Oak St", ProviderMessageID: "SM-dl"})
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if x.calls == 0 || len(x.deadlines) != x.calls {
		t.Fatalf("expected every extraction under a deadline, got %d of %d", len(x.deadlines), x.calls)
	}
	for _, d := range x.deadlines {
		if d.After(started.Add(5 * time.Second).Add(time.Second)) {
			t.Fatalf("deadline %v is past the turn timeout", d)
		}
	}
	if sess, _ := st.GetSessionByPhone(ctx, bizID, custPhone); sess == nil || sess.Audit.LastEventID != out.EventID {
		t.Fatalf("expected the turn to persist after the engine returned, got %+v", sess)
	}
}

func TestIntakeRejectsBadInputAndUnknownTenant(t *testing.T) {
	st := seedStore(t)
	svc := newIntake(st, &recordingSender{})
	ctx := context.Background()

	if _, err := svc.HandleInbound(ctx, InboundRequest{ToPhone: bizPhone, Text: "hi"}); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("expected invalid input for missing from, got %v", err)
	}
	if _, err := svc.HandleInbound(ctx, InboundRequest{FromPhone: custPhone, ToPhone: bizPhone, Text: "  "}); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("expected invalid input for blank text, got %v", err)
	}
	if _, err := svc.HandleInbound(ctx, InboundRequest{FromPhone: custPhone, ToPhone: "+19995550000", Text: "hi"}); !errors.Is(err, apperr.ErrNoTenant) {
		t.Fatalf("expected no tenant, got %v", err)
	}
	if sess, _ := st.GetSessionByPhone(ctx, bizID, custPhone); sess != nil {
		t.Fatalf("rejected input must not create a session")
	}
}

func TestIntakeDeliveryFailureKeepsTurn(t *testing.T) {
	st := seedStore(t)
	svc := newIntake(st, &recordingSender{fail: true})
	ctx := context.Background()
	out, err := svc.HandleInbound(ctx, InboundRequest{FromPhone: custPhone, ToPhone: bizPhone, Text: "I need mowing", ProviderMessageID: "SM9"})
	if err != nil {
		t.Fatalf("delivery failure must not fail the turn: %v", err)
	}
	if out.Delivered != 0 || len(out.OutboundMessages) != 1 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	sess, _ := st.GetSessionByPhone(ctx, bizID, custPhone)
	if sess == nil || sess.Audit.LastEventID != "provider_sms_SM9" {
		t.Fatalf("expected persisted session, got %+v", sess)
	}
}

func TestIntakeBookingCreatesJobRequestAndHandoffPersistsTicket(t *testing.T) {
	st := seedStore(t)
	svc := newIntake(st, &recordingSender{})
	ctx := context.Background()
	send := func(text, sid string) IntakeOutcome {
		t.Helper()
		out, err := svc.HandleInbound(ctx, InboundRequest{FromPhone: custPhone, ToPhone: bizPhone, Text: text, ProviderMessageID: sid})
		if err != nil {
			t.Fatalf("%q: %v", text, err)
		}
		return out
	}
	send("Hi, I need weekly mowing at 123 Oak St", "SM1")
	send("about a quarter acre", "SM2")
	send("yes", "SM3")
	booked := send("1", "SM4")
	if booked.State != models.StateBooked || booked.JobRequestID == "" {
		t.Fatalf("expected booking with job request, got %+v", booked)
	}
	j, err := st.GetJobRequest(ctx, bizID, booked.JobRequestID)
	if err != nil {
		t.Fatalf("job request: %v", err)
	}
	if j.Status != models.JobNew || j.ServiceType != "mowing" || j.LaborLowMinutes <= 0 || j.LaborHighMinutes < j.LaborLowMinutes {
		t.Fatalf("unexpected job request %+v", j)
	}
	if len(j.RequiredSkills) == 0 || j.SessionID != booked.SessionID || j.PriceLow <= 0 {
		t.Fatalf("job request missing booking data %+v", j)
	}
	bookedSess, _ := st.GetSessionByPhone(ctx, bizID, custPhone)
	chosen := bookedSess.Scheduling.Selected
	if chosen == nil || j.PreferredDate != chosen.Date || j.PreferredStartMinute != chosen.StartMinute {
		t.Fatalf("job request must keep the customer's slot %+v, got %s at %d", chosen, j.PreferredDate, j.PreferredStartMinute)
	}
	sim, err := newSimulationService(st).RunSimulations(ctx, bizID, j.ID, DefaultSimulationConfig())
	if err != nil {
		t.Fatalf("simulate booked job: %v", err)
	}
	if len(sim.Simulations) == 0 {
		t.Fatalf("expected candidates for the booked slot, got %+v", sim)
	}
	for _, c := range sim.Simulations {
		if c.Date != chosen.Date || c.StartMinute != chosen.StartMinute {
			t.Fatalf("candidate %s on %s at %d strays from the booked slot %s at %d", c.CrewID, c.Date, c.StartMinute, chosen.Date, chosen.StartMinute)
		}
	}

	other := "+15125550111"
	for i, sid := range []string{"SMx1", "SMx2"} {
		out, err := svc.HandleInbound(ctx, InboundRequest{FromPhone: other, ToPhone: bizPhone, Text: "can I talk to a real person", ProviderMessageID: sid})
		if err != nil {
			t.Fatalf("handoff turn %d: %v", i, err)
		}
		if out.State != models.StateHandoff {
			t.Fatalf("expected handoff, got %s", out.State)
		}
	}
	tickets, err := svc.ListHandoffs(ctx, bizID, models.TicketOpen)
	if err != nil {
		t.Fatalf("list handoffs: %v", err)
	}
	if len(tickets) != 1 || tickets[0].Priority != models.PriorityHigh {
		t.Fatalf("expected one high priority ticket, got %+v", tickets)
	}
	sess, _ := st.GetSessionByPhone(ctx, bizID, other)
	if len(st.Tokens(sess.SessionID)) != 1 {
		t.Fatalf("expected a click-to-call token")
	}

	assignee := dispatcher
	upd, err := svc.UpdateHandoff(ctx, bizID, tickets[0].TicketID, HandoffUpdate{AssigneeUserID: &assignee})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if upd.Status != models.TicketAssigned || upd.AssigneeUserID == nil || *upd.AssigneeUserID != dispatcher {
		t.Fatalf("unexpected ticket %+v", upd)
	}
	stranger := outsiderID
	if _, err := svc.UpdateHandoff(ctx, bizID, tickets[0].TicketID, HandoffUpdate{AssigneeUserID: &stranger}); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("expected invalid assignee, got %v", err)
	}
}

func TestOAuthStateIsSingleUseAndExpires(t *testing.T) {
	st := seedStore(t)
	ctx := context.Background()
	now := monday
	svc := &OAuthService{
		Store:  st,
		Config: OAuthConfig{AuthorizeURL: "https://api.getjobber.com/api/oauth/authorize", ClientID: "client", StateTTL: 10 * time.Minute},
		Logger: zerolog.Nop(),
		Now:    func() time.Time { return now },
	}

	if _, err := svc.Connect(ctx, bizID, staffID); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden for staff, got %v", err)
	}
	conn, err := svc.Connect(ctx, bizID, ownerID)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	res, err := svc.Callback(ctx, conn.State, "code-1", "jobber-999")
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if !res.Connected || res.BusinessID != bizID {
		t.Fatalf("unexpected callback %+v", res)
	}
	biz, _ := st.GetBusiness(ctx, bizID)
	if biz.JobberAccountID != "jobber-999" {
		t.Fatalf("expected account id stored, got %q", biz.JobberAccountID)
	}
	if _, err := svc.Callback(ctx, conn.State, "code-1", ""); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected reused state to be rejected, got %v", err)
	}

	late, err := svc.Connect(ctx, bizID, ownerID)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	now = now.Add(11 * time.Minute)
	if _, err := svc.Callback(ctx, late.State, "code-2", ""); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected expired state to be rejected, got %v", err)
	}
}
