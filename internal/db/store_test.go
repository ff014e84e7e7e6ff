package db

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turfline/backend/internal/apperr"
	"github.com/turfline/backend/internal/models"
)

// contract is the part of the store both implementations must agree on.
type contract interface {
	UpsertBusiness(ctx context.Context, b models.Business, phones []string) error
	ResolveBusinessByPhone(ctx context.Context, phone string) (models.Business, error)
	SaveOAuthState(ctx context.Context, st models.OAuthState) error
	ConsumeOAuthState(ctx context.Context, state string, now time.Time) (models.OAuthState, error)
	SaveTurn(ctx context.Context, t Turn) error
	EventExists(ctx context.Context, eventID string) (bool, error)
	GetSessionByPhone(ctx context.Context, businessID, phone string) (*models.SmsSession, error)
	UpsertCrew(ctx context.Context, c models.Crew) error
	CreateJobRequest(ctx context.Context, j models.JobRequest) error
	GetJobRequest(ctx context.Context, businessID, id string) (models.JobRequest, error)
	SaveSimulation(ctx context.Context, run models.SimulationRun, cands []models.SimulationCandidate) error
	InsertDecision(ctx context.Context, d models.Decision) error
	ResolveDecision(ctx context.Context, r DecisionResolution) (models.Decision, error)
}

func TestMemoryStoreContract(t *testing.T) {
	runContract(t, NewMemoryStore())
}

func TestPostgresStoreContract(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	st, err := New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.Migrate(ctx))
	runContract(t, st)
}

func runContract(t *testing.T, st contract) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	suffix := uuid.NewString()[:8]
	bizID := "biz-" + suffix
	phone := "+1512" + suffix

	require.NoError(t, st.UpsertBusiness(ctx, models.Business{ID: bizID, AccountID: "acct", Name: "Green Acres", ServiceTemplateID: "lawncare_v1"}, []string{phone}))

	t.Run("tenant resolution", func(t *testing.T) {
		b, err := st.ResolveBusinessByPhone(ctx, phone)
		require.NoError(t, err)
		assert.Equal(t, bizID, b.ID)
		_, err = st.ResolveBusinessByPhone(ctx, "+10000000000-"+suffix)
		assert.True(t, errors.Is(err, apperr.ErrNoTenant), "got %v", err)
	})

	t.Run("oauth state is single use and expires", func(t *testing.T) {
		live := models.OAuthState{State: "st-" + suffix, BusinessID: bizID, Provider: "jobber", CreatedAt: now, ExpiresAt: now.Add(10 * time.Minute)}
		stale := models.OAuthState{State: "old-" + suffix, BusinessID: bizID, Provider: "jobber", CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Minute)}
		require.NoError(t, st.SaveOAuthState(ctx, live))
		require.NoError(t, st.SaveOAuthState(ctx, stale))

		got, err := st.ConsumeOAuthState(ctx, live.State, now)
		require.NoError(t, err)
		assert.Equal(t, bizID, got.BusinessID)
		_, err = st.ConsumeOAuthState(ctx, live.State, now)
		assert.True(t, errors.Is(err, apperr.ErrNotFound))
		_, err = st.ConsumeOAuthState(ctx, stale.State, now)
		assert.True(t, errors.Is(err, apperr.ErrNotFound))
	})

	t.Run("turn events are written once", func(t *testing.T) {
		from := "+1737" + suffix
		sess := models.SmsSession{
			SessionID:  "sess-" + suffix,
			BusinessID: bizID,
			FromPhone:  from,
			ToPhone:    phone,
			Status:     models.SessionActive,
			State:      models.StateIntent,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		ev := models.SmsEvent{EventID: "ev-" + suffix, SessionID: sess.SessionID, BusinessID: bizID, Direction: models.DirectionInbound, Text: "hi", CreatedAt: now}
		require.NoError(t, st.SaveTurn(ctx, Turn{Session: sess, Events: []models.SmsEvent{ev}}))

		ok, err := st.EventExists(ctx, ev.EventID)
		require.NoError(t, err)
		assert.True(t, ok)

		err = st.SaveTurn(ctx, Turn{Session: sess, Events: []models.SmsEvent{ev}})
		assert.True(t, errors.Is(err, apperr.ErrConflict), "got %v", err)

		got, err := st.GetSessionByPhone(ctx, bizID, from)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, models.StateIntent, got.State)
	})

	t.Run("decision resolves exactly once", func(t *testing.T) {
		crewID := "crew-" + suffix
		require.NoError(t, st.UpsertCrew(ctx, models.Crew{ID: crewID, BusinessID: bizID, Name: "Alpha", CrewSize: 2, CreatedAt: now, UpdatedAt: now}))
		job := models.JobRequest{
			ID: "job-" + suffix, BusinessID: bizID, ServiceType: "mowing",
			LaborLowMinutes: 60, LaborHighMinutes: 90, PreferredStartMinute: 540, PreferredDate: "2026-03-03",
			Status: models.JobNew, CreatedAt: now, UpdatedAt: now,
		}
		require.NoError(t, st.CreateJobRequest(ctx, job))

		run := models.SimulationRun{ID: "run-" + suffix, BusinessID: bizID, JobRequestID: job.ID, Config: []byte(`{}`), CreatedAt: now}
		cand := models.SimulationCandidate{
			ID: "cand-" + suffix, SimulationRunID: run.ID, BusinessID: bizID, JobRequestID: job.ID, CrewID: crewID,
			Date: "2026-03-03", StartMinute: 540, EndMinute: 615, MarginRisk: models.RiskLow, Rank: 1, CreatedAt: now,
		}
		require.NoError(t, st.SaveSimulation(ctx, run, []models.SimulationCandidate{cand}))
		simulatedJob, err := st.GetJobRequest(ctx, bizID, job.ID)
		require.NoError(t, err)
		assert.Equal(t, run.ID, simulatedJob.LatestRunID)
		assert.Equal(t, "2026-03-03", simulatedJob.PreferredDate)
		assert.Equal(t, 540, simulatedJob.PreferredStartMinute)

		d := models.Decision{
			ID: "dec-" + suffix, BusinessID: bizID, JobRequestID: job.ID, SimulationID: cand.ID, CrewID: crewID,
			Date: cand.Date, CreatedByUserID: "u-owner", Reasoning: []byte(`{}`), Status: models.DecisionPending, CreatedAt: now,
		}
		require.NoError(t, st.InsertDecision(ctx, d))

		wb := &models.WritebackRequest{ID: "wb-" + suffix, BusinessID: bizID, DecisionID: d.ID, JobRequestID: job.ID, CrewID: crewID, Date: cand.Date, Status: WritebackPending, CreatedAt: now}
		out, err := st.ResolveDecision(ctx, DecisionResolution{
			BusinessID: bizID, DecisionID: d.ID, Status: models.DecisionApproved, UserID: "u-owner",
			At: now, JobStatus: models.JobAssigned, Writeback: wb,
		})
		require.NoError(t, err)
		assert.Equal(t, models.DecisionApproved, out.Status)

		_, err = st.ResolveDecision(ctx, DecisionResolution{
			BusinessID: bizID, DecisionID: d.ID, Status: models.DecisionRejected, UserID: "u-owner",
			At: now, JobStatus: models.JobNeedsResimulation,
		})
		assert.True(t, errors.Is(err, apperr.ErrConflict), "got %v", err)

		got, err := st.GetJobRequest(ctx, bizID, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobAssigned, got.Status)
	})
}
