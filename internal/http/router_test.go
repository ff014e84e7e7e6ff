package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turfline/backend/internal/auth"
	"github.com/turfline/backend/internal/config"
	"github.com/turfline/backend/internal/db"
	"github.com/turfline/backend/internal/dispatch"
	"github.com/turfline/backend/internal/geocode"
	"github.com/turfline/backend/internal/http/handlers"
	"github.com/turfline/backend/internal/http/middleware"
	"github.com/turfline/backend/internal/lock"
	"github.com/turfline/backend/internal/models"
	"github.com/turfline/backend/internal/nlu"
	"github.com/turfline/backend/internal/service"
	"github.com/turfline/backend/internal/sms"
	"github.com/turfline/backend/internal/writeback"
)

const (
	testBiz       = "biz-1"
	testBizPhone  = "+15125550199"
	testOwner     = "u-owner"
	testStaff     = "u-staff"
	testOutsider  = "u-outsider"
	webhookSecret = "whsec"
	webhookURL    = "https://ops.example.test/webhooks/sms"
	adminKey      = "adm-key"
)

var testNow = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

type testServer struct {
	router *gin.Engine
	store  *db.MemoryStore
	tokens *auth.TokenService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	now := func() time.Time { return testNow }

	store := db.NewMemoryStore()
	require.NoError(t, store.UpsertBusiness(ctx, models.Business{
		ID:                testBiz,
		Name:              "Green Acres",
		ServiceTemplateID: sms.DefaultTemplateID,
	}, []string{testBizPhone}))
	require.NoError(t, store.UpsertBusiness(ctx, models.Business{ID: "biz-2", Name: "Other"}, nil))
	for _, u := range []models.User{
		{ID: testOwner, BusinessID: testBiz, Role: models.RoleOwner},
		{ID: testStaff, BusinessID: testBiz, Role: models.RoleStaff},
		{ID: testOutsider, BusinessID: "biz-2", Role: models.RoleOwner},
	} {
		require.NoError(t, store.UpsertUser(ctx, u))
	}
	var week []models.AvailabilityWindow
	for d := time.Sunday; d <= time.Saturday; d++ {
		week = append(week, models.AvailabilityWindow{Weekday: d, StartMinute: 480, EndMinute: 1020})
	}
	for _, c := range []models.Crew{
		{ID: "crew-a", Skills: []string{"mowing"}, HomeBase: models.LatLng{Lat: 30.30, Lng: -97.75}},
		{ID: "crew-b", Skills: []string{"mowing", "aeration"}, HomeBase: models.LatLng{Lat: 30.25, Lng: -97.70}},
	} {
		c.BusinessID = testBiz
		c.Name = "Crew " + c.ID
		c.Equipment = []string{"mower"}
		c.ServiceRadiusMiles = 20
		c.DailyCapacityMinutes = 480
		c.CrewSize = 2
		c.HourlyCost = 60
		c.Availability = week
		require.NoError(t, store.UpsertCrew(ctx, c))
	}

	templates := sms.MustLoadBuiltin()
	logger := zerolog.Nop()
	tokens := auth.NewTokenService("test-secret", time.Hour)
	simDefaults := service.DefaultSimulationConfig()
	h := &handlers.Handler{
		Store: store,
		Intake: &service.IntakeService{
			Store:     store,
			Engine:    sms.NewEngine(templates, nlu.HeuristicExtractor{}, geocode.MockGeocoder{CenterLat: 30.2672, CenterLng: -97.7431}, sms.Options{}),
			Templates: templates,
			Sender:    sms.LogSender{Logger: logger},
			Locker:    lock.NewLocalLocker(),
			Logger:    logger,
			Now:       now,
		},
		Jobs: &service.JobService{Store: store, Now: now},
		Simulations: &service.SimulationService{
			Store:   store,
			Travel:  dispatch.HaversineEstimator{},
			Weights: dispatch.DefaultWeights(),
			Logger:  logger,
			Now:     now,
		},
		Decisions: &service.DecisionService{Store: store, Emitter: writeback.LogEmitter{Logger: logger}, Logger: logger, Now: now},
		OAuth: &service.OAuthService{
			Store:  store,
			Config: service.OAuthConfig{AuthorizeURL: "https://jobber.example.test/authorize", ClientID: "cid"},
			Logger: logger,
			Now:    now,
		},
		Tokens:      tokens,
		Validator:   validator.New(),
		Logger:      logger,
		SimDefaults: simDefaults,
	}
	cfg := config.Config{
		AdminKey:         adminKey,
		CORSAllowed:      "*",
		SMSWebhookSecret: webhookSecret,
		SMSWebhookURL:    webhookURL,
	}
	return &testServer{router: Router(cfg, h, logger), store: store, tokens: tokens}
}

func (s *testServer) token(t *testing.T, userID, businessID string) string {
	t.Helper()
	tok, err := s.tokens.Issue(userID, businessID)
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body handlers.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body.Error.Code
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))
}

func TestAPIRequiresBearerToken(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/api/crews", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "UNAUTHORIZED", errorCode(t, w))

	w = s.do(t, http.MethodGet, "/api/crews", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodGet, "/api/crews", s.token(t, testOwner, testBiz), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var crews []models.Crew
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &crews))
	assert.Len(t, crews, 2)
}

func postWebhook(s *testServer, form url.Values, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/sms", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if signature != "" {
		req.Header.Set(middleware.SignatureHeader, signature)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestSMSWebhookSignature(t *testing.T) {
	s := newTestServer(t)
	form := url.Values{
		"From":       {"+15125550100"},
		"To":         {testBizPhone},
		"Body":       {"Hi, I need weekly mowing"},
		"MessageSid": {"SM100"},
	}

	w := postWebhook(s, form, "bogus")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_SIGNATURE", errorCode(t, w))

	w = postWebhook(s, form, middleware.SignSMSWebhook(webhookSecret, webhookURL, form))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "<Response>")

	sessionID := sms.SessionIDFor(testBiz, "+15125550100")
	w = s.do(t, http.MethodGet, "/api/sms/sessions/"+sessionID, s.token(t, testOwner, testBiz), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var sess models.SmsSession
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))
	assert.Equal(t, sessionID, sess.SessionID)

	w = s.do(t, http.MethodGet, "/api/sms/sessions/"+sessionID+"/events", s.token(t, testOwner, testBiz), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var events []models.SmsEvent
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &events))
	assert.NotEmpty(t, events)

	w = s.do(t, http.MethodGet, "/api/sms/sessions/"+sessionID, s.token(t, testOutsider, "biz-2"), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSMSInboundAdminKeyAndTenant(t *testing.T) {
	s := newTestServer(t)
	body := service.InboundRequest{FromPhone: "+15125550100", ToPhone: "+15550000000", Text: "hello"}

	w := s.do(t, http.MethodPost, "/api/sms/inbound", "", body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/sms/inbound", strings.NewReader(`{"from_phone":"+15125550100","to_phone":"+15550000000","text":"hello"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Key", adminKey)
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "NO_ACTIVE_TENANT", errorCode(t, w))
}

func TestIssueTokenThroughAdminEndpoint(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/admin/tokens", strings.NewReader(`{"user_id":"u-owner","business_id":"biz-1"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Key", adminKey)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var out handlers.IssueTokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	w = s.do(t, http.MethodGet, "/api/crews", out.Token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func mowingJob() handlers.JobRequestBody {
	return handlers.JobRequestBody{
		CustomerName:         "Pat",
		Lat:                  30.2672,
		Lng:                  -97.7431,
		ServiceType:          "mowing",
		RequiredSkills:       []string{"mowing"},
		RequiredEquipment:    []string{"mower"},
		CrewSizeMin:          1,
		LaborLowMinutes:      55,
		LaborHighMinutes:     65,
		PriceLow:             80,
		PriceHigh:            100,
		PreferredStartMinute: 540,
	}
}

func TestCrewVisitAdd(t *testing.T) {
	s := newTestServer(t)
	owner := s.token(t, testOwner, testBiz)
	visit := handlers.VisitRequest{Date: "2026-03-03", StartMinute: 480, Minutes: 120, Lat: 30.28, Lng: -97.74}

	w := s.do(t, http.MethodPost, "/api/crews/crew-a/visits", owner, visit)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	visits, err := s.store.ListScheduledVisits(context.Background(), "crew-a", "2026-03-03", "2026-03-04")
	require.NoError(t, err)
	assert.Len(t, visits, 1)

	w = s.do(t, http.MethodPost, "/api/crews/crew-zz/visits", owner, visit)
	assert.Equal(t, http.StatusNotFound, w.Code)

	visit.Date = "03/03/2026"
	w = s.do(t, http.MethodPost, "/api/crews/crew-a/visits", owner, visit)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestJobRequestValidation(t *testing.T) {
	s := newTestServer(t)
	body := mowingJob()
	body.ServiceType = ""
	w := s.do(t, http.MethodPost, "/api/job-requests", s.token(t, testOwner, testBiz), body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(t, w))
}

func TestSimulateAndApproveFlow(t *testing.T) {
	s := newTestServer(t)
	owner := s.token(t, testOwner, testBiz)
	staff := s.token(t, testStaff, testBiz)

	w := s.do(t, http.MethodPost, "/api/job-requests", owner, mowingJob())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var job models.JobRequest
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))

	w = s.do(t, http.MethodGet, "/api/job-requests/"+job.ID, s.token(t, testOutsider, "biz-2"), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodGet, "/api/job-requests/"+job.ID+"/eligibility", owner, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = s.do(t, http.MethodGet, "/api/job-requests/"+job.ID+"/eligibility?skill_match_min_pct=140", owner, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/job-requests/"+job.ID+"/simulate", owner, map[string]int{"return_top_n": 3})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res service.SimulationResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.Len(t, res.Simulations, 3)
	assert.Equal(t, 1, res.Simulations[0].Rank)
	top := res.Simulations[0]

	create := handlers.CreateDecisionRequest{JobRequestID: job.ID, SimulationID: top.ID}
	w = s.do(t, http.MethodPost, "/api/decisions", staff, create)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "FORBIDDEN", errorCode(t, w))

	w = s.do(t, http.MethodPost, "/api/decisions", owner, create)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var d models.Decision
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &d))
	assert.Equal(t, models.DecisionPending, d.Status)

	w = s.do(t, http.MethodPost, "/api/decisions/"+d.ID+"/approve", staff, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodPost, "/api/decisions/"+d.ID+"/approve", owner, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &d))
	assert.Equal(t, models.DecisionApproved, d.Status)

	w = s.do(t, http.MethodPost, "/api/decisions/"+d.ID+"/reject", owner, map[string]string{"reason": "late"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "STATE_CONFLICT", errorCode(t, w))

	w = s.do(t, http.MethodGet, "/api/job-requests/"+job.ID, owner, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, models.JobAssigned, job.Status)
}

func TestSimulateWithNoEligibleCrew(t *testing.T) {
	s := newTestServer(t)
	owner := s.token(t, testOwner, testBiz)
	body := mowingJob()
	body.ServiceType = "irrigation"
	body.RequiredSkills = []string{"irrigation"}

	w := s.do(t, http.MethodPost, "/api/job-requests", owner, body)
	require.Equal(t, http.StatusCreated, w.Code)
	var job models.JobRequest
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))

	w = s.do(t, http.MethodPost, "/api/job-requests/"+job.ID+"/simulate", owner, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res service.SimulationResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Empty(t, res.Simulations)
	assert.Empty(t, res.EligibleCrews)
	assert.Equal(t, dispatch.ReasonNoEligibleCrews, res.ReasonCode)
}

func TestJobberConnectAndCallback(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/api/integrations/jobber/connect", s.token(t, testStaff, testBiz), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodGet, "/api/integrations/jobber/connect", s.token(t, testOwner, testBiz), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var conn service.ConnectResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &conn))
	assert.Contains(t, conn.URL, "state="+conn.State)

	cb := "/api/integrations/jobber/callback?state=" + url.QueryEscape(conn.State) + "&code=abc&account_id=jb-9"
	w = s.do(t, http.MethodGet, cb, "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	biz, err := s.store.GetBusiness(context.Background(), testBiz)
	require.NoError(t, err)
	assert.Equal(t, "jb-9", biz.JobberAccountID)

	w = s.do(t, http.MethodGet, cb, "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
