package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/turfline/backend/internal/auth"
	"github.com/turfline/backend/internal/config"
	"github.com/turfline/backend/internal/db"
	"github.com/turfline/backend/internal/dispatch"
	"github.com/turfline/backend/internal/geocode"
	httpapi "github.com/turfline/backend/internal/http"
	"github.com/turfline/backend/internal/http/handlers"
	"github.com/turfline/backend/internal/lock"
	"github.com/turfline/backend/internal/models"
	"github.com/turfline/backend/internal/nlu"
	"github.com/turfline/backend/internal/seed"
	"github.com/turfline/backend/internal/service"
	"github.com/turfline/backend/internal/sms"
	"github.com/turfline/backend/internal/writeback"
)

type backingStore interface {
	service.Store
	UpsertUser(ctx context.Context, u models.User) error
	Ping(ctx context.Context) error
	Close()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	zerolog.TimeFieldFormat = time.RFC3339
	level, _ := zerolog.ParseLevel(cfg.LogLevel)
	logger := log.Level(level).With().Str("service", "lawnops-backend").Logger()

	ctx := context.Background()

	var store backingStore
	if cfg.DatabaseURL == "" {
		store = db.NewMemoryStore()
		logger.Warn().Msg("DATABASE_URL not set, using in-memory store")
	} else {
		pg, err := db.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect db")
		}
		if err := pg.Migrate(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to apply schema")
		}
		store = pg
	}
	defer store.Close()

	if cfg.SeedFile != "" {
		fixture, err := seed.Load(cfg.SeedFile)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to read seed file")
		}
		n, err := seed.Apply(ctx, store, fixture)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to apply seed file")
		}
		logger.Info().Int("businesses", n.Businesses).Int("users", n.Users).Int("crews", n.Crews).Msg("seed applied")
	}

	var (
		locker  lock.Locker       = lock.NewLocalLocker()
		emitter writeback.Emitter = writeback.LogEmitter{Logger: logger}
	)
	if cfg.RedisAddr != "" {
		rdb, err := lock.NewRedisClient(ctx, cfg.RedisAddr)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect redis")
		}
		defer rdb.Close()
		locker = lock.NewRedisLocker(rdb, cfg.SessionLockTTL)
		emitter = writeback.NewRedisEmitter(rdb, cfg.WritebackChannel)
	} else {
		logger.Info().Msg("REDIS_ADDR not set, using process-local locks")
	}

	var sender sms.Sender = sms.LogSender{Logger: logger}
	if cfg.SMSAPIURL != "" {
		sender = sms.NewHTTPSender(cfg.SMSAPIURL, cfg.SMSAccountSID, cfg.SMSAuthToken)
	}

	var extractor nlu.Extractor = nlu.HeuristicExtractor{}
	if cfg.NLUURL != "" {
		extractor = &nlu.LLMExtractor{
			BaseURL:  cfg.NLUURL,
			Model:    cfg.NLUModel,
			APIKey:   cfg.NLUAPIKey,
			Client:   &http.Client{Timeout: 15 * time.Second},
			Fallback: nlu.HeuristicExtractor{},
			Logger:   logger,
		}
	} else {
		logger.Info().Msg("using heuristic extractor")
	}

	templates, err := sms.LoadTemplates(cfg.TemplatesPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load service templates")
	}
	geocoder := geocode.MockGeocoder{
		CenterLat:   cfg.GeocodeCenterLat,
		CenterLng:   cfg.GeocodeCenterLng,
		RegionLabel: cfg.GeocodeRegion,
	}
	engine := sms.NewEngine(templates, extractor, geocoder, sms.Options{
		HandoffCeiling: cfg.HandoffCeiling,
		ClickToCallTTL: cfg.ClickToCallTTL,
	})

	tokens := auth.NewTokenService(cfg.JWTSecret, cfg.TokenTTL)
	simDefaults := service.SimulationConfig{
		DateRangeDays:        cfg.SimDateRangeDays,
		SkillMatchMinPct:     cfg.SkillMatchMinPct,
		EquipmentMatchMinPct: cfg.EquipmentMatchMinPct,
		PersistTopN:          cfg.SimPersistTopN,
		ReturnTopN:           cfg.SimReturnTopN,
	}

	h := &handlers.Handler{
		Store: store,
		Intake: &service.IntakeService{
			Store:     store,
			Engine:    engine,
			Templates: templates,
			Sender:    sender,
			Locker:    locker,
			Logger:    logger,

			TurnTimeout: cfg.TurnTimeout(),
		},
		Jobs: &service.JobService{Store: store},
		Simulations: &service.SimulationService{
			Store:       store,
			Travel:      dispatch.HaversineEstimator{AvgSpeedMPH: cfg.AvgSpeedMPH},
			Weights:     dispatch.DefaultWeights(),
			Defaults:    simDefaults,
			Concurrency: cfg.SimConcurrency,
			Logger:      logger,
		},
		Decisions: &service.DecisionService{Store: store, Emitter: emitter, Logger: logger},
		OAuth: &service.OAuthService{
			Store: store,
			Config: service.OAuthConfig{
				AuthorizeURL: cfg.JobberAuthorizeURL,
				ClientID:     cfg.JobberClientID,
				RedirectURL:  cfg.JobberRedirectURL,
				StateTTL:     cfg.OAuthStateTTL,
			},
			Logger: logger,
		},
		Tokens:      tokens,
		Validator:   validator.New(),
		Logger:      logger,
		Approval:    service.ApprovalConfig{AllowCrewLeadApprove: cfg.AllowCrewLeadApprove},
		SimDefaults: simDefaults,
	}

	router := httpapi.Router(cfg, h, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  cfg.RequestTimeout,
		WriteTimeout: cfg.RequestTimeout,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctxShutdown)
	logger.Info().Msg("server stopped")
}
