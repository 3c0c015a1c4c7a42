// Package main is the entry point for the Risk Service.
// The Risk Service scores passwordless authentication attempts, drives
// step-up challenges for uncertain ones, and learns behavioral baselines
// from successful admissions.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/riskgate/riskgate/internal/audit"
	"github.com/riskgate/riskgate/internal/authflow"
	"github.com/riskgate/riskgate/internal/baseline"
	"github.com/riskgate/riskgate/internal/common/config"
	"github.com/riskgate/riskgate/internal/common/database"
	"github.com/riskgate/riskgate/internal/common/logger"
	"github.com/riskgate/riskgate/internal/common/tracing"
	"github.com/riskgate/riskgate/internal/geo"
	"github.com/riskgate/riskgate/internal/learning"
	"github.com/riskgate/riskgate/internal/network"
	"github.com/riskgate/riskgate/internal/notifications"
	"github.com/riskgate/riskgate/internal/scoring"
	"github.com/riskgate/riskgate/internal/stepup"
	"github.com/riskgate/riskgate/internal/telemetry"
)

var (
	Version    = "dev"
	BuildTime  = "unknown"
	CommitHash = "unknown"
)

func main() {
	log := logger.New()
	defer log.Sync()

	log.Info("Starting Risk Service",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("commit", CommitHash),
	)

	cfg, err := config.Load("risk-service")
	if err != nil {
		log.Fatal("Failed to load configuration", zap.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration", zap.Error(err))
	}

	shutdownTracing, err := tracing.Init(context.Background(), tracing.ConfigFromEnv(cfg.ServiceName, cfg.Environment), log)
	if err != nil {
		log.Warn("Tracing unavailable", zap.Error(err))
	} else {
		defer shutdownTracing(context.Background())
	}

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	redisClient, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal("Failed to connect to redis", zap.Error(err))
	}
	defer redisClient.Close()

	var es *elasticsearch.Client
	if cfg.ElasticsearchURL != "" {
		es, err = database.NewElasticsearch(cfg.ElasticsearchURL)
		if err != nil {
			log.Warn("Elasticsearch unavailable, audit search disabled", zap.Error(err))
			es = nil
		}
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	provider, cleanup, err := buildGeoProvider(cfg)
	if err != nil {
		log.Fatal("Failed to initialize geo provider", zap.Error(err))
	}
	if cleanup != nil {
		defer cleanup()
	}
	resolver := geo.NewResolver(redisClient, provider, geo.Config{CacheTTL: cfg.GeoCacheTTL}, log)

	tracker := network.NewTracker(network.NewPgSightingStore(db), network.Config{
		PromotionThreshold: cfg.NetworkPromotionThreshold,
		WindowDays:         cfg.NetworkWindowDays,
		DecayDays:          cfg.NetworkDecayDays,
		CarrierASNs:        cfg.CarrierASNs,
	}, log)

	profiles := baseline.NewPgStore(db)
	emitter := audit.NewStoreEmitter(db, es, cfg.AuditIndex, log)
	if cfg.AuditJournalPath != "" {
		journal, err := audit.OpenJournal(cfg.AuditJournalPath)
		if err != nil {
			log.Fatal("Failed to open audit journal", zap.Error(err))
		}
		emitter = emitter.WithJournal(journal)
	}
	engine := scoring.NewEngine(scoring.Config{
		LowBoundary:  float64(cfg.LowRiskBoundary),
		HighBoundary: float64(cfg.HighRiskBoundary),
	}, log)

	sessions := stepup.NewSessionStore(redisClient, cfg.StepUpSessionTTL)
	sender := notifications.NewLogSender(log)
	baseURL := fmt.Sprintf("http://localhost:%d", cfg.Port)
	methods := []stepup.Method{
		stepup.NewOutOfBandLinkMethod(sender, cfg.StepUpLinkSecret, baseURL, log),
		stepup.NewAmbientMethod(ambientRecheck{tracker: tracker}),
	}
	controller := stepup.NewController(
		sessions,
		methods,
		stepup.StaticEnrollment{},
		emitter,
		stepup.Config{AttemptLimit: cfg.StepUpAttemptLimit},
		log,
	)

	learner := learning.NewCoordinator(profiles, tracker, redisClient, emitter, learning.Config{
		Alpha:               cfg.EWMAAlpha,
		StabilizationStreak: cfg.StabilizationStreak,
		RetryLimit:          cfg.LearnRetryLimit,
	}, log)

	sequencer := telemetry.NewSequencer(redisClient, time.Hour, log)

	service := authflow.NewService(
		engine, resolver, tracker, profiles, controller, learner, sequencer,
		redisClient, 2*cfg.StepUpSessionTTL, log,
	)
	handler := authflow.NewHandler(service, cfg.StepUpLinkSecret, log)

	router := handler.Router(cfg.ServiceName, func() error {
		if err := db.Ping(); err != nil {
			return err
		}
		return redisClient.Ping()
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("Server listening", zap.Int("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	log.Info("Server exited")
}

// buildGeoProvider picks the local database when configured, else the HTTP
// lookup service.
func buildGeoProvider(cfg *config.Config) (geo.Provider, func(), error) {
	if cfg.GeoDatabasePath != "" {
		p, err := geo.NewMaxMindProvider(cfg.GeoDatabasePath, cfg.GeoASNPath)
		if err != nil {
			return nil, nil, err
		}
		return p, p.Close, nil
	}
	return geo.NewHTTPProvider(cfg.GeoHTTPTimeout), nil, nil
}

// ambientRecheck passes a silent recheck when the responding network is
// already known for the user.
type ambientRecheck struct {
	tracker *network.Tracker
}

func (a ambientRecheck) Probe(ctx context.Context, userID string, response string) (bool, error) {
	if response == "" {
		return false, nil
	}
	state, err := a.tracker.Classify(ctx, userID, response, time.Now().UTC())
	if err != nil {
		return false, nil
	}
	return state == network.StateKnown, nil
}
