package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	openai "github.com/sashabaranov/go-openai"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/tinyteams/booking-agent/internal/api/router"
	"github.com/tinyteams/booking-agent/internal/availability"
	appconfig "github.com/tinyteams/booking-agent/internal/config"
	"github.com/tinyteams/booking-agent/internal/convstate"
	"github.com/tinyteams/booking-agent/internal/engine"
	"github.com/tinyteams/booking-agent/internal/http/handlers"
	"github.com/tinyteams/booking-agent/internal/observability/metrics"
	"github.com/tinyteams/booking-agent/internal/resolver"
	"github.com/tinyteams/booking-agent/internal/scheduling"
	"github.com/tinyteams/booking-agent/internal/transcript"
	"github.com/tinyteams/booking-agent/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting booking-agent API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		logger.Error("invalid timezone", "timezone", cfg.Timezone, "error", err)
		os.Exit(1)
	}

	redisOpts := &redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}
	if cfg.RedisTLS {
		redisOpts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
	} else {
		logger.Warn("DATABASE_URL not set, transcript persistence disabled")
	}

	providerClient := scheduling.NewClient(
		cfg.ProviderBaseURL,
		cfg.ProviderAPIKey,
		cfg.ProviderEstablishmentID,
		cfg.ProviderTimeout,
		logger.Component("scheduling"),
	)
	catalog := scheduling.NewCatalog(providerClient, redisClient, cfg.CatalogCacheTTL, logger.Component("catalog"))

	nameResolver := resolver.New(catalog, resolver.MatchOptions{
		MinScore:   cfg.MatchMinScore,
		TieEpsilon: cfg.MatchTieEpsilon,
	}, logger.Component("resolver"))

	calculator := availability.New(providerClient, availability.Config{
		WorkingHoursStart: cfg.WorkingHoursStart,
		WorkingHoursEnd:   cfg.WorkingHoursEnd,
		BufferTime:        time.Duration(cfg.BufferTimeMinutes) * time.Minute,
		DefaultDuration:   time.Duration(cfg.DefaultDurationMin) * time.Minute,
		MinAdvance:        time.Duration(cfg.MinAdvanceHours) * time.Hour,
		MaxAdvance:        time.Duration(cfg.MaxAdvanceDays) * 24 * time.Hour,
		Location:          loc,
	}, logger.Component("availability"))

	stateStore := convstate.NewStore(redisClient, nil)
	transcriptStore := transcript.NewStore(db)

	openaiClient := openai.NewClient(cfg.OpenAIAPIKey)
	extractor := engine.NewOpenAIExtractor(openaiClient, cfg.OpenAIModel, loc, logger.Component("extractor"))
	responder := engine.NewOpenAIResponder(openaiClient, cfg.OpenAIModel, logger.Component("responder"))

	finalizer := engine.NewFinalizer(providerClient, calculator, loc, logger.Component("finalizer"))
	engineMetrics := metrics.NewEngineMetrics(prometheus.DefaultRegisterer)

	bookingEngine := engine.New(
		stateStore,
		extractor,
		responder,
		nameResolver,
		calculator,
		finalizer,
		catalog,
		transcriptStore,
		engineMetrics,
		engine.Config{
			DefaultDurationMin: cfg.DefaultDurationMin,
			SearchAheadDays:    cfg.SearchAheadDays,
			Location:           loc,
		},
		logger.Component("engine"),
	)

	r := router.New(&router.Config{
		Logger:            logger,
		TurnHandler:       handlers.NewTurnHandler(bookingEngine, logger.Component("http")),
		TranscriptHandler: handlers.NewTranscriptHandler(transcriptStore, logger.Component("http")),
		MetricsHandler:    promhttp.Handler(),
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
