package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"bazaar-auction-engine/internal/adapters/broadcaster"
	"bazaar-auction-engine/internal/adapters/db"
	"bazaar-auction-engine/internal/adapters/redis"
	"bazaar-auction-engine/internal/adapters/scheduler"
	"bazaar-auction-engine/internal/adapters/ws"
	"bazaar-auction-engine/internal/app"
	"bazaar-auction-engine/internal/config"
)

func main() {

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	initLogging(cfg)

	log.Info().Msg("Starting Bazaar Auction Engine...")

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database connection
	dbConn, err := db.NewConnection(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer dbConn.Close()

	log.Info().Msg("Database connection established")

	repoFactory := db.NewRepositoryFactory(dbConn)
	auctionRepo := repoFactory.GetAuctionRepository()
	bidRepo := repoFactory.GetBidRepository()

	log.Info().Msg("Database repositories initialized")

	// Create Redis client
	redisClient := redis.NewClient(cfg)
	if err := redis.Ping(redisClient); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	log.Info().Msg("Redis connection established")

	// Cross-node event fan-out on top of the local per-auction topics
	eventBroadcaster := broadcaster.NewRedisBroadcaster(broadcaster.RedisBroadcasterParams{
		RedisClient: redisClient,
		Logger:      log.Logger,
	})
	defer eventBroadcaster.Close()
	log.Info().Msg("Event broadcaster initialized")

	// Create business services. They share one commit lock so events for an
	// auction fan out in the order its writes committed, regardless of which
	// service wrote.
	commitLock := app.NewCommitLock()
	auctionService := app.NewAuctionService(app.AuctionServiceParams{
		AuctionRepo: auctionRepo,
		Broadcaster: eventBroadcaster,
		CommitLock:  commitLock,
		AutoApprove: cfg.Engine.AutoApprove,
		Logger:      log.Logger,
	})
	settlementService := app.NewSettlementService(app.SettlementServiceParams{
		AuctionRepo: auctionRepo,
		BidRepo:     bidRepo,
		Broadcaster: eventBroadcaster,
		CommitLock:  commitLock,
		MaxRetries:  cfg.Engine.AdmissionMaxRetries,
		Logger:      log.Logger,
	})

	// Create settlement scheduler
	settlementScheduler := scheduler.NewSettlementScheduler(scheduler.SettlementSchedulerParams{
		RedisClient: redisClient,
		Settler:     settlementService,
		AuctionRepo: auctionRepo,
		Interval:    cfg.Scheduler.Interval,
		BatchSize:   cfg.Scheduler.BatchSize,
		Logger:      log.Logger,
	})

	admissionService := app.NewAdmissionService(app.AdmissionServiceParams{
		AuctionRepo:         auctionRepo,
		BidRepo:             bidRepo,
		Broadcaster:         eventBroadcaster,
		Scheduler:           settlementScheduler,
		CommitLock:          commitLock,
		MaxRetries:          cfg.Engine.AdmissionMaxRetries,
		Backoff:             cfg.Engine.AdmissionBackoff,
		EndingSoonThreshold: cfg.Engine.EndingSoonThreshold,
		MaxExtensions:       cfg.Engine.MaxExtensions,
		Logger:              log.Logger,
	})

	log.Info().Msg("Business services initialized")

	settlementScheduler.Start()
	log.Info().Msg("Settlement scheduler started")

	// Lifecycle service queues deadlines through the running scheduler
	auctionService.SetScheduler(settlementScheduler)

	wsServer := ws.NewServer(ws.ServerParams{
		Config:           cfg,
		AuctionService:   auctionService,
		AdmissionService: admissionService,
		Broadcaster:      eventBroadcaster,
		Logger:           log.Logger,
	})

	log.Info().Msg("WebSocket server initialized")

	// Start WebSocket server
	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("Starting WebSocket server")
		if err := wsServer.Start(); err != nil {
			log.Error().Err(err).Msg("Failed to start WebSocket server")
			cancel()
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case <-ctx.Done():
		log.Info().Msg("Context cancelled")
	}

	// Graceful shutdown
	log.Info().Msg("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop the scheduler first so no settlement races the draining server
	settlementScheduler.Stop()
	log.Info().Msg("Settlement scheduler stopped")

	if err := wsServer.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping WebSocket server")
	}

	log.Info().Msg("Graceful shutdown completed")
}

func initLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Logging.Format == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		// Console format for development
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		log.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.DefaultContextLogger = &log.Logger
}
